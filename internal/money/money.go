// Package money converts between escrow minor units, percents and basis points.
package money

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"golang.org/x/text/currency"
)

// FullBps is 100% expressed in basis points.
const FullBps = 10000

var (
	ErrInvalidPercent  = errors.New("invalid_percent")
	ErrInvalidCurrency = errors.New("invalid_currency")
	ErrInvalidAmount   = errors.New("invalid_amount")
)

// PercentToBps converts a decimal percent such as 62.5 into basis points.
// Values outside [0,100] are rejected; finer precision than 0.01% is rounded half-up.
func PercentToBps(percent float64) (int, error) {
	if math.IsNaN(percent) || math.IsInf(percent, 0) || percent < 0 || percent > 100 {
		return 0, fmt.Errorf("%w: %v", ErrInvalidPercent, percent)
	}
	return int(math.Floor(percent*100 + 0.5)), nil
}

func BpsToPercent(bps int) float64 {
	return float64(bps) / 100
}

// ShareOf returns amount*bps/10000 rounded half-up to the minor unit.
func ShareOf(amount int64, bps int) int64 {
	if amount <= 0 || bps <= 0 {
		return 0
	}
	if bps >= FullBps {
		return amount
	}
	return (amount*int64(bps) + FullBps/2) / FullBps
}

// Split is the exact distribution of an escrow amount.
type Split struct {
	Refund      int64 `json:"refund_amount_minor"`
	Vendor      int64 `json:"vendor_amount_minor"`
	PlatformFee int64 `json:"platform_fee_minor"`
}

// Compute splits amount so that Refund+Vendor+PlatformFee == amount.
// refundBps is rounded half-up; vendorBps is capped at what remains after the refund.
func Compute(amount int64, refundBps, vendorBps int) (Split, error) {
	if amount < 0 {
		return Split{}, ErrInvalidAmount
	}
	if refundBps < 0 || refundBps > FullBps || vendorBps < 0 || vendorBps > FullBps {
		return Split{}, ErrInvalidPercent
	}
	if refundBps+vendorBps > FullBps {
		vendorBps = FullBps - refundBps
	}
	refund := ShareOf(amount, refundBps)
	remaining := amount - refund
	vendor := remaining
	if refundBps+vendorBps < FullBps {
		vendor = ShareOf(amount, vendorBps)
		if vendor > remaining {
			vendor = remaining
		}
	}
	return Split{
		Refund:      refund,
		Vendor:      vendor,
		PlatformFee: amount - refund - vendor,
	}, nil
}

// NormalizeCurrency validates an ISO 4217 code and returns it upper-cased.
func NormalizeCurrency(code string) (string, error) {
	unit, err := currency.ParseISO(strings.TrimSpace(code))
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidCurrency, code)
	}
	return unit.String(), nil
}

// Scale returns the number of minor-unit digits for the currency (2 for USD, 0 for JPY).
func Scale(code string) (int, error) {
	unit, err := currency.ParseISO(strings.TrimSpace(code))
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidCurrency, code)
	}
	scale, _ := currency.Standard.Rounding(unit)
	return scale, nil
}

// MajorToMinor converts whole currency units to minor units.
func MajorToMinor(major int64, code string) (int64, error) {
	scale, err := Scale(code)
	if err != nil {
		return 0, err
	}
	minor := major
	for i := 0; i < scale; i++ {
		minor *= 10
	}
	return minor, nil
}

// FormatMinor renders a minor-unit amount as a decimal string, e.g. 12345 USD -> "123.45".
func FormatMinor(amount int64, code string) string {
	scale, err := Scale(code)
	if err != nil || scale == 0 {
		return fmt.Sprintf("%d", amount)
	}
	sign := ""
	if amount < 0 {
		sign = "-"
		amount = -amount
	}
	div := int64(1)
	for i := 0; i < scale; i++ {
		div *= 10
	}
	return fmt.Sprintf("%s%d.%0*d", sign, amount/div, scale, amount%div)
}
