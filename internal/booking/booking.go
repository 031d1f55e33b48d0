// Package booking reads the booking and escrow records disputes are raised against.
// Bookings are owned upstream; this engine never writes them.
package booking

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/fx"
	"gorm.io/gorm"
)

var ErrNotFound = errors.New("booking_not_found")

type Booking struct {
	ID                  string    `json:"id"`
	CustomerID          string    `json:"customer_id"`
	VendorID            string    `json:"vendor_id"`
	EscrowTransactionID string    `json:"escrow_transaction_id"`
	AmountMinor         int64     `json:"amount_minor"`
	Currency            string    `json:"currency"`
	CustomerEmail       string    `json:"-"`
	VendorEmail         string    `json:"-"`
	CreatedAt           time.Time `json:"created_at"`
}

// Role returns "customer" or "vendor" for a party of the booking, or "".
func (b Booking) Role(userID string) string {
	switch strings.TrimSpace(userID) {
	case "":
		return ""
	case b.CustomerID:
		return "customer"
	case b.VendorID:
		return "vendor"
	default:
		return ""
	}
}

type Directory interface {
	Get(ctx context.Context, db *gorm.DB, bookingID string) (Booking, error)
}

type directory struct{}

func NewDirectory() Directory {
	return &directory{}
}

var Module = fx.Module("booking",
	fx.Provide(NewDirectory),
)

func (d *directory) Get(ctx context.Context, db *gorm.DB, bookingID string) (Booking, error) {
	bookingID = strings.TrimSpace(bookingID)
	if bookingID == "" {
		return Booking{}, ErrNotFound
	}

	var rec struct {
		ID                  string
		CustomerID          string
		VendorID            string
		EscrowTransactionID string
		AmountMinor         int64
		Currency            string
		CustomerEmail       *string
		VendorEmail         *string
		CreatedAt           time.Time
	}
	if err := db.WithContext(ctx).Raw(
		`SELECT id, customer_id, vendor_id, escrow_transaction_id, amount_minor, currency,
		        customer_email, vendor_email, created_at
		 FROM bookings
		 WHERE id = ?`,
		bookingID,
	).Scan(&rec).Error; err != nil {
		return Booking{}, err
	}
	if rec.ID == "" {
		return Booking{}, ErrNotFound
	}

	out := Booking{
		ID:                  rec.ID,
		CustomerID:          rec.CustomerID,
		VendorID:            rec.VendorID,
		EscrowTransactionID: rec.EscrowTransactionID,
		AmountMinor:         rec.AmountMinor,
		Currency:            strings.ToUpper(rec.Currency),
		CreatedAt:           rec.CreatedAt,
	}
	if rec.CustomerEmail != nil {
		out.CustomerEmail = *rec.CustomerEmail
	}
	if rec.VendorEmail != nil {
		out.VendorEmail = *rec.VendorEmail
	}
	return out, nil
}
