package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// LedgerEntryDirection represents debit or credit postings.
type LedgerEntryDirection string

const (
	LedgerEntryDirectionDebit  LedgerEntryDirection = "debit"
	LedgerEntryDirectionCredit LedgerEntryDirection = "credit"
)

type LedgerSourceType string

const (
	SourceTypeSettlementRefund  LedgerSourceType = "settlement_refund"  // escrow returned to customer
	SourceTypeSettlementRelease LedgerSourceType = "settlement_release" // escrow released to vendor
	SourceTypeSettlementFee     LedgerSourceType = "settlement_fee"     // platform deduction from escrow
	SourceTypePenaltyFee        LedgerSourceType = "penalty_fee"        // external resolution fee
)

type LedgerAccountCode string

const (
	// Liabilities
	AccountCodeEscrowHeld LedgerAccountCode = "escrow_held"

	// Payouts
	AccountCodeCustomerRefunds LedgerAccountCode = "customer_refunds"
	AccountCodeVendorPayouts   LedgerAccountCode = "vendor_payouts"

	// Revenue
	AccountCodePlatformFees LedgerAccountCode = "platform_fees"

	// Assets
	AccountCodePenaltyFeesReceivable LedgerAccountCode = "penalty_fees_receivable"
)

var accountNames = map[LedgerAccountCode]string{
	AccountCodeEscrowHeld:            "Escrow held",
	AccountCodeCustomerRefunds:       "Customer refunds",
	AccountCodeVendorPayouts:         "Vendor payouts",
	AccountCodePlatformFees:          "Platform fees",
	AccountCodePenaltyFeesReceivable: "Penalty fees receivable",
}

// AccountName returns the display name for a known account code.
func AccountName(code LedgerAccountCode) (string, bool) {
	name, ok := accountNames[code]
	return name, ok
}

// LedgerAccount defines a chart-of-accounts entry per currency.
type LedgerAccount struct {
	ID        snowflake.ID      `gorm:"primaryKey"`
	Code      LedgerAccountCode `gorm:"type:text;not null"`
	Name      string            `gorm:"type:text;not null"`
	Currency  string            `gorm:"type:text;not null"`
	CreatedAt time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (LedgerAccount) TableName() string { return "ledger_accounts" }

// LedgerEntry captures the immutable header for a financial event.
type LedgerEntry struct {
	ID         snowflake.ID     `gorm:"primaryKey"`
	SourceType LedgerSourceType `gorm:"type:text;not null;index"`
	SourceID   string           `gorm:"type:text;not null;index"`
	Currency   string           `gorm:"type:text;not null"`
	OccurredAt time.Time        `gorm:"not null"`
	CreatedAt  time.Time        `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (LedgerEntry) TableName() string { return "ledger_entries" }

// LedgerEntryLine is a double-entry posting line.
type LedgerEntryLine struct {
	ID            snowflake.ID         `gorm:"primaryKey"`
	LedgerEntryID snowflake.ID         `gorm:"not null;index"`
	AccountID     snowflake.ID         `gorm:"not null;index"`
	Direction     LedgerEntryDirection `gorm:"type:text;not null"`
	Currency      string               `gorm:"type:text;not null"`
	Amount        int64                `gorm:"not null"`
	CreatedAt     time.Time            `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (LedgerEntryLine) TableName() string { return "ledger_entry_lines" }

// Posting is a line expressed against an account code; the service resolves the account.
type Posting struct {
	Account   LedgerAccountCode
	Direction LedgerEntryDirection
	Amount    int64
}
