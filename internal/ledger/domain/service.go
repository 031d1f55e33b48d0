package domain

import (
	"context"
	"errors"
	"time"
)

type Service interface {
	// CreateEntry posts a balanced entry once per (sourceType, sourceID). A
	// repeated call returns the entry that already exists.
	CreateEntry(ctx context.Context, sourceType LedgerSourceType, sourceID string, currency string, occurredAt time.Time, postings []Posting) (LedgerEntry, error)
	GetEntry(ctx context.Context, sourceType LedgerSourceType, sourceID string) (LedgerEntry, error)
	// Balance returns debits minus credits for the account.
	Balance(ctx context.Context, code LedgerAccountCode, currency string) (int64, error)
}

var (
	ErrInvalidSourceType    = errors.New("invalid_source_type")
	ErrInvalidSourceID      = errors.New("invalid_source_id")
	ErrInvalidCurrency      = errors.New("invalid_currency")
	ErrInvalidOccurredAt    = errors.New("invalid_occurred_at")
	ErrInvalidEntryLines    = errors.New("invalid_entry_lines")
	ErrInvalidAccount       = errors.New("invalid_account")
	ErrInvalidLineDirection = errors.New("invalid_line_direction")
	ErrInvalidLineAmount    = errors.New("invalid_line_amount")
	ErrUnbalancedEntry      = errors.New("unbalanced_entry")
	ErrEntryNotFound        = errors.New("ledger_entry_not_found")
)

// ValidateBalanced checks that debits equal credits.
func ValidateBalanced(lines []LedgerEntryLine) error {
	var debit, credit int64
	for _, line := range lines {
		switch line.Direction {
		case LedgerEntryDirectionDebit:
			debit += line.Amount
		case LedgerEntryDirectionCredit:
			credit += line.Amount
		default:
			return ErrInvalidLineDirection
		}
	}
	if debit != credit || debit == 0 {
		return ErrUnbalancedEntry
	}
	return nil
}
