package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/arbiter/internal/audit/domain"
	"github.com/smallbiznis/arbiter/internal/clock"
	ledgerdomain "github.com/smallbiznis/arbiter/internal/ledger/domain"
	"github.com/smallbiznis/arbiter/internal/money"
	obsmetrics "github.com/smallbiznis/arbiter/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock         `optional:"true"`
	AuditSvc   auditdomain.Service `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	auditSvc   auditdomain.Service
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) ledgerdomain.Service {
	c := p.Clock
	if c == nil {
		c = clock.SystemClock{}
	}
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("ledger.service"),
		genID:      p.GenID,
		clock:      c,
		auditSvc:   p.AuditSvc,
		obsMetrics: p.ObsMetrics,
	}
}

// draft is a validated entry waiting to be written.
type draft struct {
	sourceType ledgerdomain.LedgerSourceType
	sourceID   string
	currency   string
	occurredAt time.Time
	postings   []ledgerdomain.Posting
}

func newDraft(sourceType ledgerdomain.LedgerSourceType, sourceID, currency string, occurredAt time.Time, postings []ledgerdomain.Posting) (draft, error) {
	d := draft{
		sourceType: ledgerdomain.LedgerSourceType(strings.TrimSpace(string(sourceType))),
		sourceID:   strings.TrimSpace(sourceID),
		occurredAt: occurredAt.UTC(),
	}
	switch {
	case d.sourceType == "":
		return d, ledgerdomain.ErrInvalidSourceType
	case d.sourceID == "":
		return d, ledgerdomain.ErrInvalidSourceID
	case occurredAt.IsZero():
		return d, ledgerdomain.ErrInvalidOccurredAt
	}
	code, err := money.NormalizeCurrency(currency)
	if err != nil {
		return d, ledgerdomain.ErrInvalidCurrency
	}
	d.currency = code
	if len(postings) < 2 {
		return d, ledgerdomain.ErrInvalidEntryLines
	}

	lines := make([]ledgerdomain.LedgerEntryLine, len(postings))
	d.postings = make([]ledgerdomain.Posting, len(postings))
	for i, p := range postings {
		if _, known := ledgerdomain.AccountName(p.Account); !known {
			return d, ledgerdomain.ErrInvalidAccount
		}
		if p.Amount < 0 {
			return d, ledgerdomain.ErrInvalidLineAmount
		}
		p.Direction = ledgerdomain.LedgerEntryDirection(strings.ToLower(strings.TrimSpace(string(p.Direction))))
		d.postings[i] = p
		lines[i] = ledgerdomain.LedgerEntryLine{Direction: p.Direction, Amount: p.Amount}
	}
	return d, ledgerdomain.ValidateBalanced(lines)
}

// CreateEntry writes the header and its lines in one transaction. The
// unique (source_type, source_id) pair makes a replayed settlement leg a
// read of the first write.
func (s *Service) CreateEntry(
	ctx context.Context,
	sourceType ledgerdomain.LedgerSourceType,
	sourceID string,
	currency string,
	occurredAt time.Time,
	postings []ledgerdomain.Posting,
) (ledgerdomain.LedgerEntry, error) {
	d, err := newDraft(sourceType, sourceID, currency, occurredAt, postings)
	if err != nil {
		return ledgerdomain.LedgerEntry{}, err
	}

	now := s.clock.Now().UTC()
	entry := ledgerdomain.LedgerEntry{
		ID:         s.genID.Generate(),
		SourceType: d.sourceType,
		SourceID:   d.sourceID,
		Currency:   d.currency,
		OccurredAt: d.occurredAt,
		CreatedAt:  now,
	}
	created := false
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "source_type"}, {Name: "source_id"}},
			DoNothing: true,
		}).Create(&entry)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			existing, err := s.getEntry(ctx, tx, d.sourceType, d.sourceID)
			entry = existing
			return err
		}
		created = true
		return s.writeLines(ctx, tx, entry, d.postings, now)
	})
	if err != nil {
		return ledgerdomain.LedgerEntry{}, err
	}
	if created {
		s.recordCreated(ctx, entry)
	}
	return entry, nil
}

func (s *Service) writeLines(ctx context.Context, tx *gorm.DB, entry ledgerdomain.LedgerEntry, postings []ledgerdomain.Posting, now time.Time) error {
	lines := make([]ledgerdomain.LedgerEntryLine, 0, len(postings))
	for _, p := range postings {
		accountID, err := s.accountID(ctx, tx, p.Account, entry.Currency, now)
		if err != nil {
			return err
		}
		lines = append(lines, ledgerdomain.LedgerEntryLine{
			ID:            s.genID.Generate(),
			LedgerEntryID: entry.ID,
			AccountID:     accountID,
			Direction:     p.Direction,
			Currency:      entry.Currency,
			Amount:        p.Amount,
			CreatedAt:     now,
		})
	}
	return tx.Create(&lines).Error
}

func (s *Service) recordCreated(ctx context.Context, entry ledgerdomain.LedgerEntry) {
	s.obsMetrics.RecordLedgerEntry(ctx, string(entry.SourceType))
	if s.auditSvc == nil {
		return
	}
	id := entry.ID.String()
	if err := s.auditSvc.AuditLog(ctx, string(auditdomain.ActorTypeSystem), nil, "ledger.entry_created", "ledger_entry", &id, map[string]any{
		"source_type": string(entry.SourceType),
		"source_id":   entry.SourceID,
		"currency":    entry.Currency,
	}); err != nil {
		s.log.Warn("ledger audit failed", zap.String("ledger_entry_id", id), zap.Error(err))
	}
}

func (s *Service) GetEntry(ctx context.Context, sourceType ledgerdomain.LedgerSourceType, sourceID string) (ledgerdomain.LedgerEntry, error) {
	return s.getEntry(ctx, s.db, sourceType, strings.TrimSpace(sourceID))
}

// Balance is debits minus credits, so escrow_held trends positive as funds
// leave it and payout accounts trend negative.
func (s *Service) Balance(ctx context.Context, code ledgerdomain.LedgerAccountCode, currency string) (int64, error) {
	currency, err := money.NormalizeCurrency(currency)
	if err != nil {
		return 0, ledgerdomain.ErrInvalidCurrency
	}
	var net int64
	err = s.db.WithContext(ctx).
		Table("ledger_entry_lines AS l").
		Joins("JOIN ledger_accounts a ON a.id = l.account_id").
		Where("a.code = ? AND a.currency = ?", string(code), currency).
		Select("CAST(COALESCE(SUM(CASE WHEN l.direction = 'debit' THEN l.amount ELSE -l.amount END), 0) AS BIGINT)").
		Scan(&net).Error
	return net, err
}

func (s *Service) getEntry(ctx context.Context, db *gorm.DB, sourceType ledgerdomain.LedgerSourceType, sourceID string) (ledgerdomain.LedgerEntry, error) {
	var entries []ledgerdomain.LedgerEntry
	err := db.WithContext(ctx).
		Where("source_type = ? AND source_id = ?", string(sourceType), sourceID).
		Limit(1).
		Find(&entries).Error
	if err != nil {
		return ledgerdomain.LedgerEntry{}, err
	}
	if len(entries) == 0 {
		return ledgerdomain.LedgerEntry{}, ledgerdomain.ErrEntryNotFound
	}
	return entries[0], nil
}

// accountID creates the (code, currency) account on first use.
func (s *Service) accountID(ctx context.Context, tx *gorm.DB, code ledgerdomain.LedgerAccountCode, currency string, now time.Time) (snowflake.ID, error) {
	name, _ := ledgerdomain.AccountName(code)
	account := ledgerdomain.LedgerAccount{
		ID:        s.genID.Generate(),
		Code:      code,
		Name:      name,
		Currency:  currency,
		CreatedAt: now,
	}
	if err := tx.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "code"}, {Name: "currency"}},
		DoNothing: true,
	}).Create(&account).Error; err != nil {
		return 0, err
	}

	var ids []int64
	if err := tx.WithContext(ctx).Model(&ledgerdomain.LedgerAccount{}).
		Where("code = ? AND currency = ?", string(code), currency).
		Limit(1).
		Pluck("id", &ids).Error; err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, ledgerdomain.ErrInvalidAccount
	}
	return snowflake.ID(ids[0]), nil
}
