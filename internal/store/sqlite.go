package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/punchamoorthee/invoiceledger/internal/domain"
)

type invoiceRow struct {
	ID             string `gorm:"primaryKey"`
	OriginatorID   string `gorm:"index;not null"`
	FaceAmount     int64  `gorm:"not null"`
	BuyerReference string
	DocumentRef    string
	DueAt          time.Time `gorm:"not null"`
	Status         string    `gorm:"not null"`
	Version        int64     `gorm:"not null"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (invoiceRow) TableName() string { return "invoices" }

type commitmentRow struct {
	OriginatorID       string `gorm:"primaryKey"`
	CommitmentHash     string `gorm:"not null"`
	Verified           bool
	MinThresholdProven int64
	CommittedAt        time.Time
	VerifiedAt         *time.Time
	Version            int64 `gorm:"not null"`
}

func (commitmentRow) TableName() string { return "credit_commitments" }

type roundRow struct {
	ID              string `gorm:"primaryKey"`
	InvoiceID       string `gorm:"uniqueIndex;not null"`
	TargetAmount    int64  `gorm:"not null"`
	RaisedAmount    int64  `gorm:"not null"`
	InterestRateBps int64  `gorm:"not null"`
	Deadline        time.Time
	IsActive        bool
	IsSettled       bool
	CreatedAt       time.Time
	LockedAt        *time.Time
}

func (roundRow) TableName() string { return "funding_rounds" }

type investmentRow struct {
	ID             string  `gorm:"primaryKey"`
	FundingRoundID string  `gorm:"index:idx_investment_key,unique;not null"`
	InvestorID     string  `gorm:"not null"`
	Amount         int64   `gorm:"not null"`
	IdempotencyKey *string `gorm:"index:idx_investment_key,unique"`
	RecordedAt     time.Time
	Seq            int64 `gorm:"not null"`
}

func (investmentRow) TableName() string { return "investments" }

type distributionRow struct {
	InvoiceID        string `gorm:"primaryKey"`
	FundingRoundID   string `gorm:"not null"`
	Kind             string `gorm:"not null"`
	AmountReceived   int64
	OriginatorAmount int64
	InvestorPool     int64
	HoldingDays      int64
	Remainder        int64
	CreatedAt        time.Time
}

func (distributionRow) TableName() string { return "distributions" }

type payoutRow struct {
	InvoiceID    string `gorm:"primaryKey"`
	InvestmentID string `gorm:"primaryKey"`
	Seq          int64  `gorm:"not null"`
	InvestorID   string
	Principal    int64
	Interest     int64
	Amount       int64
}

func (payoutRow) TableName() string { return "payouts" }

var sqliteModels = []any{
	&invoiceRow{}, &commitmentRow{}, &roundRow{}, &investmentRow{}, &distributionRow{}, &payoutRow{},
}

// SQLiteStore is a single-node adapter over gorm. Writes are serialized on
// one connection, so the version predicate is checked and bumped atomically.
type SQLiteStore struct {
	db *gorm.DB
}

// NewSQLiteStore opens (or creates) the database at path. An empty path
// gives a private in-memory database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := "file::memory:"
	if path != "" {
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                 gormlogger.Discard,
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, fmt.Errorf("unable to open sqlite database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	for _, model := range sqliteModels {
		if err := db.AutoMigrate(model); err != nil {
			return nil, fmt.Errorf("unable to migrate %T: %w", model, err)
		}
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func gormErr(err error, what string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s: %w", what, domain.ErrNotFound)
	}
	return fmt.Errorf("%s: %w", what, err)
}

func (r *invoiceRow) toDomain() *domain.Invoice {
	return &domain.Invoice{
		ID:             r.ID,
		OriginatorID:   r.OriginatorID,
		FaceAmount:     r.FaceAmount,
		BuyerReference: r.BuyerReference,
		DocumentRef:    r.DocumentRef,
		DueAt:          r.DueAt,
		Status:         domain.Status(r.Status),
		Version:        r.Version,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
}

func (r *roundRow) toDomain() *domain.FundingRound {
	return &domain.FundingRound{
		ID:              r.ID,
		InvoiceID:       r.InvoiceID,
		TargetAmount:    r.TargetAmount,
		RaisedAmount:    r.RaisedAmount,
		InterestRateBps: r.InterestRateBps,
		Deadline:        r.Deadline,
		IsActive:        r.IsActive,
		IsSettled:       r.IsSettled,
		CreatedAt:       r.CreatedAt,
		LockedAt:        r.LockedAt,
	}
}

func roundRowFrom(r *domain.FundingRound) *roundRow {
	return &roundRow{
		ID:              r.ID,
		InvoiceID:       r.InvoiceID,
		TargetAmount:    r.TargetAmount,
		RaisedAmount:    r.RaisedAmount,
		InterestRateBps: r.InterestRateBps,
		Deadline:        r.Deadline,
		IsActive:        r.IsActive,
		IsSettled:       r.IsSettled,
		CreatedAt:       r.CreatedAt,
		LockedAt:        r.LockedAt,
	}
}

func (r *investmentRow) toDomain() domain.Investment {
	inv := domain.Investment{
		ID:             r.ID,
		FundingRoundID: r.FundingRoundID,
		InvestorID:     r.InvestorID,
		Amount:         r.Amount,
		RecordedAt:     r.RecordedAt,
	}
	if r.IdempotencyKey != nil {
		inv.IdempotencyKey = *r.IdempotencyKey
	}
	return inv
}

func (r *commitmentRow) toDomain() *domain.CreditCommitment {
	return &domain.CreditCommitment{
		OriginatorID:       r.OriginatorID,
		CommitmentHash:     r.CommitmentHash,
		Verified:           r.Verified,
		MinThresholdProven: r.MinThresholdProven,
		CommittedAt:        r.CommittedAt,
		VerifiedAt:         r.VerifiedAt,
		Version:            r.Version,
	}
}

func (s *SQLiteStore) CreateInvoice(ctx context.Context, inv *domain.Invoice) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&invoiceRow{}).Where("id = ?", inv.ID).Count(&count).Error; err != nil {
			return gormErr(err, "invoice lookup failed")
		}
		if count > 0 {
			return fmt.Errorf("invoice %s: %w", inv.ID, domain.ErrAlreadyExists)
		}
		row := &invoiceRow{
			ID:             inv.ID,
			OriginatorID:   inv.OriginatorID,
			FaceAmount:     inv.FaceAmount,
			BuyerReference: inv.BuyerReference,
			DocumentRef:    inv.DocumentRef,
			DueAt:          inv.DueAt,
			Status:         string(inv.Status),
			Version:        inv.Version,
			CreatedAt:      inv.CreatedAt,
			UpdatedAt:      inv.UpdatedAt,
		}
		return gormErr(tx.Create(row).Error, "invoice insert failed")
	})
}

func (s *SQLiteStore) GetInvoice(ctx context.Context, id string) (*domain.Invoice, error) {
	var row invoiceRow
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error; err != nil {
		return nil, gormErr(err, "invoice "+id)
	}
	return row.toDomain(), nil
}

func (s *SQLiteStore) GetRound(ctx context.Context, id string) (*domain.FundingRound, error) {
	var row roundRow
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error; err != nil {
		return nil, gormErr(err, "funding round "+id)
	}
	return row.toDomain(), nil
}

func (s *SQLiteStore) GetRoundByInvoice(ctx context.Context, invoiceID string) (*domain.FundingRound, error) {
	var row roundRow
	if err := s.db.WithContext(ctx).Where("invoice_id = ?", invoiceID).First(&row).Error; err != nil {
		return nil, gormErr(err, "funding round for invoice "+invoiceID)
	}
	return row.toDomain(), nil
}

func (s *SQLiteStore) ListInvestments(ctx context.Context, roundID string) ([]domain.Investment, error) {
	if _, err := s.GetRound(ctx, roundID); err != nil {
		return nil, err
	}
	var rows []investmentRow
	if err := s.db.WithContext(ctx).Where("funding_round_id = ?", roundID).Order("seq").Find(&rows).Error; err != nil {
		return nil, gormErr(err, "investments query failed")
	}
	out := make([]domain.Investment, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toDomain())
	}
	return out, nil
}

func (s *SQLiteStore) FindInvestmentByKey(ctx context.Context, roundID, key string) (*domain.Investment, error) {
	var row investmentRow
	err := s.db.WithContext(ctx).
		Where("funding_round_id = ? AND idempotency_key = ?", roundID, key).
		First(&row).Error
	if err != nil {
		return nil, gormErr(err, fmt.Sprintf("investment key %q", key))
	}
	inv := row.toDomain()
	return &inv, nil
}

func (s *SQLiteStore) GetDistribution(ctx context.Context, invoiceID string) (*domain.Distribution, error) {
	var row distributionRow
	if err := s.db.WithContext(ctx).Where("invoice_id = ?", invoiceID).First(&row).Error; err != nil {
		return nil, gormErr(err, "distribution for invoice "+invoiceID)
	}
	var payouts []payoutRow
	if err := s.db.WithContext(ctx).Where("invoice_id = ?", invoiceID).Order("seq").Find(&payouts).Error; err != nil {
		return nil, gormErr(err, "payouts query failed")
	}
	d := &domain.Distribution{
		InvoiceID:        row.InvoiceID,
		FundingRoundID:   row.FundingRoundID,
		Kind:             domain.DistributionKind(row.Kind),
		AmountReceived:   row.AmountReceived,
		OriginatorAmount: row.OriginatorAmount,
		InvestorPool:     row.InvestorPool,
		HoldingDays:      row.HoldingDays,
		Remainder:        row.Remainder,
		CreatedAt:        row.CreatedAt,
		Payouts:          make([]domain.Payout, 0, len(payouts)),
	}
	for _, p := range payouts {
		d.Payouts = append(d.Payouts, domain.Payout{
			InvestmentID: p.InvestmentID,
			InvestorID:   p.InvestorID,
			Principal:    p.Principal,
			Interest:     p.Interest,
			Amount:       p.Amount,
		})
	}
	return d, nil
}

func (s *SQLiteStore) Apply(ctx context.Context, m *Mutation) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&invoiceRow{}).
			Where("id = ? AND version = ?", m.InvoiceID, m.ExpectedVersion).
			Updates(map[string]any{
				"status":     string(m.Status),
				"version":    gorm.Expr("version + 1"),
				"updated_at": m.At,
			})
		if res.Error != nil {
			return gormErr(res.Error, "invoice update failed")
		}
		if res.RowsAffected == 0 {
			var count int64
			if err := tx.Model(&invoiceRow{}).Where("id = ?", m.InvoiceID).Count(&count).Error; err != nil {
				return gormErr(err, "invoice lookup failed")
			}
			if count == 0 {
				return fmt.Errorf("invoice %s: %w", m.InvoiceID, domain.ErrNotFound)
			}
			return fmt.Errorf("invoice %s moved past version %d: %w", m.InvoiceID, m.ExpectedVersion, domain.ErrConcurrentModification)
		}

		if m.Commitment != nil {
			var c commitmentRow
			err := tx.Where("originator_id = ?", m.Commitment.OriginatorID).First(&c).Error
			if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
				return gormErr(err, "commitment lookup failed")
			}
			if err != nil || !c.Verified || c.Version != m.Commitment.Version {
				return fmt.Errorf("credit commitment for %s changed: %w", m.Commitment.OriginatorID, domain.ErrConcurrentModification)
			}
		}

		if m.NewRound != nil {
			var count int64
			if err := tx.Model(&roundRow{}).Where("invoice_id = ?", m.InvoiceID).Count(&count).Error; err != nil {
				return gormErr(err, "funding round lookup failed")
			}
			if count > 0 {
				return fmt.Errorf("funding round for invoice %s: %w", m.InvoiceID, domain.ErrAlreadyExists)
			}
			if err := tx.Create(roundRowFrom(m.NewRound)).Error; err != nil {
				return gormErr(err, "funding round insert failed")
			}
		}
		if r := m.Round; r != nil {
			err := tx.Model(&roundRow{}).Where("id = ?", r.ID).Updates(map[string]any{
				"raised_amount": r.RaisedAmount,
				"is_active":     r.IsActive,
				"is_settled":    r.IsSettled,
				"locked_at":     r.LockedAt,
			}).Error
			if err != nil {
				return gormErr(err, "funding round update failed")
			}
		}

		if inv := m.Investment; inv != nil {
			var key *string
			if inv.IdempotencyKey != "" {
				k := inv.IdempotencyKey
				key = &k
				var count int64
				err := tx.Model(&investmentRow{}).
					Where("funding_round_id = ? AND idempotency_key = ?", inv.FundingRoundID, k).
					Count(&count).Error
				if err != nil {
					return gormErr(err, "investment lookup failed")
				}
				if count > 0 {
					return fmt.Errorf("investment key %q: %w", k, domain.ErrAlreadyExists)
				}
			}
			var seq int64
			if err := tx.Model(&investmentRow{}).Where("funding_round_id = ?", inv.FundingRoundID).Count(&seq).Error; err != nil {
				return gormErr(err, "investment count failed")
			}
			row := &investmentRow{
				ID:             inv.ID,
				FundingRoundID: inv.FundingRoundID,
				InvestorID:     inv.InvestorID,
				Amount:         inv.Amount,
				IdempotencyKey: key,
				RecordedAt:     inv.RecordedAt,
				Seq:            seq,
			}
			if err := tx.Create(row).Error; err != nil {
				return gormErr(err, "investment insert failed")
			}
		}

		if d := m.Distribution; d != nil {
			var count int64
			if err := tx.Model(&distributionRow{}).Where("invoice_id = ?", d.InvoiceID).Count(&count).Error; err != nil {
				return gormErr(err, "distribution lookup failed")
			}
			if count > 0 {
				return fmt.Errorf("distribution for invoice %s: %w", d.InvoiceID, domain.ErrAlreadyExists)
			}
			row := &distributionRow{
				InvoiceID:        d.InvoiceID,
				FundingRoundID:   d.FundingRoundID,
				Kind:             string(d.Kind),
				AmountReceived:   d.AmountReceived,
				OriginatorAmount: d.OriginatorAmount,
				InvestorPool:     d.InvestorPool,
				HoldingDays:      d.HoldingDays,
				Remainder:        d.Remainder,
				CreatedAt:        d.CreatedAt,
			}
			if err := tx.Create(row).Error; err != nil {
				return gormErr(err, "distribution insert failed")
			}
			if len(d.Payouts) > 0 {
				payouts := make([]payoutRow, 0, len(d.Payouts))
				for i, p := range d.Payouts {
					payouts = append(payouts, payoutRow{
						InvoiceID:    d.InvoiceID,
						InvestmentID: p.InvestmentID,
						Seq:          int64(i),
						InvestorID:   p.InvestorID,
						Principal:    p.Principal,
						Interest:     p.Interest,
						Amount:       p.Amount,
					})
				}
				if err := tx.Create(&payouts).Error; err != nil {
					return gormErr(err, "payout insert failed")
				}
			}
		}
		return nil
	})
}

func (s *SQLiteStore) GetCommitment(ctx context.Context, originatorID string) (*domain.CreditCommitment, error) {
	var row commitmentRow
	if err := s.db.WithContext(ctx).Where("originator_id = ?", originatorID).First(&row).Error; err != nil {
		return nil, gormErr(err, "credit commitment for "+originatorID)
	}
	return row.toDomain(), nil
}

func (s *SQLiteStore) UpsertCommitment(ctx context.Context, originatorID, hash string, at time.Time) (*domain.CreditCommitment, error) {
	var out *domain.CreditCommitment
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row commitmentRow
		err := tx.Where("originator_id = ?", originatorID).First(&row).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return gormErr(err, "commitment lookup failed")
		}
		row = commitmentRow{
			OriginatorID:   originatorID,
			CommitmentHash: hash,
			CommittedAt:    at,
			Version:        row.Version + 1,
		}
		if err := tx.Save(&row).Error; err != nil {
			return gormErr(err, "credit commitment upsert failed")
		}
		out = row.toDomain()
		return nil
	})
	return out, err
}

func (s *SQLiteStore) MarkCommitmentVerified(ctx context.Context, originatorID string, expectedVersion, threshold int64, at time.Time) (*domain.CreditCommitment, error) {
	var out *domain.CreditCommitment
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row commitmentRow
		if err := tx.Where("originator_id = ?", originatorID).First(&row).Error; err != nil {
			return gormErr(err, "credit commitment for "+originatorID)
		}
		if row.Version != expectedVersion {
			return fmt.Errorf("credit commitment for %s at version %d, expected %d: %w",
				originatorID, row.Version, expectedVersion, domain.ErrConcurrentModification)
		}
		row.Verified = true
		row.MinThresholdProven = threshold
		row.VerifiedAt = &at
		row.Version++
		if err := tx.Save(&row).Error; err != nil {
			return gormErr(err, "credit commitment verify failed")
		}
		out = row.toDomain()
		return nil
	})
	return out, err
}
