package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/punchamoorthee/invoiceledger/internal/domain"
)

//go:embed schema.sql
var schemaSQL string

const (
	pgUniqueViolation      = "23505"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
)

type PostgresStore struct {
	Db *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &PostgresStore{Db: pool}, nil
}

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.Db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("schema migration failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.Db.Close()
	return nil
}

// mapPgErr folds driver errors into the domain taxonomy.
func mapPgErr(err error, what string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, domain.ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			return fmt.Errorf("%s: %w", what, domain.ErrAlreadyExists)
		case pgSerializationFailure, pgDeadlockDetected:
			return fmt.Errorf("%s: %w", what, domain.ErrConcurrentModification)
		}
	}
	return fmt.Errorf("%s: %w", what, err)
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (s *PostgresStore) CreateInvoice(ctx context.Context, inv *domain.Invoice) error {
	_, err := s.Db.Exec(ctx,
		`INSERT INTO invoices (id, originator_id, face_amount, buyer_reference, document_ref, due_at, status, version, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		inv.ID, inv.OriginatorID, inv.FaceAmount, inv.BuyerReference, inv.DocumentRef,
		inv.DueAt, string(inv.Status), inv.Version, inv.CreatedAt, inv.UpdatedAt,
	)
	return mapPgErr(err, "invoice insert failed")
}

const invoiceColumns = `id, originator_id, face_amount, buyer_reference, document_ref, due_at, status, version, created_at, updated_at`

func scanInvoice(row pgx.Row) (*domain.Invoice, error) {
	var inv domain.Invoice
	var status string
	err := row.Scan(&inv.ID, &inv.OriginatorID, &inv.FaceAmount, &inv.BuyerReference, &inv.DocumentRef,
		&inv.DueAt, &status, &inv.Version, &inv.CreatedAt, &inv.UpdatedAt)
	if err != nil {
		return nil, err
	}
	inv.Status = domain.Status(status)
	return &inv, nil
}

func (s *PostgresStore) GetInvoice(ctx context.Context, id string) (*domain.Invoice, error) {
	inv, err := scanInvoice(s.Db.QueryRow(ctx, "SELECT "+invoiceColumns+" FROM invoices WHERE id = $1", id))
	if err != nil {
		return nil, mapPgErr(err, "invoice "+id)
	}
	return inv, nil
}

const roundColumns = `id, invoice_id, target_amount, raised_amount, interest_rate_bps, deadline, is_active, is_settled, created_at, locked_at`

func scanRound(row pgx.Row) (*domain.FundingRound, error) {
	var r domain.FundingRound
	err := row.Scan(&r.ID, &r.InvoiceID, &r.TargetAmount, &r.RaisedAmount, &r.InterestRateBps,
		&r.Deadline, &r.IsActive, &r.IsSettled, &r.CreatedAt, &r.LockedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *PostgresStore) GetRound(ctx context.Context, id string) (*domain.FundingRound, error) {
	r, err := scanRound(s.Db.QueryRow(ctx, "SELECT "+roundColumns+" FROM funding_rounds WHERE id = $1", id))
	if err != nil {
		return nil, mapPgErr(err, "funding round "+id)
	}
	return r, nil
}

func (s *PostgresStore) GetRoundByInvoice(ctx context.Context, invoiceID string) (*domain.FundingRound, error) {
	r, err := scanRound(s.Db.QueryRow(ctx, "SELECT "+roundColumns+" FROM funding_rounds WHERE invoice_id = $1", invoiceID))
	if err != nil {
		return nil, mapPgErr(err, "funding round for invoice "+invoiceID)
	}
	return r, nil
}

func scanInvestment(row pgx.Row) (*domain.Investment, error) {
	var inv domain.Investment
	var key *string
	if err := row.Scan(&inv.ID, &inv.FundingRoundID, &inv.InvestorID, &inv.Amount, &key, &inv.RecordedAt); err != nil {
		return nil, err
	}
	if key != nil {
		inv.IdempotencyKey = *key
	}
	return &inv, nil
}

func (s *PostgresStore) ListInvestments(ctx context.Context, roundID string) ([]domain.Investment, error) {
	if _, err := s.GetRound(ctx, roundID); err != nil {
		return nil, err
	}
	rows, err := s.Db.Query(ctx,
		`SELECT id, funding_round_id, investor_id, amount, idempotency_key, recorded_at
		 FROM investments WHERE funding_round_id = $1 ORDER BY recorded_at, id`,
		roundID)
	if err != nil {
		return nil, mapPgErr(err, "investments query failed")
	}
	defer rows.Close()

	investments := []domain.Investment{}
	for rows.Next() {
		inv, err := scanInvestment(rows)
		if err != nil {
			return nil, fmt.Errorf("investment scan failed: %w", err)
		}
		investments = append(investments, *inv)
	}
	return investments, rows.Err()
}

func (s *PostgresStore) FindInvestmentByKey(ctx context.Context, roundID, key string) (*domain.Investment, error) {
	inv, err := scanInvestment(s.Db.QueryRow(ctx,
		`SELECT id, funding_round_id, investor_id, amount, idempotency_key, recorded_at
		 FROM investments WHERE funding_round_id = $1 AND idempotency_key = $2`,
		roundID, key))
	if err != nil {
		return nil, mapPgErr(err, fmt.Sprintf("investment key %q", key))
	}
	return inv, nil
}

func (s *PostgresStore) GetDistribution(ctx context.Context, invoiceID string) (*domain.Distribution, error) {
	var d domain.Distribution
	var kind string
	err := s.Db.QueryRow(ctx,
		`SELECT invoice_id, funding_round_id, kind, amount_received, originator_amount, investor_pool, holding_days, remainder, created_at
		 FROM distributions WHERE invoice_id = $1`, invoiceID,
	).Scan(&d.InvoiceID, &d.FundingRoundID, &kind, &d.AmountReceived, &d.OriginatorAmount,
		&d.InvestorPool, &d.HoldingDays, &d.Remainder, &d.CreatedAt)
	if err != nil {
		return nil, mapPgErr(err, "distribution for invoice "+invoiceID)
	}
	d.Kind = domain.DistributionKind(kind)

	rows, err := s.Db.Query(ctx,
		`SELECT p.investment_id, p.investor_id, p.principal, p.interest, p.amount
		 FROM payouts p JOIN investments i ON i.id = p.investment_id
		 WHERE p.invoice_id = $1 ORDER BY i.recorded_at, i.id`, invoiceID)
	if err != nil {
		return nil, mapPgErr(err, "payouts query failed")
	}
	defer rows.Close()

	d.Payouts = []domain.Payout{}
	for rows.Next() {
		var p domain.Payout
		if err := rows.Scan(&p.InvestmentID, &p.InvestorID, &p.Principal, &p.Interest, &p.Amount); err != nil {
			return nil, fmt.Errorf("payout scan failed: %w", err)
		}
		d.Payouts = append(d.Payouts, p)
	}
	return &d, rows.Err()
}

// Apply runs the mutation in one REPEATABLE READ transaction. The version
// predicate on the invoice row is the optimistic lock; a concurrent writer
// either bumps the version first or trips a serialization failure.
func (s *PostgresStore) Apply(ctx context.Context, m *Mutation) error {
	tx, err := s.Db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	// 1. Version check & status write
	tag, err := tx.Exec(ctx,
		"UPDATE invoices SET status = $1, version = version + 1, updated_at = $2 WHERE id = $3 AND version = $4",
		string(m.Status), m.At, m.InvoiceID, m.ExpectedVersion,
	)
	if err != nil {
		return mapPgErr(err, "invoice update failed")
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM invoices WHERE id = $1)", m.InvoiceID).Scan(&exists); err != nil {
			return mapPgErr(err, "invoice lookup failed")
		}
		if !exists {
			return fmt.Errorf("invoice %s: %w", m.InvoiceID, domain.ErrNotFound)
		}
		return fmt.Errorf("invoice %s moved past version %d: %w", m.InvoiceID, m.ExpectedVersion, domain.ErrConcurrentModification)
	}

	// 2. Commitment guard
	if m.Commitment != nil {
		var verified bool
		var version int64
		err := tx.QueryRow(ctx,
			"SELECT verified, version FROM credit_commitments WHERE originator_id = $1 FOR SHARE",
			m.Commitment.OriginatorID,
		).Scan(&verified, &version)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return mapPgErr(err, "commitment lookup failed")
		}
		if err != nil || !verified || version != m.Commitment.Version {
			return fmt.Errorf("credit commitment for %s changed: %w", m.Commitment.OriginatorID, domain.ErrConcurrentModification)
		}
	}

	// 3. Round
	if r := m.NewRound; r != nil {
		_, err = tx.Exec(ctx,
			`INSERT INTO funding_rounds (`+roundColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			r.ID, r.InvoiceID, r.TargetAmount, r.RaisedAmount, r.InterestRateBps, r.Deadline,
			r.IsActive, r.IsSettled, r.CreatedAt, r.LockedAt,
		)
		if err != nil {
			return mapPgErr(err, "funding round insert failed")
		}
	}
	if r := m.Round; r != nil {
		_, err = tx.Exec(ctx,
			`UPDATE funding_rounds SET raised_amount = $1, is_active = $2, is_settled = $3, locked_at = $4 WHERE id = $5`,
			r.RaisedAmount, r.IsActive, r.IsSettled, r.LockedAt, r.ID,
		)
		if err != nil {
			return mapPgErr(err, "funding round update failed")
		}
	}

	// 4. Investment (append-only)
	if inv := m.Investment; inv != nil {
		_, err = tx.Exec(ctx,
			`INSERT INTO investments (id, funding_round_id, investor_id, amount, idempotency_key, recorded_at)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			inv.ID, inv.FundingRoundID, inv.InvestorID, inv.Amount, nullIfEmpty(inv.IdempotencyKey), inv.RecordedAt,
		)
		if err != nil {
			return mapPgErr(err, "investment insert failed")
		}
	}

	// 5. Distribution & payouts
	if d := m.Distribution; d != nil {
		_, err = tx.Exec(ctx,
			`INSERT INTO distributions (invoice_id, funding_round_id, kind, amount_received, originator_amount, investor_pool, holding_days, remainder, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			d.InvoiceID, d.FundingRoundID, string(d.Kind), d.AmountReceived, d.OriginatorAmount,
			d.InvestorPool, d.HoldingDays, d.Remainder, d.CreatedAt,
		)
		if err != nil {
			return mapPgErr(err, "distribution insert failed")
		}
		rows := make([][]any, 0, len(d.Payouts))
		for _, p := range d.Payouts {
			rows = append(rows, []any{d.InvoiceID, p.InvestmentID, p.InvestorID, p.Principal, p.Interest, p.Amount})
		}
		_, err = tx.CopyFrom(ctx,
			pgx.Identifier{"payouts"},
			[]string{"invoice_id", "investment_id", "investor_id", "principal", "interest", "amount"},
			pgx.CopyFromRows(rows),
		)
		if err != nil {
			return mapPgErr(err, "payout insert failed")
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return mapPgErr(err, "tx commit failed")
	}
	return nil
}

func scanCommitment(row pgx.Row) (*domain.CreditCommitment, error) {
	var c domain.CreditCommitment
	err := row.Scan(&c.OriginatorID, &c.CommitmentHash, &c.Verified, &c.MinThresholdProven,
		&c.CommittedAt, &c.VerifiedAt, &c.Version)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

const commitmentColumns = `originator_id, commitment_hash, verified, min_threshold_proven, committed_at, verified_at, version`

func (s *PostgresStore) GetCommitment(ctx context.Context, originatorID string) (*domain.CreditCommitment, error) {
	c, err := scanCommitment(s.Db.QueryRow(ctx,
		"SELECT "+commitmentColumns+" FROM credit_commitments WHERE originator_id = $1", originatorID))
	if err != nil {
		return nil, mapPgErr(err, "credit commitment for "+originatorID)
	}
	return c, nil
}

func (s *PostgresStore) UpsertCommitment(ctx context.Context, originatorID, hash string, at time.Time) (*domain.CreditCommitment, error) {
	c, err := scanCommitment(s.Db.QueryRow(ctx,
		`INSERT INTO credit_commitments (originator_id, commitment_hash, verified, min_threshold_proven, committed_at, version)
		 VALUES ($1, $2, false, 0, $3, 1)
		 ON CONFLICT (originator_id) DO UPDATE SET
		   commitment_hash = EXCLUDED.commitment_hash,
		   verified = false,
		   min_threshold_proven = 0,
		   committed_at = EXCLUDED.committed_at,
		   verified_at = NULL,
		   version = credit_commitments.version + 1
		 RETURNING `+commitmentColumns,
		originatorID, hash, at))
	if err != nil {
		return nil, mapPgErr(err, "credit commitment upsert failed")
	}
	return c, nil
}

func (s *PostgresStore) MarkCommitmentVerified(ctx context.Context, originatorID string, expectedVersion, threshold int64, at time.Time) (*domain.CreditCommitment, error) {
	c, err := scanCommitment(s.Db.QueryRow(ctx,
		`UPDATE credit_commitments
		 SET verified = true, min_threshold_proven = $1, verified_at = $2, version = version + 1
		 WHERE originator_id = $3 AND version = $4
		 RETURNING `+commitmentColumns,
		threshold, at, originatorID, expectedVersion))
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := s.GetCommitment(ctx, originatorID); getErr != nil {
			return nil, getErr
		}
		return nil, fmt.Errorf("credit commitment for %s moved past version %d: %w",
			originatorID, expectedVersion, domain.ErrConcurrentModification)
	}
	if err != nil {
		return nil, mapPgErr(err, "credit commitment verify failed")
	}
	return c, nil
}
