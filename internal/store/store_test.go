package store_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/invoiceledger/internal/domain"
	"github.com/punchamoorthee/invoiceledger/internal/store"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// backends returns every store under test. Postgres joins when
// TEST_DB_SOURCE names a scratch database; its tables are truncated per test.
func backends(t *testing.T) map[string]func(t *testing.T) store.Store {
	b := map[string]func(t *testing.T) store.Store{
		"memory": func(t *testing.T) store.Store { return store.NewMemoryStore() },
		"sqlite": func(t *testing.T) store.Store {
			s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "ledger.sqlite"))
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
	}
	if dsn := os.Getenv("TEST_DB_SOURCE"); dsn != "" {
		b["postgres"] = func(t *testing.T) store.Store {
			ctx := context.Background()
			s, err := store.NewPostgresStore(ctx, dsn)
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			require.NoError(t, s.Migrate(ctx))
			_, err = s.Db.Exec(ctx,
				"TRUNCATE payouts, distributions, investments, funding_rounds, credit_commitments, invoices CASCADE")
			require.NoError(t, err)
			return s
		}
	}
	return b
}

func forEachBackend(t *testing.T, fn func(t *testing.T, s store.Store)) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			fn(t, open(t))
		})
	}
}

func seedInvoice(t *testing.T, s store.Store, id string) *domain.Invoice {
	t.Helper()
	inv := &domain.Invoice{
		ID:           id,
		OriginatorID: "orig-1",
		FaceAmount:   500000,
		DueAt:        t0.Add(90 * 24 * time.Hour),
		Status:       domain.StatusFundable,
		CreatedAt:    t0,
		UpdatedAt:    t0,
	}
	require.NoError(t, s.CreateInvoice(context.Background(), inv))
	return inv
}

func newRound(id, invoiceID string) *domain.FundingRound {
	return &domain.FundingRound{
		ID:              id,
		InvoiceID:       invoiceID,
		TargetAmount:    400000,
		InterestRateBps: 1800,
		Deadline:        t0.Add(30 * 24 * time.Hour),
		IsActive:        true,
		CreatedAt:       t0,
	}
}

func TestStore_InvoiceLifecycle(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		seedInvoice(t, s, "inv-1")

		err := s.CreateInvoice(ctx, &domain.Invoice{ID: "inv-1", FaceAmount: 1, DueAt: t0, Status: domain.StatusFundable})
		assert.ErrorIs(t, err, domain.ErrAlreadyExists)

		got, err := s.GetInvoice(ctx, "inv-1")
		require.NoError(t, err)
		assert.Equal(t, int64(500000), got.FaceAmount)
		assert.Equal(t, domain.StatusFundable, got.Status)
		assert.Equal(t, int64(0), got.Version)

		_, err = s.GetInvoice(ctx, "missing")
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})
}

func TestStore_ApplyRoundAndInvestments(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		seedInvoice(t, s, "inv-1")

		round := newRound("round-1", "inv-1")
		require.NoError(t, s.Apply(ctx, &store.Mutation{
			InvoiceID: "inv-1", ExpectedVersion: 0, Status: domain.StatusFundable, At: t0, NewRound: round,
		}))

		_, err := s.GetRoundByInvoice(ctx, "inv-1")
		require.NoError(t, err)

		round.RaisedAmount = 150000
		require.NoError(t, s.Apply(ctx, &store.Mutation{
			InvoiceID: "inv-1", ExpectedVersion: 1, Status: domain.StatusFundable, At: t0,
			Round: round,
			Investment: &domain.Investment{
				ID: "i-1", FundingRoundID: "round-1", InvestorID: "alice", Amount: 150000,
				IdempotencyKey: "k-1", RecordedAt: t0,
			},
		}))

		// stale version is rejected and leaves no trace
		err = s.Apply(ctx, &store.Mutation{
			InvoiceID: "inv-1", ExpectedVersion: 1, Status: domain.StatusFundable, At: t0,
			Investment: &domain.Investment{
				ID: "i-2", FundingRoundID: "round-1", InvestorID: "bob", Amount: 1, RecordedAt: t0,
			},
		})
		assert.ErrorIs(t, err, domain.ErrConcurrentModification)

		got, err := s.GetRound(ctx, "round-1")
		require.NoError(t, err)
		assert.Equal(t, int64(150000), got.RaisedAmount)

		invs, err := s.ListInvestments(ctx, "round-1")
		require.NoError(t, err)
		require.Len(t, invs, 1)
		assert.Equal(t, "alice", invs[0].InvestorID)

		found, err := s.FindInvestmentByKey(ctx, "round-1", "k-1")
		require.NoError(t, err)
		assert.Equal(t, "i-1", found.ID)

		_, err = s.FindInvestmentByKey(ctx, "round-1", "k-none")
		assert.ErrorIs(t, err, domain.ErrNotFound)

		inv, err := s.GetInvoice(ctx, "inv-1")
		require.NoError(t, err)
		assert.Equal(t, int64(2), inv.Version)
	})
}

func TestStore_ApplyMissingInvoice(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s store.Store) {
		err := s.Apply(context.Background(), &store.Mutation{InvoiceID: "nope", Status: domain.StatusLocked, At: t0})
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})
}

func TestStore_Distribution(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		seedInvoice(t, s, "inv-1")
		round := newRound("round-1", "inv-1")
		require.NoError(t, s.Apply(ctx, &store.Mutation{InvoiceID: "inv-1", Status: domain.StatusFundable, At: t0, NewRound: round}))
		round.RaisedAmount = 400000
		require.NoError(t, s.Apply(ctx, &store.Mutation{
			InvoiceID: "inv-1", ExpectedVersion: 1, Status: domain.StatusLocked, At: t0, Round: round,
			Investment: &domain.Investment{ID: "i-1", FundingRoundID: "round-1", InvestorID: "alice", Amount: 400000, RecordedAt: t0},
		}))

		_, err := s.GetDistribution(ctx, "inv-1")
		assert.ErrorIs(t, err, domain.ErrNotFound)

		round.IsActive = false
		round.IsSettled = true
		dist := &domain.Distribution{
			InvoiceID: "inv-1", FundingRoundID: "round-1", Kind: domain.DistributionSettlement,
			AmountReceived: 500000, OriginatorAmount: 100000, InvestorPool: 400000,
			Payouts:   []domain.Payout{{InvestmentID: "i-1", InvestorID: "alice", Principal: 400000, Amount: 400000}},
			CreatedAt: t0,
		}
		require.NoError(t, s.Apply(ctx, &store.Mutation{
			InvoiceID: "inv-1", ExpectedVersion: 2, Status: domain.StatusSettled, At: t0, Round: round, Distribution: dist,
		}))

		got, err := s.GetDistribution(ctx, "inv-1")
		require.NoError(t, err)
		assert.Equal(t, domain.DistributionSettlement, got.Kind)
		assert.Equal(t, int64(500000), got.OriginatorAmount+got.PayoutTotal())
		require.Len(t, got.Payouts, 1)
		assert.Equal(t, "alice", got.Payouts[0].InvestorID)

		r, err := s.GetRound(ctx, "round-1")
		require.NoError(t, err)
		assert.True(t, r.IsSettled)
		assert.False(t, r.IsActive)

		err = s.Apply(ctx, &store.Mutation{
			InvoiceID: "inv-1", ExpectedVersion: 3, Status: domain.StatusSettled, At: t0, Distribution: dist,
		})
		assert.ErrorIs(t, err, domain.ErrAlreadyExists)
	})
}

func TestStore_Commitments(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()

		_, err := s.GetCommitment(ctx, "orig-1")
		assert.ErrorIs(t, err, domain.ErrNotFound)

		c, err := s.UpsertCommitment(ctx, "orig-1", "hash-a", t0)
		require.NoError(t, err)
		assert.Equal(t, int64(1), c.Version)
		assert.False(t, c.Verified)

		v, err := s.MarkCommitmentVerified(ctx, "orig-1", c.Version, 700, t0)
		require.NoError(t, err)
		assert.True(t, v.Verified)
		assert.Equal(t, int64(700), v.MinThresholdProven)
		assert.Equal(t, int64(2), v.Version)

		_, err = s.MarkCommitmentVerified(ctx, "orig-1", c.Version, 700, t0)
		assert.ErrorIs(t, err, domain.ErrConcurrentModification)

		// recommitting clears verification
		c2, err := s.UpsertCommitment(ctx, "orig-1", "hash-b", t0)
		require.NoError(t, err)
		assert.Equal(t, int64(3), c2.Version)
		assert.False(t, c2.Verified)
		assert.Zero(t, c2.MinThresholdProven)
		assert.Equal(t, "hash-b", c2.CommitmentHash)
	})
}

func TestStore_CommitmentGuard(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		seedInvoice(t, s, "inv-1")

		c, err := s.UpsertCommitment(ctx, "orig-1", "hash-a", t0)
		require.NoError(t, err)
		v, err := s.MarkCommitmentVerified(ctx, "orig-1", c.Version, 700, t0)
		require.NoError(t, err)

		// a recommit between read and write invalidates the guard
		_, err = s.UpsertCommitment(ctx, "orig-1", "hash-b", t0)
		require.NoError(t, err)

		err = s.Apply(ctx, &store.Mutation{
			InvoiceID: "inv-1", Status: domain.StatusFundable, At: t0,
			NewRound:   newRound("round-1", "inv-1"),
			Commitment: &store.CommitmentGuard{OriginatorID: "orig-1", Version: v.Version},
		})
		assert.ErrorIs(t, err, domain.ErrConcurrentModification)

		_, err = s.GetRoundByInvoice(ctx, "inv-1")
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})
}

func TestStore_ConcurrentApplyOneWinner(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		seedInvoice(t, s, "inv-1")

		const workers = 16
		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			wins      int
			conflicts int
		)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := s.Apply(ctx, &store.Mutation{InvoiceID: "inv-1", ExpectedVersion: 0, Status: domain.StatusFundable, At: t0})
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					wins++
				case errors.Is(err, domain.ErrConcurrentModification):
					conflicts++
				default:
					t.Errorf("unexpected apply error: %v", err)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, wins)
		assert.Equal(t, workers-1, conflicts)

		inv, err := s.GetInvoice(ctx, "inv-1")
		require.NoError(t, err)
		assert.Equal(t, int64(1), inv.Version)
	})
}
