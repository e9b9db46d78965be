// Package store persists the ledger's entities. Adapters enforce only the
// optimistic version check; every business invariant lives in the ledger.
package store

import (
	"context"
	"time"

	"github.com/punchamoorthee/invoiceledger/internal/domain"
)

// Store is the persistence port shared by every adapter.
type Store interface {
	// CreateInvoice inserts a new invoice. Returns domain.ErrAlreadyExists on id reuse.
	CreateInvoice(ctx context.Context, inv *domain.Invoice) error
	GetInvoice(ctx context.Context, id string) (*domain.Invoice, error)

	GetRound(ctx context.Context, id string) (*domain.FundingRound, error)
	GetRoundByInvoice(ctx context.Context, invoiceID string) (*domain.FundingRound, error)
	ListInvestments(ctx context.Context, roundID string) ([]domain.Investment, error)
	FindInvestmentByKey(ctx context.Context, roundID, key string) (*domain.Investment, error)
	GetDistribution(ctx context.Context, invoiceID string) (*domain.Distribution, error)

	// Apply commits a mutation of one invoice aggregate. It fails with
	// domain.ErrConcurrentModification when the invoice version or the
	// guarded commitment changed since they were read.
	Apply(ctx context.Context, m *Mutation) error

	GetCommitment(ctx context.Context, originatorID string) (*domain.CreditCommitment, error)
	// UpsertCommitment replaces the originator's commitment, clears its
	// verification and bumps its version.
	UpsertCommitment(ctx context.Context, originatorID, hash string, at time.Time) (*domain.CreditCommitment, error)
	// MarkCommitmentVerified records a successful proof if the commitment is
	// still at expectedVersion.
	MarkCommitmentVerified(ctx context.Context, originatorID string, expectedVersion, threshold int64, at time.Time) (*domain.CreditCommitment, error)

	Close() error
}

// Mutation is one atomic change to an invoice and the entities it owns.
type Mutation struct {
	InvoiceID       string
	ExpectedVersion int64
	Status          domain.Status
	At              time.Time

	// NewRound is inserted; Round updates an existing one. At most one is set.
	NewRound *domain.FundingRound
	Round    *domain.FundingRound

	Investment   *domain.Investment
	Distribution *domain.Distribution

	// Commitment, when set, must still be verified at the given version.
	Commitment *CommitmentGuard
}

// CommitmentGuard pins the credit commitment a mutation depended on.
type CommitmentGuard struct {
	OriginatorID string
	Version      int64
}
