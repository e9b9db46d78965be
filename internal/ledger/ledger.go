// Package ledger implements the invoice registry, the funding ledger and the
// settlement engine on top of a store.Store. Every mutation of an invoice
// and its round is an optimistic, versioned write retried on conflict.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/punchamoorthee/invoiceledger/internal/domain"
	"github.com/punchamoorthee/invoiceledger/internal/oracle"
	"github.com/punchamoorthee/invoiceledger/internal/store"
)

// RefundPolicy decides what a default does with escrowed principal.
type RefundPolicy string

const (
	// RefundPrincipal returns each investment's principal on default.
	RefundPrincipal RefundPolicy = "principal"
	// RefundNone leaves escrow untouched for off-ledger recovery.
	RefundNone RefundPolicy = "none"
)

func (p RefundPolicy) Valid() bool {
	return p == RefundPrincipal || p == RefundNone
}

// Policy holds the ledger's tunable rules.
type Policy struct {
	OriginatorShareBps int64
	MinTargetBps       int64
	MaxTargetBps       int64
	MaxInterestRateBps int64
	MaxRetries         int
	RefundPolicy       RefundPolicy
}

func DefaultPolicy() Policy {
	return Policy{
		OriginatorShareBps: 8000,
		MinTargetBps:       1,
		MaxTargetBps:       domain.BpsDenominator,
		MaxInterestRateBps: domain.BpsDenominator,
		MaxRetries:         5,
		RefundPolicy:       RefundPrincipal,
	}
}

func (p Policy) Validate() error {
	if p.OriginatorShareBps < 0 || p.OriginatorShareBps > domain.BpsDenominator {
		return fmt.Errorf("originator share %d bps out of range", p.OriginatorShareBps)
	}
	if p.MinTargetBps < 1 || p.MaxTargetBps > domain.BpsDenominator || p.MinTargetBps > p.MaxTargetBps {
		return fmt.Errorf("target bounds [%d, %d] bps invalid", p.MinTargetBps, p.MaxTargetBps)
	}
	if p.MaxInterestRateBps < 0 {
		return fmt.Errorf("max interest rate %d bps negative", p.MaxInterestRateBps)
	}
	if p.MaxRetries < 0 {
		return fmt.Errorf("max retries %d negative", p.MaxRetries)
	}
	if !p.RefundPolicy.Valid() {
		return fmt.Errorf("unknown refund policy %q", p.RefundPolicy)
	}
	return nil
}

type Ledger struct {
	store  store.Store
	oracle *oracle.Oracle
	policy Policy
	now    func() time.Time
	newID  func() string
	logger *slog.Logger
}

type Option func(*Ledger)

func WithPolicy(p Policy) Option {
	return func(l *Ledger) { l.policy = p }
}

func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

func WithIDGenerator(newID func() string) Option {
	return func(l *Ledger) { l.newID = newID }
}

func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

func New(st store.Store, o *oracle.Oracle, opts ...Option) *Ledger {
	l := &Ledger{
		store:  st,
		oracle: o,
		policy: DefaultPolicy(),
		now:    time.Now,
		newID:  uuid.NewString,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Ledger) Policy() Policy { return l.policy }

func (l *Ledger) clock() time.Time { return l.now().UTC() }

// snapshot reads an invoice and then its round. Rounds only change together
// with a version bump of their invoice, so a round read after the invoice is
// never older than it. A newer round makes the later Apply fail; rejections
// that never reach Apply go through confirm.
func (l *Ledger) snapshot(ctx context.Context, invoiceID string) (*domain.Invoice, *domain.FundingRound, error) {
	inv, err := l.store.GetInvoice(ctx, invoiceID)
	if err != nil {
		return nil, nil, err
	}
	round, err := l.store.GetRoundByInvoice(ctx, invoiceID)
	if errors.Is(err, domain.ErrNotFound) {
		return inv, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	return inv, round, nil
}

// confirm returns a rejection decided on a snapshot only if the invoice still
// has the snapshot's version. Otherwise the round may have been read from a
// newer state than the invoice, so the caller retries on a fresh snapshot.
func (l *Ledger) confirm(ctx context.Context, inv *domain.Invoice, rejection error) error {
	cur, err := l.store.GetInvoice(ctx, inv.ID)
	if err != nil {
		return err
	}
	if cur.Version != inv.Version {
		return fmt.Errorf("invoice %s moved from version %d to %d: %w",
			inv.ID, inv.Version, cur.Version, domain.ErrConcurrentModification)
	}
	return rejection
}

func (l *Ledger) GetInvoice(ctx context.Context, id string) (*domain.Invoice, error) {
	return l.store.GetInvoice(ctx, id)
}

func (l *Ledger) GetFundingRound(ctx context.Context, id string) (*domain.FundingRound, error) {
	return l.store.GetRound(ctx, id)
}

func (l *Ledger) GetFundingRoundByInvoice(ctx context.Context, invoiceID string) (*domain.FundingRound, error) {
	return l.store.GetRoundByInvoice(ctx, invoiceID)
}

func (l *Ledger) ListInvestments(ctx context.Context, roundID string) ([]domain.Investment, error) {
	return l.store.ListInvestments(ctx, roundID)
}

func (l *Ledger) GetDistribution(ctx context.Context, invoiceID string) (*domain.Distribution, error) {
	return l.store.GetDistribution(ctx, invoiceID)
}
