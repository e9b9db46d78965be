// Package oracle owns the credit commitment state machine: an originator
// commits to a hashed score, later proves the score clears a threshold, and
// the ledger reads the result when a funding round is opened.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/punchamoorthee/invoiceledger/internal/domain"
)

// CommitmentStore is the slice of the ledger store the oracle needs.
type CommitmentStore interface {
	GetCommitment(ctx context.Context, originatorID string) (*domain.CreditCommitment, error)
	UpsertCommitment(ctx context.Context, originatorID, hash string, at time.Time) (*domain.CreditCommitment, error)
	MarkCommitmentVerified(ctx context.Context, originatorID string, expectedVersion, threshold int64, at time.Time) (*domain.CreditCommitment, error)
}

// ProofVerifier checks that the score behind commitmentHash exceeds
// minThreshold. It is the boundary to the proof library; the oracle never
// sees the score.
type ProofVerifier interface {
	Verify(ctx context.Context, commitmentHash string, minThreshold int64, proof []byte) (bool, error)
}

// Tier maps a proven threshold to the largest amount an originator may raise.
type Tier struct {
	MinScore  int64 `yaml:"min_score"`
	MaxAmount int64 `yaml:"max_amount"`
}

// DefaultTiers is used when no tiers are configured.
var DefaultTiers = []Tier{
	{MinScore: 0, MaxAmount: 1_000_000},
	{MinScore: 650, MaxAmount: 10_000_000},
	{MinScore: 750, MaxAmount: 50_000_000},
}

type Oracle struct {
	store    CommitmentStore
	verifier ProofVerifier
	tiers    []Tier
	now      func() time.Time
	logger   *slog.Logger
}

type Option func(*Oracle)

func WithTiers(tiers []Tier) Option {
	return func(o *Oracle) {
		if len(tiers) == 0 {
			return
		}
		o.tiers = append([]Tier(nil), tiers...)
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *Oracle) { o.now = now }
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *Oracle) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func New(store CommitmentStore, verifier ProofVerifier, opts ...Option) *Oracle {
	o := &Oracle{
		store:    store,
		verifier: verifier,
		tiers:    append([]Tier(nil), DefaultTiers...),
		now:      time.Now,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(o)
	}
	sort.Slice(o.tiers, func(i, j int) bool { return o.tiers[i].MinScore < o.tiers[j].MinScore })
	return o
}

// Commit stores a new commitment for the originator, replacing any earlier
// one and clearing its verification. Rounds being opened against the old
// commitment fail their guard and must re-read.
func (o *Oracle) Commit(ctx context.Context, originatorID, commitmentHash string) (*domain.CreditCommitment, error) {
	originatorID = strings.TrimSpace(originatorID)
	commitmentHash = strings.TrimSpace(commitmentHash)
	if originatorID == "" || commitmentHash == "" {
		return nil, fmt.Errorf("%w: originator id and commitment hash are required", domain.ErrInvalidInput)
	}
	c, err := o.store.UpsertCommitment(ctx, originatorID, commitmentHash, o.now().UTC())
	if err != nil {
		return nil, err
	}
	o.logger.Info("credit commitment recorded", "originator_id", originatorID, "version", c.Version)
	return c, nil
}

// Verify checks proof against the current commitment and, on success,
// marks it verified at minThreshold. Anything short of a positive answer
// from the verifier is a rejection.
func (o *Oracle) Verify(ctx context.Context, originatorID string, minThreshold int64, proof []byte) (*domain.CreditCommitment, error) {
	if minThreshold < 0 {
		return nil, fmt.Errorf("%w: negative threshold", domain.ErrInvalidInput)
	}
	c, err := o.store.GetCommitment(ctx, originatorID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("%w: no commitment for %s", domain.ErrVerificationFailed, originatorID)
	}
	if err != nil {
		return nil, err
	}
	if len(proof) == 0 {
		return nil, fmt.Errorf("%w: empty proof", domain.ErrVerificationFailed)
	}

	ok, err := o.verifier.Verify(ctx, c.CommitmentHash, minThreshold, proof)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrVerificationFailed, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: proof does not match commitment", domain.ErrVerificationFailed)
	}

	verified, err := o.store.MarkCommitmentVerified(ctx, originatorID, c.Version, minThreshold, o.now().UTC())
	if err != nil {
		return nil, err
	}
	o.logger.Info("credit commitment verified", "originator_id", originatorID, "min_threshold", minThreshold)
	return verified, nil
}

// Standing is an originator's verified commitment and the limit it earns.
type Standing struct {
	Commitment *domain.CreditCommitment
	MaxAmount  int64
}

// Standing returns the verified commitment for originatorID, or
// domain.ErrNotCreditworthy when there is none.
func (o *Oracle) Standing(ctx context.Context, originatorID string) (*Standing, error) {
	c, err := o.store.GetCommitment(ctx, originatorID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("%w: no credit commitment for %s", domain.ErrNotCreditworthy, originatorID)
	}
	if err != nil {
		return nil, err
	}
	if !c.Verified {
		return nil, fmt.Errorf("%w: credit commitment for %s is not verified", domain.ErrNotCreditworthy, originatorID)
	}
	return &Standing{Commitment: c, MaxAmount: o.MaxAmount(c.MinThresholdProven)}, nil
}

// IsCreditworthy reports whether the originator may raise requestedAmount,
// along with the most it may raise. Without a verified commitment the
// answer is (false, 0).
func (o *Oracle) IsCreditworthy(ctx context.Context, originatorID string, requestedAmount int64) (bool, int64, error) {
	st, err := o.Standing(ctx, originatorID)
	if errors.Is(err, domain.ErrNotCreditworthy) {
		return false, 0, nil
	}
	if err != nil {
		return false, 0, err
	}
	return requestedAmount > 0 && requestedAmount <= st.MaxAmount, st.MaxAmount, nil
}

// MaxAmount returns the limit of the highest tier whose MinScore the
// threshold reaches, or 0 below every tier.
func (o *Oracle) MaxAmount(threshold int64) int64 {
	var limit int64
	for _, t := range o.tiers {
		if threshold >= t.MinScore {
			limit = t.MaxAmount
		}
	}
	return limit
}
