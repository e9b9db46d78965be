package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/punchamoorthee/invoiceledger/internal/domain"
)

type memInvoice struct {
	mu           sync.Mutex
	invoice      domain.Invoice
	round        *domain.FundingRound
	investments  []domain.Investment
	distribution *domain.Distribution
}

// MemoryStore keeps everything in process. Each invoice aggregate has its
// own lock; the index maps are only held long enough to find a record.
type MemoryStore struct {
	mu       sync.RWMutex
	invoices map[string]*memInvoice
	rounds   map[string]string // round id -> invoice id

	commitMu    sync.RWMutex
	commitments map[string]domain.CreditCommitment
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		invoices:    make(map[string]*memInvoice),
		rounds:      make(map[string]string),
		commitments: make(map[string]domain.CreditCommitment),
	}
}

func (s *MemoryStore) record(id string) (*memInvoice, error) {
	s.mu.RLock()
	rec, ok := s.invoices[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("invoice %s: %w", id, domain.ErrNotFound)
	}
	return rec, nil
}

func (s *MemoryStore) recordByRound(roundID string) (*memInvoice, error) {
	s.mu.RLock()
	invoiceID, ok := s.rounds[roundID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("funding round %s: %w", roundID, domain.ErrNotFound)
	}
	return s.record(invoiceID)
}

func (s *MemoryStore) CreateInvoice(ctx context.Context, inv *domain.Invoice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.invoices[inv.ID]; ok {
		return fmt.Errorf("invoice %s: %w", inv.ID, domain.ErrAlreadyExists)
	}
	s.invoices[inv.ID] = &memInvoice{invoice: *inv}
	return nil
}

func (s *MemoryStore) GetInvoice(ctx context.Context, id string) (*domain.Invoice, error) {
	rec, err := s.record(id)
	if err != nil {
		return nil, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	inv := rec.invoice
	return &inv, nil
}

func (s *MemoryStore) GetRound(ctx context.Context, id string) (*domain.FundingRound, error) {
	rec, err := s.recordByRound(id)
	if err != nil {
		return nil, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	round := *rec.round
	return &round, nil
}

func (s *MemoryStore) GetRoundByInvoice(ctx context.Context, invoiceID string) (*domain.FundingRound, error) {
	rec, err := s.record(invoiceID)
	if err != nil {
		return nil, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.round == nil {
		return nil, fmt.Errorf("funding round for invoice %s: %w", invoiceID, domain.ErrNotFound)
	}
	round := *rec.round
	return &round, nil
}

func (s *MemoryStore) ListInvestments(ctx context.Context, roundID string) ([]domain.Investment, error) {
	rec, err := s.recordByRound(roundID)
	if err != nil {
		return nil, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	out := make([]domain.Investment, len(rec.investments))
	copy(out, rec.investments)
	return out, nil
}

func (s *MemoryStore) FindInvestmentByKey(ctx context.Context, roundID, key string) (*domain.Investment, error) {
	rec, err := s.recordByRound(roundID)
	if err != nil {
		return nil, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	for _, inv := range rec.investments {
		if key != "" && inv.IdempotencyKey == key {
			found := inv
			return &found, nil
		}
	}
	return nil, fmt.Errorf("investment key %q: %w", key, domain.ErrNotFound)
}

func (s *MemoryStore) GetDistribution(ctx context.Context, invoiceID string) (*domain.Distribution, error) {
	rec, err := s.record(invoiceID)
	if err != nil {
		return nil, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.distribution == nil {
		return nil, fmt.Errorf("distribution for invoice %s: %w", invoiceID, domain.ErrNotFound)
	}
	return cloneDistribution(rec.distribution), nil
}

func (s *MemoryStore) Apply(ctx context.Context, m *Mutation) error {
	rec, err := s.record(m.InvoiceID)
	if err != nil {
		return err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.invoice.Version != m.ExpectedVersion {
		return fmt.Errorf("invoice %s at version %d, expected %d: %w",
			m.InvoiceID, rec.invoice.Version, m.ExpectedVersion, domain.ErrConcurrentModification)
	}
	if m.Commitment != nil {
		s.commitMu.RLock()
		c, ok := s.commitments[m.Commitment.OriginatorID]
		s.commitMu.RUnlock()
		if !ok || !c.Verified || c.Version != m.Commitment.Version {
			return fmt.Errorf("credit commitment for %s changed: %w",
				m.Commitment.OriginatorID, domain.ErrConcurrentModification)
		}
	}
	if m.NewRound != nil && rec.round != nil {
		return fmt.Errorf("funding round for invoice %s: %w", m.InvoiceID, domain.ErrAlreadyExists)
	}
	if m.Distribution != nil && rec.distribution != nil {
		return fmt.Errorf("distribution for invoice %s: %w", m.InvoiceID, domain.ErrAlreadyExists)
	}
	if m.Investment != nil && m.Investment.IdempotencyKey != "" {
		for _, inv := range rec.investments {
			if inv.IdempotencyKey == m.Investment.IdempotencyKey {
				return fmt.Errorf("investment key %q: %w", inv.IdempotencyKey, domain.ErrAlreadyExists)
			}
		}
	}

	if m.NewRound != nil {
		round := *m.NewRound
		rec.round = &round
		s.mu.Lock()
		s.rounds[round.ID] = m.InvoiceID
		s.mu.Unlock()
	}
	if m.Round != nil {
		round := *m.Round
		rec.round = &round
	}
	if m.Investment != nil {
		rec.investments = append(rec.investments, *m.Investment)
	}
	if m.Distribution != nil {
		rec.distribution = cloneDistribution(m.Distribution)
	}
	rec.invoice.Status = m.Status
	rec.invoice.Version++
	rec.invoice.UpdatedAt = m.At
	return nil
}

func (s *MemoryStore) GetCommitment(ctx context.Context, originatorID string) (*domain.CreditCommitment, error) {
	s.commitMu.RLock()
	defer s.commitMu.RUnlock()
	c, ok := s.commitments[originatorID]
	if !ok {
		return nil, fmt.Errorf("credit commitment for %s: %w", originatorID, domain.ErrNotFound)
	}
	return &c, nil
}

func (s *MemoryStore) UpsertCommitment(ctx context.Context, originatorID, hash string, at time.Time) (*domain.CreditCommitment, error) {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()
	prev := s.commitments[originatorID]
	c := domain.CreditCommitment{
		OriginatorID:   originatorID,
		CommitmentHash: hash,
		CommittedAt:    at,
		Version:        prev.Version + 1,
	}
	s.commitments[originatorID] = c
	return &c, nil
}

func (s *MemoryStore) MarkCommitmentVerified(ctx context.Context, originatorID string, expectedVersion, threshold int64, at time.Time) (*domain.CreditCommitment, error) {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()
	c, ok := s.commitments[originatorID]
	if !ok {
		return nil, fmt.Errorf("credit commitment for %s: %w", originatorID, domain.ErrNotFound)
	}
	if c.Version != expectedVersion {
		return nil, fmt.Errorf("credit commitment for %s at version %d, expected %d: %w",
			originatorID, c.Version, expectedVersion, domain.ErrConcurrentModification)
	}
	c.Verified = true
	c.MinThresholdProven = threshold
	c.VerifiedAt = &at
	c.Version++
	s.commitments[originatorID] = c
	return &c, nil
}

func (s *MemoryStore) Close() error { return nil }

func cloneDistribution(d *domain.Distribution) *domain.Distribution {
	out := *d
	out.Payouts = make([]domain.Payout, len(d.Payouts))
	copy(out.Payouts, d.Payouts)
	return &out
}
