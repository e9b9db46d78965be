package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/punchamoorthee/invoiceledger/internal/domain"
	"github.com/punchamoorthee/invoiceledger/internal/store"
)

// CreateRoundRequest opens escrow for an invoice. TargetBps is the target as
// a fraction of face amount in basis points.
type CreateRoundRequest struct {
	InvoiceID       string    `json:"invoice_id"`
	TargetBps       int64     `json:"target_bps"`
	InterestRateBps int64     `json:"interest_rate_bps"`
	Deadline        time.Time `json:"deadline"`
}

// CreateFundingRound opens the invoice's single funding round. The
// originator needs a verified credit commitment whose limit covers the
// target; a recommit racing this call invalidates it.
func (l *Ledger) CreateFundingRound(ctx context.Context, req CreateRoundRequest) (_ *domain.FundingRound, err error) {
	ctx, done := instrument(ctx, "create_funding_round", attribute.String("invoice.id", req.InvoiceID))
	defer func() { done(&err) }()

	p := l.policy
	if req.TargetBps < p.MinTargetBps || req.TargetBps > p.MaxTargetBps {
		return nil, fmt.Errorf("%w: target fraction %s outside [%s, %s]", domain.ErrInvalidInput,
			domain.FormatBps(req.TargetBps), domain.FormatBps(p.MinTargetBps), domain.FormatBps(p.MaxTargetBps))
	}
	if req.InterestRateBps < 0 || req.InterestRateBps > p.MaxInterestRateBps {
		return nil, fmt.Errorf("%w: interest rate %d bps outside [0, %d]", domain.ErrInvalidInput,
			req.InterestRateBps, p.MaxInterestRateBps)
	}

	var round *domain.FundingRound
	err = l.withRetry(ctx, "create_funding_round", func() error {
		inv, existing, err := l.snapshot(ctx, req.InvoiceID)
		if err != nil {
			return err
		}
		if inv.Status != domain.StatusFundable {
			return fmt.Errorf("%w: invoice %s is %s", domain.ErrInvalidState, inv.ID, inv.Status)
		}
		if existing != nil {
			return l.confirm(ctx, inv, fmt.Errorf("%w: invoice %s already has funding round %s",
				domain.ErrInvalidState, inv.ID, existing.ID))
		}

		now := l.clock()
		if !req.Deadline.After(now) {
			return fmt.Errorf("%w: deadline must be in the future", domain.ErrInvalidInput)
		}
		if req.Deadline.After(inv.DueAt) {
			return fmt.Errorf("%w: deadline is after the invoice due date", domain.ErrInvalidInput)
		}
		target := domain.ApplyBps(inv.FaceAmount, req.TargetBps)
		if target <= 0 {
			return fmt.Errorf("%w: target amount rounds to zero", domain.ErrInvalidInput)
		}

		standing, err := l.oracle.Standing(ctx, inv.OriginatorID)
		if err != nil {
			return err
		}
		if target > standing.MaxAmount {
			return fmt.Errorf("%w: target %d exceeds credit limit %d", domain.ErrNotCreditworthy, target, standing.MaxAmount)
		}

		r := &domain.FundingRound{
			ID:              l.newID(),
			InvoiceID:       inv.ID,
			TargetAmount:    target,
			InterestRateBps: req.InterestRateBps,
			Deadline:        req.Deadline.UTC(),
			IsActive:        true,
			CreatedAt:       now,
		}
		err = l.store.Apply(ctx, &store.Mutation{
			InvoiceID:       inv.ID,
			ExpectedVersion: inv.Version,
			Status:          inv.Status,
			At:              now,
			NewRound:        r,
			Commitment: &store.CommitmentGuard{
				OriginatorID: inv.OriginatorID,
				Version:      standing.Commitment.Version,
			},
		})
		if err != nil {
			return err
		}
		round = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.logger.Info("funding round created", "invoice_id", round.InvoiceID, "round_id", round.ID,
		"target_amount", round.TargetAmount, "interest_rate_bps", round.InterestRateBps)
	return round, nil
}

// InvestRequest contributes Amount to a round. IdempotencyKey is optional;
// a repeated key with the same investor and amount replays the original.
type InvestRequest struct {
	RoundID        string `json:"round_id"`
	InvestorID     string `json:"investor_id"`
	Amount         int64  `json:"amount"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// InvestResult reports the state right after an investment. Locked is true
// only for the call whose investment filled the round.
type InvestResult struct {
	Investment domain.Investment   `json:"investment"`
	Round      domain.FundingRound `json:"round"`
	Invoice    domain.Invoice      `json:"invoice"`
	Locked     bool                `json:"locked"`
	Replayed   bool                `json:"replayed"`
}

// Invest appends an investment. Contributions beyond the remaining target
// are rejected whole. The investment that fills the round flips the round
// and the invoice to Locked in the same write.
func (l *Ledger) Invest(ctx context.Context, req InvestRequest) (_ *InvestResult, err error) {
	ctx, done := instrument(ctx, "invest",
		attribute.String("round.id", req.RoundID), attribute.Int64("amount", req.Amount))
	defer func() { done(&err) }()

	req.InvestorID = strings.TrimSpace(req.InvestorID)
	if req.InvestorID == "" {
		return nil, fmt.Errorf("%w: investor id is required", domain.ErrInvalidInput)
	}
	if req.Amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", domain.ErrInvalidInput)
	}

	located, err := l.store.GetRound(ctx, req.RoundID)
	if err != nil {
		return nil, err
	}

	var result *InvestResult
	err = l.withRetry(ctx, "invest", func() error {
		inv, round, err := l.snapshot(ctx, located.InvoiceID)
		if err != nil {
			return err
		}
		if round == nil || round.ID != req.RoundID {
			return l.confirm(ctx, inv, fmt.Errorf("funding round %s: %w", req.RoundID, domain.ErrNotFound))
		}

		if req.IdempotencyKey != "" {
			prior, err := l.store.FindInvestmentByKey(ctx, round.ID, req.IdempotencyKey)
			switch {
			case err == nil:
				if prior.InvestorID != req.InvestorID || prior.Amount != req.Amount {
					return fmt.Errorf("%w: key %q", domain.ErrIdempotencyMismatch, req.IdempotencyKey)
				}
				result = &InvestResult{Investment: *prior, Round: *round, Invoice: *inv, Replayed: true}
				return nil
			case !errors.Is(err, domain.ErrNotFound):
				return err
			}
		}

		now := l.clock()
		if err := checkInvestable(inv, round, req.Amount, now); err != nil {
			return l.confirm(ctx, inv, err)
		}

		round.RaisedAmount += req.Amount
		status := inv.Status
		locked := round.Full()
		if locked {
			if status, err = domain.Transition(inv.Status, domain.StatusLocked); err != nil {
				return err
			}
			round.LockedAt = &now
		}
		investment := domain.Investment{
			ID:             l.newID(),
			FundingRoundID: round.ID,
			InvestorID:     req.InvestorID,
			Amount:         req.Amount,
			IdempotencyKey: req.IdempotencyKey,
			RecordedAt:     now,
		}
		err = l.store.Apply(ctx, &store.Mutation{
			InvoiceID:       inv.ID,
			ExpectedVersion: inv.Version,
			Status:          status,
			At:              now,
			Round:           round,
			Investment:      &investment,
		})
		if err != nil {
			return err
		}

		inv.Status = status
		inv.Version++
		inv.UpdatedAt = now
		result = &InvestResult{Investment: investment, Round: *round, Invoice: *inv, Locked: locked}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !result.Replayed {
		l.logger.Info("investment recorded", "invoice_id", result.Invoice.ID, "round_id", result.Round.ID,
			"investor_id", req.InvestorID, "amount", req.Amount, "raised_amount", result.Round.RaisedAmount)
		if result.Locked {
			l.logger.Info("funding round locked", "invoice_id", result.Invoice.ID, "round_id", result.Round.ID)
		}
	}
	return result, nil
}

// checkInvestable decides on one snapshot whether amount can go into round.
// State checks come first so a round that filled or closed reports
// ErrInvalidState rather than ErrOverContribution.
func checkInvestable(inv *domain.Invoice, round *domain.FundingRound, amount int64, now time.Time) error {
	if inv.Status != domain.StatusFundable {
		return fmt.Errorf("%w: invoice %s is %s", domain.ErrInvalidState, inv.ID, inv.Status)
	}
	if !round.IsActive {
		return fmt.Errorf("%w: funding round %s is closed", domain.ErrInvalidState, round.ID)
	}
	if now.After(round.Deadline) {
		return fmt.Errorf("%w: funding round %s passed its deadline", domain.ErrInvalidState, round.ID)
	}
	if amount > round.Remaining() {
		return fmt.Errorf("%w: %d offered, %d remaining", domain.ErrOverContribution, amount, round.Remaining())
	}
	return nil
}
