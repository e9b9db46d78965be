package ledger

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/punchamoorthee/invoiceledger/internal/domain"
	"github.com/punchamoorthee/invoiceledger/internal/store"
)

// Settle distributes amountReceived for a locked invoice as of now.
func (l *Ledger) Settle(ctx context.Context, invoiceID string, amountReceived int64) (*domain.Distribution, error) {
	return l.SettleAt(ctx, invoiceID, amountReceived, l.clock())
}

// SettleAt distributes a payment received at receivedAt. It runs at most
// once per invoice: later calls fail with domain.ErrAlreadySettled and
// record nothing.
func (l *Ledger) SettleAt(ctx context.Context, invoiceID string, amountReceived int64, receivedAt time.Time) (_ *domain.Distribution, err error) {
	ctx, done := instrument(ctx, "settle",
		attribute.String("invoice.id", invoiceID), attribute.Int64("amount_received", amountReceived))
	defer func() { done(&err) }()

	if amountReceived <= 0 {
		return nil, fmt.Errorf("%w: amount received must be positive", domain.ErrInvalidInput)
	}
	if err := domain.CheckReceivedAt(receivedAt, l.clock()); err != nil {
		return nil, err
	}

	var dist *domain.Distribution
	err = l.withRetry(ctx, "settle", func() error {
		inv, round, err := l.snapshot(ctx, invoiceID)
		if err != nil {
			return err
		}
		if inv.Status == domain.StatusSettled || (round != nil && round.IsSettled) {
			return fmt.Errorf("invoice %s: %w", inv.ID, domain.ErrAlreadySettled)
		}
		status, err := domain.Transition(inv.Status, domain.StatusSettled)
		if err != nil {
			return err
		}
		if round == nil || !round.IsActive || round.LockedAt == nil {
			return l.confirm(ctx, inv, fmt.Errorf("%w: invoice %s has no locked funding round", domain.ErrInvalidState, inv.ID))
		}

		investments, err := l.store.ListInvestments(ctx, round.ID)
		if err != nil {
			return err
		}
		now := l.clock()
		d, err := domain.ComputeSettlement(domain.SettlementInput{
			InvoiceID:          inv.ID,
			FundingRoundID:     round.ID,
			AmountReceived:     amountReceived,
			OriginatorShareBps: l.policy.OriginatorShareBps,
			InterestRateBps:    round.InterestRateBps,
			HoldingDays:        domain.HoldingDays(*round.LockedAt, receivedAt),
			Investments:        investments,
			At:                 now,
		})
		if err != nil {
			return err
		}

		round.IsSettled = true
		round.IsActive = false
		err = l.store.Apply(ctx, &store.Mutation{
			InvoiceID:       inv.ID,
			ExpectedVersion: inv.Version,
			Status:          status,
			At:              now,
			Round:           round,
			Distribution:    d,
		})
		if err != nil {
			return err
		}
		dist = d
		return nil
	})
	if err != nil {
		return nil, err
	}

	settledVolume.Add(float64(amountReceived))
	l.logger.Info("invoice settled", "invoice_id", invoiceID, "amount_received", amountReceived,
		"originator_amount", dist.OriginatorAmount, "investor_pool", dist.InvestorPool,
		"holding_days", dist.HoldingDays, "remainder", dist.Remainder)
	return dist, nil
}
