package domain

import (
	"fmt"
	"math/big"
	"time"
)

const (
	// BpsDenominator is one whole in basis points.
	BpsDenominator = 10000
	daysPerYear    = 365

	// MaxClockSkew is how far ahead of the ledger clock a payment timestamp
	// may be before it is rejected.
	MaxClockSkew = 5 * time.Minute
)

// ApplyBps returns floor(amount * bps / 10000).
func ApplyBps(amount, bps int64) int64 {
	n := new(big.Int).Mul(big.NewInt(amount), big.NewInt(bps))
	return n.Quo(n, big.NewInt(BpsDenominator)).Int64()
}

// Interest returns floor(amount * rateBps * days / (365 * 10000)).
func Interest(amount, rateBps, days int64) int64 {
	if amount <= 0 || rateBps <= 0 || days <= 0 {
		return 0
	}
	n := new(big.Int).Mul(big.NewInt(amount), big.NewInt(rateBps))
	n.Mul(n, big.NewInt(days))
	return n.Quo(n, big.NewInt(daysPerYear*BpsDenominator)).Int64()
}

// HoldingDays counts whole days between lock and payment, never negative.
func HoldingDays(lockedAt, receivedAt time.Time) int64 {
	if !receivedAt.After(lockedAt) {
		return 0
	}
	return int64(receivedAt.Sub(lockedAt) / (24 * time.Hour))
}

// CheckReceivedAt rejects a payment timestamp that is unset or later than
// now plus MaxClockSkew.
func CheckReceivedAt(receivedAt, now time.Time) error {
	if receivedAt.IsZero() {
		return fmt.Errorf("%w: received_at is required", ErrInvalidInput)
	}
	if receivedAt.After(now.Add(MaxClockSkew)) {
		return fmt.Errorf("%w: received_at %s is in the future", ErrInvalidInput, receivedAt.UTC().Format(time.RFC3339))
	}
	return nil
}

// SettlementInput is everything the settlement arithmetic needs.
type SettlementInput struct {
	InvoiceID          string
	FundingRoundID     string
	AmountReceived     int64
	OriginatorShareBps int64
	InterestRateBps    int64
	HoldingDays        int64
	Investments        []Investment
	At                 time.Time
}

// ComputeSettlement splits a received payment between the originator and
// the investors.
//
// The originator first takes floor(received * share). Investors are entitled
// to principal plus simple interest; when the remaining pool covers every
// entitlement it is paid in full, otherwise the pool is shared pro rata to
// entitlement with floor division. Whatever the pool does not pay out to
// investors is added to the originator amount, so payouts plus the
// originator amount always equal the amount received.
func ComputeSettlement(in SettlementInput) (*Distribution, error) {
	if in.AmountReceived <= 0 {
		return nil, fmt.Errorf("%w: amount received must be positive", ErrInvalidInput)
	}
	if in.OriginatorShareBps < 0 || in.OriginatorShareBps > BpsDenominator {
		return nil, fmt.Errorf("%w: originator share %d bps out of range", ErrInvalidInput, in.OriginatorShareBps)
	}
	if in.HoldingDays < 0 {
		return nil, fmt.Errorf("%w: negative holding period", ErrInvalidInput)
	}

	originator := ApplyBps(in.AmountReceived, in.OriginatorShareBps)
	pool := in.AmountReceived - originator

	payouts := make([]Payout, len(in.Investments))
	entitled := new(big.Int)
	for i, inv := range in.Investments {
		interest := Interest(inv.Amount, in.InterestRateBps, in.HoldingDays)
		payouts[i] = Payout{
			InvestmentID: inv.ID,
			InvestorID:   inv.InvestorID,
			Principal:    inv.Amount,
			Interest:     interest,
		}
		entitled.Add(entitled, big.NewInt(inv.Amount))
		entitled.Add(entitled, big.NewInt(interest))
	}

	poolBig := big.NewInt(pool)
	var paid int64
	if poolBig.Cmp(entitled) >= 0 {
		for i := range payouts {
			payouts[i].Amount = payouts[i].Principal + payouts[i].Interest
			paid += payouts[i].Amount
		}
	} else {
		share := new(big.Int)
		for i := range payouts {
			e := payouts[i].Principal + payouts[i].Interest
			share.Mul(poolBig, big.NewInt(e))
			share.Quo(share, entitled)
			payouts[i].Amount = share.Int64()
			paid += payouts[i].Amount
		}
	}

	remainder := pool - paid
	return &Distribution{
		InvoiceID:        in.InvoiceID,
		FundingRoundID:   in.FundingRoundID,
		Kind:             DistributionSettlement,
		AmountReceived:   in.AmountReceived,
		OriginatorAmount: originator + remainder,
		InvestorPool:     pool,
		HoldingDays:      in.HoldingDays,
		Remainder:        remainder,
		Payouts:          payouts,
		CreatedAt:        in.At,
	}, nil
}

// ComputeRefund returns every investment's principal to its investor.
func ComputeRefund(invoiceID, roundID string, investments []Investment, at time.Time) *Distribution {
	d := &Distribution{
		InvoiceID:      invoiceID,
		FundingRoundID: roundID,
		Kind:           DistributionRefund,
		Payouts:        make([]Payout, 0, len(investments)),
		CreatedAt:      at,
	}
	for _, inv := range investments {
		d.Payouts = append(d.Payouts, Payout{
			InvestmentID: inv.ID,
			InvestorID:   inv.InvestorID,
			Principal:    inv.Amount,
			Amount:       inv.Amount,
		})
		d.InvestorPool += inv.Amount
	}
	return d
}
