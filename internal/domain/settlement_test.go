package domain_test

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/invoiceledger/internal/domain"
)

func exampleInvestments() []domain.Investment {
	return []domain.Investment{
		{ID: "i1", InvestorID: "alice", Amount: 150000},
		{ID: "i2", InvestorID: "bob", Amount: 150000},
		{ID: "i3", InvestorID: "carol", Amount: 100000},
	}
}

func TestInterest(t *testing.T) {
	assert.Equal(t, int64(4438), domain.Interest(150000, 1800, 60))
	assert.Equal(t, int64(2958), domain.Interest(100000, 1800, 60))
	assert.Equal(t, int64(0), domain.Interest(100000, 1800, 0))
	assert.Equal(t, int64(0), domain.Interest(100000, 0, 60))
	// no overflow on large principals
	assert.Equal(t, int64(1_000_000_000_000_000), domain.Interest(1_000_000_000_000_000, 10000, 365))
}

func TestHoldingDays(t *testing.T) {
	locked := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, int64(60), domain.HoldingDays(locked, locked.Add(60*24*time.Hour+3*time.Hour)))
	assert.Equal(t, int64(0), domain.HoldingDays(locked, locked.Add(23*time.Hour)))
	assert.Equal(t, int64(0), domain.HoldingDays(locked, locked.Add(-time.Hour)))
}

func TestCheckReceivedAt(t *testing.T) {
	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	assert.NoError(t, domain.CheckReceivedAt(now.Add(-72*time.Hour), now))
	assert.NoError(t, domain.CheckReceivedAt(now.Add(domain.MaxClockSkew), now))
	assert.ErrorIs(t, domain.CheckReceivedAt(now.Add(domain.MaxClockSkew+time.Second), now), domain.ErrInvalidInput)
	assert.ErrorIs(t, domain.CheckReceivedAt(now.AddDate(50, 0, 0), now), domain.ErrInvalidInput)
	assert.ErrorIs(t, domain.CheckReceivedAt(time.Time{}, now), domain.ErrInvalidInput)
}

func TestComputeSettlement_Example(t *testing.T) {
	d, err := domain.ComputeSettlement(domain.SettlementInput{
		InvoiceID:          "inv-1",
		FundingRoundID:     "round-1",
		AmountReceived:     500000,
		OriginatorShareBps: 8000,
		InterestRateBps:    1800,
		HoldingDays:        60,
		Investments:        exampleInvestments(),
	})
	require.NoError(t, err)

	assert.Equal(t, int64(100000), d.InvestorPool)
	require.Len(t, d.Payouts, 3)
	assert.Equal(t, int64(4438), d.Payouts[0].Interest)
	assert.Equal(t, int64(4438), d.Payouts[1].Interest)
	assert.Equal(t, int64(2958), d.Payouts[2].Interest)

	// pool is short of entitlements, so it is shared pro rata
	assert.Equal(t, int64(37500), d.Payouts[0].Amount)
	assert.Equal(t, int64(37500), d.Payouts[1].Amount)
	assert.Equal(t, int64(24999), d.Payouts[2].Amount)

	assert.Equal(t, int64(1), d.Remainder)
	assert.Equal(t, int64(400001), d.OriginatorAmount)
	assert.Equal(t, int64(500000), d.PayoutTotal()+d.OriginatorAmount)
}

func TestComputeSettlement_PoolCoversEntitlements(t *testing.T) {
	d, err := domain.ComputeSettlement(domain.SettlementInput{
		AmountReceived:     500000,
		OriginatorShareBps: 0,
		InterestRateBps:    1800,
		HoldingDays:        60,
		Investments:        exampleInvestments(),
	})
	require.NoError(t, err)

	assert.Equal(t, int64(154438), d.Payouts[0].Amount)
	assert.Equal(t, int64(154438), d.Payouts[1].Amount)
	assert.Equal(t, int64(102958), d.Payouts[2].Amount)
	assert.Equal(t, int64(88166), d.OriginatorAmount)
	assert.Equal(t, int64(88166), d.Remainder)
	assert.Equal(t, int64(500000), d.PayoutTotal()+d.OriginatorAmount)
}

func TestComputeSettlement_RemainderGoesToOriginator(t *testing.T) {
	// three equal investors over an odd pool: floor division leaves 1
	d, err := domain.ComputeSettlement(domain.SettlementInput{
		AmountReceived:     100,
		OriginatorShareBps: 0,
		Investments: []domain.Investment{
			{ID: "a", Amount: 1000},
			{ID: "b", Amount: 1000},
			{ID: "c", Amount: 1000},
		},
	})
	require.NoError(t, err)
	for _, p := range d.Payouts {
		assert.Equal(t, int64(33), p.Amount)
	}
	assert.Equal(t, int64(1), d.Remainder)
	assert.Equal(t, int64(1), d.OriginatorAmount)
}

func TestComputeSettlement_Conservation(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 2000; i++ {
		n := 1 + rng.Intn(12)
		invs := make([]domain.Investment, n)
		for j := range invs {
			invs[j] = domain.Investment{ID: "x", Amount: 1 + rng.Int63n(5_000_000)}
		}
		in := domain.SettlementInput{
			AmountReceived:     1 + rng.Int63n(100_000_000),
			OriginatorShareBps: rng.Int63n(domain.BpsDenominator + 1),
			InterestRateBps:    rng.Int63n(5000),
			HoldingDays:        rng.Int63n(720),
			Investments:        invs,
		}
		d, err := domain.ComputeSettlement(in)
		require.NoError(t, err)

		require.Equal(t, in.AmountReceived, d.PayoutTotal()+d.OriginatorAmount, "case %d", i)
		require.GreaterOrEqual(t, d.Remainder, int64(0))
		for _, p := range d.Payouts {
			require.GreaterOrEqual(t, p.Amount, int64(0))
			require.LessOrEqual(t, p.Amount, p.Principal+p.Interest)
		}
	}
}

func TestComputeSettlement_RejectsBadInput(t *testing.T) {
	_, err := domain.ComputeSettlement(domain.SettlementInput{AmountReceived: 0})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = domain.ComputeSettlement(domain.SettlementInput{AmountReceived: 10, OriginatorShareBps: 10001})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestComputeRefund(t *testing.T) {
	d := domain.ComputeRefund("inv-1", "round-1", exampleInvestments(), time.Time{})
	assert.Equal(t, domain.DistributionRefund, d.Kind)
	assert.Equal(t, int64(400000), d.InvestorPool)
	assert.Equal(t, int64(400000), d.PayoutTotal())
	for _, p := range d.Payouts {
		assert.Equal(t, p.Principal, p.Amount)
		assert.Zero(t, p.Interest)
	}
}
