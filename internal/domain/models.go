package domain

import "time"

// Status is the lifecycle state of an invoice.
type Status string

const (
	StatusPending   Status = "pending"
	StatusFundable  Status = "fundable"
	StatusLocked    Status = "locked"
	StatusSettled   Status = "settled"
	StatusDefaulted Status = "defaulted"
)

// Invoice is the canonical record owned by the registry.
// Amounts are minor currency units.
type Invoice struct {
	ID             string    `json:"id"`
	OriginatorID   string    `json:"originator_id"`
	FaceAmount     int64     `json:"face_amount"`
	BuyerReference string    `json:"buyer_reference"`
	DocumentRef    string    `json:"document_ref,omitempty"`
	DueAt          time.Time `json:"due_at"`
	Status         Status    `json:"status"`
	// Version is bumped by every committed mutation of the invoice or its round.
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CreditCommitment is a hashed credit assertion for one originator.
type CreditCommitment struct {
	OriginatorID       string     `json:"originator_id"`
	CommitmentHash     string     `json:"commitment_hash"`
	Verified           bool       `json:"verified"`
	MinThresholdProven int64      `json:"min_threshold_proven"`
	CommittedAt        time.Time  `json:"committed_at"`
	VerifiedAt         *time.Time `json:"verified_at,omitempty"`
	Version            int64      `json:"version"`
}

// FundingRound is the escrow attached to one invoice.
// Invariant: 0 <= RaisedAmount <= TargetAmount.
type FundingRound struct {
	ID              string     `json:"id"`
	InvoiceID       string     `json:"invoice_id"`
	TargetAmount    int64      `json:"target_amount"`
	RaisedAmount    int64      `json:"raised_amount"`
	InterestRateBps int64      `json:"interest_rate_bps"`
	Deadline        time.Time  `json:"deadline"`
	IsActive        bool       `json:"is_active"`
	IsSettled       bool       `json:"is_settled"`
	CreatedAt       time.Time  `json:"created_at"`
	LockedAt        *time.Time `json:"locked_at,omitempty"`
}

// Remaining is the amount still needed to reach the target.
func (r *FundingRound) Remaining() int64 {
	return r.TargetAmount - r.RaisedAmount
}

// Full reports whether the round has reached its target.
func (r *FundingRound) Full() bool {
	return r.RaisedAmount == r.TargetAmount
}

// Investment is an append-only contribution to a round.
type Investment struct {
	ID             string    `json:"id"`
	FundingRoundID string    `json:"funding_round_id"`
	InvestorID     string    `json:"investor_id"`
	Amount         int64     `json:"amount"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
	RecordedAt     time.Time `json:"recorded_at"`
}

// DistributionKind distinguishes a settlement from a default refund.
type DistributionKind string

const (
	DistributionSettlement DistributionKind = "settlement"
	DistributionRefund     DistributionKind = "refund"
)

// Payout is one investment's share of a distribution.
type Payout struct {
	InvestmentID string `json:"investment_id"`
	InvestorID   string `json:"investor_id"`
	Principal    int64  `json:"principal"`
	Interest     int64  `json:"interest"`
	Amount       int64  `json:"amount"`
}

// Distribution is the single, irreversible outflow recorded for an invoice.
type Distribution struct {
	InvoiceID        string           `json:"invoice_id"`
	FundingRoundID   string           `json:"funding_round_id"`
	Kind             DistributionKind `json:"kind"`
	AmountReceived   int64            `json:"amount_received"`
	OriginatorAmount int64            `json:"originator_amount"`
	InvestorPool     int64            `json:"investor_pool"`
	HoldingDays      int64            `json:"holding_days"`
	// Remainder is what floor division left over; it is already included in OriginatorAmount.
	Remainder int64     `json:"remainder"`
	Payouts   []Payout  `json:"payouts"`
	CreatedAt time.Time `json:"created_at"`
}

// PayoutTotal sums the amounts paid to investors.
func (d *Distribution) PayoutTotal() int64 {
	var total int64
	for _, p := range d.Payouts {
		total += p.Amount
	}
	return total
}
