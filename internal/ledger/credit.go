package ledger

import (
	"context"

	"go.opentelemetry.io/otel/attribute"

	"github.com/punchamoorthee/invoiceledger/internal/domain"
)

func (l *Ledger) CommitCredit(ctx context.Context, originatorID, commitmentHash string) (_ *domain.CreditCommitment, err error) {
	ctx, done := instrument(ctx, "commit_credit", attribute.String("originator.id", originatorID))
	defer func() { done(&err) }()
	return l.oracle.Commit(ctx, originatorID, commitmentHash)
}

// VerifyCredit verifies proof against the originator's current commitment.
// A recommit racing the verification forces a re-read, after which the old
// proof no longer matches and the call fails closed.
func (l *Ledger) VerifyCredit(ctx context.Context, originatorID string, minThreshold int64, proof []byte) (_ *domain.CreditCommitment, err error) {
	ctx, done := instrument(ctx, "verify_credit", attribute.String("originator.id", originatorID))
	defer func() { done(&err) }()

	var c *domain.CreditCommitment
	err = l.withRetry(ctx, "verify_credit", func() error {
		var err error
		c, err = l.oracle.Verify(ctx, originatorID, minThreshold, proof)
		return err
	})
	return c, err
}

// IsCreditworthy reports whether the originator may raise requestedAmount
// and the most it may raise.
func (l *Ledger) IsCreditworthy(ctx context.Context, originatorID string, requestedAmount int64) (bool, int64, error) {
	return l.oracle.IsCreditworthy(ctx, originatorID, requestedAmount)
}
