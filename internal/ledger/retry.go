package ledger

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/punchamoorthee/invoiceledger/internal/domain"
)

const retryBaseDelay = 2 * time.Millisecond

// withRetry reruns fn while it reports an optimistic-lock conflict, up to
// the policy's MaxRetries extra attempts. Every other outcome is final.
func (l *Ledger) withRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if !errors.Is(err, domain.ErrConcurrentModification) || attempt >= l.policy.MaxRetries {
			return err
		}
		retriesTotal.WithLabelValues(op).Inc()
		l.logger.Debug("optimistic lock conflict, retrying", "op", op, "attempt", attempt+1, "error", err)

		delay := time.Duration(attempt+1)*retryBaseDelay + rand.N(retryBaseDelay)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
