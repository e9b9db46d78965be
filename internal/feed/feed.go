// Package feed delivers detected buyer payments to the settlement engine.
// A Source produces PaymentReports; the Consumer settles each one.
package feed

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/punchamoorthee/invoiceledger/internal/domain"
)

// ErrClosed is returned by a Source that will never deliver again.
var ErrClosed = errors.New("feed: closed")

// PaymentReport says that the buyer paid Amount for InvoiceID at ReceivedAt.
type PaymentReport struct {
	InvoiceID  string    `json:"invoice_id"`
	Amount     int64     `json:"amount"`
	ReceivedAt time.Time `json:"received_at"`
}

// Validate checks the report against the wall clock.
func (p PaymentReport) Validate() error {
	return p.ValidateAt(time.Now())
}

// ValidateAt checks the report as of now. Payments cannot be received in the
// future, beyond domain.MaxClockSkew.
func (p PaymentReport) ValidateAt(now time.Time) error {
	if strings.TrimSpace(p.InvoiceID) == "" {
		return fmt.Errorf("%w: invoice id is required", domain.ErrInvalidInput)
	}
	if p.Amount <= 0 {
		return fmt.Errorf("%w: amount must be positive", domain.ErrInvalidInput)
	}
	return domain.CheckReceivedAt(p.ReceivedAt, now)
}

// Source is a stream of payment reports. The error channel reports a broken
// stream; the consumer then subscribes again.
type Source interface {
	Subscribe(ctx context.Context) (<-chan PaymentReport, <-chan error, error)
}

// ChannelFeed is an in-process Source fed through Report.
type ChannelFeed struct {
	ch        chan PaymentReport
	errs      chan error
	done      chan struct{}
	closeOnce sync.Once
}

func NewChannelFeed(buffer int) *ChannelFeed {
	return &ChannelFeed{
		ch:   make(chan PaymentReport, buffer),
		errs: make(chan error, 1),
		done: make(chan struct{}),
	}
}

// Report queues p, blocking while the buffer is full.
func (f *ChannelFeed) Report(ctx context.Context, p PaymentReport) error {
	if err := p.Validate(); err != nil {
		return err
	}
	select {
	case <-f.done:
		return ErrClosed
	default:
	}
	select {
	case f.ch <- p:
		return nil
	case <-f.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *ChannelFeed) Subscribe(ctx context.Context) (<-chan PaymentReport, <-chan error, error) {
	select {
	case <-f.done:
		return nil, nil, ErrClosed
	default:
	}
	return f.ch, f.errs, nil
}

// Close stops accepting reports. The current subscriber receives ErrClosed
// on its error stream and later Subscribe calls fail with it; reports still
// queued are dropped.
func (f *ChannelFeed) Close() {
	f.closeOnce.Do(func() {
		close(f.done)
		f.errs <- ErrClosed
	})
}

// Done is closed once the feed is closed.
func (f *ChannelFeed) Done() <-chan struct{} {
	return f.done
}
