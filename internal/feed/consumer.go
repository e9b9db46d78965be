package feed

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/punchamoorthee/invoiceledger/internal/domain"
)

// Settler is the part of the ledger a consumer drives.
type Settler interface {
	SettleAt(ctx context.Context, invoiceID string, amountReceived int64, receivedAt time.Time) (*domain.Distribution, error)
}

type Consumer struct {
	source    Source
	settler   Settler
	logger    *slog.Logger
	reconnect time.Duration
}

type ConsumerOption func(*Consumer)

func WithLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithReconnectDelay sets the pause before resubscribing to a failed source.
func WithReconnectDelay(d time.Duration) ConsumerOption {
	return func(c *Consumer) { c.reconnect = d }
}

func NewConsumer(source Source, settler Settler, opts ...ConsumerOption) *Consumer {
	c := &Consumer{
		source:    source,
		settler:   settler,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		reconnect: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run settles reports until ctx is cancelled or the source closes. It
// resubscribes whenever the stream breaks.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		reports, errs, err := c.source.Subscribe(ctx)
		if errors.Is(err, ErrClosed) {
			c.logger.Info("payment feed closed")
			return nil
		}
		if err != nil {
			c.logger.Error("payment feed subscribe failed", "error", err, "retry_in", c.reconnect)
			if !c.wait(ctx) {
				return nil
			}
			continue
		}
		c.logger.Info("listening for payments")

		if !c.drain(ctx, reports, errs) {
			return nil
		}
		if !c.wait(ctx) {
			return nil
		}
	}
}

// drain consumes one subscription. It returns false when ctx is done or the
// source has closed for good.
func (c *Consumer) drain(ctx context.Context, reports <-chan PaymentReport, errs <-chan error) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case err, ok := <-errs:
			if !ok {
				c.logger.Warn("payment feed error stream closed, reconnecting")
				return true
			}
			if errors.Is(err, ErrClosed) {
				c.logger.Info("payment feed closed")
				return false
			}
			c.logger.Error("payment feed stream error, reconnecting", "error", err)
			return true
		case p, ok := <-reports:
			if !ok {
				c.logger.Warn("payment feed stream closed, reconnecting")
				return true
			}
			c.handle(ctx, p)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, p PaymentReport) {
	log := c.logger.With("invoice_id", p.InvoiceID, "amount", p.Amount)
	if err := p.Validate(); err != nil {
		log.Warn("ignoring malformed payment report", "error", err)
		return
	}
	d, err := c.settler.SettleAt(ctx, p.InvoiceID, p.Amount, p.ReceivedAt)
	switch {
	case err == nil:
		log.Info("payment settled", "originator_amount", d.OriginatorAmount, "payouts", len(d.Payouts))
	case errors.Is(err, domain.ErrAlreadySettled):
		log.Info("payment for settled invoice ignored")
	default:
		log.Error("payment settlement failed", "error", err)
	}
}

func (c *Consumer) wait(ctx context.Context) bool {
	t := time.NewTimer(c.reconnect)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
