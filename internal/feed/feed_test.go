package feed

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/punchamoorthee/invoiceledger/internal/domain"
)

type settleCall struct {
	invoiceID  string
	amount     int64
	receivedAt time.Time
}

type fakeSettler struct {
	mu      sync.Mutex
	calls   []settleCall
	settled map[string]bool
	seen    chan struct{}
}

func newFakeSettler() *fakeSettler {
	return &fakeSettler{settled: map[string]bool{}, seen: make(chan struct{}, 16)}
}

func (s *fakeSettler) SettleAt(ctx context.Context, invoiceID string, amount int64, receivedAt time.Time) (*domain.Distribution, error) {
	s.mu.Lock()
	defer func() {
		s.mu.Unlock()
		s.seen <- struct{}{}
	}()
	s.calls = append(s.calls, settleCall{invoiceID, amount, receivedAt})
	if s.settled[invoiceID] {
		return nil, domain.ErrAlreadySettled
	}
	s.settled[invoiceID] = true
	return &domain.Distribution{InvoiceID: invoiceID, AmountReceived: amount, OriginatorAmount: amount}, nil
}

func (s *fakeSettler) waitCalls(t *testing.T, n int) {
	t.Helper()
	for range n {
		select {
		case <-s.seen:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for settlement")
		}
	}
}

func TestPaymentReport_Validate(t *testing.T) {
	now := time.Now()
	assert.NoError(t, PaymentReport{InvoiceID: "inv-1", Amount: 1, ReceivedAt: now}.Validate())
	assert.ErrorIs(t, PaymentReport{Amount: 1, ReceivedAt: now}.Validate(), domain.ErrInvalidInput)
	assert.ErrorIs(t, PaymentReport{InvoiceID: "inv-1", ReceivedAt: now}.Validate(), domain.ErrInvalidInput)
	assert.ErrorIs(t, PaymentReport{InvoiceID: "inv-1", Amount: 1}.Validate(), domain.ErrInvalidInput)

	future := PaymentReport{InvoiceID: "inv-1", Amount: 1, ReceivedAt: now.AddDate(50, 0, 0)}
	assert.ErrorIs(t, future.Validate(), domain.ErrInvalidInput)
	assert.NoError(t, future.ValidateAt(future.ReceivedAt))
	assert.NoError(t, PaymentReport{InvoiceID: "inv-1", Amount: 1, ReceivedAt: now.Add(domain.MaxClockSkew)}.ValidateAt(now))
}

func TestConsumer_SettlesReports(t *testing.T) {
	defer goleak.VerifyNone(t)

	feed := NewChannelFeed(4)
	settler := newFakeSettler()
	c := NewConsumer(feed, settler, WithReconnectDelay(time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, feed.Report(ctx, PaymentReport{InvoiceID: "inv-1", Amount: 500, ReceivedAt: at}))
	require.NoError(t, feed.Report(ctx, PaymentReport{InvoiceID: "inv-1", Amount: 500, ReceivedAt: at}))
	require.NoError(t, feed.Report(ctx, PaymentReport{InvoiceID: "inv-2", Amount: 700, ReceivedAt: at}))
	settler.waitCalls(t, 3)

	settler.mu.Lock()
	assert.Equal(t, settleCall{"inv-1", 500, at}, settler.calls[0])
	assert.Equal(t, "inv-2", settler.calls[2].invoiceID)
	settler.mu.Unlock()

	cancel()
	require.NoError(t, <-done)
}

func TestConsumer_StopsWhenFeedCloses(t *testing.T) {
	defer goleak.VerifyNone(t)

	feed := NewChannelFeed(1)
	c := NewConsumer(feed, newFakeSettler(), WithReconnectDelay(time.Millisecond))

	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()

	feed.Close()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop")
	}

	err := feed.Report(context.Background(), PaymentReport{InvoiceID: "inv-1", Amount: 1, ReceivedAt: time.Now()})
	assert.ErrorIs(t, err, ErrClosed)
}

type flakySource struct {
	mu       sync.Mutex
	attempts int
	reports  chan PaymentReport
}

func (s *flakySource) Subscribe(ctx context.Context) (<-chan PaymentReport, <-chan error, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	if s.attempts == 1 {
		return nil, nil, errors.New("connection refused")
	}
	return s.reports, nil, nil
}

func TestConsumer_ResubscribesAfterFailure(t *testing.T) {
	defer goleak.VerifyNone(t)

	src := &flakySource{reports: make(chan PaymentReport, 1)}
	settler := newFakeSettler()
	c := NewConsumer(src, settler, WithReconnectDelay(time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	src.reports <- PaymentReport{InvoiceID: "inv-9", Amount: 10, ReceivedAt: time.Now()}
	settler.waitCalls(t, 1)

	cancel()
	require.NoError(t, <-done)
	src.mu.Lock()
	assert.Equal(t, 2, src.attempts)
	src.mu.Unlock()
}
