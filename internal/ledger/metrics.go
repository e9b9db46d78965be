package ledger

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/punchamoorthee/invoiceledger/internal/domain"
)

var (
	opsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "invoice_ledger_operations_total",
		Help: "Ledger operations, labeled by outcome",
	}, []string{"op", "result"})

	opDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "invoice_ledger_operation_duration_seconds",
		Help:    "Latency of ledger operations including retries",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
	}, []string{"op"})

	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "invoice_ledger_retries_total",
		Help: "Optimistic-lock conflicts that were retried",
	}, []string{"op"})

	settledVolume = promauto.NewCounter(prometheus.CounterOpts{
		Name: "invoice_ledger_settled_amount_total",
		Help: "Sum of amounts received by settled invoices, in minor units",
	})
)

var tracer = otel.Tracer("github.com/punchamoorthee/invoiceledger/internal/ledger")

var resultKinds = []struct {
	err   error
	label string
}{
	{domain.ErrInvalidInput, "invalid_input"},
	{domain.ErrInvalidState, "invalid_state"},
	{domain.ErrNotCreditworthy, "not_creditworthy"},
	{domain.ErrOverContribution, "over_contribution"},
	{domain.ErrAlreadySettled, "already_settled"},
	{domain.ErrVerificationFailed, "verification_failed"},
	{domain.ErrConcurrentModification, "conflict"},
	{domain.ErrNotFound, "not_found"},
	{domain.ErrAlreadyExists, "already_exists"},
	{domain.ErrIdempotencyMismatch, "idempotency_mismatch"},
}

func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	for _, k := range resultKinds {
		if errors.Is(err, k.err) {
			return k.label
		}
	}
	return "error"
}

// instrument opens a span and a latency timer for op. The returned func
// records the outcome and must be deferred with a pointer to the named error.
func instrument(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(*error)) {
	ctx, span := tracer.Start(ctx, "ledger."+op, trace.WithAttributes(attrs...))
	timer := prometheus.NewTimer(opDuration.WithLabelValues(op))
	return ctx, func(errp *error) {
		timer.ObserveDuration()
		result := resultLabel(*errp)
		opsTotal.WithLabelValues(op, result).Inc()
		if *errp != nil {
			span.RecordError(*errp)
			span.SetStatus(codes.Error, result)
		}
		span.End()
	}
}
