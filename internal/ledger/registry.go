package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/punchamoorthee/invoiceledger/internal/domain"
	"github.com/punchamoorthee/invoiceledger/internal/store"
)

// RegisterInvoiceRequest describes a new invoice. ID is generated when empty.
type RegisterInvoiceRequest struct {
	ID             string    `json:"id,omitempty"`
	OriginatorID   string    `json:"originator_id"`
	FaceAmount     int64     `json:"face_amount"`
	BuyerReference string    `json:"buyer_reference"`
	DocumentRef    string    `json:"document_ref,omitempty"`
	DueAt          time.Time `json:"due_at"`
}

// RegisterInvoice records a new invoice and opens it for funding.
func (l *Ledger) RegisterInvoice(ctx context.Context, req RegisterInvoiceRequest) (_ *domain.Invoice, err error) {
	ctx, done := instrument(ctx, "register_invoice", attribute.String("originator.id", req.OriginatorID))
	defer func() { done(&err) }()

	now := l.clock()
	req.OriginatorID = strings.TrimSpace(req.OriginatorID)
	if req.OriginatorID == "" {
		return nil, fmt.Errorf("%w: originator id is required", domain.ErrInvalidInput)
	}
	if req.FaceAmount <= 0 {
		return nil, fmt.Errorf("%w: face amount must be positive", domain.ErrInvalidInput)
	}
	if !req.DueAt.After(now) {
		return nil, fmt.Errorf("%w: due date must be in the future", domain.ErrInvalidInput)
	}
	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = l.newID()
	}

	status, err := domain.Transition(domain.StatusPending, domain.StatusFundable)
	if err != nil {
		return nil, err
	}
	inv := &domain.Invoice{
		ID:             id,
		OriginatorID:   req.OriginatorID,
		FaceAmount:     req.FaceAmount,
		BuyerReference: req.BuyerReference,
		DocumentRef:    req.DocumentRef,
		DueAt:          req.DueAt.UTC(),
		Status:         status,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := l.store.CreateInvoice(ctx, inv); err != nil {
		return nil, err
	}
	l.logger.Info("invoice registered", "invoice_id", inv.ID, "originator_id", inv.OriginatorID, "face_amount", inv.FaceAmount)
	return inv, nil
}

// DefaultResult is the outcome of MarkDefault. Refund is nil when nothing
// was escrowed or the refund policy keeps funds in place.
type DefaultResult struct {
	Invoice *domain.Invoice      `json:"invoice"`
	Refund  *domain.Distribution `json:"refund,omitempty"`
}

// MarkDefault moves an overdue, unsettled invoice to Defaulted and closes
// its round. Under RefundPrincipal the escrowed principal is returned.
func (l *Ledger) MarkDefault(ctx context.Context, invoiceID string) (_ *DefaultResult, err error) {
	ctx, done := instrument(ctx, "mark_default", attribute.String("invoice.id", invoiceID))
	defer func() { done(&err) }()

	var result *DefaultResult
	err = l.withRetry(ctx, "mark_default", func() error {
		inv, round, err := l.snapshot(ctx, invoiceID)
		if err != nil {
			return err
		}
		status, err := domain.Transition(inv.Status, domain.StatusDefaulted)
		if err != nil {
			return err
		}
		now := l.clock()
		if !now.After(inv.DueAt) {
			return fmt.Errorf("%w: invoice %s is not due until %s", domain.ErrInvalidState, inv.ID, inv.DueAt.Format(time.RFC3339))
		}

		m := &store.Mutation{
			InvoiceID:       inv.ID,
			ExpectedVersion: inv.Version,
			Status:          status,
			At:              now,
		}
		if round != nil {
			round.IsActive = false
			m.Round = round
			if l.policy.RefundPolicy == RefundPrincipal {
				investments, err := l.store.ListInvestments(ctx, round.ID)
				if err != nil {
					return err
				}
				if len(investments) > 0 {
					m.Distribution = domain.ComputeRefund(inv.ID, round.ID, investments, now)
				}
			}
		}
		if err := l.store.Apply(ctx, m); err != nil {
			return err
		}

		inv.Status = status
		inv.Version++
		inv.UpdatedAt = now
		result = &DefaultResult{Invoice: inv, Refund: m.Distribution}
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.logger.Info("invoice defaulted", "invoice_id", invoiceID, "refunded", result.Refund != nil)
	return result, nil
}
