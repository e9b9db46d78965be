// Package api exposes the ledger over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/punchamoorthee/invoiceledger/internal/docstore"
	"github.com/punchamoorthee/invoiceledger/internal/domain"
	"github.com/punchamoorthee/invoiceledger/internal/feed"
	"github.com/punchamoorthee/invoiceledger/internal/ledger"
	"github.com/punchamoorthee/invoiceledger/internal/logger"
)

const maxDocumentBytes = 10 << 20

// Ledger is the set of ledger operations served over HTTP.
type Ledger interface {
	RegisterInvoice(ctx context.Context, req ledger.RegisterInvoiceRequest) (*domain.Invoice, error)
	GetInvoice(ctx context.Context, id string) (*domain.Invoice, error)
	MarkDefault(ctx context.Context, invoiceID string) (*ledger.DefaultResult, error)
	CreateFundingRound(ctx context.Context, req ledger.CreateRoundRequest) (*domain.FundingRound, error)
	GetFundingRound(ctx context.Context, id string) (*domain.FundingRound, error)
	GetFundingRoundByInvoice(ctx context.Context, invoiceID string) (*domain.FundingRound, error)
	Invest(ctx context.Context, req ledger.InvestRequest) (*ledger.InvestResult, error)
	ListInvestments(ctx context.Context, roundID string) ([]domain.Investment, error)
	Settle(ctx context.Context, invoiceID string, amountReceived int64) (*domain.Distribution, error)
	SettleAt(ctx context.Context, invoiceID string, amountReceived int64, receivedAt time.Time) (*domain.Distribution, error)
	GetDistribution(ctx context.Context, invoiceID string) (*domain.Distribution, error)
	CommitCredit(ctx context.Context, originatorID, commitmentHash string) (*domain.CreditCommitment, error)
	VerifyCredit(ctx context.Context, originatorID string, minThreshold int64, proof []byte) (*domain.CreditCommitment, error)
	IsCreditworthy(ctx context.Context, originatorID string, requestedAmount int64) (bool, int64, error)
}

// PaymentReporter accepts payment reports for asynchronous settlement.
type PaymentReporter interface {
	Report(ctx context.Context, p feed.PaymentReport) error
}

type Handler struct {
	ledger   Ledger
	docs     docstore.Store
	payments PaymentReporter
	logger   *slog.Logger
	now      func() time.Time
}

// NewHandler builds the HTTP handler. docs and payments may be nil, in which
// case their endpoints answer 503.
func NewHandler(l Ledger, docs docstore.Store, payments PaymentReporter, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Handler{ledger: l, docs: docs, payments: payments, logger: log, now: time.Now}
}

func (h *Handler) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) RegisterInvoiceHandler(w http.ResponseWriter, r *http.Request) {
	var req ledger.RegisterInvoiceRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.DocumentRef != "" && h.docs != nil {
		if _, err := h.docs.Stat(r.Context(), req.DocumentRef); err != nil {
			h.respondWithDomainError(w, r, err)
			return
		}
	}
	inv, err := h.ledger.RegisterInvoice(r.Context(), req)
	if err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/v1/invoices/"+inv.ID)
	respondWithJSON(w, http.StatusCreated, inv)
}

func (h *Handler) GetInvoiceHandler(w http.ResponseWriter, r *http.Request) {
	inv, err := h.ledger.GetInvoice(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, inv)
}

func (h *Handler) MarkDefaultHandler(w http.ResponseWriter, r *http.Request) {
	res, err := h.ledger.MarkDefault(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, res)
}

// createRoundRequest accepts the target and the rate either in basis points
// or as fractions such as "0.8" and "18%".
type createRoundRequest struct {
	TargetBps       *int64    `json:"target_bps,omitempty"`
	TargetFraction  string    `json:"target_fraction,omitempty"`
	InterestRateBps *int64    `json:"interest_rate_bps,omitempty"`
	InterestRate    string    `json:"interest_rate,omitempty"`
	Deadline        time.Time `json:"deadline"`
}

func bpsField(bps *int64, fraction, name string) (int64, error) {
	switch {
	case bps != nil && fraction != "":
		return 0, fmt.Errorf("%w: give %s as bps or as a fraction, not both", domain.ErrInvalidInput, name)
	case bps != nil:
		return *bps, nil
	case fraction != "":
		return domain.ParseBps(fraction)
	default:
		return 0, fmt.Errorf("%w: %s is required", domain.ErrInvalidInput, name)
	}
}

func (h *Handler) CreateRoundHandler(w http.ResponseWriter, r *http.Request) {
	var body createRoundRequest
	if !h.decode(w, r, &body) {
		return
	}
	target, err := bpsField(body.TargetBps, body.TargetFraction, "target")
	if err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}
	rate, err := bpsField(body.InterestRateBps, body.InterestRate, "interest rate")
	if err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}

	round, err := h.ledger.CreateFundingRound(r.Context(), ledger.CreateRoundRequest{
		InvoiceID:       mux.Vars(r)["id"],
		TargetBps:       target,
		InterestRateBps: rate,
		Deadline:        body.Deadline,
	})
	if err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/v1/rounds/"+round.ID)
	respondWithJSON(w, http.StatusCreated, round)
}

func (h *Handler) GetInvoiceRoundHandler(w http.ResponseWriter, r *http.Request) {
	round, err := h.ledger.GetFundingRoundByInvoice(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, round)
}

func (h *Handler) GetRoundHandler(w http.ResponseWriter, r *http.Request) {
	round, err := h.ledger.GetFundingRound(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, round)
}

type investRequest struct {
	InvestorID     string `json:"investor_id"`
	Amount         int64  `json:"amount"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// InvestHandler records an investment. The Idempotency-Key header takes
// precedence over the body field; a replay answers 200 instead of 201.
func (h *Handler) InvestHandler(w http.ResponseWriter, r *http.Request) {
	var body investRequest
	if !h.decode(w, r, &body) {
		return
	}
	key := body.IdempotencyKey
	if hdr := r.Header.Get("Idempotency-Key"); hdr != "" {
		key = hdr
	}

	res, err := h.ledger.Invest(r.Context(), ledger.InvestRequest{
		RoundID:        mux.Vars(r)["id"],
		InvestorID:     body.InvestorID,
		Amount:         body.Amount,
		IdempotencyKey: key,
	})
	if err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}
	if res.Replayed {
		respondWithJSON(w, http.StatusOK, res)
		return
	}
	respondWithJSON(w, http.StatusCreated, res)
}

func (h *Handler) ListInvestmentsHandler(w http.ResponseWriter, r *http.Request) {
	investments, err := h.ledger.ListInvestments(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, investments)
}

type settleRequest struct {
	AmountReceived int64     `json:"amount_received"`
	ReceivedAt     time.Time `json:"received_at,omitzero"`
}

func (h *Handler) SettleHandler(w http.ResponseWriter, r *http.Request) {
	var body settleRequest
	if !h.decode(w, r, &body) {
		return
	}
	id := mux.Vars(r)["id"]

	var (
		dist *domain.Distribution
		err  error
	)
	if body.ReceivedAt.IsZero() {
		dist, err = h.ledger.Settle(r.Context(), id, body.AmountReceived)
	} else {
		dist, err = h.ledger.SettleAt(r.Context(), id, body.AmountReceived, body.ReceivedAt)
	}
	if err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, dist)
}

func (h *Handler) GetDistributionHandler(w http.ResponseWriter, r *http.Request) {
	dist, err := h.ledger.GetDistribution(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, dist)
}

func (h *Handler) CommitCreditHandler(w http.ResponseWriter, r *http.Request) {
	var body struct {
		CommitmentHash string `json:"commitment_hash"`
	}
	if !h.decode(w, r, &body) {
		return
	}
	c, err := h.ledger.CommitCredit(r.Context(), mux.Vars(r)["id"], body.CommitmentHash)
	if err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, c)
}

// VerifyCreditHandler passes the proof to the verifier untouched. A JSON
// string is unwrapped so opaque proofs can be sent as text.
func (h *Handler) VerifyCreditHandler(w http.ResponseWriter, r *http.Request) {
	var body struct {
		MinThreshold int64           `json:"min_threshold"`
		Proof        json.RawMessage `json:"proof"`
	}
	if !h.decode(w, r, &body) {
		return
	}
	proof := []byte(body.Proof)
	var text string
	if err := json.Unmarshal(body.Proof, &text); err == nil {
		proof = []byte(text)
	}

	c, err := h.ledger.VerifyCredit(r.Context(), mux.Vars(r)["id"], body.MinThreshold, proof)
	if err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, c)
}

type creditworthinessResponse struct {
	OriginatorID    string `json:"originator_id"`
	RequestedAmount int64  `json:"requested_amount"`
	Creditworthy    bool   `json:"creditworthy"`
	MaxAmount       int64  `json:"max_amount"`
}

func (h *Handler) CreditworthinessHandler(w http.ResponseWriter, r *http.Request) {
	var amount int64
	if s := r.URL.Query().Get("amount"); s != "" {
		var err error
		if amount, err = strconv.ParseInt(s, 10, 64); err != nil {
			h.respondWithDomainError(w, r, fmt.Errorf("%w: amount must be an integer", domain.ErrInvalidInput))
			return
		}
	}
	id := mux.Vars(r)["id"]
	ok, limit, err := h.ledger.IsCreditworthy(r.Context(), id, amount)
	if err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, creditworthinessResponse{
		OriginatorID: id, RequestedAmount: amount, Creditworthy: ok, MaxAmount: limit,
	})
}

// UploadDocumentHandler stores the raw request body and returns its
// content-addressed reference.
func (h *Handler) UploadDocumentHandler(w http.ResponseWriter, r *http.Request) {
	if h.docs == nil {
		respondWithError(w, http.StatusServiceUnavailable, "Document store not configured")
		return
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxDocumentBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondWithError(w, http.StatusRequestEntityTooLarge, "Document too large")
			return
		}
		respondWithError(w, http.StatusBadRequest, "Stream read error")
		return
	}
	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	doc, err := h.docs.Put(r.Context(), data, contentType)
	if err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, doc)
}

// ReportPaymentHandler queues a detected payment; settlement happens in the
// background consumer.
func (h *Handler) ReportPaymentHandler(w http.ResponseWriter, r *http.Request) {
	if h.payments == nil {
		respondWithError(w, http.StatusServiceUnavailable, "Payment feed not configured")
		return
	}
	var p feed.PaymentReport
	if !h.decode(w, r, &p) {
		return
	}
	now := h.now().UTC()
	if p.ReceivedAt.IsZero() {
		p.ReceivedAt = now
	}
	if err := p.ValidateAt(now); err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}
	if err := h.payments.Report(r.Context(), p); err != nil {
		if errors.Is(err, feed.ErrClosed) {
			respondWithError(w, http.StatusServiceUnavailable, "Payment feed closed")
			return
		}
		h.respondWithDomainError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusAccepted, p)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		respondWithError(w, http.StatusBadRequest, "Malformed JSON body")
		return false
	}
	return true
}

// statusFor maps a domain error to its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidInput),
		errors.Is(err, domain.ErrOverContribution),
		errors.Is(err, domain.ErrVerificationFailed),
		errors.Is(err, domain.ErrNotCreditworthy),
		errors.Is(err, domain.ErrIdempotencyMismatch):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrInvalidState),
		errors.Is(err, domain.ErrAlreadySettled),
		errors.Is(err, domain.ErrAlreadyExists),
		errors.Is(err, domain.ErrConcurrentModification):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) respondWithDomainError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	log := logger.WithContext(r.Context(), h.logger)
	if code == http.StatusInternalServerError {
		log.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		respondWithError(w, code, "Internal Server Error")
		return
	}
	log.Debug("request rejected", "method", r.Method, "path", r.URL.Path, "status", code, "error", err)
	respondWithError(w, code, strings.TrimSpace(err.Error()))
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}

func respondWithJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}
