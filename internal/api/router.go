package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/punchamoorthee/invoiceledger/internal/logger"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "invoice_ledger_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "invoice_ledger_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"method", "endpoint"})
)

const requestIDHeader = "X-Request-ID"

// NewRouter wires the v1 API, health and metrics endpoints.
func NewRouter(h *Handler) *mux.Router {
	r := mux.NewRouter()
	r.Use(requestID, instrumented)

	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", h.HealthCheckHandler).Methods(http.MethodGet)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/invoices", h.RegisterInvoiceHandler).Methods(http.MethodPost)
	v1.HandleFunc("/invoices/{id}", h.GetInvoiceHandler).Methods(http.MethodGet)
	v1.HandleFunc("/invoices/{id}/default", h.MarkDefaultHandler).Methods(http.MethodPost)
	v1.HandleFunc("/invoices/{id}/rounds", h.CreateRoundHandler).Methods(http.MethodPost)
	v1.HandleFunc("/invoices/{id}/round", h.GetInvoiceRoundHandler).Methods(http.MethodGet)
	v1.HandleFunc("/invoices/{id}/settlement", h.SettleHandler).Methods(http.MethodPost)
	v1.HandleFunc("/invoices/{id}/distribution", h.GetDistributionHandler).Methods(http.MethodGet)

	v1.HandleFunc("/rounds/{id}", h.GetRoundHandler).Methods(http.MethodGet)
	v1.HandleFunc("/rounds/{id}/investments", h.InvestHandler).Methods(http.MethodPost)
	v1.HandleFunc("/rounds/{id}/investments", h.ListInvestmentsHandler).Methods(http.MethodGet)

	v1.HandleFunc("/originators/{id}/commitment", h.CommitCreditHandler).Methods(http.MethodPut)
	v1.HandleFunc("/originators/{id}/commitment/verify", h.VerifyCreditHandler).Methods(http.MethodPost)
	v1.HandleFunc("/originators/{id}/creditworthiness", h.CreditworthinessHandler).Methods(http.MethodGet)

	v1.HandleFunc("/documents", h.UploadDocumentHandler).Methods(http.MethodPost)
	v1.HandleFunc("/payments", h.ReportPaymentHandler).Methods(http.MethodPost)
	return r
}

func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(logger.WithRequestID(r.Context(), id)))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// instrumented records request counts and latency labeled by route template,
// so path parameters do not explode label cardinality.
func instrumented(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		endpoint := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tmpl, err := route.GetPathTemplate(); err == nil {
				endpoint = tmpl
			}
		}
		if endpoint == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		httpRequestDuration.WithLabelValues(r.Method, endpoint).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(r.Method, endpoint, strconv.Itoa(rec.status)).Inc()
	})
}
