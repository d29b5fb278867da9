package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/version"

	"github.com/Lraviv/alert-bridge/internal/alert"
	"github.com/Lraviv/alert-bridge/internal/broker"
	"github.com/Lraviv/alert-bridge/internal/metrics"
	"github.com/Lraviv/alert-bridge/internal/pipeline"
	"github.com/Lraviv/alert-bridge/internal/retry"
	"github.com/Lraviv/alert-bridge/internal/store"
)

// maxBodyBytes caps the size of a webhook body.
const maxBodyBytes = 4 << 20

// Submitter accepts a decoded webhook batch.
type Submitter interface {
	SubmitBatch(ctx context.Context, b alert.Batch) (pipeline.Summary, error)
}

// FailedStore is the view of the failure store the API needs.
type FailedStore interface {
	ReadAll() ([]store.Record, error)
	Update(fn func([]store.Record) ([]store.Record, error)) error
}

// Retrier is the view of the retry loop the API needs.
type Retrier interface {
	Trigger()
	LastCycle() (retry.CycleResult, bool)
}

// StatusSource holds what BuildStatus reads.
type StatusSource struct {
	Publisher broker.Publisher
	Store     FailedStore
	Retry     Retrier
}

// Options wires a Handler.
type Options struct {
	StatusSource
	Pipeline Submitter

	// EnableAdmin registers DELETE /api/v1/failed.
	EnableAdmin bool
}

// Handler serves the webhook, the /api/v1/* endpoints and /metrics.
type Handler struct {
	opts Options
	mux  *http.ServeMux
}

// New creates a Handler and registers all routes.
func New(opts Options) http.Handler {
	h := &Handler{opts: opts, mux: http.NewServeMux()}

	h.mux.HandleFunc("/", h.root)
	h.mux.HandleFunc("/alerts", h.ingest)
	h.mux.HandleFunc("/api/v1/health", h.health)
	h.mux.HandleFunc("/api/v1/failed", h.failed)
	h.mux.HandleFunc("/api/v1/retry", h.retry)
	h.mux.Handle("/metrics", promhttp.Handler())

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// --- route handlers ---------------------------------------------------------

// root returns GET /, a liveness greeting.
func (h *Handler) root(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		jsonErr(w, http.StatusNotFound, "not found")
		return
	}
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	jsonResp(w, http.StatusOK, RootResponse{Message: "Hello from Alert Bridge!"})
}

// ingest handles POST /alerts, the Alertmanager-style webhook.
func (h *Handler) ingest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	batch, err := alert.DecodePayload(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		metrics.AlertsRejected.Inc()
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			slog.Warn("api: rejected oversized alert payload", "limit", tooLarge.Limit)
			jsonErr(w, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
			return
		}
		rejectPayload(w, err)
		return
	}

	// A client hanging up must not turn in-flight publishes into stored failures.
	ctx := context.WithoutCancel(r.Context())
	sum, err := h.opts.Pipeline.SubmitBatch(ctx, batch)
	if err != nil {
		var verrs alert.ValidationErrors
		if errors.As(err, &verrs) {
			rejectPayload(w, err)
			return
		}
		slog.Error("api: alerts could not be published or stored",
			"received", sum.Received, "published", sum.Published, "err", err)
		jsonResp(w, http.StatusServiceUnavailable, IngestResponse{
			Status:          "error",
			AlertsReceived:  sum.Received,
			AlertsPublished: sum.Published,
			Error:           "some alerts could not be published or stored",
		})
		return
	}

	jsonResp(w, http.StatusOK, IngestResponse{
		Status:          "ok",
		AlertsReceived:  sum.Received,
		AlertsPublished: sum.Published,
	})
}

// health returns GET /api/v1/health with broker and store status.
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	jsonResp(w, http.StatusOK, BuildStatus(h.opts.StatusSource))
}

// failed serves GET /api/v1/failed and, when enabled, DELETE /api/v1/failed.
func (h *Handler) failed(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodGet:
		recs, err := h.opts.Store.ReadAll()
		if err != nil {
			jsonErr(w, http.StatusInternalServerError, err.Error())
			return
		}
		if recs == nil {
			recs = []store.Record{}
		}
		jsonResp(w, http.StatusOK, FailedResponse{Count: len(recs), Alerts: recs})

	case r.Method == http.MethodDelete && h.opts.EnableAdmin:
		purged := 0
		err := h.opts.Store.Update(func(cur []store.Record) ([]store.Record, error) {
			purged = len(cur)
			return nil, nil
		})
		if err != nil {
			jsonErr(w, http.StatusInternalServerError, err.Error())
			return
		}
		slog.Warn("api: failure store purged", "count", purged)
		jsonResp(w, http.StatusOK, PurgeResponse{Purged: purged})

	default:
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// retry handles POST /api/v1/retry and requests an immediate retry cycle.
func (h *Handler) retry(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	h.opts.Retry.Trigger()
	jsonResp(w, http.StatusAccepted, RetryResponse{Status: "triggered"})
}

// --- helpers ----------------------------------------------------------------

// BuildStatus gathers the current bridge status. The bridge is degraded when
// the broker session is down or the failure store cannot be read.
func BuildStatus(src StatusSource) StatusResponse {
	resp := StatusResponse{
		Status:          "ok",
		BrokerConnected: broker.Connected(src.Publisher),
		Version:         buildVersion(),
		GeneratedAt:     time.Now().UTC().Format(time.RFC3339),
	}

	recs, err := src.Store.ReadAll()
	if err != nil {
		slog.Warn("api: failure store unreadable", "err", err)
		resp.Status = "degraded"
	}
	resp.FailedPending = len(recs)
	if !resp.BrokerConnected {
		resp.Status = "degraded"
	}

	if src.Retry != nil {
		if c, ok := src.Retry.LastCycle(); ok {
			resp.LastRetry = &RetryInfo{
				Started:   c.Started.UTC().Format(time.RFC3339),
				Seconds:   c.Duration.Seconds(),
				Attempted: c.Attempted,
				Published: c.Published,
				Exhausted: c.Exhausted,
				Discarded: c.Discarded,
				Remaining: c.Remaining,
			}
		}
	}
	return resp
}

func buildVersion() string {
	if version.Version == "" {
		return "dev"
	}
	return version.Version
}

func rejectPayload(w http.ResponseWriter, err error) {
	resp := ValidationResponse{Error: "validation failed"}
	var verrs alert.ValidationErrors
	if errors.As(err, &verrs) {
		for _, ve := range verrs {
			resp.Details = append(resp.Details, ValidationIssue{
				Field:   ve.Field,
				Message: ve.Message,
				Value:   ve.Value,
				Allowed: ve.Allowed,
			})
		}
	} else {
		resp.Details = []ValidationIssue{{Field: "body", Message: err.Error()}}
	}

	slog.Warn("api: rejected alert payload", "err", err)
	jsonResp(w, http.StatusUnprocessableEntity, resp)
}

func jsonResp(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func jsonErr(w http.ResponseWriter, code int, msg string) {
	jsonResp(w, code, errorResponse{Error: msg})
}
