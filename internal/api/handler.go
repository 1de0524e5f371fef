package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/opensource-finance/heron/internal/domain"
	"github.com/opensource-finance/heron/internal/monitor"
	"github.com/opensource-finance/heron/internal/repository"
)

const (
	maxBodyBytes      = 1 << 20
	maxBatchBodyBytes = 32 << 20
	maxBatchSize      = 10000
	defaultPageSize   = 100
	maxPageSize       = 1000
)

// Engine is the monitoring engine surface the HTTP adapter serves.
type Engine interface {
	Ingest(ctx context.Context, tx domain.Transaction) (*domain.IngestResult, error)
	IngestBatch(ctx context.Context, txs []domain.Transaction) ([]monitor.BatchItem, error)
	Scan(ctx context.Context, trigger string) (*monitor.ScanSummary, error)
	Alerts(after uint64, limit int) []domain.Alert
	Alert(id string) (domain.Alert, bool)
	History(account string, from, to time.Time) []domain.Transaction
	Rules() []domain.RuleDefinition
	ValidateRule(def domain.RuleDefinition) error
	Stats() monitor.Stats
	Ping(ctx context.Context) error
}

// Handler holds dependencies for API handlers.
type Handler struct {
	engine  Engine
	repo    domain.Repository
	bus     domain.EventBus
	version string
}

// NewHandler creates a new API handler. repo and bus may be nil.
func NewHandler(engine Engine, repo domain.Repository, bus domain.EventBus, version string) *Handler {
	return &Handler{
		engine:  engine,
		repo:    repo,
		bus:     bus,
		version: version,
	}
}

// IngestResponse is the response for POST /transactions.
type IngestResponse struct {
	*domain.IngestResult
	Metadata ResponseMetadata `json:"metadata"`
}

// ResponseMetadata carries tracing and timing details.
type ResponseMetadata struct {
	TraceID string `json:"traceId"`
	TotalMs int64  `json:"totalMs"`
	Version string `json:"version"`
}

// IngestTransaction handles POST /transactions.
func (h *Handler) IngestTransaction(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	var tx domain.Transaction
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&tx); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}

	result, err := h.engine.Ingest(ctx, tx)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, IngestResponse{
		IngestResult: result,
		Metadata: ResponseMetadata{
			TraceID: GetTraceID(ctx),
			TotalMs: time.Since(start).Milliseconds(),
			Version: h.version,
		},
	})
}

// BatchItemResponse is the outcome of one transaction in POST /transactions/batch.
type BatchItemResponse struct {
	TransactionID string               `json:"transactionId"`
	Status        string               `json:"status"`
	Error         string               `json:"error,omitempty"`
	Result        *domain.IngestResult `json:"result,omitempty"`
}

// BatchResponse is the response for POST /transactions/batch.
type BatchResponse struct {
	Accepted int                 `json:"accepted"`
	Rejected int                 `json:"rejected"`
	Items    []BatchItemResponse `json:"items"`
	Metadata ResponseMetadata    `json:"metadata"`
}

// IngestBatch handles POST /transactions/batch. Per-transaction failures are
// reported in the items; the request itself succeeds.
func (h *Handler) IngestBatch(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	var txs []domain.Transaction
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBatchBodyBytes)).Decode(&txs); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body, expected an array of transactions")
		return
	}
	if len(txs) == 0 {
		writeError(w, http.StatusBadRequest, "batch is empty")
		return
	}
	if len(txs) > maxBatchSize {
		writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("batch exceeds %d transactions", maxBatchSize))
		return
	}

	items, err := h.engine.IngestBatch(ctx, txs)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}

	resp := BatchResponse{Items: make([]BatchItemResponse, len(items))}
	for i, item := range items {
		out := BatchItemResponse{TransactionID: txs[i].ID, Result: item.Result, Status: "accepted"}
		if item.Err != nil {
			out.Status = itemStatus(item.Err)
			out.Error = item.Err.Error()
			resp.Rejected++
		} else {
			resp.Accepted++
		}
		resp.Items[i] = out
	}
	resp.Metadata = ResponseMetadata{
		TraceID: GetTraceID(ctx),
		TotalMs: time.Since(start).Milliseconds(),
		Version: h.version,
	}

	writeJSON(w, http.StatusOK, resp)
}

func itemStatus(err error) string {
	switch {
	case errors.Is(err, domain.ErrDuplicateTransaction):
		return "duplicate"
	case errors.Is(err, domain.ErrValidation):
		return "invalid"
	default:
		return "error"
	}
}

// ListAlerts handles GET /alerts?after=&limit=. Alerts come from the
// repository when one is configured, since it keeps alerts whose merge
// state has expired; otherwise from the engine.
func (h *Handler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var after uint64
	if s := q.Get("after"); s != "" {
		v, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "after must be a non-negative integer")
			return
		}
		after = v
	}

	limit := defaultPageSize
	if s := q.Get("limit"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v < 1 || v > maxPageSize {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("limit must be between 1 and %d", maxPageSize))
			return
		}
		limit = v
	}

	var alerts []domain.Alert
	if h.repo != nil {
		stored, err := h.repo.ListAlerts(r.Context(), after, limit)
		if err != nil {
			slog.Error("failed to list alerts", "after", after, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to list alerts")
			return
		}
		alerts = make([]domain.Alert, len(stored))
		for i, a := range stored {
			alerts[i] = *a
		}
	} else {
		alerts = h.engine.Alerts(after, limit)
	}

	next := after
	if len(alerts) > 0 {
		next = alerts[len(alerts)-1].Seq
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"alerts": alerts,
		"count":  len(alerts),
		"next":   next,
	})
}

// GetAlert handles GET /alerts/{id}.
func (h *Handler) GetAlert(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if alert, ok := h.engine.Alert(id); ok {
		writeJSON(w, http.StatusOK, alert)
		return
	}

	if h.repo != nil {
		alert, err := h.repo.GetAlert(r.Context(), id)
		if err == nil {
			writeJSON(w, http.StatusOK, alert)
			return
		}
		if !errors.Is(err, repository.ErrNotFound) {
			slog.Error("failed to get alert", "alert_id", id, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to get alert")
			return
		}
	}

	writeError(w, http.StatusNotFound, "alert not found")
}

// AccountHistory handles GET /accounts/{id}/history?from=&to= with RFC 3339
// bounds; from is inclusive and to exclusive.
func (h *Handler) AccountHistory(w http.ResponseWriter, r *http.Request) {
	account := chi.URLParam(r, "id")

	from, err := parseTime(r.URL.Query().Get("from"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "from must be an RFC 3339 timestamp")
		return
	}
	to, err := parseTime(r.URL.Query().Get("to"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "to must be an RFC 3339 timestamp")
		return
	}
	if !from.IsZero() && !to.IsZero() && !from.Before(to) {
		writeError(w, http.StatusBadRequest, "from must be before to")
		return
	}

	txs := h.engine.History(account, from, to)
	if txs == nil {
		txs = []domain.Transaction{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"account":      account,
		"transactions": txs,
		"count":        len(txs),
	})
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

// GetArchivedTransaction handles GET /archive/transactions/{id}, serving
// transactions pruned from the graph.
func (h *Handler) GetArchivedTransaction(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return
	}

	id := chi.URLParam(r, "id")
	tx, err := h.repo.GetArchivedTransaction(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "transaction not found in archive")
			return
		}
		slog.Error("failed to get archived transaction", "tx_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get transaction")
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

// TriggerScan handles POST /scan.
func (h *Handler) TriggerScan(w http.ResponseWriter, r *http.Request) {
	summary, err := h.engine.Scan(r.Context(), monitor.TriggerManual)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// ListRules handles GET /rules, returning the active rule set in evaluation order.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	rules := h.engine.Rules()
	writeJSON(w, http.StatusOK, map[string]any{
		"rules": rules,
		"count": len(rules),
	})
}

// SaveRule handles POST /rules. The definition is validated against the
// engine and stored in the repository; it becomes active on the next start
// with rulesFromRepository enabled.
func (h *Handler) SaveRule(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return
	}

	var def domain.RuleDefinition
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&def); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}

	if err := h.engine.ValidateRule(def); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.repo.SaveRuleDefinition(r.Context(), &def); err != nil {
		slog.Error("failed to save rule", "rule_id", def.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save rule")
		return
	}

	slog.Info("rule saved", "rule_id", def.ID, "kind", def.Kind)
	writeJSON(w, http.StatusCreated, map[string]any{
		"rule":    def,
		"message": "Rule saved. It takes effect on restart when rulesFromRepository is enabled.",
	})
}

// Stats handles GET /stats.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Stats())
}

// Health returns server liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": h.version,
	})
}

// Ready reports whether the engine and its collaborators can serve traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{"engine": "ok"}
	ready := true

	if err := h.engine.Ping(r.Context()); err != nil {
		checks["engine"] = err.Error()
		ready = false
	}
	if h.bus != nil {
		checks["bus"] = "ok"
		if err := h.bus.Ping(r.Context()); err != nil {
			checks["bus"] = err.Error()
			ready = false
		}
	}

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"ready":  ready,
		"checks": checks,
	})
}

// writeEngineError maps engine error categories to HTTP status codes.
func (h *Handler) writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrDuplicateTransaction):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, domain.ErrScan):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		slog.Error("engine request failed", "error", err, "category", domain.Category(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
