package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/opensource-finance/heron/internal/domain"
	"github.com/opensource-finance/heron/internal/metrics"
	"github.com/opensource-finance/heron/internal/monitor"
	"github.com/opensource-finance/heron/internal/repository"
	"github.com/shopspring/decimal"
)

type testEnv struct {
	server *Server
	engine *monitor.Monitor
	repo   *repository.SQLRepository
}

// newTestEnv builds a server over a real engine. With persist, alerts are
// archived to a temporary SQLite repository.
func newTestEnv(t *testing.T, persist bool) *testEnv {
	t.Helper()

	cfg := domain.DefaultConfig()
	cfg.Monitor.ScanInterval = 0
	cfg.Monitor.PruneInterval = 0
	cfg.Rules = []domain.RuleDefinition{
		{ID: "large", Kind: domain.RuleThreshold, Threshold: &domain.ThresholdParams{Limit: decimal.NewFromInt(10000)}},
	}

	env := &testEnv{}
	m := metrics.New()
	deps := monitor.Deps{Metrics: m, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	var repo domain.Repository
	if persist {
		r, err := repository.New(domain.RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: filepath.Join(t.TempDir(), "api-test.db"),
		})
		if err != nil {
			t.Fatalf("failed to create repository: %v", err)
		}
		t.Cleanup(func() { r.Close() })
		env.repo = r
		repo = r
		deps.Repository = r
		deps.Sinks = []monitor.Sink{{Name: "repository", AlertSink: r}}
	}

	engine, err := monitor.New(cfg, deps)
	if err != nil {
		t.Fatalf("failed to create monitor: %v", err)
	}
	t.Cleanup(func() { engine.Close(context.Background()) })

	env.engine = engine
	env.server = NewServer(domain.ServerConfig{Host: "localhost", Port: 8080}, engine, repo, nil, m, "test-v1")
	return env
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	e.server.Router().ServeHTTP(rr, req)
	return rr
}

func txBody(id, from, to, amount, ts string) string {
	return fmt.Sprintf(`{"id":%q,"timestamp":%q,"senderAccount":%q,"receiverAccount":%q,"amount":%q,`+
		`"currency":"USD","senderCountry":"US","receiverCountry":"GB","channel":"wire"}`, id, ts, from, to, amount)
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), v); err != nil {
		t.Fatalf("failed to parse response %q: %v", rr.Body.String(), err)
	}
}

func TestIngestEndpoint(t *testing.T) {
	env := newTestEnv(t, false)

	t.Run("Accepted", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/transactions", txBody("tx-1", "A", "B", "25000.50", "2026-03-02T09:00:00Z"))
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var resp IngestResponse
		decode(t, rr, &resp)
		if resp.TransactionID != "tx-1" {
			t.Errorf("expected tx-1, got %q", resp.TransactionID)
		}
		if len(resp.Flags) != 1 || resp.Flags[0].RuleID != "large" {
			t.Errorf("expected threshold flag, got %+v", resp.Flags)
		}
		if len(resp.Alerts) != 1 || resp.Alerts[0].Alert.Severity != domain.SeverityLow {
			t.Errorf("expected one LOW alert event, got %+v", resp.Alerts)
		}
		if resp.Metadata.Version != "test-v1" || resp.Metadata.TraceID == "" {
			t.Errorf("unexpected metadata: %+v", resp.Metadata)
		}
		if rr.Header().Get(RequestIDHeader) == "" || rr.Header().Get(TraceIDHeader) == "" {
			t.Error("expected request and trace id headers")
		}
	})

	t.Run("Duplicate", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/transactions", txBody("tx-1", "A", "B", "25000.50", "2026-03-02T09:00:00Z"))
		if rr.Code != http.StatusConflict {
			t.Errorf("expected status 409, got %d", rr.Code)
		}
	})

	tests := []struct {
		name string
		body string
	}{
		{"InvalidJSON", "not-json"},
		{"MissingSender", txBody("tx-2", "", "B", "10", "2026-03-02T09:00:00Z")},
		{"NegativeAmount", txBody("tx-3", "A", "B", "-10", "2026-03-02T09:00:00Z")},
		{"BadCurrency", strings.Replace(txBody("tx-4", "A", "B", "10", "2026-03-02T09:00:00Z"), "USD", "DOLLARS", 1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := env.do(t, http.MethodPost, "/transactions", tt.body)
			if rr.Code != http.StatusBadRequest {
				t.Errorf("expected status 400, got %d: %s", rr.Code, rr.Body.String())
			}
		})
	}

	t.Run("Closed", func(t *testing.T) {
		closed := newTestEnv(t, false)
		closed.engine.Close(context.Background())
		rr := closed.do(t, http.MethodPost, "/transactions", txBody("tx-9", "A", "B", "10", "2026-03-02T09:00:00Z"))
		if rr.Code != http.StatusServiceUnavailable {
			t.Errorf("expected status 503, got %d", rr.Code)
		}
	})
}

func TestBatchEndpoint(t *testing.T) {
	env := newTestEnv(t, false)

	body := "[" + strings.Join([]string{
		txBody("b-1", "A", "B", "100", "2026-03-02T09:00:00Z"),
		txBody("b-2", "A", "", "100", "2026-03-02T09:01:00Z"),
		txBody("b-1", "A", "B", "100", "2026-03-02T09:00:00Z"),
		txBody("b-3", "B", "C", "50000", "2026-03-02T09:02:00Z"),
	}, ",") + "]"

	rr := env.do(t, http.MethodPost, "/transactions/batch", body)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var resp BatchResponse
	decode(t, rr, &resp)
	if resp.Accepted != 2 || resp.Rejected != 2 {
		t.Errorf("expected 2 accepted and 2 rejected, got %d/%d", resp.Accepted, resp.Rejected)
	}
	want := []string{"accepted", "invalid", "duplicate", "accepted"}
	for i, item := range resp.Items {
		if item.Status != want[i] {
			t.Errorf("item %d: expected %s, got %s (%s)", i, want[i], item.Status, item.Error)
		}
	}
	if resp.Items[3].Result == nil || len(resp.Items[3].Result.Flags) != 1 {
		t.Error("expected flags on the large transfer")
	}

	t.Run("Empty", func(t *testing.T) {
		if rr := env.do(t, http.MethodPost, "/transactions/batch", "[]"); rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("NotAnArray", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/transactions/batch", txBody("x", "A", "B", "1", "2026-03-02T09:00:00Z"))
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})
}

func TestAlertEndpoints(t *testing.T) {
	for _, persist := range []bool{false, true} {
		t.Run(fmt.Sprintf("persist=%v", persist), func(t *testing.T) {
			env := newTestEnv(t, persist)
			for i := 0; i < 3; i++ {
				id := fmt.Sprintf("tx-%d", i)
				rr := env.do(t, http.MethodPost, "/transactions",
					txBody(id, fmt.Sprintf("S%d", i), fmt.Sprintf("R%d", i), "20000", "2026-03-02T09:00:00Z"))
				if rr.Code != http.StatusOK {
					t.Fatalf("ingest failed: %s", rr.Body.String())
				}
			}

			var page struct {
				Alerts []domain.Alert `json:"alerts"`
				Count  int            `json:"count"`
				Next   uint64         `json:"next"`
			}
			decode(t, env.do(t, http.MethodGet, "/alerts?after=1&limit=1", ""), &page)
			if page.Count != 1 || page.Alerts[0].Seq != 2 || page.Next != 2 {
				t.Errorf("unexpected page: %+v", page)
			}

			decode(t, env.do(t, http.MethodGet, "/alerts", ""), &page)
			if page.Count != 3 {
				t.Fatalf("expected 3 alerts, got %d", page.Count)
			}

			rr := env.do(t, http.MethodGet, "/alerts/"+page.Alerts[0].ID, "")
			if rr.Code != http.StatusOK {
				t.Errorf("expected status 200, got %d", rr.Code)
			}
			var alert domain.Alert
			decode(t, rr, &alert)
			if alert.ID != page.Alerts[0].ID || alert.TransactionIDs[0] != "tx-0" {
				t.Errorf("unexpected alert: %+v", alert)
			}

			if rr := env.do(t, http.MethodGet, "/alerts/missing", ""); rr.Code != http.StatusNotFound {
				t.Errorf("expected status 404, got %d", rr.Code)
			}
			if rr := env.do(t, http.MethodGet, "/alerts?limit=0", ""); rr.Code != http.StatusBadRequest {
				t.Errorf("expected status 400 for bad limit, got %d", rr.Code)
			}
			if rr := env.do(t, http.MethodGet, "/alerts?after=-1", ""); rr.Code != http.StatusBadRequest {
				t.Errorf("expected status 400 for bad cursor, got %d", rr.Code)
			}
		})
	}
}

func TestAccountHistoryEndpoint(t *testing.T) {
	env := newTestEnv(t, false)
	env.do(t, http.MethodPost, "/transactions", txBody("h-1", "A", "B", "10", "2026-03-02T09:00:00Z"))
	env.do(t, http.MethodPost, "/transactions", txBody("h-2", "B", "A", "10", "2026-03-02T10:00:00Z"))
	env.do(t, http.MethodPost, "/transactions", txBody("h-3", "A", "C", "10", "2026-03-02T11:00:00Z"))

	var resp struct {
		Transactions []domain.Transaction `json:"transactions"`
		Count        int                  `json:"count"`
	}

	decode(t, env.do(t, http.MethodGet, "/accounts/A/history", ""), &resp)
	if resp.Count != 3 {
		t.Errorf("expected 3 transactions, got %d", resp.Count)
	}

	decode(t, env.do(t, http.MethodGet, "/accounts/A/history?from=2026-03-02T10:00:00Z&to=2026-03-02T11:00:00Z", ""), &resp)
	if resp.Count != 1 || resp.Transactions[0].ID != "h-2" {
		t.Errorf("expected only h-2 in half-open range, got %+v", resp.Transactions)
	}

	decode(t, env.do(t, http.MethodGet, "/accounts/nobody/history", ""), &resp)
	if resp.Count != 0 || resp.Transactions == nil {
		t.Errorf("expected empty list for unknown account, got %+v", resp)
	}

	if rr := env.do(t, http.MethodGet, "/accounts/A/history?from=yesterday", ""); rr.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", rr.Code)
	}
	if rr := env.do(t, http.MethodGet, "/accounts/A/history?from=2026-03-03T00:00:00Z&to=2026-03-02T00:00:00Z", ""); rr.Code != http.StatusBadRequest {
		t.Errorf("expected status 400 for inverted range, got %d", rr.Code)
	}
}

func TestScanEndpoint(t *testing.T) {
	env := newTestEnv(t, false)
	env.do(t, http.MethodPost, "/transactions", txBody("c-1", "A", "B", "5000", "2026-03-02T09:00:00Z"))
	env.do(t, http.MethodPost, "/transactions", txBody("c-2", "B", "C", "4900", "2026-03-02T09:20:00Z"))
	env.do(t, http.MethodPost, "/transactions", txBody("c-3", "C", "A", "4800", "2026-03-02T09:40:00Z"))

	rr := env.do(t, http.MethodPost, "/scan", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var summary monitor.ScanSummary
	decode(t, rr, &summary)
	if summary.Trigger != monitor.TriggerManual || summary.Findings != 1 || summary.Events != 1 {
		t.Errorf("unexpected scan summary: %+v", summary)
	}

	var stats monitor.Stats
	decode(t, env.do(t, http.MethodGet, "/stats", ""), &stats)
	if stats.Graph.Transactions != 3 || stats.Seq != 1 || stats.LastScan == nil {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestRuleEndpoints(t *testing.T) {
	t.Run("List", func(t *testing.T) {
		env := newTestEnv(t, false)
		var resp struct {
			Rules []domain.RuleDefinition `json:"rules"`
			Count int                     `json:"count"`
		}
		decode(t, env.do(t, http.MethodGet, "/rules", ""), &resp)
		if resp.Count != 1 || resp.Rules[0].ID != "large" {
			t.Errorf("unexpected rules: %+v", resp)
		}
	})

	t.Run("SaveWithoutRepository", func(t *testing.T) {
		env := newTestEnv(t, false)
		rr := env.do(t, http.MethodPost, "/rules", `{"id":"r","kind":"threshold","threshold":{"limit":"5"}}`)
		if rr.Code != http.StatusServiceUnavailable {
			t.Errorf("expected status 503, got %d", rr.Code)
		}
	})

	t.Run("Save", func(t *testing.T) {
		env := newTestEnv(t, true)
		rr := env.do(t, http.MethodPost, "/rules", `{"id":"self","kind":"expression","expression":{"expression":"sender == receiver"}}`)
		if rr.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
		}
		defs, err := env.repo.ListRuleDefinitions(context.Background())
		if err != nil || len(defs) != 1 || defs[0].ID != "self" {
			t.Errorf("rule not stored: %+v (%v)", defs, err)
		}
	})

	t.Run("RejectsInvalid", func(t *testing.T) {
		env := newTestEnv(t, true)
		for _, body := range []string{
			`{"id":"bad","kind":"expression","expression":{"expression":"amount +"}}`,
			`{"id":"bad","kind":"velocity","velocity":{"maxCount":0,"window":"1h"}}`,
			`not-json`,
		} {
			if rr := env.do(t, http.MethodPost, "/rules", body); rr.Code != http.StatusBadRequest {
				t.Errorf("expected status 400 for %s, got %d", body, rr.Code)
			}
		}
	})
}

func TestArchiveEndpoint(t *testing.T) {
	env := newTestEnv(t, true)
	env.do(t, http.MethodPost, "/transactions", txBody("old", "A", "B", "12.345", "2026-03-01T09:00:00+05:30"))
	env.do(t, http.MethodPost, "/transactions", txBody("new", "A", "B", "1", "2026-03-09T09:00:00Z"))

	if _, err := env.engine.PruneBefore(context.Background(), time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC)); err != nil {
		t.Fatalf("prune failed: %v", err)
	}

	rr := env.do(t, http.MethodGet, "/archive/transactions/old", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var tx domain.Transaction
	decode(t, rr, &tx)
	if !tx.Amount.Equal(decimal.RequireFromString("12.345")) {
		t.Errorf("amount not preserved: %s", tx.Amount)
	}

	if rr := env.do(t, http.MethodGet, "/archive/transactions/new", ""); rr.Code != http.StatusNotFound {
		t.Errorf("live transaction should not be archived, got %d", rr.Code)
	}
}

func TestHealthEndpoints(t *testing.T) {
	env := newTestEnv(t, true)

	rr := env.do(t, http.MethodGet, "/health", "")
	if rr.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rr.Code)
	}
	var health map[string]string
	decode(t, rr, &health)
	if health["status"] != "healthy" || health["version"] != "test-v1" {
		t.Errorf("unexpected health: %v", health)
	}

	if rr := env.do(t, http.MethodGet, "/ready", ""); rr.Code != http.StatusOK {
		t.Errorf("expected ready, got %d: %s", rr.Code, rr.Body.String())
	}

	env.engine.Close(context.Background())
	if rr := env.do(t, http.MethodGet, "/ready", ""); rr.Code != http.StatusServiceUnavailable {
		t.Errorf("expected not ready after close, got %d", rr.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, false)
	env.do(t, http.MethodPost, "/transactions", txBody("m-1", "A", "B", "10", "2026-03-02T09:00:00Z"))
	env.do(t, http.MethodGet, "/accounts/A/history", "")

	rr := env.do(t, http.MethodGet, "/metrics", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	body := rr.Body.String()
	for _, want := range []string{
		`heron_transactions_ingested_total{result="accepted"} 1`,
		`route="/accounts/{id}/history"`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %s", want)
		}
	}
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t, false)
	req := httptest.NewRequest(http.MethodOptions, "/transactions", nil)
	req.Header.Set("Origin", "https://console.example.com")
	rr := httptest.NewRecorder()
	env.server.Router().ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Errorf("expected status 204, got %d", rr.Code)
	}
	if rr.Header().Get("Access-Control-Allow-Origin") != "https://console.example.com" {
		t.Errorf("unexpected allow origin %q", rr.Header().Get("Access-Control-Allow-Origin"))
	}
}

func TestTracingMiddleware(t *testing.T) {
	var gotRequest, gotTrace string
	h := TracingMiddleware(LoggingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotRequest, _ = r.Context().Value(RequestIDKey).(string)
		gotTrace, _ = r.Context().Value(TraceIDKey).(string)
		w.WriteHeader(http.StatusTeapot)
	})))

	t.Run("keeps caller request id", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/alerts", nil)
		req.Header.Set(RequestIDHeader, "req-123")
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)

		if rr.Code != http.StatusTeapot {
			t.Errorf("expected handler status to pass through, got %d", rr.Code)
		}
		if gotRequest != "req-123" || rr.Header().Get(RequestIDHeader) != "req-123" {
			t.Errorf("request id not propagated: ctx=%q header=%q", gotRequest, rr.Header().Get(RequestIDHeader))
		}
		if gotTrace == "" || rr.Header().Get(TraceIDHeader) != gotTrace {
			t.Errorf("trace id mismatch: ctx=%q header=%q", gotTrace, rr.Header().Get(TraceIDHeader))
		}
	})

	t.Run("generates request id", func(t *testing.T) {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/alerts", nil))

		if gotRequest == "" || gotRequest == "req-123" {
			t.Errorf("expected a fresh request id, got %q", gotRequest)
		}
		if rr.Header().Get(RequestIDHeader) != gotRequest {
			t.Errorf("header %q does not match context %q", rr.Header().Get(RequestIDHeader), gotRequest)
		}
	})
}
