package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewIsolatedRegistries(t *testing.T) {
	a := New()
	b := New()

	a.TransactionsIngested.WithLabelValues("accepted").Inc()

	if got := testutil.ToFloat64(a.TransactionsIngested.WithLabelValues("accepted")); got != 1 {
		t.Errorf("expected 1, got %f", got)
	}
	if got := testutil.ToFloat64(b.TransactionsIngested.WithLabelValues("accepted")); got != 0 {
		t.Errorf("registries should be isolated, got %f", got)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.Scans.WithLabelValues("manual", "ok").Inc()
	m.GraphAccounts.Set(3)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{
		`heron_scans_total{outcome="ok",trigger="manual"} 1`,
		"heron_graph_accounts 3",
		"go_goroutines",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("expected %q in exposition output", want)
		}
	}
}
