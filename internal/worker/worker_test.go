package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/opensource-finance/heron/internal/bus"
	"github.com/opensource-finance/heron/internal/domain"
	"github.com/opensource-finance/heron/internal/monitor"
	"github.com/shopspring/decimal"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func newMonitor(t *testing.T) *monitor.Monitor {
	t.Helper()
	cfg := domain.DefaultConfig()
	cfg.Monitor.ScanInterval = 0
	cfg.Monitor.PruneInterval = 0
	cfg.Rules = []domain.RuleDefinition{{
		ID: "large", Kind: domain.RuleThreshold,
		Threshold: &domain.ThresholdParams{Limit: decimal.NewFromInt(10000)},
	}}
	m, err := monitor.New(cfg, monitor.Deps{Logger: quiet})
	if err != nil {
		t.Fatalf("failed to create monitor: %v", err)
	}
	t.Cleanup(func() { m.Close(context.Background()) })
	return m
}

func txJSON(t *testing.T, id string, amount int64) []byte {
	t.Helper()
	data, err := json.Marshal(domain.Transaction{
		ID:              id,
		Timestamp:       time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
		SenderAccount:   "acc-1",
		ReceiverAccount: "acc-2",
		Amount:          decimal.NewFromInt(amount),
		Currency:        "USD",
		SenderCountry:   "US",
		ReceiverCountry: "CA",
		Channel:         domain.ChannelACH,
	})
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	return data
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWorker(t *testing.T) {
	eventBus := bus.NewChannelBus(16)
	defer eventBus.Close()
	ctx := context.Background()

	m := newMonitor(t)
	w := NewWorker(eventBus, m, quiet)

	if err := w.Start(ctx, Config{}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Stop()

	stats := w.GetStats()
	if stats.SubscriptionCount != 1 || stats.Topics[0] != domain.TopicTransactionIngest {
		t.Fatalf("unexpected subscriptions: %+v", stats)
	}

	t.Run("IngestsTransaction", func(t *testing.T) {
		if err := eventBus.Publish(ctx, domain.TopicTransactionIngest, txJSON(t, "tx-1", 25000)); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
		waitFor(t, func() bool { return w.GetStats().Accepted == 1 })

		if got := m.History("acc-1", time.Time{}, time.Time{}); len(got) != 1 || got[0].ID != "tx-1" {
			t.Errorf("transaction not in graph: %+v", got)
		}
		if len(m.Alerts(0, 0)) != 1 {
			t.Error("expected threshold alert")
		}
	})

	t.Run("RejectsDuplicateAndMalformed", func(t *testing.T) {
		eventBus.Publish(ctx, domain.TopicTransactionIngest, txJSON(t, "tx-1", 25000))
		eventBus.Publish(ctx, domain.TopicTransactionIngest, []byte(`{"id": 12`))
		waitFor(t, func() bool { return w.GetStats().Rejected == 2 })

		if w.GetStats().Failed != 0 {
			t.Error("rejections must not count as failures")
		}
	})

	t.Run("IngestsBatch", func(t *testing.T) {
		batch := "[" + string(txJSON(t, "tx-2", 10)) + "," + string(txJSON(t, "tx-3", 10)) + "]"
		eventBus.Publish(ctx, domain.TopicTransactionIngest, []byte(batch))
		waitFor(t, func() bool { return w.GetStats().Accepted == 3 })
	})

	if err := w.Stop(); err != nil {
		t.Errorf("Stop failed: %v", err)
	}
	if w.GetStats().SubscriptionCount != 0 {
		t.Error("expected no subscriptions after stop")
	}
}

type closedEngine struct{}

func (closedEngine) Ingest(context.Context, domain.Transaction) (*domain.IngestResult, error) {
	return nil, domain.ErrClosed
}

func (closedEngine) IngestBatch(context.Context, []domain.Transaction) ([]monitor.BatchItem, error) {
	return nil, domain.ErrClosed
}

func TestWorkerEngineFailure(t *testing.T) {
	w := NewWorker(bus.NewChannelBus(1), closedEngine{}, quiet)

	err := w.handleMessage(context.Background(), &domain.Message{ID: "m1", Payload: txJSON(t, "tx-1", 1)})
	if !errors.Is(err, domain.ErrClosed) {
		t.Errorf("expected engine error to be returned, got %v", err)
	}
	if s := w.GetStats(); s.Failed != 1 || s.Rejected != 0 {
		t.Errorf("unexpected stats: %+v", s)
	}
}
