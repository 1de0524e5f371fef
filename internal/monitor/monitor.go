// Package monitor is the transaction monitoring engine: it validates and
// ingests transactions into the graph, evaluates rules, schedules pattern
// scans and pruning, and publishes the alert stream.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/heron/internal/aggregator"
	"github.com/opensource-finance/heron/internal/domain"
	"github.com/opensource-finance/heron/internal/graph"
	"github.com/opensource-finance/heron/internal/metrics"
	"github.com/opensource-finance/heron/internal/pattern"
	"github.com/opensource-finance/heron/internal/rules"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

var tracer = otel.Tracer("github.com/opensource-finance/heron/internal/monitor")

// Sink is a named alert stream consumer.
type Sink struct {
	Name string
	domain.AlertSink
}

// Deps are the optional collaborators of a Monitor. Nil fields are skipped.
type Deps struct {
	// Cache remembers ingested ids beyond the retention horizon.
	Cache domain.SeenCache
	// Repository receives pruned transactions.
	Repository domain.Repository
	// Bus receives scan summaries on domain.TopicScanCompleted.
	Bus domain.EventBus
	// Sinks receive every alert event in sequence order.
	Sinks []Sink
	// Metrics defaults to a fresh registry.
	Metrics *metrics.Metrics
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Monitor is one isolated engine instance. Graph mutation (insert, prune) is
// serialized by writeMu; scans read snapshots and hold scanMu, which prune
// acquires first so it never runs under an in-flight scan.
type Monitor struct {
	cfg        domain.MonitorConfig
	validator  *domain.TransactionValidator
	evaluator  *rules.Evaluator
	detector   *pattern.Detector
	aggregator *aggregator.Aggregator
	graph      *graph.Graph

	cache   domain.SeenCache
	repo    domain.Repository
	bus     domain.EventBus
	sinks   []Sink
	metrics *metrics.Metrics
	log     *slog.Logger

	writeMu sync.Mutex
	scanMu  sync.Mutex
	emitMu  sync.Mutex

	sinceScan atomic.Int64
	scanReq   chan struct{}
	lastScan  atomic.Pointer[ScanSummary]

	subsMu  sync.Mutex
	subs    map[uint64]*Subscription
	nextSub uint64

	runMu      sync.Mutex
	running    bool
	cancelLoop context.CancelFunc
	loopDone   chan struct{}

	closed    atomic.Bool
	closeOnce sync.Once
}

// New builds an engine from the configuration. The rule set, detector and
// severity policy are validated here; any problem wraps domain.ErrConfiguration.
func New(cfg *domain.Config, deps Deps) (*Monitor, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: config is required", domain.ErrConfiguration)
	}
	if err := cfg.Monitor.Validate(); err != nil {
		return nil, err
	}

	evaluator, err := rules.NewEvaluator(cfg.Rules)
	if err != nil {
		return nil, err
	}
	detector, err := pattern.NewDetector(cfg.Detector)
	if err != nil {
		return nil, err
	}
	agg, err := aggregator.New(cfg.Severity, cfg.Risk, cfg.Monitor.DedupWindow.Duration())
	if err != nil {
		return nil, err
	}

	validator := domain.NewTransactionValidator(cfg.Monitor.ExtraCurrencies)
	validator.MaxFutureSkew = cfg.Monitor.MaxFutureSkew.Duration()

	m := &Monitor{
		cfg:        cfg.Monitor,
		validator:  validator,
		evaluator:  evaluator,
		detector:   detector,
		aggregator: agg,
		graph:      graph.New(),
		cache:      deps.Cache,
		repo:       deps.Repository,
		bus:        deps.Bus,
		sinks:      deps.Sinks,
		metrics:    deps.Metrics,
		log:        deps.Logger,
		scanReq:    make(chan struct{}, 1),
		subs:       make(map[uint64]*Subscription),
	}
	if m.metrics == nil {
		m.metrics = metrics.New()
	}
	if m.log == nil {
		m.log = slog.Default()
	}
	m.log = m.log.With("component", "monitor")

	m.log.Info("monitor initialized",
		"rules", evaluator.RulesCount(),
		"max_window", evaluator.MaxWindow().String(),
		"retention", cfg.Monitor.Retention.String(),
		"sinks", len(m.sinks),
	)
	return m, nil
}

// Ingest validates tx, inserts it into the graph, evaluates the rule set and
// feeds the resulting flags to the aggregator. Rule failures are reported in
// the result and never reject the transaction. Validation errors and
// duplicates wrap domain.ErrValidation.
func (m *Monitor) Ingest(ctx context.Context, tx domain.Transaction) (*domain.IngestResult, error) {
	if m.closed.Load() {
		return nil, domain.ErrClosed
	}

	ctx, span := tracer.Start(ctx, "monitor.ingest", trace.WithAttributes(
		attribute.String("tx.id", tx.ID),
	))
	defer span.End()
	start := time.Now()

	m.writeMu.Lock()
	err := m.admit(ctx, &tx)
	m.writeMu.Unlock()
	if err != nil {
		m.reject(span, tx.ID, err)
		return nil, err
	}

	result := m.evaluate(ctx, &tx, nil)
	m.finish(ctx, result)

	m.metrics.TransactionsIngested.WithLabelValues("accepted").Inc()
	m.metrics.IngestDuration.Observe(time.Since(start).Seconds())
	span.SetAttributes(attribute.Int("flags", len(result.Flags)), attribute.Int("alerts", len(result.Alerts)))
	return result, nil
}

// BatchItem is the outcome of one transaction of a batch.
type BatchItem struct {
	Result *domain.IngestResult `json:"result,omitempty"`
	Err    error                `json:"-"`
}

// IngestBatch ingests txs in order. Graph inserts are applied under one
// writer lock, rules are evaluated in parallel (bounded by EvalWorkers) and
// flags are aggregated in batch order, so the alert stream is the same as for
// sequential Ingest calls. The returned error is set only when the engine is
// closed; per-transaction errors are in the items.
func (m *Monitor) IngestBatch(ctx context.Context, txs []domain.Transaction) ([]BatchItem, error) {
	if m.closed.Load() {
		return nil, domain.ErrClosed
	}

	ctx, span := tracer.Start(ctx, "monitor.ingest_batch", trace.WithAttributes(
		attribute.Int("batch.size", len(txs)),
	))
	defer span.End()
	start := time.Now()

	items := make([]BatchItem, len(txs))
	position := make(map[string]int, len(txs))

	m.writeMu.Lock()
	for i := range txs {
		if err := m.admit(ctx, &txs[i]); err != nil {
			items[i].Err = err
			m.reject(nil, txs[i].ID, err)
			continue
		}
		position[txs[i].ID] = i
	}
	m.writeMu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.EvalWorkers)
	for i := range txs {
		if items[i].Err != nil {
			continue
		}
		g.Go(func() error {
			// Later batch members are hidden so each transaction sees the
			// history a sequential ingest would have shown it.
			later := func(id string) bool {
				j, ok := position[id]
				return ok && j > i
			}
			items[i].Result = m.evaluate(gctx, &txs[i], later)
			return nil
		})
	}
	_ = g.Wait()

	accepted := 0
	for i := range items {
		if items[i].Result == nil {
			continue
		}
		m.finish(ctx, items[i].Result)
		accepted++
	}

	m.metrics.TransactionsIngested.WithLabelValues("accepted").Add(float64(accepted))
	m.metrics.IngestDuration.Observe(time.Since(start).Seconds())
	span.SetAttributes(attribute.Int("batch.accepted", accepted))
	return items, nil
}

// admit validates tx and inserts it into the graph. Callers hold writeMu.
func (m *Monitor) admit(ctx context.Context, tx *domain.Transaction) error {
	if err := m.validator.Validate(tx); err != nil {
		return err
	}

	if m.cache != nil {
		fresh, err := m.cache.MarkSeen(ctx, tx.ID, m.cfg.SeenTTL.Duration())
		if err != nil {
			return fmt.Errorf("seen cache: %w", err)
		}
		if !fresh {
			return fmt.Errorf("%w: %s", domain.ErrDuplicateTransaction, tx.ID)
		}
	}

	if err := m.graph.Insert(*tx); err != nil {
		if m.cache != nil && !errors.Is(err, domain.ErrDuplicateTransaction) {
			if ferr := m.cache.Forget(ctx, tx.ID); ferr != nil {
				m.log.Warn("failed to roll back seen id", "tx_id", tx.ID, "error", ferr)
			}
		}
		return err
	}
	return nil
}

func (m *Monitor) reject(span trace.Span, txID string, err error) {
	result := "invalid"
	switch {
	case errors.Is(err, domain.ErrDuplicateTransaction):
		result = "duplicate"
	case !errors.Is(err, domain.ErrValidation):
		result = "error"
	}
	m.metrics.TransactionsIngested.WithLabelValues(result).Inc()
	if span != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, result)
	}
	m.log.Debug("transaction rejected", "tx_id", txID, "result", result, "error", err)
}

// evaluate runs the rule set against the sender's history around tx. hide
// filters out history entries the caller must not see.
func (m *Monitor) evaluate(ctx context.Context, tx *domain.Transaction, hide func(id string) bool) *domain.IngestResult {
	var history []domain.Transaction
	if window := m.evaluator.MaxWindow(); window > 0 {
		history = m.graph.History(tx.SenderAccount, tx.Timestamp.Add(-window), tx.Timestamp.Add(time.Nanosecond))
		if hide != nil {
			kept := history[:0]
			for _, h := range history {
				if !hide(h.ID) {
					kept = append(kept, h)
				}
			}
			history = kept
		}
	}

	eval := m.evaluator.Evaluate(ctx, tx, history)

	for _, f := range eval.Flags {
		m.metrics.RuleFlags.WithLabelValues(f.RuleID).Inc()
	}
	for _, f := range eval.Failures {
		m.metrics.RuleFailures.WithLabelValues(f.RuleID).Inc()
		m.log.Warn("rule evaluation failed",
			"rule_id", f.RuleID,
			"tx_id", f.TransactionID,
			"error", f.Message,
		)
	}

	return &domain.IngestResult{
		TransactionID: tx.ID,
		Flags:         eval.Flags,
		Failures:      eval.Failures,
	}
}

// finish aggregates the flags of an evaluated transaction and counts it
// towards the next insertion-triggered scan.
func (m *Monitor) finish(ctx context.Context, result *domain.IngestResult) {
	if len(result.Flags) > 0 {
		result.Alerts = m.emit(ctx, result.Flags, nil)
	}

	stats := m.graph.Stats()
	m.metrics.GraphAccounts.Set(float64(stats.Accounts))
	m.metrics.GraphTransactions.Set(float64(stats.Transactions))

	if every := int64(m.cfg.ScanEvery); every > 0 && m.sinceScan.Add(1) >= every {
		m.sinceScan.Store(0)
		result.ScanTriggered = m.requestScan()
	}
}

// requestScan asks the run loop for a scan. It reports false when a request
// is already pending.
func (m *Monitor) requestScan() bool {
	select {
	case m.scanReq <- struct{}{}:
		return true
	default:
		return false
	}
}
