package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/heron/internal/domain"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Scan triggers.
const (
	TriggerManual   = "manual"
	TriggerInterval = "interval"
	TriggerCount    = "insertions"
	TriggerShutdown = "shutdown"
)

// ScanSummary describes one completed scan.
type ScanSummary struct {
	Trigger   string        `json:"trigger"`
	StartedAt time.Time     `json:"startedAt"`
	Duration  time.Duration `json:"duration"`
	// SnapshotAt is when the graph view was frozen; DataLatest is the newest
	// transaction timestamp it holds.
	SnapshotAt time.Time `json:"snapshotAt"`
	DataLatest time.Time `json:"dataLatest"`
	Edges      int       `json:"edges"`
	Components int       `json:"components"`
	Findings   int       `json:"findings"`
	Truncated  bool      `json:"truncated"`
	Events     int       `json:"events"`
}

// Scan runs the pattern detector over a snapshot of the graph and commits
// the findings to the aggregator. Findings are committed only after the full
// scan; a cancelled or failed scan wraps domain.ErrScan and commits nothing.
func (m *Monitor) Scan(ctx context.Context, trigger string) (*ScanSummary, error) {
	if m.closed.Load() {
		return nil, domain.ErrClosed
	}
	return m.scan(ctx, trigger)
}

func (m *Monitor) scan(ctx context.Context, trigger string) (*ScanSummary, error) {
	ctx, span := tracer.Start(ctx, "monitor.scan")
	defer span.End()
	span.SetAttributes(attribute.String("scan.trigger", trigger))

	m.scanMu.Lock()
	defer m.scanMu.Unlock()

	started := time.Now()
	snap := m.graph.Snapshot()

	report, err := m.detector.Scan(ctx, snap)
	if err != nil {
		outcome := "error"
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			outcome = "cancelled"
		}
		m.metrics.Scans.WithLabelValues(trigger, outcome).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
		m.log.Warn("scan abandoned", "trigger", trigger, "outcome", outcome, "error", err)
		if !errors.Is(err, domain.ErrScan) {
			err = fmt.Errorf("%w: %v", domain.ErrScan, err)
		}
		return nil, err
	}

	events := m.emit(ctx, nil, report.Findings)

	summary := &ScanSummary{
		Trigger:    trigger,
		StartedAt:  started.UTC(),
		Duration:   time.Since(started),
		SnapshotAt: snap.TakenAt(),
		DataLatest: snap.Latest(),
		Edges:      report.Edges,
		Components: report.Components,
		Findings:   len(report.Findings),
		Truncated:  report.Truncated,
		Events:     len(events),
	}
	m.lastScan.Store(summary)

	m.metrics.Scans.WithLabelValues(trigger, "ok").Inc()
	m.metrics.ScanDuration.Observe(summary.Duration.Seconds())
	for _, f := range report.Findings {
		m.metrics.Findings.WithLabelValues(string(f.Kind)).Inc()
	}
	if report.Truncated {
		m.metrics.ScanTruncated.Inc()
		m.log.Warn("cycle enumeration truncated", "trigger", trigger, "edges", report.Edges)
	}
	span.SetAttributes(
		attribute.Int("scan.edges", report.Edges),
		attribute.Int("scan.findings", summary.Findings),
	)

	m.log.Info("scan completed",
		"trigger", trigger,
		"edges", summary.Edges,
		"findings", summary.Findings,
		"events", summary.Events,
		"duration_ms", summary.Duration.Milliseconds(),
	)

	if m.bus != nil {
		if payload, err := json.Marshal(summary); err == nil {
			if err := m.bus.Publish(ctx, domain.TopicScanCompleted, payload); err != nil {
				m.log.Warn("failed to publish scan summary", "error", err)
			}
		}
	}
	return summary, nil
}

// LastScan returns the summary of the latest completed scan, nil before the first.
func (m *Monitor) LastScan() *ScanSummary {
	return m.lastScan.Load()
}

// Prune removes transactions older than the retention horizon, measured back
// from the latest transaction timestamp in the graph.
func (m *Monitor) Prune(ctx context.Context) (int, error) {
	latest := m.graph.Latest()
	if latest.IsZero() {
		return 0, nil
	}
	return m.PruneBefore(ctx, latest.Add(-m.cfg.Retention.Duration()))
}

// PruneBefore removes transactions with timestamp < before. It waits for any
// in-flight scan, archives the removed transactions when a repository is
// configured, and drops aggregator merge state for buckets closed before the
// cutoff. Emitted alerts are never changed.
func (m *Monitor) PruneBefore(ctx context.Context, before time.Time) (int, error) {
	ctx, span := tracer.Start(ctx, "monitor.prune")
	defer span.End()

	m.scanMu.Lock()
	m.writeMu.Lock()
	pruned := m.graph.Prune(before)
	m.writeMu.Unlock()
	m.scanMu.Unlock()

	expired := m.aggregator.Expire(before)

	stats := m.graph.Stats()
	m.metrics.Pruned.Add(float64(len(pruned)))
	m.metrics.GraphAccounts.Set(float64(stats.Accounts))
	m.metrics.GraphTransactions.Set(float64(stats.Transactions))
	span.SetAttributes(attribute.Int("prune.count", len(pruned)))

	if len(pruned) > 0 {
		m.log.Info("graph pruned",
			"before", before.UTC().Format(time.RFC3339),
			"transactions", len(pruned),
			"expired_alert_state", expired,
			"accounts", stats.Accounts,
		)
	}

	if m.repo != nil && len(pruned) > 0 {
		if err := m.repo.ArchiveTransactions(ctx, pruned); err != nil {
			span.RecordError(err)
			m.log.Error("failed to archive pruned transactions", "count", len(pruned), "error", err)
			return len(pruned), fmt.Errorf("archive pruned transactions: %w", err)
		}
	}
	return len(pruned), nil
}

// Run drives cadence scans, insertion-triggered scans and cadence pruning
// until ctx is done or Close is called. Failed scans are retried on the next
// trigger.
func (m *Monitor) Run(ctx context.Context) error {
	m.runMu.Lock()
	if m.running || m.closed.Load() {
		m.runMu.Unlock()
		return fmt.Errorf("monitor is already running or closed")
	}
	ctx, cancel := context.WithCancel(ctx)
	m.running = true
	m.cancelLoop = cancel
	m.loopDone = make(chan struct{})
	done := m.loopDone
	m.runMu.Unlock()

	defer close(done)
	defer cancel()

	var scanTick, pruneTick <-chan time.Time
	if d := m.cfg.ScanInterval.Duration(); d > 0 {
		t := time.NewTicker(d)
		defer t.Stop()
		scanTick = t.C
	}
	if d := m.cfg.PruneInterval.Duration(); d > 0 {
		t := time.NewTicker(d)
		defer t.Stop()
		pruneTick = t.C
	}

	m.log.Info("monitor loop started",
		"scan_interval", m.cfg.ScanInterval.String(),
		"scan_every", m.cfg.ScanEvery,
		"prune_interval", m.cfg.PruneInterval.String(),
	)

	for {
		select {
		case <-ctx.Done():
			m.log.Info("monitor loop stopped")
			return nil
		case <-scanTick:
			_, _ = m.scan(ctx, TriggerInterval)
		case <-m.scanReq:
			_, _ = m.scan(ctx, TriggerCount)
		case <-pruneTick:
			_, _ = m.Prune(ctx)
		}
	}
}

// Close stops the run loop, flushes a final scan so pending patterns reach
// the alert stream, and closes every subscription. Later calls are no-ops.
func (m *Monitor) Close(ctx context.Context) error {
	var err error
	m.closeOnce.Do(func() {
		m.closed.Store(true)

		m.runMu.Lock()
		cancel, done := m.cancelLoop, m.loopDone
		m.runMu.Unlock()
		if cancel != nil {
			cancel()
			select {
			case <-done:
			case <-ctx.Done():
				err = ctx.Err()
				return
			}
		}

		if _, serr := m.scan(ctx, TriggerShutdown); serr != nil {
			err = serr
		}
		m.closeSubscriptions()
		m.log.Info("monitor closed", "seq", m.aggregator.Seq())
	})
	return err
}
