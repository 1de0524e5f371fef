package monitor

import (
	"context"
	"sort"
	"time"

	"github.com/opensource-finance/heron/internal/domain"
	"github.com/opensource-finance/heron/internal/graph"
)

// emit merges evidence into the aggregator and delivers the resulting events
// to sinks and subscribers. emitMu keeps delivery in sequence order across
// concurrent ingests and scans.
func (m *Monitor) emit(ctx context.Context, flags []domain.RawFlag, findings []domain.PatternFinding) []domain.AlertEvent {
	m.emitMu.Lock()
	defer m.emitMu.Unlock()

	events := m.aggregator.Ingest(flags, findings)
	for _, ev := range events {
		m.metrics.AlertEvents.WithLabelValues(string(ev.Transition), string(ev.Alert.Severity)).Inc()
		m.log.Info("alert event",
			"seq", ev.Seq,
			"transition", ev.Transition,
			"alert_id", ev.Alert.ID,
			"severity", ev.Alert.Severity,
			"version", ev.Alert.Version,
			"risk_score", ev.Alert.RiskScore,
		)

		for _, s := range m.sinks {
			if err := s.PublishAlert(ctx, ev); err != nil {
				m.metrics.SinkErrors.WithLabelValues(s.Name).Inc()
				m.log.Error("alert sink failed", "sink", s.Name, "seq", ev.Seq, "error", err)
			}
		}
		m.broadcast(ev)
	}
	return events
}

// Subscription is an in-process view of the alert stream. A subscriber that
// falls behind by more than its buffer loses events; Dropped counts them and
// Alerts(after) recovers the latest state.
type Subscription struct {
	C <-chan domain.AlertEvent

	id      uint64
	ch      chan domain.AlertEvent
	dropped int
	m       *Monitor
}

// Subscribe registers a subscriber with the given buffer size.
func (m *Monitor) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 256
	}
	ch := make(chan domain.AlertEvent, buffer)

	m.subsMu.Lock()
	defer m.subsMu.Unlock()

	m.nextSub++
	sub := &Subscription{C: ch, id: m.nextSub, ch: ch, m: m}
	if m.closed.Load() {
		close(ch)
		return sub
	}
	m.subs[sub.id] = sub
	return sub
}

// Close unregisters the subscription and closes C.
func (s *Subscription) Close() {
	s.m.subsMu.Lock()
	defer s.m.subsMu.Unlock()
	if _, ok := s.m.subs[s.id]; ok {
		delete(s.m.subs, s.id)
		close(s.ch)
	}
}

// Dropped returns the number of events this subscriber missed.
func (s *Subscription) Dropped() int {
	s.m.subsMu.Lock()
	defer s.m.subsMu.Unlock()
	return s.dropped
}

func (m *Monitor) broadcast(ev domain.AlertEvent) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()

	for _, sub := range m.subs {
		select {
		case sub.ch <- ev:
		default:
			sub.dropped++
			m.metrics.SinkErrors.WithLabelValues("subscriber").Inc()
		}
	}
}

func (m *Monitor) closeSubscriptions() {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for id, sub := range m.subs {
		close(sub.ch)
		delete(m.subs, id)
	}
}

// Alerts returns the latest version of every alert still in merge state with
// Seq > after, in sequence order, at most limit (0 for all).
func (m *Monitor) Alerts(after uint64, limit int) []domain.Alert {
	all := m.aggregator.Alerts()
	i := sort.Search(len(all), func(i int) bool { return all[i].Seq > after })
	out := all[i:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Alert returns the latest version of an alert still in merge state.
func (m *Monitor) Alert(id string) (domain.Alert, bool) {
	return m.aggregator.Get(id)
}

// History returns the account's transactions with from <= timestamp < to.
// Zero bounds are open.
func (m *Monitor) History(account string, from, to time.Time) []domain.Transaction {
	return m.graph.History(account, from, to)
}

// Rules returns the active rule set in evaluation order.
func (m *Monitor) Rules() []domain.RuleDefinition {
	return m.evaluator.Rules()
}

// ValidateRule checks a definition against the engine's rule environment,
// including expression compilation, without changing the active rule set.
func (m *Monitor) ValidateRule(def domain.RuleDefinition) error {
	return m.evaluator.ValidateRule(def)
}

// Stats is a point-in-time engine report.
type Stats struct {
	Graph    graph.Stats  `json:"graph"`
	Latest   time.Time    `json:"latest"`
	Seq      uint64       `json:"seq"`
	Rules    int          `json:"rules"`
	LastScan *ScanSummary `json:"lastScan,omitempty"`
}

// Stats reports graph size, the data clock and the alert sequence.
func (m *Monitor) Stats() Stats {
	return Stats{
		Graph:    m.graph.Stats(),
		Latest:   m.graph.Latest(),
		Seq:      m.aggregator.Seq(),
		Rules:    m.evaluator.RulesCount(),
		LastScan: m.lastScan.Load(),
	}
}

// Ping checks the collaborators the engine depends on.
func (m *Monitor) Ping(ctx context.Context) error {
	if m.closed.Load() {
		return domain.ErrClosed
	}
	if m.cache != nil {
		if err := m.cache.Ping(ctx); err != nil {
			return err
		}
	}
	if m.repo != nil {
		if err := m.repo.Ping(ctx); err != nil {
			return err
		}
	}
	return nil
}
