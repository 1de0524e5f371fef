// Package aggregator merges raw rule flags and pattern findings into
// deduplicated, severity-ranked alerts and numbers every state change.
package aggregator

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/heron/internal/domain"
)

// Aggregator owns the alert merge state. It is safe for concurrent use;
// calls are serialized so sequence numbers follow call order.
type Aggregator struct {
	mu      sync.Mutex
	policy  domain.SeverityPolicy
	weights domain.RiskWeights
	window  time.Duration

	seq     uint64
	order   uint64
	entries map[string]*entry
	buckets map[int64][]*entry
	// spanned indexes alerts under the earlier buckets their evidence covers.
	spanned map[int64][]*entry

	// Now stamps CreatedAt/UpdatedAt. Defaults to UTC wall clock.
	Now func() time.Time
}

// entry is the mutable merge state behind one alert.
type entry struct {
	alert   domain.Alert
	order   uint64
	txIDs   map[string]struct{}
	accts   map[string]struct{}
	prov    map[string]struct{}
	spans   map[int64]struct{}
	reasons []string

	ruleKinds   map[domain.RuleKind]struct{}
	patterns    bool
	confidence  float64
	maxHint     domain.Severity
	corroborate bool
	dirty       bool
}

// evidence is a flag or finding normalized for merging.
type evidence struct {
	key        string
	ruleKind   domain.RuleKind
	pattern    bool
	hint       domain.Severity
	confidence float64
	txIDs      []string
	accounts   []string
	from       time.Time
	at         time.Time
	reason     string
}

// New validates the policy and creates an empty aggregator.
// dedupWindow is the bucket width; 24h buckets are UTC calendar days.
func New(policy domain.SeverityPolicy, weights domain.RiskWeights, dedupWindow time.Duration) (*Aggregator, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if dedupWindow <= 0 {
		return nil, fmt.Errorf("%w: dedup window must be positive", domain.ErrConfiguration)
	}
	return &Aggregator{
		policy:  policy,
		weights: weights,
		window:  dedupWindow,
		entries: make(map[string]*entry),
		buckets: make(map[int64][]*entry),
		spanned: make(map[int64][]*entry),
		Now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

// Ingest merges flags and findings and returns one event per alert that was
// created or changed, in sequence order. Evidence already carried by an alert
// produces no event.
func (a *Aggregator) Ingest(flags []domain.RawFlag, findings []domain.PatternFinding) []domain.AlertEvent {
	a.mu.Lock()
	defer a.mu.Unlock()

	touched := make(map[int64]struct{})
	var created []*entry

	for _, f := range flags {
		ev := evidence{
			key:      "rule:" + f.RuleID,
			ruleKind: f.RuleKind,
			hint:     f.SeverityHint,
			txIDs:    f.TransactionIDs,
			accounts: f.Accounts,
			at:       f.EvidenceTime,
			reason:   f.Reason,
		}
		if e, isNew := a.merge(ev, touched); isNew {
			created = append(created, e)
		}
	}
	for i := range findings {
		f := &findings[i]
		ev := evidence{
			key:        f.ProvenanceKey(),
			pattern:    true,
			confidence: f.Confidence,
			txIDs:      f.TransactionIDs,
			accounts:   f.Accounts,
			from:       f.FirstSeen,
			at:         f.LastSeen,
			reason:     f.Summary,
		}
		if e, isNew := a.merge(ev, touched); isNew {
			created = append(created, e)
		}
	}

	for b := range touched {
		a.corroborate(b)
	}

	var changed []*entry
	for _, e := range a.entries {
		if e.dirty {
			changed = append(changed, e)
		}
	}
	sort.Slice(changed, func(i, j int) bool { return changed[i].order < changed[j].order })

	isCreated := make(map[*entry]bool, len(created))
	for _, e := range created {
		isCreated[e] = true
	}

	events := make([]domain.AlertEvent, 0, len(changed))
	now := a.Now()
	for _, e := range changed {
		e.dirty = false
		a.seq++
		e.alert.Seq = a.seq
		e.alert.Version++
		e.alert.UpdatedAt = now
		a.render(e)

		transition := domain.TransitionUpdated
		if isCreated[e] {
			transition = domain.TransitionCreated
			e.alert.CreatedAt = now
		}
		events = append(events, domain.AlertEvent{
			Seq:        e.alert.Seq,
			Transition: transition,
			Alert:      e.alert.Clone(),
		})
	}
	return events
}

// merge folds ev into the first alert of its bucket that shares provenance
// and a transaction id, or creates a new alert. An alert lives in the bucket
// of its latest evidence.
func (a *Aggregator) merge(ev evidence, touched map[int64]struct{}) (*entry, bool) {
	if len(ev.txIDs) == 0 {
		return nil, false
	}

	bucket := a.bucket(ev.at)
	key := bucket.Unix()
	touched[key] = struct{}{}

	for _, e := range a.buckets[key] {
		if _, ok := e.prov[ev.key]; !ok {
			continue
		}
		if !overlaps(e.txIDs, ev.txIDs) {
			continue
		}
		a.absorb(e, ev)
		a.span(e, ev.from, key, touched)
		return e, false
	}

	a.order++
	e := &entry{
		alert: domain.Alert{
			ID:     uuid.New().String(),
			Bucket: bucket,
		},
		order:     a.order,
		txIDs:     make(map[string]struct{}),
		accts:     make(map[string]struct{}),
		prov:      make(map[string]struct{}),
		spans:     make(map[int64]struct{}),
		ruleKinds: make(map[domain.RuleKind]struct{}),
	}
	a.absorb(e, ev)
	a.entries[e.alert.ID] = e
	a.buckets[key] = append(a.buckets[key], e)
	a.span(e, ev.from, key, touched)
	return e, true
}

// span registers e under every bucket from the one holding from up to, but
// excluding, its home bucket, so evidence spanning a bucket boundary
// corroborates flags on either side.
func (a *Aggregator) span(e *entry, from time.Time, home int64, touched map[int64]struct{}) {
	if from.IsZero() {
		return
	}
	for b := a.bucket(from); b.Unix() < home; b = b.Add(a.window) {
		key := b.Unix()
		touched[key] = struct{}{}
		if _, ok := e.spans[key]; ok {
			continue
		}
		e.spans[key] = struct{}{}
		a.spanned[key] = append(a.spanned[key], e)
	}
}

func (a *Aggregator) absorb(e *entry, ev evidence) {
	for _, id := range ev.txIDs {
		if _, ok := e.txIDs[id]; !ok {
			e.txIDs[id] = struct{}{}
			e.dirty = true
		}
	}
	for _, acct := range ev.accounts {
		if _, ok := e.accts[acct]; !ok {
			e.accts[acct] = struct{}{}
			e.dirty = true
		}
	}
	if _, ok := e.prov[ev.key]; !ok {
		e.prov[ev.key] = struct{}{}
		e.reasons = append(e.reasons, ev.reason)
		e.dirty = true
	}
	if ev.pattern {
		if !e.patterns {
			e.patterns = true
			e.dirty = true
		}
		if ev.confidence > e.confidence {
			e.confidence = ev.confidence
		}
	} else {
		e.ruleKinds[ev.ruleKind] = struct{}{}
		if ev.hint.Rank() > e.maxHint.Rank() {
			e.maxHint = ev.hint
			e.dirty = true
		}
	}
}

// corroborate escalates alerts in a bucket where a compound-kind rule flag and
// a pattern finding touch the same account. Alerts spanning into the bucket
// take part. Escalation is never withdrawn.
func (a *Aggregator) corroborate(bucket int64) {
	entries := make([]*entry, 0, len(a.buckets[bucket])+len(a.spanned[bucket]))
	entries = append(entries, a.buckets[bucket]...)
	entries = append(entries, a.spanned[bucket]...)

	ruleAccts := make(map[string]struct{})
	patternAccts := make(map[string]struct{})
	for _, e := range entries {
		if a.hasCompoundKind(e) {
			for acct := range e.accts {
				ruleAccts[acct] = struct{}{}
			}
		}
		if e.patterns {
			for acct := range e.accts {
				patternAccts[acct] = struct{}{}
			}
		}
	}

	for _, e := range entries {
		if e.corroborate {
			continue
		}
		var other map[string]struct{}
		switch {
		case e.patterns:
			other = ruleAccts
		case a.hasCompoundKind(e):
			other = patternAccts
		default:
			continue
		}
		for acct := range e.accts {
			if _, ok := other[acct]; ok {
				e.corroborate = true
				e.dirty = true
				break
			}
		}
	}
}

func (a *Aggregator) hasCompoundKind(e *entry) bool {
	for k := range e.ruleKinds {
		if a.policy.IsCompoundKind(k) {
			return true
		}
	}
	return false
}

// render refreshes the derived alert fields from merge state.
func (a *Aggregator) render(e *entry) {
	e.alert.TransactionIDs = keys(e.txIDs)
	e.alert.Accounts = keys(e.accts)
	e.alert.Provenance = keys(e.prov)
	e.alert.Corroborated = e.corroborate
	e.alert.Severity = a.severity(e)
	e.alert.RiskScore = a.riskScore(e)
	e.alert.Summary = fmt.Sprintf("%s: %s (%d accounts, %d transactions)",
		e.alert.Severity, strings.Join(e.reasons, "; "), len(e.accts), len(e.txIDs))
}

func (a *Aggregator) severity(e *entry) domain.Severity {
	switch {
	case e.corroborate:
		return a.policy.Compound
	case e.patterns:
		return a.policy.PatternOnly
	}
	sev := domain.MaxSeverity(a.policy.RuleOnly, e.maxHint)
	if sev.Rank() >= a.policy.PatternOnly.Rank() {
		sev = severityOfRank(a.policy.PatternOnly.Rank() - 1)
	}
	return sev
}

func (a *Aggregator) riskScore(e *entry) int {
	score := 0
	other := false
	for k := range e.ruleKinds {
		if k != domain.RuleThreshold && !a.policy.IsCompoundKind(k) {
			other = true
		}
	}
	if _, ok := e.ruleKinds[domain.RuleThreshold]; ok {
		score += a.weights.Threshold
	}
	if a.hasCompoundKind(e) {
		score += a.weights.HighRisk
	}
	if e.patterns {
		score += a.weights.Pattern
	}
	if other {
		score += a.weights.Other
	}
	return min(score, 100)
}

// Expire drops merge state for buckets that closed before the given time.
// Emitted alerts are unaffected; later evidence for those buckets opens new alerts.
func (a *Aggregator) Expire(before time.Time) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	dropped := 0
	for key, entries := range a.buckets {
		end := time.Unix(key, 0).Add(a.window)
		if end.After(before) {
			continue
		}
		for _, e := range entries {
			delete(a.entries, e.alert.ID)
			dropped++
		}
		delete(a.buckets, key)
	}
	for key := range a.spanned {
		if time.Unix(key, 0).Add(a.window).After(before) {
			continue
		}
		delete(a.spanned, key)
	}
	return dropped
}

// Get returns the latest emitted version of an alert still held in merge state.
func (a *Aggregator) Get(id string) (domain.Alert, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.entries[id]
	if !ok || e.alert.Seq == 0 {
		return domain.Alert{}, false
	}
	return e.alert.Clone(), true
}

// Alerts returns every alert held in merge state, ordered by sequence.
func (a *Aggregator) Alerts() []domain.Alert {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]domain.Alert, 0, len(a.entries))
	for _, e := range a.entries {
		if e.alert.Seq > 0 {
			out = append(out, e.alert.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// Seq returns the last issued sequence number.
func (a *Aggregator) Seq() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.seq
}

func (a *Aggregator) bucket(t time.Time) time.Time {
	return t.UTC().Truncate(a.window)
}

func overlaps(set map[string]struct{}, ids []string) bool {
	for _, id := range ids {
		if _, ok := set[id]; ok {
			return true
		}
	}
	return false
}

func keys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func severityOfRank(rank int) domain.Severity {
	switch {
	case rank >= 3:
		return domain.SeverityHigh
	case rank == 2:
		return domain.SeverityMedium
	default:
		return domain.SeverityLow
	}
}
