package domain

import (
	"context"
	"fmt"
	"time"
)

// Severity ranks alerts. Compare with Rank, not string order.
type Severity string

const (
	SeverityLow    Severity = "LOW"
	SeverityMedium Severity = "MEDIUM"
	SeverityHigh   Severity = "HIGH"
)

// Rank orders severities: LOW=1, MEDIUM=2, HIGH=3, unknown=0.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	default:
		return 0
	}
}

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	return s.Rank() > 0
}

// MaxSeverity returns the higher of a and b.
func MaxSeverity(a, b Severity) Severity {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// Alert is a deduplicated, severity-ranked record of suspicious activity.
// A published Alert is never mutated; updates are published as new versions with a higher Seq.
type Alert struct {
	ID             string    `json:"id"`
	Seq            uint64    `json:"seq"`
	Version        int       `json:"version"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
	Severity       Severity  `json:"severity"`
	Provenance     []string  `json:"provenance"`
	TransactionIDs []string  `json:"transactionIds"`
	Accounts       []string  `json:"accounts"`
	Corroborated   bool      `json:"corroborated"`
	RiskScore      int       `json:"riskScore"`
	Bucket         time.Time `json:"bucket"`
	Summary        string    `json:"summary"`
}

// Clone returns a deep copy.
func (a *Alert) Clone() Alert {
	c := *a
	c.Provenance = append([]string(nil), a.Provenance...)
	c.TransactionIDs = append([]string(nil), a.TransactionIDs...)
	c.Accounts = append([]string(nil), a.Accounts...)
	return c
}

// Transition is the state change an AlertEvent announces.
type Transition string

const (
	TransitionCreated Transition = "created"
	TransitionUpdated Transition = "updated"
)

// AlertEvent is one entry of the alert stream. Seq increases monotonically per engine.
type AlertEvent struct {
	Seq        uint64     `json:"seq"`
	Transition Transition `json:"transition"`
	Alert      Alert      `json:"alert"`
}

// AlertSink receives the alert stream, in Seq order.
type AlertSink interface {
	PublishAlert(ctx context.Context, event AlertEvent) error
}

// SeverityPolicy assigns alert severities. The relative ranking
// Compound > PatternOnly > RuleOnly is enforced by Validate.
type SeverityPolicy struct {
	RuleOnly    Severity `json:"ruleOnly" yaml:"ruleOnly"`
	PatternOnly Severity `json:"patternOnly" yaml:"patternOnly"`
	Compound    Severity `json:"compound" yaml:"compound"`
	// CompoundRuleKinds are the rule kinds that escalate a pattern on the same account.
	CompoundRuleKinds []RuleKind `json:"compoundRuleKinds" yaml:"compoundRuleKinds"`
}

// DefaultSeverityPolicy returns LOW / MEDIUM / HIGH with country and account risk lists
// as compound evidence.
func DefaultSeverityPolicy() SeverityPolicy {
	return SeverityPolicy{
		RuleOnly:          SeverityLow,
		PatternOnly:       SeverityMedium,
		Compound:          SeverityHigh,
		CompoundRuleKinds: []RuleKind{RuleHighRiskCountry, RuleHighRiskAccount},
	}
}

// Validate checks the ranking constraint.
func (p SeverityPolicy) Validate() error {
	if !p.RuleOnly.Valid() || !p.PatternOnly.Valid() || !p.Compound.Valid() {
		return fmt.Errorf("%w: severity policy has unknown severities", ErrConfiguration)
	}
	if !(p.Compound.Rank() > p.PatternOnly.Rank() && p.PatternOnly.Rank() > p.RuleOnly.Rank()) {
		return fmt.Errorf("%w: severity policy must rank compound > pattern > rule", ErrConfiguration)
	}
	if len(p.CompoundRuleKinds) == 0 {
		return fmt.Errorf("%w: severity policy needs at least one compound rule kind", ErrConfiguration)
	}
	return nil
}

// IsCompoundKind reports whether flags of kind k corroborate pattern findings.
func (p SeverityPolicy) IsCompoundKind(k RuleKind) bool {
	for _, c := range p.CompoundRuleKinds {
		if c == k {
			return true
		}
	}
	return false
}

// RiskWeights scores alerts 0-100 by the evidence they carry.
type RiskWeights struct {
	Threshold int `json:"threshold" yaml:"threshold"`
	HighRisk  int `json:"highRisk" yaml:"highRisk"`
	Pattern   int `json:"pattern" yaml:"pattern"`
	Other     int `json:"other" yaml:"other"`
}

// DefaultRiskWeights mirrors the long-standing 30 / 50 / 20 scoring.
func DefaultRiskWeights() RiskWeights {
	return RiskWeights{
		Threshold: 30,
		HighRisk:  50,
		Pattern:   20,
		Other:     10,
	}
}
