package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PatternKind identifies a laundering topology found by the pattern detector.
type PatternKind string

const (
	PatternCycle   PatternKind = "cycle"
	PatternFanOut  PatternKind = "fan_out"
	PatternFanIn   PatternKind = "fan_in"
	PatternCluster PatternKind = "cluster"
)

// PatternFinding is one topology found in a graph snapshot.
// TransactionIDs and Accounts are sorted.
type PatternFinding struct {
	Kind           PatternKind `json:"kind"`
	TransactionIDs []string    `json:"transactionIds"`
	Accounts       []string    `json:"accounts"`
	Confidence     float64     `json:"confidence"`
	FirstSeen      time.Time   `json:"firstSeen"`
	LastSeen       time.Time   `json:"lastSeen"`
	Summary        string      `json:"summary"`
}

// ProvenanceKey is the provenance entry a finding contributes to an alert.
func (f *PatternFinding) ProvenanceKey() string {
	return "pattern:" + string(f.Kind)
}

// DetectorConfig tunes the pattern detector.
type DetectorConfig struct {
	// CycleWindow bounds the edges considered for cycles and clusters,
	// measured back from the latest transaction in the snapshot.
	CycleWindow    Duration `json:"cycleWindow" yaml:"cycleWindow"`
	MinCycleLength int      `json:"minCycleLength" yaml:"minCycleLength"`
	MaxCycleLength int      `json:"maxCycleLength" yaml:"maxCycleLength"`
	// MaxCyclesPerScan caps enumeration; 0 means unlimited.
	MaxCyclesPerScan int `json:"maxCyclesPerScan" yaml:"maxCyclesPerScan"`

	// FanWindow is the width of the sliding window for fan-in/fan-out.
	FanWindow Duration `json:"fanWindow" yaml:"fanWindow"`
	// FanBranching is the distinct counterparty count that must be exceeded.
	FanBranching int `json:"fanBranching" yaml:"fanBranching"`
	// FanAggregate is the total amount that must be exceeded within the window.
	FanAggregate decimal.Decimal `json:"fanAggregate" yaml:"fanAggregate"`
	// FanThreshold is the reporting threshold used to score just-below amounts.
	FanThreshold decimal.Decimal `json:"fanThreshold" yaml:"fanThreshold"`

	// ClusterMinSize enables cluster findings for weakly connected components
	// with more accounts than this; 0 disables.
	ClusterMinSize int `json:"clusterMinSize" yaml:"clusterMinSize"`
}
