// Package pattern finds laundering topologies in transaction graph snapshots:
// layering cycles, fan-out and fan-in smurfing, and dense account clusters.
package pattern

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/opensource-finance/heron/internal/domain"
	"github.com/opensource-finance/heron/internal/graph"
)

// Detector scans snapshots. It keeps no state between scans and is safe
// for concurrent use.
type Detector struct {
	cfg domain.DetectorConfig
}

// Report is the outcome of one completed scan.
type Report struct {
	Findings []domain.PatternFinding
	// Edges is the number of transactions in the snapshot.
	Edges int
	// Components is the number of nontrivial strongly connected components searched for cycles.
	Components int
	// Truncated is set when cycle enumeration hit MaxCyclesPerScan.
	Truncated bool
	Duration  time.Duration
}

// NewDetector validates the configuration.
func NewDetector(cfg domain.DetectorConfig) (*Detector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Detector{cfg: cfg}, nil
}

// Config returns the detector configuration.
func (d *Detector) Config() domain.DetectorConfig {
	return d.cfg
}

// Scan runs every detection pass over the snapshot. Findings are returned only
// when the whole scan completes; a cancelled or failed scan returns an error
// wrapping domain.ErrScan and no findings.
func (d *Detector) Scan(ctx context.Context, snap *graph.Snapshot) (report *Report, err error) {
	if snap == nil {
		return nil, fmt.Errorf("%w: nil snapshot", domain.ErrScan)
	}

	defer func() {
		if p := recover(); p != nil {
			report = nil
			err = fmt.Errorf("%w: detector panic: %v", domain.ErrScan, p)
		}
	}()

	start := time.Now()
	report = &Report{Edges: snap.Len()}
	if snap.Len() == 0 {
		report.Duration = time.Since(start)
		return report, nil
	}

	latest := snap.Latest()
	recent := snap.Edges(latest.Add(-d.cfg.CycleWindow.Duration()))

	var findings []domain.PatternFinding

	cycles, components, truncated, err := d.findCycles(ctx, recent)
	if err != nil {
		return nil, err
	}
	findings = append(findings, cycles...)
	report.Components = components
	report.Truncated = truncated

	fans, err := d.findFans(ctx, snap.Edges(time.Time{}))
	if err != nil {
		return nil, err
	}
	findings = append(findings, fans...)

	if d.cfg.ClusterMinSize > 0 {
		clusters, err := d.findClusters(ctx, recent)
		if err != nil {
			return nil, err
		}
		findings = append(findings, clusters...)
	}

	sortFindings(findings)
	report.Findings = findings
	report.Duration = time.Since(start)
	return report, nil
}

func cancelled(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: scan cancelled: %v", domain.ErrScan, err)
	}
	return nil
}

// sortFindings orders findings by kind, then accounts, then transactions.
func sortFindings(findings []domain.PatternFinding) {
	sort.SliceStable(findings, func(i, j int) bool {
		a, b := findings[i], findings[j]
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		if c := compareStrings(a.Accounts, b.Accounts); c != 0 {
			return c < 0
		}
		return compareStrings(a.TransactionIDs, b.TransactionIDs) < 0
	})
}

func compareStrings(a, b []string) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return len(a) - len(b)
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
