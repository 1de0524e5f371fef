package pattern

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/opensource-finance/heron/internal/domain"
	"github.com/shopspring/decimal"
)

// fanWindow is the best qualifying window found for one hub account.
type fanWindow struct {
	edges      []domain.Transaction
	degree     int
	sum        decimal.Decimal
	confidence float64
}

// findFans slides a half-open window [t, t+FanWindow) over each account's
// time-ordered outgoing (fan-out) and incoming (fan-in) edges. An account
// qualifies when the window holds more distinct counterparties than
// FanBranching and the amounts sum above FanAggregate. Only the strongest
// window per account and direction is reported.
func (d *Detector) findFans(ctx context.Context, edges []domain.Transaction) ([]domain.PatternFinding, error) {
	outgoing := make(map[string][]domain.Transaction)
	incoming := make(map[string][]domain.Transaction)
	for _, e := range edges {
		if e.SenderAccount == e.ReceiverAccount {
			continue
		}
		outgoing[e.SenderAccount] = append(outgoing[e.SenderAccount], e)
		incoming[e.ReceiverAccount] = append(incoming[e.ReceiverAccount], e)
	}

	var findings []domain.PatternFinding
	for _, dir := range []struct {
		kind   domain.PatternKind
		byHub  map[string][]domain.Transaction
		remote func(domain.Transaction) string
	}{
		{domain.PatternFanOut, outgoing, func(t domain.Transaction) string { return t.ReceiverAccount }},
		{domain.PatternFanIn, incoming, func(t domain.Transaction) string { return t.SenderAccount }},
	} {
		hubs := make([]string, 0, len(dir.byHub))
		for hub := range dir.byHub {
			hubs = append(hubs, hub)
		}
		sort.Strings(hubs)

		for _, hub := range hubs {
			if err := cancelled(ctx); err != nil {
				return nil, err
			}
			series := dir.byHub[hub]
			if len(series) <= d.cfg.FanBranching {
				continue
			}
			if best := d.bestFanWindow(series, dir.remote); best != nil {
				findings = append(findings, d.fanFinding(dir.kind, hub, best, dir.remote))
			}
		}
	}
	return findings, nil
}

func (d *Detector) bestFanWindow(series []domain.Transaction, remote func(domain.Transaction) string) *fanWindow {
	width := d.cfg.FanWindow.Duration()
	counts := make(map[string]int)
	sum := decimal.Zero

	var best *fanWindow
	j := 0
	for i := range series {
		end := series[i].Timestamp.Add(width)
		for j < len(series) && series[j].Timestamp.Before(end) {
			counts[remote(series[j])]++
			sum = sum.Add(series[j].Amount)
			j++
		}

		if len(counts) > d.cfg.FanBranching && sum.GreaterThan(d.cfg.FanAggregate) {
			w := series[i:j]
			conf := d.fanConfidence(w, len(counts))
			if best == nil || conf > best.confidence || (conf == best.confidence && len(w) > len(best.edges)) {
				best = &fanWindow{edges: w, degree: len(counts), sum: sum, confidence: conf}
			}
		}

		key := remote(series[i])
		if counts[key]--; counts[key] == 0 {
			delete(counts, key)
		}
		sum = sum.Sub(series[i].Amount)
	}
	return best
}

// fanConfidence grows with degree beyond the branching factor and with how
// close amounts sit just below the reporting threshold.
func (d *Detector) fanConfidence(window []domain.Transaction, degree int) float64 {
	spread := 1 - float64(d.cfg.FanBranching)/float64(degree)

	closeness := 0.0
	if d.cfg.FanThreshold.IsPositive() {
		for _, e := range window {
			if e.Amount.LessThan(d.cfg.FanThreshold) {
				closeness += e.Amount.Div(d.cfg.FanThreshold).InexactFloat64()
			}
		}
		closeness /= float64(len(window))
	}
	return clamp01(0.5*clamp01(spread) + 0.5*clamp01(closeness))
}

func (d *Detector) fanFinding(kind domain.PatternKind, hub string, w *fanWindow, remote func(domain.Transaction) string) domain.PatternFinding {
	accounts := map[string]struct{}{hub: {}}
	ids := make([]string, 0, len(w.edges))
	for _, e := range w.edges {
		accounts[remote(e)] = struct{}{}
		ids = append(ids, e.ID)
	}
	sort.Strings(ids)

	first := w.edges[0].Timestamp
	last := w.edges[len(w.edges)-1].Timestamp

	verb := "sent to"
	if kind == domain.PatternFanIn {
		verb = "received from"
	}

	return domain.PatternFinding{
		Kind:           kind,
		TransactionIDs: ids,
		Accounts:       sortedKeys(accounts),
		Confidence:     w.confidence,
		FirstSeen:      first,
		LastSeen:       last,
		Summary: fmt.Sprintf("%s %s %d counterparties totalling %s within %s",
			hub, verb, w.degree, w.sum, last.Sub(first).Round(time.Second)),
	}
}
