package pattern

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/opensource-finance/heron/internal/domain"
)

// adjacency is a compact directed view of a set of edges. Accounts are
// numbered in lexical order so traversal order is deterministic.
type adjacency struct {
	names []string
	index map[string]int
	out   [][]int
	hops  map[[2]int][]domain.Transaction
}

func buildAdjacency(edges []domain.Transaction) *adjacency {
	accounts := make(map[string]struct{})
	for i := range edges {
		accounts[edges[i].SenderAccount] = struct{}{}
		accounts[edges[i].ReceiverAccount] = struct{}{}
	}

	adj := &adjacency{
		names: sortedKeys(accounts),
		index: make(map[string]int, len(accounts)),
		hops:  make(map[[2]int][]domain.Transaction),
	}
	for i, name := range adj.names {
		adj.index[name] = i
	}
	adj.out = make([][]int, len(adj.names))

	for _, e := range edges {
		u, v := adj.index[e.SenderAccount], adj.index[e.ReceiverAccount]
		if u == v {
			continue
		}
		key := [2]int{u, v}
		if _, seen := adj.hops[key]; !seen {
			adj.out[u] = append(adj.out[u], v)
		}
		adj.hops[key] = append(adj.hops[key], e)
	}
	for _, ns := range adj.out {
		sort.Ints(ns)
	}
	return adj
}

// strongComponents returns the strongly connected components with at least
// two accounts, each sorted, ordered by their smallest account.
func strongComponents(adj *adjacency) [][]int {
	n := len(adj.names)
	index := make([]int, n)
	low := make([]int, n)
	onStack := make([]bool, n)
	for i := range index {
		index[i] = -1
	}

	var (
		stack      []int
		counter    int
		components [][]int
	)

	var connect func(v int)
	connect = func(v int) {
		index[v] = counter
		low[v] = counter
		counter++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range adj.out[v] {
			if index[w] == -1 {
				connect(w)
				low[v] = min(low[v], low[w])
			} else if onStack[w] {
				low[v] = min(low[v], index[w])
			}
		}

		if low[v] != index[v] {
			return
		}
		var comp []int
		for {
			w := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			onStack[w] = false
			comp = append(comp, w)
			if w == v {
				break
			}
		}
		if len(comp) > 1 {
			sort.Ints(comp)
			components = append(components, comp)
		}
	}

	for v := 0; v < n; v++ {
		if index[v] == -1 {
			connect(v)
		}
	}

	sort.Slice(components, func(i, j int) bool { return components[i][0] < components[j][0] })
	return components
}

// findCycles enumerates simple cycles inside each nontrivial component.
// Every cycle is rooted at its smallest account, so it is found exactly once.
func (d *Detector) findCycles(ctx context.Context, edges []domain.Transaction) ([]domain.PatternFinding, int, bool, error) {
	adj := buildAdjacency(edges)
	components := strongComponents(adj)

	minLen, maxLen := d.cfg.MinCycleLength, d.cfg.MaxCycleLength
	limit := d.cfg.MaxCyclesPerScan

	var (
		findings  []domain.PatternFinding
		truncated bool
	)
	inComp := make([]bool, len(adj.names))
	onPath := make([]bool, len(adj.names))

	for _, comp := range components {
		if err := cancelled(ctx); err != nil {
			return nil, 0, false, err
		}
		if len(comp) < minLen {
			continue
		}
		for _, v := range comp {
			inComp[v] = true
		}

		for _, root := range comp {
			if err := cancelled(ctx); err != nil {
				return nil, 0, false, err
			}

			path := []int{root}
			onPath[root] = true

			var walk func(v int) bool
			walk = func(v int) bool {
				for _, w := range adj.out[v] {
					if !inComp[w] || w < root {
						continue
					}
					if w == root {
						if len(path) >= minLen {
							findings = append(findings, d.cycleFinding(adj, path))
							if limit > 0 && len(findings) >= limit {
								return false
							}
						}
						continue
					}
					if onPath[w] || len(path) >= maxLen {
						continue
					}
					path = append(path, w)
					onPath[w] = true
					ok := walk(w)
					onPath[w] = false
					path = path[:len(path)-1]
					if !ok {
						return false
					}
				}
				return true
			}

			complete := walk(root)
			onPath[root] = false
			if !complete {
				truncated = true
				break
			}
		}

		for _, v := range comp {
			inComp[v] = false
		}
		if truncated {
			break
		}
	}

	return findings, len(components), truncated, nil
}

func (d *Detector) cycleFinding(adj *adjacency, path []int) domain.PatternFinding {
	accounts := make([]string, len(path))
	var (
		ids         []string
		first, last time.Time
	)
	for i, v := range path {
		accounts[i] = adj.names[v]
		next := path[(i+1)%len(path)]
		for _, e := range adj.hops[[2]int{v, next}] {
			ids = append(ids, e.ID)
			if first.IsZero() || e.Timestamp.Before(first) {
				first = e.Timestamp
			}
			if e.Timestamp.After(last) {
				last = e.Timestamp
			}
		}
	}

	route := strings.Join(append(append([]string(nil), accounts...), accounts[0]), " -> ")
	span := last.Sub(first)

	window := d.cfg.CycleWindow.Duration()
	tightness := 1 - float64(span)/float64(window)
	shortness := float64(d.cfg.MinCycleLength) / float64(len(path))

	sorted := append([]string(nil), accounts...)
	sort.Strings(sorted)
	sort.Strings(ids)

	return domain.PatternFinding{
		Kind:           domain.PatternCycle,
		TransactionIDs: ids,
		Accounts:       sorted,
		Confidence:     clamp01(0.5*shortness + 0.5*clamp01(tightness)),
		FirstSeen:      first,
		LastSeen:       last,
		Summary:        fmt.Sprintf("cycle %s (%d hops) completed within %s", route, len(path), span),
	}
}
