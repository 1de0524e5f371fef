package pattern

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/opensource-finance/heron/internal/domain"
)

// disjointSet is a union-find over account indices.
type disjointSet struct {
	parent []int
	rank   []int
}

func newDisjointSet(n int) *disjointSet {
	ds := &disjointSet{parent: make([]int, n), rank: make([]int, n)}
	for i := range ds.parent {
		ds.parent[i] = i
	}
	return ds
}

func (ds *disjointSet) find(x int) int {
	for ds.parent[x] != x {
		ds.parent[x] = ds.parent[ds.parent[x]]
		x = ds.parent[x]
	}
	return x
}

func (ds *disjointSet) union(a, b int) {
	ra, rb := ds.find(a), ds.find(b)
	if ra == rb {
		return
	}
	switch {
	case ds.rank[ra] < ds.rank[rb]:
		ds.parent[ra] = rb
	case ds.rank[ra] > ds.rank[rb]:
		ds.parent[rb] = ra
	default:
		ds.parent[rb] = ra
		ds.rank[ra]++
	}
}

// findClusters reports weakly connected components of the recent edges with
// more than ClusterMinSize accounts.
func (d *Detector) findClusters(ctx context.Context, edges []domain.Transaction) ([]domain.PatternFinding, error) {
	adj := buildAdjacency(edges)
	ds := newDisjointSet(len(adj.names))
	for _, e := range edges {
		ds.union(adj.index[e.SenderAccount], adj.index[e.ReceiverAccount])
	}

	members := make(map[int][]int)
	for v := range adj.names {
		root := ds.find(v)
		members[root] = append(members[root], v)
	}
	byRoot := make(map[int][]domain.Transaction)
	for _, e := range edges {
		root := ds.find(adj.index[e.SenderAccount])
		byRoot[root] = append(byRoot[root], e)
	}

	roots := make([]int, 0, len(members))
	for root, accts := range members {
		if len(accts) > d.cfg.ClusterMinSize {
			roots = append(roots, root)
		}
	}
	sort.Ints(roots)

	var findings []domain.PatternFinding
	for _, root := range roots {
		if err := cancelled(ctx); err != nil {
			return nil, err
		}

		accounts := make([]string, 0, len(members[root]))
		for _, v := range members[root] {
			accounts = append(accounts, adj.names[v])
		}
		sort.Strings(accounts)

		txs := byRoot[root]
		ids := make([]string, len(txs))
		var first, last time.Time
		for i, e := range txs {
			ids[i] = e.ID
			if first.IsZero() || e.Timestamp.Before(first) {
				first = e.Timestamp
			}
			if e.Timestamp.After(last) {
				last = e.Timestamp
			}
		}
		sort.Strings(ids)

		findings = append(findings, domain.PatternFinding{
			Kind:           domain.PatternCluster,
			TransactionIDs: ids,
			Accounts:       accounts,
			Confidence:     clamp01(1 - float64(d.cfg.ClusterMinSize)/float64(len(accounts))),
			FirstSeen:      first,
			LastSeen:       last,
			Summary:        fmt.Sprintf("cluster of %d accounts linked by %d transfers", len(accounts), len(ids)),
		})
	}
	return findings, nil
}
