// Package graph provides the time-windowed transaction multigraph.
//
// Accounts are nodes held in an arena keyed by account id. Each node owns an
// ordered index of its incident edges keyed by (timestamp, transaction id), and
// a global timeline of all edges drives pruning and snapshots. Nodes without
// incident edges are removed, so every edge's endpoints are always present.
package graph

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/opensource-finance/heron/internal/domain"
	"github.com/tidwall/btree"
)

// edge is a transaction keyed for ordered indices. tx is shared, never mutated.
type edge struct {
	at int64
	id string
	tx *domain.Transaction
}

func edgeLess(a, b edge) bool {
	if a.at != b.at {
		return a.at < b.at
	}
	return a.id < b.id
}

func newIndex() *btree.BTreeG[edge] {
	return btree.NewBTreeGOptions(edgeLess, btree.Options{NoLocks: true})
}

type accountNode struct {
	id       string
	incident *btree.BTreeG[edge]
}

// Graph is safe for concurrent use: mutations take the write lock and
// history reads share the read lock.
type Graph struct {
	mu       sync.RWMutex
	nodes    map[string]*accountNode
	edges    map[string]edge
	timeline *btree.BTreeG[edge]
}

// New creates an empty graph.
func New() *Graph {
	return &Graph{
		nodes:    make(map[string]*accountNode),
		edges:    make(map[string]edge),
		timeline: newIndex(),
	}
}

// Insert adds the transaction as an edge, creating both account nodes if absent.
// Out-of-order timestamps are accepted; indices stay sorted.
func (g *Graph) Insert(tx domain.Transaction) error {
	if tx.ID == "" || tx.SenderAccount == "" || tx.ReceiverAccount == "" {
		return fmt.Errorf("%w: transaction id and both accounts are required", domain.ErrValidation)
	}

	stored := tx
	e := edge{at: tx.Timestamp.UnixNano(), id: tx.ID, tx: &stored}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.edges[tx.ID]; exists {
		return fmt.Errorf("%w: %s", domain.ErrDuplicateTransaction, tx.ID)
	}

	g.node(tx.SenderAccount).incident.Set(e)
	g.node(tx.ReceiverAccount).incident.Set(e)
	g.timeline.Set(e)
	g.edges[tx.ID] = e

	return nil
}

// node returns the account node, creating it. Caller holds the write lock.
func (g *Graph) node(account string) *accountNode {
	n, ok := g.nodes[account]
	if !ok {
		n = &accountNode{id: account, incident: newIndex()}
		g.nodes[account] = n
	}
	return n
}

// Prune removes every edge with timestamp strictly before the given time and
// drops accounts left without incident edges. The removed transactions are
// returned in timestamp order for archival.
func (g *Graph) Prune(before time.Time) []domain.Transaction {
	cutoff := before.UnixNano()

	g.mu.Lock()
	defer g.mu.Unlock()

	var pruned []domain.Transaction
	for {
		e, ok := g.timeline.Min()
		if !ok || e.at >= cutoff {
			break
		}
		g.timeline.Delete(e)
		delete(g.edges, e.id)
		g.detach(e.tx.SenderAccount, e)
		if e.tx.ReceiverAccount != e.tx.SenderAccount {
			g.detach(e.tx.ReceiverAccount, e)
		}
		pruned = append(pruned, *e.tx)
	}
	return pruned
}

func (g *Graph) detach(account string, e edge) {
	n, ok := g.nodes[account]
	if !ok {
		return
	}
	n.incident.Delete(e)
	if n.incident.Len() == 0 {
		delete(g.nodes, account)
	}
}

// History returns the account's incident transactions with from <= timestamp < to,
// in timestamp order. A zero from or to leaves that side unbounded.
func (g *Graph) History(account string, from, to time.Time) []domain.Transaction {
	lo, hi := bounds(from, to)

	g.mu.RLock()
	defer g.mu.RUnlock()

	n, ok := g.nodes[account]
	if !ok {
		return nil
	}

	var out []domain.Transaction
	n.incident.Ascend(edge{at: lo}, func(e edge) bool {
		if e.at >= hi {
			return false
		}
		out = append(out, *e.tx)
		return true
	})
	return out
}

// RecentHistory returns the account's incident transactions at or after since.
func (g *Graph) RecentHistory(account string, since time.Time) []domain.Transaction {
	return g.History(account, since, time.Time{})
}

// Contains reports whether the transaction id is currently in the graph.
func (g *Graph) Contains(txID string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.edges[txID]
	return ok
}

// HasAccount reports whether the account currently has a node.
func (g *Graph) HasAccount(account string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.nodes[account]
	return ok
}

// Latest returns the greatest transaction timestamp in the graph, zero when empty.
func (g *Graph) Latest() time.Time {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if e, ok := g.timeline.Max(); ok {
		return e.tx.Timestamp
	}
	return time.Time{}
}

// Stats is a point-in-time size report.
type Stats struct {
	Accounts     int `json:"accounts"`
	Transactions int `json:"transactions"`
}

// Stats returns the current node and edge counts.
func (g *Graph) Stats() Stats {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return Stats{Accounts: len(g.nodes), Transactions: len(g.edges)}
}

// Snapshot freezes the current edge set. The copy is O(1): the timeline is
// cloned copy-on-write, so later inserts and prunes never touch what the
// snapshot sees.
func (g *Graph) Snapshot() *Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	return &Snapshot{
		timeline: g.timeline.Copy(),
		accounts: len(g.nodes),
		takenAt:  time.Now().UTC(),
	}
}

func bounds(from, to time.Time) (int64, int64) {
	lo, hi := int64(math.MinInt64), int64(math.MaxInt64)
	if !from.IsZero() {
		lo = from.UnixNano()
	}
	if !to.IsZero() {
		hi = to.UnixNano()
	}
	return lo, hi
}
