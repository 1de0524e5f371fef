package graph

import (
	"time"

	"github.com/opensource-finance/heron/internal/domain"
	"github.com/tidwall/btree"
)

// Snapshot is a read-only frozen view of the graph for pattern scanning.
// It may be read from multiple goroutines.
type Snapshot struct {
	timeline *btree.BTreeG[edge]
	accounts int
	takenAt  time.Time
}

// NewSnapshot builds a standalone snapshot from transactions, mainly for tests
// and offline replays. Duplicate ids keep the first occurrence.
func NewSnapshot(txs []domain.Transaction) *Snapshot {
	g := New()
	for _, tx := range txs {
		_ = g.Insert(tx)
	}
	return g.Snapshot()
}

// Len returns the number of edges.
func (s *Snapshot) Len() int {
	if s == nil || s.timeline == nil {
		return 0
	}
	return s.timeline.Len()
}

// Accounts returns the number of account nodes when the snapshot was taken.
func (s *Snapshot) Accounts() int {
	return s.accounts
}

// TakenAt returns the wall-clock time the snapshot was taken.
func (s *Snapshot) TakenAt() time.Time {
	return s.takenAt
}

// Latest returns the greatest transaction timestamp, zero when empty.
func (s *Snapshot) Latest() time.Time {
	if s.Len() == 0 {
		return time.Time{}
	}
	e, _ := s.timeline.Max()
	return e.tx.Timestamp
}

// Edges returns every transaction with timestamp >= since, in timestamp order.
// A zero since returns all edges.
func (s *Snapshot) Edges(since time.Time) []domain.Transaction {
	if s.Len() == 0 {
		return nil
	}
	lo, _ := bounds(since, time.Time{})
	out := make([]domain.Transaction, 0, s.timeline.Len())
	s.timeline.Ascend(edge{at: lo}, func(e edge) bool {
		out = append(out, *e.tx)
		return true
	})
	return out
}
