package graph

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/heron/internal/domain"
	"github.com/shopspring/decimal"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func tx(id, from, to string, offset time.Duration, amount int64) domain.Transaction {
	return domain.Transaction{
		ID:              id,
		Timestamp:       base.Add(offset),
		SenderAccount:   from,
		ReceiverAccount: to,
		Amount:          decimal.NewFromInt(amount),
		Currency:        "USD",
		SenderCountry:   "US",
		ReceiverCountry: "US",
		Channel:         domain.ChannelWire,
	}
}

func ids(txs []domain.Transaction) []string {
	out := make([]string, len(txs))
	for i, t := range txs {
		out[i] = t.ID
	}
	return out
}

func equalIDs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestInsertCreatesAccounts(t *testing.T) {
	g := New()
	if err := g.Insert(tx("t1", "A", "B", 0, 100)); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	if !g.HasAccount("A") || !g.HasAccount("B") {
		t.Error("expected both endpoints to exist")
	}
	if !g.Contains("t1") {
		t.Error("expected t1 to be present")
	}

	stats := g.Stats()
	if stats.Accounts != 2 || stats.Transactions != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestInsertDuplicate(t *testing.T) {
	g := New()
	_ = g.Insert(tx("t1", "A", "B", 0, 100))

	err := g.Insert(tx("t1", "C", "D", time.Minute, 5))
	if !errors.Is(err, domain.ErrDuplicateTransaction) {
		t.Fatalf("expected ErrDuplicateTransaction, got %v", err)
	}
	if !errors.Is(err, domain.ErrValidation) {
		t.Error("duplicate should be a validation error")
	}
	if g.HasAccount("C") {
		t.Error("rejected insert must not create accounts")
	}
}

func TestInsertRequiresEndpoints(t *testing.T) {
	g := New()
	err := g.Insert(tx("t1", "", "B", 0, 100))
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestHistoryOrderingAndBounds(t *testing.T) {
	g := New()
	// Out of order on purpose.
	_ = g.Insert(tx("t3", "A", "B", 3*time.Hour, 1))
	_ = g.Insert(tx("t1", "A", "C", 1*time.Hour, 1))
	_ = g.Insert(tx("t2", "D", "A", 2*time.Hour, 1))
	_ = g.Insert(tx("t4", "A", "B", 4*time.Hour, 1))
	_ = g.Insert(tx("x1", "B", "C", 2*time.Hour, 1))

	all := g.History("A", time.Time{}, time.Time{})
	if want := []string{"t1", "t2", "t3", "t4"}; !equalIDs(ids(all), want) {
		t.Errorf("expected %v, got %v", want, ids(all))
	}

	// Half-open: from inclusive, to exclusive.
	window := g.History("A", base.Add(2*time.Hour), base.Add(4*time.Hour))
	if want := []string{"t2", "t3"}; !equalIDs(ids(window), want) {
		t.Errorf("expected %v, got %v", want, ids(window))
	}

	recent := g.RecentHistory("A", base.Add(3*time.Hour))
	if want := []string{"t3", "t4"}; !equalIDs(ids(recent), want) {
		t.Errorf("expected %v, got %v", want, ids(recent))
	}

	if h := g.History("nobody", time.Time{}, time.Time{}); h != nil {
		t.Errorf("expected nil history for unknown account, got %v", h)
	}
}

func TestHistoryTiesBreakByID(t *testing.T) {
	g := New()
	_ = g.Insert(tx("b", "A", "B", 0, 1))
	_ = g.Insert(tx("a", "A", "C", 0, 1))

	got := ids(g.History("A", time.Time{}, time.Time{}))
	if want := []string{"a", "b"}; !equalIDs(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestSelfTransfer(t *testing.T) {
	g := New()
	_ = g.Insert(tx("self", "A", "A", 0, 10))

	if got := g.History("A", time.Time{}, time.Time{}); len(got) != 1 {
		t.Fatalf("expected one incident edge, got %d", len(got))
	}

	pruned := g.Prune(base.Add(time.Second))
	if len(pruned) != 1 {
		t.Fatalf("expected 1 pruned, got %d", len(pruned))
	}
	if g.HasAccount("A") {
		t.Error("expected account A to be removed after prune")
	}
}

func TestPrune(t *testing.T) {
	g := New()
	_ = g.Insert(tx("old1", "A", "B", 0, 1))
	_ = g.Insert(tx("old2", "B", "C", time.Hour, 1))
	_ = g.Insert(tx("edge", "C", "D", 2*time.Hour, 1))
	_ = g.Insert(tx("new", "C", "E", 3*time.Hour, 1))

	pruned := g.Prune(base.Add(2 * time.Hour))
	if want := []string{"old1", "old2"}; !equalIDs(ids(pruned), want) {
		t.Errorf("expected pruned %v, got %v", want, ids(pruned))
	}

	// A and B lost all edges; C, D and E remain.
	for _, acct := range []string{"A", "B"} {
		if g.HasAccount(acct) {
			t.Errorf("expected %s to be removed", acct)
		}
	}
	for _, acct := range []string{"C", "D", "E"} {
		if !g.HasAccount(acct) {
			t.Errorf("expected %s to remain", acct)
		}
	}

	// Edge exactly at the cutoff survives.
	if !g.Contains("edge") {
		t.Error("edge at cutoff must not be pruned")
	}
	if g.Contains("old1") {
		t.Error("old1 should be gone")
	}

	// Pruned ids can be inserted again at graph level.
	if err := g.Insert(tx("old1", "A", "B", 4*time.Hour, 1)); err != nil {
		t.Errorf("reinsert after prune failed: %v", err)
	}
}

func TestPruneEmpty(t *testing.T) {
	g := New()
	if pruned := g.Prune(base); len(pruned) != 0 {
		t.Errorf("expected nothing pruned, got %d", len(pruned))
	}
}

func TestLatest(t *testing.T) {
	g := New()
	if !g.Latest().IsZero() {
		t.Error("expected zero latest on empty graph")
	}
	_ = g.Insert(tx("t2", "A", "B", 2*time.Hour, 1))
	_ = g.Insert(tx("t1", "A", "B", time.Hour, 1))

	if got := g.Latest(); !got.Equal(base.Add(2 * time.Hour)) {
		t.Errorf("expected latest %v, got %v", base.Add(2*time.Hour), got)
	}
}

func TestSnapshotIsolation(t *testing.T) {
	g := New()
	_ = g.Insert(tx("t1", "A", "B", 0, 1))
	_ = g.Insert(tx("t2", "B", "C", time.Hour, 1))

	snap := g.Snapshot()

	_ = g.Insert(tx("t3", "C", "A", 2*time.Hour, 1))
	g.Prune(base.Add(30 * time.Minute))

	if snap.Len() != 2 {
		t.Errorf("snapshot should still hold 2 edges, got %d", snap.Len())
	}
	if got := ids(snap.Edges(time.Time{})); !equalIDs(got, []string{"t1", "t2"}) {
		t.Errorf("unexpected snapshot edges %v", got)
	}
	if snap.Accounts() != 3 {
		t.Errorf("expected 3 accounts in snapshot, got %d", snap.Accounts())
	}
	if !snap.Latest().Equal(base.Add(time.Hour)) {
		t.Errorf("unexpected snapshot latest %v", snap.Latest())
	}

	if got := ids(snap.Edges(base.Add(time.Hour))); !equalIDs(got, []string{"t2"}) {
		t.Errorf("expected [t2] since +1h, got %v", got)
	}
}

func TestNewSnapshot(t *testing.T) {
	snap := NewSnapshot([]domain.Transaction{
		tx("t1", "A", "B", 0, 1),
		tx("t1", "A", "B", time.Hour, 1),
		tx("t2", "B", "A", time.Hour, 1),
	})
	if snap.Len() != 2 {
		t.Errorf("expected duplicates dropped, got %d edges", snap.Len())
	}

	var empty *Snapshot
	if empty.Len() != 0 {
		t.Error("nil snapshot should be empty")
	}
}

func TestConcurrentInsertAndRead(t *testing.T) {
	g := New()
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			_ = g.Insert(tx(fmt.Sprintf("t%d", i), "A", fmt.Sprintf("R%d", i%20), time.Duration(i)*time.Second, 1))
		}
	}()

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				snap := g.Snapshot()
				edges := snap.Edges(time.Time{})
				for j := 1; j < len(edges); j++ {
					if edges[j].Timestamp.Before(edges[j-1].Timestamp) {
						t.Error("snapshot edges out of order")
						return
					}
				}
				_ = g.History("A", time.Time{}, time.Time{})
			}
		}()
	}
	wg.Wait()

	if got := g.Stats().Transactions; got != 500 {
		t.Errorf("expected 500 transactions, got %d", got)
	}
}
