package main

import (
	"testing"
	"time"

	"github.com/opensource-finance/heron/internal/domain"
)

func testGeneratorConfig() GeneratorConfig {
	return GeneratorConfig{
		Seed:         7,
		RunID:        "t",
		Start:        time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		Span:         48 * time.Hour,
		Accounts:     50,
		Transactions: 200,
		Cycles:       3,
		Fans:         4,
		Structurers:  2,
	}
}

func TestGenerateDeterministic(t *testing.T) {
	a := Generate(testGeneratorConfig())
	b := Generate(testGeneratorConfig())

	if len(a.Transactions) != len(b.Transactions) {
		t.Fatalf("lengths differ: %d vs %d", len(a.Transactions), len(b.Transactions))
	}
	for i := range a.Transactions {
		x, y := a.Transactions[i], b.Transactions[i]
		if x.ID != y.ID || !x.Timestamp.Equal(y.Timestamp) || !x.Amount.Equal(y.Amount) {
			t.Fatalf("transaction %d differs: %+v vs %+v", i, x, y)
		}
	}
}

func TestGenerateStream(t *testing.T) {
	cfg := testGeneratorConfig()
	s := Generate(cfg)

	t.Run("time ordered within span", func(t *testing.T) {
		end := cfg.Start.Add(cfg.Span)
		for i, tx := range s.Transactions {
			if tx.Timestamp.Before(cfg.Start) || tx.Timestamp.After(end) {
				t.Errorf("transaction %s at %v outside span", tx.ID, tx.Timestamp)
			}
			if i > 0 && tx.Timestamp.Before(s.Transactions[i-1].Timestamp) {
				t.Fatalf("transaction %d out of order", i)
			}
		}
	})

	t.Run("valid transactions", func(t *testing.T) {
		v := domain.NewTransactionValidator(nil)
		ids := make(map[string]bool)
		for i := range s.Transactions {
			tx := &s.Transactions[i]
			if err := v.Validate(tx); err != nil {
				t.Fatalf("invalid transaction %s: %v", tx.ID, err)
			}
			if ids[tx.ID] {
				t.Fatalf("duplicate id %s", tx.ID)
			}
			ids[tx.ID] = true
		}
	})

	t.Run("scenarios labelled", func(t *testing.T) {
		if s.Scenarios[kindCycle] != cfg.Cycles {
			t.Errorf("expected %d cycles, got %d", cfg.Cycles, s.Scenarios[kindCycle])
		}
		if s.Scenarios[kindFanOut]+s.Scenarios[kindFanIn] != cfg.Fans {
			t.Errorf("expected %d fans, got %d", cfg.Fans, s.Scenarios[kindFanOut]+s.Scenarios[kindFanIn])
		}
		if s.Scenarios[kindStructuring] != cfg.Structurers {
			t.Errorf("expected %d structurers, got %d", cfg.Structurers, s.Scenarios[kindStructuring])
		}
		for acct := range s.Suspicious {
			if len(acct) > 4 && acct[:5] == "acct-" {
				t.Errorf("background account %s labelled", acct)
			}
		}
	})

	t.Run("structuring stays below reporting line", func(t *testing.T) {
		for _, tx := range s.Transactions {
			if s.Suspicious[tx.SenderAccount] != kindStructuring {
				continue
			}
			if f, _ := tx.Amount.Float64(); f < 9000 || f >= 10000 {
				t.Errorf("structuring part %s amount %s out of band", tx.ID, tx.Amount)
			}
		}
	})
}
