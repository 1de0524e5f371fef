package main

import (
	"fmt"
	"math/rand/v2"
	"sort"
	"time"

	"github.com/opensource-finance/heron/internal/domain"
	"github.com/shopspring/decimal"
)

// Scenario kinds injected into the background stream.
const (
	kindCycle       = "cycle"
	kindFanOut      = "fan_out"
	kindFanIn       = "fan_in"
	kindStructuring = "structuring"
)

// GeneratorConfig shapes a synthetic transaction stream.
type GeneratorConfig struct {
	Seed         uint64
	RunID        string
	Start        time.Time
	Span         time.Duration
	Accounts     int
	Transactions int
	Cycles       int
	Fans         int
	Structurers  int
}

// Stream is a generated, time-ordered transaction stream with the accounts
// of every injected scenario labelled by kind.
type Stream struct {
	Transactions []domain.Transaction
	Suspicious   map[string]string
	Scenarios    map[string]int
}

type generator struct {
	cfg    GeneratorConfig
	rng    *rand.Rand
	out    *Stream
	nextID int
}

// Generate builds a deterministic stream for cfg.Seed.
func Generate(cfg GeneratorConfig) *Stream {
	g := &generator{
		cfg: cfg,
		rng: rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
		out: &Stream{
			Suspicious: make(map[string]string),
			Scenarios:  make(map[string]int),
		},
	}

	for i := 0; i < cfg.Transactions; i++ {
		from, to := g.noiseAccount(), g.noiseAccount()
		for to == from {
			to = g.noiseAccount()
		}
		g.emit(from, to, g.noiseAmount(), g.randomTime(0))
	}
	for i := 0; i < cfg.Cycles; i++ {
		g.cycle(i)
	}
	for i := 0; i < cfg.Fans; i++ {
		g.fan(i, i%2 == 0)
	}
	for i := 0; i < cfg.Structurers; i++ {
		g.structuring(i)
	}

	sort.SliceStable(g.out.Transactions, func(i, j int) bool {
		return g.out.Transactions[i].Timestamp.Before(g.out.Transactions[j].Timestamp)
	})
	return g.out
}

func (g *generator) noiseAccount() string {
	return fmt.Sprintf("acct-%05d", g.rng.IntN(g.cfg.Accounts))
}

// noiseAmount draws cents between 10.00 and 5,000.00.
func (g *generator) noiseAmount() decimal.Decimal {
	return decimal.New(1000+g.rng.Int64N(499000), -2)
}

// randomTime picks a time in the span, leaving reserve at the end for
// scenarios that need room.
func (g *generator) randomTime(reserve time.Duration) time.Time {
	room := g.cfg.Span - reserve
	if room <= 0 {
		return g.cfg.Start
	}
	return g.cfg.Start.Add(time.Duration(g.rng.Int64N(int64(room))))
}

func (g *generator) emit(from, to string, amount decimal.Decimal, ts time.Time) {
	g.nextID++
	g.out.Transactions = append(g.out.Transactions, domain.Transaction{
		ID:              fmt.Sprintf("sim-%s-%07d", g.cfg.RunID, g.nextID),
		Timestamp:       ts.UTC(),
		SenderAccount:   from,
		ReceiverAccount: to,
		Amount:          amount,
		Currency:        "USD",
		SenderCountry:   "US",
		ReceiverCountry: "US",
		Channel:         domain.ChannelWire,
	})
}

func (g *generator) label(kind string, accounts ...string) {
	for _, a := range accounts {
		g.out.Suspicious[a] = kind
	}
	g.out.Scenarios[kind]++
}

// cycle moves funds A -> B -> ... -> A, skimming a little at every hop.
func (g *generator) cycle(n int) {
	length := 3 + g.rng.IntN(3)
	accounts := make([]string, length)
	for i := range accounts {
		accounts[i] = fmt.Sprintf("cyc-%s-%d-%d", g.cfg.RunID, n, i)
	}

	ts := g.randomTime(time.Duration(length) * time.Hour)
	amount := decimal.NewFromInt(int64(6000 + g.rng.IntN(3000)))
	skim := decimal.NewFromInt(int64(50 + g.rng.IntN(200)))
	for i := range accounts {
		g.emit(accounts[i], accounts[(i+1)%length], amount, ts)
		amount = amount.Sub(skim)
		ts = ts.Add(time.Duration(20+g.rng.IntN(40)) * time.Minute)
	}
	g.label(kindCycle, accounts...)
}

// fan spreads funds from one hub to many counterparties, or gathers them in.
func (g *generator) fan(n int, out bool) {
	hub := fmt.Sprintf("fan-%s-%d-hub", g.cfg.RunID, n)
	branches := 6 + g.rng.IntN(4)
	ts := g.randomTime(6 * time.Hour)

	accounts := []string{hub}
	for i := 0; i < branches; i++ {
		leaf := fmt.Sprintf("fan-%s-%d-%d", g.cfg.RunID, n, i)
		amount := decimal.NewFromInt(int64(1800 + g.rng.IntN(1500)))
		if out {
			g.emit(hub, leaf, amount, ts)
		} else {
			g.emit(leaf, hub, amount, ts)
		}
		ts = ts.Add(time.Duration(5+g.rng.IntN(30)) * time.Minute)
		accounts = append(accounts, leaf)
	}

	kind := kindFanIn
	if out {
		kind = kindFanOut
	}
	g.label(kind, accounts...)
}

// structuring splits a large sum into transfers just below a reporting line.
func (g *generator) structuring(n int) {
	sender := fmt.Sprintf("str-%s-%d", g.cfg.RunID, n)
	parts := 4 + g.rng.IntN(3)
	ts := g.randomTime(24 * time.Hour)

	accounts := []string{sender}
	for i := 0; i < parts; i++ {
		receiver := fmt.Sprintf("str-%s-%d-r%d", g.cfg.RunID, n, i)
		g.emit(sender, receiver, decimal.New(900000+g.rng.Int64N(90000), -2), ts)
		ts = ts.Add(time.Duration(1+g.rng.IntN(3)) * time.Hour)
		accounts = append(accounts, receiver)
	}
	g.label(kindStructuring, accounts...)
}
