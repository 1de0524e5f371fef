package rules

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/opensource-finance/heron/internal/domain"
)

// defaultHints apply when a definition carries no severity of its own.
var defaultHints = map[domain.RuleKind]domain.Severity{
	domain.RuleThreshold:       domain.SeverityLow,
	domain.RuleVelocity:        domain.SeverityLow,
	domain.RuleRoundAmount:     domain.SeverityLow,
	domain.RuleRapidSuccession: domain.SeverityLow,
	domain.RuleNewPayee:        domain.SeverityLow,
	domain.RuleExpression:      domain.SeverityLow,
	domain.RuleStructuring:     domain.SeverityMedium,
	domain.RuleHighRiskCountry: domain.SeverityMedium,
	domain.RuleHighRiskAccount: domain.SeverityMedium,
}

func newFlag(r *compiledRule, tx *domain.Transaction, txs []domain.Transaction, reason string) *domain.RawFlag {
	hint := r.def.Severity
	if hint == "" {
		hint = defaultHints[r.def.Kind]
	}

	ids := make([]string, 0, len(txs)+1)
	accounts := []string{tx.SenderAccount, tx.ReceiverAccount}
	for _, t := range txs {
		ids = append(ids, t.ID)
		accounts = append(accounts, t.ReceiverAccount)
	}
	ids = append(ids, tx.ID)

	return &domain.RawFlag{
		RuleID:         r.def.ID,
		RuleKind:       r.def.Kind,
		SeverityHint:   hint,
		TransactionIDs: sortedUnique(ids),
		Accounts:       sortedUnique(accounts),
		EvidenceTime:   tx.Timestamp,
		Reason:         reason,
	}
}

func checkThreshold(r *compiledRule, tx *domain.Transaction) *domain.RawFlag {
	limit := r.def.Threshold.Limit
	if tx.Amount.LessThan(limit) {
		return nil
	}
	return newFlag(r, tx, nil, fmt.Sprintf("amount %s %s at or above limit %s", tx.Amount, tx.Currency, limit))
}

func checkCountry(r *compiledRule, tx *domain.Transaction) *domain.RawFlag {
	var hits []string
	for _, c := range []string{tx.SenderCountry, tx.ReceiverCountry} {
		if _, ok := r.members[strings.ToUpper(c)]; ok {
			hits = append(hits, strings.ToUpper(c))
		}
	}
	if len(hits) == 0 {
		return nil
	}
	return newFlag(r, tx, nil, "high-risk country "+strings.Join(sortedUnique(hits), ","))
}

func checkAccount(r *compiledRule, tx *domain.Transaction) *domain.RawFlag {
	var hits []string
	for _, a := range []string{tx.SenderAccount, tx.ReceiverAccount} {
		if _, ok := r.members[a]; ok {
			hits = append(hits, a)
		}
	}
	if len(hits) == 0 {
		return nil
	}
	return newFlag(r, tx, nil, "high-risk account "+strings.Join(sortedUnique(hits), ","))
}

// checkStructuring looks at the sender's outgoing transactions in
// [ts - window, ts) that stayed below the sub threshold, plus tx itself.
func checkStructuring(r *compiledRule, tx *domain.Transaction, outgoing []domain.Transaction) *domain.RawFlag {
	p := r.def.Structuring
	if !tx.Amount.LessThan(p.SubThreshold) {
		return nil
	}

	parts := inWindow(outgoing, tx.Timestamp, p.Window.Duration(), func(h domain.Transaction) bool {
		return h.Amount.LessThan(p.SubThreshold)
	})

	count := len(parts) + 1
	sum := tx.Amount
	for _, h := range parts {
		sum = sum.Add(h.Amount)
	}

	if count < p.MinCount || sum.LessThan(p.AggregateLimit) {
		return nil
	}
	return newFlag(r, tx, parts, fmt.Sprintf(
		"%d transfers below %s totalling %s within %s", count, p.SubThreshold, sum, p.Window))
}

// checkVelocity counts the sender's outgoing transactions in [ts - window, ts) plus tx itself.
func checkVelocity(r *compiledRule, tx *domain.Transaction, outgoing []domain.Transaction) *domain.RawFlag {
	p := r.def.Velocity
	recent := inWindow(outgoing, tx.Timestamp, p.Window.Duration(), nil)

	count := len(recent) + 1
	if count <= p.MaxCount {
		return nil
	}
	return newFlag(r, tx, recent, fmt.Sprintf(
		"%d outgoing transfers within %s exceeds %d", count, p.Window, p.MaxCount))
}

func checkRoundAmount(r *compiledRule, tx *domain.Transaction) *domain.RawFlag {
	p := r.def.RoundAmount
	if tx.Amount.IsZero() || tx.Amount.LessThan(p.MinAmount) {
		return nil
	}
	if !tx.Amount.Mod(p.Multiple).IsZero() {
		return nil
	}
	return newFlag(r, tx, nil, fmt.Sprintf("amount %s is a round multiple of %s", tx.Amount, p.Multiple))
}

// checkRapidSuccession flags tx when the sender's previous outgoing transfer
// happened less than MinGap earlier.
func checkRapidSuccession(r *compiledRule, tx *domain.Transaction, outgoing []domain.Transaction) *domain.RawFlag {
	gap := r.def.RapidSuccession.MinGap.Duration()

	var prev *domain.Transaction
	for i := range outgoing {
		h := &outgoing[i]
		if h.Timestamp.After(tx.Timestamp) {
			continue
		}
		if prev == nil || h.Timestamp.After(prev.Timestamp) {
			prev = h
		}
	}
	if prev == nil {
		return nil
	}

	elapsed := tx.Timestamp.Sub(prev.Timestamp)
	if elapsed >= gap {
		return nil
	}
	return newFlag(r, tx, []domain.Transaction{*prev}, fmt.Sprintf(
		"outgoing transfer %s after previous, under %s", elapsed, gap))
}

// checkNewPayee flags tx when the sender sent nothing to the same receiver in
// [ts - look-back, ts).
func checkNewPayee(r *compiledRule, tx *domain.Transaction, outgoing []domain.Transaction) *domain.RawFlag {
	p := r.def.NewPayee
	if tx.Amount.LessThan(p.MinAmount) {
		return nil
	}

	paid := inWindow(outgoing, tx.Timestamp, p.LookBack.Duration(), func(h domain.Transaction) bool {
		return h.ReceiverAccount == tx.ReceiverAccount
	})
	if len(paid) > 0 {
		return nil
	}
	return newFlag(r, tx, nil, fmt.Sprintf(
		"first transfer to %s within %s", tx.ReceiverAccount, p.LookBack))
}

// inWindow returns entries with ts-window <= timestamp < ts that satisfy keep.
func inWindow(txs []domain.Transaction, ts time.Time, window time.Duration, keep func(domain.Transaction) bool) []domain.Transaction {
	from := ts.Add(-window)
	var out []domain.Transaction
	for _, h := range txs {
		if h.Timestamp.Before(from) || !h.Timestamp.Before(ts) {
			continue
		}
		if keep != nil && !keep(h) {
			continue
		}
		out = append(out, h)
	}
	return out
}

func sortedUnique(values []string) []string {
	if len(values) == 0 {
		return values
	}
	sorted := append([]string(nil), values...)
	sort.Strings(sorted)
	out := sorted[:1]
	for _, v := range sorted[1:] {
		if v != out[len(out)-1] {
			out = append(out, v)
		}
	}
	return out
}
