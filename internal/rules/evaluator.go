// Package rules provides the rule set evaluator: single-transaction and
// windowed sender-history checks, plus CEL expressions for custom rules.
package rules

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/opensource-finance/heron/internal/domain"
)

// Evaluator runs a validated rule set against transactions.
// It holds no per-call state and is safe for concurrent use.
type Evaluator struct {
	env       *cel.Env
	rules     []*compiledRule
	maxWindow time.Duration
}

// compiledRule is a validated definition with its lookup sets and CEL program prepared.
type compiledRule struct {
	def     domain.RuleDefinition
	members map[string]struct{}
	program cel.Program
}

// EvalResult holds the flags and per-rule failures for one transaction.
type EvalResult struct {
	Flags    []domain.RawFlag
	Failures []domain.RuleFailure
}

// NewEvaluator validates the rule set exhaustively and compiles it.
// Any problem is returned as an error wrapping domain.ErrConfiguration.
func NewEvaluator(defs []domain.RuleDefinition) (*Evaluator, error) {
	env, err := newCELEnv()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create CEL environment: %v", domain.ErrConfiguration, err)
	}

	e := &Evaluator{env: env}
	seen := make(map[string]struct{}, len(defs))

	for i := range defs {
		def := defs[i]
		if _, dup := seen[def.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate rule id %q", domain.ErrConfiguration, def.ID)
		}
		seen[def.ID] = struct{}{}

		compiled, err := e.compile(def)
		if err != nil {
			return nil, err
		}
		e.rules = append(e.rules, compiled)

		if !def.Disabled && def.Window() > e.maxWindow {
			e.maxWindow = def.Window()
		}
	}

	return e, nil
}

// ValidateRule checks a single definition, including CEL compilation,
// without changing the loaded rule set.
func (e *Evaluator) ValidateRule(def domain.RuleDefinition) error {
	_, err := e.compile(def)
	return err
}

func (e *Evaluator) compile(def domain.RuleDefinition) (*compiledRule, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}

	c := &compiledRule{def: def}
	switch def.Kind {
	case domain.RuleHighRiskCountry:
		c.members = toSet(def.HighRiskCountry.Countries, strings.ToUpper)
	case domain.RuleHighRiskAccount:
		c.members = toSet(def.HighRiskAccount.Accounts, nil)
	case domain.RuleExpression:
		program, err := compileExpression(e.env, def.Expression.Expression)
		if err != nil {
			return nil, fmt.Errorf("%w: rule %s: %v", domain.ErrConfiguration, def.ID, err)
		}
		c.program = program
	}
	return c, nil
}

// MaxWindow is the widest history span any enabled rule looks back over.
// Callers fetch at least this much sender history before Evaluate.
func (e *Evaluator) MaxWindow() time.Duration {
	return e.maxWindow
}

// RulesCount returns the number of enabled rules.
func (e *Evaluator) RulesCount() int {
	n := 0
	for _, r := range e.rules {
		if !r.def.Disabled {
			n++
		}
	}
	return n
}

// Rules returns the loaded definitions in rule-set order.
func (e *Evaluator) Rules() []domain.RuleDefinition {
	out := make([]domain.RuleDefinition, len(e.rules))
	for i, r := range e.rules {
		out[i] = r.def
	}
	return out
}

// Evaluate runs every enabled rule against tx in rule-set order, without
// short-circuiting. history is the sender's incident transactions around
// tx.Timestamp; entries that are not outgoing from the sender, and tx itself,
// are ignored. A failing rule is reported in Failures and the rest still run.
func (e *Evaluator) Evaluate(ctx context.Context, tx *domain.Transaction, history []domain.Transaction) EvalResult {
	var result EvalResult
	outgoing := senderOutgoing(tx, history)

	for _, r := range e.rules {
		if r.def.Disabled {
			continue
		}
		flag, err := e.run(ctx, r, tx, outgoing)
		if err != nil {
			result.Failures = append(result.Failures, domain.RuleFailure{
				RuleID:        r.def.ID,
				TransactionID: tx.ID,
				Err:           err,
				Message:       err.Error(),
			})
			continue
		}
		if flag != nil {
			result.Flags = append(result.Flags, *flag)
		}
	}
	return result
}

// run evaluates one rule, converting panics into evaluation errors.
func (e *Evaluator) run(ctx context.Context, r *compiledRule, tx *domain.Transaction, outgoing []domain.Transaction) (flag *domain.RawFlag, err error) {
	defer func() {
		if p := recover(); p != nil {
			flag = nil
			err = fmt.Errorf("%w: panic: %v", domain.ErrEvaluation, p)
		}
	}()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrEvaluation, err)
	}

	switch r.def.Kind {
	case domain.RuleThreshold:
		return checkThreshold(r, tx), nil
	case domain.RuleHighRiskCountry:
		return checkCountry(r, tx), nil
	case domain.RuleStructuring:
		return checkStructuring(r, tx, outgoing), nil
	case domain.RuleVelocity:
		return checkVelocity(r, tx, outgoing), nil
	case domain.RuleHighRiskAccount:
		return checkAccount(r, tx), nil
	case domain.RuleRoundAmount:
		return checkRoundAmount(r, tx), nil
	case domain.RuleRapidSuccession:
		return checkRapidSuccession(r, tx, outgoing), nil
	case domain.RuleNewPayee:
		return checkNewPayee(r, tx, outgoing), nil
	case domain.RuleExpression:
		return evalExpression(ctx, r, tx)
	default:
		return nil, fmt.Errorf("%w: unknown rule kind %q", domain.ErrEvaluation, r.def.Kind)
	}
}

// senderOutgoing keeps the sender's outgoing transactions other than tx, in input order.
func senderOutgoing(tx *domain.Transaction, history []domain.Transaction) []domain.Transaction {
	out := make([]domain.Transaction, 0, len(history))
	for _, h := range history {
		if h.SenderAccount == tx.SenderAccount && h.ID != tx.ID {
			out = append(out, h)
		}
	}
	return out
}

func toSet(values []string, norm func(string) string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		if norm != nil {
			v = norm(v)
		}
		set[v] = struct{}{}
	}
	return set
}
