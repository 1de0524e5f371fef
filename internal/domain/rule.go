package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// RuleKind is the closed set of rule variants the evaluator understands.
type RuleKind string

const (
	RuleThreshold       RuleKind = "threshold"
	RuleHighRiskCountry RuleKind = "high_risk_country"
	RuleStructuring     RuleKind = "structuring"
	RuleVelocity        RuleKind = "velocity"
	RuleHighRiskAccount RuleKind = "high_risk_account"
	RuleRoundAmount     RuleKind = "round_amount"
	RuleRapidSuccession RuleKind = "rapid_succession"
	RuleNewPayee        RuleKind = "new_payee"
	RuleExpression      RuleKind = "expression"
)

// RuleKinds lists every supported kind in documentation order.
func RuleKinds() []RuleKind {
	return []RuleKind{
		RuleThreshold, RuleHighRiskCountry, RuleStructuring, RuleVelocity,
		RuleHighRiskAccount, RuleRoundAmount, RuleRapidSuccession, RuleNewPayee, RuleExpression,
	}
}

// RuleDefinition is one entry of a rule set. Exactly one params block is set,
// and it must match Kind.
type RuleDefinition struct {
	ID          string   `json:"id" yaml:"id"`
	Name        string   `json:"name,omitempty" yaml:"name,omitempty"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Kind        RuleKind `json:"kind" yaml:"kind"`
	Severity    Severity `json:"severity,omitempty" yaml:"severity,omitempty"`
	Disabled    bool     `json:"disabled,omitempty" yaml:"disabled,omitempty"`

	Threshold       *ThresholdParams       `json:"threshold,omitempty" yaml:"threshold,omitempty"`
	HighRiskCountry *CountryParams         `json:"highRiskCountry,omitempty" yaml:"highRiskCountry,omitempty"`
	Structuring     *StructuringParams     `json:"structuring,omitempty" yaml:"structuring,omitempty"`
	Velocity        *VelocityParams        `json:"velocity,omitempty" yaml:"velocity,omitempty"`
	HighRiskAccount *AccountParams         `json:"highRiskAccount,omitempty" yaml:"highRiskAccount,omitempty"`
	RoundAmount     *RoundAmountParams     `json:"roundAmount,omitempty" yaml:"roundAmount,omitempty"`
	RapidSuccession *RapidSuccessionParams `json:"rapidSuccession,omitempty" yaml:"rapidSuccession,omitempty"`
	NewPayee        *NewPayeeParams        `json:"newPayee,omitempty" yaml:"newPayee,omitempty"`
	Expression      *ExpressionParams      `json:"expression,omitempty" yaml:"expression,omitempty"`
}

// ThresholdParams flags amount >= Limit.
type ThresholdParams struct {
	Limit decimal.Decimal `json:"limit" yaml:"limit"`
}

// CountryParams flags when either party's country is in Countries (ISO 3166-1 alpha-2).
type CountryParams struct {
	Countries []string `json:"countries" yaml:"countries"`
}

// StructuringParams flags a sender splitting funds below SubThreshold.
type StructuringParams struct {
	SubThreshold   decimal.Decimal `json:"subThreshold" yaml:"subThreshold"`
	AggregateLimit decimal.Decimal `json:"aggregateLimit" yaml:"aggregateLimit"`
	Window         Duration        `json:"window" yaml:"window"`
	MinCount       int             `json:"minCount" yaml:"minCount"`
}

// VelocityParams flags more than MaxCount outgoing transactions within Window.
type VelocityParams struct {
	MaxCount int      `json:"maxCount" yaml:"maxCount"`
	Window   Duration `json:"window" yaml:"window"`
}

// AccountParams flags when either party is a listed account.
type AccountParams struct {
	Accounts []string `json:"accounts" yaml:"accounts"`
}

// RoundAmountParams flags amounts that are exact multiples of Multiple, at or above MinAmount.
type RoundAmountParams struct {
	Multiple  decimal.Decimal `json:"multiple" yaml:"multiple"`
	MinAmount decimal.Decimal `json:"minAmount" yaml:"minAmount"`
}

// RapidSuccessionParams flags an outgoing transaction less than MinGap after the sender's previous one.
type RapidSuccessionParams struct {
	MinGap Duration `json:"minGap" yaml:"minGap"`
}

// NewPayeeParams flags the first transfer from a sender to a receiver within
// LookBack, at or above MinAmount. The graph only holds the retention horizon,
// so a LookBack beyond it behaves like the retention.
type NewPayeeParams struct {
	LookBack  Duration        `json:"lookBack" yaml:"lookBack"`
	MinAmount decimal.Decimal `json:"minAmount" yaml:"minAmount"`
}

// ExpressionParams holds a CEL expression that must evaluate to bool.
type ExpressionParams struct {
	Expression string `json:"expression" yaml:"expression"`
}

// Window returns the history span the rule needs, zero for single-transaction rules.
func (d *RuleDefinition) Window() time.Duration {
	switch d.Kind {
	case RuleStructuring:
		if d.Structuring != nil {
			return d.Structuring.Window.Duration()
		}
	case RuleVelocity:
		if d.Velocity != nil {
			return d.Velocity.Window.Duration()
		}
	case RuleRapidSuccession:
		if d.RapidSuccession != nil {
			return d.RapidSuccession.MinGap.Duration()
		}
	case RuleNewPayee:
		if d.NewPayee != nil {
			return d.NewPayee.LookBack.Duration()
		}
	}
	return 0
}

// Validate checks the definition exhaustively. Errors wrap ErrConfiguration.
// Expression compilation is checked by the evaluator, which owns the CEL environment.
func (d *RuleDefinition) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("%w: rule id is required", ErrConfiguration)
	}
	if d.Severity != "" && !d.Severity.Valid() {
		return fmt.Errorf("%w: rule %s: unknown severity %q", ErrConfiguration, d.ID, d.Severity)
	}

	set := 0
	for _, present := range []bool{
		d.Threshold != nil, d.HighRiskCountry != nil, d.Structuring != nil, d.Velocity != nil,
		d.HighRiskAccount != nil, d.RoundAmount != nil, d.RapidSuccession != nil, d.NewPayee != nil,
		d.Expression != nil,
	} {
		if present {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("%w: rule %s: exactly one params block is required, got %d", ErrConfiguration, d.ID, set)
	}

	switch d.Kind {
	case RuleThreshold:
		if d.Threshold == nil {
			return d.mismatch()
		}
		if !d.Threshold.Limit.IsPositive() {
			return fmt.Errorf("%w: rule %s: threshold limit must be positive", ErrConfiguration, d.ID)
		}
	case RuleHighRiskCountry:
		if d.HighRiskCountry == nil {
			return d.mismatch()
		}
		if len(d.HighRiskCountry.Countries) == 0 {
			return fmt.Errorf("%w: rule %s: risk country set is empty", ErrConfiguration, d.ID)
		}
		for _, c := range d.HighRiskCountry.Countries {
			if len(c) != 2 {
				return fmt.Errorf("%w: rule %s: country %q is not ISO 3166-1 alpha-2", ErrConfiguration, d.ID, c)
			}
		}
	case RuleStructuring:
		p := d.Structuring
		if p == nil {
			return d.mismatch()
		}
		switch {
		case !p.SubThreshold.IsPositive():
			return fmt.Errorf("%w: rule %s: sub threshold must be positive", ErrConfiguration, d.ID)
		case !p.AggregateLimit.IsPositive():
			return fmt.Errorf("%w: rule %s: aggregate limit must be positive", ErrConfiguration, d.ID)
		case p.Window <= 0:
			return fmt.Errorf("%w: rule %s: window must be positive", ErrConfiguration, d.ID)
		case p.MinCount < 2:
			return fmt.Errorf("%w: rule %s: min count must be at least 2", ErrConfiguration, d.ID)
		}
	case RuleVelocity:
		p := d.Velocity
		if p == nil {
			return d.mismatch()
		}
		if p.Window <= 0 {
			return fmt.Errorf("%w: rule %s: window must be positive", ErrConfiguration, d.ID)
		}
		if p.MaxCount < 1 {
			return fmt.Errorf("%w: rule %s: max count must be at least 1", ErrConfiguration, d.ID)
		}
	case RuleHighRiskAccount:
		if d.HighRiskAccount == nil {
			return d.mismatch()
		}
		if len(d.HighRiskAccount.Accounts) == 0 {
			return fmt.Errorf("%w: rule %s: risk account set is empty", ErrConfiguration, d.ID)
		}
	case RuleRoundAmount:
		if d.RoundAmount == nil {
			return d.mismatch()
		}
		if !d.RoundAmount.Multiple.IsPositive() {
			return fmt.Errorf("%w: rule %s: multiple must be positive", ErrConfiguration, d.ID)
		}
		if d.RoundAmount.MinAmount.IsNegative() {
			return fmt.Errorf("%w: rule %s: min amount must not be negative", ErrConfiguration, d.ID)
		}
	case RuleRapidSuccession:
		if d.RapidSuccession == nil {
			return d.mismatch()
		}
		if d.RapidSuccession.MinGap <= 0 {
			return fmt.Errorf("%w: rule %s: min gap must be positive", ErrConfiguration, d.ID)
		}
	case RuleNewPayee:
		if d.NewPayee == nil {
			return d.mismatch()
		}
		if d.NewPayee.LookBack <= 0 {
			return fmt.Errorf("%w: rule %s: look-back must be positive", ErrConfiguration, d.ID)
		}
		if d.NewPayee.MinAmount.IsNegative() {
			return fmt.Errorf("%w: rule %s: min amount must not be negative", ErrConfiguration, d.ID)
		}
	case RuleExpression:
		if d.Expression == nil {
			return d.mismatch()
		}
		if d.Expression.Expression == "" {
			return fmt.Errorf("%w: rule %s: expression is empty", ErrConfiguration, d.ID)
		}
	default:
		return fmt.Errorf("%w: rule %s: unknown kind %q", ErrConfiguration, d.ID, d.Kind)
	}
	return nil
}

func (d *RuleDefinition) mismatch() error {
	return fmt.Errorf("%w: rule %s: params block does not match kind %q", ErrConfiguration, d.ID, d.Kind)
}

// RawFlag is a single rule hit emitted by the evaluator.
type RawFlag struct {
	RuleID         string    `json:"ruleId"`
	RuleKind       RuleKind  `json:"ruleKind"`
	SeverityHint   Severity  `json:"severityHint"`
	TransactionIDs []string  `json:"transactionIds"`
	Accounts       []string  `json:"accounts"`
	EvidenceTime   time.Time `json:"evidenceTime"`
	Reason         string    `json:"reason"`
}

// RuleFailure records a rule that could not be evaluated for a transaction.
type RuleFailure struct {
	RuleID        string `json:"ruleId"`
	TransactionID string `json:"transactionId"`
	Err           error  `json:"-"`
	Message       string `json:"message"`
}

func (f RuleFailure) Error() string {
	return fmt.Sprintf("rule %s on transaction %s: %s", f.RuleID, f.TransactionID, f.Message)
}

func (f RuleFailure) Unwrap() error {
	return f.Err
}
