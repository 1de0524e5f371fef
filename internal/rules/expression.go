package rules

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/opensource-finance/heron/internal/domain"
)

// newCELEnv declares the variables custom expression rules can read.
// amount is a double for convenience; built-in rules compare decimals exactly.
func newCELEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("id", cel.StringType),
		cel.Variable("timestamp", cel.TimestampType),
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("currency", cel.StringType),
		cel.Variable("sender", cel.StringType),
		cel.Variable("receiver", cel.StringType),
		cel.Variable("sender_country", cel.StringType),
		cel.Variable("receiver_country", cel.StringType),
		cel.Variable("channel", cel.StringType),
		cel.Variable("self_transfer", cel.BoolType),
	)
}

func compileExpression(env *cel.Env, expr string) (cel.Program, error) {
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile expression: %w", issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("expression must return bool, got %s", ast.OutputType())
	}

	program, err := env.Program(ast, cel.InterruptCheckFrequency(100))
	if err != nil {
		return nil, fmt.Errorf("failed to create program: %w", err)
	}
	return program, nil
}

func activation(tx *domain.Transaction) map[string]any {
	return map[string]any{
		"id":               tx.ID,
		"timestamp":        tx.Timestamp,
		"amount":           tx.Amount.InexactFloat64(),
		"currency":         tx.Currency,
		"sender":           tx.SenderAccount,
		"receiver":         tx.ReceiverAccount,
		"sender_country":   tx.SenderCountry,
		"receiver_country": tx.ReceiverCountry,
		"channel":          string(tx.Channel),
		"self_transfer":    tx.SenderAccount == tx.ReceiverAccount,
	}
}

func evalExpression(ctx context.Context, r *compiledRule, tx *domain.Transaction) (*domain.RawFlag, error) {
	out, _, err := r.program.ContextEval(ctx, activation(tx))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrEvaluation, err)
	}

	hit, ok := out.(types.Bool)
	if !ok {
		return nil, fmt.Errorf("%w: expression returned %s, want bool", domain.ErrEvaluation, out.Type().TypeName())
	}
	if !hit {
		return nil, nil
	}

	reason := r.def.Description
	if reason == "" {
		reason = "expression matched: " + r.def.Expression.Expression
	}
	return newFlag(r, tx, nil, reason), nil
}
