package policy

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// exprCostLimit bounds the runtime cost of a single condition expression.
const exprCostLimit = 10_000

// ExpressionEvaluator compiles and caches CEL condition expressions. The expression
// sees amount, currency, recipient, chain, method, hour (0-23 in the policy's time
// window zone, else UTC) and balance (-1 when unknown).
type ExpressionEvaluator struct {
	env      *cel.Env
	mu       sync.RWMutex
	prgCache map[string]cel.Program
}

func NewExpressionEvaluator() (*ExpressionEvaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("amount", cel.IntType),
		cel.Variable("currency", cel.StringType),
		cel.Variable("recipient", cel.StringType),
		cel.Variable("chain", cel.StringType),
		cel.Variable("method", cel.StringType),
		cel.Variable("hour", cel.IntType),
		cel.Variable("balance", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &ExpressionEvaluator{env: env, prgCache: make(map[string]cel.Program)}, nil
}

// Compile checks that expr parses, type-checks, and yields a bool.
func (e *ExpressionEvaluator) Compile(expr string) error {
	_, err := e.program(expr)
	return err
}

func (e *ExpressionEvaluator) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, hit := e.prgCache[expr]
	e.mu.RUnlock()
	if hit {
		return prg, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if prg, hit = e.prgCache[expr]; hit {
		return prg, nil
	}

	ast, iss := e.env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("compile %q: %w", expr, iss.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("expression %q must evaluate to bool, got %s", expr, ast.OutputType())
	}
	prg, err := e.env.Program(ast, cel.CostLimit(exprCostLimit))
	if err != nil {
		return nil, fmt.Errorf("program %q: %w", expr, err)
	}
	e.prgCache[expr] = prg
	return prg, nil
}

// Eval runs expr against vars. Errors are returned, never treated as allow.
func (e *ExpressionEvaluator) Eval(expr string, vars map[string]any) (bool, error) {
	prg, err := e.program(expr)
	if err != nil {
		return false, err
	}
	out, _, err := prg.Eval(vars)
	if err != nil {
		return false, fmt.Errorf("eval %q: %w", expr, err)
	}
	allowed, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expression %q returned %T", expr, out.Value())
	}
	return allowed, nil
}
