package expressions

import "context"

// Engine evaluates expressions within step assertions and captures.
// Three implementations: CEL (default assertions), Expr (alternative
// assertions), GoJQ (captures over evidence).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// Assertion languages accepted in Assertion.Lang.
const (
	LangCEL  = "cel"
	LangExpr = "expr"
)
