package expressions

import "context"

// Engine evaluates expressions within flow steps.
// Three implementations: CEL (branch conditions), Expr (value expressions),
// GoJQ (output transforms).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
