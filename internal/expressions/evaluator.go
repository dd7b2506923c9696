package expressions

import (
	"context"
	"fmt"
	"sort"

	"github.com/rendis/taskpilot/pkg/schema"
)

// Evaluator dispatches assertion expect clauses to the engine named by the
// assertion's lang and runs captures through jq.
type Evaluator struct {
	engines map[string]Engine
	jq      *GoJQEngine
}

// NewEvaluator builds an Evaluator with the CEL, Expr and GoJQ engines.
func NewEvaluator() (*Evaluator, error) {
	celEngine, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	return &Evaluator{
		engines: map[string]Engine{
			LangCEL:  celEngine,
			LangExpr: NewExprEngine(),
		},
		jq: NewGoJQEngine(),
	}, nil
}

func (ev *Evaluator) engine(lang string) (Engine, error) {
	if lang == "" {
		lang = LangCEL
	}
	e, ok := ev.engines[lang]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown assertion lang %q; available: cel, expr", lang)
	}
	return e, nil
}

// Expect evaluates the assertion's expect clause. An empty clause passes. A
// clause that evaluates to anything but true is evidence_mismatch.
func (ev *Evaluator) Expect(ctx context.Context, a *schema.Assertion, scope *Scope) error {
	if a == nil || a.Expect == "" {
		return nil
	}
	e, err := ev.engine(a.Lang)
	if err != nil {
		return err
	}
	out, err := e.Evaluate(ctx, a.Expect, scope.Data())
	if err != nil {
		return err
	}
	ok, isBool := out.(bool)
	if !isBool {
		return schema.NewErrorf(schema.ErrCodeEvidenceMismatch,
			"expect %q returned %T, not bool", a.Expect, out)
	}
	if !ok {
		return schema.NewErrorf(schema.ErrCodeEvidenceMismatch, "expect %q is false", a.Expect).
			WithDetails(map[string]any{"evidence": scope.Evidence})
	}
	return nil
}

// Capture runs each capture program over the evidence and returns the
// captured vars. Names are processed in sorted order.
func (ev *Evaluator) Capture(ctx context.Context, captures map[string]string, evidence map[string]any) (map[string]any, error) {
	if len(captures) == 0 {
		return nil, nil
	}
	names := make([]string, 0, len(captures))
	for n := range captures {
		names = append(names, n)
	}
	sort.Strings(names)

	out := make(map[string]any, len(captures))
	for _, n := range names {
		v, err := ev.jq.Evaluate(ctx, captures[n], evidence)
		if err != nil {
			return nil, fmt.Errorf("capture %s: %w", n, err)
		}
		out[n] = v
	}
	return out, nil
}

// CheckExpect compiles an expect clause in the given lang without running it.
func (ev *Evaluator) CheckExpect(lang, expression string) error {
	e, err := ev.engine(lang)
	if err != nil {
		return err
	}
	c, ok := e.(interface{ Check(string) error })
	if !ok {
		return nil
	}
	return c.Check(expression)
}

// CheckCapture compiles a capture program without running it.
func (ev *Evaluator) CheckCapture(expression string) error {
	return ev.jq.Check(expression)
}
