package policy

import (
	"fmt"

	"github.com/google/cel-go/cel"
	exprpb "google.golang.org/genproto/googleapis/api/expr/v1alpha1"
)

// linter rejects CEL constructs that would make a policy rule
// non-deterministic. Comparator verdicts must be pure functions of the
// intent and the profile, so re-running a pipeline with the same inputs
// yields the same verdict.
type linter struct {
	env *cel.Env
}

func newLinter(env *cel.Env) *linter {
	return &linter{env: env}
}

// check parses the expression and walks its AST for forbidden calls.
func (l *linter) check(source string) error {
	parsed, issues := l.env.Parse(source)
	if issues != nil && issues.Err() != nil {
		return fmt.Errorf("parse: %w", issues.Err())
	}

	//nolint:staticcheck // Expr() is deprecated but remains the only AST traversal entry point
	return walkExpr(parsed.Expr())
}

func walkExpr(e *exprpb.Expr) error {
	if e == nil {
		return nil
	}

	switch k := e.ExprKind.(type) {
	case *exprpb.Expr_CallExpr:
		call := k.CallExpr
		switch call.Function {
		case "now":
			return fmt.Errorf("now() is forbidden: rules must be deterministic")
		case "keys", "values":
			return fmt.Errorf("%s() is forbidden: map iteration order is non-deterministic", call.Function)
		}
		if call.Target != nil {
			if err := walkExpr(call.Target); err != nil {
				return err
			}
		}
		for _, arg := range call.Args {
			if err := walkExpr(arg); err != nil {
				return err
			}
		}

	case *exprpb.Expr_SelectExpr:
		return walkExpr(k.SelectExpr.Operand)

	case *exprpb.Expr_ListExpr:
		for _, el := range k.ListExpr.Elements {
			if err := walkExpr(el); err != nil {
				return err
			}
		}

	case *exprpb.Expr_StructExpr:
		for _, entry := range k.StructExpr.Entries {
			if mk := entry.GetMapKey(); mk != nil {
				if err := walkExpr(mk); err != nil {
					return err
				}
			}
			if err := walkExpr(entry.Value); err != nil {
				return err
			}
		}

	case *exprpb.Expr_ComprehensionExpr:
		comp := k.ComprehensionExpr
		for _, sub := range []*exprpb.Expr{
			comp.IterRange, comp.AccuInit, comp.LoopCondition, comp.LoopStep, comp.Result,
		} {
			if err := walkExpr(sub); err != nil {
				return err
			}
		}
	}

	return nil
}
