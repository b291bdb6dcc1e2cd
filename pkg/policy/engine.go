package policy

import (
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/decls"
	"github.com/google/cel-go/common/types"

	"github.com/tetrad-labs/countersign/pkg/intent"
)

// Engine compiles a policy's CEL rules once and evaluates them against
// intents. It is immutable after construction and safe for concurrent use.
//
// Evaluation fails closed: a rule that errors at runtime is reported as a
// violation, never skipped.
type Engine struct {
	env      *cel.Env
	programs []compiledRule
}

type compiledRule struct {
	rule Rule
	prg  cel.Program
}

// RuleOutcome is the result of evaluating one rule against one intent.
type RuleOutcome struct {
	Rule   Rule
	Passed bool
	// Err carries a runtime evaluation failure. A non-nil Err implies
	// Passed == false.
	Err error
}

// NewEngine compiles every rule. Compilation failures abort construction:
// a profile with a malformed rule must not load at all.
func NewEngine(rules []Rule) (*Engine, error) {
	env, err := cel.NewEnv(
		cel.VariableDecls(
			decls.NewVariable("action", types.StringType),
			decls.NewVariable("topic_id", types.StringType),
			decls.NewVariable("expertise", types.NewListType(types.StringType)),
			decls.NewVariable("constraints", types.NewMapType(types.StringType, types.DynType)),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("policy: create CEL env: %w", err)
	}

	linter := newLinter(env)

	programs := make([]compiledRule, 0, len(rules))
	for _, r := range rules {
		if err := linter.check(r.Expression); err != nil {
			return nil, fmt.Errorf("policy: rule %q: %w", r.Name, err)
		}

		ast, issues := env.Compile(r.Expression)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("policy: rule %q failed to compile: %w", r.Name, issues.Err())
		}
		if ast.OutputType() != cel.BoolType {
			return nil, fmt.Errorf("policy: rule %q must evaluate to bool, got %s", r.Name, ast.OutputType())
		}

		prg, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("policy: rule %q program construction: %w", r.Name, err)
		}
		programs = append(programs, compiledRule{rule: r, prg: prg})
	}

	return &Engine{env: env, programs: programs}, nil
}

// RuleCount reports how many rules the engine carries.
func (e *Engine) RuleCount() int { return len(e.programs) }

// Evaluate runs every rule against the intent and returns one outcome per
// rule, in profile order.
func (e *Engine) Evaluate(in intent.Intent) []RuleOutcome {
	if len(e.programs) == 0 {
		return nil
	}

	expertise := in.Expertise
	if expertise == nil {
		expertise = []string{}
	}
	constraints := in.Constraints
	if constraints == nil {
		constraints = map[string]any{}
	}

	activation := map[string]any{
		"action":      in.Action,
		"topic_id":    in.TopicID,
		"expertise":   expertise,
		"constraints": constraints,
	}

	outcomes := make([]RuleOutcome, 0, len(e.programs))
	for _, cr := range e.programs {
		val, _, err := cr.prg.Eval(activation)
		if err != nil {
			outcomes = append(outcomes, RuleOutcome{Rule: cr.rule, Passed: false, Err: err})
			continue
		}
		passed, ok := val.Value().(bool)
		outcomes = append(outcomes, RuleOutcome{Rule: cr.rule, Passed: ok && passed})
	}
	return outcomes
}
