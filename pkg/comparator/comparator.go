// Package comparator validates a canonical intent against a provider policy
// and classifies every violation by severity.
//
// The comparator is the policy gate of the pipeline: it never short-circuits
// on the first violation, so callers always see the complete violation set,
// and it never errors in normal operation. Disallowed is a verdict, not a
// failure.
package comparator

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"

	"github.com/tetrad-labs/countersign/pkg/intent"
	"github.com/tetrad-labs/countersign/pkg/policy"
)

// Severity ranks how serious a policy violation is.
type Severity string

// Severities, strongest first.
const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Category names the policy check a violation came from.
type Category string

// Violation categories.
const (
	CategoryActionNotAllowed    Category = "action_not_allowed"
	CategoryExpertiseNotAllowed Category = "expertise_not_allowed"
	CategoryBudgetExceeded      Category = "budget_exceeded"
	CategoryPolicyRuleViolation Category = "policy_rule_violation"
	CategoryPolicyRuleError     Category = "policy_rule_error"
)

// MismatchReason is one policy violation.
type MismatchReason struct {
	Severity    Severity `json:"severity"`
	Category    Category `json:"category"`
	Description string   `json:"description"`
}

// Decision is the comparator's verdict class.
type Decision string

// Verdict classes.
const (
	DecisionApproved     Decision = "approved"
	DecisionSoftMismatch Decision = "soft_mismatch"
	DecisionHardMismatch Decision = "hard_mismatch"
)

// ComparisonResult is the complete policy verdict for one intent.
// Reasons is empty exactly when Decision is approved.
type ComparisonResult struct {
	Decision Decision         `json:"decision"`
	Reasons  []MismatchReason `json:"reasons,omitempty"`
	Message  string           `json:"message"`
}

// IsApproved reports whether every check passed.
func (r ComparisonResult) IsApproved() bool { return r.Decision == DecisionApproved }

// IsSoftMismatch reports minor issues acceptable with user confirmation.
func (r ComparisonResult) IsSoftMismatch() bool { return r.Decision == DecisionSoftMismatch }

// IsHardMismatch reports violations that block automatic execution.
func (r ComparisonResult) IsHardMismatch() bool { return r.Decision == DecisionHardMismatch }

// Comparator runs the policy checks. strict is fixed at construction so an
// operator can run a stricter instance without touching call sites; the
// comparator itself is stateless and safe for concurrent use.
type Comparator struct {
	strict bool
	engine *policy.Engine
	logger *slog.Logger
}

// Option configures a Comparator.
type Option func(*Comparator)

// WithStrictMode makes high and medium severity violations hard mismatches.
func WithStrictMode() Option {
	return func(c *Comparator) { c.strict = true }
}

// WithRuleEngine attaches compiled custom policy rules.
func WithRuleEngine(engine *policy.Engine) Option {
	return func(c *Comparator) { c.engine = engine }
}

// WithLogger sets the comparator's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Comparator) { c.logger = logger }
}

// New creates a Comparator.
func New(opts ...Option) *Comparator {
	c := &Comparator{logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Compare validates the intent against the policy. All checks run
// unconditionally and accumulate into one reason list; the verdict is a pure
// function of that list.
func (c *Comparator) Compare(in intent.Intent, pol policy.ProviderPolicy) ComparisonResult {
	var reasons []MismatchReason

	c.checkAction(in, pol, &reasons)
	c.checkExpertise(in, pol, &reasons)
	c.checkBudget(in, pol, &reasons)
	c.checkRules(in, &reasons)

	result := c.categorize(reasons)

	c.logger.Debug("comparison complete",
		"action", in.Action,
		"decision", result.Decision,
		"violations", len(result.Reasons))

	return result
}

func (c *Comparator) checkAction(in intent.Intent, pol policy.ProviderPolicy, reasons *[]MismatchReason) {
	if pol.IsActionAllowed(in.Action) {
		return
	}
	c.logger.Warn("action not in allowed list", "action", in.Action)
	*reasons = append(*reasons, MismatchReason{
		Severity: SeverityCritical,
		Category: CategoryActionNotAllowed,
		Description: fmt.Sprintf("Action %q is not in the allowed actions list. Allowed actions: %q",
			in.Action, pol.AllowedActions),
	})
}

func (c *Comparator) checkExpertise(in intent.Intent, pol policy.ProviderPolicy, reasons *[]MismatchReason) {
	unauthorized := pol.UnauthorizedExpertise(in.Expertise)
	if len(unauthorized) == 0 {
		return
	}
	c.logger.Warn("requested expertise not allowed", "unauthorized", unauthorized)
	*reasons = append(*reasons, MismatchReason{
		Severity: SeverityCritical,
		Category: CategoryExpertiseNotAllowed,
		Description: fmt.Sprintf("Requested expertise areas not allowed: %q. Allowed expertise: %q",
			unauthorized, pol.AllowedExpertise),
	})
}

func (c *Comparator) checkBudget(in intent.Intent, pol policy.ProviderPolicy, reasons *[]MismatchReason) {
	requested, ok := budgetFromConstraints(in.Constraints)
	if !ok || !pol.MaxBudgetExceeded(requested) {
		return
	}
	c.logger.Warn("budget exceeds maximum", "requested", requested, "max", *pol.MaxBudget)
	*reasons = append(*reasons, MismatchReason{
		Severity: SeverityCritical,
		Category: CategoryBudgetExceeded,
		Description: fmt.Sprintf("Requested budget $%d exceeds maximum allowed budget $%d",
			requested, *pol.MaxBudget),
	})
}

// checkRules evaluates the profile's custom CEL rules. A rule that errors at
// runtime fails closed as a critical violation.
func (c *Comparator) checkRules(in intent.Intent, reasons *[]MismatchReason) {
	if c.engine == nil {
		return
	}
	for _, outcome := range c.engine.Evaluate(in) {
		if outcome.Passed {
			continue
		}
		if outcome.Err != nil {
			c.logger.Warn("policy rule errored", "rule", outcome.Rule.Name, "error", outcome.Err)
			*reasons = append(*reasons, MismatchReason{
				Severity:    SeverityCritical,
				Category:    CategoryPolicyRuleError,
				Description: fmt.Sprintf("Policy rule %q failed to evaluate: %v", outcome.Rule.Name, outcome.Err),
			})
			continue
		}
		desc := outcome.Rule.Message
		if desc == "" {
			desc = fmt.Sprintf("Policy rule %q was violated", outcome.Rule.Name)
		}
		*reasons = append(*reasons, MismatchReason{
			Severity:    severityFromString(outcome.Rule.Severity),
			Category:    CategoryPolicyRuleViolation,
			Description: desc,
		})
	}
}

func (c *Comparator) categorize(reasons []MismatchReason) ComparisonResult {
	if len(reasons) == 0 {
		return ComparisonResult{
			Decision: DecisionApproved,
			Message:  "Intent approved - all checks passed",
		}
	}

	hasCritical := false
	hasElevated := false
	for _, r := range reasons {
		switch r.Severity {
		case SeverityCritical:
			hasCritical = true
		case SeverityHigh, SeverityMedium:
			hasElevated = true
		}
	}

	if hasCritical || (c.strict && hasElevated) {
		return ComparisonResult{
			Decision: DecisionHardMismatch,
			Reasons:  reasons,
			Message:  fmt.Sprintf("Intent denied - %d violation(s) found", len(reasons)),
		}
	}

	return ComparisonResult{
		Decision: DecisionSoftMismatch,
		Reasons:  reasons,
		Message:  fmt.Sprintf("Intent requires review - %d minor issue(s) found", len(reasons)),
	}
}

func severityFromString(s string) Severity {
	switch policy.NormalizeSeverity(s) {
	case "high":
		return SeverityHigh
	case "medium":
		return SeverityMedium
	case "low":
		return SeverityLow
	default:
		return SeverityCritical
	}
}

// budgetFromConstraints extracts constraints["max_budget"] as an integer.
// Non-integer values do not trigger the budget check; they register as
// constraint dissimilarity during voting instead.
func budgetFromConstraints(constraints map[string]any) (int64, bool) {
	v, ok := constraints["max_budget"]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		if uint64(n) <= math.MaxInt64 {
			return int64(n), true
		}
	case uint64:
		if n <= math.MaxInt64 {
			return int64(n), true
		}
	case float64:
		if n == math.Trunc(n) && n >= math.MinInt64 && n <= math.MaxInt64 {
			return int64(n), true
		}
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, true
		}
	}
	return 0, false
}
