// Package policy defines the provider policy a canonical intent must satisfy
// to execute automatically, plus the CEL rule engine behind custom checks.
//
// A policy combines static allow-lists (actions, expertise, budget) with
// optional CEL expressions loaded from versioned YAML profiles. Static
// checks are evaluated by the comparator; this package owns the vocabulary
// and the rule machinery.
package policy

import "strings"

// ProviderPolicy is the configured contract a canonical intent must satisfy.
// An empty AllowedActions list permits nothing; an empty AllowedExpertise
// list means "no restriction".
type ProviderPolicy struct {
	ProviderID           string   `json:"provider_id" yaml:"provider_id"`
	AllowedActions       []string `json:"allowed_actions" yaml:"allowed_actions"`
	AllowedExpertise     []string `json:"allowed_expertise" yaml:"allowed_expertise"`
	AllowedDomains       []string `json:"allowed_domains,omitempty" yaml:"allowed_domains,omitempty"`
	MaxBudget            *int64   `json:"max_budget,omitempty" yaml:"max_budget,omitempty"`
	RequireHumanApproval bool     `json:"require_human_approval" yaml:"require_human_approval"`
	Rules                []Rule   `json:"rules,omitempty" yaml:"rules,omitempty"`
}

// Rule is one custom policy check: a CEL expression over the intent's
// fields that must evaluate to true for the intent to pass.
type Rule struct {
	Name       string `json:"name" yaml:"name"`
	Expression string `json:"expression" yaml:"expression"`
	// Severity is one of "critical", "high", "medium", "low".
	// Unrecognized values escalate to critical.
	Severity string `json:"severity" yaml:"severity"`
	Message  string `json:"message" yaml:"message"`
}

// IsActionAllowed reports whether the action is on the allow-list.
// Actions compare case-sensitively: an attacker-controlled parser must not
// smuggle "Delete_Database" past an allow-list entry "delete_database".
func (p ProviderPolicy) IsActionAllowed(action string) bool {
	for _, a := range p.AllowedActions {
		if a == action {
			return true
		}
	}
	return false
}

// UnauthorizedExpertise returns the requested expertise areas absent from
// the allow-list, preserving request order. An empty allow-list authorizes
// everything.
func (p ProviderPolicy) UnauthorizedExpertise(requested []string) []string {
	if len(p.AllowedExpertise) == 0 {
		return nil
	}
	allowed := make(map[string]struct{}, len(p.AllowedExpertise))
	for _, e := range p.AllowedExpertise {
		allowed[e] = struct{}{}
	}
	var out []string
	for _, e := range requested {
		if _, ok := allowed[e]; !ok {
			out = append(out, e)
		}
	}
	return out
}

// MaxBudgetExceeded reports whether a requested budget exceeds the
// configured maximum. The comparison is strict: a request equal to the
// limit passes.
func (p ProviderPolicy) MaxBudgetExceeded(requested int64) bool {
	return p.MaxBudget != nil && requested > *p.MaxBudget
}

// NormalizeSeverity lowercases a profile-supplied severity and maps
// unrecognized values to "critical" so a typo in a profile can only make
// the policy stricter.
func NormalizeSeverity(s string) string {
	switch strings.ToLower(s) {
	case "critical", "high", "medium", "low":
		return strings.ToLower(s)
	default:
		return "critical"
	}
}
