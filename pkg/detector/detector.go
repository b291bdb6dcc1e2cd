// Package detector screens raw prompts for known attack patterns before any
// parser sees them. It is a cheap regex gate, not a classifier: anything it
// blocks never reaches a model, and anything it passes still faces the
// ensemble vote and policy comparison.
package detector

import (
	"log/slog"
	"regexp"

	"golang.org/x/text/unicode/norm"
)

// Category names a class of attack pattern.
type Category string

// Detection categories.
const (
	CategoryCommandInjection Category = "command_injection"
	CategorySQLInjection     Category = "sql_injection"
	CategoryXSS              Category = "xss"
	CategoryPathTraversal    Category = "path_traversal"
	CategoryCloudAPIAbuse    Category = "cloud_api_abuse"
)

// Detection is the verdict for one input.
type Detection struct {
	Blocked  bool     `json:"blocked"`
	Category Category `json:"category,omitempty"`
	Reason   string   `json:"reason,omitempty"`
	Match    string   `json:"match,omitempty"`
}

// PatternSet is one category of patterns with its human-readable label.
type PatternSet struct {
	Category Category
	Label    string
	Patterns []*regexp.Regexp
}

// DefaultPatternSets returns the built-in attack patterns. Sets are checked
// in order and the first match wins.
func DefaultPatternSets() []PatternSet {
	return []PatternSet{
		{
			Category: CategoryCommandInjection,
			Label:    "Command injection",
			Patterns: compile(
				`(?i)\brm\s+(-rf?|--recursive)\s+[/~]`,
				`(?i)\bdd\s+if=/dev/(zero|random)\s+of=/dev/[sh]d[a-z]`,
				`(?i):\(\)\s*\{.*:\|:&\s*\};:`,
				`(?i)\b(wget|curl)\s+.+\|\s*(bash|sh|zsh)`,
				`(?i)\bchmod\s+777\s+`,
				`(?i)\bmkfs\.\w+\s+/dev/`,
				`(?i)\bformat\s+[cd]:`,
				`(?i)\b(del|erase)\s+/[sqf]\s+[cd]:\\`,
				`[;&|]\s*(rm|dd|mkfs|format|del)`,
				"`.*`",
				`\$\(.*\)`,
			),
		},
		{
			Category: CategorySQLInjection,
			Label:    "SQL injection",
			Patterns: compile(
				`(?i)(union\s+select|union\s+all\s+select)`,
				`(?i)(select\s+.*\s+from\s+.*\s+where)`,
				`(?i)(drop\s+(table|database)|truncate\s+table)`,
				`(?i)(insert\s+into|update\s+.*\s+set|delete\s+from)`,
				`(?i)(exec(\s|\()|execute(\s|\())`,
				`(?i)(xp_cmdshell|sp_executesql)`,
				`'\s*or\s+'?1'?\s*=\s*'?1`,
				`(?i)'\s*(and|or)\s+.*[<>=]`,
				`(?i);.*drop\s+`,
				`(?i)'\s*;\s*(drop|delete|update|insert)`,
				`'\s*--`,
				`'\s*/\*`,
			),
		},
		{
			Category: CategoryXSS,
			Label:    "XSS attack",
			Patterns: compile(
				`(?i)<script[^>]*>.*</script>`,
				`(?i)<script[^>]*>`,
				`(?i)javascript:`,
				`(?i)on(error|load|click|mouseover|focus)\s*=`,
				`(?i)<iframe[^>]*>`,
				`(?i)<(object|embed|applet)[^>]*>`,
				`(?i)data:text/html.*<script`,
				`(?i)<svg[^>]*>.*<script`,
			),
		},
		{
			Category: CategoryPathTraversal,
			Label:    "Path traversal",
			Patterns: compile(
				`\.\./`,
				`\.\.\\`,
				`%2e%2e/`,
				`%2e%2e\\`,
				`(?i)/(etc/passwd|etc/shadow|windows/system32)`,
				`(?i)\\(windows\\system32|winnt\\system32)`,
			),
		},
		{
			Category: CategoryCloudAPIAbuse,
			Label:    "Cloud resource manipulation",
			Patterns: compile(
				`(?i)aws\s+(ec2|s3|iam|lambda|rds)\s+(delete|terminate|destroy)`,
				`(?i)aws\s+s3\s+rm\s+--recursive`,
				`(?i)aws\s+ec2\s+(run-instances|terminate-instances)`,
				`(?i)aws\s+iam\s+(create|delete|attach|detach)`,
				`(?i)gcloud\s+(compute|storage|iam)\s+(delete|destroy)`,
				`(?i)gcloud\s+compute\s+instances\s+(delete|create)`,
				`(?i)gcloud\s+storage\s+rm\s+-r`,
				`(?i)gsutil\s+rm\s+-r`,
				`(?i)az\s+(vm|storage|iam|network)\s+.*\s*(delete|create)`,
				`(?i)az\s+vm\s+(delete|create)`,
				`(?i)terraform\s+(destroy|apply)\s+-auto-approve`,
				`(?i)kubectl\s+(delete|destroy)\s+(namespace|cluster)`,
				`(?i)docker\s+(rm|rmi|system\s+prune)\s+-[a-z]*f`,
			),
		},
	}
}

func compile(exprs ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(exprs))
	for i, expr := range exprs {
		out[i] = regexp.MustCompile(expr)
	}
	return out
}

// Detector screens inputs against its pattern sets.
type Detector struct {
	sets   []PatternSet
	logger *slog.Logger
}

// Option configures a Detector.
type Option func(*Detector)

// WithPatternSets replaces the default pattern sets.
func WithPatternSets(sets []PatternSet) Option {
	return func(d *Detector) { d.sets = sets }
}

// WithLogger sets the detector's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Detector) { d.logger = logger }
}

// New creates a Detector with the default pattern sets.
func New(opts ...Option) *Detector {
	d := &Detector{
		sets:   DefaultPatternSets(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Scan checks the input and reports the first matching category. Input is
// NFC-normalized first so a decomposed spelling cannot slip past a pattern
// written in composed form.
func (d *Detector) Scan(input string) Detection {
	normalized := norm.NFC.String(input)
	for _, set := range d.sets {
		for _, pattern := range set.Patterns {
			if pattern.MatchString(normalized) {
				d.logger.Warn("blocked malicious input",
					"category", set.Category)
				return Detection{
					Blocked:  true,
					Category: set.Category,
					Reason:   set.Label + " detected",
				}
			}
		}
	}
	return Detection{}
}

// ScanDetailed is Scan with the matched fragment included, for audit
// records and operator debugging.
func (d *Detector) ScanDetailed(input string) Detection {
	normalized := norm.NFC.String(input)
	for _, set := range d.sets {
		for _, pattern := range set.Patterns {
			if m := pattern.FindString(normalized); m != "" {
				d.logger.Warn("blocked malicious input",
					"category", set.Category,
					"match", m)
				return Detection{
					Blocked:  true,
					Category: set.Category,
					Reason:   set.Label + ": matched pattern '" + m + "'",
					Match:    m,
				}
			}
		}
	}
	return Detection{}
}
