package parser

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/tetrad-labs/countersign/pkg/intent"
)

// RuleParserID identifies the deterministic parser. Vote canonical selection
// prefers this ID because keyword extraction cannot hallucinate.
const RuleParserID = "deterministic_v1"

const (
	maxTopicIDLength = 50
	maxResultsCeil   = 100
)

// actionPatterns is ordered: the first action whose keyword matches wins.
var actionPatterns = []struct {
	action   string
	keywords []string
}{
	{"find_experts", []string{"find expert", "search expert", "locate expert", "get expert"}},
	{"summarize", []string{"summarize", "summary of", "give me a summary"}},
	{"draft_proposal", []string{"draft proposal", "create proposal", "write proposal", "proposal for"}},
	{"research", []string{"research", "investigate", "study"}},
	{"query", []string{"query", "question", "ask about", "what is"}},
}

var expertiseKeywords = []struct {
	area     string
	keywords []string
}{
	{"ml", []string{"ml", "machine learning", "ai", "artificial intelligence"}},
	{"embedded", []string{"embedded", "iot", "firmware", "microcontroller"}},
	{"security", []string{"security", "cybersecurity", "infosec", "penetration testing"}},
	{"cloud", []string{"cloud", "aws", "azure", "gcp", "kubernetes"}},
	{"blockchain", []string{"blockchain", "crypto", "web3", "ethereum"}},
}

// RuleParser extracts intents with keyword matching and fixed patterns. It
// involves no model, so its output confidence is always 1.0. Its regexes
// are compiled once at construction and held by the instance.
type RuleParser struct {
	clock        func() time.Time
	topicRe      *regexp.Regexp
	budgetRe     *regexp.Regexp
	maxResultsRe *regexp.Regexp
}

// RuleOption configures a RuleParser.
type RuleOption func(*RuleParser)

// WithRuleClock overrides the time source used for intent metadata.
func WithRuleClock(clock func() time.Time) RuleOption {
	return func(p *RuleParser) { p.clock = clock }
}

// NewRuleParser creates the deterministic parser.
func NewRuleParser(opts ...RuleOption) *RuleParser {
	p := &RuleParser{
		clock:        time.Now,
		topicRe:      regexp.MustCompile(`(?:about|on|regarding|for|in)\s+([^.?!,]+)`),
		budgetRe:     regexp.MustCompile(`budget[:\s]+\$?(\d+(?:,\d{3})*(?:\.\d{2})?)([kK])?`),
		maxResultsRe: regexp.MustCompile(`(?:max|maximum|up to|top)\s+(\d+)(?:\s+(?:results?|experts?|items?))?`),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ID implements Parser.
func (p *RuleParser) ID() string { return RuleParserID }

// TrustLevel implements Parser. Keyword extraction involves no model, so
// adversarial prompt content cannot steer it; the level is always 1.0.
func (p *RuleParser) TrustLevel() float64 { return 1.0 }

// Parse implements Parser.
func (p *RuleParser) Parse(_ context.Context, req Request) (intent.ParsedIntent, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return intent.ParsedIntent{}, ErrEmptyInput
	}

	constraints := map[string]any{}
	if budget, ok := p.extractBudget(req.Prompt); ok {
		constraints["max_budget"] = budget
	}
	if maxResults, ok := p.extractMaxResults(req.Prompt); ok {
		constraints["max_results"] = maxResults
	}

	in := intent.Intent{
		Action:      extractAction(req.Prompt),
		TopicID:     p.extractTopicID(req.Prompt),
		Expertise:   extractExpertise(req.Prompt),
		Constraints: constraints,
		Metadata:    intent.NewMetadata(req.UserID, req.SessionID, p.clock()),
	}

	return intent.NewParsedIntent(RuleParserID, in, 1.0), nil
}

func extractAction(prompt string) string {
	lower := strings.ToLower(prompt)
	for _, pattern := range actionPatterns {
		for _, keyword := range pattern.keywords {
			if strings.Contains(lower, keyword) {
				return pattern.action
			}
		}
	}
	return "unknown"
}

func extractExpertise(prompt string) []string {
	lower := strings.ToLower(prompt)
	var out []string
	for _, group := range expertiseKeywords {
		for _, keyword := range group.keywords {
			if strings.Contains(lower, keyword) {
				out = append(out, group.area)
				break
			}
		}
	}
	return out
}

func (p *RuleParser) extractTopicID(prompt string) string {
	if m := p.topicRe.FindStringSubmatch(prompt); m != nil {
		if topic := snakeCaseID(strings.TrimSpace(m[1])); topic != "" {
			return topic
		}
	}
	// No preposition phrase found. Derive a stable ID from the prompt so
	// identical prompts agree across runs.
	sum := sha256.Sum256([]byte(prompt))
	return "topic_" + hex.EncodeToString(sum[:])[:8]
}

func snakeCaseID(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		case r == ' ':
			b.WriteRune('_')
		}
	}
	id := []rune(b.String())
	if len(id) > maxTopicIDLength {
		id = id[:maxTopicIDLength]
	}
	return string(id)
}

func (p *RuleParser) extractBudget(prompt string) (uint64, bool) {
	m := p.budgetRe.FindStringSubmatch(prompt)
	if m == nil {
		return 0, false
	}
	amount, err := strconv.ParseUint(strings.ReplaceAll(m[1], ",", ""), 10, 64)
	if err != nil {
		return 0, false
	}
	if m[2] != "" {
		amount *= 1000
	}
	return amount, true
}

func (p *RuleParser) extractMaxResults(prompt string) (uint64, bool) {
	m := p.maxResultsRe.FindStringSubmatch(prompt)
	if m == nil {
		return 0, false
	}
	n, err := strconv.ParseUint(m[1], 10, 64)
	if err != nil {
		return 0, false
	}
	if n > maxResultsCeil {
		n = maxResultsCeil
	}
	return n, true
}
