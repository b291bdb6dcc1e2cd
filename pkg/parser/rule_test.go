package parser

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parseRule(t *testing.T, prompt string) (action string, expertise []string, constraints map[string]any) {
	t.Helper()
	p := NewRuleParser()
	got, err := p.Parse(context.Background(), Request{Prompt: prompt, UserID: "u1", SessionID: "s1"})
	require.NoError(t, err)
	return got.Intent.Action, got.Intent.Expertise, got.Intent.Constraints
}

func TestRuleParser_FindExperts(t *testing.T) {
	p := NewRuleParser()
	got, err := p.Parse(context.Background(), Request{
		Prompt:    "Find experts in machine learning with budget $50000",
		UserID:    "u1",
		SessionID: "s1",
	})
	require.NoError(t, err)

	assert.Equal(t, "find_experts", got.Intent.Action)
	assert.Contains(t, got.Intent.Expertise, "ml")
	assert.Equal(t, 1.0, got.Confidence)
	assert.Equal(t, RuleParserID, got.ParserID)
}

func TestRuleParser_Summarize(t *testing.T) {
	action, expertise, _ := parseRule(t, "Summarize the latest research on blockchain security")
	assert.Equal(t, "summarize", action)
	assert.Contains(t, expertise, "blockchain")
	assert.Contains(t, expertise, "security")
}

func TestRuleParser_EmptyInput(t *testing.T) {
	p := NewRuleParser()

	_, err := p.Parse(context.Background(), Request{Prompt: ""})
	assert.ErrorIs(t, err, ErrEmptyInput)

	_, err = p.Parse(context.Background(), Request{Prompt: "   \n\t  "})
	assert.ErrorIs(t, err, ErrEmptyInput)
}

func TestRuleParser_BudgetExtraction(t *testing.T) {
	_, _, constraints := parseRule(t, "Find cloud experts budget: $25,000")
	assert.Equal(t, uint64(25000), constraints["max_budget"])
}

func TestRuleParser_BudgetKSuffix(t *testing.T) {
	_, _, constraints := parseRule(t, "Find experts budget $50k")
	assert.Equal(t, uint64(50000), constraints["max_budget"])
}

func TestRuleParser_MaxResults(t *testing.T) {
	_, _, constraints := parseRule(t, "Find top 5 security experts")
	assert.Equal(t, uint64(5), constraints["max_results"])
}

func TestRuleParser_MaxResultsCapped(t *testing.T) {
	_, _, constraints := parseRule(t, "Find top 500 experts")
	assert.Equal(t, uint64(100), constraints["max_results"])
}

func TestRuleParser_MultipleExpertise(t *testing.T) {
	_, expertise, _ := parseRule(t, "Find experts in machine learning and cybersecurity for cloud deployment")
	assert.Contains(t, expertise, "ml")
	assert.Contains(t, expertise, "security")
	assert.Contains(t, expertise, "cloud")
}

func TestRuleParser_TopicAfterPreposition(t *testing.T) {
	p := NewRuleParser()
	got, err := p.Parse(context.Background(), Request{
		Prompt: "Summarize the latest research on supply chain security",
	})
	require.NoError(t, err)
	assert.Contains(t, got.Intent.TopicID, "supply")
}

func TestRuleParser_TopicFallbackIsStable(t *testing.T) {
	p := NewRuleParser()
	first, err := p.Parse(context.Background(), Request{Prompt: "xyzzy plugh"})
	require.NoError(t, err)
	second, err := p.Parse(context.Background(), Request{Prompt: "xyzzy plugh"})
	require.NoError(t, err)

	assert.Equal(t, first.Intent.TopicID, second.Intent.TopicID)
	assert.Contains(t, first.Intent.TopicID, "topic_")
}

func TestRuleParser_ClockInjection(t *testing.T) {
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p := NewRuleParser(WithRuleClock(func() time.Time { return fixed }))

	got, err := p.Parse(context.Background(), Request{Prompt: "research quantum computing"})
	require.NoError(t, err)
	assert.Equal(t, fixed, got.Intent.Metadata.Timestamp)
}

func TestExtractAction(t *testing.T) {
	tests := []struct {
		prompt string
		want   string
	}{
		{"find experts in security", "find_experts"},
		{"search expert for cloud", "find_experts"},
		{"please summarize this document", "summarize"},
		{"draft proposal for AI integration", "draft_proposal"},
		{"research blockchain trends", "research"},
		{"just some random text", "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.prompt, func(t *testing.T) {
			assert.Equal(t, tt.want, extractAction(tt.prompt))
		})
	}
}

func TestExtractExpertise(t *testing.T) {
	tests := []struct {
		prompt string
		want   string
	}{
		{"machine learning project", "ml"},
		{"embedded systems and IoT", "embedded"},
		{"cybersecurity assessment", "security"},
		{"AWS cloud migration", "cloud"},
		{"ethereum smart contracts", "blockchain"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Contains(t, extractExpertise(tt.prompt), tt.want)
		})
	}
}

func TestExtractBudget(t *testing.T) {
	p := NewRuleParser()
	tests := []struct {
		prompt string
		want   uint64
		ok     bool
	}{
		{"budget $50000", 50000, true},
		{"budget: $25,000", 25000, true},
		{"budget $100k", 100000, true},
		{"budget $75K", 75000, true},
		{"no budget mentioned", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.prompt, func(t *testing.T) {
			got, ok := p.extractBudget(tt.prompt)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestExtractMaxResults(t *testing.T) {
	p := NewRuleParser()
	tests := []struct {
		prompt string
		want   uint64
		ok     bool
	}{
		{"top 5 experts", 5, true},
		{"maximum 10 results", 10, true},
		{"up to 20 items", 20, true},
		{"find some experts", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.prompt, func(t *testing.T) {
			got, ok := p.extractMaxResults(tt.prompt)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}
