// Package engine executes trusted intents through typed function calls.
//
// Every action maps to a predefined handler with typed parameters. There is
// no path from intent fields to a free-form privileged operation: the only
// handler that touches a model (llm_chat) receives a topic identifier that
// already passed the generator's no-raw-content check, and it holds no
// privileges beyond returning text.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/tetrad-labs/countersign/pkg/generator"
	"github.com/tetrad-labs/countersign/pkg/llm"
)

// ErrUnsupportedAction is returned when no handler exists for the intent's
// action. Unlike handler failures, which are reported inside the Result,
// an unknown action is a dispatch error.
var ErrUnsupportedAction = errors.New("engine: unsupported action")

// DefaultMaxExecutionTime bounds a single intent execution.
const DefaultMaxExecutionTime = 30 * time.Second

const defaultMaxResults = 10

// Config controls execution limits.
type Config struct {
	MaxExecutionTime time.Duration
}

// DefaultConfig returns the stock limits.
func DefaultConfig() Config {
	return Config{MaxExecutionTime: DefaultMaxExecutionTime}
}

// ExecMetadata records when and how an intent ran.
type ExecMetadata struct {
	StartedAt      time.Time `json:"started_at"`
	CompletedAt    time.Time `json:"completed_at"`
	DurationMS     int64     `json:"duration_ms"`
	FunctionCalled string    `json:"function_called"`
	Warnings       []string  `json:"warnings"`
}

// Result is the structured, auditable outcome of one execution. Handler
// failures set Success false and Error; they are still a Result, not a Go
// error, so the pipeline can record them.
type Result struct {
	Success  bool            `json:"success"`
	Action   string          `json:"action"`
	Data     json.RawMessage `json:"data,omitempty"`
	Error    string          `json:"error,omitempty"`
	Metadata ExecMetadata    `json:"metadata"`
}

// Expert is one entry in the expert directory.
type Expert struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	Expertise       []string `json:"expertise"`
	Available       bool     `json:"availability"`
	HourlyRate      int64    `json:"hourly_rate"`
	ConfidenceScore float64  `json:"confidence_score"`
	Bio             string   `json:"bio,omitempty"`
	YearsExperience int      `json:"years_experience,omitempty"`
}

// DocumentSummary is the structured output of the summarize action.
type DocumentSummary struct {
	DocumentID  string    `json:"document_id"`
	Title       string    `json:"title"`
	Summary     string    `json:"summary"`
	KeyPoints   []string  `json:"key_points"`
	WordCount   int       `json:"word_count"`
	Confidence  float64   `json:"confidence"`
	GeneratedAt time.Time `json:"generated_at"`
}

// Section is one ordered block of a proposal or research report.
type Section struct {
	Heading string `json:"heading"`
	Content string `json:"content"`
	Order   int    `json:"order"`
}

// Proposal is the structured output of the draft_proposal action.
type Proposal struct {
	ID              string    `json:"id"`
	Title           string    `json:"title"`
	Sections        []Section `json:"sections"`
	CreatedAt       time.Time `json:"created_at"`
	EstimatedBudget *int64    `json:"estimated_budget,omitempty"`
	TimelineWeeks   int       `json:"timeline_weeks"`
}

// QueryHit is one knowledge-base match for the query action.
type QueryHit struct {
	ID        string  `json:"id"`
	Title     string  `json:"title"`
	Relevance float64 `json:"relevance"`
}

type handlerFunc func(ctx context.Context, trusted generator.TrustedIntent) (function string, data any, warnings []string, err error)

// Engine dispatches trusted intents to typed handlers. Safe for concurrent
// use.
type Engine struct {
	cfg      Config
	client   llm.Client
	clock    func() time.Time
	logger   *slog.Logger
	handlers map[string]handlerFunc
}

// Option configures an Engine.
type Option func(*Engine)

// WithLLMClient supplies the model client used by the llm_chat action.
func WithLLMClient(c llm.Client) Option {
	return func(e *Engine) { e.client = c }
}

// WithClock overrides the time source for tests.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.clock = clock }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// New creates an Engine. A zero MaxExecutionTime falls back to the default.
func New(cfg Config, opts ...Option) *Engine {
	if cfg.MaxExecutionTime == 0 {
		cfg.MaxExecutionTime = DefaultMaxExecutionTime
	}
	e := &Engine{
		cfg:    cfg,
		clock:  time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.handlers = map[string]handlerFunc{
		"find_experts":   e.executeFindExperts,
		"summarize":      e.executeSummarize,
		"draft_proposal": e.executeDraftProposal,
		"research":       e.executeResearch,
		"query":          e.executeQuery,
		"llm_chat":       e.executeLLMChat,
	}
	return e
}

// Actions lists the actions this engine can execute.
func (e *Engine) Actions() []string {
	out := make([]string, 0, len(e.handlers))
	for a := range e.handlers {
		out = append(out, a)
	}
	return out
}

// Execute runs the trusted intent through its typed handler.
//
// Handler failures come back as a Result with Success false so callers can
// audit them; the error return is reserved for dispatch and encoding
// problems.
func (e *Engine) Execute(ctx context.Context, trusted generator.TrustedIntent) (Result, error) {
	handler, ok := e.handlers[trusted.Action]
	if !ok {
		return Result{}, fmt.Errorf("%w: %q", ErrUnsupportedAction, trusted.Action)
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.MaxExecutionTime)
	defer cancel()

	e.logger.Info("executing intent",
		"intent_id", trusted.ID,
		"action", trusted.Action,
		"topic_id", trusted.TopicID)

	startedAt := e.clock().UTC()
	function, data, warnings, err := handler(ctx, trusted)
	completedAt := e.clock().UTC()

	if warnings == nil {
		warnings = []string{}
	}
	meta := ExecMetadata{
		StartedAt:      startedAt,
		CompletedAt:    completedAt,
		DurationMS:     completedAt.Sub(startedAt).Milliseconds(),
		FunctionCalled: function,
		Warnings:       warnings,
	}

	if err != nil {
		e.logger.Warn("intent execution failed",
			"intent_id", trusted.ID,
			"action", trusted.Action,
			"error", err)
		if meta.FunctionCalled == "" {
			meta.FunctionCalled = "unknown"
		}
		return Result{
			Success:  false,
			Action:   trusted.Action,
			Error:    err.Error(),
			Metadata: meta,
		}, nil
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return Result{}, fmt.Errorf("engine: encode result data: %w", err)
	}

	e.logger.Info("intent executed",
		"intent_id", trusted.ID,
		"function", function,
		"duration_ms", meta.DurationMS)

	return Result{
		Success:  true,
		Action:   trusted.Action,
		Data:     raw,
		Metadata: meta,
	}, nil
}

func (e *Engine) executeFindExperts(_ context.Context, trusted generator.TrustedIntent) (string, any, []string, error) {
	maxResults := constraintOrDefault(trusted.Constraints, "max_results", defaultMaxResults)
	maxBudget, hasBudget := constraintInt64(trusted.Constraints, "max_budget")

	experts := findExperts(trusted.Expertise)
	if hasBudget {
		filtered := experts[:0]
		for _, ex := range experts {
			if ex.HourlyRate <= maxBudget {
				filtered = append(filtered, ex)
			}
		}
		experts = filtered
	}
	if int64(len(experts)) > maxResults {
		experts = experts[:maxResults]
	}

	data := map[string]any{"experts": experts, "count": len(experts)}
	return "find_experts", data, nil, nil
}

func (e *Engine) executeSummarize(_ context.Context, trusted generator.TrustedIntent) (string, any, []string, error) {
	if len(trusted.ContentRefs) == 0 {
		return "summarize_document", nil, nil, errors.New("engine: no documents to summarize")
	}

	docID := trusted.ContentRefs[0]
	summary := DocumentSummary{
		DocumentID: docID,
		Title:      "Document: " + docID,
		Summary: fmt.Sprintf("This document covers %s. It provides analysis and actionable recommendations for stakeholders.",
			trusted.TopicID),
		KeyPoints: []string{
			"Market analysis shows strong growth potential",
			"Risk mitigation strategies are essential",
			"Timeline estimates are optimistic but achievable",
		},
		WordCount:   2500,
		Confidence:  0.89,
		GeneratedAt: e.clock().UTC(),
	}

	var warnings []string
	if len(trusted.ContentRefs) > 1 {
		warnings = append(warnings, fmt.Sprintf("only the first of %d documents was summarized", len(trusted.ContentRefs)))
	}

	return "summarize_document", map[string]any{"summary": summary}, warnings, nil
}

func (e *Engine) executeDraftProposal(_ context.Context, trusted generator.TrustedIntent) (string, any, []string, error) {
	budget, hasBudget := constraintInt64(trusted.Constraints, "max_budget")

	budgetLine := "TBD"
	var estimated *int64
	if hasBudget {
		budgetLine = fmt.Sprintf("$%d", budget)
		estimated = &budget
	}

	proposal := Proposal{
		ID:    "prop_" + uuid.NewString(),
		Title: "Proposal: " + trusted.TopicID,
		Sections: []Section{
			{
				Heading: "Executive Summary",
				Content: fmt.Sprintf("This proposal outlines a comprehensive approach to %s.", trusted.TopicID),
				Order:   1,
			},
			{
				Heading: "Scope of Work",
				Content: "Detailed breakdown of deliverables, milestones, and timeline.",
				Order:   2,
			},
			{
				Heading: "Team and Expertise",
				Content: "The team comprises specialists with proven track records in " + joinOr(trusted.Expertise, "the relevant areas") + ".",
				Order:   3,
			},
			{
				Heading: "Budget and Timeline",
				Content: fmt.Sprintf("Estimated budget: %s. Timeline: 12-16 weeks.", budgetLine),
				Order:   4,
			},
		},
		CreatedAt:       e.clock().UTC(),
		EstimatedBudget: estimated,
		TimelineWeeks:   14,
	}

	var warnings []string
	if !hasBudget {
		warnings = append(warnings, "Budget estimation not available")
	}

	return "draft_proposal", map[string]any{"proposal": proposal}, warnings, nil
}

func (e *Engine) executeResearch(_ context.Context, trusted generator.TrustedIntent) (string, any, []string, error) {
	report := map[string]any{
		"title":    "Research Report: " + trusted.TopicID,
		"topic_id": trusted.TopicID,
		"sections": []Section{
			{Heading: "Background", Content: "Context and prior findings for " + trusted.TopicID + ".", Order: 1},
			{Heading: "Current State", Content: "Survey of present developments and open questions.", Order: 2},
			{Heading: "Recommendations", Content: "Suggested directions for further investigation.", Order: 3},
		},
		"generated_at": e.clock().UTC(),
	}
	return "research_topic", report, nil, nil
}

func (e *Engine) executeQuery(_ context.Context, trusted generator.TrustedIntent) (string, any, []string, error) {
	maxResults := constraintOrDefault(trusted.Constraints, "max_results", defaultMaxResults)

	hits := []QueryHit{
		{ID: "doc_001", Title: "Knowledge Base Entry 1", Relevance: 0.95},
		{ID: "doc_002", Title: "Knowledge Base Entry 2", Relevance: 0.87},
	}
	if int64(len(hits)) > maxResults {
		hits = hits[:maxResults]
	}

	data := map[string]any{
		"query":       trusted.TopicID,
		"results":     hits,
		"total_count": len(hits),
	}
	return "search_knowledge", data, nil, nil
}

// executeLLMChat is the one free-form model call. The topic identifier is
// the prompt; it has already passed sanitization, and the handler holds no
// privileges beyond returning the model's text.
func (e *Engine) executeLLMChat(ctx context.Context, trusted generator.TrustedIntent) (string, any, []string, error) {
	if e.client == nil {
		return "llm_chat", nil, nil, errors.New("engine: llm client not configured")
	}

	completion, err := e.client.Complete(ctx, llm.Request{
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: trusted.TopicID},
		},
		MaxTokens: 2000,
	})
	if err != nil {
		return "llm_chat", nil, nil, fmt.Errorf("engine: llm call failed: %w", err)
	}

	data := map[string]any{
		"response": completion.Content,
		"model":    completion.Model,
		"prompt":   trusted.TopicID,
	}
	return "llm_chat", data, nil, nil
}

// builtinExperts stands in for an expert directory service. Expertise tags
// follow the parser vocabulary (ml, security, cloud, embedded, blockchain).
func builtinExperts() []Expert {
	return []Expert{
		{
			ID:              "exp_001",
			Name:            "Dr. Sarah Chen",
			Expertise:       []string{"security", "cloud"},
			Available:       true,
			HourlyRate:      250,
			ConfidenceScore: 0.95,
			Bio:             "Cloud security specialist",
			YearsExperience: 15,
		},
		{
			ID:              "exp_002",
			Name:            "James Rodriguez",
			Expertise:       []string{"ml"},
			Available:       true,
			HourlyRate:      200,
			ConfidenceScore: 0.88,
			Bio:             "ML researcher and practitioner",
			YearsExperience: 10,
		},
		{
			ID:              "exp_003",
			Name:            "Emily Watson",
			Expertise:       []string{"embedded", "security"},
			Available:       false,
			HourlyRate:      275,
			ConfidenceScore: 0.92,
			Bio:             "Embedded systems security specialist",
			YearsExperience: 12,
		},
		{
			ID:              "exp_004",
			Name:            "Priya Nair",
			Expertise:       []string{"blockchain", "security"},
			Available:       true,
			HourlyRate:      230,
			ConfidenceScore: 0.85,
			Bio:             "Distributed systems and smart contract auditing",
			YearsExperience: 8,
		},
	}
}

// findExperts returns directory entries matching any requested expertise
// area; an empty request matches everyone.
func findExperts(expertise []string) []Expert {
	all := builtinExperts()
	if len(expertise) == 0 {
		return all
	}

	wanted := make(map[string]struct{}, len(expertise))
	for _, e := range expertise {
		wanted[e] = struct{}{}
	}

	var out []Expert
	for _, ex := range all {
		for _, tag := range ex.Expertise {
			if _, ok := wanted[tag]; ok {
				out = append(out, ex)
				break
			}
		}
	}
	return out
}

// constraintInt64 reads a numeric constraint. JSON decoding yields float64,
// the rule parser yields uint64, and callers may hand in any Go integer, so
// all of those coerce; non-integral floats and other types do not.
func constraintInt64(constraints map[string]any, key string) (int64, bool) {
	switch v := constraints[key].(type) {
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case uint:
		if uint64(v) <= math.MaxInt64 {
			return int64(v), true
		}
	case uint64:
		if v <= math.MaxInt64 {
			return int64(v), true
		}
	case float64:
		if v == math.Trunc(v) && v >= math.MinInt64 && v <= math.MaxInt64 {
			return int64(v), true
		}
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return n, true
		}
	}
	return 0, false
}

func constraintOrDefault(constraints map[string]any, key string, def int64) int64 {
	if v, ok := constraintInt64(constraints, key); ok && v >= 0 {
		return v
	}
	return def
}

func joinOr(items []string, fallback string) string {
	if len(items) == 0 {
		return fallback
	}
	out := items[0]
	for _, s := range items[1:] {
		out += ", " + s
	}
	return out
}
