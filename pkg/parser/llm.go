package parser

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tetrad-labs/countersign/pkg/intent"
	"github.com/tetrad-labs/countersign/pkg/llm"
)

// defaultSystemPrompt instructs the model to emit a single JSON intent
// document and nothing else.
const defaultSystemPrompt = `You are an intent extraction system. Parse user input and extract structured intent information.

Return ONLY a valid JSON object with this exact structure:
{
  "action": "find_experts|summarize|draft_proposal|research|query|other",
  "topic_id": "brief_snake_case_topic_id",
  "expertise": ["ml", "embedded", "security", "cloud", "blockchain"],
  "constraints": {
    "max_budget": 0,
    "max_results": 10
  },
  "confidence": 0.0-1.0
}

Rules:
- action must be a snake_case string like: find_experts, summarize, draft_proposal, research, query
- topic_id should be a brief snake_case identifier for the topic
- expertise should include areas like: ml, embedded, security, cloud, blockchain
- constraints is optional, include only if found in input
- confidence should reflect how certain you are about the parsing (0.0 to 1.0)
- Return ONLY the JSON, no other text`

// defaultParseCacheTTL bounds how long an extraction result may be reused.
const defaultParseCacheTTL = time.Hour

// ParseCache stores extraction payloads keyed by prompt hash. A cache error
// is treated as a miss; caching never blocks a parse.
type ParseCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// LLMParser extracts intents by asking a language model for a JSON document
// and validating the answer against the extraction schema.
type LLMParser struct {
	id          string
	client      llm.Client
	system      string
	temperature float64
	cache       ParseCache
	cacheTTL    time.Duration
	clock       func() time.Time
	logger      *slog.Logger
}

// LLMOption configures an LLMParser.
type LLMOption func(*LLMParser)

// WithSystemPrompt replaces the default extraction prompt.
func WithSystemPrompt(prompt string) LLMOption {
	return func(p *LLMParser) { p.system = prompt }
}

// WithTemperature sets the sampling temperature. The default of 0 keeps
// repeated extractions of the same prompt as stable as the model allows.
func WithTemperature(t float64) LLMOption {
	return func(p *LLMParser) { p.temperature = t }
}

// WithParseCache reuses extraction payloads for repeated prompts.
func WithParseCache(cache ParseCache, ttl time.Duration) LLMOption {
	return func(p *LLMParser) {
		p.cache = cache
		if ttl > 0 {
			p.cacheTTL = ttl
		}
	}
}

// WithLLMClock overrides the time source used for intent metadata.
func WithLLMClock(clock func() time.Time) LLMOption {
	return func(p *LLMParser) { p.clock = clock }
}

// WithLLMLogger sets the parser's logger.
func WithLLMLogger(logger *slog.Logger) LLMOption {
	return func(p *LLMParser) { p.logger = logger }
}

// NewLLMParser creates a model-backed parser with the given ID, for example
// "openai_v1" or "ollama_v1".
func NewLLMParser(id string, client llm.Client, opts ...LLMOption) *LLMParser {
	p := &LLMParser{
		id:       id,
		client:   client,
		system:   defaultSystemPrompt,
		cacheTTL: defaultParseCacheTTL,
		clock:    time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// llmTrustLevel grades model-backed extraction: schema validation bounds
// the output shape, but the model itself can be steered by the prompt.
const llmTrustLevel = 0.8

// ID implements Parser.
func (p *LLMParser) ID() string { return p.id }

// TrustLevel implements Parser.
func (p *LLMParser) TrustLevel() float64 { return llmTrustLevel }

// Parse implements Parser.
func (p *LLMParser) Parse(ctx context.Context, req Request) (intent.ParsedIntent, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return intent.ParsedIntent{}, ErrEmptyInput
	}

	cacheKey := p.cacheKey(req.Prompt)
	if payload, ok := p.cachedPayload(ctx, cacheKey); ok {
		return p.build(payload, req), nil
	}

	out, err := p.client.Complete(ctx, llm.Request{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: p.system},
			{Role: llm.RoleUser, Content: req.Prompt},
		},
		Temperature: p.temperature,
		ForceJSON:   true,
	})
	if err != nil {
		return intent.ParsedIntent{}, fmt.Errorf("parser: %s: %w", p.id, err)
	}

	payload, err := decodeExtraction([]byte(out.Content))
	if err != nil {
		return intent.ParsedIntent{}, fmt.Errorf("parser: %s: %w", p.id, err)
	}

	p.storePayload(ctx, cacheKey, []byte(out.Content))
	return p.build(payload, req), nil
}

func (p *LLMParser) build(payload extractionPayload, req Request) intent.ParsedIntent {
	return intentFromExtraction(payload, p.id, req.UserID, req.SessionID, p.clock())
}

func (p *LLMParser) cacheKey(prompt string) string {
	sum := sha256.Sum256([]byte(prompt))
	return "parse:" + p.id + ":" + hex.EncodeToString(sum[:])
}

func (p *LLMParser) cachedPayload(ctx context.Context, key string) (extractionPayload, bool) {
	if p.cache == nil {
		return extractionPayload{}, false
	}
	data, ok, err := p.cache.Get(ctx, key)
	if err != nil {
		p.logger.DebugContext(ctx, "parse cache unavailable", "parser_id", p.id, "error", err)
		return extractionPayload{}, false
	}
	if !ok {
		return extractionPayload{}, false
	}
	payload, err := decodeExtraction(data)
	if err != nil {
		p.logger.WarnContext(ctx, "discarding invalid cached parse", "parser_id", p.id, "error", err)
		return extractionPayload{}, false
	}
	p.logger.DebugContext(ctx, "parse cache hit", "parser_id", p.id)
	return payload, true
}

func (p *LLMParser) storePayload(ctx context.Context, key string, data []byte) {
	if p.cache == nil {
		return
	}
	if err := p.cache.Set(ctx, key, data, p.cacheTTL); err != nil {
		p.logger.DebugContext(ctx, "parse cache store failed", "parser_id", p.id, "error", err)
	}
}

// intentFromExtraction turns a validated payload into a ParsedIntent with
// fresh metadata. Cached payloads also pass through here, so a reused
// extraction still gets a new intent ID and timestamp.
func intentFromExtraction(p extractionPayload, parserID, userID, sessionID string, now time.Time) intent.ParsedIntent {
	topicID := p.TopicID
	if topicID == "" {
		topicID = "topic_" + uuid.NewString()
	}
	constraints := p.Constraints
	if constraints == nil {
		constraints = map[string]any{}
	}
	in := intent.Intent{
		Action:      p.Action,
		TopicID:     topicID,
		Expertise:   p.Expertise,
		Constraints: constraints,
		Metadata:    intent.NewMetadata(userID, sessionID, now),
	}
	return intent.NewParsedIntent(parserID, in, p.Confidence)
}
