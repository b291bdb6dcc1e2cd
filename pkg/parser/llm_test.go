package parser

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tetrad-labs/countersign/pkg/llm"
)

type scriptedClient struct {
	content string
	err     error
	calls   int
	lastReq llm.Request
}

func (s *scriptedClient) Complete(ctx context.Context, req llm.Request) (*llm.Completion, error) {
	s.calls++
	s.lastReq = req
	if s.err != nil {
		return nil, s.err
	}
	return &llm.Completion{Content: s.content, Model: "test-model"}, nil
}

type mapCache struct {
	data map[string][]byte
	sets int
}

func newMapCache() *mapCache { return &mapCache{data: map[string][]byte{}} }

func (m *mapCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *mapCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.sets++
	m.data[key] = value
	return nil
}

const validExtraction = `{
	"action": "research",
	"topic_id": "quantum_computing",
	"expertise": ["ml"],
	"constraints": {"max_results": 10},
	"confidence": 0.92
}`

func TestLLMParser_Parse(t *testing.T) {
	client := &scriptedClient{content: validExtraction}
	p := NewLLMParser("openai_v1", client)

	got, err := p.Parse(context.Background(), Request{
		Prompt:    "research quantum computing",
		UserID:    "u1",
		SessionID: "s1",
	})
	require.NoError(t, err)

	assert.Equal(t, "openai_v1", got.ParserID)
	assert.Equal(t, "research", got.Intent.Action)
	assert.Equal(t, "quantum_computing", got.Intent.TopicID)
	assert.Equal(t, []string{"ml"}, got.Intent.Expertise)
	assert.Equal(t, float64(10), got.Intent.Constraints["max_results"])
	assert.InDelta(t, 0.92, got.Confidence, 1e-9)
	assert.Equal(t, "u1", got.Intent.Metadata.UserID)

	require.Len(t, client.lastReq.Messages, 2)
	assert.Equal(t, llm.RoleSystem, client.lastReq.Messages[0].Role)
	assert.True(t, client.lastReq.ForceJSON)
	assert.Zero(t, client.lastReq.Temperature)
}

func TestLLMParser_EmptyPrompt(t *testing.T) {
	p := NewLLMParser("openai_v1", &scriptedClient{content: validExtraction})
	_, err := p.Parse(context.Background(), Request{Prompt: "  "})
	assert.ErrorIs(t, err, ErrEmptyInput)
}

func TestLLMParser_ClientError(t *testing.T) {
	boom := errors.New("upstream down")
	p := NewLLMParser("openai_v1", &scriptedClient{err: boom})

	_, err := p.Parse(context.Background(), Request{Prompt: "anything"})
	assert.ErrorIs(t, err, boom)
}

func TestLLMParser_SchemaRejection(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"missing action", `{"topic_id": "x"}`},
		{"empty action", `{"action": ""}`},
		{"action wrong type", `{"action": 42}`},
		{"expertise wrong type", `{"action": "research", "expertise": "ml"}`},
		{"not json", `the intent is to do research`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewLLMParser("openai_v1", &scriptedClient{content: tt.content})
			_, err := p.Parse(context.Background(), Request{Prompt: "anything"})
			assert.Error(t, err)
		})
	}
}

func TestLLMParser_TopicFallbackWhenMissing(t *testing.T) {
	p := NewLLMParser("openai_v1", &scriptedClient{content: `{"action": "research"}`})

	got, err := p.Parse(context.Background(), Request{Prompt: "anything"})
	require.NoError(t, err)
	assert.Contains(t, got.Intent.TopicID, "topic_")
	assert.NotNil(t, got.Intent.Constraints)
}

func TestLLMParser_ConfidenceClamped(t *testing.T) {
	p := NewLLMParser("openai_v1", &scriptedClient{
		content: `{"action": "research", "confidence": 1.7}`,
	})

	got, err := p.Parse(context.Background(), Request{Prompt: "anything"})
	require.NoError(t, err)
	assert.Equal(t, 1.0, got.Confidence)
}

func TestLLMParser_CacheRoundTrip(t *testing.T) {
	cache := newMapCache()
	client := &scriptedClient{content: validExtraction}
	p := NewLLMParser("openai_v1", client, WithParseCache(cache, time.Hour))

	first, err := p.Parse(context.Background(), Request{Prompt: "research quantum computing", UserID: "u1", SessionID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, 1, client.calls)
	assert.Equal(t, 1, cache.sets)

	// The model goes away; the cached payload must still serve.
	client.err = errors.New("upstream down")
	second, err := p.Parse(context.Background(), Request{Prompt: "research quantum computing", UserID: "u2", SessionID: "s2"})
	require.NoError(t, err)
	assert.Equal(t, 1, client.calls, "cache hit must not call the model")

	assert.Equal(t, first.Intent.Action, second.Intent.Action)
	assert.NotEqual(t, first.Intent.Metadata.ID, second.Intent.Metadata.ID,
		"cached payloads still mint fresh metadata")
	assert.Equal(t, "u2", second.Intent.Metadata.UserID)
}

func TestLLMParser_CacheErrorFallsThrough(t *testing.T) {
	client := &scriptedClient{content: validExtraction}
	p := NewLLMParser("openai_v1", client, WithParseCache(failingCache{}, time.Hour))

	_, err := p.Parse(context.Background(), Request{Prompt: "anything"})
	require.NoError(t, err)
	assert.Equal(t, 1, client.calls)
}

type failingCache struct{}

func (failingCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return nil, false, errors.New("redis down")
}

func (failingCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return errors.New("redis down")
}
