package parser

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tetrad-labs/countersign/pkg/intent"
)

type fakeParser struct {
	id         string
	confidence float64
	trust      float64
	err        error
	panicWith  any
	delay      time.Duration
}

func (f *fakeParser) ID() string { return f.id }

func (f *fakeParser) TrustLevel() float64 { return f.trust }

func (f *fakeParser) Parse(ctx context.Context, req Request) (intent.ParsedIntent, error) {
	if f.panicWith != nil {
		panic(f.panicWith)
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return intent.ParsedIntent{}, ctx.Err()
		}
	}
	if f.err != nil {
		return intent.ParsedIntent{}, f.err
	}
	in := intent.Intent{
		Action:    "math_question",
		TopicID:   "algebra",
		Metadata:  intent.NewMetadata(req.UserID, req.SessionID, time.Now()),
		Expertise: []string{"mathematics"},
	}
	return intent.NewParsedIntent(f.id, in, f.confidence), nil
}

func TestParseAll_EmptyEnsembleYieldsSyntheticOutcome(t *testing.T) {
	e, err := NewEnsemble(nil)
	require.NoError(t, err)

	rs, err := e.ParseAll(context.Background(), Request{Prompt: "anything"})
	require.NoError(t, err)

	require.Len(t, rs.Outcomes, 1)
	assert.Equal(t, "ensemble", rs.Outcomes[0].ParserID)
	assert.ErrorIs(t, rs.Outcomes[0].Err, ErrNoParsers)
	assert.True(t, rs.AllFailed())
}

func TestParseAll_CollectsAllOutcomesInRegistrationOrder(t *testing.T) {
	e, err := NewEnsemble([]Parser{
		&fakeParser{id: "a", confidence: 0.9},
		&fakeParser{id: "b", confidence: 0.8},
		&fakeParser{id: "c", confidence: 0.7},
	})
	require.NoError(t, err)

	rs, err := e.ParseAll(context.Background(), Request{Prompt: "solve x", UserID: "u1", SessionID: "s1"})
	require.NoError(t, err)

	require.Len(t, rs.Outcomes, 3)
	assert.Equal(t, "a", rs.Outcomes[0].ParserID)
	assert.Equal(t, "b", rs.Outcomes[1].ParserID)
	assert.Equal(t, "c", rs.Outcomes[2].ParserID)
	assert.Equal(t, 3, rs.SuccessCount())
}

func TestParseAll_FailureDoesNotDisturbPeers(t *testing.T) {
	boom := errors.New("model unavailable")
	e, err := NewEnsemble([]Parser{
		&fakeParser{id: "healthy", confidence: 0.9},
		&fakeParser{id: "broken", err: boom},
	})
	require.NoError(t, err)

	rs, err := e.ParseAll(context.Background(), Request{Prompt: "solve x"})
	require.NoError(t, err)

	assert.Equal(t, 1, rs.SuccessCount())
	failed := rs.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, "broken", failed[0].ParserID)
	assert.ErrorIs(t, failed[0].Err, boom)
}

func TestParseAll_PanicBecomesAttributedError(t *testing.T) {
	e, err := NewEnsemble([]Parser{
		&fakeParser{id: "stable", confidence: 0.9},
		&fakeParser{id: "crashy", panicWith: "index out of range"},
	})
	require.NoError(t, err)

	rs, err := e.ParseAll(context.Background(), Request{Prompt: "solve x"})
	require.NoError(t, err)

	out, ok := rs.Get("crashy")
	require.True(t, ok)
	require.Error(t, out.Err)
	assert.Contains(t, out.Err.Error(), "panicked")
	assert.Equal(t, 1, rs.SuccessCount())
}

func TestParseAll_PerParserTimeout(t *testing.T) {
	e, err := NewEnsemble(
		[]Parser{
			&fakeParser{id: "fast", confidence: 0.9},
			&fakeParser{id: "slow", confidence: 0.9, delay: 500 * time.Millisecond},
		},
		WithPerParserTimeout(20*time.Millisecond),
	)
	require.NoError(t, err)

	rs, err := e.ParseAll(context.Background(), Request{Prompt: "solve x"})
	require.NoError(t, err)

	slow, ok := rs.Get("slow")
	require.True(t, ok)
	assert.ErrorIs(t, slow.Err, context.DeadlineExceeded)

	fast, ok := rs.Get("fast")
	require.True(t, ok)
	assert.True(t, fast.OK())
}

func TestParseAll_AllFailed(t *testing.T) {
	e, err := NewEnsemble([]Parser{
		&fakeParser{id: "a", err: errors.New("down")},
		&fakeParser{id: "b", err: errors.New("also down")},
	})
	require.NoError(t, err)

	rs, err := e.ParseAll(context.Background(), Request{Prompt: "solve x"})
	require.NoError(t, err)
	assert.True(t, rs.AllFailed())
	assert.Empty(t, rs.Intents())
}

func TestRegister_RejectsDuplicateID(t *testing.T) {
	e, err := NewEnsemble([]Parser{&fakeParser{id: "dup"}})
	require.NoError(t, err)

	err = e.Register(&fakeParser{id: "dup"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")
}

func TestResultSet_HighestConfidenceFirstSeenTie(t *testing.T) {
	rs := ResultSet{Outcomes: []Outcome{
		{ParserID: "first", Intent: intent.ParsedIntent{ParserID: "first", Confidence: 0.9}},
		{ParserID: "second", Intent: intent.ParsedIntent{ParserID: "second", Confidence: 0.9}},
		{ParserID: "third", Intent: intent.ParsedIntent{ParserID: "third", Confidence: 0.95}},
	}}

	best, ok := rs.HighestConfidence()
	require.True(t, ok)
	assert.Equal(t, "third", best.ParserID)

	rs.Outcomes = rs.Outcomes[:2]
	best, ok = rs.HighestConfidence()
	require.True(t, ok)
	assert.Equal(t, "first", best.ParserID)
}

func TestResultSet_HighestConfidenceSkipsFailures(t *testing.T) {
	rs := ResultSet{Outcomes: []Outcome{
		{ParserID: "failed", Err: errors.New("down")},
		{ParserID: "ok", Intent: intent.ParsedIntent{ParserID: "ok", Confidence: 0.5}},
	}}

	best, ok := rs.HighestConfidence()
	require.True(t, ok)
	assert.Equal(t, "ok", best.ParserID)
}

func TestResultSet_ByPriority(t *testing.T) {
	rs := ResultSet{Outcomes: []Outcome{
		{ParserID: "openai_v1", Intent: intent.ParsedIntent{ParserID: "openai_v1", Confidence: 0.95}},
		{ParserID: "deterministic_v1", Err: errors.New("down")},
		{ParserID: "ollama_v1", Intent: intent.ParsedIntent{ParserID: "ollama_v1", Confidence: 0.6}},
	}}

	// The failed preferred parser and an unknown ID are both skipped.
	got, ok := rs.ByPriority([]string{"deterministic_v1", "missing_v1", "ollama_v1", "openai_v1"})
	require.True(t, ok)
	assert.Equal(t, "ollama_v1", got.ParserID)

	_, ok = rs.ByPriority([]string{"deterministic_v1", "missing_v1"})
	assert.False(t, ok)

	_, ok = rs.ByPriority(nil)
	assert.False(t, ok)
}

func TestTrustLevels(t *testing.T) {
	assert.Equal(t, 1.0, NewRuleParser().TrustLevel())
	assert.Equal(t, 0.8, NewLLMParser("openai_v1", nil).TrustLevel())
}

func TestParserIDs(t *testing.T) {
	e, err := NewEnsemble([]Parser{
		&fakeParser{id: "deterministic_v1"},
		&fakeParser{id: "openai_v1"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"deterministic_v1", "openai_v1"}, e.ParserIDs())
	assert.Equal(t, 2, e.Len())
}
