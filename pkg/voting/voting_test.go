package voting

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tetrad-labs/countersign/pkg/intent"
)

func testIntent(action, topicID string, expertise []string) intent.Intent {
	return intent.Intent{
		Action:    action,
		TopicID:   topicID,
		Expertise: expertise,
	}
}

func newTestVoter() *Voter {
	return New(DefaultConfig(), slog.Default())
}

func TestVote_NoParsers(t *testing.T) {
	_, err := newTestVoter().Vote(nil, "")
	assert.ErrorIs(t, err, ErrNoIntents)
}

func TestVote_SingleParser(t *testing.T) {
	in := testIntent("math_question", "circle_area", nil)
	results := []intent.ParsedIntent{
		intent.NewParsedIntent("llm_v1", in, 0.9),
	}

	vr, err := newTestVoter().Vote(results, "")
	require.NoError(t, err)

	assert.Equal(t, intent.AgreementLowConfidence, vr.AgreementLevel,
		"a lone opinion can never be high confidence")
	assert.Equal(t, in, vr.CanonicalIntent)
	assert.Len(t, vr.ParserResults, 1)
	assert.Equal(t, 0.0, vr.MinSimilarity)
	assert.Equal(t, 0.0, vr.AvgSimilarity)
}

func TestVote_HighConfidenceAllAgree(t *testing.T) {
	in := testIntent("math_question", "2_plus_2", nil)
	results := []intent.ParsedIntent{
		intent.NewParsedIntent("rule_v1", in, 1.0),
		intent.NewParsedIntent("llm_v1", in, 0.95),
		intent.NewParsedIntent("llm_v2", in, 0.98),
	}

	vr, err := newTestVoter().Vote(results, "rule_v1")
	require.NoError(t, err)

	assert.Equal(t, intent.AgreementHighConfidence, vr.AgreementLevel)
	assert.Equal(t, "math_question", vr.CanonicalIntent.Action)
	assert.Equal(t, 1.0, vr.MinSimilarity)
	assert.Len(t, vr.ParserResults, 3, "every input retained for audit")
}

func TestVote_ConflictAllDifferentActions(t *testing.T) {
	results := []intent.ParsedIntent{
		intent.NewParsedIntent("rule_v1", testIntent("find_experts", "rust", nil), 1.0),
		intent.NewParsedIntent("llm_v1", testIntent("summarize", "go", nil), 0.9),
		intent.NewParsedIntent("llm_v2", testIntent("draft_proposal", "zig", nil), 0.8),
	}

	vr, err := newTestVoter().Vote(results, "rule_v1")
	require.NoError(t, err)

	assert.Equal(t, intent.AgreementConflict, vr.AgreementLevel)
	assert.Less(t, vr.AvgSimilarity, 0.75)
	// Conflict still selects the preferred parser; disagreement is signaled
	// through the agreement level, never by averaging intents.
	assert.Equal(t, "find_experts", vr.CanonicalIntent.Action)
}

func TestVote_PreferredParserWins(t *testing.T) {
	preferred := testIntent("find_experts", "rust_memory", nil)
	other := testIntent("find_experts", "rust_memory", nil)

	results := []intent.ParsedIntent{
		intent.NewParsedIntent("llm_v1", other, 0.99),
		intent.NewParsedIntent("rule_v1", preferred, 0.6),
	}

	vr, err := newTestVoter().Vote(results, "rule_v1")
	require.NoError(t, err)

	assert.Equal(t, preferred, vr.CanonicalIntent,
		"preferred parser beats higher confidence")
}

func TestVote_HighestConfidenceFallback(t *testing.T) {
	a := testIntent("find_experts", "rust_memory", nil)
	b := testIntent("find_experts", "rust_memory", nil)

	results := []intent.ParsedIntent{
		intent.NewParsedIntent("llm_v1", a, 0.7),
		intent.NewParsedIntent("llm_v2", b, 0.9),
	}

	// Preferred parser absent: falls back to highest confidence.
	vr, err := newTestVoter().Vote(results, "rule_v1")
	require.NoError(t, err)
	assert.Equal(t, b, vr.CanonicalIntent)
}

func TestVote_ConfidenceTieBreaksFirstSeen(t *testing.T) {
	first := testIntent("find_experts", "rust", nil)
	second := testIntent("find_experts", "go", nil)

	results := []intent.ParsedIntent{
		intent.NewParsedIntent("llm_v1", first, 0.9),
		intent.NewParsedIntent("llm_v2", second, 0.9),
	}

	vr, err := newTestVoter().Vote(results, "")
	require.NoError(t, err)
	assert.Equal(t, first, vr.CanonicalIntent)
}

func TestVote_CustomThresholds(t *testing.T) {
	// Same action, disjoint topics: composite lands around 0.76.
	a := testIntent("find_experts", "rust", nil)
	b := testIntent("find_experts", "go", nil)
	results := []intent.ParsedIntent{
		intent.NewParsedIntent("llm_v1", a, 0.9),
		intent.NewParsedIntent("llm_v2", b, 0.9),
	}

	strict := New(Config{HighConfidenceMin: 0.99, LowConfidenceMin: 0.9}, nil)
	vr, err := strict.Vote(results, "")
	require.NoError(t, err)
	assert.Equal(t, intent.AgreementConflict, vr.AgreementLevel)

	lax := New(Config{HighConfidenceMin: 0.7, LowConfidenceMin: 0.5}, nil)
	vr, err = lax.Vote(results, "")
	require.NoError(t, err)
	assert.Equal(t, intent.AgreementHighConfidence, vr.AgreementLevel)
}

func TestVote_MinVersusAvgClassification(t *testing.T) {
	// Two parsers agree perfectly, a third diverges on topic only. The
	// minimum pair drags below the high-confidence bar while the average
	// stays above the conflict bar.
	shared := testIntent("find_experts", "rust_memory_safety", nil)
	divergent := testIntent("find_experts", "performance_tuning", nil)

	results := []intent.ParsedIntent{
		intent.NewParsedIntent("rule_v1", shared, 1.0),
		intent.NewParsedIntent("llm_v1", shared, 0.9),
		intent.NewParsedIntent("llm_v2", divergent, 0.9),
	}

	vr, err := newTestVoter().Vote(results, "rule_v1")
	require.NoError(t, err)

	assert.Equal(t, intent.AgreementLowConfidence, vr.AgreementLevel)
	assert.Less(t, vr.MinSimilarity, DefaultHighConfidenceMin)
	assert.GreaterOrEqual(t, vr.AvgSimilarity, DefaultLowConfidenceMin)
}
