// Package intent defines the structured intent model shared by every stage
// of the pipeline: the typed request extracted from free text, one parser's
// scored opinion of it, and the consensus verdict produced by voting.
//
// Values in this package are immutable after construction. Each lives for
// exactly one pipeline run; durable copies belong to the audit ledger.
package intent

import (
	"time"

	"github.com/google/uuid"
)

// Intent is a structured, typed request extracted from free-form user text.
// Past the generator stage it must never carry raw user prose in TopicID or
// ContentRefs; that property is enforced downstream, not here.
type Intent struct {
	Action      string         `json:"action"`
	TopicID     string         `json:"topic_id"`
	Expertise   []string       `json:"expertise"`
	Constraints map[string]any `json:"constraints,omitempty"`
	ContentRefs []string       `json:"content_refs,omitempty"`
	Metadata    Metadata       `json:"metadata"`
}

// Metadata identifies one extraction: who asked, in which session, and when.
type Metadata struct {
	ID        uuid.UUID `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	UserID    string    `json:"user_id"`
	SessionID string    `json:"session_id"`
}

// NewMetadata stamps fresh identity onto an intent.
func NewMetadata(userID, sessionID string, now time.Time) Metadata {
	return Metadata{
		ID:        uuid.New(),
		Timestamp: now,
		UserID:    userID,
		SessionID: sessionID,
	}
}

// ParsedIntent is a single parser's opinion: the intent it extracted plus
// how certain it is.
type ParsedIntent struct {
	ParserID   string  `json:"parser_id"`
	Intent     Intent  `json:"intent"`
	Confidence float64 `json:"confidence"`
}

// NewParsedIntent builds a ParsedIntent, clamping confidence into [0,1].
func NewParsedIntent(parserID string, in Intent, confidence float64) ParsedIntent {
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}
	return ParsedIntent{ParserID: parserID, Intent: in, Confidence: confidence}
}

// AgreementLevel classifies how strongly multiple parsers agree.
type AgreementLevel string

// Agreement levels, ordered by escalation severity.
const (
	// AgreementHighConfidence: every pair of parsers produced
	// near-identical intents.
	AgreementHighConfidence AgreementLevel = "high_confidence"

	// AgreementLowConfidence: parsers broadly agree but differ in detail,
	// or only a single parser produced a result (a lone opinion can never
	// be corroborated, so it is capped here).
	AgreementLowConfidence AgreementLevel = "low_confidence"

	// AgreementConflict: parsers disagree materially; a human must look.
	AgreementConflict AgreementLevel = "conflict"
)

// EscalationRank orders agreement levels by how urgently they demand human
// attention. Higher rank escalates over lower.
func (a AgreementLevel) EscalationRank() int {
	switch a {
	case AgreementHighConfidence:
		return 0
	case AgreementLowConfidence:
		return 1
	case AgreementConflict:
		return 2
	default:
		return 2
	}
}

func (a AgreementLevel) String() string { return string(a) }

// VotingResult is the consensus verdict over one ensemble round.
//
// ParserResults retains every input opinion for audit, including the one
// selected as canonical. MinSimilarity and AvgSimilarity are aggregates over
// all unordered parser pairs; with a single parser there are no pairs and
// both report zero, which consumers must not read as disagreement when
// len(ParserResults) == 1.
type VotingResult struct {
	CanonicalIntent Intent         `json:"canonical_intent"`
	AgreementLevel  AgreementLevel `json:"agreement_level"`
	ParserResults   []ParsedIntent `json:"parser_results"`
	MinSimilarity   float64        `json:"min_similarity"`
	AvgSimilarity   float64        `json:"avg_similarity"`
}

// IsHighConfidence reports whether every parser pair agreed near-identically.
func (v VotingResult) IsHighConfidence() bool {
	return v.AgreementLevel == AgreementHighConfidence
}

// HasConflict reports whether the round must be escalated to a human.
func (v VotingResult) HasConflict() bool {
	return v.AgreementLevel == AgreementConflict
}

// AverageConfidence is the mean self-reported confidence across parsers.
func (v VotingResult) AverageConfidence() float64 {
	if len(v.ParserResults) == 0 {
		return 0
	}
	var sum float64
	for _, r := range v.ParserResults {
		sum += r.Confidence
	}
	return sum / float64(len(v.ParserResults))
}
