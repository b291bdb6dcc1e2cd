// Package voting reconciles the parser ensemble's outputs into one canonical
// intent plus an agreement classification.
//
// No single parser is trusted to extract intent correctly, so the voter
// compares every pair of outputs with the weighted similarity metric,
// aggregates the pair scores, and classifies the round as high confidence,
// low confidence, or conflict. Conflict never substitutes an averaged
// intent: there is no safe way to average two structurally different
// actions, so disagreement is signaled through the agreement level and the
// canonical intent falls back to the most trusted source.
package voting

import (
	"errors"
	"log/slog"
	"math"

	"github.com/tetrad-labs/countersign/pkg/intent"
)

// ErrNoIntents is returned when Vote is called with zero parser results.
var ErrNoIntents = errors.New("voting: no intents provided")

// Default classification thresholds.
const (
	DefaultHighConfidenceMin = 0.95
	DefaultLowConfidenceMin  = 0.75
)

// Config holds the classification thresholds.
//
// Invariant: HighConfidenceMin >= LowConfidenceMin. The voter classifies
// HighConfidence when the minimum pairwise similarity clears
// HighConfidenceMin, LowConfidence when the average clears LowConfidenceMin,
// and Conflict otherwise.
type Config struct {
	HighConfidenceMin float64
	LowConfidenceMin  float64
}

// DefaultConfig returns the stock thresholds (0.95 / 0.75).
func DefaultConfig() Config {
	return Config{
		HighConfidenceMin: DefaultHighConfidenceMin,
		LowConfidenceMin:  DefaultLowConfidenceMin,
	}
}

// Voter computes consensus over one ensemble round. It is stateless and safe
// for concurrent use; configuration is fixed at construction.
type Voter struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a Voter. Zero-valued thresholds fall back to the defaults.
func New(cfg Config, logger *slog.Logger) *Voter {
	if cfg.HighConfidenceMin == 0 {
		cfg.HighConfidenceMin = DefaultHighConfidenceMin
	}
	if cfg.LowConfidenceMin == 0 {
		cfg.LowConfidenceMin = DefaultLowConfidenceMin
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Voter{cfg: cfg, logger: logger}
}

// Vote compares parser results pairwise and returns the consensus verdict.
//
// preferredParserID, when present among the results, names the parser whose
// intent is canonical regardless of agreement level; a deterministic parser
// is the safe fallback even during conflict. Otherwise the highest-confidence
// result wins, first seen breaking ties. The returned VotingResult retains
// every input for audit.
//
// A single result is never corroborated, so it classifies as LowConfidence
// with zero similarity aggregates. Zero results is the only error.
func (v *Voter) Vote(results []intent.ParsedIntent, preferredParserID string) (intent.VotingResult, error) {
	if len(results) == 0 {
		return intent.VotingResult{}, ErrNoIntents
	}

	if len(results) == 1 {
		v.logger.Warn("single parser result, confidence cannot be corroborated",
			"parser_id", results[0].ParserID)
		return intent.VotingResult{
			CanonicalIntent: results[0].Intent,
			AgreementLevel:  intent.AgreementLowConfidence,
			ParserResults:   results,
		}, nil
	}

	minSim, avgSim := v.pairwiseStats(results)
	level := v.classify(minSim, avgSim)
	canonical := v.selectCanonical(results, preferredParserID)

	v.logger.Info("voting complete",
		"agreement_level", level,
		"min_similarity", minSim,
		"avg_similarity", avgSim,
		"parsers", len(results))

	return intent.VotingResult{
		CanonicalIntent: canonical,
		AgreementLevel:  level,
		ParserResults:   results,
		MinSimilarity:   minSim,
		AvgSimilarity:   avgSim,
	}, nil
}

// pairwiseStats computes min and mean similarity over all unordered pairs.
func (v *Voter) pairwiseStats(results []intent.ParsedIntent) (minSim, avgSim float64) {
	minSim = math.Inf(1)
	var sum float64
	pairs := 0

	for i := 0; i < len(results); i++ {
		for j := i + 1; j < len(results); j++ {
			sim := intent.Similarity(results[i].Intent, results[j].Intent)
			sum += sim
			pairs++
			if sim < minSim {
				minSim = sim
			}
			v.logger.Debug("pairwise similarity",
				"a", results[i].ParserID,
				"b", results[j].ParserID,
				"similarity", sim)
		}
	}

	return minSim, sum / float64(pairs)
}

func (v *Voter) classify(minSim, avgSim float64) intent.AgreementLevel {
	switch {
	case minSim >= v.cfg.HighConfidenceMin:
		return intent.AgreementHighConfidence
	case avgSim >= v.cfg.LowConfidenceMin:
		return intent.AgreementLowConfidence
	default:
		return intent.AgreementConflict
	}
}

func (v *Voter) selectCanonical(results []intent.ParsedIntent, preferredParserID string) intent.Intent {
	if preferredParserID != "" {
		for _, r := range results {
			if r.ParserID == preferredParserID {
				return r.Intent
			}
		}
		v.logger.Warn("preferred parser missing from results", "parser_id", preferredParserID)
	}

	best := results[0]
	for _, r := range results[1:] {
		if r.Confidence > best.Confidence {
			best = r
		}
	}
	return best.Intent
}
