package intent

import (
	"encoding/json"
	"math"
	"reflect"
	"strings"
)

// Dimension weights for the composite similarity score. A differing action is
// a categorically different request, so it dominates; constraints are the
// softest signal because honest parsers routinely disagree on optional keys.
const (
	actionWeight     = 3.0
	topicWeight      = 2.0
	expertiseWeight  = 2.0
	constraintWeight = 1.5
)

// caseOnlyMatchScore is awarded when two values match except for letter case.
const caseOnlyMatchScore = 0.95

// Similarity computes the weighted composite similarity of two intents in
// [0,1]. It is symmetric and reflexive: Similarity(a,b) == Similarity(b,a)
// and Similarity(a,a) == 1.
func Similarity(a, b Intent) float64 {
	weighted := actionWeight*actionSimilarity(a.Action, b.Action) +
		topicWeight*topicSimilarity(a.TopicID, b.TopicID) +
		expertiseWeight*setSimilarity(a.Expertise, b.Expertise) +
		constraintWeight*constraintSimilarity(a.Constraints, b.Constraints)

	return weighted / (actionWeight + topicWeight + expertiseWeight + constraintWeight)
}

func actionSimilarity(a, b string) float64 {
	if a == b {
		return 1.0
	}
	if strings.EqualFold(a, b) {
		return caseOnlyMatchScore
	}
	return 0.0
}

// topicSimilarity falls back to token overlap (Dice coefficient) when the
// identifiers differ, so "rust_memory_safety" and "memory_safety" still
// register partial agreement.
func topicSimilarity(a, b string) float64 {
	if a == b {
		return 1.0
	}
	if strings.EqualFold(a, b) {
		return caseOnlyMatchScore
	}

	tokensA := splitTokens(a)
	tokensB := splitTokens(b)
	if len(tokensA) == 0 || len(tokensB) == 0 {
		return 0.0
	}

	inA := make(map[string]struct{}, len(tokensA))
	for _, t := range tokensA {
		inA[t] = struct{}{}
	}
	common := 0
	counted := make(map[string]struct{}, len(tokensB))
	for _, t := range tokensB {
		if _, ok := inA[t]; !ok {
			continue
		}
		if _, dup := counted[t]; dup {
			continue
		}
		counted[t] = struct{}{}
		common++
	}

	return 2.0 * float64(common) / float64(len(tokensA)+len(tokensB))
}

func splitTokens(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return r == '_' || r == '-' || r == ' '
	})
}

// setSimilarity is the case-insensitive Jaccard index of two expertise sets.
// Two empty sets agree perfectly; one empty set against a populated one is
// total disagreement, not a partial match.
func setSimilarity(a, b []string) float64 {
	setA := toLowerSet(a)
	setB := toLowerSet(b)

	if len(setA) == 0 && len(setB) == 0 {
		return 1.0
	}
	if len(setA) == 0 || len(setB) == 0 {
		return 0.0
	}

	intersection := 0
	for e := range setA {
		if _, ok := setB[e]; ok {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection

	return float64(intersection) / float64(union)
}

func toLowerSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, s := range items {
		set[strings.ToLower(s)] = struct{}{}
	}
	return set
}

// constraintSimilarity averages per-key agreement over the union of keys.
// Numeric values compare with relative tolerance so 20000 vs 20001 barely
// registers while 20000 vs 200000 does. A key present on only one side
// scores zero for that key. One side having no constraints at all is a flat
// partial match: absence of constraints is weak evidence, not conflict.
func constraintSimilarity(a, b map[string]any) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1.0
	}
	if len(a) == 0 || len(b) == 0 {
		return 0.3
	}

	keys := make(map[string]struct{}, len(a)+len(b))
	for k := range a {
		keys[k] = struct{}{}
	}
	for k := range b {
		keys[k] = struct{}{}
	}

	var total float64
	for k := range keys {
		va, okA := a[k]
		vb, okB := b[k]
		if !okA || !okB {
			continue // missing on one side scores 0
		}
		total += valueSimilarity(va, vb)
	}

	return total / float64(len(keys))
}

func valueSimilarity(a, b any) float64 {
	fa, okA := toFloat(a)
	fb, okB := toFloat(b)
	if okA && okB {
		if fa == fb {
			return 1.0
		}
		denom := math.Max(math.Abs(fa), math.Abs(fb))
		if denom == 0 {
			return 1.0
		}
		return 1.0 - math.Min(1.0, math.Abs(fa-fb)/denom)
	}
	if okA != okB {
		return 0.0 // numeric vs non-numeric is incomparable
	}
	if reflect.DeepEqual(a, b) {
		return 1.0
	}
	return 0.0
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
