//go:build property
// +build property

// Property-based tests for the similarity metric. These are slower than the
// unit tests and run only with: go test -tags property ./pkg/intent/
package intent_test

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/tetrad-labs/countersign/pkg/intent"
)

func genIntent() gopter.Gen {
	return gopter.CombineGens(
		gen.AlphaString(),
		gen.AlphaString(),
		gen.SliceOf(gen.AlphaString()),
		gen.MapOf(gen.Identifier(), gen.Float64Range(-1e6, 1e6)),
	).Map(func(vals []interface{}) intent.Intent {
		expertise := vals[2].([]string)
		rawConstraints := vals[3].(map[string]float64)
		constraints := make(map[string]any, len(rawConstraints))
		for k, v := range rawConstraints {
			constraints[k] = v
		}
		return intent.Intent{
			Action:      vals[0].(string),
			TopicID:     vals[1].(string),
			Expertise:   expertise,
			Constraints: constraints,
		}
	})
}

// TestSimilaritySymmetry verifies Similarity(a,b) == Similarity(b,a) for all intents.
func TestSimilaritySymmetry(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("similarity is symmetric", prop.ForAll(
		func(a, b intent.Intent) bool {
			return intent.Similarity(a, b) == intent.Similarity(b, a)
		},
		genIntent(),
		genIntent(),
	))

	properties.TestingRun(t)
}

// TestSimilarityReflexivity verifies Similarity(a,a) == 1.0 for all intents.
func TestSimilarityReflexivity(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("similarity is reflexive", prop.ForAll(
		func(a intent.Intent) bool {
			return intent.Similarity(a, a) == 1.0
		},
		genIntent(),
	))

	properties.TestingRun(t)
}

// TestSimilarityBounds verifies the composite score stays inside [0,1].
func TestSimilarityBounds(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("similarity is bounded", prop.ForAll(
		func(a, b intent.Intent) bool {
			s := intent.Similarity(a, b)
			return s >= 0.0 && s <= 1.0
		},
		genIntent(),
		genIntent(),
	))

	properties.TestingRun(t)
}
