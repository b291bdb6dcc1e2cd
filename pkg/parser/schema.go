package parser

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// extractionSchemaJSON is the shape contract for model- and sandbox-produced
// intent documents. It constrains structure only; value policy (allowed
// actions, budgets) is the comparator's job, and confidence is clamped
// rather than rejected to match how self-reported scores are treated.
const extractionSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["action"],
  "properties": {
    "action": {"type": "string", "minLength": 1},
    "topic_id": {"type": "string"},
    "expertise": {"type": "array", "items": {"type": "string"}},
    "constraints": {"type": "object"},
    "confidence": {"type": "number"}
  }
}`

var extractionSchema = mustCompileExtractionSchema()

func mustCompileExtractionSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	const url = "https://countersign.schemas.local/parser/extraction.schema.json"
	if err := c.AddResource(url, strings.NewReader(extractionSchemaJSON)); err != nil {
		panic(fmt.Sprintf("parser: extraction schema resource: %v", err))
	}
	s, err := c.Compile(url)
	if err != nil {
		panic(fmt.Sprintf("parser: extraction schema compile: %v", err))
	}
	return s
}

// extractionPayload is the decoded form of a validated intent document.
type extractionPayload struct {
	Action      string         `json:"action"`
	TopicID     string         `json:"topic_id"`
	Expertise   []string       `json:"expertise"`
	Constraints map[string]any `json:"constraints"`
	Confidence  float64        `json:"confidence"`
}

// decodeExtraction validates raw JSON against the extraction schema and
// decodes it. Malformed or mis-shaped documents fail here so they never
// reach the vote.
func decodeExtraction(data []byte) (extractionPayload, error) {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return extractionPayload{}, fmt.Errorf("parser: invalid intent document: %w", err)
	}
	if err := extractionSchema.Validate(raw); err != nil {
		return extractionPayload{}, fmt.Errorf("parser: intent document rejected by schema: %w", err)
	}
	var p extractionPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return extractionPayload{}, fmt.Errorf("parser: decode intent document: %w", err)
	}
	return p, nil
}
