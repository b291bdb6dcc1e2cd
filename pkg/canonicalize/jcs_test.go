package canonicalize

import (
	"strings"
	"testing"
)

func TestJCS_Sorting(t *testing.T) {
	// Map with unsorted keys
	input := map[string]interface{}{
		"c": 3,
		"a": 1,
		"b": 2,
	}

	expected := `{"a":1,"b":2,"c":3}`

	b, err := JCS(input)
	if err != nil {
		t.Fatalf("JCS failed: %v", err)
	}

	if string(b) != expected {
		t.Errorf("Expected %s, got %s", expected, string(b))
	}
}

func TestJCS_RecursiveSorting(t *testing.T) {
	input := map[string]interface{}{
		"z": map[string]interface{}{
			"y": "foo",
			"x": "bar",
		},
		"a": 1,
	}

	expected := `{"a":1,"z":{"x":"bar","y":"foo"}}`

	b, err := JCS(input)
	if err != nil {
		t.Fatalf("JCS failed: %v", err)
	}

	if string(b) != expected {
		t.Errorf("Expected %s, got %s", expected, string(b))
	}
}

func TestJCS_NoHTMLEscaping(t *testing.T) {
	input := map[string]string{
		"html": "<script>alert('xss')</script> &",
	}

	// Standard encoding/json would produce <script>...
	// RFC 8785 requires the raw characters.
	expected := `{"html":"<script>alert('xss')</script> &"}`

	b, err := JCS(input)
	if err != nil {
		t.Fatalf("JCS failed: %v", err)
	}

	if string(b) != expected {
		t.Errorf("Expected %s, got %s", expected, string(b))
	}
}

func TestJCS_StructTags(t *testing.T) {
	type record struct {
		TopicID string `json:"topic_id"`
		Action  string `json:"action"`
	}

	b, err := JCS(record{TopicID: "rust_memory", Action: "find_experts"})
	if err != nil {
		t.Fatalf("JCS failed: %v", err)
	}

	expected := `{"action":"find_experts","topic_id":"rust_memory"}`
	if string(b) != expected {
		t.Errorf("Expected %s, got %s", expected, string(b))
	}
}

func TestCanonicalHash_Deterministic(t *testing.T) {
	a := map[string]interface{}{"x": 1, "y": "z"}
	b := map[string]interface{}{"y": "z", "x": 1}

	ha, err := CanonicalHash(a)
	if err != nil {
		t.Fatalf("CanonicalHash failed: %v", err)
	}
	hb, err := CanonicalHash(b)
	if err != nil {
		t.Fatalf("CanonicalHash failed: %v", err)
	}

	if ha != hb {
		t.Errorf("Hashes differ for equivalent values: %s vs %s", ha, hb)
	}
	if len(ha) != 64 || strings.ContainsAny(ha, "ABCDEF") {
		t.Errorf("Expected lowercase 64-char hex digest, got %q", ha)
	}
}

func TestHashBytes_KnownVector(t *testing.T) {
	// sha256("") is the well-known empty digest.
	got := HashBytes(nil)
	want := "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
	if got != want {
		t.Errorf("HashBytes(nil) = %s, want %s", got, want)
	}
}
