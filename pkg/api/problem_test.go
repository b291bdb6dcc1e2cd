package api

import (
	"encoding/json"
	"net/http/httptest"
	"testing"
)

func TestWriteErrorShape(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteNotFound(rec, "no such approval request")

	if ct := rec.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Fatalf("content type = %q", ct)
	}
	if rec.Code != 404 {
		t.Fatalf("status = %d", rec.Code)
	}

	var p ProblemDetail
	if err := json.Unmarshal(rec.Body.Bytes(), &p); err != nil {
		t.Fatal(err)
	}
	if p.Status != 404 || p.Title != "Not Found" {
		t.Fatalf("problem = %+v", p)
	}
	if p.Type != "https://countersign.tetradlabs.dev/errors/404" {
		t.Fatalf("type = %q", p.Type)
	}
}

func TestWriteTooManyRequestsSetsRetryAfter(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteTooManyRequests(rec, 5)

	if rec.Code != 429 {
		t.Fatalf("status = %d", rec.Code)
	}
	if ra := rec.Header().Get("Retry-After"); ra != "5" {
		t.Fatalf("Retry-After = %q", ra)
	}
}

func TestWriteErrorRCarriesRequestContext(t *testing.T) {
	rec := httptest.NewRecorder()
	rec.Header().Set("X-Request-ID", "req-123")
	req := httptest.NewRequest("GET", "/v1/approvals/abc", nil)

	WriteErrorR(rec, req, 400, "Bad Request", "approval ID must be a UUID")

	var p ProblemDetail
	if err := json.Unmarshal(rec.Body.Bytes(), &p); err != nil {
		t.Fatal(err)
	}
	if p.Instance != "/v1/approvals/abc" || p.TraceID != "req-123" {
		t.Fatalf("problem = %+v", p)
	}
}
