// Package parser contains the intent parsers and the ensemble that fans a
// prompt out to all of them concurrently.
//
// Parsers are deliberately heterogeneous. The rule parser shares no code,
// model, or prompt with the language-model parsers, so a prompt injection
// that subverts one extraction path does not transfer to the others. The
// ensemble isolates failures: a parser that errors, times out, or panics
// contributes an attributed error outcome and never disturbs its peers.
package parser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tetrad-labs/countersign/pkg/intent"
)

// ErrNoParsers marks the synthetic outcome ParseAll records when the
// ensemble is empty. It is never returned as a Go error: an empty round
// must fail observably, through the result set, like any all-failed round.
var ErrNoParsers = errors.New("parser: no parsers registered")

// ErrEmptyInput rejects blank prompts before any parser runs.
var ErrEmptyInput = errors.New("parser: empty input")

// Request carries one prompt through a parser.
type Request struct {
	Prompt    string
	UserID    string
	SessionID string
}

// Parser extracts a structured intent from a raw prompt.
type Parser interface {
	// ID identifies the parser in vote results and audit records.
	ID() string
	// Parse extracts the intent. Implementations must honor ctx.
	Parse(ctx context.Context, req Request) (intent.ParsedIntent, error)
	// TrustLevel grades the extraction path in [0, 1]: 1.0 means the
	// output cannot be influenced by adversarial prompt content.
	TrustLevel() float64
}

// Outcome is one parser's contribution to an ensemble run.
type Outcome struct {
	ParserID string
	Intent   intent.ParsedIntent
	Err      error
	Elapsed  time.Duration
}

// OK reports whether the parser produced an intent.
func (o Outcome) OK() bool { return o.Err == nil }

// ResultSet holds every parser outcome from one run, in registration order.
type ResultSet struct {
	Outcomes []Outcome
	Elapsed  time.Duration
}

// Intents returns the successful parses in registration order.
func (rs ResultSet) Intents() []intent.ParsedIntent {
	var out []intent.ParsedIntent
	for _, o := range rs.Outcomes {
		if o.OK() {
			out = append(out, o.Intent)
		}
	}
	return out
}

// Failed returns the outcomes that carry errors.
func (rs ResultSet) Failed() []Outcome {
	var out []Outcome
	for _, o := range rs.Outcomes {
		if !o.OK() {
			out = append(out, o)
		}
	}
	return out
}

// Get returns the outcome for a parser ID.
func (rs ResultSet) Get(parserID string) (Outcome, bool) {
	for _, o := range rs.Outcomes {
		if o.ParserID == parserID {
			return o, true
		}
	}
	return Outcome{}, false
}

// HighestConfidence returns the successful parse with the greatest
// confidence. Ties keep the earlier-registered parser.
func (rs ResultSet) HighestConfidence() (intent.ParsedIntent, bool) {
	var best intent.ParsedIntent
	found := false
	for _, o := range rs.Outcomes {
		if !o.OK() {
			continue
		}
		if !found || o.Intent.Confidence > best.Confidence {
			best = o.Intent
			found = true
		}
	}
	return best, found
}

// ByPriority returns the first successful parse following a caller-supplied
// preference order. Parser IDs absent from the result set are skipped.
func (rs ResultSet) ByPriority(order []string) (intent.ParsedIntent, bool) {
	for _, id := range order {
		if o, ok := rs.Get(id); ok && o.OK() {
			return o.Intent, true
		}
	}
	return intent.ParsedIntent{}, false
}

// AllFailed reports whether no parser produced an intent.
func (rs ResultSet) AllFailed() bool {
	return len(rs.Intents()) == 0
}

// SuccessCount returns the number of successful parses.
func (rs ResultSet) SuccessCount() int { return len(rs.Intents()) }

// Ensemble fans a prompt out to every registered parser.
type Ensemble struct {
	mu      sync.RWMutex
	parsers []Parser

	perParserTimeout time.Duration
	logger           *slog.Logger
}

// EnsembleOption configures an Ensemble.
type EnsembleOption func(*Ensemble)

// WithPerParserTimeout bounds each parser's run independently. Zero leaves
// parsers bounded only by the caller's context.
func WithPerParserTimeout(d time.Duration) EnsembleOption {
	return func(e *Ensemble) { e.perParserTimeout = d }
}

// WithEnsembleLogger sets the ensemble's logger.
func WithEnsembleLogger(logger *slog.Logger) EnsembleOption {
	return func(e *Ensemble) { e.logger = logger }
}

// NewEnsemble creates an ensemble over the given parsers, preserving their
// order. Order matters downstream: vote tiebreaks keep the earliest parser.
func NewEnsemble(parsers []Parser, opts ...EnsembleOption) (*Ensemble, error) {
	e := &Ensemble{logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	for _, p := range parsers {
		if err := e.Register(p); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// Register appends a parser. Duplicate IDs are rejected because vote
// results and audit records key on them.
func (e *Ensemble) Register(p Parser) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, existing := range e.parsers {
		if existing.ID() == p.ID() {
			return fmt.Errorf("parser: duplicate parser id %q", p.ID())
		}
	}
	e.parsers = append(e.parsers, p)
	return nil
}

// ParserIDs returns the registered parser IDs in registration order.
func (e *Ensemble) ParserIDs() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := make([]string, len(e.parsers))
	for i, p := range e.parsers {
		ids[i] = p.ID()
	}
	return ids
}

// Len returns the number of registered parsers.
func (e *Ensemble) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.parsers)
}

// ParseAll runs every parser concurrently and collects all outcomes. A
// failing or panicking parser becomes an error outcome; it never cancels
// its peers. Even an empty ensemble yields a result set rather than a Go
// error: its single synthetic outcome carries ErrNoParsers, so the round
// reads as all-failed downstream instead of vanishing from the audit
// trail.
func (e *Ensemble) ParseAll(ctx context.Context, req Request) (ResultSet, error) {
	e.mu.RLock()
	parsers := make([]Parser, len(e.parsers))
	copy(parsers, e.parsers)
	e.mu.RUnlock()

	if len(parsers) == 0 {
		e.logger.ErrorContext(ctx, "ensemble has no parsers")
		return ResultSet{Outcomes: []Outcome{{ParserID: "ensemble", Err: ErrNoParsers}}}, nil
	}

	start := time.Now()
	outcomes := make([]Outcome, len(parsers))

	var wg sync.WaitGroup
	for i, p := range parsers {
		wg.Add(1)
		go func(i int, p Parser) {
			defer wg.Done()
			outcomes[i] = e.runOne(ctx, p, req)
		}(i, p)
	}
	wg.Wait()

	rs := ResultSet{Outcomes: outcomes, Elapsed: time.Since(start)}
	e.logger.InfoContext(ctx, "ensemble completed",
		"parsers", len(parsers),
		"succeeded", rs.SuccessCount(),
		"elapsed", rs.Elapsed)
	return rs, nil
}

func (e *Ensemble) runOne(ctx context.Context, p Parser, req Request) (out Outcome) {
	out.ParserID = p.ID()
	start := time.Now()
	defer func() {
		out.Elapsed = time.Since(start)
		if r := recover(); r != nil {
			out.Err = fmt.Errorf("parser: %s panicked: %v", p.ID(), r)
			e.logger.ErrorContext(ctx, "parser panicked", "parser_id", p.ID(), "panic", r)
		}
	}()

	if e.perParserTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.perParserTimeout)
		defer cancel()
	}

	parsed, err := p.Parse(ctx, req)
	if err != nil {
		out.Err = err
		e.logger.WarnContext(ctx, "parser failed", "parser_id", p.ID(), "error", err)
		return out
	}

	out.Intent = parsed
	e.logger.DebugContext(ctx, "parser succeeded",
		"parser_id", p.ID(), "confidence", parsed.Confidence)
	return out
}
