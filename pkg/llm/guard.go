package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when the breaker is open and no fallback
// client is configured.
var ErrCircuitOpen = errors.New("llm: circuit breaker open")

// ErrEmptyCompletion is returned when the model produced no content.
var ErrEmptyCompletion = errors.New("llm: empty completion")

// GuardConfig tunes the resilience wrapper around a model client.
type GuardConfig struct {
	// MaxOutputBytes rejects completions larger than this. A truncated
	// intent document would still decode as garbage, so oversized output
	// is an error rather than a cut.
	MaxOutputBytes int
	// FailureThreshold is the consecutive failure count that opens the
	// breaker.
	FailureThreshold int
	// ResetTimeout is how long the breaker stays open before the next
	// attempt is allowed through.
	ResetTimeout time.Duration
}

// DefaultGuardConfig returns the production defaults.
func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		MaxOutputBytes:   64 * 1024,
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
	}
}

// GuardStats is a snapshot of guard counters.
type GuardStats struct {
	TotalRequests     int64
	PrimaryFailures   int64
	FallbackServed    int64
	AnomaliesDetected int64
	BreakerOpen       bool
}

// Guard wraps a Client with a circuit breaker, output-size enforcement,
// anomaly scanning, and an optional fallback client. Completions that echo
// instruction-override phrasing are logged and counted but still returned;
// the downstream vote and policy gates decide their fate.
type Guard struct {
	primary  Client
	fallback Client
	cfg      GuardConfig
	logger   *slog.Logger
	clock    func() time.Time

	mu          sync.Mutex
	failures    int
	lastFailure time.Time
	open        bool
	stats       GuardStats
}

// GuardOption configures a Guard.
type GuardOption func(*Guard)

// WithFallback serves completions from a backup client when the primary
// fails or the breaker is open.
func WithFallback(client Client) GuardOption {
	return func(g *Guard) { g.fallback = client }
}

// WithGuardConfig replaces the default configuration.
func WithGuardConfig(cfg GuardConfig) GuardOption {
	return func(g *Guard) { g.cfg = cfg }
}

// WithGuardLogger sets the guard's logger.
func WithGuardLogger(logger *slog.Logger) GuardOption {
	return func(g *Guard) { g.logger = logger }
}

// WithGuardClock overrides the time source.
func WithGuardClock(clock func() time.Time) GuardOption {
	return func(g *Guard) { g.clock = clock }
}

// NewGuard wraps primary in the resilience layer.
func NewGuard(primary Client, opts ...GuardOption) *Guard {
	g := &Guard{
		primary: primary,
		cfg:     DefaultGuardConfig(),
		logger:  slog.Default(),
		clock:   time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Complete routes the request through the breaker and validates the result.
func (g *Guard) Complete(ctx context.Context, req Request) (*Completion, error) {
	g.mu.Lock()
	g.stats.TotalRequests++
	g.mu.Unlock()

	if g.circuitOpen() {
		if g.fallback == nil {
			return nil, ErrCircuitOpen
		}
		return g.serveFallback(ctx, req, ErrCircuitOpen)
	}

	out, err := g.primary.Complete(ctx, req)
	if err != nil {
		g.recordFailure(ctx)
		if g.fallback == nil {
			return nil, fmt.Errorf("llm: primary client: %w", err)
		}
		return g.serveFallback(ctx, req, err)
	}
	g.recordSuccess()

	if err := g.validate(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (g *Guard) serveFallback(ctx context.Context, req Request, cause error) (*Completion, error) {
	out, err := g.fallback.Complete(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("llm: fallback client after %v: %w", cause, err)
	}
	if err := g.validate(ctx, out); err != nil {
		return nil, err
	}
	g.mu.Lock()
	g.stats.FallbackServed++
	g.mu.Unlock()
	g.logger.InfoContext(ctx, "served completion from fallback client", "cause", cause)
	return out, nil
}

func (g *Guard) validate(ctx context.Context, out *Completion) error {
	if strings.TrimSpace(out.Content) == "" {
		return ErrEmptyCompletion
	}
	if g.cfg.MaxOutputBytes > 0 && len(out.Content) > g.cfg.MaxOutputBytes {
		return fmt.Errorf("llm: completion size %d exceeds limit %d", len(out.Content), g.cfg.MaxOutputBytes)
	}
	if anomaly := scanCompletion(out.Content); anomaly != "" {
		g.mu.Lock()
		g.stats.AnomaliesDetected++
		g.mu.Unlock()
		g.logger.WarnContext(ctx, "anomalous completion", "anomaly", anomaly)
	}
	return nil
}

func (g *Guard) circuitOpen() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.open {
		return false
	}
	if g.clock().Sub(g.lastFailure) > g.cfg.ResetTimeout {
		g.open = false
		g.failures = 0
		g.stats.BreakerOpen = false
		g.logger.Info("circuit breaker reset")
		return false
	}
	return true
}

func (g *Guard) recordFailure(ctx context.Context) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.failures++
	g.lastFailure = g.clock()
	g.stats.PrimaryFailures++

	if g.failures >= g.cfg.FailureThreshold && !g.open {
		g.open = true
		g.stats.BreakerOpen = true
		g.logger.WarnContext(ctx, "circuit breaker opened", "failures", g.failures)
	}
}

func (g *Guard) recordSuccess() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failures = 0
}

// Snapshot returns a copy of the guard counters.
func (g *Guard) Snapshot() GuardStats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stats
}

// overridePhrases are instruction-override markers that should never appear
// in a structured extraction result.
var overridePhrases = []string{
	"ignore previous instructions",
	"ignore all previous instructions",
	"disregard all prior",
	"you are now",
	"pretend you are",
	"act as if",
}

func scanCompletion(content string) string {
	if maxRepeatRun(content) > 16 {
		return "excessive_repetition"
	}
	lower := strings.ToLower(content)
	for _, phrase := range overridePhrases {
		if strings.Contains(lower, phrase) {
			return "instruction_override_echo"
		}
	}
	return ""
}

func maxRepeatRun(s string) int {
	if len(s) < 2 {
		return len(s)
	}
	longest, run := 1, 1
	for i := 1; i < len(s); i++ {
		if s[i] == s[i-1] {
			run++
			if run > longest {
				longest = run
			}
		} else {
			run = 1
		}
	}
	return longest
}
