package parser

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"

	"github.com/tetrad-labs/countersign/pkg/intent"
)

// WASMConfig bounds a sandboxed parser's resources.
type WASMConfig struct {
	// MemoryLimitBytes caps guest memory. Zero leaves the runtime default.
	MemoryLimitBytes int64
	// Timeout bounds one parse. Zero leaves the parse bounded only by the
	// caller's context.
	Timeout time.Duration
	// TrustLevel grades the plugin's extraction path; operators set it
	// per plugin. Zero falls back to defaultWASMTrustLevel.
	TrustLevel float64
}

// defaultWASMTrustLevel applies to plugins whose operator set no level.
// The sandbox removes every side channel but says nothing about how the
// guest derives an intent, so an unrated plugin ranks below the models.
const defaultWASMTrustLevel = 0.7

// DefaultWASMConfig returns the production limits.
func DefaultWASMConfig() WASMConfig {
	return WASMConfig{
		MemoryLimitBytes: 64 * 1024 * 1024,
		Timeout:          10 * time.Second,
		TrustLevel:       defaultWASMTrustLevel,
	}
}

// WASMParser runs an operator-supplied WebAssembly extractor in a
// deny-by-default WASI sandbox: no filesystem, no network, no environment,
// no clock, no randomness. The guest reads a request envelope from stdin
// and writes an intent document to stdout.
type WASMParser struct {
	id       string
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
	modCfg   wazero.ModuleConfig
	cfg      WASMConfig
	clock    func() time.Time
}

// WASMOption configures a WASMParser.
type WASMOption func(*WASMParser)

// WithWASMClock overrides the host time source used for intent metadata.
// The guest itself never sees a clock.
func WithWASMClock(clock func() time.Time) WASMOption {
	return func(p *WASMParser) { p.clock = clock }
}

// NewWASMParser compiles the guest module once and reuses it for every
// parse.
func NewWASMParser(ctx context.Context, id string, wasmBytes []byte, cfg WASMConfig, opts ...WASMOption) (*WASMParser, error) {
	runtimeCfg := wazero.NewRuntimeConfig()
	if cfg.MemoryLimitBytes > 0 {
		pages := uint32(cfg.MemoryLimitBytes / (64 * 1024))
		if pages == 0 {
			pages = 1
		}
		runtimeCfg = runtimeCfg.WithMemoryLimitPages(pages)
	}

	r := wazero.NewRuntimeWithConfig(ctx, runtimeCfg)
	wasi_snapshot_preview1.MustInstantiate(ctx, r)

	compiled, err := r.CompileModule(ctx, wasmBytes)
	if err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("parser: %s: compile wasm module: %w", id, err)
	}

	p := &WASMParser{
		id:       id,
		runtime:  r,
		compiled: compiled,
		modCfg:   wazero.NewModuleConfig().WithStartFunctions("_start"),
		cfg:      cfg,
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// ID implements Parser.
func (p *WASMParser) ID() string { return p.id }

// TrustLevel implements Parser.
func (p *WASMParser) TrustLevel() float64 {
	if p.cfg.TrustLevel > 0 {
		return p.cfg.TrustLevel
	}
	return defaultWASMTrustLevel
}

type wasmEnvelope struct {
	Prompt    string `json:"prompt"`
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
}

// Parse implements Parser.
func (p *WASMParser) Parse(ctx context.Context, req Request) (intent.ParsedIntent, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return intent.ParsedIntent{}, ErrEmptyInput
	}

	if p.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
	}

	input, err := json.Marshal(wasmEnvelope{
		Prompt:    req.Prompt,
		UserID:    req.UserID,
		SessionID: req.SessionID,
	})
	if err != nil {
		return intent.ParsedIntent{}, fmt.Errorf("parser: %s: marshal envelope: %w", p.id, err)
	}

	var stdout, stderr bytes.Buffer
	modCfg := p.modCfg.
		WithName("").
		WithStdin(bytes.NewReader(input)).
		WithStdout(&stdout).
		WithStderr(&stderr)

	mod, err := p.runtime.InstantiateModule(ctx, p.compiled, modCfg)
	if mod != nil {
		defer func() { _ = mod.Close(ctx) }()
	}
	if err != nil {
		// A guest that calls proc_exit(0) still surfaces as an ExitError.
		var exitErr *sys.ExitError
		if !errors.As(err, &exitErr) || exitErr.ExitCode() != 0 {
			if ctx.Err() != nil {
				return intent.ParsedIntent{}, fmt.Errorf("parser: %s: execution timed out: %w", p.id, ctx.Err())
			}
			return intent.ParsedIntent{}, fmt.Errorf("parser: %s: guest execution: %w", p.id, err)
		}
	}

	if stderr.Len() > 0 {
		return intent.ParsedIntent{}, fmt.Errorf("parser: %s: guest stderr: %s", p.id, stderr.String())
	}

	payload, err := decodeExtraction(stdout.Bytes())
	if err != nil {
		return intent.ParsedIntent{}, fmt.Errorf("parser: %s: %w", p.id, err)
	}

	return intentFromExtraction(payload, p.id, req.UserID, req.SessionID, p.clock()), nil
}

// Close releases the compiled module and runtime.
func (p *WASMParser) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return p.runtime.Close(ctx)
}
