package parser

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// minimalModule is an empty but well-formed WebAssembly binary: magic
// number plus version, no sections.
var minimalModule = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

func TestNewWASMParser_RejectsInvalidModule(t *testing.T) {
	_, err := NewWASMParser(context.Background(), "wasm_v1", []byte("not wasm"), DefaultWASMConfig())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "compile")
}

func TestNewWASMParser_CompilesValidModule(t *testing.T) {
	p, err := NewWASMParser(context.Background(), "wasm_v1", minimalModule, DefaultWASMConfig())
	require.NoError(t, err)
	defer func() { _ = p.Close() }()

	assert.Equal(t, "wasm_v1", p.ID())
}

func TestWASMParser_TrustLevel(t *testing.T) {
	p, err := NewWASMParser(context.Background(), "wasm_v1", minimalModule, DefaultWASMConfig())
	require.NoError(t, err)
	defer func() { _ = p.Close() }()
	assert.Equal(t, 0.7, p.TrustLevel())

	rated, err := NewWASMParser(context.Background(), "wasm_v2", minimalModule, WASMConfig{TrustLevel: 0.95})
	require.NoError(t, err)
	defer func() { _ = rated.Close() }()
	assert.Equal(t, 0.95, rated.TrustLevel())

	unrated, err := NewWASMParser(context.Background(), "wasm_v3", minimalModule, WASMConfig{})
	require.NoError(t, err)
	defer func() { _ = unrated.Close() }()
	assert.Equal(t, 0.7, unrated.TrustLevel())
}

func TestWASMParser_EmptyPrompt(t *testing.T) {
	p, err := NewWASMParser(context.Background(), "wasm_v1", minimalModule, DefaultWASMConfig())
	require.NoError(t, err)
	defer func() { _ = p.Close() }()

	_, err = p.Parse(context.Background(), Request{Prompt: " "})
	assert.ErrorIs(t, err, ErrEmptyInput)
}

func TestWASMParser_SilentGuestIsAnError(t *testing.T) {
	// The minimal module exports nothing, so the run produces no intent
	// document on stdout.
	p, err := NewWASMParser(context.Background(), "wasm_v1", minimalModule, DefaultWASMConfig())
	require.NoError(t, err)
	defer func() { _ = p.Close() }()

	_, err = p.Parse(context.Background(), Request{Prompt: "research quantum computing"})
	assert.Error(t, err)
}
