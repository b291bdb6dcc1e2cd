package generator

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// hkdfSalt separates this keyring's derivation domain from any other use of
// the same master seed.
var hkdfSalt = []byte("countersign-provider-kdf")

// ErrNoSeed is returned when key derivation is requested from a provider
// that does not expose its seed material.
var ErrNoSeed = errors.New("generator: key provider does not expose a derivation seed")

// KeyProvider abstracts the signing backend so the in-memory implementation
// can be swapped for an HSM, Vault, or cloud KMS without touching callers.
type KeyProvider interface {
	Sign(msg []byte) ([]byte, error)
	PublicKey() ed25519.PublicKey
}

// MemoryKeyProvider holds an Ed25519 keypair in process memory. Suitable for
// development and tests; production deployments should wrap an external KMS.
type MemoryKeyProvider struct {
	pub  ed25519.PublicKey
	priv ed25519.PrivateKey
}

// NewMemoryKeyProvider generates a fresh random keypair.
func NewMemoryKeyProvider() (*MemoryKeyProvider, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generator: keypair generation failed: %w", err)
	}
	return &MemoryKeyProvider{pub: pub, priv: priv}, nil
}

// NewMemoryKeyProviderFromSeed builds a deterministic keypair from a 32-byte
// seed, typically loaded from configuration.
func NewMemoryKeyProviderFromSeed(seed []byte) (*MemoryKeyProvider, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("generator: signing seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &MemoryKeyProvider{
		pub:  priv.Public().(ed25519.PublicKey),
		priv: priv,
	}, nil
}

func (m *MemoryKeyProvider) Sign(msg []byte) ([]byte, error) {
	return ed25519.Sign(m.priv, msg), nil
}

func (m *MemoryKeyProvider) PublicKey() ed25519.PublicKey {
	return m.pub
}

// Keyring wraps a KeyProvider with verification and per-provider key
// derivation. A trusted intent signed under one policy provider's derived
// key will not verify under another's, so signed intents cannot be replayed
// across providers.
type Keyring struct {
	provider KeyProvider
}

// NewKeyring wraps the given provider. The provider must not be nil; use
// NewMemoryKeyring for a self-contained development keyring.
func NewKeyring(p KeyProvider) *Keyring {
	return &Keyring{provider: p}
}

// NewMemoryKeyring creates a keyring backed by a fresh in-memory keypair.
func NewMemoryKeyring() (*Keyring, error) {
	p, err := NewMemoryKeyProvider()
	if err != nil {
		return nil, err
	}
	return NewKeyring(p), nil
}

// Sign signs msg with the wrapped provider's private key.
func (k *Keyring) Sign(msg []byte) ([]byte, error) {
	return k.provider.Sign(msg)
}

// Verify reports whether sig is a valid signature of msg under this
// keyring's public key.
func (k *Keyring) Verify(msg, sig []byte) bool {
	return ed25519.Verify(k.provider.PublicKey(), msg, sig)
}

func (k *Keyring) PublicKey() ed25519.PublicKey {
	return k.provider.PublicKey()
}

// DeriveForProvider derives a policy-provider-specific keyring using
// HKDF-SHA256 with the master seed as input key material and providerID as
// the info string. The same master seed and providerID always yield the
// same keypair.
func (k *Keyring) DeriveForProvider(providerID string) (*Keyring, error) {
	if providerID == "" {
		return nil, errors.New("generator: providerID must not be empty")
	}

	master, ok := k.provider.(*MemoryKeyProvider)
	if !ok {
		return nil, ErrNoSeed
	}
	seed := master.priv.Seed()

	r := hkdf.New(sha256.New, seed, hkdfSalt, []byte(providerID))
	derived := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(r, derived); err != nil {
		return nil, fmt.Errorf("generator: key derivation failed: %w", err)
	}

	priv := ed25519.NewKeyFromSeed(derived)
	return NewKeyring(&MemoryKeyProvider{
		pub:  priv.Public().(ed25519.PublicKey),
		priv: priv,
	}), nil
}
