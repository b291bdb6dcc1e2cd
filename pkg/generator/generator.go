// Package generator turns a voted intent into a trusted intent: the only
// artifact the processing engine will execute.
//
// This is the trust boundary of the pipeline. Everything upstream handles
// raw user text; everything downstream handles identifiers. The generator
// re-normalizes the topic, validates content references, strips unknown
// constraint fields, stamps fresh identity, hashes the result, and
// optionally signs it, then re-checks that no raw content survived. Even if
// an upstream parser is compromised, prose cannot cross this stage.
package generator

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/tetrad-labs/countersign/pkg/canonicalize"
	"github.com/tetrad-labs/countersign/pkg/intent"
)

var (
	// ErrActionNotAllowed is returned when the voted action is missing from
	// a non-empty allow-list.
	ErrActionNotAllowed = errors.New("generator: action not in allowed list")

	// ErrNoSigningKey is returned when signatures are enabled without a
	// keyring.
	ErrNoSigningKey = errors.New("generator: signatures enabled but no keyring configured")

	// ErrHashMismatch is returned by Verify when the stored content hash
	// does not match the recomputed one.
	ErrHashMismatch = errors.New("generator: content hash mismatch")

	// ErrSignatureMissing is returned by Verify when signatures are enabled
	// but the intent carries none.
	ErrSignatureMissing = errors.New("generator: signature missing")

	// ErrSignatureInvalid is returned by Verify when the signature does not
	// verify under the keyring's public key.
	ErrSignatureInvalid = errors.New("generator: signature invalid")
)

// maxIdentifierLength bounds topic IDs and content references. Anything
// longer is treated as raw user text, not an identifier.
const maxIdentifierLength = 100

// Defaults for Config.
const (
	DefaultMaxContentRefs   = 10
	DefaultMaxTopicIDLength = 100
)

// knownConstraintKeys are the only constraint fields that survive
// sanitization. Everything else could carry user-controlled content.
var knownConstraintKeys = map[string]struct{}{
	"max_budget":  {},
	"max_results": {},
	"deadline":    {},
}

// Config controls generation. An empty AllowedActions list means any action
// passes; the comparator has already enforced provider policy by this stage.
type Config struct {
	EnableSignatures bool
	MaxContentRefs   int
	MaxTopicIDLength int
	AllowedActions   []string
}

// DefaultConfig returns the stock limits with signing disabled.
func DefaultConfig() Config {
	return Config{
		MaxContentRefs:   DefaultMaxContentRefs,
		MaxTopicIDLength: DefaultMaxTopicIDLength,
	}
}

// TrustedIntent is a sanitized, hashed, optionally signed intent. Its
// TopicID and ContentRefs are identifiers; user prose never appears in any
// field. Signature, when present, is the hex-encoded Ed25519 signature of
// the id:timestamp:content_hash binding.
type TrustedIntent struct {
	ID          uuid.UUID      `json:"id"`
	Timestamp   time.Time      `json:"timestamp"`
	Action      string         `json:"action"`
	TopicID     string         `json:"topic_id"`
	Expertise   []string       `json:"expertise"`
	Constraints map[string]any `json:"constraints"`
	ContentRefs []string       `json:"content_refs"`
	Signature   string         `json:"signature,omitempty"`
	ContentHash string         `json:"content_hash"`
	UserID      string         `json:"user_id"`
	SessionID   string         `json:"session_id"`
}

// ValidateNoRawContent checks the invariant everything downstream relies
// on: a trusted intent carries identifiers, never user prose.
func (t TrustedIntent) ValidateNoRawContent() error {
	if strings.ContainsRune(t.TopicID, ' ') || len(t.TopicID) > maxIdentifierLength {
		return errors.New("generator: topic_id appears to contain raw user text")
	}
	for _, ref := range t.ContentRefs {
		if strings.ContainsRune(ref, '\n') || len(ref) > maxIdentifierLength {
			return errors.New("generator: content_ref appears to contain raw content")
		}
	}
	return nil
}

// hashableIntent is the subset of TrustedIntent covered by the content hash
// and the signature. ContentHash and Signature are excluded so the hash can
// be recomputed during verification.
type hashableIntent struct {
	ID          string         `json:"id"`
	Timestamp   string         `json:"timestamp"`
	Action      string         `json:"action"`
	TopicID     string         `json:"topic_id"`
	Expertise   []string       `json:"expertise"`
	Constraints map[string]any `json:"constraints"`
	ContentRefs []string       `json:"content_refs"`
	UserID      string         `json:"user_id"`
	SessionID   string         `json:"session_id"`
}

func hashableView(t TrustedIntent) hashableIntent {
	return hashableIntent{
		ID:          t.ID.String(),
		Timestamp:   t.Timestamp.Format(time.RFC3339Nano),
		Action:      t.Action,
		TopicID:     t.TopicID,
		Expertise:   t.Expertise,
		Constraints: t.Constraints,
		ContentRefs: t.ContentRefs,
		UserID:      t.UserID,
		SessionID:   t.SessionID,
	}
}

// Generator produces trusted intents. It is stateless apart from
// configuration and safe for concurrent use.
type Generator struct {
	cfg     Config
	keyring *Keyring
	clock   func() time.Time
	logger  *slog.Logger
	allowed map[string]struct{}
}

// Option configures a Generator.
type Option func(*Generator)

// WithKeyring supplies the signing keyring. Required when
// Config.EnableSignatures is set.
func WithKeyring(k *Keyring) Option {
	return func(g *Generator) { g.keyring = k }
}

// WithClock overrides the time source for tests.
func WithClock(clock func() time.Time) Option {
	return func(g *Generator) { g.clock = clock }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Generator) { g.logger = logger }
}

// New creates a Generator. Zero-valued limits fall back to the defaults.
func New(cfg Config, opts ...Option) *Generator {
	if cfg.MaxContentRefs == 0 {
		cfg.MaxContentRefs = DefaultMaxContentRefs
	}
	if cfg.MaxTopicIDLength == 0 {
		cfg.MaxTopicIDLength = DefaultMaxTopicIDLength
	}

	g := &Generator{
		cfg:     cfg,
		clock:   time.Now,
		logger:  slog.Default(),
		allowed: make(map[string]struct{}, len(cfg.AllowedActions)),
	}
	for _, a := range cfg.AllowedActions {
		g.allowed[a] = struct{}{}
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Generate sanitizes the canonical voted intent into a TrustedIntent.
//
// userID and sessionID come from the authenticated request, never from
// parser output: identity is not something a parser gets to assert.
func (g *Generator) Generate(voted intent.Intent, userID, sessionID string) (TrustedIntent, error) {
	if err := g.validateAction(voted.Action); err != nil {
		return TrustedIntent{}, err
	}

	topicID, err := g.normalizeTopic(voted.TopicID)
	if err != nil {
		return TrustedIntent{}, err
	}

	refs, err := g.sanitizeContentRefs(voted.ContentRefs)
	if err != nil {
		return TrustedIntent{}, err
	}

	trusted := TrustedIntent{
		ID:          uuid.New(),
		Timestamp:   g.clock().UTC(),
		Action:      voted.Action,
		TopicID:     topicID,
		Expertise:   dedupeExpertise(voted.Expertise),
		Constraints: sanitizeConstraints(voted.Constraints),
		ContentRefs: refs,
		UserID:      userID,
		SessionID:   sessionID,
	}

	trusted.ContentHash, err = contentHash(trusted)
	if err != nil {
		return TrustedIntent{}, err
	}

	if g.cfg.EnableSignatures {
		if g.keyring == nil {
			return TrustedIntent{}, ErrNoSigningKey
		}
		sig, err := g.keyring.Sign(signingPayload(trusted))
		if err != nil {
			return TrustedIntent{}, fmt.Errorf("generator: signing failed: %w", err)
		}
		trusted.Signature = hex.EncodeToString(sig)
	}

	if err := trusted.ValidateNoRawContent(); err != nil {
		return TrustedIntent{}, err
	}

	g.logger.Debug("trusted intent generated",
		"intent_id", trusted.ID,
		"action", trusted.Action,
		"topic_id", trusted.TopicID,
		"signed", trusted.Signature != "")

	return trusted, nil
}

// Verify recomputes the content hash and checks the signature. Consumers
// holding a stored trusted intent call this before acting on it.
func (g *Generator) Verify(t TrustedIntent) error {
	want, err := contentHash(t)
	if err != nil {
		return err
	}
	if t.ContentHash != want {
		return ErrHashMismatch
	}

	if t.Signature == "" {
		if g.cfg.EnableSignatures {
			return ErrSignatureMissing
		}
		return nil
	}
	if g.keyring == nil {
		return ErrNoSigningKey
	}
	sig, err := hex.DecodeString(t.Signature)
	if err != nil {
		return fmt.Errorf("generator: malformed signature encoding: %w", err)
	}
	if !g.keyring.Verify(signingPayload(t), sig) {
		return ErrSignatureInvalid
	}
	return nil
}

func (g *Generator) validateAction(action string) error {
	if len(g.allowed) == 0 {
		return nil
	}
	if _, ok := g.allowed[action]; !ok {
		return fmt.Errorf("%w: %q", ErrActionNotAllowed, action)
	}
	return nil
}

// normalizeTopic converts free-form topic text into a safe identifier:
// lowercase, spaces and hyphens to underscores, every other non-alphanumeric
// rune dropped, truncated to the configured length. The result must be
// non-empty and start with a letter or underscore.
func (g *Generator) normalizeTopic(topic string) (string, error) {
	normalized := strings.TrimSpace(strings.ToLower(topic))
	normalized = strings.ReplaceAll(normalized, " ", "_")
	normalized = strings.ReplaceAll(normalized, "-", "_")

	var b strings.Builder
	for _, r := range normalized {
		if unicode.IsLetter(r) || unicode.IsNumber(r) || r == '_' {
			b.WriteRune(r)
		}
	}
	id := b.String()

	if id == "" {
		return "", errors.New("generator: topic normalized to empty identifier")
	}

	if runes := []rune(id); len(runes) > g.cfg.MaxTopicIDLength {
		id = string(runes[:g.cfg.MaxTopicIDLength])
	}

	first, _ := utf8.DecodeRuneInString(id)
	if !unicode.IsLetter(first) && first != '_' {
		return "", errors.New("generator: topic identifier must start with a letter or underscore")
	}
	return id, nil
}

// sanitizeContentRefs enforces that references look like identifiers
// (doc_123, file-abc), not embedded content.
func (g *Generator) sanitizeContentRefs(refs []string) ([]string, error) {
	if len(refs) > g.cfg.MaxContentRefs {
		return nil, fmt.Errorf("generator: too many content references: %d > %d", len(refs), g.cfg.MaxContentRefs)
	}

	out := make([]string, 0, len(refs))
	for _, ref := range refs {
		if strings.ContainsRune(ref, '\n') {
			return nil, errors.New("generator: content reference contains newlines")
		}
		if len(ref) > maxIdentifierLength {
			return nil, fmt.Errorf("generator: content reference exceeds %d characters", maxIdentifierLength)
		}
		for _, r := range ref {
			if !unicode.IsLetter(r) && !unicode.IsNumber(r) && r != '_' && r != '-' {
				return nil, fmt.Errorf("generator: content reference %q is not a valid identifier", ref)
			}
		}
		out = append(out, ref)
	}
	return out, nil
}

// sanitizeConstraints keeps only the known constraint fields. Unknown keys
// and nil values are dropped; they are the obvious smuggling channel for
// user-controlled content.
func sanitizeConstraints(constraints map[string]any) map[string]any {
	out := make(map[string]any, len(knownConstraintKeys))
	for key, val := range constraints {
		if _, known := knownConstraintKeys[key]; known && val != nil {
			out[key] = val
		}
	}
	return out
}

// dedupeExpertise lowercases, trims, and deduplicates expertise areas,
// preserving first-seen order.
func dedupeExpertise(expertise []string) []string {
	out := make([]string, 0, len(expertise))
	seen := make(map[string]struct{}, len(expertise))
	for _, e := range expertise {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if _, dup := seen[e]; dup {
			continue
		}
		seen[e] = struct{}{}
		out = append(out, e)
	}
	return out
}

// contentHash computes the canonical hash over the signable subset.
func contentHash(t TrustedIntent) (string, error) {
	digest, err := canonicalize.CanonicalHash(hashableView(t))
	if err != nil {
		return "", fmt.Errorf("generator: content hash: %w", err)
	}
	return "sha256:" + digest, nil
}

// signingPayload binds identity, issuance time, and content into the bytes
// the keyring signs.
func signingPayload(t TrustedIntent) []byte {
	return []byte(fmt.Sprintf("%s:%s:%s", t.ID, t.Timestamp.Format(time.RFC3339Nano), t.ContentHash))
}
