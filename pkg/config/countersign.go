// Package config loads the process configuration from the environment.
//
// Every variable carries the COUNTERSIGN_ prefix and has a workable
// default; a value that is present but unparseable is an error, never a
// silent fallback.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Backend selects a storage implementation.
type Backend string

// Storage backends.
const (
	BackendMemory   Backend = "memory"
	BackendSQLite   Backend = "sqlite"
	BackendPostgres Backend = "postgres"
)

// Config is the full process configuration.
type Config struct {
	// HTTP server.
	ListenAddr     string
	LogLevel       string
	RateLimitRPS   int
	RateLimitBurst int

	// Parsers.
	OpenAIAPIKey   string
	OpenAIBaseURL  string
	OpenAIModel    string
	OllamaBaseURL  string
	OllamaModel    string
	WASMPluginPath string
	ParserTimeout  time.Duration

	// Voting thresholds.
	HighConfidenceMin float64
	LowConfidenceMin  float64

	// Comparator.
	StrictMode bool

	// Policy profiles.
	ProfilesDir   string
	ActiveProfile string

	// Approval queue.
	QueueBackend    Backend
	QueueSQLitePath string
	ApprovalMaxAge  time.Duration

	// Audit ledger.
	LedgerBackend    Backend
	LedgerSQLitePath string
	PostgresDSN      string

	// Ledger archive.
	ArchiveBucket   string
	ArchiveEndpoint string
	ArchiveRegion   string

	// Redis (parse cache + quota limiter). Empty address disables both.
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	CacheTTL      time.Duration

	// Trusted-intent signing.
	EnableSignatures bool
	SigningSeedHex   string

	// Notifications.
	WebhookURL string

	// Approver authentication. Empty key keeps body-supplied approver IDs.
	ApproverJWTKey string

	// Telemetry.
	OTLPEndpoint string
	OTLPInsecure bool
	Environment  string
}

// Load reads the configuration from the environment.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:       envStr("COUNTERSIGN_LISTEN_ADDR", ":8080"),
		LogLevel:         envStr("COUNTERSIGN_LOG_LEVEL", "info"),
		OpenAIAPIKey:     os.Getenv("COUNTERSIGN_OPENAI_API_KEY"),
		OpenAIBaseURL:    envStr("COUNTERSIGN_OPENAI_BASE_URL", "https://api.openai.com/v1"),
		OpenAIModel:      envStr("COUNTERSIGN_OPENAI_MODEL", "gpt-4o-mini"),
		OllamaBaseURL:    os.Getenv("COUNTERSIGN_OLLAMA_BASE_URL"),
		OllamaModel:      envStr("COUNTERSIGN_OLLAMA_MODEL", "llama3.1"),
		WASMPluginPath:   os.Getenv("COUNTERSIGN_WASM_PLUGIN"),
		ProfilesDir:      envStr("COUNTERSIGN_PROFILES_DIR", "profiles"),
		ActiveProfile:    envStr("COUNTERSIGN_PROFILE", "default"),
		QueueSQLitePath:  envStr("COUNTERSIGN_QUEUE_SQLITE_PATH", "countersign-approvals.db"),
		LedgerSQLitePath: envStr("COUNTERSIGN_LEDGER_SQLITE_PATH", "countersign-ledger.db"),
		PostgresDSN:      os.Getenv("COUNTERSIGN_POSTGRES_DSN"),
		ArchiveBucket:    os.Getenv("COUNTERSIGN_ARCHIVE_BUCKET"),
		ArchiveEndpoint:  os.Getenv("COUNTERSIGN_ARCHIVE_ENDPOINT"),
		ArchiveRegion:    envStr("COUNTERSIGN_ARCHIVE_REGION", "us-east-1"),
		RedisAddr:        os.Getenv("COUNTERSIGN_REDIS_ADDR"),
		RedisPassword:    os.Getenv("COUNTERSIGN_REDIS_PASSWORD"),
		SigningSeedHex:   os.Getenv("COUNTERSIGN_SIGNING_SEED"),
		WebhookURL:       os.Getenv("COUNTERSIGN_WEBHOOK_URL"),
		ApproverJWTKey:   os.Getenv("COUNTERSIGN_APPROVER_JWT_KEY"),
		OTLPEndpoint:     os.Getenv("COUNTERSIGN_OTLP_ENDPOINT"),
		Environment:      envStr("COUNTERSIGN_ENVIRONMENT", "development"),
	}

	var err error
	if cfg.RateLimitRPS, err = envInt("COUNTERSIGN_RATE_LIMIT_RPS", 10); err != nil {
		return nil, err
	}
	if cfg.RateLimitBurst, err = envInt("COUNTERSIGN_RATE_LIMIT_BURST", 20); err != nil {
		return nil, err
	}
	if cfg.RedisDB, err = envInt("COUNTERSIGN_REDIS_DB", 0); err != nil {
		return nil, err
	}
	if cfg.HighConfidenceMin, err = envFloat("COUNTERSIGN_HIGH_CONFIDENCE_MIN", 0.95); err != nil {
		return nil, err
	}
	if cfg.LowConfidenceMin, err = envFloat("COUNTERSIGN_LOW_CONFIDENCE_MIN", 0.75); err != nil {
		return nil, err
	}
	if cfg.StrictMode, err = envBool("COUNTERSIGN_STRICT_MODE", false); err != nil {
		return nil, err
	}
	if cfg.EnableSignatures, err = envBool("COUNTERSIGN_ENABLE_SIGNATURES", false); err != nil {
		return nil, err
	}
	if cfg.OTLPInsecure, err = envBool("COUNTERSIGN_OTLP_INSECURE", false); err != nil {
		return nil, err
	}
	if cfg.ParserTimeout, err = envDuration("COUNTERSIGN_PARSER_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.CacheTTL, err = envDuration("COUNTERSIGN_CACHE_TTL", time.Hour); err != nil {
		return nil, err
	}
	if cfg.ApprovalMaxAge, err = envDuration("COUNTERSIGN_APPROVAL_MAX_AGE", 24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.QueueBackend, err = envBackend("COUNTERSIGN_QUEUE_BACKEND", BackendMemory, BackendMemory, BackendSQLite); err != nil {
		return nil, err
	}
	if cfg.LedgerBackend, err = envBackend("COUNTERSIGN_LEDGER_BACKEND", BackendMemory, BackendMemory, BackendSQLite, BackendPostgres); err != nil {
		return nil, err
	}

	if cfg.HighConfidenceMin < cfg.LowConfidenceMin {
		return nil, fmt.Errorf("config: high confidence threshold %v below low threshold %v",
			cfg.HighConfidenceMin, cfg.LowConfidenceMin)
	}
	if cfg.LedgerBackend == BackendPostgres && cfg.PostgresDSN == "" {
		return nil, fmt.Errorf("config: COUNTERSIGN_POSTGRES_DSN required for the postgres ledger")
	}
	if cfg.EnableSignatures && cfg.SigningSeedHex == "" {
		return nil, fmt.Errorf("config: COUNTERSIGN_SIGNING_SEED required when signatures are enabled")
	}

	return cfg, nil
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return n, nil
}

func envFloat(key string, def float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return f, nil
}

func envBool(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("config: %s: %w", key, err)
	}
	return b, nil
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return d, nil
}

func envBackend(key string, def Backend, allowed ...Backend) (Backend, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	for _, b := range allowed {
		if Backend(v) == b {
			return b, nil
		}
	}
	return "", fmt.Errorf("config: %s: unknown backend %q", key, v)
}
