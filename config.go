package tideflow

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the client configuration. Instances are set up during
// initialization and treated as immutable afterwards; Builder keeps its own
// copy.
type Config struct {
	Services ServicesConfig   `yaml:"services"`
	Storage  StorageConfig    `yaml:"storage"`
	HTTP     HTTPConfig       `yaml:"http"`
	Session  SessionConfig    `yaml:"session"`
	Password PasswordPolicy   `yaml:"password"`
	Reports  ReportPollConfig `yaml:"reports"`
	Audit    AuditConfig      `yaml:"audit"`
	Metrics  MetricsConfig    `yaml:"metrics"`
	Log      LogConfig        `yaml:"log"`
}

/*
====================================
SERVICES
====================================
*/

// ServicesConfig holds the two backend base URLs.
type ServicesConfig struct {
	AuthBaseURL string `yaml:"auth_base_url"`
	AIBaseURL   string `yaml:"ai_base_url"`
}

/*
====================================
STORAGE
====================================
*/

// StorageBackend selects where device state is persisted.
type StorageBackend string

const (
	StorageMemory StorageBackend = "memory"
	StorageFile   StorageBackend = "file"
	StorageRedis  StorageBackend = "redis"
)

// StorageConfig configures the persisted device state.
type StorageConfig struct {
	Backend StorageBackend `yaml:"backend"`
	// Path is the state directory for the file backend. Empty uses the
	// per-user config directory.
	Path      string `yaml:"path"`
	RedisAddr string `yaml:"redis_addr"`
	RedisDB   int    `yaml:"redis_db"`
	Prefix    string `yaml:"prefix"`
}

// HTTPConfig configures the gateway transport.
type HTTPConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// SessionConfig tunes session rehydration.
type SessionConfig struct {
	// PurgeExpiredTokens drops a persisted token whose exp claim has passed
	// instead of waiting for the first 401.
	PurgeExpiredTokens bool          `yaml:"purge_expired_tokens"`
	TokenLeeway        time.Duration `yaml:"token_leeway"`
}

// PasswordPolicy is enforced client-side before registration.
type PasswordPolicy struct {
	MinLength     int  `yaml:"min_length"`
	RequireUpper  bool `yaml:"require_upper"`
	RequireLower  bool `yaml:"require_lower"`
	RequireDigit  bool `yaml:"require_digit"`
	RequireSymbol bool `yaml:"require_symbol"`
}

// ReportPollConfig bounds AwaitReport.
type ReportPollConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
}

// AuditConfig controls the async audit dispatcher.
type AuditConfig struct {
	Enabled    bool `yaml:"enabled"`
	BufferSize int  `yaml:"buffer_size"`
	DropIfFull bool `yaml:"drop_if_full"`
}

// MetricsConfig toggles counters and the latency histogram.
type MetricsConfig struct {
	Enabled                 bool `yaml:"enabled"`
	EnableLatencyHistograms bool `yaml:"latency_histograms"`
}

// LogConfig selects the slog level by name.
type LogConfig struct {
	Level string `yaml:"level"`
}

/*
====================================
DEFAULTS
====================================
*/

// DefaultConfig returns the configuration used when none is supplied.
func DefaultConfig() Config {
	return defaultConfig()
}

func defaultConfig() Config {
	return Config{
		Services: ServicesConfig{
			AuthBaseURL: "http://localhost:8080",
			AIBaseURL:   "http://localhost:8081",
		},
		Storage: StorageConfig{
			Backend: StorageFile,
			Prefix:  "tideflow",
		},
		HTTP: HTTPConfig{
			Timeout: 30 * time.Second,
		},
		Session: SessionConfig{
			PurgeExpiredTokens: true,
			TokenLeeway:        30 * time.Second,
		},
		Password: PasswordPolicy{
			MinLength:     8,
			RequireUpper:  true,
			RequireLower:  true,
			RequireDigit:  true,
			RequireSymbol: true,
		},
		Reports: ReportPollConfig{
			MaxAttempts:  10,
			InitialDelay: 2 * time.Second,
			MaxDelay:     15 * time.Second,
			Multiplier:   1.5,
		},
		Audit: AuditConfig{
			Enabled:    false,
			BufferSize: 256,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled:                 true,
			EnableLatencyHistograms: true,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

/*
====================================
LOADING
====================================
*/

// LoadConfig reads a YAML file over the defaults. Unknown keys are rejected.
// The result is not validated; callers apply environment overrides first.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := decodeConfig(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

func decodeConfig(data []byte, cfg *Config) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	return dec.Decode(cfg)
}

// Environment variables read by ApplyEnv.
const (
	EnvAPIURL      = "TIDEFLOW_API_URL"
	EnvAIURL       = "TIDEFLOW_AI_URL"
	EnvStorage     = "TIDEFLOW_STORAGE"
	EnvStoragePath = "TIDEFLOW_STORAGE_PATH"
	EnvRedisAddr   = "TIDEFLOW_REDIS_ADDR"
	EnvLogLevel    = "TIDEFLOW_LOG_LEVEL"
	EnvHTTPTimeout = "TIDEFLOW_HTTP_TIMEOUT"
)

// ApplyEnv overrides fields from the environment. lookup is typically
// os.LookupEnv; a nil lookup uses it.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	get := func(key string) (string, bool) {
		v, ok := lookup(key)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}

	if v, ok := get(EnvAPIURL); ok {
		c.Services.AuthBaseURL = v
	}
	if v, ok := get(EnvAIURL); ok {
		c.Services.AIBaseURL = v
	}
	if v, ok := get(EnvStorage); ok {
		c.Storage.Backend = StorageBackend(strings.ToLower(v))
	}
	if v, ok := get(EnvStoragePath); ok {
		c.Storage.Path = v
	}
	if v, ok := get(EnvRedisAddr); ok {
		c.Storage.RedisAddr = v
	}
	if v, ok := get(EnvLogLevel); ok {
		c.Log.Level = strings.ToLower(v)
	}
	if v, ok := get(EnvHTTPTimeout); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			if secs, convErr := strconv.Atoi(v); convErr == nil {
				d = time.Duration(secs) * time.Second
			} else {
				return fmt.Errorf("%w: %s: %v", ErrConfigInvalid, EnvHTTPTimeout, err)
			}
		}
		c.HTTP.Timeout = d
	}
	return nil
}

/*
====================================
VALIDATION
====================================
*/

// Validate checks the configuration. Every error wraps ErrConfigInvalid.
func (c *Config) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrConfigInvalid}, args...)...))
	}

	if err := validateBaseURL(c.Services.AuthBaseURL); err != nil {
		fail("services.auth_base_url: %v", err)
	}
	if err := validateBaseURL(c.Services.AIBaseURL); err != nil {
		fail("services.ai_base_url: %v", err)
	}

	switch c.Storage.Backend {
	case StorageMemory, StorageFile:
	case StorageRedis:
		if strings.TrimSpace(c.Storage.RedisAddr) == "" {
			fail("storage.redis_addr is required for the redis backend")
		}
		if c.Storage.RedisDB < 0 {
			fail("storage.redis_db must be >= 0")
		}
	default:
		fail("storage.backend %q is not one of memory, file, redis", c.Storage.Backend)
	}

	if c.HTTP.Timeout <= 0 {
		fail("http.timeout must be > 0")
	}
	if c.Session.TokenLeeway < 0 {
		fail("session.token_leeway must be >= 0")
	}
	if c.Password.MinLength < 1 || c.Password.MinLength > 128 {
		fail("password.min_length must be in [1,128]")
	}

	if c.Reports.MaxAttempts < 1 {
		fail("reports.max_attempts must be >= 1")
	}
	if c.Reports.InitialDelay <= 0 {
		fail("reports.initial_delay must be > 0")
	}
	if c.Reports.Multiplier < 1 {
		fail("reports.multiplier must be >= 1")
	}
	if c.Reports.MaxDelay < c.Reports.InitialDelay {
		fail("reports.max_delay must be >= reports.initial_delay")
	}

	if c.Audit.Enabled && c.Audit.BufferSize <= 0 {
		fail("audit.buffer_size must be > 0 when audit is enabled")
	}

	if _, err := ParseLogLevel(c.Log.Level); err != nil {
		fail("log.level: %v", err)
	}

	return errors.Join(errs...)
}

func validateBaseURL(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return errors.New("required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme %q must be http or https", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}

// cloneConfig copies cfg. Config holds only values, so a plain copy is deep.
func cloneConfig(in Config) Config {
	out := in
	return out
}
