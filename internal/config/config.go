// Package config loads and validates all runtime configuration for the router.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	LogLevel string

	// GlobalTimeout is the per-request deadline across the whole pipeline.
	GlobalTimeout time.Duration

	// MaxPromptChars is the hard upper bound on prompt length.
	MaxPromptChars int

	// Admission controls the memory-pressure gate.
	Admission AdmissionConfig

	// FastText is the hosted fast-text provider (Groq-equivalent).
	FastText FastTextConfig

	// LocalText is the local/sidecar text provider (Ollama-equivalent).
	LocalText LocalTextConfig

	// PremiumText is the premium text provider (Claude-equivalent).
	PremiumText PremiumTextConfig

	// Media is the media-inference provider.
	Media MediaConfig

	// Breaker controls the fast-text circuit breaker.
	Breaker BreakerConfig

	// Quota controls the premium-provider rolling-window cap.
	Quota QuotaConfig

	// Dedupe controls coalescer timing.
	Dedupe DedupeConfig

	// Redis holds the shared-store connection settings.
	Redis RedisConfig

	// CacheTTL is the TTL for cache entries. Default: 300s.
	CacheTTL time.Duration

	// CORSOrigins is the list of allowed CORS origins.
	CORSOrigins []string
}

// AdmissionConfig controls the memory-pressure admission gate.
type AdmissionConfig struct {
	// MinFreeRAMMB is the minimum free memory, in megabytes, required to admit
	// a request. Default: 500.
	MinFreeRAMMB int
}

// FastTextConfig configures the hosted fast-text provider.
type FastTextConfig struct {
	APIKey  string
	Model   string
	BaseURL string
	// Timeout is the per-call timeout for this provider specifically; it is
	// tighter than the global provider timeout because the fast path is
	// expected to be fast.
	Timeout time.Duration
}

// LocalTextConfig configures the local/sidecar text provider.
type LocalTextConfig struct {
	BaseURL string
	Model   string
	// MaxConcurrency bounds in-flight calls to this provider within the process.
	MaxConcurrency int
}

// PremiumTextConfig configures the premium text provider.
type PremiumTextConfig struct {
	APIKey string
	Model  string
}

// MediaConfig configures the media-inference provider.
type MediaConfig struct {
	APIKey  string
	BaseURL string
}

// BreakerConfig controls the fast-text circuit breaker.
type BreakerConfig struct {
	// Threshold429 is the number of consecutive 429s that open the breaker.
	Threshold429 int
	// OpenSeconds is the cooldown duration once open.
	OpenSeconds int
}

// QuotaConfig controls the premium-provider rolling-window cap.
type QuotaConfig struct {
	// CapRatio is the maximum fraction of total traffic the premium provider
	// may serve, evaluated over RollingWindow.
	CapRatio float64
	// RollingWindow is the window over which the ratio is evaluated.
	RollingWindow time.Duration
}

// DedupeConfig controls coalescer timing.
type DedupeConfig struct {
	// WindowMS is the maximum age, in milliseconds, of an existing lock a
	// losing request will wait on rather than dispatch independently.
	WindowMS int
}

// RedisConfig holds shared-store connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Empty disables Redis; the router
	// falls back to an in-process store with no cross-replica coalescing.
	URL string
	// Namespace prefixes every key written to the shared store.
	Namespace string
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("GLOBAL_TIMEOUT_SECONDS", 30)
	v.SetDefault("MAX_PROMPT_CHARS", 16000)

	v.SetDefault("MIN_FREE_RAM_MB", 500)

	v.SetDefault("GROQ_MODEL", "llama-3.3-70b-versatile")
	v.SetDefault("GROQ_TIMEOUT_SECONDS", 8)

	v.SetDefault("OLLAMA_BASE_URL", "http://localhost:11434")
	v.SetDefault("OLLAMA_MODEL", "llama3.1:8b")
	v.SetDefault("OLLAMA_MAX_CONCURRENCY", 5)

	v.SetDefault("CLAUDE_MODEL", "claude-3-5-sonnet-20241022")

	v.SetDefault("KIE_BASE_URL", "https://api.kie.ai")

	v.SetDefault("GROQ_429_BREAKER_THRESHOLD", 2)
	v.SetDefault("GROQ_429_BREAKER_OPEN_SECONDS", 60)

	v.SetDefault("CLAUDE_CAP_RATIO", 0.01)
	v.SetDefault("CLAUDE_ROLLING_WINDOW_SECONDS", 3600)

	v.SetDefault("CACHE_TTL_SECONDS", 300)
	v.SetDefault("DEDUPE_WINDOW_MS", 100)

	v.SetDefault("REDIS_NAMESPACE", "inference-router")

	v.SetDefault("CORS_ORIGINS", []string{"*"})

	// ── Build config ──────────────────────────────────────────────────────
	cfg := &Config{
		Port:           v.GetInt("PORT"),
		LogLevel:       strings.ToLower(v.GetString("LOG_LEVEL")),
		GlobalTimeout:  time.Duration(v.GetInt("GLOBAL_TIMEOUT_SECONDS")) * time.Second,
		MaxPromptChars: v.GetInt("MAX_PROMPT_CHARS"),

		Admission: AdmissionConfig{
			MinFreeRAMMB: v.GetInt("MIN_FREE_RAM_MB"),
		},

		FastText: FastTextConfig{
			APIKey:  v.GetString("GROQ_API_KEY"),
			Model:   v.GetString("GROQ_MODEL"),
			BaseURL: v.GetString("GROQ_BASE_URL"),
			Timeout: time.Duration(v.GetInt("GROQ_TIMEOUT_SECONDS")) * time.Second,
		},

		LocalText: LocalTextConfig{
			BaseURL:        v.GetString("OLLAMA_BASE_URL"),
			Model:          v.GetString("OLLAMA_MODEL"),
			MaxConcurrency: v.GetInt("OLLAMA_MAX_CONCURRENCY"),
		},

		PremiumText: PremiumTextConfig{
			APIKey: v.GetString("CLAUDE_API_KEY"),
			Model:  v.GetString("CLAUDE_MODEL"),
		},

		Media: MediaConfig{
			APIKey:  v.GetString("KIE_API_KEY"),
			BaseURL: v.GetString("KIE_BASE_URL"),
		},

		Breaker: BreakerConfig{
			Threshold429: v.GetInt("GROQ_429_BREAKER_THRESHOLD"),
			OpenSeconds:  v.GetInt("GROQ_429_BREAKER_OPEN_SECONDS"),
		},

		Quota: QuotaConfig{
			CapRatio:      v.GetFloat64("CLAUDE_CAP_RATIO"),
			RollingWindow: time.Duration(v.GetInt("CLAUDE_ROLLING_WINDOW_SECONDS")) * time.Second,
		},

		Dedupe: DedupeConfig{
			WindowMS: v.GetInt("DEDUPE_WINDOW_MS"),
		},

		Redis: RedisConfig{
			URL:       v.GetString("REDIS_URL"),
			Namespace: v.GetString("REDIS_NAMESPACE"),
		},

		CacheTTL: time.Duration(v.GetInt("CACHE_TTL_SECONDS")) * time.Second,

		CORSOrigins: v.GetStringSlice("CORS_ORIGINS"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error", c.LogLevel)
	}

	if c.GlobalTimeout <= 0 {
		return fmt.Errorf("config: GLOBAL_TIMEOUT_SECONDS must be a positive duration")
	}
	if c.MaxPromptChars < 1 {
		return fmt.Errorf("config: MAX_PROMPT_CHARS must be ≥ 1, got %d", c.MaxPromptChars)
	}
	if c.Admission.MinFreeRAMMB < 0 {
		return fmt.Errorf("config: MIN_FREE_RAM_MB must be ≥ 0, got %d", c.Admission.MinFreeRAMMB)
	}
	if c.LocalText.MaxConcurrency < 1 {
		return fmt.Errorf("config: OLLAMA_MAX_CONCURRENCY must be ≥ 1, got %d", c.LocalText.MaxConcurrency)
	}
	if c.Breaker.Threshold429 < 1 {
		return fmt.Errorf("config: GROQ_429_BREAKER_THRESHOLD must be ≥ 1, got %d", c.Breaker.Threshold429)
	}
	if c.Breaker.OpenSeconds < 1 {
		return fmt.Errorf("config: GROQ_429_BREAKER_OPEN_SECONDS must be ≥ 1, got %d", c.Breaker.OpenSeconds)
	}
	if c.Quota.CapRatio <= 0 || c.Quota.CapRatio > 1 {
		return fmt.Errorf("config: CLAUDE_CAP_RATIO must be in (0,1], got %v", c.Quota.CapRatio)
	}
	if c.Quota.RollingWindow <= 0 {
		return fmt.Errorf("config: CLAUDE_ROLLING_WINDOW_SECONDS must be a positive duration")
	}
	if c.CacheTTL <= 0 {
		return fmt.Errorf("config: CACHE_TTL_SECONDS must be a positive duration")
	}
	if c.Dedupe.WindowMS < 0 {
		return fmt.Errorf("config: DEDUPE_WINDOW_MS must be ≥ 0, got %d", c.Dedupe.WindowMS)
	}

	return nil
}

// UsesSharedStore reports whether a Redis URL was configured. Without one the
// router runs in degraded single-process mode: no cross-replica coalescing or
// quota sharing.
func (c *Config) UsesSharedStore() bool {
	return c.Redis.URL != ""
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
