// Package config implements the configuration surface of SPEC_FULL.md
// §6.4: every engine knob with its spec default, overridable by
// environment variable. Grounded on the teacher's main.go
// getEnvDuration helper, generalized from three cache TTLs to the
// full configuration surface, plus godotenv for .env loading.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config is the fully-resolved configuration surface, ready to feed
// engine.Config and protocol.Config construction.
type Config struct {
	// HTTPPerRequestTimeout bounds one manifest/catalog/stream/meta/
	// subtitles HTTP call (http.per_request_timeout, default 15s).
	HTTPPerRequestTimeout time.Duration
	// AggregateDeadline bounds one fan-out aggregation call
	// (aggregate.deadline, default 10s).
	AggregateDeadline time.Duration
	// HTTPMaxRetries is the retry ceiling on 5xx/network error
	// (http.max_retries, default 3).
	HTTPMaxRetries int
	// HTTPBackoffBaseMS is the full-jitter exponential backoff base
	// (http.backoff_base_ms, default 250).
	HTTPBackoffBaseMS int

	// CacheTTLManifest, CacheTTLCatalog, CacheTTLMeta, CacheTTLStream
	// and CacheTTLSubtitles are the per-kind response cache TTLs
	// (cache.ttl.*).
	CacheTTLManifest  time.Duration
	CacheTTLCatalog   time.Duration
	CacheTTLMeta      time.Duration
	CacheTTLStream    time.Duration
	CacheTTLSubtitles time.Duration

	// HealthWindowSize is the max retained records per provider
	// (health.window_size, default 200).
	HealthWindowSize int
	// HealthWindowDuration is the retained record age ceiling
	// (health.window_duration, default 604800s / 7 days).
	HealthWindowDuration time.Duration

	// URLRestrictedMode rejects private/loopback provider hosts when
	// true (url.restricted_mode, default true).
	URLRestrictedMode bool
	// InstallDefaultEnabled is the policy a freshly installed
	// provider's Enabled flag starts at (install.default_enabled).
	InstallDefaultEnabled bool

	// DatabasePath is the SQLite file the store package opens. Not a
	// spec.md §6.4 key (persistence location is a deployment detail,
	// not an engine knob) but recognised the same way, for the
	// binary's own convenience.
	DatabasePath string
	// ListenAddr is the HTTP server's listen address.
	ListenAddr string
}

// Default returns every spec.md §6.4 default.
func Default() Config {
	return Config{
		HTTPPerRequestTimeout: 15 * time.Second,
		AggregateDeadline:     10 * time.Second,
		HTTPMaxRetries:        3,
		HTTPBackoffBaseMS:     250,

		CacheTTLManifest:  7 * 24 * time.Hour,
		CacheTTLCatalog:   time.Hour,
		CacheTTLMeta:      24 * time.Hour,
		CacheTTLStream:    5 * time.Minute,
		CacheTTLSubtitles: time.Hour,

		HealthWindowSize:     200,
		HealthWindowDuration: 604800 * time.Second,

		URLRestrictedMode:     true,
		InstallDefaultEnabled: true,

		DatabasePath: "addonfed.db",
		ListenAddr:   ":8080",
	}
}

// FromEnv starts from Default() and overlays any recognised
// environment variable, the way the teacher's getEnvDuration reads
// CACHE_SEARCH_TTL et al. Call godotenv.Load (or import its
// /autoload side-effect package, as the teacher's main.go does)
// before FromEnv if a .env file should also be considered.
func FromEnv() Config {
	cfg := Default()

	cfg.HTTPPerRequestTimeout = envSeconds("HTTP_PER_REQUEST_TIMEOUT", cfg.HTTPPerRequestTimeout)
	cfg.AggregateDeadline = envSeconds("AGGREGATE_DEADLINE", cfg.AggregateDeadline)
	cfg.HTTPMaxRetries = envInt("HTTP_MAX_RETRIES", cfg.HTTPMaxRetries)
	cfg.HTTPBackoffBaseMS = envInt("HTTP_BACKOFF_BASE_MS", cfg.HTTPBackoffBaseMS)

	cfg.CacheTTLManifest = envSeconds("CACHE_TTL_MANIFEST", cfg.CacheTTLManifest)
	cfg.CacheTTLCatalog = envSeconds("CACHE_TTL_CATALOG", cfg.CacheTTLCatalog)
	cfg.CacheTTLMeta = envSeconds("CACHE_TTL_META", cfg.CacheTTLMeta)
	cfg.CacheTTLStream = envSeconds("CACHE_TTL_STREAM", cfg.CacheTTLStream)
	cfg.CacheTTLSubtitles = envSeconds("CACHE_TTL_SUBTITLES", cfg.CacheTTLSubtitles)

	cfg.HealthWindowSize = envInt("HEALTH_WINDOW_SIZE", cfg.HealthWindowSize)
	cfg.HealthWindowDuration = envSeconds("HEALTH_WINDOW_DURATION", cfg.HealthWindowDuration)

	cfg.URLRestrictedMode = envBool("URL_RESTRICTED_MODE", cfg.URLRestrictedMode)
	cfg.InstallDefaultEnabled = envBool("INSTALL_DEFAULT_ENABLED", cfg.InstallDefaultEnabled)

	if v := os.Getenv("DATABASE_PATH"); v != "" {
		cfg.DatabasePath = v
	}
	if v := os.Getenv("PORT"); v != "" {
		cfg.ListenAddr = ":" + v
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}

	return cfg
}

// envSeconds reads key as whole seconds, falling back to defaultValue
// on an unset or unparsable value.
func envSeconds(key string, defaultValue time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	seconds, err := strconv.Atoi(v)
	if err != nil {
		return defaultValue
	}
	return time.Duration(seconds) * time.Second
}

func envInt(key string, defaultValue int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultValue
	}
	return n
}

func envBool(key string, defaultValue bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultValue
	}
	return b
}
