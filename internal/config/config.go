package config

import (
	"flag"
	"fmt"
	"net/url"
	"os"
	"time"
)

// Cache backends.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
)

// Config holds all runtime configuration for quizwise.
type Config struct {
	Listen           string
	Origin           string
	CatalogFile      string
	CacheBackend     string
	DBPath           string
	CacheMaxSize     int64
	FetchTimeout     time.Duration
	MaxFileSize      int64
	AllowedUpstreams string
	TLSSkipVerify    bool

	// Catalog is the built-in catalog, or the one loaded from CatalogFile.
	Catalog *Catalog
}

// Parse reads configuration from CLI flags with environment variable fallback.
func Parse(args []string) (*Config, error) {
	fs := flag.NewFlagSet("quizwise", flag.ContinueOnError)

	cfg := &Config{}

	fs.StringVar(&cfg.Listen, "listen", envOr("QUIZWISE_LISTEN", "127.0.0.1:8080"), "Listen address")
	fs.StringVar(&cfg.Origin, "origin", envOr("QUIZWISE_ORIGIN", "http://127.0.0.1:3000"), "Origin serving the quiz application")
	fs.StringVar(&cfg.CatalogFile, "catalog", envOr("QUIZWISE_CATALOG", ""), "YAML cache catalog (built-in catalog if empty)")
	fs.StringVar(&cfg.CacheBackend, "cache-backend", envOr("QUIZWISE_CACHE_BACKEND", BackendMemory), "Cache partition storage: memory or sqlite")
	fs.StringVar(&cfg.DBPath, "db", envOr("QUIZWISE_DB", ""), "Path to SQLite database file (default under XDG data home)")
	cacheMaxSize := fs.String("cache-max-size", envOr("QUIZWISE_CACHE_MAX_SIZE", "100MB"), "Max size per cache partition (e.g. 100MB)")
	fs.DurationVar(&cfg.FetchTimeout, "fetch-timeout", envDurationOr("QUIZWISE_FETCH_TIMEOUT", 30*time.Second), "Network fetch timeout")
	maxFileSize := fs.String("max-file-size", envOr("QUIZWISE_MAX_FILE_SIZE", "10MB"), "Max response body size (e.g. 10MB)")
	fs.StringVar(&cfg.AllowedUpstreams, "allowed-upstreams", envOr("QUIZWISE_ALLOWED_UPSTREAMS", ""), "Comma-separated allowed upstream hosts (origin and catalog hosts if empty)")
	fs.BoolVar(&cfg.TLSSkipVerify, "tls-skip-verify", envBoolOr("QUIZWISE_TLS_SKIP_VERIFY", false), "Disable TLS certificate verification for network fetches")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	var err error
	cfg.CacheMaxSize, err = parseByteSize(*cacheMaxSize)
	if err != nil {
		return nil, fmt.Errorf("parse cache-max-size: %w", err)
	}

	cfg.MaxFileSize, err = parseByteSize(*maxFileSize)
	if err != nil {
		return nil, fmt.Errorf("parse max-file-size: %w", err)
	}

	switch cfg.CacheBackend {
	case BackendMemory, BackendSQLite:
	default:
		return nil, fmt.Errorf("invalid cache-backend %q: must be memory or sqlite", cfg.CacheBackend)
	}

	origin, err := url.Parse(cfg.Origin)
	if err != nil || (origin.Scheme != "http" && origin.Scheme != "https") || origin.Host == "" {
		return nil, fmt.Errorf("invalid origin %q: must be an absolute http(s) URL", cfg.Origin)
	}

	if cfg.CatalogFile != "" {
		cfg.Catalog, err = LoadCatalog(cfg.CatalogFile)
		if err != nil {
			return nil, err
		}
	} else {
		cfg.Catalog = DefaultCatalog()
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func envDurationOr(key string, fallback time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		d, err := time.ParseDuration(v)
		if err == nil {
			return d
		}
	}
	return fallback
}

func envBoolOr(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		return v == "1" || v == "true" || v == "yes"
	}
	return fallback
}

// parseByteSize parses a human-readable byte size like "100MB", "5KB", "1GB".
func parseByteSize(s string) (int64, error) {
	if len(s) == 0 {
		return 0, fmt.Errorf("empty size string")
	}

	i := 0
	for i < len(s) && ((s[i] >= '0' && s[i] <= '9') || s[i] == '.') {
		i++
	}

	numStr := s[:i]
	unit := s[i:]

	var num float64
	if _, err := fmt.Sscanf(numStr, "%f", &num); err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}

	var multiplier int64
	switch unit {
	case "", "B":
		multiplier = 1
	case "KB", "kb":
		multiplier = 1024
	case "MB", "mb":
		multiplier = 1024 * 1024
	case "GB", "gb":
		multiplier = 1024 * 1024 * 1024
	default:
		return 0, fmt.Errorf("unknown size unit %q in %q", unit, s)
	}

	return int64(num * float64(multiplier)), nil
}
