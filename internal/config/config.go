package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the memory service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	AllowAnyOrigin   bool

	DatabaseURL string

	SessionIdleTimeout time.Duration
	SessionCapacity    int
	WindowTurns        int

	ResolutionDepth int

	ConsolidationSweep time.Duration
	DecayHalfLife      time.Duration

	SimilarityTimeout time.Duration
	SimilarityK       int

	TokenizerEncoding    string
	DefaultContextBudget int
	MaxContextBudget     int
	SummarizeThreshold   int

	JanitorInterval time.Duration
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:             envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:     envOrDefault("APP_METRICS_NAMESPACE", "mnemo"),
		AllowAnyOrigin:       false,
		DatabaseURL:          stringsTrimSpace("DATABASE_URL"),
		ShutdownTimeout:      15 * time.Second,
		SessionIdleTimeout:   30 * time.Minute,
		SessionCapacity:      1024,
		WindowTurns:          40,
		ResolutionDepth:      5,
		ConsolidationSweep:   10 * time.Minute,
		DecayHalfLife:        30 * 24 * time.Hour,
		SimilarityTimeout:    200 * time.Millisecond,
		SimilarityK:          8,
		TokenizerEncoding:    envOrDefault("APP_TOKENIZER_ENCODING", "cl100k_base"),
		DefaultContextBudget: 2048,
		MaxContextBudget:     8192,
		SummarizeThreshold:   40,
		JanitorInterval:      30 * time.Second,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionIdleTimeout, err = durationFromEnv("APP_SESSION_IDLE_TIMEOUT", cfg.SessionIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.ConsolidationSweep, err = durationFromEnv("APP_CONSOLIDATION_SWEEP", cfg.ConsolidationSweep)
	if err != nil {
		return Config{}, err
	}
	cfg.DecayHalfLife, err = durationFromEnv("APP_DECAY_HALF_LIFE", cfg.DecayHalfLife)
	if err != nil {
		return Config{}, err
	}
	cfg.SimilarityTimeout, err = durationFromEnv("APP_SIMILARITY_TIMEOUT", cfg.SimilarityTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.JanitorInterval, err = durationFromEnv("APP_JANITOR_INTERVAL", cfg.JanitorInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionCapacity, err = intFromEnv("APP_SESSION_CAPACITY", cfg.SessionCapacity)
	if err != nil {
		return Config{}, err
	}
	cfg.WindowTurns, err = intFromEnv("APP_WINDOW_TURNS", cfg.WindowTurns)
	if err != nil {
		return Config{}, err
	}
	cfg.ResolutionDepth, err = intFromEnv("APP_RESOLUTION_DEPTH", cfg.ResolutionDepth)
	if err != nil {
		return Config{}, err
	}
	cfg.SimilarityK, err = intFromEnv("APP_SIMILARITY_K", cfg.SimilarityK)
	if err != nil {
		return Config{}, err
	}
	cfg.DefaultContextBudget, err = intFromEnv("APP_DEFAULT_CONTEXT_BUDGET", cfg.DefaultContextBudget)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxContextBudget, err = intFromEnv("APP_MAX_CONTEXT_BUDGET", cfg.MaxContextBudget)
	if err != nil {
		return Config{}, err
	}
	cfg.SummarizeThreshold, err = intFromEnv("APP_SUMMARIZE_THRESHOLD", cfg.SummarizeThreshold)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	if cfg.SessionIdleTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("APP_SESSION_IDLE_TIMEOUT must be at least 5s")
	}
	if cfg.SessionCapacity <= 0 {
		return Config{}, fmt.Errorf("APP_SESSION_CAPACITY must be positive")
	}
	if cfg.WindowTurns < 2 {
		return Config{}, fmt.Errorf("APP_WINDOW_TURNS must be at least 2")
	}
	if cfg.ResolutionDepth <= 0 {
		return Config{}, fmt.Errorf("APP_RESOLUTION_DEPTH must be positive")
	}
	if cfg.DefaultContextBudget <= 0 {
		return Config{}, fmt.Errorf("APP_DEFAULT_CONTEXT_BUDGET must be positive")
	}
	if cfg.MaxContextBudget < cfg.DefaultContextBudget {
		return Config{}, fmt.Errorf("APP_MAX_CONTEXT_BUDGET must be >= APP_DEFAULT_CONTEXT_BUDGET")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
