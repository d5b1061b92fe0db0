package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":8080" {
		t.Fatalf("BindAddr = %q, want :8080", cfg.BindAddr)
	}
	if cfg.SessionIdleTimeout != 30*time.Minute {
		t.Fatalf("SessionIdleTimeout = %v, want 30m", cfg.SessionIdleTimeout)
	}
	if cfg.WindowTurns != 40 || cfg.SessionCapacity != 1024 || cfg.ResolutionDepth != 5 {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.TokenizerEncoding != "cl100k_base" {
		t.Fatalf("TokenizerEncoding = %q", cfg.TokenizerEncoding)
	}
	if cfg.MaxContextBudget < cfg.DefaultContextBudget {
		t.Fatalf("budgets inverted: %d < %d", cfg.MaxContextBudget, cfg.DefaultContextBudget)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("APP_BIND_ADDR", ":9999")
	t.Setenv("APP_SESSION_IDLE_TIMEOUT", "2m")
	t.Setenv("APP_WINDOW_TURNS", "12")
	t.Setenv("APP_ALLOW_ANY_ORIGIN", "yes")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":9999" || cfg.SessionIdleTimeout != 2*time.Minute || cfg.WindowTurns != 12 {
		t.Fatalf("cfg = %+v", cfg)
	}
	if !cfg.AllowAnyOrigin {
		t.Fatalf("AllowAnyOrigin = false, want true")
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	cases := []struct {
		name, key, value string
	}{
		{"bad duration", "APP_SESSION_IDLE_TIMEOUT", "soon"},
		{"bad int", "APP_WINDOW_TURNS", "many"},
		{"bad bool", "APP_ALLOW_ANY_ORIGIN", "maybe"},
		{"idle timeout too short", "APP_SESSION_IDLE_TIMEOUT", "1s"},
		{"window too small", "APP_WINDOW_TURNS", "1"},
		{"negative capacity", "APP_SESSION_CAPACITY", "-1"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv(tc.key, tc.value)
			if _, err := Load(); err == nil {
				t.Fatalf("Load() error = nil, want parse/validation failure")
			}
		})
	}
}
