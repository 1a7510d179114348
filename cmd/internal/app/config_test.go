package app

import (
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	for _, key := range []string{
		"PULSE_API_URL", "PULSE_SYNC_URL", "PULSE_LOG_LEVEL", "PULSE_LOG_FORMAT",
		"PULSE_CALL_TIMEOUT", "PULSE_REFRESH_TIMEOUT", "PULSE_METRICS_ADDR",
	} {
		t.Setenv(key, "")
	}

	cfg := LoadConfig()

	if cfg.BaseURL != "http://localhost:8080" {
		t.Fatalf("BaseURL = %q", cfg.BaseURL)
	}
	if cfg.SyncURL != "ws://localhost:8080/sync" {
		t.Fatalf("SyncURL = %q", cfg.SyncURL)
	}
	if cfg.LogLevel != "info" || cfg.LogFormat != "json" {
		t.Fatalf("log config = %q/%q", cfg.LogLevel, cfg.LogFormat)
	}
	if cfg.CallTimeout != 15*time.Second {
		t.Fatalf("CallTimeout = %v", cfg.CallTimeout)
	}
	if cfg.RefreshTimeout != 10*time.Second {
		t.Fatalf("RefreshTimeout = %v", cfg.RefreshTimeout)
	}
	if cfg.MetricsAddr != "" {
		t.Fatalf("MetricsAddr = %q", cfg.MetricsAddr)
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("PULSE_API_URL", "https://api.pulse.example")
	t.Setenv("PULSE_SYNC_URL", "wss://api.pulse.example/sync")
	t.Setenv("PULSE_LOG_LEVEL", "debug")
	t.Setenv("PULSE_CALL_TIMEOUT", "3s")
	t.Setenv("PULSE_SYNC_RECONNECT_MAX", "1m")

	cfg := LoadConfig()

	if cfg.BaseURL != "https://api.pulse.example" {
		t.Fatalf("BaseURL = %q", cfg.BaseURL)
	}
	if cfg.SyncURL != "wss://api.pulse.example/sync" {
		t.Fatalf("SyncURL = %q", cfg.SyncURL)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("LogLevel = %q", cfg.LogLevel)
	}
	if cfg.CallTimeout != 3*time.Second {
		t.Fatalf("CallTimeout = %v", cfg.CallTimeout)
	}
	if cfg.ReconnectMax != time.Minute {
		t.Fatalf("ReconnectMax = %v", cfg.ReconnectMax)
	}
}

func TestLoadConfigBadDurationFallsBack(t *testing.T) {
	t.Setenv("PULSE_CALL_TIMEOUT", "soon")
	t.Setenv("PULSE_REFRESH_TIMEOUT", "-5s")

	cfg := LoadConfig()

	if cfg.CallTimeout != 15*time.Second {
		t.Fatalf("CallTimeout = %v, want default", cfg.CallTimeout)
	}
	if cfg.RefreshTimeout != 10*time.Second {
		t.Fatalf("RefreshTimeout = %v, want default", cfg.RefreshTimeout)
	}
}
