package app

import (
	"time"

	"github.com/joho/godotenv"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	// BaseURL is the backend REST root, SyncURL the task event stream.
	BaseURL string
	SyncURL string

	LogLevel  string
	LogFormat string

	CallTimeout    time.Duration
	RefreshTimeout time.Duration

	DialTimeout     time.Duration
	ReadIdleTimeout time.Duration
	ReconnectMin    time.Duration
	ReconnectMax    time.Duration

	// CredentialFile enables the encrypted on-disk credential store. Empty
	// keeps credentials in memory only (a fresh start is anonymous).
	CredentialFile   string
	CredentialSecret string

	// MetricsAddr exposes /metrics when set (e.g. "127.0.0.1:9090").
	MetricsAddr string

	// Login used by the headless runner when no stored session resumes.
	Email    string
	Password string
}

// LoadConfig loads Config from the environment with defaults. A local .env
// file is honored when present.
func LoadConfig() Config {
	_ = godotenv.Load()

	return Config{
		BaseURL: EnvString("PULSE_API_URL", "http://localhost:8080"),
		SyncURL: EnvString("PULSE_SYNC_URL", "ws://localhost:8080/sync"),

		LogLevel:  EnvString("PULSE_LOG_LEVEL", "info"),
		LogFormat: EnvString("PULSE_LOG_FORMAT", "json"),

		CallTimeout:    EnvDuration("PULSE_CALL_TIMEOUT", 15*time.Second),
		RefreshTimeout: EnvDuration("PULSE_REFRESH_TIMEOUT", 10*time.Second),

		DialTimeout:     EnvDuration("PULSE_SYNC_DIAL_TIMEOUT", 10*time.Second),
		ReadIdleTimeout: EnvDuration("PULSE_SYNC_READ_IDLE_TIMEOUT", 2*time.Minute),
		ReconnectMin:    EnvDuration("PULSE_SYNC_RECONNECT_MIN", 500*time.Millisecond),
		ReconnectMax:    EnvDuration("PULSE_SYNC_RECONNECT_MAX", 30*time.Second),

		CredentialFile:   EnvString("PULSE_CREDENTIAL_FILE", ""),
		CredentialSecret: EnvString("PULSE_CREDENTIAL_SECRET", ""),

		MetricsAddr: EnvString("PULSE_METRICS_ADDR", ""),

		Email:    EnvString("PULSE_EMAIL", ""),
		Password: EnvString("PULSE_PASSWORD", ""),
	}
}
