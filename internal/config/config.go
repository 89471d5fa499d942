package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// SettingsFile models the optional escrowrails.json settings file. Values
// here are deployment policy; secrets may be overridden from the
// environment.
type SettingsFile struct {
	Secrets struct {
		HMACSecret       string `json:"hmacSecret"`
		OracleFeedSecret string `json:"oracleFeedSecret"`
	} `json:"secrets"`
	Risk struct {
		HighValueThreshold string `json:"highValueThreshold"`
	} `json:"risk"`
	Timeouts struct {
		IdempotencyWindowSecs int `json:"idempotencyWindowSeconds"`
	} `json:"timeouts"`
}

// ServiceConfig holds the derived runtime values.
type ServiceConfig struct {
	HTTPPort          int
	HMACClockSkew     time.Duration
	IdempotencyWindow time.Duration
	ShutdownTimeout   time.Duration
}

// StoreConfig selects the persistence backend. An empty DSN runs everything
// in memory, which is only suitable for development and tests.
type StoreConfig struct {
	PostgresDSN string
}

// AppConfig ties together file settings and derived values.
type AppConfig struct {
	Settings SettingsFile
	Service  ServiceConfig
	Store    StoreConfig
}

const defaultSettingsPath = "../escrowrails.json"

// Load aggregates configuration from disk and environment.
func Load() (*AppConfig, error) {
	settingsPath := envOr("SETTINGS_PATH", defaultSettingsPath)

	settings, err := loadSettings(settingsPath)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}

	if v := envOr("HMAC_SECRET", ""); v != "" {
		settings.Secrets.HMACSecret = v
	}
	if v := envOr("ORACLE_FEED_SECRET", ""); v != "" {
		settings.Secrets.OracleFeedSecret = v
	}

	idemWindow := settings.Timeouts.IdempotencyWindowSecs
	if idemWindow <= 0 {
		idemWindow = 24 * 60 * 60
	}

	serviceCfg := ServiceConfig{
		HTTPPort:          envOrInt("API_HTTP_PORT", 3000),
		HMACClockSkew:     time.Duration(envOrInt("HMAC_CLOCK_SKEW_SECONDS", 60)) * time.Second,
		IdempotencyWindow: time.Duration(idemWindow) * time.Second,
		ShutdownTimeout:   time.Duration(envOrInt("SHUTDOWN_TIMEOUT_SECONDS", 15)) * time.Second,
	}

	storeCfg := StoreConfig{
		PostgresDSN: envOr("POSTGRES_DSN", ""),
	}

	return &AppConfig{
		Settings: *settings,
		Service:  serviceCfg,
		Store:    storeCfg,
	}, nil
}

func loadSettings(path string) (*SettingsFile, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		// Settings file is optional; env vars cover the required values.
		return &SettingsFile{}, nil
	}
	if err != nil {
		return nil, err
	}
	var cfg SettingsFile
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func envOr(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		var parsed int
		if _, err := fmt.Sscanf(val, "%d", &parsed); err == nil {
			return parsed
		}
	}
	return fallback
}
