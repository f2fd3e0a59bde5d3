package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
)

// Config holds the engine's runtime configuration.
// Priority: env vars > settings.json > defaults. No listen address or
// panel flag here — there is no HTTP server in this module.
type Config struct {
	DBPath             string `json:"db_path"`
	LogLevel           string `json:"log_level"`
	PoolSize           int    `json:"pool_size"`
	VaultKeyPath       string `json:"vault_key_path"`
	DefaultStepTimeout int    `json:"default_step_timeout_sec"`
	EventPollInterval  int    `json:"event_poll_interval_sec"`
}

func defaultConfig() Config {
	return Config{
		DBPath:             filepath.Join(beemflowDir(), "beemflow.db"),
		LogLevel:           "info",
		PoolSize:           10,
		DefaultStepTimeout: 30,
		EventPollInterval:  1,
	}
}

func beemflowDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".beemflow"
	}
	return filepath.Join(home, ".beemflow")
}

func settingsPath() string {
	return filepath.Join(beemflowDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("BEEMFLOW_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("BEEMFLOW_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("BEEMFLOW_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSize = n
		}
	}
	if v := os.Getenv("BEEMFLOW_VAULT_KEY_PATH"); v != "" {
		cfg.VaultKeyPath = v
	}
	if v := os.Getenv("BEEMFLOW_DEFAULT_STEP_TIMEOUT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.DefaultStepTimeout = n
		}
	}
	if v := os.Getenv("BEEMFLOW_EVENT_POLL_INTERVAL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.EventPollInterval = n
		}
	}

	return cfg
}
