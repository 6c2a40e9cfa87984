package main

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// Config holds all runops server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath    string `json:"db_path"`
	LogLevel  string `json:"log_level"`
	Scheduler bool   `json:"scheduler"`
}

func defaultConfig() Config {
	return Config{
		DBPath:    filepath.Join(runopsDir(), "runops.db"),
		LogLevel:  "info",
		Scheduler: true,
	}
}

func runopsDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".runops"
	}
	return filepath.Join(home, ".runops")
}

func settingsPath() string {
	return filepath.Join(runopsDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("RUNOPS_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("RUNOPS_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("RUNOPS_SCHEDULER"); v != "" {
		cfg.Scheduler = v == "true" || v == "1"
	}

	return cfg
}
