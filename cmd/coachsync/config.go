package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// fileConfig is the on-disk YAML configuration for the CLI.
type fileConfig struct {
	Listen    string `yaml:"listen"`
	Database  string `yaml:"database"`
	JWTSecret string `yaml:"jwt_secret"`

	Sync struct {
		ServerURL string        `yaml:"server_url"`
		Token     string        `yaml:"token"`
		Database  string        `yaml:"database"`
		Interval  time.Duration `yaml:"interval"`
	} `yaml:"sync"`
}

func defaultFileConfig() fileConfig {
	var cfg fileConfig
	cfg.Listen = ":8080"
	cfg.Database = "coachsync-server.db"
	cfg.JWTSecret = "dev-secret-change-me"
	cfg.Sync.ServerURL = "http://localhost:8080"
	cfg.Sync.Database = "coachsync.db"
	cfg.Sync.Interval = 30 * time.Second
	return cfg
}

// loadConfig reads the YAML config file, falling back to defaults when the
// path is empty or the file does not exist.
func loadConfig(path string) (fileConfig, error) {
	cfg := defaultFileConfig()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}
