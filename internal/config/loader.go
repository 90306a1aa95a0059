package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Load reads configuration from environment variables (optionally .env).
// When OPSRAG_CONFIG points at a YAML file, its values are applied first
// and the environment overrides them, so deployments can ship a base
// file while operators still tune single keys.
func Load() (Config, error) {
	// Use Overload so .env values override existing OS environment
	// variables; repository-local configuration deterministically
	// controls development runs.
	_ = godotenv.Overload()

	var cfg Config
	if path := strings.TrimSpace(os.Getenv("OPSRAG_CONFIG")); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
