package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads a yaml config file, expands environment references,
// applies defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes raw yaml into a validated Config.
func Parse(data []byte) (*Config, error) {
	// Expand env references on the raw tree first so expansion applies
	// to every string field, then decode into the typed struct.
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse config yaml: %w", err)
	}
	raw, _ = expandEnvVarsInData(raw).(map[string]any)

	expanded, err := yaml.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to re-encode config: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(expanded, cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Default returns a config with every default applied and no services
// or providers configured. Used by tests and the validate command.
func Default() *Config {
	cfg := &Config{}
	cfg.SetDefaults()
	return cfg
}
