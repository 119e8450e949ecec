package config

import (
	"fmt"
	"os"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// DefaultPath is where the gateway looks for its configuration when no
// -config flag is given.
const DefaultPath = "config/inferd.yaml"

// Load reads the YAML file at path and returns the validated configuration.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, NewLoadError(path, ErrConfigNotFound)
		}
		return nil, NewLoadError(path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, NewLoadError(path, err)
	}
	return cfg, nil
}

// Parse builds a validated Config from raw YAML. Environment references in
// the $VAR and ${VAR} forms are expanded before parsing, then defaults fill
// whatever the file left unset.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}
	if err := mergo.Merge(&cfg, DefaultConfig()); err != nil {
		return nil, fmt.Errorf("merging defaults: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
