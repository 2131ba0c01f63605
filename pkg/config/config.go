// Package config loads vpcctl's own operator configuration: where to keep
// state, logs, and policy files, and how long to wait on advisory locks.
// This is distinct from the JSON records the control plane manages —
// config.Config is YAML, operator config kept separate from the JSON
// data records the control plane itself reads and writes.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is vpcctl's process configuration.
type Config struct {
	StateDir    string        `yaml:"stateDir"`
	LogDir      string        `yaml:"logDir"`
	PoliciesDir string        `yaml:"policiesDir"`
	LockTimeout time.Duration `yaml:"lockTimeout"`
	Verbose     bool          `yaml:"verbose"`
}

// Default returns the configuration used when no config file is present.
func Default() Config {
	return Config{
		StateDir:    "./state",
		LogDir:      "./logs",
		PoliciesDir: "./policies",
		LockTimeout: 10 * time.Second,
	}
}

// Load reads a YAML config file, applying defaults for any field left at
// its zero value. A missing path is not an error: Default() is returned.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("reading config %s: %w", path, err)
	}

	var loaded Config
	if err := yaml.Unmarshal(data, &loaded); err != nil {
		return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if loaded.StateDir != "" {
		cfg.StateDir = loaded.StateDir
	}
	if loaded.LogDir != "" {
		cfg.LogDir = loaded.LogDir
	}
	if loaded.PoliciesDir != "" {
		cfg.PoliciesDir = loaded.PoliciesDir
	}
	if loaded.LockTimeout != 0 {
		cfg.LockTimeout = loaded.LockTimeout
	}
	cfg.Verbose = cfg.Verbose || loaded.Verbose

	return cfg, nil
}
