// Package config loads the host configuration for the sandbox subsystem:
// trusted plugin roots, the default security level, and default resource
// limits. Configuration lives in a TOML file and can be watched for live
// reload.
package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"

	"github.com/dshills/luaguard/internal/sandbox"
)

// Config is the host configuration document.
type Config struct {
	// TrustedRoots are directories whose plugins run at FullTrust.
	TrustedRoots []string `toml:"trusted_roots"`

	// DefaultLevel names the security level applied when classification
	// falls through (one of the level names; empty means medium_trust).
	DefaultLevel string `toml:"default_level"`

	// Limits are the default resource limits for new policies.
	Limits Limits `toml:"limits"`
}

// Limits holds the default resource limits.
type Limits struct {
	MemoryLimitMB   int `toml:"memory_limit_mb"`
	CPULimitPercent int `toml:"cpu_limit_percent"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		DefaultLevel: sandbox.MediumTrust.String(),
		Limits: Limits{
			MemoryLimitMB:   sandbox.DefaultMemoryLimitMB,
			CPULimitPercent: sandbox.DefaultCPULimitPercent,
		},
	}
}

// Load reads a TOML config file. A missing file is not an error; the
// defaults are returned.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config file %s: %w", path, err)
	}

	if err := toml.Unmarshal(data, &cfg); err != nil {
		return Default(), fmt.Errorf("parsing config file %s: %w", path, err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

// applyDefaults fills in zero values after decoding.
func (c *Config) applyDefaults() {
	if c.DefaultLevel == "" {
		c.DefaultLevel = sandbox.MediumTrust.String()
	}
	if c.Limits.MemoryLimitMB <= 0 {
		c.Limits.MemoryLimitMB = sandbox.DefaultMemoryLimitMB
	}
	if c.Limits.CPULimitPercent <= 0 {
		c.Limits.CPULimitPercent = sandbox.DefaultCPULimitPercent
	}
}

// Level returns the parsed default security level.
func (c Config) Level() sandbox.SecurityLevel {
	return sandbox.ParseSecurityLevel(c.DefaultLevel)
}
