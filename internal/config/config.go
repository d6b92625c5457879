// ============================================================================
// Configuration Loader
// ============================================================================
//
// Package: internal/config
// File: config.go
// Purpose: Loads the YAML configuration surface for a streamprocd process,
// mirroring the teacher's internal/cli.Config (nested struct, yaml tags,
// one section per subsystem).
//
// ============================================================================

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete streamprocd configuration surface, per
// SPEC_FULL.md §6.
type Config struct {
	Name       string `yaml:"name"`
	ProducerID string `yaml:"producer_id"`
	ReadOnly   bool   `yaml:"read_only"`

	Log struct {
		Dir             string        `yaml:"dir"`
		BufferSize      int           `yaml:"buffer_size"`
		FlushIntervalMs int           `yaml:"flush_interval_ms"`
		FlushInterval   time.Duration `yaml:"-"`
	} `yaml:"log"`

	Snapshot struct {
		Dir             string        `yaml:"dir"`
		PeriodSeconds   int           `yaml:"period_seconds"`
		Period          time.Duration `yaml:"-"`
		MaxWriteRetries int           `yaml:"max_write_retries"`
	} `yaml:"snapshot"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	Health struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"health"`
}

// Default returns a Config with the same defaults the controller package
// itself applies when a field is left at its zero value, so a caller that
// skips Load still gets a runnable configuration.
func Default() *Config {
	cfg := &Config{
		Name:       "streamproc",
		ProducerID: "streamproc",
	}
	cfg.Log.Dir = "data/log"
	cfg.Log.BufferSize = 64
	cfg.Log.FlushIntervalMs = 10
	cfg.Snapshot.Dir = "data/snapshot"
	cfg.Snapshot.PeriodSeconds = 30
	cfg.Metrics.Enabled = true
	cfg.Metrics.Port = 9090
	cfg.Health.Enabled = true
	cfg.Health.Port = 9091
	cfg.applyDerived()
	return cfg
}

// Load reads and parses a YAML configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.applyDerived()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// applyDerived computes the time.Duration fields YAML can't populate
// directly from their millisecond/second integer counterparts.
func (c *Config) applyDerived() {
	if c.Log.FlushIntervalMs > 0 {
		c.Log.FlushInterval = time.Duration(c.Log.FlushIntervalMs) * time.Millisecond
	}
	if c.Snapshot.PeriodSeconds > 0 {
		c.Snapshot.Period = time.Duration(c.Snapshot.PeriodSeconds) * time.Second
	}
}

// Validate rejects a configuration that would make NewController or the
// file-backed collaborators panic or misbehave silently.
func (c *Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("name must not be empty")
	}
	if c.ProducerID == "" {
		return fmt.Errorf("producer_id must not be empty")
	}
	if !c.ReadOnly && c.Log.Dir == "" {
		return fmt.Errorf("log.dir must not be empty")
	}
	if c.Snapshot.Dir == "" {
		return fmt.Errorf("snapshot.dir must not be empty")
	}
	return nil
}
