// Package config loads the join engine's startup configuration (spec.md
// §6), the YAML document naming input/output topics, backup/commit
// cadence, and backpressure triggers. It plays the role the teacher splits
// across internal/configfile (JSON project metadata) and
// internal/config/yaml_config.go (YAML settings read before any store is
// open); this package follows the latter's "read once at startup" idiom.
package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// TopicConfig is a per-topic override, keyed by alias under Topics
// (spec.md §6 "topics.<name>"). Zero values mean "inherit from Default".
type TopicConfig struct {
	Prefix string `yaml:"prefix" toml:"prefix"`
}

// Config is the engine's fully resolved startup configuration (spec.md
// §6's option table).
type Config struct {
	BackupTimeS          int64                  `yaml:"backup.time.s" toml:"backup.time.s"`
	CommitTimeS          int64                  `yaml:"commit.time.s" toml:"commit.time.s"`
	CreateRecordsTrigger int64                  `yaml:"create.records.trigger" toml:"create.records.trigger"`
	TotalLagTrigger      int64                  `yaml:"total.lag.trigger" toml:"total.lag.trigger"`
	TopicsPrefixed       bool                   `yaml:"topics.prefixed" toml:"topics.prefixed"`
	TopicsDefault        TopicConfig            `yaml:"topics.default" toml:"topics.default"`
	Topics               map[string]TopicConfig `yaml:"topics" toml:"topics"`
}

// ValidationError reports a malformed or out-of-range configuration value
// (spec.md §7 "Configuration error").
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

// Defaults returns the spec's default option table (spec.md §6: 1800, 0,
// 250000, 2000, true).
func Defaults() *Config {
	return &Config{
		BackupTimeS:          1800,
		CommitTimeS:          0,
		CreateRecordsTrigger: 250000,
		TotalLagTrigger:      2000,
		TopicsPrefixed:       true,
		Topics:               map[string]TopicConfig{},
	}
}

// Load reads the YAML configuration document at uri, starting from
// Defaults and overriding with whatever the document sets.
func Load(uri string) (*Config, error) {
	data, err := os.ReadFile(uri)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", uri, err)
	}
	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", uri, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyOverlay merges a local-developer TOML overlay (spec.md §10.2's
// --config-overlay) on top of an already-loaded Config. The overlay format
// mirrors the YAML document's field names; any field it sets replaces the
// base value.
func (c *Config) ApplyOverlay(uri string) error {
	if _, err := toml.DecodeFile(uri, c); err != nil {
		return fmt.Errorf("config: parse overlay %s: %w", uri, err)
	}
	return c.Validate()
}

// Validate enforces spec.md §6's option constraints.
func (c *Config) Validate() error {
	if c.BackupTimeS < 0 {
		return &ValidationError{Field: "backup.time.s", Reason: "must be >= 0"}
	}
	if c.CommitTimeS < 0 {
		return &ValidationError{Field: "commit.time.s", Reason: "must be >= 0"}
	}
	if c.CreateRecordsTrigger <= 0 {
		return &ValidationError{Field: "create.records.trigger", Reason: "must be > 0"}
	}
	if c.TotalLagTrigger < 0 {
		return &ValidationError{Field: "total.lag.trigger", Reason: "must be >= 0"}
	}
	return nil
}

// TopicConfigFor resolves the effective TopicConfig for alias, merging
// TopicsDefault under any explicit per-topic override.
func (c *Config) TopicConfigFor(alias string) TopicConfig {
	tc := c.TopicsDefault
	if override, ok := c.Topics[alias]; ok {
		if override.Prefix != "" {
			tc.Prefix = override.Prefix
		}
	}
	return tc
}
