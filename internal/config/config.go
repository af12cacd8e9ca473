package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the top-level broker configuration loaded from file/env.
type Config struct {
	// DataDir is the storage directory. Empty means the platform default
	// (see DefaultDataDir).
	DataDir string `json:"dataDir" yaml:"dataDir"`
	// Fsync is one of "always", "interval", "never".
	Fsync           string        `json:"fsync" yaml:"fsync"`
	FsyncIntervalMs int           `json:"fsyncIntervalMs" yaml:"fsyncIntervalMs"`
	TopicDefaults   TopicDefaults `json:"topicDefaults" yaml:"topicDefaults"`
	Limits          Limits        `json:"limits" yaml:"limits"`
	SweepIntervalMs int64         `json:"sweepIntervalMs" yaml:"sweepIntervalMs"`
	Group           GroupTiming   `json:"group" yaml:"group"`
	Log             LogConfig     `json:"log" yaml:"log"`
}

// TopicDefaults are applied to topics created without explicit settings.
type TopicDefaults struct {
	Partitions          int   `json:"partitions" yaml:"partitions"`
	VisibilityTimeoutMs int64 `json:"visibilityTimeoutMs" yaml:"visibilityTimeoutMs"`
	// MaxDeliveryAttempts of 0 means unlimited redelivery.
	MaxDeliveryAttempts int   `json:"maxDeliveryAttempts" yaml:"maxDeliveryAttempts"`
	RetentionAgeMs      int64 `json:"retentionAgeMs" yaml:"retentionAgeMs"`
	RetentionMaxBytes   int64 `json:"retentionMaxBytes" yaml:"retentionMaxBytes"`
}

// Limits bound record sizes accepted by publish.
type Limits struct {
	PayloadMaxBytes int `json:"payloadMaxBytes" yaml:"payloadMaxBytes"`
	HeadersMaxBytes int `json:"headersMaxBytes" yaml:"headersMaxBytes"`
}

// GroupTiming controls consumer liveness within groups.
type GroupTiming struct {
	SessionTimeoutMs    int64 `json:"sessionTimeoutMs" yaml:"sessionTimeoutMs"`
	HeartbeatIntervalMs int64 `json:"heartbeatIntervalMs" yaml:"heartbeatIntervalMs"`
}

// LogConfig selects log level and format for the CLI.
type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

// Default returns built-in defaults.
func Default() Config {
	return Config{
		Fsync:           "interval",
		FsyncIntervalMs: 5,
		TopicDefaults: TopicDefaults{
			Partitions:          4,
			VisibilityTimeoutMs: 30_000,
			MaxDeliveryAttempts: 0,
		},
		Limits: Limits{
			PayloadMaxBytes: 1 << 20,
			HeadersMaxBytes: 16 << 10,
		},
		SweepIntervalMs: 1000,
		Group: GroupTiming{
			SessionTimeoutMs:    15_000,
			HeartbeatIntervalMs: 5_000,
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads configuration from a JSON or YAML file by extension. Empty
// path returns defaults. Values not present keep their defaults.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg := Default()
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects values the broker cannot run with.
func (c Config) Validate() error {
	switch c.Fsync {
	case "", "always", "interval", "never":
	default:
		return fmt.Errorf("config: unknown fsync mode %q", c.Fsync)
	}
	if c.TopicDefaults.Partitions < 1 {
		return fmt.Errorf("config: topicDefaults.partitions must be >= 1, got %d", c.TopicDefaults.Partitions)
	}
	if c.TopicDefaults.VisibilityTimeoutMs <= 0 {
		return fmt.Errorf("config: topicDefaults.visibilityTimeoutMs must be > 0")
	}
	if c.TopicDefaults.MaxDeliveryAttempts < 0 {
		return fmt.Errorf("config: topicDefaults.maxDeliveryAttempts must be >= 0")
	}
	if c.SweepIntervalMs <= 0 {
		return fmt.Errorf("config: sweepIntervalMs must be > 0")
	}
	if c.Group.SessionTimeoutMs <= 0 || c.Group.HeartbeatIntervalMs <= 0 {
		return fmt.Errorf("config: group timing must be > 0")
	}
	if c.Group.HeartbeatIntervalMs >= c.Group.SessionTimeoutMs {
		return fmt.Errorf("config: heartbeatIntervalMs must be below sessionTimeoutMs")
	}
	return nil
}
