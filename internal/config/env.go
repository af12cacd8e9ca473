package config

import (
	"os"
	"strconv"
)

// FromEnv overlays SLUICE_* environment variables onto cfg. Unparseable
// values are ignored.
func FromEnv(cfg *Config) {
	if v := os.Getenv("SLUICE_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("SLUICE_FSYNC"); v != "" {
		cfg.Fsync = v
	}
	if v := os.Getenv("SLUICE_FSYNC_INTERVAL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.FsyncIntervalMs = n
		}
	}
	if v := os.Getenv("SLUICE_TOPIC_PARTITIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.TopicDefaults.Partitions = n
		}
	}
	if v := os.Getenv("SLUICE_TOPIC_VISIBILITY_TIMEOUT_MS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.TopicDefaults.VisibilityTimeoutMs = n
		}
	}
	if v := os.Getenv("SLUICE_TOPIC_MAX_DELIVERY_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.TopicDefaults.MaxDeliveryAttempts = n
		}
	}
	if v := os.Getenv("SLUICE_TOPIC_RETENTION_AGE_MS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.TopicDefaults.RetentionAgeMs = n
		}
	}
	if v := os.Getenv("SLUICE_TOPIC_RETENTION_MAX_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.TopicDefaults.RetentionMaxBytes = n
		}
	}
	if v := os.Getenv("SLUICE_PAYLOAD_MAX_BYTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Limits.PayloadMaxBytes = n
		}
	}
	if v := os.Getenv("SLUICE_HEADERS_MAX_BYTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Limits.HeadersMaxBytes = n
		}
	}
	if v := os.Getenv("SLUICE_SWEEP_INTERVAL_MS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.SweepIntervalMs = n
		}
	}
	if v := os.Getenv("SLUICE_GROUP_SESSION_TIMEOUT_MS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Group.SessionTimeoutMs = n
		}
	}
	if v := os.Getenv("SLUICE_GROUP_HEARTBEAT_INTERVAL_MS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Group.HeartbeatIntervalMs = n
		}
	}
	if v := os.Getenv("SLUICE_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("SLUICE_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}
