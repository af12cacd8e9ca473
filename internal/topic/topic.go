package topic

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound marks a lookup of a topic that was never created.
	ErrNotFound = errors.New("topic: not found")
	// ErrExists marks a create of a name already taken.
	ErrExists = errors.New("topic: already exists")
	// ErrNotEmpty marks a delete of a topic that still holds records or
	// consumer state. Force-delete drains instead of failing.
	ErrNotEmpty = errors.New("topic: not empty")
	// ErrInvalidName marks a topic or group name outside the allowed charset.
	ErrInvalidName = errors.New("topic: invalid name")
	// ErrInvalidConfig marks a config rejected at create time.
	ErrInvalidConfig = errors.New("topic: invalid config")
)

// Config holds the per-topic settings fixed or defaulted at create time.
// Partition count never changes after creation.
type Config struct {
	Partitions int `json:"partitions"`
	// VisibilityTimeoutMs bounds how long a dispatched record stays invisible
	// before it is redelivered.
	VisibilityTimeoutMs int64 `json:"visibilityTimeoutMs"`
	// MaxDeliveryAttempts of 0 means unlimited redelivery and no dead-letter
	// transition.
	MaxDeliveryAttempts int    `json:"maxDeliveryAttempts"`
	DLQTopic            string `json:"dlqTopic,omitempty"`
	RetentionAgeMs      int64  `json:"retentionAgeMs,omitempty"`
	RetentionMaxBytes   int64  `json:"retentionMaxBytes,omitempty"`
}

// Topic is the persisted meta record for one topic.
type Topic struct {
	Name        string `json:"name"`
	CreatedAtMs int64  `json:"createdAtMs"`
	Config      Config `json:"config"`
}

// DefaultConfig returns the registry-level defaults applied to zero fields
// at create time.
func DefaultConfig() Config {
	return Config{
		Partitions:          4,
		VisibilityTimeoutMs: 30_000,
		MaxDeliveryAttempts: 0,
	}
}

const maxNameLen = 240

// ValidateName checks a topic or consumer-group name. Allowed: letters,
// digits, '.', '_', '-'; non-empty; at most 240 bytes. The charset keeps
// names safe as key segments.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty", ErrInvalidName)
	}
	if len(name) > maxNameLen {
		return fmt.Errorf("%w: %q longer than %d bytes", ErrInvalidName, name, maxNameLen)
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '.', c == '_', c == '-':
		default:
			return fmt.Errorf("%w: %q contains %q", ErrInvalidName, name, c)
		}
	}
	return nil
}

// normalize fills zero fields from defaults and rejects invalid settings.
func normalize(name string, cfg, defaults Config) (Config, error) {
	if cfg.Partitions == 0 {
		cfg.Partitions = defaults.Partitions
	}
	if cfg.VisibilityTimeoutMs == 0 {
		cfg.VisibilityTimeoutMs = defaults.VisibilityTimeoutMs
	}
	if cfg.MaxDeliveryAttempts == 0 {
		cfg.MaxDeliveryAttempts = defaults.MaxDeliveryAttempts
	}
	switch {
	case cfg.Partitions < 1:
		return Config{}, fmt.Errorf("%w: partitions %d < 1", ErrInvalidConfig, cfg.Partitions)
	case cfg.VisibilityTimeoutMs <= 0:
		return Config{}, fmt.Errorf("%w: visibility timeout %dms", ErrInvalidConfig, cfg.VisibilityTimeoutMs)
	case cfg.MaxDeliveryAttempts < 0:
		return Config{}, fmt.Errorf("%w: max delivery attempts %d < 0", ErrInvalidConfig, cfg.MaxDeliveryAttempts)
	case cfg.RetentionAgeMs < 0 || cfg.RetentionMaxBytes < 0:
		return Config{}, fmt.Errorf("%w: negative retention bound", ErrInvalidConfig)
	}
	if cfg.DLQTopic != "" {
		if err := ValidateName(cfg.DLQTopic); err != nil {
			return Config{}, err
		}
		if cfg.DLQTopic == name {
			return Config{}, fmt.Errorf("%w: dlq topic equals source topic %q", ErrInvalidConfig, name)
		}
	}
	return cfg, nil
}
