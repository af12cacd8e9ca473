package broker

import (
	"errors"

	"github.com/scorego/sluice/internal/commitlog"
	"github.com/scorego/sluice/internal/topic"
)

var (
	// ErrClosed marks operations on a closed broker.
	ErrClosed = errors.New("broker: closed")
	// ErrPayloadTooLarge marks a publish over the configured payload limit.
	ErrPayloadTooLarge = errors.New("broker: payload too large")
	// ErrHeadersTooLarge marks a publish whose encoded headers exceed the
	// configured limit.
	ErrHeadersTooLarge = errors.New("broker: headers too large")
)

// Aliases for the sentinels of the packages underneath, so callers can
// test every failure against one surface.
var (
	ErrTopicNotFound    = topic.ErrNotFound
	ErrTopicExists      = topic.ErrExists
	ErrTopicNotEmpty    = topic.ErrNotEmpty
	ErrInvalidName      = topic.ErrInvalidName
	ErrOffsetOutOfRange = commitlog.ErrOffsetOutOfRange
	ErrWriteFailure     = commitlog.ErrWriteFailure
	ErrCorrupted        = commitlog.ErrCorrupted
)
