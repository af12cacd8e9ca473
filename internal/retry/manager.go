package retry

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/scorego/sluice/internal/metrics"
	pebblestore "github.com/scorego/sluice/internal/storage/pebble"
	"github.com/scorego/sluice/internal/topic"
	"github.com/scorego/sluice/internal/visibility"
	"github.com/scorego/sluice/pkg/log"
)

// DeadLetterAppender copies an exhausted record to its topic's dead-letter
// topic. Implemented by the broker, which can read the original record and
// publish. The append must be idempotent per origin coordinate so a crash
// between append and finalize stays exactly-once.
type DeadLetterAppender interface {
	AppendDeadLetter(ctx context.Context, ref visibility.Ref, attempts int) error
}

// Options configures a Manager.
type Options struct {
	DB       *pebblestore.DB
	Tracker  *visibility.Tracker
	Registry *topic.Registry
	Appender DeadLetterAppender
	Logger   log.Logger
}

// Manager routes failed deliveries. It implements visibility.Redeliverer:
// every nack, lease expiry, and startup recovery lands here, counts one
// attempt, and is either requeued or dead-lettered against the topic's
// configured limit.
type Manager struct {
	db       *pebblestore.DB
	tracker  *visibility.Tracker
	registry *topic.Registry
	appender DeadLetterAppender
	logger   log.Logger
}

func NewManager(opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Manager{
		db:       opts.DB,
		tracker:  opts.Tracker,
		registry: opts.Registry,
		appender: opts.Appender,
		logger:   logger.WithComponent("retry"),
	}
}

// Attempts returns the persisted delivery attempt count for a record.
// Records never redelivered report 0.
func (m *Manager) Attempts(ref visibility.Ref) (int, error) {
	v, err := m.db.Get(keyAttempt(ref))
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("retry: read attempts %s: %w", ref, err)
	}
	if len(v) < 4 {
		return 0, fmt.Errorf("retry: attempt counter truncated for %s", ref)
	}
	return int(binary.BigEndian.Uint32(v)), nil
}

// Redeliver counts one failed attempt and applies the topic's policy. The
// caller's lease stays in place until the verdict commits, so concurrent
// routings of the same record converge: whichever finalizes first wins and
// the loser's transition is a no-op.
func (m *Manager) Redeliver(ctx context.Context, ref visibility.Ref, requeueDelay time.Duration, reason string) error {
	prior, err := m.Attempts(ref)
	if err != nil {
		return err
	}
	attempts := prior + 1

	tp, err := m.registry.Get(ref.Topic)
	if errors.Is(err, topic.ErrNotFound) {
		// Topic deleted while the record was in flight; drop the state.
		m.logger.Warn("dropping redelivery for deleted topic", log.Str("ref", ref.String()))
		_, err := m.tracker.Finalize(ctx, ref, visibility.Transition{Complete: true})
		return err
	}
	if err != nil {
		return err
	}

	limit := tp.Config.MaxDeliveryAttempts
	if limit > 0 && attempts >= limit {
		if tp.Config.DLQTopic != "" {
			// Append before finalizing. The append is deduplicated by
			// origin coordinates, so a crash in between re-routes and
			// lands on a no-op.
			if err := m.appender.AppendDeadLetter(ctx, ref, attempts); err != nil {
				return fmt.Errorf("retry: dead-letter %s: %w", ref, err)
			}
			applied, err := m.tracker.Finalize(ctx, ref, visibility.Transition{Complete: true})
			if err != nil {
				return err
			}
			if applied {
				metrics.RecordsDeadLettered.WithLabelValues(ref.Topic, ref.Group).Inc()
				m.logger.Info("dead-lettered record",
					log.Str("ref", ref.String()),
					log.Str("dlq", tp.Config.DLQTopic),
					log.Int("attempts", attempts),
					log.Str("lastFailure", reason))
			}
			return nil
		}
		applied, err := m.tracker.Finalize(ctx, ref, visibility.Transition{Complete: true})
		if err != nil {
			return err
		}
		if applied {
			m.logger.Warn("dropping record after exhausting attempts",
				log.Str("ref", ref.String()),
				log.Int("attempts", attempts),
				log.Str("lastFailure", reason))
		}
		return nil
	}

	_, err = m.tracker.Finalize(ctx, ref, visibility.Transition{Attempts: attempts, Delay: requeueDelay})
	return err
}
