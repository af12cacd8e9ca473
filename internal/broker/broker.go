package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/scorego/sluice/internal/commitlog"
	"github.com/scorego/sluice/internal/config"
	"github.com/scorego/sluice/internal/dispatch"
	"github.com/scorego/sluice/internal/metrics"
	"github.com/scorego/sluice/internal/retry"
	pebblestore "github.com/scorego/sluice/internal/storage/pebble"
	"github.com/scorego/sluice/internal/topic"
	"github.com/scorego/sluice/internal/visibility"
	"github.com/scorego/sluice/pkg/id"
	"github.com/scorego/sluice/pkg/log"
)

// Options configures a Broker.
type Options struct {
	Config config.Config
	Logger log.Logger
}

// Broker is the embeddable message broker: durable topic logs, consumer
// groups with partition leases, visibility-timeout redelivery, and
// dead-letter routing. One Broker owns one data directory.
type Broker struct {
	cfg    config.Config
	logger log.Logger

	db       *pebblestore.DB
	registry *topic.Registry
	tracker  *visibility.Tracker
	retry    *retry.Manager
	coord    *dispatch.Coordinator
	sweeper  *visibility.Sweeper
	rr       *dispatch.RoundRobin
	idgen    *id.Generator

	mu     sync.Mutex
	logs   map[logKey]*commitlog.Log
	closed bool
}

type logKey struct {
	topic string
	part  uint32
}

// Open starts a broker over opts.Config.DataDir. In-flight leases from a
// previous process are routed through redelivery before Open returns, so
// every record is either dispatchable again or dead-lettered. ctx bounds
// that recovery work only.
func Open(ctx context.Context, opts Options) (*Broker, error) {
	cfg := opts.Config
	if cfg.DataDir == "" {
		cfg.DataDir = config.DefaultDataDir()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}

	db, err := pebblestore.Open(pebblestore.Options{
		DataDir:       cfg.DataDir,
		Fsync:         fsyncMode(cfg.Fsync),
		FsyncInterval: time.Duration(cfg.FsyncIntervalMs) * time.Millisecond,
		Metrics:       metrics.StorageHook{},
	})
	if err != nil {
		return nil, fmt.Errorf("broker: open storage: %w", err)
	}

	registry, err := topic.OpenRegistry(topic.RegistryOptions{
		DB:       db,
		Defaults: defaultsFromConfig(cfg.TopicDefaults),
		Logger:   logger,
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	b := &Broker{
		cfg:      cfg,
		logger:   logger.WithComponent("broker"),
		db:       db,
		registry: registry,
		tracker:  visibility.NewTracker(db, logger),
		coord: dispatch.NewCoordinator(dispatch.Options{
			SessionTimeout: time.Duration(cfg.Group.SessionTimeoutMs) * time.Millisecond,
			Logger:         logger,
		}),
		rr:    dispatch.NewRoundRobin(),
		idgen: id.NewGenerator(),
		logs:  make(map[logKey]*commitlog.Log),
	}
	b.retry = retry.NewManager(retry.Options{
		DB:       db,
		Tracker:  b.tracker,
		Registry: registry,
		Appender: b,
		Logger:   logger,
	})
	b.tracker.SetRedeliverer(b.retry)

	if _, err := b.tracker.RecoverLeases(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("broker: recover leases: %w", err)
	}

	b.coord.Start()
	b.sweeper = visibility.NewSweeper(b.tracker, visibility.SweeperOptions{
		Interval: time.Duration(cfg.SweepIntervalMs) * time.Millisecond,
		Logger:   logger,
	})
	b.sweeper.Start(context.Background())

	b.logger.Info("broker open", log.Str("dataDir", cfg.DataDir), log.Str("fsync", cfg.Fsync))
	return b, nil
}

// Close stops background work and releases storage. Outstanding leases stay
// persisted and are recovered on the next Open.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.sweeper.Stop()
	b.coord.Stop()
	return b.db.Close()
}

func (b *Broker) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func fsyncMode(s string) pebblestore.FsyncMode {
	switch s {
	case "always":
		return pebblestore.FsyncModeAlways
	case "never":
		return pebblestore.FsyncModeNever
	case "interval":
		return pebblestore.FsyncModeInterval
	default:
		return pebblestore.FsyncModeUnspecified
	}
}

func defaultsFromConfig(d config.TopicDefaults) topic.Config {
	return topic.Config{
		Partitions:          d.Partitions,
		VisibilityTimeoutMs: d.VisibilityTimeoutMs,
		MaxDeliveryAttempts: d.MaxDeliveryAttempts,
		RetentionAgeMs:      d.RetentionAgeMs,
		RetentionMaxBytes:   d.RetentionMaxBytes,
	}
}

// log returns the cached partition log, opening it on first use.
func (b *Broker) log(topicName string, partition uint32) (*commitlog.Log, error) {
	k := logKey{topic: topicName, part: partition}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	if l, ok := b.logs[k]; ok {
		return l, nil
	}
	l, err := commitlog.OpenLog(b.db, topicName, partition)
	if err != nil {
		return nil, err
	}
	b.logs[k] = l
	return l, nil
}

func (b *Broker) evictLogs(topicName string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for k := range b.logs {
		if k.topic == topicName {
			delete(b.logs, k)
		}
	}
}

// CreateTopic registers a topic. Zero-valued config fields take the broker
// defaults.
func (b *Broker) CreateTopic(name string, cfg topic.Config) (topic.Topic, error) {
	if b.isClosed() {
		return topic.Topic{}, ErrClosed
	}
	return b.registry.Create(name, cfg)
}

// EnsureTopic creates the topic if missing and returns it either way.
func (b *Broker) EnsureTopic(name string, cfg topic.Config) (topic.Topic, error) {
	if b.isClosed() {
		return topic.Topic{}, ErrClosed
	}
	return b.registry.Ensure(name, cfg)
}

// GetTopic returns the topic's stored definition.
func (b *Broker) GetTopic(name string) (topic.Topic, error) {
	return b.registry.Get(name)
}

// ListTopics returns all topics sorted by name.
func (b *Broker) ListTopics() []topic.Topic {
	return b.registry.List()
}

// DeleteTopic removes a topic. Without force, a topic still holding records
// or group state fails with topic.ErrNotEmpty.
func (b *Broker) DeleteTopic(name string, force bool) error {
	if b.isClosed() {
		return ErrClosed
	}
	if err := b.registry.Delete(name, force); err != nil {
		return err
	}
	b.evictLogs(name)
	b.tracker.DropTopic(name)
	b.coord.DropTopic(name)
	b.rr.Drop(name)
	return nil
}

// TopicStats combines the retained-log view with every consumer group's
// progress.
type TopicStats struct {
	topic.Stats
	Groups []visibility.GroupStats `json:"groups"`
}

// Stats reports per-partition offset windows and per-group backlog for one
// topic.
func (b *Broker) Stats(name string) (TopicStats, error) {
	ts, err := b.registry.Stats(name)
	if err != nil {
		return TopicStats{}, err
	}
	windows := make([]visibility.Window, len(ts.Partitions))
	for i, p := range ts.Partitions {
		windows[i] = visibility.Window{First: p.FirstOffset, Next: p.NextOffset}
	}
	groups, err := b.tracker.GroupStats(name, windows)
	if err != nil {
		return TopicStats{}, err
	}
	return TopicStats{Stats: ts, Groups: groups}, nil
}

// GroupsSnapshot reports live group membership for one topic.
func (b *Broker) GroupsSnapshot(name string) []dispatch.GroupSnapshot {
	return b.coord.Snapshot(name)
}
