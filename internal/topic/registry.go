package topic

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/scorego/sluice/internal/commitlog"
	pebblestore "github.com/scorego/sluice/internal/storage/pebble"
	"github.com/scorego/sluice/pkg/log"
)

// RegistryOptions configures OpenRegistry.
type RegistryOptions struct {
	DB *pebblestore.DB
	// Defaults fills zero Config fields at create time. The zero value
	// falls back to DefaultConfig().
	Defaults Config
	Logger   log.Logger
}

// Registry is the authoritative topic catalog. Meta records persist in
// pebble; an in-memory map keeps Get on the publish path off storage.
type Registry struct {
	db       *pebblestore.DB
	defaults Config
	logger   log.Logger

	mu     sync.RWMutex
	topics map[string]Topic
}

// OpenRegistry loads every persisted topic meta record into the catalog.
func OpenRegistry(opts RegistryOptions) (*Registry, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("topic: registry requires a db")
	}
	if opts.Defaults == (Config{}) {
		opts.Defaults = DefaultConfig()
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNopLogger()
	}
	r := &Registry{
		db:       opts.DB,
		defaults: opts.Defaults,
		logger:   opts.Logger.WithComponent("topic"),
		topics:   make(map[string]Topic),
	}

	low, hi := metaRange()
	iter, err := r.db.NewIter(&pebble.IterOptions{LowerBound: low, UpperBound: hi})
	if err != nil {
		return nil, fmt.Errorf("topic: scan catalog: %w", err)
	}
	defer iter.Close()
	for ok := iter.First(); ok; ok = iter.Next() {
		var t Topic
		if err := json.Unmarshal(iter.Value(), &t); err != nil {
			return nil, fmt.Errorf("topic: meta record %q unreadable: %w", nameFromMetaKey(iter.Key()), err)
		}
		r.topics[t.Name] = t
	}
	return r, nil
}

// Create registers a new topic. Zero config fields take registry defaults.
// The partition count is fixed for the topic's lifetime.
func (r *Registry) Create(name string, cfg Config) (Topic, error) {
	if err := ValidateName(name); err != nil {
		return Topic{}, err
	}
	norm, err := normalize(name, cfg, r.defaults)
	if err != nil {
		return Topic{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.topics[name]; ok {
		return Topic{}, fmt.Errorf("%w: %s", ErrExists, name)
	}
	return r.createLocked(name, norm)
}

// Ensure returns the existing topic or creates it. An existing topic keeps
// its original config; cfg applies only on first creation.
func (r *Registry) Ensure(name string, cfg Config) (Topic, error) {
	if err := ValidateName(name); err != nil {
		return Topic{}, err
	}
	norm, err := normalize(name, cfg, r.defaults)
	if err != nil {
		return Topic{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.topics[name]; ok {
		return t, nil
	}
	return r.createLocked(name, norm)
}

func (r *Registry) createLocked(name string, cfg Config) (Topic, error) {
	t := Topic{Name: name, CreatedAtMs: time.Now().UnixMilli(), Config: cfg}
	val, err := json.Marshal(t)
	if err != nil {
		return Topic{}, fmt.Errorf("topic: encode meta %s: %w", name, err)
	}
	if err := r.db.Set(keyTopicMeta(name), val); err != nil {
		return Topic{}, fmt.Errorf("topic: persist meta %s: %w", name, err)
	}
	r.topics[name] = t
	r.logger.Info("topic created",
		log.Str("topic", name),
		log.Int("partitions", cfg.Partitions),
		log.Str("dlq", cfg.DLQTopic))
	return t, nil
}

// Get looks up one topic.
func (r *Registry) Get(name string) (Topic, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.topics[name]
	if !ok {
		return Topic{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return t, nil
}

// List returns every topic sorted by name.
func (r *Registry) List() []Topic {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Topic, 0, len(r.topics))
	for _, t := range r.topics {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Delete removes a topic. Without force it fails ErrNotEmpty while any
// partition retains records or any group holds leases, delay markers or
// attempt counters. With force it drains all of that state first. The meta
// record goes last so a crash mid-drain leaves the delete re-runnable.
func (r *Registry) Delete(name string, force bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.topics[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if !force {
		busy, err := r.busy(name, t.Config.Partitions)
		if err != nil {
			return err
		}
		if busy {
			return fmt.Errorf("%w: %s", ErrNotEmpty, name)
		}
	}

	low, hi := commitlog.KeyLogRange(name)
	if err := r.db.DeleteRange(low, hi); err != nil {
		return fmt.Errorf("topic: drain log %s: %w", name, err)
	}
	low, hi = commitlog.KeyDedupRange(name)
	if err := r.db.DeleteRange(low, hi); err != nil {
		return fmt.Errorf("topic: drain dedup %s: %w", name, err)
	}
	for _, pref := range statePrefixes {
		low, hi := scopedRange(pref, name)
		if err := r.db.DeleteRange(low, hi); err != nil {
			return fmt.Errorf("topic: drain state %s: %w", name, err)
		}
	}
	if err := r.db.Delete(keyTopicMeta(name)); err != nil {
		return fmt.Errorf("topic: remove meta %s: %w", name, err)
	}
	delete(r.topics, name)
	r.logger.Info("topic deleted", log.Str("topic", name), log.Bool("force", force))
	return nil
}

// busy reports whether any partition retains records or any group state
// would be lost by a delete.
func (r *Registry) busy(name string, partitions int) (bool, error) {
	for p := 0; p < partitions; p++ {
		first, next, err := commitlog.PartitionBounds(r.db, name, uint32(p))
		if err != nil {
			return false, err
		}
		if next > first {
			return true, nil
		}
	}
	for _, pref := range [][]byte{leasePrefix, delayPrefix, attemptPrefix} {
		low, hi := scopedRange(pref, name)
		any, err := r.hasAny(low, hi)
		if err != nil {
			return false, err
		}
		if any {
			return true, nil
		}
	}
	return false, nil
}

func (r *Registry) hasAny(low, hi []byte) (bool, error) {
	iter, err := r.db.NewIter(&pebble.IterOptions{LowerBound: low, UpperBound: hi})
	if err != nil {
		return false, err
	}
	defer iter.Close()
	return iter.First(), nil
}

// PartitionStats reports one partition's retained window [First, Next).
type PartitionStats struct {
	Partition   uint32 `json:"partition"`
	FirstOffset uint64 `json:"firstOffset"`
	NextOffset  uint64 `json:"nextOffset"`
}

// Stats is the registry-level view of one topic. Group-level pending and
// in-flight counts live with the visibility tracker.
type Stats struct {
	Topic      Topic            `json:"topic"`
	Partitions []PartitionStats `json:"partitions"`
	// Records counts entries retained across all partitions.
	Records uint64 `json:"records"`
}

// Stats reports per-partition offset bounds for one topic.
func (r *Registry) Stats(name string) (Stats, error) {
	t, err := r.Get(name)
	if err != nil {
		return Stats{}, err
	}
	st := Stats{Topic: t, Partitions: make([]PartitionStats, 0, t.Config.Partitions)}
	for p := 0; p < t.Config.Partitions; p++ {
		first, next, err := commitlog.PartitionBounds(r.db, name, uint32(p))
		if err != nil {
			return Stats{}, err
		}
		st.Partitions = append(st.Partitions, PartitionStats{
			Partition:   uint32(p),
			FirstOffset: first,
			NextOffset:  next,
		})
		st.Records += next - first
	}
	return st, nil
}
