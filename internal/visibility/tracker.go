package visibility

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"

	"github.com/scorego/sluice/internal/metrics"
	pebblestore "github.com/scorego/sluice/internal/storage/pebble"
	"github.com/scorego/sluice/pkg/log"
)

// Ref identifies one record's delivery state within a consumer group.
type Ref struct {
	Topic     string
	Group     string
	Partition uint32
	Offset    uint64
}

func (r Ref) String() string {
	return fmt.Sprintf("%s/%s/%d@%d", r.Topic, r.Group, r.Partition, r.Offset)
}

// Lease is one granted visibility window. The token fences late acks and
// nacks from consumers whose lease already lapsed.
type Lease struct {
	Topic       string `json:"topic"`
	Group       string `json:"group"`
	Partition   uint32 `json:"partition"`
	Offset      uint64 `json:"offset"`
	Consumer    string `json:"consumer"`
	Token       string `json:"token"`
	GrantedAtMs int64  `json:"grantedAtMs"`
	ExpiresAtMs int64  `json:"expiresAtMs"`
}

// Ref returns the lease's record coordinates.
func (l *Lease) Ref() Ref {
	return Ref{Topic: l.Topic, Group: l.Group, Partition: l.Partition, Offset: l.Offset}
}

// Redelivery reasons passed to the Redeliverer.
const (
	ReasonNack    = "nack"
	ReasonExpiry  = "visibility_timeout"
	ReasonRecover = "recovery"
)

// Redeliverer routes an unleasing record through attempt accounting and
// decides its fate. Implemented by the retry manager and wired after
// construction.
type Redeliverer interface {
	Redeliver(ctx context.Context, ref Ref, requeueDelay time.Duration, reason string) error
}

// Transition is the persisted outcome of a redelivery decision, applied in
// one batch with the lease release.
type Transition struct {
	// Complete marks the record terminally done and clears its attempt
	// counter: it was dead-lettered, or dropped after exhausting attempts
	// with no dead-letter topic configured.
	Complete bool
	// Attempts is the counter value to persist when not completing.
	Attempts int
	// Delay defers re-eligibility when not completing.
	Delay time.Duration
}

type partKey struct {
	topic string
	group string
	part  uint32
}

func (k partKey) ref(off uint64) Ref {
	return Ref{Topic: k.topic, Group: k.group, Partition: k.part, Offset: off}
}

// partState is the in-memory mirror of one (topic, group, partition)'s
// persisted delivery state. Its mutex linearizes every lease transition for
// the partition, held across the storage commit.
type partState struct {
	mu       sync.Mutex
	hydrated bool
	floor    uint64
	done     map[uint64]struct{}
	leased   map[uint64]*Lease
	delayed  map[uint64]int64 // offset -> readyAtMs
}

// Tracker owns per-group delivery state: ack floors, done marks, leases
// with their expiry index, and requeue delays. All state is persisted;
// hydration is lazy per partition.
type Tracker struct {
	db     *pebblestore.DB
	logger log.Logger
	nowMs  func() int64

	redeliverer Redeliverer

	mu     sync.Mutex
	states map[partKey]*partState

	wakeMu sync.Mutex
	wakeCh chan struct{}
}

// NewTracker builds a tracker. SetRedeliverer must be called before any
// nack, sweep, or recovery runs.
func NewTracker(db *pebblestore.DB, logger log.Logger) *Tracker {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Tracker{
		db:     db,
		logger: logger.WithComponent("visibility"),
		nowMs:  func() int64 { return time.Now().UnixMilli() },
		states: make(map[partKey]*partState),
		wakeCh: make(chan struct{}),
	}
}

// SetRedeliverer wires the retry manager.
func (t *Tracker) SetRedeliverer(r Redeliverer) { t.redeliverer = r }

// EligibilitySignal returns a channel closed the next time a record becomes
// eligible again (requeue without delay, or a delay coming due). Pollers
// select over this together with the log's append signal.
func (t *Tracker) EligibilitySignal() <-chan struct{} {
	t.wakeMu.Lock()
	defer t.wakeMu.Unlock()
	return t.wakeCh
}

func (t *Tracker) wake() {
	t.wakeMu.Lock()
	close(t.wakeCh)
	t.wakeCh = make(chan struct{})
	t.wakeMu.Unlock()
}

// ensure returns the hydrated state for one partition.
func (t *Tracker) ensure(pk partKey) (*partState, error) {
	t.mu.Lock()
	st := t.states[pk]
	if st == nil {
		st = &partState{
			done:    make(map[uint64]struct{}),
			leased:  make(map[uint64]*Lease),
			delayed: make(map[uint64]int64),
		}
		t.states[pk] = st
	}
	t.mu.Unlock()

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.hydrated {
		return st, nil
	}
	if err := t.hydrate(pk, st); err != nil {
		return nil, err
	}
	st.hydrated = true
	return st, nil
}

// hydrate loads one partition's persisted delivery state. Caller holds
// st.mu.
func (t *Tracker) hydrate(pk partKey, st *partState) error {
	if v, err := t.db.Get(keyFloor(pk.topic, pk.group, pk.part)); err == nil {
		if len(v) < 8 {
			return fmt.Errorf("visibility: floor truncated for %s/%s/%d", pk.topic, pk.group, pk.part)
		}
		st.floor = binary.BigEndian.Uint64(v)
	} else if !errors.Is(err, pebble.ErrNotFound) {
		return fmt.Errorf("visibility: load floor %s/%s/%d: %w", pk.topic, pk.group, pk.part, err)
	}

	low, hi := doneBounds(pk.topic, pk.group, pk.part)
	if err := t.scanKeys(low, hi, func(key, _ []byte) {
		st.done[offsetFromKeyTail(key)] = struct{}{}
	}); err != nil {
		return err
	}

	low, hi = leaseBounds(pk.topic, pk.group, pk.part)
	if err := t.scanKeys(low, hi, func(key, val []byte) {
		var l Lease
		if jsonErr := json.Unmarshal(val, &l); jsonErr != nil {
			// Unreadable lease: coordinates still come from the key, and
			// recovery or the sweeper will route it with a zero expiry.
			l = Lease{Topic: pk.topic, Group: pk.group, Partition: pk.part, Offset: offsetFromKeyTail(key)}
		}
		st.leased[offsetFromKeyTail(key)] = &l
	}); err != nil {
		return err
	}

	low, hi = delayBounds(pk.topic, pk.group, pk.part)
	if err := t.scanKeys(low, hi, func(key, val []byte) {
		if len(val) >= 8 {
			st.delayed[offsetFromKeyTail(key)] = int64(binary.BigEndian.Uint64(val))
		}
	}); err != nil {
		return err
	}

	// First sighting of this group on this topic leaves a marker so stats
	// and admin can discover groups without guessing key shapes.
	mk := keyGroupMarker(pk.topic, pk.group)
	if _, err := t.db.Get(mk); errors.Is(err, pebble.ErrNotFound) {
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], uint64(t.nowMs()))
		if err := t.db.Set(mk, buf[:]); err != nil {
			return fmt.Errorf("visibility: group marker %s/%s: %w", pk.topic, pk.group, err)
		}
	}
	return nil
}

func (t *Tracker) scanKeys(low, hi []byte, fn func(key, val []byte)) error {
	iter, err := t.db.NewIter(&pebble.IterOptions{LowerBound: low, UpperBound: hi})
	if err != nil {
		return fmt.Errorf("visibility: scan: %w", err)
	}
	defer iter.Close()
	for ok := iter.First(); ok; ok = iter.Next() {
		fn(iter.Key(), iter.Value())
	}
	return nil
}

// nextEligibleLocked returns the lowest offset in [st.floor, end) that is
// neither done, actively leased, nor under an unready delay. Expired leases
// stay ineligible until the sweeper routes them through attempt accounting.
func (st *partState) nextEligibleLocked(end uint64, nowMs int64) (uint64, bool) {
	for off := st.floor; off < end; off++ {
		if _, ok := st.done[off]; ok {
			continue
		}
		if _, ok := st.leased[off]; ok {
			continue
		}
		if ready, ok := st.delayed[off]; ok && ready > nowMs {
			continue
		}
		return off, true
	}
	return 0, false
}

// NextEligible reports the next dispatchable offset below end without
// acquiring it.
func (t *Tracker) NextEligible(topic, group string, partition uint32, end uint64) (uint64, bool, error) {
	st, err := t.ensure(partKey{topic: topic, group: group, part: partition})
	if err != nil {
		return 0, false, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	off, ok := st.nextEligibleLocked(end, t.nowMs())
	return off, ok, nil
}

// Acquire leases the lowest eligible offset below end to consumer for ttl.
// Returns false when the partition has nothing dispatchable.
func (t *Tracker) Acquire(ctx context.Context, topic, group string, partition uint32, end uint64, consumer string, ttl time.Duration) (*Lease, bool, error) {
	pk := partKey{topic: topic, group: group, part: partition}
	st, err := t.ensure(pk)
	if err != nil {
		return nil, false, err
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	now := t.nowMs()
	off, ok := st.nextEligibleLocked(end, now)
	if !ok {
		return nil, false, nil
	}
	ref := pk.ref(off)
	lease := &Lease{
		Topic:       topic,
		Group:       group,
		Partition:   partition,
		Offset:      off,
		Consumer:    consumer,
		Token:       uuid.NewString(),
		GrantedAtMs: now,
		ExpiresAtMs: now + ttl.Milliseconds(),
	}
	val, err := json.Marshal(lease)
	if err != nil {
		return nil, false, fmt.Errorf("visibility: encode lease %s: %w", ref, err)
	}

	b := t.db.NewBatch()
	defer b.Close()
	if err := b.Set(keyLease(ref), val, nil); err != nil {
		return nil, false, err
	}
	if err := b.Set(keyLeaseIdx(lease.ExpiresAtMs, ref), nil, nil); err != nil {
		return nil, false, err
	}
	consumedDelay := false
	if ready, ok := st.delayed[off]; ok {
		consumedDelay = true
		if err := b.Delete(keyDelay(ref), nil); err != nil {
			return nil, false, err
		}
		if err := b.Delete(keyDelayIdx(ready, ref), nil); err != nil {
			return nil, false, err
		}
	}
	if err := t.db.CommitBatch(ctx, b); err != nil {
		return nil, false, fmt.Errorf("visibility: grant lease %s: %w", ref, err)
	}

	st.leased[off] = lease
	if consumedDelay {
		delete(st.delayed, off)
	}
	metrics.InflightLeases.WithLabelValues(topic, group).Inc()
	return lease, true, nil
}

// Ack completes a leased record. A stale token, or a token whose lease
// already expired, is a no-op reported as applied=false; the record may be
// redelivered. Never an error in those cases.
func (t *Tracker) Ack(ctx context.Context, ref Ref, token string) (bool, error) {
	st, err := t.ensure(partKey{topic: ref.Topic, group: ref.Group, part: ref.Partition})
	if err != nil {
		return false, err
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	l := st.leased[ref.Offset]
	if l == nil || l.Token != token || l.ExpiresAtMs <= t.nowMs() {
		return false, nil
	}

	b := t.db.NewBatch()
	defer b.Close()
	if err := b.Delete(keyLease(ref), nil); err != nil {
		return false, err
	}
	if err := b.Delete(keyLeaseIdx(l.ExpiresAtMs, ref), nil); err != nil {
		return false, err
	}
	if err := b.Delete(keyAttempt(ref), nil); err != nil {
		return false, err
	}
	apply, err := st.stageDone(b, partKey{topic: ref.Topic, group: ref.Group, part: ref.Partition}, ref.Offset)
	if err != nil {
		return false, err
	}
	if err := t.db.CommitBatch(ctx, b); err != nil {
		return false, fmt.Errorf("visibility: ack %s: %w", ref, err)
	}

	delete(st.leased, ref.Offset)
	apply()
	metrics.InflightLeases.WithLabelValues(ref.Topic, ref.Group).Dec()
	return true, nil
}

// Nack releases an active lease and routes the record through the retry
// manager for immediate or delayed redelivery. Stale or expired tokens are
// no-ops reported as applied=false.
func (t *Tracker) Nack(ctx context.Context, ref Ref, token string, requeueDelay time.Duration) (bool, error) {
	st, err := t.ensure(partKey{topic: ref.Topic, group: ref.Group, part: ref.Partition})
	if err != nil {
		return false, err
	}

	st.mu.Lock()
	l := st.leased[ref.Offset]
	valid := l != nil && l.Token == token && l.ExpiresAtMs > t.nowMs()
	st.mu.Unlock()
	if !valid {
		return false, nil
	}

	// The lease stays in place while the verdict is computed; Finalize
	// releases it together with the persisted outcome.
	if err := t.redeliverer.Redeliver(ctx, ref, requeueDelay, ReasonNack); err != nil {
		return false, err
	}
	return true, nil
}

// Extend pushes an active lease's expiry to now+ttl. Stale or expired
// tokens are no-ops reported as applied=false.
func (t *Tracker) Extend(ctx context.Context, ref Ref, token string, ttl time.Duration) (int64, bool, error) {
	st, err := t.ensure(partKey{topic: ref.Topic, group: ref.Group, part: ref.Partition})
	if err != nil {
		return 0, false, err
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	l := st.leased[ref.Offset]
	now := t.nowMs()
	if l == nil || l.Token != token || l.ExpiresAtMs <= now {
		return 0, false, nil
	}

	renewed := *l
	renewed.ExpiresAtMs = now + ttl.Milliseconds()
	val, err := json.Marshal(&renewed)
	if err != nil {
		return 0, false, fmt.Errorf("visibility: encode lease %s: %w", ref, err)
	}

	b := t.db.NewBatch()
	defer b.Close()
	if err := b.Set(keyLease(ref), val, nil); err != nil {
		return 0, false, err
	}
	if err := b.Delete(keyLeaseIdx(l.ExpiresAtMs, ref), nil); err != nil {
		return 0, false, err
	}
	if err := b.Set(keyLeaseIdx(renewed.ExpiresAtMs, ref), nil, nil); err != nil {
		return 0, false, err
	}
	if err := t.db.CommitBatch(ctx, b); err != nil {
		return 0, false, fmt.Errorf("visibility: extend %s: %w", ref, err)
	}

	st.leased[ref.Offset] = &renewed
	return renewed.ExpiresAtMs, true, nil
}

// Finalize applies a redelivery verdict: it releases the lease and, in one
// batch, either completes the record or persists the attempt count and an
// optional requeue delay. Reports applied=false when the lease is already
// gone (a concurrent routing won).
func (t *Tracker) Finalize(ctx context.Context, ref Ref, tr Transition) (bool, error) {
	pk := partKey{topic: ref.Topic, group: ref.Group, part: ref.Partition}
	st, err := t.ensure(pk)
	if err != nil {
		return false, err
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	l := st.leased[ref.Offset]
	if l == nil {
		return false, nil
	}

	b := t.db.NewBatch()
	defer b.Close()
	if err := b.Delete(keyLease(ref), nil); err != nil {
		return false, err
	}
	if err := b.Delete(keyLeaseIdx(l.ExpiresAtMs, ref), nil); err != nil {
		return false, err
	}

	var apply func()
	var readyAt int64
	switch {
	case tr.Complete:
		if err := b.Delete(keyAttempt(ref), nil); err != nil {
			return false, err
		}
		apply, err = st.stageDone(b, pk, ref.Offset)
		if err != nil {
			return false, err
		}
	default:
		var cnt [4]byte
		binary.BigEndian.PutUint32(cnt[:], uint32(tr.Attempts))
		if err := b.Set(keyAttempt(ref), cnt[:], nil); err != nil {
			return false, err
		}
		if tr.Delay > 0 {
			readyAt = t.nowMs() + tr.Delay.Milliseconds()
			var buf [8]byte
			binary.BigEndian.PutUint64(buf[:], uint64(readyAt))
			if err := b.Set(keyDelay(ref), buf[:], nil); err != nil {
				return false, err
			}
			if err := b.Set(keyDelayIdx(readyAt, ref), nil, nil); err != nil {
				return false, err
			}
		}
	}
	if err := t.db.CommitBatch(ctx, b); err != nil {
		return false, fmt.Errorf("visibility: finalize %s: %w", ref, err)
	}

	delete(st.leased, ref.Offset)
	switch {
	case tr.Complete:
		apply()
	case readyAt > 0:
		st.delayed[ref.Offset] = readyAt
	}
	metrics.InflightLeases.WithLabelValues(ref.Topic, ref.Group).Dec()

	if !tr.Complete && readyAt == 0 {
		t.wake()
	}
	return true, nil
}

// stageDone stages off's terminal transition into b and returns the
// in-memory apply to run after commit. The ack floor only advances, over
// the contiguous run of done marks above it; marks consumed by the advance
// are deleted in the same batch. Caller holds st.mu.
func (st *partState) stageDone(b *pebble.Batch, pk partKey, off uint64) (func(), error) {
	if off < st.floor {
		return func() {}, nil
	}
	if off > st.floor {
		if err := b.Set(keyDone(pk.topic, pk.group, pk.part, off), nil, nil); err != nil {
			return nil, err
		}
		return func() { st.done[off] = struct{}{} }, nil
	}

	newFloor := off + 1
	var consumed []uint64
	for {
		if _, ok := st.done[newFloor]; !ok {
			break
		}
		if err := b.Delete(keyDone(pk.topic, pk.group, pk.part, newFloor), nil); err != nil {
			return nil, err
		}
		consumed = append(consumed, newFloor)
		newFloor++
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], newFloor)
	if err := b.Set(keyFloor(pk.topic, pk.group, pk.part), buf[:], nil); err != nil {
		return nil, err
	}
	return func() {
		st.floor = newFloor
		for _, o := range consumed {
			delete(st.done, o)
		}
	}, nil
}

// DropTopic forgets a deleted topic's in-memory state. Persisted keys are
// drained by the registry.
func (t *Tracker) DropTopic(topic string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for pk := range t.states {
		if pk.topic == topic {
			delete(t.states, pk)
		}
	}
}
