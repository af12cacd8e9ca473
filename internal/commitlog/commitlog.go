package commitlog

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	pebblestore "github.com/scorego/sluice/internal/storage/pebble"
)

var (
	// ErrWriteFailure marks an append that failed after internal retries.
	// The failed record is never partially visible.
	ErrWriteFailure = errors.New("commitlog: write failure")
	// ErrOffsetOutOfRange marks a read from before the retained window.
	ErrOffsetOutOfRange = errors.New("commitlog: offset out of range")
	// ErrCorrupted marks a mismatch between the offset index and the stored
	// entries, or a failed frame checksum. Never auto-repaired.
	ErrCorrupted = errors.New("commitlog: corrupted")
)

const (
	appendAttempts = 3
	appendBackoff  = 10 * time.Millisecond
)

// AppendRecord is a single appendable record. Header and Payload are opaque
// here; the broker layer owns the envelope format. A non-empty DedupID makes
// the append idempotent: a later append with the same ID on this topic
// returns the original position instead of writing a second entry.
type AppendRecord struct {
	Header  []byte
	Payload []byte
	DedupID string
}

// AppendResult reports where one record landed.
type AppendResult struct {
	Offset    uint64
	Duplicate bool
	// DupPartition is the partition holding the original entry when
	// Duplicate is set. It may differ from this log's partition.
	DupPartition uint32
}

// Log is the append-only record store for one topic partition. Offsets are
// assigned here and nowhere else: strictly increasing from 0, gapless, and
// never reused, including after trims.
type Log struct {
	db    *pebblestore.DB
	topic string
	part  uint32

	mu       sync.Mutex
	next     uint64 // offset the next append receives
	first    uint64 // lowest retained offset (trim watermark)
	notifyCh chan struct{}
	trimHook TrimHook
}

// OpenLog opens the partition log and verifies the offset index against the
// stored entries. A log whose index disagrees with its tail fails to open
// with ErrCorrupted; operator intervention is required.
func OpenLog(db *pebblestore.DB, topic string, partition uint32) (*Log, error) {
	l := &Log{db: db, topic: topic, part: partition, notifyCh: make(chan struct{}), trimHook: noopTrimHook{}}

	meta, err := db.Get(KeyPartitionMeta(topic, partition))
	switch {
	case err == nil:
		if len(meta) < 16 {
			return nil, fmt.Errorf("%w: partition meta truncated for %s/%d", ErrCorrupted, topic, partition)
		}
		l.next = binary.BigEndian.Uint64(meta[0:8])
		l.first = binary.BigEndian.Uint64(meta[8:16])
	case errors.Is(err, pebble.ErrNotFound):
		// New partition. Verified against stray entries below.
	default:
		return nil, fmt.Errorf("commitlog: load meta %s/%d: %w", topic, partition, err)
	}

	if l.first > l.next {
		return nil, fmt.Errorf("%w: first offset %d above next %d for %s/%d", ErrCorrupted, l.first, l.next, topic, partition)
	}
	if err := l.verifyBounds(); err != nil {
		return nil, err
	}
	return l, nil
}

// verifyBounds checks that stored entries lie inside [first, next).
func (l *Log) verifyBounds() error {
	low, hi := entryBounds(l.topic, l.part)
	iter, err := l.db.NewIter(&pebble.IterOptions{LowerBound: low, UpperBound: hi})
	if err != nil {
		return fmt.Errorf("commitlog: verify %s/%d: %w", l.topic, l.part, err)
	}
	defer iter.Close()

	if iter.First() {
		off := offsetFromEntryKey(iter.Key())
		if l.next == 0 && l.first == 0 {
			return fmt.Errorf("%w: entries present but partition meta missing for %s/%d", ErrCorrupted, l.topic, l.part)
		}
		if off < l.first {
			return fmt.Errorf("%w: entry %d below retained window %d for %s/%d", ErrCorrupted, off, l.first, l.topic, l.part)
		}
	}
	if iter.Last() {
		off := offsetFromEntryKey(iter.Key())
		if off >= l.next {
			return fmt.Errorf("%w: entry %d at or beyond recorded next offset %d for %s/%d", ErrCorrupted, off, l.next, l.topic, l.part)
		}
	}
	return nil
}

// Append writes recs as one atomic batch and returns their positions in
// order. Offsets are assigned under the log mutex; duplicates (matched by
// DedupID) consume no offset. Transient commit errors are retried with
// backoff before the append surfaces ErrWriteFailure.
func (l *Log) Append(ctx context.Context, recs []AppendRecord) ([]AppendResult, error) {
	if len(recs) == 0 {
		return nil, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	results := make([]AppendResult, len(recs))
	type pending struct {
		idx int
		rec AppendRecord
		off uint64
	}
	var fresh []pending

	next := l.next
	for i, r := range recs {
		if r.DedupID != "" {
			if prior, ok, err := l.lookupDedup(r.DedupID); err != nil {
				return nil, err
			} else if ok {
				results[i] = prior
				continue
			}
		}
		results[i] = AppendResult{Offset: next}
		fresh = append(fresh, pending{idx: i, rec: r, off: next})
		next++
	}
	if len(fresh) == 0 {
		return results, nil
	}

	build := func() (*pebble.Batch, error) {
		b := l.db.NewBatch()
		for _, p := range fresh {
			val := EncodeRecord(p.rec.Header, p.rec.Payload)
			if err := b.Set(KeyEntry(l.topic, l.part, p.off), val, nil); err != nil {
				b.Close()
				return nil, err
			}
			if p.rec.DedupID != "" {
				if err := b.Set(KeyDedup(l.topic, p.rec.DedupID), encodePosition(l.part, p.off), nil); err != nil {
					b.Close()
					return nil, err
				}
			}
		}
		if err := b.Set(KeyPartitionMeta(l.topic, l.part), encodeMeta(next, l.first), nil); err != nil {
			b.Close()
			return nil, err
		}
		return b, nil
	}

	var commitErr error
	for attempt := 0; attempt < appendAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(appendBackoff << (attempt - 1)):
			}
		}
		b, err := build()
		if err != nil {
			commitErr = err
			continue
		}
		commitErr = l.db.CommitBatch(ctx, b)
		b.Close()
		if commitErr == nil {
			break
		}
	}
	if commitErr != nil {
		return nil, fmt.Errorf("%w: %s/%d: %v", ErrWriteFailure, l.topic, l.part, commitErr)
	}

	l.next = next

	// Wake blocked readers.
	close(l.notifyCh)
	l.notifyCh = make(chan struct{})
	return results, nil
}

// lookupDedup resolves a prior append for id, if any.
func (l *Log) lookupDedup(id string) (AppendResult, bool, error) {
	v, err := l.db.Get(KeyDedup(l.topic, id))
	if errors.Is(err, pebble.ErrNotFound) {
		return AppendResult{}, false, nil
	}
	if err != nil {
		return AppendResult{}, false, fmt.Errorf("commitlog: dedup lookup %s: %w", l.topic, err)
	}
	if len(v) < 12 {
		return AppendResult{}, false, fmt.Errorf("%w: dedup entry truncated for %s", ErrCorrupted, l.topic)
	}
	part, off := decodePosition(v)
	return AppendResult{Offset: off, Duplicate: true, DupPartition: part}, true, nil
}

// NextOffset returns the offset the next append will receive.
func (l *Log) NextOffset() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.next
}

// FirstOffset returns the lowest retained offset.
func (l *Log) FirstOffset() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.first
}

// PartitionBounds reads the retained window [first, next) for a partition
// without opening it. A partition that was never written reports 0, 0.
func PartitionBounds(db *pebblestore.DB, topic string, partition uint32) (first, next uint64, err error) {
	meta, err := db.Get(KeyPartitionMeta(topic, partition))
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, fmt.Errorf("commitlog: load meta %s/%d: %w", topic, partition, err)
	}
	if len(meta) < 16 {
		return 0, 0, fmt.Errorf("%w: partition meta truncated for %s/%d", ErrCorrupted, topic, partition)
	}
	return binary.BigEndian.Uint64(meta[8:16]), binary.BigEndian.Uint64(meta[0:8]), nil
}

// Topic returns the owning topic name.
func (l *Log) Topic() string { return l.topic }

// Partition returns the partition index.
func (l *Log) Partition() uint32 { return l.part }

func encodeMeta(next, first uint64) []byte {
	var b [16]byte
	binary.BigEndian.PutUint64(b[0:8], next)
	binary.BigEndian.PutUint64(b[8:16], first)
	return b[:]
}

func encodePosition(part uint32, off uint64) []byte {
	var b [12]byte
	binary.BigEndian.PutUint32(b[0:4], part)
	binary.BigEndian.PutUint64(b[4:12], off)
	return b[:]
}

func decodePosition(b []byte) (uint32, uint64) {
	return binary.BigEndian.Uint32(b[0:4]), binary.BigEndian.Uint64(b[4:12])
}
