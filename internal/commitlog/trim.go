package commitlog

import (
	"context"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"
)

// TrimHook observes committed trim batches. The broker uses it for logging
// and counters; the default is a no-op.
type TrimHook interface {
	OnTrimRange(topic string, partition uint32, from, to uint64, n int)
}

type noopTrimHook struct{}

func (noopTrimHook) OnTrimRange(string, uint32, uint64, uint64, int) {}

// SetTrimHook installs h. Pass nil to restore the no-op.
func (l *Log) SetTrimHook(h TrimHook) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if h == nil {
		h = noopTrimHook{}
	}
	l.trimHook = h
}

// HeaderTimestampExtractor reads a write timestamp (unix ms) from a record
// header. Returns false when the header carries none.
type HeaderTimestampExtractor func(header []byte) (int64, bool)

// TrimBefore deletes entries with offsets below before and advances the
// retained window. Offsets are never reassigned. Deletes commit in batches
// of up to batchLimit keys with an optional throttle between commits.
func (l *Log) TrimBefore(ctx context.Context, before uint64, batchLimit int, throttle time.Duration) (int, error) {
	return l.trim(ctx, batchLimit, throttle, func(off uint64, _ []byte) bool {
		return off < before
	})
}

// TrimOlderThan deletes the contiguous prefix of entries whose header
// timestamp is below cutoffMs.
func (l *Log) TrimOlderThan(ctx context.Context, cutoffMs int64, batchLimit int, throttle time.Duration, tsx HeaderTimestampExtractor) (int, error) {
	return l.trim(ctx, batchLimit, throttle, func(_ uint64, value []byte) bool {
		dec, ok := DecodeRecord(value)
		if !ok {
			return false
		}
		ms, ok := tsx(dec.Header)
		return ok && ms < cutoffMs
	})
}

// TrimToMaxBytes deletes oldest entries until the partition's stored value
// bytes fit within maxBytes. Approximate: sizes count frame bytes only.
func (l *Log) TrimToMaxBytes(ctx context.Context, maxBytes int64, batchLimit int, throttle time.Duration) (int, error) {
	if maxBytes < 0 {
		return 0, nil
	}
	total, err := l.storedBytes()
	if err != nil {
		return 0, err
	}
	if total <= maxBytes {
		return 0, nil
	}
	over := total - maxBytes
	return l.trim(ctx, batchLimit, throttle, func(_ uint64, value []byte) bool {
		if over <= 0 {
			return false
		}
		over -= int64(len(value))
		return true
	})
}

func (l *Log) storedBytes() (int64, error) {
	low, hi := entryBounds(l.topic, l.part)
	iter, err := l.db.NewIter(&pebble.IterOptions{LowerBound: low, UpperBound: hi})
	if err != nil {
		return 0, fmt.Errorf("commitlog: size %s/%d: %w", l.topic, l.part, err)
	}
	defer iter.Close()
	var total int64
	for ok := iter.First(); ok; ok = iter.Next() {
		total += int64(len(iter.Value()))
	}
	return total, nil
}

// trim deletes the contiguous prefix of entries for which del returns
// true, one batch at a time. Each batch commits the deletes together with
// the advanced first watermark, so the retained window never disagrees
// with the stored entries.
func (l *Log) trim(ctx context.Context, batchLimit int, throttle time.Duration, del func(off uint64, value []byte) bool) (int, error) {
	if batchLimit <= 0 {
		batchLimit = 1024
	}
	deleted := 0
	for {
		n, from, to, err := l.trimBatch(ctx, batchLimit, del)
		if err != nil {
			return deleted, err
		}
		if n == 0 {
			return deleted, nil
		}
		deleted += n
		l.trimHook.OnTrimRange(l.topic, l.part, from, to, n)
		if throttle > 0 {
			select {
			case <-ctx.Done():
				return deleted, ctx.Err()
			case <-time.After(throttle):
			}
		}
	}
}

func (l *Log) trimBatch(ctx context.Context, batchLimit int, del func(off uint64, value []byte) bool) (int, uint64, uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	low, hi := entryBounds(l.topic, l.part)
	iter, err := l.db.NewIter(&pebble.IterOptions{LowerBound: low, UpperBound: hi})
	if err != nil {
		return 0, 0, 0, fmt.Errorf("commitlog: trim %s/%d: %w", l.topic, l.part, err)
	}
	defer iter.Close()

	b := l.db.NewBatch()
	defer b.Close()

	n := 0
	var first, last uint64
	for ok := iter.SeekGE(KeyEntry(l.topic, l.part, l.first)); ok && n < batchLimit; ok = iter.Next() {
		off := offsetFromEntryKey(iter.Key())
		if !del(off, iter.Value()) {
			break
		}
		if err := b.Delete(iter.Key(), nil); err != nil {
			return 0, 0, 0, err
		}
		if n == 0 {
			first = off
		}
		last = off
		n++
	}
	if n == 0 {
		return 0, 0, 0, nil
	}

	newFirst := last + 1
	if err := b.Set(KeyPartitionMeta(l.topic, l.part), encodeMeta(l.next, newFirst), nil); err != nil {
		return 0, 0, 0, err
	}
	if err := l.db.CommitBatch(ctx, b); err != nil {
		return 0, 0, 0, fmt.Errorf("commitlog: trim commit %s/%d: %w", l.topic, l.part, err)
	}
	l.first = newFirst
	return n, first, last, nil
}
