package commitlog

import (
	"fmt"

	"github.com/cockroachdb/pebble"
)

// ReadOptions selects a window of a partition.
type ReadOptions struct {
	// From is the first offset to return. Reads below the retained window
	// fail with ErrOffsetOutOfRange.
	From  uint64
	Limit int
	// Reverse scans newest-first starting at the tail; From is ignored.
	Reverse bool
}

// Item is one stored record.
type Item struct {
	Offset  uint64
	Header  []byte
	Payload []byte
}

// Read returns up to Limit items from From (inclusive). Repeated reads from
// the same offset return identical data unless a trim moved the window.
func (l *Log) Read(opts ReadOptions) ([]Item, error) {
	l.mu.Lock()
	first, next := l.first, l.next
	l.mu.Unlock()

	if !opts.Reverse && opts.From < first {
		return nil, fmt.Errorf("%w: offset %d below retained window [%d, %d) for %s/%d",
			ErrOffsetOutOfRange, opts.From, first, next, l.topic, l.part)
	}

	low, hi := entryBounds(l.topic, l.part)
	iter, err := l.db.NewIter(&pebble.IterOptions{LowerBound: low, UpperBound: hi})
	if err != nil {
		return nil, fmt.Errorf("commitlog: read %s/%d: %w", l.topic, l.part, err)
	}
	defer iter.Close()

	items := make([]Item, 0, capHint(opts.Limit, 64))

	if opts.Reverse {
		for ok := iter.Last(); ok && (opts.Limit == 0 || len(items) < opts.Limit); ok = iter.Prev() {
			item, err := decodeItem(iter, l.topic, l.part)
			if err != nil {
				return nil, err
			}
			items = append(items, item)
		}
		return items, nil
	}

	for ok := iter.SeekGE(KeyEntry(l.topic, l.part, opts.From)); ok && (opts.Limit == 0 || len(items) < opts.Limit); ok = iter.Next() {
		item, err := decodeItem(iter, l.topic, l.part)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

// ReadOne returns the record at offset, or ErrOffsetOutOfRange below the
// window, or a nil slice result when offset is at or past the end.
func (l *Log) ReadOne(offset uint64) (Item, bool, error) {
	items, err := l.Read(ReadOptions{From: offset, Limit: 1})
	if err != nil {
		return Item{}, false, err
	}
	if len(items) == 0 || items[0].Offset != offset {
		return Item{}, false, nil
	}
	return items[0], true, nil
}

func decodeItem(iter *pebble.Iterator, topic string, part uint32) (Item, error) {
	off := offsetFromEntryKey(iter.Key())
	dec, ok := DecodeRecord(iter.Value())
	if !ok {
		return Item{}, fmt.Errorf("%w: bad frame at %s/%d offset %d", ErrCorrupted, topic, part, off)
	}
	return Item{Offset: off, Header: dec.Header, Payload: dec.Payload}, nil
}

func capHint(limit, fallback int) int {
	if limit <= 0 || limit > fallback {
		return fallback
	}
	return limit
}
