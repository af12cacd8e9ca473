// Package commitlog implements the durable per-partition record log.
//
// # Overview
//
// Each topic partition is an append-only sequence persisted in Pebble.
// Offsets are assigned at append, strictly increasing from 0 with no gaps,
// and never reused, including after retention trims. Keys are
// lexicographically ordered for efficient range scans:
//   - l/{topic}/{part_be4}/m            (partition meta: next | first)
//   - l/{topic}/{part_be4}/e/{off_be8}  (entries)
//   - d/{topic}/{id}                    (dedup index)
//
// Records are framed as: varint headerLen | header | payload |
// crc32c(header|payload). The header is opaque to this package; the broker
// layer owns the envelope format.
//
// API surface (internal)
//
//	l, err := OpenLog(db, topic, part) // verifies index vs entries
//	res, _ := l.Append(ctx, []AppendRecord{{Header: h, Payload: p, DedupID: id}})
//
//	items, _ := l.Read(ReadOptions{From: res[0].Offset, Limit: 100})
//	woke := l.WaitForAppend(200 * time.Millisecond)
//	_ = woke
//
//	// Retention: by explicit offset, by age, or by byte budget. All three
//	// advance the first watermark atomically with the deletes.
//	_, _ = l.TrimBefore(ctx, cutoffOffset, 1024, 0)
//
// # Failure behavior
//
// Append retries transient commit errors with bounded backoff and then
// surfaces ErrWriteFailure; a failed append is never partially visible.
// Reads below the retained window fail with ErrOffsetOutOfRange. A log
// whose offset index disagrees with its stored entries refuses to open
// (ErrCorrupted) rather than guessing.
package commitlog
