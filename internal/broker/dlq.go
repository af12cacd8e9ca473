package broker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/scorego/sluice/internal/commitlog"
	"github.com/scorego/sluice/internal/dispatch"
	"github.com/scorego/sluice/internal/topic"
	"github.com/scorego/sluice/internal/visibility"
	"github.com/scorego/sluice/pkg/log"
)

// Headers stamped onto dead-letter copies.
const (
	HeaderFailureReason   = "sluice-failure-reason"
	HeaderOriginTopic     = "sluice-origin-topic"
	HeaderOriginGroup     = "sluice-origin-group"
	HeaderOriginPartition = "sluice-origin-partition"
	HeaderOriginOffset    = "sluice-origin-offset"
	HeaderAttempts        = "sluice-attempts"
)

// FailureMaxAttempts is the only failure reason a dead-letter copy can
// carry: exhaustion of the delivery attempt budget.
const FailureMaxAttempts = "max_attempts_exceeded"

// replayGroup is the consumer group replay progress is tracked under on
// the dead-letter topic, so repeated replays skip what already went back.
const replayGroup = "dlq-replay"

// AppendDeadLetter copies an exhausted record to its topic's dead-letter
// topic, which is created on first use. The copy is deduplicated per
// (record, group), so the crash window between copy and lease release
// re-routes into a no-op instead of a second copy.
func (b *Broker) AppendDeadLetter(ctx context.Context, ref visibility.Ref, attempts int) error {
	tp, err := b.registry.Get(ref.Topic)
	if err != nil {
		return err
	}

	lg, err := b.log(ref.Topic, ref.Partition)
	if err != nil {
		return err
	}
	item, found, err := lg.ReadOne(ref.Offset)
	if errors.Is(err, commitlog.ErrOffsetOutOfRange) || (err == nil && !found) {
		b.logger.Warn("origin trimmed before dead-letter copy", log.Str("ref", ref.String()))
		return nil
	}
	if err != nil {
		return err
	}

	dlq, err := b.registry.Ensure(tp.Config.DLQTopic, topic.Config{})
	if err != nil {
		return err
	}

	_, meta := decodeHeader(item.Header)
	headers := make([]Header, 0, len(meta.Headers)+6)
	headers = append(headers, meta.Headers...)
	headers = append(headers,
		Header{K: HeaderFailureReason, V: FailureMaxAttempts},
		Header{K: HeaderOriginTopic, V: ref.Topic},
		Header{K: HeaderOriginGroup, V: ref.Group},
		Header{K: HeaderOriginPartition, V: strconv.FormatUint(uint64(ref.Partition), 10)},
		Header{K: HeaderOriginOffset, V: strconv.FormatUint(ref.Offset, 10)},
		Header{K: HeaderAttempts, V: strconv.Itoa(attempts)},
	)

	header, err := encodeHeader(time.Now().UnixMilli(), headerMeta{ID: meta.ID, Key: meta.Key, Headers: headers})
	if err != nil {
		return err
	}

	part := dispatch.Route(meta.Key, dlq.Config.Partitions)
	if meta.Key == "" {
		part = b.rr.Next(dlq.Name, dlq.Config.Partitions)
	}
	dlqLog, err := b.log(dlq.Name, part)
	if err != nil {
		return err
	}
	_, err = dlqLog.Append(ctx, []commitlog.AppendRecord{{
		Header:  header,
		Payload: item.Payload,
		DedupID: fmt.Sprintf("dlq:%s/%s/%d/%d", ref.Topic, ref.Group, ref.Partition, ref.Offset),
	}})
	return err
}

// Peek reads records without a group or lease, for inspection.
func (b *Broker) Peek(topicName string, partition uint32, from uint64, limit int) ([]Record, error) {
	if b.isClosed() {
		return nil, ErrClosed
	}
	if _, err := b.registry.Get(topicName); err != nil {
		return nil, err
	}
	lg, err := b.log(topicName, partition)
	if err != nil {
		return nil, err
	}
	items, err := lg.Read(commitlog.ReadOptions{From: from, Limit: limit})
	if err != nil {
		return nil, err
	}
	recs := make([]Record, 0, len(items))
	for _, it := range items {
		ts, meta := decodeHeader(it.Header)
		recs = append(recs, Record{
			Topic:        topicName,
			Partition:    partition,
			Offset:       it.Offset,
			ID:           meta.ID,
			Key:          meta.Key,
			Headers:      meta.Headers,
			Payload:      it.Payload,
			EnqueuedAtMs: ts,
		})
	}
	return recs, nil
}

// ReplayDeadLetters publishes dead-lettered records back to the topic each
// one originally failed on, stripping the dead-letter headers. Progress is
// tracked per record, so replaying again only picks up newer dead letters.
// limit of 0 replays everything; returns the number replayed.
func (b *Broker) ReplayDeadLetters(ctx context.Context, originTopic string, limit int) (int, error) {
	if b.isClosed() {
		return 0, ErrClosed
	}
	tp, err := b.registry.Get(originTopic)
	if err != nil {
		return 0, err
	}
	if tp.Config.DLQTopic == "" {
		return 0, fmt.Errorf("broker: topic %q has no dead-letter topic", originTopic)
	}
	dlq, err := b.registry.Get(tp.Config.DLQTopic)
	if errors.Is(err, topic.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	replayed := 0
	for p := 0; p < dlq.Config.Partitions; p++ {
		lg, err := b.log(dlq.Name, uint32(p))
		if err != nil {
			return replayed, err
		}
		for limit <= 0 || replayed < limit {
			lease, ok, err := b.tracker.Acquire(ctx, dlq.Name, replayGroup, uint32(p), lg.NextOffset(), "replayer", time.Minute)
			if err != nil {
				return replayed, err
			}
			if !ok {
				break
			}
			ref := lease.Ref()

			item, found, err := lg.ReadOne(lease.Offset)
			if errors.Is(err, commitlog.ErrOffsetOutOfRange) || (err == nil && !found) {
				if _, err := b.tracker.Finalize(ctx, ref, visibility.Transition{Complete: true}); err != nil {
					return replayed, err
				}
				continue
			}
			if err != nil {
				return replayed, err
			}

			if err := b.replayOne(ctx, dlq.Name, uint32(p), item); err != nil {
				// Leave the lease to time out; a later replay retries.
				return replayed, err
			}
			if _, err := b.tracker.Ack(ctx, ref, lease.Token); err != nil {
				return replayed, err
			}
			replayed++
		}
	}
	if replayed > 0 {
		b.logger.Info("replayed dead letters", log.Str("topic", originTopic), log.Int("count", replayed))
	}
	return replayed, nil
}

// replayOne publishes one dead-letter entry back to its origin topic.
func (b *Broker) replayOne(ctx context.Context, dlqName string, dlqPart uint32, item commitlog.Item) error {
	_, meta := decodeHeader(item.Header)
	target, _ := HeaderValue(meta.Headers, HeaderOriginTopic)
	if target == "" {
		// Not a dead-letter copy; someone published to the DLQ directly.
		// Nothing to route it back to, so leave it completed.
		return nil
	}
	headers := make([]Header, 0, len(meta.Headers))
	for _, h := range meta.Headers {
		switch h.K {
		case HeaderFailureReason, HeaderOriginTopic, HeaderOriginGroup,
			HeaderOriginPartition, HeaderOriginOffset, HeaderAttempts:
		default:
			headers = append(headers, h)
		}
	}

	tgt, err := b.registry.Ensure(target, topic.Config{})
	if err != nil {
		return err
	}
	header, err := encodeHeader(time.Now().UnixMilli(), headerMeta{ID: meta.ID, Key: meta.Key, Headers: headers})
	if err != nil {
		return err
	}
	part := dispatch.Route(meta.Key, tgt.Config.Partitions)
	if meta.Key == "" {
		part = b.rr.Next(target, tgt.Config.Partitions)
	}
	lg, err := b.log(target, part)
	if err != nil {
		return err
	}
	_, err = lg.Append(ctx, []commitlog.AppendRecord{{
		Header:  header,
		Payload: item.Payload,
		DedupID: fmt.Sprintf("replay:%s/%d/%d", dlqName, dlqPart, item.Offset),
	}})
	return err
}
