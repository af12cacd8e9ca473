package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/scorego/sluice/internal/commitlog"
	"github.com/scorego/sluice/internal/dispatch"
	"github.com/scorego/sluice/internal/metrics"
	"github.com/scorego/sluice/internal/topic"
	"github.com/scorego/sluice/pkg/log"
)

// PublishRecord is one record to append. A non-empty ID makes the publish
// idempotent: the broker remembers where that ID landed and a repeat
// publish returns the original coordinates. Records without a Key spread
// round-robin; records sharing a Key share a partition, in publish order.
type PublishRecord struct {
	Key     string
	ID      string
	Headers []Header
	Payload []byte
}

// PublishResult reports where one record landed.
type PublishResult struct {
	Topic     string `json:"topic"`
	Partition uint32 `json:"partition"`
	Offset    uint64 `json:"offset"`
	ID        string `json:"id"`
	// Duplicate is set when a prior publish with the same ID already
	// appended; Partition/Offset then point at the original entry.
	Duplicate bool `json:"duplicate,omitempty"`
}

// Publish appends one record to the topic.
func (b *Broker) Publish(ctx context.Context, topicName string, rec PublishRecord) (PublishResult, error) {
	rs, err := b.PublishBatch(ctx, topicName, []PublishRecord{rec})
	if err != nil {
		return PublishResult{}, err
	}
	return rs[0], nil
}

// PublishBatch appends records to the topic. Results align with the input.
// Records are grouped per partition and each partition's run is appended
// atomically, so a batch sharing one key is all-or-nothing.
func (b *Broker) PublishBatch(ctx context.Context, topicName string, recs []PublishRecord) ([]PublishResult, error) {
	if b.isClosed() {
		return nil, ErrClosed
	}
	if len(recs) == 0 {
		return nil, nil
	}
	tp, err := b.registry.Get(topicName)
	if err != nil {
		return nil, err
	}

	type staged struct {
		idx int
		rec commitlog.AppendRecord
	}
	byPart := make(map[uint32][]staged)
	results := make([]PublishResult, len(recs))
	now := time.Now().UnixMilli()

	for i, r := range recs {
		if lim := b.cfg.Limits.PayloadMaxBytes; lim > 0 && len(r.Payload) > lim {
			return nil, fmt.Errorf("%w: %d bytes over %d-byte limit", ErrPayloadTooLarge, len(r.Payload), lim)
		}
		recID := r.ID
		if recID == "" {
			recID = b.idgen.Next().String()
		}
		header, err := encodeHeader(now, headerMeta{ID: recID, Key: r.Key, Headers: r.Headers})
		if err != nil {
			return nil, err
		}
		if lim := b.cfg.Limits.HeadersMaxBytes; lim > 0 && len(header)-8 > lim {
			return nil, fmt.Errorf("%w: %d bytes over %d-byte limit", ErrHeadersTooLarge, len(header)-8, lim)
		}

		part := dispatch.Route(r.Key, tp.Config.Partitions)
		if r.Key == "" {
			part = b.rr.Next(topicName, tp.Config.Partitions)
		}
		results[i] = PublishResult{Topic: topicName, Partition: part, ID: recID}

		ar := commitlog.AppendRecord{Header: header, Payload: r.Payload}
		if r.ID != "" {
			// Only client-supplied IDs join the dedup index; generated
			// ones are unique already.
			ar.DedupID = r.ID
		}
		byPart[part] = append(byPart[part], staged{idx: i, rec: ar})
	}

	for part, run := range byPart {
		lg, err := b.log(topicName, part)
		if err != nil {
			return nil, err
		}
		batch := make([]commitlog.AppendRecord, len(run))
		for j, s := range run {
			batch[j] = s.rec
		}
		start := time.Now()
		ars, err := lg.Append(ctx, batch)
		if err != nil {
			return nil, err
		}
		metrics.AppendLatency.Observe(time.Since(start).Seconds())
		for j, ar := range ars {
			res := &results[run[j].idx]
			res.Offset = ar.Offset
			res.Duplicate = ar.Duplicate
			if ar.Duplicate {
				res.Partition = ar.DupPartition
				metrics.DuplicatePublishes.WithLabelValues(topicName).Inc()
			} else {
				metrics.RecordsPublished.WithLabelValues(topicName).Inc()
			}
		}
		b.trimRetention(ctx, lg, tp.Config)
	}
	return results, nil
}

// trimRetention applies the topic's retention settings to one partition.
// Best effort after each publish; failures only log.
func (b *Broker) trimRetention(ctx context.Context, lg *commitlog.Log, cfg topic.Config) {
	if cfg.RetentionAgeMs > 0 {
		cutoff := time.Now().UnixMilli() - cfg.RetentionAgeMs
		if _, err := lg.TrimOlderThan(ctx, cutoff, 512, 0, headerTimestamp); err != nil {
			b.logger.Debug("age retention trim failed", log.Str("topic", lg.Topic()), log.Err(err))
		}
	}
	if cfg.RetentionMaxBytes > 0 {
		if _, err := lg.TrimToMaxBytes(ctx, cfg.RetentionMaxBytes, 512, 0); err != nil {
			b.logger.Debug("size retention trim failed", log.Str("topic", lg.Topic()), log.Err(err))
		}
	}
}
