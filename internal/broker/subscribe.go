package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/scorego/sluice/internal/commitlog"
	"github.com/scorego/sluice/internal/dispatch"
	"github.com/scorego/sluice/internal/metrics"
	"github.com/scorego/sluice/internal/topic"
	"github.com/scorego/sluice/internal/visibility"
	"github.com/scorego/sluice/pkg/log"
)

// fetchPollInterval caps how long a blocked consumer waits before
// re-checking its assignments; rebalances have no wake channel.
const fetchPollInterval = 250 * time.Millisecond

// SubscribeOptions configures one consumer within a group.
type SubscribeOptions struct {
	Topic string
	Group string
	// ConsumerID identifies this member across reconnects. Empty generates
	// one.
	ConsumerID string
	// Filter is an optional CEL expression; records it rejects are
	// completed without being delivered.
	Filter string
	// VisibilityTimeout overrides the topic's default when positive.
	VisibilityTimeout time.Duration
	// WaitTimeout bounds how long Fetch blocks for its first record when
	// nothing is eligible. Zero makes Fetch non-blocking. Next ignores it.
	WaitTimeout time.Duration
}

// Subscription is one group member. It holds a coordinator membership kept
// alive by a background heartbeat, and serves records from the partitions
// currently assigned to it.
type Subscription struct {
	b           *Broker
	topic       string
	group       string
	consumerID  string
	partitions  int
	visTimeout  time.Duration
	waitTimeout time.Duration
	filter      recordFilter

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	rrIdx  int
	closed bool
}

// Subscribe joins the consumer group and returns a Subscription. The group
// is created on first join; its partition assignment rebalances as members
// come and go.
func (b *Broker) Subscribe(opts SubscribeOptions) (*Subscription, error) {
	if b.isClosed() {
		return nil, ErrClosed
	}
	tp, err := b.registry.Get(opts.Topic)
	if err != nil {
		return nil, err
	}
	if err := topic.ValidateName(opts.Group); err != nil {
		return nil, fmt.Errorf("group %q: %w", opts.Group, err)
	}
	filter, err := newRecordFilter(opts.Filter)
	if err != nil {
		return nil, fmt.Errorf("broker: compile filter: %w", err)
	}

	consumerID := opts.ConsumerID
	if consumerID == "" {
		consumerID = uuid.NewString()
	}
	visTimeout := time.Duration(tp.Config.VisibilityTimeoutMs) * time.Millisecond
	if opts.VisibilityTimeout > 0 {
		visTimeout = opts.VisibilityTimeout
	}

	s := &Subscription{
		b:           b,
		topic:       opts.Topic,
		group:       opts.Group,
		consumerID:  consumerID,
		partitions:  tp.Config.Partitions,
		visTimeout:  visTimeout,
		waitTimeout: opts.WaitTimeout,
		filter:      filter,
	}
	if _, err := b.coord.Join(s.topic, s.group, s.partitions, s.consumerID); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go s.heartbeatLoop(ctx)

	b.logger.Info("consumer joined",
		log.Str("topic", s.topic), log.Str("group", s.group), log.Str("consumer", s.consumerID))
	return s, nil
}

// ConsumerID returns this member's identity within the group.
func (s *Subscription) ConsumerID() string { return s.consumerID }

// Close leaves the group, releasing this member's partitions to the
// remaining consumers immediately.
func (s *Subscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	s.b.coord.Leave(s.topic, s.group, s.consumerID)
	s.b.logger.Info("consumer left",
		log.Str("topic", s.topic), log.Str("group", s.group), log.Str("consumer", s.consumerID))
}

func (s *Subscription) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Subscription) heartbeatLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(time.Duration(s.b.cfg.Group.HeartbeatIntervalMs) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := s.b.coord.Heartbeat(s.topic, s.group, s.consumerID)
			if err == nil {
				continue
			}
			if errors.Is(err, dispatch.ErrUnknownMember) || errors.Is(err, dispatch.ErrUnknownGroup) {
				if _, jerr := s.b.coord.Join(s.topic, s.group, s.partitions, s.consumerID); jerr != nil {
					s.b.logger.Warn("rejoin after expired session failed",
						log.Str("group", s.group), log.Str("consumer", s.consumerID), log.Err(jerr))
				} else {
					s.b.logger.Warn("session expired, rejoined",
						log.Str("group", s.group), log.Str("consumer", s.consumerID))
				}
			}
		}
	}
}

// assignments reads this member's served partitions, rejoining if the
// session lapsed.
func (s *Subscription) assignments() (dispatch.Assignment, error) {
	asn, err := s.b.coord.Assignments(s.topic, s.group, s.consumerID)
	if err == nil {
		return asn, nil
	}
	if errors.Is(err, dispatch.ErrUnknownMember) || errors.Is(err, dispatch.ErrUnknownGroup) {
		return s.b.coord.Join(s.topic, s.group, s.partitions, s.consumerID)
	}
	return dispatch.Assignment{}, err
}

// Next blocks until a record is leased to this consumer or ctx ends. The
// returned Delivery must be resolved with Ack or Nack before its visibility
// timeout, or the record is redelivered.
func (s *Subscription) Next(ctx context.Context) (*Delivery, error) {
	for {
		d, parts, err := s.fetchOnce(ctx)
		if err != nil {
			return nil, err
		}
		if d != nil {
			return d, nil
		}
		if err := s.waitForWork(ctx, parts); err != nil {
			return nil, err
		}
	}
}

// Fetch returns up to max deliveries. When nothing is eligible it waits up
// to the subscription's WaitTimeout for a first record, then takes whatever
// else is immediately ready; an empty batch after the wait is a normal
// outcome, not an error. Deliveries already leased when an error hits are
// returned alongside it and must still be resolved.
func (s *Subscription) Fetch(ctx context.Context, max int) ([]*Delivery, error) {
	if max <= 0 {
		max = 1
	}
	out := make([]*Delivery, 0, max)

	if s.waitTimeout > 0 {
		wctx, cancel := context.WithTimeout(ctx, s.waitTimeout)
		d, err := s.Next(wctx)
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				return out, nil
			}
			return out, err
		}
		out = append(out, d)
	}

	for len(out) < max {
		d, _, err := s.fetchOnce(ctx)
		if err != nil {
			return out, err
		}
		if d == nil {
			break
		}
		out = append(out, d)
	}
	return out, nil
}

// fetchOnce sweeps the assigned partitions once and returns the first
// eligible record, or nil when nothing is ready right now.
func (s *Subscription) fetchOnce(ctx context.Context) (*Delivery, []uint32, error) {
	if s.isClosed() || s.b.isClosed() {
		return nil, nil, ErrClosed
	}
	asn, err := s.assignments()
	if err != nil {
		return nil, nil, err
	}

	parts := asn.Partitions
	if len(parts) == 0 {
		return nil, nil, nil
	}
	s.mu.Lock()
	start := s.rrIdx
	s.rrIdx++
	s.mu.Unlock()
	for i := range parts {
		p := parts[(start+i)%len(parts)]
		d, err := s.fetchPartition(ctx, p)
		if err != nil {
			return nil, parts, err
		}
		if d != nil {
			return d, parts, nil
		}
	}
	return nil, parts, nil
}

// fetchPartition leases and loads the next eligible record on one
// partition, or returns nil when the partition has nothing to serve.
func (s *Subscription) fetchPartition(ctx context.Context, p uint32) (*Delivery, error) {
	lg, err := s.b.log(s.topic, p)
	if err != nil {
		return nil, err
	}
	for {
		lease, ok, err := s.b.tracker.Acquire(ctx, s.topic, s.group, p, lg.NextOffset(), s.consumerID, s.visTimeout)
		if err != nil || !ok {
			return nil, err
		}
		ref := lease.Ref()

		item, found, err := lg.ReadOne(lease.Offset)
		if errors.Is(err, commitlog.ErrOffsetOutOfRange) || (err == nil && !found) {
			// Retention trimmed the record while it was still pending;
			// complete it and move on.
			if _, err := s.b.tracker.Finalize(ctx, ref, visibility.Transition{Complete: true}); err != nil {
				return nil, err
			}
			continue
		}
		if err != nil {
			return nil, err
		}

		attempts, err := s.b.retry.Attempts(ref)
		if err != nil {
			return nil, err
		}
		ts, meta := decodeHeader(item.Header)
		rec := Record{
			Topic:        s.topic,
			Partition:    p,
			Offset:       item.Offset,
			ID:           meta.ID,
			Key:          meta.Key,
			Headers:      meta.Headers,
			Payload:      item.Payload,
			EnqueuedAtMs: ts,
			Attempts:     attempts,
		}
		if !s.filter.Match(rec) {
			if _, err := s.b.tracker.Ack(ctx, ref, lease.Token); err != nil {
				return nil, err
			}
			continue
		}

		metrics.RecordsDelivered.WithLabelValues(s.topic, s.group).Inc()
		return &Delivery{Record: rec, sub: s, lease: lease}, nil
	}
}

// waitForWork blocks until an append or eligibility signal fires, the poll
// interval lapses, or ctx ends.
func (s *Subscription) waitForWork(ctx context.Context, parts []uint32) error {
	appended := make(chan struct{}, 1)
	done := make(chan struct{})
	defer close(done)
	for _, p := range parts {
		lg, err := s.b.log(s.topic, p)
		if err != nil {
			return err
		}
		sig := lg.AppendSignal()
		go func() {
			select {
			case <-sig:
				select {
				case appended <- struct{}{}:
				default:
				}
			case <-done:
			}
		}()
	}

	timer := time.NewTimer(fetchPollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-appended:
	case <-s.b.tracker.EligibilitySignal():
	case <-timer.C:
	}
	return nil
}

// Delivery is one leased record. Exactly one of Ack or Nack should resolve
// it; after the visibility timeout both become no-ops and the record is
// redelivered elsewhere.
type Delivery struct {
	Record Record
	sub    *Subscription
	lease  *visibility.Lease
}

// Ref returns the delivery's record coordinates.
func (d *Delivery) Ref() visibility.Ref { return d.lease.Ref() }

// Token returns the lease token fencing this delivery.
func (d *Delivery) Token() string { return d.lease.Token }

// ExpiresAtMs returns the lease deadline as of the grant or last Extend.
func (d *Delivery) ExpiresAtMs() int64 { return d.lease.ExpiresAtMs }

// Ack completes the record. Reports false without error when the lease
// already lapsed; the record will be redelivered.
func (d *Delivery) Ack(ctx context.Context) (bool, error) {
	applied, err := d.sub.b.tracker.Ack(ctx, d.lease.Ref(), d.lease.Token)
	if applied {
		metrics.RecordsAcked.WithLabelValues(d.Record.Topic, d.sub.group).Inc()
	}
	return applied, err
}

// Nack gives the record back for redelivery after requeueDelay, counting
// one failed attempt. Reports false without error when the lease already
// lapsed.
func (d *Delivery) Nack(ctx context.Context, requeueDelay time.Duration) (bool, error) {
	applied, err := d.sub.b.tracker.Nack(ctx, d.lease.Ref(), d.lease.Token, requeueDelay)
	if applied {
		metrics.RecordsNacked.WithLabelValues(d.Record.Topic, d.sub.group).Inc()
	}
	return applied, err
}

// Extend pushes the lease deadline to now+ttl for slow handlers.
func (d *Delivery) Extend(ctx context.Context, ttl time.Duration) (int64, bool, error) {
	expiry, applied, err := d.sub.b.tracker.Extend(ctx, d.lease.Ref(), d.lease.Token, ttl)
	if applied {
		d.lease.ExpiresAtMs = expiry
	}
	return expiry, applied, err
}
