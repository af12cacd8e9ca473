package visibility

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/scorego/sluice/internal/metrics"
	"github.com/scorego/sluice/pkg/log"
)

// ExpireDue routes up to limit expired leases through the retry manager.
// The expiry index is time-ordered, so the scan stops at the first entry
// that is not yet due. Index entries whose lease is gone (topic force
// deletes, crash windows) are dropped. Returns the number routed.
func (t *Tracker) ExpireDue(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 256
	}
	now := t.nowMs()
	low, hi := leaseIdxBounds()
	iter, err := t.db.NewIter(&pebble.IterOptions{LowerBound: low, UpperBound: hi})
	if err != nil {
		return 0, err
	}

	type due struct {
		ref Ref
		idx []byte
	}
	var expired []due
	var stale [][]byte
	for ok := iter.First(); ok && len(expired) < limit; ok = iter.Next() {
		ts, ref, ok2 := splitIdxKey(iter.Key(), leaseIdxPref)
		if !ok2 {
			stale = append(stale, append([]byte(nil), iter.Key()...))
			continue
		}
		if ts > now {
			break
		}
		expired = append(expired, due{ref: ref, idx: append([]byte(nil), iter.Key()...)})
	}
	if err := iter.Close(); err != nil {
		return 0, err
	}

	routed := 0
	for _, d := range expired {
		st, err := t.ensure(partKey{topic: d.ref.Topic, group: d.ref.Group, part: d.ref.Partition})
		if err != nil {
			t.logger.Error("hydrate for expiry failed", log.Str("ref", d.ref.String()), log.Err(err))
			continue
		}
		st.mu.Lock()
		l := st.leased[d.ref.Offset]
		live := l != nil && l.ExpiresAtMs <= now
		renewed := l != nil && l.ExpiresAtMs > now
		st.mu.Unlock()
		if renewed {
			// The lease was extended; this index entry is left over.
			stale = append(stale, d.idx)
			continue
		}
		if !live {
			stale = append(stale, d.idx)
			continue
		}
		metrics.LeasesExpired.WithLabelValues(d.ref.Topic, d.ref.Group).Inc()
		if err := t.redeliverer.Redeliver(ctx, d.ref, 0, ReasonExpiry); err != nil {
			// Lease and index survive; the next sweep retries.
			t.logger.Error("expiry redelivery failed", log.Str("ref", d.ref.String()), log.Err(err))
			continue
		}
		routed++
	}

	if len(stale) > 0 {
		b := t.db.NewBatch()
		defer b.Close()
		for _, k := range stale {
			if err := b.Delete(k, nil); err != nil {
				return routed, err
			}
		}
		if err := t.db.CommitBatch(ctx, b); err != nil {
			return routed, err
		}
	}

	if t.delayDue(now) {
		t.wake()
	}
	return routed, nil
}

// delayDue reports whether the earliest requeue delay has come due.
func (t *Tracker) delayDue(now int64) bool {
	low, hi := delayIdxBounds()
	iter, err := t.db.NewIter(&pebble.IterOptions{LowerBound: low, UpperBound: hi})
	if err != nil {
		return false
	}
	defer iter.Close()
	if !iter.First() {
		return false
	}
	ts, _, ok := splitIdxKey(iter.Key(), delayIdxPref)
	return ok && ts <= now
}

// SweeperOptions configures the background expiry sweeper.
type SweeperOptions struct {
	// Interval between sweeps. Defaults to 1s.
	Interval time.Duration
	// Batch caps leases routed per sweep. Defaults to 256.
	Batch  int
	Logger log.Logger
}

// Sweeper periodically reclaims expired leases so records from stalled
// consumers re-enter delivery.
type Sweeper struct {
	tracker  *Tracker
	interval time.Duration
	batch    int
	logger   log.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

func NewSweeper(tracker *Tracker, opts SweeperOptions) *Sweeper {
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	if opts.Batch <= 0 {
		opts.Batch = 256
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Sweeper{
		tracker:  tracker,
		interval: opts.Interval,
		batch:    opts.Batch,
		logger:   logger.WithComponent("sweeper"),
	}
}

// Start launches the sweep loop. Stop waits for the in-flight sweep.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.run(ctx)
}

func (s *Sweeper) Stop() {
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
	})
}

func (s *Sweeper) run(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.tracker.ExpireDue(ctx, s.batch)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				s.logger.Error("sweep failed", log.Err(err))
				continue
			}
			if n > 0 {
				s.logger.Debug("reclaimed expired leases", log.Int("count", n))
			}
		}
	}
}
