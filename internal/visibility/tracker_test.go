package visibility

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/pebble"

	pebblestore "github.com/scorego/sluice/internal/storage/pebble"
)

// loopback stands in for the retry manager: it records every routing and
// finalizes with a canned transition.
type loopback struct {
	tr *Tracker

	mu       sync.Mutex
	calls    []string
	complete bool
	delay    time.Duration
	err      error
}

func (r *loopback) Redeliver(ctx context.Context, ref Ref, requeueDelay time.Duration, reason string) error {
	r.mu.Lock()
	r.calls = append(r.calls, fmt.Sprintf("%s:%s", ref, reason))
	complete, delay, fail := r.complete, r.delay, r.err
	r.mu.Unlock()
	if fail != nil {
		return fail
	}
	if delay < requeueDelay {
		delay = requeueDelay
	}
	_, err := r.tr.Finalize(ctx, ref, Transition{Complete: complete, Attempts: 1, Delay: delay})
	return err
}

func (r *loopback) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func newTestDB(t *testing.T, dir string) *pebblestore.DB {
	t.Helper()
	db := openRaw(t, dir)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// openRaw skips the close cleanup for tests that close mid-test to reopen.
func openRaw(t *testing.T, dir string) *pebblestore.DB {
	t.Helper()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: dir})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return db
}

func newTestTracker(t *testing.T) (*Tracker, *loopback, *int64) {
	t.Helper()
	db := newTestDB(t, t.TempDir())
	tr := NewTracker(db, nil)
	now := int64(1_700_000_000_000)
	tr.nowMs = func() int64 { return now }
	fake := &loopback{tr: tr}
	tr.SetRedeliverer(fake)
	return tr, fake, &now
}

func mustAcquire(t *testing.T, tr *Tracker, topic, group string, part uint32, end uint64, ttl time.Duration) *Lease {
	t.Helper()
	l, ok, err := tr.Acquire(context.Background(), topic, group, part, end, "c1", ttl)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !ok {
		t.Fatalf("acquire: nothing eligible")
	}
	return l
}

func floorOf(t *testing.T, tr *Tracker, topic, group string, part uint32) uint64 {
	t.Helper()
	st, err := tr.ensure(partKey{topic: topic, group: group, part: part})
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.floor
}

func TestAcquireLowestEligibleFirst(t *testing.T) {
	tr, _, _ := newTestTracker(t)
	ctx := context.Background()

	l0 := mustAcquire(t, tr, "orders", "workers", 0, 3, 30*time.Second)
	if l0.Offset != 0 {
		t.Fatalf("first lease offset = %d, want 0", l0.Offset)
	}
	l1 := mustAcquire(t, tr, "orders", "workers", 0, 3, 30*time.Second)
	if l1.Offset != 1 {
		t.Fatalf("second lease offset = %d, want 1", l1.Offset)
	}
	if l0.Token == l1.Token {
		t.Fatalf("tokens must be distinct")
	}

	if applied, err := tr.Ack(ctx, l0.Ref(), l0.Token); err != nil || !applied {
		t.Fatalf("ack = %v, %v", applied, err)
	}
	l2 := mustAcquire(t, tr, "orders", "workers", 0, 3, 30*time.Second)
	if l2.Offset != 2 {
		t.Fatalf("third lease offset = %d, want 2", l2.Offset)
	}

	if _, ok, err := tr.Acquire(ctx, "orders", "workers", 0, 3, "c1", 30*time.Second); err != nil || ok {
		t.Fatalf("acquire with everything leased or done: ok=%v err=%v", ok, err)
	}
}

func TestAckAdvancesFloorOverContiguousRun(t *testing.T) {
	tr, _, _ := newTestTracker(t)
	ctx := context.Background()

	leases := make([]*Lease, 3)
	for i := range leases {
		leases[i] = mustAcquire(t, tr, "orders", "workers", 0, 3, 30*time.Second)
	}

	// Out of order: acking 1 parks a done mark, acking 0 then consumes it.
	if _, err := tr.Ack(ctx, leases[1].Ref(), leases[1].Token); err != nil {
		t.Fatalf("ack 1: %v", err)
	}
	if got := floorOf(t, tr, "orders", "workers", 0); got != 0 {
		t.Fatalf("floor after ack(1) = %d, want 0", got)
	}
	if _, err := tr.Ack(ctx, leases[0].Ref(), leases[0].Token); err != nil {
		t.Fatalf("ack 0: %v", err)
	}
	if got := floorOf(t, tr, "orders", "workers", 0); got != 2 {
		t.Fatalf("floor after ack(0) = %d, want 2", got)
	}
	if _, err := tr.Ack(ctx, leases[2].Ref(), leases[2].Token); err != nil {
		t.Fatalf("ack 2: %v", err)
	}
	if got := floorOf(t, tr, "orders", "workers", 0); got != 3 {
		t.Fatalf("floor after ack(2) = %d, want 3", got)
	}
}

func TestAckStaleTokenIsNoOp(t *testing.T) {
	tr, _, _ := newTestTracker(t)
	ctx := context.Background()

	l := mustAcquire(t, tr, "orders", "workers", 0, 1, 30*time.Second)
	if applied, err := tr.Ack(ctx, l.Ref(), "not-the-token"); err != nil || applied {
		t.Fatalf("stale token ack: applied=%v err=%v", applied, err)
	}
	if applied, err := tr.Ack(ctx, l.Ref(), l.Token); err != nil || !applied {
		t.Fatalf("real ack: applied=%v err=%v", applied, err)
	}
	// Second ack finds no lease.
	if applied, err := tr.Ack(ctx, l.Ref(), l.Token); err != nil || applied {
		t.Fatalf("double ack: applied=%v err=%v", applied, err)
	}
}

func TestAckAfterExpiryIsNoOp(t *testing.T) {
	tr, fake, now := newTestTracker(t)
	ctx := context.Background()

	l := mustAcquire(t, tr, "orders", "workers", 0, 1, 30*time.Second)
	*now += 31_000

	if applied, err := tr.Ack(ctx, l.Ref(), l.Token); err != nil || applied {
		t.Fatalf("expired ack: applied=%v err=%v", applied, err)
	}

	// The sweeper, not the late consumer, decides the record's fate.
	n, err := tr.ExpireDue(ctx, 10)
	if err != nil || n != 1 {
		t.Fatalf("expire due = %d, %v", n, err)
	}
	if fake.callCount() != 1 {
		t.Fatalf("redeliveries = %d, want 1", fake.callCount())
	}
	again := mustAcquire(t, tr, "orders", "workers", 0, 1, 30*time.Second)
	if again.Offset != 0 {
		t.Fatalf("redelivered offset = %d, want 0", again.Offset)
	}
	if again.Token == l.Token {
		t.Fatalf("redelivery must mint a fresh token")
	}
}

func TestNackRoutesThroughRetry(t *testing.T) {
	tr, fake, _ := newTestTracker(t)
	ctx := context.Background()

	l := mustAcquire(t, tr, "orders", "workers", 0, 1, 30*time.Second)
	applied, err := tr.Nack(ctx, l.Ref(), l.Token, 0)
	if err != nil || !applied {
		t.Fatalf("nack: applied=%v err=%v", applied, err)
	}
	if fake.callCount() != 1 {
		t.Fatalf("redeliveries = %d, want 1", fake.callCount())
	}
	again := mustAcquire(t, tr, "orders", "workers", 0, 1, 30*time.Second)
	if again.Offset != 0 {
		t.Fatalf("requeued offset = %d, want 0", again.Offset)
	}
}

func TestNackExpiredLeaseIsNoOp(t *testing.T) {
	tr, fake, now := newTestTracker(t)
	ctx := context.Background()

	l := mustAcquire(t, tr, "orders", "workers", 0, 1, 30*time.Second)
	*now += 31_000
	if applied, err := tr.Nack(ctx, l.Ref(), l.Token, 0); err != nil || applied {
		t.Fatalf("expired nack: applied=%v err=%v", applied, err)
	}
	if fake.callCount() != 0 {
		t.Fatalf("expired nack must not route; got %d calls", fake.callCount())
	}
}

func TestRequeueDelayDefersEligibility(t *testing.T) {
	tr, fake, now := newTestTracker(t)
	ctx := context.Background()
	fake.delay = 5 * time.Second

	l := mustAcquire(t, tr, "orders", "workers", 0, 1, 30*time.Second)
	if _, err := tr.Nack(ctx, l.Ref(), l.Token, 0); err != nil {
		t.Fatalf("nack: %v", err)
	}

	if _, ok, err := tr.NextEligible("orders", "workers", 0, 1); err != nil || ok {
		t.Fatalf("delayed record must be invisible: ok=%v err=%v", ok, err)
	}
	*now += 6_000
	off, ok, err := tr.NextEligible("orders", "workers", 0, 1)
	if err != nil || !ok || off != 0 {
		t.Fatalf("after delay: off=%d ok=%v err=%v", off, ok, err)
	}

	// Acquiring consumes the delay marker.
	again := mustAcquire(t, tr, "orders", "workers", 0, 1, 30*time.Second)
	if _, err := tr.db.Get(keyDelay(again.Ref())); !errors.Is(err, pebble.ErrNotFound) {
		t.Fatalf("delay marker should be consumed, got err=%v", err)
	}
}

func TestExtendPushesExpiry(t *testing.T) {
	tr, fake, now := newTestTracker(t)
	ctx := context.Background()

	l := mustAcquire(t, tr, "orders", "workers", 0, 1, 30*time.Second)
	expiry, applied, err := tr.Extend(ctx, l.Ref(), l.Token, 60*time.Second)
	if err != nil || !applied {
		t.Fatalf("extend: applied=%v err=%v", applied, err)
	}
	if want := *now + 60_000; expiry != want {
		t.Fatalf("new expiry = %d, want %d", expiry, want)
	}

	// Past the original deadline the lease is still protected.
	*now += 31_000
	if n, err := tr.ExpireDue(ctx, 10); err != nil || n != 0 {
		t.Fatalf("sweep after extend routed %d, err=%v", n, err)
	}
	if fake.callCount() != 0 {
		t.Fatalf("extended lease must not be reclaimed")
	}
	if applied, err := tr.Ack(ctx, l.Ref(), l.Token); err != nil || !applied {
		t.Fatalf("ack after extend: applied=%v err=%v", applied, err)
	}
}

func TestExtendStaleTokenIsNoOp(t *testing.T) {
	tr, _, _ := newTestTracker(t)

	l := mustAcquire(t, tr, "orders", "workers", 0, 1, 30*time.Second)
	if _, applied, err := tr.Extend(context.Background(), l.Ref(), "bogus", time.Minute); err != nil || applied {
		t.Fatalf("stale extend: applied=%v err=%v", applied, err)
	}
}

func TestFinalizeWithoutLeaseIsNoOp(t *testing.T) {
	tr, _, _ := newTestTracker(t)
	ctx := context.Background()

	l := mustAcquire(t, tr, "orders", "workers", 0, 1, 30*time.Second)
	if _, err := tr.Ack(ctx, l.Ref(), l.Token); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if applied, err := tr.Finalize(ctx, l.Ref(), Transition{Attempts: 1}); err != nil || applied {
		t.Fatalf("finalize after ack: applied=%v err=%v", applied, err)
	}
}

func TestStateSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	db := openRaw(t, dir)
	tr := NewTracker(db, nil)
	now := int64(1_700_000_000_000)
	tr.nowMs = func() int64 { return now }
	fake := &loopback{tr: tr, delay: time.Hour}
	tr.SetRedeliverer(fake)
	ctx := context.Background()

	l0 := mustAcquire(t, tr, "orders", "workers", 0, 3, 30*time.Second)
	l1 := mustAcquire(t, tr, "orders", "workers", 0, 3, 30*time.Second)
	if _, err := tr.Ack(ctx, l0.Ref(), l0.Token); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if _, err := tr.Nack(ctx, l1.Ref(), l1.Token, 0); err != nil {
		t.Fatalf("nack: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	db2 := newTestDB(t, dir)
	tr2 := NewTracker(db2, nil)
	tr2.nowMs = func() int64 { return now }
	tr2.SetRedeliverer(&loopback{tr: tr2})

	// Offset 0 is below the floor, 1 sits out its delay, so 2 is next.
	off, ok, err := tr2.NextEligible("orders", "workers", 0, 3)
	if err != nil || !ok || off != 2 {
		t.Fatalf("after reopen: off=%d ok=%v err=%v", off, ok, err)
	}
	if got := floorOf(t, tr2, "orders", "workers", 0); got != 1 {
		t.Fatalf("floor after reopen = %d, want 1", got)
	}
}

func TestRecoverLeasesRoutesEverything(t *testing.T) {
	dir := t.TempDir()
	db := openRaw(t, dir)
	tr := NewTracker(db, nil)
	tr.SetRedeliverer(&loopback{tr: tr})

	mustAcquire(t, tr, "orders", "workers", 0, 2, 30*time.Second)
	mustAcquire(t, tr, "orders", "workers", 1, 2, 30*time.Second)
	mustAcquire(t, tr, "billing", "audit", 0, 5, 30*time.Second)
	if err := db.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	db2 := newTestDB(t, dir)
	tr2 := NewTracker(db2, nil)
	fake := &loopback{tr: tr2}
	tr2.SetRedeliverer(fake)

	n, err := tr2.RecoverLeases(context.Background())
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if n != 3 {
		t.Fatalf("recovered %d leases, want 3", n)
	}
	fake.mu.Lock()
	defer fake.mu.Unlock()
	for _, c := range fake.calls {
		if want := ":" + ReasonRecover; c[len(c)-len(want):] != want {
			t.Fatalf("unexpected routing %q", c)
		}
	}

	// Everything is dispatchable again.
	l := mustAcquire(t, tr2, "orders", "workers", 0, 2, 30*time.Second)
	if l.Offset != 0 {
		t.Fatalf("recovered offset = %d, want 0", l.Offset)
	}
}

func TestDropTopicForgetsState(t *testing.T) {
	tr, _, _ := newTestTracker(t)

	mustAcquire(t, tr, "orders", "workers", 0, 1, 30*time.Second)
	mustAcquire(t, tr, "billing", "audit", 0, 1, 30*time.Second)
	tr.DropTopic("orders")

	tr.mu.Lock()
	defer tr.mu.Unlock()
	for pk := range tr.states {
		if pk.topic == "orders" {
			t.Fatalf("orders state should be dropped")
		}
		if pk.topic != "billing" {
			t.Fatalf("unexpected state %v", pk)
		}
	}
}
