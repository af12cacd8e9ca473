package id

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestOrderingMonotonic(t *testing.T) {
	g := NewGenerator()
	NowMs = func() int64 { return 1000 }
	defer func() { NowMs = func() int64 { return time.Now().UnixMilli() } }()

	a := g.Next()
	b := g.Next()
	if a.Compare(b) >= 0 {
		t.Fatalf("expected a<b")
	}
	if a.TimeMs() != 1000 || b.Seq() != a.Seq()+1 {
		t.Fatalf("embedded parts wrong: %d %d %d", a.TimeMs(), a.Seq(), b.Seq())
	}
}

func TestClockRegressionGuard(t *testing.T) {
	g := NewGenerator()
	now := int64(1000)
	NowMs = func() int64 { return now }
	defer func() { NowMs = func() int64 { return time.Now().UnixMilli() } }()

	a := g.Next()
	now = 900 // clock went backwards
	b := g.Next()
	if a.Compare(b) >= 0 {
		t.Fatalf("expected b>a despite clock regression")
	}
}

func TestSequenceOverflowWaitsNextMs(t *testing.T) {
	g := NewGenerator()
	var clock atomic.Int64
	clock.Store(2000)
	NowMs = func() int64 { return clock.Load() }
	defer func() { NowMs = func() int64 { return time.Now().UnixMilli() } }()

	g.lastMs = 2000
	g.seq = ^uint64(0) - 1

	_ = g.Next() // seq becomes MaxUint64

	done := make(chan struct{})
	go func() {
		_ = g.Next() // should wait for next ms and reset seq
		close(done)
	}()

	time.AfterFunc(10*time.Millisecond, func() { clock.Store(2001) })

	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("timeout waiting for overflow handling")
	}
}

func TestParseRoundTrip(t *testing.T) {
	g := NewGenerator()
	a := g.Next()
	parsed, err := Parse(a.String())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed != a {
		t.Fatalf("round trip mismatch: %v vs %v", parsed, a)
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	if _, err := Parse("abc"); err == nil {
		t.Fatalf("short input accepted")
	}
	if _, err := Parse("zz000000000000000000000000000000"); err == nil {
		t.Fatalf("non-hex input accepted")
	}
}
