package dispatch

import (
	"hash/crc32"
	"testing"
)

func TestRouteStableForKey(t *testing.T) {
	want := crc32.ChecksumIEEE([]byte("cust-1")) % 2
	for i := 0; i < 5; i++ {
		if got := Route("cust-1", 2); got != want {
			t.Fatalf("route changed: got %d want %d", got, want)
		}
	}
}

func TestRouteSinglePartition(t *testing.T) {
	if got := Route("anything", 1); got != 0 {
		t.Fatalf("single partition: got %d", got)
	}
	if got := Route("", 0); got != 0 {
		t.Fatalf("zero partitions: got %d", got)
	}
}

func TestRoundRobinCycles(t *testing.T) {
	rr := NewRoundRobin()
	want := []uint32{0, 1, 2, 0, 1, 2}
	for i, w := range want {
		if got := rr.Next("orders", 3); got != w {
			t.Fatalf("step %d: got %d want %d", i, got, w)
		}
	}
	// Independent counter per topic.
	if got := rr.Next("audit", 3); got != 0 {
		t.Fatalf("new topic should start at 0, got %d", got)
	}
	rr.Drop("orders")
	if got := rr.Next("orders", 3); got != 0 {
		t.Fatalf("dropped topic should restart at 0, got %d", got)
	}
}
