package dispatch

import (
	"errors"
	"testing"
	"time"
)

func newTestCoordinator(t *testing.T) *Coordinator {
	t.Helper()
	return NewCoordinator(Options{SessionTimeout: 15 * time.Second})
}

func partsOf(t *testing.T, c *Coordinator, topic, group, id string) []uint32 {
	t.Helper()
	a, err := c.Assignments(topic, group, id)
	if err != nil {
		t.Fatalf("assignments %s: %v", id, err)
	}
	return a.Partitions
}

func contains(parts []uint32, p uint32) bool {
	for _, v := range parts {
		if v == p {
			return true
		}
	}
	return false
}

func TestJoinSingleMemberGetsAll(t *testing.T) {
	c := newTestCoordinator(t)
	a, err := c.Join("orders", "workers", 4, "c1")
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if a.Generation != 1 {
		t.Fatalf("generation: got %d want 1", a.Generation)
	}
	if len(a.Partitions) != 4 {
		t.Fatalf("partitions: got %v want all 4", a.Partitions)
	}
	for i, p := range a.Partitions {
		if p != uint32(i) {
			t.Fatalf("partitions not sorted: %v", a.Partitions)
		}
	}
}

func TestHandoverWithheldUntilOwnerObserves(t *testing.T) {
	c := newTestCoordinator(t)
	if _, err := c.Join("orders", "workers", 3, "c1"); err != nil {
		t.Fatalf("join c1: %v", err)
	}

	// c2's share includes partition 2, taken over from live c1. It must not
	// be servable before c1 has seen the new generation.
	a2, err := c.Join("orders", "workers", 3, "c2")
	if err != nil {
		t.Fatalf("join c2: %v", err)
	}
	if contains(a2.Partitions, 2) {
		t.Fatalf("partition 2 handed to c2 before c1 released it: %v", a2.Partitions)
	}

	// c1's fetch observes generation 2 and releases partition 2. Its own
	// set shrinks to the new target at the same moment.
	p1 := partsOf(t, c, "orders", "workers", "c1")
	if contains(p1, 2) {
		t.Fatalf("c1 kept partition 2 after observing: %v", p1)
	}

	p2 := partsOf(t, c, "orders", "workers", "c2")
	if !contains(p2, 2) {
		t.Fatalf("partition 2 still withheld after release: %v", p2)
	}
}

func TestThreeMembersSplitEvenly(t *testing.T) {
	c := newTestCoordinator(t)
	members := []string{"c1", "c2", "c3"}
	for _, id := range members {
		if _, err := c.Join("orders", "workers", 4, id); err != nil {
			t.Fatalf("join %s: %v", id, err)
		}
	}
	// Two observation rounds settle every handover.
	for round := 0; round < 2; round++ {
		for _, id := range members {
			partsOf(t, c, "orders", "workers", id)
		}
	}

	owned := make(map[uint32]string)
	counts := make(map[string]int)
	for _, id := range members {
		for _, p := range partsOf(t, c, "orders", "workers", id) {
			if prev, taken := owned[p]; taken {
				t.Fatalf("partition %d assigned to %s and %s", p, prev, id)
			}
			owned[p] = id
			counts[id]++
		}
	}
	if len(owned) != 4 {
		t.Fatalf("not all partitions covered: %v", owned)
	}
	// Range split of 4 over 3 members: 2/1/1 by sorted ID.
	if counts["c1"] != 2 || counts["c2"] != 1 || counts["c3"] != 1 {
		t.Fatalf("uneven split: %v", counts)
	}
}

func TestThirdJoinRebalancesSettledPair(t *testing.T) {
	c := newTestCoordinator(t)
	pair := []string{"c1", "c2"}
	for _, id := range pair {
		if _, err := c.Join("orders", "workers", 4, id); err != nil {
			t.Fatalf("join %s: %v", id, err)
		}
	}
	for round := 0; round < 2; round++ {
		for _, id := range pair {
			partsOf(t, c, "orders", "workers", id)
		}
	}
	n1 := len(partsOf(t, c, "orders", "workers", "c1"))
	n2 := len(partsOf(t, c, "orders", "workers", "c2"))
	if n1 != 2 || n2 != 2 {
		t.Fatalf("pair split %d/%d, want 2/2", n1, n2)
	}

	if _, err := c.Join("orders", "workers", 4, "c3"); err != nil {
		t.Fatalf("join c3: %v", err)
	}
	members := []string{"c1", "c2", "c3"}
	for round := 0; round < 2; round++ {
		for _, id := range members {
			partsOf(t, c, "orders", "workers", id)
		}
	}
	owned := make(map[uint32]string)
	counts := make(map[string]int)
	for _, id := range members {
		for _, p := range partsOf(t, c, "orders", "workers", id) {
			if prev, taken := owned[p]; taken {
				t.Fatalf("partition %d assigned to %s and %s", p, prev, id)
			}
			owned[p] = id
			counts[id]++
		}
	}
	if len(owned) != 4 {
		t.Fatalf("partitions left unassigned after rebalance: %v", owned)
	}
	if counts["c1"] != 2 || counts["c2"] != 1 || counts["c3"] != 1 {
		t.Fatalf("split after third join: %v, want 2/1/1", counts)
	}
}

func TestDeadMemberReleasedImmediately(t *testing.T) {
	c := newTestCoordinator(t)
	cur := time.Now()
	c.now = func() time.Time { return cur }

	for _, id := range []string{"c1", "c2"} {
		if _, err := c.Join("orders", "workers", 4, id); err != nil {
			t.Fatalf("join %s: %v", id, err)
		}
	}
	partsOf(t, c, "orders", "workers", "c1")
	partsOf(t, c, "orders", "workers", "c2")

	cur = cur.Add(10 * time.Second)
	if err := c.Heartbeat("orders", "workers", "c2"); err != nil {
		t.Fatalf("heartbeat c2: %v", err)
	}

	// c1's session lapses without a confirmation; its partitions must not
	// wait on an observation that will never come.
	cur = cur.Add(6 * time.Second)
	c.evictExpired()

	if err := c.Heartbeat("orders", "workers", "c1"); !errors.Is(err, ErrUnknownMember) {
		t.Fatalf("heartbeat after eviction: got %v want ErrUnknownMember", err)
	}
	p2 := partsOf(t, c, "orders", "workers", "c2")
	if len(p2) != 4 {
		t.Fatalf("survivor should own all partitions, got %v", p2)
	}
}

func TestLeaveReleasesImmediately(t *testing.T) {
	c := newTestCoordinator(t)
	for _, id := range []string{"c1", "c2"} {
		if _, err := c.Join("orders", "workers", 2, id); err != nil {
			t.Fatalf("join %s: %v", id, err)
		}
	}
	c.Leave("orders", "workers", "c1")
	p2 := partsOf(t, c, "orders", "workers", "c2")
	if len(p2) != 2 {
		t.Fatalf("leaver's partitions not released: %v", p2)
	}
}

func TestLastLeaveDropsGroup(t *testing.T) {
	c := newTestCoordinator(t)
	if _, err := c.Join("orders", "workers", 2, "c1"); err != nil {
		t.Fatalf("join: %v", err)
	}
	c.Leave("orders", "workers", "c1")
	if _, err := c.Assignments("orders", "workers", "c1"); !errors.Is(err, ErrUnknownGroup) {
		t.Fatalf("assignments after last leave: got %v want ErrUnknownGroup", err)
	}
}

func TestSnapshotIsReadOnly(t *testing.T) {
	c := newTestCoordinator(t)
	if _, err := c.Join("orders", "workers", 2, "c1"); err != nil {
		t.Fatalf("join c1: %v", err)
	}
	a2, err := c.Join("orders", "workers", 2, "c2")
	if err != nil {
		t.Fatalf("join c2: %v", err)
	}
	if len(a2.Partitions) != 0 {
		t.Fatalf("c2 should start fully withheld, got %v", a2.Partitions)
	}

	// Snapshots must not confirm handovers on c1's behalf.
	snaps := c.Snapshot("orders")
	if len(snaps) != 1 || snaps[0].Group != "workers" || len(snaps[0].Members) != 2 {
		t.Fatalf("snapshot shape: %+v", snaps)
	}
	p2 := partsOf(t, c, "orders", "workers", "c2")
	if len(p2) != 0 {
		t.Fatalf("snapshot released a handover: %v", p2)
	}
}

func TestDropTopicForgetsGroups(t *testing.T) {
	c := newTestCoordinator(t)
	if _, err := c.Join("orders", "workers", 2, "c1"); err != nil {
		t.Fatalf("join: %v", err)
	}
	c.DropTopic("orders")
	if _, err := c.Assignments("orders", "workers", "c1"); !errors.Is(err, ErrUnknownGroup) {
		t.Fatalf("assignments after drop: got %v want ErrUnknownGroup", err)
	}
}

func TestStartStop(t *testing.T) {
	c := NewCoordinator(Options{SessionTimeout: time.Second, SweepInterval: 10 * time.Millisecond})
	c.Start()
	c.Stop()
}
