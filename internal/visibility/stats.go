package visibility

import (
	"github.com/cockroachdb/pebble"
)

// Window is one partition's retained offset range, [First, Next).
type Window struct {
	First uint64
	Next  uint64
}

// GroupPartitionStats is one group's delivery progress on one partition.
type GroupPartitionStats struct {
	Partition uint32 `json:"partition"`
	AckFloor  uint64 `json:"ackFloor"`
	Pending   uint64 `json:"pending"`
	InFlight  int    `json:"inFlight"`
	Delayed   int    `json:"delayed"`
}

// GroupStats aggregates one consumer group's progress across a topic.
// Pending counts retained records not yet terminally completed, including
// those currently leased or under a requeue delay.
type GroupStats struct {
	Group      string                `json:"group"`
	Partitions []GroupPartitionStats `json:"partitions"`
	Pending    uint64                `json:"pending"`
	InFlight   int                   `json:"inFlight"`
	Delayed    int                   `json:"delayed"`
}

// Groups lists the consumer groups ever seen on a topic, sorted.
func (t *Tracker) Groups(topic string) ([]string, error) {
	low, hi := groupMarkerBounds(topic)
	iter, err := t.db.NewIter(&pebble.IterOptions{LowerBound: low, UpperBound: hi})
	if err != nil {
		return nil, err
	}
	var names []string
	for ok := iter.First(); ok; ok = iter.Next() {
		names = append(names, groupFromMarkerKey(iter.Key(), topic))
	}
	if err := iter.Close(); err != nil {
		return nil, err
	}
	return names, nil
}

// GroupStats computes every known group's progress against the topic's
// retained windows, indexed by partition.
func (t *Tracker) GroupStats(topic string, windows []Window) ([]GroupStats, error) {
	groups, err := t.Groups(topic)
	if err != nil {
		return nil, err
	}
	out := make([]GroupStats, 0, len(groups))
	for _, g := range groups {
		gs := GroupStats{Group: g, Partitions: make([]GroupPartitionStats, 0, len(windows))}
		for p, w := range windows {
			st, err := t.ensure(partKey{topic: topic, group: g, part: uint32(p)})
			if err != nil {
				return nil, err
			}
			st.mu.Lock()
			base := st.floor
			if w.First > base {
				base = w.First
			}
			var total, done uint64
			if w.Next > base {
				total = w.Next - base
			}
			for off := range st.done {
				if off >= base && off < w.Next {
					done++
				}
			}
			ps := GroupPartitionStats{
				Partition: uint32(p),
				AckFloor:  st.floor,
				InFlight:  len(st.leased),
				Delayed:   len(st.delayed),
			}
			if total > done {
				ps.Pending = total - done
			}
			st.mu.Unlock()

			gs.Partitions = append(gs.Partitions, ps)
			gs.Pending += ps.Pending
			gs.InFlight += ps.InFlight
			gs.Delayed += ps.Delayed
		}
		out = append(out, gs)
	}
	return out, nil
}
