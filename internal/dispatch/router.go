package dispatch

import (
	"hash/crc32"
	"sync"
	"sync/atomic"
)

// Route picks the partition for a keyed record. Records sharing a key land
// on the same partition for the topic's lifetime; the partition count is
// fixed at creation.
func Route(key string, partitions int) uint32 {
	if partitions <= 1 {
		return 0
	}
	return crc32.ChecksumIEEE([]byte(key)) % uint32(partitions)
}

// RoundRobin spreads keyless records across partitions, one counter per
// topic.
type RoundRobin struct {
	mu       sync.Mutex
	counters map[string]*atomic.Uint64
}

// NewRoundRobin returns an empty counter set.
func NewRoundRobin() *RoundRobin {
	return &RoundRobin{counters: make(map[string]*atomic.Uint64)}
}

// Next returns the partition for the next keyless record on topic.
func (r *RoundRobin) Next(topic string, partitions int) uint32 {
	if partitions <= 1 {
		return 0
	}
	r.mu.Lock()
	c := r.counters[topic]
	if c == nil {
		c = &atomic.Uint64{}
		r.counters[topic] = c
	}
	r.mu.Unlock()
	return uint32((c.Add(1) - 1) % uint64(partitions))
}

// Drop forgets a deleted topic's counter.
func (r *RoundRobin) Drop(topic string) {
	r.mu.Lock()
	delete(r.counters, topic)
	r.mu.Unlock()
}
