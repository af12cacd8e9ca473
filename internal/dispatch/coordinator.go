package dispatch

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/scorego/sluice/internal/metrics"
	"github.com/scorego/sluice/pkg/log"
)

var (
	// ErrUnknownGroup marks an operation against a group with no live
	// members.
	ErrUnknownGroup = errors.New("dispatch: unknown group")
	// ErrUnknownMember marks a heartbeat or fetch from a consumer that was
	// evicted or never joined. The caller rejoins.
	ErrUnknownMember = errors.New("dispatch: unknown member")
)

// Options configures the coordinator.
type Options struct {
	// SessionTimeout evicts a member whose last heartbeat is older.
	SessionTimeout time.Duration
	// SweepInterval is the eviction check cadence.
	SweepInterval time.Duration
	Logger        log.Logger
}

// Assignment is one member's servable partition set at a generation.
// Partitions mid-handover are withheld until the previous owner observes
// the change, so the set can temporarily be smaller than the member's
// target share.
type Assignment struct {
	Generation int64
	Partitions []uint32
}

// Coordinator tracks consumer-group membership and assigns partitions over
// live members. Membership is in-memory only; it never survives a restart.
type Coordinator struct {
	sessionTimeout time.Duration
	sweepInterval  time.Duration
	logger         log.Logger

	mu     sync.Mutex
	groups map[groupKey]*group

	now func() time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

type groupKey struct {
	topic string
	group string
}

type group struct {
	topic      string
	name       string
	partitions int
	generation int64
	members    map[string]*member
	// target is the full range assignment; withheld marks partitions whose
	// previous owner has not yet observed losing them. A withheld partition
	// is served by nobody new until the owner confirms or dies.
	target       map[uint32]string
	withheld     map[uint32]string
	rebalancedAt time.Time
}

type member struct {
	id            string
	joinedAt      time.Time
	lastHeartbeat time.Time
	observedGen   int64
}

// NewCoordinator builds a stopped coordinator; Start launches the session
// monitor.
func NewCoordinator(opts Options) *Coordinator {
	if opts.SessionTimeout <= 0 {
		opts.SessionTimeout = 15 * time.Second
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Second
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNopLogger()
	}
	return &Coordinator{
		sessionTimeout: opts.SessionTimeout,
		sweepInterval:  opts.SweepInterval,
		logger:         opts.Logger.WithComponent("dispatch"),
		groups:         make(map[groupKey]*group),
		now:            time.Now,
		stopCh:         make(chan struct{}),
	}
}

// Start launches the heartbeat monitor.
func (c *Coordinator) Start() {
	c.wg.Add(1)
	go c.monitor()
}

// Stop halts the monitor and waits for it.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

func (c *Coordinator) monitor() {
	defer c.wg.Done()
	t := time.NewTicker(c.sweepInterval)
	defer t.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-t.C:
			c.evictExpired()
		}
	}
}

// evictExpired removes members whose session lapsed. Their partitions are
// released immediately; a dead consumer cannot confirm a handover.
func (c *Coordinator) evictExpired() {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, g := range c.groups {
		var dead []string
		for id, m := range g.members {
			if now.Sub(m.lastHeartbeat) > c.sessionTimeout {
				dead = append(dead, id)
			}
		}
		if len(dead) == 0 {
			continue
		}
		for _, id := range dead {
			delete(g.members, id)
			c.logger.Warn("consumer session expired",
				log.Str("topic", g.topic),
				log.Str("group", g.name),
				log.Str("consumer", id))
		}
		if len(g.members) == 0 {
			delete(c.groups, key)
			continue
		}
		g.rebalance(now)
	}
}

// Join registers a consumer and rebalances. The returned assignment is the
// joiner's immediately servable set; partitions taken over from live
// members arrive on a later Assignments call, once their owners observe
// the new generation.
func (c *Coordinator) Join(topic, groupName string, partitions int, consumerID string) (Assignment, error) {
	if partitions < 1 {
		return Assignment{}, fmt.Errorf("dispatch: join %s/%s: partitions %d < 1", topic, groupName, partitions)
	}
	if consumerID == "" {
		return Assignment{}, fmt.Errorf("dispatch: join %s/%s: empty consumer id", topic, groupName)
	}
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	key := groupKey{topic: topic, group: groupName}
	g := c.groups[key]
	if g == nil {
		g = &group{
			topic:    topic,
			name:     groupName,
			members:  make(map[string]*member),
			target:   make(map[uint32]string),
			withheld: make(map[uint32]string),
		}
		c.groups[key] = g
	}
	g.partitions = partitions
	g.members[consumerID] = &member{id: consumerID, joinedAt: now, lastHeartbeat: now}
	g.rebalance(now)
	c.logger.Info("consumer joined",
		log.Str("topic", topic),
		log.Str("group", groupName),
		log.Str("consumer", consumerID),
		log.Int("members", len(g.members)))
	return g.assignment(consumerID), nil
}

// Leave unregisters a consumer. Its partitions are released immediately.
func (c *Coordinator) Leave(topic, groupName, consumerID string) {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	key := groupKey{topic: topic, group: groupName}
	g := c.groups[key]
	if g == nil {
		return
	}
	if _, ok := g.members[consumerID]; !ok {
		return
	}
	delete(g.members, consumerID)
	c.logger.Info("consumer left",
		log.Str("topic", topic),
		log.Str("group", groupName),
		log.Str("consumer", consumerID),
		log.Int("members", len(g.members)))
	if len(g.members) == 0 {
		delete(c.groups, key)
		return
	}
	g.rebalance(now)
}

// Heartbeat refreshes a member's session. ErrUnknownMember after an
// eviction tells the consumer to rejoin.
func (c *Coordinator) Heartbeat(topic, groupName, consumerID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	g := c.groups[groupKey{topic: topic, group: groupName}]
	if g == nil {
		return fmt.Errorf("%w: %s/%s", ErrUnknownGroup, topic, groupName)
	}
	m := g.members[consumerID]
	if m == nil {
		return fmt.Errorf("%w: %s in %s/%s", ErrUnknownMember, consumerID, topic, groupName)
	}
	m.lastHeartbeat = c.now()
	return nil
}

// Assignments returns the caller's servable partitions. The call doubles as
// the handover confirmation: by fetching the current generation the member
// acknowledges every partition it no longer owns, releasing them to their
// new owners.
func (c *Coordinator) Assignments(topic, groupName, consumerID string) (Assignment, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	g := c.groups[groupKey{topic: topic, group: groupName}]
	if g == nil {
		return Assignment{}, fmt.Errorf("%w: %s/%s", ErrUnknownGroup, topic, groupName)
	}
	if _, ok := g.members[consumerID]; !ok {
		return Assignment{}, fmt.Errorf("%w: %s in %s/%s", ErrUnknownMember, consumerID, topic, groupName)
	}
	return g.assignment(consumerID), nil
}

// rebalance recomputes the range assignment and the handover set. Caller
// holds the coordinator lock.
func (g *group) rebalance(now time.Time) {
	g.generation++

	ids := make([]string, 0, len(g.members))
	for id := range g.members {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	newTarget := make(map[uint32]string, g.partitions)
	if len(ids) > 0 {
		per := g.partitions / len(ids)
		rem := g.partitions % len(ids)
		p := 0
		for i, id := range ids {
			n := per
			if i < rem {
				n++
			}
			for j := 0; j < n; j++ {
				newTarget[uint32(p)] = id
				p++
			}
		}
	}

	// A partition's possible current server is its unobserved previous
	// owner if one is pending, otherwise its previous target. Withhold the
	// partition from a new owner until that server confirms or dies.
	for p := uint32(0); p < uint32(g.partitions); p++ {
		newOwner, has := newTarget[p]
		server, known := g.withheld[p]
		if !known {
			server, known = g.target[p]
		}
		_, live := g.members[server]
		if has && known && live && server != newOwner {
			g.withheld[p] = server
		} else {
			delete(g.withheld, p)
		}
	}

	g.target = newTarget
	g.rebalancedAt = now
	metrics.RebalancesTotal.WithLabelValues(g.topic, g.name).Inc()
}

// assignment marks id as having observed the current generation, releasing
// its outstanding handovers, and returns its servable set. Caller holds the
// coordinator lock.
func (g *group) assignment(id string) Assignment {
	m := g.members[id]
	m.observedGen = g.generation
	for p, owner := range g.withheld {
		if owner == id {
			delete(g.withheld, p)
		}
	}
	return Assignment{Generation: g.generation, Partitions: g.servable(id)}
}

// servable lists the partitions id may dispatch from right now.
func (g *group) servable(id string) []uint32 {
	parts := make([]uint32, 0, len(g.target))
	for p, owner := range g.target {
		if owner != id {
			continue
		}
		if _, blocked := g.withheld[p]; blocked {
			continue
		}
		parts = append(parts, p)
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i] < parts[j] })
	return parts
}

// MemberSnapshot is one live member's view for stats and admin output.
type MemberSnapshot struct {
	ID            string
	Partitions    []uint32
	LastHeartbeat time.Time
}

// GroupSnapshot reports a group's live membership.
type GroupSnapshot struct {
	Topic      string
	Group      string
	Generation int64
	Members    []MemberSnapshot
}

// Snapshot reports every live group on topic, sorted by group name.
// Read-only: it does not count as observation.
func (c *Coordinator) Snapshot(topic string) []GroupSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []GroupSnapshot
	for key, g := range c.groups {
		if key.topic != topic {
			continue
		}
		snap := GroupSnapshot{Topic: g.topic, Group: g.name, Generation: g.generation}
		for id, m := range g.members {
			snap.Members = append(snap.Members, MemberSnapshot{
				ID:            id,
				Partitions:    g.servable(id),
				LastHeartbeat: m.lastHeartbeat,
			})
		}
		sort.Slice(snap.Members, func(i, j int) bool { return snap.Members[i].ID < snap.Members[j].ID })
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Group < out[j].Group })
	return out
}

// DropTopic forgets all groups of a deleted topic.
func (c *Coordinator) DropTopic(topic string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.groups {
		if key.topic == topic {
			delete(c.groups, key)
		}
	}
}
