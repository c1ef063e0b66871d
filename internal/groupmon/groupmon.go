// Package groupmon implements the group liveness monitor (C1): a
// vector-clock-based membership tracker that decides which peers are
// currently alive and evicts ones that have gone silent.
//
// Grounded on clocks.c (original_source/apps/dice) for the algorithm; the
// registry-plus-periodic-sweep shape is carried over from
// internal/fabric/hub.go's spoke registry in the teacher repo, adapted from
// a concurrent map to a single-goroutine slice since groupmon lives entirely
// inside the engine's cooperative event loop.
package groupmon

import (
	"log/slog"

	"github.com/ocx/dice/internal/addr"
)

// MaxNodes bounds the membership table (group.h's MAX_NODES).
const MaxNodes = 25

// Liveness is the narrow view C3 needs from C1: whether a source is
// currently considered part of the group.
type Liveness interface {
	IsAlive(a addr.Addr) bool
}

// EvictListener is notified exactly once per alive-to-dead transition.
// Re-architected from the original's single named callback symbol
// (groupmon_evict) into an interface so C1 can drive any number of
// consumers (the view store, metrics) without depending on their types.
type EvictListener interface {
	GroupmonEvict(a addr.Addr)
}

// EvictListenerFunc adapts a plain function to EvictListener.
type EvictListenerFunc func(addr.Addr)

// GroupmonEvict implements EvictListener.
func (f EvictListenerFunc) GroupmonEvict(a addr.Addr) { f(a) }

type member struct {
	addr  addr.Addr
	clock uint32
}

// VCEntry is one peer-offset pair inside a VectorClock packet.
type VCEntry struct {
	Addr   addr.Addr
	Offset uint8
}

// VectorClock is the wire-level payload groupmon exchanges on the group
// channel: the sender's logical clock plus its view of every peer's offset
// from that clock, truncated to 8 bits.
type VectorClock struct {
	Clock   uint32
	Entries []VCEntry
}

// Monitor is the per-engine C1 instance. It is not safe for concurrent use:
// like every DICe component it is only ever driven from the engine's single
// event-loop goroutine.
type Monitor struct {
	self addr.Addr

	members        []member
	localClock     uint32
	evictThreshold uint32
	broadcastTicks int
	broadcastCount int
	running        bool

	listeners []EvictListener
	log       *slog.Logger
}

// New constructs a Monitor for self. newNeighbourTicks is how many CLOCK_TICK
// periods elapse between vector-clock broadcasts (NEW_NEIGHBOUR_LATENCY /
// tick); missingTicks is the silence threshold in ticks before a peer is
// evicted (MISSING_LATENCY / tick). Both are expressed in ticks, not
// durations, so the engine remains the only place that knows about wall-clock
// time.
func New(self addr.Addr, newNeighbourTicks, missingTicks int) *Monitor {
	if newNeighbourTicks <= 0 {
		newNeighbourTicks = 1
	}
	return &Monitor{
		self:           self,
		evictThreshold: uint32(missingTicks),
		localClock:     uint32(missingTicks),
		broadcastTicks: newNeighbourTicks,
		log:            slog.With("component", "groupmon", "node", self.String()),
	}
}

// Subscribe registers l to receive future eviction notifications.
func (m *Monitor) Subscribe(l EvictListener) {
	m.listeners = append(m.listeners, l)
}

// Start marks the monitor running. Returns false if already running, mirroring
// groupmon_init's ok|busy contract.
func (m *Monitor) Start() bool {
	if m.running {
		return false
	}
	m.running = true
	return true
}

// Stop halts the monitor; subsequent Tick/Receive calls are no-ops, mirroring
// "packet from stopped component: silently ignored".
func (m *Monitor) Stop() {
	m.running = false
}

// Reset clears membership and reinitialises the logical clock, mirroring
// groupmon_reset.
func (m *Monitor) Reset() {
	m.members = m.members[:0]
	m.localClock = m.evictThreshold
	m.broadcastCount = 0
}

// IsAlive reports whether a is self or a current member.
func (m *Monitor) IsAlive(a addr.Addr) bool {
	if a == m.self {
		return true
	}
	for _, mem := range m.members {
		if mem.addr == a {
			return true
		}
	}
	return false
}

// Tick advances the logical clock by one period, evicts any peer that has
// gone silent for evictThreshold ticks, and reports whether this tick should
// also trigger a vector-clock broadcast.
func (m *Monitor) Tick() (shouldBroadcast bool) {
	if !m.running {
		return false
	}
	m.localClock++
	m.checkAllExpired()

	m.broadcastCount++
	if m.broadcastCount >= m.broadcastTicks {
		m.broadcastCount = 0
		return true
	}
	return false
}

// checkAllExpired evicts every member whose silence has reached
// evictThreshold ticks. The original computes this as unsigned
// local_clock+1-group[i].clock >= evict_threshold, which only stays
// non-negative because a member's clock is never adopted above
// local_clock+1 (see Receive). Expressed here with a signed difference so
// the invariant doesn't depend on wraparound behaving the way the original
// accidentally relied on.
func (m *Monitor) checkAllExpired() {
	i := 0
	for i < len(m.members) {
		silence := int64(m.localClock) + 1 - int64(m.members[i].clock)
		if silence < int64(m.evictThreshold) {
			i++
			continue
		}
		evicted := m.members[i].addr
		m.members = append(m.members[:i], m.members[i+1:]...)
		m.log.Debug("evicting silent peer", "peer", evicted.String(), "silence", silence)
		for _, l := range m.listeners {
			l.GroupmonEvict(evicted)
		}
	}
}

func (m *Monitor) updateMember(a addr.Addr, clock uint32) {
	for i := range m.members {
		if m.members[i].addr != a {
			continue
		}
		if m.members[i].clock >= clock {
			return
		}
		m.members[i].clock = clock
		return
	}
	if len(m.members) >= MaxNodes {
		m.log.Warn("group table full, dropping new peer", "peer", a.String())
		return
	}
	m.members = append(m.members, member{addr: a, clock: clock})
	m.log.Debug("new peer", "peer", a.String())
}

// ForceUpdate fast-registers addr as a member with the local clock, used when
// the trickle layer receives a dissemination packet from an address groupmon
// doesn't yet know about.
func (m *Monitor) ForceUpdate(a addr.Addr) {
	if !m.running {
		return
	}
	m.updateMember(a, m.localClock)
}

// Snapshot builds the vector-clock packet to broadcast this round.
func (m *Monitor) Snapshot() VectorClock {
	entries := make([]VCEntry, 0, len(m.members))
	for _, mem := range m.members {
		entries = append(entries, VCEntry{
			Addr:   mem.addr,
			Offset: uint8(m.localClock + 1 - mem.clock),
		})
	}
	return VectorClock{Clock: m.localClock, Entries: entries}
}

// Receive merges an inbound vector-clock packet from src: adopts the
// sender's clock if it is ahead of ours, updates every peer entry (skipping
// self), and re-runs the eviction scan if any adopted clock pushed our
// logical clock forward.
func (m *Monitor) Receive(src addr.Addr, vc VectorClock) {
	if !m.running {
		return
	}
	needCheck := false
	if vc.Clock > m.localClock+1 {
		m.localClock = vc.Clock
		needCheck = true
	}
	m.updateMember(src, vc.Clock)

	for _, e := range vc.Entries {
		if e.Addr == m.self {
			continue
		}
		remoteClock := vc.Clock + 1 - uint32(e.Offset)
		m.updateMember(e.Addr, remoteClock)
		if remoteClock > m.localClock+1 {
			m.localClock = remoteClock
			needCheck = true
		}
	}

	if needCheck {
		m.checkAllExpired()
	}
}

// AlwaysAlive is a trivial Liveness that treats every address as part of the
// group, grounded on dummy_group.c. Useful for exercising C3/C4 in isolation
// without a live membership table.
type AlwaysAlive struct{}

// IsAlive always returns true.
func (AlwaysAlive) IsAlive(addr.Addr) bool { return true }
