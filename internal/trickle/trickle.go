// Package trickle implements the Trickle disseminator (C5): adaptive
// suppression broadcast of the local view with exponential back-off and
// redundancy-based suppression.
//
// Grounded on drickle.c/drickle.h (original_source/apps/dice) for the
// protocol; the generation-counter idiom that lets a scheduled timer fire
// recognise it has been superseded by a later Reset is grounded on
// internal/circuitbreaker/breaker.go's state-generation pattern (teacher),
// adapted from "invalidate in-flight requests across a state transition" to
// "invalidate an in-flight timer fire across a reset".
package trickle

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/ocx/dice/internal/addr"
	"github.com/ocx/dice/internal/dtime"
	"github.com/ocx/dice/internal/metrics"
	"github.com/ocx/dice/internal/radio"
	"github.com/ocx/dice/internal/wire"
)

// Registrar is the narrow view into C1 the disseminator needs: check and
// fast-register peer liveness on receipt of a packet from an unknown
// source.
type Registrar interface {
	IsAlive(a addr.Addr) bool
	ForceUpdate(a addr.Addr)
}

// Merger is the narrow view into C3 the disseminator needs to apply
// inbound packets.
type Merger interface {
	MergeView(pkt wire.ViewPacket, now dtime.Timestamp) bool
	MergeDisjunctions(pkt wire.T1Packet, now dtime.Timestamp) bool
}

// Snapshotter produces the outbound packet bodies for a broadcast round.
type Snapshotter interface {
	SnapshotT1(self addr.Addr, now dtime.Timestamp) wire.T1Packet
}

// Pruner is C3's prune_view, used on the clock-wrap force-reset path.
type Pruner interface {
	PruneView(ts dtime.Timestamp) bool
}

// Disseminator is the per-engine C5 instance.
type Disseminator struct {
	self       addr.Addr
	low, high  time.Duration
	redundancy int

	radio radio.Broadcaster
	group Registrar
	merge Merger
	snap  Snapshotter
	prune Pruner
	now   func() dtime.Timestamp

	mu          sync.Mutex
	tau         time.Duration
	r           int
	lastBcast   dtime.Timestamp
	primed      bool
	generation  uint64
	timer       *time.Timer
	scheduledAt time.Time

	fireCh chan uint64
	rng    *rand.Rand
	log    *slog.Logger

	metrics *metrics.Metrics
}

// Config bundles the tunable constants from SPEC_FULL.md §6.
type Config struct {
	Low, High  time.Duration
	Redundancy int
}

// DefaultConfig matches TRICKLE_LOW/TRICKLE_HIGH/TRICKLE_REDUNDANCY.
func DefaultConfig(clockTick time.Duration) Config {
	return Config{
		Low:        clockTick / 5,
		High:       clockTick * 4,
		Redundancy: 5,
	}
}

// New constructs a Disseminator. now supplies the node's logical clock.
func New(self addr.Addr, cfg Config, r radio.Broadcaster, group Registrar, merge Merger, snap Snapshotter, prune Pruner, now func() dtime.Timestamp) *Disseminator {
	return &Disseminator{
		self:       self,
		low:        cfg.Low,
		high:       cfg.High,
		redundancy: cfg.Redundancy,
		radio:      r,
		group:      group,
		merge:      merge,
		snap:       snap,
		prune:      prune,
		now:        now,
		fireCh:     make(chan uint64, 1),
		rng:        rand.New(rand.NewSource(1)),
		log:        slog.With("component", "trickle", "node", self.String()),
	}
}

// FireCh is signalled (with the generation tag of the scheduled fire) when
// a broadcast round is due. The engine's event loop selects on this and
// calls Fire with the received generation.
func (d *Disseminator) FireCh() <-chan uint64 { return d.fireCh }

// SetMetrics installs the Prometheus instrument set this disseminator
// reports against. Nil-safe and optional: left unset, Fire/Reset/OnReceive
// run exactly as before, just unobserved.
func (d *Disseminator) SetMetrics(m *metrics.Metrics) { d.metrics = m }

func jitter(rng *rand.Rand, tau time.Duration) time.Duration {
	half := tau / 2
	if half <= 0 {
		return 0
	}
	return half + time.Duration(rng.Int63n(int64(half)+1))
}

func (d *Disseminator) arm(delay time.Duration) {
	if d.timer != nil {
		d.timer.Stop()
	}
	d.generation++
	gen := d.generation
	d.scheduledAt = time.Now().Add(delay)
	d.timer = time.AfterFunc(delay, func() {
		select {
		case d.fireCh <- gen:
		default:
		}
	})
	if d.metrics != nil {
		d.metrics.TrickleTau.Set(d.tau.Seconds())
	}
}

// Reset zeroes the redundancy counter, drops τ to τ_LOW, and (re)schedules
// the next broadcast — unless a broadcast is already scheduled sooner, in
// which case the existing schedule is kept and only the counter and τ are
// reset, making Reset safe to call repeatedly
// from different callbacks within the same tick (groupmon eviction,
// attribute refresh, a merge that reports "updated") without fighting over
// the timer.
func (d *Disseminator) Reset() {
	d.resetCause("local_change")
}

func (d *Disseminator) resetCause(cause string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.metrics != nil {
		d.metrics.TrickleReset.WithLabelValues(cause).Inc()
	}
	d.r = 0
	d.tau = d.low
	delay := jitter(d.rng, d.tau)
	candidate := time.Now().Add(delay)
	if d.timer != nil && !d.scheduledAt.IsZero() && d.scheduledAt.Before(candidate) {
		return
	}
	d.arm(delay)
}

// Fire runs one trickle interval boundary: called by the engine when
// FireCh signals gen. A gen that no longer matches the current generation
// means a later Reset already superseded this fire, so it's ignored.
func (d *Disseminator) Fire(ctx context.Context, gen uint64) {
	d.mu.Lock()
	if gen != d.generation {
		d.mu.Unlock()
		return
	}
	now := d.now()

	if d.primed && now < d.lastBcast && d.prune != nil && d.prune.PruneView(now) {
		d.mu.Unlock()
		d.log.Debug("clock wrap detected, forcing reset", "now", now)
		d.resetCause("clock_wrap")
		return
	}

	d.lastBcast = now
	d.primed = true
	d.tau *= 2
	if d.tau > d.high {
		d.tau = d.high
	}
	d.arm(jitter(d.rng, d.tau))

	skip := d.r >= d.redundancy
	if skip {
		d.r = 0
	}
	d.mu.Unlock()

	if skip {
		d.log.Debug("suppressing broadcast (redundancy reached)")
		if d.metrics != nil {
			d.metrics.TrickleSuppress.Inc()
		}
		return
	}

	pkt := d.snap.SnapshotT1(d.self, now)
	body := wire.EncodeT1(pkt)
	payload := wire.EncodeEnvelope(wire.TypeT1, body)
	if err := d.radio.Send(ctx, radio.ChannelTrickle, d.self, payload); err != nil {
		d.log.Warn("broadcast failed", "error", err)
		return
	}
	if d.metrics != nil {
		d.metrics.TrickleBroadcast.Inc()
	}
}

// OnReceive dispatches an inbound dissemination packet: fast-registers an
// unknown sender, rebases its embedded timestamps onto the local clock,
// merges it into the appropriate store, and either resets (if the merge
// changed anything) or counts it toward redundancy.
func (d *Disseminator) OnReceive(src addr.Addr, payload []byte) {
	if !d.group.IsAlive(src) {
		d.group.ForceUpdate(src)
	}

	typ, body, err := wire.DecodeEnvelopeType(payload)
	if err != nil {
		d.log.Warn("malformed packet envelope", "src", src.String(), "error", err)
		return
	}

	now := d.now()
	var updated bool

	switch typ {
	case wire.TypeT1:
		pkt, err := wire.DecodeT1(body)
		if err != nil {
			d.log.Warn("malformed T1 packet", "src", src.String(), "error", err)
			return
		}
		wire.RebaseT1(&pkt, now)
		updated = d.merge.MergeDisjunctions(pkt, now)
	case wire.TypeView:
		pkt, err := wire.DecodeView(body)
		if err != nil {
			d.log.Warn("malformed view packet", "src", src.String(), "error", err)
			return
		}
		wire.RebaseView(&pkt, now)
		updated = d.merge.MergeView(pkt, now)
	default:
		d.log.Warn("unknown packet type", "src", src.String(), "type", typ)
		return
	}

	if updated {
		d.resetCause("merge")
		return
	}
	d.mu.Lock()
	d.r++
	d.mu.Unlock()
}

// Stop releases the pending timer, if any.
func (d *Disseminator) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
}
