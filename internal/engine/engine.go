// Package engine implements the process glue (C7): a single-threaded,
// cooperative event loop that owns one node's view store, group monitor,
// history buffer, invariant evaluator, trickle disseminator, and attribute
// source, and wires them together exactly along the data flow SPEC_FULL.md
// §2 describes (C6 -> C3 -> C5 -> network -> C5 on peer -> C3.merge -> C4).
//
// Grounded on cmd/server/main.go's composition-root wiring style from the
// teacher repo (construct every collaborator, wire callbacks, run one
// blocking loop) and on dice.c's PROCESS_THREAD init sequence
// (original_source/apps/dice) for call order: group monitor, then view
// store, then trickle, then attribute source.
package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ocx/dice/internal/addr"
	"github.com/ocx/dice/internal/attrsrc"
	"github.com/ocx/dice/internal/dtime"
	"github.com/ocx/dice/internal/groupmon"
	"github.com/ocx/dice/internal/history"
	"github.com/ocx/dice/internal/invariant"
	"github.com/ocx/dice/internal/metrics"
	"github.com/ocx/dice/internal/radio"
	"github.com/ocx/dice/internal/trickle"
	"github.com/ocx/dice/internal/view"
	"github.com/ocx/dice/internal/wire"
)

// Config bundles everything New needs to build one node's engine. Zero
// values fall back to package defaults: ClockTick to one second, each
// Trickle field to trickle.DefaultConfig(ClockTick), NewNeighbourTicks to
// one tick (groupmon.New), HistorySize to history.DefaultSize and
// Attrs.Refresh to attrsrc.DefaultRefresh. MissingTicks has no default and
// is passed to groupmon.New as given.
type Config struct {
	Self      addr.Addr
	Signature view.Signature

	ClockTick time.Duration

	NewNeighbourTicks int
	MissingTicks      int

	Trickle trickle.Config

	HistorySize int

	Attrs attrsrc.Config

	Invariant  invariant.Invariant
	Mapping    invariant.Mapping
	Disjuncts  []invariant.Disjunct

	Radio   radio.Broadcaster
	Metrics *metrics.Metrics
}

// resetForwarder breaks the construction cycle between View/T1View (which
// need a ResetNotifier at construction time) and the Disseminator (which
// needs View/T1View already built to serve as its Merger/Snapshotter). It
// forwards to whichever *trickle.Disseminator is installed after the fact.
type resetForwarder struct {
	d *trickle.Disseminator
}

func (f *resetForwarder) Reset() {
	if f.d != nil {
		f.d.Reset()
	}
}

// conjRefresher adapts T1View.RefreshLocalDisjunctions (which needs an
// AttributeGetter argument) to attrsrc.ConjunctRefresher's no-argument
// RefreshLocal(now) shape, breaking the equivalent construction cycle
// between T1View and the attribute Source that owns the AttributeGetter.
type conjRefresher struct {
	t1  *invariant.T1View
	src *attrsrc.Source
}

func (c *conjRefresher) RefreshLocal(now dtime.Timestamp) bool {
	return c.t1.RefreshLocalDisjunctions(c.src, now)
}

// viewSync adapts View/T1View to the wire-packet-shaped Merger and
// Snapshotter interfaces trickle.Disseminator drives: converting a decoded
// wire.ViewPacket into a throwaway *view.View built via the same
// slice-placement algorithm PushEntry uses, and a wire.T1Packet's
// []ConjWire into the []ConjView T1View.MergeDisjunctions expects.
type viewSync struct {
	v       *view.View
	t1      *invariant.T1View
	sig     view.Signature
	now     func() dtime.Timestamp
	metrics *metrics.Metrics
}

func (s *viewSync) MergeView(pkt wire.ViewPacket, now dtime.Timestamp) bool {
	tmp := view.New(pkt.Src, s.sig, groupmon.AlwaysAlive{}, nil, nil, s.now)
	for _, e := range pkt.Entries {
		if e.Empty() {
			continue
		}
		tmp.PushEntry(e)
	}
	for _, d := range pkt.Drops {
		if d.Empty() {
			continue
		}
		tmp.PushDrop(d)
	}
	changed := s.v.MergeView(tmp, now)
	s.recordMerge("view", changed)
	return changed
}

func (s *viewSync) MergeDisjunctions(pkt wire.T1Packet, now dtime.Timestamp) bool {
	others := make([]invariant.ConjView, len(pkt.Conjs))
	for i, c := range pkt.Conjs {
		others[i] = invariant.ConjView{Quantifiers: c.Quantifiers}
	}
	changed := s.t1.MergeDisjunctions(others, pkt.Drops, now)
	s.recordMerge("t1", changed)
	return changed
}

func (s *viewSync) SnapshotT1(self addr.Addr, now dtime.Timestamp) wire.T1Packet {
	conjs := s.t1.Conjs()
	wireConjs := make([]wire.ConjWire, len(conjs))
	for i, c := range conjs {
		wireConjs[i] = wire.ConjWire{Quantifiers: c.Quantifiers}
	}
	return wire.T1Packet{
		Src:       self,
		Timestamp: now,
		Conjs:     wireConjs,
		Drops:     append([]view.Drop(nil), s.t1.Drops()...),
	}
}

func (s *viewSync) recordMerge(kind string, changed bool) {
	if s.metrics == nil {
		return
	}
	outcome := "unchanged"
	if changed {
		outcome = "changed"
	}
	s.metrics.MergeOutcomes.WithLabelValues(kind, outcome).Inc()
}

// evictListener wraps View's groupmon.EvictListener implementation so an
// eviction also increments the Prometheus counter, without making the
// view package itself depend on metrics.
type evictListener struct {
	v       *view.View
	metrics *metrics.Metrics
}

func (e *evictListener) GroupmonEvict(a addr.Addr) {
	e.v.GroupmonEvict(a)
	if e.metrics != nil {
		e.metrics.GroupEvictions.WithLabelValues(a.String()).Inc()
	}
}

// packetMsg is one inbound datagram handed from a radio.Handler (running
// on whatever goroutine the Broadcaster delivers on) into the engine's own
// event-loop goroutine.
type packetMsg struct {
	ch      radio.Channel
	src     addr.Addr
	payload []byte
}

// Engine is one node's complete DICe runtime: C1 (Group Monitor) through
// C6 (Attribute Source), composed and driven by this package's event loop
// (C7). Not safe for concurrent use from multiple goroutines — per
// SPEC_FULL.md §5 every mutation happens on the single goroutine that
// calls Run, or (for tests and cmd/dicesim's scenario replay, which never
// call Run) whichever single goroutine constructs and drives the Engine
// directly via its PushEntry/PruneView/Evaluate passthroughs.
type Engine struct {
	self  addr.Addr
	runID string

	clock *dtime.Clock
	group *groupmon.Monitor
	view  *view.View
	t1    *invariant.T1View
	hist  *history.Buffer
	eval  *invariant.Evaluator

	trickle *trickle.Disseminator
	attrs   *attrsrc.Source
	radio   radio.Broadcaster
	metrics *metrics.Metrics

	inbox         chan packetMsg
	attrRefreshCh chan struct{}
	unsubTrickle  func()
	unsubGroup    func()

	log *slog.Logger
}

// New constructs an Engine from cfg. It does not start any timers or radio
// subscriptions; call Run to drive the live event loop, or exercise the
// component passthrough methods directly (PushEntry, PruneView, ...) for
// synchronous tests and the scenario simulator.
func New(cfg Config) (*Engine, error) {
	tick := cfg.ClockTick
	if tick <= 0 {
		tick = time.Second
	}
	clock := dtime.NewClock(tick)

	group := groupmon.New(cfg.Self, cfg.NewNeighbourTicks, cfg.MissingTicks)
	group.Start()

	eval, err := invariant.New(cfg.Invariant, cfg.Mapping)
	if err != nil {
		return nil, err
	}

	hist := history.New(cfg.Self, cfg.Signature, cfg.HistorySize, clock.Now, eval)
	hist.SetMetrics(cfg.Metrics)

	fwd := &resetForwarder{}
	v := view.New(cfg.Self, cfg.Signature, group, hist, fwd, clock.Now)
	t1 := invariant.NewT1View(cfg.Self, cfg.Disjuncts, hist, fwd)

	sync := &viewSync{v: v, t1: t1, sig: cfg.Signature, now: clock.Now, metrics: cfg.Metrics}

	r := cfg.Radio
	if r == nil {
		r = radio.NewMemRadio()
	}

	tcfg := cfg.Trickle
	tdef := trickle.DefaultConfig(tick)
	if tcfg.Low <= 0 {
		tcfg.Low = tdef.Low
	}
	if tcfg.High <= 0 {
		tcfg.High = tdef.High
	}
	if tcfg.Redundancy <= 0 {
		tcfg.Redundancy = tdef.Redundancy
	}
	trick := trickle.New(cfg.Self, tcfg, r, group, sync, sync, v, clock.Now)
	trick.SetMetrics(cfg.Metrics)
	fwd.d = trick

	cr := &conjRefresher{t1: t1}
	attrs := attrsrc.New(cfg.Self, cfg.Attrs, v, cr, fwd, clock.Now)
	cr.src = attrs

	group.Subscribe(&evictListener{v: v, metrics: cfg.Metrics})

	eng := &Engine{
		self:          cfg.Self,
		runID:         uuid.New().String(),
		clock:         clock,
		group:         group,
		view:          v,
		t1:            t1,
		hist:          hist,
		eval:          eval,
		trickle:       trick,
		attrs:         attrs,
		radio:         r,
		metrics:       cfg.Metrics,
		inbox:         make(chan packetMsg, 64),
		attrRefreshCh: make(chan struct{}, 1),
		log:           slog.With("component", "engine", "node", cfg.Self.String()),
	}
	return eng, nil
}

// RunID returns the per-process identifier this engine tags its "engine
// started" log line and the /healthz response with, the way internal/fabric/redis_event_bus.go
// tags events in the teacher repo.
func (e *Engine) RunID() string { return e.runID }

// Self returns the node address this engine represents.
func (e *Engine) Self() addr.Addr { return e.self }

// View exposes the read-only local view, for introspection (httpapi) and
// tests.
func (e *Engine) View() *view.View { return e.view }

// T1View exposes the read-only T1 disjunctive view.
func (e *Engine) T1View() *invariant.T1View { return e.t1 }

// GroupMonitor exposes the read-only group monitor.
func (e *Engine) GroupMonitor() *groupmon.Monitor { return e.group }

// History exposes the read-only history buffer.
func (e *Engine) History() *history.Buffer { return e.hist }

// Trickle exposes the disseminator, for callers (cmd/dicesim's scenario
// replay, this package's own tests) that drive Reset/Fire/OnReceive
// directly instead of through the Run loop.
func (e *Engine) Trickle() *trickle.Disseminator { return e.trickle }

// Clock exposes the node's logical clock.
func (e *Engine) Clock() *dtime.Clock { return e.clock }

// Metrics exposes the node's Prometheus instrument set, or nil if the
// engine was constructed without one.
func (e *Engine) Metrics() *metrics.Metrics { return e.metrics }

func (e *Engine) onPacket(ch radio.Channel, src addr.Addr, payload []byte) {
	select {
	case e.inbox <- packetMsg{ch: ch, src: src, payload: payload}:
	default:
		e.log.Warn("inbox full, dropping inbound packet", "src", src.String(), "channel", ch)
	}
}

func (e *Engine) handlePacket(m packetMsg) {
	switch m.ch {
	case radio.ChannelTrickle:
		e.trickle.OnReceive(m.src, m.payload)
	case radio.ChannelGroup:
		vc, err := wire.DecodeVC(m.payload)
		if err != nil {
			e.log.Warn("malformed vector-clock packet", "src", m.src.String(), "error", err)
			return
		}
		e.group.Receive(m.src, vc)
		if e.metrics != nil {
			e.metrics.GroupMembers.Set(float64(len(e.group.Snapshot().Entries)))
		}
	default:
		e.log.Warn("packet on unknown channel", "channel", m.ch)
	}
}

// Run drives the event loop until ctx is cancelled: the clock tick (which
// advances the logical clock, runs the group-monitor eviction scan, and
// periodically broadcasts a vector-clock packet), the attribute-refresh
// timer, trickle fire events, and inbound radio packets. All engine state
// mutation happens on this one goroutine, realizing SPEC_FULL.md §5's
// "no locking required" property through Go's channel-based actor model.
func (e *Engine) Run(ctx context.Context) error {
	e.unsubTrickle = e.radio.Subscribe(radio.ChannelTrickle, func(src addr.Addr, payload []byte) {
		e.onPacket(radio.ChannelTrickle, src, payload)
	})
	e.unsubGroup = e.radio.Subscribe(radio.ChannelGroup, func(src addr.Addr, payload []byte) {
		e.onPacket(radio.ChannelGroup, src, payload)
	})
	defer e.unsubTrickle()
	defer e.unsubGroup()

	e.attrs.Start(func() {
		select {
		case e.attrRefreshCh <- struct{}{}:
		default:
		}
	})
	defer e.attrs.Stop()
	defer e.trickle.Stop()
	defer e.group.Stop()

	e.trickle.Reset()

	groupTicker := time.NewTicker(e.clock.Tick())
	defer groupTicker.Stop()

	e.log.Info("engine started", "run_id", e.runID)

	for {
		select {
		case <-ctx.Done():
			e.log.Info("engine stopping")
			return ctx.Err()

		case <-groupTicker.C:
			e.clock.Advance()
			if e.group.Tick() {
				vc := e.group.Snapshot()
				payload := wire.EncodeVC(vc)
				if err := e.radio.Send(ctx, radio.ChannelGroup, e.self, payload); err != nil {
					e.log.Warn("group broadcast failed", "error", err)
				}
			}

		case <-e.attrRefreshCh:
			e.attrs.Refresh()

		case gen := <-e.trickle.FireCh():
			e.trickle.Fire(ctx, gen)

		case m := <-e.inbox:
			e.handlePacket(m)
		}
	}
}

// PushEntry admits a locally-observed reading into the view store,
// implementing the engine-level PushEntry API from SPEC_FULL.md §6.
func (e *Engine) PushEntry(entry view.Entry) view.Outcome {
	return e.view.PushEntry(entry)
}

// PruneView drops future-dated entries and tombstones relative to ts.
func (e *Engine) PruneView(ts dtime.Timestamp) bool {
	return e.view.PruneView(ts)
}

// Evaluate runs the installed invariant against the current local view.
func (e *Engine) Evaluate() (bool, error) {
	ok, err := e.eval.Evaluate(e.view.Entries())
	if e.metrics != nil {
		result := "violated"
		switch {
		case err != nil:
			result = "undecided"
		case ok:
			result = "satisfied"
		}
		e.metrics.EvaluationResult.WithLabelValues(result).Inc()
	}
	return ok, err
}

// EvaluateDisjunctions runs the global T1 aggregation against the current
// T1 view.
func (e *Engine) EvaluateDisjunctions() bool {
	return invariant.EvaluateDisjunctions(e.t1.Conjs())
}
