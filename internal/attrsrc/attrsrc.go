// Package attrsrc implements the Attribute Source (C6): periodic generation
// of readings for the attribute hashes a node locally owns, and the lookup
// table the T1 local evaluator consults to resolve an ATTRIBUTE operand
// against this node's own sensor data.
//
// Grounded on attributes.c/attributes.h (original_source/apps/dice).
package attrsrc

import (
	"log/slog"
	"math/rand"
	"time"

	"github.com/ocx/dice/internal/addr"
	"github.com/ocx/dice/internal/dtime"
	"github.com/ocx/dice/internal/view"
)

// DefaultRefresh matches ATTRIBUTE_REFRESH.
const DefaultRefresh = 120 * time.Second

// Generator produces the next reading for one owned attribute hash. The
// default (nil) generator yields a uniform random value in [0,100), mirroring
// attributes_refresh's `random_rand() % 100`.
type Generator func() int32

// EntryPusher is C3's push_entry, the only thing C6 needs from the view
// store.
type EntryPusher interface {
	PushEntry(e view.Entry) view.Outcome
}

// ConjunctRefresher re-evaluates the node's locally-owned T1 conjuncts
// against the freshly generated attribute values, reporting whether any
// quantifier slot changed — the Go equivalent of
// local_disjunctions_refresh().
type ConjunctRefresher interface {
	RefreshLocal(now dtime.Timestamp) bool
}

// Resetter is C5's Reset, invoked whenever a refresh round changes either
// the view or the local T1 conjuncts.
type Resetter interface {
	Reset()
}

// Config describes which attribute hashes this node owns and how to
// generate each one's reading. PrimaryAttr is the hash pushed into the view
// store as a plain entry every refresh (attributes.c publishes exactly one
// such reading per tick, attribute 1); Owned additionally lists every hash
// GetAttribute must be able to answer for local T1 evaluation, which may be
// a larger set than just PrimaryAttr.
type Config struct {
	Refresh     time.Duration
	PrimaryAttr uint16
	Owned       []uint16
	Generators  map[uint16]Generator
}

// Source is the per-engine C6 instance.
type Source struct {
	self        addr.Addr
	refresh     time.Duration
	primaryAttr uint16
	owned       []uint16
	gens        map[uint16]Generator
	values      map[uint16]uint16

	push  EntryPusher
	conjs ConjunctRefresher
	trk   Resetter
	now   func() dtime.Timestamp
	rng   *rand.Rand
	log   *slog.Logger

	timer *time.Timer
}

// New constructs a Source. now supplies the node's logical clock.
func New(self addr.Addr, cfg Config, push EntryPusher, conjs ConjunctRefresher, trk Resetter, now func() dtime.Timestamp) *Source {
	refresh := cfg.Refresh
	if refresh <= 0 {
		refresh = DefaultRefresh
	}
	gens := cfg.Generators
	if gens == nil {
		gens = map[uint16]Generator{}
	}
	return &Source{
		self:        self,
		refresh:     refresh,
		primaryAttr: cfg.PrimaryAttr,
		owned:       cfg.Owned,
		gens:        gens,
		values:      map[uint16]uint16{},
		push:        push,
		conjs:       conjs,
		trk:         trk,
		now:         now,
		rng:         rand.New(rand.NewSource(int64(self))),
		log:         slog.With("component", "attrsrc", "node", self.String()),
	}
}

func (s *Source) generate(hash uint16) uint16 {
	if gen, ok := s.gens[hash]; ok {
		return uint16(gen())
	}
	return uint16(s.rng.Intn(100))
}

// Start arms the recurring refresh timer; fn is called on every tick from
// whichever goroutine the engine wants ticks delivered to (an
// engine typically wraps this in a channel send rather than calling Refresh
// directly from the timer goroutine, matching the single-threaded
// event-loop model in SPEC_FULL.md §5).
func (s *Source) Start(fn func()) {
	s.timer = time.AfterFunc(s.refresh, func() {
		fn()
		s.timer.Reset(s.refresh)
	})
}

// Stop releases the refresh timer.
func (s *Source) Stop() {
	if s.timer != nil {
		s.timer.Stop()
	}
}

// Refresh generates one reading per owned attribute hash, publishes the
// primary attribute into the view store, re-evaluates local T1 conjuncts
// against the new readings, and triggers a trickle reset if either step
// reports a change — attributes_refresh() ported directly, including its
// "always regenerate every owned value on every tick" behavior (the
// original only ever has one owned attribute outside the get_attribute
// stub's hash>9 special case, but nothing prevents more).
func (s *Source) Refresh() {
	now := s.now()
	for _, h := range s.owned {
		s.values[h] = s.generate(h)
	}

	var updated bool
	if s.conjs != nil && s.conjs.RefreshLocal(now) {
		updated = true
	}

	if s.primaryAttr != 0 {
		val, ok := s.values[s.primaryAttr]
		if !ok {
			val = s.generate(s.primaryAttr)
			s.values[s.primaryAttr] = val
		}
		entry := view.Entry{Value: val, Attr: s.primaryAttr, TS: now, Src: s.self}
		if s.push.PushEntry(entry) == view.Changed {
			updated = true
		}
	}

	if updated && s.trk != nil {
		s.trk.Reset()
	}
}

// GetAttribute resolves hash against this node's most recently generated
// readings, implementing invariant.AttributeGetter. A hash this node
// doesn't own reports ok=false, letting T1 local evaluation skip the
// triple rather than fabricate a value the way the original's
// get_attribute stub does for any hash>9.
func (s *Source) GetAttribute(hash uint16) (uint16, bool) {
	v, ok := s.values[hash]
	return v, ok
}

// Owns reports whether hash is one of this node's locally-generated
// attributes.
func (s *Source) Owns(hash uint16) bool {
	for _, h := range s.owned {
		if h == hash {
			return true
		}
	}
	return false
}
