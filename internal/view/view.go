// Package view implements the View Store (C3): the per-node local view, a
// bounded, sliced selection of the best recent readings across the group
// plus a set of drop tombstones.
//
// Grounded line-for-line on view_manager.c (original_source/apps/dice); see
// DESIGN.md for the places where the distilled spec's own testable
// properties (in particular S4, "evict removes the peer's entry from every
// slice") require scanning every slice rather than stopping at the first
// empty slot the way the original's prune_obsolete does.
package view

import (
	"log/slog"
	"strings"

	"github.com/ocx/dice/internal/addr"
	"github.com/ocx/dice/internal/dtime"
	"github.com/ocx/dice/internal/groupmon"
)

// Objective is the ranking rule a slice applies to its entries' values.
type Objective int

const (
	Maximize Objective = iota
	Minimize
)

func (o Objective) String() string {
	if o == Minimize {
		return "MIN"
	}
	return "MAX"
}

// SliceSpec describes one contiguous region of the view dedicated to one
// (attribute, objective) pair, per the signature loaded from configuration.
type SliceSpec struct {
	Attr      uint16
	Objective Objective
	Size      int
}

// Signature is the ordered list of slices that make up a view.
type Signature []SliceSpec

// TotalSize returns the sum of every slice's size — LV_ENTRIES for this
// signature.
func (s Signature) TotalSize() int {
	n := 0
	for _, e := range s {
		n += e.Size
	}
	return n
}

// Entry is one view-entry slot: a reading plus its provenance.
type Entry struct {
	Value uint16
	Attr  uint16
	TS    dtime.Timestamp
	Src   addr.Addr
}

// Empty reports whether this slot holds no reading.
func (e Entry) Empty() bool { return e.TS == dtime.Zero }

func (e Entry) String() string {
	if e.Empty() {
		return "-"
	}
	return e.Src.String() + "=" + itoa(int(e.Value)) + "@" + itoa(int(e.TS))
}

// Drop is a tombstone: readings from Src at or before TS are obsolete.
type Drop struct {
	TS  dtime.Timestamp
	Src addr.Addr
}

// Empty reports whether this drop slot is unused.
func (d Drop) Empty() bool { return d.TS == dtime.Zero }

func (d Drop) String() string {
	if d.Empty() {
		return "-"
	}
	return "D@" + d.Src.String() + "(" + itoa(int(d.TS)) + ")"
}

// Outcome is the tri-state every admission operation returns: there are no
// exceptions on the protocol path, only changed/unchanged/failed.
type Outcome int

const (
	Unchanged Outcome = iota
	Changed
	Failed
)

// DefaultDrops is LV_DROPS from the original — the number of tombstone
// slots a view carries regardless of signature.
const DefaultDrops = 5

// HistorySink receives every reading and drop the view admits, so the
// history buffer (C2) can be populated without this package depending on
// it.
type HistorySink interface {
	PushEntry(Entry)
	PushDrop(Drop)
}

// ResetNotifier is the trickle disseminator's reset hook, invoked whenever
// an eviction actually prunes state out of the view.
type ResetNotifier interface {
	Reset()
}

// View is one node's local view: entries.Size() ranked reading slots
// partitioned by Signature, plus a fixed number of drop tombstones. Not
// safe for concurrent use — like every DICe component it lives entirely
// inside the engine's single event-loop goroutine.
type View struct {
	sig     Signature
	entries []Entry
	drops   []Drop

	self  addr.Addr
	alive groupmon.Liveness
	hist  HistorySink
	tr    ResetNotifier
	now   func() dtime.Timestamp
	log   *slog.Logger
}

// New constructs an empty View for self using sig. alive resolves source
// liveness (pass groupmon.AlwaysAlive{} to disable the liveness gate for
// isolated testing); hist and tr may be nil. now supplies the logical time
// used to stamp drops synthesised from groupmon eviction notifications —
// engines wire this to their *dtime.Clock's Now method.
func New(self addr.Addr, sig Signature, alive groupmon.Liveness, hist HistorySink, tr ResetNotifier, now func() dtime.Timestamp) *View {
	if now == nil {
		now = func() dtime.Timestamp { return dtime.Zero }
	}
	return &View{
		sig:     sig,
		entries: make([]Entry, sig.TotalSize()),
		drops:   make([]Drop, DefaultDrops),
		self:    self,
		alive:   alive,
		hist:    hist,
		tr:      tr,
		now:     now,
		log:     slog.With("component", "view", "node", self.String()),
	}
}

// Entries returns the view's flat entry slots, in slice order. Callers must
// not mutate the returned slice.
func (v *View) Entries() []Entry { return v.entries }

// Drops returns the view's tombstone slots. Callers must not mutate the
// returned slice.
func (v *View) Drops() []Drop { return v.drops }

// Signature returns the slice layout this view was constructed with.
func (v *View) Signature() Signature { return v.sig }

func (v *View) String() string {
	var b strings.Builder
	b.WriteByte('<')
	for i, e := range v.entries {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(e.String())
	}
	b.WriteString(">[")
	for i, d := range v.drops {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(d.String())
	}
	b.WriteByte(']')
	return b.String()
}

func sliceBounds(sig Signature, idx int) (start, end int) {
	start = 0
	for _, s := range sig {
		end = start + s.Size
		if start <= idx && idx < end {
			return start, end
		}
		start = end
	}
	return -1, -1
}

func shiftLeft(entries []Entry, idx, end int) {
	copy(entries[idx:end-1], entries[idx+1:end])
	entries[end-1] = Entry{}
}

func shiftRight(entries []Entry, idx, end int) {
	copy(entries[idx+1:end], entries[idx:end-1])
}

func skipPush(e Entry, occupant Entry, obj Objective) bool {
	if occupant.Empty() {
		return false
	}
	switch obj {
	case Maximize:
		return e.Value < occupant.Value
	case Minimize:
		return e.Value > occupant.Value
	}
	return true
}

// pushExisting handles the case where a slice already carries an entry from
// e.Src. onSupersede, if non-nil, is offered a tombstone whenever the
// temporal and value orderings of old vs. new disagree — the "a prior
// better value from this source has been superseded by a worse one" case —
// and reports whether it actually admitted the drop, which is what decides
// whether this counts as a change (the original instead always reports
// "changed" here, even when neither the slice nor the drops array ends up
// different; see DESIGN.md).
func pushExisting(entries []Entry, idx, start, size int, obj Objective, e Entry, onSupersede func(Drop) bool) bool {
	existing := entries[idx]
	if existing.Value == e.Value {
		return false
	}
	condTS := dtime.AfterSynch(existing.TS, e.TS)
	condVal := existing.Value < e.Value
	oldTS := existing.TS

	changed := false
	if condTS {
		shiftLeft(entries, idx, start+size)
		pushToSlice(entries, start, size, obj, e, onSupersede)
		changed = true
	}

	if onSupersede != nil && condTS != condVal {
		dropTS := oldTS
		if !condTS {
			dropTS = e.TS
		}
		if onSupersede(Drop{TS: dropTS, Src: e.Src}) {
			changed = true
		}
	}
	return changed
}

func pushToSlice(entries []Entry, start, size int, obj Objective, e Entry, onSupersede func(Drop) bool) bool {
	end := start + size
	for i := start; i < end; i++ {
		if !entries[i].Empty() && entries[i].Src == e.Src {
			return pushExisting(entries, i, start, size, obj, e, onSupersede)
		}
	}
	for i := start; i < end; i++ {
		if skipPush(e, entries[i], obj) {
			continue
		}
		shiftRight(entries, i, end)
		entries[i] = e
		return true
	}
	return false
}

// PushToAllSlices pushes e into every slice of sig whose attribute matches,
// mutating entries in place, and reports whether any slice actually
// changed. onSupersede, when non-nil, is called whenever a same-source
// replacement needs to shadow a now-stale optimistic value with a
// tombstone; it must report whether it actually admitted the drop. Exported
// so the history buffer can reconstruct a temporary view using the same
// placement algorithm (passing a nil onSupersede, since temporary views
// don't emit tombstones).
func PushToAllSlices(sig Signature, entries []Entry, e Entry, onSupersede func(Drop) bool) bool {
	pushed := false
	start := 0
	for _, s := range sig {
		if e.Attr == s.Attr && pushToSlice(entries, start, s.Size, s.Objective, e, onSupersede) {
			pushed = true
		}
		start += s.Size
	}
	return pushed
}

// isObsolete reports whether e is shadowed by a same-source drop: a drop
// {ts, src} declares every reading from src at or before ts obsolete, so e
// is shadowed iff some drop's ts is at-or-after e.TS.
func (v *View) isObsolete(e Entry) bool {
	for _, d := range v.drops {
		if d.Empty() {
			continue
		}
		if d.Src == e.Src && dtime.AfterEq(e.TS, d.TS) {
			return true
		}
	}
	return false
}

func (v *View) pushDrop(d Drop) bool {
	for i := range v.drops {
		if v.drops[i].Src != d.Src || v.drops[i].Empty() {
			continue
		}
		if !dtime.AfterSynch(v.drops[i].TS, d.TS) {
			return false
		}
		v.drops[i].TS = d.TS
		return true
	}

	toInsert, oldestIdx := -1, -1
	var oldestTS dtime.Timestamp
	for i := range v.drops {
		if v.drops[i].Empty() {
			toInsert = i
			break
		}
		if oldestIdx == -1 || dtime.After(v.drops[i].TS, oldestTS) {
			oldestIdx = i
			oldestTS = v.drops[i].TS
		}
	}
	if toInsert == -1 {
		toInsert = oldestIdx
	}
	if toInsert == -1 {
		v.log.Warn("drop table full, dropping new tombstone", "src", d.Src.String())
		return false
	}
	v.drops[toInsert] = d
	return true
}

// PushDrop admits d into the tombstone table, reporting whether it was
// actually inserted or upgraded an existing tombstone's timestamp.
func (v *View) PushDrop(d Drop) Outcome {
	if v.pushDrop(d) {
		if v.hist != nil {
			v.hist.PushDrop(d)
		}
		return Changed
	}
	return Unchanged
}

// PushEntry admits e into every matching slice, subject to liveness and
// shadowing preconditions. e.TS == 0 is a malformed call (an entry with
// timestamp zero denotes an empty slot, never a real reading) and reports
// Failed; a source that is not currently alive, or shadowed by a drop, is
// not an error — it's simply not admissible, so it reports Unchanged.
func (v *View) PushEntry(e Entry) Outcome {
	if e.TS == dtime.Zero {
		return Failed
	}
	if v.isObsolete(e) {
		return Unchanged
	}
	if v.alive != nil && !v.alive.IsAlive(e.Src) {
		return Unchanged
	}
	if !PushToAllSlices(v.sig, v.entries, e, v.pushDrop) {
		return Unchanged
	}
	if v.hist != nil {
		v.hist.PushEntry(e)
	}
	return Changed
}

// PruneObsolete removes every entry shadowed by d — i.e. every entry whose
// source matches d.Src and whose timestamp is not strictly after d.TS —
// from whichever slice(s) it occupies, and reports whether anything was
// removed. The original's prune_obsolete scans left to right and returns as
// soon as it hits any empty slot or the first match, which only removes one
// entry from one slice; the distilled spec's own S4 scenario ("any B entry
// removed from both slices") requires scanning every slice, so this walks
// the whole array instead.
func (v *View) PruneObsolete(d Drop) bool {
	changed := false
	i := 0
	for i < len(v.entries) {
		e := v.entries[i]
		if e.Empty() || e.Src != d.Src || dtime.After(d.TS, e.TS) {
			i++
			continue
		}
		_, end := sliceBounds(v.sig, i)
		shiftLeft(v.entries, i, end)
		changed = true
	}
	return changed
}

var _ groupmon.EvictListener = (*View)(nil)
var _ groupmon.Liveness = groupmon.AlwaysAlive{}

// compareEntries reports whether a and b are equal slot-by-slot: both
// empty, or both non-empty with equal value and equal source. spec §4.3
// defines merge_view's need_update preamble exactly this way; the
// original's compare_entries instead tolerates a source mismatch unless
// some other slot is also empty, a looser aggregate rule this
// implementation doesn't replicate.
func compareEntries(a, b []Entry) bool {
	for i := range a {
		switch {
		case a[i].Empty() && b[i].Empty():
			continue
		case !a[i].Empty() && !b[i].Empty() && a[i].Value == b[i].Value && a[i].Src == b[i].Src:
			continue
		default:
			return false
		}
	}
	return true
}

// pushLocalValues re-pushes every entry this node currently owns in its own
// view, keeping self-representation current after a merge — mirroring
// push_local_values's call at the end of merge_view.
func (v *View) pushLocalValues() {
	for _, e := range v.entries {
		if e.Empty() || e.Src != v.self {
			continue
		}
		v.PushEntry(e)
	}
}

// MergeView merges other into v: applies other's non-self, non-future
// drops first (pruning any entry they shadow), then, if the comparable
// entry sets differ, re-pushes other's non-self, non-future entries
// followed by this node's own current readings. Returns whether the two
// entry sets differed before the merge; drops applied on their own do not
// make it true.
func (v *View) MergeView(other *View, now dtime.Timestamp) bool {
	needUpdate := !compareEntries(v.entries, other.entries)

	for _, d := range other.drops {
		if d.Empty() || d.Src == v.self || dtime.After(now, d.TS) {
			continue
		}
		if v.pushDrop(d) {
			if v.hist != nil {
				v.hist.PushDrop(d)
			}
		}
		v.PruneObsolete(d)
	}

	if needUpdate {
		for _, e := range other.entries {
			if e.Empty() || e.Src == v.self || dtime.After(now, e.TS) {
				continue
			}
			v.PushEntry(e)
		}
		v.pushLocalValues()
	}

	return needUpdate
}

// GroupmonEvict implements groupmon.EvictListener: synthesise a drop for
// the departed peer stamped with the view's current logical time, push it
// to history, prune any shadowed entry, and reset trickle dissemination if
// the view actually changed.
func (v *View) GroupmonEvict(evicted addr.Addr) {
	d := Drop{TS: v.now(), Src: evicted}
	if v.hist != nil {
		v.hist.PushDrop(d)
	}
	if v.PruneObsolete(d) && v.tr != nil {
		v.tr.Reset()
	}
}

// PruneView drops every entry and tombstone whose timestamp is anomalously
// in the future relative to ts (clock-wrap recovery), returning whether
// anything changed. The comparison is a plain numeric one, so readings
// stamped just before a wrap count as future relative to a small ts.
func (v *View) PruneView(ts dtime.Timestamp) bool {
	changed := false
	i := 0
	for i < len(v.entries) {
		if v.entries[i].Empty() || v.entries[i].TS <= ts {
			i++
			continue
		}
		_, end := sliceBounds(v.sig, i)
		shiftLeft(v.entries, i, end)
		changed = true
	}
	for i := range v.drops {
		if !v.drops[i].Empty() && v.drops[i].TS > ts {
			v.drops[i] = Drop{}
			changed = true
		}
	}
	return changed
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [8]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
