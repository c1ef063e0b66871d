package invariant

import (
	"log/slog"

	"github.com/ocx/dice/internal/addr"
	"github.com/ocx/dice/internal/dtime"
	"github.com/ocx/dice/internal/view"
)

// T1View is the node-local disjunctive view: one ConjView per configured
// Disjunct, plus a drop table mirroring the plain view's tombstones. Kept
// in this package rather than package view because it is built entirely
// out of invariant.ConjView/Disjunct, and view must not import invariant
// (invariant already imports view for Entry) — see DESIGN.md.
//
// Grounded on view_manager.c's local_view_t1 handling (original_source),
// which the original keeps in the same file as the plain view; splitting
// it into this package is a structural necessity, not a semantic change.
type T1View struct {
	self      addr.Addr
	disjuncts []Disjunct
	conjs     []ConjView
	drops     []view.Drop

	hist view.HistorySink
	tr   view.ResetNotifier
	log  *slog.Logger
}

// NewT1View constructs an empty T1View for self over disjuncts.
func NewT1View(self addr.Addr, disjuncts []Disjunct, hist view.HistorySink, tr view.ResetNotifier) *T1View {
	return &T1View{
		self:      self,
		disjuncts: disjuncts,
		conjs:     make([]ConjView, len(disjuncts)),
		drops:     make([]view.Drop, view.DefaultDrops),
		hist:      hist,
		tr:        tr,
		log:       slog.With("component", "t1view", "node", self.String()),
	}
}

// Conjs returns the current per-disjunct quantifier state. Callers must
// not mutate the returned slice.
func (t *T1View) Conjs() []ConjView { return t.conjs }

// Drops returns the T1 view's tombstone slots. Callers must not mutate.
func (t *T1View) Drops() []view.Drop { return t.drops }

func (t *T1View) pushDrop(d view.Drop) bool {
	for i := range t.drops {
		if t.drops[i].Src != d.Src || t.drops[i].Empty() {
			continue
		}
		if !dtime.AfterSynch(t.drops[i].TS, d.TS) {
			return false
		}
		t.drops[i].TS = d.TS
		return true
	}
	toInsert, oldestIdx := -1, -1
	var oldestTS dtime.Timestamp
	for i := range t.drops {
		if t.drops[i].Empty() {
			toInsert = i
			break
		}
		if oldestIdx == -1 || dtime.After(t.drops[i].TS, oldestTS) {
			oldestIdx = i
			oldestTS = t.drops[i].TS
		}
	}
	if toInsert == -1 {
		toInsert = oldestIdx
	}
	if toInsert == -1 {
		t.log.Warn("T1 drop table full, dropping new tombstone", "src", d.Src.String())
		return false
	}
	t.drops[toInsert] = d
	return true
}

// RefreshLocalDisjunctions re-evaluates every disjunct against attrs,
// updating each ConjView's self-owned quantifier slots on any transition;
// a quantifier that transitions from violated back to compliant emits a
// self-sourced drop (the view-store analogue of "this node is no longer
// the reason this disjunct fails"). Returns whether anything changed; when
// it did, this method itself calls Reset on the installed ResetNotifier.
// The engine calls it from attrsrc.Refresh via its conjRefresher adapter.
func (t *T1View) RefreshLocalDisjunctions(attrs AttributeGetter, now dtime.Timestamp) bool {
	changed := false
	selfHash := uint16(t.self)

	for i := range t.conjs {
		before := t.conjs[i]
		EvaluateLocalConjunct(t.disjuncts[i], &t.conjs[i], attrs, selfHash, now)

		for q := range before.Quantifiers {
			prev := before.Quantifiers[q]
			cur := t.conjs[i].Quantifiers[q]
			if prev == cur {
				continue
			}
			changed = true
			if prev.Flagged && !cur.Flagged {
				d := view.Drop{TS: now, Src: t.self}
				if t.pushDrop(d) && t.hist != nil {
					t.hist.PushDrop(d)
				}
			}
		}
	}

	if changed && t.tr != nil {
		t.tr.Reset()
	}
	return changed
}

// mergeSlot decides whether a remote quantifier slot should overwrite the
// local one: an empty remote slot never does, an empty local slot always
// takes the remote one, and otherwise the remote slot wins only if it is
// meaningfully newer (AfterSynch). The slots' sources are not compared
// (mirrors merge_view's entry-replacement preference for "more current"
// information).
func mergeSlot(local, remote QuantSlot) (QuantSlot, bool) {
	if remote.TS == dtime.Zero {
		return local, false
	}
	if local.TS == dtime.Zero {
		return remote, true
	}
	if dtime.AfterSynch(local.TS, remote.TS) {
		return remote, true
	}
	return local, false
}

// MergeDisjunctions merges other's per-disjunct quantifier state into t,
// the T1 analogue of View.MergeView: apply other's non-self, non-future
// drops first, then merge every quantifier slot that's genuinely newer.
// Returns whether anything changed.
func (t *T1View) MergeDisjunctions(other []ConjView, drops []view.Drop, now dtime.Timestamp) bool {
	changed := false

	for _, d := range drops {
		if d.Empty() || d.Src == t.self || dtime.After(now, d.TS) {
			continue
		}
		if t.pushDrop(d) {
			changed = true
			if t.hist != nil {
				t.hist.PushDrop(d)
			}
		}
	}

	selfHash := uint16(t.self)
	n := len(t.conjs)
	if len(other) < n {
		n = len(other)
	}
	for i := 0; i < n; i++ {
		for q := range t.conjs[i].Quantifiers {
			remote := other[i].Quantifiers[q]
			if remote.Src == selfHash {
				// A peer claiming self is the quantifier's current
				// owner/violator is never accepted over the wire: self is
				// authoritative over slots it owns, the same way
				// View.MergeView never lets a remote entry overwrite one
				// whose Src is the local node.
				continue
			}
			if remote.TS != dtime.Zero && dtime.After(now, remote.TS) {
				continue
			}
			merged, took := mergeSlot(t.conjs[i].Quantifiers[q], remote)
			if took {
				t.conjs[i].Quantifiers[q] = merged
				changed = true
			}
		}
	}

	return changed
}
