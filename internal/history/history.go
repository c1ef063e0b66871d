// Package history implements the history buffer (C2): a bounded ring of
// past readings and drops, used to reconstruct a temporary view at any
// previously admitted timestamp and evaluate it against the installed
// invariant.
//
// Grounded line-for-line on history.c (original_source/apps/dice); the
// ring-buffer naming convention (capacity, oldest-wins overwrite, garbage
// collection on wrap) is the transferable idiom borrowed from
// internal/ringbuf/reader.go in the teacher repo — that file's eBPF
// mechanics are not reused, only its "bounded buffer with GC and an
// overwrite-the-oldest fallback" shape.
package history

import (
	"log/slog"

	"github.com/ocx/dice/internal/addr"
	"github.com/ocx/dice/internal/dtime"
	"github.com/ocx/dice/internal/metrics"
	"github.com/ocx/dice/internal/view"
)

// DefaultSize is HISTORY_SIZE from the original.
const DefaultSize = 32

type kind uint8

const (
	kindEntry kind = iota
	kindDrop
)

type record struct {
	kind  kind
	entry view.Entry
	drop  view.Drop
}

func (r record) ts() dtime.Timestamp {
	if r.kind == kindEntry {
		return r.entry.TS
	}
	return r.drop.TS
}

// Evaluator is the narrow view C4 exposes to the history buffer: evaluate
// a reconstructed set of view entries against the node's installed
// invariant. Kept as an interface so this package never imports
// internal/invariant directly.
type Evaluator interface {
	Evaluate(entries []view.Entry) (bool, error)
}

// Buffer is the per-engine C2 instance. Not safe for concurrent use.
type Buffer struct {
	sig      view.Signature
	capacity int
	records  []record
	lastNow  dtime.Timestamp
	primed   bool

	now  func() dtime.Timestamp
	eval Evaluator
	log  *slog.Logger

	metrics *metrics.Metrics
}

// New constructs an empty Buffer of the given capacity, reconstructing
// views against sig and evaluating them with eval. now supplies the
// engine's current logical time.
func New(self addr.Addr, sig view.Signature, capacity int, now func() dtime.Timestamp, eval Evaluator) *Buffer {
	if capacity <= 0 {
		capacity = DefaultSize
	}
	return &Buffer{
		sig:      sig,
		capacity: capacity,
		now:      now,
		eval:     eval,
		log:      slog.With("component", "history", "node", self.String()),
	}
}

// Len returns the number of records currently held.
func (b *Buffer) Len() int { return len(b.records) }

// SetMetrics installs the Prometheus instrument set this buffer reports
// against. Nil-safe and optional: left unset, every push/flush runs exactly
// as before, just unobserved.
func (b *Buffer) SetMetrics(m *metrics.Metrics) { b.metrics = m }

func (b *Buffer) recordDepth() {
	if b.metrics != nil {
		b.metrics.HistoryDepth.Set(float64(len(b.records)))
	}
}

func (b *Buffer) dropEntry(idx int) {
	b.records = append(b.records[:idx], b.records[idx+1:]...)
}

// flushOverflow detects a clock wrap (now numerically smaller than the
// last admission's now) and, only then, walks the buffer evicting every
// record whose timestamp falls outside the overflow window of the new
// now. The literal now>=lastNow gate (a plain, non-wraparound-aware
// comparison) is intentional: it's how the original tells "a wrap just
// happened" apart from ordinary forward progress.
func (b *Buffer) flushOverflow() {
	now := b.now()
	if !b.primed || now >= b.lastNow {
		b.lastNow = now
		b.primed = true
		return
	}
	b.lastNow = now

	i := 0
	for i < len(b.records) {
		tts := b.records[i].ts()
		keep := (now >= tts && now-tts < dtime.Ovfl) ||
			(tts > now && tts-now > dtime.Max-dtime.Ovfl)
		if keep {
			i++
			continue
		}
		b.dropEntry(i)
	}
	b.recordDepth()
}

func (b *Buffer) findPosition(ts dtime.Timestamp) int {
	now := b.now()
	b.flushOverflow()

	if ts > now && ts-now < dtime.Max-dtime.Ovfl {
		b.log.Debug("rejecting too-old timestamp", "ts", ts, "now", now)
		return -1
	}

	if len(b.records) < b.capacity {
		b.records = append(b.records, record{})
		return len(b.records) - 1
	}

	oldest, oldestTS := -1, dtime.Timestamp(0)
	for i := range b.records {
		tts := b.records[i].ts()
		if dtime.AfterEq(tts, ts) && (oldest == -1 || dtime.After(tts, oldestTS)) {
			oldest = i
			oldestTS = tts
		}
	}
	return oldest
}

// dropExists mirrors the original's literal (from, to) ordering: it reports
// true iff some drop from src has a timestamp strictly between from and to
// in the "after" sense — `after(from, drop.ts) && after(drop.ts, to)`,
// where after(a, b) means b is newer than a, so from < drop.ts < to. Both
// bounds are exclusive: a drop stamped exactly at to does not count, which
// differs from a "(from, to]" range check; see DESIGN.md Open Question #2.
func (b *Buffer) dropExists(src addr.Addr, from, to dtime.Timestamp) bool {
	for _, r := range b.records {
		if r.kind != kindDrop || r.drop.Src != src {
			continue
		}
		if dtime.After(from, r.drop.TS) && dtime.After(r.drop.TS, to) {
			return true
		}
	}
	return false
}

// buildView reconstructs a temporary view containing every admitted entry
// with timestamp <= ts whose source is not shadowed by an intervening
// drop, then hands it to the evaluator.
func (b *Buffer) buildView(ts dtime.Timestamp) {
	entries := make([]view.Entry, b.sig.TotalSize())

	for _, r := range b.records {
		if r.kind != kindEntry || dtime.After(ts, r.entry.TS) {
			continue
		}
		if b.dropExists(r.entry.Src, r.entry.TS, ts) {
			continue
		}
		view.PushToAllSlices(b.sig, entries, r.entry, nil)
	}

	ok, err := b.eval.Evaluate(entries)
	if err != nil {
		b.log.Warn("history replay: evaluation failed", "ts", ts, "error", err)
		return
	}
	if ok {
		b.log.Debug("history replay: invariant complied with", "ts", ts)
	} else {
		b.log.Debug("history replay: invariant violated", "ts", ts)
	}
}

// PushEntry admits a reading into the ring, implementing view.HistorySink.
func (b *Buffer) PushEntry(e view.Entry) {
	idx := b.findPosition(e.TS)
	if idx == -1 {
		return
	}
	b.records[idx] = record{kind: kindEntry, entry: e}
	b.recordDepth()
	if b.eval != nil {
		b.buildView(e.TS)
	}
}

// PushDrop admits a tombstone into the ring, implementing view.HistorySink.
func (b *Buffer) PushDrop(d view.Drop) {
	idx := b.findPosition(d.TS)
	if idx == -1 {
		return
	}
	b.records[idx] = record{kind: kindDrop, drop: d}
	b.recordDepth()
	if b.eval != nil {
		b.buildView(d.TS)
	}
}

var _ view.HistorySink = (*Buffer)(nil)
