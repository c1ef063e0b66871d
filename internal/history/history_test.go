package history

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/dice/internal/addr"
	"github.com/ocx/dice/internal/dtime"
	"github.com/ocx/dice/internal/view"
)

const (
	testSelf = addr.Addr(1)
	testSrc  = addr.Addr(2)
)

func testSig() view.Signature {
	return view.Signature{{Attr: 1, Objective: view.Maximize, Size: 2}}
}

type recordingEvaluator struct {
	calls [][]view.Entry
	ok    bool
	err   error
}

func (r *recordingEvaluator) Evaluate(entries []view.Entry) (bool, error) {
	cp := append([]view.Entry(nil), entries...)
	r.calls = append(r.calls, cp)
	return r.ok, r.err
}

func clockAt(ts dtime.Timestamp) func() dtime.Timestamp {
	return func() dtime.Timestamp { return ts }
}

func TestPushEntryAppendsUntilCapacity(t *testing.T) {
	ev := &recordingEvaluator{ok: true}
	b := New(testSelf, testSig(), 2, clockAt(100), ev)

	b.PushEntry(view.Entry{Value: 1, Attr: 1, TS: 10, Src: testSrc})
	b.PushEntry(view.Entry{Value: 2, Attr: 1, TS: 20, Src: testSrc})
	assert.Equal(t, 2, b.Len())
	assert.Len(t, ev.calls, 2)
}

func TestPushEntryRejectsTooOldTimestamp(t *testing.T) {
	ev := &recordingEvaluator{ok: true}
	b := New(testSelf, testSig(), 4, clockAt(100), ev)

	// ts far enough ahead of now to read as "too old" wrap noise, not a
	// legitimate near-future reading.
	b.PushEntry(view.Entry{Value: 1, Attr: 1, TS: 150, Src: testSrc})
	assert.Equal(t, 0, b.Len())
}

func TestPushEntryOverwritesOldestWhenFull(t *testing.T) {
	ev := &recordingEvaluator{ok: true}
	b := New(testSelf, testSig(), 2, clockAt(1000), ev)

	b.PushEntry(view.Entry{Value: 1, Attr: 1, TS: 10, Src: testSrc})
	b.PushEntry(view.Entry{Value: 2, Attr: 1, TS: 20, Src: testSrc})
	require.Equal(t, 2, b.Len())

	b.PushEntry(view.Entry{Value: 3, Attr: 1, TS: 30, Src: addr.Addr(3)})
	assert.Equal(t, 2, b.Len())

	found10 := false
	for _, r := range b.records {
		if r.kind == kindEntry && r.entry.TS == 10 {
			found10 = true
		}
	}
	assert.False(t, found10, "the oldest record should have been overwritten")
}

func TestBuildViewEvaluatesReconstructedEntries(t *testing.T) {
	ev := &recordingEvaluator{ok: true}
	b := New(testSelf, testSig(), 8, clockAt(100), ev)

	b.PushEntry(view.Entry{Value: 42, Attr: 1, TS: 10, Src: testSrc})
	require.Len(t, ev.calls, 1)
	assert.Equal(t, uint16(42), ev.calls[0][0].Value)
}

func TestBuildViewExcludesFutureEntries(t *testing.T) {
	ev := &recordingEvaluator{ok: true}
	b := New(testSelf, testSig(), 8, clockAt(100), ev)

	b.records = append(b.records, record{kind: kindEntry, entry: view.Entry{Value: 99, Attr: 1, TS: 50, Src: addr.Addr(8)}})
	ev.calls = nil
	b.buildView(30) // replay point precedes the entry's timestamp

	require.Len(t, ev.calls, 1)
	for _, e := range ev.calls[0] {
		assert.NotEqual(t, uint16(99), e.Value)
	}
}

func TestDropExistsShadowsEntryInBuildView(t *testing.T) {
	ev := &recordingEvaluator{ok: true}
	b := New(testSelf, testSig(), 8, clockAt(100), ev)

	b.records = append(b.records, record{kind: kindDrop, drop: view.Drop{TS: 20, Src: testSrc}})
	ev.calls = nil
	b.buildView(30)
	// entry.ts=10, to=30: after(from=10, drop.ts=20) && after(drop.ts=20, to=30)
	b.records = append(b.records, record{kind: kindEntry, entry: view.Entry{Value: 1, Attr: 1, TS: 10, Src: testSrc}})
	ev.calls = nil
	b.buildView(30)
	require.Len(t, ev.calls, 1)
	assert.True(t, ev.calls[0][0].Empty())
}

func TestFlushOverflowEvictsOnWrap(t *testing.T) {
	ev := &recordingEvaluator{ok: true}
	now := dtime.Timestamp(40000)
	b := New(testSelf, testSig(), 8, func() dtime.Timestamp { return now }, ev)

	b.PushEntry(view.Entry{Value: 1, Attr: 1, TS: 40000, Src: testSrc})
	require.Equal(t, 1, b.Len())

	// Simulate a wrap: now drops back down near zero.
	now = 10
	b.PushEntry(view.Entry{Value: 2, Attr: 1, TS: 10, Src: addr.Addr(3)})

	for _, r := range b.records {
		assert.NotEqual(t, dtime.Timestamp(40000), r.ts())
	}
}
