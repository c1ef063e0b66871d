package invariant

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/dice/internal/addr"
	"github.com/ocx/dice/internal/dtime"
	"github.com/ocx/dice/internal/view"
)

func oneTripleDisjunct(attrHash uint16, op Operator, constant int32) Disjunct {
	return Disjunct{Triples: []Triple{{Attr: Attribute{Hash: attrHash, Quantifier: 0}, Op: op, Const: constant}}}
}

func TestRefreshLocalDisjunctionsFlagsViolationAndTakesOwnership(t *testing.T) {
	self := addr.Addr(1)
	t1 := NewT1View(self, []Disjunct{oneTripleDisjunct(1, CompGreater, 100)}, nil, nil)

	attrs := fakeAttrs{1: 10} // 10 > 100 is false: violates
	changed := t1.RefreshLocalDisjunctions(attrs, 5)

	require.True(t, changed)
	slot := t1.Conjs()[0].Quantifiers[0]
	assert.True(t, slot.Flagged)
	assert.Equal(t, uint16(self), slot.Src)
	assert.Equal(t, dtime.Timestamp(5), slot.TS)
}

func TestRefreshLocalDisjunctionsClearingOwnViolationEmitsSelfDrop(t *testing.T) {
	self := addr.Addr(1)
	t1 := NewT1View(self, []Disjunct{oneTripleDisjunct(1, CompGreater, 100)}, nil, nil)

	t1.RefreshLocalDisjunctions(fakeAttrs{1: 10}, 5) // violates, self takes ownership
	changed := t1.RefreshLocalDisjunctions(fakeAttrs{1: 200}, 6) // now complies

	require.True(t, changed)
	assert.False(t, t1.Conjs()[0].Quantifiers[0].Flagged)
	require.Len(t, t1.Drops(), view.DefaultDrops)
	assert.Equal(t, self, t1.Drops()[0].Src)
	assert.Equal(t, dtime.Timestamp(6), t1.Drops()[0].TS)
}

func TestMergeDisjunctionsRejectsRemoteClaimOverSelfOwnedSlot(t *testing.T) {
	self := addr.Addr(1)
	t1 := NewT1View(self, []Disjunct{oneTripleDisjunct(1, CompGreater, 100)}, nil, nil)

	// Self locally evaluated and knows it complies: the slot is unflagged
	// but still owned by self (Src == self) with a recent timestamp.
	t1.conjs[0].Quantifiers[0] = QuantSlot{Flagged: false, Src: uint16(self), TS: 10}

	// A peer claims self is in fact violating this quantifier, with a
	// strictly newer timestamp that would otherwise win the merge.
	remoteClaim := []ConjView{{Quantifiers: [MaxQuantifiers]QuantSlot{
		{Flagged: true, Src: uint16(self), TS: 50},
	}}}

	changed := t1.MergeDisjunctions(remoteClaim, nil, 60)

	assert.False(t, changed)
	got := t1.Conjs()[0].Quantifiers[0]
	assert.False(t, got.Flagged, "a remote claim about self's own slot must never overwrite self's local verdict")
	assert.Equal(t, dtime.Timestamp(10), got.TS)
}

func TestMergeDisjunctionsAcceptsNewerRemoteClaimAboutAnotherSource(t *testing.T) {
	self := addr.Addr(1)
	other := addr.Addr(2)
	t1 := NewT1View(self, []Disjunct{oneTripleDisjunct(1, CompGreater, 100)}, nil, nil)

	t1.conjs[0].Quantifiers[0] = QuantSlot{Flagged: true, Src: uint16(other), TS: 10}

	remoteClaim := []ConjView{{Quantifiers: [MaxQuantifiers]QuantSlot{
		{Flagged: false, Src: uint16(other), TS: 50},
	}}}

	changed := t1.MergeDisjunctions(remoteClaim, nil, 60)

	require.True(t, changed)
	got := t1.Conjs()[0].Quantifiers[0]
	assert.False(t, got.Flagged)
	assert.Equal(t, dtime.Timestamp(50), got.TS)
}

func TestMergeDisjunctionsIgnoresFutureDatedSlots(t *testing.T) {
	self := addr.Addr(1)
	other := addr.Addr(2)
	t1 := NewT1View(self, []Disjunct{oneTripleDisjunct(1, CompGreater, 100)}, nil, nil)

	remoteClaim := []ConjView{{Quantifiers: [MaxQuantifiers]QuantSlot{
		{Flagged: true, Src: uint16(other), TS: 100},
	}}}

	changed := t1.MergeDisjunctions(remoteClaim, nil, 10)

	assert.False(t, changed)
	assert.Equal(t, dtime.Zero, t1.Conjs()[0].Quantifiers[0].TS)
}

func TestMergeDisjunctionsSkipsSelfSourcedAndFutureDrops(t *testing.T) {
	self := addr.Addr(1)
	other := addr.Addr(2)
	t1 := NewT1View(self, []Disjunct{oneTripleDisjunct(1, CompGreater, 100)}, nil, nil)

	drops := []view.Drop{
		{TS: 5, Src: self},  // must be ignored: self is authoritative over its own tombstones
		{TS: 50, Src: other}, // future relative to now=10: ignored
		{TS: 5, Src: other},  // admitted
	}

	changed := t1.MergeDisjunctions(nil, drops, 10)

	require.True(t, changed)
	require.Len(t, t1.Drops(), view.DefaultDrops)
	assert.Equal(t, other, t1.Drops()[0].Src)
	assert.Equal(t, dtime.Timestamp(5), t1.Drops()[0].TS)
}
