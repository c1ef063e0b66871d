package invariant

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/dice/internal/dtime"
	"github.com/ocx/dice/internal/view"
)

// TestS6EvaluatesMathExpression builds `(val@0 + 100) - val@1 < 0` over the
// mapping from spec scenario S6 and checks the literal arithmetic result.
// The scenario's prose says "must produce BOOL false" but its own worked
// example computes -10 < 0 -> true; this test follows the arithmetic, which
// is unambiguous, over the contradictory prose.
func TestS6EvaluatesMathExpression(t *testing.T) {
	inv := Invariant{
		Nodes: []Node{
			{Kind: KindAttribute, Attr: Attribute{Hash: 1, Quantifier: 0}},
			{Kind: KindInt, Value: 100},
			{Kind: KindOperator, Op: MathPlus},
			{Kind: KindAttribute, Attr: Attribute{Hash: 1, Quantifier: 1}},
			{Kind: KindOperator, Op: MathMinus},
			{Kind: KindInt, Value: 0},
			{Kind: KindOperator, Op: CompLower},
		},
	}
	m := Mapping{
		{Attribute: 1, MathID: 0, Quantifier: 0, Index: 0},
		{Attribute: 1, MathID: 0, Quantifier: 1, Index: 1},
	}
	ev, err := New(inv, m)
	require.NoError(t, err)

	entries := []view.Entry{
		{Value: 40, Attr: 1, TS: 1},
		{Value: 150, Attr: 1, TS: 1},
	}
	result, err := ev.Evaluate(entries)
	require.NoError(t, err)
	assert.True(t, result)
}

func TestEvaluateUndecidedOnEmptySlot(t *testing.T) {
	inv := Invariant{
		Nodes: []Node{
			{Kind: KindAttribute, Attr: Attribute{Hash: 1, Quantifier: 0}},
			{Kind: KindInt, Value: 0},
			{Kind: KindOperator, Op: CompGreater},
		},
	}
	m := Mapping{{Attribute: 1, MathID: 0, Quantifier: 0, Index: 0}}
	ev, err := New(inv, m)
	require.NoError(t, err)

	_, err = ev.Evaluate([]view.Entry{{}})
	assert.True(t, errors.Is(err, ErrUndecided))
}

func TestEvaluateMalformedStackUnderflow(t *testing.T) {
	inv := Invariant{Nodes: []Node{{Kind: KindOperator, Op: BoolAnd}}}
	ev, err := New(inv, nil)
	require.NoError(t, err)

	_, err = ev.Evaluate(nil)
	assert.True(t, errors.Is(err, ErrMalformedInvariant))
}

func TestBooleanConnectivesIncrementMathIDNotComparisons(t *testing.T) {
	// Two independent comparisons ANDed together: each comparison resolves
	// its own attribute at math_id=0 (comparisons don't bump it), and only
	// the AND bumps math_id for anything evaluated after it.
	inv := Invariant{
		Nodes: []Node{
			{Kind: KindAttribute, Attr: Attribute{Hash: 1, Quantifier: 0}},
			{Kind: KindInt, Value: 10},
			{Kind: KindOperator, Op: CompGreater}, // math_id stays 0
			{Kind: KindAttribute, Attr: Attribute{Hash: 1, Quantifier: 0}},
			{Kind: KindInt, Value: 5},
			{Kind: KindOperator, Op: CompGreater}, // math_id stays 0
			{Kind: KindOperator, Op: BoolAnd},      // math_id becomes 1 (unused further)
		},
	}
	m := Mapping{{Attribute: 1, MathID: 0, Quantifier: 0, Index: 0}}
	ev, err := New(inv, m)
	require.NoError(t, err)

	result, err := ev.Evaluate([]view.Entry{{Value: 20, Attr: 1, TS: 1}})
	require.NoError(t, err)
	assert.True(t, result) // 20>10 && 20>5
}

func TestEvaluateNegationValue(t *testing.T) {
	inv := Invariant{
		Nodes: []Node{
			{Kind: KindInt, Value: 5, Negated: true},
			{Kind: KindInt, Value: 0},
			{Kind: KindOperator, Op: CompLower},
		},
	}
	ev, err := New(inv, nil)
	require.NoError(t, err)

	result, err := ev.Evaluate(nil)
	require.NoError(t, err)
	assert.True(t, result) // -5 < 0
}

type fakeAttrs map[uint16]uint16

func (f fakeAttrs) GetAttribute(hash uint16) (uint16, bool) {
	v, ok := f[hash]
	return v, ok
}

func TestEvaluateLocalConjunctFlagsViolatedQuantifier(t *testing.T) {
	d := Disjunct{Triples: []Triple{
		{Attr: Attribute{Hash: 1, Quantifier: 0}, Op: CompGreater, Const: 100},
	}}
	attrs := fakeAttrs{1: 10}
	var conj ConjView

	EvaluateLocalConjunct(d, &conj, attrs, 7, dtime.Timestamp(5))

	assert.True(t, conj.Quantifiers[0].Flagged)
	assert.Equal(t, uint16(7), conj.Quantifiers[0].Src)
	assert.Equal(t, dtime.Timestamp(5), conj.Quantifiers[0].TS)
	assert.False(t, conj.Complies())
}

func TestEvaluateLocalConjunctClearsOnCompliance(t *testing.T) {
	d := Disjunct{Triples: []Triple{
		{Attr: Attribute{Hash: 1, Quantifier: 0}, Op: CompGreater, Const: 100},
	}}
	attrs := fakeAttrs{1: 10}
	var conj ConjView
	EvaluateLocalConjunct(d, &conj, attrs, 7, dtime.Timestamp(5))
	require.True(t, conj.Quantifiers[0].Flagged)

	attrs[1] = 200
	EvaluateLocalConjunct(d, &conj, attrs, 7, dtime.Timestamp(6))

	assert.False(t, conj.Quantifiers[0].Flagged)
	assert.True(t, conj.Complies())
}

func TestEvaluateLocalConjunctSkipsUnownedAttribute(t *testing.T) {
	d := Disjunct{Triples: []Triple{
		{Attr: Attribute{Hash: 99, Quantifier: 0}, Op: CompGreater, Const: 100},
	}}
	var conj ConjView
	conj.Quantifiers[0] = QuantSlot{Flagged: true, Src: 3, TS: 5}

	EvaluateLocalConjunct(d, &conj, fakeAttrs{}, 7, dtime.Timestamp(10))

	assert.Equal(t, QuantSlot{Flagged: true, Src: 3, TS: 5}, conj.Quantifiers[0])
}

func TestEvaluateDisjunctionsHoldsIfAnyComplies(t *testing.T) {
	violated := ConjView{}
	violated.Quantifiers[0] = QuantSlot{Flagged: true, TS: 1}
	compliant := ConjView{}

	assert.True(t, EvaluateDisjunctions([]ConjView{violated, compliant}))
	assert.False(t, EvaluateDisjunctions([]ConjView{violated}))
}
