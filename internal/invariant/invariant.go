// Package invariant implements the invariant evaluator (C4): a
// stack-machine evaluator of postfix-encoded first-order predicates
// against a view, plus the node-local disjunctive (T1) evaluation form.
//
// Grounded on evaluation_manager.c/invariant.h (original_source/apps/dice),
// cross-checked against SPEC_FULL.md §4.4 where the two disagree (the
// original's evaluate_local_t1 short-circuits in ways the distilled spec
// doesn't describe; this package follows the spec's simpler, explicit
// contract — see DESIGN.md).
package invariant

import (
	"errors"

	"github.com/ocx/dice/internal/dtime"
	"github.com/ocx/dice/internal/view"
)

// Operator is the postfix node's operator code. The encoding order is
// significant: every code below CompDifferent is boolean and increments
// math_id; the rest are arithmetic and don't.
type Operator uint8

const (
	BoolAnd Operator = iota
	BoolImply
	BoolOr
	CompDifferent
	CompEqual
	CompGreater
	CompLower
	MathDiv
	MathMinus
	MathMod
	MathMul
	MathPlus
)

// MaxStackSize and MaxInvNodes bound the evaluator's working stack and an
// invariant's postfix node count.
const (
	MaxStackSize  = 20
	MaxInvNodes   = 15
	MaxQuantifiers = 5
)

// NodeKind distinguishes the four postfix node shapes.
type NodeKind uint8

const (
	KindBool NodeKind = iota
	KindInt
	KindAttribute
	KindOperator
)

// Attribute identifies a quantified attribute reference: which sensor
// attribute, observed by which quantifier slot.
type Attribute struct {
	Hash       uint16
	Quantifier uint8
}

// Node is one element of a postfix-encoded invariant.
type Node struct {
	Kind    NodeKind
	Negated bool
	Value   int32
	Attr    Attribute
	Op      Operator
}

// Invariant is a fixed postfix expression plus the quantifier list it
// ranges over.
type Invariant struct {
	Quantifiers []uint8
	Nodes       []Node
}

// MappingEntry binds one (math_id, attribute, quantifier) triple to a view
// slot index.
type MappingEntry struct {
	Attribute  uint16
	MathID     uint8
	Quantifier uint8
	Index      int
}

// Mapping is the lookup table the evaluator uses to resolve ATTRIBUTE nodes
// to view slot indices.
type Mapping []MappingEntry

// Lookup finds the slot index bound to (mathID, attr, quantifier).
func (m Mapping) Lookup(mathID uint8, attr uint16, quantifier uint8) (int, bool) {
	for _, e := range m {
		if e.MathID == mathID && e.Attribute == attr && e.Quantifier == quantifier {
			return e.Index, true
		}
	}
	return -1, false
}

// ErrMalformedInvariant signals a programmer/configuration error: the
// postfix form is not balanced (stack underflow or leftover operands), or
// exceeds the bounded stack.
var ErrMalformedInvariant = errors.New("invariant: malformed postfix form")

// ErrUndecided signals the expected, non-exceptional "can't produce a
// verdict" outcome: an attribute node resolved to an empty or unmapped
// slot. Callers (the history replay loop, Engine.Evaluate) treat this as
// "no eval" and move on, per SPEC_FULL.md §4.4.
var ErrUndecided = errors.New("invariant: undecided (unmapped or empty attribute slot)")

// Evaluator is the compiled form ready to evaluate against views.
type Evaluator struct {
	inv Invariant
	m   Mapping
}

// New compiles inv against mapping m. No validation beyond bounds is
// performed here; a malformed postfix form is only caught at Evaluate time,
// mirroring the original's lack of a separate compile pass.
func New(inv Invariant, m Mapping) (*Evaluator, error) {
	if len(inv.Nodes) > MaxInvNodes {
		return nil, ErrMalformedInvariant
	}
	return &Evaluator{inv: inv, m: m}, nil
}

type stack struct {
	nodes []Node
}

func (s *stack) push(n Node) error {
	if len(s.nodes) >= MaxStackSize {
		return ErrMalformedInvariant
	}
	s.nodes = append(s.nodes, n)
	return nil
}

func (s *stack) pop() (Node, error) {
	if len(s.nodes) == 0 {
		return Node{}, ErrMalformedInvariant
	}
	n := s.nodes[len(s.nodes)-1]
	s.nodes = s.nodes[:len(s.nodes)-1]
	return n, nil
}

func resolve(n Node, mathID uint8, m Mapping, entries []view.Entry) (int32, error) {
	if n.Kind != KindAttribute {
		return n.Value, nil
	}
	idx, ok := m.Lookup(mathID, n.Attr.Hash, n.Attr.Quantifier)
	if !ok || idx < 0 || idx >= len(entries) || entries[idx].Empty() {
		return 0, ErrUndecided
	}
	return int32(entries[idx].Value), nil
}

func apply(op Operator, v1, v2 int32) (Node, error) {
	switch op {
	case BoolAnd:
		return boolNode((v1 != 0) && (v2 != 0)), nil
	case BoolImply:
		return boolNode(v1 == 0 || (v1 != 0 && v2 != 0)), nil
	case BoolOr:
		return boolNode((v1 != 0) || (v2 != 0)), nil
	case CompDifferent:
		return boolNode(v1 != v2), nil
	case CompEqual:
		return boolNode(v1 == v2), nil
	case CompGreater:
		return boolNode(v1 > v2), nil
	case CompLower:
		return boolNode(v1 < v2), nil
	case MathDiv:
		if v2 == 0 {
			return Node{}, ErrUndecided
		}
		return intNode(v1 / v2), nil
	case MathMinus:
		return intNode(v1 - v2), nil
	case MathMod:
		if v2 == 0 {
			return Node{}, ErrUndecided
		}
		return intNode(v1 % v2), nil
	case MathMul:
		return intNode(v1 * v2), nil
	case MathPlus:
		return intNode(v1 + v2), nil
	}
	return Node{}, ErrMalformedInvariant
}

func boolNode(v bool) Node {
	n := Node{Kind: KindBool}
	if v {
		n.Value = 1
	}
	return n
}

func intNode(v int32) Node { return Node{Kind: KindInt, Value: v} }

func isBooleanConnective(op Operator) bool {
	return op == BoolAnd || op == BoolOr || op == BoolImply
}

// Evaluate runs the postfix stack machine against entries and reports the
// invariant's boolean verdict. ErrUndecided (wrap-checkable with
// errors.Is) means the view didn't carry enough data to produce one;
// ErrMalformedInvariant means the compiled form itself is broken.
//
// math_id increments on every *boolean* operator (op < CompDifferent), not
// on comparisons, and it increments before the operand attributes are
// resolved for that operator — preserved exactly from the original's
// `if (op_code < COMP_DIFFERENT) math_id++` placement ahead of
// evaluate_nodes, even though "math_id" suggests it should track
// arithmetic sub-expressions rather than boolean connectives. See DESIGN.md
// Open Question #3.
func (ev *Evaluator) Evaluate(entries []view.Entry) (bool, error) {
	var st stack
	var mathID uint8

	for _, node := range ev.inv.Nodes {
		if node.Kind != KindOperator {
			if err := st.push(node); err != nil {
				return false, err
			}
			continue
		}

		n2, err := st.pop()
		if err != nil {
			return false, err
		}
		n1, err := st.pop()
		if err != nil {
			return false, err
		}

		if node.Op < CompDifferent {
			mathID++
		}

		v1, err := resolve(n1, mathID, ev.m, entries)
		if err != nil {
			return false, err
		}
		v2, err := resolve(n2, mathID, ev.m, entries)
		if err != nil {
			return false, err
		}

		if !isBooleanConnective(node.Op) {
			if n1.Negated {
				v1 = -v1
			}
			if n2.Negated {
				v2 = -v2
			}
		}

		result, err := apply(node.Op, v1, v2)
		if err != nil {
			return false, err
		}
		if err := st.push(result); err != nil {
			return false, err
		}
	}

	top, err := st.pop()
	if err != nil {
		return false, err
	}
	return top.Value != 0, nil
}

// AttributeGetter is the narrow view into C6 the T1 local evaluator needs:
// resolve a locally-owned attribute's current reading.
type AttributeGetter interface {
	GetAttribute(hash uint16) (uint16, bool)
}

// Disjunct is one node-local disjunctive-form conjunction: a flat list of
// (attribute, operator, constant) triples.
type Disjunct struct {
	Triples []Triple
}

// Triple is one local conjunct comparison: attribute OP constant.
type Triple struct {
	Attr  Attribute
	Op    Operator
	Const int32
}

// QuantSlot is one quantifier position's current T1 state: whether it's
// flagged violated, by which source, and since when.
type QuantSlot struct {
	Flagged bool
	Src     uint16
	TS      dtime.Timestamp
}

// ConjView is the mutable per-disjunct T1 state the view store carries.
type ConjView struct {
	Quantifiers [MaxQuantifiers]QuantSlot
}

// EvaluateLocalConjunct re-evaluates d against locally-owned attributes,
// updating conj's quantifier slots in place for any transition this node
// caused (it owns a slot's current flag, or the flag value itself
// changed). self is this node's own address, used both to tag ownership
// and to decide whether this node is allowed to overwrite a slot another
// node currently owns. now stamps any transition.
//
// A triple whose attribute isn't locally owned is skipped: this node has
// no basis to judge that quantifier position, so its prior flag (set by
// whichever node does own it) is left untouched — simpler than the
// original's short-circuit-on-first-unresolved-attribute behavior, and
// matches SPEC_FULL.md §4.4's "resolve via C6.get_attribute ... mark the
// disjunct's quantifier slot" wording, which never describes aborting the
// whole disjunct over one unresolved triple.
func EvaluateLocalConjunct(d Disjunct, conj *ConjView, attrs AttributeGetter, self uint16, now dtime.Timestamp) {
	var violated [MaxQuantifiers]bool
	var touched [MaxQuantifiers]bool

	for _, t := range d.Triples {
		value, ok := attrs.GetAttribute(t.Attr.Hash)
		if !ok {
			continue
		}
		q := t.Attr.Quantifier
		if int(q) >= MaxQuantifiers {
			continue
		}
		touched[q] = true

		ok2, err := apply(t.Op, int32(value), t.Const)
		_ = err
		if ok2.Value == 0 {
			violated[q] = true
		}
	}

	for q := 0; q < MaxQuantifiers; q++ {
		if !touched[q] {
			continue
		}
		slot := &conj.Quantifiers[q]
		if slot.Flagged && slot.Src != self {
			continue
		}
		if slot.Flagged == violated[q] {
			continue
		}
		slot.Flagged = violated[q]
		slot.Src = self
		slot.TS = now
	}
}

// Complies reports whether conj currently satisfies its disjunct: no
// quantifier slot is both flagged and carries a non-zero timestamp.
func (c *ConjView) Complies() bool {
	for _, q := range c.Quantifiers {
		if q.Flagged && q.TS != dtime.Zero {
			return false
		}
	}
	return true
}

// EvaluateDisjunctions is the global T1 aggregation: the predicate holds
// iff at least one disjunct currently complies.
func EvaluateDisjunctions(conjs []ConjView) bool {
	for _, c := range conjs {
		if c.Complies() {
			return true
		}
	}
	return false
}
