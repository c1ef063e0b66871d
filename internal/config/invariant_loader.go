// invariant_loader.go loads the YAML DSL describing a node's view
// signature and its set of disjuncts/invariants, resolving human-readable
// attribute names to the 16-bit attribute-ids the rest of the system
// works in terms of.
package config

import (
	"fmt"
	"os"

	"golang.org/x/crypto/blake2b"
	"gopkg.in/yaml.v2"

	"github.com/ocx/dice/internal/invariant"
	"github.com/ocx/dice/internal/view"
)

// AttributeHash folds a human-readable attribute name into the 16-bit
// attribute-id used throughout the wire format and view signature, via
// blake2b-256 truncated to its first two bytes. This lets a deployment
// YAML say `attribute: temperature` instead of committing to a magic
// integer the way the original's compiled-in hash table did.
func AttributeHash(name string) uint16 {
	sum := blake2b.Sum256([]byte(name))
	return uint16(sum[0])<<8 | uint16(sum[1])
}

func parseObjective(s string) (view.Objective, error) {
	switch s {
	case "max", "maximize", "":
		return view.Maximize, nil
	case "min", "minimize":
		return view.Minimize, nil
	default:
		return 0, fmt.Errorf("config: unknown objective %q", s)
	}
}

// ResolveSignature converts a NodeConfig's human-readable slice specs into
// a view.Signature ready for view.New.
func ResolveSignature(specs []SliceSpec) (view.Signature, error) {
	sig := make(view.Signature, 0, len(specs))
	for _, s := range specs {
		obj, err := parseObjective(s.Objective)
		if err != nil {
			return nil, err
		}
		if s.Size <= 0 {
			return nil, fmt.Errorf("config: slice for attribute %q has non-positive size %d", s.Attribute, s.Size)
		}
		sig = append(sig, view.SliceSpec{
			Attr:      AttributeHash(s.Attribute),
			Objective: obj,
			Size:      s.Size,
		})
	}
	return sig, nil
}

// TripleSpec is one local-conjunct comparison in the YAML DSL:
// `attribute OP constant`, quantified over a named slot.
type TripleSpec struct {
	Attribute  string `yaml:"attribute"`
	Quantifier int    `yaml:"quantifier"`
	Operator   string `yaml:"operator"`
	Constant   int32  `yaml:"constant"`
}

// DisjunctSpec is one T1 disjunct: a set of triples ANDed together inside
// it, ORed against every other disjunct at evaluation time.
type DisjunctSpec struct {
	Triples []TripleSpec `yaml:"triples"`
}

// InvariantSpec is one global postfix invariant plus the quantifier
// ranges it's evaluated over, in a readable node-list form rather than a
// raw postfix byte array.
type InvariantSpec struct {
	Name        string   `yaml:"name"`
	Quantifiers []int    `yaml:"quantifiers"`
	Postfix     []string `yaml:"postfix"`
}

// MappingSpec binds one (math_id, attribute name, quantifier) triple to a
// view slot index, the readable counterpart of invariant.MappingEntry —
// a deployment YAML names slots the way it names attributes, rather than
// committing to the raw integer index C3's signature happens to place
// them at.
type MappingSpec struct {
	Attribute  string `yaml:"attribute"`
	MathID     int    `yaml:"math_id"`
	Quantifier int    `yaml:"quantifier"`
	Index      int    `yaml:"index"`
}

// InvariantFile is the top-level shape of an invariant DSL YAML document.
type InvariantFile struct {
	Disjuncts  []DisjunctSpec  `yaml:"disjuncts"`
	Invariants []InvariantSpec `yaml:"invariants"`
	Mapping    []MappingSpec   `yaml:"mapping"`
}

var operatorNames = map[string]invariant.Operator{
	"and": invariant.BoolAnd, "implies": invariant.BoolImply, "or": invariant.BoolOr,
	"neq": invariant.CompDifferent, "eq": invariant.CompEqual,
	"gt": invariant.CompGreater, "lt": invariant.CompLower,
	"div": invariant.MathDiv, "minus": invariant.MathMinus, "mod": invariant.MathMod,
	"mul": invariant.MathMul, "plus": invariant.MathPlus,
}

func parseOperator(s string) (invariant.Operator, error) {
	op, ok := operatorNames[s]
	if !ok {
		return 0, fmt.Errorf("config: unknown operator %q", s)
	}
	return op, nil
}

// compileToken turns one postfix token string into an invariant.Node.
// Recognised forms: "true"/"false" (KindBool), a bare integer (KindInt),
// "attr:<name>:<quantifier>" (KindAttribute, optionally prefixed with "!"
// for negation), or an operator name (KindOperator).
func compileToken(tok string) (invariant.Node, error) {
	negated := false
	if len(tok) > 0 && tok[0] == '!' {
		negated = true
		tok = tok[1:]
	}

	switch {
	case tok == "true":
		return invariant.Node{Kind: invariant.KindBool, Value: 1, Negated: negated}, nil
	case tok == "false":
		return invariant.Node{Kind: invariant.KindBool, Negated: negated}, nil
	case len(tok) > 5 && tok[:5] == "attr:":
		name, quant, err := splitAttrToken(tok[5:])
		if err != nil {
			return invariant.Node{}, err
		}
		return invariant.Node{
			Kind:    invariant.KindAttribute,
			Negated: negated,
			Attr:    invariant.Attribute{Hash: AttributeHash(name), Quantifier: quant},
		}, nil
	default:
		if op, ok := operatorNames[tok]; ok {
			return invariant.Node{Kind: invariant.KindOperator, Op: op}, nil
		}
		var n int32
		if _, err := fmt.Sscanf(tok, "%d", &n); err != nil {
			return invariant.Node{}, fmt.Errorf("config: unrecognised postfix token %q", tok)
		}
		return invariant.Node{Kind: invariant.KindInt, Value: n, Negated: negated}, nil
	}
}

func splitAttrToken(rest string) (name string, quantifier uint8, err error) {
	idx := -1
	for i := len(rest) - 1; i >= 0; i-- {
		if rest[i] == ':' {
			idx = i
			break
		}
	}
	if idx < 0 {
		return "", 0, fmt.Errorf("config: attribute token missing quantifier: %q", rest)
	}
	var q int
	if _, err := fmt.Sscanf(rest[idx+1:], "%d", &q); err != nil {
		return "", 0, fmt.Errorf("config: invalid quantifier in %q: %w", rest, err)
	}
	return rest[:idx], uint8(q), nil
}

// CompileInvariant resolves one InvariantSpec's readable postfix token list
// into an invariant.Invariant ready for invariant.New.
func CompileInvariant(spec InvariantSpec) (invariant.Invariant, error) {
	nodes := make([]invariant.Node, 0, len(spec.Postfix))
	for _, tok := range spec.Postfix {
		n, err := compileToken(tok)
		if err != nil {
			return invariant.Invariant{}, fmt.Errorf("config: invariant %q: %w", spec.Name, err)
		}
		nodes = append(nodes, n)
	}
	quantifiers := make([]uint8, len(spec.Quantifiers))
	for i, q := range spec.Quantifiers {
		quantifiers[i] = uint8(q)
	}
	return invariant.Invariant{Quantifiers: quantifiers, Nodes: nodes}, nil
}

// LoadInvariantFile reads and resolves an invariant DSL YAML file at path.
func LoadInvariantFile(path string) (*InvariantFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var spec InvariantFile
	if err := yaml.NewDecoder(f).Decode(&spec); err != nil {
		return nil, err
	}
	return &spec, nil
}

// ResolveDisjuncts turns the YAML disjunct specs into invariant.Disjunct
// values with attribute names resolved to hashes and operator names
// resolved to invariant.Operator codes.
func ResolveDisjuncts(specs []DisjunctSpec) ([]invariant.Disjunct, error) {
	out := make([]invariant.Disjunct, 0, len(specs))
	for _, d := range specs {
		triples := make([]invariant.Triple, 0, len(d.Triples))
		for _, t := range d.Triples {
			op, err := parseOperator(t.Operator)
			if err != nil {
				return nil, err
			}
			triples = append(triples, invariant.Triple{
				Attr:  invariant.Attribute{Hash: AttributeHash(t.Attribute), Quantifier: uint8(t.Quantifier)},
				Op:    op,
				Const: t.Constant,
			})
		}
		out = append(out, invariant.Disjunct{Triples: triples})
	}
	return out, nil
}

// ResolveMapping turns the YAML mapping specs into an invariant.Mapping
// ready for invariant.New, resolving each entry's attribute name to its
// 16-bit hash the same way ResolveSignature does.
func ResolveMapping(specs []MappingSpec) invariant.Mapping {
	m := make(invariant.Mapping, 0, len(specs))
	for _, s := range specs {
		m = append(m, invariant.MappingEntry{
			Attribute:  AttributeHash(s.Attribute),
			MathID:     uint8(s.MathID),
			Quantifier: uint8(s.Quantifier),
			Index:      s.Index,
		})
	}
	return m
}
