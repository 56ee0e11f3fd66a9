// Package filter implements the boolean-predicate filter language:
// parsing filter strings into an expression tree, compiling the tree
// into parameterized WHERE clauses against a bucket's indexed columns,
// and re-evaluating the raw tree against reconstructed records.
package filter

import (
	"fmt"
	"strings"
)

// Node is one node of a parsed filter expression.
type Node interface {
	// String renders the node back into filter syntax.
	String() string
}

// AndNode matches when every child matches.
type AndNode struct {
	Children []Node
}

func (n *AndNode) String() string { return renderSet("&", n.Children) }

// OrNode matches when any child matches.
type OrNode struct {
	Children []Node
}

func (n *OrNode) String() string { return renderSet("|", n.Children) }

// NotNode inverts its single child.
type NotNode struct {
	Child Node
}

func (n *NotNode) String() string { return "(!" + n.Child.String() + ")" }

// CompareOp is the comparison operator of a leaf predicate.
type CompareOp string

const (
	OpEqual CompareOp = "="
	OpGE    CompareOp = ">="
	OpLE    CompareOp = "<="
)

// CompareNode is an attribute comparison against a literal value.
type CompareNode struct {
	Attribute string
	Op        CompareOp
	Value     string
}

func (n *CompareNode) String() string {
	return "(" + n.Attribute + string(n.Op) + escapeValue(n.Value) + ")"
}

// PresentNode matches when the attribute has any value.
type PresentNode struct {
	Attribute string
}

func (n *PresentNode) String() string { return "(" + n.Attribute + "=*)" }

// SubstringNode matches string attributes against initial/any/final
// segments, each separated by a wildcard.
type SubstringNode struct {
	Attribute string
	Initial   string
	Any       []string
	Final     string
}

func (n *SubstringNode) String() string {
	var sb strings.Builder
	sb.WriteString("(")
	sb.WriteString(n.Attribute)
	sb.WriteString("=")
	sb.WriteString(escapeValue(n.Initial))
	sb.WriteString("*")
	for _, a := range n.Any {
		sb.WriteString(escapeValue(a))
		sb.WriteString("*")
	}
	sb.WriteString(escapeValue(n.Final))
	sb.WriteString(")")
	return sb.String()
}

func renderSet(op string, children []Node) string {
	var sb strings.Builder
	sb.WriteString("(")
	sb.WriteString(op)
	for _, c := range children {
		sb.WriteString(c.String())
	}
	sb.WriteString(")")
	return sb.String()
}

func escapeValue(v string) string {
	r := strings.NewReplacer(`\`, `\\`, `(`, `\(`, `)`, `\)`, `*`, `\*`)
	return r.Replace(v)
}

// Attributes returns every attribute name referenced by the tree, in
// first-appearance order.
func Attributes(n Node) []string {
	seen := make(map[string]bool)
	var out []string
	walk(n, func(attr string) {
		if !seen[attr] {
			seen[attr] = true
			out = append(out, attr)
		}
	})
	return out
}

func walk(n Node, fn func(attr string)) {
	switch t := n.(type) {
	case *AndNode:
		for _, c := range t.Children {
			walk(c, fn)
		}
	case *OrNode:
		for _, c := range t.Children {
			walk(c, fn)
		}
	case *NotNode:
		walk(t.Child, fn)
	case *CompareNode:
		fn(t.Attribute)
	case *PresentNode:
		fn(t.Attribute)
	case *SubstringNode:
		fn(t.Attribute)
	default:
		panic(fmt.Sprintf("unknown filter node %T", n))
	}
}
