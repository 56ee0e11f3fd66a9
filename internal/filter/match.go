package filter

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/stratadb/strata/internal/core"
)

// Match re-evaluates the raw filter tree against a reconstructed record.
// Find runs this on every row the compiled WHERE clause produced: the
// relational coercions in the compiler are not provably identical to the
// filter semantics, and this check discards any false positives they
// introduce.
func Match(n Node, rec *core.ObjectRecord) bool {
	switch t := n.(type) {
	case *AndNode:
		for _, c := range t.Children {
			if !Match(c, rec) {
				return false
			}
		}
		return true
	case *OrNode:
		for _, c := range t.Children {
			if Match(c, rec) {
				return true
			}
		}
		return false
	case *NotNode:
		return !Match(t.Child, rec)
	case *CompareNode:
		return matchCompare(t, rec)
	case *PresentNode:
		v, ok := lookup(t.Attribute, rec)
		return ok && v != nil
	case *SubstringNode:
		v, ok := lookup(t.Attribute, rec)
		if !ok || v == nil {
			return false
		}
		s, ok := v.(string)
		if !ok {
			return false
		}
		return matchSubstring(t, s)
	}
	return false
}

func matchCompare(n *CompareNode, rec *core.ObjectRecord) bool {
	v, ok := lookup(n.Attribute, rec)
	if !ok || v == nil {
		return false
	}

	// Array-valued fields match when any element matches.
	if list, ok := v.([]interface{}); ok {
		for _, elem := range list {
			if compareScalar(n.Op, elem, n.Value) {
				return true
			}
		}
		return false
	}
	return compareScalar(n.Op, v, n.Value)
}

// compareScalar compares a stored value to the filter literal: numeric
// when both sides parse as numbers, string comparison otherwise.
func compareScalar(op CompareOp, stored interface{}, literal string) bool {
	sn, sok := toNumber(stored)
	ln, lerr := strconv.ParseFloat(literal, 64)
	if sok && lerr == nil {
		switch op {
		case OpEqual:
			return sn == ln
		case OpGE:
			return sn >= ln
		case OpLE:
			return sn <= ln
		}
		return false
	}

	ss := stringify(stored)
	switch op {
	case OpEqual:
		if b, ok := stored.(bool); ok {
			return strings.EqualFold(literal, strconv.FormatBool(b))
		}
		return ss == literal
	case OpGE:
		return ss >= literal
	case OpLE:
		return ss <= literal
	}
	return false
}

func matchSubstring(n *SubstringNode, s string) bool {
	rest := s
	if n.Initial != "" {
		if !strings.HasPrefix(rest, n.Initial) {
			return false
		}
		rest = rest[len(n.Initial):]
	}
	for _, a := range n.Any {
		idx := strings.Index(rest, a)
		if idx < 0 {
			return false
		}
		rest = rest[idx+len(a):]
	}
	if n.Final != "" {
		return strings.HasSuffix(rest, n.Final)
	}
	return true
}

// lookup resolves an attribute to its value: internal columns come from
// the record's metadata, everything else from the document value.
func lookup(attr string, rec *core.ObjectRecord) (interface{}, bool) {
	switch attr {
	case "_id":
		return rec.ID, true
	case "_etag":
		return rec.Etag, true
	case "_mtime":
		return rec.Mtime, true
	case "_txn_snap":
		if rec.TxnSnap == nil {
			return nil, false
		}
		return *rec.TxnSnap, true
	}
	v, ok := rec.Value[attr]
	return v, ok
}

func toNumber(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	}
	return 0, false
}

func stringify(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
