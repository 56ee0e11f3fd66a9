package bucket

import (
	"encoding/json"
	"fmt"
	"net/netip"
	"strconv"

	"github.com/lib/pq"

	"github.com/stratadb/strata/internal/core"
)

// ProjectValue extracts the indexed attributes of a decoded object value
// into relational column values, in the deterministic order returned by
// IndexColumns. Attributes absent from the value, or whose value cannot
// be coerced to the declared index type, project to NULL. A scalar value
// on an array-typed index is wrapped into a one-element array.
func ProjectValue(b *core.Bucket, value map[string]any) []any {
	attrs := sortedAttrs(b.Index)
	out := make([]any, len(attrs))
	for i, attr := range attrs {
		out[i] = projectField(b.Index[attr].Type, value[attr])
	}
	return out
}

// IndexColumns returns the index column names in the same order as
// ProjectValue emits values.
func IndexColumns(b *core.Bucket) []string {
	return sortedAttrs(b.Index)
}

// ProjectField coerces a single attribute value for its index column.
// Used by the bulk-update path, which drives columns directly.
func ProjectField(t core.IndexType, raw any) any {
	return projectField(t, raw)
}

func projectField(t core.IndexType, raw any) any {
	if raw == nil {
		return nil
	}
	if t.Array() {
		items, ok := raw.([]any)
		if !ok {
			// Scalar stored under an array index: index it as a
			// one-element array.
			items = []any{raw}
		}
		return projectArray(t.Elem(), items)
	}
	v, ok := coerce(t, raw)
	if !ok {
		return nil
	}
	return v
}

func projectArray(elem core.IndexType, items []any) any {
	switch elem {
	case core.IndexNumber:
		vals := make([]float64, 0, len(items))
		for _, item := range items {
			if v, ok := coerce(elem, item); ok {
				vals = append(vals, v.(float64))
			}
		}
		return pq.Array(vals)
	case core.IndexBoolean:
		vals := make([]bool, 0, len(items))
		for _, item := range items {
			if v, ok := coerce(elem, item); ok {
				vals = append(vals, v.(bool))
			}
		}
		return pq.Array(vals)
	default:
		vals := make([]string, 0, len(items))
		for _, item := range items {
			if v, ok := coerce(elem, item); ok {
				vals = append(vals, v.(string))
			}
		}
		return pq.Array(vals)
	}
}

// coerce converts a decoded JSON value to the Go value driven into the
// column for the given index type. The second return is false when the
// value does not fit the type.
func coerce(t core.IndexType, raw any) (any, bool) {
	switch t {
	case core.IndexNumber:
		switch v := raw.(type) {
		case float64:
			return v, true
		case json.Number:
			f, err := v.Float64()
			return f, err == nil
		case string:
			f, err := strconv.ParseFloat(v, 64)
			return f, err == nil
		}
		return nil, false
	case core.IndexBoolean:
		switch v := raw.(type) {
		case bool:
			return v, true
		case string:
			b, err := strconv.ParseBool(v)
			return b, err == nil
		}
		return nil, false
	case core.IndexIP:
		s, ok := raw.(string)
		if !ok {
			return nil, false
		}
		if _, err := netip.ParseAddr(s); err != nil {
			return nil, false
		}
		return s, true
	case core.IndexSubnet:
		s, ok := raw.(string)
		if !ok {
			return nil, false
		}
		if _, err := netip.ParsePrefix(s); err != nil {
			return nil, false
		}
		return s, true
	default:
		// string columns take the textual form of whatever is stored.
		switch v := raw.(type) {
		case string:
			return v, true
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64), true
		case json.Number:
			return v.String(), true
		case bool:
			return strconv.FormatBool(v), true
		}
		return fmt.Sprintf("%v", raw), true
	}
}
