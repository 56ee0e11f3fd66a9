// Package bucket implements the bucket schema store: the authoritative
// bucket configuration in the buckets_config metadata table and its
// relational materialization as per-bucket backing tables, sequences
// and secondary indexes.
package bucket

import (
	"sort"

	"github.com/stratadb/strata/internal/core"
)

// MetadataTable is the table holding bucket configuration rows.
const MetadataTable = "buckets_config"

// reservedNames may not be used as bucket names: the metadata table
// itself and the "search" alias claimed by the wire protocol.
var reservedNames = map[string]bool{
	MetadataTable: true,
	"search":      true,
}

// columnType maps an index type to the relational column type backing it.
func columnType(t core.IndexType) string {
	var base string
	switch t.Elem() {
	case core.IndexNumber:
		base = "NUMERIC"
	case core.IndexBoolean:
		base = "BOOLEAN"
	case core.IndexIP:
		base = "INET"
	case core.IndexSubnet:
		base = "CIDR"
	default:
		base = "TEXT"
	}
	if t.Array() {
		return base + "[]"
	}
	return base
}

// sortedAttrs returns the index attribute names in deterministic order.
func sortedAttrs(index map[string]core.IndexField) []string {
	attrs := make([]string, 0, len(index))
	for name := range index {
		attrs = append(attrs, name)
	}
	sort.Strings(attrs)
	return attrs
}

// IndexDiff is the column-level difference between two index schemas.
type IndexDiff struct {
	// Added attributes exist only in the new schema.
	Added []string

	// Removed attributes exist only in the old schema.
	Removed []string

	// Changed attributes exist in both but differ in type or
	// uniqueness. In-place redefinition is always rejected.
	Changed []string
}

// diffIndex computes the column diff between the stored and proposed
// index schemas.
func diffIndex(old, new map[string]core.IndexField) IndexDiff {
	var d IndexDiff
	for _, attr := range sortedAttrs(new) {
		prev, ok := old[attr]
		if !ok {
			d.Added = append(d.Added, attr)
			continue
		}
		next := new[attr]
		if prev.Type != next.Type || prev.Unique != next.Unique {
			d.Changed = append(d.Changed, attr)
		}
	}
	for _, attr := range sortedAttrs(old) {
		if _, ok := new[attr]; !ok {
			d.Removed = append(d.Removed, attr)
		}
	}
	return d
}
