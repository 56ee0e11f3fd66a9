package object

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/lib/pq"

	"github.com/stratadb/strata/internal/bucket"
	"github.com/stratadb/strata/internal/core"
	"github.com/stratadb/strata/internal/database"
)

// scalarAttrs returns the non-array index attributes, in projection
// order. Array columns are excluded from row reconstruction: their
// value-side representation is authoritative (the multi-valued fan-out
// carve-out in mergeColumns).
func scalarAttrs(b *core.Bucket) []string {
	var attrs []string
	for _, attr := range sortedIndexAttrs(b) {
		if !b.Index[attr].Type.Array() {
			attrs = append(attrs, attr)
		}
	}
	return attrs
}

func sortedIndexAttrs(b *core.Bucket) []string {
	return bucket.IndexColumns(b)
}

// selectColumns builds the SELECT list for reconstructing objects from
// a bucket's backing table.
func selectColumns(b *core.Bucket) string {
	cols := []string{"_id", "_key", "_etag", "_mtime", "_value"}
	if b.Options.GuaranteeOrder {
		cols = append(cols, "_txn_snap")
	}
	for _, attr := range scalarAttrs(b) {
		cols = append(cols, pq.QuoteIdentifier(attr))
	}
	return strings.Join(cols, ", ")
}

// scanRecord reads one row produced by a selectColumns query and
// reconstructs the object record, applying the column-over-value merge.
func scanRecord(b *core.Bucket, rows core.Rows) (*core.ObjectRecord, error) {
	rec := &core.ObjectRecord{Bucket: b.Name}

	var (
		value   string
		txnSnap sql.NullInt64
	)
	attrs := scalarAttrs(b)
	overrides := make([]interface{}, len(attrs))

	dest := []interface{}{&rec.ID, &rec.Key, &rec.Etag, &rec.Mtime, &value}
	if b.Options.GuaranteeOrder {
		dest = append(dest, &txnSnap)
	}
	for i := range overrides {
		dest = append(dest, &overrides[i])
	}

	if err := rows.Scan(dest...); err != nil {
		return nil, database.TranslateError(err)
	}
	rec.Etag = strings.TrimSpace(rec.Etag)
	if txnSnap.Valid {
		rec.TxnSnap = &txnSnap.Int64
	}

	if err := json.Unmarshal([]byte(value), &rec.Value); err != nil {
		return nil, &core.InternalError{Cause: fmt.Errorf("corrupt value for %s/%s: %w", b.Name, rec.Key, err)}
	}
	mergeColumns(b, rec.Value, attrs, overrides)
	return rec, nil
}

// mergeColumns folds index columns back into the decoded value: a NULL
// column deletes the key, a non-NULL column overwrites it — unless the
// value's entry is an array, which is left untouched to preserve
// multi-valued index fan-out.
func mergeColumns(b *core.Bucket, value map[string]interface{}, attrs []string, overrides []interface{}) {
	if value == nil {
		return
	}
	for i, attr := range attrs {
		if _, isArray := value[attr].([]interface{}); isArray {
			continue
		}
		col := normalizeColumn(b.Index[attr].Type, overrides[i])
		if col == nil {
			delete(value, attr)
			continue
		}
		value[attr] = col
	}
}

// normalizeColumn converts a driver-returned column value into its
// JSON-shaped form for the given index type.
func normalizeColumn(t core.IndexType, raw interface{}) interface{} {
	if raw == nil {
		return nil
	}
	switch t.Elem() {
	case core.IndexNumber:
		switch v := raw.(type) {
		case float64:
			return v
		case int64:
			return float64(v)
		case []byte:
			if f, err := strconv.ParseFloat(string(v), 64); err == nil {
				return f
			}
			return nil
		case string:
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				return f
			}
			return nil
		}
		return nil
	case core.IndexBoolean:
		switch v := raw.(type) {
		case bool:
			return v
		case []byte:
			if b, err := strconv.ParseBool(string(v)); err == nil {
				return b
			}
			return nil
		case string:
			if b, err := strconv.ParseBool(v); err == nil {
				return b
			}
			return nil
		}
		return nil
	default:
		switch v := raw.(type) {
		case string:
			return v
		case []byte:
			return string(v)
		}
		return fmt.Sprintf("%v", raw)
	}
}
