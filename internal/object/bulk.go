package object

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/stratadb/strata/internal/bucket"
	"github.com/stratadb/strata/internal/core"
	"github.com/stratadb/strata/internal/database"
	"github.com/stratadb/strata/internal/filter"
)

// UpdateMany rewrites the given indexed fields on every object matching
// the filter, in one bulk UPDATE. The stored values are not rewritten;
// the column-over-value merge applied on read makes the new field
// values visible. Every updated field must be a declared index. All
// affected rows share one fresh random etag, which is returned with the
// affected-row count.
func (e *Engine) UpdateMany(ctx context.Context, x Executor, bucketName string, fields map[string]interface{}, filterText string) (*core.UpdateResult, error) {
	b, err := e.loadBucket(ctx, x, bucketName, false)
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, &core.InvocationError{Op: "updateObjects", Reason: "no fields to update"}
	}

	names := make([]string, 0, len(fields))
	for name := range fields {
		f, ok := b.Index[name]
		if !ok {
			return nil, &core.NotIndexedError{Bucket: bucketName, Filter: name}
		}
		if f.Unique {
			// A shared value across many rows cannot satisfy a unique
			// index; reject up front instead of failing mid-statement.
			return nil, &core.InvocationError{Op: "updateObjects",
				Reason: fmt.Sprintf("field %q is unique and cannot be bulk-updated", name)}
		}
		names = append(names, name)
	}
	sort.Strings(names)

	sets := make([]string, 0, len(names)+2)
	args := make([]interface{}, 0, len(names)+2)
	add := func(col string, v interface{}) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	for _, name := range names {
		add(pq.QuoteIdentifier(name), bucket.ProjectField(b.Index[name].Type, fields[name]))
	}
	etag := bulkEtag()
	add("_etag", etag)
	add("_mtime", time.Now().UnixMilli())

	q, err := e.compileBulkFilter(b, filterText, len(args))
	if err != nil {
		return nil, err
	}

	table := pq.QuoteIdentifier(b.Name)
	stmt := fmt.Sprintf("UPDATE %s SET %s WHERE _id IN (SELECT _id FROM %s WHERE %s)",
		table, strings.Join(sets, ", "), table, q.Where)
	res, err := x.Exec(ctx, stmt, append(args, q.Args...)...)
	if err != nil {
		return nil, database.TranslateError(err)
	}
	count, err := res.RowsAffected()
	if err != nil {
		return nil, database.TranslateError(err)
	}
	return &core.UpdateResult{Count: count, Etag: etag}, nil
}

// DeleteMany removes every object matching the filter in one bulk
// DELETE and reports the affected-row count.
func (e *Engine) DeleteMany(ctx context.Context, x Executor, bucketName, filterText string) (*core.UpdateResult, error) {
	b, err := e.loadBucket(ctx, x, bucketName, false)
	if err != nil {
		return nil, err
	}

	q, err := e.compileBulkFilter(b, filterText, 0)
	if err != nil {
		return nil, err
	}

	table := pq.QuoteIdentifier(b.Name)
	stmt := fmt.Sprintf("DELETE FROM %s WHERE _id IN (SELECT _id FROM %s WHERE %s)",
		table, table, q.Where)
	res, err := x.Exec(ctx, stmt, q.Args...)
	if err != nil {
		return nil, database.TranslateError(err)
	}
	count, err := res.RowsAffected()
	if err != nil {
		return nil, database.TranslateError(err)
	}
	return &core.UpdateResult{Count: count, Etag: bulkEtag()}, nil
}

// compileBulkFilter compiles a filter with the row cap suppressed, so
// bulk operations can affect more rows than the display limit.
func (e *Engine) compileBulkFilter(b *core.Bucket, filterText string, argBase int) (*filter.Query, error) {
	node, err := filter.Parse(filterText)
	if err != nil {
		return nil, &core.InvalidQueryError{Filter: filterText}
	}
	return filter.Compile(b, node, filter.Options{NoLimit: true, ArgBase: argBase})
}
