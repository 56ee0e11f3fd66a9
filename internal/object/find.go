package object

import (
	"context"
	"fmt"

	"github.com/lib/pq"

	"github.com/stratadb/strata/internal/core"
	"github.com/stratadb/strata/internal/database"
	"github.com/stratadb/strata/internal/filter"
)

// FindOptions controls a filter query.
type FindOptions struct {
	Sort   filter.SortOption
	Limit  int
	Offset int

	// NoBucketCache forces an authoritative metadata read before
	// compiling the filter.
	NoBucketCache bool
}

// Find streams the objects matching a filter expression to the emit
// callback. Each row is re-checked against the original filter tree
// before emission: relational matching and filter semantics are
// not provably identical under type coercion, and the re-check discards
// false positives rather than surfacing them.
//
// Find mutates nothing; callers run it in a transaction they always
// roll back. Emission stops at the first emit error.
func (e *Engine) Find(ctx context.Context, x Executor, bucketName, filterText string, opts FindOptions, emit func(*core.ObjectRecord) error) error {
	b, err := e.loadBucket(ctx, x, bucketName, opts.NoBucketCache)
	if err != nil {
		return err
	}

	node, err := filter.Parse(filterText)
	if err != nil {
		return &core.InvalidQueryError{Filter: filterText}
	}
	q, err := filter.Compile(b, node, filter.Options{
		Sort:   opts.Sort,
		Limit:  opts.Limit,
		Offset: opts.Offset,
	})
	if err != nil {
		return err
	}

	stmt := fmt.Sprintf("SELECT %s FROM %s WHERE %s%s",
		selectColumns(b), pq.QuoteIdentifier(b.Name), q.Where, q.Suffix)
	rows, err := x.Query(ctx, stmt, q.Args...)
	if err != nil {
		return database.TranslateError(err)
	}
	defer rows.Close()

	for rows.Next() {
		rec, err := scanRecord(b, rows)
		if err != nil {
			return err
		}
		if !filter.Match(node, rec) {
			continue
		}
		if err := emit(rec); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return database.TranslateError(err)
	}
	return nil
}
