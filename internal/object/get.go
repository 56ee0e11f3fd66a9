package object

import (
	"context"
	"fmt"

	"github.com/lib/pq"

	"github.com/stratadb/strata/internal/core"
	"github.com/stratadb/strata/internal/database"
)

// Get reads one object by key, consulting the bounded object cache
// first unless opts.NoCache is set. Cache reads are weakly consistent:
// a hit may trail the latest committed write by up to the cache TTL.
func (e *Engine) Get(ctx context.Context, x Executor, bucketName, key string, opts GetOptions) (*core.ObjectRecord, error) {
	if !opts.NoCache {
		if rec := e.cachedRecord(ctx, bucketName, key); rec != nil {
			return rec, nil
		}
	}

	b, err := e.loadBucket(ctx, x, bucketName, opts.NoBucketCache)
	if err != nil {
		return nil, err
	}

	rows, err := x.Query(ctx, fmt.Sprintf("SELECT %s FROM %s WHERE _key = $1",
		selectColumns(b), pq.QuoteIdentifier(b.Name)), key)
	if err != nil {
		return nil, database.TranslateError(err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, database.TranslateError(err)
		}
		return nil, &core.ObjectNotFoundError{Bucket: bucketName, Key: key}
	}
	rec, err := scanRecord(b, rows)
	if err != nil {
		return nil, err
	}

	if !opts.NoCache {
		e.fillCache(ctx, rec)
	}
	return rec, nil
}
