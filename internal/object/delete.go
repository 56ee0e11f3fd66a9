package object

import (
	"context"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/stratadb/strata/internal/core"
	"github.com/stratadb/strata/internal/database"
)

type deleteRequest struct {
	engine *Engine
	x      Executor

	bucketName string
	key        string
	opts       WriteOptions

	bucket *core.Bucket
	id     int64
	etag   string
}

// Delete removes one object by key. Deleting a nonexistent key fails
// with ObjectNotFoundError; a caller-supplied etag that does not match
// the stored row fails with EtagConflictError and leaves the row alone.
func (e *Engine) Delete(ctx context.Context, x Executor, bucketName, key string, opts WriteOptions) error {
	r := &deleteRequest{
		engine:     e,
		x:          x,
		bucketName: bucketName,
		key:        key,
		opts:       opts,
	}
	err := runPipeline(ctx, "delete", []step{
		{"loadBucket", r.loadBucket},
		{"deleteRow", r.deleteRow},
		{"runPostTriggers", r.runPostTriggers},
	})
	if err != nil {
		return err
	}
	e.purgeCache(ctx, bucketName, key)
	return nil
}

func (r *deleteRequest) loadBucket(ctx context.Context) error {
	b, err := r.engine.loadBucket(ctx, r.x, r.bucketName, false)
	if err != nil {
		return err
	}
	r.bucket = b
	return nil
}

// deleteRow removes the row and captures its prior identity and etag
// for the precondition check and post triggers.
func (r *deleteRequest) deleteRow(ctx context.Context) error {
	existing, err := selectExisting(ctx, r.x, r.bucket.Name, r.key)
	if err != nil {
		return err
	}
	if existing == nil {
		return &core.ObjectNotFoundError{Bucket: r.bucket.Name, Key: r.key}
	}
	if r.opts.Etag == EtagMatch && existing.etag != r.opts.EtagValue {
		return &core.EtagConflictError{
			Bucket: r.bucket.Name, Key: r.key,
			Expected: r.opts.EtagValue, Actual: existing.etag,
		}
	}
	r.id = existing.id
	r.etag = strings.TrimSpace(existing.etag)

	if _, err := r.x.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE _key = $1",
		pq.QuoteIdentifier(r.bucket.Name)), r.key); err != nil {
		return database.TranslateError(err)
	}
	return nil
}

func (r *deleteRequest) runPostTriggers(ctx context.Context) error {
	if len(r.bucket.Post) == 0 {
		return nil
	}
	return r.engine.buckets.Triggers().RunPost(ctx, r.bucket.Post, &core.PostTriggerArgs{
		Bucket:    r.bucket,
		Key:       r.key,
		Operation: "delete",
		ID:        r.id,
		Etag:      r.etag,
	})
}
