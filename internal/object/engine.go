// Package object implements the object operations engine: put, get,
// delete, find, bulk update/delete and batch, each as a fixed pipeline
// of steps over one transaction.
package object

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/stratadb/strata/internal/bucket"
	"github.com/stratadb/strata/internal/core"
)

// Executor is the transaction surface pipelines run against. Both a
// transactional handle and a plain pooled database satisfy it.
type Executor = bucket.Executor

// Engine executes object operations against a bucket's backing table.
// It owns the bounded object cache; bucket metadata lookups go through
// the schema store's own cache.
type Engine struct {
	buckets  *bucket.Store
	cache    core.KVStore
	cacheTTL time.Duration
}

// NewEngine creates an engine. cache may be nil to disable object
// caching entirely.
func NewEngine(buckets *bucket.Store, cache core.KVStore, cacheTTL time.Duration) *Engine {
	if cacheTTL <= 0 {
		cacheTTL = 30 * time.Second
	}
	return &Engine{buckets: buckets, cache: cache, cacheTTL: cacheTTL}
}

// Buckets exposes the schema store the engine reads metadata through.
func (e *Engine) Buckets() *bucket.Store {
	return e.buckets
}

// EtagCheck selects the optimistic-concurrency precondition of a write.
type EtagCheck int

const (
	// EtagAny skips the precondition.
	EtagAny EtagCheck = iota

	// EtagAbsent requires that no row exists for the key (insert-only).
	EtagAbsent

	// EtagMatch requires the existing row's etag to equal EtagValue.
	EtagMatch
)

// WriteOptions carries per-write options shared by put and delete.
type WriteOptions struct {
	Etag      EtagCheck
	EtagValue string

	// Vnode is an optional placement hint stored alongside the row.
	Vnode *int64
}

// GetOptions controls a single-object read.
type GetOptions struct {
	// NoCache bypasses the object cache for both lookup and fill.
	NoCache bool

	// NoBucketCache forces an authoritative metadata read.
	NoBucketCache bool
}

// computeEtag returns the change-detection token for a serialized
// value: CRC32 hex, eight characters. It is not a security property.
func computeEtag(serialized []byte) string {
	return fmt.Sprintf("%08x", crc32.ChecksumIEEE(serialized))
}

// bulkEtag returns the random shared token stamped on every row touched
// by one bulk update.
func bulkEtag() string {
	return uuid.NewString()[:8]
}

// cacheKey is the object-cache key for one (bucket, key) identity.
func cacheKey(bucketName, key string) string {
	return bucketName + "::" + key
}

// step is one stage of an operation pipeline. Steps share a mutable
// request context; the first error aborts the pipeline and rolls the
// transaction back at the call site.
type step struct {
	name string
	run  func(ctx context.Context) error
}

func runPipeline(ctx context.Context, op string, steps []step) error {
	for _, s := range steps {
		if err := s.run(ctx); err != nil {
			log.Printf("[OBJECT] %s failed at %s: %v", op, s.name, err)
			return err
		}
	}
	return nil
}

// loadBucket resolves bucket metadata through the schema store.
func (e *Engine) loadBucket(ctx context.Context, x Executor, name string, skipCache bool) (*core.Bucket, error) {
	return e.buckets.Get(ctx, x, name, skipCache)
}

// purgeCache drops the cached copy of an object after a write.
func (e *Engine) purgeCache(ctx context.Context, bucketName, key string) {
	if e.cache == nil {
		return
	}
	// Best effort: a failed purge only extends staleness to the TTL.
	_ = e.cache.Delete(ctx, cacheKey(bucketName, key))
}

// fillCache stores a freshly read record.
func (e *Engine) fillCache(ctx context.Context, rec *core.ObjectRecord) {
	if e.cache == nil {
		return
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return
	}
	_ = e.cache.Set(ctx, cacheKey(rec.Bucket, rec.Key), raw, e.cacheTTL)
}

// cachedRecord returns a cached record, or nil.
func (e *Engine) cachedRecord(ctx context.Context, bucketName, key string) *core.ObjectRecord {
	if e.cache == nil {
		return nil
	}
	raw, err := e.cache.Get(ctx, cacheKey(bucketName, key))
	if err != nil || raw == nil {
		return nil
	}
	var rec core.ObjectRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil
	}
	return &rec
}
