package bucket

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/stratadb/strata/internal/core"
	"github.com/stratadb/strata/internal/database"
	"github.com/stratadb/strata/internal/trigger"
)

// Executor is the query surface the store needs from a transaction. It
// is satisfied by a transactional handle.
type Executor interface {
	Query(ctx context.Context, query string, args ...any) (core.Rows, error)
	Exec(ctx context.Context, query string, args ...any) (core.Result, error)
}

// Store manages bucket configuration rows and the relational objects
// (table, sequences, indexes) that back each bucket.
type Store struct {
	cache    *Cache
	triggers *trigger.Registry
}

// NewStore creates a bucket store using the given metadata cache and
// trigger registry. Both may be shared with the object engine.
func NewStore(cache *Cache, triggers *trigger.Registry) *Store {
	return &Store{cache: cache, triggers: triggers}
}

// Triggers exposes the registry used to resolve pre/post trigger names.
func (s *Store) Triggers() *trigger.Registry {
	return s.triggers
}

// EnsureMetadataTable creates the buckets_config table if it does not
// exist. Called once at startup against the primary.
func (s *Store) EnsureMetadataTable(ctx context.Context, e Executor) error {
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		name TEXT PRIMARY KEY,
		index TEXT NOT NULL,
		pre TEXT NOT NULL,
		post TEXT NOT NULL,
		options TEXT NOT NULL,
		reindex_active TEXT,
		mtime BIGINT NOT NULL
	)`, pq.QuoteIdentifier(MetadataTable))
	if _, err := e.Exec(ctx, ddl); err != nil {
		return database.TranslateError(err)
	}
	return nil
}

// Create validates the configuration, inserts the metadata row and
// materializes the backing table, sequence and secondary indexes.
func (s *Store) Create(ctx context.Context, e Executor, b *core.Bucket) error {
	if err := Validate(b, s.triggers); err != nil {
		return err
	}

	b.Mtime = time.Now().UnixMilli()
	if err := s.insertConfig(ctx, e, b); err != nil {
		return err
	}
	if err := s.createBackingTable(ctx, e, b); err != nil {
		return err
	}
	if err := s.createIndexes(ctx, e, b, b.Index); err != nil {
		return err
	}
	if b.Options.GuaranteeOrder {
		if err := s.createLockingSerial(ctx, e, b.Name); err != nil {
			return err
		}
	}

	s.cache.Invalidate(b.Name)
	log.Printf("[BUCKET] created bucket %s (version %d, %d indexed attributes)",
		b.Name, b.Options.Version, len(b.Index))
	return nil
}

// Update applies a new configuration to an existing bucket. Version
// must advance unless both old and new are unversioned. Redefining an
// existing indexed attribute in place is rejected; added attributes on
// a versioned bucket are queued for reindexing instead of being trusted
// immediately.
func (s *Store) Update(ctx context.Context, e Executor, b *core.Bucket) error {
	if err := Validate(b, s.triggers); err != nil {
		return err
	}

	prev, err := s.getForUpdate(ctx, e, b.Name)
	if err != nil {
		return err
	}

	oldV, newV := prev.Options.Version, b.Options.Version
	if !(oldV == 0 && newV == 0) && newV <= oldV {
		return &core.BucketVersionError{Bucket: b.Name, Current: oldV, Proposed: newV}
	}

	diff := diffIndex(prev.Index, b.Index)
	if len(diff.Changed) > 0 {
		return &core.SchemaChangeError{Bucket: b.Name, Attribute: diff.Changed[0]}
	}

	b.ReindexActive = cloneReindex(prev.ReindexActive)
	if len(diff.Added) > 0 && newV > 0 {
		queueReindex(b, newV, diff.Added)
		if err := s.ensureReindexColumn(ctx, e, b.Name); err != nil {
			return err
		}
	}

	added := make(map[string]core.IndexField, len(diff.Added))
	for _, attr := range diff.Added {
		added[attr] = b.Index[attr]
		col := pq.QuoteIdentifier(attr)
		ddl := fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s %s",
			pq.QuoteIdentifier(b.Name), col, columnType(b.Index[attr].Type))
		if _, err := e.Exec(ctx, ddl); err != nil {
			return database.TranslateError(err)
		}
	}
	if err := s.createIndexes(ctx, e, b, added); err != nil {
		return err
	}

	for _, attr := range diff.Removed {
		idx := pq.QuoteIdentifier(indexName(b.Name, attr))
		if _, err := e.Exec(ctx, "DROP INDEX IF EXISTS "+idx); err != nil {
			return database.TranslateError(err)
		}
		ddl := fmt.Sprintf("ALTER TABLE %s DROP COLUMN IF EXISTS %s",
			pq.QuoteIdentifier(b.Name), pq.QuoteIdentifier(attr))
		if _, err := e.Exec(ctx, ddl); err != nil {
			return database.TranslateError(err)
		}
	}

	b.Mtime = time.Now().UnixMilli()
	if err := s.updateConfig(ctx, e, b); err != nil {
		return err
	}

	s.cache.Invalidate(b.Name)
	log.Printf("[BUCKET] updated bucket %s to version %d (+%d/-%d attributes)",
		b.Name, newV, len(diff.Added), len(diff.Removed))
	return nil
}

// Get loads a bucket's configuration, consulting the metadata cache
// first unless skipCache is set.
func (s *Store) Get(ctx context.Context, e Executor, name string, skipCache bool) (*core.Bucket, error) {
	if !skipCache {
		if raw := s.cache.Get(name); raw != nil {
			var b core.Bucket
			if err := json.Unmarshal(raw, &b); err == nil {
				return &b, nil
			}
		}
	}

	b, err := s.load(ctx, e, name, false)
	if err != nil {
		return nil, err
	}
	if raw, err := json.Marshal(b); err == nil {
		s.cache.Put(name, raw)
	}
	return b, nil
}

// List returns every bucket configuration ordered by name.
func (s *Store) List(ctx context.Context, e Executor) ([]*core.Bucket, error) {
	rows, err := e.Query(ctx, fmt.Sprintf(
		"SELECT name, index, pre, post, options, reindex_active, mtime FROM %s ORDER BY name",
		pq.QuoteIdentifier(MetadataTable)))
	if err != nil {
		return nil, database.TranslateError(err)
	}
	defer rows.Close()

	var out []*core.Bucket
	for rows.Next() {
		b, err := scanBucket(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, database.TranslateError(err)
	}
	return out, nil
}

// Delete removes the metadata row and drops the backing table and its
// sequences. The object rows are destroyed with the table. Deleting a
// bucket that does not exist succeeds: every drop is guarded with IF
// EXISTS, so delete is idempotent.
func (s *Store) Delete(ctx context.Context, e Executor, name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}

	if _, err := e.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE name = $1",
		pq.QuoteIdentifier(MetadataTable)), name); err != nil {
		return database.TranslateError(err)
	}

	stmts := []string{
		"DROP TABLE IF EXISTS " + pq.QuoteIdentifier(name),
		"DROP SEQUENCE IF EXISTS " + pq.QuoteIdentifier(name+"_serial"),
		"DROP TABLE IF EXISTS " + pq.QuoteIdentifier(LockingSerialTable(name)),
	}
	for _, stmt := range stmts {
		if _, err := e.Exec(ctx, stmt); err != nil {
			return database.TranslateError(err)
		}
	}

	s.cache.Invalidate(name)
	log.Printf("[BUCKET] deleted bucket %s", name)
	return nil
}

// load reads one configuration row, optionally locking it for the
// remainder of the transaction.
func (s *Store) load(ctx context.Context, e Executor, name string, forUpdate bool) (*core.Bucket, error) {
	query := fmt.Sprintf(
		"SELECT name, index, pre, post, options, reindex_active, mtime FROM %s WHERE name = $1",
		pq.QuoteIdentifier(MetadataTable))
	if forUpdate {
		query += " FOR UPDATE"
	}
	rows, err := e.Query(ctx, query, name)
	if err != nil {
		return nil, database.TranslateError(err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, database.TranslateError(err)
		}
		return nil, &core.BucketNotFoundError{Bucket: name}
	}
	return scanBucket(rows)
}

func (s *Store) getForUpdate(ctx context.Context, e Executor, name string) (*core.Bucket, error) {
	return s.load(ctx, e, name, true)
}

func (s *Store) insertConfig(ctx context.Context, e Executor, b *core.Bucket) error {
	index, pre, post, options, reindex, err := encodeBucket(b)
	if err != nil {
		return err
	}
	_, err = e.Exec(ctx, fmt.Sprintf(
		"INSERT INTO %s (name, index, pre, post, options, reindex_active, mtime) VALUES ($1, $2, $3, $4, $5, $6, $7)",
		pq.QuoteIdentifier(MetadataTable)),
		b.Name, index, pre, post, options, reindex, b.Mtime)
	if err != nil {
		err = database.TranslateError(err)
		if _, ok := err.(*core.UniqueAttributeError); ok {
			return &core.InvalidBucketConfigError{
				Reason: fmt.Sprintf("bucket %q already exists", b.Name),
			}
		}
		return err
	}
	return nil
}

func (s *Store) updateConfig(ctx context.Context, e Executor, b *core.Bucket) error {
	index, pre, post, options, reindex, err := encodeBucket(b)
	if err != nil {
		return err
	}
	_, err = e.Exec(ctx, fmt.Sprintf(
		"UPDATE %s SET index = $2, pre = $3, post = $4, options = $5, reindex_active = $6, mtime = $7 WHERE name = $1",
		pq.QuoteIdentifier(MetadataTable)),
		b.Name, index, pre, post, options, reindex, b.Mtime)
	if err != nil {
		return database.TranslateError(err)
	}
	return nil
}

// SaveReindexState persists only the reindex_active column, used as
// batches drain.
func (s *Store) SaveReindexState(ctx context.Context, e Executor, b *core.Bucket) error {
	reindex, err := encodeReindex(b.ReindexActive)
	if err != nil {
		return err
	}
	_, err = e.Exec(ctx, fmt.Sprintf(
		"UPDATE %s SET reindex_active = $2, mtime = $3 WHERE name = $1",
		pq.QuoteIdentifier(MetadataTable)),
		b.Name, reindex, time.Now().UnixMilli())
	if err != nil {
		return database.TranslateError(err)
	}
	s.cache.Invalidate(b.Name)
	return nil
}

func (s *Store) createBackingTable(ctx context.Context, e Executor, b *core.Bucket) error {
	serial := b.Name + "_serial"
	if _, err := e.Exec(ctx, "CREATE SEQUENCE IF NOT EXISTS "+pq.QuoteIdentifier(serial)); err != nil {
		return database.TranslateError(err)
	}

	cols := []string{
		fmt.Sprintf("_id BIGINT DEFAULT nextval('%s')", serial),
		"_key TEXT PRIMARY KEY",
		"_value TEXT NOT NULL",
		"_etag CHAR(8) NOT NULL",
		"_mtime BIGINT NOT NULL",
		"_vnode BIGINT",
	}
	if b.Options.GuaranteeOrder {
		cols = append(cols, "_txn_snap BIGINT")
	}
	for _, attr := range sortedAttrs(b.Index) {
		cols = append(cols, fmt.Sprintf("%s %s",
			pq.QuoteIdentifier(attr), columnType(b.Index[attr].Type)))
	}

	ddl := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)",
		pq.QuoteIdentifier(b.Name), strings.Join(cols, ", "))
	if _, err := e.Exec(ctx, ddl); err != nil {
		return database.TranslateError(err)
	}

	for _, col := range []string{"_id", "_mtime", "_vnode"} {
		idx := pq.QuoteIdentifier(indexName(b.Name, col))
		ddl := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)",
			idx, pq.QuoteIdentifier(b.Name), pq.QuoteIdentifier(col))
		if _, err := e.Exec(ctx, ddl); err != nil {
			return database.TranslateError(err)
		}
	}
	if b.Options.GuaranteeOrder {
		idx := pq.QuoteIdentifier(indexName(b.Name, "_txn_snap"))
		ddl := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (_txn_snap) WHERE _txn_snap IS NOT NULL",
			idx, pq.QuoteIdentifier(b.Name))
		if _, err := e.Exec(ctx, ddl); err != nil {
			return database.TranslateError(err)
		}
	}
	return nil
}

// createIndexes creates one secondary index per attribute: unique or
// plain partial btree for scalars, GIN for arrays. Partial indexes skip
// NULL so sparsely populated attributes stay cheap.
func (s *Store) createIndexes(ctx context.Context, e Executor, b *core.Bucket, attrs map[string]core.IndexField) error {
	table := pq.QuoteIdentifier(b.Name)
	for _, attr := range sortedAttrs(attrs) {
		field := attrs[attr]
		col := pq.QuoteIdentifier(attr)
		idx := pq.QuoteIdentifier(indexName(b.Name, attr))

		var ddl string
		switch {
		case field.Type.Array():
			ddl = fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s USING GIN (%s) WHERE %s IS NOT NULL",
				idx, table, col, col)
		case field.Unique:
			ddl = fmt.Sprintf("CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (%s) WHERE %s IS NOT NULL",
				idx, table, col, col)
		default:
			ddl = fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s) WHERE %s IS NOT NULL",
				idx, table, col, col)
		}
		if _, err := e.Exec(ctx, ddl); err != nil {
			return database.TranslateError(err)
		}
	}
	return nil
}

// createLockingSerial creates and seeds the per-bucket single-row
// ordering table. Writers read-modify-write its one row under FOR
// UPDATE, which serializes every write to the bucket and yields a
// strictly increasing sequence even across processes.
func (s *Store) createLockingSerial(ctx context.Context, e Executor, name string) error {
	table := pq.QuoteIdentifier(LockingSerialTable(name))
	if _, err := e.Exec(ctx, fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (id BIGINT NOT NULL)", table)); err != nil {
		return database.TranslateError(err)
	}
	stmt := fmt.Sprintf("INSERT INTO %s (id) SELECT 1 WHERE NOT EXISTS (SELECT 1 FROM %s)", table, table)
	if _, err := e.Exec(ctx, stmt); err != nil {
		return database.TranslateError(err)
	}
	return nil
}

// LockingSerialTable returns the name of a bucket's ordering table.
func LockingSerialTable(bucket string) string {
	return bucket + "_locking_serial"
}

// ensureReindexColumn adds the row-version column tracking which schema
// version last projected each row, plus its partial index.
func (s *Store) ensureReindexColumn(ctx context.Context, e Executor, name string) error {
	ddl := fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS _rver BIGINT",
		pq.QuoteIdentifier(name))
	if _, err := e.Exec(ctx, ddl); err != nil {
		return database.TranslateError(err)
	}
	idx := pq.QuoteIdentifier(indexName(name, "_rver"))
	ddl = fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (_rver) WHERE _rver IS NOT NULL",
		idx, pq.QuoteIdentifier(name))
	if _, err := e.Exec(ctx, ddl); err != nil {
		return database.TranslateError(err)
	}
	return nil
}

func indexName(bucket, col string) string {
	return bucket + "_" + strings.TrimPrefix(col, "_") + "_idx"
}

// queueReindex records attrs as pending for version v, deduplicating
// against attributes already queued under earlier versions.
func queueReindex(b *core.Bucket, v int, attrs []string) {
	if b.ReindexActive == nil {
		b.ReindexActive = make(map[int][]string)
	}
	queued := make(map[string]bool)
	for _, list := range b.ReindexActive {
		for _, a := range list {
			queued[a] = true
		}
	}
	var fresh []string
	for _, a := range attrs {
		if !queued[a] {
			fresh = append(fresh, a)
		}
	}
	if len(fresh) > 0 {
		b.ReindexActive[v] = append(b.ReindexActive[v], fresh...)
	}
}

func cloneReindex(in map[int][]string) map[int][]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[int][]string, len(in))
	for v, attrs := range in {
		out[v] = append([]string(nil), attrs...)
	}
	return out
}

func encodeBucket(b *core.Bucket) (index, pre, post, options string, reindex any, err error) {
	enc := func(v any) (string, error) {
		raw, err := json.Marshal(v)
		if err != nil {
			return "", &core.InvalidBucketConfigError{Reason: err.Error()}
		}
		return string(raw), nil
	}
	if index, err = enc(b.Index); err != nil {
		return
	}
	if pre, err = enc(emptyIfNil(b.Pre)); err != nil {
		return
	}
	if post, err = enc(emptyIfNil(b.Post)); err != nil {
		return
	}
	if options, err = enc(b.Options); err != nil {
		return
	}
	reindex, err = encodeReindex(b.ReindexActive)
	return
}

func encodeReindex(active map[int][]string) (any, error) {
	if len(active) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(active)
	if err != nil {
		return nil, &core.InvalidBucketConfigError{Reason: err.Error()}
	}
	return string(raw), nil
}

func emptyIfNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func scanBucket(rows core.Rows) (*core.Bucket, error) {
	var (
		b       core.Bucket
		index   string
		pre     string
		post    string
		options string
		reindex *string
	)
	if err := rows.Scan(&b.Name, &index, &pre, &post, &options, &reindex, &b.Mtime); err != nil {
		return nil, database.TranslateError(err)
	}
	if err := json.Unmarshal([]byte(index), &b.Index); err != nil {
		return nil, &core.InternalError{Cause: fmt.Errorf("corrupt index schema for %s: %w", b.Name, err)}
	}
	if err := json.Unmarshal([]byte(pre), &b.Pre); err != nil {
		return nil, &core.InternalError{Cause: fmt.Errorf("corrupt pre triggers for %s: %w", b.Name, err)}
	}
	if err := json.Unmarshal([]byte(post), &b.Post); err != nil {
		return nil, &core.InternalError{Cause: fmt.Errorf("corrupt post triggers for %s: %w", b.Name, err)}
	}
	if err := json.Unmarshal([]byte(options), &b.Options); err != nil {
		return nil, &core.InternalError{Cause: fmt.Errorf("corrupt options for %s: %w", b.Name, err)}
	}
	if reindex != nil && *reindex != "" {
		if err := json.Unmarshal([]byte(*reindex), &b.ReindexActive); err != nil {
			return nil, &core.InternalError{Cause: fmt.Errorf("corrupt reindex state for %s: %w", b.Name, err)}
		}
	}
	return &b, nil
}
