package bucket

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratadb/strata/internal/core"
	"github.com/stratadb/strata/internal/trigger"
)

// fakeExecutor scripts query results in call order and records every
// statement issued against it.
type fakeExecutor struct {
	results  []*fakeRows
	queries  []string
	execs    []string
	affected int64
}

func (f *fakeExecutor) Query(ctx context.Context, query string, args ...any) (core.Rows, error) {
	f.queries = append(f.queries, query)
	if len(f.results) == 0 {
		return &fakeRows{}, nil
	}
	r := f.results[0]
	f.results = f.results[1:]
	return r, nil
}

func (f *fakeExecutor) Exec(ctx context.Context, query string, args ...any) (core.Result, error) {
	f.execs = append(f.execs, query)
	return fakeResult(f.affected), nil
}

func (f *fakeExecutor) allExecs() string {
	return strings.Join(f.execs, "\n")
}

type fakeResult int64

func (r fakeResult) RowsAffected() (int64, error) { return int64(r), nil }

type fakeRows struct {
	data [][]any
	pos  int
}

func (r *fakeRows) Next() bool {
	if r.pos >= len(r.data) {
		return false
	}
	r.pos++
	return true
}

func (r *fakeRows) Scan(dest ...any) error {
	row := r.data[r.pos-1]
	for i, d := range dest {
		switch out := d.(type) {
		case *string:
			*out = row[i].(string)
		case *int64:
			*out = row[i].(int64)
		case **string:
			if row[i] == nil {
				*out = nil
			} else {
				s := row[i].(string)
				*out = &s
			}
		default:
			return fmt.Errorf("unsupported scan target %T", d)
		}
	}
	return nil
}

func (r *fakeRows) Columns() ([]string, error) { return nil, nil }
func (r *fakeRows) Close() error               { return nil }
func (r *fakeRows) Err() error                 { return nil }

// configRows produces the metadata row the store would load for b.
func configRows(t *testing.T, b *core.Bucket) *fakeRows {
	t.Helper()
	index, pre, post, options, reindex, err := encodeBucket(b)
	require.NoError(t, err)
	row := []any{b.Name, index, pre, post, options, nil, b.Mtime}
	if s, ok := reindex.(string); ok {
		row[5] = s
	}
	return &fakeRows{data: [][]any{row}}
}

func newStore() *Store {
	return NewStore(NewCache(10, time.Minute), trigger.NewRegistry())
}

func TestUpdateVersionMustAdvance(t *testing.T) {
	s := newStore()
	prev := &core.Bucket{
		Name:    "hosts",
		Index:   map[string]core.IndexField{"name": {Type: core.IndexString}},
		Options: core.BucketOptions{Version: 2},
	}
	x := &fakeExecutor{results: []*fakeRows{configRows(t, prev)}}

	next := &core.Bucket{
		Name:    "hosts",
		Index:   map[string]core.IndexField{"name": {Type: core.IndexString}},
		Options: core.BucketOptions{Version: 2},
	}
	err := s.Update(context.Background(), x, next)
	var ve *core.BucketVersionError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, 2, ve.Current)
	assert.Equal(t, 2, ve.Proposed)
	assert.Empty(t, x.execs, "a rejected update must issue no DDL")

	// The stored row is read under lock.
	require.NotEmpty(t, x.queries)
	assert.Contains(t, x.queries[0], "FOR UPDATE")
}

func TestUpdateBothUnversionedAllowed(t *testing.T) {
	s := newStore()
	prev := &core.Bucket{
		Name:  "hosts",
		Index: map[string]core.IndexField{"name": {Type: core.IndexString}},
	}
	x := &fakeExecutor{results: []*fakeRows{configRows(t, prev)}}

	next := &core.Bucket{
		Name: "hosts",
		Index: map[string]core.IndexField{
			"name": {Type: core.IndexString},
			"zip":  {Type: core.IndexString},
		},
	}
	require.NoError(t, s.Update(context.Background(), x, next))

	// Unversioned buckets get the column but no reindex bookkeeping.
	assert.Contains(t, x.allExecs(), `ALTER TABLE "hosts" ADD COLUMN IF NOT EXISTS "zip" TEXT`)
	assert.NotContains(t, x.allExecs(), "_rver")
	assert.Nil(t, next.ReindexActive)
}

func TestUpdateRejectsInPlaceRedefinition(t *testing.T) {
	s := newStore()
	prev := &core.Bucket{
		Name:    "hosts",
		Index:   map[string]core.IndexField{"age": {Type: core.IndexNumber}},
		Options: core.BucketOptions{Version: 1},
	}
	x := &fakeExecutor{results: []*fakeRows{configRows(t, prev)}}

	next := &core.Bucket{
		Name:    "hosts",
		Index:   map[string]core.IndexField{"age": {Type: core.IndexString}},
		Options: core.BucketOptions{Version: 2},
	}
	err := s.Update(context.Background(), x, next)
	var sce *core.SchemaChangeError
	require.ErrorAs(t, err, &sce)
	assert.Equal(t, "age", sce.Attribute)
	assert.Empty(t, x.execs)
}

func TestUpdateQueuesReindexForAddedAttributes(t *testing.T) {
	s := newStore()
	prev := &core.Bucket{
		Name:    "hosts",
		Index:   map[string]core.IndexField{"email": {Type: core.IndexString, Unique: true}},
		Options: core.BucketOptions{Version: 1},
	}
	x := &fakeExecutor{results: []*fakeRows{configRows(t, prev)}}

	next := &core.Bucket{
		Name: "hosts",
		Index: map[string]core.IndexField{
			"email": {Type: core.IndexString, Unique: true},
			"zip":   {Type: core.IndexString},
		},
		Options: core.BucketOptions{Version: 2},
	}
	require.NoError(t, s.Update(context.Background(), x, next))

	assert.Equal(t, []string{"zip"}, next.ReindexActive[2])
	ddl := x.allExecs()
	assert.Contains(t, ddl, `ALTER TABLE "hosts" ADD COLUMN IF NOT EXISTS "zip" TEXT`)
	assert.Contains(t, ddl, `ADD COLUMN IF NOT EXISTS _rver BIGINT`)
	assert.Contains(t, ddl, `CREATE INDEX IF NOT EXISTS "hosts_zip_idx"`)
	assert.Contains(t, ddl, `UPDATE "buckets_config" SET`)
}

func TestUpdateDropsRemovedAttributes(t *testing.T) {
	s := newStore()
	prev := &core.Bucket{
		Name: "hosts",
		Index: map[string]core.IndexField{
			"name": {Type: core.IndexString},
			"city": {Type: core.IndexString},
		},
		Options: core.BucketOptions{Version: 1},
	}
	x := &fakeExecutor{results: []*fakeRows{configRows(t, prev)}}

	next := &core.Bucket{
		Name:    "hosts",
		Index:   map[string]core.IndexField{"name": {Type: core.IndexString}},
		Options: core.BucketOptions{Version: 2},
	}
	require.NoError(t, s.Update(context.Background(), x, next))

	ddl := x.allExecs()
	assert.Contains(t, ddl, `DROP INDEX IF EXISTS "hosts_city_idx"`)
	assert.Contains(t, ddl, `ALTER TABLE "hosts" DROP COLUMN IF EXISTS "city"`)
}

func TestDeleteIsIdempotent(t *testing.T) {
	s := newStore()
	x := &fakeExecutor{affected: 0}

	// Deleting an absent bucket succeeds; the drops are IF EXISTS.
	require.NoError(t, s.Delete(context.Background(), x, "ghost"))
	ddl := x.allExecs()
	assert.Contains(t, ddl, `DROP TABLE IF EXISTS "ghost"`)
	assert.Contains(t, ddl, `DROP SEQUENCE IF EXISTS "ghost_serial"`)
	assert.Contains(t, ddl, `DROP TABLE IF EXISTS "ghost_locking_serial"`)
}

func TestDeleteRejectsReservedName(t *testing.T) {
	s := newStore()
	x := &fakeExecutor{}

	var e *core.InvalidBucketNameError
	assert.ErrorAs(t, s.Delete(context.Background(), x, "buckets_config"), &e)
	assert.Empty(t, x.execs)
}

func TestReindexBatchRejectsNonPositiveCount(t *testing.T) {
	s := newStore()
	_, err := s.ReindexBatch(context.Background(), &fakeExecutor{}, "hosts", 0)
	var ie *core.InvocationError
	assert.ErrorAs(t, err, &ie)
}

func TestReindexBatchNoopWithoutPendingWork(t *testing.T) {
	s := newStore()
	b := &core.Bucket{
		Name:    "hosts",
		Index:   map[string]core.IndexField{"name": {Type: core.IndexString}},
		Options: core.BucketOptions{Version: 2},
	}
	x := &fakeExecutor{results: []*fakeRows{configRows(t, b)}}

	res, err := s.ReindexBatch(context.Background(), x, "hosts", 100)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Processed)
	assert.False(t, res.Remaining)
	assert.Empty(t, x.execs)
}

func TestReindexBatchRecomputesStaleRows(t *testing.T) {
	s := newStore()
	b := &core.Bucket{
		Name:          "hosts",
		Index:         map[string]core.IndexField{"zip": {Type: core.IndexString}},
		Options:       core.BucketOptions{Version: 2},
		ReindexActive: map[int][]string{2: {"zip"}},
	}
	stale := &fakeRows{data: [][]any{
		{"k1", `{"zip":"94110"}`},
		{"k2", `not json`}, // unparseable value projects to NULL, not a wedge
	}}
	x := &fakeExecutor{results: []*fakeRows{configRows(t, b), stale}}

	res, err := s.ReindexBatch(context.Background(), x, "hosts", 10)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Processed)
	assert.True(t, res.Remaining)

	require.Len(t, x.execs, 2)
	assert.Contains(t, x.execs[0], `"zip" = $1`)
	assert.Contains(t, x.execs[0], "_rver = $2")
	assert.Contains(t, x.queries[1], "FOR UPDATE")
}

func TestReindexBatchDrainClearsPendingState(t *testing.T) {
	s := newStore()
	b := &core.Bucket{
		Name:          "hosts",
		Index:         map[string]core.IndexField{"zip": {Type: core.IndexString}},
		Options:       core.BucketOptions{Version: 2},
		ReindexActive: map[int][]string{2: {"zip"}},
	}
	// Second query (the stale-row scan) comes back empty: drained.
	x := &fakeExecutor{results: []*fakeRows{configRows(t, b), {}}}

	res, err := s.ReindexBatch(context.Background(), x, "hosts", 100)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Processed)
	assert.False(t, res.Remaining)

	// The cleared reindex state is persisted.
	require.NotEmpty(t, x.execs)
	assert.Contains(t, x.execs[len(x.execs)-1], "reindex_active")
}
