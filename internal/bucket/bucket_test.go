package bucket

import (
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratadb/strata/internal/core"
	"github.com/stratadb/strata/internal/trigger"
)

func TestValidateName(t *testing.T) {
	for _, name := range []string{"accounts", "A", "a_b_c1", "Z9"} {
		assert.NoError(t, ValidateName(name), name)
	}
	for _, name := range []string{"", "1abc", "_hidden", "a-b", "buckets_config", "search",
		"averyveryverylongnamethatclearlyexceedsthesixtythreecharacterlimitx"} {
		var e *core.InvalidBucketNameError
		assert.ErrorAs(t, ValidateName(name), &e, name)
	}
}

func TestValidateIndexSchema(t *testing.T) {
	reg := trigger.NewRegistry()

	b := &core.Bucket{
		Name: "accounts",
		Index: map[string]core.IndexField{
			"email": {Type: core.IndexString, Unique: true},
			"tags":  {Type: core.IndexStringArray},
		},
	}
	require.NoError(t, Validate(b, reg))

	bad := &core.Bucket{
		Name:  "accounts",
		Index: map[string]core.IndexField{"_id": {Type: core.IndexString}},
	}
	var iie *core.InvalidIndexError
	assert.ErrorAs(t, Validate(bad, reg), &iie)

	bad = &core.Bucket{
		Name:  "accounts",
		Index: map[string]core.IndexField{"email": {Type: "blob"}},
	}
	var ite *core.InvalidIndexTypeError
	assert.ErrorAs(t, Validate(bad, reg), &ite)

	bad = &core.Bucket{
		Name:  "accounts",
		Index: map[string]core.IndexField{"tags": {Type: core.IndexStringArray, Unique: true}},
	}
	assert.ErrorAs(t, Validate(bad, reg), &iie)
}

func TestValidateUnknownTrigger(t *testing.T) {
	b := &core.Bucket{
		Name: "accounts",
		Pre:  []string{"no-such-trigger"},
	}
	var nfe *core.NotFunctionError
	assert.ErrorAs(t, Validate(b, trigger.NewRegistry()), &nfe)
}

func TestDiffIndex(t *testing.T) {
	old := map[string]core.IndexField{
		"email": {Type: core.IndexString, Unique: true},
		"age":   {Type: core.IndexNumber},
		"city":  {Type: core.IndexString},
	}
	next := map[string]core.IndexField{
		"email": {Type: core.IndexString, Unique: true},
		"age":   {Type: core.IndexString}, // type changed
		"zip":   {Type: core.IndexString}, // added
	}

	d := diffIndex(old, next)
	assert.Equal(t, []string{"zip"}, d.Added)
	assert.Equal(t, []string{"city"}, d.Removed)
	assert.Equal(t, []string{"age"}, d.Changed)
}

func TestDiffIndexUniquenessChange(t *testing.T) {
	old := map[string]core.IndexField{"email": {Type: core.IndexString}}
	next := map[string]core.IndexField{"email": {Type: core.IndexString, Unique: true}}
	assert.Equal(t, []string{"email"}, diffIndex(old, next).Changed)
}

func TestColumnType(t *testing.T) {
	assert.Equal(t, "TEXT", columnType(core.IndexString))
	assert.Equal(t, "NUMERIC", columnType(core.IndexNumber))
	assert.Equal(t, "BOOLEAN", columnType(core.IndexBoolean))
	assert.Equal(t, "INET", columnType(core.IndexIP))
	assert.Equal(t, "CIDR", columnType(core.IndexSubnet))
	assert.Equal(t, "TEXT[]", columnType(core.IndexStringArray))
	assert.Equal(t, "NUMERIC[]", columnType(core.IndexNumberArray))
}

func TestCacheLRUEviction(t *testing.T) {
	c := NewCache(2, time.Minute)
	c.Put("a", []byte("1"))
	c.Put("b", []byte("2"))

	// Touch "a" so "b" becomes the eviction candidate.
	require.NotNil(t, c.Get("a"))
	c.Put("c", []byte("3"))

	assert.Nil(t, c.Get("b"))
	assert.NotNil(t, c.Get("a"))
	assert.NotNil(t, c.Get("c"))
	assert.Equal(t, 2, c.Len())
}

func TestCacheTTLExpiry(t *testing.T) {
	c := NewCache(10, 10*time.Millisecond)
	c.Put("a", []byte("1"))
	require.NotNil(t, c.Get("a"))

	time.Sleep(20 * time.Millisecond)
	assert.Nil(t, c.Get("a"))
}

func TestCacheInvalidate(t *testing.T) {
	c := NewCache(10, time.Minute)
	c.Put("a", []byte("1"))
	c.Invalidate("a")
	assert.Nil(t, c.Get("a"))
	assert.Equal(t, 0, c.Len())
}

func TestProjectValueScalars(t *testing.T) {
	b := &core.Bucket{
		Name: "hosts",
		Index: map[string]core.IndexField{
			"name":   {Type: core.IndexString},
			"cpus":   {Type: core.IndexNumber},
			"live":   {Type: core.IndexBoolean},
			"addr":   {Type: core.IndexIP},
			"subnet": {Type: core.IndexSubnet},
		},
	}

	cols := ProjectValue(b, map[string]interface{}{
		"name":   "web0",
		"cpus":   float64(8),
		"live":   true,
		"addr":   "10.0.0.7",
		"subnet": "10.0.0.0/24",
		"extra":  "ignored",
	})

	// Columns come back in sorted attribute order.
	require.Equal(t, []string{"addr", "cpus", "live", "name", "subnet"}, IndexColumns(b))
	assert.Equal(t, "10.0.0.7", cols[0])
	assert.Equal(t, float64(8), cols[1])
	assert.Equal(t, true, cols[2])
	assert.Equal(t, "web0", cols[3])
	assert.Equal(t, "10.0.0.0/24", cols[4])
}

func TestProjectValueMissingAndUncoercible(t *testing.T) {
	b := &core.Bucket{
		Name: "hosts",
		Index: map[string]core.IndexField{
			"cpus": {Type: core.IndexNumber},
			"addr": {Type: core.IndexIP},
		},
	}

	cols := ProjectValue(b, map[string]interface{}{
		"cpus": "not-a-number",
		"addr": "999.999.1.1",
	})
	assert.Nil(t, cols[0]) // addr: malformed address projects to NULL
	assert.Nil(t, cols[1]) // cpus: unparseable number projects to NULL

	cols = ProjectValue(b, map[string]interface{}{})
	assert.Nil(t, cols[0])
	assert.Nil(t, cols[1])
}

func TestProjectValueArrayFanOut(t *testing.T) {
	b := &core.Bucket{
		Name:  "hosts",
		Index: map[string]core.IndexField{"tags": {Type: core.IndexStringArray}},
	}

	cols := ProjectValue(b, map[string]interface{}{
		"tags": []interface{}{"red", "blue"},
	})
	assert.Equal(t, pq.Array([]string{"red", "blue"}), cols[0])

	// A scalar under an array index is indexed as a one-element array.
	cols = ProjectValue(b, map[string]interface{}{"tags": "red"})
	assert.Equal(t, pq.Array([]string{"red"}), cols[0])
}

func TestQueueReindexDeduplicates(t *testing.T) {
	b := &core.Bucket{Name: "hosts", ReindexActive: map[int][]string{2: {"alpha"}}}

	queueReindex(b, 3, []string{"alpha", "beta"})
	assert.Equal(t, []string{"alpha"}, b.ReindexActive[2])
	assert.Equal(t, []string{"beta"}, b.ReindexActive[3])

	// Nothing new: no empty entry is recorded.
	queueReindex(b, 4, []string{"alpha", "beta"})
	_, ok := b.ReindexActive[4]
	assert.False(t, ok)
}

func TestIndexName(t *testing.T) {
	assert.Equal(t, "hosts_cpus_idx", indexName("hosts", "cpus"))
	assert.Equal(t, "hosts_rver_idx", indexName("hosts", "_rver"))
}
