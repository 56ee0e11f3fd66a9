package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratadb/strata/internal/core"
)

func testBucket() *core.Bucket {
	return &core.Bucket{
		Name: "records",
		Index: map[string]core.IndexField{
			"name":   {Type: core.IndexString},
			"count":  {Type: core.IndexNumber},
			"active": {Type: core.IndexBoolean},
			"addr":   {Type: core.IndexIP},
			"tags":   {Type: core.IndexStringArray},
		},
	}
}

func TestParseEquality(t *testing.T) {
	n, err := Parse("(name=foo)")
	require.NoError(t, err)

	cmp, ok := n.(*CompareNode)
	require.True(t, ok)
	assert.Equal(t, "name", cmp.Attribute)
	assert.Equal(t, OpEqual, cmp.Op)
	assert.Equal(t, "foo", cmp.Value)
}

func TestParseRangeOps(t *testing.T) {
	n, err := Parse("(count>=3)")
	require.NoError(t, err)
	assert.Equal(t, OpGE, n.(*CompareNode).Op)

	n, err = Parse("(count<=10)")
	require.NoError(t, err)
	assert.Equal(t, OpLE, n.(*CompareNode).Op)
}

func TestParseNested(t *testing.T) {
	n, err := Parse("(&(name=foo)(|(count>=3)(!(active=true))))")
	require.NoError(t, err)

	and, ok := n.(*AndNode)
	require.True(t, ok)
	require.Len(t, and.Children, 2)

	or, ok := and.Children[1].(*OrNode)
	require.True(t, ok)
	require.Len(t, or.Children, 2)

	_, ok = or.Children[1].(*NotNode)
	assert.True(t, ok)
}

func TestParsePresent(t *testing.T) {
	n, err := Parse("(name=*)")
	require.NoError(t, err)

	p, ok := n.(*PresentNode)
	require.True(t, ok)
	assert.Equal(t, "name", p.Attribute)
}

func TestParseSubstring(t *testing.T) {
	n, err := Parse("(name=fo*ba*r)")
	require.NoError(t, err)

	s, ok := n.(*SubstringNode)
	require.True(t, ok)
	assert.Equal(t, "fo", s.Initial)
	assert.Equal(t, []string{"ba"}, s.Any)
	assert.Equal(t, "r", s.Final)
}

func TestParseMalformed(t *testing.T) {
	for _, in := range []string{"", "name=foo", "(name=foo", "(&)", "(=foo)"} {
		_, err := Parse(in)
		assert.Error(t, err, "input %q", in)
	}
}

func TestCompileString(t *testing.T) {
	n, err := Parse("(name=foo)")
	require.NoError(t, err)

	q, err := Compile(testBucket(), n, Options{})
	require.NoError(t, err)
	assert.Equal(t, `"name" = $1`, q.Where)
	assert.Equal(t, []interface{}{"foo"}, q.Args)
	assert.Equal(t, " LIMIT 1000", q.Suffix)
}

func TestCompileNumberRange(t *testing.T) {
	n, err := Parse("(count>=3)")
	require.NoError(t, err)

	q, err := Compile(testBucket(), n, Options{})
	require.NoError(t, err)
	assert.Equal(t, `"count" >= $1`, q.Where)
	assert.Equal(t, []interface{}{int64(3)}, q.Args)
}

func TestCompileInternalColumn(t *testing.T) {
	n, err := Parse("(_mtime>=1700000000000)")
	require.NoError(t, err)

	q, err := Compile(testBucket(), n, Options{})
	require.NoError(t, err)
	assert.Equal(t, `"_mtime" >= $1`, q.Where)
}

func TestCompileNotIndexed(t *testing.T) {
	n, err := Parse("(secret=foo)")
	require.NoError(t, err)

	_, err = Compile(testBucket(), n, Options{})
	var nie *core.NotIndexedError
	require.ErrorAs(t, err, &nie)
	assert.Equal(t, "records", nie.Bucket)
	assert.Equal(t, "(secret=foo)", nie.Filter)
}

func TestCompileAndDropsUncoercibleChild(t *testing.T) {
	// count=abc cannot coerce to a number; AND drops the child.
	n, err := Parse("(&(name=foo)(count=abc))")
	require.NoError(t, err)

	q, err := Compile(testBucket(), n, Options{})
	require.NoError(t, err)
	assert.Equal(t, `("name" = $1)`, q.Where)
	assert.Equal(t, []interface{}{"foo"}, q.Args)
}

func TestCompileOrRequiresEveryChild(t *testing.T) {
	// An OR branch that compiles to nothing would silently under-match.
	n, err := Parse("(|(name=foo)(count=abc))")
	require.NoError(t, err)

	_, err = Compile(testBucket(), n, Options{})
	var nie *core.NotIndexedError
	assert.ErrorAs(t, err, &nie)
}

func TestCompileArrayMembership(t *testing.T) {
	n, err := Parse("(tags=red)")
	require.NoError(t, err)

	q, err := Compile(testBucket(), n, Options{})
	require.NoError(t, err)
	assert.Equal(t, `$1::text = ANY("tags")`, q.Where)
	assert.Equal(t, []interface{}{"red"}, q.Args)
}

func TestCompileIPCast(t *testing.T) {
	n, err := Parse("(addr=10.0.0.1)")
	require.NoError(t, err)

	q, err := Compile(testBucket(), n, Options{})
	require.NoError(t, err)
	assert.Equal(t, `"addr" = $1::inet`, q.Where)
}

func TestCompileSubstringLike(t *testing.T) {
	n, err := Parse("(name=fo*100%*r)")
	require.NoError(t, err)

	q, err := Compile(testBucket(), n, Options{})
	require.NoError(t, err)
	assert.Equal(t, `"name" LIKE $1`, q.Where)
	assert.Equal(t, []interface{}{`fo%100\%%r`}, q.Args)
}

func TestCompileSuffix(t *testing.T) {
	n, err := Parse("(name=foo)")
	require.NoError(t, err)

	q, err := Compile(testBucket(), n, Options{
		Sort:   SortOption{Attribute: "count", Order: "desc"},
		Limit:  50,
		Offset: 10,
	})
	require.NoError(t, err)
	assert.Equal(t, ` ORDER BY "count" DESC LIMIT 50 OFFSET 10`, q.Suffix)

	q, err = Compile(testBucket(), n, Options{NoLimit: true})
	require.NoError(t, err)
	assert.Equal(t, "", q.Suffix)
}

func TestCompileSortOnNotIndexed(t *testing.T) {
	n, err := Parse("(name=foo)")
	require.NoError(t, err)

	_, err = Compile(testBucket(), n, Options{Sort: SortOption{Attribute: "secret"}})
	var nie *core.NotIndexedError
	assert.ErrorAs(t, err, &nie)
}

func TestCompileArgBase(t *testing.T) {
	n, err := Parse("(&(name=foo)(count<=5))")
	require.NoError(t, err)

	q, err := Compile(testBucket(), n, Options{ArgBase: 2, NoLimit: true})
	require.NoError(t, err)
	assert.Equal(t, `("name" = $3 AND "count" <= $4)`, q.Where)
	assert.Len(t, q.Args, 2)
}

func TestMatchCompare(t *testing.T) {
	rec := &core.ObjectRecord{
		Bucket: "records",
		Key:    "k1",
		Value: map[string]interface{}{
			"name":   "foo",
			"count":  float64(7),
			"active": true,
			"tags":   []interface{}{"red", "blue"},
		},
		ID:    42,
		Mtime: 1700000000000,
	}

	for filterText, want := range map[string]bool{
		"(name=foo)":                   true,
		"(name=bar)":                   false,
		"(count>=7)":                   true,
		"(count>=8)":                   false,
		"(count<=7)":                   true,
		"(active=TRUE)":                true, // boolean equality is case-insensitive
		"(active=false)":               false,
		"(tags=blue)":                  true, // arrays match on any element
		"(tags=green)":                 false,
		"(name=*)":                     true,
		"(missing=*)":                  false,
		"(name=f*o)":                   true,
		"(name=x*)":                    false,
		"(_id=42)":                     true,
		"(_mtime>=1700000000000)":      true,
		"(&(name=foo)(count>=5))":      true,
		"(|(name=bar)(count>=5))":      true,
		"(!(name=bar))":                true,
		"(&(name=foo)(!(tags=blue)))":  false,
		"(|(name=bar)(missing=thing))": false,
	} {
		n, err := Parse(filterText)
		require.NoError(t, err, filterText)
		assert.Equal(t, want, Match(n, rec), filterText)
	}
}

func TestMatchTxnSnap(t *testing.T) {
	snap := int64(9)
	with := &core.ObjectRecord{TxnSnap: &snap, Value: map[string]interface{}{}}
	without := &core.ObjectRecord{Value: map[string]interface{}{}}

	n, err := Parse("(_txn_snap>=5)")
	require.NoError(t, err)
	assert.True(t, Match(n, with))
	assert.False(t, Match(n, without))
}

func TestAttributes(t *testing.T) {
	n, err := Parse("(&(name=foo)(|(count>=3)(tags=red)))")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"name", "count", "tags"}, Attributes(n))
}
