package rpc

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratadb/strata/internal/core"
	"github.com/stratadb/strata/internal/object"
)

func rawArgs(parts ...string) []json.RawMessage {
	out := make([]json.RawMessage, len(parts))
	for i, p := range parts {
		out[i] = json.RawMessage(p)
	}
	return out
}

func TestValidateArgsCount(t *testing.T) {
	spec := []argSpec{{"bucket", argString}, {"options", argOptions}}

	_, err := validateArgs("getBucket", spec, rawArgs(`"accounts"`))
	var ie *core.InvocationError
	require.ErrorAs(t, err, &ie)
	assert.Contains(t, ie.Reason, "expected 2 arguments")
}

func TestValidateArgsTypes(t *testing.T) {
	spec := []argSpec{
		{"bucket", argString},
		{"count", argInteger},
		{"value", argObject},
		{"keys", argArray},
		{"options", argOptions},
	}

	d, err := validateArgs("op", spec, rawArgs(
		`"accounts"`, `100`, `{"name":"foo"}`, `["a","b"]`, `{"timeout":5000}`))
	require.NoError(t, err)
	assert.Equal(t, "accounts", d.strings["bucket"])
	assert.Equal(t, int64(100), d.integers["count"])
	assert.JSONEq(t, `{"name":"foo"}`, string(d.objects["value"]))
	assert.JSONEq(t, `["a","b"]`, string(d.arrays["keys"]))
	assert.Equal(t, int64(5000), d.options.Timeout)

	for i, bad := range []string{`42`, `"nope"`, `[]`, `{}`, `"nope"`} {
		args := rawArgs(`"accounts"`, `100`, `{}`, `[]`, `{}`)
		args[i] = json.RawMessage(bad)
		_, err := validateArgs("op", spec, args)
		var ie *core.InvocationError
		require.ErrorAs(t, err, &ie, "position %d", i)
		assert.Contains(t, ie.Reason, spec[i].name)
	}
}

func TestValidateArgsLeadingWhitespace(t *testing.T) {
	spec := []argSpec{{"value", argObject}}
	_, err := validateArgs("op", spec, rawArgs("  \n\t{}"))
	assert.NoError(t, err)
}

func TestValidateArgsRequests(t *testing.T) {
	spec := []argSpec{{"requests", argRequests}}
	d, err := validateArgs("batch", spec, rawArgs(
		`[{"operation":"put","bucket":"accounts","key":"k","value":{"a":1}}]`))
	require.NoError(t, err)
	require.Len(t, d.requests, 1)
	assert.Equal(t, "put", d.requests[0].Operation)
	assert.Equal(t, "accounts", d.requests[0].Bucket)
}

func TestWriteOptionsEtagStates(t *testing.T) {
	// Absent: no precondition.
	o := &Options{}
	w, err := o.writeOptions("putObject")
	require.NoError(t, err)
	assert.Equal(t, object.EtagAny, w.Etag)

	// JSON null: insert-only.
	o = &Options{Etag: json.RawMessage("null")}
	w, err = o.writeOptions("putObject")
	require.NoError(t, err)
	assert.Equal(t, object.EtagAbsent, w.Etag)

	// String: must match.
	o = &Options{Etag: json.RawMessage(`"deadbeef"`)}
	w, err = o.writeOptions("putObject")
	require.NoError(t, err)
	assert.Equal(t, object.EtagMatch, w.Etag)
	assert.Equal(t, "deadbeef", w.EtagValue)
}

func TestWriteOptionsRejectsMalformedEtag(t *testing.T) {
	// Anything that is not a string or null must fail loudly rather
	// than silently dropping the caller's precondition.
	for _, raw := range []string{`42`, `true`, `{"e":"x"}`, `["deadbeef"]`} {
		o := &Options{Etag: json.RawMessage(raw)}
		_, err := o.writeOptions("putObject")
		var ie *core.InvocationError
		require.ErrorAs(t, err, &ie, raw)
		assert.Equal(t, "putObject", ie.Op)
		assert.Contains(t, ie.Reason, "etag")
	}
}

func TestOptionsDecodeSort(t *testing.T) {
	var o Options
	require.NoError(t, json.Unmarshal([]byte(
		`{"limit":50,"offset":10,"sort":{"attribute":"count","order":"desc"}}`), &o))
	assert.Equal(t, 50, o.Limit)
	assert.Equal(t, 10, o.Offset)
	assert.Equal(t, "count", o.Sort.Attribute)
	assert.Equal(t, "desc", o.Sort.Order)
}

func TestOperationsTableSchemas(t *testing.T) {
	// Every registered operation takes a trailing options argument.
	for name, op := range operations {
		require.NotNil(t, op.run, name)
		require.NotEmpty(t, op.args, name)
		assert.Equal(t, argOptions, op.args[len(op.args)-1].kind, name)
	}
}
