package rpc

import (
	"encoding/json"
	"fmt"

	"github.com/stratadb/strata/internal/core"
	"github.com/stratadb/strata/internal/filter"
	"github.com/stratadb/strata/internal/object"
)

// argKind tags one positional argument's expected shape.
type argKind string

const (
	argInteger  argKind = "integer"
	argString   argKind = "string"
	argArray    argKind = "array"
	argObject   argKind = "object"
	argOptions  argKind = "options"
	argRequests argKind = "requests"
)

// argSpec declares one positional argument of an operation.
type argSpec struct {
	name string
	kind argKind
}

// Options is the trailing free-form options object every operation
// accepts. Unknown keys are ignored.
type Options struct {
	// Timeout bounds each statement of the operation, in milliseconds.
	Timeout int64 `json:"timeout"`

	// Etag is the optimistic-concurrency precondition for writes.
	// Absent means no check; JSON null means insert-only; a string must
	// match the stored etag. Kept raw to preserve the three states.
	Etag json.RawMessage `json:"etag"`

	NoCache       bool `json:"noCache"`
	NoBucketCache bool `json:"noBucketCache"`

	Limit  int               `json:"limit"`
	Offset int               `json:"offset"`
	Sort   filter.SortOption `json:"sort"`

	Vnode *int64 `json:"vnode"`

	// NoCount suppresses the remaining-row count query on reindex.
	NoCount bool `json:"no_count"`
}

// writeOptions translates the wire options into the engine's write
// precondition form. An etag that is neither a string nor null is a
// caller mistake and must not be treated as "no precondition".
func (o *Options) writeOptions(op string) (object.WriteOptions, error) {
	w := object.WriteOptions{Vnode: o.Vnode}
	switch {
	case o.Etag == nil:
		w.Etag = object.EtagAny
	case string(o.Etag) == "null":
		w.Etag = object.EtagAbsent
	default:
		var v string
		if err := json.Unmarshal(o.Etag, &v); err != nil {
			return w, &core.InvocationError{Op: op, Reason: "etag must be a string or null"}
		}
		w.Etag = object.EtagMatch
		w.EtagValue = v
	}
	return w, nil
}

// decodedArgs holds one request's validated positional arguments.
type decodedArgs struct {
	integers map[string]int64
	strings  map[string]string
	arrays   map[string]json.RawMessage
	objects  map[string]json.RawMessage
	options  *Options
	requests []object.BatchRequest
}

// validateArgs checks a request's argument count and per-position types
// against the operation's schema. A mismatch fails with InvocationError
// naming the offending parameter, before any database interaction.
func validateArgs(op string, spec []argSpec, args []json.RawMessage) (*decodedArgs, error) {
	if len(args) != len(spec) {
		return nil, &core.InvocationError{
			Op:     op,
			Reason: fmt.Sprintf("expected %d arguments, got %d", len(spec), len(args)),
		}
	}

	d := &decodedArgs{
		integers: make(map[string]int64),
		strings:  make(map[string]string),
		arrays:   make(map[string]json.RawMessage),
		objects:  make(map[string]json.RawMessage),
		options:  &Options{},
	}
	for i, s := range spec {
		raw := args[i]
		switch s.kind {
		case argInteger:
			var v int64
			if err := json.Unmarshal(raw, &v); err != nil {
				return nil, badArg(op, s)
			}
			d.integers[s.name] = v
		case argString:
			var v string
			if err := json.Unmarshal(raw, &v); err != nil {
				return nil, badArg(op, s)
			}
			d.strings[s.name] = v
		case argArray:
			if !jsonIs(raw, '[') {
				return nil, badArg(op, s)
			}
			d.arrays[s.name] = raw
		case argObject:
			if !jsonIs(raw, '{') {
				return nil, badArg(op, s)
			}
			d.objects[s.name] = raw
		case argOptions:
			if !jsonIs(raw, '{') {
				return nil, badArg(op, s)
			}
			if err := json.Unmarshal(raw, d.options); err != nil {
				return nil, badArg(op, s)
			}
		case argRequests:
			if err := json.Unmarshal(raw, &d.requests); err != nil {
				return nil, badArg(op, s)
			}
		}
	}
	return d, nil
}

func badArg(op string, s argSpec) error {
	return &core.InvocationError{
		Op:     op,
		Reason: fmt.Sprintf("%s must be %s", s.name, s.kind),
	}
}

// jsonIs reports whether raw's first significant byte opens the given
// JSON form.
func jsonIs(raw json.RawMessage, open byte) bool {
	for _, b := range raw {
		switch b {
		case ' ', '\t', '\n', '\r':
			continue
		default:
			return b == open
		}
	}
	return false
}
