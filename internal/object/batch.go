package object

import (
	"context"
	"fmt"

	"github.com/stratadb/strata/internal/core"
)

// BatchRequest is one sub-operation of a batch call.
type BatchRequest struct {
	// Operation is "put" (the default when empty), "delete", "update"
	// or "deleteMany".
	Operation string `json:"operation"`

	Bucket string                 `json:"bucket"`
	Key    string                 `json:"key,omitempty"`
	Value  map[string]interface{} `json:"value,omitempty"`

	// Fields and Filter drive "update" and "deleteMany".
	Fields map[string]interface{} `json:"fields,omitempty"`
	Filter string                 `json:"filter,omitempty"`

	Options WriteOptions `json:"-"`
}

// BatchResult describes one sub-operation's outcome, in input order.
type BatchResult struct {
	Etag  string `json:"etag,omitempty"`
	Count int64  `json:"count,omitempty"`
}

// Batch runs a heterogeneous ordered sequence of sub-operations against
// one shared transaction. Each sub-operation reuses the corresponding
// single-operation pipeline. The first failure aborts the whole batch;
// the caller rolls back, so no sub-operation's effect survives.
func (e *Engine) Batch(ctx context.Context, x Executor, requests []BatchRequest) ([]BatchResult, error) {
	results := make([]BatchResult, 0, len(requests))
	for i, req := range requests {
		res, err := e.batchOne(ctx, x, i, req)
		if err != nil {
			return nil, err
		}
		results = append(results, res)
	}
	return results, nil
}

func (e *Engine) batchOne(ctx context.Context, x Executor, i int, req BatchRequest) (BatchResult, error) {
	switch req.Operation {
	case "", "put":
		etag, err := e.Put(ctx, x, req.Bucket, req.Key, req.Value, req.Options)
		if err != nil {
			return BatchResult{}, err
		}
		return BatchResult{Etag: etag}, nil
	case "delete":
		if err := e.Delete(ctx, x, req.Bucket, req.Key, req.Options); err != nil {
			return BatchResult{}, err
		}
		return BatchResult{}, nil
	case "update":
		res, err := e.UpdateMany(ctx, x, req.Bucket, req.Fields, req.Filter)
		if err != nil {
			return BatchResult{}, err
		}
		return BatchResult{Etag: res.Etag, Count: res.Count}, nil
	case "deleteMany":
		res, err := e.DeleteMany(ctx, x, req.Bucket, req.Filter)
		if err != nil {
			return BatchResult{}, err
		}
		return BatchResult{Etag: res.Etag, Count: res.Count}, nil
	default:
		return BatchResult{}, &core.InvocationError{
			Op:     "batch",
			Reason: fmt.Sprintf("unknown operation %q at index %d", req.Operation, i),
		}
	}
}
