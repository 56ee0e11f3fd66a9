package core

import (
	"context"
)

// Triggers are named, registered callbacks referenced by bucket
// configuration. Pre triggers run before a write is indexed and inserted
// and may rewrite the key or value; post triggers run after the write is
// committed and are side-effect only.

// PreTriggerArgs is the mutable view a pre trigger receives. Changes to
// Key and Value are carried forward into the rest of the write pipeline.
type PreTriggerArgs struct {
	Bucket *Bucket
	Key    string
	Value  map[string]interface{}
}

// PostTriggerArgs describes a committed write.
type PostTriggerArgs struct {
	Bucket *Bucket
	Key    string
	Value  map[string]interface{}

	// Operation is "put", "delete", "update" or "deleteMany".
	Operation string

	ID   int64
	Etag string
}

// PreTrigger is a callback run before indexing and inserting a write.
type PreTrigger interface {
	// Name returns the identifier buckets use to reference this trigger.
	Name() string

	// Run may rewrite args.Key and args.Value. Returning an error
	// aborts the write and rolls back its transaction.
	Run(ctx context.Context, args *PreTriggerArgs) error
}

// PostTrigger is a callback run after a write commits.
type PostTrigger interface {
	Name() string

	// Run performs side effects only; the write is already committed
	// and an error here fails the request without undoing it.
	Run(ctx context.Context, args *PostTriggerArgs) error
}
