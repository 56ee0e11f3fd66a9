package core

import (
	"fmt"
)

// The error taxonomy is an explicit, enumerated set of typed errors.
// Every RPC failure surfaces one of these; the Name method gives the
// stable wire-visible error name.

// NamedError is implemented by every domain error in the taxonomy.
type NamedError interface {
	error
	Name() string
}

// InvocationError reports malformed RPC arguments. It is raised before
// any database interaction occurs.
type InvocationError struct {
	Op     string
	Reason string
}

func (e *InvocationError) Name() string { return "InvocationError" }
func (e *InvocationError) Error() string {
	return fmt.Sprintf("%s: invalid arguments: %s", e.Op, e.Reason)
}

// InvalidBucketConfigError reports a bucket configuration that failed
// validation for a reason not covered by a more specific error.
type InvalidBucketConfigError struct {
	Reason string
}

func (e *InvalidBucketConfigError) Name() string { return "InvalidBucketConfigError" }
func (e *InvalidBucketConfigError) Error() string {
	return fmt.Sprintf("invalid bucket config: %s", e.Reason)
}

// InvalidBucketNameError reports a bucket name that is malformed or reserved.
type InvalidBucketNameError struct {
	Bucket string
}

func (e *InvalidBucketNameError) Name() string { return "InvalidBucketNameError" }
func (e *InvalidBucketNameError) Error() string {
	return fmt.Sprintf("%s is not a valid bucket name", e.Bucket)
}

// InvalidIndexError reports a malformed index entry.
type InvalidIndexError struct {
	Attribute string
	Reason    string
}

func (e *InvalidIndexError) Name() string { return "InvalidIndexError" }
func (e *InvalidIndexError) Error() string {
	return fmt.Sprintf("index %q is invalid: %s", e.Attribute, e.Reason)
}

// InvalidIndexTypeError reports an index entry whose type is not in the
// supported enum.
type InvalidIndexTypeError struct {
	Attribute string
	Type      string
}

func (e *InvalidIndexTypeError) Name() string { return "InvalidIndexTypeError" }
func (e *InvalidIndexTypeError) Error() string {
	return fmt.Sprintf("index %q has invalid type %q", e.Attribute, e.Type)
}

// NotFunctionError reports a trigger name that does not resolve to a
// registered trigger callback.
type NotFunctionError struct {
	Trigger string
}

func (e *NotFunctionError) Name() string { return "NotFunctionError" }
func (e *NotFunctionError) Error() string {
	return fmt.Sprintf("%q is not a registered trigger function", e.Trigger)
}

// BucketNotFoundError reports a reference to a bucket that does not exist.
type BucketNotFoundError struct {
	Bucket string
}

func (e *BucketNotFoundError) Name() string { return "BucketNotFoundError" }
func (e *BucketNotFoundError) Error() string {
	return fmt.Sprintf("bucket %q does not exist", e.Bucket)
}

// ObjectNotFoundError reports a reference to an object that does not exist.
type ObjectNotFoundError struct {
	Bucket string
	Key    string
}

func (e *ObjectNotFoundError) Name() string { return "ObjectNotFoundError" }
func (e *ObjectNotFoundError) Error() string {
	return fmt.Sprintf("key %q does not exist in bucket %q", e.Key, e.Bucket)
}

// BucketVersionError reports a schema update whose version does not
// increase over the stored one.
type BucketVersionError struct {
	Bucket   string
	Current  int
	Proposed int
}

func (e *BucketVersionError) Name() string { return "BucketVersionError" }
func (e *BucketVersionError) Error() string {
	return fmt.Sprintf("bucket %q version %d is not newer than stored version %d",
		e.Bucket, e.Proposed, e.Current)
}

// SchemaChangeError reports an attempted in-place redefinition of an
// existing indexed attribute (type or uniqueness change).
type SchemaChangeError struct {
	Bucket    string
	Attribute string
}

func (e *SchemaChangeError) Name() string { return "SchemaChangeError" }
func (e *SchemaChangeError) Error() string {
	return fmt.Sprintf("bucket %q: index %q cannot be redefined in place; drop and re-add it under a new name",
		e.Bucket, e.Attribute)
}

// EtagConflictError reports an optimistic-concurrency precondition failure.
type EtagConflictError struct {
	Bucket   string
	Key      string
	Expected string
	Actual   string
}

func (e *EtagConflictError) Name() string { return "EtagConflictError" }
func (e *EtagConflictError) Error() string {
	return fmt.Sprintf("%s::%s etag conflict (expected %q, actual %q)",
		e.Bucket, e.Key, e.Expected, e.Actual)
}

// UniqueAttributeError reports a relational unique-constraint violation.
type UniqueAttributeError struct {
	Attribute string
	Value     string
}

func (e *UniqueAttributeError) Name() string { return "UniqueAttributeError" }
func (e *UniqueAttributeError) Error() string {
	return fmt.Sprintf("%q is a unique attribute; value %q already exists", e.Attribute, e.Value)
}

// NotIndexedError reports a filter or field update that referenced a
// non-indexed attribute.
type NotIndexedError struct {
	Bucket string
	Filter string
}

func (e *NotIndexedError) Name() string { return "NotIndexedError" }
func (e *NotIndexedError) Error() string {
	return fmt.Sprintf("bucket %q does not have indexes that support %q", e.Bucket, e.Filter)
}

// InvalidQueryError reports a filter string that failed to parse or
// compiled to nothing usable.
type InvalidQueryError struct {
	Filter string
}

func (e *InvalidQueryError) Name() string { return "InvalidQueryError" }
func (e *InvalidQueryError) Error() string {
	return fmt.Sprintf("%q is an invalid filter", e.Filter)
}

// QueryTimeoutError reports a statement that did not complete before the
// handle's deadline. The in-flight statement is abandoned, not cancelled.
type QueryTimeoutError struct {
	Query string
}

func (e *QueryTimeoutError) Name() string { return "QueryTimeoutError" }
func (e *QueryTimeoutError) Error() string {
	return fmt.Sprintf("query timed out: %s", e.Query)
}

// ConnectTimeoutError reports that no pooled connection became available
// before the connect timeout elapsed.
type ConnectTimeoutError struct {
	Timeout string
}

func (e *ConnectTimeoutError) Name() string { return "ConnectTimeoutError" }
func (e *ConnectTimeoutError) Error() string {
	return fmt.Sprintf("connect timeout after %s", e.Timeout)
}

// NoDatabasePeersError reports that no primary is currently known to the
// topology manager.
type NoDatabasePeersError struct{}

func (e *NoDatabasePeersError) Name() string { return "NoDatabasePeersError" }
func (e *NoDatabasePeersError) Error() string {
	return "no database peers available"
}

// InternalError wraps an unexpected relational-engine error.
type InternalError struct {
	Cause error
}

func (e *InternalError) Name() string  { return "InternalError" }
func (e *InternalError) Unwrap() error { return e.Cause }
func (e *InternalError) Error() string {
	return fmt.Sprintf("internal error: %v", e.Cause)
}
