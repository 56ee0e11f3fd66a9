package core

import (
	"context"
)

// Database defines the interface for the relational backend.
// Implementations wrap one pooled connection set against a single
// database endpoint; role selection across replicas is the topology
// manager's concern, not the Database's.
type Database interface {
	// Query executes a SELECT statement and returns rows.
	Query(ctx context.Context, query string, args ...interface{}) (Rows, error)

	// Exec executes a non-query statement and returns a result.
	Exec(ctx context.Context, query string, args ...interface{}) (Result, error)

	// BeginTx starts a new transaction.
	BeginTx(ctx context.Context) (Tx, error)

	// Ping verifies the connection to the backend is alive.
	Ping(ctx context.Context) error

	// Close closes the connection pool.
	Close() error
}

// Rows is an incrementally consumed result set.
type Rows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Columns() ([]string, error)
	Close() error
	Err() error
}

// Result reports the outcome of a non-query statement.
type Result interface {
	RowsAffected() (int64, error)
}

// Tx is one open transaction. Commit and Rollback release the underlying
// connection back to the pool.
type Tx interface {
	Query(ctx context.Context, query string, args ...interface{}) (Rows, error)
	Exec(ctx context.Context, query string, args ...interface{}) (Result, error)
	Commit() error
	Rollback() error
}

// Notification is one backend-pushed message on a named channel.
type Notification struct {
	Channel string
	Payload string
}

// Listener is a standing subscription to backend-pushed notifications.
type Listener interface {
	// Notifications returns the channel on which notifications arrive.
	// The channel is closed when the listener shuts down.
	Notifications() <-chan Notification

	// Close tears down the subscription.
	Close() error
}
