// Package handle provides one request's view of one database connection:
// a transaction with exactly-once release, streamed query results and a
// per-statement deadline.
package handle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stratadb/strata/internal/core"
)

// nextID hands out the diagnostic identity carried by every handle. The
// id is used purely for log correlation, never for protocol semantics.
var nextID atomic.Uint64

// Handle wraps one open transaction for the duration of one request.
type Handle struct {
	id uint64

	mu       sync.Mutex
	tx       core.Tx
	timeout  time.Duration
	released bool
	poisoned bool
}

// Begin starts a transaction on db and wraps it in a Handle. A zero
// timeout leaves statements unbounded.
func Begin(ctx context.Context, db core.Database, timeout time.Duration) (*Handle, error) {
	tx, err := db.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	return &Handle{id: nextID.Add(1), tx: tx, timeout: timeout}, nil
}

// ID returns the handle's diagnostic identity.
func (h *Handle) ID() uint64 {
	return h.id
}

// SetTimeout applies a deadline to subsequent statements on this handle.
func (h *Handle) SetTimeout(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.timeout = d
}

// Poisoned reports whether a statement on this handle timed out. A
// poisoned handle's connection must not be reused; rollback discards it.
func (h *Handle) Poisoned() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.poisoned
}

func (h *Handle) stmtContext(ctx context.Context) (context.Context, context.CancelFunc) {
	h.mu.Lock()
	timeout := h.timeout
	h.mu.Unlock()
	if timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, timeout)
}

// Query executes a parameterized statement inside the transaction and
// returns its rows. If the handle's deadline elapses the handle is
// poisoned and the query fails with QueryTimeoutError; the in-flight
// statement is abandoned, not cancelled server-side.
func (h *Handle) Query(ctx context.Context, query string, args ...interface{}) (core.Rows, error) {
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return nil, fmt.Errorf("handle %d: transaction already released", h.id)
	}
	tx := h.tx
	h.mu.Unlock()

	qctx, cancel := h.stmtContext(ctx)
	rows, err := tx.Query(qctx, query, args...)
	if err != nil {
		cancel()
		return nil, h.timeoutErr(qctx, query, err)
	}
	return &timedRows{Rows: rows, cancel: cancel}, nil
}

// Exec executes a parameterized statement inside the transaction.
func (h *Handle) Exec(ctx context.Context, query string, args ...interface{}) (core.Result, error) {
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return nil, fmt.Errorf("handle %d: transaction already released", h.id)
	}
	tx := h.tx
	h.mu.Unlock()

	qctx, cancel := h.stmtContext(ctx)
	defer cancel()
	res, err := tx.Exec(qctx, query, args...)
	if err != nil {
		return nil, h.timeoutErr(qctx, query, err)
	}
	return res, nil
}

func (h *Handle) timeoutErr(ctx context.Context, query string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		h.mu.Lock()
		h.poisoned = true
		h.mu.Unlock()
		return &core.QueryTimeoutError{Query: query}
	}
	return err
}

// Commit commits the transaction and releases the connection, exactly once.
func (h *Handle) Commit() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return fmt.Errorf("handle %d: transaction already released", h.id)
	}
	h.released = true
	return h.tx.Commit()
}

// Rollback rolls the transaction back and releases the connection. It is
// a no-op if the transaction was already committed or rolled back, so it
// is safe to defer unconditionally.
func (h *Handle) Rollback() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return nil
	}
	h.released = true
	return h.tx.Rollback()
}

// timedRows ties the statement deadline to result consumption: the
// deadline context is released when the rows are closed.
type timedRows struct {
	core.Rows
	cancel context.CancelFunc
}

func (r *timedRows) Close() error {
	err := r.Rows.Close()
	r.cancel()
	return err
}
