package topology

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/stratadb/strata/internal/core"
	"github.com/stratadb/strata/internal/database"
	"github.com/stratadb/strata/internal/handle"
)

// Opener creates a pooled connection set for one backend URL. It exists
// as a seam so tests can substitute a fake database.
type Opener func(url string) (core.Database, error)

// BeginOptions configures one transactional checkout.
type BeginOptions struct {
	// Timeout bounds each statement issued on the returned handle.
	// Zero leaves statements unbounded.
	Timeout time.Duration
}

// Manager consumes topology observations from a Source, maintains one
// connection pool per replica role, and hands out transactional handles
// against the current primary. Roles whose URL is unchanged across an
// observation keep their pool; removed or moved roles have their old
// pool drained and closed.
type Manager struct {
	opener Opener

	mu    sync.RWMutex
	urls  map[Role]string
	pools map[Role]core.Database

	connectTimeout time.Duration

	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
	closeOnce sync.Once
}

// NewManager creates a manager using the given pool opener. A nil opener
// opens real postgres pools with the supplied settings.
func NewManager(opener Opener, connectTimeout time.Duration) *Manager {
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}
	return &Manager{
		opener:         opener,
		urls:           make(map[Role]string),
		pools:          make(map[Role]core.Database),
		connectTimeout: connectTimeout,
		ready:          make(chan struct{}),
		done:           make(chan struct{}),
	}
}

// DefaultOpener returns an Opener that creates postgres pools with the
// given settings.
func DefaultOpener(cfg database.Config) Opener {
	return func(url string) (core.Database, error) {
		return database.NewPostgresDatabase(url, cfg)
	}
}

// Watch consumes the source until it closes or ctx is cancelled. Absence
// of a primary in an observation is not fatal; the manager keeps
// watching and fails checkouts with NoDatabasePeersError meanwhile.
func (m *Manager) Watch(ctx context.Context, src Source) {
	for {
		select {
		case t, ok := <-src.Updates():
			if !ok {
				return
			}
			m.apply(t)
		case <-ctx.Done():
			return
		case <-m.done:
			return
		}
	}
}

// apply reconciles the manager's pools against a new observation.
func (m *Manager) apply(t Topology) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Drain roles that disappeared or moved to a different URL.
	for role, url := range m.urls {
		next, present := t[role]
		if present && next == url {
			continue
		}
		if pool, ok := m.pools[role]; ok {
			log.Printf("[TOPOLOGY] closing pool for role %s (%s)", role, url)
			if err := pool.Close(); err != nil {
				log.Printf("[TOPOLOGY] error closing pool for role %s: %v", role, err)
			}
			delete(m.pools, role)
		}
		delete(m.urls, role)
	}

	// Open pools for new or moved roles.
	for role, url := range t {
		if m.urls[role] == url {
			continue
		}
		pool, err := m.opener(url)
		if err != nil {
			log.Printf("[TOPOLOGY] failed to open pool for role %s (%s): %v", role, url, err)
			continue
		}
		log.Printf("[TOPOLOGY] opened pool for role %s (%s)", role, url)
		m.urls[role] = url
		m.pools[role] = pool
	}

	if _, ok := m.pools[RolePrimary]; ok {
		m.readyOnce.Do(func() { close(m.ready) })
	}
}

// Ready returns a channel closed once a primary pool first becomes
// available.
func (m *Manager) Ready() <-chan struct{} {
	return m.ready
}

// Primary returns the current primary's pool, or NoDatabasePeersError.
func (m *Manager) Primary() (core.Database, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pool, ok := m.pools[RolePrimary]
	if !ok {
		return nil, &core.NoDatabasePeersError{}
	}
	return pool, nil
}

// Begin acquires a connection against the current primary, begins a
// transaction and returns the handle. Only the begin phase is bounded by
// the manager's connect timeout; the transaction itself runs on the
// caller's context. The begin context must outlive the transaction —
// database/sql rolls a transaction back when its BeginTx context ends,
// so a checkout deadline cancelled on return would kill every handle.
func (m *Manager) Begin(ctx context.Context, opts BeginOptions) (*handle.Handle, error) {
	pool, err := m.Primary()
	if err != nil {
		return nil, err
	}

	type beginResult struct {
		h   *handle.Handle
		err error
	}
	done := make(chan beginResult, 1)
	go func() {
		h, err := handle.Begin(ctx, pool, opts.Timeout)
		done <- beginResult{h, err}
	}()

	timer := time.NewTimer(m.connectTimeout)
	defer timer.Stop()
	select {
	case r := <-done:
		return r.h, r.err
	case <-timer.C:
		// Discard the transaction if the slow begin ever completes.
		go func() {
			if r := <-done; r.h != nil {
				r.h.Rollback()
			}
		}()
		return nil, &core.ConnectTimeoutError{Timeout: m.connectTimeout.String()}
	}
}

// Acquire returns the primary's pool without beginning a transaction,
// for read-mostly or long-lived use.
func (m *Manager) Acquire(ctx context.Context) (core.Database, error) {
	pool, err := m.Primary()
	if err != nil {
		return nil, err
	}
	pctx, cancel := context.WithTimeout(ctx, m.connectTimeout)
	defer cancel()
	if err := pool.Ping(pctx); err != nil {
		if errors.Is(pctx.Err(), context.DeadlineExceeded) {
			return nil, &core.ConnectTimeoutError{Timeout: m.connectTimeout.String()}
		}
		return nil, err
	}
	return pool, nil
}

// PrimaryURL returns the URL of the current primary, for components that
// open their own dedicated connections (e.g. notification listeners).
func (m *Manager) PrimaryURL() (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	url, ok := m.urls[RolePrimary]
	if !ok {
		return "", &core.NoDatabasePeersError{}
	}
	return url, nil
}

// Close drains and closes every pool.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() { close(m.done) })

	m.mu.Lock()
	defer m.mu.Unlock()
	var first error
	for role, pool := range m.pools {
		if err := pool.Close(); err != nil && first == nil {
			first = err
		}
		delete(m.pools, role)
		delete(m.urls, role)
	}
	return first
}
