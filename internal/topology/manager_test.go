package topology

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratadb/strata/internal/core"
)

// fakePool records open/close for reconciliation tests. beginDelay
// simulates a slow transaction checkout.
type fakePool struct {
	url        string
	closed     bool
	beginDelay time.Duration
}

func (p *fakePool) Query(ctx context.Context, query string, args ...interface{}) (core.Rows, error) {
	return nil, nil
}
func (p *fakePool) Exec(ctx context.Context, query string, args ...interface{}) (core.Result, error) {
	return nil, nil
}

func (p *fakePool) BeginTx(ctx context.Context) (core.Tx, error) {
	if p.beginDelay > 0 {
		select {
		case <-time.After(p.beginDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &fakeTx{begin: ctx}, nil
}
func (p *fakePool) Ping(ctx context.Context) error { return nil }
func (p *fakePool) Close() error                   { p.closed = true; return nil }

// fakeTx mirrors the database/sql contract: the context given to BeginTx
// governs the transaction's lifetime, so commit fails once it ends.
type fakeTx struct{ begin context.Context }

func (t *fakeTx) Query(ctx context.Context, query string, args ...interface{}) (core.Rows, error) {
	return nil, nil
}
func (t *fakeTx) Exec(ctx context.Context, query string, args ...interface{}) (core.Result, error) {
	return nil, nil
}

func (t *fakeTx) Commit() error {
	if t.begin != nil && t.begin.Err() != nil {
		return errors.New("transaction has already been committed or rolled back")
	}
	return nil
}
func (t *fakeTx) Rollback() error { return nil }

func fakeOpener(opened *[]*fakePool) Opener {
	return func(url string) (core.Database, error) {
		p := &fakePool{url: url}
		*opened = append(*opened, p)
		return p, nil
	}
}

func TestApplyOpensAndReady(t *testing.T) {
	var opened []*fakePool
	m := NewManager(fakeOpener(&opened), time.Second)

	select {
	case <-m.Ready():
		t.Fatal("ready before any topology")
	default:
	}

	m.apply(Topology{RolePrimary: "pg://a", RoleSync: "pg://b"})
	require.Len(t, opened, 2)

	select {
	case <-m.Ready():
	default:
		t.Fatal("not ready after primary appeared")
	}

	pool, err := m.Primary()
	require.NoError(t, err)
	assert.Equal(t, "pg://a", pool.(*fakePool).url)
}

func TestApplyKeepsUnchangedRoles(t *testing.T) {
	var opened []*fakePool
	m := NewManager(fakeOpener(&opened), time.Second)

	m.apply(Topology{RolePrimary: "pg://a", RoleSync: "pg://b"})
	require.Len(t, opened, 2)

	// Sync moves; primary stays on the same URL.
	m.apply(Topology{RolePrimary: "pg://a", RoleSync: "pg://c"})
	require.Len(t, opened, 3)

	var oldSync *fakePool
	for _, p := range opened {
		if p.url == "pg://b" {
			oldSync = p
		}
	}
	require.NotNil(t, oldSync)
	assert.True(t, oldSync.closed, "moved role's old pool must be drained")

	primary, err := m.Primary()
	require.NoError(t, err)
	assert.False(t, primary.(*fakePool).closed, "unchanged primary pool must survive")
}

func TestApplyDrainsRemovedRoles(t *testing.T) {
	var opened []*fakePool
	m := NewManager(fakeOpener(&opened), time.Second)

	m.apply(Topology{RolePrimary: "pg://a", RoleAsync: "pg://b"})
	m.apply(Topology{RolePrimary: "pg://a"})

	for _, p := range opened {
		if p.url == "pg://b" {
			assert.True(t, p.closed)
		}
	}
}

func TestNoPrimary(t *testing.T) {
	m := NewManager(fakeOpener(new([]*fakePool)), time.Second)
	m.apply(Topology{RoleSync: "pg://b"})

	_, err := m.Primary()
	var npe *core.NoDatabasePeersError
	assert.ErrorAs(t, err, &npe)

	_, err = m.Begin(context.Background(), BeginOptions{})
	assert.ErrorAs(t, err, &npe)

	_, err = m.PrimaryURL()
	assert.ErrorAs(t, err, &npe)
}

func TestBeginReturnsHandle(t *testing.T) {
	var opened []*fakePool
	m := NewManager(fakeOpener(&opened), time.Second)
	m.apply(Topology{RolePrimary: "pg://a"})

	h, err := m.Begin(context.Background(), BeginOptions{Timeout: time.Second})
	require.NoError(t, err)
	assert.NoError(t, h.Rollback())
}

func TestBeginTransactionOutlivesCheckoutWindow(t *testing.T) {
	var opened []*fakePool
	m := NewManager(fakeOpener(&opened), 20*time.Millisecond)
	m.apply(Topology{RolePrimary: "pg://a"})

	h, err := m.Begin(context.Background(), BeginOptions{})
	require.NoError(t, err)

	// The checkout deadline must not govern the transaction itself:
	// commits well past the connect timeout still succeed.
	time.Sleep(50 * time.Millisecond)
	assert.NoError(t, h.Commit())
}

func TestBeginTimesOutOnSlowCheckout(t *testing.T) {
	var opened []*fakePool
	m := NewManager(func(url string) (core.Database, error) {
		p := &fakePool{url: url, beginDelay: 200 * time.Millisecond}
		opened = append(opened, p)
		return p, nil
	}, 20*time.Millisecond)
	m.apply(Topology{RolePrimary: "pg://a"})

	_, err := m.Begin(context.Background(), BeginOptions{})
	var cte *core.ConnectTimeoutError
	assert.ErrorAs(t, err, &cte)
}

func TestWatchConsumesSource(t *testing.T) {
	var opened []*fakePool
	m := NewManager(fakeOpener(&opened), time.Second)

	src := NewStaticSource(Topology{RolePrimary: "pg://a"})
	defer src.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Watch(ctx, src)
		close(done)
	}()

	select {
	case <-m.Ready():
	case <-time.After(time.Second):
		t.Fatal("watch never applied the static topology")
	}
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("watch did not stop on cancel")
	}
}

func TestCloseDrainsEverything(t *testing.T) {
	var opened []*fakePool
	m := NewManager(fakeOpener(&opened), time.Second)
	m.apply(Topology{RolePrimary: "pg://a", RoleSync: "pg://b"})

	require.NoError(t, m.Close())
	for _, p := range opened {
		assert.True(t, p.closed)
	}
	_, err := m.Primary()
	assert.Error(t, err)
}
