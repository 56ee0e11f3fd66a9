package database

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/lib/pq"
	"github.com/stratadb/strata/internal/core"
)

// PostgresDatabase implements the core.Database interface using PostgreSQL.
// One PostgresDatabase wraps the pooled connection set for a single
// backend URL; the topology manager owns one per replica role.
type PostgresDatabase struct {
	db     *sql.DB
	url    string
	closed bool
}

// Config holds pool settings for one backend connection set.
type Config struct {
	MaxOpenConns      int
	MaxIdleConns      int
	ConnMaxLifetime   time.Duration
	ConnMaxIdleTime   time.Duration
	ConnectionTimeout time.Duration
}

// NewPostgresDatabase opens a pooled connection set against the given
// postgres URL and verifies it with a ping.
func NewPostgresDatabase(url string, cfg Config) (*PostgresDatabase, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	// Test connection
	timeout := cfg.ConnectionTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresDatabase{db: db, url: url}, nil
}

// URL returns the backend URL this pool is bound to.
func (p *PostgresDatabase) URL() string {
	return p.url
}

// Query executes a SELECT statement and returns rows.
func (p *PostgresDatabase) Query(ctx context.Context, query string, args ...interface{}) (core.Rows, error) {
	if p.closed {
		return nil, fmt.Errorf("database is closed")
	}
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		log.Printf("[POSTGRES] ERROR: query failed: %v", err)
		return nil, TranslateError(err)
	}
	return &pgRows{rows: rows}, nil
}

// Exec executes a non-query statement and returns a result.
func (p *PostgresDatabase) Exec(ctx context.Context, query string, args ...interface{}) (core.Result, error) {
	if p.closed {
		return nil, fmt.Errorf("database is closed")
	}
	result, err := p.db.ExecContext(ctx, query, args...)
	if err != nil {
		log.Printf("[POSTGRES] ERROR: exec failed: %v", err)
		return nil, TranslateError(err)
	}
	return &pgResult{result: result}, nil
}

// BeginTx starts a new transaction.
func (p *PostgresDatabase) BeginTx(ctx context.Context) (core.Tx, error) {
	if p.closed {
		return nil, fmt.Errorf("database is closed")
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, TranslateError(err)
	}
	return &pgTx{tx: tx}, nil
}

// Ping verifies the connection to the backend is alive.
func (p *PostgresDatabase) Ping(ctx context.Context) error {
	if p.closed {
		return fmt.Errorf("database is closed")
	}
	return p.db.PingContext(ctx)
}

// Close closes the connection pool.
func (p *PostgresDatabase) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	return p.db.Close()
}

// pgRows wraps sql.Rows to implement core.Rows.
type pgRows struct {
	rows *sql.Rows
}

func (r *pgRows) Next() bool {
	return r.rows.Next()
}

func (r *pgRows) Scan(dest ...interface{}) error {
	return r.rows.Scan(dest...)
}

func (r *pgRows) Columns() ([]string, error) {
	return r.rows.Columns()
}

func (r *pgRows) Close() error {
	return r.rows.Close()
}

func (r *pgRows) Err() error {
	return r.rows.Err()
}

// pgResult wraps sql.Result to implement core.Result.
type pgResult struct {
	result sql.Result
}

func (r *pgResult) RowsAffected() (int64, error) {
	return r.result.RowsAffected()
}

// pgTx wraps sql.Tx to implement core.Tx.
type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) Query(ctx context.Context, query string, args ...interface{}) (core.Rows, error) {
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, TranslateError(err)
	}
	return &pgRows{rows: rows}, nil
}

func (t *pgTx) Exec(ctx context.Context, query string, args ...interface{}) (core.Result, error) {
	result, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, TranslateError(err)
	}
	return &pgResult{result: result}, nil
}

func (t *pgTx) Commit() error {
	return t.tx.Commit()
}

func (t *pgTx) Rollback() error {
	return t.tx.Rollback()
}

// notifyListener implements core.Listener over pq.Listener.
type notifyListener struct {
	pql     *pq.Listener
	channel string
	out     chan core.Notification
	done    chan struct{}
}

// NewListener opens a standing LISTEN subscription on the named channel.
func NewListener(url, channel string) (core.Listener, error) {
	pql := pq.NewListener(url, 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			log.Printf("[POSTGRES] listener event %v: %v", ev, err)
		}
	})
	if err := pql.Listen(channel); err != nil {
		pql.Close()
		return nil, TranslateError(err)
	}

	l := &notifyListener{
		pql:     pql,
		channel: channel,
		out:     make(chan core.Notification, 16),
		done:    make(chan struct{}),
	}
	go l.pump()
	return l, nil
}

func (l *notifyListener) pump() {
	defer close(l.out)
	for {
		select {
		case n, ok := <-l.pql.Notify:
			if !ok {
				return
			}
			// pq delivers nil after a connection re-establishment.
			if n == nil {
				continue
			}
			select {
			case l.out <- core.Notification{Channel: n.Channel, Payload: n.Extra}:
			case <-l.done:
				return
			}
		case <-l.done:
			return
		}
	}
}

func (l *notifyListener) Notifications() <-chan core.Notification {
	return l.out
}

func (l *notifyListener) Close() error {
	select {
	case <-l.done:
		return nil
	default:
	}
	close(l.done)
	return l.pql.Close()
}
