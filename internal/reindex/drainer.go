// Package reindex runs optional background backfill for buckets with
// pending reindex work. The same batch operation is exposed over RPC
// for externally scheduled drains; the drainer exists for deployments
// that prefer the server to converge on its own.
package reindex

import (
	"context"
	"log"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/stratadb/strata/internal/bucket"
	"github.com/stratadb/strata/internal/topology"
)

// Config controls a drainer's pacing.
type Config struct {
	// BatchSize is how many rows one transaction recomputes. Small
	// batches bound lock and transaction duration on large tables.
	BatchSize int

	// BatchRate is the maximum number of batches per second across all
	// buckets being drained.
	BatchRate int

	// PollInterval is how often to re-check for pending work when no
	// bucket currently needs draining.
	PollInterval time.Duration

	// StatementTimeout bounds each batch's statements.
	StatementTimeout time.Duration
}

// DefaultConfig returns pacing suitable for draining behind live traffic.
func DefaultConfig() Config {
	return Config{
		BatchSize:        100,
		BatchRate:        10,
		PollInterval:     5 * time.Second,
		StatementTimeout: 30 * time.Second,
	}
}

// Drainer repeatedly runs reindex batches for one bucket until the
// bucket's pending state clears.
type Drainer struct {
	mu      sync.RWMutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	bucketName string
	buckets    *bucket.Store
	topo       *topology.Manager
	config     Config
}

// NewDrainer creates a drainer for one bucket.
func NewDrainer(bucketName string, buckets *bucket.Store, topo *topology.Manager, config Config) *Drainer {
	def := DefaultConfig()
	if config.BatchSize <= 0 {
		config.BatchSize = def.BatchSize
	}
	if config.BatchRate <= 0 {
		config.BatchRate = def.BatchRate
	}
	if config.PollInterval <= 0 {
		config.PollInterval = def.PollInterval
	}
	return &Drainer{
		bucketName: bucketName,
		buckets:    buckets,
		topo:       topo,
		config:     config,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// Start begins the drain loop in its own goroutine. Call Stop to shut
// it down; a drainer may be restarted after stopping.
func (d *Drainer) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = true
	d.stopCh = make(chan struct{})
	d.doneCh = make(chan struct{})
	d.mu.Unlock()

	go d.run(ctx)
	log.Printf("[REINDEX:%s] drainer started (batch %d, %d batches/sec)",
		d.bucketName, d.config.BatchSize, d.config.BatchRate)
	return nil
}

// Stop shuts the drainer down, waiting for any in-flight batch.
func (d *Drainer) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	d.mu.Unlock()

	close(d.stopCh)
	<-d.doneCh
	log.Printf("[REINDEX:%s] drainer stopped", d.bucketName)
	return nil
}

// IsRunning reports whether the drain loop is active.
func (d *Drainer) IsRunning() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.running
}

func (d *Drainer) run(ctx context.Context) {
	defer close(d.doneCh)

	limiter := rate.NewLimiter(rate.Limit(d.config.BatchRate), 1)

	for {
		select {
		case <-d.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		if err := limiter.Wait(ctx); err != nil {
			return
		}

		res, err := d.batch(ctx)
		if err != nil {
			log.Printf("[REINDEX:%s] batch failed: %v", d.bucketName, err)
			d.sleep(d.config.PollInterval)
			continue
		}
		if !res.Remaining {
			// Either drained or nothing was pending; back off until
			// the next schema change queues more work.
			d.sleep(d.config.PollInterval)
		}
	}
}

// batch runs one reindex transaction against the primary.
func (d *Drainer) batch(ctx context.Context) (*bucket.ReindexResult, error) {
	h, err := d.topo.Begin(ctx, topology.BeginOptions{Timeout: d.config.StatementTimeout})
	if err != nil {
		return nil, err
	}
	res, err := d.buckets.ReindexBatch(ctx, h, d.bucketName, d.config.BatchSize)
	if err != nil {
		h.Rollback()
		return nil, err
	}
	if err := h.Commit(); err != nil {
		return nil, err
	}
	return res, nil
}

func (d *Drainer) sleep(dur time.Duration) {
	select {
	case <-time.After(dur):
	case <-d.stopCh:
	}
}

// Manager tracks one drainer per bucket.
type Manager struct {
	mu       sync.RWMutex
	drainers map[string]*Drainer
	buckets  *bucket.Store
	topo     *topology.Manager
	config   Config
}

// NewManager creates a drainer manager sharing one pacing config.
func NewManager(buckets *bucket.Store, topo *topology.Manager, config Config) *Manager {
	return &Manager{
		drainers: make(map[string]*Drainer),
		buckets:  buckets,
		topo:     topo,
		config:   config,
	}
}

// Ensure starts a drainer for the bucket if one is not already running.
func (m *Manager) Ensure(ctx context.Context, bucketName string) *Drainer {
	m.mu.Lock()
	d, ok := m.drainers[bucketName]
	if !ok {
		d = NewDrainer(bucketName, m.buckets, m.topo, m.config)
		m.drainers[bucketName] = d
	}
	m.mu.Unlock()

	d.Start(ctx)
	return d
}

// Remove stops and forgets the bucket's drainer.
func (m *Manager) Remove(bucketName string) error {
	m.mu.Lock()
	d, ok := m.drainers[bucketName]
	delete(m.drainers, bucketName)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return d.Stop()
}

// StopAll stops every drainer.
func (m *Manager) StopAll() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var first error
	for _, d := range m.drainers {
		if err := d.Stop(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Count returns the number of tracked drainers.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.drainers)
}
