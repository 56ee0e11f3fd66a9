// Package topology tracks the primary/replica role assignment of the
// replicated backend and keeps a pooled connection set current as roles
// move between endpoints.
package topology

import (
	"encoding/json"
	"fmt"
	"os"
	"reflect"
	"sync"
	"time"
)

// Role identifies a replica's position in the replication chain.
type Role string

const (
	RolePrimary Role = "primary"
	RoleSync    Role = "sync"
	RoleAsync   Role = "async"
)

// Topology is one observed role→URL assignment.
type Topology map[Role]string

// Source produces a stream of topology observations. The coordination
// mechanism behind it (static config, a watched file, an external
// coordinator) is deliberately opaque to the manager.
type Source interface {
	// Updates returns the channel on which new topologies arrive. The
	// channel is closed when the source shuts down.
	Updates() <-chan Topology

	// Close stops the source.
	Close() error
}

// StaticSource emits a single fixed topology. It is the source used when
// the backend is a lone postgres instance or an externally managed URL.
type StaticSource struct {
	ch   chan Topology
	once sync.Once
}

// NewStaticSource creates a source that reports the given assignment once.
func NewStaticSource(t Topology) *StaticSource {
	ch := make(chan Topology, 1)
	ch <- t
	return &StaticSource{ch: ch}
}

func (s *StaticSource) Updates() <-chan Topology {
	return s.ch
}

func (s *StaticSource) Close() error {
	s.once.Do(func() { close(s.ch) })
	return nil
}

// FileSource polls a JSON file holding a role→URL map and emits a new
// topology whenever its contents change. It stands in for a coordination
// service watch in deployments that manage failover externally.
type FileSource struct {
	path     string
	interval time.Duration
	ch       chan Topology
	done     chan struct{}
	once     sync.Once
}

// NewFileSource creates a polling source over the given file.
func NewFileSource(path string, interval time.Duration) *FileSource {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	fs := &FileSource{
		path:     path,
		interval: interval,
		ch:       make(chan Topology, 1),
		done:     make(chan struct{}),
	}
	go fs.poll()
	return fs
}

func (fs *FileSource) poll() {
	defer close(fs.ch)

	var last Topology
	ticker := time.NewTicker(fs.interval)
	defer ticker.Stop()

	for {
		t, err := fs.read()
		if err == nil && !reflect.DeepEqual(t, last) {
			last = t
			select {
			case fs.ch <- t:
			case <-fs.done:
				return
			}
		}
		select {
		case <-ticker.C:
		case <-fs.done:
			return
		}
	}
}

func (fs *FileSource) read() (Topology, error) {
	data, err := os.ReadFile(fs.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read topology file: %w", err)
	}
	var raw map[string]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse topology file: %w", err)
	}
	t := make(Topology, len(raw))
	for role, url := range raw {
		t[Role(role)] = url
	}
	return t, nil
}

func (fs *FileSource) Updates() <-chan Topology {
	return fs.ch
}

func (fs *FileSource) Close() error {
	fs.once.Do(func() { close(fs.done) })
	return nil
}
