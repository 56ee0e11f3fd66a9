package strata

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/stratadb/strata/internal/bucket"
	"github.com/stratadb/strata/internal/core"
	"github.com/stratadb/strata/internal/database"
	"github.com/stratadb/strata/internal/kvstore"
	"github.com/stratadb/strata/internal/object"
	"github.com/stratadb/strata/internal/reindex"
	"github.com/stratadb/strata/internal/rpc"
	"github.com/stratadb/strata/internal/topology"
	"github.com/stratadb/strata/internal/trigger"
)

// Server is one running store instance. All caches and registries are
// owned by the instance; two servers in one process do not share state.
type Server struct {
	config *Config

	topo     *topology.Manager
	source   topology.Source
	triggers *trigger.Registry
	buckets  *bucket.Store
	engine   *object.Engine
	objCache core.KVStore
	drainers *reindex.Manager
	rpc      *rpc.Server
	notifier *trigger.KafkaNotifier

	cancel    context.CancelFunc
	closeOnce sync.Once
	closeErr  error
}

// NewServer builds a server from config. Nothing is bound or dialed
// until Run.
func NewServer(config *Config) (*Server, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	s := &Server{
		config:   config,
		triggers: trigger.NewRegistry(),
	}

	if config.Notify.Enabled {
		notifier, err := trigger.NewKafkaNotifier(config.Notify.Kafka)
		if err != nil {
			return nil, fmt.Errorf("failed to create kafka notifier: %w", err)
		}
		s.notifier = notifier
		if err := s.triggers.RegisterPost(notifier); err != nil {
			return nil, err
		}
	}

	if config.ObjectCache.Type != "" && config.ObjectCache.Type != "none" {
		cache, err := kvstore.Create(kvstore.KVStoreConfig{
			Type:            config.ObjectCache.Type,
			MaxEntries:      config.ObjectCache.MaxEntries,
			Endpoints:       config.ObjectCache.Endpoints,
			Password:        config.ObjectCache.Password,
			DB:              config.ObjectCache.DB,
			PoolSize:        config.ObjectCache.PoolSize,
			MinIdleConns:    config.ObjectCache.MinIdleConns,
			DialTimeout:     int64(config.ObjectCache.DialTimeout),
			ReadTimeout:     int64(config.ObjectCache.ReadTimeout),
			WriteTimeout:    int64(config.ObjectCache.WriteTimeout),
			Region:          config.ObjectCache.Region,
			TableName:       config.ObjectCache.TableName,
			Endpoint:        config.ObjectCache.Endpoint,
			AccessKeyID:     config.ObjectCache.AccessKeyID,
			SecretAccessKey: config.ObjectCache.SecretAccessKey,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create object cache: %w", err)
		}
		s.objCache = cache
	}

	bucketCache := bucket.NewCache(config.BucketCache.MaxEntries, config.BucketCache.TTL)
	s.buckets = bucket.NewStore(bucketCache, s.triggers)
	s.engine = object.NewEngine(s.buckets, s.objCache, config.ObjectCache.TTL)

	opener := topology.DefaultOpener(database.Config{
		MaxOpenConns:      config.Database.MaxOpenConns,
		MaxIdleConns:      config.Database.MaxIdleConns,
		ConnMaxLifetime:   config.Database.ConnMaxLifetime,
		ConnMaxIdleTime:   config.Database.ConnMaxIdleTime,
		ConnectionTimeout: config.Database.ConnectTimeout,
	})
	s.topo = topology.NewManager(opener, config.Database.ConnectTimeout)

	if config.Reindex.Enabled {
		s.drainers = reindex.NewManager(s.buckets, s.topo, reindex.Config{
			BatchSize:    config.Reindex.BatchSize,
			BatchRate:    config.Reindex.BatchRate,
			PollInterval: config.Reindex.PollInterval,
		})
	}

	s.rpc = rpc.NewServer(s.topo, s.engine, s.drainers)
	return s, nil
}

// Triggers exposes the registry so embedders can register their own
// pre/post callbacks before Run.
func (s *Server) Triggers() *trigger.Registry {
	return s.triggers
}

// Run starts topology watching, waits for a primary, ensures the
// metadata table and serves RPC until ctx is cancelled or Close is
// called. It blocks.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	defer cancel()

	s.source = s.topologySource()
	go s.topo.Watch(ctx, s.source)

	select {
	case <-s.topo.Ready():
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := s.ensureMetadata(ctx); err != nil {
		return err
	}

	if s.drainers != nil {
		if err := s.resumeReindexing(ctx); err != nil {
			log.Printf("[SERVER] could not resume pending reindex work: %v", err)
		}
	}

	log.Printf("[SERVER] listening on %s", s.config.Listen)
	return s.rpc.ListenAndServe(ctx, s.config.Listen)
}

// topologySource builds the configured topology source: a polled file
// when one is configured, otherwise the static role map.
func (s *Server) topologySource() topology.Source {
	if s.config.Database.TopologyFile != "" {
		return topology.NewFileSource(s.config.Database.TopologyFile, s.config.Database.TopologyPollInterval)
	}
	t := make(topology.Topology, len(s.config.Database.Topology))
	for role, url := range s.config.Database.Topology {
		t[topology.Role(role)] = url
	}
	return topology.NewStaticSource(t)
}

func (s *Server) ensureMetadata(ctx context.Context) error {
	h, err := s.topo.Begin(ctx, topology.BeginOptions{Timeout: 30 * time.Second})
	if err != nil {
		return err
	}
	if err := s.buckets.EnsureMetadataTable(ctx, h); err != nil {
		h.Rollback()
		return err
	}
	return h.Commit()
}

// resumeReindexing restarts drainers for buckets whose reindex work was
// interrupted by a previous shutdown.
func (s *Server) resumeReindexing(ctx context.Context) error {
	h, err := s.topo.Begin(ctx, topology.BeginOptions{Timeout: 30 * time.Second})
	if err != nil {
		return err
	}
	defer h.Rollback()

	buckets, err := s.buckets.List(ctx, h)
	if err != nil {
		return err
	}
	for _, b := range buckets {
		if b.Reindexing() {
			log.Printf("[SERVER] resuming reindex drain for bucket %s", b.Name)
			s.drainers.Ensure(ctx, b.Name)
		}
	}
	return nil
}

// Close shuts the server down: the RPC listener, drainers, topology
// pools, caches and the notifier, exactly once.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		if s.rpc != nil {
			s.closeErr = s.rpc.Close()
		}
		if s.drainers != nil {
			s.drainers.StopAll()
		}
		if s.source != nil {
			s.source.Close()
		}
		if s.topo != nil {
			s.topo.Close()
		}
		if s.objCache != nil {
			s.objCache.Close()
		}
		if s.notifier != nil {
			s.notifier.Close()
		}
	})
	return s.closeErr
}
