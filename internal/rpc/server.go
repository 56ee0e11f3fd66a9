package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"log"
	"net"
	"sync"
	"time"

	"github.com/stratadb/strata/internal/bucket"
	"github.com/stratadb/strata/internal/core"
	"github.com/stratadb/strata/internal/database"
	"github.com/stratadb/strata/internal/object"
	"github.com/stratadb/strata/internal/reindex"
	"github.com/stratadb/strata/internal/topology"
)

// ListenerFactory opens a standing notification subscription. It exists
// as a seam so tests can substitute a fake listener.
type ListenerFactory func(url, channel string) (core.Listener, error)

// Server terminates client connections and dispatches requests to the
// bucket store and object engine.
type Server struct {
	topo     *topology.Manager
	engine   *object.Engine
	buckets  *bucket.Store
	drainers *reindex.Manager

	newListener ListenerFactory

	mu     sync.Mutex
	ln     net.Listener
	closed bool
	wg     sync.WaitGroup
}

// NewServer wires the RPC surface. drainers may be nil when background
// reindexing is disabled.
func NewServer(topo *topology.Manager, engine *object.Engine, drainers *reindex.Manager) *Server {
	return &Server{
		topo:        topo,
		engine:      engine,
		buckets:     engine.Buckets(),
		drainers:    drainers,
		newListener: database.NewListener,
	}
}

// SetListenerFactory overrides how listen subscriptions are opened.
func (s *Server) SetListenerFactory(f ListenerFactory) {
	s.newListener = f
}

// Serve accepts connections until the listener is closed.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ln.Close()
		return net.ErrClosed
	}
	s.ln = ln
	s.mu.Unlock()

	log.Printf("[RPC] serving on %s", ln.Addr())
	for {
		nc, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			return err
		}
		s.wg.Add(1)
		go s.serveConn(ctx, nc)
	}
}

// ListenAndServe listens on addr and serves.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Close stops accepting connections and waits for in-flight requests.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ln := s.ln
	s.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}
	s.wg.Wait()
	return err
}

// conn is one client connection's state: its write lock and any
// standing listen subscriptions keyed by request id.
type conn struct {
	srv *Server
	nc  net.Conn

	writeMu sync.Mutex
	enc     *json.Encoder

	listenMu  sync.Mutex
	listeners map[uint64]core.Listener
}

func (s *Server) serveConn(ctx context.Context, nc net.Conn) {
	defer s.wg.Done()
	c := &conn{
		srv:       s,
		nc:        nc,
		enc:       json.NewEncoder(nc),
		listeners: make(map[uint64]core.Listener),
	}
	defer c.teardown()

	scanner := bufio.NewScanner(nc)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			c.fail(0, &core.InvocationError{Op: "decode", Reason: "malformed request frame"})
			continue
		}
		c.dispatch(ctx, &req)
	}
	if err := scanner.Err(); err != nil {
		log.Printf("[RPC] connection %s read error: %v", nc.RemoteAddr(), err)
	}
}

// teardown closes the connection and every standing subscription, so a
// severed client releases its listen resources.
func (c *conn) teardown() {
	c.listenMu.Lock()
	for id, l := range c.listeners {
		l.Close()
		delete(c.listeners, id)
	}
	c.listenMu.Unlock()
	c.nc.Close()
}

func (c *conn) dispatch(ctx context.Context, req *Request) {
	op, ok := operations[req.Operation]
	if !ok {
		c.fail(req.ID, &core.InvocationError{Op: req.Operation, Reason: "unknown operation"})
		return
	}
	args, err := validateArgs(req.Operation, op.args, req.Args)
	if err != nil {
		c.fail(req.ID, err)
		return
	}
	op.run(ctx, c, req, args)
}

func (c *conn) send(resp *Response) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.enc.Encode(resp); err != nil {
		log.Printf("[RPC] connection %s write error: %v", c.nc.RemoteAddr(), err)
	}
}

// data emits one streamed row.
func (c *conn) data(id uint64, v interface{}) {
	c.send(&Response{ID: id, Status: StatusData, Data: v})
}

// end terminates a request successfully, optionally with a result.
func (c *conn) end(id uint64, v interface{}) {
	c.send(&Response{ID: id, Status: StatusEnd, Data: v})
}

// fail terminates a request with an error frame. A request gets exactly
// one of end or fail, never both.
func (c *conn) fail(id uint64, err error) {
	c.send(&Response{ID: id, Status: StatusError, Error: errorFrame(err)})
}

// withTx runs fn in a transaction against the primary, committing only
// when fn succeeds and commit is set. The transaction is released
// exactly once on every path.
func (s *Server) withTx(ctx context.Context, opts *Options, commit bool, fn func(x object.Executor) (interface{}, error)) (interface{}, error) {
	h, err := s.topo.Begin(ctx, topology.BeginOptions{Timeout: msToDuration(opts.Timeout)})
	if err != nil {
		return nil, err
	}
	res, err := fn(h)
	if err != nil || !commit {
		h.Rollback()
		return res, err
	}
	if err := h.Commit(); err != nil {
		return nil, err
	}
	return res, nil
}

func msToDuration(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
