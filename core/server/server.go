// Package server is the asynchronous request/response engine. It keeps a
// fixed number of receives posted on a request queue, answers each
// completed receive with a static file or an error message, and releases
// every per-operation context exactly once.
package server

import (
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/searchktools/async-server/core/completion"
	"github.com/searchktools/async-server/core/http"
	"github.com/searchktools/async-server/core/observability"
	"github.com/searchktools/async-server/core/pools"
	"github.com/searchktools/async-server/core/stack"
)

// RequestQueue is the part of the HTTP stack the server drives
type RequestQueue interface {
	BindCompletion(port stack.CompletionPort) error
	ReceiveRequest(buf []byte, req *http.Request, op any) error
	SendResponse(id http.RequestID, resp *http.Response, policy *http.CachePolicy, op any) error
	Shutdown() error
}

// Config holds server settings
type Config struct {
	RootDirectory string

	// ReceiveBufferSize is the size of each receive buffer. Requests that
	// do not fit are answered with 413.
	ReceiveBufferSize int

	RequestsPerProcessor int

	// OutstandingRequests overrides RequestsPerProcessor × GOMAXPROCS
	OutstandingRequests int

	// Workers sizes the completion worker pool (0 = one per CPU)
	Workers int

	MaxPathLength int

	// KillPath, when set, stops the server on a GET for exactly this path
	KillPath string

	Log        logrus.FieldLogger
	Metrics    *observability.Metrics
	BufferPool *pools.BytePool
}

// Default limits
const (
	DefaultReceiveBufferSize    = 4096
	DefaultRequestsPerProcessor = 4
	DefaultMaxPathLength        = 2048
)

var ErrNoRoot = errors.New("server: root directory not set")

// Server is the shared context of every in-flight operation
type Server struct {
	cfg     Config
	log     logrus.FieldLogger
	metrics *observability.Metrics
	buffers *pools.BytePool

	queue RequestQueue
	pool  *pools.WorkerPool
	io    *completion.IO

	// root is the cleaned root directory without a trailing separator
	root string

	stopping atomic.Bool
	stopOnce sync.Once
	killed   chan struct{}
	killOnce sync.Once

	seq   atomic.Uint64
	stats struct {
		receivesAllocated atomic.Uint64
		receivesReleased  atomic.Uint64
		sendsAllocated    atomic.Uint64
		sendsReleased     atomic.Uint64
		filesOpened       atomic.Uint64
		filesClosed       atomic.Uint64
	}
}

// New creates a server on queue and binds its completion object to it
func New(queue RequestQueue, cfg Config) (*Server, error) {
	if cfg.RootDirectory == "" {
		return nil, ErrNoRoot
	}
	if cfg.ReceiveBufferSize <= 0 {
		cfg.ReceiveBufferSize = DefaultReceiveBufferSize
	}
	if cfg.RequestsPerProcessor <= 0 {
		cfg.RequestsPerProcessor = DefaultRequestsPerProcessor
	}
	if cfg.MaxPathLength <= 0 {
		cfg.MaxPathLength = DefaultMaxPathLength
	}
	if cfg.Log == nil {
		cfg.Log = logrus.StandardLogger()
	}
	if cfg.BufferPool == nil {
		cfg.BufferPool = pools.NewBytePool()
	}

	root := filepath.Clean(cfg.RootDirectory)
	if len(root) > 1 {
		root = strings.TrimSuffix(root, string(filepath.Separator))
	}

	s := &Server{
		cfg:     cfg,
		log:     cfg.Log.WithField("component", "server"),
		metrics: cfg.Metrics,
		buffers: cfg.BufferPool,
		queue:   queue,
		pool:    pools.NewWorkerPool(cfg.Workers),
		root:    root,
		killed:  make(chan struct{}),
	}
	s.io = completion.New(s.pool, s.dispatch)

	if err := queue.BindCompletion(s.io); err != nil {
		s.pool.Close()
		return nil, fmt.Errorf("bind completion: %w", err)
	}
	return s, nil
}

// Start posts the initial receives. Any failure is fatal to startup.
func (s *Server) Start() error {
	n := s.cfg.OutstandingRequests
	if n <= 0 {
		n = s.cfg.RequestsPerProcessor * runtime.GOMAXPROCS(0)
	}

	for i := 0; i < n; i++ {
		if err := s.postReceive(); err != nil {
			return fmt.Errorf("post receive %d of %d: %w", i+1, n, err)
		}
	}

	s.log.WithFields(logrus.Fields{
		"outstanding": n,
		"root":        s.root,
	}).Info("✅ Server started")
	return nil
}

// Stop stops re-arming receives, shuts the queue down and waits until no
// completion callback is pending or running. It is safe to call more than
// once and must run before the queue is closed.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		s.stopping.Store(true)

		if err := s.queue.Shutdown(); err != nil {
			s.log.WithError(err).Warn("Queue shutdown failed")
		}
		s.io.WaitForCallbacks(false)

		s.log.Info("🛑 Server stopped")
	})
}

// Close releases the completion object and the worker pool. Call after Stop.
func (s *Server) Close() {
	s.io.Close()
	s.pool.Close()
}

// Killed is closed when the kill path has been requested
func (s *Server) Killed() <-chan struct{} {
	return s.killed
}

func (s *Server) kill() {
	s.killOnce.Do(func() {
		s.log.WithField("path", s.cfg.KillPath).Info("Kill path requested")
		close(s.killed)
	})
}

// Stats reports context and file accounting
type Stats struct {
	ReceivesAllocated uint64
	ReceivesReleased  uint64
	SendsAllocated    uint64
	SendsReleased     uint64
	FilesOpened       uint64
	FilesClosed       uint64
}

// Stats returns a snapshot of the accounting counters
func (s *Server) Stats() Stats {
	return Stats{
		ReceivesAllocated: s.stats.receivesAllocated.Load(),
		ReceivesReleased:  s.stats.receivesReleased.Load(),
		SendsAllocated:    s.stats.sendsAllocated.Load(),
		SendsReleased:     s.stats.sendsReleased.Load(),
		FilesOpened:       s.stats.filesOpened.Load(),
		FilesClosed:       s.stats.filesClosed.Load(),
	}
}

// WorkerPool returns the pool that runs completion callbacks
func (s *Server) WorkerPool() *pools.WorkerPool {
	return s.pool
}
