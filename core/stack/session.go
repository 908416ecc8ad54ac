//go:build linux || darwin

package stack

import (
	"fmt"
	"net"
	"sync"

	"github.com/sirupsen/logrus"
)

// Session owns the registered URL prefixes and the connection engine that
// serves them.
type Session struct {
	cfg Config
	log logrus.FieldLogger

	mu       sync.Mutex
	prefixes []urlPrefix
	queue    *Queue
	engine   *engine
	closed   bool
}

// NewSession initializes the stack
func NewSession(cfg Config) (*Session, error) {
	cfg = cfg.withDefaults()
	return &Session{
		cfg: cfg,
		log: cfg.Log.WithField("component", "stack"),
	}, nil
}

// AddURL registers a URL prefix such as http://127.0.0.1:8080/. Prefixes
// must be added before the queue is created.
func (s *Session) AddURL(prefix string) error {
	u, err := parseURLPrefix(prefix)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if s.queue != nil {
		return ErrQueueExists
	}
	for _, p := range s.prefixes {
		if p.listenAddr() == u.listenAddr() && p.path == u.path {
			return fmt.Errorf("%w: %s", ErrURLExists, prefix)
		}
	}
	s.prefixes = append(s.prefixes, u)
	return nil
}

// CreateQueue creates the request queue, binds every registered prefix to
// it and starts listening.
func (s *Session) CreateQueue(name string) (*Queue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}
	if s.queue != nil {
		return nil, ErrQueueExists
	}
	if len(s.prefixes) == 0 {
		return nil, ErrNoURLs
	}

	q := newQueue(name, s.cfg)
	e, err := newEngine(s.cfg, q)
	if err != nil {
		return nil, err
	}

	// One listener per distinct address
	byAddr := make(map[string][]urlPrefix)
	var order []string
	for _, p := range s.prefixes {
		addr := p.listenAddr()
		if _, ok := byAddr[addr]; !ok {
			order = append(order, addr)
		}
		byAddr[addr] = append(byAddr[addr], p)
	}
	for _, addr := range order {
		if err := e.listen(addr, byAddr[addr]); err != nil {
			e.close()
			return nil, fmt.Errorf("listen %s: %w", addr, err)
		}
	}

	q.engine = e
	e.start()

	s.queue = q
	s.engine = e

	for _, ln := range e.listenerOrder {
		s.log.WithFields(logrus.Fields{"addr": ln.addr.String(), "queue": name}).Info("🚀 Listening")
	}
	return q, nil
}

// Addrs returns the bound listener addresses
func (s *Session) Addrs() []net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.engine == nil {
		return nil
	}
	addrs := make([]net.Addr, 0, len(s.engine.listenerOrder))
	for _, ln := range s.engine.listenerOrder {
		addrs = append(addrs, ln.addr)
	}
	return addrs
}

// Close stops the listeners and the event loop and closes every connection.
// A queue that is still open is closed first.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	q, e := s.queue, s.engine
	s.mu.Unlock()

	if q != nil {
		q.Close()
	}
	if e != nil {
		e.close()
	}
	s.log.Info("🛑 Session closed")
	return nil
}
