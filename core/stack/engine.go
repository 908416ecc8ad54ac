//go:build linux || darwin

package stack

import (
	"errors"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/searchktools/async-server/core/http"
	"github.com/searchktools/async-server/core/poller"
)

// Connection states
const (
	stateReading = iota
	stateQueued
	stateClosed
)

// conn is an accepted client connection. While a request is queued or
// being answered the fd is not armed on the poller, so only the goroutine
// owning that request touches the read buffer.
type conn struct {
	fd         int
	ln         *listener
	buf        []byte
	n          int
	state      int
	armed      bool
	lastActive time.Time
}

// listener is a bound listening socket and the prefixes served on it
type listener struct {
	fd       int
	file     *os.File
	addr     net.Addr
	prefixes []urlPrefix
}

func (l *listener) match(absPath string) bool {
	for _, p := range l.prefixes {
		if p.match(absPath) {
			return true
		}
	}
	return false
}

// engine is the readiness loop behind a session: it accepts connections,
// reads and frames requests, and writes responses.
type engine struct {
	cfg   Config
	log   logrus.FieldLogger
	queue *Queue

	poller        poller.Poller
	listeners     map[int]*listener
	listenerOrder []*listener

	mu    sync.Mutex
	conns map[int]*conn

	started  bool
	closed   atomic.Bool
	inflight sync.WaitGroup
	done     chan struct{}
}

func newEngine(cfg Config, q *Queue) (*engine, error) {
	p, err := poller.NewPoller()
	if err != nil {
		return nil, err
	}

	return &engine{
		cfg:       cfg,
		log:       cfg.Log.WithField("component", "engine"),
		queue:     q,
		poller:    p,
		listeners: make(map[int]*listener),
		conns:     make(map[int]*conn, 1024),
		done:      make(chan struct{}),
	}, nil
}

// listen binds a non-blocking listening socket for addr
func (e *engine) listen(addr string, prefixes []urlPrefix) error {
	laddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return err
	}

	ln, err := net.ListenTCP("tcp", laddr)
	if err != nil {
		return err
	}
	// The dup'd descriptor keeps the socket listening
	defer ln.Close()

	f, err := ln.File()
	if err != nil {
		return err
	}
	lfd := int(f.Fd())

	if err := poller.SetNonblock(lfd); err != nil {
		f.Close()
		return err
	}
	if err := e.poller.Add(lfd); err != nil {
		f.Close()
		return err
	}

	l := &listener{fd: lfd, file: f, addr: ln.Addr(), prefixes: prefixes}
	e.listeners[lfd] = l
	e.listenerOrder = append(e.listenerOrder, l)
	return nil
}

func (e *engine) start() {
	e.started = true
	go e.run()
}

// run is the event loop. Connections in the reading state are only ever
// touched from here.
func (e *engine) run() {
	defer close(e.done)

	lastReap := time.Now()
	for !e.closed.Load() {
		// Short timeout so close is noticed promptly
		fds, err := e.poller.Wait(100)
		if err != nil {
			e.log.WithError(err).Warn("Poller wait error")
			continue
		}

		for _, fd := range fds {
			if l, ok := e.listeners[fd]; ok {
				e.acceptConnections(l)
			} else {
				e.handleRead(fd)
			}
		}

		if now := time.Now(); now.Sub(lastReap) >= time.Second {
			e.reapIdleConnections(now)
			lastReap = now
		}
	}
}

// acceptConnections accepts every pending connection
func (e *engine) acceptConnections(l *listener) {
	for {
		nfd, _, err := unix.Accept(l.fd)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR {
				return
			}
			e.log.WithError(err).Warn("Accept error")
			return
		}
		unix.CloseOnExec(nfd)

		if err := poller.SetNonblock(nfd); err != nil {
			unix.Close(nfd)
			continue
		}

		// TCP_NODELAY: Disable Nagle's algorithm
		unix.SetsockoptInt(nfd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)

		c := &conn{
			fd:         nfd,
			ln:         l,
			buf:        e.cfg.BufferPool.Get(e.cfg.MaxRequestSize),
			state:      stateReading,
			lastActive: time.Now(),
		}

		e.mu.Lock()
		if err := e.poller.Add(nfd); err != nil {
			e.mu.Unlock()
			e.cfg.BufferPool.Put(c.buf)
			unix.Close(nfd)
			continue
		}
		c.armed = true
		e.conns[nfd] = c
		e.mu.Unlock()
	}
}

// handleRead reads from a readable connection and frames what it has
func (e *engine) handleRead(fd int) {
	e.mu.Lock()
	c, ok := e.conns[fd]
	if !ok || c.state != stateReading {
		e.mu.Unlock()
		return
	}
	c.lastActive = time.Now()
	e.mu.Unlock()

	n, err := unix.Read(c.fd, c.buf[c.n:])
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR {
			return
		}
		e.closeConn(c)
		return
	}
	if n == 0 {
		e.closeConn(c)
		return
	}

	c.n += n
	e.frame(c)
}

// frame extracts one complete request from the read buffer and hands it to
// the queue. Requests the queue must never see are answered here. It
// returns true when the connection still needs more data.
func (e *engine) frame(c *conn) bool {
	data := c.buf[:c.n]

	end := http.HeaderEnd(data)
	if end < 0 {
		if c.n == len(c.buf) {
			e.reject(c, 400)
			return false
		}
		// Partial request, wait for more data
		return true
	}

	var req http.Request
	if _, err := http.ParseRequest(data, &req); err != nil {
		e.reject(c, 400)
		return false
	}

	bodyLen, err := http.BodyLength(&req)
	if err != nil {
		if errors.Is(err, http.ErrUnsupportedBody) {
			e.reject(c, 501)
		} else {
			e.reject(c, 400)
		}
		return false
	}

	total := end + bodyLen
	if total > len(c.buf) {
		e.reject(c, 413)
		return false
	}
	if total > c.n {
		return true
	}

	if !c.ln.match(req.AbsPath) {
		e.reject(c, 404)
		return false
	}

	pr := &pendingRequest{
		conn:      c,
		raw:       append([]byte(nil), data[:total]...),
		keepAlive: req.KeepAlive(),
	}

	// Keep pipelined bytes for the next request
	c.n = copy(c.buf, c.buf[total:c.n])

	e.mu.Lock()
	c.state = stateQueued
	if c.armed {
		e.poller.Remove(c.fd)
		c.armed = false
	}
	e.mu.Unlock()

	if err := e.queue.enqueue(pr); err != nil {
		e.reject(c, 503)
	}
	return false
}

// write sends a response in the background and then either re-arms the
// connection for keep-alive or closes it. done runs last.
func (e *engine) write(c *conn, head []byte, resp *http.Response, keepAlive bool, done func(int, error)) {
	e.inflight.Add(1)
	go func() {
		defer e.inflight.Done()

		n, err := writeResponse(c.fd, head, resp, e.cfg.WriteTimeout)
		if err != nil {
			e.log.WithError(err).WithField("fd", c.fd).Debug("Response write failed")
		}
		e.finishResponse(c, keepAlive && err == nil)
		done(n, err)
	}()
}

// finishResponse serves any pipelined request, otherwise re-arms the
// connection for keep-alive.
func (e *engine) finishResponse(c *conn, keepAlive bool) {
	if !keepAlive || e.closed.Load() {
		e.closeConn(c)
		return
	}

	if c.n > 0 && !e.frame(c) {
		return
	}

	e.mu.Lock()
	if c.state == stateClosed {
		e.mu.Unlock()
		return
	}
	err := e.poller.Add(c.fd)
	if err == nil {
		c.state = stateReading
		c.armed = true
		c.lastActive = time.Now()
	}
	e.mu.Unlock()

	if err != nil {
		e.closeConn(c)
	}
}

// reject answers a request the application never sees and closes the
// connection.
func (e *engine) reject(c *conn, code int) {
	body := []byte(http.StatusText(code))
	resp := &http.Response{
		StatusCode:  code,
		ContentType: http.DefaultContentType,
		Chunks:      []http.DataChunk{http.MemoryChunk(body)},
	}
	head := resp.AppendHead(make([]byte, 0, 192), http.HeadOptions{
		ContentLength: int64(len(body)),
		Server:        ServerName,
		Date:          time.Now(),
	})

	if _, err := writeResponse(c.fd, head, resp, e.cfg.WriteTimeout); err != nil {
		e.log.WithError(err).WithField("status", code).Debug("Error response write failed")
	}
	e.closeConn(c)
}

// closeConn closes and cleans up a connection exactly once
func (e *engine) closeConn(c *conn) {
	e.mu.Lock()
	if c.state == stateClosed {
		e.mu.Unlock()
		return
	}
	c.state = stateClosed
	if e.conns[c.fd] == c {
		delete(e.conns, c.fd)
	}
	if c.armed {
		e.poller.Remove(c.fd)
		c.armed = false
	}
	unix.Close(c.fd)
	e.mu.Unlock()

	e.cfg.BufferPool.Put(c.buf)
	c.buf = nil
}

// reapIdleConnections closes connections idle in the reading state
func (e *engine) reapIdleConnections(now time.Time) {
	var idle []*conn

	e.mu.Lock()
	for _, c := range e.conns {
		if c.state == stateReading && now.Sub(c.lastActive) > e.cfg.IdleTimeout {
			idle = append(idle, c)
		}
	}
	e.mu.Unlock()

	for _, c := range idle {
		e.closeConn(c)
	}
}

// close stops the loop, waits for in-flight writes and closes every
// descriptor.
func (e *engine) close() {
	if e.closed.Swap(true) {
		return
	}
	if e.started {
		<-e.done
	}
	e.inflight.Wait()

	e.mu.Lock()
	conns := make([]*conn, 0, len(e.conns))
	for _, c := range e.conns {
		conns = append(conns, c)
	}
	e.mu.Unlock()

	for _, c := range conns {
		e.closeConn(c)
	}

	for _, l := range e.listenerOrder {
		e.poller.Remove(l.fd)
		l.file.Close()
	}
	e.poller.Close()
}
