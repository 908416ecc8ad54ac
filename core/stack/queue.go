//go:build linux || darwin

package stack

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/searchktools/async-server/core/http"
)

type queueState uint8

const (
	queueOpen queueState = iota
	queueShutdown
	queueClosed
)

// pendingReceive is a posted receive waiting for a request
type pendingReceive struct {
	buf []byte
	req *http.Request
	op  any
}

// pendingRequest is a framed request owned by the queue
type pendingRequest struct {
	id        http.RequestID
	conn      *conn
	raw       []byte
	keepAlive bool
}

// Queue hands parsed requests to the application and takes its responses.
// Receives and sends complete through the bound CompletionPort; the queue
// never calls Complete while holding its lock.
type Queue struct {
	name   string
	cfg    Config
	log    logrus.FieldLogger
	engine *engine

	mu          sync.Mutex
	state       queueState
	port        CompletionPort
	nextID      http.RequestID
	waiting     []*pendingRequest
	receives    []*pendingReceive
	outstanding map[http.RequestID]*pendingRequest
}

func newQueue(name string, cfg Config) *Queue {
	return &Queue{
		name:        name,
		cfg:         cfg,
		log:         cfg.Log.WithField("queue", name),
		outstanding: make(map[http.RequestID]*pendingRequest),
	}
}

// Name returns the queue name
func (q *Queue) Name() string {
	return q.name
}

// BindCompletion associates the completion port that receives every
// asynchronous result of this queue.
func (q *Queue) BindCompletion(port CompletionPort) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.state == queueClosed {
		return ErrClosed
	}
	if q.port != nil {
		return ErrAlreadyBound
	}
	q.port = port
	return nil
}

// ReceiveRequest asks for the next request. When one is already waiting it
// is copied into buf and parsed into req, and nil is returned; the
// completion is posted as well. Otherwise the receive is queued and
// ErrIOPending is returned. A waiting request larger than buf yields
// ErrMoreData with req.ID set and no completion.
func (q *Queue) ReceiveRequest(buf []byte, req *http.Request, op any) error {
	q.mu.Lock()

	switch {
	case q.state == queueClosed:
		q.mu.Unlock()
		return ErrClosed
	case q.state == queueShutdown:
		q.mu.Unlock()
		return ErrShutdown
	case q.port == nil:
		q.mu.Unlock()
		return ErrNotBound
	}

	if len(q.waiting) == 0 {
		q.receives = append(q.receives, &pendingReceive{buf: buf, req: req, op: op})
		q.mu.Unlock()
		return ErrIOPending
	}

	pr := q.waiting[0]
	q.waiting[0] = nil
	q.waiting = q.waiting[1:]
	q.outstanding[pr.id] = pr

	if len(pr.raw) > len(buf) {
		req.Reset()
		req.ID = pr.id
		q.mu.Unlock()
		return ErrMoreData
	}

	port := q.port
	q.mu.Unlock()

	n := deliver(pr, buf, req)
	port.Complete(op, nil, n)
	return nil
}

// enqueue is called by the engine for every framed request
func (q *Queue) enqueue(pr *pendingRequest) error {
	q.mu.Lock()

	if q.state != queueOpen {
		q.mu.Unlock()
		return ErrShutdown
	}

	q.nextID++
	pr.id = q.nextID

	if len(q.receives) == 0 {
		if len(q.waiting) >= q.cfg.MaxQueueLength {
			q.mu.Unlock()
			return errQueueFull
		}
		q.waiting = append(q.waiting, pr)
		q.mu.Unlock()
		return nil
	}

	rcv := q.receives[0]
	q.receives[0] = nil
	q.receives = q.receives[1:]
	q.outstanding[pr.id] = pr
	port := q.port
	q.mu.Unlock()

	if len(pr.raw) > len(rcv.buf) {
		rcv.req.Reset()
		rcv.req.ID = pr.id
		port.Complete(rcv.op, ErrMoreData, len(pr.raw))
		return nil
	}

	n := deliver(pr, rcv.buf, rcv.req)
	port.Complete(rcv.op, nil, n)
	return nil
}

// deliver copies a framed request into buf and parses it there, so the
// descriptor's strings point into the caller's buffer.
func deliver(pr *pendingRequest, buf []byte, req *http.Request) int {
	n := copy(buf, pr.raw)
	req.Reset()
	// Already validated when framed
	_, _ = http.ParseRequest(buf[:n], req)
	req.ID = pr.id
	return n
}

// SendResponse answers request id. The response is written in the
// background and ErrIOPending is returned; the completion carries the
// write result. resp and any file it references must stay valid until
// then. Requests delivered before Shutdown may still be answered.
func (q *Queue) SendResponse(id http.RequestID, resp *http.Response, policy *http.CachePolicy, op any) error {
	q.mu.Lock()

	if q.state == queueClosed {
		q.mu.Unlock()
		return ErrClosed
	}
	if q.port == nil {
		q.mu.Unlock()
		return ErrNotBound
	}
	pr, ok := q.outstanding[id]
	if !ok {
		q.mu.Unlock()
		return ErrConnectionInvalid
	}
	delete(q.outstanding, id)
	keepAlive := pr.keepAlive && q.state == queueOpen
	port := q.port
	q.mu.Unlock()

	length, err := resp.ContentLength()
	if err != nil {
		q.engine.closeConn(pr.conn)
		return err
	}

	head := resp.AppendHead(make([]byte, 0, 256), http.HeadOptions{
		ContentLength: length,
		CacheControl:  policy.CacheControl(),
		KeepAlive:     keepAlive,
		Server:        ServerName,
		Date:          time.Now(),
	})

	q.engine.write(pr.conn, head, resp, keepAlive, func(n int, err error) {
		port.Complete(op, err, n)
	})
	return ErrIOPending
}

// Shutdown stops the queue from taking new work. Pending receives complete
// with ErrAborted and undelivered requests are answered with 503.
func (q *Queue) Shutdown() error {
	q.mu.Lock()
	if q.state != queueOpen {
		q.mu.Unlock()
		return nil
	}
	q.state = queueShutdown
	receives, waiting, port := q.receives, q.waiting, q.port
	q.receives, q.waiting = nil, nil
	q.mu.Unlock()

	for _, rcv := range receives {
		port.Complete(rcv.op, ErrAborted, 0)
	}
	for _, pr := range waiting {
		q.engine.reject(pr.conn, 503)
	}

	q.log.WithFields(logrus.Fields{
		"aborted":  len(receives),
		"rejected": len(waiting),
	}).Info("Request queue shut down")
	return nil
}

// Close closes the queue. Connections of requests that were never answered
// are closed.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.state == queueClosed {
		q.mu.Unlock()
		return nil
	}
	q.state = queueClosed
	receives, waiting, port := q.receives, q.waiting, q.port
	outstanding := q.outstanding
	q.receives, q.waiting = nil, nil
	q.outstanding = make(map[http.RequestID]*pendingRequest)
	q.mu.Unlock()

	for _, rcv := range receives {
		port.Complete(rcv.op, ErrAborted, 0)
	}
	for _, pr := range waiting {
		q.engine.closeConn(pr.conn)
	}
	for _, pr := range outstanding {
		q.engine.closeConn(pr.conn)
	}
	return nil
}
