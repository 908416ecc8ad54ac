package server

import (
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/searchktools/async-server/core/http"
	"github.com/searchktools/async-server/core/stack"
)

// sentResponse is what the fake queue saw for one SendResponse
type sentResponse struct {
	id          http.RequestID
	status      int
	reason      string
	contentType string
	body        string
	policy      *http.CachePolicy
}

type fakeReceive struct {
	buf []byte
	req *http.Request
	op  any
}

type fakeSend struct {
	resp sentResponse
	op   any
}

// fakeQueue is an in-memory RequestQueue. Receives park until deliver is
// called; sends are recorded and completed by completeSends.
type fakeQueue struct {
	mu       sync.Mutex
	port     stack.CompletionPort
	shutdown bool
	nextID   http.RequestID

	receives []fakeReceive
	sends    []fakeSend
	sent     []sentResponse

	// Synchronous results for the next submissions
	receiveErrs []error
	sendErr     error
	// Answer receives immediately with this request when set
	immediate string
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{}
}

func (q *fakeQueue) BindCompletion(port stack.CompletionPort) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.port != nil {
		return stack.ErrAlreadyBound
	}
	q.port = port
	return nil
}

func (q *fakeQueue) ReceiveRequest(buf []byte, req *http.Request, op any) error {
	q.mu.Lock()
	if q.shutdown {
		q.mu.Unlock()
		return stack.ErrShutdown
	}
	if len(q.receiveErrs) > 0 {
		err := q.receiveErrs[0]
		q.receiveErrs = q.receiveErrs[1:]
		if err != nil {
			if errors.Is(err, stack.ErrMoreData) {
				q.nextID++
				req.Reset()
				req.ID = q.nextID
			}
			q.mu.Unlock()
			return err
		}
	}
	if q.immediate != "" {
		raw := q.immediate
		q.immediate = ""
		q.nextID++
		id := q.nextID
		port := q.port
		q.mu.Unlock()

		n := fill(buf, req, raw, id)
		port.Complete(op, nil, n)
		return nil
	}
	q.receives = append(q.receives, fakeReceive{buf, req, op})
	q.mu.Unlock()
	return stack.ErrIOPending
}

func fill(buf []byte, req *http.Request, raw string, id http.RequestID) int {
	n := copy(buf, raw)
	req.Reset()
	http.ParseRequest(buf[:n], req)
	req.ID = id
	return n
}

func (q *fakeQueue) SendResponse(id http.RequestID, resp *http.Response, policy *http.CachePolicy, op any) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.sendErr != nil {
		return q.sendErr
	}

	sr := sentResponse{
		id:          id,
		status:      resp.StatusCode,
		reason:      resp.Reason,
		contentType: resp.ContentType,
		policy:      policy,
	}
	for _, c := range resp.Chunks {
		switch c.Kind {
		case http.ChunkFromMemory:
			sr.body += string(c.Memory)
		case http.ChunkFromFile:
			b, _ := io.ReadAll(io.NewSectionReader(c.File, c.Range.Start, 1<<40))
			sr.body += string(b)
		}
	}

	q.sent = append(q.sent, sr)
	q.sends = append(q.sends, fakeSend{resp: sr, op: op})
	return stack.ErrIOPending
}

func (q *fakeQueue) Shutdown() error {
	q.mu.Lock()
	if q.shutdown {
		q.mu.Unlock()
		return nil
	}
	q.shutdown = true
	receives, port := q.receives, q.port
	q.receives = nil
	q.mu.Unlock()

	for _, r := range receives {
		port.Complete(r.op, stack.ErrAborted, 0)
	}
	return nil
}

// pending returns the number of parked receives
func (q *fakeQueue) pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.receives)
}

// deliver completes the oldest parked receive with raw
func (q *fakeQueue) deliver(t *testing.T, raw string) http.RequestID {
	t.Helper()

	q.mu.Lock()
	if len(q.receives) == 0 {
		q.mu.Unlock()
		t.Fatal("No receive posted")
	}
	r := q.receives[0]
	q.receives = q.receives[1:]
	q.nextID++
	id := q.nextID
	port := q.port
	q.mu.Unlock()

	if len(raw) > len(r.buf) {
		r.req.Reset()
		r.req.ID = id
		port.Complete(r.op, stack.ErrMoreData, len(raw))
		return id
	}

	n := fill(r.buf, r.req, raw, id)
	port.Complete(r.op, nil, n)
	return id
}

// fail completes the oldest parked receive with err
func (q *fakeQueue) fail(t *testing.T, err error) {
	t.Helper()

	q.mu.Lock()
	if len(q.receives) == 0 {
		q.mu.Unlock()
		t.Fatal("No receive posted")
	}
	r := q.receives[0]
	q.receives = q.receives[1:]
	port := q.port
	q.mu.Unlock()

	port.Complete(r.op, err, 0)
}

// completeSends completes every recorded send with result
func (q *fakeQueue) completeSends(result error) int {
	q.mu.Lock()
	sends, port := q.sends, q.port
	q.sends = nil
	q.mu.Unlock()

	for _, s := range sends {
		port.Complete(s.op, result, len(s.resp.body))
	}
	return len(sends)
}

// waitSent waits until n responses have been submitted and returns them
func (q *fakeQueue) waitSent(t *testing.T, n int) []sentResponse {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		q.mu.Lock()
		if len(q.sent) >= n {
			sent := append([]sentResponse(nil), q.sent...)
			q.mu.Unlock()
			return sent
		}
		q.mu.Unlock()
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %d responses", n)
	return nil
}

// waitPending waits until n receives are parked
func (q *fakeQueue) waitPending(t *testing.T, n int) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if q.pending() == n {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("Expected %d pending receives, got %d", n, q.pending())
}
