//go:build linux || darwin

package stack

import (
	"bufio"
	"errors"
	"io"
	"net"
	nethttp "net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/searchktools/async-server/core/http"
)

type completion struct {
	op     any
	result error
	bytes  int
}

// chanPort collects completions on a channel
type chanPort chan completion

func (p chanPort) Complete(op any, result error, bytes int) {
	p <- completion{op, result, bytes}
}

func (p chanPort) next(t *testing.T) completion {
	t.Helper()
	select {
	case c := <-p:
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for completion")
		return completion{}
	}
}

func newTestQueue(t *testing.T, cfg Config, prefix string) (*Session, *Queue, chanPort) {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	cfg.Log = logger

	s, err := NewSession(cfg)
	if err != nil {
		t.Fatalf("NewSession error: %v", err)
	}
	if err := s.AddURL(prefix); err != nil {
		t.Fatalf("AddURL error: %v", err)
	}
	q, err := s.CreateQueue("test")
	if err != nil {
		t.Fatalf("CreateQueue error: %v", err)
	}

	port := make(chanPort, 16)
	if err := q.BindCompletion(port); err != nil {
		t.Fatalf("BindCompletion error: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, q, port
}

func dial(t *testing.T, s *Session) net.Conn {
	t.Helper()
	c, err := net.Dial("tcp", s.Addrs()[0].String())
	if err != nil {
		t.Fatalf("Dial error: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func readResponse(t *testing.T, r *bufio.Reader) (*nethttp.Response, string) {
	t.Helper()
	resp, err := nethttp.ReadResponse(r, nil)
	if err != nil {
		t.Fatalf("ReadResponse error: %v", err)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Read body error: %v", err)
	}
	resp.Body.Close()
	return resp, string(body)
}

// TestQueueReceiveAndSend posts a receive before the request arrives
func TestQueueReceiveAndSend(t *testing.T) {
	s, q, port := newTestQueue(t, Config{}, "http://127.0.0.1:0/")

	buf := make([]byte, 4096)
	var req http.Request
	if err := q.ReceiveRequest(buf, &req, "rcv"); !errors.Is(err, ErrIOPending) {
		t.Fatalf("Expected ErrIOPending, got %v", err)
	}

	c := dial(t, s)
	c.Write([]byte("GET /dir/hello.txt?x=1 HTTP/1.1\r\nHost: test\r\n\r\n"))

	got := port.next(t)
	if got.op != "rcv" || got.result != nil {
		t.Fatalf("Unexpected completion %+v", got)
	}
	if req.Verb != http.VerbGET || req.AbsPath != "/dir/hello.txt" {
		t.Errorf("Unexpected request %s %s", req.Verb, req.AbsPath)
	}
	if req.ID == http.NullID {
		t.Error("Expected request id to be set")
	}

	resp := &http.Response{
		StatusCode:  200,
		Reason:      "OK",
		ContentType: "text/plain",
		Chunks:      []http.DataChunk{http.MemoryChunk([]byte("hi"))},
	}
	policy := &http.CachePolicy{Policy: http.CachePolicyUserInvalidates}
	if err := q.SendResponse(req.ID, resp, policy, "snd"); !errors.Is(err, ErrIOPending) {
		t.Fatalf("Expected ErrIOPending, got %v", err)
	}

	got = port.next(t)
	if got.op != "snd" || got.result != nil || got.bytes == 0 {
		t.Errorf("Unexpected send completion %+v", got)
	}

	r, body := readResponse(t, bufio.NewReader(c))
	if r.StatusCode != 200 || body != "hi" {
		t.Errorf("Expected 200 hi, got %d %q", r.StatusCode, body)
	}
	if cc := r.Header.Get("Cache-Control"); cc != "no-cache" {
		t.Errorf("Expected Cache-Control no-cache, got %q", cc)
	}
	if srv := r.Header.Get("Server"); srv != ServerName {
		t.Errorf("Expected Server %s, got %q", ServerName, srv)
	}

	// Answering twice is invalid
	if err := q.SendResponse(req.ID, resp, nil, "again"); !errors.Is(err, ErrConnectionInvalid) {
		t.Errorf("Expected ErrConnectionInvalid, got %v", err)
	}
}

// receiveWaiting retries until a request is waiting in the queue
func receiveWaiting(t *testing.T, q *Queue, buf []byte, req *http.Request, op any) error {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		q.mu.Lock()
		n := len(q.waiting)
		q.mu.Unlock()
		if n > 0 {
			return q.ReceiveRequest(buf, req, op)
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("No request arrived")
	return nil
}

// TestQueueImmediateDelivery receives a request that is already waiting
func TestQueueImmediateDelivery(t *testing.T) {
	s, q, port := newTestQueue(t, Config{}, "http://127.0.0.1:0/")

	c := dial(t, s)
	c.Write([]byte("GET /now HTTP/1.1\r\n\r\n"))

	buf := make([]byte, 4096)
	var req http.Request
	if err := receiveWaiting(t, q, buf, &req, "rcv"); err != nil {
		t.Fatalf("Expected immediate success, got %v", err)
	}
	if req.AbsPath != "/now" {
		t.Errorf("Expected /now, got %s", req.AbsPath)
	}

	got := port.next(t)
	if got.op != "rcv" || got.result != nil {
		t.Errorf("Expected completion for immediate delivery, got %+v", got)
	}
}

// TestQueueMoreData reports a request that does not fit the buffer
func TestQueueMoreData(t *testing.T) {
	s, q, port := newTestQueue(t, Config{}, "http://127.0.0.1:0/")

	c := dial(t, s)
	c.Write([]byte("GET /" + strings.Repeat("a", 200) + " HTTP/1.1\r\n\r\n"))

	buf := make([]byte, 64)
	var req http.Request
	if err := receiveWaiting(t, q, buf, &req, "rcv"); !errors.Is(err, ErrMoreData) {
		t.Fatalf("Expected ErrMoreData, got %v", err)
	}
	if req.ID == http.NullID {
		t.Fatal("Expected request id on ErrMoreData")
	}
	select {
	case got := <-port:
		t.Fatalf("Unexpected completion %+v", got)
	default:
	}

	resp := &http.Response{StatusCode: 413, Chunks: []http.DataChunk{http.MemoryChunk([]byte("too big"))}}
	if err := q.SendResponse(req.ID, resp, nil, "snd"); !errors.Is(err, ErrIOPending) {
		t.Fatalf("Expected ErrIOPending, got %v", err)
	}
	port.next(t)

	r, _ := readResponse(t, bufio.NewReader(c))
	if r.StatusCode != 413 {
		t.Errorf("Expected 413, got %d", r.StatusCode)
	}
}

// TestQueueMoreDataAsync completes a pending receive with ErrMoreData
func TestQueueMoreDataAsync(t *testing.T) {
	s, q, port := newTestQueue(t, Config{}, "http://127.0.0.1:0/")

	buf := make([]byte, 32)
	var req http.Request
	if err := q.ReceiveRequest(buf, &req, "rcv"); !errors.Is(err, ErrIOPending) {
		t.Fatalf("Expected ErrIOPending, got %v", err)
	}

	c := dial(t, s)
	c.Write([]byte("GET /" + strings.Repeat("b", 100) + " HTTP/1.1\r\n\r\n"))

	got := port.next(t)
	if !errors.Is(got.result, ErrMoreData) {
		t.Fatalf("Expected ErrMoreData completion, got %+v", got)
	}
	if req.ID == http.NullID {
		t.Error("Expected request id on ErrMoreData")
	}
}

// TestStackRejects checks the responses the stack sends on its own
func TestStackRejects(t *testing.T) {
	s, _, _ := newTestQueue(t, Config{MaxRequestSize: 512}, "http://127.0.0.1:0/app/")

	tests := []struct {
		name string
		data string
		want int
	}{
		{"malformed", "NOT-HTTP\r\n\r\n", 400},
		{"outside prefix", "GET /other HTTP/1.1\r\n\r\n", 404},
		{"chunked", "POST /app/x HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\n", 501},
		{"too large", "POST /app/x HTTP/1.1\r\nContent-Length: 4096\r\n\r\n", 413},
		// Exactly fills the read buffer without a terminator
		{"huge head", "GET /app/" + strings.Repeat("x", 492) + " HTTP/1.1\r\n", 400},
	}

	for _, tt := range tests {
		c := dial(t, s)
		c.Write([]byte(tt.data))
		r, _ := readResponse(t, bufio.NewReader(c))
		if r.StatusCode != tt.want {
			t.Errorf("%s: expected %d, got %d", tt.name, tt.want, r.StatusCode)
		}
		if !r.Close {
			t.Errorf("%s: expected connection close", tt.name)
		}
	}
}

// TestQueueShutdown aborts pending receives and rejects waiting requests
func TestQueueShutdown(t *testing.T) {
	s, q, port := newTestQueue(t, Config{}, "http://127.0.0.1:0/")

	buf := make([]byte, 4096)
	var req http.Request
	if err := q.ReceiveRequest(buf, &req, "rcv"); !errors.Is(err, ErrIOPending) {
		t.Fatalf("Expected ErrIOPending, got %v", err)
	}

	if err := q.Shutdown(); err != nil {
		t.Fatalf("Shutdown error: %v", err)
	}
	got := port.next(t)
	if got.op != "rcv" || !errors.Is(got.result, ErrAborted) {
		t.Errorf("Expected aborted receive, got %+v", got)
	}

	if err := q.ReceiveRequest(buf, &req, "late"); !errors.Is(err, ErrShutdown) {
		t.Errorf("Expected ErrShutdown, got %v", err)
	}

	// New requests are turned away
	c := dial(t, s)
	c.Write([]byte("GET / HTTP/1.1\r\n\r\n"))
	r, _ := readResponse(t, bufio.NewReader(c))
	if r.StatusCode != 503 {
		t.Errorf("Expected 503, got %d", r.StatusCode)
	}

	if err := q.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}
	if err := q.ReceiveRequest(buf, &req, "closed"); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
}

// TestQueueKeepAliveSendfile serves a file twice over one connection
func TestQueueKeepAliveSendfile(t *testing.T) {
	s, q, port := newTestQueue(t, Config{}, "http://127.0.0.1:0/")

	content := strings.Repeat("0123456789", 10000)
	path := filepath.Join(t.TempDir(), "big.txt")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	c := dial(t, s)
	br := bufio.NewReader(c)

	for i := 0; i < 2; i++ {
		buf := make([]byte, 4096)
		var req http.Request
		err := q.ReceiveRequest(buf, &req, i)
		if err != nil && !errors.Is(err, ErrIOPending) {
			t.Fatalf("ReceiveRequest error: %v", err)
		}

		c.Write([]byte("GET /big.txt HTTP/1.1\r\n\r\n"))
		if got := port.next(t); got.result != nil {
			t.Fatalf("Unexpected receive result %v", got.result)
		}

		f, err := os.Open(path)
		if err != nil {
			t.Fatal(err)
		}
		resp := &http.Response{StatusCode: 200, Chunks: []http.DataChunk{http.FileChunk(f)}}
		if err := q.SendResponse(req.ID, resp, nil, "snd"); !errors.Is(err, ErrIOPending) {
			t.Fatalf("Expected ErrIOPending, got %v", err)
		}

		r, body := readResponse(t, br)
		got := port.next(t)
		f.Close()

		if got.result != nil {
			t.Errorf("Send failed: %v", got.result)
		}
		if r.StatusCode != 200 || body != content {
			t.Errorf("Round %d: expected %d bytes, got %d (%d)", i, len(content), len(body), r.StatusCode)
		}
		if r.Close {
			t.Errorf("Round %d: expected keep-alive", i)
		}
	}
}

// TestSessionErrors checks session misuse
func TestSessionErrors(t *testing.T) {
	s, err := NewSession(Config{})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if _, err := s.CreateQueue("q"); !errors.Is(err, ErrNoURLs) {
		t.Errorf("Expected ErrNoURLs, got %v", err)
	}
	if err := s.AddURL("http://127.0.0.1:0/"); err != nil {
		t.Fatal(err)
	}
	if err := s.AddURL("http://127.0.0.1:0/"); !errors.Is(err, ErrURLExists) {
		t.Errorf("Expected ErrURLExists, got %v", err)
	}
	if err := s.AddURL("https://127.0.0.1:0/"); !errors.Is(err, ErrInvalidURL) {
		t.Errorf("Expected ErrInvalidURL, got %v", err)
	}

	q, err := s.CreateQueue("q")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.CreateQueue("q2"); !errors.Is(err, ErrQueueExists) {
		t.Errorf("Expected ErrQueueExists, got %v", err)
	}

	var req http.Request
	if err := q.ReceiveRequest(make([]byte, 16), &req, nil); !errors.Is(err, ErrNotBound) {
		t.Errorf("Expected ErrNotBound, got %v", err)
	}
}
