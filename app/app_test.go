//go:build linux || darwin

package app

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/valyala/fasthttp"
	"golang.org/x/sync/errgroup"

	"github.com/searchktools/async-server/config"
)

func newTestApp(t *testing.T) (*App, string) {
	t.Helper()

	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "hello.txt"), []byte("hello world"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := config.Default()
	cfg.URL = "http://127.0.0.1:0/"
	cfg.RootDirectory = root
	cfg.OutstandingRequests = 4
	cfg.Workers = 2

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	a, err := New(cfg, logger)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	return a, "http://" + a.Addrs()[0].String()
}

func get(t *testing.T, client *fasthttp.Client, url string) (int, string) {
	t.Helper()

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(url)
	if err := client.DoTimeout(req, resp, 5*time.Second); err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	return resp.StatusCode(), string(resp.Body())
}

// TestAppServeAndKill serves a file end to end and stops on the kill path
func TestAppServeAndKill(t *testing.T) {
	a, base := newTestApp(t)

	runErr := make(chan error, 1)
	go func() { runErr <- a.Run(context.Background()) }()

	client := &fasthttp.Client{}

	code, body := get(t, client, base+"/hello.txt")
	if code != 200 || body != "hello world" {
		t.Errorf("Expected 200 hello world, got %d %q", code, body)
	}

	code, body = get(t, client, base+"/missing.txt")
	if code != 404 || body != "File not found" {
		t.Errorf("Expected 404 File not found, got %d %q", code, body)
	}

	if code, _ := get(t, client, base+"/kill"); code != 200 {
		t.Errorf("Expected 200 from kill path, got %d", code)
	}

	select {
	case err := <-runErr:
		if err != nil {
			t.Errorf("Run error: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after kill")
	}

	n, err := testutil.GatherAndCount(a.Registry(), "async_server_responses_total")
	if err != nil {
		t.Fatalf("Gather error: %v", err)
	}
	if n != 2 {
		t.Errorf("Expected 2 response code series, got %d", n)
	}
}

// TestAppConcurrentClients drives the server from many keep-alive clients
func TestAppConcurrentClients(t *testing.T) {
	a, base := newTestApp(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- a.Run(ctx) }()

	client := &fasthttp.Client{MaxConnsPerHost: 8}

	var g errgroup.Group
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			req := fasthttp.AcquireRequest()
			resp := fasthttp.AcquireResponse()
			defer fasthttp.ReleaseRequest(req)
			defer fasthttp.ReleaseResponse(resp)

			req.SetRequestURI(base + "/hello.txt")
			for j := 0; j < 50; j++ {
				if err := client.DoTimeout(req, resp, 5*time.Second); err != nil {
					return err
				}
				if resp.StatusCode() != 200 || string(resp.Body()) != "hello world" {
					return errors.New("unexpected response " + resp.String())
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Errorf("Client error: %v", err)
	}

	cancel()
	if err := <-runErr; err != nil {
		t.Errorf("Run error: %v", err)
	}

	stats := a.server.Stats()
	if stats.FilesOpened != stats.FilesClosed {
		t.Errorf("Expected every file closed, opened %d closed %d", stats.FilesOpened, stats.FilesClosed)
	}
	if stats.SendsAllocated != stats.SendsReleased {
		t.Errorf("Expected every send released, allocated %d released %d", stats.SendsAllocated, stats.SendsReleased)
	}
}

// TestAppRunCancelled returns once the context is cancelled
func TestAppRunCancelled(t *testing.T) {
	a, _ := newTestApp(t)

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- a.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-runErr:
		if err != nil {
			t.Errorf("Run error: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	// Close after Run is a no-op
	a.Close()
}

// TestAppNewErrors rejects bad configuration and bad prefixes
func TestAppNewErrors(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	cfg := config.Default()
	if _, err := New(cfg, logger); !errors.Is(err, config.ErrUsage) {
		t.Errorf("Expected ErrUsage, got %v", err)
	}

	cfg.URL = "https://127.0.0.1:0/"
	cfg.RootDirectory = t.TempDir()
	if _, err := New(cfg, logger); err == nil {
		t.Error("Expected error for https prefix")
	}
}
