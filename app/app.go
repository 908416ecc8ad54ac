//go:build linux || darwin

// Package app wires the stack, the server and the metrics endpoint together
// and owns startup and teardown order.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	nethttp "net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/searchktools/async-server/config"
	"github.com/searchktools/async-server/core/observability"
	"github.com/searchktools/async-server/core/pools"
	"github.com/searchktools/async-server/core/server"
	"github.com/searchktools/async-server/core/stack"
)

// QueueName names the request queue created by the app
const QueueName = "async-server"

// App is the application instance
type App struct {
	cfg *config.Config
	log *logrus.Logger

	registry *prometheus.Registry
	metrics  *nethttp.Server

	session *stack.Session
	queue   *stack.Queue
	server  *server.Server

	closeOnce sync.Once
}

// New initializes the stack, creates the queue and the server bound to it.
// Nothing is served until Run.
func New(cfg *config.Config, logger *logrus.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = cfg.NewLogger()
	}

	if cfg.GCPercent > 0 {
		prev := pools.ApplyGCConfig(pools.GCConfig{GOGC: cfg.GCPercent})
		logger.WithFields(logrus.Fields{"gogc": cfg.GCPercent, "previous": prev}).Info("GC tuned")
	}

	a := &App{
		cfg:      cfg,
		log:      logger,
		registry: prometheus.NewRegistry(),
	}
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(a.registry)

	readBuffers := pools.NewBytePool()
	receiveBuffers := pools.NewBytePool()
	observability.RegisterBytePool(a.registry, "read", readBuffers)
	observability.RegisterBytePool(a.registry, "receive", receiveBuffers)

	var err error
	a.session, err = stack.NewSession(stack.Config{
		MaxRequestSize: cfg.MaxRequestSize,
		MaxQueueLength: cfg.MaxQueueLength,
		IdleTimeout:    cfg.IdleTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		Log:            logger,
		BufferPool:     readBuffers,
	})
	if err != nil {
		return nil, fmt.Errorf("initialize stack: %w", err)
	}

	if err := a.session.AddURL(cfg.URL); err != nil {
		a.session.Close()
		return nil, fmt.Errorf("add URL %s: %w", cfg.URL, err)
	}

	a.queue, err = a.session.CreateQueue(QueueName)
	if err != nil {
		a.session.Close()
		return nil, fmt.Errorf("create request queue: %w", err)
	}

	a.server, err = server.New(a.queue, server.Config{
		RootDirectory:        cfg.RootDirectory,
		ReceiveBufferSize:    cfg.ReceiveBufferSize,
		RequestsPerProcessor: cfg.RequestsPerProcessor,
		OutstandingRequests:  cfg.OutstandingRequests,
		Workers:              cfg.Workers,
		MaxPathLength:        cfg.MaxPathLength,
		KillPath:             cfg.KillPath,
		Log:                  logger,
		Metrics:              metrics,
		BufferPool:           receiveBuffers,
	})
	if err != nil {
		a.queue.Close()
		a.session.Close()
		return nil, fmt.Errorf("create server: %w", err)
	}
	observability.RegisterWorkerPool(a.registry, a.server.WorkerPool())

	if cfg.MetricsAddr != "" {
		mux := nethttp.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{Registry: a.registry}))
		a.metrics = &nethttp.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	return a, nil
}

// Addrs returns the addresses the stack listens on
func (a *App) Addrs() []net.Addr {
	return a.session.Addrs()
}

// Registry returns the Prometheus registry holding the app metrics
func (a *App) Registry() *prometheus.Registry {
	return a.registry
}

// Run starts serving and blocks until ctx is cancelled or the kill path is
// requested, then stops the server and tears everything down.
func (a *App) Run(ctx context.Context) error {
	defer a.Close()

	if err := a.server.Start(); err != nil {
		return fmt.Errorf("start server: %w", err)
	}

	a.log.WithFields(logrus.Fields{
		"url":  a.cfg.URL,
		"root": a.cfg.RootDirectory,
		"env":  a.cfg.Env,
	}).Info("🚀 Serving")

	g, gctx := errgroup.WithContext(ctx)

	if a.metrics != nil {
		g.Go(func() error {
			a.log.WithField("addr", a.metrics.Addr).Info("📊 Metrics endpoint listening")
			if err := a.metrics.ListenAndServe(); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		select {
		case <-gctx.Done():
			a.log.Info("Shutting down")
		case <-a.server.Killed():
			a.log.Info("Shutting down on kill request")
		}

		a.server.Stop()

		if a.metrics != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			a.metrics.Shutdown(shutdownCtx)
		}
		return nil
	})

	return g.Wait()
}

// Close stops the server if needed and releases everything in teardown
// order: server I/O, request queue, session, completion resources.
func (a *App) Close() {
	a.closeOnce.Do(func() {
		a.server.Stop()
		if err := a.queue.Close(); err != nil {
			a.log.WithError(err).Warn("Queue close failed")
		}
		if err := a.session.Close(); err != nil {
			a.log.WithError(err).Warn("Session close failed")
		}
		a.server.Close()

		gc := pools.GetGCStats()
		a.log.WithFields(logrus.Fields{
			"gc_runs":    gc.NumGC,
			"gc_pause":   gc.PauseTotal,
			"goroutines": gc.NumGoroutine,
		}).Info("👋 Shutdown complete")
	})
}
