/*
Package asyncserver is a static file server built on an asynchronous
request/response engine.

An HTTP stack accepts connections, frames requests and places them on a
request queue. The server keeps a fixed number of receive operations posted
against that queue. Each completion is dispatched on a worker pool, turned
into a response (a file from the root directory or a short message) and
submitted back to the queue as an asynchronous send. When the send
completes, its context is released.

Features

  - Completion-driven receive and send with a bounded number of outstanding receives
  - Request queue with URL prefix registration, keep-alive and pipelining
  - I/O multiplexing: epoll (Linux) and kqueue (BSD/macOS)
  - Zero-copy file bodies via sendfile
  - Work-stealing worker pool for completion callbacks
  - Prometheus metrics and structured logging

Quick Start

	server [flags] http://127.0.0.1:8080/ /srv/www

A GET for /index.html serves /srv/www/index.html. Requesting the kill path
(/kill by default) stops the server.

Modules

  - app: Application lifecycle and wiring
  - config: Configuration loading from flags, environment and JSON
  - core/http: Request parsing, response encoding and data chunks
  - core/stack: URL registration, request queue and connection engine
  - core/completion: Outstanding-operation counting and callback dispatch
  - core/server: Receive re-arming, request processing and responses
  - core/pools: Worker pool, byte pool and GC tuning
  - core/poller: I/O multiplexing (epoll/kqueue)
  - core/observability: Prometheus metrics
  - cmd/server: The file server binary
  - cmd/loadtest: A concurrent GET load generator
*/
package asyncserver
