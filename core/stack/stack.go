// Package stack is a user-space HTTP/1.1 protocol stack. It owns listening
// sockets and connections, parses requests, and hands them out through a
// request queue with an asynchronous receive/send interface. Completions
// are delivered to a CompletionPort bound to the queue.
package stack

import (
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/searchktools/async-server/core/pools"
)

// Status and failure results returned by queue operations
var (
	// ErrIOPending means the operation was queued; its result arrives later
	// through the bound CompletionPort.
	ErrIOPending = errors.New("stack: I/O pending")

	// ErrMoreData means the waiting request did not fit the caller's buffer
	ErrMoreData = errors.New("stack: request does not fit buffer")

	ErrShutdown          = errors.New("stack: queue shut down")
	ErrAborted           = errors.New("stack: operation aborted")
	ErrClosed            = errors.New("stack: closed")
	ErrNotBound          = errors.New("stack: no completion port bound")
	ErrAlreadyBound      = errors.New("stack: completion port already bound")
	ErrConnectionInvalid = errors.New("stack: connection invalid")
	ErrInvalidURL        = errors.New("stack: invalid URL prefix")
	ErrURLExists         = errors.New("stack: URL prefix already registered")
	ErrNoURLs            = errors.New("stack: no URL prefixes registered")
	ErrQueueExists       = errors.New("stack: request queue already created")
	ErrWriteTimeout      = errors.New("stack: write timed out")

	errQueueFull = errors.New("stack: request queue full")
)

// ServerName is sent in the Server header of every response
const ServerName = "async-server"

// CompletionPort receives the results of asynchronous queue operations.
// op is the value passed when the operation was submitted; bytes is the
// request size for receives and the number of bytes written for sends.
type CompletionPort interface {
	Complete(op any, result error, bytes int)
}

// Config holds stack limits
type Config struct {
	// MaxRequestSize bounds head plus body of a single request
	MaxRequestSize int

	// MaxQueueLength bounds requests waiting for a receive
	MaxQueueLength int

	IdleTimeout  time.Duration
	WriteTimeout time.Duration

	Log logrus.FieldLogger

	// BufferPool backs connection read buffers
	BufferPool *pools.BytePool
}

// DefaultConfig returns the default stack limits
func DefaultConfig() Config {
	return Config{
		MaxRequestSize: 16 << 10,
		MaxQueueLength: 1000,
		IdleTimeout:    30 * time.Second,
		WriteTimeout:   10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxRequestSize <= 0 {
		c.MaxRequestSize = d.MaxRequestSize
	}
	if c.MaxQueueLength <= 0 {
		c.MaxQueueLength = d.MaxQueueLength
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.Log == nil {
		c.Log = logrus.StandardLogger()
	}
	if c.BufferPool == nil {
		c.BufferPool = pools.NewBytePool()
	}
	return c
}
