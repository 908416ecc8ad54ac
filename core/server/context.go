package server

import (
	"os"
	"sync/atomic"

	"github.com/searchktools/async-server/core/http"
)

type opKind uint8

const (
	opReceive opKind = iota
	opSend
)

func (k opKind) String() string {
	if k == opReceive {
		return "receive"
	}
	return "send"
}

// ioContext is embedded in every operation context
type ioContext struct {
	server   *Server
	kind     opKind
	seq      uint64
	released atomic.Bool
}

func (c *ioContext) markReleased() {
	if c.released.Swap(true) {
		panic("server: " + c.kind.String() + " context released twice")
	}
	c.server.metrics.ContextReleased(c.kind.String())
}

// receiveContext owns one request buffer for one pending receive. The
// request descriptor's strings point into buf.
type receiveContext struct {
	ioContext
	buf []byte
	req http.Request
}

func (s *Server) newReceiveContext() *receiveContext {
	s.stats.receivesAllocated.Add(1)
	s.metrics.ContextAllocated(opReceive.String())

	return &receiveContext{
		ioContext: ioContext{server: s, kind: opReceive, seq: s.seq.Add(1)},
		buf:       s.buffers.Get(s.cfg.ReceiveBufferSize),
	}
}

func (c *receiveContext) release() {
	c.markReleased()
	c.server.buffers.Put(c.buf)
	c.buf = nil
	c.req = http.Request{}
	c.server.stats.receivesReleased.Add(1)
}

// sendContext owns a response with exactly one entity chunk. A file chunk's
// handle belongs to the context and is closed on release.
type sendContext struct {
	ioContext
	resp  http.Response
	chunk [1]http.DataChunk
	file  *os.File
}

func (s *Server) newSendContext(code int, reason, contentType string, chunk http.DataChunk) *sendContext {
	s.stats.sendsAllocated.Add(1)
	s.metrics.ContextAllocated(opSend.String())

	c := &sendContext{
		ioContext: ioContext{server: s, kind: opSend, seq: s.seq.Add(1)},
		file:      chunk.File,
	}
	c.chunk[0] = chunk
	c.resp = http.Response{
		StatusCode:  code,
		Reason:      reason,
		ContentType: contentType,
		Chunks:      c.chunk[:],
	}
	return c
}

func (c *sendContext) release() {
	c.markReleased()
	if c.file != nil {
		if err := c.file.Close(); err != nil {
			c.server.log.WithError(err).Debug("File close failed")
		}
		c.file = nil
		c.server.stats.filesClosed.Add(1)
	}
	c.server.stats.sendsReleased.Add(1)
}
