package server

import (
	"errors"
	"io/fs"
	"os"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/searchktools/async-server/core/http"
	"github.com/searchktools/async-server/core/stack"
)

// Canned response bodies
const (
	msgNotFound       = "File not found"
	msgNotAccessible  = "File could not be opened"
	msgBadPath        = "Bad path"
	msgNotImplemented = "Server only supports GET"
	msgEntityTooLarge = "Large buffer support is not implemented"
	msgStopping       = "Server stopping"
)

// processAndRespond builds the response for a completed receive and
// submits it. At most one response is sent per receive.
func (s *Server) processAndRespond(rctx *receiveContext, status error) {
	start := time.Now()
	req := &rctx.req

	var (
		sctx   *sendContext
		policy *http.CachePolicy
	)

	switch {
	case errors.Is(status, stack.ErrMoreData):
		sctx = s.messageResponse(413, msgEntityTooLarge)
	case status != nil:
		return
	case req.Verb != http.VerbGET:
		sctx = s.messageResponse(501, msgNotImplemented)
	case s.cfg.KillPath != "" && req.AbsPath == s.cfg.KillPath:
		sctx = s.messageResponse(200, msgStopping)
		s.kill()
	default:
		sctx, policy = s.fileResponse(req.AbsPath)
	}

	s.metrics.Response(sctx.resp.StatusCode, time.Since(start))
	s.log.WithFields(logrus.Fields{
		"path":   req.AbsPath,
		"status": sctx.resp.StatusCode,
	}).Debug("Sending response")

	s.io.Start()

	err := s.queue.SendResponse(req.ID, &sctx.resp, policy, sctx)
	if err == nil || errors.Is(err, stack.ErrIOPending) {
		return
	}

	// No retry; the request is dropped
	s.io.Cancel()
	s.metrics.SubmitFailure(opSend.String())
	s.log.WithError(err).WithField("op", "send").Warn("Send submission failed")
	sctx.release()
}

// messageResponse builds a response with a fixed in-memory body
func (s *Server) messageResponse(code int, message string) *sendContext {
	return s.newSendContext(code, http.StatusText(code), http.DefaultContentType,
		http.MemoryChunk([]byte(message)))
}

// fileResponse opens the file behind absPath, or builds the 404 explaining
// why it could not.
func (s *Server) fileResponse(absPath string) (*sendContext, *http.CachePolicy) {
	path, ok := s.resolvePath(absPath)
	if !ok {
		return s.messageResponse(404, msgBadPath), nil
	}

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ENOTDIR) {
			return s.messageResponse(404, msgNotFound), nil
		}
		s.log.WithError(err).WithField("path", path).Debug("Open failed")
		return s.messageResponse(404, msgNotAccessible), nil
	}
	s.stats.filesOpened.Add(1)

	if fi, err := f.Stat(); err != nil || fi.IsDir() {
		f.Close()
		s.stats.filesClosed.Add(1)
		return s.messageResponse(404, msgNotAccessible), nil
	}

	sctx := s.newSendContext(200, "OK", http.ContentTypeByExtension(path), http.FileChunk(f))
	return sctx, &http.CachePolicy{Policy: http.CachePolicyUserInvalidates, SecondsToLive: 0}
}
