package server

import (
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/searchktools/async-server/core/stack"
)

// postReceive submits one receive with a fresh context. A receive that
// fails synchronously drops its slot; a request that did not fit is still
// answered with 413 first.
func (s *Server) postReceive() error {
	ctx := s.newReceiveContext()

	// Arm before submitting so a synchronous completion is never missed
	s.io.Start()

	err := s.queue.ReceiveRequest(ctx.buf, &ctx.req, ctx)
	if err == nil || errors.Is(err, stack.ErrIOPending) {
		s.metrics.ReceivePosted()
		return nil
	}

	s.io.Cancel()
	s.metrics.SubmitFailure(opReceive.String())

	entry := s.log.WithError(err).WithField("op", "receive")
	if s.stopping.Load() {
		entry.Debug("Receive rejected during shutdown")
	} else {
		entry.Warn("Receive submission failed")
	}

	if errors.Is(err, stack.ErrMoreData) {
		s.processAndRespond(ctx, err)
	}
	ctx.release()
	return err
}

// onReceiveComplete answers the request and re-arms the slot
func (s *Server) onReceiveComplete(ctx *receiveContext, status error) {
	if s.stopping.Load() {
		ctx.release()
		return
	}

	if status != nil && !errors.Is(status, stack.ErrMoreData) {
		s.log.WithFields(logrus.Fields{"op": "receive", "error": status}).Debug("Receive completed with error")
	}

	s.processAndRespond(ctx, status)

	if !s.stopping.Load() {
		// Failures are logged and drop the slot
		_ = s.postReceive()
	}

	ctx.release()
}
