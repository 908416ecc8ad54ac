package server

import (
	"errors"
	"fmt"

	"github.com/searchktools/async-server/core/stack"
)

// dispatch is the single completion entry point; it runs on the worker pool
func (s *Server) dispatch(op any, result error, _ int) {
	switch ctx := op.(type) {
	case *receiveContext:
		s.metrics.Completion(opReceive.String(), resultLabel(result))
		s.onReceiveComplete(ctx, result)
	case *sendContext:
		s.metrics.Completion(opSend.String(), resultLabel(result))
		s.onSendComplete(ctx, result)
	default:
		s.log.WithField("op", fmt.Sprintf("%T", op)).Warn("Completion for unknown operation dropped")
	}
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, stack.ErrMoreData):
		return "more_data"
	default:
		return "error"
	}
}

// onSendComplete releases the send context; the result is only logged
func (s *Server) onSendComplete(ctx *sendContext, status error) {
	if status != nil {
		s.log.WithError(status).WithField("op", "send").Debug("Send completed with error")
	}
	ctx.release()
}
