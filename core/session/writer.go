package session

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"partyroom/model"
)

// checkpointWriter is a single-flight queue for durable transport writes:
// one write in flight, and of everything submitted meanwhile only the
// newest value is kept.
type checkpointWriter struct {
	inFlight bool
	pending  *model.TransportUpdate
	idle     []chan struct{}
	written  int
}

func (s *Session) submitWrite(u model.TransportUpdate) {
	if s.writer.inFlight {
		s.writer.pending = &u
		return
	}
	s.startWrite(u)
}

func (s *Session) startWrite(u model.TransportUpdate) {
	s.writer.inFlight = true
	ctx, store, roomID, timeout := s.ctx, s.store, s.cfg.RoomID, s.policy.WriteTimeout
	go func() {
		cctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		err := store.UpdateTransport(cctx, roomID, u)
		s.post(evWriteDone{u: u, err: err})
	}()
}

func (s *Session) onWriteDone(e evWriteDone) {
	s.writer.inFlight = false
	switch {
	case e.err == nil:
		s.writer.written++
	case errors.Is(e.err, model.ErrRoomNotFound):
		s.fail(model.ErrRoomNotFound)
		return
	default:
		// superseded by the next tick or command
		s.log.Warn("checkpoint write failed",
			zap.Float64("time", e.u.CurrentTime),
			zap.Bool("playing", e.u.IsPlaying),
			zap.Error(e.err))
	}

	if p := s.writer.pending; p != nil {
		s.writer.pending = nil
		s.startWrite(*p)
		return
	}
	for _, ch := range s.writer.idle {
		close(ch)
	}
	s.writer.idle = nil
}

// writesIdle returns a channel closed once nothing is in flight or pending.
func (s *Session) writesIdle() <-chan struct{} {
	ch := make(chan struct{})
	if !s.writer.inFlight && s.writer.pending == nil {
		close(ch)
		return ch
	}
	s.writer.idle = append(s.writer.idle, ch)
	return ch
}
