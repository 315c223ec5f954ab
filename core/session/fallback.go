package session

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"partyroom/model"
)

// Connectivity is the health of the realtime channel.
type Connectivity int

const (
	Live Connectivity = iota
	Degraded
)

func (c Connectivity) String() string {
	if c == Degraded {
		return "DEGRADED"
	}
	return "LIVE"
}

// degrade switches to polling the durable store. Repeated signals while
// already degraded do nothing.
func (s *Session) degrade(reason string, err error) {
	if s.closing {
		return
	}
	if s.conn != Degraded {
		s.conn = Degraded
		s.log.Warn("realtime channel degraded, polling room state",
			zap.String("reason", reason), zap.Error(err))
	}
	if s.armed(timerPoll) {
		return
	}
	s.pollNow()
	s.arm(timerPoll, s.policy.PollInterval)
}

// recover returns to LIVE and stops polling.
func (s *Session) recover() {
	s.disarm(timerPoll)
	if s.conn == Live {
		return
	}
	s.conn = Live
	s.pollGen++
	s.log.Info("realtime channel recovered")
}

func (s *Session) pollTick() {
	if s.conn != Degraded || s.closing {
		return
	}
	s.pollNow()
	s.arm(timerPoll, s.policy.PollInterval)
}

func (s *Session) pollNow() {
	if s.pollInFlight {
		return
	}
	s.pollInFlight = true
	gen := s.pollGen
	ctx, store, roomID, timeout := s.ctx, s.store, s.cfg.RoomID, s.policy.WriteTimeout
	go func() {
		cctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		room, err := store.GetRoom(cctx, roomID)
		s.post(evPollResult{room: room, err: err, gen: gen})
	}()
}

func (s *Session) onPollResult(e evPollResult) {
	s.pollInFlight = false
	if errors.Is(e.err, model.ErrRoomNotFound) {
		s.fail(model.ErrRoomNotFound)
		return
	}
	if e.err != nil {
		s.log.Warn("poll room state failed", zap.Error(e.err))
		return
	}
	if e.gen != s.pollGen || e.room == nil || s.closing {
		return
	}
	s.applyRoom(e.room, s.clock.Now())
	s.refreshRoster()
}
