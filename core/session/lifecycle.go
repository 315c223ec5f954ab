package session

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"partyroom/model"
)

const hostLeftMessage = "The host has left the room"

// Leave ends the session. A host first flushes pending writes and parks the
// room in the safe state (paused at 0) and tells the others; every member
// then drops its roster entry and presence, and all timers and the
// subscription are released. Leave is idempotent.
func (s *Session) Leave(ctx context.Context) error {
	if !s.started.Load() {
		return nil
	}
	if !s.leaving.CompareAndSwap(false, true) {
		select {
		case <-s.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	var (
		flushed <-chan struct{}
		wasHost bool
	)
	err := s.call(ctx, func() {
		s.closing = true
		s.stopBroadcaster()
		s.disarm(timerPoll)
		s.disarm(timerSettle)
		wasHost = s.isHost
		if wasHost && s.room != nil {
			safe := model.TransportUpdate{
				CurrentSongID: s.room.CurrentSongID,
				CurrentTime:   0,
				IsPlaying:     false,
				UpdatedBy:     s.cfg.UserID,
			}
			safe.Apply(s.room)
			if s.player.State() == PlayerPlaying {
				if err := s.player.Pause(); err != nil {
					s.log.Warn("pause on leave failed", zap.Error(err))
				}
			}
			s.persist(safe)
		}
		flushed = s.writesIdle()
	})
	if err != nil {
		if errors.Is(err, model.ErrSessionClosed) {
			return nil
		}
		s.stop(nil)
		return err
	}

	select {
	case <-flushed:
	case <-s.done:
	case <-ctx.Done():
		s.log.Warn("leaving with checkpoint write still pending")
	}

	if wasHost {
		notice := model.Notice{
			Kind:    model.NoticeHostLeft,
			Message: hostLeftMessage,
			UserID:  s.cfg.UserID,
			At:      s.clock.Now().UnixMilli(),
		}
		if err := s.sub.Notify(notice); err != nil {
			s.log.Warn("host left notice failed", zap.Error(err))
		}
	}
	if err := s.store.RemoveMember(ctx, s.cfg.RoomID, s.cfg.UserID); err != nil && !errors.Is(err, model.ErrRoomNotFound) {
		s.log.Warn("remove roster entry failed", zap.Error(err))
	}
	if err := s.sub.Untrack(); err != nil {
		s.log.Warn("presence untrack failed", zap.Error(err))
	}

	s.stop(nil)
	select {
	case <-s.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.log.Info("left room", zap.Bool("wasHost", wasHost))
	return nil
}

// Close leaves the room with a bounded deadline.
func (s *Session) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*s.policy.WriteTimeout)
	defer cancel()
	return s.Leave(ctx)
}

// DeleteRoom removes the room for everyone. Only the owner may do it; the
// store drops roster rows before the room row.
func (s *Session) DeleteRoom(ctx context.Context) error {
	var owner bool
	err := s.call(ctx, func() {
		owner = s.room != nil && s.room.OwnerID == s.cfg.UserID
		if owner {
			s.deleting = true
		}
	})
	if err != nil {
		return err
	}
	if !owner {
		return model.ErrNotOwner
	}
	if err := s.store.DeleteRoom(ctx, s.cfg.RoomID); err != nil {
		_ = s.call(ctx, func() { s.deleting = false })
		return fmt.Errorf("delete room %s: %w", s.cfg.RoomID, err)
	}
	s.leaving.Store(true)
	_ = s.call(ctx, func() {
		s.closing = true
		s.stopBroadcaster()
	})
	if err := s.sub.Untrack(); err != nil {
		s.log.Debug("presence untrack after delete", zap.Error(err))
	}
	s.stop(nil)
	select {
	case <-s.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.log.Info("room deleted")
	return nil
}
