package session

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"partyroom/model"
)

// SetPlaying plays or pauses the room. Host only.
func (s *Session) SetPlaying(ctx context.Context, playing bool) error {
	return s.exec(ctx, func() error {
		if err := s.requireHost(); err != nil {
			return err
		}
		t := s.hostPosition()
		if s.sync.ready {
			var err error
			if playing {
				err = s.player.Play()
			} else {
				err = s.player.Pause()
			}
			if err != nil {
				s.log.Warn("player transport failed", zap.Bool("playing", playing), zap.Error(err))
			}
		}
		s.commit(s.room.CurrentSongID, t, playing)
		return nil
	})
}

// SeekTo moves the room to seconds. Host only.
func (s *Session) SeekTo(ctx context.Context, seconds float64) error {
	if seconds < 0 {
		return fmt.Errorf("%w: negative seek target", model.ErrInvalidInput)
	}
	return s.exec(ctx, func() error {
		if err := s.requireHost(); err != nil {
			return err
		}
		if d := s.player.Duration(); s.sync.ready && d > 0 && seconds > d {
			seconds = d
		}
		if s.sync.ready {
			if err := s.player.SeekTo(seconds); err != nil {
				s.log.Warn("host seek failed", zap.Float64("target", seconds), zap.Error(err))
			}
		}
		s.commit(s.room.CurrentSongID, seconds, s.room.IsPlaying)
		return nil
	})
}

// NextSong skips forward, wrapping to the start of the playlist. Host only.
func (s *Session) NextSong(ctx context.Context) error {
	return s.step(ctx, 1)
}

// PreviousSong skips back, wrapping to the end of the playlist. Host only.
func (s *Session) PreviousSong(ctx context.Context) error {
	return s.step(ctx, -1)
}

func (s *Session) step(ctx context.Context, delta int) error {
	return s.exec(ctx, func() error {
		if err := s.requireHost(); err != nil {
			return err
		}
		pl := s.room.Playlist
		if len(pl) == 0 {
			return nil
		}
		idx := pl.IndexOf(s.room.CurrentSongID)
		next := 0
		if idx >= 0 {
			next = ((idx+delta)%len(pl) + len(pl)) % len(pl)
		}
		s.switchSong(pl[next], true)
		return nil
	})
}

// PlaySong starts songID from the beginning. Host only; the song must be
// in the playlist.
func (s *Session) PlaySong(ctx context.Context, songID string) error {
	return s.exec(ctx, func() error {
		if err := s.requireHost(); err != nil {
			return err
		}
		if !s.room.Playlist.Contains(songID) {
			return fmt.Errorf("%w: %s", model.ErrSongNotInPlaylist, songID)
		}
		s.switchSong(songID, true)
		return nil
	})
}

// DismissNotice clears the current notice.
func (s *Session) DismissNotice(ctx context.Context) error {
	return s.call(ctx, func() { s.notice = nil })
}

// SetVolume changes local volume only.
func (s *Session) SetVolume(ctx context.Context, v float64) error {
	return s.exec(ctx, func() error { return s.player.SetVolume(v) })
}

func (s *Session) requireHost() error {
	if s.closing {
		return model.ErrSessionClosed
	}
	if !s.isHost || s.room == nil {
		return model.ErrNotHost
	}
	return nil
}

func (s *Session) hostPosition() float64 {
	if s.sync.ready {
		return s.player.CurrentTime()
	}
	return s.room.CurrentTime
}

// commit applies a host command locally, writes it through the
// single-flight writer without the threshold, and broadcasts it at once.
func (s *Session) commit(songID string, t float64, playing bool) {
	u := model.TransportUpdate{CurrentSongID: songID, CurrentTime: t, IsPlaying: playing, UpdatedBy: s.cfg.UserID}
	u.Apply(s.room)
	s.sync.displayTime = t
	s.sync.baseline = observation{time: t, playing: playing, at: s.clock.Now()}
	s.persist(u)
	s.publishProgress(t, playing)
}

func (s *Session) switchSong(songID string, playing bool) {
	s.room.CurrentSongID = songID
	s.room.CurrentTime = 0
	s.room.IsPlaying = playing
	s.changeSong(s.clock.Now())
	s.commit(songID, 0, playing)
}

// autoAdvance moves the host to the next song when the current one ends,
// or parks at the end of the last song.
func (s *Session) autoAdvance() {
	pl := s.room.Playlist
	idx := pl.IndexOf(s.room.CurrentSongID)
	if idx >= 0 && idx+1 < len(pl) {
		s.log.Debug("track ended, advancing", zap.String("next", pl[idx+1]))
		s.switchSong(pl[idx+1], true)
		return
	}
	end := s.player.Duration()
	if end <= 0 {
		end = s.player.CurrentTime()
	}
	s.commit(s.room.CurrentSongID, end, false)
}
