package session

import (
	"go.uber.org/zap"

	"partyroom/model"
)

// persistedMark is the last transport value handed to the writer.
type persistedMark struct {
	time    float64
	playing bool
}

func (s *Session) startBroadcaster() {
	if s.closing || s.armed(timerBroadcast) {
		return
	}
	s.arm(timerBroadcast, s.policy.BroadcastInterval)
}

func (s *Session) stopBroadcaster() {
	s.disarm(timerBroadcast)
}

// broadcastTick samples the host player, fans the sample out and
// checkpoints it once playback has moved far enough.
func (s *Session) broadcastTick() {
	if !s.isHost || s.closing {
		return
	}
	defer s.arm(timerBroadcast, s.policy.BroadcastInterval)

	if !s.sync.ready || s.sync.songID == "" {
		return
	}
	t := s.player.CurrentTime()
	st := s.player.State()
	playing := st == PlayerPlaying || st == PlayerBuffering

	s.sync.displayTime = t
	s.room.CurrentTime = t
	s.room.IsPlaying = playing
	s.publishProgress(t, playing)

	advanced := t-s.lastPersisted.time >= s.policy.CheckpointThreshold.Seconds()
	if advanced || playing != s.lastPersisted.playing {
		s.persist(model.TransportUpdate{
			CurrentSongID: s.sync.songID,
			CurrentTime:   t,
			IsPlaying:     playing,
			UpdatedBy:     s.cfg.UserID,
		})
	}
}

// publishProgress sends one ephemeral broadcast. Failures are not retried;
// the next tick supersedes them.
func (s *Session) publishProgress(t float64, playing bool) {
	if s.sub == nil {
		return
	}
	ts := s.clock.Now().UnixMilli()
	if ts <= s.lastSentTS {
		ts = s.lastSentTS + 1
	}
	s.lastSentTS = ts
	err := s.sub.Publish(model.ProgressBroadcast{
		RoomID:      s.cfg.RoomID,
		SongID:      s.sync.songID,
		CurrentTime: t,
		IsPlaying:   playing,
		Timestamp:   ts,
		SenderID:    s.senderID,
	})
	if err != nil {
		s.log.Debug("progress publish failed", zap.Error(err))
	}
}

// persist records u as the newest durable value and hands it to the writer.
func (s *Session) persist(u model.TransportUpdate) {
	s.lastPersisted = persistedMark{time: u.CurrentTime, playing: u.IsPlaying}
	s.submitWrite(u)
}
