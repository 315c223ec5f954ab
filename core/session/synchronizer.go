package session

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"

	"partyroom/model"
)

// observation is a room position sampled at a local instant.
type observation struct {
	time    float64
	playing bool
	at      time.Time
}

// project extrapolates the position to now while playing.
func (o observation) project(now time.Time) float64 {
	if !o.playing || o.at.IsZero() {
		return o.time
	}
	return o.time + now.Sub(o.at).Seconds()
}

type transportKey struct {
	songID  string
	time    float64
	playing bool
}

// syncState is reset in full whenever the active song changes.
type syncState struct {
	songID      string
	loaded      bool
	ready       bool
	firstSynced bool
	syncing     bool
	displayTime float64
	corrections int

	baseline       observation
	latest         observation
	lastCheckpoint transportKey

	progressSender string
	progressTS     int64
}

// applyRoom takes a durable room row from a checkpoint, a poll or startup.
func (s *Session) applyRoom(room *model.Room, at time.Time) {
	wasHost := s.isHost
	prev := s.room
	s.isHost = room.HostID == s.cfg.UserID

	if prev != nil && wasHost && s.isHost {
		// the host's own transport is authoritative; take everything else
		next := room.Clone()
		model.TransportOf(prev).Apply(next)
		s.room = next
		return
	}

	s.room = room.Clone()
	if prev == nil || room.CurrentSongID != s.sync.songID {
		s.changeSong(at)
		s.roleChanged(wasHost)
		return
	}
	if wasHost != s.isHost {
		s.roleChanged(wasHost)
		return
	}
	s.onCheckpoint(room, at)
}

// roleChanged starts or stops host duties after isHost was recomputed.
func (s *Session) roleChanged(wasHost bool) {
	if s.isHost {
		s.disarm(timerSettle)
		s.disarm(timerSeekGuard)
		s.sync.syncing = false
		if s.sync.ready {
			s.sync.firstSynced = true
		}
		s.lastPersisted = persistedMark{time: s.room.CurrentTime, playing: s.room.IsPlaying}
		s.startBroadcaster()
		if !wasHost {
			s.log.Info("became host")
		}
		return
	}
	s.stopBroadcaster()
	if wasHost {
		s.log.Info("no longer host")
		s.sync.firstSynced = false
		s.sync.latest = observation{time: s.room.CurrentTime, playing: s.room.IsPlaying, at: s.clock.Now()}
		if s.sync.ready {
			s.beginFirstSync()
		}
	}
}

// changeSong resets all per-song state and loads the room's current song.
func (s *Session) changeSong(at time.Time) {
	s.disarm(timerSettle)
	s.disarm(timerSyncing)
	s.disarm(timerSeekGuard)

	songID := s.room.CurrentSongID
	s.sync = syncState{
		songID:         songID,
		displayTime:    s.room.CurrentTime,
		latest:         observation{time: s.room.CurrentTime, playing: s.room.IsPlaying, at: at},
		lastCheckpoint: transportKey{songID: songID, time: s.room.CurrentTime, playing: s.room.IsPlaying},
	}
	s.lastPersisted = persistedMark{time: s.room.CurrentTime, playing: s.room.IsPlaying}

	if songID == "" {
		s.loading = false
		if s.player.State() == PlayerPlaying {
			if err := s.player.Pause(); err != nil {
				s.log.Warn("pause failed", zap.Error(err))
			}
		}
		return
	}
	s.log.Debug("song changed", zap.String("song", songID))
	s.loading = true
	s.loadSource(songID)
}

func (s *Session) loadSource(songID string) {
	s.sourceGen++
	if s.resolver == nil {
		s.loadPlayer(songID, songID)
		return
	}
	gen := s.sourceGen
	ctx, resolver, timeout := s.ctx, s.resolver, s.policy.WriteTimeout
	go func() {
		cctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		src, err := resolver.SourceURL(cctx, songID)
		s.post(evSource{songID: songID, source: src, err: err, gen: gen})
	}()
}

func (s *Session) onSource(e evSource) {
	if e.gen != s.sourceGen || e.songID != s.sync.songID {
		return
	}
	if e.err != nil {
		s.log.Warn("resolve media source failed", zap.String("song", e.songID), zap.Error(e.err))
		s.loading = false
		return
	}
	s.loadPlayer(e.songID, e.source)
}

func (s *Session) loadPlayer(songID, source string) {
	if err := s.player.Load(source); err != nil {
		s.log.Warn("player load failed", zap.String("song", songID), zap.Error(err))
		s.loading = false
		return
	}
	s.sync.loaded = true
}

func (s *Session) onPlayer(ev PlayerEvent) {
	switch ev.Kind {
	case PlayerReady:
		if !s.sync.loaded || s.sync.ready {
			return
		}
		s.sync.ready = true
		s.loading = false
		s.onFirstReady()
	case PlayerStateChange:
		if ev.State == PlayerEnded && s.isHost && s.sync.ready && !s.closing {
			s.autoAdvance()
		}
	case PlayerError:
		// last known transport state stays until the next event
		s.log.Warn("player error", zap.Error(ev.Err))
	}
}

func (s *Session) onFirstReady() {
	if !s.isHost {
		s.beginFirstSync()
		return
	}
	now := s.clock.Now()
	target := s.sync.latest.project(now)
	if target > 0 {
		if err := s.player.SeekTo(target); err != nil {
			s.log.Warn("host seek failed", zap.Float64("target", target), zap.Error(err))
		}
	}
	s.reconcilePlaying(s.room.IsPlaying)
	s.sync.firstSynced = true
	s.sync.displayTime = target
	s.sync.baseline = observation{time: target, playing: s.room.IsPlaying, at: now}
}

// beginFirstSync shows the syncing indicator and waits out the settle delay.
func (s *Session) beginFirstSync() {
	s.sync.syncing = true
	s.arm(timerSyncing, s.policy.SyncingIndicator)
	s.arm(timerSettle, s.policy.SettleDelay)
}

// settle performs the unconditional first-sync seek.
func (s *Session) settle() {
	if s.isHost || !s.sync.ready {
		return
	}
	now := s.clock.Now()
	target := s.sync.latest.project(now)
	if d := s.player.Duration(); d > 0 && target > d {
		target = d
	}
	playing := s.sync.latest.playing

	if s.seek(target) {
		s.sync.baseline = observation{time: target, playing: playing, at: now}
	} else {
		s.sync.baseline = observation{time: s.player.CurrentTime(), playing: playing, at: now}
	}
	s.sync.displayTime = target
	s.sync.firstSynced = true
	s.reconcilePlaying(playing)
	s.log.Debug("first sync", zap.Float64("target", target), zap.Bool("playing", playing))
}

// seek moves the local player and raises the seek guard on success.
func (s *Session) seek(target float64) bool {
	if err := s.player.SeekTo(target); err != nil {
		s.log.Warn("seek failed", zap.Float64("target", target), zap.Error(err))
		return false
	}
	s.arm(timerSeekGuard, s.policy.SeekGuard)
	return true
}

func (s *Session) reconcilePlaying(want bool) {
	st := s.player.State()
	playing := st == PlayerPlaying || st == PlayerBuffering
	switch {
	case want && !playing:
		if err := s.player.Play(); err != nil {
			s.log.Warn("play failed", zap.Error(err))
		}
	case !want && playing:
		if err := s.player.Pause(); err != nil {
			s.log.Warn("pause failed", zap.Error(err))
		}
	}
}

// onProgress handles an ephemeral host broadcast. It never seeks.
func (s *Session) onProgress(p *model.ProgressBroadcast, at time.Time) {
	if p == nil || s.isHost || s.closing {
		return
	}
	if p.SongID != s.sync.songID {
		return
	}
	if p.SenderID == s.sync.progressSender && p.Timestamp <= s.sync.progressTS {
		// duplicate or reordered
		return
	}
	s.sync.progressSender = p.SenderID
	s.sync.progressTS = p.Timestamp
	s.sync.latest = observation{time: p.CurrentTime, playing: p.IsPlaying, at: at}
	s.sync.displayTime = p.CurrentTime

	if s.sync.ready && s.sync.firstSynced {
		s.reconcilePlaying(p.IsPlaying)
	}
}

// onCheckpoint applies the anti-jitter correction policy to a durable
// checkpoint for the active song.
func (s *Session) onCheckpoint(room *model.Room, at time.Time) {
	if s.closing {
		return
	}
	key := transportKey{songID: room.CurrentSongID, time: room.CurrentTime, playing: room.IsPlaying}
	dup := key == s.sync.lastCheckpoint
	s.sync.lastCheckpoint = key
	if !dup {
		s.sync.latest = observation{time: room.CurrentTime, playing: room.IsPlaying, at: at}
	}

	if !s.sync.ready || !s.sync.firstSynced {
		if !dup {
			s.sync.displayTime = room.CurrentTime
		}
		return
	}

	s.reconcilePlaying(room.IsPlaying)
	if dup || s.armed(timerSeekGuard) {
		return
	}

	drift := math.Abs(room.CurrentTime - s.sync.baseline.project(at))
	threshold := s.policy.DriftThreshold
	if s.sync.corrections >= s.policy.MaxCorrections {
		threshold = s.policy.LargeDriftThreshold
	}

	if drift <= threshold.Seconds() {
		s.sync.baseline = observation{time: room.CurrentTime, playing: room.IsPlaying, at: at}
		return
	}

	if !s.seek(room.CurrentTime) {
		return
	}
	s.sync.corrections++
	s.sync.baseline = observation{time: room.CurrentTime, playing: room.IsPlaying, at: at}
	s.sync.displayTime = room.CurrentTime
	if drift > s.policy.LargeDriftThreshold.Seconds() {
		s.sync.syncing = true
		s.arm(timerSyncing, s.policy.SyncingIndicator)
	}
	s.log.Debug("drift corrected",
		zap.Float64("drift", drift),
		zap.Float64("target", room.CurrentTime),
		zap.Int("corrections", s.sync.corrections))
}
