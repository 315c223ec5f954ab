package client

import (
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"partyroom/core/session"
)

// ErrNoSource is returned by SimPlayer operations before Load.
var ErrNoSource = errors.New("player: no source loaded")

// SimPlayer is a headless session.Player driven by a clock. It models
// load latency and track length, which is enough to watch drift and
// corrections without real audio.
type SimPlayer struct {
	clock     clockwork.Clock
	loadDelay time.Duration
	length    func(source string) float64

	mu        sync.Mutex
	source    string
	gen       uint64
	ready     bool
	state     session.PlayerState
	duration  float64
	position  float64
	startedAt time.Time
	volume    float64
	endTimer  clockwork.Timer

	events chan session.PlayerEvent
}

// SimPlayerOption tunes a SimPlayer.
type SimPlayerOption func(*SimPlayer)

// WithLoadDelay sets how long Load takes before the player reports ready.
func WithLoadDelay(d time.Duration) SimPlayerOption {
	return func(p *SimPlayer) { p.loadDelay = d }
}

// WithTrackLength sets the track length for a source.
func WithTrackLength(fn func(source string) float64) SimPlayerOption {
	return func(p *SimPlayer) { p.length = fn }
}

// NewSimPlayer returns a player with 300 second tracks and a 300ms load time.
func NewSimPlayer(clock clockwork.Clock, opts ...SimPlayerOption) *SimPlayer {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	p := &SimPlayer{
		clock:     clock,
		loadDelay: 300 * time.Millisecond,
		length:    func(string) float64 { return 300 },
		volume:    1,
		events:    make(chan session.PlayerEvent, 64),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *SimPlayer) Events() <-chan session.PlayerEvent {
	return p.events
}

func (p *SimPlayer) emit(ev session.PlayerEvent) {
	select {
	case p.events <- ev:
	default:
	}
}

// Load replaces the current source; ready is reported after the load delay.
func (p *SimPlayer) Load(source string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopEndTimer()
	p.gen++
	gen := p.gen
	p.source = source
	p.ready = false
	p.state = session.PlayerUnstarted
	p.position = 0
	p.duration = p.length(source)

	p.clock.AfterFunc(p.loadDelay, func() {
		p.mu.Lock()
		if p.gen != gen {
			p.mu.Unlock()
			return
		}
		p.ready = true
		p.mu.Unlock()
		p.emit(session.PlayerEvent{Kind: session.PlayerReady})
	})
	return nil
}

func (p *SimPlayer) CurrentTime() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.positionLocked()
}

func (p *SimPlayer) positionLocked() float64 {
	pos := p.position
	if p.state == session.PlayerPlaying {
		pos += p.clock.Since(p.startedAt).Seconds()
	}
	if p.duration > 0 && pos > p.duration {
		pos = p.duration
	}
	return pos
}

func (p *SimPlayer) Duration() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.ready {
		return 0
	}
	return p.duration
}

func (p *SimPlayer) State() session.PlayerState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *SimPlayer) SeekTo(seconds float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.ready {
		return ErrNoSource
	}
	if seconds < 0 {
		seconds = 0
	}
	if seconds > p.duration {
		seconds = p.duration
	}
	p.position = seconds
	p.startedAt = p.clock.Now()
	if p.state == session.PlayerPlaying {
		p.scheduleEndLocked()
	} else if p.state == session.PlayerEnded {
		p.state = session.PlayerPaused
	}
	return nil
}

func (p *SimPlayer) Play() error {
	p.mu.Lock()
	if !p.ready {
		p.mu.Unlock()
		return ErrNoSource
	}
	if p.state == session.PlayerPlaying {
		p.mu.Unlock()
		return nil
	}
	if p.position >= p.duration {
		p.position = 0
	}
	p.state = session.PlayerPlaying
	p.startedAt = p.clock.Now()
	p.scheduleEndLocked()
	p.mu.Unlock()
	p.emit(session.PlayerEvent{Kind: session.PlayerStateChange, State: session.PlayerPlaying})
	return nil
}

func (p *SimPlayer) Pause() error {
	p.mu.Lock()
	if p.state != session.PlayerPlaying {
		p.mu.Unlock()
		return nil
	}
	p.position = p.positionLocked()
	p.state = session.PlayerPaused
	p.stopEndTimer()
	p.mu.Unlock()
	p.emit(session.PlayerEvent{Kind: session.PlayerStateChange, State: session.PlayerPaused})
	return nil
}

func (p *SimPlayer) SetVolume(v float64) error {
	if v < 0 || v > 1 {
		return errors.New("player: volume out of range")
	}
	p.mu.Lock()
	p.volume = v
	p.mu.Unlock()
	return nil
}

// Volume is the last volume set.
func (p *SimPlayer) Volume() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.volume
}

func (p *SimPlayer) scheduleEndLocked() {
	p.stopEndTimer()
	remaining := time.Duration((p.duration - p.position) * float64(time.Second))
	if remaining < 0 {
		remaining = 0
	}
	gen := p.gen
	p.endTimer = p.clock.AfterFunc(remaining, func() {
		p.mu.Lock()
		if p.gen != gen || p.state != session.PlayerPlaying {
			p.mu.Unlock()
			return
		}
		p.position = p.duration
		p.state = session.PlayerEnded
		p.endTimer = nil
		p.mu.Unlock()
		p.emit(session.PlayerEvent{Kind: session.PlayerStateChange, State: session.PlayerEnded})
	})
}

func (p *SimPlayer) stopEndTimer() {
	if p.endTimer != nil {
		p.endTimer.Stop()
		p.endTimer = nil
	}
}
