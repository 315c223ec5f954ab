package session

import (
	"context"

	"partyroom/model"
)

// PlayerState mirrors the states a media engine reports.
type PlayerState int

const (
	PlayerUnstarted PlayerState = iota
	PlayerPlaying
	PlayerPaused
	PlayerBuffering
	PlayerEnded
)

func (s PlayerState) String() string {
	switch s {
	case PlayerPlaying:
		return "playing"
	case PlayerPaused:
		return "paused"
	case PlayerBuffering:
		return "buffering"
	case PlayerEnded:
		return "ended"
	default:
		return "unstarted"
	}
}

// PlayerEventKind identifies a media engine callback.
type PlayerEventKind int

const (
	PlayerReady PlayerEventKind = iota + 1
	PlayerStateChange
	PlayerError
)

// PlayerEvent is a media engine callback delivered through Player.Events.
type PlayerEvent struct {
	Kind  PlayerEventKind
	State PlayerState
	Err   error
}

// Player is the local media engine. Calls are made only from the session
// loop; events may be produced from any goroutine.
type Player interface {
	Load(source string) error
	CurrentTime() float64
	Duration() float64
	State() PlayerState
	SeekTo(seconds float64) error
	Play() error
	Pause() error
	SetVolume(v float64) error
	Events() <-chan PlayerEvent
}

// Store is the durable room state store as seen by one client.
type Store interface {
	GetRoom(ctx context.Context, roomID string) (*model.Room, error)
	UpdateTransport(ctx context.Context, roomID string, u model.TransportUpdate) error
	EnsureMember(ctx context.Context, roomID string, userID int64, username string) error
	RemoveMember(ctx context.Context, roomID string, userID int64) error
	ListMembers(ctx context.Context, roomID string) ([]model.RoomMember, error)
	DeleteRoom(ctx context.Context, roomID string) error
}

// Transport opens realtime subscriptions to a room topic.
type Transport interface {
	Subscribe(ctx context.Context, roomID string) (Subscription, error)
}

// Subscription is one realtime channel. Events is closed when the
// subscription ends for good. Publish and Notify must not block.
type Subscription interface {
	Events() <-chan model.RealtimeEvent
	Publish(p model.ProgressBroadcast) error
	Notify(n model.Notice) error
	Track(p model.PresenceRecord) error
	Untrack() error
	Close() error
}

// MediaResolver maps a song id to a source the Player can load.
type MediaResolver interface {
	SourceURL(ctx context.Context, songID string) (string, error)
}
