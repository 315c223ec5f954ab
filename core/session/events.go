package session

import (
	"time"

	"partyroom/model"
)

// event is anything the loop consumes.
type event interface{}

type evCall struct {
	fn   func()
	done chan struct{}
}

type evRealtime struct {
	ev model.RealtimeEvent
	at time.Time
}

type evChannelClosed struct{}

type evPlayer struct {
	PlayerEvent
}

type evTimer struct {
	kind timerKind
	gen  uint64
}

type evWriteDone struct {
	u   model.TransportUpdate
	err error
}

type evPollResult struct {
	room *model.Room
	err  error
	gen  uint64
}

type evRoster struct {
	members []model.RoomMember
	err     error
	gen     uint64
}

type evSource struct {
	songID string
	source string
	err    error
	gen    uint64
}
