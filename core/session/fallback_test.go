package session

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"partyroom/model"
)

func (h *harness) signal(kind model.RealtimeKind) {
	h.s.handle(evRealtime{ev: model.RealtimeEvent{Kind: kind, Err: errors.New("socket reset")}, at: h.clock.Now()})
}

func (h *harness) waitPoll(t *testing.T) {
	t.Helper()
	h.waitFor(t, "poll result", func(ev event) bool {
		_, ok := ev.(evPollResult)
		return ok
	})
}

func countPollTimers(s *Session) int {
	n := 0
	for kind := range s.timers {
		if kind == timerPoll {
			n++
		}
	}
	return n
}

func TestFallbackPollingStartsOnceAndStops(t *testing.T) {
	h := newHarness(t, guestID, testRoomState("song-a", 0, false))
	h.store.On("GetRoom", mock.Anything, testRoom).Return(testRoomState("song-a", 0, false), nil)
	h.store.On("ListMembers", mock.Anything, testRoom).Return(testRoster(), nil).Maybe()

	assert.Equal(t, Live, h.s.view().Connectivity)

	h.signal(model.RealtimeChannelError)
	h.signal(model.RealtimeChannelTimeout)
	h.signal(model.RealtimeChannelError)

	assert.Equal(t, Degraded, h.s.view().Connectivity)
	assert.Equal(t, 1, countPollTimers(h.s))
	h.waitPoll(t)
	h.store.AssertNumberOfCalls(t, "GetRoom", 1)

	h.advance(t, 10*time.Second, timerPoll)
	h.waitPoll(t)
	h.store.AssertNumberOfCalls(t, "GetRoom", 2)
	assert.True(t, h.s.armed(timerPoll))

	h.signal(model.RealtimeSubscribed)
	assert.Equal(t, Live, h.s.view().Connectivity)
	assert.False(t, h.s.armed(timerPoll))

	// a second recovery signal is harmless
	h.signal(model.RealtimeSubscribed)
	assert.Equal(t, 0, countPollTimers(h.s))
}

func TestFallbackPollAppliesRoomState(t *testing.T) {
	h := newHarness(t, guestID, testRoomState("song-a", 0, false))
	h.synced(10, 0)
	h.store.On("GetRoom", mock.Anything, testRoom).Return(testRoomState("song-a", 40, false), nil)
	h.store.On("ListMembers", mock.Anything, testRoom).Return(testRoster(), nil).Maybe()

	h.signal(model.RealtimeChannelError)
	h.waitPoll(t)

	require.Equal(t, 1, h.player.seekCount())
	assert.Equal(t, 40.0, h.player.seeks[0])
}

func TestFallbackStalePollIgnoredAfterRecovery(t *testing.T) {
	h := newHarness(t, guestID, testRoomState("song-a", 0, false))
	h.synced(10, 0)
	release := make(chan struct{})
	h.store.On("GetRoom", mock.Anything, testRoom).
		Run(func(mock.Arguments) { <-release }).
		Return(testRoomState("song-a", 90, false), nil).Once()

	h.signal(model.RealtimeChannelError)
	h.signal(model.RealtimeSubscribed)
	close(release)
	h.waitPoll(t)

	assert.Equal(t, 0, h.player.seekCount())
	assert.False(t, h.s.pollInFlight)
}

func TestFallbackPollRoomNotFoundIsFatal(t *testing.T) {
	h := newHarness(t, guestID, testRoomState("song-a", 0, false))
	h.store.On("GetRoom", mock.Anything, testRoom).Return(nil, model.ErrRoomNotFound)

	h.s.handle(evChannelClosed{})
	h.waitPoll(t)

	assert.True(t, h.s.exit)
	assert.ErrorIs(t, h.s.Err(), model.ErrRoomNotFound)
}

func TestRoomDeletedEventIsFatal(t *testing.T) {
	h := newHarness(t, guestID, testRoomState("song-a", 0, false))
	h.s.handle(evRealtime{ev: model.RealtimeEvent{Kind: model.RealtimeRoomDeleted}, at: h.clock.Now()})

	assert.True(t, h.s.exit)
	assert.ErrorIs(t, h.s.Err(), model.ErrRoomNotFound)
}
