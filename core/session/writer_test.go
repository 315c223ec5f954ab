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

func update(t float64) model.TransportUpdate {
	return model.TransportUpdate{CurrentSongID: "song-a", CurrentTime: t, IsPlaying: true, UpdatedBy: hostID}
}

func (h *harness) waitWrite(t *testing.T) {
	t.Helper()
	h.waitFor(t, "write result", func(ev event) bool {
		_, ok := ev.(evWriteDone)
		return ok
	})
}

func TestCheckpointWriterCoalescesToNewest(t *testing.T) {
	h := newHarness(t, hostID, testRoomState("song-a", 0, true))
	release := make(chan struct{})
	h.store.On("UpdateTransport", mock.Anything, testRoom, update(1)).
		Run(func(mock.Arguments) { <-release }).
		Return(nil).Once()
	h.store.On("UpdateTransport", mock.Anything, testRoom, update(3)).Return(nil).Once()

	h.s.submitWrite(update(1))
	h.s.submitWrite(update(2))
	h.s.submitWrite(update(3))

	require.True(t, h.s.writer.inFlight)
	require.NotNil(t, h.s.writer.pending)
	assert.Equal(t, 3.0, h.s.writer.pending.CurrentTime)

	idle := h.s.writesIdle()
	close(release)
	h.waitWrite(t)

	// the first result starts the pending write, nothing is idle yet
	select {
	case <-idle:
		t.Fatal("writer reported idle with a write in flight")
	default:
	}
	h.waitWrite(t)

	select {
	case <-idle:
	case <-time.After(time.Second):
		t.Fatal("writer never became idle")
	}
	assert.Equal(t, 2, h.s.writer.written)
	h.store.AssertNotCalled(t, "UpdateTransport", mock.Anything, testRoom, update(2))
	h.store.AssertExpectations(t)
}

func TestCheckpointWriterFailureIsAbsorbed(t *testing.T) {
	h := newHarness(t, hostID, testRoomState("song-a", 0, true))
	h.store.On("UpdateTransport", mock.Anything, testRoom, update(4)).Return(errors.New("deadlock")).Once()
	h.store.On("UpdateTransport", mock.Anything, testRoom, update(6)).Return(nil).Once()

	h.s.submitWrite(update(4))
	h.waitWrite(t)
	assert.False(t, h.s.writer.inFlight)
	assert.False(t, h.s.exit)

	h.s.submitWrite(update(6))
	h.waitWrite(t)
	assert.Equal(t, 1, h.s.writer.written)
	h.store.AssertExpectations(t)
}

func TestCheckpointWriterRoomGoneEndsSession(t *testing.T) {
	h := newHarness(t, hostID, testRoomState("song-a", 0, true))
	h.store.On("UpdateTransport", mock.Anything, testRoom, mock.Anything).Return(model.ErrRoomNotFound).Once()

	h.s.submitWrite(update(8))
	h.waitWrite(t)

	assert.True(t, h.s.exit)
	assert.ErrorIs(t, h.s.Err(), model.ErrRoomNotFound)
}

func TestBroadcasterThrottlesCheckpoints(t *testing.T) {
	h := newHarness(t, hostID, testRoomState("song-a", 0, true))
	h.store.On("UpdateTransport", mock.Anything, testRoom, mock.Anything).Return(nil)
	h.ready()
	require.True(t, h.s.armed(timerBroadcast))

	// 0.2s of playback: broadcast only
	h.player.set(0.2, PlayerPlaying)
	h.advance(t, 200*time.Millisecond, timerBroadcast)
	assert.Equal(t, 1, h.sub.publishedCount())
	assert.False(t, h.s.writer.inFlight)

	// 1.9s: still below the checkpoint threshold
	h.player.set(1.9, PlayerPlaying)
	h.advance(t, 200*time.Millisecond, timerBroadcast)
	assert.Equal(t, 2, h.sub.publishedCount())
	assert.False(t, h.s.writer.inFlight)

	// 2.1s: checkpoint
	h.player.set(2.1, PlayerPlaying)
	h.advance(t, 200*time.Millisecond, timerBroadcast)
	assert.Equal(t, 3, h.sub.publishedCount())
	h.waitWrite(t)
	h.store.AssertCalled(t, "UpdateTransport", mock.Anything, testRoom, model.TransportUpdate{
		CurrentSongID: "song-a", CurrentTime: 2.1, IsPlaying: true, UpdatedBy: hostID,
	})

	last := h.sub.published[len(h.sub.published)-1]
	assert.Equal(t, "song-a", last.SongID)
	assert.Equal(t, 2.1, last.CurrentTime)
	assert.Equal(t, h.s.SenderID(), last.SenderID)
	assert.True(t, h.s.armed(timerBroadcast), "tick re-arms itself")
}

func TestHostEndOfTrackAdvances(t *testing.T) {
	h := newHarness(t, hostID, testRoomState("song-a", 0, true))
	h.store.On("UpdateTransport", mock.Anything, testRoom, mock.Anything).Return(nil)
	h.ready()

	h.player.set(300, PlayerEnded)
	h.s.handle(evPlayer{PlayerEvent{Kind: PlayerStateChange, State: PlayerEnded}})

	assert.Equal(t, "song-b", h.s.view().CurrentSong)
	assert.Equal(t, []string{"song-a", "song-b"}, h.player.loads)
	h.waitWrite(t)
	h.store.AssertCalled(t, "UpdateTransport", mock.Anything, testRoom, model.TransportUpdate{
		CurrentSongID: "song-b", CurrentTime: 0, IsPlaying: true, UpdatedBy: hostID,
	})
}
