package session

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestCheckpointCorrectionPolicy(t *testing.T) {
	testCases := []struct {
		name            string
		corrections     int
		baseline        float64
		incoming        float64
		expectSeek      bool
		wantCorrections int
		wantBaseline    float64
	}{
		{
			name:            "small counter seeks on 3s drift",
			corrections:     0,
			baseline:        10,
			incoming:        13,
			expectSeek:      true,
			wantCorrections: 1,
			wantBaseline:    13,
		},
		{
			name:            "small counter adopts 1.5s drift",
			corrections:     1,
			baseline:        20,
			incoming:        21.5,
			wantCorrections: 1,
			wantBaseline:    21.5,
		},
		{
			name:            "exhausted counter adopts 5s drift",
			corrections:     3,
			baseline:        50,
			incoming:        55,
			wantCorrections: 3,
			wantBaseline:    55,
		},
		{
			name:            "exhausted counter still seeks on 15s drift",
			corrections:     3,
			baseline:        55,
			incoming:        70,
			expectSeek:      true,
			wantCorrections: 4,
			wantBaseline:    70,
		},
		{
			name:            "exhausted counter seeks on 12s drift",
			corrections:     5,
			baseline:        30,
			incoming:        18,
			expectSeek:      true,
			wantCorrections: 6,
			wantBaseline:    18,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, guestID, testRoomState("song-a", 0, false))
			h.synced(tc.baseline, tc.corrections)

			h.checkpoint("song-a", tc.incoming, false)

			if tc.expectSeek {
				require.Equal(t, 1, h.player.seekCount())
				assert.Equal(t, tc.incoming, h.player.seeks[0])
				assert.True(t, h.s.armed(timerSeekGuard))
			} else {
				assert.Equal(t, 0, h.player.seekCount())
			}
			assert.Equal(t, tc.wantCorrections, h.s.sync.corrections)
			assert.Equal(t, tc.wantBaseline, h.s.sync.baseline.time)
		})
	}
}

func TestLargeCorrectionShowsSyncing(t *testing.T) {
	h := newHarness(t, guestID, testRoomState("song-a", 0, false))
	h.synced(55, 3)

	h.checkpoint("song-a", 70, false)
	assert.True(t, h.s.view().Syncing)

	h.advance(t, 1500*time.Millisecond, timerSyncing)
	assert.False(t, h.s.view().Syncing)
}

func TestSeekGuardSuppressesCheckpointSeeks(t *testing.T) {
	h := newHarness(t, guestID, testRoomState("song-a", 0, false))
	h.synced(10, 0)

	h.checkpoint("song-a", 13, false)
	require.Equal(t, 1, h.player.seekCount())

	// inside the guard window nothing seeks, and the baseline is kept
	h.checkpoint("song-a", 40, false)
	assert.Equal(t, 1, h.player.seekCount())
	assert.Equal(t, 13.0, h.s.sync.baseline.time)

	h.advance(t, 1500*time.Millisecond, timerSeekGuard)
	h.checkpoint("song-a", 41, false)
	assert.Equal(t, 2, h.player.seekCount())
	assert.Equal(t, 2, h.s.sync.corrections)
}

func TestIdenticalCheckpointSeeksOnce(t *testing.T) {
	h := newHarness(t, guestID, testRoomState("song-a", 0, false))
	h.synced(10, 0)

	h.checkpoint("song-a", 30, false)
	h.advance(t, 1500*time.Millisecond, timerSeekGuard)
	h.checkpoint("song-a", 30, false)

	assert.Equal(t, 1, h.player.seekCount())
	assert.Equal(t, 1, h.s.sync.corrections)
}

func TestDriftUsesProjectedBaselineWhilePlaying(t *testing.T) {
	h := newHarness(t, guestID, testRoomState("song-a", 0, true))
	h.synced(0, 0)
	h.s.sync.baseline = observation{time: 10, playing: true, at: h.clock.Now()}
	h.player.set(10, PlayerPlaying)

	// two seconds of steady playback later the host checkpoints 12.1s
	h.clock.Advance(2 * time.Second)
	h.checkpoint("song-a", 12.1, true)

	assert.Equal(t, 0, h.player.seekCount())
	assert.Equal(t, 12.1, h.s.sync.baseline.time)
}

func TestPlayPauseReconciledRegardlessOfGuardAndCounter(t *testing.T) {
	h := newHarness(t, guestID, testRoomState("song-a", 0, true))
	h.synced(50, 3)
	h.player.set(50, PlayerPlaying)
	h.s.arm(timerSeekGuard, time.Hour)

	h.checkpoint("song-a", 51, false)
	assert.Equal(t, 1, h.player.pauses)
	assert.Equal(t, 0, h.player.seekCount())

	h.progress("host-1", 1000, "song-a", 51.2, true)
	assert.Equal(t, 1, h.player.plays)
	assert.Equal(t, PlayerPlaying, h.player.State())
}

func TestProgressBroadcastUpdatesDisplayOnly(t *testing.T) {
	h := newHarness(t, guestID, testRoomState("song-a", 0, true))
	h.synced(0, 0)
	h.player.set(4, PlayerPlaying)

	h.progress("host-1", 1000, "song-a", 4.2, true)
	assert.Equal(t, 4.2, h.s.view().DisplayTime)
	assert.Equal(t, 0, h.player.seekCount())

	// reordered: older origin timestamp from the same sender
	h.progress("host-1", 900, "song-a", 3.0, true)
	assert.Equal(t, 4.2, h.s.view().DisplayTime)

	// duplicate
	h.progress("host-1", 1000, "song-a", 9.0, true)
	assert.Equal(t, 4.2, h.s.view().DisplayTime)

	// other song
	h.progress("host-1", 1200, "song-b", 1.0, true)
	assert.Equal(t, 4.2, h.s.view().DisplayTime)

	// a new sender starts its own sequence
	h.progress("host-2", 10, "song-a", 4.6, true)
	assert.Equal(t, 4.6, h.s.view().DisplayTime)
}

func TestSongChangeResetsCorrectionState(t *testing.T) {
	h := newHarness(t, guestID, testRoomState("song-a", 0, false))
	h.synced(10, 2)

	h.checkpoint("song-a", 20, false)
	require.Equal(t, 3, h.s.sync.corrections)
	require.True(t, h.s.armed(timerSeekGuard))

	// same song keeps the counter
	h.advance(t, 1500*time.Millisecond, timerSeekGuard)
	h.checkpoint("song-a", 21, false)
	assert.Equal(t, 3, h.s.sync.corrections)

	h.checkpoint("song-b", 0, true)
	assert.Equal(t, 0, h.s.sync.corrections)
	assert.False(t, h.s.armed(timerSeekGuard))
	assert.False(t, h.s.sync.ready)
	assert.Equal(t, "song-b", h.s.sync.songID)
	assert.Equal(t, []string{"song-a", "song-b"}, h.player.loads)
	assert.True(t, h.s.view().Loading)

	// first sync runs again for the new song
	h.ready()
	assert.True(t, h.s.view().Syncing)
	assert.True(t, h.s.armed(timerSettle))
}

func TestLateJoinerSettlesOntoHostPosition(t *testing.T) {
	h := newHarness(t, guestID, testRoomState("song-a", 0, true))

	// host has been broadcasting every 200ms since t=0
	for i := 1; i <= 5; i++ {
		h.clock.Advance(200 * time.Millisecond)
		h.progress("host-1", int64(i*200), "song-a", float64(i)*0.2, true)
	}
	assert.InDelta(t, 1.0, h.s.view().DisplayTime, 0.3)

	h.ready()
	assert.True(t, h.s.view().Syncing)
	assert.Equal(t, 0, h.player.seekCount(), "no seek before the settle delay")

	h.advance(t, time.Second, timerSettle)

	require.Equal(t, 1, h.player.seekCount())
	assert.InDelta(t, 2.0, h.player.seeks[0], 0.3)
	assert.InDelta(t, 2.0, h.s.view().DisplayTime, 0.3)
	assert.Equal(t, PlayerPlaying, h.player.State())
	assert.True(t, h.s.sync.firstSynced)
	assert.True(t, h.s.view().Syncing)

	h.advance(t, 500*time.Millisecond, timerSyncing)
	assert.False(t, h.s.view().Syncing)
}

func TestCheckpointBeforeFirstSyncDoesNotSeek(t *testing.T) {
	h := newHarness(t, guestID, testRoomState("song-a", 0, true))
	h.ready()

	h.checkpoint("song-a", 30, true)
	assert.Equal(t, 0, h.player.seekCount())
	assert.Equal(t, 30.0, h.s.view().DisplayTime)

	h.advance(t, time.Second, timerSettle)
	require.Equal(t, 1, h.player.seekCount())
	assert.InDelta(t, 31.0, h.player.seeks[0], 0.01)
}

func TestFailedSeekIsAbsorbed(t *testing.T) {
	h := newHarness(t, guestID, testRoomState("song-a", 0, false))
	h.synced(10, 0)
	h.player.seekErr = errors.New("engine busy")

	h.checkpoint("song-a", 20, false)
	assert.Equal(t, 0, h.s.sync.corrections)
	assert.False(t, h.s.armed(timerSeekGuard))

	// the next checkpoint tries again
	h.player.seekErr = nil
	h.checkpoint("song-a", 21, false)
	assert.Equal(t, 1, h.s.sync.corrections)
}

func TestHostIgnoresCheckpointTransport(t *testing.T) {
	h := newHarness(t, hostID, testRoomState("song-a", 0, true))
	h.store.On("UpdateTransport", mock.Anything, testRoom, mock.Anything).Return(nil).Maybe()
	h.ready()
	h.player.set(5, PlayerPlaying)

	h.checkpoint("song-a", 90, false)
	assert.Equal(t, 0, h.player.seekCount())
	assert.True(t, h.s.view().IsHost)
	assert.Equal(t, "song-a", h.s.view().CurrentSong)
}

func TestRoleChangeTogglesBroadcaster(t *testing.T) {
	h := newHarness(t, guestID, testRoomState("song-a", 12, true))
	h.synced(12, 1)
	assert.False(t, h.s.armed(timerBroadcast))

	promoted := h.room.Clone()
	promoted.HostID = guestID
	h.s.handle(evRealtime{ev: modelCheckpoint(promoted), at: h.clock.Now()})
	assert.True(t, h.s.view().IsHost)
	assert.True(t, h.s.armed(timerBroadcast))
	assert.Equal(t, 1, h.s.sync.corrections, "role change keeps the counter")

	demoted := promoted.Clone()
	demoted.HostID = hostID
	h.s.handle(evRealtime{ev: modelCheckpoint(demoted), at: h.clock.Now()})
	assert.False(t, h.s.view().IsHost)
	assert.False(t, h.s.armed(timerBroadcast))
	assert.True(t, h.s.armed(timerSettle), "demoted host re-runs first sync")
}
