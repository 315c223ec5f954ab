package session_test

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"partyroom/client"
	"partyroom/config"
	"partyroom/core/session"
	"partyroom/internal/memroom"
	"partyroom/model"
)

var playlist = []string{"song-a", "song-b", "song-c"}

func fastPolicy() config.SyncPolicy {
	return config.SyncPolicy{
		BroadcastInterval:   20 * time.Millisecond,
		CheckpointThreshold: 200 * time.Millisecond,
		SettleDelay:         100 * time.Millisecond,
		SyncingIndicator:    150 * time.Millisecond,
		SeekGuard:           150 * time.Millisecond,
		DriftThreshold:      2 * time.Second,
		LargeDriftThreshold: 10 * time.Second,
		MaxCorrections:      3,
		PollInterval:        200 * time.Millisecond,
		WriteTimeout:        time.Second,
	}
}

type member struct {
	s      *session.Session
	player *client.SimPlayer
}

func join(t *testing.T, hub *memroom.Hub, roomID string, userID int64, name string) member {
	t.Helper()
	clock := clockwork.NewRealClock()
	player := client.NewSimPlayer(clock, client.WithLoadDelay(10*time.Millisecond))
	s, err := session.New(session.Config{
		RoomID:   roomID,
		UserID:   userID,
		Username: name,
		Policy:   fastPolicy(),
	}, session.Deps{
		Store:     hub,
		Transport: hub,
		Player:    player,
		Clock:     clock,
		Logger:    zap.NewNop(),
	})
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return member{s: s, player: player}
}

func snapshot(t *testing.T, m member) session.View {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	v, err := m.s.Snapshot(ctx)
	if err != nil {
		return session.View{}
	}
	return v
}

func eventually(t *testing.T, msg string, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 3*time.Second, 10*time.Millisecond, msg)
}

func ready(t *testing.T, m member) {
	t.Helper()
	eventually(t, "player ready", func() bool {
		v := snapshot(t, m)
		return v.Room != nil && !v.Loading
	})
}

func TestLateJoinerLandsOnHostPosition(t *testing.T) {
	hub := memroom.New(nil)
	room := hub.CreateRoom(1, "host", "friday", playlist)

	host := join(t, hub, room.ID, 1, "host")
	ready(t, host)
	require.NoError(t, host.s.SetPlaying(context.Background(), true))

	time.Sleep(400 * time.Millisecond)
	guest := join(t, hub, room.ID, 2, "guest")

	eventually(t, "guest playing in step with host", func() bool {
		if guest.player.State() != session.PlayerPlaying {
			return false
		}
		return math.Abs(guest.player.CurrentTime()-host.player.CurrentTime()) < 0.5
	})
	v := snapshot(t, guest)
	assert.False(t, v.IsHost)
	assert.Equal(t, "song-a", v.CurrentSong)
	assert.Equal(t, session.Live, v.Connectivity)
}

func TestHostLeaveParksRoomAndNotifies(t *testing.T) {
	hub := memroom.New(nil)
	room := hub.CreateRoom(1, "host", "friday", playlist)

	host := join(t, hub, room.ID, 1, "host")
	ready(t, host)
	require.NoError(t, host.s.SetPlaying(context.Background(), true))
	a := join(t, hub, room.ID, 2, "a")
	b := join(t, hub, room.ID, 3, "b")

	for _, m := range []member{a, b} {
		eventually(t, "everyone online and playing", func() bool {
			v := snapshot(t, m)
			return v.OnlineCount() == 3 && m.player.State() == session.PlayerPlaying
		})
	}
	time.Sleep(300 * time.Millisecond)

	require.NoError(t, host.s.Leave(context.Background()))
	<-host.s.Done()
	assert.NoError(t, host.s.Err())

	for _, m := range []member{a, b} {
		eventually(t, "room parked at the start", func() bool {
			v := snapshot(t, m)
			return v.Room != nil && !v.Room.IsPlaying && v.Room.CurrentTime == 0 &&
				v.Notice != nil && v.OnlineCount() == 2
		})
		v := snapshot(t, m)
		assert.Equal(t, model.NoticeHostLeft, v.Notice.Kind)
		assert.Equal(t, int64(1), v.Notice.UserID)
		eventually(t, "local player paused", func() bool {
			return m.player.State() == session.PlayerPaused
		})

		require.NoError(t, m.s.DismissNotice(context.Background()))
		assert.Nil(t, snapshot(t, m).Notice)
	}
	assert.Equal(t, 2, hub.OnlineCount(room.ID))
}

func TestHostCommands(t *testing.T) {
	hub := memroom.New(nil)
	room := hub.CreateRoom(1, "host", "friday", playlist)
	ctx := context.Background()

	host := join(t, hub, room.ID, 1, "host")
	guest := join(t, hub, room.ID, 2, "guest")
	ready(t, host)

	assert.ErrorIs(t, guest.s.SetPlaying(ctx, true), model.ErrNotHost)
	assert.ErrorIs(t, guest.s.NextSong(ctx), model.ErrNotHost)
	assert.ErrorIs(t, host.s.PlaySong(ctx, "song-z"), model.ErrSongNotInPlaylist)
	assert.ErrorIs(t, host.s.SeekTo(ctx, -1), model.ErrInvalidInput)

	require.NoError(t, host.s.PreviousSong(ctx))
	assert.Equal(t, "song-c", snapshot(t, host).CurrentSong)
	require.NoError(t, host.s.NextSong(ctx))
	assert.Equal(t, "song-a", snapshot(t, host).CurrentSong)
	require.NoError(t, host.s.PlaySong(ctx, "song-b"))

	eventually(t, "guest follows the song change", func() bool {
		v := snapshot(t, guest)
		return v.CurrentSong == "song-b" && v.Room.IsPlaying
	})
	stored, err := hub.GetRoom(ctx, room.ID)
	require.NoError(t, err)
	assert.Equal(t, "song-b", stored.CurrentSongID)

	require.NoError(t, guest.s.SetVolume(ctx, 0.3))
	assert.Equal(t, 0.3, guest.player.Volume())
}

func TestDeleteRoomOwnerOnly(t *testing.T) {
	hub := memroom.New(nil)
	room := hub.CreateRoom(1, "owner", "friday", playlist)
	ctx := context.Background()

	owner := join(t, hub, room.ID, 1, "owner")
	guest := join(t, hub, room.ID, 2, "guest")
	ready(t, owner)

	assert.ErrorIs(t, guest.s.DeleteRoom(ctx), model.ErrNotOwner)
	require.NoError(t, owner.s.DeleteRoom(ctx))

	select {
	case <-guest.s.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("guest session still running after room deletion")
	}
	assert.ErrorIs(t, guest.s.Err(), model.ErrRoomNotFound)
	assert.NoError(t, owner.s.Err())

	_, err := hub.GetRoom(ctx, room.ID)
	assert.ErrorIs(t, err, model.ErrRoomNotFound)
}

func TestOutageFallsBackToPolling(t *testing.T) {
	hub := memroom.New(nil)
	room := hub.CreateRoom(1, "host", "friday", playlist)
	ctx := context.Background()

	host := join(t, hub, room.ID, 1, "host")
	guest := join(t, hub, room.ID, 2, "guest")
	ready(t, host)
	ready(t, guest)

	hub.Interrupt(room.ID)
	eventually(t, "guest degraded", func() bool {
		return snapshot(t, guest).Connectivity == session.Degraded
	})

	// realtime is down, the change only reaches the guest through polling
	require.NoError(t, host.s.SeekTo(ctx, 120))
	eventually(t, "guest polled the seek", func() bool {
		return math.Abs(guest.player.CurrentTime()-120) < 0.5
	})

	hub.Restore(room.ID)
	eventually(t, "guest live again", func() bool {
		return snapshot(t, guest).Connectivity == session.Live
	})
}

func TestStartFailsForMissingRoom(t *testing.T) {
	hub := memroom.New(clockwork.NewFakeClock())
	s, err := session.New(session.Config{RoomID: "999999", UserID: 1}, session.Deps{
		Store:     hub,
		Transport: hub,
		Player:    client.NewSimPlayer(nil),
		Logger:    zap.NewNop(),
	})
	require.NoError(t, err)

	err = s.Start(context.Background())
	assert.ErrorIs(t, err, model.ErrRoomNotFound)
	<-s.Done()
	assert.ErrorIs(t, s.Err(), model.ErrRoomNotFound)
}

type refusingTransport struct{}

func (refusingTransport) Subscribe(context.Context, string) (session.Subscription, error) {
	return nil, errors.New("dial refused")
}

func TestStartFailureRemovesRosterEntry(t *testing.T) {
	hub := memroom.New(clockwork.NewFakeClock())
	room := hub.CreateRoom(1, "owner", "night", playlist)
	s, err := session.New(session.Config{RoomID: room.ID, UserID: 7, Username: "guest"}, session.Deps{
		Store:     hub,
		Transport: refusingTransport{},
		Player:    client.NewSimPlayer(nil),
		Logger:    zap.NewNop(),
	})
	require.NoError(t, err)

	err = s.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dial refused")
	<-s.Done()

	members, err := hub.ListMembers(context.Background(), room.ID)
	require.NoError(t, err)
	for _, m := range members {
		assert.NotEqual(t, int64(7), m.UserID)
	}
	assert.NoError(t, s.Leave(context.Background()))
}
