package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"partyroom/config"
	"partyroom/model"
)

type mockStore struct {
	mock.Mock
}

func (m *mockStore) GetRoom(ctx context.Context, roomID string) (*model.Room, error) {
	args := m.Called(ctx, roomID)
	room, _ := args.Get(0).(*model.Room)
	return room, args.Error(1)
}

func (m *mockStore) UpdateTransport(ctx context.Context, roomID string, u model.TransportUpdate) error {
	return m.Called(ctx, roomID, u).Error(0)
}

func (m *mockStore) EnsureMember(ctx context.Context, roomID string, userID int64, username string) error {
	return m.Called(ctx, roomID, userID, username).Error(0)
}

func (m *mockStore) RemoveMember(ctx context.Context, roomID string, userID int64) error {
	return m.Called(ctx, roomID, userID).Error(0)
}

func (m *mockStore) ListMembers(ctx context.Context, roomID string) ([]model.RoomMember, error) {
	args := m.Called(ctx, roomID)
	members, _ := args.Get(0).([]model.RoomMember)
	return members, args.Error(1)
}

func (m *mockStore) DeleteRoom(ctx context.Context, roomID string) error {
	return m.Called(ctx, roomID).Error(0)
}

type fakePlayer struct {
	mu       sync.Mutex
	time     float64
	duration float64
	state    PlayerState
	seeks    []float64
	plays    int
	pauses   int
	loads    []string
	seekErr  error
	events   chan PlayerEvent
}

func newFakePlayer() *fakePlayer {
	return &fakePlayer{duration: 300, events: make(chan PlayerEvent, 8)}
}

func (p *fakePlayer) Load(source string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.loads = append(p.loads, source)
	p.time = 0
	p.state = PlayerUnstarted
	return nil
}

func (p *fakePlayer) CurrentTime() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.time
}

func (p *fakePlayer) Duration() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.duration
}

func (p *fakePlayer) State() PlayerState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *fakePlayer) SeekTo(seconds float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.seekErr != nil {
		return p.seekErr
	}
	p.seeks = append(p.seeks, seconds)
	p.time = seconds
	return nil
}

func (p *fakePlayer) Play() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.plays++
	p.state = PlayerPlaying
	return nil
}

func (p *fakePlayer) Pause() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pauses++
	p.state = PlayerPaused
	return nil
}

func (p *fakePlayer) SetVolume(float64) error { return nil }

func (p *fakePlayer) Events() <-chan PlayerEvent { return p.events }

func (p *fakePlayer) seekCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.seeks)
}

func (p *fakePlayer) set(t float64, st PlayerState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.time = t
	p.state = st
}

type fakeSub struct {
	mu        sync.Mutex
	events    chan model.RealtimeEvent
	published []model.ProgressBroadcast
	notices   []model.Notice
	tracked   []model.PresenceRecord
	untracked int
}

func newFakeSub() *fakeSub {
	return &fakeSub{events: make(chan model.RealtimeEvent, 16)}
}

func (f *fakeSub) Events() <-chan model.RealtimeEvent { return f.events }

func (f *fakeSub) Publish(p model.ProgressBroadcast) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, p)
	return nil
}

func (f *fakeSub) Notify(n model.Notice) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notices = append(f.notices, n)
	return nil
}

func (f *fakeSub) Track(p model.PresenceRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tracked = append(f.tracked, p)
	return nil
}

func (f *fakeSub) Untrack() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.untracked++
	return nil
}

func (f *fakeSub) Close() error { return nil }

func (f *fakeSub) publishedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

type fakeTransport struct {
	sub *fakeSub
}

func (t fakeTransport) Subscribe(context.Context, string) (Subscription, error) {
	return t.sub, nil
}

type fakeClock interface {
	clockwork.Clock
	Advance(d time.Duration)
}

// harness drives a session's state machine without its loop goroutine:
// tests hand events to handle directly and pull timer and write results
// off the queue.
type harness struct {
	s      *Session
	clock  fakeClock
	player *fakePlayer
	store  *mockStore
	sub    *fakeSub
	room   *model.Room
}

const (
	testRoom = "100200"
	hostID   = int64(1)
	guestID  = int64(2)
)

func testRoomState(song string, t float64, playing bool) *model.Room {
	return &model.Room{
		ID:            testRoom,
		Name:          "friday",
		OwnerID:       hostID,
		HostID:        hostID,
		Playlist:      model.SongIDList{"song-a", "song-b", "song-c"},
		CurrentSongID: song,
		CurrentTime:   t,
		IsPlaying:     playing,
	}
}

func testRoster() []model.RoomMember {
	return []model.RoomMember{
		{RoomID: testRoom, UserID: hostID, Username: "host"},
		{RoomID: testRoom, UserID: guestID, Username: "guest"},
		{RoomID: testRoom, UserID: 3, Username: "third"},
	}
}

func newHarness(t *testing.T, userID int64, room *model.Room) *harness {
	t.Helper()
	clock := clockwork.NewFakeClock()
	player := newFakePlayer()
	store := &mockStore{}
	sub := newFakeSub()

	s, err := New(Config{RoomID: room.ID, UserID: userID, Username: "tester", Policy: config.DefaultSyncPolicy()}, Deps{
		Store:     store,
		Transport: fakeTransport{sub: sub},
		Player:    player,
		Clock:     clock,
		Logger:    zap.NewNop(),
	})
	require.NoError(t, err)
	s.sub = sub
	s.bootstrap(room, testRoster())

	return &harness{s: s, clock: clock, player: player, store: store, sub: sub, room: room}
}

// waitFor handles queued events until match accepts one.
func (h *harness) waitFor(t *testing.T, what string, match func(event) bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-h.s.events:
			h.s.handle(ev)
			if match(ev) {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		}
	}
}

func (h *harness) waitTimer(t *testing.T, kind timerKind) {
	t.Helper()
	h.waitFor(t, "timer", func(ev event) bool {
		e, ok := ev.(evTimer)
		return ok && e.kind == kind
	})
}

func (h *harness) advance(t *testing.T, d time.Duration, kind timerKind) {
	t.Helper()
	h.clock.Advance(d)
	h.waitTimer(t, kind)
}

func (h *harness) ready() {
	h.s.handle(evPlayer{PlayerEvent{Kind: PlayerReady}})
}

func (h *harness) checkpoint(song string, t float64, playing bool) {
	room := h.room.Clone()
	room.CurrentSongID = song
	room.CurrentTime = t
	room.IsPlaying = playing
	h.s.handle(evRealtime{ev: model.RealtimeEvent{Kind: model.RealtimeCheckpoint, Room: room}, at: h.clock.Now()})
}

func (h *harness) progress(sender string, ts int64, song string, t float64, playing bool) {
	h.s.handle(evRealtime{ev: model.RealtimeEvent{Kind: model.RealtimeProgress, Progress: &model.ProgressBroadcast{
		RoomID:      testRoom,
		SongID:      song,
		CurrentTime: t,
		IsPlaying:   playing,
		Timestamp:   ts,
		SenderID:    sender,
	}}, at: h.clock.Now()})
}

func modelCheckpoint(room *model.Room) model.RealtimeEvent {
	return model.RealtimeEvent{Kind: model.RealtimeCheckpoint, Room: room}
}

// synced puts a listener straight into the post-first-sync state.
func (h *harness) synced(baseline float64, corrections int) {
	h.s.sync.loaded = true
	h.s.sync.ready = true
	h.s.sync.firstSynced = true
	h.s.sync.corrections = corrections
	h.s.sync.baseline = observation{time: baseline, playing: false, at: h.clock.Now()}
	h.s.loading = false
}
