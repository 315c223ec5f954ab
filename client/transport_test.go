package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"partyroom/model"
)

// fakeRoomServer accepts room sockets and records what clients send.
type fakeRoomServer struct {
	t        *testing.T
	upgrader websocket.Upgrader

	mu       sync.Mutex
	conns    []*websocket.Conn
	received []model.WSMessage
	tokens   []string
}

func (f *fakeRoomServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	f.mu.Lock()
	f.conns = append(f.conns, conn)
	f.tokens = append(f.tokens, r.URL.Query().Get("token"))
	f.mu.Unlock()

	room, _ := json.Marshal(model.Room{ID: "123456", CurrentSongID: "s1"})
	subscribed, _ := json.Marshal(model.WSMessage{Type: model.MsgTypeSubscribed})
	checkpoint, _ := json.Marshal(model.WSMessage{Type: model.MsgTypeCheckpoint, Data: room})
	_ = conn.WriteMessage(websocket.TextMessage, append(append(subscribed, '\n'), checkpoint...))

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg model.WSMessage
		if json.Unmarshal(data, &msg) == nil {
			f.mu.Lock()
			f.received = append(f.received, msg)
			f.mu.Unlock()
		}
	}
}

func (f *fakeRoomServer) count(t model.MessageType) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, m := range f.received {
		if m.Type == t {
			n++
		}
	}
	return n
}

func (f *fakeRoomServer) dropAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.conns {
		c.Close()
	}
	f.conns = nil
}

// testContext returns a context cancelled when the test finishes.
func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}

func nextEvent(t *testing.T, ch <-chan model.RealtimeEvent) model.RealtimeEvent {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "event stream closed")
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("no realtime event")
	}
	return model.RealtimeEvent{}
}

func TestRoomURL(t *testing.T) {
	u, err := NewWSTransport("https://example.com/base/", "a b").roomURL("123456")
	require.NoError(t, err)
	assert.Equal(t, "wss://example.com/base/ws/rooms/123456?token=a+b", u)

	_, err = NewWSTransport("ftp://x", "t").roomURL("1")
	assert.Error(t, err)
}

func TestSubscriptionDecodesBatchedFramesAndReconnects(t *testing.T) {
	fake := &fakeRoomServer{t: t}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	tr := NewWSTransport(srv.URL, "tok", WithBackoff(10*time.Millisecond, 50*time.Millisecond))
	sub, err := tr.Subscribe(testContext(t), "123456")
	require.NoError(t, err)
	defer sub.Close()

	assert.Equal(t, model.RealtimeSubscribed, nextEvent(t, sub.Events()).Kind)
	ev := nextEvent(t, sub.Events())
	require.Equal(t, model.RealtimeCheckpoint, ev.Kind)
	assert.Equal(t, "s1", ev.Room.CurrentSongID)

	require.NoError(t, sub.Track(model.PresenceRecord{RoomID: "123456", UserID: 3, AnnouncedAt: 1}))
	require.NoError(t, sub.Publish(model.ProgressBroadcast{SongID: "s1", CurrentTime: 2}))
	require.Eventually(t, func() bool {
		return fake.count(model.MsgTypePresenceTrack) == 1 && fake.count(model.MsgTypeProgress) == 1
	}, 3*time.Second, 10*time.Millisecond)

	fake.dropAll()
	assert.Equal(t, model.RealtimeChannelError, nextEvent(t, sub.Events()).Kind)
	assert.Equal(t, model.RealtimeSubscribed, nextEvent(t, sub.Events()).Kind)

	// presence is announced again on the new connection
	require.Eventually(t, func() bool {
		return fake.count(model.MsgTypePresenceTrack) == 2
	}, 3*time.Second, 10*time.Millisecond)

	fake.mu.Lock()
	assert.Equal(t, []string{"tok", "tok"}, fake.tokens)
	fake.mu.Unlock()
}

func TestSubscriptionCloseFlushesUntrack(t *testing.T) {
	fake := &fakeRoomServer{t: t}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	sub, err := NewWSTransport(srv.URL, "tok").Subscribe(testContext(t), "123456")
	require.NoError(t, err)
	nextEvent(t, sub.Events())

	require.NoError(t, sub.Untrack())
	require.NoError(t, sub.Close())
	require.Eventually(t, func() bool {
		return fake.count(model.MsgTypePresenceUntrack) == 1
	}, 3*time.Second, 10*time.Millisecond)

	for range sub.Events() {
	}
	assert.ErrorIs(t, sub.Publish(model.ProgressBroadcast{}), model.ErrSessionClosed)
}

func TestSubscribeFailsWhenServerRejects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := NewWSTransport(srv.URL, "bad").Subscribe(testContext(t), "123456")
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "123456"))
}
