package client

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"partyroom/config"
	"partyroom/model"
)

func TestHTTPStore(t *testing.T) {
	var lastAuth, lastBody string
	mux := http.NewServeMux()
	mux.HandleFunc("/api/rooms/123456", func(w http.ResponseWriter, r *http.Request) {
		lastAuth = r.Header.Get("Authorization")
		switch r.Method {
		case http.MethodGet:
			w.Write([]byte(`{"data":{"id":"123456","hostId":7,"playlist":["a"],"currentSongId":"a"}}`))
		case http.MethodDelete:
			w.WriteHeader(http.StatusForbidden)
			w.Write([]byte(`{"error":{"message":"only the room owner can do this"}}`))
		}
	})
	mux.HandleFunc("/api/rooms/123456/transport", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		lastBody = string(body)
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"error":{"message":"only the host can control playback"}}`))
	})
	mux.HandleFunc("/api/rooms/123456/members", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			w.Write([]byte(`{"data":{"id":"123456"}}`))
			return
		}
		w.Write([]byte(`{"data":[{"roomId":"123456","userId":7},{"roomId":"123456","userId":8}]}`))
	})
	mux.HandleFunc("/api/rooms/123456/members/me", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/api/songs/a/source", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":{"url":"http://media/a"}}`))
	})
	mux.HandleFunc("/api/sync/policy", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"data": config.DefaultSyncPolicy().Wire()})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	ctx := context.Background()
	store := NewHTTPStore(srv.URL+"/", "tok")

	room, err := store.GetRoom(ctx, "123456")
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok", lastAuth)
	assert.Equal(t, int64(7), room.HostID)
	assert.Equal(t, model.SongIDList{"a"}, room.Playlist)

	_, err = store.GetRoom(ctx, "000000")
	assert.ErrorIs(t, err, model.ErrRoomNotFound)

	err = store.UpdateTransport(ctx, "123456", model.TransportUpdate{CurrentSongID: "a", CurrentTime: 1.5})
	assert.ErrorIs(t, err, model.ErrNotHost)
	assert.Contains(t, lastBody, `"currentTime":1.5`)

	assert.ErrorIs(t, store.DeleteRoom(ctx, "123456"), model.ErrNotOwner)

	require.NoError(t, store.EnsureMember(ctx, "123456", 7, "dj"))
	require.NoError(t, store.RemoveMember(ctx, "123456", 7))
	members, err := store.ListMembers(ctx, "123456")
	require.NoError(t, err)
	assert.Len(t, members, 2)

	src, err := store.SourceURL(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "http://media/a", src)

	policy, err := store.SyncPolicy(ctx)
	require.NoError(t, err)
	assert.Equal(t, config.DefaultSyncPolicy(), policy)
}
