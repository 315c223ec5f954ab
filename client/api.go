package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"partyroom/config"
	"partyroom/core/session"
	"partyroom/model"
)

var (
	_ session.Store         = (*HTTPStore)(nil)
	_ session.MediaResolver = (*HTTPStore)(nil)
)

// HTTPStore is the room state store as reached through the server's REST
// API. The caller's identity comes from the bearer token, so the user id
// arguments of the Store methods must match it.
type HTTPStore struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPStore returns a store for the API at baseURL (for example
// "http://localhost:8080").
func NewHTTPStore(baseURL, token string) *HTTPStore {
	return &HTTPStore{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// APIError is a non-2xx answer. It unwraps to the matching model sentinel
// so callers can use errors.Is.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api status %d: %s", e.Status, e.Message)
}

func (e *APIError) Unwrap() error {
	switch e.Status {
	case http.StatusNotFound:
		return model.ErrRoomNotFound
	case http.StatusForbidden:
		for _, s := range []error{model.ErrNotOwner, model.ErrNotMember} {
			if strings.Contains(e.Message, s.Error()) {
				return s
			}
		}
		return model.ErrNotHost
	case http.StatusBadRequest:
		if strings.Contains(e.Message, model.ErrSongNotInPlaylist.Error()) {
			return model.ErrSongNotInPlaylist
		}
		return model.ErrInvalidInput
	}
	return nil
}

func (s *HTTPStore) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var payload struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(raw, &payload) != nil || payload.Error.Message == "" {
			payload.Error.Message = strings.TrimSpace(string(raw))
		}
		return &APIError{Status: resp.StatusCode, Message: payload.Error.Message}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	envelope := struct {
		Data interface{} `json:"data"`
	}{Data: out}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func roomPath(roomID string, rest ...string) string {
	return "/api/rooms/" + url.PathEscape(roomID) + strings.Join(rest, "")
}

// CreateRoom creates a room owned by the caller.
func (s *HTTPStore) CreateRoom(ctx context.Context, name string, playlist []string) (*model.Room, error) {
	var room model.Room
	err := s.do(ctx, http.MethodPost, "/api/rooms", map[string]interface{}{"name": name, "playlist": playlist}, &room)
	if err != nil {
		return nil, err
	}
	return &room, nil
}

func (s *HTTPStore) GetRoom(ctx context.Context, roomID string) (*model.Room, error) {
	var room model.Room
	if err := s.do(ctx, http.MethodGet, roomPath(roomID), nil, &room); err != nil {
		return nil, err
	}
	return &room, nil
}

func (s *HTTPStore) UpdateTransport(ctx context.Context, roomID string, u model.TransportUpdate) error {
	return s.do(ctx, http.MethodPut, roomPath(roomID, "/transport"), u, nil)
}

func (s *HTTPStore) EnsureMember(ctx context.Context, roomID string, _ int64, _ string) error {
	return s.do(ctx, http.MethodPost, roomPath(roomID, "/members"), nil, nil)
}

func (s *HTTPStore) RemoveMember(ctx context.Context, roomID string, _ int64) error {
	return s.do(ctx, http.MethodDelete, roomPath(roomID, "/members/me"), nil, nil)
}

func (s *HTTPStore) ListMembers(ctx context.Context, roomID string) ([]model.RoomMember, error) {
	var members []model.RoomMember
	if err := s.do(ctx, http.MethodGet, roomPath(roomID, "/members"), nil, &members); err != nil {
		return nil, err
	}
	return members, nil
}

func (s *HTTPStore) DeleteRoom(ctx context.Context, roomID string) error {
	return s.do(ctx, http.MethodDelete, roomPath(roomID), nil, nil)
}

// AddSong appends a song to the room playlist (host only).
func (s *HTTPStore) AddSong(ctx context.Context, roomID, songID string) error {
	return s.do(ctx, http.MethodPost, roomPath(roomID, "/playlist"), map[string]string{"songId": songID}, nil)
}

// TransferHost hands playback control to another roster member.
func (s *HTTPStore) TransferHost(ctx context.Context, roomID string, toUserID int64) error {
	return s.do(ctx, http.MethodPut, roomPath(roomID, "/host"), map[string]int64{"userId": toUserID}, nil)
}

// SourceURL resolves a song id to a playable URL.
func (s *HTTPStore) SourceURL(ctx context.Context, songID string) (string, error) {
	var out struct {
		URL string `json:"url"`
	}
	if err := s.do(ctx, http.MethodGet, "/api/songs/"+url.PathEscape(songID)+"/source", nil, &out); err != nil {
		return "", err
	}
	return out.URL, nil
}

// SyncPolicy fetches the server's current sync tuning.
func (s *HTTPStore) SyncPolicy(ctx context.Context) (config.SyncPolicy, error) {
	var wire config.PolicyWire
	if err := s.do(ctx, http.MethodGet, "/api/sync/policy", nil, &wire); err != nil {
		return config.DefaultSyncPolicy(), err
	}
	return wire.Policy()
}
