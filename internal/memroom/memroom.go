// Package memroom is an in-process room server: a durable store and a
// realtime transport backed by memory. It is used by the simulate command
// and by multi-session tests.
package memroom

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/jonboulle/clockwork"

	"partyroom/core/session"
	"partyroom/model"
)

const subscriptionBuffer = 1024

var (
	_ session.Store     = (*Hub)(nil)
	_ session.Transport = (*Hub)(nil)
)

type room struct {
	state    *model.Room
	members  map[int64]model.RoomMember
	subs     map[*Subscription]struct{}
	presence map[int64]model.PresenceRecord
	down     bool
}

// Hub holds every room.
type Hub struct {
	mu     sync.Mutex
	clock  clockwork.Clock
	rooms  map[string]*room
	nextID int
}

// New returns an empty hub. A nil clock means the real clock.
func New(clock clockwork.Clock) *Hub {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Hub{clock: clock, rooms: make(map[string]*room), nextID: 100000}
}

// CreateRoom makes ownerID the owner and host of a new room.
func (h *Hub) CreateRoom(ownerID int64, ownerName, name string, playlist []string) *model.Room {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	now := h.clock.Now()
	state := &model.Room{
		ID:        fmt.Sprintf("%06d", h.nextID),
		Name:      name,
		OwnerID:   ownerID,
		HostID:    ownerID,
		Playlist:  append(model.SongIDList(nil), playlist...),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if len(playlist) > 0 {
		state.CurrentSongID = playlist[0]
	}
	h.rooms[state.ID] = &room{
		state:    state,
		members:  map[int64]model.RoomMember{ownerID: {RoomID: state.ID, UserID: ownerID, Username: ownerName, JoinedAt: now}},
		subs:     make(map[*Subscription]struct{}),
		presence: make(map[int64]model.PresenceRecord),
	}
	return state.Clone()
}

func (h *Hub) lookup(roomID string) (*room, error) {
	r, ok := h.rooms[roomID]
	if !ok {
		return nil, model.ErrRoomNotFound
	}
	return r, nil
}

func (h *Hub) GetRoom(_ context.Context, roomID string) (*model.Room, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, err := h.lookup(roomID)
	if err != nil {
		return nil, err
	}
	out := r.state.Clone()
	out.ListenerCount = len(r.members)
	return out, nil
}

// UpdateTransport writes a checkpoint from the host and fans it out.
func (h *Hub) UpdateTransport(_ context.Context, roomID string, u model.TransportUpdate) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, err := h.lookup(roomID)
	if err != nil {
		return err
	}
	if u.UpdatedBy != r.state.HostID {
		return model.ErrNotHost
	}
	if u.CurrentSongID != "" && !r.state.Playlist.Contains(u.CurrentSongID) {
		return model.ErrSongNotInPlaylist
	}
	u.Apply(r.state)
	r.state.UpdatedAt = h.clock.Now()
	h.broadcastCheckpoint(r)
	return nil
}

// TransferHost hands transport control to another roster member.
func (h *Hub) TransferHost(_ context.Context, roomID string, from, to int64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, err := h.lookup(roomID)
	if err != nil {
		return err
	}
	if r.state.HostID != from {
		return model.ErrNotHost
	}
	if _, ok := r.members[to]; !ok {
		return model.ErrNotMember
	}
	r.state.HostID = to
	r.state.UpdatedAt = h.clock.Now()
	h.broadcastCheckpoint(r)
	return nil
}

func (h *Hub) EnsureMember(_ context.Context, roomID string, userID int64, username string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, err := h.lookup(roomID)
	if err != nil {
		return err
	}
	if _, ok := r.members[userID]; !ok {
		r.members[userID] = model.RoomMember{RoomID: roomID, UserID: userID, Username: username, JoinedAt: h.clock.Now()}
	}
	return nil
}

func (h *Hub) RemoveMember(_ context.Context, roomID string, userID int64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, err := h.lookup(roomID)
	if err != nil {
		return err
	}
	delete(r.members, userID)
	return nil
}

func (h *Hub) ListMembers(_ context.Context, roomID string) ([]model.RoomMember, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, err := h.lookup(roomID)
	if err != nil {
		return nil, err
	}
	out := make([]model.RoomMember, 0, len(r.members))
	for _, m := range r.members {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

// DeleteRoom drops the roster, then the room, then tells subscribers.
func (h *Hub) DeleteRoom(_ context.Context, roomID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, err := h.lookup(roomID)
	if err != nil {
		return err
	}
	r.members = map[int64]model.RoomMember{}
	delete(h.rooms, roomID)
	h.deliver(r, nil, model.RealtimeEvent{Kind: model.RealtimeRoomDeleted})
	return nil
}

// Subscribe attaches a subscription to the room topic.
func (h *Hub) Subscribe(_ context.Context, roomID string) (session.Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, err := h.lookup(roomID)
	if err != nil {
		return nil, err
	}
	sub := &Subscription{hub: h, roomID: roomID, events: make(chan model.RealtimeEvent, subscriptionBuffer)}
	r.subs[sub] = struct{}{}
	return sub, nil
}

// Interrupt simulates a realtime outage: subscribers get a channel error
// and nothing is delivered until Restore.
func (h *Hub) Interrupt(roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[roomID]
	if !ok {
		return
	}
	h.deliver(r, nil, model.RealtimeEvent{Kind: model.RealtimeChannelError, Err: &model.ChannelError{Message: "interrupted"}})
	r.down = true
}

// Restore ends an outage and resends the current state.
func (h *Hub) Restore(roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[roomID]
	if !ok {
		return
	}
	r.down = false
	h.deliver(r, nil, model.RealtimeEvent{Kind: model.RealtimeSubscribed})
	h.broadcastCheckpoint(r)
	h.broadcastPresence(r, model.PresenceSync, 0)
}

// OnlineCount is the number of announced users in a room.
func (h *Hub) OnlineCount(roomID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if r, ok := h.rooms[roomID]; ok {
		return len(r.presence)
	}
	return 0
}

func (h *Hub) broadcastCheckpoint(r *room) {
	state := r.state.Clone()
	state.ListenerCount = len(r.members)
	h.deliver(r, nil, model.RealtimeEvent{Kind: model.RealtimeCheckpoint, Room: state})
}

func (h *Hub) broadcastPresence(r *room, kind model.PresenceEventKind, userID int64) {
	members := make([]model.PresenceRecord, 0, len(r.presence))
	for _, p := range r.presence {
		members = append(members, p)
	}
	sort.Slice(members, func(i, j int) bool { return members[i].UserID < members[j].UserID })
	h.deliver(r, nil, model.RealtimeEvent{Kind: model.RealtimePresence, Presence: &model.PresenceState{
		Event:   kind,
		UserID:  userID,
		Members: members,
	}})
}

// deliver fans ev out to every subscriber except skip. Callers hold h.mu.
func (h *Hub) deliver(r *room, skip *Subscription, ev model.RealtimeEvent) {
	if r.down && ev.Kind != model.RealtimeChannelError {
		return
	}
	for sub := range r.subs {
		if sub == skip {
			continue
		}
		sub.push(ev)
	}
}

func (h *Hub) detach(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[sub.roomID]
	if !ok {
		return
	}
	delete(r.subs, sub)
	if sub.userID != 0 {
		if _, ok := r.presence[sub.userID]; ok {
			delete(r.presence, sub.userID)
			h.broadcastPresence(r, model.PresenceLeave, sub.userID)
		}
	}
}
