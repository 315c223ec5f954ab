package session

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"partyroom/model"
)

func presence(event model.PresenceEventKind, ids ...int64) *model.PresenceState {
	p := &model.PresenceState{Event: event}
	for _, id := range ids {
		p.Members = append(p.Members, model.PresenceRecord{RoomID: testRoom, UserID: id})
	}
	return p
}

func (h *harness) presence(p *model.PresenceState) {
	h.s.handle(evRealtime{ev: model.RealtimeEvent{Kind: model.RealtimePresence, Presence: p}, at: h.clock.Now()})
}

func (h *harness) waitRoster(t *testing.T) {
	t.Helper()
	h.waitFor(t, "roster", func(ev event) bool {
		_, ok := ev.(evRoster)
		return ok
	})
}

func onlineIDs(v View) []int64 {
	ids := make([]int64, 0, len(v.OnlineMembers))
	for _, m := range v.OnlineMembers {
		ids = append(ids, m.UserID)
	}
	return ids
}

func TestOnlineMembersAreRosterIntersectAnnounced(t *testing.T) {
	h := newHarness(t, guestID, testRoomState("song-a", 0, false))
	shrunk := testRoster()[:2]
	h.store.On("ListMembers", mock.Anything, testRoom).Return(shrunk, nil).Once()

	// 99 is announced but has no roster entry
	h.presence(presence(model.PresenceSync, 2, 3, 99))
	assert.Equal(t, []int64{2, 3}, onlineIDs(h.s.view()))

	h.waitRoster(t)
	assert.Equal(t, []int64{2}, onlineIDs(h.s.view()))
	assert.Equal(t, 2, h.s.view().Room.ListenerCount)
}

func TestPresenceIsRecomputedFromFullSet(t *testing.T) {
	h := newHarness(t, guestID, testRoomState("song-a", 0, false))
	h.store.On("ListMembers", mock.Anything, testRoom).Return(testRoster(), nil)

	h.presence(presence(model.PresenceSync, 1, 2, 3))
	h.waitRoster(t)
	assert.Equal(t, []int64{1, 2, 3}, onlineIDs(h.s.view()))

	// a leave for 1 that arrives after a newer join is still correct because
	// each signal carries the whole set
	h.presence(presence(model.PresenceJoin, 2, 3))
	h.presence(presence(model.PresenceLeave, 1, 2, 3))
	assert.Equal(t, []int64{1, 2, 3}, onlineIDs(h.s.view()))
	h.waitRoster(t)
	h.waitRoster(t)
	assert.Equal(t, []int64{1, 2, 3}, onlineIDs(h.s.view()))
}

func TestRosterFailureKeepsLastKnownRoster(t *testing.T) {
	h := newHarness(t, guestID, testRoomState("song-a", 0, false))
	h.store.On("ListMembers", mock.Anything, testRoom).Return(nil, errors.New("too many connections"))

	h.presence(presence(model.PresenceSync, 1, 2))
	h.waitRoster(t)
	assert.Equal(t, []int64{1, 2}, onlineIDs(h.s.view()))
}

func TestIntersectOnlineKeepsRosterOrder(t *testing.T) {
	announced := map[int64]model.PresenceRecord{3: {UserID: 3}, 1: {UserID: 1}}
	got := intersectOnline(testRoster(), announced)
	assert.Equal(t, []int64{1, 3}, []int64{got[0].UserID, got[1].UserID})
	assert.Empty(t, intersectOnline(nil, announced))
}
