package memroom

import (
	"sync"

	"partyroom/model"
)

// Subscription is one session's view of a room topic.
type Subscription struct {
	hub    *Hub
	roomID string

	mu     sync.Mutex
	events chan model.RealtimeEvent
	userID int64
	closed bool
}

func (s *Subscription) Events() <-chan model.RealtimeEvent {
	return s.events
}

// push never blocks; a full buffer drops the event like a lossy link would.
func (s *Subscription) push(ev model.RealtimeEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- ev:
	default:
	}
}

func (s *Subscription) Publish(p model.ProgressBroadcast) error {
	h := s.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	r, err := h.lookup(s.roomID)
	if err != nil {
		return err
	}
	h.deliver(r, s, model.RealtimeEvent{Kind: model.RealtimeProgress, Progress: &p})
	return nil
}

func (s *Subscription) Notify(n model.Notice) error {
	h := s.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	r, err := h.lookup(s.roomID)
	if err != nil {
		return err
	}
	h.deliver(r, s, model.RealtimeEvent{Kind: model.RealtimeNotice, Notice: &n})
	return nil
}

func (s *Subscription) Track(p model.PresenceRecord) error {
	h := s.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	r, err := h.lookup(s.roomID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.userID = p.UserID
	s.mu.Unlock()
	r.presence[p.UserID] = p
	h.broadcastPresence(r, model.PresenceJoin, p.UserID)
	return nil
}

func (s *Subscription) Untrack() error {
	h := s.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	r, err := h.lookup(s.roomID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	userID := s.userID
	s.userID = 0
	s.mu.Unlock()
	if userID == 0 {
		return nil
	}
	delete(r.presence, userID)
	h.broadcastPresence(r, model.PresenceLeave, userID)
	return nil
}

func (s *Subscription) Close() error {
	s.hub.detach(s)
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	return nil
}
