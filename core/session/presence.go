package session

import (
	"context"

	"go.uber.org/zap"

	"partyroom/model"
)

type presenceState struct {
	roster    []model.RoomMember
	announced map[int64]model.PresenceRecord
	online    []model.RoomMember
	rosterGen uint64
}

// onPresence replaces the announced set. Every presence signal carries the
// full set, so nothing is merged incrementally.
func (s *Session) onPresence(p *model.PresenceState) {
	if p == nil {
		return
	}
	announced := make(map[int64]model.PresenceRecord, len(p.Members))
	for _, m := range p.Members {
		announced[m.UserID] = m
	}
	s.presence.announced = announced
	s.recomputeOnline()
	s.refreshRoster()
}

// refreshRoster re-reads the durable roster; only the newest fetch counts.
func (s *Session) refreshRoster() {
	s.presence.rosterGen++
	gen := s.presence.rosterGen
	ctx, store, roomID, timeout := s.ctx, s.store, s.cfg.RoomID, s.policy.WriteTimeout
	go func() {
		cctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		members, err := store.ListMembers(cctx, roomID)
		s.post(evRoster{members: members, err: err, gen: gen})
	}()
}

func (s *Session) onRoster(e evRoster) {
	if e.gen != s.presence.rosterGen {
		return
	}
	if e.err != nil {
		s.log.Warn("roster fetch failed", zap.Error(e.err))
		return
	}
	s.presence.roster = e.members
	s.recomputeOnline()
}

func (s *Session) recomputeOnline() {
	s.presence.online = intersectOnline(s.presence.roster, s.presence.announced)
}

// intersectOnline keeps roster order and drops anyone not announced.
func intersectOnline(roster []model.RoomMember, announced map[int64]model.PresenceRecord) []model.RoomMember {
	online := make([]model.RoomMember, 0, len(announced))
	for _, m := range roster {
		if _, ok := announced[m.UserID]; ok {
			online = append(online, m)
		}
	}
	return online
}
