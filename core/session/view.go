package session

import "partyroom/model"

// View is what the presentation layer renders.
type View struct {
	Room          *model.Room
	CurrentSong   string
	IsHost        bool
	OnlineMembers []model.RoomMember
	Playlist      []string
	// Loading is true until the player reports ready for the current song.
	Loading bool
	// Syncing is the transient indicator shown during first sync and
	// large corrections.
	Syncing      bool
	DisplayTime  float64
	Connectivity Connectivity
	Notice       *model.Notice
	// Err is set on the final view of a session that ended abnormally.
	Err error
}

// OnlineCount is the number of roster members currently connected.
func (v View) OnlineCount() int {
	return len(v.OnlineMembers)
}

func (s *Session) view() View {
	v := View{
		IsHost:        s.isHost,
		Loading:       s.loading,
		Syncing:       s.sync.syncing,
		DisplayTime:   s.sync.displayTime,
		Connectivity:  s.conn,
		OnlineMembers: append([]model.RoomMember(nil), s.presence.online...),
	}
	if s.room != nil {
		r := s.room.Clone()
		r.ListenerCount = len(s.presence.roster)
		v.Room = r
		v.CurrentSong = r.CurrentSongID
		v.Playlist = append([]string(nil), r.Playlist...)
	}
	if s.notice != nil {
		n := *s.notice
		v.Notice = &n
	}
	return v
}

func (s *Session) emit() {
	s.sendView(s.view())
}

// sendView replaces whatever view is still unread. Only the loop sends.
func (s *Session) sendView(v View) {
	select {
	case <-s.views:
	default:
	}
	select {
	case s.views <- v:
	default:
	}
}
