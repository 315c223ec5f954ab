package model

import "errors"

var (
	// ErrRoomNotFound is the only error a playback session surfaces to its
	// caller; the view must navigate away.
	ErrRoomNotFound      = errors.New("room not found")
	ErrNotHost           = errors.New("only the host can control playback")
	ErrNotOwner          = errors.New("only the room owner can do this")
	ErrNotMember         = errors.New("user not in the room")
	ErrSongNotInPlaylist = errors.New("song not in playlist")
	ErrInvalidInput      = errors.New("invalid input")
	ErrSessionClosed     = errors.New("session closed")
)
