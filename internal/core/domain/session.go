package domain

import "time"

type Role string

const (
	RoleStreamer    Role = "streamer"
	RoleViewer      Role = "viewer"
	RoleParticipant Role = "participant"
)

type ConnState string

const (
	ConnConnecting   ConnState = "connecting"
	ConnConnected    ConnState = "connected"
	ConnFailed       ConnState = "failed"
	ConnDisconnected ConnState = "disconnected"
	ConnClosed       ConnState = "closed"
)

// Session is one participant's logical presence in a room. SessionID is
// stable across reconnects; ConnID tracks the current transport connection.
type Session struct {
	ID           SessionID
	ConnID       ConnID
	RoomID       RoomID
	Role         Role
	DisplayName  string
	State        ConnState
	JoinedAt     time.Time
	LastActivity time.Time
}

func (s *Session) IsConnected() bool {
	return s.State == ConnConnected
}

func ValidRole(r Role) bool {
	switch r {
	case RoleStreamer, RoleViewer, RoleParticipant:
		return true
	}
	return false
}
