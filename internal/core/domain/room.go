package domain

import "time"

type RoomID string
type SessionID string
type ConnID string

// DefaultRoomID is created at process start and can never be deleted.
const DefaultRoomID RoomID = "lobby"

type Room struct {
	ID         RoomID
	Name       string
	MaxViewers int
	Visible    bool
	StreamerID *SessionID
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// RoomUpdate carries the fields Update is allowed to merge. Nil means
// "leave unchanged". ID and CreatedAt are never touched.
type RoomUpdate struct {
	Name       *string
	MaxViewers *int
	Visible    *bool
}

func (r *Room) IsDefault() bool {
	return r.ID == DefaultRoomID
}
