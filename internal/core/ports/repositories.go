package ports

import (
	"context"
	"time"

	"stagelink/internal/core/domain"
)

type RoomRepository interface {
	Create(ctx context.Context, room *domain.Room) error
	GetByID(ctx context.Context, id domain.RoomID) (*domain.Room, error)
	Update(ctx context.Context, id domain.RoomID, upd domain.RoomUpdate) (*domain.Room, error)
	// SetStreamer records (or clears, with nil) the room's streamer reference.
	SetStreamer(ctx context.Context, id domain.RoomID, streamer *domain.SessionID) error
	Delete(ctx context.Context, id domain.RoomID) (bool, error)
	List(ctx context.Context) ([]*domain.Room, error)
}

// SessionStore owns session records. Add and Remove are the only
// synchronization points for room capacity and streamer uniqueness; both
// are atomic per room.
type SessionStore interface {
	Add(ctx context.Context, session *domain.Session) error
	Remove(ctx context.Context, roomID domain.RoomID, id domain.SessionID) error
	Get(ctx context.Context, id domain.SessionID) (*domain.Session, error)
	ListByRoom(ctx context.Context, roomID domain.RoomID) ([]*domain.Session, error)
	Update(ctx context.Context, session *domain.Session) error
	// Touch stamps the session's last-activity time so the sweeper leaves
	// it alone.
	Touch(ctx context.Context, id domain.SessionID) error
	ViewerCount(ctx context.Context, roomID domain.RoomID) (int, error)
	HasActiveStreamer(ctx context.Context, roomID domain.RoomID) (bool, error)
	ActiveStreamer(ctx context.Context, roomID domain.RoomID) (*domain.Session, error)
	// SweepInactive removes stale sessions and returns them so the caller
	// can tear down whatever the records still reference.
	SweepInactive(ctx context.Context, maxInactive time.Duration) ([]*domain.Session, error)
}
