package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"stagelink/internal/core/domain"
	"stagelink/internal/core/ports"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// RoomOptions are the caller-settable fields for room creation. Zero
// values fall back to configured defaults.
type RoomOptions struct {
	ID         domain.RoomID
	MaxViewers int
	Visible    *bool
}

// RoomService coordinates room lifecycle and membership on top of the
// room repository and session store.
type RoomService struct {
	roomRepo          ports.RoomRepository
	sessions          ports.SessionStore
	defaultMaxViewers int
	sessionMaxIdle    time.Duration
	logger            *zap.SugaredLogger
}

func NewRoomService(
	roomRepo ports.RoomRepository,
	sessions ports.SessionStore,
	defaultMaxViewers int,
	sessionMaxIdle time.Duration,
	logger *zap.SugaredLogger,
) *RoomService {
	return &RoomService{
		roomRepo:          roomRepo,
		sessions:          sessions,
		defaultMaxViewers: defaultMaxViewers,
		sessionMaxIdle:    sessionMaxIdle,
		logger:            logger,
	}
}

// EnsureDefaultRoom creates the default room if it does not exist yet.
// Called once at process start.
func (s *RoomService) EnsureDefaultRoom(ctx context.Context) error {
	if _, err := s.roomRepo.GetByID(ctx, domain.DefaultRoomID); err == nil {
		return nil
	}

	_, err := s.CreateRoom(ctx, "Lobby", RoomOptions{ID: domain.DefaultRoomID})
	if err != nil {
		return fmt.Errorf("failed to create default room: %w", err)
	}

	s.logger.Infow("default room created", "room_id", domain.DefaultRoomID)
	return nil
}

func (s *RoomService) CreateRoom(ctx context.Context, name string, opts RoomOptions) (*domain.Room, error) {
	maxViewers := opts.MaxViewers
	if maxViewers == 0 {
		maxViewers = s.defaultMaxViewers
	}
	if maxViewers <= 0 {
		return nil, domain.ErrInvalidConfig
	}

	id := opts.ID
	if id == "" {
		id = domain.RoomID(uuid.NewString())
	}

	visible := true
	if opts.Visible != nil {
		visible = *opts.Visible
	}

	now := time.Now()
	room := &domain.Room{
		ID:         id,
		Name:       name,
		MaxViewers: maxViewers,
		Visible:    visible,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := s.roomRepo.Create(ctx, room); err != nil {
		return nil, fmt.Errorf("failed to create room: %w", err)
	}

	s.logger.Infow("room created", "room_id", room.ID, "max_viewers", room.MaxViewers)
	return room, nil
}

// GetOrCreateRoom returns the room, creating it with defaults on first
// reference.
func (s *RoomService) GetOrCreateRoom(ctx context.Context, id domain.RoomID) (*domain.Room, error) {
	room, err := s.roomRepo.GetByID(ctx, id)
	if err == nil {
		return room, nil
	}
	if !errors.Is(err, domain.ErrRoomNotFound) {
		return nil, err
	}
	return s.CreateRoom(ctx, string(id), RoomOptions{ID: id})
}

func (s *RoomService) GetRoom(ctx context.Context, id domain.RoomID) (*domain.Room, error) {
	return s.roomRepo.GetByID(ctx, id)
}

func (s *RoomService) ListRooms(ctx context.Context) ([]*domain.Room, error) {
	return s.roomRepo.List(ctx)
}

func (s *RoomService) UpdateRoom(ctx context.Context, id domain.RoomID, upd domain.RoomUpdate) (*domain.Room, error) {
	return s.roomRepo.Update(ctx, id, upd)
}

// DeleteRoom refuses the default room without failing loudly; otherwise it
// removes the room and cascades removal of all its sessions.
func (s *RoomService) DeleteRoom(ctx context.Context, id domain.RoomID) (bool, error) {
	if id == domain.DefaultRoomID {
		s.logger.Warnw("refusing to delete default room", "room_id", id)
		return false, nil
	}

	sessions, err := s.sessions.ListByRoom(ctx, id)
	if err != nil {
		return false, err
	}
	for _, session := range sessions {
		if err := s.sessions.Remove(ctx, id, session.ID); err != nil {
			return false, err
		}
	}

	deleted, err := s.roomRepo.Delete(ctx, id)
	if err != nil {
		return false, err
	}
	if deleted {
		s.logger.Infow("room deleted", "room_id", id, "cascaded_sessions", len(sessions))
	}

	return deleted, nil
}

// Join registers the session with the room, creating the room on first
// reference. Capacity and streamer-conflict violations come back as typed
// errors for the signaling layer to translate.
func (s *RoomService) Join(ctx context.Context, session *domain.Session) error {
	if _, err := s.GetOrCreateRoom(ctx, session.RoomID); err != nil {
		return err
	}
	return s.sessions.Add(ctx, session)
}

func (s *RoomService) Leave(ctx context.Context, roomID domain.RoomID, id domain.SessionID) error {
	return s.sessions.Remove(ctx, roomID, id)
}

func (s *RoomService) GetSession(ctx context.Context, id domain.SessionID) (*domain.Session, error) {
	return s.sessions.Get(ctx, id)
}

func (s *RoomService) ListSessions(ctx context.Context, roomID domain.RoomID) ([]*domain.Session, error) {
	return s.sessions.ListByRoom(ctx, roomID)
}

// TouchSession marks the session as active so the sweeper skips it.
func (s *RoomService) TouchSession(ctx context.Context, id domain.SessionID) error {
	return s.sessions.Touch(ctx, id)
}

func (s *RoomService) ViewerCount(ctx context.Context, roomID domain.RoomID) (int, error) {
	return s.sessions.ViewerCount(ctx, roomID)
}

func (s *RoomService) ActiveStreamer(ctx context.Context, roomID domain.RoomID) (*domain.Session, error) {
	return s.sessions.ActiveStreamer(ctx, roomID)
}

// RunSweeper reclaims inactive sessions on a timer until ctx is done.
// Each swept session is handed to reap so its connection, media handles,
// and room peers get the same treatment a disconnect would give them.
func (s *RoomService) RunSweeper(ctx context.Context, interval time.Duration, reap func(*domain.Session)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			victims, err := s.sessions.SweepInactive(ctx, s.sessionMaxIdle)
			if err != nil {
				s.logger.Errorw("session sweep failed", "error", err)
				continue
			}
			if len(victims) == 0 {
				continue
			}
			s.logger.Infow("swept inactive sessions", "removed", len(victims))
			if reap == nil {
				continue
			}
			for _, victim := range victims {
				reap(victim)
			}
		}
	}
}
