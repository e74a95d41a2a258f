package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"stagelink/internal/core/domain"
	"stagelink/internal/core/ports"
)

// MemorySessionStore keeps session records in process memory. Add and
// Remove take a per-room mutex so that the capacity check and the insert
// are atomic under concurrent joins.
type MemorySessionStore struct {
	roomRepo ports.RoomRepository

	mu       sync.RWMutex
	sessions map[domain.SessionID]*domain.Session
	byRoom   map[domain.RoomID][]domain.SessionID

	lockMu    sync.Mutex
	roomLocks map[domain.RoomID]*sync.Mutex
}

func NewMemorySessionStore(roomRepo ports.RoomRepository) ports.SessionStore {
	return &MemorySessionStore{
		roomRepo:  roomRepo,
		sessions:  make(map[domain.SessionID]*domain.Session),
		byRoom:    make(map[domain.RoomID][]domain.SessionID),
		roomLocks: make(map[domain.RoomID]*sync.Mutex),
	}
}

func (s *MemorySessionStore) roomLock(roomID domain.RoomID) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()

	lock, exists := s.roomLocks[roomID]
	if !exists {
		lock = &sync.Mutex{}
		s.roomLocks[roomID] = lock
	}
	return lock
}

func (s *MemorySessionStore) Add(ctx context.Context, session *domain.Session) error {
	lock := s.roomLock(session.RoomID)
	lock.Lock()
	defer lock.Unlock()

	room, err := s.roomRepo.GetByID(ctx, session.RoomID)
	if err != nil {
		return err
	}

	switch session.Role {
	case domain.RoleViewer:
		if s.connectedCount(session.RoomID, domain.RoleViewer) >= room.MaxViewers {
			return domain.ErrRoomAtCapacity
		}
	case domain.RoleStreamer:
		if s.connectedCount(session.RoomID, domain.RoleStreamer) > 0 {
			return domain.ErrStreamerConflict
		}
	}

	stored := *session

	s.mu.Lock()
	s.sessions[stored.ID] = &stored
	s.byRoom[stored.RoomID] = append(s.byRoom[stored.RoomID], stored.ID)
	s.mu.Unlock()

	if session.Role == domain.RoleStreamer {
		id := session.ID
		if err := s.roomRepo.SetStreamer(ctx, session.RoomID, &id); err != nil {
			return err
		}
	}

	return nil
}

// Remove is a no-op when the session is absent. Clearing the room's
// streamer reference here is the single place "streamer vacated" becomes
// observable.
func (s *MemorySessionStore) Remove(ctx context.Context, roomID domain.RoomID, id domain.SessionID) error {
	lock := s.roomLock(roomID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	session, exists := s.sessions[id]
	if !exists || session.RoomID != roomID {
		s.mu.Unlock()
		return nil
	}

	delete(s.sessions, id)
	ids := s.byRoom[roomID]
	for i, sid := range ids {
		if sid == id {
			s.byRoom[roomID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	wasStreamer := session.Role == domain.RoleStreamer
	s.mu.Unlock()

	if wasStreamer {
		if err := s.roomRepo.SetStreamer(ctx, roomID, nil); err != nil && !errors.Is(err, domain.ErrRoomNotFound) {
			return err
		}
	}

	return nil
}

func (s *MemorySessionStore) Get(ctx context.Context, id domain.SessionID) (*domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, exists := s.sessions[id]
	if !exists {
		return nil, domain.ErrSessionNotFound
	}

	copied := *session
	return &copied, nil
}

func (s *MemorySessionStore) ListByRoom(ctx context.Context, roomID domain.RoomID) ([]*domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byRoom[roomID]
	sessions := make([]*domain.Session, 0, len(ids))
	for _, id := range ids {
		if session, ok := s.sessions[id]; ok {
			copied := *session
			sessions = append(sessions, &copied)
		}
	}

	return sessions, nil
}

func (s *MemorySessionStore) Update(ctx context.Context, session *domain.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[session.ID]; !exists {
		return domain.ErrSessionNotFound
	}

	stored := *session
	s.sessions[session.ID] = &stored
	return nil
}

func (s *MemorySessionStore) Touch(ctx context.Context, id domain.SessionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, exists := s.sessions[id]
	if !exists {
		return domain.ErrSessionNotFound
	}
	session.LastActivity = time.Now()
	return nil
}

func (s *MemorySessionStore) ViewerCount(ctx context.Context, roomID domain.RoomID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connectedCountLocked(roomID, domain.RoleViewer), nil
}

func (s *MemorySessionStore) HasActiveStreamer(ctx context.Context, roomID domain.RoomID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connectedCountLocked(roomID, domain.RoleStreamer) > 0, nil
}

func (s *MemorySessionStore) ActiveStreamer(ctx context.Context, roomID domain.RoomID) (*domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, id := range s.byRoom[roomID] {
		session, ok := s.sessions[id]
		if ok && session.Role == domain.RoleStreamer && session.IsConnected() {
			copied := *session
			return &copied, nil
		}
	}

	return nil, domain.ErrSessionNotFound
}

// SweepInactive removes every session whose state is not Connected or
// whose last activity is older than maxInactive. The removed sessions are
// returned so the caller can finish their teardown.
func (s *MemorySessionStore) SweepInactive(ctx context.Context, maxInactive time.Duration) ([]*domain.Session, error) {
	cutoff := time.Now().Add(-maxInactive)

	s.mu.RLock()
	var victims []*domain.Session
	for _, session := range s.sessions {
		if !session.IsConnected() || session.LastActivity.Before(cutoff) {
			copied := *session
			victims = append(victims, &copied)
		}
	}
	s.mu.RUnlock()

	for i, v := range victims {
		if err := s.Remove(ctx, v.RoomID, v.ID); err != nil {
			return victims[:i], err
		}
	}

	return victims, nil
}

// connectedCount must be called with the room lock held; it takes the map
// lock itself.
func (s *MemorySessionStore) connectedCount(roomID domain.RoomID, role domain.Role) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connectedCountLocked(roomID, role)
}

func (s *MemorySessionStore) connectedCountLocked(roomID domain.RoomID, role domain.Role) int {
	count := 0
	for _, id := range s.byRoom[roomID] {
		session, ok := s.sessions[id]
		if ok && session.Role == role && session.IsConnected() {
			count++
		}
	}
	return count
}
