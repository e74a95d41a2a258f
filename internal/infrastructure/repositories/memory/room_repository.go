package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"stagelink/internal/core/domain"
	"stagelink/internal/core/ports"
)

type MemoryRoomRepository struct {
	rooms map[domain.RoomID]*domain.Room
	mu    sync.RWMutex
}

func NewMemoryRoomRepository() ports.RoomRepository {
	return &MemoryRoomRepository{
		rooms: make(map[domain.RoomID]*domain.Room),
	}
}

func (r *MemoryRoomRepository) Create(ctx context.Context, room *domain.Room) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.rooms[room.ID]; exists {
		return fmt.Errorf("room already exists: %s", room.ID)
	}

	stored := *room
	r.rooms[room.ID] = &stored
	return nil
}

func (r *MemoryRoomRepository) GetByID(ctx context.Context, id domain.RoomID) (*domain.Room, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	room, exists := r.rooms[id]
	if !exists {
		return nil, domain.ErrRoomNotFound
	}

	copied := *room
	return &copied, nil
}

func (r *MemoryRoomRepository) Update(ctx context.Context, id domain.RoomID, upd domain.RoomUpdate) (*domain.Room, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, exists := r.rooms[id]
	if !exists {
		return nil, domain.ErrRoomNotFound
	}

	if upd.Name != nil {
		room.Name = *upd.Name
	}
	if upd.MaxViewers != nil {
		if *upd.MaxViewers <= 0 {
			return nil, domain.ErrInvalidConfig
		}
		room.MaxViewers = *upd.MaxViewers
	}
	if upd.Visible != nil {
		room.Visible = *upd.Visible
	}
	room.UpdatedAt = time.Now()

	copied := *room
	return &copied, nil
}

func (r *MemoryRoomRepository) SetStreamer(ctx context.Context, id domain.RoomID, streamer *domain.SessionID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, exists := r.rooms[id]
	if !exists {
		return domain.ErrRoomNotFound
	}

	room.StreamerID = streamer
	room.UpdatedAt = time.Now()
	return nil
}

func (r *MemoryRoomRepository) Delete(ctx context.Context, id domain.RoomID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.rooms[id]; !exists {
		return false, nil
	}

	delete(r.rooms, id)
	return true, nil
}

func (r *MemoryRoomRepository) List(ctx context.Context) ([]*domain.Room, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rooms := make([]*domain.Room, 0, len(r.rooms))
	for _, room := range r.rooms {
		copied := *room
		rooms = append(rooms, &copied)
	}

	sort.Slice(rooms, func(i, j int) bool {
		return rooms[i].CreatedAt.Before(rooms[j].CreatedAt)
	})

	return rooms, nil
}
