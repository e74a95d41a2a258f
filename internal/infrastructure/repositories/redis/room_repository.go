package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"stagelink/internal/core/domain"
	"stagelink/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

// RedisRoomRepository persists room configuration so rooms survive process
// restarts. Session records stay node-local; only room state lives here.
type RedisRoomRepository struct {
	client *redis.Client
	prefix string
}

func NewRedisRoomRepository(client *redis.Client) ports.RoomRepository {
	return &RedisRoomRepository{
		client: client,
		prefix: "stagelink:room:",
	}
}

func (r *RedisRoomRepository) roomKey(id domain.RoomID) string {
	return r.prefix + string(id)
}

func (r *RedisRoomRepository) indexKey() string {
	return r.prefix + "index"
}

func (r *RedisRoomRepository) Create(ctx context.Context, room *domain.Room) error {
	data, err := json.Marshal(room)
	if err != nil {
		return fmt.Errorf("failed to marshal room: %w", err)
	}

	ok, err := r.client.SetNX(ctx, r.roomKey(room.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to set room in Redis: %w", err)
	}
	if !ok {
		return fmt.Errorf("room already exists: %s", room.ID)
	}

	if err := r.client.SAdd(ctx, r.indexKey(), string(room.ID)).Err(); err != nil {
		return fmt.Errorf("failed to add room to index: %w", err)
	}

	return nil
}

func (r *RedisRoomRepository) GetByID(ctx context.Context, id domain.RoomID) (*domain.Room, error) {
	data, err := r.client.Get(ctx, r.roomKey(id)).Result()
	if err == redis.Nil {
		return nil, domain.ErrRoomNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get room from Redis: %w", err)
	}

	var room domain.Room
	if err := json.Unmarshal([]byte(data), &room); err != nil {
		return nil, fmt.Errorf("failed to unmarshal room: %w", err)
	}

	return &room, nil
}

func (r *RedisRoomRepository) Update(ctx context.Context, id domain.RoomID, upd domain.RoomUpdate) (*domain.Room, error) {
	room, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
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

	if err := r.store(ctx, room); err != nil {
		return nil, err
	}

	return room, nil
}

func (r *RedisRoomRepository) SetStreamer(ctx context.Context, id domain.RoomID, streamer *domain.SessionID) error {
	room, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}

	room.StreamerID = streamer
	room.UpdatedAt = time.Now()
	return r.store(ctx, room)
}

func (r *RedisRoomRepository) Delete(ctx context.Context, id domain.RoomID) (bool, error) {
	removed, err := r.client.Del(ctx, r.roomKey(id)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to delete room from Redis: %w", err)
	}

	if err := r.client.SRem(ctx, r.indexKey(), string(id)).Err(); err != nil {
		return false, fmt.Errorf("failed to remove room from index: %w", err)
	}

	return removed > 0, nil
}

func (r *RedisRoomRepository) List(ctx context.Context) ([]*domain.Room, error) {
	ids, err := r.client.SMembers(ctx, r.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list rooms from Redis: %w", err)
	}

	rooms := make([]*domain.Room, 0, len(ids))
	for _, id := range ids {
		room, err := r.GetByID(ctx, domain.RoomID(id))
		if err == domain.ErrRoomNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		rooms = append(rooms, room)
	}

	sort.Slice(rooms, func(i, j int) bool {
		return rooms[i].CreatedAt.Before(rooms[j].CreatedAt)
	})

	return rooms, nil
}

func (r *RedisRoomRepository) store(ctx context.Context, room *domain.Room) error {
	data, err := json.Marshal(room)
	if err != nil {
		return fmt.Errorf("failed to marshal room: %w", err)
	}

	if err := r.client.Set(ctx, r.roomKey(room.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to update room in Redis: %w", err)
	}

	return nil
}
