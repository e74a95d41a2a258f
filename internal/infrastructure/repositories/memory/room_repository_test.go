package memory

import (
	"context"
	"testing"
	"time"

	"stagelink/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRoom(id string, createdAt time.Time) *domain.Room {
	return &domain.Room{
		ID:         domain.RoomID(id),
		Name:       "Room " + id,
		MaxViewers: 10,
		Visible:    true,
		CreatedAt:  createdAt,
		UpdatedAt:  createdAt,
	}
}

func TestRoomRepository_CreateAndGet(t *testing.T) {
	repo := NewMemoryRoomRepository()
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, testRoom("a", time.Now())))

	room, err := repo.GetByID(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, domain.RoomID("a"), room.ID)
	assert.Equal(t, 10, room.MaxViewers)

	_, err = repo.GetByID(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrRoomNotFound)
}

func TestRoomRepository_GetReturnsCopy(t *testing.T) {
	repo := NewMemoryRoomRepository()
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, testRoom("a", time.Now())))

	room, err := repo.GetByID(ctx, "a")
	require.NoError(t, err)
	room.MaxViewers = 999

	again, err := repo.GetByID(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 10, again.MaxViewers)
}

func TestRoomRepository_UpdateMergesFields(t *testing.T) {
	repo := NewMemoryRoomRepository()
	ctx := context.Background()

	created := time.Now().Add(-time.Minute)
	require.NoError(t, repo.Create(ctx, testRoom("a", created)))

	newName := "Renamed"
	updated, err := repo.Update(ctx, "a", domain.RoomUpdate{Name: &newName})
	require.NoError(t, err)

	assert.Equal(t, "Renamed", updated.Name)
	assert.Equal(t, 10, updated.MaxViewers)
	assert.True(t, updated.UpdatedAt.After(created))
	assert.Equal(t, created.Unix(), updated.CreatedAt.Unix())
}

func TestRoomRepository_UpdateRejectsNonPositiveMaxViewers(t *testing.T) {
	repo := NewMemoryRoomRepository()
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, testRoom("a", time.Now())))

	zero := 0
	_, err := repo.Update(ctx, "a", domain.RoomUpdate{MaxViewers: &zero})
	assert.ErrorIs(t, err, domain.ErrInvalidConfig)
}

func TestRoomRepository_DeleteAbsentIsNotAnError(t *testing.T) {
	repo := NewMemoryRoomRepository()
	ctx := context.Background()

	deleted, err := repo.Delete(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, deleted)

	require.NoError(t, repo.Create(ctx, testRoom("a", time.Now())))
	deleted, err = repo.Delete(ctx, "a")
	require.NoError(t, err)
	assert.True(t, deleted)
}

func TestRoomRepository_ListSortedByCreation(t *testing.T) {
	repo := NewMemoryRoomRepository()
	ctx := context.Background()

	base := time.Now()
	require.NoError(t, repo.Create(ctx, testRoom("newer", base.Add(time.Second))))
	require.NoError(t, repo.Create(ctx, testRoom("older", base)))

	rooms, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, rooms, 2)
	assert.Equal(t, domain.RoomID("older"), rooms[0].ID)
	assert.Equal(t, domain.RoomID("newer"), rooms[1].ID)
}
