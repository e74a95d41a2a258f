package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"stagelink/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, maxViewers int) (*MemorySessionStore, domain.RoomID) {
	t.Helper()

	repo := NewMemoryRoomRepository()
	roomID := domain.RoomID("room-1")
	now := time.Now()
	err := repo.Create(context.Background(), &domain.Room{
		ID:         roomID,
		Name:       "Room 1",
		MaxViewers: maxViewers,
		Visible:    true,
		CreatedAt:  now,
		UpdatedAt:  now,
	})
	require.NoError(t, err)

	store := NewMemorySessionStore(repo).(*MemorySessionStore)
	return store, roomID
}

func newSession(roomID domain.RoomID, id string, role domain.Role) *domain.Session {
	now := time.Now()
	return &domain.Session{
		ID:           domain.SessionID(id),
		ConnID:       domain.ConnID("conn-" + id),
		RoomID:       roomID,
		Role:         role,
		State:        domain.ConnConnected,
		JoinedAt:     now,
		LastActivity: now,
	}
}

func TestAdd_RejectsViewerOverCapacity(t *testing.T) {
	store, roomID := newTestStore(t, 2)
	ctx := context.Background()

	require.NoError(t, store.Add(ctx, newSession(roomID, "v1", domain.RoleViewer)))
	require.NoError(t, store.Add(ctx, newSession(roomID, "v2", domain.RoleViewer)))

	err := store.Add(ctx, newSession(roomID, "v3", domain.RoleViewer))
	assert.ErrorIs(t, err, domain.ErrRoomAtCapacity)

	count, err := store.ViewerCount(ctx, roomID)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestAdd_CapacityOneAdmitsExactlyOne(t *testing.T) {
	store, roomID := newTestStore(t, 1)
	ctx := context.Background()

	require.NoError(t, store.Add(ctx, newSession(roomID, "v1", domain.RoleViewer)))
	assert.ErrorIs(t, store.Add(ctx, newSession(roomID, "v2", domain.RoleViewer)), domain.ErrRoomAtCapacity)
}

func TestAdd_ConcurrentStreamersAdmitOne(t *testing.T) {
	store, roomID := newTestStore(t, 10)
	ctx := context.Background()

	const attempts = 16
	var wg sync.WaitGroup
	results := make(chan error, attempts)

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			results <- store.Add(ctx, newSession(roomID, "s"+string(rune('a'+n)), domain.RoleStreamer))
		}(i)
	}
	wg.Wait()
	close(results)

	admitted, conflicts := 0, 0
	for err := range results {
		switch {
		case err == nil:
			admitted++
		case err == domain.ErrStreamerConflict:
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}

	assert.Equal(t, 1, admitted)
	assert.Equal(t, attempts-1, conflicts)

	has, err := store.HasActiveStreamer(ctx, roomID)
	require.NoError(t, err)
	assert.True(t, has)
}

func TestAdd_SecondStreamerRejectedFirstKept(t *testing.T) {
	store, roomID := newTestStore(t, 10)
	ctx := context.Background()

	first := newSession(roomID, "s1", domain.RoleStreamer)
	require.NoError(t, store.Add(ctx, first))

	err := store.Add(ctx, newSession(roomID, "s2", domain.RoleStreamer))
	assert.ErrorIs(t, err, domain.ErrStreamerConflict)

	streamer, err := store.ActiveStreamer(ctx, roomID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, streamer.ID)
}

func TestRemove_IsIdempotent(t *testing.T) {
	store, roomID := newTestStore(t, 10)
	ctx := context.Background()

	session := newSession(roomID, "v1", domain.RoleViewer)
	require.NoError(t, store.Add(ctx, session))

	require.NoError(t, store.Remove(ctx, roomID, session.ID))
	require.NoError(t, store.Remove(ctx, roomID, session.ID))
	require.NoError(t, store.Remove(ctx, roomID, domain.SessionID("never-existed")))
}

func TestRemove_ClearsStreamerReference(t *testing.T) {
	store, roomID := newTestStore(t, 10)
	ctx := context.Background()

	streamer := newSession(roomID, "s1", domain.RoleStreamer)
	require.NoError(t, store.Add(ctx, streamer))
	require.NoError(t, store.Remove(ctx, roomID, streamer.ID))

	has, err := store.HasActiveStreamer(ctx, roomID)
	require.NoError(t, err)
	assert.False(t, has)

	// A new streamer can claim the room immediately.
	require.NoError(t, store.Add(ctx, newSession(roomID, "s2", domain.RoleStreamer)))
}

func TestListByRoom_PreservesInsertionOrder(t *testing.T) {
	store, roomID := newTestStore(t, 10)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, store.Add(ctx, newSession(roomID, id, domain.RoleViewer)))
	}

	sessions, err := store.ListByRoom(ctx, roomID)
	require.NoError(t, err)
	require.Len(t, sessions, 3)
	assert.Equal(t, domain.SessionID("a"), sessions[0].ID)
	assert.Equal(t, domain.SessionID("b"), sessions[1].ID)
	assert.Equal(t, domain.SessionID("c"), sessions[2].ID)
}

func TestViewerCount_IgnoresDisconnected(t *testing.T) {
	store, roomID := newTestStore(t, 10)
	ctx := context.Background()

	connected := newSession(roomID, "v1", domain.RoleViewer)
	require.NoError(t, store.Add(ctx, connected))

	stale := newSession(roomID, "v2", domain.RoleViewer)
	require.NoError(t, store.Add(ctx, stale))
	stale.State = domain.ConnDisconnected
	require.NoError(t, store.Update(ctx, stale))

	count, err := store.ViewerCount(ctx, roomID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestSweepInactive_RemovesStaleAndDisconnected(t *testing.T) {
	store, roomID := newTestStore(t, 10)
	ctx := context.Background()

	fresh := newSession(roomID, "fresh", domain.RoleViewer)
	require.NoError(t, store.Add(ctx, fresh))

	idle := newSession(roomID, "idle", domain.RoleViewer)
	idle.LastActivity = time.Now().Add(-time.Hour)
	require.NoError(t, store.Add(ctx, idle))

	dead := newSession(roomID, "dead", domain.RoleViewer)
	require.NoError(t, store.Add(ctx, dead))
	dead.State = domain.ConnFailed
	require.NoError(t, store.Update(ctx, dead))

	victims, err := store.SweepInactive(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.Len(t, victims, 2)

	// Victims carry enough of the record for the caller to tear down
	// whatever the session still references.
	for _, v := range victims {
		assert.Equal(t, roomID, v.RoomID)
	}

	_, err = store.Get(ctx, fresh.ID)
	assert.NoError(t, err)
	_, err = store.Get(ctx, idle.ID)
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestSweepInactive_SparesTouchedSession(t *testing.T) {
	store, roomID := newTestStore(t, 10)
	ctx := context.Background()

	session := newSession(roomID, "busy", domain.RoleStreamer)
	session.LastActivity = time.Now().Add(-time.Hour)
	require.NoError(t, store.Add(ctx, session))

	// Activity right before the sweep resets the idle clock.
	require.NoError(t, store.Touch(ctx, session.ID))

	victims, err := store.SweepInactive(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.Empty(t, victims)

	_, err = store.Get(ctx, session.ID)
	assert.NoError(t, err)
}

func TestTouch_UnknownSession(t *testing.T) {
	store, _ := newTestStore(t, 10)

	err := store.Touch(context.Background(), domain.SessionID("ghost"))
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
}
