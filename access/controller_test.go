package access

import (
	"context"
	"cowrite-server/core"
	"cowrite-server/sessions"
	"cowrite-server/stores/memory"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyStore fails every room operation while down is set.
type flakyStore struct {
	core.Store
	down bool
}

var errBackend = errors.New("connection refused")

func (f *flakyStore) AddMember(ctx context.Context, roomID, connID string, role core.Role) (*core.Room, error) {
	if f.down {
		return nil, errBackend
	}
	return f.Store.AddMember(ctx, roomID, connID, role)
}

func (f *flakyStore) UpdateContent(ctx context.Context, roomID, connID, content string, now time.Time) (*core.Room, error) {
	if f.down {
		return nil, errBackend
	}
	return f.Store.UpdateContent(ctx, roomID, connID, content, now)
}

func (f *flakyStore) RemoveMember(ctx context.Context, roomID, connID string) error {
	if f.down {
		return errBackend
	}
	return f.Store.RemoveMember(ctx, roomID, connID)
}

func (f *flakyStore) RemoveMemberEverywhere(ctx context.Context, connID string) error {
	if f.down {
		return errBackend
	}
	return f.Store.RemoveMemberEverywhere(ctx, connID)
}

// gatedStore parks UpdateContent until release is closed, so tests can
// change membership while a sync is in flight.
type gatedStore struct {
	core.Store
	entered chan struct{}
	release chan struct{}
}

func newGatedStore() *gatedStore {
	return &gatedStore{
		Store:   memory.NewStore(),
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
}

func (g *gatedStore) UpdateContent(ctx context.Context, roomID, connID, content string, now time.Time) (*core.Room, error) {
	g.entered <- struct{}{}
	<-g.release
	return g.Store.UpdateContent(ctx, roomID, connID, content, now)
}

// syncInFlight starts ApplySync for connID and returns once the write has
// reached the store. Receiving from the returned channel yields its error.
func syncInFlight(c *Controller, g *gatedStore, connID, roomID, content string) <-chan error {
	done := make(chan error, 1)
	go func() {
		_, err := c.ApplySync(context.Background(), connID, roomID, content)
		done <- err
	}()
	<-g.entered
	return done
}

func newTestController(t *testing.T) (*Controller, core.Store) {
	t.Helper()
	store := memory.NewStore()
	return NewController(store, sessions.NewRegistry()), store
}

func TestJoinRoom_CreatesRoom(t *testing.T) {
	c, store := newTestController(t)
	ctx := context.Background()

	snap, err := c.JoinRoom(ctx, "x", "r1", core.RoleEditor)
	require.NoError(t, err)
	assert.Equal(t, "", snap.Content)
	assert.Equal(t, core.RoleEditor, snap.Role)
	assert.Equal(t, "r1", snap.RoomID)

	room, err := store.FindRoom(ctx, "r1")
	require.NoError(t, err)
	assert.Contains(t, room.Editors, "x")
	assert.True(t, c.IsEditor("x", "r1"))
}

func TestJoinRoom_EmptyRoomID(t *testing.T) {
	c, _ := newTestController(t)

	_, err := c.JoinRoom(context.Background(), "x", "", core.RoleEditor)
	assert.ErrorIs(t, err, core.ErrInvalidRoomID)
	assert.Equal(t, 0, c.Sessions().Len())
}

func TestJoinRoom_Idempotent(t *testing.T) {
	c, store := newTestController(t)
	ctx := context.Background()

	_, err := c.JoinRoom(ctx, "x", "r1", core.RoleReadOnly)
	require.NoError(t, err)
	before, err := store.FindRoom(ctx, "r1")
	require.NoError(t, err)

	_, err = c.JoinRoom(ctx, "x", "r1", core.RoleReadOnly)
	require.NoError(t, err)
	after, err := store.FindRoom(ctx, "r1")
	require.NoError(t, err)

	assert.Equal(t, before.Editors, after.Editors)
	assert.Equal(t, before.ReadOnlyMembers, after.ReadOnlyMembers)
}

func TestJoinRoom_RoleChangeKeepsExclusivity(t *testing.T) {
	c, store := newTestController(t)
	ctx := context.Background()

	for _, role := range []core.Role{core.RoleEditor, core.RoleReadOnly, core.RoleEditor, core.RoleReadOnly} {
		_, err := c.JoinRoom(ctx, "x", "r1", role)
		require.NoError(t, err)

		room, err := store.FindRoom(ctx, "r1")
		require.NoError(t, err)
		_, inEditors := room.Editors["x"]
		_, inReadOnly := room.ReadOnlyMembers["x"]
		assert.False(t, inEditors && inReadOnly, "x in both sets after joining as %s", role)
		assert.Equal(t, role == core.RoleEditor, c.IsEditor("x", "r1"))
	}
}

func TestApplySync_LastWriteWins(t *testing.T) {
	c, store := newTestController(t)
	ctx := context.Background()

	_, err := c.JoinRoom(ctx, "x", "r1", core.RoleEditor)
	require.NoError(t, err)
	_, err = c.JoinRoom(ctx, "y", "r1", core.RoleEditor)
	require.NoError(t, err)

	_, err = c.ApplySync(ctx, "x", "r1", "A")
	require.NoError(t, err)
	snap, err := c.ApplySync(ctx, "y", "r1", "B")
	require.NoError(t, err)
	assert.Equal(t, "B", snap.Content)

	room, err := store.FindRoom(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "B", room.Content)
}

func TestApplySync_SetsLastModified(t *testing.T) {
	store := memory.NewStore()
	fixed := time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)
	c := NewController(store, sessions.NewRegistry(), WithClock(func() time.Time { return fixed }))
	ctx := context.Background()

	_, err := c.JoinRoom(ctx, "x", "r1", core.RoleEditor)
	require.NoError(t, err)
	snap, err := c.ApplySync(ctx, "x", "r1", "hello")
	require.NoError(t, err)

	assert.True(t, snap.LastModified.Equal(fixed))
}

func TestApplySync_ReadOnlyDenied(t *testing.T) {
	c, store := newTestController(t)
	ctx := context.Background()

	_, err := c.JoinRoom(ctx, "x", "r1", core.RoleEditor)
	require.NoError(t, err)
	_, err = c.ApplySync(ctx, "x", "r1", "hello")
	require.NoError(t, err)

	snap, err := c.JoinRoom(ctx, "y", "r1", core.RoleReadOnly)
	require.NoError(t, err)
	assert.Equal(t, "hello", snap.Content)
	assert.True(t, snap.Role.ReadOnly())

	_, err = c.ApplySync(ctx, "y", "r1", "vandalism")
	assert.ErrorIs(t, err, core.ErrPermissionDenied)

	room, err := store.FindRoom(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "hello", room.Content)
	assert.NotContains(t, room.Editors, "y")
}

func TestApplySync_NonMemberDenied(t *testing.T) {
	c, _ := newTestController(t)
	ctx := context.Background()

	_, err := c.JoinRoom(ctx, "x", "r1", core.RoleEditor)
	require.NoError(t, err)

	_, err = c.ApplySync(ctx, "z", "r1", "hi")
	assert.ErrorIs(t, err, core.ErrPermissionDenied)

	_, err = c.ApplySync(ctx, "x", "r2", "hi")
	assert.ErrorIs(t, err, core.ErrPermissionDenied, "membership in r1 grants nothing in r2")
}

func TestApplySync_ConcurrentWriters(t *testing.T) {
	c, store := newTestController(t)
	ctx := context.Background()

	const writers = 20
	for i := 0; i < writers; i++ {
		_, err := c.JoinRoom(ctx, fmt.Sprintf("conn-%d", i), "r1", core.RoleEditor)
		require.NoError(t, err)
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		committed []string
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			content := fmt.Sprintf("content-%d", i)
			snap, err := c.ApplySync(ctx, fmt.Sprintf("conn-%d", i), "r1", content)
			if assert.NoError(t, err) {
				assert.Equal(t, content, snap.Content)
				mu.Lock()
				committed = append(committed, snap.Content)
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	room, err := store.FindRoom(ctx, "r1")
	require.NoError(t, err)
	assert.Len(t, committed, writers)
	assert.Contains(t, committed, room.Content)
}

func TestLeaveRoom(t *testing.T) {
	c, store := newTestController(t)
	ctx := context.Background()

	_, err := c.JoinRoom(ctx, "x", "r1", core.RoleEditor)
	require.NoError(t, err)

	require.NoError(t, c.LeaveRoom(ctx, "x", "r1"))
	require.NoError(t, c.LeaveRoom(ctx, "x", "r1"), "leaving twice is idempotent")

	room, err := store.FindRoom(ctx, "r1")
	require.NoError(t, err)
	assert.Empty(t, room.Editors)
	assert.False(t, c.IsEditor("x", "r1"))

	_, err = c.ApplySync(ctx, "x", "r1", "late")
	assert.ErrorIs(t, err, core.ErrPermissionDenied)
}

func TestDisconnect_RemovesEverywhere(t *testing.T) {
	c, store := newTestController(t)
	ctx := context.Background()

	_, err := c.JoinRoom(ctx, "x", "r1", core.RoleEditor)
	require.NoError(t, err)
	_, err = c.JoinRoom(ctx, "x", "r2", core.RoleReadOnly)
	require.NoError(t, err)
	_, err = c.JoinRoom(ctx, "y", "r1", core.RoleEditor)
	require.NoError(t, err)

	require.NoError(t, c.Disconnect(ctx, "x"))

	r1, err := store.FindRoom(ctx, "r1")
	require.NoError(t, err)
	r2, err := store.FindRoom(ctx, "r2")
	require.NoError(t, err)
	assert.NotContains(t, r1.Editors, "x")
	assert.NotContains(t, r2.ReadOnlyMembers, "x")
	assert.Contains(t, r1.Editors, "y")

	_, ok := c.Sessions().Get("x")
	assert.False(t, ok)
	assert.False(t, c.IsEditor("x", "r1"))
}

func TestStorageUnavailable(t *testing.T) {
	store := &flakyStore{Store: memory.NewStore()}
	c := NewController(store, sessions.NewRegistry())
	ctx := context.Background()

	_, err := c.JoinRoom(ctx, "x", "r1", core.RoleEditor)
	require.NoError(t, err)
	_, err = c.ApplySync(ctx, "x", "r1", "committed")
	require.NoError(t, err)

	store.down = true

	_, err = c.JoinRoom(ctx, "y", "r1", core.RoleEditor)
	assert.ErrorIs(t, err, core.ErrStorageUnavailable)
	_, ok := c.Sessions().Get("y")
	assert.False(t, ok, "failed join must not leave a session behind")

	_, err = c.ApplySync(ctx, "x", "r1", "lost")
	assert.ErrorIs(t, err, core.ErrStorageUnavailable)

	err = c.LeaveRoom(ctx, "x", "r1")
	assert.ErrorIs(t, err, core.ErrStorageUnavailable)
	assert.True(t, c.IsEditor("x", "r1"), "failed leave keeps the session for a retry")

	store.down = false
	room, err := store.FindRoom(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "committed", room.Content)
}

func TestScenario_EditorThenReadOnly(t *testing.T) {
	c, store := newTestController(t)
	ctx := context.Background()

	snap, err := c.JoinRoom(ctx, "X", "r1", core.RoleEditor)
	require.NoError(t, err)
	assert.Equal(t, "", snap.Content)

	_, err = c.ApplySync(ctx, "X", "r1", "hello")
	require.NoError(t, err)

	snap, err = c.JoinRoom(ctx, "Y", "r1", core.RoleReadOnly)
	require.NoError(t, err)
	assert.Equal(t, "hello", snap.Content)
	assert.True(t, snap.Role.ReadOnly())

	_, err = c.ApplySync(ctx, "Y", "r1", "nope")
	assert.ErrorIs(t, err, core.ErrPermissionDenied)

	room, err := store.FindRoom(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "hello", room.Content)
}

func TestApplySync_DisconnectDuringWrite(t *testing.T) {
	store := newGatedStore()
	c := NewController(store, sessions.NewRegistry())
	ctx := context.Background()

	_, err := c.JoinRoom(ctx, "x", "r1", core.RoleEditor)
	require.NoError(t, err)

	done := syncInFlight(c, store, "x", "r1", "last words")
	require.NoError(t, c.Disconnect(ctx, "x"))
	close(store.release)
	require.NoError(t, <-done)

	room, err := store.FindRoom(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "last words", room.Content)
	assert.Empty(t, room.Editors)
	assert.Empty(t, room.ReadOnlyMembers)
}

func TestApplySync_ReadOnlyRejoinDuringWrite(t *testing.T) {
	store := newGatedStore()
	c := NewController(store, sessions.NewRegistry())
	ctx := context.Background()

	_, err := c.JoinRoom(ctx, "x", "r1", core.RoleEditor)
	require.NoError(t, err)

	done := syncInFlight(c, store, "x", "r1", "draft")
	_, err = c.JoinRoom(ctx, "x", "r1", core.RoleReadOnly)
	require.NoError(t, err)
	close(store.release)
	require.NoError(t, <-done)

	room, err := store.FindRoom(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "draft", room.Content)

	storeRole, ok := room.RoleOf("x")
	require.True(t, ok)
	sessionRole, ok := c.Sessions().Role("x", "r1")
	require.True(t, ok)
	assert.Equal(t, core.RoleReadOnly, storeRole)
	assert.Equal(t, sessionRole, storeRole)
	assert.False(t, c.IsEditor("x", "r1"))
}
