// Package storetest holds the behaviour every core.Store backend must share.
// Backend packages call Run from their own tests.
package storetest

import (
	"context"
	"cowrite-server/core"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

// Factory returns a fresh, empty store. Room ids used by the suite are
// prefixed with the test name, so shared servers only need key isolation.
type Factory func(t *testing.T) core.Store

func Run(t *testing.T, newStore Factory) {
	t.Run("AddMemberCreatesRoom", func(t *testing.T) { testAddMemberCreatesRoom(t, newStore(t)) })
	t.Run("AddMemberIdempotent", func(t *testing.T) { testAddMemberIdempotent(t, newStore(t)) })
	t.Run("RoleExclusivity", func(t *testing.T) { testRoleExclusivity(t, newStore(t)) })
	t.Run("RemoveMember", func(t *testing.T) { testRemoveMember(t, newStore(t)) })
	t.Run("RemoveMemberEverywhere", func(t *testing.T) { testRemoveMemberEverywhere(t, newStore(t)) })
	t.Run("UpdateContent", func(t *testing.T) { testUpdateContent(t, newStore(t)) })
	t.Run("UpdateContentLeavesMembership", func(t *testing.T) { testUpdateContentLeavesMembership(t, newStore(t)) })
	t.Run("UpdateContentUnknownRoom", func(t *testing.T) { testUpdateContentUnknownRoom(t, newStore(t)) })
	t.Run("ConcurrentUpdates", func(t *testing.T) { testConcurrentUpdates(t, newStore(t)) })
	t.Run("ListRooms", func(t *testing.T) { testListRooms(t, newStore(t)) })
	t.Run("DeleteIdleRooms", func(t *testing.T) { testDeleteIdleRooms(t, newStore(t)) })
	t.Run("TokenRoundTrip", func(t *testing.T) { testTokenRoundTrip(t, newStore(t)) })
	t.Run("TokenNotFound", func(t *testing.T) { testTokenNotFound(t, newStore(t)) })
	t.Run("DeactivateToken", func(t *testing.T) { testDeactivateToken(t, newStore(t)) })
	t.Run("ListTokens", func(t *testing.T) { testListTokens(t, newStore(t)) })
}

func roomName(t *testing.T, suffix string) string {
	name := strings.NewReplacer("/", "-", " ", "-").Replace(t.Name())
	return name + "-" + suffix
}

func testAddMemberCreatesRoom(t *testing.T, store core.Store) {
	ctx := context.Background()
	roomID := roomName(t, "r1")

	room, err := store.AddMember(ctx, roomID, "conn-a", core.RoleEditor)
	if err != nil {
		t.Fatalf("AddMember() failed: %v", err)
	}
	if room.ID != roomID {
		t.Errorf("AddMember() room id = %q, want %q", room.ID, roomID)
	}
	if room.Content != "" {
		t.Errorf("new room content = %q, want empty", room.Content)
	}
	if role, ok := room.RoleOf("conn-a"); !ok || role != core.RoleEditor {
		t.Errorf("RoleOf(conn-a) = %q, %v; want editor", role, ok)
	}

	found, err := store.FindRoom(ctx, roomID)
	if err != nil {
		t.Fatalf("FindRoom() failed: %v", err)
	}
	if _, ok := found.Editors["conn-a"]; !ok {
		t.Error("FindRoom() lost editor membership")
	}
}

func testAddMemberIdempotent(t *testing.T, store core.Store) {
	ctx := context.Background()
	roomID := roomName(t, "r1")

	if _, err := store.AddMember(ctx, roomID, "conn-a", core.RoleReadOnly); err != nil {
		t.Fatalf("AddMember() failed: %v", err)
	}
	room, err := store.AddMember(ctx, roomID, "conn-a", core.RoleReadOnly)
	if err != nil {
		t.Fatalf("second AddMember() failed: %v", err)
	}

	if len(room.ReadOnlyMembers) != 1 || len(room.Editors) != 0 {
		t.Errorf("membership after repeated join: editors=%d readOnly=%d, want 0/1",
			len(room.Editors), len(room.ReadOnlyMembers))
	}
}

func testRoleExclusivity(t *testing.T, store core.Store) {
	ctx := context.Background()
	roomID := roomName(t, "r1")

	roles := []core.Role{core.RoleEditor, core.RoleReadOnly, core.RoleReadOnly, core.RoleEditor, core.RoleReadOnly}
	for _, role := range roles {
		room, err := store.AddMember(ctx, roomID, "conn-a", role)
		if err != nil {
			t.Fatalf("AddMember(%s) failed: %v", role, err)
		}
		_, inEditors := room.Editors["conn-a"]
		_, inReadOnly := room.ReadOnlyMembers["conn-a"]
		if inEditors && inReadOnly {
			t.Fatalf("conn-a present in both sets after joining as %s", role)
		}
		if got, _ := room.RoleOf("conn-a"); got != role {
			t.Fatalf("RoleOf() = %q after joining as %q", got, role)
		}
	}
}

func testRemoveMember(t *testing.T, store core.Store) {
	ctx := context.Background()
	roomID := roomName(t, "r1")

	if _, err := store.AddMember(ctx, roomID, "conn-a", core.RoleEditor); err != nil {
		t.Fatalf("AddMember() failed: %v", err)
	}
	if _, err := store.AddMember(ctx, roomID, "conn-b", core.RoleReadOnly); err != nil {
		t.Fatalf("AddMember() failed: %v", err)
	}

	for _, conn := range []string{"conn-a", "conn-b", "conn-b", "conn-missing"} {
		if err := store.RemoveMember(ctx, roomID, conn); err != nil {
			t.Fatalf("RemoveMember(%s) failed: %v", conn, err)
		}
	}
	if err := store.RemoveMember(ctx, roomName(t, "unknown"), "conn-a"); err != nil {
		t.Fatalf("RemoveMember() on unknown room failed: %v", err)
	}

	room, err := store.FindRoom(ctx, roomID)
	if err != nil {
		t.Fatalf("FindRoom() failed: %v", err)
	}
	if len(room.Editors) != 0 || len(room.ReadOnlyMembers) != 0 {
		t.Errorf("room still has members: %v %v", room.Editors, room.ReadOnlyMembers)
	}
}

func testRemoveMemberEverywhere(t *testing.T, store core.Store) {
	ctx := context.Background()
	r1, r2 := roomName(t, "r1"), roomName(t, "r2")

	if _, err := store.AddMember(ctx, r1, "conn-a", core.RoleEditor); err != nil {
		t.Fatalf("AddMember() failed: %v", err)
	}
	if _, err := store.AddMember(ctx, r2, "conn-a", core.RoleReadOnly); err != nil {
		t.Fatalf("AddMember() failed: %v", err)
	}
	if _, err := store.AddMember(ctx, r2, "conn-b", core.RoleEditor); err != nil {
		t.Fatalf("AddMember() failed: %v", err)
	}

	if err := store.RemoveMemberEverywhere(ctx, "conn-a"); err != nil {
		t.Fatalf("RemoveMemberEverywhere() failed: %v", err)
	}

	for _, id := range []string{r1, r2} {
		room, err := store.FindRoom(ctx, id)
		if err != nil {
			t.Fatalf("FindRoom(%s) failed: %v", id, err)
		}
		if _, ok := room.RoleOf("conn-a"); ok {
			t.Errorf("conn-a still a member of %s", id)
		}
	}

	room, _ := store.FindRoom(ctx, r2)
	if _, ok := room.Editors["conn-b"]; !ok {
		t.Error("RemoveMemberEverywhere() removed an unrelated connection")
	}
}

func testUpdateContent(t *testing.T, store core.Store) {
	ctx := context.Background()
	roomID := roomName(t, "r1")

	if _, err := store.AddMember(ctx, roomID, "conn-a", core.RoleEditor); err != nil {
		t.Fatalf("AddMember() failed: %v", err)
	}

	now := time.Now().Add(time.Hour).Truncate(time.Millisecond)
	room, err := store.UpdateContent(ctx, roomID, "conn-a", "hello", now)
	if err != nil {
		t.Fatalf("UpdateContent() failed: %v", err)
	}
	if room.Content != "hello" {
		t.Errorf("content = %q, want %q", room.Content, "hello")
	}
	if !room.LastModified.Equal(now) {
		t.Errorf("lastModified = %v, want %v", room.LastModified, now)
	}
	if _, ok := room.Editors["conn-a"]; !ok || len(room.Editors) != 1 {
		t.Errorf("editors after UpdateContent() = %v, want only conn-a", room.Editors)
	}

	room, err = store.UpdateContent(ctx, roomID, "conn-a", "world", now.Add(time.Second))
	if err != nil {
		t.Fatalf("UpdateContent() failed: %v", err)
	}
	found, err := store.FindRoom(ctx, roomID)
	if err != nil {
		t.Fatalf("FindRoom() failed: %v", err)
	}
	if found.Content != "world" || room.Content != "world" {
		t.Errorf("last write did not win: stored %q returned %q", found.Content, room.Content)
	}
}

func testUpdateContentLeavesMembership(t *testing.T, store core.Store) {
	ctx := context.Background()
	roomID := roomName(t, "r1")

	if _, err := store.AddMember(ctx, roomID, "conn-a", core.RoleEditor); err != nil {
		t.Fatalf("AddMember() failed: %v", err)
	}
	if _, err := store.AddMember(ctx, roomID, "conn-b", core.RoleEditor); err != nil {
		t.Fatalf("AddMember() failed: %v", err)
	}
	if err := store.RemoveMember(ctx, roomID, "conn-a"); err != nil {
		t.Fatalf("RemoveMember() failed: %v", err)
	}
	if _, err := store.AddMember(ctx, roomID, "conn-b", core.RoleReadOnly); err != nil {
		t.Fatalf("AddMember() failed: %v", err)
	}

	// Writes that were authorized before the membership changed still land.
	if _, err := store.UpdateContent(ctx, roomID, "conn-a", "from a", time.Now()); err != nil {
		t.Fatalf("UpdateContent() failed: %v", err)
	}
	room, err := store.UpdateContent(ctx, roomID, "conn-b", "from b", time.Now())
	if err != nil {
		t.Fatalf("UpdateContent() failed: %v", err)
	}
	if room.Content != "from b" {
		t.Errorf("content = %q, want %q", room.Content, "from b")
	}
	if _, ok := room.RoleOf("conn-a"); ok {
		t.Error("UpdateContent() re-added a connection that had left")
	}
	if role, ok := room.RoleOf("conn-b"); !ok || role != core.RoleReadOnly {
		t.Errorf("RoleOf(conn-b) = %q, %v; want read-only", role, ok)
	}
	if len(room.Editors) != 0 {
		t.Errorf("editors = %v, want none", room.Editors)
	}
}

func testUpdateContentUnknownRoom(t *testing.T, store core.Store) {
	_, err := store.UpdateContent(context.Background(), roomName(t, "missing"), "conn-a", "x", time.Now())
	if !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("UpdateContent() on unknown room: got %v, want ErrNotFound", err)
	}
}

func testConcurrentUpdates(t *testing.T, store core.Store) {
	ctx := context.Background()
	roomID := roomName(t, "r1")

	if _, err := store.AddMember(ctx, roomID, "conn-a", core.RoleEditor); err != nil {
		t.Fatalf("AddMember() failed: %v", err)
	}

	const writers = 20
	var wg sync.WaitGroup
	written := make(map[string]bool, writers)
	for i := 0; i < writers; i++ {
		written[fmt.Sprintf("content-%d", i)] = true
	}

	base := time.Now()
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			content := fmt.Sprintf("content-%d", i)
			room, err := store.UpdateContent(ctx, roomID, "conn-a", content, base.Add(time.Duration(i)*time.Millisecond))
			if err != nil {
				t.Errorf("UpdateContent(%d) failed: %v", i, err)
				return
			}
			if room.Content != content {
				t.Errorf("UpdateContent(%d) returned %q, want its own write", i, room.Content)
			}
		}(i)
	}
	wg.Wait()

	found, err := store.FindRoom(ctx, roomID)
	if err != nil {
		t.Fatalf("FindRoom() failed: %v", err)
	}
	if !written[found.Content] {
		t.Errorf("final content %q is not one of the writes", found.Content)
	}
}

func testListRooms(t *testing.T, store core.Store) {
	ctx := context.Background()
	r1, r2 := roomName(t, "r1"), roomName(t, "r2")

	if _, err := store.AddMember(ctx, r1, "conn-a", core.RoleEditor); err != nil {
		t.Fatalf("AddMember() failed: %v", err)
	}
	if _, err := store.AddMember(ctx, r2, "conn-b", core.RoleReadOnly); err != nil {
		t.Fatalf("AddMember() failed: %v", err)
	}
	if _, err := store.AddMember(ctx, r2, "conn-c", core.RoleEditor); err != nil {
		t.Fatalf("AddMember() failed: %v", err)
	}

	rooms, err := store.ListRooms(ctx)
	if err != nil {
		t.Fatalf("ListRooms() failed: %v", err)
	}

	byID := make(map[string]core.RoomSummary)
	for _, r := range rooms {
		byID[r.ID] = r
	}
	if got := byID[r1]; got.Editors != 1 || got.ReadOnly != 0 {
		t.Errorf("summary for %s = %+v", r1, got)
	}
	if got := byID[r2]; got.Editors != 1 || got.ReadOnly != 1 {
		t.Errorf("summary for %s = %+v", r2, got)
	}
}

func testDeleteIdleRooms(t *testing.T, store core.Store) {
	ctx := context.Background()
	idle, busy := roomName(t, "idle"), roomName(t, "busy")

	if _, err := store.AddMember(ctx, idle, "conn-a", core.RoleEditor); err != nil {
		t.Fatalf("AddMember() failed: %v", err)
	}
	if err := store.RemoveMember(ctx, idle, "conn-a"); err != nil {
		t.Fatalf("RemoveMember() failed: %v", err)
	}
	if _, err := store.AddMember(ctx, busy, "conn-b", core.RoleEditor); err != nil {
		t.Fatalf("AddMember() failed: %v", err)
	}

	deleted, err := store.DeleteIdleRooms(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("DeleteIdleRooms() failed: %v", err)
	}
	if deleted < 1 {
		t.Errorf("DeleteIdleRooms() deleted %d rooms, want at least 1", deleted)
	}

	if _, err := store.FindRoom(ctx, idle); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("idle room still present: %v", err)
	}
	if _, err := store.FindRoom(ctx, busy); err != nil {
		t.Errorf("occupied room was reaped: %v", err)
	}
}

func newToken(t *testing.T, suffix, roomID, issuer string, readOnly bool, expires time.Time) *core.ShareToken {
	return &core.ShareToken{
		Token:      roomName(t, suffix),
		RoomID:     roomID,
		IsReadOnly: readOnly,
		IssuedBy:   issuer,
		IssuedAt:   time.Now().Truncate(time.Millisecond),
		ExpiresAt:  expires.Truncate(time.Millisecond),
		IsActive:   true,
	}
}

func testTokenRoundTrip(t *testing.T, store core.Store) {
	ctx := context.Background()
	tok := newToken(t, "tok", roomName(t, "r1"), "conn-a", true, time.Now().Add(time.Hour))

	if err := store.CreateToken(ctx, tok); err != nil {
		t.Fatalf("CreateToken() failed: %v", err)
	}
	got, err := store.FindToken(ctx, tok.Token)
	if err != nil {
		t.Fatalf("FindToken() failed: %v", err)
	}
	if got.RoomID != tok.RoomID || got.IssuedBy != tok.IssuedBy || !got.IsReadOnly || !got.IsActive {
		t.Errorf("FindToken() = %+v, want %+v", got, tok)
	}
	if !got.ExpiresAt.Equal(tok.ExpiresAt) {
		t.Errorf("expiresAt = %v, want %v", got.ExpiresAt, tok.ExpiresAt)
	}
}

func testTokenNotFound(t *testing.T, store core.Store) {
	_, err := store.FindToken(context.Background(), roomName(t, "nope"))
	if !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("FindToken() = %v, want ErrNotFound", err)
	}
}

func testDeactivateToken(t *testing.T, store core.Store) {
	ctx := context.Background()
	tok := newToken(t, "tok", roomName(t, "r1"), "conn-a", false, time.Now().Add(time.Hour))
	if err := store.CreateToken(ctx, tok); err != nil {
		t.Fatalf("CreateToken() failed: %v", err)
	}

	if ok, err := store.DeactivateToken(ctx, tok.Token, "conn-b"); err != nil || ok {
		t.Fatalf("DeactivateToken() by non-owner = %v, %v; want false, nil", ok, err)
	}
	if ok, err := store.DeactivateToken(ctx, tok.Token, "conn-a"); err != nil || !ok {
		t.Fatalf("DeactivateToken() by owner = %v, %v; want true, nil", ok, err)
	}
	if ok, err := store.DeactivateToken(ctx, tok.Token, "conn-a"); err != nil || ok {
		t.Fatalf("second DeactivateToken() = %v, %v; want false, nil", ok, err)
	}

	got, err := store.FindToken(ctx, tok.Token)
	if err != nil {
		t.Fatalf("FindToken() failed: %v", err)
	}
	if got.IsActive {
		t.Error("token still active after deactivation")
	}
}

func testListTokens(t *testing.T, store core.Store) {
	ctx := context.Background()
	roomID := roomName(t, "r1")
	now := time.Now()

	mine := newToken(t, "mine", roomID, "conn-a", true, now.Add(time.Hour))
	expired := newToken(t, "expired", roomID, "conn-a", true, now.Add(-time.Minute))
	revoked := newToken(t, "revoked", roomID, "conn-a", false, now.Add(time.Hour))
	foreign := newToken(t, "foreign", roomID, "conn-b", true, now.Add(time.Hour))
	otherRoom := newToken(t, "other", roomName(t, "r2"), "conn-a", true, now.Add(time.Hour))

	for _, tok := range []*core.ShareToken{mine, expired, revoked, foreign, otherRoom} {
		if err := store.CreateToken(ctx, tok); err != nil {
			t.Fatalf("CreateToken(%s) failed: %v", tok.Token, err)
		}
	}
	if _, err := store.DeactivateToken(ctx, revoked.Token, "conn-a"); err != nil {
		t.Fatalf("DeactivateToken() failed: %v", err)
	}

	tokens, err := store.ListTokens(ctx, roomID, "conn-a", now)
	if err != nil {
		t.Fatalf("ListTokens() failed: %v", err)
	}
	if len(tokens) != 1 || tokens[0].Token != mine.Token {
		t.Fatalf("ListTokens() = %+v, want only %s", tokens, mine.Token)
	}

	tokens, err = store.ListTokens(ctx, roomID, "conn-c", now)
	if err != nil {
		t.Fatalf("ListTokens() failed: %v", err)
	}
	if len(tokens) != 0 {
		t.Errorf("ListTokens() for a stranger = %+v, want empty", tokens)
	}
}
