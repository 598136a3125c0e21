package memory

import (
	"context"
	"cowrite-server/core"
	"cowrite-server/stores/storetest"
	"testing"
	"time"
)

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) core.Store {
		return NewStore()
	})
}

func TestStoreIsolation(t *testing.T) {
	store1 := NewStore()
	store2 := NewStore()
	ctx := context.Background()

	if _, err := store1.AddMember(ctx, "r1", "conn-a", core.RoleEditor); err != nil {
		t.Fatalf("AddMember() failed: %v", err)
	}

	if _, err := store2.FindRoom(ctx, "r1"); err == nil {
		t.Error("room created in store1 is visible in store2")
	}
}

func TestAddMember_EmptyRoomID(t *testing.T) {
	store := NewStore()
	if _, err := store.AddMember(context.Background(), "", "conn-a", core.RoleEditor); err == nil {
		t.Error("AddMember() with empty room id should fail")
	}
}

func TestFindRoom_ReturnsCopy(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	room, err := store.AddMember(ctx, "r1", "conn-a", core.RoleEditor)
	if err != nil {
		t.Fatalf("AddMember() failed: %v", err)
	}
	room.Editors["intruder"] = struct{}{}
	room.Content = "tampered"

	found, err := store.FindRoom(ctx, "r1")
	if err != nil {
		t.Fatalf("FindRoom() failed: %v", err)
	}
	if _, ok := found.Editors["intruder"]; ok || found.Content != "" {
		t.Error("mutating a returned room changed stored state")
	}
}

func TestCreateToken_Duplicate(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	tok := &core.ShareToken{Token: "abc", RoomID: "r1", IssuedBy: "conn-a", IsActive: true, ExpiresAt: time.Now().Add(time.Hour)}

	if err := store.CreateToken(ctx, tok); err != nil {
		t.Fatalf("CreateToken() failed: %v", err)
	}
	if err := store.CreateToken(ctx, tok); err == nil {
		t.Error("CreateToken() accepted a duplicate token value")
	}
}
