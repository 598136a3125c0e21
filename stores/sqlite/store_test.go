package sqlite

import (
	"context"
	"cowrite-server/core"
	"cowrite-server/stores/storetest"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestMain(m *testing.M) {
	if !CGOEnabled {
		fmt.Println("skipping sqlite store tests: CGO disabled")
		os.Exit(0)
	}

	os.Exit(m.Run())
}

func setupTestDB(t *testing.T) *store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewStore(dbPath)
	if err != nil {
		t.Fatalf("NewStore() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s.(*store)
}

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) core.Store {
		return setupTestDB(t)
	})
}

func TestNewStore_TablesCreated(t *testing.T) {
	s := setupTestDB(t)

	for _, table := range []string{"rooms", "room_members", "share_tokens"} {
		var name string
		err := s.db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			t.Fatalf("%s table not created: %v", table, err)
		}
	}
}

func TestNewStore_Reopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	ctx := context.Background()

	s, err := NewStore(dbPath)
	if err != nil {
		t.Fatalf("NewStore() failed: %v", err)
	}
	if _, err := s.AddMember(ctx, "r1", "conn-a", core.RoleEditor); err != nil {
		t.Fatalf("AddMember() failed: %v", err)
	}
	if _, err := s.UpdateContent(ctx, "r1", "conn-a", "persisted", time.Now()); err != nil {
		t.Fatalf("UpdateContent() failed: %v", err)
	}
	s.Close()

	s, err = NewStore(dbPath)
	if err != nil {
		t.Fatalf("NewStore() reopen failed: %v", err)
	}
	defer s.Close()

	room, err := s.FindRoom(ctx, "r1")
	if err != nil {
		t.Fatalf("FindRoom() failed: %v", err)
	}
	if room.Content != "persisted" {
		t.Errorf("content after reopen = %q, want %q", room.Content, "persisted")
	}
}

func TestUpdateContent_ClosedDB(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()
	if _, err := s.AddMember(ctx, "r1", "conn-a", core.RoleEditor); err != nil {
		t.Fatalf("AddMember() failed: %v", err)
	}
	s.db.Close()

	if _, err := s.UpdateContent(ctx, "r1", "conn-a", "x", time.Now()); err == nil {
		t.Error("UpdateContent() on closed database should fail")
	}
}
