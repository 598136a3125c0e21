package rooms

import (
	"context"
	"cowrite-server/core"
	"cowrite-server/stores/memory"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
)

type failingLister struct{}

func (failingLister) ListRooms(context.Context) ([]core.RoomSummary, error) {
	return nil, errors.New("connection refused")
}

func (failingLister) FindRoom(context.Context, string) (*core.Room, error) {
	return nil, errors.New("connection refused")
}

func newRouter(store RoomLister) *chi.Mux {
	r := chi.NewRouter()
	r.Get("/health", HandleHealth())
	r.Get("/api/rooms", HandleList(store))
	r.Get("/api/rooms/{roomId}", HandleGet(store))
	return r
}

func seed(t *testing.T) core.Store {
	t.Helper()
	ctx := context.Background()
	store := memory.NewStore()

	if _, err := store.AddMember(ctx, "r1", "x", core.RoleEditor); err != nil {
		t.Fatalf("AddMember() failed: %v", err)
	}
	if _, err := store.AddMember(ctx, "r1", "y", core.RoleReadOnly); err != nil {
		t.Fatalf("AddMember() failed: %v", err)
	}
	if _, err := store.AddMember(ctx, "r2", "z", core.RoleEditor); err != nil {
		t.Fatalf("AddMember() failed: %v", err)
	}
	if _, err := store.UpdateContent(ctx, "r2", "z", "newer", time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("UpdateContent() failed: %v", err)
	}
	return store
}

func TestHandleHealth(t *testing.T) {
	rec := httptest.NewRecorder()
	newRouter(memory.NewStore()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}
	var resp HealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.Status != "ok" {
		t.Errorf("Expected status ok, got %q", resp.Status)
	}
}

func TestHandleList(t *testing.T) {
	rec := httptest.NewRecorder()
	newRouter(seed(t)).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/rooms", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}
	var rooms []RoomResponse
	if err := json.NewDecoder(rec.Body).Decode(&rooms); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(rooms) != 2 {
		t.Fatalf("Expected 2 rooms, got %d", len(rooms))
	}
	if rooms[0].ID != "r2" {
		t.Errorf("Expected most recently modified room first, got %s", rooms[0].ID)
	}
	if rooms[1].Editors != 1 || rooms[1].ReadOnly != 1 || rooms[1].Users != 2 {
		t.Errorf("Unexpected counts for r1: %+v", rooms[1])
	}
}

func TestHandleList_Empty(t *testing.T) {
	rec := httptest.NewRecorder()
	newRouter(memory.NewStore()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/rooms", nil))

	if body := rec.Body.String(); body != "[]\n" {
		t.Errorf("Expected empty JSON array, got %q", body)
	}
}

func TestHandleList_StoreError(t *testing.T) {
	rec := httptest.NewRecorder()
	newRouter(failingLister{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/rooms", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503, got %d", rec.Code)
	}
}

func TestHandleGet(t *testing.T) {
	router := newRouter(seed(t))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/rooms/r1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}
	var room RoomResponse
	if err := json.NewDecoder(rec.Body).Decode(&room); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if room.ID != "r1" || room.Users != 2 {
		t.Errorf("Unexpected room %+v", room)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/rooms/missing", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", rec.Code)
	}
}

func TestHandleGet_StoreError(t *testing.T) {
	rec := httptest.NewRecorder()
	newRouter(failingLister{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/rooms/r1", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503, got %d", rec.Code)
	}
}
