package memory

import (
	"context"
	"cowrite-server/core"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

type roomEntry struct {
	mu   sync.Mutex
	room *core.Room
	// deleted is set once the entry is dropped from the map.
	deleted bool
}

type store struct {
	mu    sync.RWMutex
	rooms map[string]*roomEntry

	tokensMu sync.RWMutex
	tokens   map[string]core.ShareToken
}

// NewStore returns a process-local store. Each room carries its own mutex so
// updates to one room never wait on another.
func NewStore() core.Store {
	return &store{
		rooms:  make(map[string]*roomEntry),
		tokens: make(map[string]core.ShareToken),
	}
}

func (s *store) entry(roomID string, create bool) *roomEntry {
	s.mu.RLock()
	e, ok := s.rooms[roomID]
	s.mu.RUnlock()
	if ok || !create {
		return e
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok = s.rooms[roomID]; ok {
		return e
	}
	e = &roomEntry{room: core.NewRoom(roomID, time.Now())}
	s.rooms[roomID] = e
	logrus.WithField("room_id", roomID).Info("Room created successfully")
	return e
}

func (s *store) AddMember(ctx context.Context, roomID, connID string, role core.Role) (*core.Room, error) {
	if roomID == "" {
		return nil, fmt.Errorf("room id is required")
	}

	e := s.entry(roomID, true)
	e.mu.Lock()
	for e.deleted {
		e.mu.Unlock()
		e = s.entry(roomID, true)
		e.mu.Lock()
	}
	defer e.mu.Unlock()

	delete(e.room.Members(role.Other()), connID)
	e.room.Members(role)[connID] = struct{}{}
	return e.room.Clone(), nil
}

func (s *store) RemoveMember(ctx context.Context, roomID, connID string) error {
	e := s.entry(roomID, false)
	if e == nil {
		return nil
	}

	e.mu.Lock()
	delete(e.room.Editors, connID)
	delete(e.room.ReadOnlyMembers, connID)
	e.mu.Unlock()
	return nil
}

func (s *store) RemoveMemberEverywhere(ctx context.Context, connID string) error {
	s.mu.RLock()
	entries := make([]*roomEntry, 0, len(s.rooms))
	for _, e := range s.rooms {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	for _, e := range entries {
		e.mu.Lock()
		delete(e.room.Editors, connID)
		delete(e.room.ReadOnlyMembers, connID)
		e.mu.Unlock()
	}
	return nil
}

func (s *store) UpdateContent(ctx context.Context, roomID, connID, content string, now time.Time) (*core.Room, error) {
	e := s.entry(roomID, false)
	if e == nil {
		return nil, fmt.Errorf("room %s: %w", roomID, core.ErrNotFound)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return nil, fmt.Errorf("room %s: %w", roomID, core.ErrNotFound)
	}

	e.room.Content = content
	e.room.LastModified = now
	return e.room.Clone(), nil
}

func (s *store) FindRoom(ctx context.Context, roomID string) (*core.Room, error) {
	e := s.entry(roomID, false)
	if e == nil {
		return nil, fmt.Errorf("room %s: %w", roomID, core.ErrNotFound)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.room.Clone(), nil
}

func (s *store) ListRooms(ctx context.Context) ([]core.RoomSummary, error) {
	s.mu.RLock()
	entries := make([]*roomEntry, 0, len(s.rooms))
	for _, e := range s.rooms {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	rooms := make([]core.RoomSummary, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		rooms = append(rooms, core.RoomSummary{
			ID:           e.room.ID,
			Editors:      len(e.room.Editors),
			ReadOnly:     len(e.room.ReadOnlyMembers),
			LastModified: e.room.LastModified,
		})
		e.mu.Unlock()
	}

	sort.Slice(rooms, func(i, j int) bool {
		if rooms[i].LastModified.Equal(rooms[j].LastModified) {
			return rooms[i].ID < rooms[j].ID
		}
		return rooms[i].LastModified.After(rooms[j].LastModified)
	})

	return rooms, nil
}

func (s *store) DeleteIdleRooms(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for id, e := range s.rooms {
		e.mu.Lock()
		idle := len(e.room.Editors) == 0 && len(e.room.ReadOnlyMembers) == 0 && e.room.LastModified.Before(cutoff)
		if idle {
			e.deleted = true
		}
		e.mu.Unlock()
		if idle {
			delete(s.rooms, id)
			deleted++
		}
	}
	return deleted, nil
}

func (s *store) Close() error {
	return nil
}
