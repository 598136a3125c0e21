// Package sessions tracks which room and role each live connection holds in
// this process. Nothing here is persisted; a restart starts empty.
package sessions

import (
	"cowrite-server/core"
	"sync"
)

// Session is the process-local record of one live connection.
type Session struct {
	ConnectionID string
	// CurrentRoom is the room most recently joined.
	CurrentRoom string
	// Rooms maps every room joined by this connection to its role there.
	Rooms map[string]core.Role
	// Tokens holds the share token used to enter a room, when there was one.
	Tokens map[string]string
}

func (s *Session) clone() Session {
	c := Session{
		ConnectionID: s.ConnectionID,
		CurrentRoom:  s.CurrentRoom,
		Rooms:        make(map[string]core.Role, len(s.Rooms)),
		Tokens:       make(map[string]string, len(s.Tokens)),
	}
	for k, v := range s.Rooms {
		c.Rooms[k] = v
	}
	for k, v := range s.Tokens {
		c.Tokens[k] = v
	}
	return c
}

type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Join records that connID holds role in roomID. token is empty unless the
// room was entered through a share link.
func (r *Registry) Join(connID, roomID string, role core.Role, token string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[connID]
	if !ok {
		s = &Session{
			ConnectionID: connID,
			Rooms:        make(map[string]core.Role),
			Tokens:       make(map[string]string),
		}
		r.sessions[connID] = s
	}

	s.CurrentRoom = roomID
	s.Rooms[roomID] = role
	if token != "" {
		s.Tokens[roomID] = token
	} else {
		delete(s.Tokens, roomID)
	}
}

// Leave forgets roomID for connID. The session itself goes away with its last room.
func (r *Registry) Leave(connID, roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[connID]
	if !ok {
		return
	}
	delete(s.Rooms, roomID)
	delete(s.Tokens, roomID)
	if s.CurrentRoom == roomID {
		s.CurrentRoom = ""
	}
	if len(s.Rooms) == 0 {
		delete(r.sessions, connID)
	}
}

// Role reports the role connID holds in roomID.
func (r *Registry) Role(connID, roomID string) (core.Role, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[connID]
	if !ok {
		return "", false
	}
	role, ok := s.Rooms[roomID]
	return role, ok
}

// Get returns a copy of the session for connID.
func (r *Registry) Get(connID string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[connID]
	if !ok {
		return Session{}, false
	}
	return s.clone(), true
}

// Remove discards the session for connID and returns what it held.
func (r *Registry) Remove(connID string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[connID]
	if !ok {
		return Session{}, false
	}
	delete(r.sessions, connID)
	return s.clone(), true
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
