package core

import (
	"context"
	"time"
)

type (
	// Role is the capability a connection holds inside a room.
	Role string

	// Room is a collaborative document together with its current membership.
	// Editors and ReadOnlyMembers are sets keyed by connection id.
	Room struct {
		ID              string
		Content         string
		LastModified    time.Time
		Editors         map[string]struct{}
		ReadOnlyMembers map[string]struct{}
	}

	// RoomSnapshot is what a connection receives after joining or syncing.
	RoomSnapshot struct {
		RoomID       string
		Content      string
		LastModified time.Time
		Role         Role
	}

	// RoomSummary is the listing view of a room.
	RoomSummary struct {
		ID           string
		Editors      int
		ReadOnly     int
		LastModified time.Time
	}

	// ShareToken is a capability credential granting join rights to a room.
	ShareToken struct {
		Token      string    `json:"token"`
		RoomID     string    `json:"roomId"`
		IsReadOnly bool      `json:"isReadOnly"`
		IssuedBy   string    `json:"issuedBy"`
		IssuedAt   time.Time `json:"issuedAt"`
		ExpiresAt  time.Time `json:"expiresAt"`
		IsActive   bool      `json:"isActive"`
	}

	// RoomStore persists rooms. Every method is atomic with respect to a single room.
	RoomStore interface {
		// AddMember creates the room if needed, puts connID in the set matching role
		// and removes it from the other set.
		AddMember(ctx context.Context, roomID, connID string, role Role) (*Room, error)

		// RemoveMember removes connID from both sets of roomID. Missing rooms and
		// missing members are not an error.
		RemoveMember(ctx context.Context, roomID, connID string) error

		// RemoveMemberEverywhere removes connID from every room it belongs to.
		RemoveMemberEverywhere(ctx context.Context, connID string) error

		// UpdateContent replaces content and stamps LastModified with now.
		// Membership is left as it is; connID only names the writer.
		// Returns ErrNotFound for unknown rooms.
		UpdateContent(ctx context.Context, roomID, connID, content string, now time.Time) (*Room, error)

		FindRoom(ctx context.Context, roomID string) (*Room, error)
		ListRooms(ctx context.Context) ([]RoomSummary, error)

		// DeleteIdleRooms removes rooms without members last modified before cutoff.
		DeleteIdleRooms(ctx context.Context, cutoff time.Time) (int, error)
	}

	// TokenStore persists share tokens.
	TokenStore interface {
		CreateToken(ctx context.Context, token *ShareToken) error
		FindToken(ctx context.Context, token string) (*ShareToken, error)

		// DeactivateToken flips IsActive to false only when the token exists, is
		// active and was issued by issuedBy. It reports whether a row changed.
		DeactivateToken(ctx context.Context, token, issuedBy string) (bool, error)

		// ListTokens returns active tokens for roomID issued by issuedBy that
		// expire after now.
		ListTokens(ctx context.Context, roomID, issuedBy string, now time.Time) ([]ShareToken, error)
	}

	// Store is the union every storage backend implements.
	Store interface {
		RoomStore
		TokenStore
		Close() error
	}
)

const (
	RoleEditor   Role = "editor"
	RoleReadOnly Role = "read-only"
)

// RoleFor maps the wire-level readOnly flag to a role.
func RoleFor(readOnly bool) Role {
	if readOnly {
		return RoleReadOnly
	}
	return RoleEditor
}

func (r Role) ReadOnly() bool {
	return r == RoleReadOnly
}

func (r Role) Valid() bool {
	return r == RoleEditor || r == RoleReadOnly
}

// Other returns the opposite role.
func (r Role) Other() Role {
	if r == RoleEditor {
		return RoleReadOnly
	}
	return RoleEditor
}

// NewRoom returns an empty room with initialized member sets.
func NewRoom(id string, now time.Time) *Room {
	return &Room{
		ID:              id,
		LastModified:    now,
		Editors:         make(map[string]struct{}),
		ReadOnlyMembers: make(map[string]struct{}),
	}
}

// Members returns the set backing role.
func (r *Room) Members(role Role) map[string]struct{} {
	if role == RoleReadOnly {
		return r.ReadOnlyMembers
	}
	return r.Editors
}

// RoleOf reports which set connID is in, if any.
func (r *Room) RoleOf(connID string) (Role, bool) {
	if _, ok := r.Editors[connID]; ok {
		return RoleEditor, true
	}
	if _, ok := r.ReadOnlyMembers[connID]; ok {
		return RoleReadOnly, true
	}
	return "", false
}

// Snapshot captures the room content for delivery to a connection holding role.
func (r *Room) Snapshot(role Role) RoomSnapshot {
	return RoomSnapshot{
		RoomID:       r.ID,
		Content:      r.Content,
		LastModified: r.LastModified,
		Role:         role,
	}
}

// Clone returns a deep copy so callers never share sets with a store.
func (r *Room) Clone() *Room {
	c := *r
	c.Editors = make(map[string]struct{}, len(r.Editors))
	for id := range r.Editors {
		c.Editors[id] = struct{}{}
	}
	c.ReadOnlyMembers = make(map[string]struct{}, len(r.ReadOnlyMembers))
	for id := range r.ReadOnlyMembers {
		c.ReadOnlyMembers[id] = struct{}{}
	}
	return &c
}

// Usable reports whether the token may be redeemed at now.
func (t *ShareToken) Usable(now time.Time) bool {
	return t.IsActive && now.Before(t.ExpiresAt)
}
