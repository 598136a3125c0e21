// Package access decides who may join, read and mutate a room. It combines
// the persistent membership kept by a core.RoomStore with the process-local
// session registry.
package access

import (
	"context"
	"cowrite-server/core"
	"cowrite-server/sessions"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

type Controller struct {
	rooms    core.RoomStore
	sessions *sessions.Registry
	now      func() time.Time
}

type Option func(*Controller)

// WithClock replaces time.Now for content timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		c.now = now
	}
}

func NewController(rooms core.RoomStore, registry *sessions.Registry, opts ...Option) *Controller {
	c := &Controller{
		rooms:    rooms,
		sessions: registry,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Sessions exposes the registry the controller records into.
func (c *Controller) Sessions() *sessions.Registry {
	return c.sessions
}

func storageUnavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", core.ErrStorageUnavailable, op, err)
}

// JoinRoom adds connID to roomID with role, creating the room on first use.
// Joining again with the same role changes nothing; joining with the other
// role moves the connection between sets.
func (c *Controller) JoinRoom(ctx context.Context, connID, roomID string, role core.Role) (core.RoomSnapshot, error) {
	return c.JoinRoomWithToken(ctx, connID, roomID, role, "")
}

// JoinRoomWithToken is JoinRoom for connections entering through a share link;
// token is remembered on the session.
func (c *Controller) JoinRoomWithToken(ctx context.Context, connID, roomID string, role core.Role, token string) (core.RoomSnapshot, error) {
	log := logrus.WithFields(logrus.Fields{
		"room_id":       roomID,
		"connection_id": connID,
		"role":          role,
	})

	if roomID == "" {
		return core.RoomSnapshot{}, core.ErrInvalidRoomID
	}
	if !role.Valid() {
		return core.RoomSnapshot{}, fmt.Errorf("unknown role %q", role)
	}

	room, err := c.rooms.AddMember(ctx, roomID, connID, role)
	if err != nil {
		log.WithError(err).Error("Failed to join room")
		return core.RoomSnapshot{}, storageUnavailable("join room", err)
	}
	c.sessions.Join(connID, roomID, role, token)

	log.Info("Client joined room")
	return room.Snapshot(role), nil
}

// ApplySync replaces the room content when connID is an editor of roomID.
// The store serializes writers per room, so the returned snapshot is exactly
// what this write committed.
func (c *Controller) ApplySync(ctx context.Context, connID, roomID, content string) (core.RoomSnapshot, error) {
	log := logrus.WithFields(logrus.Fields{
		"room_id":       roomID,
		"connection_id": connID,
	})

	role, ok := c.sessions.Role(connID, roomID)
	if !ok {
		log.Warn("Sync rejected: not a member of the room")
		return core.RoomSnapshot{}, fmt.Errorf("%w: not a member of room %s", core.ErrPermissionDenied, roomID)
	}
	if role != core.RoleEditor {
		log.Warn("Sync rejected: read-only member")
		return core.RoomSnapshot{}, fmt.Errorf("%w: read-only access to room %s", core.ErrPermissionDenied, roomID)
	}

	room, err := c.rooms.UpdateContent(ctx, roomID, connID, content, c.now())
	if errors.Is(err, core.ErrNotFound) {
		log.Warn("Sync rejected: room no longer exists")
		return core.RoomSnapshot{}, fmt.Errorf("%w: room %s does not exist", core.ErrPermissionDenied, roomID)
	}
	if err != nil {
		log.WithError(err).Error("Failed to sync content")
		return core.RoomSnapshot{}, storageUnavailable("sync content", err)
	}

	log.WithField("content_length", len(content)).Debug("Room content synced")
	return room.Snapshot(core.RoleEditor), nil
}

// LeaveRoom removes connID from roomID. Leaving a room twice is fine.
func (c *Controller) LeaveRoom(ctx context.Context, connID, roomID string) error {
	log := logrus.WithFields(logrus.Fields{
		"room_id":       roomID,
		"connection_id": connID,
	})

	if err := c.rooms.RemoveMember(ctx, roomID, connID); err != nil {
		log.WithError(err).Error("Failed to leave room")
		return storageUnavailable("leave room", err)
	}
	c.sessions.Leave(connID, roomID)

	log.Info("Client left room")
	return nil
}

// Disconnect drops connID from every room and forgets its session. The
// session is discarded even when the store fails, since the connection is gone.
func (c *Controller) Disconnect(ctx context.Context, connID string) error {
	log := logrus.WithField("connection_id", connID)

	session, _ := c.sessions.Remove(connID)
	if err := c.rooms.RemoveMemberEverywhere(ctx, connID); err != nil {
		log.WithError(err).Error("Failed to clean up rooms after disconnect")
		return storageUnavailable("disconnect", err)
	}

	log.WithField("rooms", len(session.Rooms)).Info("Client disconnected")
	return nil
}

// IsEditor reports whether connID currently holds edit rights in roomID.
func (c *Controller) IsEditor(connID, roomID string) bool {
	role, ok := c.sessions.Role(connID, roomID)
	return ok && role == core.RoleEditor
}
