// Package share issues and redeems share links: opaque tokens that grant a
// connection edit or read-only access to a room.
package share

import (
	"context"
	"cowrite-server/access"
	"cowrite-server/core"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// DefaultTTL is how long a share link stays redeemable.
	DefaultTTL = 30 * 24 * time.Hour

	tokenBytes = 32
)

// Redemption is the outcome of a successful share link join.
type Redemption struct {
	RoomID   string
	Role     core.Role
	Snapshot core.RoomSnapshot
}

type Manager struct {
	tokens  core.TokenStore
	access  *access.Controller
	ttl     time.Duration
	now     func() time.Time
	entropy io.Reader
}

type Option func(*Manager)

func WithTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// WithEntropy replaces crypto/rand as the token source.
func WithEntropy(r io.Reader) Option {
	return func(m *Manager) {
		m.entropy = r
	}
}

func NewManager(tokens core.TokenStore, controller *access.Controller, opts ...Option) *Manager {
	m := &Manager{
		tokens:  tokens,
		access:  controller,
		ttl:     DefaultTTL,
		now:     time.Now,
		entropy: rand.Reader,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) generate() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := io.ReadFull(m.entropy, buf); err != nil {
		return "", fmt.Errorf("failed to generate share token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// CreateToken issues a new share link for roomID. Only editors of the room may
// issue links.
func (m *Manager) CreateToken(ctx context.Context, connID, roomID string, isReadOnly bool) (*core.ShareToken, error) {
	log := logrus.WithFields(logrus.Fields{
		"room_id":       roomID,
		"connection_id": connID,
		"read_only":     isReadOnly,
	})

	if !m.access.IsEditor(connID, roomID) {
		log.Warn("Share link creation rejected: not an editor")
		return nil, fmt.Errorf("%w: only editors can create share links", core.ErrPermissionDenied)
	}

	value, err := m.generate()
	if err != nil {
		log.WithError(err).Error("Failed to create share link")
		return nil, err
	}

	now := m.now()
	token := &core.ShareToken{
		Token:      value,
		RoomID:     roomID,
		IsReadOnly: isReadOnly,
		IssuedBy:   connID,
		IssuedAt:   now,
		ExpiresAt:  now.Add(m.ttl),
		IsActive:   true,
	}
	if err := m.tokens.CreateToken(ctx, token); err != nil {
		log.WithError(err).Error("Failed to save share link")
		return nil, fmt.Errorf("%w: create share link: %v", core.ErrStorageUnavailable, err)
	}

	log.WithField("expires_at", token.ExpiresAt).Info("Share link created successfully")
	return token, nil
}

// RedeemToken joins connID to the room behind token with the role it grants.
// The token itself is left untouched, so a link can be used many times.
func (m *Manager) RedeemToken(ctx context.Context, connID, token string) (Redemption, error) {
	log := logrus.WithField("connection_id", connID)

	if token == "" {
		return Redemption{}, core.ErrInvalidOrExpiredToken
	}

	t, err := m.tokens.FindToken(ctx, token)
	if errors.Is(err, core.ErrNotFound) {
		log.Warn("Share link rejected: unknown token")
		return Redemption{}, core.ErrInvalidOrExpiredToken
	}
	if err != nil {
		log.WithError(err).Error("Failed to look up share link")
		return Redemption{}, fmt.Errorf("%w: redeem share link: %v", core.ErrStorageUnavailable, err)
	}
	if !t.Usable(m.now()) {
		log.WithField("room_id", t.RoomID).Warn("Share link rejected: revoked or expired")
		return Redemption{}, core.ErrInvalidOrExpiredToken
	}

	role := core.RoleFor(t.IsReadOnly)
	snapshot, err := m.access.JoinRoomWithToken(ctx, connID, t.RoomID, role, t.Token)
	if err != nil {
		return Redemption{}, err
	}

	log.WithFields(logrus.Fields{"room_id": t.RoomID, "role": role}).Info("Share link redeemed successfully")
	return Redemption{RoomID: t.RoomID, Role: role, Snapshot: snapshot}, nil
}

// RevokeToken deactivates token. Unknown tokens, tokens issued by someone else
// and tokens already revoked all fail with the same error.
func (m *Manager) RevokeToken(ctx context.Context, connID, token string) error {
	log := logrus.WithField("connection_id", connID)

	if token == "" {
		return core.ErrNotFoundOrNotOwner
	}

	ok, err := m.tokens.DeactivateToken(ctx, token, connID)
	if err != nil {
		log.WithError(err).Error("Failed to revoke share link")
		return fmt.Errorf("%w: revoke share link: %v", core.ErrStorageUnavailable, err)
	}
	if !ok {
		log.Warn("Share link revoke rejected")
		return core.ErrNotFoundOrNotOwner
	}

	log.Info("Share link revoked successfully")
	return nil
}

// ListTokens returns the live links connID issued for roomID.
func (m *Manager) ListTokens(ctx context.Context, connID, roomID string) ([]core.ShareToken, error) {
	log := logrus.WithFields(logrus.Fields{
		"room_id":       roomID,
		"connection_id": connID,
	})

	if !m.access.IsEditor(connID, roomID) {
		log.Warn("Share link listing rejected: not an editor")
		return nil, fmt.Errorf("%w: only editors can list share links", core.ErrPermissionDenied)
	}

	tokens, err := m.tokens.ListTokens(ctx, roomID, connID, m.now())
	if err != nil {
		log.WithError(err).Error("Failed to list share links")
		return nil, fmt.Errorf("%w: list share links: %v", core.ErrStorageUnavailable, err)
	}
	return tokens, nil
}
