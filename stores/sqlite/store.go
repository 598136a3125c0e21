package sqlite

import (
	"context"
	"cowrite-server/core"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

type store struct {
	db *sql.DB
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS rooms (
		room_id TEXT PRIMARY KEY,
		content TEXT NOT NULL DEFAULT '',
		last_modified INTEGER NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS room_members (
		room_id TEXT NOT NULL,
		connection_id TEXT NOT NULL,
		role TEXT NOT NULL,
		PRIMARY KEY (room_id, connection_id)
	);`,
	`CREATE INDEX IF NOT EXISTS room_members_connection ON room_members (connection_id);`,
	`CREATE TABLE IF NOT EXISTS share_tokens (
		token TEXT PRIMARY KEY,
		room_id TEXT NOT NULL,
		is_read_only INTEGER NOT NULL,
		issued_by TEXT NOT NULL,
		issued_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL,
		is_active INTEGER NOT NULL DEFAULT 1
	);`,
	`CREATE INDEX IF NOT EXISTS share_tokens_room ON share_tokens (room_id, issued_by);`,
}

// NewStore opens the database and creates the schema. A single connection is
// kept open so every write transaction is serialized by database/sql.
func NewStore(dataSourceName string) (core.Store, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	for _, stmt := range schema {
		if _, err = db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create schema: %w", err)
		}
	}

	return &store{db}, nil
}

func (s *store) AddMember(ctx context.Context, roomID, connID string, role core.Role) (*core.Room, error) {
	log := logrus.WithFields(logrus.Fields{
		"room_id":       roomID,
		"connection_id": connID,
		"role":          role,
	})
	if roomID == "" {
		return nil, fmt.Errorf("room id is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		"INSERT INTO rooms (room_id, content, last_modified) VALUES (?, '', ?) ON CONFLICT(room_id) DO NOTHING",
		roomID, time.Now().UnixMilli())
	if err != nil {
		log.WithError(err).Error("Failed to create room")
		return nil, err
	}

	_, err = tx.ExecContext(ctx,
		"INSERT INTO room_members (room_id, connection_id, role) VALUES (?, ?, ?) ON CONFLICT(room_id, connection_id) DO UPDATE SET role = excluded.role",
		roomID, connID, string(role))
	if err != nil {
		log.WithError(err).Error("Failed to add room member")
		return nil, err
	}

	room, err := loadRoom(ctx, tx, roomID)
	if err != nil {
		return nil, err
	}
	if err = tx.Commit(); err != nil {
		return nil, err
	}

	log.Debug("Room member added successfully")
	return room, nil
}

func (s *store) RemoveMember(ctx context.Context, roomID, connID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM room_members WHERE room_id = ? AND connection_id = ?", roomID, connID)
	if err != nil {
		logrus.WithFields(logrus.Fields{"room_id": roomID, "connection_id": connID}).WithError(err).Error("Failed to remove room member")
	}
	return err
}

func (s *store) RemoveMemberEverywhere(ctx context.Context, connID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM room_members WHERE connection_id = ?", connID)
	if err != nil {
		logrus.WithField("connection_id", connID).WithError(err).Error("Failed to remove connection from rooms")
	}
	return err
}

func (s *store) UpdateContent(ctx context.Context, roomID, connID, content string, now time.Time) (*core.Room, error) {
	log := logrus.WithFields(logrus.Fields{
		"room_id":        roomID,
		"connection_id":  connID,
		"content_length": len(content),
	})

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		"UPDATE rooms SET content = ?, last_modified = ? WHERE room_id = ?",
		content, now.UnixMilli(), roomID)
	if err != nil {
		log.WithError(err).Error("Failed to update room content")
		return nil, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		return nil, fmt.Errorf("room %s: %w", roomID, core.ErrNotFound)
	}

	room, err := loadRoom(ctx, tx, roomID)
	if err != nil {
		return nil, err
	}
	if err = tx.Commit(); err != nil {
		return nil, err
	}

	log.Debug("Room content updated successfully")
	return room, nil
}

func (s *store) FindRoom(ctx context.Context, roomID string) (*core.Room, error) {
	return loadRoom(ctx, s.db, roomID)
}

func loadRoom(ctx context.Context, q querier, roomID string) (*core.Room, error) {
	var (
		content      string
		lastModified int64
	)
	err := q.QueryRowContext(ctx, "SELECT content, last_modified FROM rooms WHERE room_id = ?", roomID).Scan(&content, &lastModified)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("room %s: %w", roomID, core.ErrNotFound)
		}
		return nil, err
	}

	room := core.NewRoom(roomID, time.UnixMilli(lastModified))
	room.Content = content

	rows, err := q.QueryContext(ctx, "SELECT connection_id, role FROM room_members WHERE room_id = ?", roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var connID, role string
		if err := rows.Scan(&connID, &role); err != nil {
			return nil, err
		}
		room.Members(core.Role(role))[connID] = struct{}{}
	}
	return room, rows.Err()
}

func (s *store) ListRooms(ctx context.Context) ([]core.RoomSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.room_id, r.last_modified,
			COALESCE(SUM(CASE WHEN m.role = 'editor' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN m.role = 'read-only' THEN 1 ELSE 0 END), 0)
		FROM rooms r
		LEFT JOIN room_members m ON m.room_id = r.room_id
		GROUP BY r.room_id, r.last_modified
		ORDER BY r.last_modified DESC, r.room_id ASC`)
	if err != nil {
		logrus.WithError(err).Error("Failed to list rooms")
		return nil, err
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil {
			logrus.WithError(cerr).Warn("Failed to close room rows")
		}
	}()

	rooms := make([]core.RoomSummary, 0)
	for rows.Next() {
		var (
			summary      core.RoomSummary
			lastModified int64
		)
		if err := rows.Scan(&summary.ID, &lastModified, &summary.Editors, &summary.ReadOnly); err != nil {
			return nil, err
		}
		summary.LastModified = time.UnixMilli(lastModified)
		rooms = append(rooms, summary)
	}
	return rooms, rows.Err()
}

func (s *store) DeleteIdleRooms(ctx context.Context, cutoff time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM rooms
		WHERE last_modified < ?
		AND NOT EXISTS (SELECT 1 FROM room_members m WHERE m.room_id = rooms.room_id)`,
		cutoff.UnixMilli())
	if err != nil {
		logrus.WithError(err).Error("Failed to delete idle rooms")
		return 0, err
	}
	n, err := result.RowsAffected()
	return int(n), err
}

func (s *store) CreateToken(ctx context.Context, token *core.ShareToken) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO share_tokens (token, room_id, is_read_only, issued_by, issued_at, expires_at, is_active) VALUES (?, ?, ?, ?, ?, ?, ?)",
		token.Token, token.RoomID, token.IsReadOnly, token.IssuedBy, token.IssuedAt.UnixMilli(), token.ExpiresAt.UnixMilli(), token.IsActive)
	if err != nil {
		logrus.WithField("room_id", token.RoomID).WithError(err).Error("Failed to create share token")
	}
	return err
}

func (s *store) FindToken(ctx context.Context, token string) (*core.ShareToken, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT token, room_id, is_read_only, issued_by, issued_at, expires_at, is_active FROM share_tokens WHERE token = ?",
		token)
	t, err := scanToken(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("share token: %w", core.ErrNotFound)
		}
		return nil, err
	}
	return t, nil
}

func (s *store) DeactivateToken(ctx context.Context, token, issuedBy string) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		"UPDATE share_tokens SET is_active = 0 WHERE token = ? AND issued_by = ? AND is_active = 1",
		token, issuedBy)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

func (s *store) ListTokens(ctx context.Context, roomID, issuedBy string, now time.Time) ([]core.ShareToken, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT token, room_id, is_read_only, issued_by, issued_at, expires_at, is_active
		FROM share_tokens
		WHERE room_id = ? AND issued_by = ? AND is_active = 1 AND expires_at > ?
		ORDER BY issued_at ASC`,
		roomID, issuedBy, now.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tokens := make([]core.ShareToken, 0)
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, *t)
	}
	return tokens, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanToken(row scanner) (*core.ShareToken, error) {
	var (
		t                   core.ShareToken
		issuedAt, expiresAt int64
	)
	if err := row.Scan(&t.Token, &t.RoomID, &t.IsReadOnly, &t.IssuedBy, &issuedAt, &expiresAt, &t.IsActive); err != nil {
		return nil, err
	}
	t.IssuedAt = time.UnixMilli(issuedAt)
	t.ExpiresAt = time.UnixMilli(expiresAt)
	return &t, nil
}

func (s *store) Close() error {
	return s.db.Close()
}
