package postgres

import (
	"context"
	"cowrite-server/core"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
)

type store struct {
	pool *pgxpool.Pool
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const schema = `
CREATE TABLE IF NOT EXISTS rooms (
	room_id TEXT PRIMARY KEY,
	content TEXT NOT NULL DEFAULT '',
	last_modified TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS room_members (
	room_id TEXT NOT NULL REFERENCES rooms (room_id) ON DELETE CASCADE,
	connection_id TEXT NOT NULL,
	role TEXT NOT NULL,
	PRIMARY KEY (room_id, connection_id)
);
CREATE INDEX IF NOT EXISTS room_members_connection ON room_members (connection_id);
CREATE TABLE IF NOT EXISTS share_tokens (
	token TEXT PRIMARY KEY,
	room_id TEXT NOT NULL,
	is_read_only BOOLEAN NOT NULL,
	issued_by TEXT NOT NULL,
	issued_at TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	is_active BOOLEAN NOT NULL DEFAULT TRUE
);
CREATE INDEX IF NOT EXISTS share_tokens_room ON share_tokens (room_id, issued_by);
`

// NewStore connects to databaseURL, verifies the connection and creates the
// schema when missing.
func NewStore(ctx context.Context, databaseURL string) (core.Store, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database url: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &store{pool: pool}, nil
}

func (s *store) AddMember(ctx context.Context, roomID, connID string, role core.Role) (*core.Room, error) {
	if roomID == "" {
		return nil, fmt.Errorf("room id is required")
	}

	var room *core.Room
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO rooms (room_id, content, last_modified) VALUES ($1, '', now()) ON CONFLICT (room_id) DO NOTHING`,
			roomID); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO room_members (room_id, connection_id, role) VALUES ($1, $2, $3)
			 ON CONFLICT (room_id, connection_id) DO UPDATE SET role = EXCLUDED.role`,
			roomID, connID, string(role)); err != nil {
			return err
		}

		var err error
		room, err = loadRoom(ctx, tx, roomID)
		return err
	})
	if err != nil {
		logrus.WithFields(logrus.Fields{"room_id": roomID, "connection_id": connID}).WithError(err).Error("Failed to add room member")
		return nil, err
	}
	return room, nil
}

func (s *store) RemoveMember(ctx context.Context, roomID, connID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM room_members WHERE room_id = $1 AND connection_id = $2`, roomID, connID)
	return err
}

func (s *store) RemoveMemberEverywhere(ctx context.Context, connID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM room_members WHERE connection_id = $1`, connID)
	return err
}

// UpdateContent holds the room row lock from the UPDATE until commit, so
// concurrent writers to one room commit one after another.
func (s *store) UpdateContent(ctx context.Context, roomID, connID, content string, now time.Time) (*core.Room, error) {
	var room *core.Room
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE rooms SET content = $2, last_modified = $3 WHERE room_id = $1`,
			roomID, content, now)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("room %s: %w", roomID, core.ErrNotFound)
		}

		room, err = loadRoom(ctx, tx, roomID)
		return err
	})
	if err != nil {
		if !errors.Is(err, core.ErrNotFound) {
			logrus.WithFields(logrus.Fields{"room_id": roomID, "connection_id": connID}).WithError(err).Error("Failed to update room content")
		}
		return nil, err
	}
	return room, nil
}

func (s *store) FindRoom(ctx context.Context, roomID string) (*core.Room, error) {
	return loadRoom(ctx, s.pool, roomID)
}

func loadRoom(ctx context.Context, q querier, roomID string) (*core.Room, error) {
	var (
		content      string
		lastModified time.Time
	)
	err := q.QueryRow(ctx, `SELECT content, last_modified FROM rooms WHERE room_id = $1`, roomID).Scan(&content, &lastModified)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("room %s: %w", roomID, core.ErrNotFound)
		}
		return nil, err
	}

	room := core.NewRoom(roomID, lastModified)
	room.Content = content

	rows, err := q.Query(ctx, `SELECT connection_id, role FROM room_members WHERE room_id = $1`, roomID)
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
	rows, err := s.pool.Query(ctx, `
		SELECT r.room_id, r.last_modified,
			COUNT(*) FILTER (WHERE m.role = 'editor'),
			COUNT(*) FILTER (WHERE m.role = 'read-only')
		FROM rooms r
		LEFT JOIN room_members m ON m.room_id = r.room_id
		GROUP BY r.room_id, r.last_modified
		ORDER BY r.last_modified DESC, r.room_id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	rooms := make([]core.RoomSummary, 0)
	for rows.Next() {
		var summary core.RoomSummary
		if err := rows.Scan(&summary.ID, &summary.LastModified, &summary.Editors, &summary.ReadOnly); err != nil {
			return nil, err
		}
		rooms = append(rooms, summary)
	}
	return rooms, rows.Err()
}

func (s *store) DeleteIdleRooms(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM rooms r
		WHERE r.last_modified < $1
		AND NOT EXISTS (SELECT 1 FROM room_members m WHERE m.room_id = r.room_id)`,
		cutoff)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *store) CreateToken(ctx context.Context, token *core.ShareToken) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO share_tokens (token, room_id, is_read_only, issued_by, issued_at, expires_at, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		token.Token, token.RoomID, token.IsReadOnly, token.IssuedBy, token.IssuedAt, token.ExpiresAt, token.IsActive)
	return err
}

func (s *store) FindToken(ctx context.Context, token string) (*core.ShareToken, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT token, room_id, is_read_only, issued_by, issued_at, expires_at, is_active
		FROM share_tokens WHERE token = $1`, token)

	var t core.ShareToken
	if err := row.Scan(&t.Token, &t.RoomID, &t.IsReadOnly, &t.IssuedBy, &t.IssuedAt, &t.ExpiresAt, &t.IsActive); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("share token: %w", core.ErrNotFound)
		}
		return nil, err
	}
	return &t, nil
}

func (s *store) DeactivateToken(ctx context.Context, token, issuedBy string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE share_tokens SET is_active = FALSE WHERE token = $1 AND issued_by = $2 AND is_active`,
		token, issuedBy)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *store) ListTokens(ctx context.Context, roomID, issuedBy string, now time.Time) ([]core.ShareToken, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT token, room_id, is_read_only, issued_by, issued_at, expires_at, is_active
		FROM share_tokens
		WHERE room_id = $1 AND issued_by = $2 AND is_active AND expires_at > $3
		ORDER BY issued_at ASC`,
		roomID, issuedBy, now)
	if err != nil {
		return nil, err
	}

	tokens, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (core.ShareToken, error) {
		var t core.ShareToken
		err := row.Scan(&t.Token, &t.RoomID, &t.IsReadOnly, &t.IssuedBy, &t.IssuedAt, &t.ExpiresAt, &t.IsActive)
		return t, err
	})
	if err != nil {
		return nil, err
	}
	if tokens == nil {
		tokens = make([]core.ShareToken, 0)
	}
	return tokens, nil
}

func (s *store) Close() error {
	s.pool.Close()
	return nil
}
