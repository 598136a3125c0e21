// Package redis stores rooms and share tokens in Redis. Membership sets are
// native Redis sets and every multi-key mutation of a room runs as a Lua
// script, which Redis executes without interleaving other commands.
package redis

import (
	"context"
	"cowrite-server/core"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

type store struct {
	client *redis.Client
	prefix string
}

// KEYS: room, editors, readonly, conn rooms, room index
// ARGV: room id, connection id, role, now (ms)
var addMemberScript = redis.NewScript(`
	if redis.call('EXISTS', KEYS[1]) == 0 then
		redis.call('HSET', KEYS[1], 'content', '', 'last_modified', ARGV[4])
	end
	redis.call('SADD', KEYS[5], ARGV[1])
	if ARGV[3] == 'editor' then
		redis.call('SREM', KEYS[3], ARGV[2])
		redis.call('SADD', KEYS[2], ARGV[2])
	else
		redis.call('SREM', KEYS[2], ARGV[2])
		redis.call('SADD', KEYS[3], ARGV[2])
	end
	redis.call('SADD', KEYS[4], ARGV[1])
	return {
		redis.call('HGET', KEYS[1], 'content'),
		redis.call('HGET', KEYS[1], 'last_modified'),
		redis.call('SMEMBERS', KEYS[2]),
		redis.call('SMEMBERS', KEYS[3])
	}
`)

// KEYS: room, editors, readonly
// ARGV: content, now (ms)
var updateContentScript = redis.NewScript(`
	if redis.call('EXISTS', KEYS[1]) == 0 then
		return false
	end
	redis.call('HSET', KEYS[1], 'content', ARGV[1], 'last_modified', ARGV[2])
	return {
		redis.call('HGET', KEYS[1], 'content'),
		redis.call('HGET', KEYS[1], 'last_modified'),
		redis.call('SMEMBERS', KEYS[2]),
		redis.call('SMEMBERS', KEYS[3])
	}
`)

// KEYS: room, editors, readonly
var readRoomScript = redis.NewScript(`
	if redis.call('EXISTS', KEYS[1]) == 0 then
		return false
	end
	return {
		redis.call('HGET', KEYS[1], 'content'),
		redis.call('HGET', KEYS[1], 'last_modified'),
		redis.call('SMEMBERS', KEYS[2]),
		redis.call('SMEMBERS', KEYS[3])
	}
`)

// KEYS: room, editors, readonly, room index
// ARGV: room id, cutoff (ms)
var deleteIdleScript = redis.NewScript(`
	if redis.call('SCARD', KEYS[2]) > 0 or redis.call('SCARD', KEYS[3]) > 0 then
		return 0
	end
	local last = tonumber(redis.call('HGET', KEYS[1], 'last_modified') or '0')
	if last >= tonumber(ARGV[2]) then
		return 0
	end
	redis.call('DEL', KEYS[1], KEYS[2], KEYS[3])
	redis.call('SREM', KEYS[4], ARGV[1])
	return 1
`)

// KEYS: token, token index
// ARGV: token, room id, is read only, issued by, issued at (ms), expires at (ms), is active
var createTokenScript = redis.NewScript(`
	if redis.call('EXISTS', KEYS[1]) == 1 then
		return 0
	end
	redis.call('HSET', KEYS[1],
		'token', ARGV[1],
		'room_id', ARGV[2],
		'is_read_only', ARGV[3],
		'issued_by', ARGV[4],
		'issued_at', ARGV[5],
		'expires_at', ARGV[6],
		'is_active', ARGV[7])
	redis.call('PEXPIREAT', KEYS[1], ARGV[6])
	redis.call('SADD', KEYS[2], ARGV[1])
	return 1
`)

// KEYS: token
// ARGV: issued by
var deactivateScript = redis.NewScript(`
	if redis.call('HGET', KEYS[1], 'is_active') ~= '1' then
		return 0
	end
	if redis.call('HGET', KEYS[1], 'issued_by') ~= ARGV[1] then
		return 0
	end
	redis.call('HSET', KEYS[1], 'is_active', '0')
	return 1
`)

// NewStore wraps an existing client. prefix namespaces every key.
func NewStore(client *redis.Client, prefix string) core.Store {
	return &store{client: client, prefix: prefix}
}

func (s *store) roomKey(roomID string) string     { return s.prefix + "room:" + roomID }
func (s *store) editorsKey(roomID string) string  { return s.prefix + "room:" + roomID + ":editors" }
func (s *store) readOnlyKey(roomID string) string { return s.prefix + "room:" + roomID + ":readonly" }
func (s *store) connKey(connID string) string     { return s.prefix + "conn:" + connID + ":rooms" }
func (s *store) roomIndexKey() string             { return s.prefix + "rooms" }
func (s *store) tokenKey(token string) string     { return s.prefix + "token:" + token }
func (s *store) tokenIndexKey(roomID, issuedBy string) string {
	return s.prefix + "tokens:" + roomID + ":" + issuedBy
}

func (s *store) AddMember(ctx context.Context, roomID, connID string, role core.Role) (*core.Room, error) {
	if roomID == "" {
		return nil, fmt.Errorf("room id is required")
	}

	res, err := addMemberScript.Run(ctx, s.client,
		[]string{s.roomKey(roomID), s.editorsKey(roomID), s.readOnlyKey(roomID), s.connKey(connID), s.roomIndexKey()},
		roomID, connID, string(role), time.Now().UnixMilli(),
	).Slice()
	if err != nil {
		logrus.WithFields(logrus.Fields{"room_id": roomID, "connection_id": connID}).WithError(err).Error("Failed to add room member")
		return nil, fmt.Errorf("failed to run add member script: %w", err)
	}
	return parseRoom(roomID, res)
}

func (s *store) RemoveMember(ctx context.Context, roomID, connID string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, s.editorsKey(roomID), connID)
		pipe.SRem(ctx, s.readOnlyKey(roomID), connID)
		pipe.SRem(ctx, s.connKey(connID), roomID)
		return nil
	})
	return err
}

func (s *store) RemoveMemberEverywhere(ctx context.Context, connID string) error {
	roomIDs, err := s.client.SMembers(ctx, s.connKey(connID)).Result()
	if err != nil {
		return err
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, roomID := range roomIDs {
			pipe.SRem(ctx, s.editorsKey(roomID), connID)
			pipe.SRem(ctx, s.readOnlyKey(roomID), connID)
		}
		pipe.Del(ctx, s.connKey(connID))
		return nil
	})
	return err
}

func (s *store) UpdateContent(ctx context.Context, roomID, connID, content string, now time.Time) (*core.Room, error) {
	res, err := updateContentScript.Run(ctx, s.client,
		[]string{s.roomKey(roomID), s.editorsKey(roomID), s.readOnlyKey(roomID)},
		content, now.UnixMilli(),
	).Slice()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("room %s: %w", roomID, core.ErrNotFound)
	}
	if err != nil {
		logrus.WithFields(logrus.Fields{"room_id": roomID, "connection_id": connID}).WithError(err).Error("Failed to update room content")
		return nil, fmt.Errorf("failed to run update content script: %w", err)
	}
	return parseRoom(roomID, res)
}

func (s *store) FindRoom(ctx context.Context, roomID string) (*core.Room, error) {
	res, err := readRoomScript.Run(ctx, s.client,
		[]string{s.roomKey(roomID), s.editorsKey(roomID), s.readOnlyKey(roomID)},
	).Slice()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("room %s: %w", roomID, core.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return parseRoom(roomID, res)
}

func (s *store) ListRooms(ctx context.Context) ([]core.RoomSummary, error) {
	roomIDs, err := s.client.SMembers(ctx, s.roomIndexKey()).Result()
	if err != nil {
		return nil, err
	}

	type pending struct {
		id       string
		last     *redis.StringCmd
		editors  *redis.IntCmd
		readOnly *redis.IntCmd
	}
	cmds := make([]pending, 0, len(roomIDs))
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range roomIDs {
			cmds = append(cmds, pending{
				id:       id,
				last:     pipe.HGet(ctx, s.roomKey(id), "last_modified"),
				editors:  pipe.SCard(ctx, s.editorsKey(id)),
				readOnly: pipe.SCard(ctx, s.readOnlyKey(id)),
			})
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	rooms := make([]core.RoomSummary, 0, len(cmds))
	for _, c := range cmds {
		last, err := c.last.Int64()
		if err != nil {
			continue
		}
		rooms = append(rooms, core.RoomSummary{
			ID:           c.id,
			Editors:      int(c.editors.Val()),
			ReadOnly:     int(c.readOnly.Val()),
			LastModified: time.UnixMilli(last),
		})
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
	roomIDs, err := s.client.SMembers(ctx, s.roomIndexKey()).Result()
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, id := range roomIDs {
		n, err := deleteIdleScript.Run(ctx, s.client,
			[]string{s.roomKey(id), s.editorsKey(id), s.readOnlyKey(id), s.roomIndexKey()},
			id, cutoff.UnixMilli(),
		).Int()
		if err != nil {
			return deleted, err
		}
		deleted += n
	}
	return deleted, nil
}

func (s *store) CreateToken(ctx context.Context, token *core.ShareToken) error {
	// Expired tokens are unusable, so Redis may drop them once they lapse.
	created, err := createTokenScript.Run(ctx, s.client,
		[]string{s.tokenKey(token.Token), s.tokenIndexKey(token.RoomID, token.IssuedBy)},
		token.Token,
		token.RoomID,
		boolString(token.IsReadOnly),
		token.IssuedBy,
		token.IssuedAt.UnixMilli(),
		token.ExpiresAt.UnixMilli(),
		boolString(token.IsActive),
	).Int()
	if err != nil {
		logrus.WithField("room_id", token.RoomID).WithError(err).Error("Failed to create share token")
		return fmt.Errorf("failed to run create token script: %w", err)
	}
	if created == 0 {
		return fmt.Errorf("share token already exists")
	}
	return nil
}

func (s *store) FindToken(ctx context.Context, token string) (*core.ShareToken, error) {
	fields, err := s.client.HGetAll(ctx, s.tokenKey(token)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 || fields["room_id"] == "" {
		return nil, fmt.Errorf("share token: %w", core.ErrNotFound)
	}
	return parseToken(fields)
}

func (s *store) DeactivateToken(ctx context.Context, token, issuedBy string) (bool, error) {
	n, err := deactivateScript.Run(ctx, s.client, []string{s.tokenKey(token)}, issuedBy).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *store) ListTokens(ctx context.Context, roomID, issuedBy string, now time.Time) ([]core.ShareToken, error) {
	indexKey := s.tokenIndexKey(roomID, issuedBy)
	values, err := s.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		return nil, err
	}

	tokens := make([]core.ShareToken, 0, len(values))
	for _, value := range values {
		t, err := s.FindToken(ctx, value)
		if errors.Is(err, core.ErrNotFound) {
			s.client.SRem(ctx, indexKey, value)
			continue
		}
		if err != nil {
			return nil, err
		}
		if t.Usable(now) {
			tokens = append(tokens, *t)
		}
	}

	sort.Slice(tokens, func(i, j int) bool {
		return tokens[i].IssuedAt.Before(tokens[j].IssuedAt)
	})
	return tokens, nil
}

func (s *store) Close() error {
	return s.client.Close()
}

func parseRoom(roomID string, res []any) (*core.Room, error) {
	if len(res) < 4 {
		return nil, fmt.Errorf("unexpected result length: %d", len(res))
	}

	content, _ := res[0].(string)
	lastRaw, _ := res[1].(string)
	last, err := strconv.ParseInt(lastRaw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid last_modified %q: %w", lastRaw, err)
	}

	room := core.NewRoom(roomID, time.UnixMilli(last))
	room.Content = content
	for i, set := range []map[string]struct{}{room.Editors, room.ReadOnlyMembers} {
		members, ok := res[2+i].([]any)
		if !ok {
			return nil, fmt.Errorf("unexpected type for members: %T", res[2+i])
		}
		for _, m := range members {
			if id, ok := m.(string); ok {
				set[id] = struct{}{}
			}
		}
	}
	return room, nil
}

func parseToken(fields map[string]string) (*core.ShareToken, error) {
	issuedAt, err := strconv.ParseInt(fields["issued_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid issued_at: %w", err)
	}
	expiresAt, err := strconv.ParseInt(fields["expires_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid expires_at: %w", err)
	}

	return &core.ShareToken{
		Token:      fields["token"],
		RoomID:     fields["room_id"],
		IsReadOnly: fields["is_read_only"] == "1",
		IssuedBy:   fields["issued_by"],
		IssuedAt:   time.UnixMilli(issuedAt),
		ExpiresAt:  time.UnixMilli(expiresAt),
		IsActive:   fields["is_active"] == "1",
	}, nil
}

func boolString(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
