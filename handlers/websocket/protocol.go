package websocket

import (
	"context"
	"cowrite-server/access"
	"cowrite-server/core"
	"cowrite-server/share"
	"errors"
	"fmt"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
)

// Conn is the part of a transport connection the protocol needs.
type Conn interface {
	ID() string
	Join(roomID string)
	Leave(roomID string)
	Emit(event string, payload any) error
	// BroadcastToRoom emits to every member of roomID except this connection.
	BroadcastToRoom(roomID, event string, payload any) error
}

const (
	eventJoin        = "join"
	eventSync        = "sync"
	eventLeave       = "leave"
	eventError       = "error"
	eventShareCreate = "share:create"
	eventShareJoin   = "share:join"
	eventShareRevoke = "share:revoke"
	eventShareList   = "share:list"
	eventShareError  = "share:error"

	eventShareCreated = "share:created"
	eventShareRevoked = "share:revoked"
)

// Dates go over the wire the way JavaScript's Date.toJSON writes them.
const wireTime = "2006-01-02T15:04:05.000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(wireTime)
}

type (
	joinRequest struct {
		RoomID   string `mapstructure:"roomId"`
		ReadOnly bool   `mapstructure:"readOnly"`
	}

	syncRequest struct {
		RoomID  string  `mapstructure:"roomId"`
		Content *string `mapstructure:"content"`
	}

	roomRequest struct {
		RoomID string `mapstructure:"roomId"`
	}

	shareCreateRequest struct {
		RoomID     string `mapstructure:"roomId"`
		IsReadOnly *bool  `mapstructure:"isReadOnly"`
	}

	tokenRequest struct {
		Token       string `mapstructure:"token"`
		AccessToken string `mapstructure:"accessToken"`
	}
)

func (r tokenRequest) value() string {
	if r.Token != "" {
		return r.Token
	}
	return r.AccessToken
}

var errInvalidPayload = errors.New("invalid payload")

func decodePayload(args []any, out any) error {
	if len(args) == 0 || args[0] == nil {
		return errInvalidPayload
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	if err := decoder.Decode(args[0]); err != nil {
		return fmt.Errorf("%w: %v", errInvalidPayload, err)
	}
	return nil
}

// decodeRoomID accepts either {roomId} or a bare room id string.
func decodeRoomID(args []any) (string, error) {
	if len(args) > 0 {
		if roomID, ok := args[0].(string); ok {
			return roomID, nil
		}
	}
	var req roomRequest
	if err := decodePayload(args, &req); err != nil {
		return "", err
	}
	return req.RoomID, nil
}

// failure holds the user visible messages for one operation.
type failure struct {
	event   string
	denied  string
	invalid string
	failed  string
}

var (
	joinFailure = failure{
		event:   eventError,
		invalid: "Room id is required",
		failed:  "Failed to join room, please retry",
	}
	syncFailure = failure{
		event:   eventError,
		denied:  "You don't have permission to edit this room",
		invalid: "Invalid sync request",
		failed:  "Failed to sync content, please retry",
	}
	leaveFailure = failure{
		event:   eventError,
		invalid: "Room id is required",
		failed:  "Failed to leave room, please retry",
	}
	shareCreateFailure = failure{
		event:   eventShareError,
		denied:  "You don't have permission to share this room",
		invalid: "Invalid share request",
		failed:  "Failed to create share link, please retry",
	}
	shareJoinFailure = failure{
		event:   eventShareError,
		invalid: core.ErrInvalidOrExpiredToken.Error(),
		failed:  "Failed to join room, please retry",
	}
	shareRevokeFailure = failure{
		event:   eventShareError,
		invalid: core.ErrNotFoundOrNotOwner.Error(),
		failed:  "Failed to revoke share link, please retry",
	}
	shareListFailure = failure{
		event:   eventShareError,
		denied:  "You don't have permission to list shares for this room",
		invalid: "Invalid share request",
		failed:  "Failed to list share links, please retry",
	}
)

func (f failure) message(err error) string {
	switch {
	case errors.Is(err, core.ErrPermissionDenied):
		return f.denied
	case errors.Is(err, core.ErrInvalidOrExpiredToken):
		return core.ErrInvalidOrExpiredToken.Error()
	case errors.Is(err, core.ErrNotFoundOrNotOwner):
		return core.ErrNotFoundOrNotOwner.Error()
	case errors.Is(err, errInvalidPayload), errors.Is(err, core.ErrInvalidRoomID):
		return f.invalid
	default:
		return f.failed
	}
}

// Protocol translates inbound events into access and share operations and
// emits the resulting replies and broadcasts.
type Protocol struct {
	access *access.Controller
	shares *share.Manager

	// syncs orders commit plus broadcast per room, so peers see writes in
	// the order the store applied them.
	syncs *roomLocks
}

func NewProtocol(controller *access.Controller, shares *share.Manager) *Protocol {
	return &Protocol{
		access: controller,
		shares: shares,
		syncs:  newRoomLocks(),
	}
}

func requestLogger(conn Conn, event string) *logrus.Entry {
	return logrus.WithFields(logrus.Fields{
		"request_id":    ulid.Make().String(),
		"event":         event,
		"connection_id": conn.ID(),
	})
}

func (p *Protocol) fail(conn Conn, log *logrus.Entry, ack ackInvoker, f failure, err error) {
	message := f.message(err)
	log.WithError(err).Debug("Request failed")

	if ack != nil {
		ack(errors.New(message), map[string]any{
			"status": "error",
			"error":  message,
		})
	}
	if emitErr := conn.Emit(f.event, message); emitErr != nil {
		log.WithError(emitErr).Warn("Failed to emit error")
	}
}

func reply(conn Conn, log *logrus.Entry, ack ackInvoker, event string, payload any) {
	if ack != nil {
		ack(nil, payload)
	}
	if event == "" {
		return
	}
	if err := conn.Emit(event, payload); err != nil {
		log.WithError(err).Warn("Failed to emit reply")
	}
}

func snapshotPayload(snapshot core.RoomSnapshot) map[string]any {
	return map[string]any{
		"content":      snapshot.Content,
		"lastModified": formatTime(snapshot.LastModified),
		"readOnly":     snapshot.Role.ReadOnly(),
	}
}

// HandleJoin adds the connection to a room and replies with its content.
func (p *Protocol) HandleJoin(ctx context.Context, conn Conn, datas ...any) {
	log := requestLogger(conn, eventJoin)
	ack, args := extractAck(datas)

	var req joinRequest
	if len(args) > 0 {
		if roomID, ok := args[0].(string); ok {
			req.RoomID = roomID
		} else if err := decodePayload(args, &req); err != nil {
			p.fail(conn, log, ack, joinFailure, err)
			return
		}
	}

	snapshot, err := p.access.JoinRoom(ctx, conn.ID(), req.RoomID, core.RoleFor(req.ReadOnly))
	if err != nil {
		p.fail(conn, log, ack, joinFailure, err)
		return
	}
	conn.Join(req.RoomID)

	reply(conn, log, ack, eventSync, snapshotPayload(snapshot))
}

// HandleSync stores new content and relays it to the rest of the room.
func (p *Protocol) HandleSync(ctx context.Context, conn Conn, datas ...any) {
	log := requestLogger(conn, eventSync)
	ack, args := extractAck(datas)

	var req syncRequest
	if err := decodePayload(args, &req); err != nil {
		p.fail(conn, log, ack, syncFailure, err)
		return
	}
	if req.Content == nil {
		p.fail(conn, log, ack, syncFailure, fmt.Errorf("%w: content is required", errInvalidPayload))
		return
	}

	unlock := p.syncs.lock(req.RoomID)
	snapshot, err := p.access.ApplySync(ctx, conn.ID(), req.RoomID, *req.Content)
	if err != nil {
		unlock()
		p.fail(conn, log, ack, syncFailure, err)
		return
	}

	lastModified := formatTime(snapshot.LastModified)
	err = conn.BroadcastToRoom(req.RoomID, eventSync, map[string]any{
		"content":      snapshot.Content,
		"lastModified": lastModified,
	})
	unlock()
	if err != nil {
		log.WithError(err).WithField("room_id", req.RoomID).Warn("Failed to broadcast sync")
	}

	reply(conn, log, ack, "", map[string]any{
		"status":       "ok",
		"lastModified": lastModified,
	})
}

// HandleLeave removes the connection from a room.
func (p *Protocol) HandleLeave(ctx context.Context, conn Conn, datas ...any) {
	log := requestLogger(conn, eventLeave)
	ack, args := extractAck(datas)

	roomID, err := decodeRoomID(args)
	if err == nil && roomID == "" {
		err = core.ErrInvalidRoomID
	}
	if err != nil {
		p.fail(conn, log, ack, leaveFailure, err)
		return
	}

	if err := p.access.LeaveRoom(ctx, conn.ID(), roomID); err != nil {
		p.fail(conn, log, ack, leaveFailure, err)
		return
	}
	conn.Leave(roomID)

	reply(conn, log, ack, "", map[string]any{"status": "ok"})
}

// HandleDisconnect forgets the connection. Nothing is sent since the
// connection is already gone.
func (p *Protocol) HandleDisconnect(ctx context.Context, conn Conn) {
	log := requestLogger(conn, "disconnect")
	if err := p.access.Disconnect(ctx, conn.ID()); err != nil {
		log.WithError(err).Warn("Disconnect cleanup incomplete")
	}
}

// HandleShareCreate issues a share link for a room the connection edits.
func (p *Protocol) HandleShareCreate(ctx context.Context, conn Conn, datas ...any) {
	log := requestLogger(conn, eventShareCreate)
	ack, args := extractAck(datas)

	var req shareCreateRequest
	if err := decodePayload(args, &req); err != nil {
		p.fail(conn, log, ack, shareCreateFailure, err)
		return
	}
	isReadOnly := true
	if req.IsReadOnly != nil {
		isReadOnly = *req.IsReadOnly
	}

	token, err := p.shares.CreateToken(ctx, conn.ID(), req.RoomID, isReadOnly)
	if err != nil {
		p.fail(conn, log, ack, shareCreateFailure, err)
		return
	}

	reply(conn, log, ack, eventShareCreated, map[string]any{
		"token":       token.Token,
		"accessToken": token.Token,
		"isReadOnly":  token.IsReadOnly,
		"expiresAt":   formatTime(token.ExpiresAt),
	})
}

// HandleShareJoin joins the room behind a share link.
func (p *Protocol) HandleShareJoin(ctx context.Context, conn Conn, datas ...any) {
	log := requestLogger(conn, eventShareJoin)
	ack, args := extractAck(datas)

	var req tokenRequest
	if err := decodePayload(args, &req); err != nil {
		p.fail(conn, log, ack, shareJoinFailure, err)
		return
	}

	redemption, err := p.shares.RedeemToken(ctx, conn.ID(), req.value())
	if err != nil {
		p.fail(conn, log, ack, shareJoinFailure, err)
		return
	}
	conn.Join(redemption.RoomID)

	reply(conn, log, ack, eventSync, snapshotPayload(redemption.Snapshot))
}

// HandleShareRevoke deactivates a share link issued by the connection.
func (p *Protocol) HandleShareRevoke(ctx context.Context, conn Conn, datas ...any) {
	log := requestLogger(conn, eventShareRevoke)
	ack, args := extractAck(datas)

	var req tokenRequest
	if err := decodePayload(args, &req); err != nil {
		p.fail(conn, log, ack, shareRevokeFailure, err)
		return
	}

	token := req.value()
	if err := p.shares.RevokeToken(ctx, conn.ID(), token); err != nil {
		p.fail(conn, log, ack, shareRevokeFailure, err)
		return
	}

	reply(conn, log, ack, eventShareRevoked, map[string]any{
		"token":       token,
		"accessToken": token,
	})
}

// HandleShareList replies with the live share links the connection issued.
func (p *Protocol) HandleShareList(ctx context.Context, conn Conn, datas ...any) {
	log := requestLogger(conn, eventShareList)
	ack, args := extractAck(datas)

	roomID, err := decodeRoomID(args)
	if err != nil {
		p.fail(conn, log, ack, shareListFailure, err)
		return
	}

	tokens, err := p.shares.ListTokens(ctx, conn.ID(), roomID)
	if err != nil {
		p.fail(conn, log, ack, shareListFailure, err)
		return
	}

	list := make([]map[string]any, 0, len(tokens))
	for _, t := range tokens {
		list = append(list, map[string]any{
			"token":      t.Token,
			"isReadOnly": t.IsReadOnly,
			"issuedAt":   formatTime(t.IssuedAt),
			"expiresAt":  formatTime(t.ExpiresAt),
		})
	}

	reply(conn, log, ack, eventShareList, list)
}
