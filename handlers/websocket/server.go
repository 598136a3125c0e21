package websocket

import (
	"context"
	"regexp"

	"github.com/zishang520/engine.io/v2/types"
	"github.com/zishang520/engine.io/v2/utils"
	socketio "github.com/zishang520/socket.io/v2/socket"
)

// socketConn adapts a Socket.IO socket to Conn.
type socketConn struct {
	socket *socketio.Socket
}

func (c socketConn) ID() string {
	return string(c.socket.Id())
}

func (c socketConn) Join(roomID string) {
	c.socket.Join(socketio.Room(roomID))
}

func (c socketConn) Leave(roomID string) {
	c.socket.Leave(socketio.Room(roomID))
}

func (c socketConn) Emit(event string, payload any) error {
	return c.socket.Emit(event, payload)
}

func (c socketConn) BroadcastToRoom(roomID, event string, payload any) error {
	return c.socket.Broadcast().To(socketio.Room(roomID)).Emit(event, payload)
}

var localhostOrigin = regexp.MustCompile(`^https?://(localhost|127\.0\.0\.1|\[::1\])(:\d+)?$`)

// SetupSocketIO builds the Socket.IO server and routes every collaboration
// event to p. clientURL is allowed as a CORS origin next to localhost.
func SetupSocketIO(p *Protocol, clientURL string) *socketio.Server {
	opts := socketio.DefaultServerOptions()
	opts.SetMaxHttpBufferSize(5000000)
	opts.SetPath("/socket.io")
	opts.SetAllowEIO3(true)

	origins := []any{localhostOrigin}
	if clientURL != "" {
		origins = append(origins, clientURL)
	}
	opts.SetCors(&types.Cors{
		Origin:      origins,
		Credentials: true,
	})
	srv := socketio.NewServer(nil, opts)

	//nolint:errcheck // Socket.IO event handlers do not return useful errors
	srv.On("connection", func(clients ...any) {
		socket, ok := clients[0].(*socketio.Socket)
		if !ok {
			return
		}

		conn := socketConn{socket: socket}
		utils.Log().Printf("client connected %v\n", socket.Id())

		// Handlers run detached from the socket so writes already accepted by
		// the store complete even if the client goes away.
		ctx := context.Background()

		handlers := map[string]func(context.Context, Conn, ...any){
			eventJoin:        p.HandleJoin,
			eventSync:        p.HandleSync,
			eventLeave:       p.HandleLeave,
			eventShareCreate: p.HandleShareCreate,
			eventShareJoin:   p.HandleShareJoin,
			eventShareRevoke: p.HandleShareRevoke,
			eventShareList:   p.HandleShareList,
		}
		for event, handle := range handlers {
			handle := handle
			//nolint:errcheck // Socket.IO event handlers do not return useful errors
			socket.On(event, func(datas ...any) {
				handle(ctx, conn, datas...)
			})
		}

		socket.On("disconnect", func(datas ...any) {
			p.HandleDisconnect(ctx, conn)
			socket.RemoveAllListeners("")
		})
	})

	return srv
}
