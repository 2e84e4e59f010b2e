package gateway

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/phonelink/phonelink/pkg/protocol"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  protocol.MaxFrameSize,
	WriteBufferSize: protocol.MaxFrameSize,
	CheckOrigin: func(r *http.Request) bool {
		// Devices connect from the LAN, not from browsers; origin checks
		// would only reject the Android client's handshake.
		return true
	},
}

// wsConn adapts a WebSocket connection to the Conn interface the registry
// and router work against.
type wsConn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	closed  bool
	closeMu sync.Mutex
}

func newWSConn(ws *websocket.Conn) *wsConn {
	ws.SetReadLimit(protocol.MaxFrameSize)
	return &wsConn{ws: ws}
}

// ReadFrame blocks for the next frame. A message that does not decode is
// reported as ErrMalformedFrame; the connection stays open.
func (c *wsConn) ReadFrame() (*protocol.Frame, error) {
	messageType, data, err := c.ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	if messageType != websocket.TextMessage {
		return nil, fmt.Errorf("%w: non-text message", ErrMalformedFrame)
	}
	frame, err := protocol.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return frame, nil
}

// WriteFrame serializes and writes one frame. Safe for concurrent use.
func (c *wsConn) WriteFrame(f *protocol.Frame) error {
	data, err := protocol.Encode(f)
	if err != nil {
		return err
	}

	c.closeMu.Lock()
	if c.closed {
		c.closeMu.Unlock()
		return websocket.ErrCloseSent
	}
	c.closeMu.Unlock()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Close tears the connection down. With a non-zero code a close frame is
// sent first so the peer learns why; code 0 skips the handshake for peers
// presumed dead.
func (c *wsConn) Close(code int, reason string) error {
	c.closeMu.Lock()
	if c.closed {
		c.closeMu.Unlock()
		return nil
	}
	c.closed = true
	c.closeMu.Unlock()

	if code != 0 {
		c.writeMu.Lock()
		deadline := time.Now().Add(time.Second)
		c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
		c.writeMu.Unlock()
	}
	return c.ws.Close()
}

// HandleWebSocket upgrades an HTTP request into a device session and
// serves it until the connection closes.
func (g *Gateway) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}
	g.log.Debug().Str("remote", r.RemoteAddr).Msg("websocket connection opened")
	g.router.ServeConn(newWSConn(ws))
}
