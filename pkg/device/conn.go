package device

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/phonelink/phonelink/pkg/protocol"
)

// conn wraps a device-side WebSocket connection with synchronized frame
// writes. Reads stay single-goroutine (the client's read loop).
type conn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	closed  bool
	closeMu sync.Mutex
}

// dial opens a WebSocket connection to the gateway's session endpoint.
// serverURL is the gateway's HTTP base URL ("http://host:port").
func dial(serverURL string, timeout time.Duration) (*conn, error) {
	wsURL, err := sessionURL(serverURL)
	if err != nil {
		return nil, err
	}

	dialer := &websocket.Dialer{
		HandshakeTimeout: timeout,
		ReadBufferSize:   protocol.MaxFrameSize,
		WriteBufferSize:  protocol.MaxFrameSize,
	}
	ws, _, err := dialer.Dial(wsURL, nil)
	if err != nil {
		return nil, err
	}
	ws.SetReadLimit(protocol.MaxFrameSize)
	return &conn{ws: ws}, nil
}

// sessionURL maps an http(s) base URL to the ws(s) session endpoint.
func sessionURL(serverURL string) (string, error) {
	u, err := url.Parse(strings.TrimSuffix(serverURL, "/"))
	if err != nil {
		return "", fmt.Errorf("invalid server URL %q: %w", serverURL, err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("invalid server URL %q: unsupported scheme", serverURL)
	}
	u.Path = "/ws"
	return u.String(), nil
}

func (c *conn) readFrame() (*protocol.Frame, []byte, error) {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return nil, nil, err
	}
	frame, err := protocol.Decode(data)
	if err != nil {
		return nil, data, err
	}
	return frame, data, nil
}

func (c *conn) writeFrame(f *protocol.Frame) error {
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

// close shuts the connection down, sending a normal closure first when
// graceful is set.
func (c *conn) close(graceful bool) error {
	c.closeMu.Lock()
	if c.closed {
		c.closeMu.Unlock()
		return nil
	}
	c.closed = true
	c.closeMu.Unlock()

	if graceful {
		c.writeMu.Lock()
		deadline := time.Now().Add(time.Second)
		c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		c.writeMu.Unlock()
	}
	return c.ws.Close()
}
