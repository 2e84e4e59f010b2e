package gateway

import (
	"errors"

	"github.com/phonelink/phonelink/pkg/protocol"
)

// ErrMalformedFrame is returned by Conn.ReadFrame when the transport
// delivered a message that does not decode as a protocol frame. The
// connection itself is still usable; the router decides whether the
// violation is fatal based on the session's authentication phase.
var ErrMalformedFrame = errors.New("malformed frame")

// Conn is the framed transport for one device connection. WriteFrame must
// be safe for concurrent use: the heartbeat loop and the command path both
// write. Close with code 0 tears the connection down without a closing
// handshake; any other code sends a close frame first.
type Conn interface {
	ReadFrame() (*protocol.Frame, error)
	WriteFrame(f *protocol.Frame) error
	Close(code int, reason string) error
}
