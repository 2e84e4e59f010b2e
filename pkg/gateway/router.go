package gateway

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/phonelink/phonelink/pkg/protocol"
)

// Router classifies and dispatches inbound frames for one connection. A
// connection starts unauthenticated, where the only acceptable frame is
// AUTH; after a successful handshake the session is installed into the
// registry and the router switches to the tolerant authenticated phase.
type Router struct {
	registry *Registry
	tokens   []string
	metrics  *Metrics
	log      zerolog.Logger
}

// NewRouter creates a router validating AUTH frames against tokens.
func NewRouter(registry *Registry, tokens []string, log zerolog.Logger) *Router {
	return &Router{registry: registry, tokens: tokens, log: log}
}

// SetMetrics attaches metrics to the router.
func (rt *Router) SetMetrics(m *Metrics) {
	rt.metrics = m
}

// ServeConn drives one connection from its first frame until it closes.
// Blocks for the life of the connection.
func (rt *Router) ServeConn(conn Conn) {
	sess, ok := rt.authenticate(conn)
	if !ok {
		return
	}
	rt.serveAuthenticated(sess, conn)
}

// authenticate handles the unauthenticated phase. Any frame other than a
// well-formed AUTH closes the connection; nothing else is ever sent in
// response to a non-AUTH frame.
func (rt *Router) authenticate(conn Conn) (*Session, bool) {
	frame, err := conn.ReadFrame()
	if err != nil {
		if errors.Is(err, ErrMalformedFrame) {
			conn.Close(protocol.CloseAuthRequired, "Invalid frame")
		} else {
			conn.Close(0, "")
		}
		return nil, false
	}
	rt.countFrame(frame.Type)

	if frame.Type != protocol.TypeAuth {
		rt.log.Warn().Str("type", frame.Type).Msg("first frame was not AUTH, closing")
		conn.Close(protocol.CloseAuthRequired, "AUTH required")
		return nil, false
	}

	identity := strings.TrimSpace(frame.DeviceID)
	if identity == "" {
		// No identity to address a reply to; closure code says it all.
		conn.Close(protocol.CloseAuthRequired, "Missing device id")
		return nil, false
	}

	if len(rt.tokens) == 0 {
		rt.log.Error().Msg("no auth tokens configured, rejecting all devices")
		conn.WriteFrame(&protocol.Frame{Type: protocol.TypeAuthFailed, Reason: "Server not configured"})
		conn.Close(protocol.CloseInvalidCredential, "Server not configured")
		return nil, false
	}

	if !tokenMatches(rt.tokens, frame.Token) {
		rt.log.Warn().Str("device", identity).Msg("auth failed: invalid token")
		conn.WriteFrame(&protocol.Frame{Type: protocol.TypeAuthFailed, Reason: "Invalid token"})
		conn.Close(protocol.CloseInvalidCredential, "Invalid token")
		return nil, false
	}

	sess := rt.registry.Register(identity, conn)
	if err := conn.WriteFrame(&protocol.Frame{Type: protocol.TypeAuthOK, DeviceID: identity}); err != nil {
		rt.registry.Unregister(sess, ReasonClosed)
		return nil, false
	}
	return sess, true
}

// serveAuthenticated reads frames until the connection closes. Protocol
// errors here answer with an ERROR frame instead of closing: a long-lived
// session must survive a single bad frame.
func (rt *Router) serveAuthenticated(sess *Session, conn Conn) {
	for {
		frame, err := conn.ReadFrame()
		if err != nil {
			if errors.Is(err, ErrMalformedFrame) {
				conn.WriteFrame(&protocol.Frame{Type: protocol.TypeError, Reason: "Malformed frame"})
				continue
			}
			rt.registry.Unregister(sess, ReasonClosed)
			return
		}
		rt.countFrame(frame.Type)

		switch frame.Type {
		case protocol.TypePong:
			rt.registry.HandlePong(sess)

		case protocol.TypePing:
			conn.WriteFrame(&protocol.Frame{Type: protocol.TypePong})

		case protocol.TypeStatus:
			rt.handleStatus(sess, frame)

		case protocol.TypeAck:
			// Reserved for a future exactly-once guarantee; today the ACK
			// only confirms receipt in the logs.
			rt.log.Info().
				Str("device", sess.Identity).
				Str("commandId", frame.CommandID).
				Msg("command acknowledged")

		default:
			rt.log.Warn().Str("device", sess.Identity).Str("type", frame.Type).Msg("unrecognized frame type")
			conn.WriteFrame(&protocol.Frame{
				Type:   protocol.TypeError,
				Reason: fmt.Sprintf("Unknown frame type: %s", frame.Type),
			})
		}
	}
}

func (rt *Router) handleStatus(sess *Session, frame *protocol.Frame) {
	if !protocol.ValidCallState(frame.State) {
		rt.log.Warn().
			Str("device", sess.Identity).
			Str("state", frame.State).
			Msg("dropping STATUS with unrecognized state")
		return
	}
	ev := rt.log.Info().Str("device", sess.Identity).Str("state", frame.State)
	if frame.Number != "" {
		ev = ev.Str("number", frame.Number)
	}
	ev.Msg("call status")
	if rt.metrics != nil {
		rt.metrics.RecordCallStatus(frame.State)
	}
}

// tokenMatches checks a presented credential against every configured
// token without data-dependent short-circuiting.
func tokenMatches(tokens []string, presented string) bool {
	match := 0
	for _, t := range tokens {
		match |= subtle.ConstantTimeCompare([]byte(t), []byte(presented))
	}
	return match == 1
}

func (rt *Router) countFrame(frameType string) {
	if rt.metrics != nil {
		rt.metrics.RecordFrameReceived(frameType)
	}
}
