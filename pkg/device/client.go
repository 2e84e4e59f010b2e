// Package device implements the device side of the PhoneLink session
// protocol: one outbound connection at a time, the authentication
// handshake, keepalive, duplicate-command suppression and the
// reconnection back-off loop.
package device

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/phonelink/phonelink/pkg/protocol"
)

// State is the device-side connection state. Exactly one is active at a
// time; transitions are serialized behind the client mutex.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateErrored:
		return "errored"
	}
	return "unknown"
}

// ErrNotConnected is returned when a status report is attempted with no
// live session.
var ErrNotConnected = errors.New("not connected to gateway")

// CallHandler is the external collaborator that actually places a call.
// The client ACKs a command before invoking the handler; a handler
// failure surfaces as a later STATUS(CALL_FAILED), never as a missing ACK.
type CallHandler interface {
	PlaceCall(number string) error
}

// Config configures a Client.
type Config struct {
	ServerURL string // gateway HTTP base URL, e.g. "http://10.0.0.5:3000"
	DeviceID  string
	Token     string

	DialTimeout       time.Duration // default 10s
	KeepaliveInterval time.Duration // default 25s
	BackoffBase       time.Duration // default 1s
	BackoffMax        time.Duration // default 60s
	DedupSize         int           // default 200
}

func (c *Config) applyDefaults() {
	if c.DialTimeout == 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.KeepaliveInterval == 0 {
		c.KeepaliveInterval = 25 * time.Second
	}
	if c.BackoffBase == 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffMax == 0 {
		c.BackoffMax = 60 * time.Second
	}
	if c.DedupSize == 0 {
		c.DedupSize = DefaultDedupSize
	}
}

// Client maintains one session with the gateway, reconnecting with
// exponential back-off for as long as it should be running.
type Client struct {
	cfg     Config
	handler CallHandler
	log     zerolog.Logger

	mu             sync.Mutex
	state          State
	lastErr        error
	conn           *conn
	gen            uint64 // connection generation; stale callbacks are ignored
	shouldRun      bool
	attempt        int
	reconnectTimer *time.Timer
	keepaliveStop  chan struct{}

	seen *dedupFilter
	wg   sync.WaitGroup
}

// NewClient creates a client. The handler may be nil, in which case CALL
// commands are ACKed and logged but not acted on.
func NewClient(cfg Config, handler CallHandler, log zerolog.Logger) (*Client, error) {
	cfg.applyDefaults()
	if cfg.ServerURL == "" {
		return nil, errors.New("server URL is required")
	}
	if cfg.DeviceID == "" {
		return nil, errors.New("device ID is required")
	}

	seen, err := newDedupFilter(cfg.DedupSize)
	if err != nil {
		return nil, fmt.Errorf("create dedup filter: %w", err)
	}

	return &Client{
		cfg:     cfg,
		handler: handler,
		log:     log,
		seen:    seen,
	}, nil
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the error behind the last errored state, if any.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Connect starts the session loop. Idempotent while already connecting or
// connected. Called during a reconnect back-off it supersedes the pending
// timer: the scheduled dial is invalidated so only one connection attempt
// is ever in flight.
func (c *Client) Connect() {
	c.mu.Lock()
	if c.shouldRun && (c.state == StateConnecting || c.state == StateConnected) {
		c.mu.Unlock()
		return
	}
	c.shouldRun = true
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	c.gen++ // a back-off dial that already fired sees a stale generation
	gen := c.gen
	c.state = StateConnecting
	c.mu.Unlock()

	c.wg.Add(1)
	go c.dialAndServe(gen)
}

// Disconnect stops the session loop, cancels any scheduled reconnect and
// closes the live connection gracefully. Idempotent.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.shouldRun = false
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	if c.keepaliveStop != nil {
		close(c.keepaliveStop)
		c.keepaliveStop = nil
	}
	cn := c.conn
	c.conn = nil
	c.gen++ // invalidate in-flight callbacks
	c.state = StateDisconnected
	c.mu.Unlock()

	if cn != nil {
		cn.close(true)
	}
	c.wg.Wait()
}

// ReportStatus sends a call-lifecycle STATUS frame to the gateway. The
// call handler collaborator uses this to report progress after an ACK.
func (c *Client) ReportStatus(state, number string) error {
	c.mu.Lock()
	cn := c.conn
	c.mu.Unlock()

	if cn == nil {
		return ErrNotConnected
	}
	return cn.writeFrame(&protocol.Frame{Type: protocol.TypeStatus, State: state, Number: number})
}

// dialAndServe performs one connection attempt for generation gen and, on
// success, runs the read loop until the connection dies.
func (c *Client) dialAndServe(gen uint64) {
	defer c.wg.Done()

	cn, err := dial(c.cfg.ServerURL, c.cfg.DialTimeout)

	c.mu.Lock()
	if !c.shouldRun || c.gen != gen {
		c.mu.Unlock()
		if err == nil {
			cn.close(true)
		}
		return
	}
	if err != nil {
		c.log.Warn().Err(err).Msg("connection attempt failed")
		c.state = StateErrored
		c.lastErr = err
		c.scheduleReconnectLocked()
		c.mu.Unlock()
		return
	}

	c.conn = cn
	c.state = StateConnected
	c.lastErr = nil
	c.attempt = 0
	stop := make(chan struct{})
	c.keepaliveStop = stop
	c.mu.Unlock()

	c.log.Info().Str("server", c.cfg.ServerURL).Msg("connected to gateway")

	// AUTH must be the first frame on the wire.
	if err := cn.writeFrame(&protocol.Frame{
		Type:     protocol.TypeAuth,
		DeviceID: c.cfg.DeviceID,
		Token:    c.cfg.Token,
	}); err != nil {
		c.log.Warn().Err(err).Msg("failed to send AUTH")
		c.connClosed(gen, err)
		return
	}

	c.wg.Add(1)
	go c.keepaliveLoop(cn, stop)

	c.readLoop(cn, gen)
}

// readLoop delivers inbound frames until the connection errors out.
// Malformed frames are logged and dropped; only transport errors end the
// loop.
func (c *Client) readLoop(cn *conn, gen uint64) {
	for {
		frame, raw, err := cn.readFrame()
		if err != nil {
			if frame == nil && raw != nil {
				c.log.Warn().Err(err).Msg("dropping malformed frame")
				continue
			}
			c.connClosed(gen, err)
			return
		}
		c.handleFrame(cn, frame)
	}
}

func (c *Client) handleFrame(cn *conn, frame *protocol.Frame) {
	switch frame.Type {
	case protocol.TypeAuthOK:
		c.log.Info().Str("device", frame.DeviceID).Msg("authenticated with gateway")

	case protocol.TypeAuthFailed:
		// The gateway closes right after this; the reconnect loop takes
		// over from the close.
		c.log.Error().Str("reason", frame.Reason).Msg("authentication rejected")
		c.mu.Lock()
		c.lastErr = fmt.Errorf("auth failed: %s", frame.Reason)
		c.mu.Unlock()

	case protocol.TypeCall:
		c.handleCall(cn, frame)

	case protocol.TypePing:
		cn.writeFrame(&protocol.Frame{Type: protocol.TypePong})

	case protocol.TypePong:
		// Answer to our keepalive nudge; nothing to do.

	case protocol.TypeError:
		c.log.Warn().Str("reason", frame.Reason).Msg("gateway reported protocol error")

	default:
		c.log.Warn().Str("type", frame.Type).Msg("dropping unrecognized frame")
	}
}

// handleCall acknowledges and dispatches one CALL command. The ACK always
// goes out first so the hub's dedup expectation holds even when the local
// call action fails afterward; duplicates are ACKed again but never
// forwarded twice.
func (c *Client) handleCall(cn *conn, frame *protocol.Frame) {
	duplicate := c.seen.Seen(frame.CommandID)

	if err := cn.writeFrame(&protocol.Frame{Type: protocol.TypeAck, CommandID: frame.CommandID}); err != nil {
		c.log.Warn().Err(err).Str("commandId", frame.CommandID).Msg("failed to send ACK")
		return
	}

	if duplicate {
		c.log.Info().Str("commandId", frame.CommandID).Msg("duplicate command, dropping")
		return
	}

	if err := protocol.ValidateNumber(frame.Number); err != nil {
		c.log.Warn().Err(err).Str("commandId", frame.CommandID).Msg("rejecting command")
		cn.writeFrame(&protocol.Frame{Type: protocol.TypeStatus, State: protocol.CallFailed, Number: frame.Number})
		return
	}

	c.log.Info().Str("commandId", frame.CommandID).Str("number", frame.Number).Msg("placing call")

	if c.handler == nil {
		return
	}
	number := frame.Number
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.handler.PlaceCall(number); err != nil {
			c.log.Error().Err(err).Str("number", number).Msg("call handler failed")
			if rerr := c.ReportStatus(protocol.CallFailed, number); rerr != nil {
				c.log.Warn().Err(rerr).Msg("could not report failed call")
			}
		}
	}()
}

// keepaliveLoop nudges the gateway at a low cadence. The gateway drives
// real liveness detection with its own probes; this keeps intermediaries
// from idling the connection out.
func (c *Client) keepaliveLoop(cn *conn, stop chan struct{}) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := cn.writeFrame(&protocol.Frame{Type: protocol.TypePing}); err != nil {
				return
			}
		}
	}
}

// connClosed handles the end of one connection, scheduling a reconnect if
// the client should still be running. Stale generations (already
// disconnected or replaced) are ignored.
func (c *Client) connClosed(gen uint64, err error) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	c.gen++
	if c.keepaliveStop != nil {
		close(c.keepaliveStop)
		c.keepaliveStop = nil
	}
	cn := c.conn
	c.conn = nil

	if !c.shouldRun {
		c.state = StateDisconnected
		c.mu.Unlock()
		if cn != nil {
			cn.close(false)
		}
		return
	}

	c.log.Warn().Err(err).Msg("connection lost")
	c.state = StateDisconnected
	c.lastErr = err
	c.scheduleReconnectLocked()
	c.mu.Unlock()

	if cn != nil {
		cn.close(false)
	}
}

// scheduleReconnectLocked arms the back-off timer. Caller holds c.mu.
func (c *Client) scheduleReconnectLocked() {
	delay := backoffDelay(c.attempt, c.cfg.BackoffBase, c.cfg.BackoffMax)
	c.attempt++
	c.gen++
	gen := c.gen

	c.log.Info().Dur("delay", delay).Int("attempt", c.attempt).Msg("scheduling reconnect")

	c.reconnectTimer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		if !c.shouldRun || c.gen != gen {
			c.mu.Unlock()
			return
		}
		c.state = StateConnecting
		c.mu.Unlock()

		c.wg.Add(1)
		go c.dialAndServe(gen)
	})
}

// backoffDelay computes min(base * 2^attempt, max).
func backoffDelay(attempt int, base, max time.Duration) time.Duration {
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}
