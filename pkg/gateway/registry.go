package gateway

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/phonelink/phonelink/pkg/protocol"
)

// ErrNotConnected is returned by Send when no live session exists for the
// requested identity.
var ErrNotConnected = errors.New("device not connected")

// Disconnect reasons carried on events and metrics labels.
const (
	ReasonReplaced     = "replaced"
	ReasonProbeTimeout = "probe-timeout"
	ReasonClosed       = "closed"
	ReasonShutdown     = "shutdown"
)

// EventType distinguishes registry events.
type EventType int

const (
	EventConnected EventType = iota
	EventDisconnected
)

// Event is emitted on every session connect and exactly once per
// disconnect, whatever the cause.
type Event struct {
	Type     EventType
	Identity string
	Reason   string
	At       time.Time
}

// Session is one authenticated device connection. It is owned by the
// Registry from Register until the disconnect event fires.
type Session struct {
	Identity    string
	ConnectedAt time.Time

	conn Conn

	stop     chan struct{}
	stopOnce sync.Once

	probeMu    sync.Mutex
	probeTimer *time.Timer

	eventOnce sync.Once
}

// terminate stops the heartbeat loop and disarms any pending probe timer.
// A timer that has already fired but not yet run observes the stopped
// state and becomes a no-op.
func (s *Session) terminate() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.probeMu.Lock()
	if s.probeTimer != nil {
		s.probeTimer.Stop()
		s.probeTimer = nil
	}
	s.probeMu.Unlock()
}

func (s *Session) stopped() bool {
	select {
	case <-s.stop:
		return true
	default:
		return false
	}
}

// Registry tracks the single live session per device identity and owns the
// heartbeat machinery that detects half-open connections.
type Registry struct {
	heartbeatInterval time.Duration
	probeTimeout      time.Duration

	// registerMu serializes the whole read-close-install replacement
	// sequence. Without it, two connections finishing AUTH at the same
	// moment can both miss the other's session and install back-to-back,
	// leaving an orphaned session that is never terminated. Registrations
	// are rare; Send and the read paths only contend on mu.
	registerMu sync.Mutex

	mu       sync.RWMutex
	sessions map[string]*Session

	events  chan Event
	metrics *Metrics
	log     zerolog.Logger
}

// NewRegistry creates a registry with the given heartbeat settings.
func NewRegistry(heartbeatInterval, probeTimeout time.Duration, log zerolog.Logger) *Registry {
	return &Registry{
		heartbeatInterval: heartbeatInterval,
		probeTimeout:      probeTimeout,
		sessions:          make(map[string]*Session),
		events:            make(chan Event, 64),
		log:               log,
	}
}

// SetMetrics attaches metrics to the registry.
func (r *Registry) SetMetrics(m *Metrics) {
	r.metrics = m
}

// Events returns the stream of connect/disconnect events. The channel is
// buffered; if nobody drains it, events are dropped rather than blocking
// session teardown.
func (r *Registry) Events() <-chan Event {
	return r.events
}

// Register installs a session for identity, replacing any existing one.
// The old session's handle is fully closed before the new session becomes
// visible to Send, so no command is ever written to a superseded handle.
func (r *Registry) Register(identity string, conn Conn) *Session {
	r.registerMu.Lock()
	defer r.registerMu.Unlock()

	r.mu.Lock()
	old := r.sessions[identity]
	delete(r.sessions, identity)
	r.mu.Unlock()

	if old != nil {
		r.log.Info().Str("device", identity).Msg("replacing existing session")
		old.terminate()
		old.conn.Close(protocol.CloseReplaced, "Replaced by new session")
		r.emitDisconnected(old, ReasonReplaced)
	}

	sess := &Session{
		Identity:    identity,
		ConnectedAt: time.Now(),
		conn:        conn,
		stop:        make(chan struct{}),
	}

	r.mu.Lock()
	r.sessions[identity] = sess
	count := len(r.sessions)
	r.mu.Unlock()

	go r.heartbeatLoop(sess)

	if r.metrics != nil {
		r.metrics.RecordConnectedDevices(count)
		r.metrics.RecordSessionRegistered()
	}
	r.emit(Event{Type: EventConnected, Identity: identity, At: sess.ConnectedAt})
	r.log.Info().Str("device", identity).Msg("device connected")

	return sess
}

// Unregister removes a session after its connection closed. Safe to call
// for a session that was already replaced or expired; only the current
// owner of the identity slot is removed, and the disconnect event still
// fires at most once per session.
func (r *Registry) Unregister(sess *Session, reason string) {
	r.remove(sess, protocol.CloseNormal, reason)
}

// remove tears down one session: slot removal, timer cancellation,
// connection close and the single disconnect event.
func (r *Registry) remove(sess *Session, closeCode int, reason string) {
	r.mu.Lock()
	if r.sessions[sess.Identity] == sess {
		delete(r.sessions, sess.Identity)
	}
	count := len(r.sessions)
	r.mu.Unlock()

	sess.terminate()
	sess.conn.Close(closeCode, reason)

	if r.metrics != nil {
		r.metrics.RecordConnectedDevices(count)
	}
	r.emitDisconnected(sess, reason)
}

// Send serializes a frame to the session registered for identity. A write
// failure is reported but the session is left in place; the connection's
// close handler removes it, which avoids double-removal races.
func (r *Registry) Send(identity string, f *protocol.Frame) error {
	r.mu.RLock()
	sess := r.sessions[identity]
	r.mu.RUnlock()

	if sess == nil {
		return fmt.Errorf("%w: %s", ErrNotConnected, identity)
	}
	if err := sess.conn.WriteFrame(f); err != nil {
		return fmt.Errorf("write to %s: %w", identity, err)
	}
	return nil
}

// IsConnected reports whether a live session exists for identity.
func (r *Registry) IsConnected(identity string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[identity]
	return ok
}

// DeviceInfo is a read-only projection of one session.
type DeviceInfo struct {
	Identity    string
	ConnectedAt time.Time
}

// Devices returns a snapshot of all live sessions, sorted by identity.
func (r *Registry) Devices() []DeviceInfo {
	r.mu.RLock()
	infos := make([]DeviceInfo, 0, len(r.sessions))
	for _, sess := range r.sessions {
		infos = append(infos, DeviceInfo{Identity: sess.Identity, ConnectedAt: sess.ConnectedAt})
	}
	r.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].Identity < infos[j].Identity })
	return infos
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CloseAll gracefully closes every session. Used on shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		sessions = append(sessions, sess)
	}
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, sess := range sessions {
		sess.terminate()
		sess.conn.Close(protocol.CloseNormal, "Server shutting down")
		r.emitDisconnected(sess, ReasonShutdown)
	}
}

// HandlePong disarms the pending probe timer for a session. A PONG with no
// probe outstanding is harmless.
func (r *Registry) HandlePong(sess *Session) {
	sess.probeMu.Lock()
	if sess.probeTimer != nil {
		sess.probeTimer.Stop()
		sess.probeTimer = nil
	}
	sess.probeMu.Unlock()
}

// heartbeatLoop sends a PING every heartbeat interval and arms the probe
// timeout. It exits when the session is terminated.
func (r *Registry) heartbeatLoop(sess *Session) {
	ticker := time.NewTicker(r.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sess.stop:
			return
		case <-ticker.C:
			if err := sess.conn.WriteFrame(&protocol.Frame{Type: protocol.TypePing}); err != nil {
				// Leave the session for the close handler to reap.
				r.log.Debug().Str("device", sess.Identity).Err(err).Msg("heartbeat write failed")
				continue
			}
			r.armProbe(sess)
		}
	}
}

// armProbe starts the probe timeout unless one is already outstanding
// (no PONG since the previous PING).
func (r *Registry) armProbe(sess *Session) {
	sess.probeMu.Lock()
	defer sess.probeMu.Unlock()

	if sess.probeTimer != nil {
		return
	}
	sess.probeTimer = time.AfterFunc(r.probeTimeout, func() {
		if sess.stopped() {
			// Late fire after terminate; ignore.
			return
		}
		r.log.Warn().Str("device", sess.Identity).Msg("liveness probe timed out, terminating session")
		if r.metrics != nil {
			r.metrics.RecordHeartbeatTimeout()
		}
		// Best effort: if the peer is truly gone the close frame just fails.
		r.remove(sess, protocol.CloseProbeTimeout, ReasonProbeTimeout)
	})
}

func (r *Registry) emitDisconnected(sess *Session, reason string) {
	sess.eventOnce.Do(func() {
		if r.metrics != nil {
			r.metrics.RecordDisconnect(reason)
		}
		r.log.Info().Str("device", sess.Identity).Str("reason", reason).Msg("device disconnected")
		r.emit(Event{Type: EventDisconnected, Identity: sess.Identity, Reason: reason, At: time.Now()})
	})
}

func (r *Registry) emit(ev Event) {
	select {
	case r.events <- ev:
	default:
	}
}
