package device

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phonelink/phonelink/pkg/protocol"
)

func TestBackoffDelay(t *testing.T) {
	base := time.Second
	max := 60 * time.Second

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 1 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 16 * time.Second},
		{5, 32 * time.Second},
		{6, 60 * time.Second},
		{7, 60 * time.Second},
		{20, 60 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, backoffDelay(tt.attempt, base, max), "attempt %d", tt.attempt)
	}
}

func TestSessionURL(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "http://10.0.0.5:3000", want: "ws://10.0.0.5:3000/ws"},
		{in: "http://10.0.0.5:3000/", want: "ws://10.0.0.5:3000/ws"},
		{in: "https://gateway.local", want: "wss://gateway.local/ws"},
		{in: "ws://10.0.0.5:3000", want: "ws://10.0.0.5:3000/ws"},
		{in: "wss://gateway.local", want: "wss://gateway.local/ws"},
		{in: "ftp://10.0.0.5", wantErr: true},
		{in: "10.0.0.5:3000", wantErr: true},
	}
	for _, tt := range tests {
		got, err := sessionURL(tt.in)
		if tt.wantErr {
			assert.Error(t, err, "input %q", tt.in)
			continue
		}
		require.NoError(t, err, "input %q", tt.in)
		assert.Equal(t, tt.want, got, "input %q", tt.in)
	}
}

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient(Config{DeviceID: "d1"}, nil, zerolog.Nop())
	assert.Error(t, err)

	_, err = NewClient(Config{ServerURL: "http://x"}, nil, zerolog.Nop())
	assert.Error(t, err)

	c, err := NewClient(Config{ServerURL: "http://x", DeviceID: "d1"}, nil, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, StateDisconnected, c.State())
}

// hubConn wraps a gateway-side test socket with frame helpers.
type hubConn struct {
	t  *testing.T
	ws *websocket.Conn
}

func (h *hubConn) read() *protocol.Frame {
	h.t.Helper()
	h.ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := h.ws.ReadMessage()
	require.NoError(h.t, err)
	frame, err := protocol.Decode(data)
	require.NoError(h.t, err)
	return frame
}

func (h *hubConn) write(f *protocol.Frame) {
	h.t.Helper()
	data, err := protocol.Encode(f)
	require.NoError(h.t, err)
	require.NoError(h.t, h.ws.WriteMessage(websocket.TextMessage, data))
}

// expectAuth consumes the handshake and answers AUTH_OK.
func (h *hubConn) expectAuth(deviceID, token string) {
	h.t.Helper()
	auth := h.read()
	require.Equal(h.t, protocol.TypeAuth, auth.Type)
	require.Equal(h.t, deviceID, auth.DeviceID)
	require.Equal(h.t, token, auth.Token)
	h.write(&protocol.Frame{Type: protocol.TypeAuthOK, DeviceID: deviceID})
}

// newTestHub runs a fake gateway; every WebSocket session is handed to
// onSession on its own goroutine.
func newTestHub(t *testing.T, onSession func(h *hubConn)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ws" {
			http.NotFound(w, r)
			return
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		onSession(&hubConn{t: t, ws: ws})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testClientConfig(serverURL string) Config {
	return Config{
		ServerURL:         serverURL,
		DeviceID:          "phone-1",
		Token:             "secret",
		DialTimeout:       2 * time.Second,
		KeepaliveInterval: time.Hour,
		BackoffBase:       10 * time.Millisecond,
		BackoffMax:        50 * time.Millisecond,
	}
}

type recordingHandler struct {
	calls chan string
	err   error
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{calls: make(chan string, 16)}
}

func (h *recordingHandler) PlaceCall(number string) error {
	h.calls <- number
	return h.err
}

func TestClientAuthenticatesAndPlacesCall(t *testing.T) {
	acked := make(chan *protocol.Frame, 16)
	srv := newTestHub(t, func(h *hubConn) {
		h.expectAuth("phone-1", "secret")
		h.write(&protocol.Frame{Type: protocol.TypeCall, Number: "+12025550123", CommandID: "cmd-1"})
		acked <- h.read()
	})

	handler := newRecordingHandler()
	c, err := NewClient(testClientConfig(srv.URL), handler, zerolog.Nop())
	require.NoError(t, err)
	c.Connect()
	defer c.Disconnect()

	select {
	case ack := <-acked:
		assert.Equal(t, protocol.TypeAck, ack.Type)
		assert.Equal(t, "cmd-1", ack.CommandID)
	case <-time.After(2 * time.Second):
		t.Fatal("no ACK received")
	}

	select {
	case number := <-handler.calls:
		assert.Equal(t, "+12025550123", number)
	case <-time.After(2 * time.Second):
		t.Fatal("handler was never invoked")
	}

	assert.Equal(t, StateConnected, c.State())
}

func TestClientDuplicateCallAckedButNotForwarded(t *testing.T) {
	acks := make(chan *protocol.Frame, 16)
	srv := newTestHub(t, func(h *hubConn) {
		h.expectAuth("phone-1", "secret")
		h.write(&protocol.Frame{Type: protocol.TypeCall, Number: "+12025550123", CommandID: "cmd-1"})
		acks <- h.read()
		h.write(&protocol.Frame{Type: protocol.TypeCall, Number: "+12025550123", CommandID: "cmd-1"})
		acks <- h.read()
	})

	handler := newRecordingHandler()
	c, err := NewClient(testClientConfig(srv.URL), handler, zerolog.Nop())
	require.NoError(t, err)
	c.Connect()
	defer c.Disconnect()

	for i := 0; i < 2; i++ {
		select {
		case ack := <-acks:
			assert.Equal(t, protocol.TypeAck, ack.Type, "delivery %d", i+1)
			assert.Equal(t, "cmd-1", ack.CommandID, "delivery %d", i+1)
		case <-time.After(2 * time.Second):
			t.Fatalf("no ACK for delivery %d", i+1)
		}
	}

	select {
	case <-handler.calls:
	case <-time.After(2 * time.Second):
		t.Fatal("handler was never invoked")
	}

	// The duplicate was acknowledged but must not reach the handler.
	select {
	case number := <-handler.calls:
		t.Fatalf("duplicate command forwarded to handler: %s", number)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestClientInvalidNumberRejectedAfterAck(t *testing.T) {
	frames := make(chan *protocol.Frame, 16)
	srv := newTestHub(t, func(h *hubConn) {
		h.expectAuth("phone-1", "secret")
		h.write(&protocol.Frame{Type: protocol.TypeCall, Number: "not-a-number", CommandID: "cmd-1"})
		frames <- h.read()
		frames <- h.read()
	})

	handler := newRecordingHandler()
	c, err := NewClient(testClientConfig(srv.URL), handler, zerolog.Nop())
	require.NoError(t, err)
	c.Connect()
	defer c.Disconnect()

	readHub := func() *protocol.Frame {
		select {
		case f := <-frames:
			return f
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for frame from device")
			return nil
		}
	}

	ack := readHub()
	assert.Equal(t, protocol.TypeAck, ack.Type)
	assert.Equal(t, "cmd-1", ack.CommandID)

	status := readHub()
	assert.Equal(t, protocol.TypeStatus, status.Type)
	assert.Equal(t, protocol.CallFailed, status.State)

	select {
	case number := <-handler.calls:
		t.Fatalf("invalid command forwarded to handler: %s", number)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestClientHandlerFailureReportsCallFailed(t *testing.T) {
	frames := make(chan *protocol.Frame, 16)
	srv := newTestHub(t, func(h *hubConn) {
		h.expectAuth("phone-1", "secret")
		h.write(&protocol.Frame{Type: protocol.TypeCall, Number: "+12025550123", CommandID: "cmd-1"})
		frames <- h.read()
		frames <- h.read()
	})

	handler := newRecordingHandler()
	handler.err = errors.New("modem on fire")
	c, err := NewClient(testClientConfig(srv.URL), handler, zerolog.Nop())
	require.NoError(t, err)
	c.Connect()
	defer c.Disconnect()

	var got []*protocol.Frame
	for i := 0; i < 2; i++ {
		select {
		case f := <-frames:
			got = append(got, f)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for frame %d", i+1)
		}
	}

	assert.Equal(t, protocol.TypeAck, got[0].Type)
	assert.Equal(t, protocol.TypeStatus, got[1].Type)
	assert.Equal(t, protocol.CallFailed, got[1].State)
	assert.Equal(t, "+12025550123", got[1].Number)
}

func TestClientAnswersPing(t *testing.T) {
	pongs := make(chan *protocol.Frame, 16)
	srv := newTestHub(t, func(h *hubConn) {
		h.expectAuth("phone-1", "secret")
		h.write(&protocol.Frame{Type: protocol.TypePing})
		pongs <- h.read()
	})

	c, err := NewClient(testClientConfig(srv.URL), nil, zerolog.Nop())
	require.NoError(t, err)
	c.Connect()
	defer c.Disconnect()

	select {
	case pong := <-pongs:
		assert.Equal(t, protocol.TypePong, pong.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("no PONG received")
	}
}

func TestClientReconnectsAfterDrop(t *testing.T) {
	connects := make(chan struct{}, 16)
	srv := newTestHub(t, func(h *hubConn) {
		h.expectAuth("phone-1", "secret")
		connects <- struct{}{}
		// Drop the session immediately; the device should come back.
		h.ws.Close()
	})

	c, err := NewClient(testClientConfig(srv.URL), nil, zerolog.Nop())
	require.NoError(t, err)
	c.Connect()
	defer c.Disconnect()

	for i := 0; i < 3; i++ {
		select {
		case <-connects:
		case <-time.After(2 * time.Second):
			t.Fatalf("connection %d never arrived", i+1)
		}
	}
}

func TestClientConnectDuringBackoffKeepsSingleSession(t *testing.T) {
	var active, peak, sessions atomic.Int32
	srv := newTestHub(t, func(h *hubConn) {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		defer active.Add(-1)

		h.expectAuth("phone-1", "secret")
		if sessions.Add(1) == 1 {
			// Drop the first session to push the client into back-off.
			h.ws.Close()
			return
		}
		for {
			h.ws.SetReadDeadline(time.Now().Add(5 * time.Second))
			if _, _, err := h.ws.ReadMessage(); err != nil {
				return
			}
		}
	})

	cfg := testClientConfig(srv.URL)
	cfg.BackoffBase = 400 * time.Millisecond
	cfg.BackoffMax = 400 * time.Millisecond

	c, err := NewClient(cfg, nil, zerolog.Nop())
	require.NoError(t, err)
	c.Connect()

	// Wait for the drop to land so a reconnect is pending.
	require.Eventually(t, func() bool {
		return sessions.Load() == 1 && c.State() == StateDisconnected
	}, 2*time.Second, 5*time.Millisecond)

	// A manual Connect inside the back-off window supersedes the timer.
	c.Connect()

	require.Eventually(t, func() bool {
		return c.State() == StateConnected
	}, 2*time.Second, 5*time.Millisecond)

	// Let the original back-off deadline pass; it must not dial again.
	time.Sleep(600 * time.Millisecond)
	assert.EqualValues(t, 2, sessions.Load(), "back-off timer dialed on top of the manual connect")
	assert.LessOrEqual(t, peak.Load(), int32(1), "client held concurrent connections")

	// Disconnect must terminate every goroutine the client started.
	done := make(chan struct{})
	go func() {
		c.Disconnect()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Disconnect did not return")
	}
	assert.Equal(t, StateDisconnected, c.State())
}

func TestClientDedupSurvivesReconnect(t *testing.T) {
	var session atomic.Int32
	srv := newTestHub(t, func(h *hubConn) {
		n := session.Add(1)
		h.expectAuth("phone-1", "secret")
		h.write(&protocol.Frame{Type: protocol.TypeCall, Number: "+12025550123", CommandID: "cmd-1"})
		h.read() // ACK
		if n == 1 {
			h.ws.Close()
		}
	})

	handler := newRecordingHandler()
	c, err := NewClient(testClientConfig(srv.URL), handler, zerolog.Nop())
	require.NoError(t, err)
	c.Connect()
	defer c.Disconnect()

	select {
	case <-handler.calls:
	case <-time.After(2 * time.Second):
		t.Fatal("first delivery never reached the handler")
	}

	// The re-sent command after reconnection is a duplicate: the filter
	// outlives the connection.
	select {
	case number := <-handler.calls:
		t.Fatalf("re-sent command forwarded again after reconnect: %s", number)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestClientDialFailureEntersErroredState(t *testing.T) {
	cfg := testClientConfig("http://127.0.0.1:1")
	cfg.DialTimeout = 200 * time.Millisecond
	cfg.BackoffBase = time.Hour // no retry during the test
	cfg.BackoffMax = time.Hour

	c, err := NewClient(cfg, nil, zerolog.Nop())
	require.NoError(t, err)
	c.Connect()
	defer c.Disconnect()

	assert.Eventually(t, func() bool {
		return c.State() == StateErrored
	}, 5*time.Second, 10*time.Millisecond)
	assert.Error(t, c.Err())
}

func TestClientConnectAndDisconnectIdempotent(t *testing.T) {
	srv := newTestHub(t, func(h *hubConn) {
		h.expectAuth("phone-1", "secret")
		// Hold the session open until the client goes away.
		for {
			h.ws.SetReadDeadline(time.Now().Add(5 * time.Second))
			if _, _, err := h.ws.ReadMessage(); err != nil {
				return
			}
		}
	})

	c, err := NewClient(testClientConfig(srv.URL), nil, zerolog.Nop())
	require.NoError(t, err)

	c.Connect()
	c.Connect()

	assert.Eventually(t, func() bool {
		return c.State() == StateConnected
	}, 2*time.Second, 10*time.Millisecond)

	c.Disconnect()
	c.Disconnect()
	assert.Equal(t, StateDisconnected, c.State())

	// Disconnected means no status reports.
	err = c.ReportStatus(protocol.CallEnded, "+12025550123")
	assert.ErrorIs(t, err, ErrNotConnected)
}
