package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

const (
	// MaxFrameSize is the maximum allowed size of an encoded frame (4 KB).
	// Every frame in this protocol is a small control record; anything
	// larger is a protocol violation.
	MaxFrameSize = 4 * 1024
)

// Frame type discriminators
const (
	TypeAuth       = "AUTH"
	TypeAuthOK     = "AUTH_OK"
	TypeAuthFailed = "AUTH_FAILED"
	TypeCall       = "CALL"
	TypeAck        = "ACK"
	TypeStatus     = "STATUS"
	TypePing       = "PING"
	TypePong       = "PONG"
	TypeError      = "ERROR"
)

// Call lifecycle states carried by STATUS frames
const (
	CallStarted = "CALL_STARTED"
	CallEnded   = "CALL_ENDED"
	CallFailed  = "CALL_FAILED"
)

// WebSocket close codes used by the session protocol. 4000-4999 is the
// range reserved for application use.
const (
	CloseNormal            = 1000
	CloseReplaced          = 4000 // newer session registered for the same identity
	CloseAuthRequired      = 4001 // first frame was not a valid AUTH
	CloseInvalidCredential = 4002 // AUTH carried an unrecognized token
	CloseProbeTimeout      = 4003 // no PONG within the probe window
)

var (
	ErrFrameTooLarge = errors.New("frame exceeds maximum size (4 KB)")
	ErrMissingType   = errors.New("frame has no type field")
)

// Frame is a single wire message. All frame kinds share one flat record;
// the Type discriminator decides which fields are meaningful.
type Frame struct {
	Type      string `json:"type"`
	DeviceID  string `json:"deviceId,omitempty"`  // AUTH, AUTH_OK
	Token     string `json:"token,omitempty"`     // AUTH credential
	Number    string `json:"number,omitempty"`    // CALL destination, STATUS destination
	CommandID string `json:"commandId,omitempty"` // CALL, ACK
	State     string `json:"state,omitempty"`     // STATUS
	Reason    string `json:"reason,omitempty"`    // AUTH_FAILED, ERROR
}

// Encode serializes a frame to its wire form.
func Encode(f *Frame) ([]byte, error) {
	if f.Type == "" {
		return nil, ErrMissingType
	}
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	if len(data) > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	return data, nil
}

// Decode parses a wire message into a frame. A syntactically valid JSON
// object without a type field is still an invalid frame.
func Decode(data []byte) (*Frame, error) {
	if len(data) > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if f.Type == "" {
		return nil, ErrMissingType
	}
	return &f, nil
}

// ValidCallState reports whether s is one of the enumerated STATUS states.
func ValidCallState(s string) bool {
	switch s {
	case CallStarted, CallEnded, CallFailed:
		return true
	}
	return false
}
