package protocol

import (
	"encoding/json"
	"fmt"

	"scriptrun/internal/session"
)

// Frame is the JSON unit exchanged with clients on both the push stream and
// the duplex stream. Only the fields relevant to Kind are set.
type Frame struct {
	Kind      string `json:"kind"`
	Text      string `json:"text,omitempty"`
	Code      *int   `json:"code,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// Server → Client frame kinds. The first four mirror session.MessageKind.
const (
	KindOutput  = string(session.KindOutput)
	KindError   = string(session.KindError)
	KindExit    = string(session.KindExit)
	KindTimeout = string(session.KindTimeout)
	KindSession = "session"
)

// Client → Server frame kinds.
const (
	KindInput     = "input"
	KindKeepalive = "keepalive"
	KindStop      = "stop"
)

// Error texts sent to clients.
const (
	ErrScriptNotFound  = "script not found"
	ErrSessionNotFound = "session not found"
	ErrStartFailed     = "failed to start script"
	ErrInvalidToken    = "invalid csrf token"
	ErrServer          = "server error"
)

// FromMessage converts a queued session message to its wire frame.
func FromMessage(m session.Message) Frame {
	f := Frame{Kind: string(m.Kind)}
	switch m.Kind {
	case session.KindOutput, session.KindError:
		f.Text = m.Text
	case session.KindExit:
		code := m.Code
		f.Code = &code
	}
	return f
}

// NewSessionFrame announces the session id to a client.
func NewSessionFrame(id string) Frame {
	return Frame{Kind: KindSession, SessionID: id}
}

// NewErrorFrame creates an error frame ready to send to the client.
func NewErrorFrame(text string) Frame {
	return Frame{Kind: KindError, Text: text}
}

// Encode marshals a frame to JSON.
func Encode(f Frame) ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("marshal frame: %w", err)
	}
	return data, nil
}

// Ends reports whether a frame of this kind closes a push stream.
func Ends(kind string) bool {
	return kind == KindExit || kind == KindTimeout
}
