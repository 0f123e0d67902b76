package notify

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Envelope types on the live channel.
const (
	TypeConnected    = "connected"
	TypeNotification = "notification"
	TypeBroadcast    = "broadcast"
	TypePing         = "ping"
	TypePong         = "pong"
)

// ErrMalformed marks an inbound frame that could not be decoded. The
// connection stays open; the frame is dropped.
var ErrMalformed = errors.New("malformed envelope")

// Envelope is the JSON frame exchanged on the live channel:
// {type, data?, message?, timestamp}.
type Envelope struct {
	Type      string    `json:"type"`
	Data      any       `json:"data,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type wireEnvelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Message   string          `json:"message,omitempty"`
	Timestamp json.RawMessage `json:"timestamp,omitempty"`
}

// DecodeEnvelope parses one inbound frame. Data is kept as json.RawMessage.
// The timestamp may be an RFC 3339 string or epoch milliseconds; an
// unparseable timestamp is left zero.
func DecodeEnvelope(b []byte) (Envelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(b, &w); err != nil {
		return Envelope{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if w.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}

	env := Envelope{Type: w.Type, Message: w.Message, Timestamp: decodeTimestamp(w.Timestamp)}
	if len(w.Data) > 0 && string(w.Data) != "null" {
		env.Data = w.Data
	}
	return env, nil
}

func decodeTimestamp(raw json.RawMessage) time.Time {
	if len(raw) == 0 {
		return time.Time{}
	}
	var ms int64
	if json.Unmarshal(raw, &ms) == nil {
		return time.UnixMilli(ms).UTC()
	}
	var t time.Time
	if json.Unmarshal(raw, &t) == nil {
		return t
	}
	return time.Time{}
}
