package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Inbound message types.
const (
	TypeMove     = "move"
	TypeChatSend = "chat:send"
	TypePing     = "ping"
)

// Outbound message types.
const (
	TypeWorldState   = "world:state"
	TypeWorldUpdate  = "world:update"
	TypePlayerJoined = "player:joined"
	TypePlayerLeft   = "player:left"
	TypePlayerMoved  = "player:moved"
	TypeMoveAck      = "move:ack"
	TypeChatMessage  = "chat:message"
	TypePong         = "pong"
	TypeError        = "error"
)

// TimeLayout formats wire timestamps: UTC ISO-8601 with milliseconds.
const TimeLayout = "2006-01-02T15:04:05.000Z"

// RequestID echoes a client-chosen correlation id, either a string or a
// number. It keeps the raw JSON so it is returned exactly as sent.
type RequestID json.RawMessage

// UnmarshalJSON accepts only strings and numbers. null reads as absent.
func (r *RequestID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return fmt.Errorf("requestId: empty value")
	}
	if bytes.Equal(b, []byte("null")) {
		*r = nil
		return nil
	}
	switch c := b[0]; {
	case c == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return fmt.Errorf("requestId: %w", err)
		}
	case c == '-' || (c >= '0' && c <= '9'):
		var n json.Number
		if err := json.Unmarshal(b, &n); err != nil {
			return fmt.Errorf("requestId: %w", err)
		}
	default:
		return fmt.Errorf("requestId must be a string or a number")
	}
	*r = append((*r)[:0], b...)
	return nil
}

// MarshalJSON writes the id back unchanged.
func (r RequestID) MarshalJSON() ([]byte, error) {
	if len(r) == 0 {
		return []byte("null"), nil
	}
	return r, nil
}

// Inbound is the envelope every client frame must match.
type Inbound struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	RequestID RequestID       `json:"requestId,omitempty"`
}

// HasPayload reports whether the payload was present and not null.
func (in *Inbound) HasPayload() bool {
	p := bytes.TrimSpace(in.Payload)
	return len(p) > 0 && !bytes.Equal(p, []byte("null"))
}

// Outbound is the envelope of every server frame.
type Outbound struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
	Meta    any    `json:"meta,omitempty"`
}

// Encode serializes an outbound frame.
func Encode(typ string, payload any) ([]byte, error) {
	return json.Marshal(Outbound{Type: typ, Payload: payload})
}

// MovePayload is the payload of "move".
type MovePayload struct {
	Vector   Vector   `json:"vector"`
	Speed    *float64 `json:"speed,omitempty"`
	Sequence *SeqNum  `json:"sequence,omitempty"`
}

// SeqNum is a client sequence number. Integral floats such as 2.0 are
// accepted the same as 2.
type SeqNum uint64

func (n *SeqNum) UnmarshalJSON(b []byte) error {
	s := string(b)
	if v, err := strconv.ParseUint(s, 10, 64); err == nil {
		*n = SeqNum(v)
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f < 0 || f != math.Trunc(f) || f >= math.MaxUint64 {
		return fmt.Errorf("sequence %s is not a non-negative integer", s)
	}
	*n = SeqNum(f)
	return nil
}

// Vector is a requested direction with components in [-1, 1].
type Vector struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// ChatSendPayload is the payload of "chat:send".
type ChatSendPayload struct {
	Message string `json:"message"`
}

// Validate applies the length bounds to the trimmed message.
func (p ChatSendPayload) Validate() error {
	n := utf8.RuneCountInString(strings.TrimSpace(p.Message))
	switch {
	case n == 0:
		return NewClientError(CodeInvalidPayload, "message must not be blank").
			WithDetails(FieldError{Field: "message", Keyword: "minLength", Message: "blank after trimming"})
	case n > MaxChatLength:
		return Errorf(CodeInvalidPayload, "message exceeds %d characters", MaxChatLength).
			WithDetails(FieldError{Field: "message", Keyword: "maxLength", Message: "too long after trimming"})
	}
	return nil
}

// PingPayload is the payload of "ping".
type PingPayload struct {
	Timestamp *float64 `json:"timestamp,omitempty"`
}

// ErrorPayload is the payload of an "error" frame.
type ErrorPayload struct {
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	RequestID RequestID `json:"requestId,omitempty"`
	Details   any       `json:"details,omitempty"`
}

// PongPayload answers a ping. Both fields are unix milliseconds.
type PongPayload struct {
	Timestamp  float64 `json:"timestamp"`
	ReceivedAt int64   `json:"receivedAt"`
}

// ChatUser identifies the sender of a chat message.
type ChatUser struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

// ChatMessage is the payload of "chat:message".
type ChatMessage struct {
	ID      string   `json:"id"`
	Message string   `json:"message"`
	SentAt  string   `json:"sentAt"`
	User    ChatUser `json:"user"`
}

// PlayerLeft is the payload of "player:left".
type PlayerLeft struct {
	UserID int64 `json:"userId"`
}
