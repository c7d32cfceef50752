// Package protocol defines the WebSocket events exchanged between clients and
// the relay. Every frame is a JSON object carrying a "type" discriminator; the
// remaining fields depend on the type.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Client -> Server event types.
const (
	TypeFindStranger     = "find_stranger"
	TypeMessage          = "message"
	TypeTyping           = "typing"
	TypeStopTyping       = "stop_typing"
	TypeNextChat         = "next_chat"
	TypeFindVideoPartner = "find_video_partner"
	TypeVideoSignal      = "video_signal"
	TypeEndCall          = "end_call"
	TypeVideoChatMessage = "video_chat_message"
	TypeReportUser       = "report_user"
	TypePing             = "ping"
)

// Server -> Client event types. message, video_signal and video_chat_message
// share their names with the client events above.
const (
	TypeSessionCreated      = "session_created"
	TypePartnerFound        = "partner_found"
	TypePartnerTyping       = "partner_typing"
	TypePartnerStopTyping   = "partner_stop_typing"
	TypePartnerLeft         = "partner_left"
	TypeNoPartner           = "no_partner"
	TypeVideoPartnerFound   = "video_partner_found"
	TypeCallEnded           = "call_ended"
	TypeReportLimitExceeded = "report_limit_exceeded"
	TypeReportError         = "report_error"
	TypeError               = "error"
	TypePong                = "pong"
)

// Teardown reasons carried by partner_left and call_ended.
const (
	ReasonDisconnected = "disconnected"
	ReasonSkipped      = "skipped"
	ReasonReported     = "reported"
)

// Report kinds accepted by report_user.
const (
	ReportKindChat  = "chat"
	ReportKindVideo = "video"
)

// ErrUnknownType is returned by ParseClientMessage for types a client may not
// send.
var ErrUnknownType = errors.New("protocol: unknown client message type")

// Envelope holds the type discriminator and the raw frame so the rest of the
// payload can be decoded once the type is known.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON keeps a copy of the whole frame and extracts only "type".
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server
// ---------------------------------------------------------------------------

// FindStrangerMsg asks to be paired for text chat.
type FindStrangerMsg struct {
	Type string `json:"type"`
}

// ChatMsg is a text chat line. Content rules live in chat.ValidateMessage so
// that violations surface as invalid_message rather than invalid_payload.
type ChatMsg struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type TypingMsg struct {
	Type string `json:"type"`
}

type StopTypingMsg struct {
	Type string `json:"type"`
}

// NextChatMsg leaves the current chat room, if any, and searches again.
type NextChatMsg struct {
	Type string `json:"type"`
}

type FindVideoPartnerMsg struct {
	Type string `json:"type"`
}

// VideoSignalMsg carries an opaque WebRTC signaling payload (offer, answer or
// ICE candidate). It is forwarded without inspection.
type VideoSignalMsg struct {
	Type       string          `json:"type"`
	SignalData json.RawMessage `json:"signal_data" validate:"present"`
}

type EndCallMsg struct {
	Type string `json:"type"`
}

// VideoChatMsg is a text line sent alongside a video call. It is relayed but
// never recorded.
type VideoChatMsg struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ReportUserMsg reports the current partner of the given kind. An empty kind
// means chat.
type ReportUserMsg struct {
	Type         string   `json:"type"`
	Kind         string   `json:"kind"`
	Reason       string   `json:"reason" validate:"max=500"`
	CallDuration *float64 `json:"call_duration" validate:"omitempty,gte=0"`
}

type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client
// ---------------------------------------------------------------------------

type SessionCreatedMsg struct {
	SessionID string `json:"session_id"`
}

// EmptyMsg is the payload of events that carry only a type.
type EmptyMsg struct{}

// ServerChatMsg relays a chat line; From is the sender's connection id.
type ServerChatMsg struct {
	From string `json:"from"`
	Text string `json:"text"`
}

type PartnerLeftMsg struct {
	Reason string `json:"reason"`
}

type CallEndedMsg struct {
	Reason string `json:"reason"`
}

// NoticeMsg is the payload of no_partner, report_limit_exceeded and
// report_error.
type NoticeMsg struct {
	Message string `json:"message"`
}

type VideoPartnerFoundMsg struct {
	Initiator bool `json:"initiator"`
}

type ServerVideoSignalMsg struct {
	SignalData json.RawMessage `json:"signal_data"`
}

type ServerVideoChatMsg struct {
	Text string `json:"text"`
}

type ErrorMsg struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// present rejects a missing or null raw JSON value.
	_ = v.RegisterValidation("present", func(fl validator.FieldLevel) bool {
		raw, ok := fl.Field().Interface().(json.RawMessage)
		if !ok {
			return false
		}
		return len(raw) > 0 && string(raw) != "null"
	})
	return v
}

// ParseClientMessage decodes and validates a raw client frame. It returns the
// type, the decoded struct (by value) and any error. Unknown types wrap
// ErrUnknownType.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeFindStranger:
		var m FindStrangerMsg
		err = decode(env.Raw, &m)
		msg = m
	case TypeMessage:
		var m ChatMsg
		err = decode(env.Raw, &m)
		msg = m
	case TypeTyping:
		var m TypingMsg
		err = decode(env.Raw, &m)
		msg = m
	case TypeStopTyping:
		var m StopTypingMsg
		err = decode(env.Raw, &m)
		msg = m
	case TypeNextChat:
		var m NextChatMsg
		err = decode(env.Raw, &m)
		msg = m
	case TypeFindVideoPartner:
		var m FindVideoPartnerMsg
		err = decode(env.Raw, &m)
		msg = m
	case TypeVideoSignal:
		var m VideoSignalMsg
		err = decode(env.Raw, &m)
		msg = m
	case TypeEndCall:
		var m EndCallMsg
		err = decode(env.Raw, &m)
		msg = m
	case TypeVideoChatMessage:
		var m VideoChatMsg
		err = decode(env.Raw, &m)
		msg = m
	case TypeReportUser:
		var m ReportUserMsg
		err = decode(env.Raw, &m)
		if m.Kind == "" {
			m.Kind = ReportKindChat
		}
		msg = m
	case TypePing:
		var m PingMsg
		err = decode(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: invalid %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

func decode(raw json.RawMessage, dst interface{}) error {
	if err := json.Unmarshal(raw, dst); err != nil {
		return err
	}
	return validate.Struct(dst)
}

// NewServerMessage encodes a server event. The payload must encode to a JSON
// object; a "type" key set to msgType is prepended to its fields and the rest
// of the encoding is kept byte for byte. A nil payload yields {"type": msgType}.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	typ, err := json.Marshal(msgType)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal type: %w", err)
	}

	body := []byte("{}")
	if payload != nil {
		body, err = json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
		}
	}
	if len(body) < 2 || body[0] != '{' {
		return nil, fmt.Errorf("protocol: payload for %q is not a JSON object", msgType)
	}

	out := make([]byte, 0, len(body)+len(typ)+10)
	out = append(out, `{"type":`...)
	out = append(out, typ...)
	if len(body) > 2 {
		out = append(out, ',')
	}
	out = append(out, body[1:]...)
	return out, nil
}

// MustServerMessage is NewServerMessage for payloads built from this package's
// own structs, which always encode.
func MustServerMessage(msgType string, payload interface{}) []byte {
	out, err := NewServerMessage(msgType, payload)
	if err != nil {
		panic(err)
	}
	return out
}
