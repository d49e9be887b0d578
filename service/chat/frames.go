package chat

import (
	"encoding/json"

	"github.com/taskhive/chatcore/module/chat/model"
	"github.com/taskhive/chatcore/tools/errs"
)

// Inbound frame types.
const (
	FrameSubscribe   = "subscribe"
	FrameUnsubscribe = "unsubscribe"
	FrameSend        = "send"
	FrameRead        = "read"
	FrameTyping      = "typing"
	FramePing        = "ping"
)

// Outbound event types.
const (
	EventMessage  = "message"
	EventTyping   = "typing"
	EventPresence = "presence"
	EventError    = "error"
	EventPong     = "pong"
)

// Frame is one inbound client request on a live connection.
type Frame struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id,omitempty"`
	Body           string `json:"body,omitempty"`
	ClientMsgID    string `json:"client_msg_id,omitempty"`
	MessageID      string `json:"message_id,omitempty"`
	IsTyping       bool   `json:"is_typing,omitempty"`
	TS             int64  `json:"ts,omitempty"`
}

func ParseFrame(raw []byte) (*Frame, error) {
	f := &Frame{}
	if err := json.Unmarshal(raw, f); err != nil {
		return nil, errs.ErrInvalidPayload.WrapMsg("unmarshal frame", "err", err)
	}
	if f.Type == "" {
		return nil, errs.ErrInvalidPayload.WrapMsg("frame missing type")
	}
	return f, nil
}

// MessageEvent is the broadcast for one persisted message.
type MessageEvent struct {
	Type    string         `json:"type"`
	Message *model.Message `json:"message"`
}

func EncodeMessageEvent(m *model.Message) []byte {
	b, _ := json.Marshal(MessageEvent{Type: EventMessage, Message: m})
	return b
}

// TypingEvent is the ephemeral typing indicator broadcast.
type TypingEvent struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	IsTyping       bool   `json:"is_typing"`
	TS             int64  `json:"ts"`
}

func EncodeTypingEvent(ev *TypingEvent) []byte {
	ev.Type = EventTyping
	b, _ := json.Marshal(ev)
	return b
}

func decodeTyping(data []byte, ev *TypingEvent) error {
	return errs.Wrap(json.Unmarshal(data, ev))
}

// PresenceEvent announces a user's online/offline transition.
type PresenceEvent struct {
	Type   string `json:"type"`
	UserID string `json:"user_id"`
	Online bool   `json:"online"`
	TS     int64  `json:"ts"`
}

func EncodePresenceEvent(ev *PresenceEvent) []byte {
	ev.Type = EventPresence
	b, _ := json.Marshal(ev)
	return b
}

func decodePresence(data []byte, ev *PresenceEvent) error {
	return errs.Wrap(json.Unmarshal(data, ev))
}

// ErrorEvent reports a per-frame rejection back to the offending session only.
type ErrorEvent struct {
	Type string `json:"type"`
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func EncodeErrorEvent(code int, msg string) []byte {
	b, _ := json.Marshal(ErrorEvent{Type: EventError, Code: code, Msg: msg})
	return b
}
