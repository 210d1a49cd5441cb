package chat

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Frame is the wire envelope of every websocket message in both directions.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// InboundEvent is one of the events a client may send. The set is closed:
// only types in this file implement it.
type InboundEvent interface {
	EventName() string
	inbound()
}

// JoinRoom accepts either {"conversationId": "..."} or a bare id string as data.
type JoinRoom struct {
	ConversationID string `json:"conversationId" validate:"required"`
}

type SendMessage struct {
	ConversationID string       `json:"conversationId" validate:"required"`
	Text           string       `json:"text" validate:"max=4000"`
	Attachments    []Attachment `json:"attachments" validate:"max=10,dive"`
}

type Typing struct {
	ConversationID string `json:"conversationId" validate:"required"`
	IsTyping       bool   `json:"isTyping"`
}

type MarkAsRead struct {
	ConversationID string `json:"conversationId" validate:"required"`
}

func (*JoinRoom) EventName() string    { return "joinRoom" }
func (*SendMessage) EventName() string { return "sendMessage" }
func (*Typing) EventName() string      { return "typing" }
func (*MarkAsRead) EventName() string  { return "markAsRead" }

func (*JoinRoom) inbound()    {}
func (*SendMessage) inbound() {}
func (*Typing) inbound()      {}
func (*MarkAsRead) inbound()  {}

func (j *JoinRoom) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		return json.Unmarshal(b, &j.ConversationID)
	}
	type plain JoinRoom
	return json.Unmarshal(b, (*plain)(j))
}

var inboundEvents = map[string]func() InboundEvent{
	"joinRoom":    func() InboundEvent { return &JoinRoom{} },
	"sendMessage": func() InboundEvent { return &SendMessage{} },
	"typing":      func() InboundEvent { return &Typing{} },
	"markAsRead":  func() InboundEvent { return &MarkAsRead{} },
}

// DecodeInbound parses a client frame into its typed event.
func DecodeInbound(raw []byte) (InboundEvent, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("%w: malformed frame: %v", ErrValidation, err)
	}
	mk, ok := inboundEvents[f.Event]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, f.Event)
	}
	ev := mk()
	if len(f.Data) == 0 || string(f.Data) == "null" {
		return nil, fmt.Errorf("%w: %s requires data", ErrValidation, f.Event)
	}
	if err := json.Unmarshal(f.Data, ev); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrValidation, f.Event, err)
	}
	return ev, nil
}

// OutboundEvent is one of the events the server pushes to clients.
type OutboundEvent interface {
	EventName() string
	outbound()
}

type OnlineUsersList struct {
	OnlineUsers []string `json:"onlineUsers"`
}

type UserOnline struct {
	UserID      string   `json:"userId"`
	OnlineUsers []string `json:"onlineUsers"`
}

type UserOffline struct {
	UserID      string   `json:"userId"`
	OnlineUsers []string `json:"onlineUsers"`
}

type ReceiveMessage struct {
	ID             string       `json:"id"`
	ConversationID string       `json:"conversationId"`
	Sender         UserRef      `json:"sender"`
	Text           string       `json:"text"`
	Attachments    []Attachment `json:"attachments"`
	CreatedAt      time.Time    `json:"createdAt"`
}

type UserTyping struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	IsTyping       bool   `json:"isTyping"`
}

type UnreadCountUpdate struct {
	ConversationID string `json:"conversationId"`
	UnreadCount    int    `json:"unreadCount"`
}

type ErrorMessage struct {
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
}

func (OnlineUsersList) EventName() string   { return "onlineUsersList" }
func (UserOnline) EventName() string        { return "userOnline" }
func (UserOffline) EventName() string       { return "userOffline" }
func (ReceiveMessage) EventName() string    { return "receiveMessage" }
func (UserTyping) EventName() string        { return "userTyping" }
func (UnreadCountUpdate) EventName() string { return "unreadCountUpdate" }
func (ErrorMessage) EventName() string      { return "errorMessage" }

func (OnlineUsersList) outbound()   {}
func (UserOnline) outbound()        {}
func (UserOffline) outbound()       {}
func (ReceiveMessage) outbound()    {}
func (UserTyping) outbound()        {}
func (UnreadCountUpdate) outbound() {}
func (ErrorMessage) outbound()      {}

// Encode renders ev as a wire frame. Payloads are encoded once and then fanned
// out as bytes.
func Encode(ev OutboundEvent) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{Event: ev.EventName(), Data: data})
}
