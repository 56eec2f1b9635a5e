package domain

import (
	"encoding/json"
	"time"
)

// Inbound frame types.
const (
	FrameMessage = "message"
	FrameTyping  = "typing"
	FrameRead    = "read"
	FramePing    = "ping"
)

// Outbound frame types.
const (
	FramePresence     = "presence"
	FrameConfirmation = "confirmation"
	FrameError        = "error"
	FramePong         = "pong"
)

// InboundFrame is the union of client frames.
type InboundFrame struct {
	Type       string          `json:"type"`
	Content    string          `json:"content,omitempty"`
	Structured json.RawMessage `json:"structured,omitempty"`
	MessageID  uint            `json:"message_id,omitempty"`
}

// Server -> Client frames

type MessageFrame struct {
	Type       string          `json:"type"`
	ID         uint            `json:"id"`
	Content    string          `json:"content"`
	Sender     string          `json:"sender"`
	CreatedAt  time.Time       `json:"created_at"`
	Structured json.RawMessage `json:"structured"`
	IsAdmin    bool            `json:"is_admin"`
}

type TypingFrame struct {
	Type string `json:"type"`
	User string `json:"user"`
}

type ReadFrame struct {
	Type      string    `json:"type"`
	MessageID uint      `json:"message_id"`
	User      string    `json:"user"`
	Timestamp time.Time `json:"timestamp"`
	ReadCount int64     `json:"read_count"`
}

type PresenceFrame struct {
	Type   string `json:"type"`
	User   string `json:"user"`
	Online bool   `json:"online"`
}

type ConfirmationFrame struct {
	Type      string `json:"type"`
	Status    string `json:"status"`
	MessageID uint   `json:"message_id"`
}

type ErrorFrame struct {
	Type   string `json:"type"`
	Detail string `json:"detail"`
}

func NewMessageFrame(msg *Message, sender *User) *MessageFrame {
	f := &MessageFrame{
		Type:      FrameMessage,
		ID:        msg.ID,
		Content:   msg.Content,
		Sender:    sender.Username,
		CreatedAt: msg.CreatedAt,
		IsAdmin:   sender.IsStaff,
	}
	if !msg.Structured.IsNull() {
		f.Structured = json.RawMessage(msg.Structured)
	}
	return f
}

func NewTypingFrame(user string) *TypingFrame {
	return &TypingFrame{Type: FrameTyping, User: user}
}

func NewReadFrame(r *ReadReceipt, user string, count int64) *ReadFrame {
	return &ReadFrame{
		Type:      FrameRead,
		MessageID: r.MessageID,
		User:      user,
		Timestamp: r.Timestamp,
		ReadCount: count,
	}
}

func NewPresenceFrame(user string, online bool) *PresenceFrame {
	return &PresenceFrame{Type: FramePresence, User: user, Online: online}
}

func NewConfirmationFrame(messageID uint) *ConfirmationFrame {
	return &ConfirmationFrame{Type: FrameConfirmation, Status: "saved", MessageID: messageID}
}

func NewErrorFrame(detail string) *ErrorFrame {
	return &ErrorFrame{Type: FrameError, Detail: detail}
}
