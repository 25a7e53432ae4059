package irisfast

import (
	"context"
	"strings"
)

// Message is one chat event pushed by Iris over the WebSocket.
type Message struct {
	Msg    string       `json:"msg"`
	Room   string       `json:"room"`
	Sender *string      `json:"sender,omitempty"`
	JSON   *MessageJSON `json:"json,omitempty"`
}

// MessageJSON is the raw KakaoTalk row Iris attaches to a message.
type MessageJSON struct {
	UserID  string `json:"user_id"`
	ChatID  string `json:"chat_id"`
	Type    string `json:"type"`
	Message string `json:"message"`
}

// UserID prefers the stable KakaoTalk user id over the display name.
func (m *Message) UserID() string {
	if m == nil {
		return ""
	}
	if m.JSON != nil && m.JSON.UserID != "" {
		return m.JSON.UserID
	}
	if m.Sender != nil {
		return strings.TrimSpace(*m.Sender)
	}
	return ""
}

func (m *Message) SenderName() string {
	if m == nil || m.Sender == nil {
		return ""
	}
	return strings.TrimSpace(*m.Sender)
}

type Config struct {
	Port              int    `json:"port"`
	PollingSpeed      int    `json:"polling_speed"`
	MessageRate       int    `json:"message_rate"`
	WebserverEndpoint string `json:"web_server_endpoint"`
}

type ReplyRequest struct {
	Type string `json:"type"`
	Room string `json:"room"`
	Data string `json:"data"`
}

// ImageReplyRequest carries a base64 encoded image in Data.
type ImageReplyRequest = ReplyRequest

type WebSocketState int

const (
	WSStateDisconnected WebSocketState = iota
	WSStateConnecting
	WSStateConnected
	WSStateReconnecting
	WSStateFailed
)

func (s WebSocketState) String() string {
	switch s {
	case WSStateConnecting:
		return "connecting"
	case WSStateConnected:
		return "connected"
	case WSStateReconnecting:
		return "reconnecting"
	case WSStateFailed:
		return "failed"
	default:
		return "disconnected"
	}
}

type (
	MessageCallback func(message *Message)
	StateCallback   func(state WebSocketState)
)

// WSClient is the Iris push channel: inbound chat messages and outbound reply frames.
type WSClient interface {
	Connect(ctx context.Context) error
	State() WebSocketState
	WriteJSON(ctx context.Context, v any) error
	OnMessage(cb MessageCallback) int
	RemoveMessageCallback(id int)
	OnStateChange(cb StateCallback) int
	RemoveStateCallback(id int)
	Close(ctx context.Context) error
}
