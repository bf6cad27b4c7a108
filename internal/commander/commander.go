package commander

import (
	"context"
	"strings"
)

// Notifier delivers reply text back to a conversation.
type Notifier interface {
	SendMessage(ctx context.Context, chatID int64, text string) error
}

// Update represents an incoming webhook update.
type Update struct {
	UpdateID int64    `json:"update_id"`
	Message  *Message `json:"message,omitempty"`
}

// Message represents a source message.
type Message struct {
	MessageID int64   `json:"message_id"`
	From      *User   `json:"from,omitempty"`
	Chat      *Chat   `json:"chat,omitempty"`
	Text      *string `json:"text,omitempty"`
	Date      int64   `json:"date"`
}

// Chat identifies a conversation.
type Chat struct {
	ID   int64  `json:"id"`
	Type string `json:"type,omitempty"`
}

// User identifies a message sender.
type User struct {
	ID       int64  `json:"id"`
	IsBot    bool   `json:"is_bot"`
	Username string `json:"username,omitempty"`
}

// IncomingMessage is the part of an update the relay acts on.
type IncomingMessage struct {
	ChatID  int64
	Text    string
	FromBot bool
}

// Incoming extracts the actionable message. It reports false when the
// update has no chat or no non-blank text.
func (u Update) Incoming() (IncomingMessage, bool) {
	m := u.Message
	if m == nil || m.Chat == nil || m.Chat.ID == 0 || m.Text == nil {
		return IncomingMessage{}, false
	}
	text := strings.TrimSpace(*m.Text)
	if text == "" {
		return IncomingMessage{}, false
	}
	return IncomingMessage{
		ChatID:  m.Chat.ID,
		Text:    text,
		FromBot: m.From != nil && m.From.IsBot,
	}, true
}
