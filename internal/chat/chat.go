// Package chat defines the platform-neutral chat data structures shared by
// adapters, the message router and handlers.
package chat

import (
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Presence values reported by the directory.
const (
	PresenceActive = "active"
	PresenceAway   = "away"
)

// Message is an inbound chat message. It is constructed per event and
// discarded after dispatch.
type Message struct {
	// ID uniquely identifies the message within this process.
	ID string `json:"id"`
	// Channel is the platform channel, group or DM identifier.
	Channel string `json:"channel"`
	// User is the author's identifier. Empty for some system messages.
	User string `json:"user,omitempty"`
	// Text is the raw message text.
	Text string `json:"text"`
	// SubType is the platform message subtype, if any.
	SubType string `json:"subtype,omitempty"`
	// BotID is set when the message was posted by an integration.
	BotID string `json:"botId,omitempty"`
	// Timestamp is the platform timestamp, or Unix milliseconds when the
	// platform supplies none.
	Timestamp string `json:"ts,omitempty"`
}

// NewMessage creates a message with a generated ID.
func NewMessage(channel, user, text string) *Message {
	return &Message{
		ID:        uuid.New().String(),
		Channel:   channel,
		User:      user,
		Text:      text,
		Timestamp: strconv.FormatInt(time.Now().UnixMilli(), 10),
	}
}

// HasText reports whether the message carries a text payload.
func (m *Message) HasText() bool {
	return m != nil && m.Text != ""
}

// Channel is a conversation known to the directory.
type Channel struct {
	ID       string   `json:"id"`
	Name     string   `json:"name,omitempty"`
	Members  []string `json:"members,omitempty"`
	IsDirect bool     `json:"isDirect,omitempty"`
}

// User is a workspace member known to the directory.
type User struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	IsBot    bool   `json:"isBot,omitempty"`
	Presence string `json:"presence,omitempty"`
}

// IsActive reports whether the user is present and not a bot.
func (u *User) IsActive() bool {
	return u != nil && u.Presence == PresenceActive && !u.IsBot
}

// Identity describes the connected bot and its team.
type Identity struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
	TeamID   string `json:"teamId,omitempty"`
	TeamName string `json:"teamName,omitempty"`
}

// Error represents a structured error returned on HTTP surfaces.
type Error struct {
	// Code is the error code.
	Code string `json:"code"`
	// Message is the human-readable error message.
	Message string `json:"message"`
	// TraceID is the trace identifier for debugging.
	TraceID string `json:"traceId,omitempty"`
}

// Error codes
const (
	ErrCodeBadRequest = "BAD_REQUEST"
	ErrCodeInternal   = "INTERNAL_ERROR"
	ErrCodeNotFound   = "NOT_FOUND"
)

// NewError creates a new structured error.
func NewError(code, message, traceID string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		TraceID: traceID,
	}
}

func (e *Error) Error() string {
	return e.Message
}
