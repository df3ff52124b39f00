// Package adapter defines the interface for chat connection adapters.
// Each transport (Slack RTM, the local development adapter) implements this interface.
package adapter

import (
	"context"

	"github.com/wikinerd/wikinerd/internal/chat"
)

// MessageHandler is a callback for inbound messages.
type MessageHandler func(msg *chat.Message)

// ConnectHandler is a callback invoked when the session is (re)established.
type ConnectHandler func(id chat.Identity)

// Directory resolves channel and user identifiers. Lookups may miss; a miss
// is reported with a nil result and false, never an error.
type Directory interface {
	// Channel looks up a channel, group or DM by ID.
	Channel(ctx context.Context, id string) (*chat.Channel, bool)
	// User looks up a user by ID.
	User(ctx context.Context, id string) (*chat.User, bool)
}

// Adapter is the interface that all connection adapters must implement.
type Adapter interface {
	Directory

	// Name returns the unique identifier for this adapter.
	// This is used in logging and configuration.
	Name() string

	// Start opens the session. Inbound messages are delivered to the
	// handler registered with OnMessage after this call.
	Start(ctx context.Context) error

	// Stop closes the session. Reconnection stops as well.
	Stop(ctx context.Context) error

	// OnMessage registers the callback for inbound messages.
	OnMessage(handler MessageHandler)

	// OnConnect registers the callback for connection-opened events.
	OnConnect(handler ConnectHandler)

	// Send transmits text to a channel. Returning nil signals completion.
	Send(ctx context.Context, text, channelID string) error

	// SetTyping signals the "composing" state for a channel. Fire-and-forget.
	SetTyping(channelID string)
}

// Factory creates an adapter bound to a bot token.
type Factory func(token string) (Adapter, error)
