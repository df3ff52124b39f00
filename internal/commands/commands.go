// Package commands holds the bot's keyword handlers and wires them into a
// dispatch registry.
package commands

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/wikinerd/wikinerd/internal/chat"
	"github.com/wikinerd/wikinerd/internal/dispatch"
	"github.com/wikinerd/wikinerd/internal/wiki"
)

// Texts sent by the handlers.
const (
	HelpText      = "To use my Wikipedia functionality, type `wiki` followed by your search query"
	NotTypingText = "Not typing anymore!"
)

// Looker looks up a query and classifies the result.
type Looker interface {
	Lookup(ctx context.Context, query string) (*wiki.Result, error)
}

// Config holds handler settings.
type Config struct {
	// TypingDelay is how long the test command shows the typing indicator.
	TypingDelay time.Duration `yaml:"typing_delay" koanf:"typing_delay"`
}

// DefaultConfig returns the default handler settings.
func DefaultConfig() Config {
	return Config{TypingDelay: time.Second}
}

// Register binds the help, wiki and test commands, in that order, each
// anchored at the start of the message.
func Register(r *dispatch.Registry, cfg Config, looker Looker, logger *zap.Logger) error {
	bindings := []struct {
		pattern string
		handler dispatch.Handler
	}{
		{"help", dispatch.HandlerFunc(Help)},
		{"wiki", NewWiki(looker, logger)},
		{"test", NewTest(cfg.TypingDelay, logger)},
	}

	for _, b := range bindings {
		if err := r.Register(b.pattern, b.handler, true); err != nil {
			return err
		}
	}
	return nil
}

// Help explains how to use the wiki command.
func Help(ctx context.Context, r dispatch.Responder, msg *chat.Message, _ *chat.Channel, _ *chat.User) error {
	return r.Send(ctx, HelpText, msg.Channel)
}

// Args returns the message text without its first space-separated token.
func Args(text string) string {
	parts := strings.Split(text, " ")
	return strings.Join(parts[1:], " ")
}

// Wiki looks up the rest of the message and posts the summary.
type Wiki struct {
	looker Looker
	logger *zap.Logger
}

// NewWiki creates the wiki command handler.
func NewWiki(looker Looker, logger *zap.Logger) *Wiki {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Wiki{looker: looker, logger: logger}
}

// Handle implements dispatch.Handler. The lookup runs in the background so
// routing is not held up by the network call.
func (w *Wiki) Handle(_ context.Context, r dispatch.Responder, msg *chat.Message, _ *chat.Channel, user *chat.User) error {
	if user != nil && user.IsBot {
		return nil
	}

	query := Args(msg.Text)
	channel := msg.Channel
	r.SetTyping(channel)

	r.Go(func(ctx context.Context) {
		for _, text := range w.Respond(ctx, query) {
			if err := r.Send(ctx, text, channel); err != nil {
				w.logger.Warn("Wiki reply aborted",
					zap.String("channel", channel),
					zap.String("query", query),
					zap.Error(err))
				return
			}
		}
	})
	return nil
}

// Respond performs the lookup and returns the messages to send. A failed
// lookup yields the single apology message.
func (w *Wiki) Respond(ctx context.Context, query string) []string {
	result, err := w.looker.Lookup(ctx, query)
	if err != nil {
		w.logger.Error("Wiki lookup failed",
			zap.String("query", query),
			zap.Error(err))
		return []string{wiki.ErrorApology}
	}
	return wiki.Messages(result)
}

// Test shows the typing indicator, then replies after a delay.
type Test struct {
	delay  time.Duration
	logger *zap.Logger
}

// NewTest creates the test command handler.
func NewTest(delay time.Duration, logger *zap.Logger) *Test {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Test{delay: delay, logger: logger}
}

// Handle implements dispatch.Handler.
func (t *Test) Handle(_ context.Context, r dispatch.Responder, msg *chat.Message, _ *chat.Channel, _ *chat.User) error {
	channel := msg.Channel
	r.SetTyping(channel)
	r.After(t.delay, func(ctx context.Context) {
		if err := r.Send(ctx, NotTypingText, channel); err != nil {
			t.logger.Warn("Test reply failed",
				zap.String("channel", channel),
				zap.Error(err))
		}
	})
	return nil
}
