// Package bot implements the message router: it consumes inbound messages
// from a connection adapter and invokes every matching handler.
package bot

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/wikinerd/wikinerd/internal/adapter"
	"github.com/wikinerd/wikinerd/internal/chat"
	"github.com/wikinerd/wikinerd/internal/dispatch"
)

// Bot is one running session: a connection adapter bound to a registry.
// Inbound messages are routed by a single worker, so all handlers matching
// one message run, in registration order, before the next message is routed.
type Bot struct {
	adapter        adapter.Adapter
	registry       *dispatch.Registry
	logger         *zap.Logger
	handlerTimeout time.Duration

	// Connected bot user, set on connect
	idMu     sync.RWMutex
	identity chat.Identity

	// Event processing
	eventQueue chan *chat.Message

	// Session context for background and scheduled tasks
	ctx    context.Context
	cancel context.CancelFunc

	// State
	started bool
	stopped bool
	mu      sync.Mutex
	wg      sync.WaitGroup
	tasks   sync.WaitGroup
}

// Config holds the Bot configuration.
type Config struct {
	// QueueSize is the inbound message buffer size.
	QueueSize int `yaml:"queue_size" koanf:"queue_size"`
	// HandlerTimeout bounds the context handed to handlers during dispatch.
	HandlerTimeout time.Duration `yaml:"handler_timeout" koanf:"handler_timeout"`
}

// DefaultConfig returns the default Bot configuration.
func DefaultConfig() Config {
	return Config{
		QueueSize:      256,
		HandlerTimeout: 30 * time.Second,
	}
}

// New creates a bot session over a and registry. The registry is sealed:
// registration belongs to startup wiring and must be complete by now.
func New(cfg Config, a adapter.Adapter, registry *dispatch.Registry, logger *zap.Logger) *Bot {
	if logger == nil {
		logger, _ = zap.NewProduction()
	}
	defaults := DefaultConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaults.QueueSize
	}
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = defaults.HandlerTimeout
	}
	registry.Seal()

	ctx, cancel := context.WithCancel(context.Background())
	b := &Bot{
		adapter:        a,
		registry:       registry,
		logger:         logger.With(zap.String("adapter", a.Name())),
		handlerTimeout: cfg.HandlerTimeout,
		eventQueue:     make(chan *chat.Message, cfg.QueueSize),
		ctx:            ctx,
		cancel:         cancel,
	}

	a.OnConnect(b.handleConnect)
	a.OnMessage(b.handleMessage)
	return b
}

// Start starts the routing worker and opens the adapter session.
func (b *Bot) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return fmt.Errorf("bot already started")
	}
	if b.stopped {
		b.mu.Unlock()
		return fmt.Errorf("bot already stopped")
	}
	b.started = true
	b.mu.Unlock()

	b.logger.Info("Starting bot",
		zap.Int("keywords", b.registry.Len()),
		zap.Strings("patterns", b.registry.Patterns()))

	b.wg.Add(1)
	go b.eventWorker()

	if err := b.adapter.Start(ctx); err != nil {
		b.cancel()
		b.wg.Wait()
		return fmt.Errorf("failed to start adapter %s: %w", b.adapter.Name(), err)
	}

	b.logger.Info("Bot started")
	return nil
}

// Stop closes the session. Pending background and scheduled tasks are
// cancelled; Stop waits for them until ctx expires.
func (b *Bot) Stop(ctx context.Context) error {
	b.mu.Lock()
	if !b.started || b.stopped {
		b.stopped = true
		b.mu.Unlock()
		b.cancel()
		return nil
	}
	b.stopped = true
	b.mu.Unlock()

	b.logger.Info("Stopping bot")

	// Cancelling the session context stops the worker and drops any
	// scheduled task that has not fired yet.
	b.cancel()

	var errs error
	if err := b.adapter.Stop(ctx); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("failed to stop adapter %s: %w", b.adapter.Name(), err))
	}

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		b.tasks.Wait()
		close(done)
	}()

	select {
	case <-done:
		b.logger.Info("Bot stopped gracefully")
	case <-ctx.Done():
		b.logger.Warn("Bot shutdown timed out")
		errs = multierr.Append(errs, ctx.Err())
	}

	return errs
}

// Identity returns the connected bot user. It is zero until the adapter
// reports a connection.
func (b *Bot) Identity() chat.Identity {
	b.idMu.RLock()
	defer b.idMu.RUnlock()
	return b.identity
}

// Name returns the connected bot's user name.
func (b *Bot) Name() string {
	return b.Identity().UserName
}

func (b *Bot) handleConnect(id chat.Identity) {
	b.idMu.Lock()
	b.identity = id
	b.idMu.Unlock()

	b.logger.Info(fmt.Sprintf("Connected to %s as %s", id.TeamName, id.UserName),
		zap.String("userId", id.UserID),
		zap.String("teamId", id.TeamID))
}

// handleMessage is called by the adapter for every inbound message.
func (b *Bot) handleMessage(msg *chat.Message) {
	if b.ctx.Err() != nil {
		return
	}

	select {
	case b.eventQueue <- msg:
		b.logger.Debug("Message queued",
			zap.String("messageId", msg.ID),
			zap.String("channel", msg.Channel))
	default:
		b.logger.Warn("Message queue full, dropping message",
			zap.String("messageId", msg.ID),
			zap.String("channel", msg.Channel))
	}
}

// eventWorker routes queued messages until the session stops.
func (b *Bot) eventWorker() {
	defer b.wg.Done()

	for {
		select {
		case msg := <-b.eventQueue:
			b.Dispatch(b.ctx, msg)
		case <-b.ctx.Done():
			b.logger.Debug("Event worker stopping")
			return
		}
	}
}

// Dispatch routes one message and returns the number of handlers invoked.
// Messages without text and messages authored by the bot itself are
// discarded. A handler that fails or panics is logged and does not prevent
// the remaining matched handlers from running.
func (b *Bot) Dispatch(ctx context.Context, msg *chat.Message) int {
	if !msg.HasText() {
		if msg != nil {
			b.logger.Debug("Ignoring message without text",
				zap.String("channel", msg.Channel),
				zap.String("subtype", msg.SubType))
		}
		return 0
	}

	if self := b.Identity().UserID; self != "" && msg.User == self {
		return 0
	}

	handlers := b.registry.MatchAll(msg.Text)
	if len(handlers) == 0 {
		return 0
	}

	ch, _ := b.adapter.Channel(ctx, msg.Channel)
	var user *chat.User
	if msg.User != "" {
		user, _ = b.adapter.User(ctx, msg.User)
	}

	for i, h := range handlers {
		b.invoke(ctx, i, h, msg, ch, user)
	}

	b.logger.Debug("Message dispatched",
		zap.String("messageId", msg.ID),
		zap.String("channel", msg.Channel),
		zap.Int("handlers", len(handlers)))

	return len(handlers)
}

func (b *Bot) invoke(ctx context.Context, idx int, h dispatch.Handler, msg *chat.Message, ch *chat.Channel, user *chat.User) {
	hctx, cancel := context.WithTimeout(ctx, b.handlerTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Handler panicked",
				zap.Int("handler", idx),
				zap.String("messageId", msg.ID),
				zap.Any("panic", r),
				zap.Stack("stack"))
		}
	}()

	if err := h.Handle(hctx, b, msg, ch, user); err != nil {
		b.logger.Error("Handler failed",
			zap.Int("handler", idx),
			zap.String("messageId", msg.ID),
			zap.String("channel", msg.Channel),
			zap.Error(err))
	}
}

// Send transmits text to a channel.
func (b *Bot) Send(ctx context.Context, text, channelID string) error {
	if err := b.adapter.Send(ctx, text, channelID); err != nil {
		b.logger.Error("Failed to send message",
			zap.String("channel", channelID),
			zap.Error(err))
		return err
	}
	return nil
}

// SetTyping signals the composing state for a channel.
func (b *Bot) SetTyping(channelID string) {
	b.adapter.SetTyping(channelID)
}

// Go runs fn in the background under the session context. It is a no-op
// once the session has stopped.
func (b *Bot) Go(fn func(ctx context.Context)) {
	if !b.track() {
		b.logger.Debug("Session stopped, dropping background task")
		return
	}

	go func() {
		defer b.tasks.Done()
		defer b.recoverTask()
		fn(b.ctx)
	}()
}

// After runs fn once d has elapsed. Stopping the session before then drops
// the call.
func (b *Bot) After(d time.Duration, fn func(ctx context.Context)) {
	if !b.track() {
		b.logger.Debug("Session stopped, dropping scheduled task")
		return
	}

	go func() {
		defer b.tasks.Done()
		defer b.recoverTask()

		timer := time.NewTimer(d)
		defer timer.Stop()

		select {
		case <-timer.C:
			fn(b.ctx)
		case <-b.ctx.Done():
			b.logger.Debug("Scheduled task dropped", zap.Duration("delay", d))
		}
	}()
}

func (b *Bot) track() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return false
	}
	b.tasks.Add(1)
	return true
}

func (b *Bot) recoverTask() {
	if r := recover(); r != nil {
		b.logger.Error("Background task panicked",
			zap.Any("panic", r),
			zap.Stack("stack"))
	}
}

// ActiveMembers returns the names of channel members that are present and
// not bots. It reports false for a channel without members, which is a DM.
// Presence is best-effort: the adapter may answer from a cache up to its
// presence TTL old.
func (b *Bot) ActiveMembers(ctx context.Context, ch *chat.Channel) ([]string, bool) {
	if ch == nil || len(ch.Members) == 0 {
		return nil, false
	}

	names := make([]string, 0, len(ch.Members))
	for _, id := range ch.Members {
		u, ok := b.adapter.User(ctx, id)
		if !ok || !u.IsActive() {
			continue
		}
		names = append(names, u.Name)
	}
	return names, true
}

var _ dispatch.Responder = (*Bot)(nil)
