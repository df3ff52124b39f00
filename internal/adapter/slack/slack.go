// Package slack implements the connection adapter over the Slack Real Time
// Messaging API. Connection management (connect, heartbeat, reconnect with
// backoff) is delegated to github.com/slack-go/slack.
package slack

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/slack-go/slack"
	"go.uber.org/zap"

	"github.com/wikinerd/wikinerd/internal/adapter"
	"github.com/wikinerd/wikinerd/internal/chat"
)

// Config holds the Slack adapter configuration.
type Config struct {
	// Token is the bot access token.
	Token string `yaml:"token" koanf:"token"`
	// APIURL overrides the Web API base URL.
	APIURL string `yaml:"api_url" koanf:"api_url"`
	// Debug enables slack-go's own debug output.
	Debug bool `yaml:"debug" koanf:"debug"`
	// PresenceTTL is how long a cached user's presence is trusted before it
	// is fetched again.
	PresenceTTL time.Duration `yaml:"presence_ttl" koanf:"presence_ttl"`
}

// DefaultConfig returns the Slack adapter defaults.
func DefaultConfig() Config {
	return Config{PresenceTTL: time.Minute}
}

// typingBuffer bounds pending typing indicators; extra ones are dropped.
const typingBuffer = 16

type cachedUser struct {
	user    *chat.User
	fetched time.Time
}

// Adapter is a Slack RTM session. Users and channels are resolved through
// the Web API; channels are cached for the life of the session, user
// presence for PresenceTTL.
type Adapter struct {
	config Config
	api    *slack.Client
	rtm    *slack.RTM
	logger *zap.Logger

	onMessage adapter.MessageHandler
	onConnect adapter.ConnectHandler

	cacheMu  sync.RWMutex
	users    map[string]cachedUser
	channels map[string]*chat.Channel

	// Typing indicators go over the RTM socket, whose outgoing queue stalls
	// while disconnected; they are queued here and dropped when full.
	typing    chan string
	connected atomic.Bool

	// State
	started bool
	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a Slack adapter for the given bot token.
func New(config Config, logger *zap.Logger) (*Adapter, error) {
	if config.Token == "" {
		return nil, fmt.Errorf("slack token is required")
	}
	if logger == nil {
		logger, _ = zap.NewProduction()
	}
	if config.PresenceTTL <= 0 {
		config.PresenceTTL = DefaultConfig().PresenceTTL
	}

	opts := []slack.Option{slack.OptionDebug(config.Debug)}
	if config.APIURL != "" {
		opts = append(opts, slack.OptionAPIURL(config.APIURL))
	}

	return &Adapter{
		config:   config,
		api:      slack.New(config.Token, opts...),
		logger:   logger.Named("slack"),
		users:    make(map[string]cachedUser),
		channels: make(map[string]*chat.Channel),
	}, nil
}

// Factory returns an adapter.Factory building Slack adapters from base.
func Factory(base Config, logger *zap.Logger) adapter.Factory {
	return func(token string) (adapter.Adapter, error) {
		cfg := base
		cfg.Token = token
		return New(cfg, logger)
	}
}

func (a *Adapter) Name() string {
	return "slack"
}

// Start opens the RTM connection. The session is not bound to ctx; it runs
// until Stop.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.started {
		return fmt.Errorf("adapter already started")
	}

	a.rtm = a.api.NewRTM()
	go a.rtm.ManageConnection()

	runCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.done = make(chan struct{})
	a.typing = make(chan string, typingBuffer)
	go a.eventLoop(runCtx, a.rtm)
	go a.typingLoop(runCtx, a.rtm, a.typing)

	a.started = true
	a.logger.Info("Slack RTM session starting")
	return nil
}

// Stop disconnects the RTM session.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.started {
		return nil
	}
	a.started = false

	a.cancel()
	a.connected.Store(false)
	if err := a.rtm.Disconnect(); err != nil {
		// The connection manager may already have given up (invalid auth).
		a.logger.Debug("RTM disconnect", zap.Error(err))
	}

	select {
	case <-a.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	a.logger.Info("Slack RTM session stopped")
	return nil
}

func (a *Adapter) OnMessage(handler adapter.MessageHandler) {
	a.onMessage = handler
}

func (a *Adapter) OnConnect(handler adapter.ConnectHandler) {
	a.onConnect = handler
}

// Send posts text to a channel through the Web API. It returns once Slack
// has accepted the message or ctx is done.
func (a *Adapter) Send(ctx context.Context, text, channelID string) error {
	if a.typingQueue() == nil {
		return fmt.Errorf("slack session not started")
	}

	_, _, err := a.api.PostMessageContext(ctx, channelID,
		slack.MsgOptionText(text, false),
		slack.MsgOptionAsUser(true))
	if err != nil {
		return fmt.Errorf("failed to post message: %w", err)
	}
	return nil
}

// SetTyping queues a typing indicator for a channel. It never blocks: the
// indicator is dropped while disconnected or when the queue is full.
func (a *Adapter) SetTyping(channelID string) {
	queue := a.typingQueue()
	if queue == nil || !a.connected.Load() {
		a.logger.Debug("Not connected, dropping typing indicator", zap.String("channel", channelID))
		return
	}

	select {
	case queue <- channelID:
	default:
		a.logger.Warn("Typing queue full, dropping indicator", zap.String("channel", channelID))
	}
}

func (a *Adapter) typingQueue() chan string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.started {
		return nil
	}
	return a.typing
}

// typingLoop forwards queued indicators to the RTM socket. It may block
// behind a stalled connection; Stop does not wait for it.
func (a *Adapter) typingLoop(ctx context.Context, rtm *slack.RTM, queue <-chan string) {
	for {
		select {
		case <-ctx.Done():
			return
		case channelID := <-queue:
			rtm.SendMessage(rtm.NewTypingMessage(channelID))
		}
	}
}

// Channel resolves a channel, group or DM, including its members.
func (a *Adapter) Channel(ctx context.Context, id string) (*chat.Channel, bool) {
	if id == "" {
		return nil, false
	}

	a.cacheMu.RLock()
	ch, ok := a.channels[id]
	a.cacheMu.RUnlock()
	if ok {
		return ch, true
	}

	info, err := a.api.GetConversationInfoContext(ctx, &slack.GetConversationInfoInput{ChannelID: id})
	if err != nil {
		a.logger.Warn("Channel lookup failed", zap.String("channel", id), zap.Error(err))
		return nil, false
	}
	ch = toChannel(info)

	if !ch.IsDirect && len(ch.Members) == 0 {
		members, _, err := a.api.GetUsersInConversationContext(ctx, &slack.GetUsersInConversationParameters{ChannelID: id})
		if err != nil {
			a.logger.Warn("Channel member lookup failed", zap.String("channel", id), zap.Error(err))
		} else {
			ch.Members = members
		}
	}

	a.cacheMu.Lock()
	a.channels[id] = ch
	a.cacheMu.Unlock()
	return ch, true
}

// User resolves a user, including presence. Presence is best-effort: a
// cached value is refreshed once it is older than the configured TTL, and a
// failed refresh keeps the stale value.
func (a *Adapter) User(ctx context.Context, id string) (*chat.User, bool) {
	if id == "" {
		return nil, false
	}

	a.cacheMu.RLock()
	cached, ok := a.users[id]
	a.cacheMu.RUnlock()
	if ok && time.Since(cached.fetched) < a.config.PresenceTTL {
		return cached.user, true
	}

	var u *chat.User
	if ok {
		copied := *cached.user
		u = &copied
		u.Presence = ""
	} else {
		info, err := a.api.GetUserInfoContext(ctx, id)
		if err != nil {
			a.logger.Warn("User lookup failed", zap.String("user", id), zap.Error(err))
			return nil, false
		}
		u = toUser(info)
	}

	if u.Presence == "" {
		p, err := a.api.GetUserPresenceContext(ctx, id)
		switch {
		case err == nil:
			u.Presence = p.Presence
		case ok:
			a.logger.Debug("Presence refresh failed", zap.String("user", id), zap.Error(err))
			u.Presence = cached.user.Presence
		}
	}

	a.cacheMu.Lock()
	a.users[id] = cachedUser{user: u, fetched: time.Now()}
	a.cacheMu.Unlock()
	return u, true
}

func (a *Adapter) eventLoop(ctx context.Context, rtm *slack.RTM) {
	defer close(a.done)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-rtm.IncomingEvents:
			if !ok {
				return
			}
			a.handleEvent(ev)
		}
	}
}

func (a *Adapter) handleEvent(ev slack.RTMEvent) {
	switch e := ev.Data.(type) {
	case *slack.ConnectedEvent:
		a.connected.Store(true)
		id := toIdentity(e.Info)
		a.logger.Info("Slack RTM connected",
			zap.Int("connectionCount", e.ConnectionCount),
			zap.String("team", id.TeamName),
			zap.String("user", id.UserName))
		if a.onConnect != nil {
			a.onConnect(id)
		}

	case *slack.MessageEvent:
		if a.onMessage != nil {
			a.onMessage(toMessage(e))
		}

	case *slack.PresenceChangeEvent:
		a.updatePresence(e)

	case *slack.ConnectionErrorEvent:
		a.connected.Store(false)
		a.logger.Warn("Slack connection error, reconnecting",
			zap.Int("attempt", e.Attempt),
			zap.Duration("backoff", e.Backoff),
			zap.Error(e.ErrorObj))

	case *slack.DisconnectedEvent:
		a.connected.Store(false)
		a.logger.Info("Slack RTM disconnected",
			zap.Bool("intentional", e.Intentional),
			zap.Error(e.Cause))

	case *slack.RTMError:
		a.logger.Error("Slack RTM error",
			zap.Int("code", e.Code),
			zap.String("msg", e.Msg))

	case *slack.InvalidAuthEvent:
		a.connected.Store(false)
		a.logger.Error("Slack rejected the bot token")

	default:
		a.logger.Debug("Ignoring RTM event", zap.String("type", ev.Type))
	}
}

func (a *Adapter) updatePresence(e *slack.PresenceChangeEvent) {
	ids := e.Users
	if e.User != "" {
		ids = append(ids, e.User)
	}

	a.cacheMu.Lock()
	defer a.cacheMu.Unlock()
	for _, id := range ids {
		if cached, ok := a.users[id]; ok {
			updated := *cached.user
			updated.Presence = e.Presence
			a.users[id] = cachedUser{user: &updated, fetched: time.Now()}
		}
	}
}

func toMessage(e *slack.MessageEvent) *chat.Message {
	msg := chat.NewMessage(e.Channel, e.User, e.Text)
	if e.ClientMsgID != "" {
		msg.ID = e.ClientMsgID
	}
	if e.Timestamp != "" {
		msg.Timestamp = e.Timestamp
	}
	msg.SubType = e.SubType
	msg.BotID = e.BotID
	return msg
}

func toUser(u *slack.User) *chat.User {
	return &chat.User{
		ID:       u.ID,
		Name:     u.Name,
		IsBot:    u.IsBot,
		Presence: u.Presence,
	}
}

func toChannel(c *slack.Channel) *chat.Channel {
	return &chat.Channel{
		ID:       c.ID,
		Name:     c.Name,
		Members:  append([]string(nil), c.Members...),
		IsDirect: c.IsIM,
	}
}

func toIdentity(info *slack.Info) chat.Identity {
	var id chat.Identity
	if info == nil {
		return id
	}
	if info.User != nil {
		id.UserID = info.User.ID
		id.UserName = info.User.Name
	}
	if info.Team != nil {
		id.TeamID = info.Team.ID
		id.TeamName = info.Team.Name
	}
	return id
}

var _ adapter.Adapter = (*Adapter)(nil)
