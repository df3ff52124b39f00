// Package local implements a local chat adapter for testing and local integrations.
// This adapter exposes HTTP and WebSocket endpoints in place of a chat platform.
package local

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/wikinerd/wikinerd/internal/adapter"
	"github.com/wikinerd/wikinerd/internal/chat"
)

// Bot identity reported on connect.
const (
	BotUserID = "U0LOCAL"
	TeamID    = "T0LOCAL"
)

// Frame types pushed to WebSocket clients.
const (
	FrameMessage = "message"
	FrameTyping  = "typing"
)

// Config holds the configuration for the local adapter.
type Config struct {
	HTTPPath string `yaml:"http_path" koanf:"http_path"`
	BotName  string `yaml:"bot_name" koanf:"bot_name"`
	TeamName string `yaml:"team_name" koanf:"team_name"`
}

// DefaultConfig returns the local adapter defaults.
func DefaultConfig() Config {
	return Config{
		HTTPPath: "/local",
		BotName:  "wikinerd",
		TeamName: "local",
	}
}

// Adapter implements adapter.Adapter over HTTP and WebSocket. It keeps an
// in-memory directory of the channels and users it has seen.
type Adapter struct {
	config    Config
	logger    *zap.Logger
	onMessage adapter.MessageHandler
	onConnect adapter.ConnectHandler

	// WebSocket connections by connection ID
	wsConnsMu sync.RWMutex
	wsConns   map[string]*wsConnection

	dirMu    sync.RWMutex
	channels map[string]*chat.Channel
	users    map[string]*chat.User

	upgrader websocket.Upgrader

	// State
	started bool
	mu      sync.RWMutex
}

type wsConnection struct {
	id      string
	conn    *websocket.Conn
	channel string
	userID  string
	sendCh  chan []byte
	done    chan struct{}
}

// MessageRequest is the JSON structure for HTTP and WebSocket messages.
type MessageRequest struct {
	Channel string `json:"channel"`
	User    string `json:"user"`
	Text    string `json:"text"`
	IsBot   bool   `json:"isBot,omitempty"`
}

// MessageResponse is the JSON structure for HTTP message responses.
type MessageResponse struct {
	Success   bool        `json:"success"`
	MessageID string      `json:"messageId,omitempty"`
	Error     *chat.Error `json:"error,omitempty"`
}

// Frame is pushed to WebSocket clients subscribed to a channel.
type Frame struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
	Text    string `json:"text,omitempty"`
}

// New creates a local adapter.
func New(config Config, logger *zap.Logger) *Adapter {
	defaults := DefaultConfig()
	if config.HTTPPath == "" {
		config.HTTPPath = defaults.HTTPPath
	}
	if config.BotName == "" {
		config.BotName = defaults.BotName
	}
	if config.TeamName == "" {
		config.TeamName = defaults.TeamName
	}
	if logger == nil {
		logger, _ = zap.NewProduction()
	}

	return &Adapter{
		config:   config,
		logger:   logger.Named("local"),
		wsConns:  make(map[string]*wsConnection),
		channels: make(map[string]*chat.Channel),
		users: map[string]*chat.User{
			BotUserID: {ID: BotUserID, Name: config.BotName, IsBot: true, Presence: chat.PresenceActive},
		},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins for local development
			},
		},
	}
}

// Factory returns an adapter.Factory that always yields a. The token is
// ignored.
func Factory(a *Adapter) adapter.Factory {
	return func(string) (adapter.Adapter, error) {
		return a, nil
	}
}

func (a *Adapter) Name() string {
	return "local"
}

// Path returns the mount path of the HTTP handler.
func (a *Adapter) Path() string {
	return a.config.HTTPPath
}

func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return fmt.Errorf("adapter already started")
	}
	a.started = true
	a.mu.Unlock()

	a.logger.Info("Local adapter started", zap.String("path", a.config.HTTPPath))

	if a.onConnect != nil {
		a.onConnect(chat.Identity{
			UserID:   BotUserID,
			UserName: a.config.BotName,
			TeamID:   TeamID,
			TeamName: a.config.TeamName,
		})
	}
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.started {
		return nil
	}

	// Close all WebSocket connections
	a.wsConnsMu.Lock()
	for _, conn := range a.wsConns {
		conn.conn.Close()
	}
	a.wsConnsMu.Unlock()

	a.started = false
	a.logger.Info("Local adapter stopped")
	return nil
}

func (a *Adapter) isStarted() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.started
}

func (a *Adapter) OnMessage(handler adapter.MessageHandler) {
	a.onMessage = handler
}

func (a *Adapter) OnConnect(handler adapter.ConnectHandler) {
	a.onConnect = handler
}

// Send pushes a message frame to every client subscribed to the channel.
func (a *Adapter) Send(ctx context.Context, text, channelID string) error {
	if !a.isStarted() {
		return fmt.Errorf("local adapter not started")
	}
	return a.push(ctx, Frame{Type: FrameMessage, Channel: channelID, Text: text})
}

// SetTyping pushes a typing frame to the channel.
func (a *Adapter) SetTyping(channelID string) {
	if !a.isStarted() {
		return
	}
	if err := a.push(context.Background(), Frame{Type: FrameTyping, Channel: channelID}); err != nil {
		a.logger.Warn("Failed to send typing indicator", zap.Error(err))
	}
}

func (a *Adapter) push(ctx context.Context, frame Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}

	a.wsConnsMu.RLock()
	defer a.wsConnsMu.RUnlock()

	for _, conn := range a.wsConns {
		if conn.channel != frame.Channel {
			continue
		}
		select {
		case conn.sendCh <- data:
		case <-ctx.Done():
			return ctx.Err()
		default:
			a.logger.Warn("WebSocket send buffer full, dropping frame",
				zap.String("connId", conn.id),
				zap.String("type", frame.Type))
		}
	}

	a.logger.Debug("Frame sent",
		zap.String("type", frame.Type),
		zap.String("channel", frame.Channel))
	return nil
}

// Channel returns a channel the adapter has seen.
func (a *Adapter) Channel(_ context.Context, id string) (*chat.Channel, bool) {
	a.dirMu.RLock()
	defer a.dirMu.RUnlock()
	ch, ok := a.channels[id]
	if !ok {
		return nil, false
	}
	copied := *ch
	copied.Members = append([]string(nil), ch.Members...)
	return &copied, true
}

// User returns a user the adapter has seen.
func (a *Adapter) User(_ context.Context, id string) (*chat.User, bool) {
	a.dirMu.RLock()
	defer a.dirMu.RUnlock()
	u, ok := a.users[id]
	if !ok {
		return nil, false
	}
	copied := *u
	return &copied, true
}

// observe records channel membership and the user's presence.
func (a *Adapter) observe(channelID, userID string, isBot bool, presence string) {
	a.dirMu.Lock()
	defer a.dirMu.Unlock()

	ch, ok := a.channels[channelID]
	if !ok {
		ch = &chat.Channel{ID: channelID, Name: channelID, Members: []string{BotUserID}}
		a.channels[channelID] = ch
	}
	member := false
	for _, m := range ch.Members {
		if m == userID {
			member = true
			break
		}
	}
	if !member {
		ch.Members = append(ch.Members, userID)
	}

	u, ok := a.users[userID]
	if !ok {
		u = &chat.User{ID: userID, Name: userID}
		a.users[userID] = u
	}
	u.IsBot = isBot
	if presence != "" {
		u.Presence = presence
	}
}

func (a *Adapter) setPresence(userID, presence string) {
	a.dirMu.Lock()
	defer a.dirMu.Unlock()
	if u, ok := a.users[userID]; ok {
		u.Presence = presence
	}
}

// emit converts a request into a message and hands it to the router.
func (a *Adapter) emit(req MessageRequest) *chat.Message {
	a.observe(req.Channel, req.User, req.IsBot, "")

	msg := chat.NewMessage(req.Channel, req.User, req.Text)
	if req.IsBot {
		msg.SubType = "bot_message"
	}

	a.logger.Debug("Received message",
		zap.String("channel", msg.Channel),
		zap.String("user", msg.User),
		zap.String("text", msg.Text))

	if a.onMessage != nil {
		a.onMessage(msg)
	}
	return msg
}

// HTTPHandler returns an http.Handler for the REST and WebSocket endpoints.
func (a *Adapter) HTTPHandler() http.Handler {
	r := chi.NewRouter()
	r.Post("/message", a.handleMessage)
	r.Get("/ws", a.handleWebSocket)
	r.Get("/health", a.handleHealth)
	return r
}

func (a *Adapter) handleMessage(w http.ResponseWriter, r *http.Request) {
	if !a.isStarted() {
		a.sendErrorResponse(w, http.StatusServiceUnavailable, chat.ErrCodeInternal, "No active session", "")
		return
	}

	var req MessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.sendErrorResponse(w, http.StatusBadRequest, chat.ErrCodeBadRequest, "Invalid request body", "")
		return
	}
	if req.Channel == "" {
		a.sendErrorResponse(w, http.StatusBadRequest, chat.ErrCodeBadRequest, "channel is required", "")
		return
	}
	if req.User == "" {
		req.User = "anonymous"
	}

	msg := a.emit(req)

	// Return success (async processing)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(MessageResponse{
		Success:   true,
		MessageID: msg.ID,
	})
}

func (a *Adapter) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !a.isStarted() {
		a.sendErrorResponse(w, http.StatusServiceUnavailable, chat.ErrCodeInternal, "No active session", "")
		return
	}

	channel := r.URL.Query().Get("channel")
	if channel == "" {
		a.sendErrorResponse(w, http.StatusBadRequest, chat.ErrCodeBadRequest, "channel is required", "")
		return
	}

	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Error("WebSocket upgrade failed", zap.Error(err))
		return
	}

	id := uuid.New().String()
	userID := r.URL.Query().Get("user")
	if userID == "" {
		userID = "ws-user-" + id[:8]
	}

	wsConn := &wsConnection{
		id:      id,
		conn:    conn,
		channel: channel,
		userID:  userID,
		sendCh:  make(chan []byte, 256),
		done:    make(chan struct{}),
	}

	a.wsConnsMu.Lock()
	a.wsConns[id] = wsConn
	a.wsConnsMu.Unlock()

	a.observe(channel, userID, false, chat.PresenceActive)

	a.logger.Info("WebSocket connection established",
		zap.String("connId", id),
		zap.String("channel", channel),
		zap.String("user", userID))

	// Start read and write goroutines
	go a.wsReadPump(wsConn)
	go a.wsWritePump(wsConn)
}

func (a *Adapter) wsReadPump(wsConn *wsConnection) {
	defer func() {
		a.wsConnsMu.Lock()
		delete(a.wsConns, wsConn.id)
		a.wsConnsMu.Unlock()
		close(wsConn.done)
		wsConn.conn.Close()
		a.setPresence(wsConn.userID, chat.PresenceAway)
		a.logger.Info("WebSocket connection closed", zap.String("connId", wsConn.id))
	}()

	wsConn.conn.SetReadLimit(65536)
	wsConn.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	wsConn.conn.SetPongHandler(func(string) error {
		wsConn.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := wsConn.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				a.logger.Error("WebSocket read error", zap.Error(err))
			}
			return
		}

		var req MessageRequest
		if err := json.Unmarshal(message, &req); err != nil {
			a.logger.Warn("Invalid WebSocket message", zap.Error(err))
			continue
		}

		// The connection's channel and user apply unless overridden
		if req.Channel == "" {
			req.Channel = wsConn.channel
		}
		if req.User == "" {
			req.User = wsConn.userID
		}

		a.emit(req)
	}
}

func (a *Adapter) wsWritePump(wsConn *wsConnection) {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		wsConn.conn.Close()
	}()

	for {
		select {
		case message := <-wsConn.sendCh:
			wsConn.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := wsConn.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				a.logger.Error("WebSocket write error", zap.Error(err))
				return
			}

		case <-ticker.C:
			wsConn.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := wsConn.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-wsConn.done:
			return
		}
	}
}

func (a *Adapter) handleHealth(w http.ResponseWriter, r *http.Request) {
	a.wsConnsMu.RLock()
	conns := len(a.wsConns)
	a.wsConnsMu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":      "healthy",
		"adapter":     a.Name(),
		"started":     a.isStarted(),
		"connections": conns,
	})
}

func (a *Adapter) sendErrorResponse(w http.ResponseWriter, status int, code, message, traceID string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(MessageResponse{
		Success: false,
		Error:   chat.NewError(code, message, traceID),
	})
}

var _ adapter.Adapter = (*Adapter)(nil)
