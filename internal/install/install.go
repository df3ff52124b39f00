// Package install serves the OAuth install flow: a redirect to the platform's
// authorization page and the callback that exchanges the code for a bot token
// and launches a bot session with it.
package install

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

// Responses written to the browser.
const (
	SuccessText = "WikiNerd has been installed! Invite it to a channel and type `help` to get started."
	FailureText = "Something went wrong while installing WikiNerd, please try again later."
	MissingCode = "Missing authorization code."
)

// SessionLauncher starts a bot session for a token.
type SessionLauncher interface {
	Launch(ctx context.Context, token string) error
	Active() bool
}

// State is the progress of one install attempt.
type State int

const (
	AwaitingCode State = iota
	ExchangingToken
	SessionActive
	ExchangeFailed
)

func (s State) String() string {
	switch s {
	case AwaitingCode:
		return "awaiting_code"
	case ExchangingToken:
		return "exchanging_token"
	case SessionActive:
		return "session_active"
	case ExchangeFailed:
		return "exchange_failed"
	default:
		return "unknown"
	}
}

// Config holds the OAuth client configuration.
type Config struct {
	ClientID     string `yaml:"client_id" koanf:"client_id"`
	ClientSecret string `yaml:"client_secret" koanf:"client_secret"`
	Scope        string `yaml:"scope" koanf:"scope"`
	RedirectURL  string `yaml:"redirect_url" koanf:"redirect_url"`
	AuthURL      string `yaml:"auth_url" koanf:"auth_url"`
	TokenURL     string `yaml:"token_url" koanf:"token_url"`

	// LaunchTimeout bounds starting the session after a successful exchange.
	LaunchTimeout time.Duration `yaml:"launch_timeout" koanf:"launch_timeout"`
}

// DefaultConfig returns the Slack OAuth defaults.
func DefaultConfig() Config {
	return Config{
		Scope:         "bot",
		RedirectURL:   "http://localhost:8000/bot",
		AuthURL:       "https://slack.com/oauth/authorize",
		TokenURL:      "https://slack.com/api/oauth.access",
		LaunchTimeout: 30 * time.Second,
	}
}

// Server handles the install endpoints.
type Server struct {
	config     Config
	oauth      *oauth2.Config
	sessions   SessionLauncher
	httpClient *http.Client
	logger     *zap.Logger
	version    string
}

// NewServer creates the install server.
func NewServer(cfg Config, sessions SessionLauncher, logger *zap.Logger) *Server {
	if logger == nil {
		logger, _ = zap.NewProduction()
	}
	if cfg.LaunchTimeout <= 0 {
		cfg.LaunchTimeout = DefaultConfig().LaunchTimeout
	}

	return &Server{
		config: cfg,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       []string{cfg.Scope},
			Endpoint: oauth2.Endpoint{
				AuthURL:   cfg.AuthURL,
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		sessions:   sessions,
		httpClient: &http.Client{},
		logger:     logger,
	}
}

// SetVersion sets the version reported by the health endpoint.
func (s *Server) SetVersion(v string) {
	s.version = v
}

// Mount registers the install and health routes on r.
func (s *Server) Mount(r chi.Router) {
	r.Get("/", s.handleAuthorize)
	r.Get("/bot", s.handleCallback)
	r.Get("/health", s.handleHealth)
}

// Router returns a router serving only the install routes.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(RequestLogger(s.logger))
	s.Mount(r)
	return r
}

// AuthorizeURL returns the platform authorization URL.
func (s *Server) AuthorizeURL() string {
	return s.oauth.AuthCodeURL("")
}

func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, s.AuthorizeURL(), http.StatusFound)
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	attempt := uuid.New().String()
	logger := s.logger.With(zap.String("attempt", attempt))
	state := AwaitingCode

	transition := func(next State, fields ...zap.Field) {
		logger.Info("Install state changed",
			append([]zap.Field{
				zap.Stringer("from", state),
				zap.Stringer("to", next),
			}, fields...)...)
		state = next
	}

	code := r.URL.Query().Get("code")
	if code == "" {
		logger.Warn("Install callback without code",
			zap.String("error", r.URL.Query().Get("error")))
		http.Error(w, MissingCode, http.StatusBadRequest)
		return
	}

	transition(ExchangingToken)
	token, err := s.Exchange(r.Context(), code)
	if err != nil {
		transition(ExchangeFailed, zap.Error(err))
		http.Error(w, FailureText, http.StatusBadGateway)
		return
	}

	// The session outlives this request.
	ctx, cancel := context.WithTimeout(context.Background(), s.config.LaunchTimeout)
	defer cancel()
	if err := s.sessions.Launch(ctx, token); err != nil {
		transition(ExchangeFailed, zap.Error(err))
		http.Error(w, FailureText, http.StatusBadGateway)
		return
	}

	transition(SessionActive)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(SuccessText))
}

// Exchange trades an authorization code for a bot access token.
func (s *Server) Exchange(ctx context.Context, code string) (string, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, s.httpClient)

	tok, err := s.oauth.Exchange(ctx, code)
	if err != nil {
		return "", fmt.Errorf("failed to exchange code: %w", err)
	}

	token := BotToken(tok)
	if token == "" {
		return "", fmt.Errorf("token response has no bot access token")
	}
	return token, nil
}

// BotToken extracts the bot token from a token response: bot.bot_access_token
// when present, the top-level access token otherwise.
func BotToken(tok *oauth2.Token) string {
	if tok == nil {
		return ""
	}
	if bot, ok := tok.Extra("bot").(map[string]interface{}); ok {
		if t, ok := bot["bot_access_token"].(string); ok && t != "" {
			return t
		}
	}
	return tok.AccessToken
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	session := "awaiting_install"
	if s.sessions.Active() {
		session = "active"
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"version": s.version,
		"session": session,
	})
}
