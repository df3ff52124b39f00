package bot

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/wikinerd/wikinerd/internal/adapter"
	"github.com/wikinerd/wikinerd/internal/dispatch"
)

// ErrNoToken is returned by Launch when called without a token.
var ErrNoToken = errors.New("bot: empty token")

// Supervisor owns the single active session of this process. A session is
// only ever constructed from a token in hand.
type Supervisor struct {
	config     Config
	registry   *dispatch.Registry
	newAdapter adapter.Factory
	logger     *zap.Logger

	mu      sync.Mutex
	current *Bot
}

// NewSupervisor creates a supervisor that builds sessions with newAdapter.
func NewSupervisor(cfg Config, registry *dispatch.Registry, newAdapter adapter.Factory, logger *zap.Logger) *Supervisor {
	if logger == nil {
		logger, _ = zap.NewProduction()
	}
	return &Supervisor{
		config:     cfg,
		registry:   registry,
		newAdapter: newAdapter,
		logger:     logger,
	}
}

// Launch starts a session for token, replacing the running one if any.
func (s *Supervisor) Launch(ctx context.Context, token string) error {
	if token == "" {
		return ErrNoToken
	}

	a, err := s.newAdapter(token)
	if err != nil {
		return fmt.Errorf("failed to create adapter: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current != nil {
		s.logger.Info("Replacing active bot session")
		if err := s.current.Stop(ctx); err != nil {
			s.logger.Warn("Previous session did not stop cleanly", zap.Error(err))
		}
		s.current = nil
	}

	b := New(s.config, a, s.registry, s.logger)
	if err := b.Start(ctx); err != nil {
		return err
	}
	s.current = b
	return nil
}

// Active reports whether a session is running.
func (s *Supervisor) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current != nil
}

// Current returns the running session, or nil.
func (s *Supervisor) Current() *Bot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Stop stops the running session.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs error
	if s.current != nil {
		errs = multierr.Append(errs, s.current.Stop(ctx))
		s.current = nil
	}
	return errs
}
