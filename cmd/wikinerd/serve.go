package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/wikinerd/wikinerd/internal/adapter"
	"github.com/wikinerd/wikinerd/internal/adapter/local"
	slackadapter "github.com/wikinerd/wikinerd/internal/adapter/slack"
	"github.com/wikinerd/wikinerd/internal/bot"
	"github.com/wikinerd/wikinerd/internal/commands"
	"github.com/wikinerd/wikinerd/internal/config"
	"github.com/wikinerd/wikinerd/internal/dispatch"
	"github.com/wikinerd/wikinerd/internal/install"
	"github.com/wikinerd/wikinerd/internal/wiki"
)

// localToken stands in for an installed token when running the local adapter.
const localToken = "local"

func serve(ctx context.Context, cfg *config.Config, localMode bool) error {
	logger := initLogger(cfg.Log.Level)
	defer logger.Sync()

	logger.Info("Starting WikiNerd",
		zap.String("version", version),
		zap.String("config", configPath),
		zap.Bool("local", localMode))

	// Every keyword is registered before any connection opens; a malformed
	// pattern aborts startup here.
	registry := dispatch.NewRegistry()
	lookups := wiki.NewClient(cfg.Wiki, logger)
	if err := commands.Register(registry, cfg.Commands, lookups, logger); err != nil {
		return fmt.Errorf("failed to register handlers: %w", err)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(install.RequestLogger(logger))

	var factory adapter.Factory
	token := cfg.Slack.Token
	if localMode {
		localAdapter := local.New(cfg.Local, logger)
		factory = local.Factory(localAdapter)
		token = localToken
		r.Mount(localAdapter.Path(), localAdapter.HTTPHandler())
		logger.Info("Local adapter HTTP endpoints registered",
			zap.String("path", localAdapter.Path()))
	} else {
		factory = slackadapter.Factory(cfg.Slack, logger)
	}

	sessions := bot.NewSupervisor(cfg.Bot, registry, factory, logger)

	installer := install.NewServer(cfg.OAuth, sessions, logger)
	installer.SetVersion(version)
	installer.Mount(r)

	if token != "" {
		if err := sessions.Launch(ctx, token); err != nil {
			return fmt.Errorf("failed to start bot session: %w", err)
		}
	} else {
		logger.Info("No bot token configured, waiting for install",
			zap.String("authorizeURL", installer.AuthorizeURL()))
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server starting", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err := <-errCh:
		logger.Error("HTTP server error", zap.Error(err))
		serveErr = fmt.Errorf("http server: %w", err)
	}

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	err := multierr.Combine(
		serveErr,
		server.Shutdown(shutdownCtx),
		sessions.Stop(shutdownCtx),
	)
	if err != nil {
		logger.Error("Shutdown completed with errors", zap.Error(err))
	}

	logger.Info("WikiNerd stopped")
	return err
}
