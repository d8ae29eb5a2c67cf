// Package app wires the components together: user store, session
// registry, router, and the network listeners.
package app

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"classmon/internal/config"
	"classmon/internal/registry"
	"classmon/internal/router"
	"classmon/internal/server"
	"classmon/internal/store"
)

// Application owns the component lifecycle in dependency order:
// store, registry, router, server.
type Application struct {
	cfg      *config.Config
	store    *store.Store
	registry *registry.Registry
	router   *router.Router
	server   *server.Server
	log      zerolog.Logger
}

// New builds the application from a validated configuration.
func New(cfg *config.Config, log zerolog.Logger) (*Application, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	st, err := store.Open(cfg.Database.Path, log)
	if err != nil {
		return nil, fmt.Errorf("open user store: %w", err)
	}

	reg := registry.New(log)
	r := router.New(reg, st, cfg.Handshake.PendingTTL, log)
	srv := server.New(cfg, r, log)

	return &Application{
		cfg:      cfg,
		store:    st,
		registry: reg,
		router:   r,
		server:   srv,
		log:      log.With().Str("component", "app").Logger(),
	}, nil
}

// Store exposes the user store for account administration.
func (a *Application) Store() *store.Store {
	return a.store
}

// Start checks the store and brings the listeners up.
func (a *Application) Start(ctx context.Context) error {
	if err := a.store.HealthCheck(ctx); err != nil {
		return fmt.Errorf("store health check: %w", err)
	}
	if err := a.server.Start(); err != nil {
		return fmt.Errorf("start server: %w", err)
	}
	a.log.Info().Str("tcp", a.cfg.TCPAddr()).Str("http", a.cfg.HTTPAddr()).Msg("application started")
	return nil
}

// Stop shuts components down in reverse order. Connections drain before
// the store closes so in-flight logins do not hit a closed database.
func (a *Application) Stop(ctx context.Context) error {
	var firstErr error
	if err := a.server.Stop(ctx); err != nil {
		firstErr = err
	}
	if err := a.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if firstErr != nil {
		return fmt.Errorf("shutdown: %w", firstErr)
	}
	a.log.Info().Msg("application stopped")
	return nil
}
