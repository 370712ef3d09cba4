// Package server provides the public entry point for initializing the
// Daybook daemon. It wires the store, failover router, quota scheduler,
// trigger evaluator, and event executor, and exposes the HTTP handler
// plus the background rollover loop for the host to run.
package server

import (
	"context"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/daybook-io/daybook/internal/api"
	"github.com/daybook-io/daybook/internal/api/handlers"
	"github.com/daybook-io/daybook/internal/config"
	"github.com/daybook-io/daybook/internal/executor"
	"github.com/daybook-io/daybook/internal/quota"
	"github.com/daybook-io/daybook/internal/router"
	"github.com/daybook-io/daybook/internal/store"
	"github.com/daybook-io/daybook/internal/telemetry"
	"github.com/daybook-io/daybook/internal/trigger"
	"github.com/daybook-io/daybook/pkg/models"
)

// Server holds the initialized Daybook engine.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Store is the data store.
	Store store.Store

	// Executor routes events; exposed so hosts embedding Daybook as a
	// library can bypass the HTTP surface.
	Executor *executor.Executor

	// Quota is the day-scoped admission scheduler.
	Quota *quota.Scheduler

	// Config is the loaded configuration.
	Config *config.Config

	// ShutdownFunc should be called on graceful shutdown to flush telemetry.
	ShutdownFunc func(context.Context) error
}

// New initializes all components from environment configuration.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, config.Load())
}

// NewWithConfig initializes the engine with an explicit configuration.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	shutdown, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		return nil, err
	}

	reg, err := config.LoadRegistry(cfg.RegistryPath)
	if err != nil {
		return nil, err
	}

	dataStore := store.NewMemoryStore(cfg.DataDir)
	if err := dataStore.ReplaceProviders(ctx, reg.Providers); err != nil {
		return nil, err
	}

	fr := router.NewFailoverRouter(dataStore)
	fr.Configure(reg.Selection.DefaultProvider, reg.Selection.FallbackProviders)

	qs := quota.NewScheduler()
	ev := trigger.NewEvaluator(reg.Conditions, reg.ClaimedEvents)

	execOpts := []executor.Option{
		executor.WithMaxConcurrent(cfg.MaxConcurrent),
		executor.WithPreferredProviders(preferredByCategory(reg.Selection.Preferred)),
	}

	if cfg.PostgresURL != "" {
		archive, err := store.NewPostgresArchive(ctx, cfg.PostgresURL)
		if err != nil {
			// The archive is optional; the engine runs without it
			log.Warn().Err(err).Msg("Postgres archive unavailable, continuing without it")
		} else {
			execOpts = append(execOpts, executor.WithArchive(archive))
		}
	}

	ex := executor.New(dataStore, fr, qs, ev, execOpts...)

	h := handlers.New(dataStore, fr, qs, ev, ex, cfg.RegistryPath)

	log.Info().
		Int("providers", len(reg.Providers)).
		Int("conditions", len(reg.Conditions)).
		Str("default_provider", reg.Selection.DefaultProvider).
		Msg("Daybook engine initialized")

	return &Server{
		Handler:      api.NewRouter(cfg, h),
		Store:        dataStore,
		Executor:     ex,
		Quota:        qs,
		Config:       cfg,
		ShutdownFunc: shutdown,
	}, nil
}

func preferredByCategory(in map[string][]string) map[models.Category][]string {
	out := make(map[models.Category][]string, len(in))
	for k, v := range in {
		out[models.Category(k)] = v
	}
	return out
}
