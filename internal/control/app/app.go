// Package app wires configuration, the ARI transport, the dispatcher and
// the admin surfaces into one runnable process.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sebas/ariflow/internal/ari"
	"github.com/sebas/ariflow/internal/control/api"
	"github.com/sebas/ariflow/internal/control/command"
	"github.com/sebas/ariflow/internal/control/config"
	"github.com/sebas/ariflow/internal/control/events"
	"github.com/sebas/ariflow/internal/control/stasis"
)

// Runtime owns every long-lived component of the process.
type Runtime struct {
	cfg        *config.Config
	log        *slog.Logger
	client     *ari.Native
	dispatcher *stasis.Dispatcher
	publisher  events.Publisher
	apiServer  *api.Server
	health     *api.HealthServer
}

// New builds the runtime. Nothing connects until Run.
func New(cfg *config.Config, log *slog.Logger) (*Runtime, error) {
	if log == nil {
		log = slog.Default()
	}

	client, err := ari.NewNative(ari.NativeConfig{
		App:            cfg.App,
		URL:            cfg.ARIURL,
		WebsocketURL:   cfg.ARIWSURL,
		Username:       cfg.Username,
		Password:       cfg.Password,
		RequestTimeout: cfg.RequestTimeout,
		PollInterval:   cfg.ConnectionPoll,
		Logger:         log,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create ARI client: %w", err)
	}

	publisher := events.NewLoggingPublisher(log)
	policy := command.Policy{
		Retries:   cfg.CommandRetries,
		BaseDelay: cfg.RetryDelay,
		MaxDelay:  command.DefaultPolicy.MaxDelay,
	}
	if policy.MaxDelay < policy.BaseDelay {
		policy.MaxDelay = policy.BaseDelay
	}
	dispatcher := stasis.NewDispatcher(stasis.Config{
		App:       cfg.App,
		Client:    client,
		Policy:    policy,
		ClaimTTL:  cfg.ClaimTTL,
		Publisher: publisher,
		Logger:    log,
	})

	r := &Runtime{
		cfg:        cfg,
		log:        log,
		client:     client,
		dispatcher: dispatcher,
		publisher:  publisher,
		apiServer:  api.NewServer(cfg.APIAddr, cfg.App, dispatcher, client, log),
		health:     api.NewHealthServer(cfg.GRPCAddr, cfg.App, log),
	}

	client.OnConnect = func() { r.health.SetServing(true) }
	client.OnDisconnect = func(err error) {
		r.health.SetServing(false)
		if err != nil {
			r.log.Warn("[App] Event stream lost", "error", err)
		}
	}

	log.Info("[App] Runtime configured",
		"app", cfg.App,
		"ari", cfg.ARIURL,
		"events", cfg.ARIWSURL,
		"retries", policy.Retries,
	)
	return r, nil
}

// Dispatcher returns the dispatcher so callers can register applications
// before Run.
func (r *Runtime) Dispatcher() *stasis.Dispatcher { return r.dispatcher }

// Run starts the admin surfaces and consumes the event stream until ctx is
// cancelled. A clean shutdown returns nil.
func (r *Runtime) Run(ctx context.Context) error {
	if err := r.apiServer.Start(); err != nil {
		return fmt.Errorf("failed to start API server: %w", err)
	}
	if _, err := r.health.Serve(); err != nil {
		return fmt.Errorf("failed to start gRPC health server: %w", err)
	}

	r.log.Info("[App] Consuming events", "app", r.cfg.App)
	err := r.client.Run(ctx, r.dispatcher.HandleEvent)
	if ari.IsClosed(err) {
		return nil
	}
	return err
}

// Close stops the dispatcher, waiting for running applications, then the
// admin surfaces.
func (r *Runtime) Close() error {
	r.dispatcher.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var errs []error
	if err := r.apiServer.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("api: %w", err))
	}
	r.health.Stop()
	if err := r.publisher.Close(); err != nil {
		errs = append(errs, fmt.Errorf("publisher: %w", err))
	}
	return errors.Join(errs...)
}
