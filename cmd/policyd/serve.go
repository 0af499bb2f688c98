package main

import (
	"context"
	"errors"
	"io/fs"

	"github.com/orient-bot/policy-sidecar/internal/adapter"
	"github.com/orient-bot/policy-sidecar/internal/approval"
	"github.com/orient-bot/policy-sidecar/internal/auth"
	"github.com/orient-bot/policy-sidecar/internal/config"
	"github.com/orient-bot/policy-sidecar/internal/engine"
	"github.com/orient-bot/policy-sidecar/internal/policy"
	"github.com/orient-bot/policy-sidecar/internal/server"
	"github.com/orient-bot/policy-sidecar/internal/store"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP sidecar",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx, cancel := setupSignalHandler()
			defer cancel()

			log.Info().Msg("starting policy sidecar")
			if err := serve(ctx, cfg); err != nil {
				return err
			}
			log.Info().Msg("sidecar stopped successfully")
			return nil
		},
	}
}

func serve(ctx context.Context, cfg config.Config) error {
	st, err := initStore(cfg.DBPath)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close store")
		}
	}()

	reloader, err := initPolicies(ctx, cfg.PolicyFile, st)
	if err != nil {
		return err
	}
	defer func() {
		if err := reloader.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close policy watcher")
		}
	}()

	hub := server.NewHub()
	registry := initAdapters(cfg, hub)

	coordinator := approval.NewCoordinator(registry, st, cfg.Approval)
	defer func() {
		if err := coordinator.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close approval coordinator")
		}
	}()
	log.Info().Dur("timeout", cfg.Approval.Timeout).Dur("grant_ttl", cfg.Approval.GrantTTL).Msg("approval coordinator initialized")

	eng := engine.New(st, coordinator, registry, engine.Config{DefaultAction: cfg.DefaultAction})
	if cfg.DefaultAction == policy.ActionAllow {
		log.Warn().Msg("tool calls matching no policy are allowed, set DEFAULT_ACTION=deny to fail closed")
	}

	log.Info().Bool("required", cfg.Auth.RequireAuth).Int("accounts", len(cfg.Auth.Accounts)).Msg("initializing auth manager")
	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		return err
	}

	srv := server.New(cfg.Server, eng, coordinator, hub, authManager)
	return runServer(ctx, srv)
}

func initStore(dbPath string) (*store.SQLiteStore, error) {
	log.Info().Str("path", dbPath).Msg("initializing permission store")

	st, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, err
	}

	log.Info().Msg("permission store initialized")
	return st, nil
}

// initPolicies loads the policy file into the store and starts hot reload. A
// missing file keeps whatever policy set the store already holds.
func initPolicies(ctx context.Context, path string, st *store.SQLiteStore) (*policy.Reloader, error) {
	reloader := policy.NewReloader(path, st)

	if err := reloader.Reload(ctx); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		log.Warn().Str("file", path).Msg("policy file not found, using stored policies")
	}

	if err := reloader.Watch(); err != nil {
		return nil, err
	}
	return reloader, nil
}

func initAdapters(cfg config.Config, hub *server.Hub) *adapter.Registry {
	registry := adapter.NewRegistry()
	registry.Register(server.NewDashboardAdapter(hub))

	for _, wh := range cfg.Webhooks {
		registry.Register(adapter.NewWebhookAdapter(wh.Platform, wh.URL, wh.Secret, cfg.WebhookTimeout))
	}

	log.Info().Strs("platforms", registry.Platforms()).Msg("approval adapters registered")
	return registry
}

func runServer(ctx context.Context, srv *server.Server) error {
	errChan := make(chan error, 1)

	go func() {
		if err := srv.Start(); err != nil {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		return srv.Shutdown(context.Background())
	}
}
