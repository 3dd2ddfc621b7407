package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/atp-project/atp"
	"github.com/atp-project/atp/pkg/auth"
	"github.com/atp-project/atp/pkg/cache"
	"github.com/atp-project/atp/pkg/config"
	"github.com/atp-project/atp/pkg/executor"
	"github.com/atp-project/atp/pkg/pausestate"
	"github.com/atp-project/atp/pkg/policy"
	"github.com/atp-project/atp/pkg/provenance"
	"github.com/atp-project/atp/pkg/server"
	"github.com/atp-project/atp/pkg/tools"
)

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Println(atp.GetVersion().String())
	return nil
}

// ValidateCmd validates a configuration file.
type ValidateCmd struct {
	Config string `arg:"" name:"config" help:"Configuration file path." placeholder:"PATH"`
}

func (c *ValidateCmd) Run() error {
	_ = config.LoadEnvFiles()

	cfg, err := config.LoadFile(c.Config)
	if err != nil {
		return err
	}
	fmt.Printf("Configuration valid: %s (listen %s, cache %s, provenance %s)\n",
		c.Config, cfg.Server.Address(), cfg.Cache.Backend, cfg.Provenance.Mode)
	return nil
}

// ServeCmd starts the ATP server.
type ServeCmd struct {
	Port int `help:"Port to listen on (overrides config)."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	_ = config.LoadEnvFiles()

	cfg, err := loadConfig(cli.Config)
	if err != nil {
		return err
	}
	if c.Port != 0 {
		cfg.Server.Port = c.Port
	}

	backend, err := newCacheBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = backend.Close() }()

	srv, err := buildServer(cfg, backend)
	if err != nil {
		return err
	}

	fmt.Printf("ATP server ready\n")
	fmt.Printf("   API:     http://%s/api\n", srv.Address())
	fmt.Printf("   Health:  http://%s/health\n", srv.Address())
	fmt.Printf("   Metrics: http://%s/metrics\n", srv.Address())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Start(gctx)
	})
	return g.Wait()
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		cfg := config.Default()
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	return config.LoadFile(path)
}

// newCacheBackend opens the configured cache provider.
func newCacheBackend(ctx context.Context, cfg *config.Config) (cache.Provider, error) {
	switch cfg.Cache.Backend {
	case "redis":
		backend, err := cache.NewRedis(ctx, cache.RedisOptions{
			Addr:     cfg.Cache.Redis.Addr,
			Password: cfg.Cache.Redis.Password,
			DB:       cfg.Cache.Redis.DB,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		slog.Info("Cache backend connected", "backend", "redis", "addr", cfg.Cache.Redis.Addr)
		return backend, nil
	default:
		return cache.NewMemory(), nil
	}
}

// buildServer wires the auth service, tool catalog, policies and execution
// core into an HTTP server.
func buildServer(cfg *config.Config, backend cache.Provider) (*server.Server, error) {
	issuer, err := auth.NewTokenIssuer([]byte(cfg.Auth.Secret), cfg.Auth.TokenTTL, cfg.Auth.RotateAfter)
	if err != nil {
		return nil, err
	}
	authSvc := auth.NewService(issuer, backend, cfg.Auth.SessionTTL, slog.Default())

	catalog := tools.NewCatalog()
	if cfg.Tools.EnableDemo {
		if err := catalog.RegisterAll(tools.BuiltinTools()); err != nil {
			return nil, err
		}
		slog.Info("Demo tool group registered")
	}

	policies := policy.NewEngine(
		policy.Exfiltration(cfg.Provenance.ExternalGroups),
		policy.UserOriginRequired(),
	)

	core := executor.New(executor.Options{
		Catalog:        catalog,
		Store:          pausestate.NewStore(backend, cfg.Execution.StateTTL, cfg.Execution.MaxPauseDuration, slog.Default()),
		Cache:          backend,
		Policies:       policies,
		Provenance:     provenance.NewRegistry(),
		Signer:         provenance.NewSigner(cfg.Provenance.Secret),
		Logger:         slog.Default(),
		Execution:      cfg.Execution,
		ProvenanceMode: cfg.Provenance.Mode,
		CacheTTL:       cfg.Cache.DefaultTTL,
	})

	return server.New(server.Options{
		Config:  cfg,
		Auth:    authSvc,
		Core:    core,
		Catalog: catalog,
		Logger:  slog.Default(),
		Version: atp.Version,
	}), nil
}
