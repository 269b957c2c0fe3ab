package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/multierr"

	"github.com/haukened/hostgate/internal/gate/common/clock"
	"github.com/haukened/hostgate/internal/gate/common/log"
	"github.com/haukened/hostgate/internal/gate/config"
	"github.com/haukened/hostgate/internal/gate/domain"
	"github.com/haukened/hostgate/internal/gate/gateways/httpapi"
	"github.com/haukened/hostgate/internal/gate/repos/policy"
	policybolt "github.com/haukened/hostgate/internal/gate/repos/policy/bolt"
	policymem "github.com/haukened/hostgate/internal/gate/repos/policy/memory"
	policyredis "github.com/haukened/hostgate/internal/gate/repos/policy/redis"
	"github.com/haukened/hostgate/internal/gate/repos/policyfile"
	"github.com/haukened/hostgate/internal/gate/repos/rules"
	rulesbolt "github.com/haukened/hostgate/internal/gate/repos/rules/bolt"
	rulesmem "github.com/haukened/hostgate/internal/gate/repos/rules/memory"
	"github.com/haukened/hostgate/internal/gate/repos/statusindex"
	"github.com/haukened/hostgate/internal/gate/services/syncer"
)

const (
	version = "0.1.0-dev"
	appName = "hostgated"

	defaultConnectTimeout  = 5 * time.Second
	defaultShutdownTimeout = 10 * time.Second
)

// Application holds the wired components of the daemon.
type Application struct {
	config *config.AppConfig
	syncer *syncer.Syncer
	server *httpapi.Server
	repos  *repositories
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}

	if err := log.Configure(cfg.Env, cfg.LogLevel); err != nil {
		fmt.Fprintf(os.Stderr, "Logging configuration error: %v\n", err)
		os.Exit(1)
	}

	log.Info(map[string]any{
		"version":        version,
		"env":            cfg.Env,
		"log_level":      cfg.LogLevel,
		"listen":         cfg.Listen,
		"policy_backend": cfg.PolicyBackend,
		"rules_backend":  cfg.RulesBackend,
	}, "Starting "+appName)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := buildApplication(ctx, cfg)
	if err != nil {
		log.Fatal(map[string]any{"error": err.Error()}, "Failed to build application")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Info(map[string]any{"signal": sig.String()}, "Shutdown signal received")
		cancel()
	}()

	if err := app.Run(ctx); err != nil {
		log.Fatal(map[string]any{"error": err.Error()}, "Server failed")
	}
	log.Info(nil, appName+" stopped gracefully")
}

// repositories holds the storage backends and the status index.
type repositories struct {
	policies policy.Store
	rules    rules.Store
	index    *statusindex.Index
	seed     *domain.GlobalPolicy
}

// Close releases both stores, reporting every failure.
func (r *repositories) Close() error {
	var err error
	if r.policies != nil {
		err = multierr.Append(err, r.policies.Close())
	}
	if r.rules != nil {
		err = multierr.Append(err, r.rules.Close())
	}
	return err
}

func buildApplication(ctx context.Context, cfg *config.AppConfig) (*Application, error) {
	logger := log.GetLogger()

	repos, err := buildRepositories(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build repositories: %w", err)
	}

	s := syncer.NewSyncer(syncer.Options{
		Policies: repos.policies,
		Rules:    repos.rules,
		Index:    repos.index,
		Clock:    &clock.RealClock{},
		Logger:   logger,
		Seed:     repos.seed,
	})

	if cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := httpapi.NewRouter(s, repos.index, logger)

	return &Application{
		config: cfg,
		syncer: s,
		server: httpapi.NewServer(cfg.Listen, router, logger),
		repos:  repos,
	}, nil
}

// buildRepositories opens every store named by cfg. On failure the stores
// opened so far are closed before returning.
func buildRepositories(ctx context.Context, cfg *config.AppConfig, logger log.Logger) (*repositories, error) {
	repos := &repositories{}
	if err := repos.open(ctx, cfg, logger); err != nil {
		return nil, multierr.Append(err, repos.Close())
	}
	return repos, nil
}

func (r *repositories) open(ctx context.Context, cfg *config.AppConfig, logger log.Logger) error {
	var err error
	switch cfg.PolicyBackend {
	case "bolt":
		r.policies, err = policybolt.New(cfg.PolicyDB)
	case "redis":
		connectCtx, cancel := context.WithTimeout(ctx, defaultConnectTimeout)
		r.policies, err = policyredis.New(connectCtx, policyredis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   cfg.RedisPrefix,
		})
		cancel()
	case "memory":
		r.policies = policymem.New()
	default:
		err = fmt.Errorf("unknown policy backend %q", cfg.PolicyBackend)
	}
	if err != nil {
		return fmt.Errorf("failed to open policy store: %w", err)
	}
	logger.Info(map[string]any{"backend": cfg.PolicyBackend}, "Policy store configured")

	switch cfg.RulesBackend {
	case "bolt":
		r.rules, err = rulesbolt.New(cfg.RulesDB)
	case "memory":
		r.rules = rulesmem.New()
	default:
		err = fmt.Errorf("unknown rules backend %q", cfg.RulesBackend)
	}
	if err != nil {
		return fmt.Errorf("failed to open rule store: %w", err)
	}
	logger.Info(map[string]any{"backend": cfg.RulesBackend}, "Rule store configured")

	r.index, err = statusindex.New(cfg.StatusCacheSize, cfg.StatusFPRate)
	if err != nil {
		return fmt.Errorf("failed to create status index: %w", err)
	}
	logger.Info(map[string]any{
		"site_cache": cfg.StatusCacheSize,
		"fp_rate":    cfg.StatusFPRate,
	}, "Status index configured")

	if cfg.SeedFile != "" {
		gp, err := policyfile.Load(cfg.SeedFile, logger)
		if err != nil {
			return fmt.Errorf("failed to load seed file: %w", err)
		}
		r.seed = &gp
		logger.Info(map[string]any{
			"file":    cfg.SeedFile,
			"blocked": len(gp.Blocked),
			"allowed": len(gp.Allowed),
		}, "Seed policy loaded")
	}
	return nil
}

// Run performs the startup sync, serves the API and blocks until ctx is
// cancelled.
func (app *Application) Run(ctx context.Context) error {
	defer func() {
		if err := app.repos.Close(); err != nil {
			log.Warn(map[string]any{"error": err.Error()}, "Error closing stores")
		}
	}()

	rep, err := app.syncer.Start(ctx)
	if err != nil {
		return fmt.Errorf("startup sync failed: %w", err)
	}
	log.Info(map[string]any{
		"sync_id": rep.ID,
		"removed": rep.Removed,
		"added":   rep.Added,
	}, "Startup sync complete")

	if err := app.server.Start(ctx); err != nil {
		return fmt.Errorf("failed to start message API: %w", err)
	}

	<-ctx.Done()
	log.Info(nil, "Shutdown initiated")

	done := make(chan error, 1)
	go func() { done <- app.server.Stop() }()

	select {
	case err := <-done:
		if err != nil {
			log.Warn(map[string]any{"error": err.Error()}, "Error during API shutdown")
		}
		log.Info(nil, "Graceful shutdown completed")
		return nil
	case <-time.After(defaultShutdownTimeout):
		log.Warn(map[string]any{"timeout": defaultShutdownTimeout.String()}, "Shutdown timeout exceeded")
		return fmt.Errorf("shutdown timeout")
	}
}
