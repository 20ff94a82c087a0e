// CairnFS trust core daemon.
//
// cairnfsd is the authentication and authorisation service for a CairnFS
// deployment: it owns session tokens and their signing keys, password
// storage under rotating peppers, and role-based access control, and
// exposes them over an HTTP API.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	_ "github.com/cairnfs/cairnfs/migrations"

	"github.com/cairnfs/cairnfs/internal/api"
	"github.com/cairnfs/cairnfs/internal/audit"
	"github.com/cairnfs/cairnfs/internal/authz"
	"github.com/cairnfs/cairnfs/internal/identity"
	"github.com/cairnfs/cairnfs/internal/infrastructure/config"
	"github.com/cairnfs/cairnfs/internal/infrastructure/database"
	"github.com/cairnfs/cairnfs/internal/infrastructure/logging"
	"github.com/cairnfs/cairnfs/internal/infrastructure/metrics"
	"github.com/cairnfs/cairnfs/internal/jobs"
	"github.com/cairnfs/cairnfs/internal/password"
	"github.com/cairnfs/cairnfs/internal/secrets"
	"github.com/cairnfs/cairnfs/internal/session"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
// Returning an error allows main to handle exit codes consistently.
func run(ctx context.Context) error { //nolint:gocognit,gocyclo,funlen // startup wiring is intentionally one linear sequence
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting CairnFS trust core",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	// Load configuration
	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Open database
	db, err := database.Open(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "path", cfg.Database.Path)

	// Run migrations
	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	// Open the two key stores. A decrypt failure here is fatal: the
	// process must not run with a half-trusted key store.
	rootSecret := []byte(cfg.Secrets.RootSecret)

	sessionKeys, err := secrets.Open(
		filepath.Join(cfg.Secrets.Dir, "session"), rootSecret, secrets.PurposeSessionKeys)
	if err != nil {
		return fmt.Errorf("opening session key store: %w", err)
	}
	if sessionKeys.Len() == 0 {
		if _, _, createErr := sessionKeys.Create(secrets.SessionKeySize); createErr != nil {
			return fmt.Errorf("creating initial session key: %w", createErr)
		}
		log.Info("session key store bootstrapped")
	}
	log.Info("session key store opened", "versions", sessionKeys.Len())

	// Pepper versions start at 1; version 0 marks unpeppered password rows.
	peppers, err := secrets.Open(
		filepath.Join(cfg.Secrets.Dir, "peppers"), rootSecret, secrets.PurposePeppers,
		secrets.WithFirstVersion(1))
	if err != nil {
		return fmt.Errorf("opening pepper store: %w", err)
	}
	if peppers.Len() == 0 {
		if _, _, createErr := peppers.Create(secrets.PepperKeySize); createErr != nil {
			return fmt.Errorf("creating initial pepper: %w", createErr)
		}
		log.Info("pepper store bootstrapped")
	}
	log.Info("pepper store opened", "versions", peppers.Len())

	// Core components
	users := identity.NewRepository(db.DB)
	vault := password.NewVault(db.DB, peppers)
	sessionRepo := session.NewRepository(db.DB)
	codec := session.NewCodec(sessionKeys)

	sessionCache, err := session.NewCache(cfg.Session.CacheSize)
	if err != nil {
		return fmt.Errorf("creating session cache: %w", err)
	}
	sessions := session.NewManager(sessionRepo, users, codec, sessionCache, vault, cfg.GetSessionTTL(), log)

	authzRepo := authz.NewRepository(db.DB)
	resolver, err := authz.NewResolver(authzRepo, cfg.Authz.CacheSize, log)
	if err != nil {
		return fmt.Errorf("creating authz resolver: %w", err)
	}

	auditRepo := audit.NewRepository(db.DB)

	// First boot: without a seeded owner nothing can ever log in, because
	// user creation itself sits behind an authenticated session.
	if _, err := identity.SeedOwner(ctx, users, vault, authzRepo, log); err != nil {
		return fmt.Errorf("seeding owner account: %w", err)
	}

	// Connect to InfluxDB (optional)
	var metricsClient *metrics.Client
	if cfg.Metrics.Enabled {
		metricsClient, err = metrics.Connect(cfg.Metrics)
		if err != nil {
			return fmt.Errorf("connecting to metrics sink: %w", err)
		}
		defer func() {
			log.Info("closing metrics connection")
			if closeErr := metricsClient.Close(); closeErr != nil {
				log.Error("error closing metrics client", "error", closeErr)
			}
		}()
		log.Info("metrics sink connected",
			"url", cfg.Metrics.URL,
			"org", cfg.Metrics.Org,
			"bucket", cfg.Metrics.Bucket,
		)
		metricsClient.SetOnError(func(err error) {
			log.Error("metrics write error", "error", err)
		})
	} else {
		log.Info("metrics sink disabled")
	}

	// Background jobs
	scheduler := jobs.NewScheduler(db.DB, log)
	scheduler.Register(jobs.Task{
		Name:     "session-sweep",
		Interval: cfg.GetSweepInterval(),
		Run: func(ctx context.Context) error {
			start := time.Now()
			removed, sweepErr := sessions.SweepExpired(ctx)
			if sweepErr != nil {
				return sweepErr
			}
			if metricsClient != nil {
				metricsClient.WriteSweepStats(removed, time.Since(start))
				metricsClient.WriteCacheStats("session", sessionCache.Len())
			}
			return nil
		},
	})
	scheduler.Start(ctx)
	log.Info("background jobs started", "sweep_interval", cfg.GetSweepInterval().String())

	// API server
	server, err := api.New(api.Deps{
		Config:      cfg,
		Logger:      log,
		Users:       users,
		Sessions:    sessions,
		SessionKeys: sessionKeys,
		Peppers:     peppers,
		Vault:       vault,
		Authz:       authzRepo,
		Resolver:    resolver,
		Audit:       auditRepo,
		Metrics:     metricsClient,
		Version:     version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}
	defer func() {
		if closeErr := server.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()

	log.Info("initialisation complete, waiting for shutdown signal")

	// Wait for shutdown signal
	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")
	scheduler.Wait()

	log.Info("CairnFS trust core stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses CAIRNFS_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("CAIRNFS_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}
