// Package main provides the entry point for the EPTB regimen checking
// service: HTTP API, guideline table loading, and the evaluation audit trail.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/eptb-dst-server/internal/api"
	"github.com/eptb-dst-server/internal/audit"
	"github.com/eptb-dst-server/internal/cache"
	"github.com/eptb-dst-server/internal/config"
	"github.com/eptb-dst-server/internal/database"
	"github.com/eptb-dst-server/internal/engine"
	"github.com/eptb-dst-server/internal/guideline"
	"github.com/eptb-dst-server/internal/normalize"
	"github.com/eptb-dst-server/internal/repository"
	"github.com/eptb-dst-server/pkg/registry"
)

func main() {
	// Load configuration
	configManager, err := config.NewManager()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if err := configManager.Validate(); err != nil {
		log.Fatalf("Configuration validation failed: %v", err)
	}

	cfg := configManager.GetConfig()
	logger := newLogger(cfg.Logging)

	var table *guideline.Table
	var revisions *repository.RuleSetRepository

	if strings.EqualFold(cfg.Guideline.Source, "database") {
		if err := runMigrations(cfg, logger); err != nil {
			logger.WithError(err).Fatal("Failed to run database migrations")
		}

		db, err := database.NewConnection(context.Background(), cfg.Database, logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to guideline revision database")
		}
		defer db.Close()

		revisions = repository.NewRuleSetRepository(db.Pool, logger)
		active, err := revisions.GetActive(context.Background())
		if err != nil {
			logger.WithError(err).Fatal("No active guideline revision; create and activate one before serving")
		}
		table, err = guideline.FromDataset(&active.Dataset)
		if err != nil {
			logger.WithError(err).Fatal("Active guideline revision does not load")
		}
	} else {
		table, err = loadTable(cfg, logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to load guideline table")
		}
	}
	logger.WithFields(logrus.Fields{
		"guideline_version": table.Version(),
		"rule_count":        table.Len(),
	}).Info("Guideline table loaded")

	normalizer, err := normalize.New(cfg.Renal)
	if err != nil {
		logger.WithError(err).Fatal("Invalid renal staging configuration")
	}

	evaluator, err := engine.NewEvaluator(table, normalizer, logger, cfg.Guideline.CacheSize)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create evaluator")
	}

	var sharedCache *cache.Client
	if cfg.Cache.Enabled {
		sharedCache, err = cache.New(cfg.Cache.Config)
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to Redis")
		}
		defer sharedCache.Close()
		evaluator.SetSharedCache(sharedCache)
		logger.Info("Shared finding cache enabled")
	}

	store, err := newAuditStore(cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open audit store")
	}
	defer store.Close()

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info("Shutdown signal received, gracefully shutting down...")
		cancel()
	}()

	logger.WithFields(logrus.Fields{
		"host": cfg.Server.Host,
		"port": cfg.Server.Port,
	}).Info("Starting EPTB regimen checking service")

	server := api.NewServer(cfg, evaluator, store, logger)
	if revisions != nil {
		var invalidator api.VersionInvalidator
		if sharedCache != nil {
			invalidator = sharedCache
		}
		server.SetRevisionStore(revisions, invalidator)
		logger.Info("Guideline revision endpoints enabled")
	}
	if err := server.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Server failed")
	}

	logger.Info("EPTB regimen checking service stopped")
}

// newLogger builds the service logger from the logging configuration.
func newLogger(cfg config.LoggingConfig) *logrus.Logger {
	logger := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if strings.ToLower(cfg.Format) == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}

	return logger
}

// loadTable picks the guideline table source. An explicit guideline.source
// wins; otherwise the registry when enabled, a dataset file when
// configured, the built-in WHO table as the fallback. The database source
// is handled in main, where the revision repository stays alive for the
// admin endpoints.
func loadTable(cfg *config.Config, logger *logrus.Logger) (*guideline.Table, error) {
	switch strings.ToLower(cfg.Guideline.Source) {
	case "builtin":
		return guideline.Builtin()
	case "file":
		return guideline.LoadFile(cfg.Guideline.DatasetPath)
	case "registry":
		return loadFromRegistry(cfg, logger)
	}

	if cfg.Registry.Enabled {
		return loadFromRegistry(cfg, logger)
	}
	if cfg.Guideline.DatasetPath != "" {
		return guideline.LoadFile(cfg.Guideline.DatasetPath)
	}
	return guideline.Builtin()
}

// loadFromRegistry fetches the latest dataset version from the guideline
// registry at startup.
func loadFromRegistry(cfg *config.Config, logger *logrus.Logger) (*guideline.Table, error) {
	client := registry.NewClient(cfg.Registry.Config, logger)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Registry.Timeout)
	defer cancel()

	version, err := client.LatestVersion(ctx)
	if err != nil {
		return nil, err
	}
	dataset, err := client.FetchDataset(ctx, version)
	if err != nil {
		return nil, err
	}
	return guideline.FromDataset(dataset)
}

// runMigrations applies pending schema migrations. Safe to call more than
// once; an up-to-date schema is not an error.
func runMigrations(cfg *config.Config, logger *logrus.Logger) error {
	runner, err := database.NewMigrationRunner(cfg.Database.URL(), "migrations", logger)
	if err != nil {
		return err
	}
	defer runner.Close()

	return runner.Up()
}

// newAuditStore opens the configured audit-trail backend. The postgres
// backend runs pending schema migrations before serving.
func newAuditStore(cfg *config.Config, logger *logrus.Logger) (audit.Store, error) {
	if strings.ToLower(cfg.Audit.Backend) == "postgres" {
		if err := runMigrations(cfg, logger); err != nil {
			return nil, err
		}
		return audit.NewPostgresStoreFromURL(cfg.Database.URL())
	}

	return audit.NewSQLiteStore(cfg.Audit.SQLitePath)
}
