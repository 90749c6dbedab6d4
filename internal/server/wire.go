package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"

	"github.com/dmitrijs2005/gophvault/internal/events"
	"github.com/dmitrijs2005/gophvault/internal/fieldcipher"
	"github.com/dmitrijs2005/gophvault/internal/keys"
	"github.com/dmitrijs2005/gophvault/internal/logging"
	"github.com/dmitrijs2005/gophvault/internal/server/config"
	"github.com/dmitrijs2005/gophvault/internal/server/idempotency"
	"github.com/dmitrijs2005/gophvault/internal/server/lease"
	"github.com/dmitrijs2005/gophvault/internal/server/metrics"
	"github.com/dmitrijs2005/gophvault/internal/server/reports"
	"github.com/dmitrijs2005/gophvault/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/gophvault/internal/server/services"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

// openDB is a test seam for sql.Open.
var openDB = sql.Open

// Components are the wired services of one process.
type Components struct {
	DB          *sql.DB
	Redis       *redis.Client
	RepoManager repomanager.RepositoryManager
	Registry    *events.Registry
	Cipher      *fieldcipher.Cipher
	Metrics     *metrics.Metrics

	Store    *services.EventStore
	Ingestor *services.Ingestor
	Pruner   *services.Pruner
	Rotator  *services.Rotator
	Vault    *services.FieldVault
}

// Build wires every component from cfg. It does not touch the database;
// callers run migrations or ping as they need. reg receives the metrics.
func Build(ctx context.Context, cfg *config.Config, log logging.Logger, reg prometheus.Registerer) (*Components, error) {
	if cfg.Keys.Passphrase == "" {
		return nil, errors.New("keyring passphrase is required")
	}
	if cfg.Keys.Salt == "" {
		return nil, errors.New("keyring salt is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	derived, err := keys.DeriveFromPassphrase([]byte(cfg.Keys.Passphrase), []byte(cfg.Keys.Salt), cfg.Keys.Versions, cfg.Keys.Active)
	if err != nil {
		return nil, fmt.Errorf("derive keyring: %w", err)
	}
	var provider keys.Provider = derived.Keyring
	if cfg.Keys.Timeout > 0 {
		provider = keys.WithTimeout(provider, cfg.Keys.Timeout)
	}
	if cfg.Keys.CacheTTL > 0 {
		provider = keys.Cached(provider, cfg.Keys.CacheTTL)
	}
	cipher, err := fieldcipher.New(provider, derived.LookupKey, log)
	if err != nil {
		return nil, err
	}

	var registryOpts []events.Option
	if len(cfg.PIIDetectors) > 0 {
		detectors, err := events.DetectorsByName(cfg.PIIDetectors)
		if err != nil {
			return nil, fmt.Errorf("pii detectors: %w", err)
		}
		registryOpts = append(registryOpts, events.WithDetectors(detectors...))
	}
	registry := events.NewRegistry(log, registryOpts...)
	if cfg.SchemaFile != "" {
		f, err := os.Open(cfg.SchemaFile)
		if err != nil {
			return nil, fmt.Errorf("open schema file: %w", err)
		}
		defer f.Close()
		if err := registry.LoadDefinitions(f); err != nil {
			return nil, fmt.Errorf("load schemas: %w", err)
		}
	}

	db, err := openDB("pgx", cfg.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("db open error: %w", err)
	}

	c := &Components{
		DB:          db,
		RepoManager: repomanager.NewPostgresRepositoryManager(),
		Registry:    registry,
		Cipher:      cipher,
		Metrics:     metrics.New(reg),
	}

	var (
		guard  idempotency.Guard
		locker lease.Locker = lease.NewMemoryLocker()
	)
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		c.Redis = redis.NewClient(opts)
		guard = idempotency.NewRedisGuard(c.Redis, cfg.Append.IdempotencyWindow)
		locker = lease.NewRedisLocker(c.Redis)
	}

	var sink services.ReportSink
	if cfg.Reports.Bucket != "" {
		store, err := reports.NewS3Store(ctx, reports.S3Config{
			Bucket:       cfg.Reports.Bucket,
			Prefix:       cfg.Reports.Prefix,
			Region:       cfg.Reports.Region,
			BaseEndpoint: cfg.Reports.BaseEndpoint,
			AccessKey:    cfg.Reports.AccessKey,
			SecretKey:    cfg.Reports.SecretKey,
		})
		if err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("report store: %w", err)
		}
		sink = store
	}

	c.Store, err = services.NewEventStore(db, c.RepoManager, registry, guard, services.EventStoreConfig{
		Mode:                cfg.ValidationMode,
		Retention:           cfg.RetentionPolicy(),
		Workers:             cfg.Append.Workers,
		MaxInFlight:         cfg.Append.MaxInFlight,
		RejectWhenSaturated: cfg.Append.RejectWhenSaturated,
		RetryAttempts:       cfg.Append.RetryAttempts,
		RetryBase:           cfg.Append.RetryBase,
	}, log, c.Metrics)
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	c.Ingestor = services.NewIngestor(c.Store, cipher)
	c.Pruner = services.NewPruner(db, c.RepoManager, locker, sink, services.PrunerConfig{
		BatchSize:      cfg.Pruner.BatchSize,
		MaxReportedIDs: cfg.Pruner.MaxReportedIDs,
		LeaseTTL:       cfg.Pruner.LeaseTTL,
	}, log, c.Metrics)
	c.Rotator = services.NewRotator(db, c.RepoManager, cipher, cfg.Rotation.BatchSize, log, c.Metrics)
	c.Vault = services.NewFieldVault(db, c.RepoManager, cipher, log)
	return c, nil
}

// Ping checks the database and, when configured, redis.
func (c *Components) Ping(ctx context.Context) error {
	if err := c.DB.PingContext(ctx); err != nil {
		return fmt.Errorf("db ping: %w", err)
	}
	if c.Redis != nil {
		if err := c.Redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
	}
	return nil
}

func (c *Components) Close() error {
	var errs []error
	if c.Redis != nil {
		errs = append(errs, c.Redis.Close())
	}
	if c.DB != nil {
		errs = append(errs, c.DB.Close())
	}
	return errors.Join(errs...)
}
