package cmd

import (
	"batchclassify/internal/adapter/outbound/archive"
	"batchclassify/internal/adapter/outbound/errorsink"
	"batchclassify/internal/adapter/outbound/lease"
	"batchclassify/internal/adapter/outbound/messaging"
	"batchclassify/internal/adapter/outbound/openai"
	"batchclassify/internal/adapter/outbound/repository"
	"batchclassify/internal/adapter/outbound/sqlitestore"
	"batchclassify/internal/adapter/outbound/tracker"
	"batchclassify/internal/application/common/clock"
	"batchclassify/internal/application/common/retry"
	"batchclassify/internal/application/common/slogger"
	"batchclassify/internal/application/parser"
	"batchclassify/internal/application/worker"
	"batchclassify/internal/config"
	"batchclassify/internal/port/outbound"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// recordStore is what the database adapters provide.
type recordStore interface {
	outbound.RecordSource
	outbound.ClassificationStore
}

// application holds the wired components of one CLI run.
type application struct {
	cfg       *config.Config
	clock     clock.Clock
	schema    *parser.ClassificationSchema
	store     recordStore
	provider  outbound.BatchProvider
	tracker   outbound.JobTracker
	errorSink outbound.ErrorSink
	artifacts outbound.ArtifactStore
	metrics   *worker.MonitorMetrics
	telemetry *telemetry
	closers   []func(context.Context) error
}

type appOptions struct {
	needStore    bool
	needProvider bool
}

func newApplication(ctx context.Context, cfg *config.Config, opts appOptions) (_ *application, err error) {
	app := &application{cfg: cfg, clock: clock.Real{}}
	defer func() {
		if err != nil {
			app.close(context.WithoutCancel(ctx))
		}
	}()

	if app.schema, err = parser.LoadSchema(cfg.Schema.Path); err != nil {
		return nil, err
	}

	if app.telemetry, err = setupTelemetry(cfg.Telemetry); err != nil {
		return nil, err
	}
	app.closers = append(app.closers, app.telemetry.shutdown)

	if app.metrics, err = worker.NewMonitorMetrics(app.telemetry.meterProvider); err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}

	app.tracker = tracker.NewFileTracker(cfg.Tracker.Path)

	if app.errorSink, err = errorsink.NewFileErrorSink(cfg.Artifacts.Dir, app.clock); err != nil {
		return nil, err
	}
	if app.artifacts, err = newArtifactStore(ctx, cfg.Artifacts, app.clock); err != nil {
		return nil, err
	}

	if opts.needProvider {
		if err = cfg.RequireProvider(); err != nil {
			return nil, err
		}
		if app.provider, err = openai.NewClient(openai.ClientConfig{
			APIKey:       cfg.Provider.APIKey,
			BaseURL:      cfg.Provider.BaseURL,
			Organization: cfg.Provider.Organization,
			Timeout:      cfg.Provider.Timeout,
		}); err != nil {
			return nil, err
		}
	}

	if opts.needStore {
		if err = app.openStore(ctx); err != nil {
			return nil, err
		}
	}

	return app, nil
}

func newArtifactStore(ctx context.Context, cfg config.ArtifactsConfig, clk clock.Clock) (outbound.ArtifactStore, error) {
	local, err := archive.NewFileArtifactStore(cfg.Dir, clk)
	if err != nil {
		return nil, err
	}
	if !cfg.Archive.Enabled {
		return local, nil
	}

	objCfg := archive.ObjectConfig{
		Endpoint:  cfg.Archive.Endpoint,
		AccessKey: cfg.Archive.AccessKey,
		SecretKey: cfg.Archive.SecretKey,
		Bucket:    cfg.Archive.Bucket,
		Prefix:    cfg.Archive.Prefix,
		UseSSL:    cfg.Archive.UseSSL,
	}
	client, err := archive.NewMinioClient(ctx, objCfg)
	if err != nil {
		return nil, err
	}
	slogger.Info(ctx, "Mirroring artifacts to object store", slogger.Fields2(
		"endpoint", cfg.Archive.Endpoint,
		"bucket", cfg.Archive.Bucket,
	))
	return archive.NewMirroredStore(local, client, objCfg), nil
}

func (a *application) openStore(ctx context.Context) error {
	db := a.cfg.Database
	fields := a.schema.FieldNames()

	switch strings.ToLower(db.Driver) {
	case config.DriverSQLite:
		conn, err := sqlitestore.Open(db.SQLitePath)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func(context.Context) error { return conn.Close() })

		store, err := sqlitestore.New(conn, db.Table, fields)
		if err != nil {
			return err
		}
		a.store = store

	default:
		pool, err := repository.NewDatabaseConnection(ctx, repository.DatabaseConfig{
			DSN:            db.DSN,
			Host:           db.Host,
			Port:           db.Port,
			Database:       db.Name,
			Username:       db.User,
			Password:       db.Password,
			Schema:         db.Schema,
			SSLMode:        db.SSLMode,
			MaxConnections: db.MaxConnections,
		})
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func(context.Context) error { pool.Close(); return nil })

		store, err := repository.NewClassificationRepository(pool, db.Table, fields)
		if err != nil {
			return err
		}
		a.store = store
	}
	return nil
}

// providerRetry is the submission retry policy from config.
func (a *application) providerRetry() *retry.RetryConfig {
	policy := retry.DefaultRetryConfig()
	policy.MaxAttempts = a.cfg.Provider.MaxRetries
	if a.cfg.Provider.InitialBackoff > 0 {
		policy.InitialDelay = a.cfg.Provider.InitialBackoff
	}
	if a.cfg.Provider.MaxBackoff > 0 {
		policy.MaxDelay = a.cfg.Provider.MaxBackoff
	}
	return policy
}

func (a *application) encoder() *worker.ChatRequestEncoder {
	return worker.NewChatRequestEncoder(a.schema, worker.ChatRequestConfig{
		Endpoint:            a.cfg.Provider.Endpoint,
		MaxCompletionTokens: a.cfg.Submit.MaxCompletionTokens,
	})
}

// newPublisher connects to NATS when enabled. A nil publisher disables events.
func (a *application) newPublisher(ctx context.Context) (outbound.EventPublisher, error) {
	if !a.cfg.NATS.Enabled {
		return nil, nil
	}
	publisher, err := messaging.NewNATSEventPublisher(a.cfg.NATS)
	if err != nil {
		return nil, err
	}
	if err := publisher.Connect(ctx); err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func(context.Context) error { publisher.Close(); return nil })
	return publisher, nil
}

// newLease connects to Redis when enabled. A nil lease means no coordination.
func (a *application) newLease(ctx context.Context) (outbound.MonitorLease, error) {
	if !a.cfg.Redis.Enabled {
		return nil, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     a.cfg.Redis.Addr,
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
	})
	a.closers = append(a.closers, func(context.Context) error { return client.Close() })

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", a.cfg.Redis.Addr, err)
	}

	return lease.NewRedisLease(client, lease.Config{Key: a.cfg.Redis.LeaseKey, TTL: a.cfg.Redis.LeaseTTL})
}

// close releases resources in reverse order of acquisition.
func (a *application) close(ctx context.Context) {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		slogger.Warn(ctx, "Failed to release resources cleanly", slogger.Field("error", err.Error()))
	}
}
