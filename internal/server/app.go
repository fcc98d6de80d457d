// Package server wires the ingestion server together: storage, object
// store, session tracker, notification fan-out and the HTTP API, and runs
// them until the process is signalled.
package server

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dmitrijs2005/mediaingest/internal/filex"
	"github.com/dmitrijs2005/mediaingest/internal/logging"
	"github.com/dmitrijs2005/mediaingest/internal/server/config"
	"github.com/dmitrijs2005/mediaingest/internal/server/httpapi"
	"github.com/dmitrijs2005/mediaingest/internal/server/metrics"
	"github.com/dmitrijs2005/mediaingest/internal/server/notify"
	"github.com/dmitrijs2005/mediaingest/internal/server/objectstore"
	"github.com/dmitrijs2005/mediaingest/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/mediaingest/internal/server/services"
	"github.com/dmitrijs2005/mediaingest/internal/server/tracker"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

const dispatcherDrainTimeout = 5 * time.Second

type App struct {
	config     *config.Config
	logger     logging.Logger
	db         *sql.DB
	redis      *redis.Client
	tracker    *tracker.Tracker
	dispatcher *notify.Dispatcher
	server     *httpapi.Server
}

func NewApp(ctx context.Context, c *config.Config) (*App, error) {
	logger := logging.NewJSON(os.Stdout, c.LogLevel)

	for _, dir := range []*string{&c.StorageDir, &c.TempDir, &c.LinksDir} {
		abs, err := filex.EnsureDir(*dir)
		if err != nil {
			return nil, fmt.Errorf("storage init error: %w", err)
		}
		*dir = abs
	}

	db, err := repomanager.Open(ctx, c.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("db init error: %w", err)
	}
	rm := repomanager.NewPostgresRepositoryManager()
	if err := rm.RunMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migration error: %w", err)
	}

	app := &App{config: c, logger: logger, db: db}

	mx := metrics.New()
	app.tracker = tracker.New(
		tracker.WithTTL(c.TrackerTTL),
		tracker.WithCapacity(c.TrackerCapacity),
		tracker.WithSweepInterval(c.TrackerSweepInterval),
	)
	mx.TrackSessions(app.tracker.Len)

	var store services.ObjectStore
	if c.S3Bucket != "" {
		s3, err := objectstore.New(ctx, objectstore.Options{
			Region:        c.S3Region,
			AccessKey:     c.S3RootUser,
			SecretKey:     c.S3RootPassword,
			Endpoint:      c.S3BaseEndpoint,
			Bucket:        c.S3Bucket,
			UsePathStyle:  c.S3UsePathStyle,
			PresignExpiry: c.PresignExpiry,
		})
		if err != nil {
			app.close()
			return nil, fmt.Errorf("object store init error: %w", err)
		}
		store = s3
	}

	broadcaster, err := app.newBroadcaster(ctx)
	if err != nil {
		app.close()
		return nil, err
	}
	sinks := []notify.Sink{notify.NewBroadcastSink(broadcaster)}
	if c.TelegramToken != "" {
		bot, err := notify.NewBot(c.TelegramToken, c.TelegramAPIEndpoint)
		if err != nil {
			app.close()
			return nil, fmt.Errorf("telegram init error: %w", err)
		}
		sinks = append(sinks, notify.NewTelegramSink(bot, c.TelegramChatID, c.NotifyEditInterval))
	}
	app.dispatcher = notify.NewDispatcher(sinks, c.NotifyWorkers, c.NotifyQueueSize, logger, mx)
	app.tracker.OnUpdate(app.dispatcher.Observe)

	links := services.NewLinkService(db, rm, logger, mx)
	svc := httpapi.Services{
		Links: links,
		Webhook: services.NewWebhookService(db, rm, links, app.tracker, logger, mx, services.WebhookConfig{
			LinksDir:             c.LinksDir,
			DisallowedExtensions: c.DisallowedExtensions,
		}),
		Direct: services.NewDirectUploadService(db, rm, links, store, app.tracker, logger, mx, services.DirectConfig{
			StorageDir:           c.StorageDir,
			PublicPrefix:         c.PublicFilesPrefix,
			DisallowedExtensions: c.DisallowedExtensions,
		}),
		Progress: services.NewProgressService(links, app.tracker, logger),
	}
	if store != nil {
		svc.Multipart = services.NewMultipartService(db, rm, links, store, app.tracker, logger, mx, c.DisallowedExtensions)
	}

	h := httpapi.NewHandler(svc, app.tracker, broadcaster, mx, logger, httpapi.Options{
		AdminSecret:    c.AdminSecret,
		TempDir:        c.TempDir,
		MaxUploadBytes: c.MaxUploadBytes,
		CORSOrigins:    c.CORSOrigins,
	})
	app.server = httpapi.NewServer(c.HTTPAddr, h.Router(), logger)

	return app, nil
}

// newBroadcaster uses Redis when an address is configured and falls back
// to an in-process broadcaster otherwise.
func (app *App) newBroadcaster(ctx context.Context) (notify.Broadcaster, error) {
	if app.config.RedisAddr == "" {
		return notify.NewLocalBroadcaster(64), nil
	}
	app.redis = redis.NewClient(&redis.Options{
		Addr:     app.config.RedisAddr,
		Password: app.config.RedisPassword,
	})
	if err := app.redis.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis init error: %w", err)
	}
	return notify.NewRedisBroadcaster(app.redis, app.config.RedisChannel), nil
}

func (app *App) close() {
	if app.redis != nil {
		_ = app.redis.Close()
	}
	if app.db != nil {
		_ = app.db.Close()
	}
}

// Run blocks until SIGINT/SIGTERM or a component failure.
func (app *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()
	defer app.close()

	app.logger.Info(ctx, "Starting app...")

	// sinks keep working while queued events drain after cancellation
	app.dispatcher.Start(context.WithoutCancel(ctx))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return app.server.Run(ctx)
	})
	g.Go(func() error {
		return app.tracker.Run(ctx)
	})
	g.Go(func() error {
		<-ctx.Done()
		drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), dispatcherDrainTimeout)
		defer cancel()
		if err := app.dispatcher.Shutdown(drainCtx); err != nil {
			app.logger.Warn(ctx, "notifications not drained", "error", err)
		}
		return nil
	})

	err := g.Wait()
	app.logger.Info(ctx, "App stopped")
	return err
}
