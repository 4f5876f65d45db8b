// Package main implements a service that searches for keyword matches on a
// short-message platform and posts notifications to Slack channels.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"github.com/robfig/cron/v3"
	"google.golang.org/api/option"

	"tweet-watcher/chat"
	"tweet-watcher/credential"
	"tweet-watcher/deliver"
	"tweet-watcher/metrics"
	"tweet-watcher/pkg/watcher"
	"tweet-watcher/poll"
	"tweet-watcher/search"
	"tweet-watcher/server"
	wstorage "tweet-watcher/storage"
)

// backend is the full persistence surface used by the service.
type backend interface {
	server.Store
	poll.Store
	deliver.Store
	credential.Store
	SeedCredential(ctx context.Context, c *watcher.Credential) (bool, error)
	Close() error
}

var (
	_ backend = (*wstorage.Store)(nil)
	_ backend = (*wstorage.SQLite)(nil)
)

func main() {
	if err := run(); err != nil {
		slog.Error("Service failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig(os.Getenv("CONFIG_FILE"))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	level, err := parseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	metrics.Init()

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	if err := seedCredentials(ctx, store, cfg.BearerTokens, logger); err != nil {
		return err
	}

	pool := credential.New(store, logger)
	searcher := search.New(&http.Client{Timeout: 30 * time.Second}, cfg.SearchBaseURL, logger)
	monitor := poll.New(searcher, pool, store, cfg.MaxResults, logger)

	var provider chat.Provider
	if cfg.SlackBotToken == "" {
		logger.Info("Mock chat mode enabled (no SLACK_BOT_TOKEN)")
		provider = chat.NewMockProvider(logger)
	} else {
		provider = chat.NewSlackProvider(cfg.SlackBotToken, cfg.SlackRate, cfg.SlackAPIURL, logger)
	}
	notifier := deliver.New(store, chat.New(provider, logger), cfg.DeliveryWorkers, logger)

	scheduler, err := newScheduler(cfg, monitor, notifier, logger)
	if err != nil {
		return err
	}
	scheduler.Start()
	defer func() {
		<-scheduler.Stop().Done()
	}()

	if cfg.SlackSigningSecret == "" {
		logger.Warn("SLACK_SIGNING_SECRET not set, slash commands disabled")
	}
	srv := server.New(&server.Config{
		Store:         store,
		Poller:        monitor,
		Deliverer:     notifier,
		Logger:        logger,
		SigningSecret: cfg.SlackSigningSecret,
	})
	return srv.ListenAndServe(ctx, cfg.Port)
}

// openStore opens the configured backend. The returned func releases it.
func openStore(ctx context.Context, cfg *Config, logger *slog.Logger) (backend, func(), error) {
	switch cfg.Backend {
	case backendSQLite:
		logger.Info("Using SQLite storage", "path", cfg.SQLitePath)
		db, err := wstorage.OpenSQLite(cfg.SQLitePath, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite: %w", err)
		}
		return db, func() {
			if err := db.Close(); err != nil {
				logger.Warn("Failed to close database", "error", err)
			}
		}, nil

	case backendLocal:
		logger.Info("Running in local development mode", "storage_path", cfg.LocalStorage)
		if err := os.MkdirAll(cfg.LocalStorage, 0o755); err != nil {
			return nil, nil, fmt.Errorf("create local storage directory: %w", err)
		}
		return wstorage.New(nil, "", cfg.LocalStorage, logger), func() {}, nil

	case backendGCS:
		var opts []option.ClientOption
		if cfg.GoogleCredentialsJSON != "" {
			opts = append(opts, option.WithCredentialsJSON([]byte(cfg.GoogleCredentialsJSON)))
		}
		client, err := storage.NewClient(ctx, opts...)
		if err != nil {
			return nil, nil, fmt.Errorf("initialize storage client: %w", err)
		}
		logger.Info("Using Cloud Storage", "bucket", cfg.Bucket)
		return wstorage.New(client, cfg.Bucket, "", logger), func() {
			if err := client.Close(); err != nil {
				logger.Warn("Failed to close storage client", "error", err)
			}
		}, nil
	}
	return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
}

type credentialSeeder interface {
	SeedCredential(ctx context.Context, c *watcher.Credential) (bool, error)
}

// seedCredentials registers configured tokens. Existing credentials keep their cooldown state.
func seedCredentials(ctx context.Context, store credentialSeeder, tokens []string, logger *slog.Logger) error {
	var errs []error
	for _, token := range tokens {
		c := watcher.NewCredential(token)
		created, err := store.SeedCredential(ctx, c)
		if err != nil {
			errs = append(errs, fmt.Errorf("seed credential %s: %w", c.ID, err))
			continue
		}
		if created {
			logger.Info("Registered search credential", "credential", c)
		}
	}
	return errors.Join(errs...)
}

type poller interface {
	CheckAll(ctx context.Context) (*poll.Report, error)
}

type deliverer interface {
	DeliverPending(ctx context.Context) (*deliver.Summary, error)
}

// newScheduler registers in-process jobs for the configured schedules.
// Overlapping runs of the same job are skipped.
func newScheduler(cfg *Config, p poller, d deliverer, logger *slog.Logger) (*cron.Cron, error) {
	cl := cronLogger{logger: logger}
	c := cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)

	if cfg.PollSchedule != "" {
		if _, err := c.AddFunc(cfg.PollSchedule, func() {
			report, err := p.CheckAll(context.Background())
			if err != nil {
				logger.Error("Scheduled poll failed", "error", err)
				return
			}
			logger.Info("Scheduled poll finished", "report", report)
		}); err != nil {
			return nil, fmt.Errorf("poll schedule %q: %w", cfg.PollSchedule, err)
		}
		logger.Info("Scheduled polling", "schedule", cfg.PollSchedule)
	}

	if cfg.DeliverSchedule != "" {
		if _, err := c.AddFunc(cfg.DeliverSchedule, func() {
			summary, err := d.DeliverPending(context.Background())
			if err != nil {
				logger.Error("Scheduled delivery failed", "error", err, "summary", summary)
				return
			}
			logger.Info("Scheduled delivery finished", "summary", summary)
		}); err != nil {
			return nil, fmt.Errorf("deliver schedule %q: %w", cfg.DeliverSchedule, err)
		}
		logger.Info("Scheduled delivery", "schedule", cfg.DeliverSchedule)
	}
	return c, nil
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("Scheduler: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("Scheduler: "+msg, append(keysAndValues, "error", err)...)
}
