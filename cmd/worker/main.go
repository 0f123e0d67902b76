package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/telex-ph/bug-reporting/common/id"
	"github.com/telex-ph/bug-reporting/common/logger"
	"github.com/telex-ph/bug-reporting/common/otel"
	"github.com/telex-ph/bug-reporting/core/config"
	"github.com/telex-ph/bug-reporting/core/db"
	"github.com/telex-ph/bug-reporting/internal/mailbox"
	"github.com/telex-ph/bug-reporting/internal/pipeline"
	"github.com/telex-ph/bug-reporting/internal/queue"
	"github.com/telex-ph/bug-reporting/internal/service"
	"github.com/telex-ph/bug-reporting/internal/service/issue_tracker"
	"github.com/telex-ph/bug-reporting/internal/store"
	"github.com/telex-ph/bug-reporting/internal/worker"
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load(config.ServiceTypeWorker)
	if err != nil {
		slog.ErrorContext(ctx, "failed to load config", "error", err)
		os.Exit(1)
	}

	fmt.Printf("%s\n", banner)

	telemetry, err := otel.Setup(ctx, cfg.OTel, "worker")
	if err != nil {
		os.Stderr.WriteString("failed to initialize otel: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger.Setup(cfg)

	slog.InfoContext(ctx, "bug-reporting worker starting",
		"env", cfg.Env,
		"mailbox", cfg.Mailbox.Address,
		"poll_interval", cfg.Ingest.PollInterval)

	// Distinct node id from the server so ids never collide.
	if err := id.Init(2); err != nil {
		slog.ErrorContext(ctx, "failed to initialize id generator", "error", err)
		os.Exit(1)
	}

	database, err := db.New(ctx, cfg.DB)
	if err != nil {
		slog.ErrorContext(ctx, "failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer database.Close()
	slog.InfoContext(ctx, "database connected")

	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		slog.ErrorContext(ctx, "failed to parse redis url", "error", err)
		os.Exit(1)
	}

	redisClient := redis.NewClient(redisOpts)
	if err := redisClient.Ping(ctx).Err(); err != nil {
		slog.ErrorContext(ctx, "failed to connect to redis", "error", err)
		os.Exit(1)
	}
	slog.InfoContext(ctx, "redis connected", "stream", cfg.Redis.EventStream)

	events := queue.NewRedisPublisher(redisClient, cfg.Redis.EventStream, cfg.Redis.EventStreamMaxLen)
	defer events.Close()

	var mirror issue_tracker.IssueMirror
	if cfg.GitLab.Enabled() {
		m, err := issue_tracker.NewGitLabMirror(cfg.GitLab)
		if err != nil {
			slog.ErrorContext(ctx, "failed to create gitlab mirror", "error", err)
			os.Exit(1)
		}
		mirror = m
		slog.InfoContext(ctx, "gitlab mirror enabled", "project_id", cfg.GitLab.ProjectID)
	}

	stores := store.NewStores(database.Conn())
	ingest := service.NewIngestService(service.IngestDeps{
		Source:   mailbox.NewGraphSourceFromConfig(cfg.Mailbox),
		Pipeline: pipeline.New(cfg.Ingest.ReplyMarkers),
		Issues:   stores.Issues(),
		SyncRuns: stores.SyncRuns(),
		Events:   events,
		Lock:     service.NewRedisSyncLock(redisClient, cfg.Redis.SyncLockKey, cfg.Redis.SyncLockTTL),
		Mirror:   mirror,
		MarkRead: cfg.Mailbox.MarkRead,
	})

	poller := worker.NewPoller(ingest, cfg.Ingest.PollInterval)
	done := make(chan struct{})
	go func() {
		poller.Run(ctx)
		close(done)
	}()

	slog.InfoContext(ctx, "worker initialized and running")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.InfoContext(ctx, "shutting down worker...")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	poller.Stop()
	<-done

	// A run still going past the deadline is cancelled; it records its
	// result and releases the sync lock before Shutdown returns.
	if err := ingest.Shutdown(shutdownCtx); err != nil {
		slog.WarnContext(ctx, "shutdown timeout exceeded", "error", err)
	}

	if telemetry != nil {
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "otel shutdown error", "error", err)
		}
	}

	slog.InfoContext(ctx, "worker shutdown complete")
}

const banner = `
 ____  _   _  ____ ____   __        _____  ____  _  _______ ____
| __ )| | | |/ ___/ ___|  \ \      / / _ \|  _ \| |/ / ____|  _ \
|  _ \| | | | |  _\___ \   \ \ /\ / / | | | |_) | ' /|  _| | |_) |
| |_) | |_| | |_| |___) |   \ V  V /| |_| |  _ <| . \| |___|  _ <
|____/ \___/ \____|____/     \_/\_/  \___/|_| \_\_|\_\_____|_| \_\
`
