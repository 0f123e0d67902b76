package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/telex-ph/bug-reporting/common/id"
	"github.com/telex-ph/bug-reporting/common/logger"
	"github.com/telex-ph/bug-reporting/common/otel"
	"github.com/telex-ph/bug-reporting/core/config"
	"github.com/telex-ph/bug-reporting/core/db"
	"github.com/telex-ph/bug-reporting/internal/http/middleware"
	httprouter "github.com/telex-ph/bug-reporting/internal/http/router"
	"github.com/telex-ph/bug-reporting/internal/mailbox"
	"github.com/telex-ph/bug-reporting/internal/notify"
	"github.com/telex-ph/bug-reporting/internal/pipeline"
	"github.com/telex-ph/bug-reporting/internal/queue"
	"github.com/telex-ph/bug-reporting/internal/service"
	"github.com/telex-ph/bug-reporting/internal/service/issue_tracker"
	"github.com/telex-ph/bug-reporting/internal/store"
	"github.com/telex-ph/bug-reporting/internal/worker"
)

func main() {
	fmt.Printf("%s\n", banner)
	ctx := context.Background()

	cfg, err := config.Load(config.ServiceTypeServer)
	if err != nil {
		slog.ErrorContext(ctx, "failed to load config", "error", err)
		os.Exit(1)
	}

	// OTel must init before logger (logger uses OTel provider in production)
	telemetry, err := otel.Setup(ctx, cfg.OTel, "server")
	if err != nil {
		os.Stderr.WriteString("failed to initialize otel: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger.Setup(cfg)

	if telemetry != nil {
		slog.InfoContext(ctx, "otel initialized", "endpoint", cfg.OTel.Endpoint)
	} else {
		slog.InfoContext(ctx, "otel disabled (no endpoint configured)")
	}

	slog.InfoContext(ctx, "bug-reporting server starting", "env", cfg.Env, "service", cfg.OTel.ServiceName)
	if err := id.Init(1); err != nil {
		slog.ErrorContext(ctx, "failed to initialize snowflake id generator", "error", err)
		os.Exit(1)
	}

	database, err := db.New(ctx, cfg.DB)
	if err != nil {
		slog.ErrorContext(ctx, "failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer database.Close()

	if err := database.Migrate(ctx); err != nil {
		slog.ErrorContext(ctx, "failed to apply schema", "error", err)
		os.Exit(1)
	}
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
	defer redisClient.Close()
	slog.InfoContext(ctx, "redis connected", "stream", cfg.Redis.EventStream)

	// Every event goes through the stream, including ones raised here; the
	// relay below hands them to this replica's hub.
	events := queue.NewRedisPublisher(redisClient, cfg.Redis.EventStream, cfg.Redis.EventStreamMaxLen)

	stores := store.NewStores(database.Conn())
	services := service.NewServices(stores, service.NewTxRunner(database), events, cfg.WorkOS)

	hub := notify.NewHub(services.Auth(), notify.Options{
		HeartbeatInterval: cfg.Notify.HeartbeatInterval,
		MaxMissed:         cfg.Notify.MaxMissed,
		SendTimeout:       cfg.Notify.SendTimeout,
		SendBuffer:        cfg.Notify.SendBuffer,
	})

	runCtx, stopRun := context.WithCancel(ctx)
	defer stopRun()

	go hub.Run(runCtx)

	relay := queue.NewEventRelay(redisClient, queue.RelayConfig{Stream: cfg.Redis.EventStream}, hub)
	go relay.Run(runCtx)

	ingest := service.NewIngestService(service.IngestDeps{
		Source:   messageSource(ctx, cfg.Mailbox),
		Pipeline: pipeline.New(cfg.Ingest.ReplyMarkers),
		Issues:   stores.Issues(),
		SyncRuns: stores.SyncRuns(),
		Events:   events,
		Lock:     service.NewRedisSyncLock(redisClient, cfg.Redis.SyncLockKey, cfg.Redis.SyncLockTTL),
		Mirror:   issueMirror(ctx, cfg.GitLab),
		MarkRead: cfg.Mailbox.MarkRead,
	})

	reaper := worker.NewSessionReaper(stores.Sessions(), time.Hour)
	go reaper.Run(runCtx)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	router := setupRouter(cfg, httprouter.Deps{Services: services, Ingest: ingest, Hub: hub})
	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// No WriteTimeout: it would cut long-lived websocket connections.
		// Per-frame send timeouts live in the hub.
		IdleTimeout: 120 * time.Second,
	}

	go func() {
		slog.InfoContext(ctx, "http server starting", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.ErrorContext(ctx, "http server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.InfoContext(ctx, "shutting down...")

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	// Hijacked websocket connections are not tracked by Shutdown; close them
	// first so their handlers return.
	hub.Shutdown()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.ErrorContext(shutdownCtx, "http server shutdown error", "error", err)
	}
	if err := ingest.Shutdown(shutdownCtx); err != nil {
		slog.WarnContext(ctx, "sync cancelled at shutdown", "error", err)
	}

	stopRun()
	reaper.Stop()

	if telemetry != nil {
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "otel shutdown error", "error", err)
		}
	}

	slog.InfoContext(shutdownCtx, "shutdown complete")
}

func setupRouter(cfg config.Config, deps httprouter.Deps) *gin.Engine {
	router := gin.New()

	// Order matters: OTel creates span → Recovery catches panics → Logger logs with trace context
	if cfg.OTel.Enabled() {
		router.Use(otelgin.Middleware(cfg.OTel.ServiceName))
	}
	router.Use(middleware.Recovery())
	router.Use(middleware.Logger())
	router.Use(middleware.Metrics())

	httprouter.SetupRoutes(router, deps, httprouter.RouterConfig{
		DashboardURL:   cfg.DashboardURL,
		IsProduction:   cfg.IsProduction(),
		AdminAPIKey:    cfg.AdminAPIKey,
		OriginPatterns: originPatterns(cfg),
	})

	return router
}

func originPatterns(cfg config.Config) []string {
	if len(cfg.Notify.AllowedOrigins) > 0 {
		return cfg.Notify.AllowedOrigins
	}
	if u, err := url.Parse(cfg.DashboardURL); err == nil && u.Host != "" {
		return []string{u.Host}
	}
	return nil
}

// messageSource falls back to an empty static source so the dashboard and
// live channel still run without mailbox credentials.
func messageSource(ctx context.Context, cfg config.MailboxConfig) mailbox.Source {
	if !cfg.Enabled() {
		slog.WarnContext(ctx, "mailbox not configured, manual sync will find no messages")
		return mailbox.NewStaticSource()
	}
	return mailbox.NewGraphSourceFromConfig(cfg)
}

func issueMirror(ctx context.Context, cfg config.GitLabConfig) issue_tracker.IssueMirror {
	if !cfg.Enabled() {
		return nil
	}
	mirror, err := issue_tracker.NewGitLabMirror(cfg)
	if err != nil {
		slog.WarnContext(ctx, "gitlab mirror disabled", "error", err)
		return nil
	}
	slog.InfoContext(ctx, "gitlab mirror enabled", "project_id", cfg.ProjectID)
	return mirror
}

const banner = `
 ____  _   _  ____ ____    ____  _____ ______     _______ ____
| __ )| | | |/ ___/ ___|  / ___|| ____|  _ \ \   / / ____|  _ \
|  _ \| | | | |  _\___ \  \___ \|  _| | |_) \ \ / /|  _| | |_) |
| |_) | |_| | |_| |___) |  ___) | |___|  _ < \ V / | |___|  _ <
|____/ \___/ \____|____/  |____/|_____|_| \_\ \_/  |_____|_| \_\
`
