package router

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/telex-ph/bug-reporting/internal/http/handler"
	"github.com/telex-ph/bug-reporting/internal/http/middleware"
	"github.com/telex-ph/bug-reporting/internal/notify"
	"github.com/telex-ph/bug-reporting/internal/service"
)

type RouterConfig struct {
	DashboardURL   string
	IsProduction   bool
	AdminAPIKey    string
	OriginPatterns []string
}

// Deps are the collaborators the routes need beyond the request-scoped services.
type Deps struct {
	Services *service.Services
	Ingest   service.IngestService
	Hub      *notify.Hub
}

func SetupRoutes(router *gin.Engine, deps Deps, cfg RouterConfig) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	authService := deps.Services.Auth()
	requireAuth := middleware.RequireAuth(authService, cfg.AdminAPIKey)

	authHandler := handler.NewAuthHandler(authService, cfg.DashboardURL, cfg.IsProduction)
	AuthRouter(router.Group("/auth"), authHandler, requireAuth)

	notificationHandler := handler.NewNotificationHandler(deps.Hub, cfg.OriginPatterns)
	router.GET("/ws/notifications", notificationHandler.Stream)

	v1 := router.Group("/api/v1", requireAuth)
	{
		bugHandler := handler.NewBugHandler(deps.Ingest, deps.Services.Issues())
		BugRouter(v1.Group("/bugs"), bugHandler)

		NotificationRouter(v1.Group("/notifications"), notificationHandler)
	}
}
