package router

import (
	"github.com/gin-gonic/gin"

	"github.com/telex-ph/bug-reporting/internal/http/handler"
)

func NotificationRouter(rg *gin.RouterGroup, h *handler.NotificationHandler) {
	rg.GET("/stats", h.Stats)
}
