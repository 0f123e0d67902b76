package router

import (
	"github.com/gin-gonic/gin"

	"github.com/telex-ph/bug-reporting/internal/http/handler"
)

func BugRouter(rg *gin.RouterGroup, h *handler.BugHandler) {
	rg.GET("", h.List)
	rg.POST("/sync", h.Sync)
	rg.GET("/:id", h.Get)
	rg.PATCH("/:id/status", h.UpdateStatus)
	rg.PATCH("/:id/assign", h.Assign)
	rg.POST("/:id/comments", h.AddComment)
}
