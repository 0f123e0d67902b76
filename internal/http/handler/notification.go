package handler

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/telex-ph/bug-reporting/internal/notify"
)

type NotificationHandler struct {
	hub            *notify.Hub
	originPatterns []string
}

func NewNotificationHandler(hub *notify.Hub, originPatterns []string) *NotificationHandler {
	return &NotificationHandler{hub: hub, originPatterns: originPatterns}
}

// Stream upgrades to a websocket and holds the request until the hub drops the
// connection. A rejected credential is answered on the socket with a policy
// violation close, not with an HTTP status.
func (h *NotificationHandler) Stream(c *gin.Context) {
	ctx := c.Request.Context()

	transport, err := notify.Accept(c.Writer, c.Request, h.originPatterns)
	if err != nil {
		slog.WarnContext(ctx, "websocket upgrade failed", "error", err)
		return
	}

	conn, err := h.hub.Register(ctx, notify.CredentialFromRequest(c.Request), transport)
	if err != nil {
		return
	}

	<-conn.Done()
}

func (h *NotificationHandler) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, h.hub.Stats())
}
