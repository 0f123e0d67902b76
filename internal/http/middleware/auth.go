package middleware

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/telex-ph/bug-reporting/common/id"
	"github.com/telex-ph/bug-reporting/internal/model"
	"github.com/telex-ph/bug-reporting/internal/service"
)

type contextKey string

const (
	SessionCookieName = "bugs_session"
	AdminAPIKeyHeader = "X-Admin-API-Key"

	operatorContextKey  contextKey = "operator"
	sessionIDContextKey contextKey = "session_id"
)

var errNoSession = errors.New("no session credential")

// RequireAuth admits a request carrying a valid operator session, read from
// "Authorization: Bearer <session id>" or the session cookie. A request that
// presents the admin API key instead is admitted without an operator, which
// lets a scheduler trigger a sync.
func RequireAuth(authService service.AuthService, adminAPIKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if adminAPIKey != "" {
			if key := c.GetHeader(AdminAPIKeyHeader); key != "" {
				if subtle.ConstantTimeCompare([]byte(key), []byte(adminAPIKey)) == 1 {
					c.Next()
					return
				}
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or missing API key"})
				return
			}
		}

		sessionID, err := sessionIDFromRequest(c)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "not authenticated"})
			return
		}

		operator, err := authService.ValidateSession(c.Request.Context(), sessionID)
		if err != nil {
			if errors.Is(err, service.ErrSessionExpired) ||
				errors.Is(err, service.ErrOperatorNotFound) ||
				errors.Is(err, service.ErrOperatorInactive) {
				ClearSessionCookie(c, false)
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "session expired"})
				return
			}
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "failed to validate session"})
			return
		}

		ctx := WithOperator(c.Request.Context(), operator)
		ctx = context.WithValue(ctx, sessionIDContextKey, sessionID)
		c.Request = c.Request.WithContext(ctx)

		c.Next()
	}
}

func WithOperator(ctx context.Context, operator *model.Operator) context.Context {
	return context.WithValue(ctx, operatorContextKey, operator)
}

// GetOperator returns the authenticated operator, or nil for admin-key requests.
func GetOperator(ctx context.Context) *model.Operator {
	operator, _ := ctx.Value(operatorContextKey).(*model.Operator)
	return operator
}

func GetSessionID(ctx context.Context) int64 {
	sessionID, _ := ctx.Value(sessionIDContextKey).(int64)
	return sessionID
}

// SessionIDFromRequest reads the session credential without validating it.
func SessionIDFromRequest(c *gin.Context) (int64, error) {
	return sessionIDFromRequest(c)
}

func sessionIDFromRequest(c *gin.Context) (int64, error) {
	if header := c.GetHeader("Authorization"); strings.HasPrefix(header, "Bearer ") {
		return id.Parse(strings.TrimSpace(strings.TrimPrefix(header, "Bearer ")))
	}
	cookie, err := c.Cookie(SessionCookieName)
	if err != nil || cookie == "" {
		return 0, errNoSession
	}
	return id.Parse(cookie)
}

func ClearSessionCookie(c *gin.Context, secure bool) {
	c.SetCookie(
		SessionCookieName,
		"",
		-1,
		"/",
		"",
		secure,
		true,
	)
}
