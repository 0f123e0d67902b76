package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/telex-ph/bug-reporting/internal/metrics"
)

// Metrics records request counts and latency labelled by route template, so
// /api/v1/bugs/:id/status stays one series regardless of the id.
func Metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		metrics.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			path,
			strconv.Itoa(c.Writer.Status()),
		).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			path,
		).Observe(time.Since(start).Seconds())
	}
}
