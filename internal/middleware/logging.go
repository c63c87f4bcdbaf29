package middleware

import (
	"log/slog"
	"strconv"
	"time"

	"dropshelf-server/internal/metrics"
	"github.com/gin-gonic/gin"
)

// RequestLogger logs one line per request and counts it by status code.
func RequestLogger(logger *slog.Logger, m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		if m != nil {
			m.HTTPRequests.WithLabelValues(c.Request.Method, strconv.Itoa(status)).Inc()
		}
		level := slog.LevelInfo
		if status >= 500 {
			level = slog.LevelError
		}
		logger.Log(c.Request.Context(), level, "handled request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"remote_addr", c.ClientIP(),
			"status", status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
}
