package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/aura-live/backend/internal/metrics"
)

// quietPaths are polled by probes and scrapers; they are measured but not logged.
var quietPaths = map[string]bool{
	"/health":  true,
	"/metrics": true,
}

// Logger returns a zap-based request logging middleware. Requests are also recorded in the
// HTTP duration histogram under their route pattern.
func Logger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		status := c.Writer.Status()
		latency := time.Since(start)
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		metrics.HTTPRequestDuration.WithLabelValues(c.Request.Method, route, strconv.Itoa(status)).Observe(latency.Seconds())

		if quietPaths[path] {
			return
		}
		fields := []zap.Field{
			zap.Int("status", status),
			zap.Duration("latency", latency),
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("client_ip", c.ClientIP()),
		}
		if uid, ok := c.Get(ContextUserID); ok {
			fields = append(fields, zap.Any("user_id", uid))
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}
		switch {
		case status >= 500:
			logger.Error("request", fields...)
		case status >= 400:
			logger.Warn("request", fields...)
		default:
			logger.Info("request", fields...)
		}
	}
}
