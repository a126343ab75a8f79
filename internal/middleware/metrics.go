package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/audit-platform/audit-platform/internal/telemetry"
)

// MetricsMiddleware records http_requests_total and http_request_duration_seconds for
// every request.
//
// The path label comes from c.FullPath(), the matched route template (/media/:mediaId),
// so ids in the URL never become label values. Unmatched requests are labelled
// "<no-route>". Query strings are not part of the label, which means GET /audits covers
// both the single read and the list.
func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "<no-route>"
		}

		status := strconv.Itoa(c.Writer.Status())
		telemetry.HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		telemetry.HTTPRequestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}
