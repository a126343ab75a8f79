// activity.go provides Gin middleware that records rejected write requests (401, 403,
// 400 and friends) to the activity shippers. Successful audit events are shipped by the
// services themselves, where the domain details are known.
package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/audit-platform/audit-platform/internal/activity"
	"github.com/audit-platform/audit-platform/internal/config"
	"github.com/audit-platform/audit-platform/internal/safego"
)

// ActivityMiddleware ships an entry for every failed non-GET request when
// cfg.LogFailedRequests is set. It is a no-op when shipper is nil.
func ActivityMiddleware(shipper activity.Shipper, cfg *config.ActivityConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if shipper == nil || cfg == nil || !cfg.LogFailedRequests {
			return
		}
		switch c.Request.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			return
		}
		status := c.Writer.Status()
		if status < 400 {
			return
		}

		entry := &activity.LogEntry{
			Timestamp:    time.Now().UTC(),
			Action:       activity.ActionRequestRejected,
			ResourceType: resourceType(c.Request.URL.Path),
			ResourceID:   c.Query("id"),
			SiteID:       c.Query("siteId"),
			IPAddress:    c.ClientIP(),
			StatusCode:   status,
			Metadata: map[string]interface{}{
				"request": fmt.Sprintf("%s %s", c.Request.Method, c.Request.URL.Path),
			},
		}
		if uid, ok := c.Get(ctxUserID); ok {
			entry.UserID, _ = uid.(string)
		}
		if rid, ok := c.Get(RequestIDKey); ok {
			entry.Metadata["request_id"] = rid
		}

		safego.GoNamed("activity-ship", func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shipper.Ship(ctx, entry); err != nil {
				slog.Warn("failed to ship activity entry", "action", entry.Action, "error", err)
			}
		})
	}
}

// resourceType maps a request path to the resource it touches
func resourceType(path string) string {
	switch {
	case strings.HasPrefix(path, "/audits"):
		return "audit"
	case strings.HasPrefix(path, "/media"):
		return "media"
	case strings.HasPrefix(path, "/actions"):
		return "action"
	case strings.HasPrefix(path, "/templates"):
		return "template"
	}
	return ""
}
