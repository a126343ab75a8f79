// Package media serves photo and signature uploads for audits. A device first asks for an
// upload URL (POST /media-upload), then PUTs the raw bytes to it. The URL carries a
// short-lived signed token naming the audit and media id, so the PUT itself needs no
// bearer token and can be retried from the device queue until it succeeds.
//
// Objects live at media/{auditId}/{mediaId}; uploading the same id again overwrites it.
package media

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/audit-platform/audit-platform/internal/activity"
	"github.com/audit-platform/audit-platform/internal/audits"
	"github.com/audit-platform/audit-platform/internal/auth"
	"github.com/audit-platform/audit-platform/internal/config"
	"github.com/audit-platform/audit-platform/internal/middleware"
	"github.com/audit-platform/audit-platform/internal/storage"
	"github.com/audit-platform/audit-platform/internal/telemetry"
	"github.com/audit-platform/audit-platform/pkg/checksum"
)

// UploadRequest is the body of POST /media-upload
type UploadRequest struct {
	AuditID     string `json:"auditId"`
	MediaID     string `json:"mediaId,omitempty"`
	ContentType string `json:"contentType,omitempty"`
	// SiteID is optional; when present the caller must have access to it
	SiteID string `json:"siteId,omitempty"`
}

// UploadTicket is returned by POST /media-upload
type UploadTicket struct {
	MediaID   string    `json:"mediaId"`
	UploadURL string    `json:"uploadUrl"`
	ExpiresAt time.Time `json:"expiresAt"`
}

var allowedContentTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/webp": true,
}

// RequestUploadHandler issues a signed upload URL
// @Summary      Request a media upload URL
// @Tags         Media
// @Security     Bearer
// @Accept       json
// @Produce      json
// @Param        body  body  UploadRequest  true  "Audit and optional client media id"
// @Success      200  {object}  UploadTicket
// @Failure      400  {object}  map[string]interface{}
// @Failure      401  {object}  map[string]interface{}
// @Failure      403  {object}  map[string]interface{}
// @Router       /media-upload [post]
func RequestUploadHandler(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		user := middleware.CurrentUser(c)
		if err := auth.RequireAuth(user); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
			return
		}

		var req UploadRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
			return
		}
		if err := audits.ValidateID(req.AuditID); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid audit id", "details": err.Error()})
			return
		}
		if req.SiteID != "" && !auth.CanAccessSite(user, req.SiteID) {
			c.JSON(http.StatusForbidden, gin.H{"error": "Access denied to site"})
			return
		}
		if req.ContentType != "" && !allowedContentTypes[req.ContentType] {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Unsupported content type", "details": req.ContentType})
			return
		}

		mediaID := req.MediaID
		if mediaID == "" {
			mediaID = uuid.New().String()
		} else if _, err := uuid.Parse(mediaID); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid media id", "details": "mediaId must be a UUID"})
			return
		}

		ttl := cfg.Media.UploadURLTTL
		token, err := auth.GenerateUploadToken(mediaID, req.AuditID, user.ID, ttl)
		if err != nil {
			slog.Error("failed to sign upload token", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create upload URL"})
			return
		}

		c.JSON(http.StatusOK, UploadTicket{
			MediaID:   mediaID,
			UploadURL: uploadURL(cfg.Server.BaseURL, mediaID, token),
			ExpiresAt: time.Now().Add(ttl).UTC(),
		})
	}
}

func uploadURL(baseURL, mediaID, token string) string {
	return strings.TrimRight(baseURL, "/") + "/media/" + url.PathEscape(mediaID) + "?token=" + url.QueryEscape(token)
}

// UploadHandler stores the bytes of one media object
// @Summary      Upload media bytes
// @Tags         Media
// @Accept       octet-stream
// @Produce      json
// @Param        mediaId  path   string  true  "Media ID"
// @Param        token    query  string  true  "Upload token from POST /media-upload"
// @Success      200  {object}  map[string]interface{}
// @Failure      400  {object}  map[string]interface{}
// @Failure      401  {object}  map[string]interface{}
// @Failure      413  {object}  map[string]interface{}
// @Router       /media/{mediaId} [put]
func UploadHandler(store storage.Storage, cfg *config.Config, shipper activity.Shipper) gin.HandlerFunc {
	return func(c *gin.Context) {
		mediaID := c.Param("mediaId")
		claims, err := auth.ValidateUploadToken(c.Query("token"), mediaID)
		if err != nil {
			telemetry.MediaUploadsTotal.WithLabelValues("rejected").Inc()
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized", "details": "invalid or expired upload token"})
			return
		}

		body := http.MaxBytesReader(c.Writer, c.Request.Body, cfg.Media.MaxUploadBytes)
		data, err := io.ReadAll(body)
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				telemetry.MediaUploadsTotal.WithLabelValues("too_large").Inc()
				c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "Upload too large"})
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read upload", "details": err.Error()})
			return
		}
		if len(data) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Empty upload"})
			return
		}
		if want := c.GetHeader(checksum.Header); want != "" && !checksum.VerifyBytes(data, want) {
			telemetry.MediaUploadsTotal.WithLabelValues("checksum_mismatch").Inc()
			c.JSON(http.StatusBadRequest, gin.H{"error": "Checksum mismatch"})
			return
		}

		key := audits.MediaKey(claims.AuditID, mediaID)
		start := time.Now()
		res, err := store.Upload(c.Request.Context(), key, bytes.NewReader(data), int64(len(data)))
		telemetry.ObserveStorage("upload", start, err)
		if err != nil {
			telemetry.MediaUploadsTotal.WithLabelValues("error").Inc()
			slog.Error("failed to store media", "path", key, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to store media", "details": err.Error()})
			return
		}

		telemetry.MediaUploadsTotal.WithLabelValues("success").Inc()
		telemetry.MediaUploadBytes.Observe(float64(res.Size))
		slog.Info("media stored", "audit_id", claims.AuditID, "media_id", mediaID, "bytes", res.Size)

		if shipper != nil {
			entry := &activity.LogEntry{
				Timestamp:    time.Now().UTC(),
				Action:       activity.ActionMediaUploaded,
				UserID:       claims.Subject,
				ResourceType: "media",
				ResourceID:   mediaID,
				IPAddress:    c.ClientIP(),
				Metadata: map[string]interface{}{
					"audit_id": claims.AuditID,
					"size":     res.Size,
					"checksum": res.Checksum,
				},
			}
			if err := shipper.Ship(c.Request.Context(), entry); err != nil {
				slog.Warn("failed to ship activity entry", "action", entry.Action, "error", err)
			}
		}

		c.Header(checksum.Header, res.Checksum)
		c.JSON(http.StatusOK, gin.H{"mediaId": mediaID})
	}
}

// DownloadHandler returns a stored media object. Cloud backends redirect to a signed URL;
// the local backend streams the file.
// @Summary      Download media
// @Tags         Media
// @Security     Bearer
// @Param        auditId  path  string  true  "Audit ID"
// @Param        mediaId  path  string  true  "Media ID"
// @Success      200
// @Success      307
// @Failure      404  {object}  map[string]interface{}
// @Router       /media/{auditId}/{mediaId} [get]
func DownloadHandler(store storage.Storage, cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		auditID, mediaID := c.Param("auditId"), c.Param("mediaId")
		if audits.ValidateID(auditID) != nil || audits.ValidateID(mediaID) != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid media reference"})
			return
		}
		key := audits.MediaKey(auditID, mediaID)
		ctx := c.Request.Context()

		meta, err := store.GetMetadata(ctx, key)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "Media not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read media", "details": err.Error()})
			return
		}

		if cfg.Storage.DefaultBackend != "local" {
			signed, err := store.GetURL(ctx, key, cfg.Media.DownloadURLTTL)
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create download URL"})
				return
			}
			c.Redirect(http.StatusTemporaryRedirect, signed)
			return
		}

		reader, err := store.Download(ctx, key)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read media"})
			return
		}
		defer reader.Close()

		// Sniff from the first bytes; uploads are not stored with a content type.
		head := make([]byte, 512)
		n, _ := io.ReadFull(reader, head)
		head = head[:n]

		if meta.Checksum != "" {
			c.Header(checksum.Header, meta.Checksum)
		}
		c.DataFromReader(http.StatusOK, meta.Size, http.DetectContentType(head),
			io.MultiReader(bytes.NewReader(head), reader), nil)
	}
}
