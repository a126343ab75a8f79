package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/audit-platform/audit-platform/internal/audits"
	"github.com/audit-platform/audit-platform/internal/middleware"
)

// respondError writes {error, details?} using the status the audits package assigns
func respondError(c *gin.Context, err error) {
	status := audits.HTTPStatus(err)

	var ae *audits.Error
	if !errors.As(err, &ae) {
		slog.Error("unclassified audit error", "error", err)
		c.JSON(status, gin.H{"error": "Internal server error"})
		return
	}

	body := gin.H{"error": ae.Message}
	if ae.Details != "" {
		body["details"] = ae.Details
	}
	c.JSON(status, body)
}

// @Summary      Save a draft or complete an audit
// @Description  Without action, stores the body as the draft for id (last write wins). With action=complete, scores the audit server-side and files the immutable record.
// @Tags         Audits
// @Security     Bearer
// @Accept       json
// @Produce      json
// @Param        id      query  string        true   "Audit ID"
// @Param        action  query  string        false  "complete"
// @Param        body    body   audits.Audit  true   "Audit"
// @Success      200  {object}  map[string]interface{}
// @Failure      400  {object}  map[string]interface{}
// @Failure      401  {object}  map[string]interface{}
// @Failure      403  {object}  map[string]interface{}
// @Failure      500  {object}  map[string]interface{}
// @Router       /audits [post]
// @Router       /audits [put]
func writeAuditHandler(svc *audits.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var in audits.Audit
		if err := c.ShouldBindJSON(&in); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
			return
		}

		user := middleware.CurrentUser(c)
		auditID := c.Query("id")

		switch action := c.Query("action"); action {
		case "":
			draft, err := svc.SaveDraft(c.Request.Context(), user, auditID, &in)
			if err != nil {
				respondError(c, err)
				return
			}
			c.JSON(http.StatusOK, gin.H{"success": true, "audit": draft})

		case "complete":
			res, err := svc.Complete(c.Request.Context(), user, auditID, &in)
			if err != nil {
				respondError(c, err)
				return
			}
			msg := "Audit completed successfully"
			if res.AlreadyCompleted {
				msg = "Audit was already completed"
			}
			c.JSON(http.StatusOK, gin.H{
				"success": true,
				"auditId": res.AuditID,
				"path":    res.Path,
				"message": msg,
			})

		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "Unknown action", "details": action})
		}
	}
}

// @Summary      Read or list completed audits
// @Description  With id, returns the completed record (searching the last 12 months). Without id, lists the monthly index for siteId (current month unless month=YYYY-MM).
// @Tags         Audits
// @Security     Bearer
// @Produce      json
// @Param        siteId  query  string  true   "Site ID"
// @Param        id      query  string  false  "Audit ID"
// @Param        month   query  string  false  "YYYY-MM"
// @Success      200  {object}  map[string]interface{}
// @Failure      400  {object}  map[string]interface{}
// @Failure      403  {object}  map[string]interface{}
// @Failure      404  {object}  map[string]interface{}
// @Router       /audits [get]
func readAuditsHandler(svc *audits.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		user := middleware.CurrentUser(c)
		siteID := c.Query("siteId")

		if id := c.Query("id"); id != "" {
			rec, err := svc.Get(c.Request.Context(), user, siteID, id)
			if err != nil {
				respondError(c, err)
				return
			}
			c.JSON(http.StatusOK, rec)
			return
		}

		entries, err := svc.List(c.Request.Context(), user, siteID, c.Query("month"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"audits": entries})
	}
}
