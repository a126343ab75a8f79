package api

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/audit-platform/audit-platform/internal/activity"
	"github.com/audit-platform/audit-platform/internal/auth"
	"github.com/audit-platform/audit-platform/internal/db/models"
	"github.com/audit-platform/audit-platform/internal/db/repositories"
	"github.com/audit-platform/audit-platform/internal/middleware"
)

// CreateActionRequest is the body of POST /actions
type CreateActionRequest struct {
	AuditID      string     `json:"auditId" binding:"required"`
	ItemID       string     `json:"itemId" binding:"required"`
	SiteID       string     `json:"siteId" binding:"required"`
	AssigneeID   *string    `json:"assigneeId"`
	AssigneeName *string    `json:"assigneeName"`
	Description  string     `json:"description" binding:"required"`
	DueDate      *time.Time `json:"dueDate"`
}

// UpdateActionRequest is the body of PATCH /actions/:id. Absent fields are left unchanged.
type UpdateActionRequest struct {
	Status       *models.ActionStatus `json:"status"`
	AssigneeID   *string              `json:"assigneeId"`
	AssigneeName *string              `json:"assigneeName"`
	Description  *string              `json:"description"`
	DueDate      *time.Time           `json:"dueDate"`
}

func shipActivity(ctx context.Context, shipper activity.Shipper, entry *activity.LogEntry) {
	if shipper == nil {
		return
	}
	entry.Timestamp = time.Now().UTC()
	if err := shipper.Ship(ctx, entry); err != nil {
		slog.Warn("failed to ship activity entry", "action", entry.Action, "error", err)
	}
}

// @Summary      Raise a corrective action
// @Tags         Actions
// @Security     Bearer
// @Accept       json
// @Produce      json
// @Param        body  body  CreateActionRequest  true  "Action"
// @Success      201  {object}  models.Action
// @Failure      400  {object}  map[string]interface{}
// @Failure      403  {object}  map[string]interface{}
// @Router       /actions [post]
func createActionHandler(repo *repositories.ActionRepository, shipper activity.Shipper) gin.HandlerFunc {
	return func(c *gin.Context) {
		user := middleware.CurrentUser(c)

		var req CreateActionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Missing required fields", "details": err.Error()})
			return
		}
		if strings.TrimSpace(req.Description) == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Missing required fields", "details": "description"})
			return
		}
		if !auth.CanAccessSite(user, req.SiteID) {
			c.JSON(http.StatusForbidden, gin.H{"error": "Access denied to site"})
			return
		}

		action := &models.Action{
			AuditID:      req.AuditID,
			ItemID:       req.ItemID,
			SiteID:       req.SiteID,
			AssigneeID:   req.AssigneeID,
			AssigneeName: req.AssigneeName,
			Description:  req.Description,
			DueDate:      req.DueDate,
			Status:       models.ActionOpen,
			CreatedBy:    user.ID,
		}
		if err := repo.CreateAction(c.Request.Context(), action); err != nil {
			slog.Error("failed to create action", "audit_id", req.AuditID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create action"})
			return
		}

		shipActivity(c.Request.Context(), shipper, &activity.LogEntry{
			Action:       activity.ActionActionCreated,
			UserID:       user.ID,
			SiteID:       action.SiteID,
			ResourceType: "action",
			ResourceID:   action.ID,
			Metadata:     map[string]interface{}{"audit_id": action.AuditID, "item_id": action.ItemID},
		})
		c.JSON(http.StatusCreated, action)
	}
}

// @Summary      List corrective actions
// @Description  Lists a site's actions (optionally by status), or the actions of one audit.
// @Tags         Actions
// @Security     Bearer
// @Produce      json
// @Param        siteId   query  string  false  "Site ID (required unless auditId is given)"
// @Param        status   query  string  false  "OPEN, IN_PROGRESS or CLOSED"
// @Param        auditId  query  string  false  "Audit ID"
// @Success      200  {object}  map[string]interface{}
// @Router       /actions [get]
func listActionsHandler(repo *repositories.ActionRepository) gin.HandlerFunc {
	return func(c *gin.Context) {
		user := middleware.CurrentUser(c)
		ctx := c.Request.Context()

		if auditID := c.Query("auditId"); auditID != "" {
			all, err := repo.ListActionsByAudit(ctx, auditID)
			if err != nil {
				slog.Error("failed to list actions", "audit_id", auditID, "error", err)
				c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list actions"})
				return
			}
			visible := make([]*models.Action, 0, len(all))
			for _, a := range all {
				if auth.CanAccessSite(user, a.SiteID) {
					visible = append(visible, a)
				}
			}
			c.JSON(http.StatusOK, gin.H{"actions": visible})
			return
		}

		siteID := c.Query("siteId")
		if siteID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Missing required fields", "details": "siteId"})
			return
		}
		status := models.ActionStatus(c.Query("status"))
		if status != "" && !status.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid status", "details": string(status)})
			return
		}
		if !auth.CanAccessSite(user, siteID) {
			c.JSON(http.StatusForbidden, gin.H{"error": "Access denied to site"})
			return
		}

		actions, err := repo.ListActionsBySite(ctx, siteID, status)
		if err != nil {
			slog.Error("failed to list actions", "site_id", siteID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list actions"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"actions": actions})
	}
}

// loadAction fetches :id and checks site access, writing the error response itself
func loadAction(c *gin.Context, repo *repositories.ActionRepository) *models.Action {
	// ids are UUIDs; anything else cannot exist and would fail the column cast
	if _, err := uuid.Parse(c.Param("id")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Action not found"})
		return nil
	}

	action, err := repo.GetAction(c.Request.Context(), c.Param("id"))
	if err != nil {
		slog.Error("failed to get action", "id", c.Param("id"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get action"})
		return nil
	}
	if action == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Action not found"})
		return nil
	}
	if !auth.CanAccessSite(middleware.CurrentUser(c), action.SiteID) {
		c.JSON(http.StatusForbidden, gin.H{"error": "Access denied to site"})
		return nil
	}
	return action
}

// @Summary      Get a corrective action
// @Tags         Actions
// @Security     Bearer
// @Produce      json
// @Param        id  path  string  true  "Action ID"
// @Success      200  {object}  models.Action
// @Failure      404  {object}  map[string]interface{}
// @Router       /actions/{id} [get]
func getActionHandler(repo *repositories.ActionRepository) gin.HandlerFunc {
	return func(c *gin.Context) {
		if action := loadAction(c, repo); action != nil {
			c.JSON(http.StatusOK, action)
		}
	}
}

// @Summary      Update a corrective action
// @Tags         Actions
// @Security     Bearer
// @Accept       json
// @Produce      json
// @Param        id    path  string               true  "Action ID"
// @Param        body  body  UpdateActionRequest  true  "Fields to change"
// @Success      200  {object}  models.Action
// @Failure      400  {object}  map[string]interface{}
// @Failure      404  {object}  map[string]interface{}
// @Router       /actions/{id} [patch]
func updateActionHandler(repo *repositories.ActionRepository, shipper activity.Shipper) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req UpdateActionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
			return
		}
		if req.Status != nil && !req.Status.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid status", "details": string(*req.Status)})
			return
		}

		action := loadAction(c, repo)
		if action == nil {
			return
		}
		previous := action.Status

		if req.Status != nil {
			action.Status = *req.Status
		}
		if req.AssigneeID != nil {
			action.AssigneeID = req.AssigneeID
		}
		if req.AssigneeName != nil {
			action.AssigneeName = req.AssigneeName
		}
		if req.Description != nil {
			action.Description = *req.Description
		}
		if req.DueDate != nil {
			action.DueDate = req.DueDate
		}

		if err := repo.UpdateAction(c.Request.Context(), action); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				c.JSON(http.StatusNotFound, gin.H{"error": "Action not found"})
				return
			}
			slog.Error("failed to update action", "id", action.ID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update action"})
			return
		}

		user := middleware.CurrentUser(c)
		shipActivity(c.Request.Context(), shipper, &activity.LogEntry{
			Action:       activity.ActionActionUpdated,
			UserID:       user.ID,
			SiteID:       action.SiteID,
			ResourceType: "action",
			ResourceID:   action.ID,
			Metadata:     map[string]interface{}{"from_status": previous, "to_status": action.Status},
		})
		c.JSON(http.StatusOK, action)
	}
}
