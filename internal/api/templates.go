package api

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/audit-platform/audit-platform/internal/db/repositories"
)

// @Summary      List audit templates
// @Tags         Templates
// @Security     Bearer
// @Produce      json
// @Param        siteType  query  string  false  "Only templates applicable to this site type"
// @Success      200  {object}  map[string]interface{}
// @Router       /templates [get]
func listTemplatesHandler(repo *repositories.TemplateRepository) gin.HandlerFunc {
	return func(c *gin.Context) {
		templates, err := repo.ListTemplates(c.Request.Context(), c.Query("siteType"))
		if err != nil {
			slog.Error("failed to list templates", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list templates"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"templates": templates})
	}
}

// @Summary      Get an audit template
// @Tags         Templates
// @Security     Bearer
// @Produce      json
// @Param        id  path  string  true  "Template ID"
// @Success      200  {object}  models.Template
// @Failure      404  {object}  map[string]interface{}
// @Router       /templates/{id} [get]
func getTemplateHandler(repo *repositories.TemplateRepository) gin.HandlerFunc {
	return func(c *gin.Context) {
		t, err := repo.GetTemplate(c.Request.Context(), c.Param("id"))
		if err != nil {
			slog.Error("failed to get template", "id", c.Param("id"), "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get template"})
			return
		}
		if t == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "Template not found"})
			return
		}
		c.JSON(http.StatusOK, t)
	}
}
