package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// SystemHandler serves the service index and health check.
type SystemHandler struct {
	name    string
	version string
}

// NewSystemHandler creates a system handler reporting name and version.
func NewSystemHandler(name, version string) *SystemHandler {
	return &SystemHandler{name: name, version: version}
}

// Index lists the available endpoints
// GET /
func (h *SystemHandler) Index(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":    h.name,
		"version": h.version,
		"endpoints": gin.H{
			"health":              "GET /health",
			"create_analysis":     "POST /analysis",
			"get_analysis_status": "GET /analysis/:id",
			"get_analysis_result": "GET /analysis/:id/result",
			"list_tasks":          "GET /tasks?status=&page=&page_size=",
			"search_tasks":        "GET /tasks/search?name=&status=&limit=",
			"list_cos_directory":  "GET /cos/list?path=",
		},
	})
}

// Health reports that the server is up
// GET /health
func (h *SystemHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"message": h.name + " is running",
	})
}
