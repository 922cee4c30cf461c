package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "github.com/jengzang/mahjong-analysis-go/internal/errors"
	"github.com/jengzang/mahjong-analysis-go/internal/models"
	"github.com/jengzang/mahjong-analysis-go/internal/service"
	"github.com/jengzang/mahjong-analysis-go/pkg/response"
)

// AnalysisTaskHandler handles HTTP requests for analysis tasks
type AnalysisTaskHandler struct {
	service *service.AnalysisTaskService
}

// NewAnalysisTaskHandler creates a new analysis task handler
func NewAnalysisTaskHandler(service *service.AnalysisTaskService) *AnalysisTaskHandler {
	return &AnalysisTaskHandler{service: service}
}

// CreateTaskRequest represents the request body for creating an analysis task
type CreateTaskRequest struct {
	CosPath        string `json:"cos_path" binding:"required"`
	Prompt         string `json:"prompt" binding:"required"`
	Name           string `json:"name"`
	ForceReanalyze bool   `json:"force_reanalyze"`
}

// CreateTask creates a new analysis task and starts it in the background
// POST /analysis
func (h *AnalysisTaskHandler) CreateTask(c *gin.Context) {
	var req CreateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request body: cos_path and prompt are required")
		return
	}

	task, err := h.service.CreateTask(c.Request.Context(), service.CreateTaskInput{
		SourceRef:      req.CosPath,
		Prompt:         req.Prompt,
		Name:           req.Name,
		ForceReanalyze: req.ForceReanalyze,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	response.Created(c, "task created", task)
}

// GetTask retrieves a task by ID
// GET /analysis/:id
func (h *AnalysisTaskHandler) GetTask(c *gin.Context) {
	task, err := h.service.GetTask(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}

	response.Success(c, task)
}

// GetTaskResult returns the result text and merged score sheets
// GET /analysis/:id/result
func (h *AnalysisTaskHandler) GetTaskResult(c *gin.Context) {
	result, err := h.service.GetTaskResult(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}

	response.Success(c, result)
}

// ListTasks retrieves a page of tasks, newest first
// GET /tasks?status=&page=&page_size=&limit=
func (h *AnalysisTaskHandler) ListTasks(c *gin.Context) {
	var filter models.TaskListFilter
	if err := c.ShouldBindQuery(&filter); err != nil {
		response.BadRequest(c, "invalid query parameters")
		return
	}

	res, err := h.service.ListTasks(filter)
	if err != nil {
		writeError(c, err)
		return
	}

	response.Success(c, res)
}

// SearchTasks finds tasks by name
// GET /tasks/search?name=&status=&limit=
func (h *AnalysisTaskHandler) SearchTasks(c *gin.Context) {
	var filter models.TaskSearchFilter
	if err := c.ShouldBindQuery(&filter); err != nil {
		response.BadRequest(c, "invalid query parameters")
		return
	}

	res, err := h.service.SearchTasks(filter)
	if err != nil {
		writeError(c, err)
		return
	}

	response.Success(c, res)
}

// ListStorage lists one level of the remote bucket
// GET /cos/list?path=
func (h *AnalysisTaskHandler) ListStorage(c *gin.Context) {
	listing, err := h.service.ListStorageDirectory(c.Request.Context(), c.Query("path"))
	if err != nil {
		writeError(c, err)
		return
	}

	response.Success(c, listing)
}

// writeError maps service errors onto HTTP status codes.
func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, apperrors.ErrEmptyValue),
		errors.Is(err, apperrors.ErrInvalidStatus),
		errors.Is(err, apperrors.ErrInvalidSourceRef),
		errors.Is(err, apperrors.ErrTaskNotCompleted):
		response.BadRequest(c, err.Error())
	case errors.Is(err, apperrors.ErrTaskNotFound),
		errors.Is(err, apperrors.ErrResultMissing):
		response.NotFound(c, err.Error())
	case errors.Is(err, apperrors.ErrStorageNotConfigured):
		response.Error(c, http.StatusServiceUnavailable, err.Error())
	default:
		_ = c.Error(err)
		response.InternalError(c, err.Error())
	}
}
