package service

import (
	"context"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	apperrors "github.com/jengzang/mahjong-analysis-go/internal/errors"
	"github.com/jengzang/mahjong-analysis-go/internal/models"
	"github.com/jengzang/mahjong-analysis-go/internal/storage"
)

// Pagination defaults for task listing.
const (
	DefaultPageSize   = 20
	MaxPageSize       = 100
	DefaultSearchSize = 50
)

// AnalysisTaskService is the task-facing API used by the HTTP and MCP
// front ends.
type AnalysisTaskService struct {
	registry  *TaskRegistry
	scheduler *Scheduler
	storage   Storage
	logger    zerolog.Logger
}

// NewAnalysisTaskService creates a new analysis task service
func NewAnalysisTaskService(registry *TaskRegistry, scheduler *Scheduler, store Storage, logger zerolog.Logger) *AnalysisTaskService {
	return &AnalysisTaskService{
		registry:  registry,
		scheduler: scheduler,
		storage:   store,
		logger:    logger.With().Str("component", "task_service").Logger(),
	}
}

// CreateTask registers a task and starts it in the background.
func (s *AnalysisTaskService) CreateTask(ctx context.Context, in CreateTaskInput) (*models.AnalysisTask, error) {
	in.SourceRef = strings.TrimSpace(in.SourceRef)
	in.Name = strings.TrimSpace(in.Name)

	task, err := s.registry.Create(ctx, in)
	if err != nil {
		return nil, err
	}

	s.scheduler.Start(task.ID)
	return task, nil
}

// GetTask returns the task with id.
func (s *AnalysisTaskService) GetTask(id string) (*models.AnalysisTask, error) {
	task, ok := s.registry.Get(id)
	if !ok {
		return nil, apperrors.Wrapf(apperrors.ErrTaskNotFound, "task %s", id)
	}
	return &task, nil
}

// ListTasks returns a page of tasks, newest first. A positive Limit
// replaces paging with a single page of at most Limit tasks.
func (s *AnalysisTaskService) ListTasks(filter models.TaskListFilter) (*models.TaskListResponse, error) {
	tasks, err := s.filterByStatus(s.newestFirst(), filter.Status)
	if err != nil {
		return nil, err
	}
	total := len(tasks)

	if filter.Limit > 0 {
		if len(tasks) > filter.Limit {
			tasks = tasks[:filter.Limit]
		}
		totalPages := 0
		if total > 0 {
			totalPages = 1
		}
		return &models.TaskListResponse{
			Tasks:      tasks,
			Total:      total,
			Page:       1,
			PageSize:   filter.Limit,
			TotalPages: totalPages,
		}, nil
	}

	page := filter.Page
	if page < 1 {
		page = 1
	}
	pageSize := filter.PageSize
	if pageSize < 1 {
		pageSize = DefaultPageSize
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}

	// Compare in pages first so a huge page number cannot overflow start.
	start := total
	if page-1 < (total+pageSize-1)/pageSize {
		start = (page - 1) * pageSize
	}
	end := start + pageSize
	if end > total {
		end = total
	}

	return &models.TaskListResponse{
		Tasks:      tasks[start:end],
		Total:      total,
		Page:       page,
		PageSize:   pageSize,
		TotalPages: int(math.Ceil(float64(total) / float64(pageSize))),
	}, nil
}

// SearchTasks finds tasks whose name contains filter.Name, ignoring case,
// newest first.
func (s *AnalysisTaskService) SearchTasks(filter models.TaskSearchFilter) (*models.TaskSearchResponse, error) {
	needle := strings.ToLower(strings.TrimSpace(filter.Name))
	if needle == "" {
		return nil, apperrors.Wrap(apperrors.ErrEmptyValue, "name")
	}

	tasks, err := s.filterByStatus(s.newestFirst(), filter.Status)
	if err != nil {
		return nil, err
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultSearchSize
	}

	matches := make([]models.AnalysisTask, 0)
	for _, task := range tasks {
		if strings.Contains(strings.ToLower(task.Name), needle) {
			matches = append(matches, task)
			if len(matches) == limit {
				break
			}
		}
	}

	return &models.TaskSearchResponse{Tasks: matches, Total: len(matches)}, nil
}

// GetTaskResult returns the final analysis text and the merged score
// sheets of a completed task.
func (s *AnalysisTaskService) GetTaskResult(id string) (*models.TaskResult, error) {
	task, ok := s.registry.Get(id)
	if !ok {
		return nil, apperrors.Wrapf(apperrors.ErrTaskNotFound, "task %s", id)
	}
	if task.Status != models.TaskStatusCompleted || task.ResultFile == nil {
		return nil, apperrors.Wrapf(apperrors.ErrTaskNotCompleted, "task %s is %s", id, task.Status)
	}

	resultFile := *task.ResultFile
	content, err := os.ReadFile(resultFile)
	if err != nil {
		s.logger.Error().Err(err).Str("task_id", id).Str("result_file", resultFile).Msg("result file unreadable")
		return nil, apperrors.Wrapf(apperrors.ErrResultMissing, "task %s", id)
	}

	result := &models.TaskResult{
		TaskID:     task.ID,
		Status:     task.Status,
		ResultFile: resultFile,
		Content:    string(content),
		Size:       int64(len(content)),
		CreatedAt:  task.CreatedAt,
		UpdatedAt:  task.UpdatedAt,
	}

	mergedFile := strings.TrimSuffix(resultFile, ".txt") + "_merged.json"
	if merged, err := os.ReadFile(mergedFile); err == nil {
		result.MergedFile = mergedFile
		result.MergedContent = string(merged)
	} else {
		s.logger.Warn().Err(err).Str("task_id", id).Msg("merged aggregate unavailable")
	}

	return result, nil
}

// ListStorageDirectory lists one level of the remote bucket.
func (s *AnalysisTaskService) ListStorageDirectory(ctx context.Context, prefix string) (*storage.DirectoryListing, error) {
	listing, err := s.storage.ListDirectory(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list %q: %w", prefix, err)
	}
	return listing, nil
}

// newestFirst returns every task sorted by creation time, newest first.
// Tasks created at the same instant keep reverse creation order.
func (s *AnalysisTaskService) newestFirst() []models.AnalysisTask {
	tasks := s.registry.List()
	for i, j := 0, len(tasks)-1; i < j; i, j = i+1, j-1 {
		tasks[i], tasks[j] = tasks[j], tasks[i]
	}
	sort.SliceStable(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
	})
	return tasks
}

func (s *AnalysisTaskService) filterByStatus(tasks []models.AnalysisTask, status string) ([]models.AnalysisTask, error) {
	if status == "" {
		return tasks, nil
	}
	want, err := models.ParseTaskStatus(status)
	if err != nil {
		return nil, err
	}

	filtered := make([]models.AnalysisTask, 0, len(tasks))
	for _, task := range tasks {
		if task.Status == want {
			filtered = append(filtered, task)
		}
	}
	return filtered, nil
}
