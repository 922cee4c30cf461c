package service

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/jengzang/mahjong-analysis-go/internal/errors"
	"github.com/jengzang/mahjong-analysis-go/internal/models"
	"github.com/jengzang/mahjong-analysis-go/internal/storage"
)

func newTestService(t *testing.T) (*AnalysisTaskService, *harness) {
	t.Helper()
	h := newHarness(t)
	scheduler := NewScheduler(h.runner, zerolog.Nop())
	svc := NewAnalysisTaskService(h.registry, scheduler, h.storage, zerolog.Nop())
	return svc, h
}

// seedTasks creates n tasks named "task-01".. directly in the registry so
// nothing is scheduled.
func seedTasks(t *testing.T, h *harness, n int) []models.AnalysisTask {
	t.Helper()
	var out []models.AnalysisTask
	for i := 1; i <= n; i++ {
		task, err := h.registry.Create(context.Background(), CreateTaskInput{
			SourceRef: "egg/room",
			Prompt:    "p",
			Name:      fmt.Sprintf("task-%02d", i),
		})
		require.NoError(t, err)
		out = append(out, *task)
	}
	return out
}

func TestAnalysisTaskService_CreateTaskRunsInBackground(t *testing.T) {
	svc, h := newTestService(t)
	h.seedCache(t, "egg/room", "a.png")

	task, err := svc.CreateTask(context.Background(), CreateTaskInput{
		SourceRef: "  egg/room ",
		Prompt:    "who won?",
		Name:      " Friday ",
	})
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusPending, task.Status)
	assert.Equal(t, "egg/room", task.SourceRef)
	assert.Equal(t, "Friday", task.Name)

	require.NoError(t, svc.scheduler.Wait(context.Background()))

	got, err := svc.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCompleted, got.Status)
}

func TestAnalysisTaskService_CreateTaskRejectsMissingFields(t *testing.T) {
	svc, h := newTestService(t)

	_, err := svc.CreateTask(context.Background(), CreateTaskInput{SourceRef: " ", Prompt: "p"})
	assert.ErrorIs(t, err, apperrors.ErrEmptyValue)
	assert.Empty(t, h.registry.List())
}

func TestAnalysisTaskService_GetTaskNotFound(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.GetTask("missing")
	assert.ErrorIs(t, err, apperrors.ErrTaskNotFound)
}

func TestAnalysisTaskService_ListTasksPagination(t *testing.T) {
	svc, h := newTestService(t)
	seedTasks(t, h, 25)

	res, err := svc.ListTasks(models.TaskListFilter{Page: 2, PageSize: 10})
	require.NoError(t, err)

	assert.Equal(t, 25, res.Total)
	assert.Equal(t, 2, res.Page)
	assert.Equal(t, 10, res.PageSize)
	assert.Equal(t, 3, res.TotalPages)
	require.Len(t, res.Tasks, 10)
	// Newest first: rank 11 is task-15, rank 20 is task-06.
	assert.Equal(t, "task-15", res.Tasks[0].Name)
	assert.Equal(t, "task-06", res.Tasks[9].Name)

	last, err := svc.ListTasks(models.TaskListFilter{Page: 3, PageSize: 10})
	require.NoError(t, err)
	assert.Len(t, last.Tasks, 5)

	beyond, err := svc.ListTasks(models.TaskListFilter{Page: 9, PageSize: 10})
	require.NoError(t, err)
	assert.Empty(t, beyond.Tasks)
	assert.Equal(t, 25, beyond.Total)
}

func TestAnalysisTaskService_ListTasksHugePage(t *testing.T) {
	svc, h := newTestService(t)
	seedTasks(t, h, 3)

	for _, filter := range []models.TaskListFilter{
		{Page: math.MaxInt, PageSize: MaxPageSize},
		{Page: math.MaxInt / 2, PageSize: 7},
	} {
		res, err := svc.ListTasks(filter)
		require.NoError(t, err)
		assert.Empty(t, res.Tasks)
		assert.Equal(t, 3, res.Total)
		assert.Equal(t, filter.Page, res.Page)
	}
}

func TestAnalysisTaskService_ListTasksDefaults(t *testing.T) {
	svc, h := newTestService(t)
	seedTasks(t, h, 3)

	res, err := svc.ListTasks(models.TaskListFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Page)
	assert.Equal(t, DefaultPageSize, res.PageSize)
	assert.Equal(t, 1, res.TotalPages)
	assert.Equal(t, "task-03", res.Tasks[0].Name)

	capped, err := svc.ListTasks(models.TaskListFilter{PageSize: 1000})
	require.NoError(t, err)
	assert.Equal(t, MaxPageSize, capped.PageSize)

	empty, err := newEmptyService(t).ListTasks(models.TaskListFilter{})
	require.NoError(t, err)
	assert.Equal(t, 0, empty.TotalPages)
	assert.NotNil(t, empty.Tasks)
}

func newEmptyService(t *testing.T) *AnalysisTaskService {
	svc, _ := newTestService(t)
	return svc
}

func TestAnalysisTaskService_ListTasksLimitOverridesPaging(t *testing.T) {
	svc, h := newTestService(t)
	seedTasks(t, h, 25)

	res, err := svc.ListTasks(models.TaskListFilter{Page: 3, PageSize: 10, Limit: 4})
	require.NoError(t, err)
	require.Len(t, res.Tasks, 4)
	assert.Equal(t, "task-25", res.Tasks[0].Name)
	assert.Equal(t, 1, res.Page)
	assert.Equal(t, 4, res.PageSize)
	assert.Equal(t, 1, res.TotalPages)
	assert.Equal(t, 25, res.Total)
}

func TestAnalysisTaskService_ListTasksStatusFilter(t *testing.T) {
	ctx := context.Background()
	svc, h := newTestService(t)
	tasks := seedTasks(t, h, 4)
	require.NoError(t, h.registry.Update(ctx, tasks[1].ID, models.TaskUpdate{
		Status: models.Ptr(models.TaskStatusFailed),
		Error:  models.Ptr("boom"),
	}))

	res, err := svc.ListTasks(models.TaskListFilter{Status: "failed"})
	require.NoError(t, err)
	require.Len(t, res.Tasks, 1)
	assert.Equal(t, tasks[1].ID, res.Tasks[0].ID)
	assert.Equal(t, 1, res.Total)

	_, err = svc.ListTasks(models.TaskListFilter{Status: "paused"})
	assert.ErrorIs(t, err, apperrors.ErrInvalidStatus)
}

func TestAnalysisTaskService_ListTasksSameTimestamp(t *testing.T) {
	h := newHarness(t)
	clk := newFakeClock()
	clk.step = 0
	reg, err := NewTaskRegistry(context.Background(), newMemoryStore(), clk, zerolog.Nop())
	require.NoError(t, err)
	h.registry = reg
	svc := NewAnalysisTaskService(reg, NewScheduler(h.runner, zerolog.Nop()), h.storage, zerolog.Nop())
	seedTasks(t, h, 3)

	res, err := svc.ListTasks(models.TaskListFilter{})
	require.NoError(t, err)
	assert.Equal(t, []string{"task-03", "task-02", "task-01"},
		[]string{res.Tasks[0].Name, res.Tasks[1].Name, res.Tasks[2].Name})
}

func TestAnalysisTaskService_SearchTasks(t *testing.T) {
	ctx := context.Background()
	svc, h := newTestService(t)
	for _, name := range []string{"Friday Night", "friday lunch", "Saturday", ""} {
		_, err := h.registry.Create(ctx, CreateTaskInput{SourceRef: "a", Prompt: "p", Name: name})
		require.NoError(t, err)
	}

	res, err := svc.SearchTasks(models.TaskSearchFilter{Name: "FRIDAY"})
	require.NoError(t, err)
	require.Equal(t, 2, res.Total)
	assert.Equal(t, "friday lunch", res.Tasks[0].Name)
	assert.Equal(t, "Friday Night", res.Tasks[1].Name)

	limited, err := svc.SearchTasks(models.TaskSearchFilter{Name: "day", Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, limited.Total)

	none, err := svc.SearchTasks(models.TaskSearchFilter{Name: "friday", Status: "completed"})
	require.NoError(t, err)
	assert.Empty(t, none.Tasks)

	_, err = svc.SearchTasks(models.TaskSearchFilter{Name: "  "})
	assert.ErrorIs(t, err, apperrors.ErrEmptyValue)

	_, err = svc.SearchTasks(models.TaskSearchFilter{Name: "x", Status: "bogus"})
	assert.ErrorIs(t, err, apperrors.ErrInvalidStatus)
}

func TestAnalysisTaskService_GetTaskResult(t *testing.T) {
	svc, h := newTestService(t)
	h.seedCache(t, "egg/room", "a.png")
	task := h.create(t, "egg/room", false)

	_, err := svc.GetTaskResult(task.ID)
	assert.ErrorIs(t, err, apperrors.ErrTaskNotCompleted)

	h.runner.Run(context.Background(), task.ID)

	res, err := svc.GetTaskResult(task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.ID, res.TaskID)
	assert.Equal(t, models.TaskStatusCompleted, res.Status)
	assert.Equal(t, "East won.", res.Content)
	assert.Equal(t, int64(len("East won.")), res.Size)
	assert.Equal(t, filepath.Join(h.locator.Dir("egg/room"), task.ID+"_merged.json"), res.MergedFile)
	assert.Contains(t, res.MergedContent, `"source_image": "a.png"`)
	assert.False(t, res.UpdatedAt.Before(res.CreatedAt))

	_, err = svc.GetTaskResult("missing")
	assert.ErrorIs(t, err, apperrors.ErrTaskNotFound)

	require.NoError(t, os.Remove(filepath.Join(h.locator.Dir("egg/room"), task.ID+".txt")))
	_, err = svc.GetTaskResult(task.ID)
	assert.ErrorIs(t, err, apperrors.ErrResultMissing)
}

func TestAnalysisTaskService_ListStorageDirectory(t *testing.T) {
	svc, h := newTestService(t)
	h.storage.listing = &storage.DirectoryListing{
		Path:             "egg",
		Directories:      []storage.DirectoryEntry{{Name: "room", Key: "egg/room/", Type: "directory"}},
		Files:            []storage.FileEntry{},
		TotalDirectories: 1,
	}

	listing, err := svc.ListStorageDirectory(context.Background(), "egg")
	require.NoError(t, err)
	assert.Equal(t, 1, listing.TotalDirectories)

	h.storage.listing = nil
	_, err = svc.ListStorageDirectory(context.Background(), "egg")
	assert.Error(t, err)
}

func TestAnalysisTaskService_TimestampsAreUTC(t *testing.T) {
	svc, h := newTestService(t)
	seedTasks(t, h, 1)

	res, err := svc.ListTasks(models.TaskListFilter{})
	require.NoError(t, err)
	assert.Equal(t, time.UTC, res.Tasks[0].CreatedAt.Location())
}
