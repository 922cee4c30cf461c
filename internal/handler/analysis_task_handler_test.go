package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jengzang/mahjong-analysis-go/internal/clock"
	"github.com/jengzang/mahjong-analysis-go/internal/models"
	"github.com/jengzang/mahjong-analysis-go/internal/repository"
	"github.com/jengzang/mahjong-analysis-go/internal/service"
	"github.com/jengzang/mahjong-analysis-go/internal/storage"
)

// completingRunner walks every task straight to completed with a result
// file in dir. Tasks named "stall" are left pending.
type completingRunner struct {
	registry *service.TaskRegistry
	dir      string
}

func (r *completingRunner) Run(ctx context.Context, taskID string) {
	task, ok := r.registry.Get(taskID)
	if !ok || task.Name == "stall" {
		return
	}

	resultFile := filepath.Join(r.dir, taskID+".txt")
	_ = os.WriteFile(resultFile, []byte("East won most."), 0o600)
	_ = os.WriteFile(filepath.Join(r.dir, taskID+"_merged.json"), []byte(`[{"players":[]}]`), 0o600)

	steps := []models.TaskUpdate{
		{Status: models.Ptr(models.TaskStatusDownloading), Progress: models.Ptr(10)},
		{Status: models.Ptr(models.TaskStatusAnalyzing), Progress: models.Ptr(40)},
		{Status: models.Ptr(models.TaskStatusMerging), Progress: models.Ptr(80)},
		{Status: models.Ptr(models.TaskStatusCompleted), Progress: models.Ptr(100), ResultFile: models.Ptr(resultFile)},
	}
	for _, u := range steps {
		if err := r.registry.Update(ctx, taskID, u); err != nil {
			return
		}
	}
}

type testEnv struct {
	router    *gin.Engine
	scheduler *service.Scheduler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dir := t.TempDir()
	logger := zerolog.Nop()

	registry, err := service.NewTaskRegistry(context.Background(),
		repository.NewTaskDocumentStore(filepath.Join(dir, "tasks.json"), logger),
		clock.RealClock{}, logger)
	require.NoError(t, err)

	store, err := storage.NewCOSStorage(storage.Config{}, logger)
	require.NoError(t, err)

	scheduler := service.NewScheduler(&completingRunner{registry: registry, dir: dir}, logger)
	h := NewAnalysisTaskHandler(service.NewAnalysisTaskService(registry, scheduler, store, logger))

	r := gin.New()
	r.POST("/analysis", h.CreateTask)
	r.GET("/analysis/:id", h.GetTask)
	r.GET("/analysis/:id/result", h.GetTaskResult)
	r.GET("/tasks", h.ListTasks)
	r.GET("/tasks/search", h.SearchTasks)
	r.GET("/cos/list", h.ListStorage)

	return &testEnv{router: r, scheduler: scheduler}
}

func (e *testEnv) do(t *testing.T, method, target, body string) (int, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)

	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return w.Code, out
}

func (e *testEnv) create(t *testing.T, name string) string {
	t.Helper()
	code, body := e.do(t, http.MethodPost, "/analysis",
		`{"cos_path":"egg/room/2025-10-15","prompt":"who won?","name":"`+name+`"}`)
	require.Equal(t, http.StatusCreated, code)
	data := body["data"].(map[string]any)
	return data["task_id"].(string)
}

func (e *testEnv) drain(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.scheduler.Wait(ctx))
}

func TestCreateTask(t *testing.T) {
	env := newTestEnv(t)

	code, body := env.do(t, http.MethodPost, "/analysis",
		`{"cos_path":"egg/room/2025-10-15","prompt":"who won?","name":"evening","force_reanalyze":true}`)
	require.Equal(t, http.StatusCreated, code)
	assert.Equal(t, "task created", body["message"])

	data := body["data"].(map[string]any)
	assert.NotEmpty(t, data["task_id"])
	assert.Equal(t, "egg/room/2025-10-15", data["cos_path"])
	assert.Equal(t, "evening", data["name"])
	assert.Equal(t, true, data["force_reanalyze"])
	assert.Equal(t, "pending", data["status"])
	assert.Nil(t, data["error"])
	assert.Nil(t, data["result_file"])
	env.drain(t)
}

func TestCreateTask_Validation(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		body string
	}{
		{"missing prompt", `{"cos_path":"egg/room"}`},
		{"missing cos_path", `{"prompt":"x"}`},
		{"blank cos_path", `{"cos_path":"  ","prompt":"x"}`},
		{"cos_path above cache", `{"cos_path":"..","prompt":"x"}`},
		{"cos_path with dot segment", `{"cos_path":"egg/./room","prompt":"x"}`},
		{"malformed", `{"cos_path":`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := env.do(t, http.MethodPost, "/analysis", tt.body)
			assert.Equal(t, http.StatusBadRequest, code)
			assert.EqualValues(t, http.StatusBadRequest, body["code"])
		})
	}
}

func TestGetTask(t *testing.T) {
	env := newTestEnv(t)
	id := env.create(t, "evening")
	env.drain(t)

	code, body := env.do(t, http.MethodGet, "/analysis/"+id, "")
	require.Equal(t, http.StatusOK, code)
	data := body["data"].(map[string]any)
	assert.Equal(t, "completed", data["status"])
	assert.EqualValues(t, 100, data["progress"])

	code, _ = env.do(t, http.MethodGet, "/analysis/nope", "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestGetTaskResult(t *testing.T) {
	env := newTestEnv(t)
	done := env.create(t, "evening")
	stalled := env.create(t, "stall")
	env.drain(t)

	code, body := env.do(t, http.MethodGet, "/analysis/"+done+"/result", "")
	require.Equal(t, http.StatusOK, code)
	data := body["data"].(map[string]any)
	assert.Equal(t, "East won most.", data["content"])
	assert.EqualValues(t, len("East won most."), data["size"])
	assert.Equal(t, `[{"players":[]}]`, data["merged_content"])
	assert.True(t, strings.HasSuffix(data["result_file"].(string), done+".txt"))

	code, _ = env.do(t, http.MethodGet, "/analysis/"+stalled+"/result", "")
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = env.do(t, http.MethodGet, "/analysis/nope/result", "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestListTasks(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, "a")
	env.create(t, "stall")
	env.create(t, "b")
	env.drain(t)

	code, body := env.do(t, http.MethodGet, "/tasks?page=1&page_size=2", "")
	require.Equal(t, http.StatusOK, code)
	data := body["data"].(map[string]any)
	assert.EqualValues(t, 3, data["total"])
	assert.EqualValues(t, 2, data["total_pages"])
	assert.Len(t, data["tasks"], 2)

	code, body = env.do(t, http.MethodGet, "/tasks?status=pending", "")
	require.Equal(t, http.StatusOK, code)
	data = body["data"].(map[string]any)
	assert.EqualValues(t, 1, data["total"])

	code, _ = env.do(t, http.MethodGet, "/tasks?status=cancelled", "")
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = env.do(t, http.MethodGet, "/tasks?page=abc", "")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestSearchTasks(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, "Friday Night")
	env.create(t, "saturday")
	env.drain(t)

	code, body := env.do(t, http.MethodGet, "/tasks/search?name=night", "")
	require.Equal(t, http.StatusOK, code)
	data := body["data"].(map[string]any)
	assert.EqualValues(t, 1, data["total"])

	code, _ = env.do(t, http.MethodGet, "/tasks/search", "")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestListStorage_NotConfigured(t *testing.T) {
	env := newTestEnv(t)

	code, body := env.do(t, http.MethodGet, "/cos/list?path=egg/", "")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Contains(t, body["message"], "not configured")
}
