package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jengzang/mahjong-analysis-go/internal/cache"
	"github.com/jengzang/mahjong-analysis-go/internal/clock"
	apperrors "github.com/jengzang/mahjong-analysis-go/internal/errors"
	"github.com/jengzang/mahjong-analysis-go/internal/models"
)

// TaskStore is the durable mirror of the registry.
type TaskStore interface {
	LoadAll(ctx context.Context) ([]models.AnalysisTask, error)
	Put(ctx context.Context, task models.AnalysisTask) error
	Close() error
}

// CreateTaskInput holds the user-supplied fields of a new task.
type CreateTaskInput struct {
	SourceRef      string
	Prompt         string
	Name           string
	ForceReanalyze bool
}

// TaskRegistry owns every task record. All reads return copies; all writes
// go through Create and Update, which persist before returning.
type TaskRegistry struct {
	mu    sync.Mutex
	tasks map[string]*models.AnalysisTask
	order []string

	store  TaskStore
	clock  clock.Clock
	newID  func() string
	logger zerolog.Logger
}

// NewTaskRegistry creates a registry and loads the tasks already in store.
func NewTaskRegistry(ctx context.Context, store TaskStore, clk clock.Clock, logger zerolog.Logger) (*TaskRegistry, error) {
	r := &TaskRegistry{
		tasks:  make(map[string]*models.AnalysisTask),
		store:  store,
		clock:  clk,
		newID:  uuid.NewString,
		logger: logger.With().Str("component", "task_registry").Logger(),
	}

	tasks, err := store.LoadAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load tasks: %w", err)
	}
	for i := range tasks {
		task := tasks[i]
		if _, dup := r.tasks[task.ID]; dup {
			continue
		}
		r.tasks[task.ID] = &task
		r.order = append(r.order, task.ID)
	}

	r.logger.Info().Int("count", len(r.order)).Msg("tasks loaded")
	return r, nil
}

// Create registers a pending task and persists it. If persisting fails the
// task is removed again and the error returned.
func (r *TaskRegistry) Create(ctx context.Context, in CreateTaskInput) (*models.AnalysisTask, error) {
	if in.SourceRef == "" {
		return nil, apperrors.Wrap(apperrors.ErrEmptyValue, "cos_path")
	}
	if in.Prompt == "" {
		return nil, apperrors.Wrap(apperrors.ErrEmptyValue, "prompt")
	}
	if err := cache.ValidateSourceRef(in.SourceRef); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.newID()
	for {
		if _, taken := r.tasks[id]; !taken {
			break
		}
		id = r.newID()
	}

	now := r.clock.Now()
	task := &models.AnalysisTask{
		ID:             id,
		SourceRef:      in.SourceRef,
		Prompt:         in.Prompt,
		Name:           in.Name,
		ForceReanalyze: in.ForceReanalyze,
		Status:         models.TaskStatusPending,
		Message:        "task created",
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	r.tasks[id] = task
	r.order = append(r.order, id)

	if err := r.store.Put(ctx, *task); err != nil {
		delete(r.tasks, id)
		r.order = r.order[:len(r.order)-1]
		r.logger.Error().Err(err).Str("task_id", id).Msg("failed to persist new task")
		return nil, fmt.Errorf("failed to persist task: %w", err)
	}

	r.logger.Info().Str("task_id", id).Str("cos_path", in.SourceRef).Msg("task created")
	out := cloneTask(task)
	return &out, nil
}

// Get returns a copy of the task with id.
func (r *TaskRegistry) Get(id string) (models.AnalysisTask, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, ok := r.tasks[id]
	if !ok {
		return models.AnalysisTask{}, false
	}
	return cloneTask(task), true
}

// List returns copies of all tasks in creation order.
func (r *TaskRegistry) List() []models.AnalysisTask {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]models.AnalysisTask, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, cloneTask(r.tasks[id]))
	}
	return out
}

// Update applies u to the task with id and persists the result. An unknown
// id is logged and ignored. A transition that breaks the task invariants is
// rejected with ErrInvalidTransition and leaves the task untouched. If
// persisting fails the in-memory change stands and the error is returned.
func (r *TaskRegistry) Update(ctx context.Context, id string, u models.TaskUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, ok := r.tasks[id]
	if !ok {
		r.logger.Warn().Str("task_id", id).Msg("update for unknown task ignored")
		return nil
	}

	next := cloneTask(task)
	if err := next.Apply(u, r.clock.Now()); err != nil {
		r.logger.Warn().Err(err).Str("task_id", id).Msg("update rejected")
		return err
	}
	*task = next

	if err := r.store.Put(ctx, next); err != nil {
		r.logger.Error().Err(err).Str("task_id", id).Msg("failed to persist task update")
		return fmt.Errorf("failed to persist task %s: %w", id, err)
	}
	return nil
}

// Close closes the underlying store.
func (r *TaskRegistry) Close() error {
	return r.store.Close()
}

func cloneTask(t *models.AnalysisTask) models.AnalysisTask {
	out := *t
	if t.Error != nil {
		out.Error = models.Ptr(*t.Error)
	}
	if t.ResultFile != nil {
		out.ResultFile = models.Ptr(*t.ResultFile)
	}
	return out
}
