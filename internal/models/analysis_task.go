package models

import (
	"fmt"
	"time"

	apperrors "github.com/jengzang/mahjong-analysis-go/internal/errors"
)

// TaskStatus is the lifecycle state of an analysis task. The string values are
// stored verbatim by every task store.
type TaskStatus string

// TaskStatus constants
const (
	TaskStatusPending     TaskStatus = "pending"
	TaskStatusDownloading TaskStatus = "downloading"
	TaskStatusAnalyzing   TaskStatus = "analyzing"
	TaskStatusMerging     TaskStatus = "merging"
	TaskStatusCompleted   TaskStatus = "completed"
	TaskStatusFailed      TaskStatus = "failed"
)

// pipelineRank orders the non-failed states along the pipeline.
var pipelineRank = map[TaskStatus]int{
	TaskStatusPending:     0,
	TaskStatusDownloading: 1,
	TaskStatusAnalyzing:   2,
	TaskStatusMerging:     3,
	TaskStatusCompleted:   4,
}

// ParseTaskStatus converts a stored or user-supplied value into a TaskStatus.
func ParseTaskStatus(s string) (TaskStatus, error) {
	status := TaskStatus(s)
	if !status.Valid() {
		return "", fmt.Errorf("%q: %w", s, apperrors.ErrInvalidStatus)
	}
	return status, nil
}

// Valid reports whether s is one of the known statuses.
func (s TaskStatus) Valid() bool {
	if s == TaskStatusFailed {
		return true
	}
	_, ok := pipelineRank[s]
	return ok
}

// IsTerminal returns true for completed and failed.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// CanTransitionTo reports whether a task in state s may move to next.
// Non-terminal states may stay put, move forward along the pipeline, or fail.
func (s TaskStatus) CanTransitionTo(next TaskStatus) bool {
	if s.IsTerminal() || !next.Valid() {
		return false
	}
	if next == TaskStatusFailed {
		return true
	}
	return pipelineRank[next] >= pipelineRank[s]
}

// AnalysisTask is one user-submitted analysis job and its full state record.
type AnalysisTask struct {
	ID             string `json:"task_id"`
	SourceRef      string `json:"cos_path"`
	Prompt         string `json:"prompt"`
	Name           string `json:"name"`
	ForceReanalyze bool   `json:"force_reanalyze"`

	Status   TaskStatus `json:"status"`
	Progress int        `json:"progress"`
	Message  string     `json:"message"`

	Error      *string `json:"error"`       // set only when failed
	ResultFile *string `json:"result_file"` // set only when completed
	CacheUsed  bool    `json:"cache_used"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TaskUpdate carries the fields a runner wants to change. Nil fields are left
// untouched.
type TaskUpdate struct {
	Status     *TaskStatus
	Progress   *int
	Message    *string
	Error      *string
	ResultFile *string
	CacheUsed  *bool
}

// Apply validates u against the task invariants and, if they hold, writes the
// non-nil fields into t and stamps UpdatedAt. On error t is left unchanged.
func (t *AnalysisTask) Apply(u TaskUpdate, now time.Time) error {
	if t.Status.IsTerminal() {
		return fmt.Errorf("task %s is %s: %w", t.ID, t.Status, apperrors.ErrInvalidTransition)
	}

	next := t.Status
	if u.Status != nil {
		if !t.Status.CanTransitionTo(*u.Status) {
			return fmt.Errorf("task %s: %s -> %s: %w", t.ID, t.Status, *u.Status, apperrors.ErrInvalidTransition)
		}
		next = *u.Status
	}

	if u.Progress != nil {
		p := *u.Progress
		if p < 0 || p > 100 {
			return fmt.Errorf("task %s: progress %d out of range: %w", t.ID, p, apperrors.ErrInvalidTransition)
		}
		// The size guard resets progress to 0 on its way to failed.
		if p < t.Progress && next != TaskStatusFailed {
			return fmt.Errorf("task %s: progress %d -> %d: %w", t.ID, t.Progress, p, apperrors.ErrInvalidTransition)
		}
	}

	if u.Error != nil && next != TaskStatusFailed {
		return fmt.Errorf("task %s: error set while %s: %w", t.ID, next, apperrors.ErrInvalidTransition)
	}

	result := t.ResultFile
	if u.ResultFile != nil {
		result = u.ResultFile
	}
	hasResult := result != nil && *result != ""
	if hasResult != (next == TaskStatusCompleted) {
		return fmt.Errorf("task %s: result file must be set exactly when completed: %w", t.ID, apperrors.ErrInvalidTransition)
	}

	t.Status = next
	if u.Progress != nil {
		t.Progress = *u.Progress
	}
	if u.Message != nil {
		t.Message = *u.Message
	}
	if u.Error != nil {
		t.Error = u.Error
	}
	if u.ResultFile != nil {
		t.ResultFile = u.ResultFile
	}
	if u.CacheUsed != nil {
		t.CacheUsed = *u.CacheUsed
	}
	t.UpdatedAt = now
	return nil
}

// Ptr returns a pointer to v. Used to build TaskUpdate values inline.
func Ptr[T any](v T) *T {
	return &v
}
