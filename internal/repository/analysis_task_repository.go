package repository

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/jengzang/mahjong-analysis-go/internal/models"
)

const taskColumns = `id, cos_path, prompt, name, force_reanalyze, status, progress,
	message, error, result_file, cache_used, created_at, updated_at`

// AnalysisTaskRepository persists analysis tasks as one SQLite row per task.
type AnalysisTaskRepository struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewAnalysisTaskRepository creates a new analysis task repository
func NewAnalysisTaskRepository(db *sql.DB, logger zerolog.Logger) *AnalysisTaskRepository {
	return &AnalysisTaskRepository{
		db:     db,
		logger: logger.With().Str("component", "task_store").Str("backend", "sqlite").Logger(),
	}
}

// Put inserts the task or replaces the stored row with the same id.
func (r *AnalysisTaskRepository) Put(ctx context.Context, task models.AnalysisTask) error {
	query := `
		INSERT INTO analysis_tasks (` + taskColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			force_reanalyze = excluded.force_reanalyze,
			status = excluded.status,
			progress = excluded.progress,
			message = excluded.message,
			error = excluded.error,
			result_file = excluded.result_file,
			cache_used = excluded.cache_used,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, query,
		task.ID,
		task.SourceRef,
		task.Prompt,
		task.Name,
		task.ForceReanalyze,
		string(task.Status),
		task.Progress,
		task.Message,
		nullString(task.Error),
		nullString(task.ResultFile),
		task.CacheUsed,
		formatTime(task.CreatedAt),
		formatTime(task.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save analysis task %s: %w", task.ID, err)
	}
	return nil
}

// GetByID retrieves an analysis task by ID. The second return is false when
// no row exists.
func (r *AnalysisTaskRepository) GetByID(ctx context.Context, id string) (models.AnalysisTask, bool, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM analysis_tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return models.AnalysisTask{}, false, nil
	}
	if err != nil {
		return models.AnalysisTask{}, false, fmt.Errorf("failed to get analysis task: %w", err)
	}
	return task, true, nil
}

// LoadAll returns every stored task in creation order. Rows whose status is
// not recognized are skipped with a warning.
func (r *AnalysisTaskRepository) LoadAll(ctx context.Context) ([]models.AnalysisTask, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM analysis_tasks ORDER BY created_at ASC, rowid ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list analysis tasks: %w", err)
	}
	defer rows.Close()

	var tasks []models.AnalysisTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			r.logger.Warn().Err(err).Msg("skipping unreadable task row")
			continue
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate analysis tasks: %w", err)
	}

	// created_at text sorts correctly only within one offset; normalize.
	sort.SliceStable(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
	return tasks, nil
}

// Count returns the number of stored tasks, optionally filtered by status.
func (r *AnalysisTaskRepository) Count(ctx context.Context, status string) (int, error) {
	query := "SELECT COUNT(*) FROM analysis_tasks"
	args := []interface{}{}
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, status)
	}

	var count int
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count analysis tasks: %w", err)
	}
	return count, nil
}

// Close is a no-op; the database handle is owned by the caller that opened it.
func (r *AnalysisTaskRepository) Close() error {
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(s rowScanner) (models.AnalysisTask, error) {
	var (
		task                 models.AnalysisTask
		status               string
		errText, resultFile  sql.NullString
		createdAt, updatedAt string
	)

	err := s.Scan(
		&task.ID,
		&task.SourceRef,
		&task.Prompt,
		&task.Name,
		&task.ForceReanalyze,
		&status,
		&task.Progress,
		&task.Message,
		&errText,
		&resultFile,
		&task.CacheUsed,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return models.AnalysisTask{}, err
	}

	if task.Status, err = models.ParseTaskStatus(status); err != nil {
		return models.AnalysisTask{}, fmt.Errorf("task %s: %w", task.ID, err)
	}
	if task.CreatedAt, err = parseTime(createdAt); err != nil {
		return models.AnalysisTask{}, fmt.Errorf("task %s: created_at: %w", task.ID, err)
	}
	if task.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return models.AnalysisTask{}, fmt.Errorf("task %s: updated_at: %w", task.ID, err)
	}
	if errText.Valid {
		task.Error = &errText.String
	}
	if resultFile.Valid {
		task.ResultFile = &resultFile.String
	}
	return task, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
