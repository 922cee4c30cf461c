package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/jengzang/mahjong-analysis-go/internal/models"
)

// taskDocument is the on-disk layout: {"tasks": [...]}.
type taskDocument struct {
	Tasks []json.RawMessage `json:"tasks"`
}

// TaskDocumentStore keeps every task in a single JSON document that is
// rewritten in full on each Put.
type TaskDocumentStore struct {
	path   string
	logger zerolog.Logger

	mu    sync.Mutex
	order []string
	tasks map[string]models.AnalysisTask
}

// NewTaskDocumentStore creates a document store backed by path. The file is
// created on the first Put.
func NewTaskDocumentStore(path string, logger zerolog.Logger) *TaskDocumentStore {
	return &TaskDocumentStore{
		path:   path,
		logger: logger.With().Str("component", "task_store").Str("backend", "json").Logger(),
		tasks:  make(map[string]models.AnalysisTask),
	}
}

// LoadAll reads the document and returns its tasks in creation order. A
// missing file yields no tasks. Entries that fail to decode or carry an
// unknown status are skipped with a warning.
func (s *TaskDocumentStore) LoadAll(_ context.Context) ([]models.AnalysisTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read task document: %w", err)
	}

	var doc taskDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse task document %s: %w", s.path, err)
	}

	s.order = s.order[:0]
	s.tasks = make(map[string]models.AnalysisTask, len(doc.Tasks))

	for i, raw := range doc.Tasks {
		var task models.AnalysisTask
		if err := json.Unmarshal(raw, &task); err != nil {
			s.logger.Warn().Err(err).Int("index", i).Msg("skipping undecodable task")
			continue
		}
		if !task.Status.Valid() {
			s.logger.Warn().Str("task_id", task.ID).Str("status", string(task.Status)).Msg("skipping task with unknown status")
			continue
		}
		if _, dup := s.tasks[task.ID]; !dup {
			s.order = append(s.order, task.ID)
		}
		s.tasks[task.ID] = task
	}

	tasks := make([]models.AnalysisTask, 0, len(s.order))
	for _, id := range s.order {
		tasks = append(tasks, s.tasks[id])
	}
	sort.SliceStable(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
	return tasks, nil
}

// Put records the task and rewrites the document. When the write fails an
// update to a known task is kept so the next successful write carries it,
// while a task seen for the first time is dropped again.
func (s *TaskDocumentStore) Put(_ context.Context, task models.AnalysisTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, existed := s.tasks[task.ID]
	if !existed {
		s.order = append(s.order, task.ID)
	}
	s.tasks[task.ID] = task

	if err := s.flush(); err != nil {
		if !existed {
			delete(s.tasks, task.ID)
			s.order = s.order[:len(s.order)-1]
		}
		return err
	}
	return nil
}

// Close is a no-op; every Put is already durable.
func (s *TaskDocumentStore) Close() error {
	return nil
}

func (s *TaskDocumentStore) flush() error {
	doc := struct {
		Tasks []models.AnalysisTask `json:"tasks"`
	}{Tasks: make([]models.AnalysisTask, 0, len(s.order))}
	for _, id := range s.order {
		doc.Tasks = append(doc.Tasks, s.tasks[id])
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode task document: %w", err)
	}
	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create task document directory: %w", err)
		}
	}
	return atomicWrite(s.path, data)
}

// atomicWrite writes data to path via a temp file, fsync and rename, so a
// reader sees either the old or the new content.
func atomicWrite(path string, data []byte) error {
	tmpPath := path + ".tmp"

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}

	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}
