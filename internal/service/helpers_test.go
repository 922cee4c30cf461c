package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/jengzang/mahjong-analysis-go/internal/cache"
	"github.com/jengzang/mahjong-analysis-go/internal/models"
	"github.com/jengzang/mahjong-analysis-go/internal/storage"
)

// fakeClock advances by step on every call so creation order is strict.
type fakeClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 10, 27, 10, 0, 0, 0, time.UTC), step: time.Second}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(c.step)
	return c.now
}

// memoryStore records every Put.
type memoryStore struct {
	mu      sync.Mutex
	tasks   map[string]models.AnalysisTask
	history []models.AnalysisTask
	failPut error
	// failIf, when set, rejects the matching puts only.
	failIf func(models.AnalysisTask) error
	closed bool
}

func newMemoryStore(seed ...models.AnalysisTask) *memoryStore {
	s := &memoryStore{tasks: make(map[string]models.AnalysisTask)}
	for _, t := range seed {
		s.tasks[t.ID] = t
		s.history = append(s.history, t)
	}
	return s
}

func (s *memoryStore) LoadAll(context.Context) ([]models.AnalysisTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := map[string]bool{}
	var out []models.AnalysisTask
	for _, t := range s.history {
		if !seen[t.ID] {
			seen[t.ID] = true
			out = append(out, s.tasks[t.ID])
		}
	}
	return out, nil
}

func (s *memoryStore) Put(_ context.Context, task models.AnalysisTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failPut != nil {
		return s.failPut
	}
	if s.failIf != nil {
		if err := s.failIf(task); err != nil {
			return err
		}
	}
	s.tasks[task.ID] = task
	s.history = append(s.history, task)
	return nil
}

func (s *memoryStore) Close() error {
	s.closed = true
	return nil
}

func (s *memoryStore) setFailPut(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failPut = err
}

// historyOf returns every persisted snapshot of the task, oldest first.
func (s *memoryStore) historyOf(id string) []models.AnalysisTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.AnalysisTask
	for _, t := range s.history {
		if t.ID == id {
			out = append(out, t)
		}
	}
	return out
}

// fakeStorage serves objects from a map of relative path to content.
type fakeStorage struct {
	mu        sync.Mutex
	objects   map[string]string
	fetchErr  error
	fetches   int
	published []string
	listing   *storage.DirectoryListing
}

func (f *fakeStorage) FetchBatch(_ context.Context, _ string, destDir string, exts []string, onProgress func(done, total int)) (map[string][]string, error) {
	f.mu.Lock()
	f.fetches++
	f.mu.Unlock()
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}

	out := make(map[string][]string)
	var rels []string
	for rel := range f.objects {
		for _, e := range exts {
			if strings.EqualFold(filepath.Ext(rel), e) {
				rels = append(rels, rel)
			}
		}
	}
	sort.Strings(rels)

	for i, rel := range rels {
		p := filepath.Join(destDir, rel)
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return nil, err
		}
		if err := os.WriteFile(p, []byte(f.objects[rel]), 0o600); err != nil {
			return nil, err
		}
		ext := strings.ToLower(filepath.Ext(rel))
		out[ext] = append(out[ext], p)
		if onProgress != nil {
			onProgress(i+1, len(rels))
		}
	}
	return out, nil
}

func (f *fakeStorage) ListDirectory(context.Context, string) (*storage.DirectoryListing, error) {
	if f.listing == nil {
		return nil, errors.New("no listing")
	}
	return f.listing, nil
}

func (f *fakeStorage) Publish(_ context.Context, _ string, remoteKey string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, remoteKey)
	return true
}

func (f *fakeStorage) publishedKeys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.published...)
}

// fakeAnalyzer returns a fixed score sheet per image unless told to fail.
type fakeAnalyzer struct {
	mu          sync.Mutex
	calls       []string
	failItems   map[string]error
	panicOn     string
	streamErr   error
	streamParts []string
	holistic    string
	holisticErr error
	fallbacks   int
}

const sheetTemplate = `{"players":[{"player":"%s","patterns":[],"win":{"name":"self draw","multiplier":1},"total_fan":1,"dealer":false,"dealer_streak":0,"base_score":1,"score_delta":%d}],"settlement":"self_draw"}`

func (a *fakeAnalyzer) AnalyzeOne(_ context.Context, itemPath, _ string) (json.RawMessage, error) {
	a.mu.Lock()
	a.calls = append(a.calls, filepath.Base(itemPath))
	n := len(a.calls)
	a.mu.Unlock()

	base := filepath.Base(itemPath)
	if a.panicOn == base {
		panic("decoder exploded")
	}
	if err := a.failItems[base]; err != nil {
		return nil, err
	}
	return json.RawMessage(fmt.Sprintf(sheetTemplate, base, n)), nil
}

func (a *fakeAnalyzer) StreamHolistic(_ context.Context, _, _ string, onChunk func(string)) error {
	for _, p := range a.streamParts {
		onChunk(p)
	}
	return a.streamErr
}

func (a *fakeAnalyzer) AnalyzeHolistic(context.Context, string, string) (string, error) {
	a.mu.Lock()
	a.fallbacks++
	a.mu.Unlock()
	return a.holistic, a.holisticErr
}

func (a *fakeAnalyzer) analyzed() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.calls...)
}

type harness struct {
	store    *memoryStore
	registry *TaskRegistry
	locator  *cache.Locator
	storage  *fakeStorage
	analyzer *fakeAnalyzer
	runner   *PipelineRunner
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:    newMemoryStore(),
		locator:  cache.NewLocator(t.TempDir()),
		storage:  &fakeStorage{objects: map[string]string{}},
		analyzer: &fakeAnalyzer{streamParts: []string{"East ", "won."}},
	}
	reg, err := NewTaskRegistry(context.Background(), h.store, newFakeClock(), zerolog.Nop())
	require.NoError(t, err)
	h.registry = reg
	h.runner = NewPipelineRunner(reg, h.locator, h.storage, h.analyzer, "", zerolog.Nop())
	return h
}

func (h *harness) create(t *testing.T, ref string, force bool) models.AnalysisTask {
	t.Helper()
	task, err := h.registry.Create(context.Background(), CreateTaskInput{
		SourceRef:      ref,
		Prompt:         "who won the most?",
		ForceReanalyze: force,
	})
	require.NoError(t, err)
	return *task
}

func (h *harness) get(t *testing.T, id string) models.AnalysisTask {
	t.Helper()
	task, ok := h.registry.Get(id)
	require.True(t, ok)
	return task
}

// seedCache writes images into the cache directory of ref.
func (h *harness) seedCache(t *testing.T, ref string, names ...string) string {
	t.Helper()
	dir := h.locator.Dir(ref)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	for _, n := range names {
		require.NoError(t, os.WriteFile(filepath.Join(dir, n), []byte("png"), 0o600))
	}
	return dir
}
