package service

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/jengzang/mahjong-analysis-go/internal/analysis"
	"github.com/jengzang/mahjong-analysis-go/internal/cache"
	apperrors "github.com/jengzang/mahjong-analysis-go/internal/errors"
	"github.com/jengzang/mahjong-analysis-go/internal/models"
	"github.com/jengzang/mahjong-analysis-go/internal/storage"
)

// MaxInputs is the largest number of images one task may analyze.
const MaxInputs = 30

// Stage progress boundaries.
const (
	progressFetch    = 10
	progressAnalyze  = 40
	progressMerge    = 80
	progressComplete = 100
)

// Storage is the remote object store the runner reads inputs from and
// publishes outputs to.
type Storage interface {
	FetchBatch(ctx context.Context, prefix, destDir string, exts []string, onProgress func(done, total int)) (map[string][]string, error)
	ListDirectory(ctx context.Context, prefix string) (*storage.DirectoryListing, error)
	Publish(ctx context.Context, localPath, remoteKey string) bool
}

// PipelineRunner drives one task through fetch, per-image analysis and
// merge.
type PipelineRunner struct {
	registry      *TaskRegistry
	locator       *cache.Locator
	storage       Storage
	analyzer      analysis.Analyzer
	extractPrompt string
	logger        zerolog.Logger
}

// NewPipelineRunner creates a runner. An empty extractPrompt selects
// analysis.DefaultExtractPrompt.
func NewPipelineRunner(
	registry *TaskRegistry,
	locator *cache.Locator,
	store Storage,
	analyzer analysis.Analyzer,
	extractPrompt string,
	logger zerolog.Logger,
) *PipelineRunner {
	if extractPrompt == "" {
		extractPrompt = analysis.DefaultExtractPrompt
	}
	return &PipelineRunner{
		registry:      registry,
		locator:       locator,
		storage:       store,
		analyzer:      analyzer,
		extractPrompt: extractPrompt,
		logger:        logger.With().Str("component", "pipeline_runner").Logger(),
	}
}

// Run executes the task with taskID to completion. It never returns an
// error or panics: every failure ends as a failed task.
func (r *PipelineRunner) Run(ctx context.Context, taskID string) {
	task, ok := r.registry.Get(taskID)
	if !ok {
		r.logger.Warn().Str("task_id", taskID).Msg("run requested for unknown task")
		return
	}
	log := r.logger.With().Str("task_id", taskID).Str("cos_path", task.SourceRef).Logger()

	defer func() {
		if p := recover(); p != nil {
			log.Error().Interface("panic", p).Msg("task panicked")
			r.fail(ctx, log, taskID, fmt.Errorf("panic: %v", p))
		}
	}()

	log.Info().Msg("task started")
	if err := r.run(ctx, log, task); err != nil {
		log.Error().Err(err).Msg("task failed")
		r.fail(ctx, log, taskID, err)
		return
	}
}

func (r *PipelineRunner) run(ctx context.Context, log zerolog.Logger, task models.AnalysisTask) error {
	inputs, err := r.acquireInputs(ctx, log, task)
	if err != nil {
		return err
	}

	if len(inputs) > MaxInputs {
		msg := fmt.Sprintf("%v: %d images, maximum is %d", apperrors.ErrTooManyInputs, len(inputs), MaxInputs)
		log.Warn().Int("inputs", len(inputs)).Msg("input limit exceeded")
		return r.update(ctx, task.ID, models.TaskUpdate{
			Status:   models.Ptr(models.TaskStatusFailed),
			Progress: models.Ptr(0),
			Message:  models.Ptr(msg),
			Error:    models.Ptr(msg),
		})
	}

	artifacts, err := r.analyzeInputs(ctx, log, task, inputs)
	if err != nil {
		return err
	}

	resultPath, err := r.mergeAndAnalyze(ctx, log, task, artifacts)
	if err != nil {
		return err
	}

	log.Info().Str("result_file", resultPath).Msg("task completed")
	return r.update(ctx, task.ID, models.TaskUpdate{
		Status:     models.Ptr(models.TaskStatusCompleted),
		Progress:   models.Ptr(progressComplete),
		Message:    models.Ptr("done"),
		ResultFile: models.Ptr(resultPath),
	})
}

// acquireInputs fills the cache directory and returns the images to analyze.
// The per-source lock keeps concurrent tasks on one prefix from fetching
// into the same directory at once.
func (r *PipelineRunner) acquireInputs(ctx context.Context, log zerolog.Logger, task models.AnalysisTask) ([]string, error) {
	if err := cache.ValidateSourceRef(task.SourceRef); err != nil {
		return nil, err
	}
	unlock := r.locator.Lock(task.SourceRef)
	defer unlock()

	if r.locator.HasUsableContent(task.SourceRef) {
		log.Info().Msg("using local cache")
		if err := r.update(ctx, task.ID, models.TaskUpdate{
			Status:    models.Ptr(models.TaskStatusDownloading),
			Progress:  models.Ptr(progressFetch),
			Message:   models.Ptr("using local cache"),
			CacheUsed: models.Ptr(true),
		}); err != nil {
			return nil, err
		}
		return r.locator.ListPrimaryFiles(task.SourceRef)
	}

	if err := r.update(ctx, task.ID, models.TaskUpdate{
		Status:   models.Ptr(models.TaskStatusDownloading),
		Progress: models.Ptr(progressFetch),
		Message:  models.Ptr("fetching inputs"),
	}); err != nil {
		return nil, err
	}

	files, err := r.storage.FetchBatch(ctx, task.SourceRef, r.locator.Dir(task.SourceRef),
		[]string{cache.PrimaryExt, cache.ArtifactExt},
		func(done, total int) {
			r.progress(ctx, log, task.ID, models.TaskUpdate{
				Progress: models.Ptr(analysis.SpanProgress(progressFetch, progressAnalyze, done, total)),
				Message:  models.Ptr(fmt.Sprintf("fetching inputs (%d/%d)", done, total)),
			})
		})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch inputs: %w", err)
	}

	images := files[cache.PrimaryExt]
	if len(images) == 0 {
		return nil, fmt.Errorf("%w under %s", apperrors.ErrNoInputs, task.SourceRef)
	}
	return images, nil
}

// analyzeInputs produces one score sheet per image, reusing sheets already
// on disk unless the task forces re-analysis. Images that fail are dropped.
func (r *PipelineRunner) analyzeInputs(ctx context.Context, log zerolog.Logger, task models.AnalysisTask, inputs []string) ([]json.RawMessage, error) {
	if err := r.update(ctx, task.ID, models.TaskUpdate{
		Status:   models.Ptr(models.TaskStatusAnalyzing),
		Progress: models.Ptr(progressAnalyze),
		Message:  models.Ptr("analyzing inputs"),
	}); err != nil {
		return nil, err
	}

	cacheDir := r.locator.Dir(task.SourceRef)
	artifacts := make([]json.RawMessage, 0, len(inputs))

	report, err := analysis.ProcessItems(ctx, inputs,
		func(ctx context.Context, _ int, item string) error {
			sheet, err := r.analyzeItem(ctx, log, task, cacheDir, item)
			if err != nil {
				return err
			}
			artifacts = append(artifacts, sheet)
			return nil
		},
		func(done, total int) {
			r.progress(ctx, log, task.ID, models.TaskUpdate{
				Progress: models.Ptr(analysis.SpanProgress(progressAnalyze, progressMerge, done, total)),
				Message:  models.Ptr(fmt.Sprintf("analyzing inputs (%d/%d)", done, total)),
			})
		},
		func(_ int, item string, err error) {
			log.Warn().Err(err).Str("item", item).Msg("image analysis failed, skipping")
		},
	)
	if err != nil {
		return nil, err
	}

	log.Info().Int("processed", report.Processed).Int("failed", report.Failed).Msg("inputs analyzed")
	if len(artifacts) == 0 {
		return nil, fmt.Errorf("%w: all %d images failed", apperrors.ErrNoArtifacts, len(inputs))
	}
	return artifacts, nil
}

func (r *PipelineRunner) analyzeItem(ctx context.Context, log zerolog.Logger, task models.AnalysisTask, cacheDir, item string) (json.RawMessage, error) {
	artifactPath := cache.ArtifactPath(item)
	remoteKey := remoteKeyFor(task.SourceRef, cacheDir, artifactPath)
	sourceImage := filepath.Base(item)

	if !task.ForceReanalyze {
		if data, ok := r.reuseArtifact(log, artifactPath, sourceImage); ok {
			r.storage.Publish(ctx, artifactPath, remoteKey)
			return data, nil
		}
	}

	raw, err := r.analyzer.AnalyzeOne(ctx, item, r.extractPrompt)
	if err != nil {
		return nil, fmt.Errorf("analyze %s: %w", sourceImage, err)
	}
	sheet, err := analysis.DecodeScoreSheet(raw)
	if err != nil {
		return nil, fmt.Errorf("analyze %s: %w", sourceImage, err)
	}
	sheet.SourceImage = sourceImage

	data, err := json.MarshalIndent(sheet, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode score sheet: %w", err)
	}
	if err := os.WriteFile(artifactPath, data, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write score sheet: %w", err)
	}

	r.storage.Publish(ctx, artifactPath, remoteKey)
	return data, nil
}

// reuseArtifact loads an existing score sheet, adding source_image when it
// is missing. A sheet that cannot be read or parsed is not reused.
func (r *PipelineRunner) reuseArtifact(log zerolog.Logger, artifactPath, sourceImage string) (json.RawMessage, bool) {
	data, err := os.ReadFile(artifactPath)
	if err != nil {
		return nil, false
	}

	var doc map[string]interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		log.Warn().Err(err).Str("artifact", artifactPath).Msg("existing score sheet unreadable, re-analyzing")
		return nil, false
	}

	if _, has := doc["source_image"]; !has {
		doc["source_image"] = sourceImage
		updated, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			return nil, false
		}
		if err := os.WriteFile(artifactPath, updated, 0o644); err != nil {
			log.Warn().Err(err).Str("artifact", artifactPath).Msg("failed to backfill source_image")
		}
		data = updated
	}

	log.Debug().Str("artifact", artifactPath).Msg("reusing score sheet")
	return data, true
}

// mergeAndAnalyze writes the aggregate of all score sheets, runs the
// holistic analysis over it and returns the result file path.
func (r *PipelineRunner) mergeAndAnalyze(ctx context.Context, log zerolog.Logger, task models.AnalysisTask, artifacts []json.RawMessage) (string, error) {
	if err := r.update(ctx, task.ID, models.TaskUpdate{
		Status:   models.Ptr(models.TaskStatusMerging),
		Progress: models.Ptr(progressMerge),
		Message:  models.Ptr("merging results"),
	}); err != nil {
		return "", err
	}

	cacheDir := r.locator.Dir(task.SourceRef)
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create cache directory: %w", err)
	}
	resultPath := filepath.Join(cacheDir, task.ID+".txt")
	aggregatePath := filepath.Join(cacheDir, task.ID+"_merged.json")

	aggregate, err := json.MarshalIndent(artifacts, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode aggregate: %w", err)
	}
	if err := os.WriteFile(aggregatePath, aggregate, 0o644); err != nil {
		return "", fmt.Errorf("failed to write aggregate: %w", err)
	}
	r.storage.Publish(ctx, aggregatePath, remoteKeyFor(task.SourceRef, cacheDir, aggregatePath))

	text, err := r.holistic(ctx, log, aggregatePath, task.Prompt)
	if err != nil {
		return "", err
	}

	if err := os.WriteFile(resultPath, []byte(text), 0o644); err != nil {
		return "", fmt.Errorf("failed to write result: %w", err)
	}
	r.storage.Publish(ctx, resultPath, remoteKeyFor(task.SourceRef, cacheDir, resultPath))
	return resultPath, nil
}

// holistic streams the analysis and falls back to a single blocking call
// when streaming fails. Partial streamed text is discarded.
func (r *PipelineRunner) holistic(ctx context.Context, log zerolog.Logger, aggregatePath, prompt string) (string, error) {
	var b strings.Builder
	err := r.analyzer.StreamHolistic(ctx, aggregatePath, prompt, func(chunk string) {
		b.WriteString(chunk)
	})
	if err == nil {
		return b.String(), nil
	}

	log.Warn().Err(err).Int("partial_chars", b.Len()).Msg("streaming analysis failed, retrying without streaming")
	text, err := r.analyzer.AnalyzeHolistic(ctx, aggregatePath, prompt)
	if err != nil {
		return "", fmt.Errorf("holistic analysis failed: %w", err)
	}
	return text, nil
}

func (r *PipelineRunner) update(ctx context.Context, taskID string, u models.TaskUpdate) error {
	return r.registry.Update(ctx, taskID, u)
}

// progress records an in-stage progress tick. A failed tick does not stop
// the task; the next stage transition persists the state again.
func (r *PipelineRunner) progress(ctx context.Context, log zerolog.Logger, taskID string, u models.TaskUpdate) {
	if err := r.update(ctx, taskID, u); err != nil {
		log.Debug().Err(err).Msg("progress update failed")
	}
}

func (r *PipelineRunner) fail(ctx context.Context, log zerolog.Logger, taskID string, cause error) {
	msg := cause.Error()
	err := r.registry.Update(ctx, taskID, models.TaskUpdate{
		Status:  models.Ptr(models.TaskStatusFailed),
		Message: models.Ptr("task failed"),
		Error:   models.Ptr(msg),
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to record task failure")
	}
}

// remoteKeyFor mirrors a cache file's position below cacheDir onto the
// task's remote prefix.
func remoteKeyFor(sourceRef, cacheDir, localPath string) string {
	rel, err := filepath.Rel(cacheDir, localPath)
	if err != nil {
		rel = filepath.Base(localPath)
	}
	return path.Join(strings.Trim(sourceRef, "/"), filepath.ToSlash(rel))
}
