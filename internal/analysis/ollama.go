package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/ollama/ollama/api"
	"github.com/rs/zerolog"

	apperrors "github.com/jengzang/mahjong-analysis-go/internal/errors"
)

// BackendOllama is the registry name of the Ollama backend.
const BackendOllama = "ollama"

func init() {
	RegisterBackend(BackendOllama, func(cfg Config, logger zerolog.Logger) (Analyzer, error) {
		return NewOllamaAnalyzer(cfg, logger)
	})
}

// OllamaAnalyzer runs analyses against a vision-capable model served by
// Ollama.
type OllamaAnalyzer struct {
	client *api.Client
	model  string
	system string
	format json.RawMessage
	logger zerolog.Logger
}

// NewOllamaAnalyzer creates an analyzer talking to the Ollama server at
// cfg.Host.
func NewOllamaAnalyzer(cfg Config, logger zerolog.Logger) (*OllamaAnalyzer, error) {
	if cfg.Model == "" {
		return nil, apperrors.Wrap(apperrors.ErrEmptyValue, "analysis model")
	}
	base, err := url.Parse(cfg.Host)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid ollama host %q: %w", cfg.Host, apperrors.ErrConfigInvalid)
	}

	format, err := ScoreSchemaJSON()
	if err != nil {
		return nil, err
	}

	system := cfg.SystemInstruction
	if system == "" {
		system = DefaultSystemInstruction
	}

	return &OllamaAnalyzer{
		client: api.NewClient(base, &http.Client{Timeout: cfg.Timeout}),
		model:  cfg.Model,
		system: system,
		format: format,
		logger: logger.With().Str("component", "analyzer").Str("backend", BackendOllama).Logger(),
	}, nil
}

// AnalyzeOne sends the image with the score schema as structured output
// format and returns the JSON object from the answer.
func (a *OllamaAnalyzer) AnalyzeOne(ctx context.Context, itemPath, prompt string) (json.RawMessage, error) {
	image, err := os.ReadFile(itemPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read image: %w", err)
	}

	stream := false
	req := &api.GenerateRequest{
		Model:  a.model,
		System: a.system,
		Prompt: prompt,
		Images: []api.ImageData{image},
		Format: a.format,
		Stream: &stream,
	}

	var answer strings.Builder
	err = a.client.Generate(ctx, req, func(resp api.GenerateResponse) error {
		answer.WriteString(resp.Response)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ollama generate: %w", err)
	}

	a.logger.Debug().Str("item", itemPath).Int("chars", answer.Len()).Msg("image analyzed")
	return ExtractJSON(answer.String()), nil
}

// StreamHolistic streams the analysis of the merged score sheets.
func (a *OllamaAnalyzer) StreamHolistic(ctx context.Context, aggregatePath, prompt string, onChunk func(string)) error {
	req, err := a.holisticRequest(aggregatePath, prompt, true)
	if err != nil {
		return err
	}

	err = a.client.Generate(ctx, req, func(resp api.GenerateResponse) error {
		if resp.Response != "" {
			onChunk(resp.Response)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("ollama generate stream: %w", err)
	}
	return nil
}

// AnalyzeHolistic returns the whole analysis of the merged score sheets.
func (a *OllamaAnalyzer) AnalyzeHolistic(ctx context.Context, aggregatePath, prompt string) (string, error) {
	req, err := a.holisticRequest(aggregatePath, prompt, false)
	if err != nil {
		return "", err
	}

	var answer strings.Builder
	err = a.client.Generate(ctx, req, func(resp api.GenerateResponse) error {
		answer.WriteString(resp.Response)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("ollama generate: %w", err)
	}
	return answer.String(), nil
}

// holisticRequest inlines the aggregate document after the user prompt.
func (a *OllamaAnalyzer) holisticRequest(aggregatePath, prompt string, stream bool) (*api.GenerateRequest, error) {
	aggregate, err := os.ReadFile(aggregatePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read aggregate: %w", err)
	}

	var b strings.Builder
	b.WriteString(prompt)
	b.WriteString("\n\nScore sheets extracted from every settlement screenshot, as a JSON array:\n")
	b.Write(aggregate)

	return &api.GenerateRequest{
		Model:  a.model,
		System: a.system,
		Prompt: b.String(),
		Stream: &stream,
	}, nil
}
