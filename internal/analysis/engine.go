// Package analysis wraps the inference backends that turn settlement
// screenshots into score sheets and score sheets into a written analysis.
package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	apperrors "github.com/jengzang/mahjong-analysis-go/internal/errors"
)

// DefaultSystemInstruction frames every request sent to the model.
const DefaultSystemInstruction = "You are a mahjong expert and mahjong game analyst, skilled at score keeping and game analysis."

// DefaultExtractPrompt asks for one settlement screenshot as a score sheet.
const DefaultExtractPrompt = `Study this mahjong settlement screenshot carefully.
For every player shown, report the player name, each scoring pattern with its fan,
the winning hand type with its multiplier (not its fan), the total fan, whether the
player is the dealer, the dealer streak, the base score and the signed score change.
Classify how the hand ended in "settlement". If nobody won, use "exhaustive_draw".
Answer with JSON only.`

// Analyzer is the interface every inference backend implements.
type Analyzer interface {
	// AnalyzeOne extracts a score sheet from a single image. The result is
	// raw JSON; callers validate it against the score schema.
	AnalyzeOne(ctx context.Context, itemPath, prompt string) (json.RawMessage, error)

	// StreamHolistic analyzes the merged score sheets at aggregatePath and
	// delivers the answer through onChunk as it is generated.
	StreamHolistic(ctx context.Context, aggregatePath, prompt string, onChunk func(string)) error

	// AnalyzeHolistic is the non-streaming form of StreamHolistic.
	AnalyzeHolistic(ctx context.Context, aggregatePath, prompt string) (string, error)
}

// Config holds the settings shared by all backends.
type Config struct {
	Host              string
	Model             string
	Timeout           time.Duration
	SystemInstruction string
}

// BackendFactory creates an analyzer for a backend.
type BackendFactory func(cfg Config, logger zerolog.Logger) (Analyzer, error)

// backendRegistry maps backend names to factories. Backends register
// themselves from init.
var backendRegistry = make(map[string]BackendFactory)

// RegisterBackend registers a factory under name, replacing any previous one.
func RegisterBackend(name string, factory BackendFactory) {
	backendRegistry[name] = factory
}

// NewAnalyzer builds the analyzer registered under name.
func NewAnalyzer(name string, cfg Config, logger zerolog.Logger) (Analyzer, error) {
	factory, ok := backendRegistry[name]
	if !ok {
		return nil, fmt.Errorf("%q (available: %v): %w", name, Backends(), apperrors.ErrUnknownBackend)
	}
	return factory(cfg, logger)
}

// Backends lists the registered backend names in sorted order.
func Backends() []string {
	names := make([]string, 0, len(backendRegistry))
	for name := range backendRegistry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
