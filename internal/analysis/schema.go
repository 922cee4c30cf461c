package analysis

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"

	apperrors "github.com/jengzang/mahjong-analysis-go/internal/errors"
	"github.com/jengzang/mahjong-analysis-go/internal/models"
)

var (
	schemaOnce     sync.Once
	scoreSchema    *jsonschema.Schema
	scoreResolved  *jsonschema.Resolved
	scoreSchemaErr error
)

func loadScoreSchema() {
	schema, err := jsonschema.For[models.ScoreSheet](nil)
	if err != nil {
		scoreSchemaErr = fmt.Errorf("failed to infer score schema: %w", err)
		return
	}
	// Model output often carries extra commentary keys; accept them.
	allowExtraProperties(schema)

	resolved, err := schema.Resolve(nil)
	if err != nil {
		scoreSchemaErr = fmt.Errorf("failed to resolve score schema: %w", err)
		return
	}
	scoreSchema, scoreResolved = schema, resolved
}

func allowExtraProperties(s *jsonschema.Schema) {
	if s == nil {
		return
	}
	s.AdditionalProperties = nil
	for _, p := range s.Properties {
		allowExtraProperties(p)
	}
	allowExtraProperties(s.Items)
}

// ScoreSchema returns the JSON schema of models.ScoreSheet.
func ScoreSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(loadScoreSchema)
	return scoreSchema, scoreSchemaErr
}

// ScoreSchemaJSON returns the schema encoded for a model's structured
// output parameter.
func ScoreSchemaJSON() (json.RawMessage, error) {
	schema, err := ScoreSchema()
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("failed to encode score schema: %w", err)
	}
	return data, nil
}

// DecodeScoreSheet validates raw against the score schema and decodes it.
// Violations wrap ErrSchemaViolation.
func DecodeScoreSheet(raw []byte) (*models.ScoreSheet, error) {
	schemaOnce.Do(loadScoreSchema)
	if scoreSchemaErr != nil {
		return nil, scoreSchemaErr
	}

	raw = bytes.TrimSpace(raw)
	var instance map[string]interface{}
	if err := json.Unmarshal(raw, &instance); err != nil {
		return nil, fmt.Errorf("%v: %w", err, apperrors.ErrSchemaViolation)
	}
	if err := scoreResolved.Validate(instance); err != nil {
		return nil, fmt.Errorf("%v: %w", err, apperrors.ErrSchemaViolation)
	}

	var sheet models.ScoreSheet
	if err := json.Unmarshal(raw, &sheet); err != nil {
		return nil, fmt.Errorf("%v: %w", err, apperrors.ErrSchemaViolation)
	}
	return &sheet, nil
}

// ExtractJSON returns the JSON object embedded in a model answer, dropping
// Markdown code fences and any prose around the outermost braces.
func ExtractJSON(text string) []byte {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}
	return []byte(strings.TrimSpace(text))
}
