// Package logging builds the process logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/term"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config selects the level and the optional rotating log file.
type Config struct {
	Level      string
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// New returns a logger writing to stderr and, when cfg.File is set, to a
// rotating file. The returned closer releases the file and is never nil.
func New(cfg Config) (zerolog.Logger, io.Closer, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return zerolog.Nop(), io.NopCloser(nil), err
	}

	console := consoleWriter(os.Stderr)
	if cfg.File == "" {
		return build(console, level), io.NopCloser(nil), nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.File), 0o750); err != nil {
		return zerolog.Nop(), io.NopCloser(nil), fmt.Errorf("failed to create log directory: %w", err)
	}
	lj := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    orDefault(cfg.MaxSizeMB, 50),
		MaxBackups: orDefault(cfg.MaxBackups, 5),
		MaxAge:     orDefault(cfg.MaxAgeDays, 30),
		Compress:   true,
	}

	return build(zerolog.MultiLevelWriter(console, lj), level), lj, nil
}

// ParseLevel maps a level name onto a zerolog level. Empty means info.
func ParseLevel(s string) (zerolog.Level, error) {
	if strings.TrimSpace(s) == "" {
		return zerolog.InfoLevel, nil
	}
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(s)))
	if err != nil {
		return zerolog.InfoLevel, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return level, nil
}

func build(w io.Writer, level zerolog.Level) zerolog.Logger {
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

// consoleWriter uses the human-readable writer on a terminal without NO_COLOR
// and JSON otherwise.
func consoleWriter(f *os.File) io.Writer {
	if term.IsTerminal(int(f.Fd())) && os.Getenv("NO_COLOR") == "" {
		return zerolog.ConsoleWriter{Out: f, TimeFormat: time.Kitchen}
	}
	return f
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
