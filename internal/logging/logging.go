// Package logging configures the process-wide slog logger: text on
// stderr, plus an optional JSON file with size-based rotation.
package logging

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/eugener/mithril/internal/config"
)

// level backs all installed handlers so the threshold can be adjusted
// at runtime on config reload.
var level slog.LevelVar

// SetLevel adjusts the logging threshold of the installed handlers.
func SetLevel(s string) {
	level.Set(ParseLevel(s))
}

// Setup installs the default slog logger per cfg and returns a cleanup
// func that closes the file rotator. Safe to call with a zero config;
// that yields info-level stderr logging.
func Setup(cfg config.LoggingConfig) (func(), error) {
	level.Set(ParseLevel(cfg.Level))

	stderr := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})

	if cfg.File == "" {
		slog.SetDefault(slog.New(stderr))
		return func() {}, nil
	}

	if dir := filepath.Dir(cfg.File); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	rotator := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   true,
	}
	file := slog.NewJSONHandler(rotator, &slog.HandlerOptions{Level: &level})

	slog.SetDefault(slog.New(&teeHandler{a: stderr, b: file}))
	return func() { _ = rotator.Close() }, nil
}

// ParseLevel maps a config level string to a slog.Level, defaulting to
// info for unknown values.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// teeHandler fans each record out to both destinations.
type teeHandler struct {
	a, b slog.Handler
}

func (h *teeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.a.Enabled(ctx, level) || h.b.Enabled(ctx, level)
}

func (h *teeHandler) Handle(ctx context.Context, rec slog.Record) error {
	var firstErr error
	if h.a.Enabled(ctx, rec.Level) {
		firstErr = h.a.Handle(ctx, rec.Clone())
	}
	if h.b.Enabled(ctx, rec.Level) {
		if err := h.b.Handle(ctx, rec); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (h *teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &teeHandler{a: h.a.WithAttrs(attrs), b: h.b.WithAttrs(attrs)}
}

func (h *teeHandler) WithGroup(name string) slog.Handler {
	return &teeHandler{a: h.a.WithGroup(name), b: h.b.WithGroup(name)}
}
