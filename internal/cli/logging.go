package cli

import (
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"github.com/vietddude/stylelog"
)

// parseLevel maps logging.level to a slog level; debug wins when forced.
func parseLevel(level string, debug bool) slog.Level {
	if debug {
		return slog.LevelDebug
	}
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// newLogger builds the process logger. "json" writes one JSON object per
// record to w; anything else uses the tinted console handler, with colour
// disabled for "text".
func newLogger(format string, level slog.Level, w io.Writer) *slog.Logger {
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
	}
	return stylelog.New(&tint.Options{
		Level:      level,
		TimeFormat: time.RFC3339,
		NoColor:    format == "text",
	})
}
