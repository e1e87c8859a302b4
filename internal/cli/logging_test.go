package cli

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		level string
		debug bool
		want  slog.Level
	}{
		{"", false, slog.LevelInfo},
		{"info", false, slog.LevelInfo},
		{"WARN", false, slog.LevelWarn},
		{"error", false, slog.LevelError},
		{"debug", false, slog.LevelDebug},
		{"error", true, slog.LevelDebug},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.level, tt.debug); got != tt.want {
			t.Errorf("parseLevel(%q, %v) = %v, want %v", tt.level, tt.debug, got, tt.want)
		}
	}
}

func TestNewLogger_JSON(t *testing.T) {
	var buf bytes.Buffer
	log := newLogger("json", slog.LevelInfo, &buf)

	log.Debug("hidden")
	log.Info("Cycle completed", "service", "bsc-usdt", "matched", 2)

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("expected a single JSON record, got %q: %v", buf.String(), err)
	}
	if rec["msg"] != "Cycle completed" || rec["service"] != "bsc-usdt" || rec["matched"] != float64(2) {
		t.Errorf("unexpected record %v", rec)
	}
}

func TestNewLogger_Console(t *testing.T) {
	var buf bytes.Buffer
	log := newLogger("text", slog.LevelInfo, &buf)
	if _, ok := log.Handler().(*slog.JSONHandler); ok {
		t.Fatal("text format must not use the JSON handler")
	}
	log.Info("to console")
	if buf.Len() != 0 {
		t.Errorf("console logger wrote to the json writer: %q", buf.String())
	}
}
