package logging

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

func TestInitFallsBackToInfo(t *testing.T) {
	logger, err := Init(Options{App: "test", Level: "not-a-level", Format: "json"})
	if err != nil {
		t.Fatalf("Init() failed: %v", err)
	}
	if logger.GetLevel() != zerolog.InfoLevel {
		t.Errorf("expected info level, got %s", logger.GetLevel())
	}

	logger, _ = Init(Options{App: "test", Level: "debug", Format: "json"})
	if logger.GetLevel() != zerolog.DebugLevel {
		t.Errorf("expected debug level, got %s", logger.GetLevel())
	}
}

func TestInitWritesToOutputPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "netbind.log")
	logger, err := Init(Options{App: "test", Level: "info", Format: "json", OutputPath: path})
	if err != nil {
		t.Fatalf("Init() failed: %v", err)
	}
	logger.Info().Msg("hello")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}
	if !bytes.Contains(data, []byte(`"message":"hello"`)) {
		t.Errorf("expected log line in file, got %q", data)
	}
}

func TestInitBadOutputPath(t *testing.T) {
	if _, err := Init(Options{OutputPath: filepath.Join(t.TempDir(), "missing", "x.log")}); err == nil {
		t.Fatal("expected error for unwritable output path")
	}
}

func TestRequestLoggerLevels(t *testing.T) {
	tests := []struct {
		name   string
		status int
		level  string
	}{
		{"ok", http.StatusOK, "info"},
		{"client error", http.StatusBadRequest, "warn"},
		{"server error", http.StatusInternalServerError, "error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := zerolog.New(&buf)
			handler := RequestLogger(logger, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte("hi"))
			}))

			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

			var entry map[string]any
			if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
				t.Fatalf("failed to parse log line %q: %v", buf.String(), err)
			}
			if entry["level"] != tt.level {
				t.Errorf("expected level %s, got %v", tt.level, entry["level"])
			}
			if entry["path"] != "/health" {
				t.Errorf("expected path /health, got %v", entry["path"])
			}
			if entry["bytes"] != float64(2) {
				t.Errorf("expected 2 bytes, got %v", entry["bytes"])
			}
		})
	}
}
