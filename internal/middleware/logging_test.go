package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func captureLog(t *testing.T, status int) map[string]any {
	t.Helper()

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	handler := NewLoggingMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs/crawl-stats", nil))

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log output is not JSON: %q", buf.String())
	}
	return entry
}

// リクエストログにmethod、path、status、duration_msが含まれることを検証
func TestLoggingMiddleware_Fields(t *testing.T) {
	entry := captureLog(t, http.StatusOK)

	if entry["method"] != "GET" || entry["path"] != "/jobs/crawl-stats" {
		t.Errorf("entry = %v", entry)
	}
	if entry["status"] != float64(http.StatusOK) {
		t.Errorf("status = %v", entry["status"])
	}
	if _, ok := entry["duration_ms"]; !ok {
		t.Error("duration_ms should be logged")
	}
	if entry["level"] != "INFO" {
		t.Errorf("level = %v, want INFO", entry["level"])
	}
}

// ステータスコードに応じてログレベルが変わることを検証
func TestLoggingMiddleware_LevelByStatus(t *testing.T) {
	if entry := captureLog(t, http.StatusBadRequest); entry["level"] != "WARN" {
		t.Errorf("4xx level = %v, want WARN", entry["level"])
	}
	if entry := captureLog(t, http.StatusInternalServerError); entry["level"] != "ERROR" {
		t.Errorf("5xx level = %v, want ERROR", entry["level"])
	}
}

// WriteHeaderを呼ばないハンドラーが200として記録されることを検証
func TestLoggingMiddleware_ImplicitOK(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	handler := NewLoggingMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatal(err)
	}
	if entry["status"] != float64(http.StatusOK) {
		t.Errorf("status = %v, want 200", entry["status"])
	}
}
