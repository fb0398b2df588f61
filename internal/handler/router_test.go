package handler

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/newswatch/internal/middleware"
)

func newTestRouter(t *testing.T) (http.Handler, *handlerHarness) {
	t.Helper()

	h := newHandlerHarness()
	limiter := middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig())
	t.Cleanup(limiter.Stop)

	router := NewRouter(&RouterDeps{
		Logger:            slog.New(slog.NewTextHandler(io.Discard, nil)),
		CORSAllowedOrigin: "http://localhost:3000",
		RateLimiter:       limiter,
		Jobs:              h.handler,
		Gatherer:          prometheus.NewRegistry(),
	})
	return router, h
}

// ヘルスチェックがレート制限なしで200を返すことを検証
func TestRouter_Healthz(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Errorf("body = %q", rec.Body.String())
	}
}

// /metricsがPrometheus形式で応答することを検証
func TestRouter_Metrics(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

// ジョブトリガーのルーティングを検証
func TestRouter_JobRoutes(t *testing.T) {
	router, h := newTestRouter(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/jobs/pipeline", strings.NewReader(`{"slot":"evening"}`))
	req.RemoteAddr = "192.0.2.1:1234"
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}
	waitFor(t, h.pipeline.slots)

	// GETでのトリガーは許可されない
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/jobs/pipeline", nil)
	req.RemoteAddr = "192.0.2.1:1234"
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
}

// 未定義のルートが404となることを検証
func TestRouter_NotFound(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

// セキュリティヘッダーが全レスポンスに付与されることを検証
func TestRouter_SecurityHeaders(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if got := rec.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q", got)
	}
	if got := rec.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Errorf("X-Frame-Options = %q", got)
	}
}

// ジョブトリガーの専用レート制限が429を返すことを検証
func TestRouter_JobRateLimit(t *testing.T) {
	router, h := newTestRouter(t)

	var last *httptest.ResponseRecorder
	// JobBurst=5を超える連続トリガー
	for i := 0; i < 6; i++ {
		last = httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/jobs/rss", nil)
		req.RemoteAddr = "198.51.100.7:4321"
		router.ServeHTTP(last, req)
		if last.Code == http.StatusAccepted {
			waitFor(t, h.harvest.kinds)
		}
	}

	if last.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", last.Code)
	}
	if last.Header().Get("Retry-After") == "" {
		t.Error("Retry-After header should be set")
	}

	// 別クライアントは制限されない
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/jobs/rss", nil)
	req.RemoteAddr = "203.0.113.9:4321"
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Errorf("status = %d, want 202 for a different client", rec.Code)
	}
	waitFor(t, h.harvest.kinds)
}
