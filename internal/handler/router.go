package handler

import (
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/newswatch/internal/metrics"
	"github.com/hitoshi/newswatch/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger            *slog.Logger
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	Jobs              *JobHandler
	Gatherer          prometheus.Gatherer
	DB                *sql.DB
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → SecurityHeaders → CORS → Logging → RateLimit(General)
//
// ジョブトリガーにはさらにジョブ専用のレート制限が重なる。
// /healthz と /metrics はレート制限の外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))
	r.Use(middleware.NewLoggingMiddleware(deps.Logger))

	// 監視系エンドポイント
	r.Get("/healthz", healthzHandler(deps.DB))
	r.Handle("/metrics", metrics.Handler(deps.Gatherer))

	r.Group(func(r chi.Router) {
		r.Use(deps.RateLimiter.GeneralMiddleware())

		r.Route("/jobs", func(r chi.Router) {
			// ジョブトリガー（専用レート制限付き）
			r.With(deps.RateLimiter.JobMiddleware()).Post("/pipeline", deps.Jobs.TriggerPipeline)
			r.With(deps.RateLimiter.JobMiddleware()).Post("/rss", deps.Jobs.TriggerRSS)
			r.With(deps.RateLimiter.JobMiddleware()).Post("/breaking-news", deps.Jobs.TriggerBreakingNews)
			r.With(deps.RateLimiter.JobMiddleware()).Post("/rematch", deps.Jobs.TriggerRematch)

			// 観測系
			r.Get("/crawl-stats", deps.Jobs.GetCrawlStats)
		})
	})

	return r
}

// healthzHandler はDB接続を確認するヘルスチェックハンドラーを返す。
func healthzHandler(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		if db != nil {
			if err := db.PingContext(r.Context()); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				json.NewEncoder(w).Encode(map[string]string{
					"status": "unhealthy",
					"reason": "database unreachable",
				})
				return
			}
		}

		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}
}
