// Package handler はジョブトリガーと観測用エンドポイントのHTTPハンドラーを提供する。
// ジョブAPIは薄いトリガーであり、実処理はバックグラウンドで実行される。
package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/newswatch/internal/harvest"
	"github.com/hitoshi/newswatch/internal/middleware"
	"github.com/hitoshi/newswatch/internal/model"
	"github.com/hitoshi/newswatch/internal/pipeline"
	"github.com/hitoshi/newswatch/internal/repository"
)

// jobTimeout はバックグラウンドジョブ1回の実行時間上限。
const jobTimeout = 2 * time.Hour

// PipelineService はパイプライン実行のインターフェース。
type PipelineService interface {
	// Run はパイプライン全体を指定スロットで実行する。
	Run(ctx context.Context, slot pipeline.Slot) error
	// RunBreakingNews は速報用の短縮パイプラインを実行する。
	RunBreakingNews(ctx context.Context) error
	// Running はパイプラインが実行中かを返す。
	Running() bool
}

// HarvestService はハーベスト実行のインターフェース。
type HarvestService interface {
	// RunCrawl は指定種別のクロールを実行する。
	RunCrawl(ctx context.Context, kind model.CrawlerKind, dateStart, dateEnd time.Time, limit int) (*harvest.CrawlSummary, error)
}

// MatchingService は再マッチング実行のインターフェース。
type MatchingService interface {
	// RunForProfile は単一プロファイルの再マッチングを実行する。
	RunForProfile(ctx context.Context, profileID string, pageSize int) error
}

// JobHandler はジョブトリガーのHTTPハンドラー。
type JobHandler struct {
	driver   PipelineService
	orch     HarvestService
	matching MatchingService
	stats    repository.CrawlStatsRepository
	logger   *slog.Logger
	pageSize int
}

// NewJobHandler はJobHandlerを生成する。
func NewJobHandler(
	driver PipelineService,
	orch HarvestService,
	matching MatchingService,
	stats repository.CrawlStatsRepository,
	pageSize int,
	logger *slog.Logger,
) *JobHandler {
	return &JobHandler{
		driver:   driver,
		orch:     orch,
		matching: matching,
		stats:    stats,
		logger:   logger,
		pageSize: pageSize,
	}
}

// pipelineRequest はパイプライントリガーのリクエストボディ。
type pipelineRequest struct {
	Slot string `json:"slot,omitempty"`
}

// acceptedResponse はジョブ受理のレスポンス。
type acceptedResponse struct {
	Status string `json:"status"`
	Job    string `json:"job"`
}

// TriggerPipeline はパイプライン全体の実行をトリガーする。
// POST /jobs/pipeline  ボディ: {"slot": "morning"|"evening"}（省略時は時刻から推定）
// 実行中の場合は409を返す。受理時は202で即座に応答し、実処理は
// バックグラウンドで継続される。
func (h *JobHandler) TriggerPipeline(w http.ResponseWriter, r *http.Request) {
	if h.driver.Running() {
		writeAPIErrorResponse(w, http.StatusConflict, model.NewJobAlreadyRunningError("pipeline"))
		return
	}

	var req pipelineRequest
	if r.Body != nil {
		// 空ボディは許容する
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	slot := pipeline.Slot(req.Slot)
	switch slot {
	case pipeline.SlotMorning, pipeline.SlotEvening:
	case "":
		slot = slotForHour(time.Now().UTC().Hour())
	default:
		writeAPIErrorResponse(w, http.StatusBadRequest,
			model.NewInvalidRequestError("slotはmorningまたはeveningを指定してください"))
		return
	}

	h.runInBackground("pipeline", func(ctx context.Context) error {
		return h.driver.Run(ctx, slot)
	})
	writeAccepted(w, "pipeline")
}

// TriggerRSS はRSSソースのみの即時クロールをトリガーする。
// POST /jobs/rss
func (h *JobHandler) TriggerRSS(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()
	dateStart := now.Truncate(24 * time.Hour)

	h.runInBackground("rss", func(ctx context.Context) error {
		_, err := h.orch.RunCrawl(ctx, model.CrawlerKindRSS, dateStart, now, 0)
		return err
	})
	writeAccepted(w, "rss")
}

// TriggerBreakingNews は速報パイプラインをトリガーする。
// POST /jobs/breaking-news
func (h *JobHandler) TriggerBreakingNews(w http.ResponseWriter, r *http.Request) {
	if h.driver.Running() {
		writeAPIErrorResponse(w, http.StatusConflict, model.NewJobAlreadyRunningError("pipeline"))
		return
	}

	h.runInBackground("breaking-news", func(ctx context.Context) error {
		return h.driver.RunBreakingNews(ctx)
	})
	writeAccepted(w, "breaking-news")
}

// rematchRequest は再マッチングトリガーのリクエストボディ。
type rematchRequest struct {
	ProfileID string `json:"profile_id"`
}

// TriggerRematch は単一プロファイルの再マッチングをトリガーする。
// POST /jobs/rematch  ボディ: {"profile_id": "..."}
func (h *JobHandler) TriggerRematch(w http.ResponseWriter, r *http.Request) {
	var req rematchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ProfileID == "" {
		writeAPIErrorResponse(w, http.StatusBadRequest,
			model.NewInvalidRequestError("profile_idは必須です"))
		return
	}

	h.runInBackground("rematch", func(ctx context.Context) error {
		return h.matching.RunForProfile(ctx, req.ProfileID, h.pageSize)
	})
	writeAccepted(w, "rematch")
}

// crawlStatsResponse はクロール統計1件のレスポンス。
type crawlStatsResponse struct {
	SubscriptionID  string    `json:"subscription_id"`
	CrawlDate       time.Time `json:"crawl_date"`
	TotalAttempted  int       `json:"total_attempted"`
	TotalSuccessful int       `json:"total_successful"`
	Notes           string    `json:"notes,omitempty"`
}

// GetCrawlStats は期間内のクロール統計を返す。
// GET /jobs/crawl-stats?start=2026-01-01&end=2026-01-31
func (h *JobHandler) GetCrawlStats(w http.ResponseWriter, r *http.Request) {
	start, err := time.Parse("2006-01-02", r.URL.Query().Get("start"))
	if err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest,
			model.NewInvalidRequestError("startはYYYY-MM-DD形式で指定してください"))
		return
	}
	end, err := time.Parse("2006-01-02", r.URL.Query().Get("end"))
	if err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest,
			model.NewInvalidRequestError("endはYYYY-MM-DD形式で指定してください"))
		return
	}
	if start.After(end) {
		writeAPIErrorResponse(w, http.StatusBadRequest,
			model.NewInvalidDateRangeError(start.Format("2006-01-02")+" > "+end.Format("2006-01-02")))
		return
	}

	found, err := h.stats.GetByDateRange(r.Context(), start, end)
	if err != nil {
		h.logger.Error("クロール統計の取得に失敗しました",
			slog.String("error", err.Error()),
		)
		middleware.WriteInternalServerError(w)
		return
	}

	resp := make([]crawlStatsResponse, 0, len(found))
	for _, s := range found {
		resp = append(resp, crawlStatsResponse{
			SubscriptionID:  s.SubscriptionID,
			CrawlDate:       s.CrawlDate,
			TotalAttempted:  s.TotalAttempted,
			TotalSuccessful: s.TotalSuccessful,
			Notes:           s.Notes,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"stats": resp})
}

// runInBackground はジョブをHTTPリクエストから切り離して実行する。
// リクエストのキャンセルはジョブに伝播させない。
func (h *JobHandler) runInBackground(name string, fn func(ctx context.Context) error) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
		defer cancel()

		h.logger.Info("バックグラウンドジョブを開始します", slog.String("job", name))
		if err := fn(ctx); err != nil {
			h.logger.Error("バックグラウンドジョブが失敗しました",
				slog.String("job", name),
				slog.String("error", err.Error()),
			)
			return
		}
		h.logger.Info("バックグラウンドジョブが完了しました", slog.String("job", name))
	}()
}

// slotForHour はUTC時刻からパイプラインスロットを推定する。
// 正午より前は朝スロットとして扱う。
func slotForHour(hour int) pipeline.Slot {
	if hour < 12 {
		return pipeline.SlotMorning
	}
	return pipeline.SlotEvening
}

// writeAccepted は202 Acceptedレスポンスを書き込む。
func writeAccepted(w http.ResponseWriter, job string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(acceptedResponse{Status: "accepted", Job: job})
}

// writeAPIErrorResponse は統一エラーフォーマットでレスポンスを書き込む。
func writeAPIErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	middleware.WriteErrorResponse(w, statusCode, apiErr)
}
