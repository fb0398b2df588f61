package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/newswatch/internal/harvest"
	"github.com/hitoshi/newswatch/internal/model"
	"github.com/hitoshi/newswatch/internal/pipeline"
)

// fakePipeline はバックグラウンド実行の受け取りをチャネルで通知する。
type fakePipeline struct {
	running  bool
	slots    chan pipeline.Slot
	breaking chan struct{}
}

func newFakePipeline() *fakePipeline {
	return &fakePipeline{
		slots:    make(chan pipeline.Slot, 1),
		breaking: make(chan struct{}, 1),
	}
}

func (f *fakePipeline) Run(ctx context.Context, slot pipeline.Slot) error {
	f.slots <- slot
	return nil
}

func (f *fakePipeline) RunBreakingNews(ctx context.Context) error {
	f.breaking <- struct{}{}
	return nil
}

func (f *fakePipeline) Running() bool { return f.running }

type fakeHarvest struct {
	kinds chan model.CrawlerKind
}

func newFakeHarvest() *fakeHarvest {
	return &fakeHarvest{kinds: make(chan model.CrawlerKind, 1)}
}

func (f *fakeHarvest) RunCrawl(ctx context.Context, kind model.CrawlerKind, dateStart, dateEnd time.Time, limit int) (*harvest.CrawlSummary, error) {
	f.kinds <- kind
	return &harvest.CrawlSummary{}, nil
}

type fakeMatching struct {
	profileIDs chan string
}

func newFakeMatching() *fakeMatching {
	return &fakeMatching{profileIDs: make(chan string, 1)}
}

func (f *fakeMatching) RunForProfile(ctx context.Context, profileID string, pageSize int) error {
	f.profileIDs <- profileID
	return nil
}

type fakeStatsRepo struct {
	stats []*model.CrawlStats
	err   error
}

func (f *fakeStatsRepo) Insert(ctx context.Context, stats *model.CrawlStats) (*model.CrawlStats, error) {
	return stats, nil
}

func (f *fakeStatsRepo) GetByDateRange(ctx context.Context, from, to time.Time) ([]*model.CrawlStats, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.stats, nil
}

type handlerHarness struct {
	handler  *JobHandler
	pipeline *fakePipeline
	harvest  *fakeHarvest
	matching *fakeMatching
	stats    *fakeStatsRepo
}

func newHandlerHarness() *handlerHarness {
	h := &handlerHarness{
		pipeline: newFakePipeline(),
		harvest:  newFakeHarvest(),
		matching: newFakeMatching(),
		stats:    &fakeStatsRepo{},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h.handler = NewJobHandler(h.pipeline, h.harvest, h.matching, h.stats, 50, logger)
	return h
}

func waitFor[T any](t *testing.T, ch chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("background job was not started")
		panic("unreachable")
	}
}

// パイプライントリガーが202を返し、指定スロットで実行されることを検証
func TestTriggerPipeline_Accepted(t *testing.T) {
	h := newHandlerHarness()
	req := httptest.NewRequest(http.MethodPost, "/jobs/pipeline", strings.NewReader(`{"slot":"morning"}`))
	rec := httptest.NewRecorder()

	h.handler.TriggerPipeline(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}
	var resp acceptedResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != "accepted" || resp.Job != "pipeline" {
		t.Errorf("resp = %+v", resp)
	}
	if slot := waitFor(t, h.pipeline.slots); slot != pipeline.SlotMorning {
		t.Errorf("slot = %q, want morning", slot)
	}
}

// 空ボディでは時刻からスロットが推定されることを検証
func TestTriggerPipeline_EmptyBodyInfersSlot(t *testing.T) {
	h := newHandlerHarness()
	req := httptest.NewRequest(http.MethodPost, "/jobs/pipeline", strings.NewReader(""))
	rec := httptest.NewRecorder()

	h.handler.TriggerPipeline(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}
	slot := waitFor(t, h.pipeline.slots)
	if slot != pipeline.SlotMorning && slot != pipeline.SlotEvening {
		t.Errorf("slot = %q", slot)
	}
}

// 実行中のパイプラインへの二重トリガーが409となることを検証
func TestTriggerPipeline_ConflictWhileRunning(t *testing.T) {
	h := newHandlerHarness()
	h.pipeline.running = true
	req := httptest.NewRequest(http.MethodPost, "/jobs/pipeline", strings.NewReader(`{"slot":"evening"}`))
	rec := httptest.NewRecorder()

	h.handler.TriggerPipeline(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["code"] != model.ErrCodeJobRunning {
		t.Errorf("code = %q", body["code"])
	}
}

// 不正なスロット指定が400となることを検証
func TestTriggerPipeline_InvalidSlot(t *testing.T) {
	h := newHandlerHarness()
	req := httptest.NewRequest(http.MethodPost, "/jobs/pipeline", strings.NewReader(`{"slot":"midnight"}`))
	rec := httptest.NewRecorder()

	h.handler.TriggerPipeline(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

// RSSトリガーがRSSクローラーのみを起動することを検証
func TestTriggerRSS(t *testing.T) {
	h := newHandlerHarness()
	req := httptest.NewRequest(http.MethodPost, "/jobs/rss", nil)
	rec := httptest.NewRecorder()

	h.handler.TriggerRSS(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}
	if kind := waitFor(t, h.harvest.kinds); kind != model.CrawlerKindRSS {
		t.Errorf("kind = %q, want rss", kind)
	}
}

// 速報トリガーの受理と実行中の拒否を検証
func TestTriggerBreakingNews(t *testing.T) {
	h := newHandlerHarness()
	rec := httptest.NewRecorder()
	h.handler.TriggerBreakingNews(rec, httptest.NewRequest(http.MethodPost, "/jobs/breaking-news", nil))

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}
	waitFor(t, h.pipeline.breaking)

	h.pipeline.running = true
	rec = httptest.NewRecorder()
	h.handler.TriggerBreakingNews(rec, httptest.NewRequest(http.MethodPost, "/jobs/breaking-news", nil))
	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", rec.Code)
	}
}

// 再マッチングトリガーのprofile_id検証と受理を検証
func TestTriggerRematch(t *testing.T) {
	h := newHandlerHarness()

	// profile_idなしは400
	rec := httptest.NewRecorder()
	h.handler.TriggerRematch(rec, httptest.NewRequest(http.MethodPost, "/jobs/rematch", strings.NewReader(`{}`)))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}

	// 不正なJSONも400
	rec = httptest.NewRecorder()
	h.handler.TriggerRematch(rec, httptest.NewRequest(http.MethodPost, "/jobs/rematch", strings.NewReader(`{`)))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.handler.TriggerRematch(rec, httptest.NewRequest(http.MethodPost, "/jobs/rematch", strings.NewReader(`{"profile_id":"p1"}`)))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}
	if id := waitFor(t, h.matching.profileIDs); id != "p1" {
		t.Errorf("profileID = %q, want p1", id)
	}
}

// クロール統計の取得とバリデーションを検証
func TestGetCrawlStats(t *testing.T) {
	h := newHandlerHarness()
	h.stats.stats = []*model.CrawlStats{{
		SubscriptionID:  "sub-1",
		CrawlDate:       time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC),
		TotalAttempted:  10,
		TotalSuccessful: 8,
		Notes:           "接続失敗",
	}}

	rec := httptest.NewRecorder()
	h.handler.GetCrawlStats(rec, httptest.NewRequest(http.MethodGet,
		"/jobs/crawl-stats?start=2026-01-01&end=2026-01-31", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body struct {
		Stats []crawlStatsResponse `json:"stats"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if len(body.Stats) != 1 || body.Stats[0].SubscriptionID != "sub-1" || body.Stats[0].TotalSuccessful != 8 {
		t.Errorf("stats = %+v", body.Stats)
	}
}

func TestGetCrawlStats_Validation(t *testing.T) {
	tests := []struct {
		name  string
		query string
		want  int
	}{
		{"startなし", "?end=2026-01-31", http.StatusBadRequest},
		{"endなし", "?start=2026-01-01", http.StatusBadRequest},
		{"不正な形式", "?start=Jan-1&end=2026-01-31", http.StatusBadRequest},
		{"逆転した範囲", "?start=2026-01-31&end=2026-01-01", http.StatusBadRequest},
	}

	h := newHandlerHarness()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.handler.GetCrawlStats(rec, httptest.NewRequest(http.MethodGet, "/jobs/crawl-stats"+tt.query, nil))
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

// ストレージ障害が500となり、詳細がレスポンスに漏れないことを検証
func TestGetCrawlStats_StorageError(t *testing.T) {
	h := newHandlerHarness()
	h.stats.err = errors.New("connection refused to 10.0.0.5")

	rec := httptest.NewRecorder()
	h.handler.GetCrawlStats(rec, httptest.NewRequest(http.MethodGet,
		"/jobs/crawl-stats?start=2026-01-01&end=2026-01-31", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "10.0.0.5") {
		t.Error("internal error details should not leak to the response")
	}
}

// UTC時刻からのスロット推定を検証
func TestSlotForHour(t *testing.T) {
	if slotForHour(3) != pipeline.SlotMorning {
		t.Error("3時は朝スロット")
	}
	if slotForHour(11) != pipeline.SlotMorning {
		t.Error("11時は朝スロット")
	}
	if slotForHour(12) != pipeline.SlotEvening {
		t.Error("12時は夕方スロット")
	}
	if slotForHour(23) != pipeline.SlotEvening {
		t.Error("23時は夕方スロット")
	}
}
