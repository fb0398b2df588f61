package harvest

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/hitoshi/newswatch/internal/browser"
	"github.com/hitoshi/newswatch/internal/crawler"
	"github.com/hitoshi/newswatch/internal/model"
	"github.com/hitoshi/newswatch/internal/scraper"
	"github.com/hitoshi/newswatch/internal/security"
)

// harness はOrchestratorと全モックをまとめたテスト用の組み立て。
type harness struct {
	orch      *Orchestrator
	subs      *mockSubscriptionRepo
	articles  *mockArticleRepo
	stats     *mockStatsRepo
	collector *mockCollector
	factory   *fakeFactory
	box       *security.CredentialBox
}

func newHarness(t *testing.T, subs ...*model.Subscription) *harness {
	t.Helper()

	box, err := security.NewCredentialBox(bytes.Repeat([]byte{0x42}, 32))
	if err != nil {
		t.Fatal(err)
	}

	h := &harness{
		subs:      &mockSubscriptionRepo{subs: subs},
		articles:  newMockArticleRepo(),
		stats:     &mockStatsRepo{},
		collector: newMockCollector(),
		factory:   &fakeFactory{session: &fakeSession{pages: map[string]string{}}},
		box:       box,
	}

	h.orch = NewOrchestrator(
		h.subs, h.articles, h.stats,
		box, h.factory, browser.NewLoginAutomation(discardLogger()),
		h.collector,
		crawler.Deps{Logger: discardLogger()},
		scraper.Deps{Sanitizer: security.NewContentSanitizer(), Logger: discardLogger()},
		Config{
			CrawlConcurrency:    4,
			BrowserConcurrency:  1,
			SubscriptionTimeout: 5 * time.Second,
		},
		discardLogger(),
	)
	return h
}

func testWindow() (time.Time, time.Time) {
	return time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
}

// staticFetcher は固定のHTMLを返すPageFetcher。
type staticFetcher struct {
	html string
}

func (f *staticFetcher) FetchPage(ctx context.Context, pageURL string) (string, error) {
	return f.html, nil
}

func siteSub(id string, paywalled bool) *model.Subscription {
	sub := &model.Subscription{
		ID:          id,
		Name:        "テストニュース",
		Domain:      "news.example.com",
		IsActive:    true,
		IsPaywalled: paywalled,
		CrawlerKind: model.CrawlerKindSite,
		CrawlerParams: map[string]string{
			"list_url":      "https://news.example.com/list?page=%d",
			"link_selector": "a.headline",
			"date_selector": "time",
		},
		ScraperKind: model.ScraperKindReadability,
	}
	return sub
}

// 記事2件（うち1件は範囲より古い）の一覧ページHTML。
const listPageHTML = `<html><body>
<a class="headline" href="https://news.example.com/a1">記事1</a><time datetime="2025-06-01T10:00:00Z"></time>
<a class="headline" href="https://news.example.com/a2">記事2</a><time datetime="2025-06-01T11:00:00Z"></time>
<a class="headline" href="https://news.example.com/old">古い記事</a><time datetime="2025-05-01T10:00:00Z"></time>
</body></html>`

// 日付範囲が不正な場合に即座にエラーとなることを検証
func TestRunCrawl_InvalidDateRange(t *testing.T) {
	h := newHarness(t)
	start, end := testWindow()

	_, err := h.orch.RunCrawl(context.Background(), model.CrawlerKindSite, end, start, 0)
	if err == nil {
		t.Fatal("expected error for inverted date range")
	}
}

// 非ペイウォールサイトのクロールと挿入を検証
func TestRunCrawl_InsertsDiscoveredArticles(t *testing.T) {
	h := newHarness(t, siteSub("sub-1", false))
	h.orch.crawlerDeps.PageFetcher = &staticFetcher{html: listPageHTML}
	start, end := testWindow()

	summary, err := h.orch.RunCrawl(context.Background(), model.CrawlerKindSite, start, end, 0)
	if err != nil {
		t.Fatalf("RunCrawl failed: %v", err)
	}

	if summary.Subscriptions != 1 || summary.Failed != 0 {
		t.Errorf("summary = %+v", summary)
	}
	if summary.Attempted != 2 || summary.Inserted != 2 {
		t.Errorf("Attempted=%d Inserted=%d, want 2/2", summary.Attempted, summary.Inserted)
	}

	// 挿入された記事はNEW状態でUUIDとクロール日時を持つ
	a := h.articles.byURL["https://news.example.com/a1"]
	if a == nil {
		t.Fatal("article a1 should be inserted")
	}
	if a.Status != model.StatusNew {
		t.Errorf("Status = %q, want NEW", a.Status)
	}
	if a.ID == "" {
		t.Error("ID should be assigned")
	}
	if a.SubscriptionID != "sub-1" {
		t.Errorf("SubscriptionID = %q", a.SubscriptionID)
	}

	if h.collector.crawlSuccess != 1 || h.collector.inserted != 2 {
		t.Errorf("collector: success=%d inserted=%d", h.collector.crawlSuccess, h.collector.inserted)
	}
	if len(h.stats.inserted) != 1 {
		t.Fatalf("stats records = %d, want 1", len(h.stats.inserted))
	}
	if h.stats.inserted[0].TotalAttempted != 2 || h.stats.inserted[0].TotalSuccessful != 2 {
		t.Errorf("stats = %+v", h.stats.inserted[0])
	}
}

// URL重複が挿入数に含まれないことを検証
func TestRunCrawl_DeduplicatesByURL(t *testing.T) {
	h := newHarness(t, siteSub("sub-1", false))
	h.orch.crawlerDeps.PageFetcher = &staticFetcher{html: listPageHTML}
	// a1 は既にDBに存在する
	h.articles.byURL["https://news.example.com/a1"] = &model.Article{URL: "https://news.example.com/a1"}
	start, end := testWindow()

	summary, err := h.orch.RunCrawl(context.Background(), model.CrawlerKindSite, start, end, 0)
	if err != nil {
		t.Fatalf("RunCrawl failed: %v", err)
	}

	if summary.Attempted != 2 {
		t.Errorf("Attempted = %d, want 2", summary.Attempted)
	}
	if summary.Inserted != 1 {
		t.Errorf("Inserted = %d, want 1 (a1 is a duplicate)", summary.Inserted)
	}
}

// 1サブスクリプションの失敗が他へ波及しないことを検証
func TestRunCrawl_FailureIsolation(t *testing.T) {
	broken := siteSub("sub-broken", false)
	delete(broken.CrawlerParams, "list_url") // 構築時エラーを誘発

	h := newHarness(t, broken, siteSub("sub-ok", false))
	h.orch.crawlerDeps.PageFetcher = &staticFetcher{html: listPageHTML}
	start, end := testWindow()

	summary, err := h.orch.RunCrawl(context.Background(), model.CrawlerKindSite, start, end, 0)
	if err != nil {
		t.Fatalf("RunCrawl should not fail as a whole: %v", err)
	}

	if summary.Failed != 1 {
		t.Errorf("Failed = %d, want 1", summary.Failed)
	}
	if summary.Inserted != 2 {
		t.Errorf("Inserted = %d, want 2 from the healthy subscription", summary.Inserted)
	}
	if h.collector.crawlFailure != 1 || h.collector.crawlSuccess != 1 {
		t.Errorf("collector: failure=%d success=%d", h.collector.crawlFailure, h.collector.crawlSuccess)
	}

	// 失敗したサブスクリプションも統計に記録される
	foundBroken := false
	for _, s := range h.stats.inserted {
		if s.SubscriptionID == "sub-broken" && s.Notes != "" {
			foundBroken = true
		}
	}
	if !foundBroken {
		t.Error("failed subscription should have a stats record with notes")
	}
}

func paywalledSub(t *testing.T, h *harness, id string) *model.Subscription {
	t.Helper()
	sub := siteSub(id, true)
	secret, err := h.box.Encrypt("paywall-password")
	if err != nil {
		t.Fatal(err)
	}
	sub.Username = "reader@example.com"
	sub.SecretEncrypted = secret
	sub.LoginSelectors = model.LoginSelectors{
		Username: "#user",
		Password: "#pass",
		Submit:   "#submit",
	}
	sub.ScraperParams = map[string]string{"login_url": "https://news.example.com/login"}
	return sub
}

// ペイウォール付きサイトがログイン済みセッション越しにクロールされることを検証
func TestRunCrawl_PaywalledUsesAuthenticatedSession(t *testing.T) {
	h := newHarness(t)
	sub := paywalledSub(t, h, "sub-pw")
	h.subs.subs = []*model.Subscription{sub}
	h.factory.session.pages["https://news.example.com/list?page=1"] = listPageHTML
	start, end := testWindow()

	summary, err := h.orch.RunCrawl(context.Background(), model.CrawlerKindSite, start, end, 0)
	if err != nil {
		t.Fatalf("RunCrawl failed: %v", err)
	}

	if summary.Inserted != 2 {
		t.Errorf("Inserted = %d, want 2", summary.Inserted)
	}
	if len(h.collector.loginAttempts) != 1 || !h.collector.loginAttempts[0] {
		t.Errorf("loginAttempts = %v, want one success", h.collector.loginAttempts)
	}
	if len(h.subs.touchedIDs) != 1 || h.subs.touchedIDs[0] != "sub-pw" {
		t.Errorf("touchedIDs = %v", h.subs.touchedIDs)
	}
	if !h.factory.session.closed {
		t.Error("session should be closed after the crawl")
	}

	// ログインページへの遷移が一覧ページより先に行われている
	calls := h.factory.session.calls
	if len(calls) < 2 || calls[0] != "navigate:https://news.example.com/login" {
		t.Errorf("calls = %v, want login navigation first", calls)
	}
}

// ログイン失敗がサブスクリプション単位の失敗となることを検証
func TestRunCrawl_PaywalledLoginFailure(t *testing.T) {
	h := newHarness(t)
	sub := paywalledSub(t, h, "sub-pw")
	h.subs.subs = []*model.Subscription{sub}
	h.factory.session.loginFails = true
	start, end := testWindow()

	summary, err := h.orch.RunCrawl(context.Background(), model.CrawlerKindSite, start, end, 0)
	if err != nil {
		t.Fatalf("RunCrawl should not fail as a whole: %v", err)
	}

	if summary.Failed != 1 || summary.Inserted != 0 {
		t.Errorf("summary = %+v", summary)
	}
	if len(h.collector.loginAttempts) != 1 || h.collector.loginAttempts[0] {
		t.Errorf("loginAttempts = %v, want one failure", h.collector.loginAttempts)
	}
	if !h.factory.session.closed {
		t.Error("session should be closed after login failure")
	}
}

// 資格情報が構成されていないペイウォールサイトはログインなしで続行することを検証
func TestRunCrawl_PaywalledWithoutCredentials(t *testing.T) {
	h := newHarness(t)
	sub := siteSub("sub-pw", true) // HasCredentials() == false
	h.subs.subs = []*model.Subscription{sub}
	h.factory.session.pages["https://news.example.com/list?page=1"] = listPageHTML
	start, end := testWindow()

	summary, err := h.orch.RunCrawl(context.Background(), model.CrawlerKindSite, start, end, 0)
	if err != nil {
		t.Fatalf("RunCrawl failed: %v", err)
	}

	if summary.Inserted != 2 {
		t.Errorf("Inserted = %d, want 2", summary.Inserted)
	}
	if len(h.collector.loginAttempts) != 0 {
		t.Errorf("loginAttempts = %v, want none", h.collector.loginAttempts)
	}
}

// joinNotesの重複排除を検証
func TestJoinNotes(t *testing.T) {
	got := joinNotes([]string{"接続失敗", "", "抽出失敗", "接続失敗"})
	want := "接続失敗; 抽出失敗"
	if got != want {
		t.Errorf("joinNotes = %q, want %q", got, want)
	}

	if joinNotes(nil) != "" {
		t.Error("joinNotes(nil) should be empty")
	}
}
