package crawler

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/hitoshi/newswatch/internal/model"
)

// mockPageFetcher はページ番号ごとのHTMLを返すPageFetcher。
type mockPageFetcher struct {
	pages   map[string]string
	fetched []string
	err     error
}

func (m *mockPageFetcher) FetchPage(ctx context.Context, pageURL string) (string, error) {
	m.fetched = append(m.fetched, pageURL)
	if m.err != nil {
		return "", m.err
	}
	return m.pages[pageURL], nil
}

func siteSubscription() *model.Subscription {
	return &model.Subscription{
		ID:          "sub-site-1",
		Domain:      "example.com",
		CrawlerKind: model.CrawlerKindSite,
		CrawlerParams: map[string]string{
			"list_url":      "https://example.com/news?page=%d",
			"item_selector": "article.item",
			"link_selector": "a.headline",
			"date_selector": "time",
		},
	}
}

func listItem(href, title, datetime string) string {
	return fmt.Sprintf(
		`<article class="item"><a class="headline" href=%q>%s</a><time datetime=%q></time></article>`,
		href, title, datetime)
}

func siteCrawlerWith(t *testing.T, fetcher PageFetcher) *SiteCrawler {
	t.Helper()
	deps := testDeps()
	deps.PageFetcher = fetcher

	c, err := NewSiteCrawler(siteSubscription(), deps)
	if err != nil {
		t.Fatalf("NewSiteCrawler failed: %v", err)
	}
	return c
}

// 必須パラメータの検証
func TestNewSiteCrawler_RequiredParams(t *testing.T) {
	deps := testDeps()

	sub := siteSubscription()
	delete(sub.CrawlerParams, "list_url")
	if _, err := NewSiteCrawler(sub, deps); err == nil {
		t.Error("missing list_url should fail construction")
	}

	sub = siteSubscription()
	sub.CrawlerParams["list_url"] = "https://example.com/news" // %d なし
	if _, err := NewSiteCrawler(sub, deps); err == nil {
		t.Error("list_url without page placeholder should fail construction")
	}

	sub = siteSubscription()
	delete(sub.CrawlerParams, "link_selector")
	if _, err := NewSiteCrawler(sub, deps); err == nil {
		t.Error("missing link_selector should fail construction")
	}
}

// 一覧ページから記事が抽出されることを検証
func TestSiteCrawler_CrawlURLs_ExtractsArticles(t *testing.T) {
	fetcher := &mockPageFetcher{pages: map[string]string{
		"https://example.com/news?page=1": listItem("/politics/a1", "政治記事", "2025-06-01T10:00:00Z") +
			listItem("https://example.com/economy/a2", "経済記事", "2025-06-01T12:00:00Z"),
		// 2ページ目: 新規0件かつ範囲より古い記事 → 早期停止
		"https://example.com/news?page=2": listItem("/old/a3", "古い記事", "2025-05-01T10:00:00Z"),
	}}

	c := siteCrawlerWith(t, fetcher)
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)

	articles, err := c.CrawlURLs(context.Background(), start, end, 0)
	if err != nil {
		t.Fatalf("CrawlURLs failed: %v", err)
	}

	if len(articles) != 2 {
		t.Fatalf("len(articles) = %d, want 2", len(articles))
	}
	// 相対URLが絶対URLに解決されること
	if articles[0].URL != "https://example.com/politics/a1" {
		t.Errorf("URL = %q, want resolved absolute URL", articles[0].URL)
	}
	if articles[0].Title != "政治記事" {
		t.Errorf("Title = %q", articles[0].Title)
	}
}

// 早期停止規則: 新規0件かつ古い記事観測済みで次ページを取得しないことを検証
func TestSiteCrawler_CrawlURLs_EarlyStop(t *testing.T) {
	fetcher := &mockPageFetcher{pages: map[string]string{
		"https://example.com/news?page=1": listItem("/a1", "新しい記事", "2025-06-01T10:00:00Z"),
		"https://example.com/news?page=2": listItem("/a2", "古い記事", "2025-05-01T10:00:00Z"),
		"https://example.com/news?page=3": listItem("/a3", "到達してはならないページ", "2025-06-01T10:00:00Z"),
	}}

	c := siteCrawlerWith(t, fetcher)
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)

	articles, err := c.CrawlURLs(context.Background(), start, end, 0)
	if err != nil {
		t.Fatalf("CrawlURLs failed: %v", err)
	}

	if len(articles) != 1 {
		t.Errorf("len(articles) = %d, want 1", len(articles))
	}
	if len(fetcher.fetched) != 2 {
		t.Errorf("fetched %d pages, want 2 (early stop after page 2): %v", len(fetcher.fetched), fetcher.fetched)
	}
}

// 一覧の並びが時系列でない場合も範囲内の記事を取りこぼさないことを検証
func TestSiteCrawler_CrawlURLs_NonChronologicalListing(t *testing.T) {
	// 1ページ目に古い記事が混ざるが、新規ありなので2ページ目も取得される
	fetcher := &mockPageFetcher{pages: map[string]string{
		"https://example.com/news?page=1": listItem("/a1", "古い記事", "2025-05-01T10:00:00Z") +
			listItem("/a2", "範囲内の記事", "2025-06-01T10:00:00Z"),
		"https://example.com/news?page=2": listItem("/a3", "範囲内の記事2", "2025-06-01T12:00:00Z"),
		"https://example.com/news?page=3": listItem("/a4", "古い記事2", "2025-05-02T10:00:00Z"),
	}}

	c := siteCrawlerWith(t, fetcher)
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)

	articles, err := c.CrawlURLs(context.Background(), start, end, 0)
	if err != nil {
		t.Fatalf("CrawlURLs failed: %v", err)
	}
	if len(articles) != 2 {
		t.Errorf("len(articles) = %d, want 2", len(articles))
	}
}

// ページをまたぐ重複URLが除外されることを検証
func TestSiteCrawler_CrawlURLs_DeduplicatesAcrossPages(t *testing.T) {
	fetcher := &mockPageFetcher{pages: map[string]string{
		"https://example.com/news?page=1": listItem("/a1", "記事", "2025-06-01T10:00:00Z"),
		// 同じ記事が2ページ目にも載っている → 新規0件だがseenOlderでないため続行し、3ページ目で停止
		"https://example.com/news?page=2": listItem("/a1", "記事", "2025-06-01T10:00:00Z"),
		"https://example.com/news?page=3": listItem("/a2", "古い記事", "2025-05-01T10:00:00Z"),
	}}

	c := siteCrawlerWith(t, fetcher)
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)

	articles, err := c.CrawlURLs(context.Background(), start, end, 0)
	if err != nil {
		t.Fatalf("CrawlURLs failed: %v", err)
	}
	if len(articles) != 1 {
		t.Errorf("len(articles) = %d, want 1", len(articles))
	}
}

// limit到達で停止することを検証
func TestSiteCrawler_CrawlURLs_RespectsLimit(t *testing.T) {
	fetcher := &mockPageFetcher{pages: map[string]string{
		"https://example.com/news?page=1": listItem("/a1", "記事1", "2025-06-01T10:00:00Z") +
			listItem("/a2", "記事2", "2025-06-01T11:00:00Z") +
			listItem("/a3", "記事3", "2025-06-01T12:00:00Z"),
	}}

	c := siteCrawlerWith(t, fetcher)
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)

	articles, err := c.CrawlURLs(context.Background(), start, end, 2)
	if err != nil {
		t.Fatalf("CrawlURLs failed: %v", err)
	}
	if len(articles) != 2 {
		t.Errorf("len(articles) = %d, want 2", len(articles))
	}
	if len(fetcher.fetched) != 1 {
		t.Errorf("fetched %d pages, want 1", len(fetcher.fetched))
	}
}

// フェッチ失敗時にそれまでの結果とエラーが返ることを検証
func TestSiteCrawler_CrawlURLs_FetchError(t *testing.T) {
	fetcher := &mockPageFetcher{err: fmt.Errorf("接続失敗")}

	c := siteCrawlerWith(t, fetcher)
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)

	if _, err := c.CrawlURLs(context.Background(), start, end, 0); err == nil {
		t.Fatal("expected error when page fetch fails")
	}
}
