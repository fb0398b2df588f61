package scraper

import (
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/newswatch/internal/model"
)

const selectorHTML = `<!DOCTYPE html>
<html>
<head>
<meta property="og:image" content="https://example.com/og.jpg">
</head>
<body>
<h1 class="headline">決算発表で株価急騰</h1>
<span class="byline">佐藤花子</span>
<time class="published" datetime="2025-06-01T09:30:00Z">2025年6月1日</time>
<div class="article-body">
<p>同社の四半期決算は市場予想を大きく上回った。</p>
<p>売上高は前年同期比で20パーセント増加した。</p>
</div>
</body>
</html>`

func selectorSubscription() *model.Subscription {
	return &model.Subscription{
		ID:          "sub-sel-1",
		ScraperKind: model.ScraperKindSelector,
		ScraperParams: map[string]string{
			"content_selector": "div.article-body",
			"title_selector":   "h1.headline",
			"author_selector":  "span.byline",
			"date_selector":    "time.published",
		},
	}
}

func newSelectorScraper(t *testing.T) *SelectorScraper {
	t.Helper()
	s, err := NewSelectorScraper(selectorSubscription(), testDeps())
	if err != nil {
		t.Fatalf("NewSelectorScraper failed: %v", err)
	}
	return s
}

// content_selector未設定が構築時エラーになることを検証
func TestNewSelectorScraper_MissingContentSelector(t *testing.T) {
	sub := selectorSubscription()
	delete(sub.ScraperParams, "content_selector")

	if _, err := NewSelectorScraper(sub, testDeps()); err == nil {
		t.Fatal("expected error when content_selector is missing")
	}
}

// セレクタによる抽出を検証
func TestSelectorScraper_Extract_Success(t *testing.T) {
	s := newSelectorScraper(t)
	article := &model.Article{ID: "art-1", URL: "https://example.com/economy/earnings", Status: model.StatusNew}

	s.Extract(selectorHTML, article)

	if article.Status != model.StatusScraped {
		t.Fatalf("Status = %q, want %q (note: %s)", article.Status, model.StatusScraped, article.StatusNote)
	}
	if !strings.Contains(article.Content, "四半期決算") {
		t.Errorf("Content = %q", article.Content)
	}
	if article.Title != "決算発表で株価急騰" {
		t.Errorf("Title = %q", article.Title)
	}
	if len(article.Authors) != 1 || article.Authors[0] != "佐藤花子" {
		t.Errorf("Authors = %v", article.Authors)
	}
	want := time.Date(2025, 6, 1, 9, 30, 0, 0, time.UTC)
	if article.PublishedAt == nil || !article.PublishedAt.Equal(want) {
		t.Errorf("PublishedAt = %v, want %v", article.PublishedAt, want)
	}
	// セレクタ未設定のimageはOGPから補完される
	if article.ImageURL != "https://example.com/og.jpg" {
		t.Errorf("ImageURL = %q, want OGP fallback", article.ImageURL)
	}
}

// 本文セレクタが何もマッチしない場合のERROR遷移を検証
func TestSelectorScraper_Extract_NoMatch(t *testing.T) {
	s := newSelectorScraper(t)
	article := &model.Article{ID: "art-1", URL: "https://example.com/a", Status: model.StatusNew}

	s.Extract("<html><body><p>本文セレクタにマッチしないページ</p></body></html>", article)

	if article.Status != model.StatusError {
		t.Errorf("Status = %q, want %q", article.Status, model.StatusError)
	}
}

// 空HTMLのERROR遷移を検証
func TestSelectorScraper_Extract_EmptyHTML(t *testing.T) {
	s := newSelectorScraper(t)
	article := &model.Article{ID: "art-1", Status: model.StatusNew}

	s.Extract("", article)

	if article.Status != model.StatusError {
		t.Errorf("Status = %q, want %q", article.Status, model.StatusError)
	}
}

// マージ専用: 設定済みフィールドを上書きしないことを検証
func TestSelectorScraper_Extract_MergeOnly(t *testing.T) {
	s := newSelectorScraper(t)
	published := time.Date(2025, 5, 30, 0, 0, 0, 0, time.UTC)
	article := &model.Article{
		ID:          "art-1",
		URL:         "https://example.com/a",
		Title:       "クローラーのタイトル",
		PublishedAt: &published,
		Status:      model.StatusNew,
	}

	s.Extract(selectorHTML, article)

	if article.Title != "クローラーのタイトル" {
		t.Errorf("Title = %q, should not be overwritten", article.Title)
	}
	if !article.PublishedAt.Equal(published) {
		t.Errorf("PublishedAt = %v, should not be overwritten", article.PublishedAt)
	}
}
