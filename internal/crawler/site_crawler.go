package crawler

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/hitoshi/newswatch/internal/model"
)

// siteMaxPages はサイトクローラーのページネーション上限。
// 早期停止条件が満たされない異常な一覧ページへの保険。
const siteMaxPages = 50

// SiteCrawler はサイトの記事一覧ページをページネーションで辿るクローラー。
// ペイウォール付きソースではPageFetcherをブラウザセッション越しの
// 実装に差し替えて使用する。
//
// 早期停止規則: あるページで範囲内の新規記事が0件、かつそれまでに
// dateStartより古い記事を1件以上観測していた場合、次のページは取得しない。
// 一覧の並びが完全な時系列でないソースを許容しつつ、過去への
// 無制限なページネーションを防ぐ。
type SiteCrawler struct {
	sub          *model.Subscription
	fetcher      PageFetcher
	logger       *slog.Logger
	listURL      string // ページ番号を %d で埋め込むURLテンプレート
	itemSelector string
	linkSelector string
	dateSelector string
	dateFormat   string
	baseURL      *url.URL
}

// NewSiteCrawler はSiteCrawlerを構築する。
// list_urlとlink_selectorは必須パラメータ。
func NewSiteCrawler(sub *model.Subscription, deps Deps) (*SiteCrawler, error) {
	listURL := sub.CrawlerParams["list_url"]
	if listURL == "" {
		return nil, fmt.Errorf("サブスクリプション %s にlist_urlが設定されていません", sub.ID)
	}
	if !strings.Contains(listURL, "%d") {
		return nil, fmt.Errorf("サブスクリプション %s のlist_urlにページ番号プレースホルダ %%d がありません", sub.ID)
	}
	linkSelector := sub.CrawlerParams["link_selector"]
	if linkSelector == "" {
		return nil, fmt.Errorf("サブスクリプション %s にlink_selectorが設定されていません", sub.ID)
	}

	base, err := url.Parse(fmt.Sprintf(listURL, 1))
	if err != nil {
		return nil, fmt.Errorf("list_urlのパースに失敗しました: %w", err)
	}

	fetcher := deps.PageFetcher
	if fetcher == nil {
		fetcher = NewHTTPPageFetcher(deps)
	}

	dateFormat := sub.CrawlerParams["date_format"]
	if dateFormat == "" {
		dateFormat = "2006-01-02"
	}

	return &SiteCrawler{
		sub:          sub,
		fetcher:      fetcher,
		logger:       deps.Logger,
		listURL:      listURL,
		itemSelector: sub.CrawlerParams["item_selector"],
		linkSelector: linkSelector,
		dateSelector: sub.CrawlerParams["date_selector"],
		dateFormat:   dateFormat,
		baseURL:      base,
	}, nil
}

// CrawlURLs は一覧ページを1ページ目から辿り、日付範囲内の記事を収集する。
func (c *SiteCrawler) CrawlURLs(ctx context.Context, dateStart, dateEnd time.Time, limit int) ([]model.Article, error) {
	if err := validateWindow(dateStart, dateEnd); err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	var results []model.Article
	seenOlder := false

	for page := 1; page <= siteMaxPages; page++ {
		pageURL := fmt.Sprintf(c.listURL, page)

		html, err := c.fetcher.FetchPage(ctx, pageURL)
		if err != nil {
			return results, fmt.Errorf("一覧ページの取得に失敗しました (page=%d): %w", page, err)
		}

		doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
		if err != nil {
			return results, fmt.Errorf("一覧ページのパースに失敗しました (page=%d): %w", page, err)
		}

		newCount, pageSeenOlder := c.extractPage(doc, dateStart, dateEnd, seen, &results, limit)
		seenOlder = seenOlder || pageSeenOlder

		c.logger.Info("一覧ページをクロールしました",
			slog.String("subscription_id", c.sub.ID),
			slog.Int("page", page),
			slog.Int("new_articles", newCount),
			slog.Bool("seen_older", seenOlder),
		)

		if limit > 0 && len(results) >= limit {
			break
		}
		// 早期停止: 新規0件かつdateStartより古い記事を観測済み
		if newCount == 0 && seenOlder {
			break
		}
	}

	return results, nil
}

// extractPage は1ページ分の記事を抽出してresultsへ追記する。
// 戻り値は範囲内の新規記事数と、dateStartより古い記事を観測したか。
func (c *SiteCrawler) extractPage(doc *goquery.Document, dateStart, dateEnd time.Time, seen map[string]struct{}, results *[]model.Article, limit int) (int, bool) {
	newCount := 0
	seenOlder := false

	items := doc.Find(c.itemSelectorOrLink())
	items.EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		link := sel
		if c.itemSelector != "" {
			link = sel.Find(c.linkSelector).First()
		}

		href, ok := link.Attr("href")
		if !ok || href == "" {
			return true
		}
		absURL := c.resolveURL(href)
		if absURL == "" {
			return true
		}

		publishedAt := c.extractDate(sel)
		if publishedAt != nil && publishedAt.Before(dateStart) {
			seenOlder = true
		}

		if _, dup := seen[absURL]; dup {
			return true
		}
		seen[absURL] = struct{}{}

		if !inWindow(publishedAt, dateStart, dateEnd) {
			return true
		}

		article := model.Article{
			SubscriptionID: c.sub.ID,
			URL:            absURL,
			Title:          strings.TrimSpace(link.Text()),
			PublishedAt:    publishedAt,
			Status:         model.StatusNew,
			CrawledAt:      time.Now().UTC(),
		}
		*results = append(*results, article)
		newCount++

		return !(limit > 0 && len(*results) >= limit)
	})

	return newCount, seenOlder
}

// itemSelectorOrLink はアイテムコンテナのセレクタを返す。
// item_selectorが未設定の場合はリンクセレクタを直接走査する。
func (c *SiteCrawler) itemSelectorOrLink() string {
	if c.itemSelector != "" {
		return c.itemSelector
	}
	return c.linkSelector
}

// extractDate はアイテムから公開日時を抽出する。抽出できない場合はnil。
func (c *SiteCrawler) extractDate(sel *goquery.Selection) *time.Time {
	if c.dateSelector == "" {
		return nil
	}
	dateNode := sel.Find(c.dateSelector).First()
	raw := strings.TrimSpace(dateNode.AttrOr("datetime", ""))
	if raw == "" {
		raw = strings.TrimSpace(dateNode.Text())
	}
	if raw == "" {
		return nil
	}

	// datetime属性はRFC3339、テキストはソース固有フォーマットを試す
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		utc := t.UTC()
		return &utc
	}
	if t, err := time.Parse(c.dateFormat, raw); err == nil {
		utc := t.UTC()
		return &utc
	}
	return nil
}

// resolveURL は相対URLを絶対URLに解決する。
func (c *SiteCrawler) resolveURL(href string) string {
	parsed, err := url.Parse(href)
	if err != nil {
		return ""
	}
	resolved := c.baseURL.ResolveReference(parsed)
	if resolved.Scheme != "http" && resolved.Scheme != "https" {
		return ""
	}
	return resolved.String()
}

// HTTPPageFetcher はSSRF防止付きHTTPクライアントによるPageFetcher実装。
type HTTPPageFetcher struct {
	client      *http.Client
	maxBodySize int64
}

// NewHTTPPageFetcher はHTTPPageFetcherを構築する。
func NewHTTPPageFetcher(deps Deps) *HTTPPageFetcher {
	return &HTTPPageFetcher{
		client:      deps.SSRFGuard.NewSafeClient(deps.FetchTimeout, deps.FetchMaxSize),
		maxBodySize: deps.FetchMaxSize,
	}
}

// FetchPage は一覧ページのHTMLを取得する。
func (f *HTTPPageFetcher) FetchPage(ctx context.Context, pageURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return "", fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("User-Agent", "Newswatch/1.0 News Harvester")

	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("ページのフェッチに失敗しました: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("ページがエラーを返しました: status=%d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBodySize))
	if err != nil {
		return "", fmt.Errorf("ページの読み取りに失敗しました: %w", err)
	}
	return string(body), nil
}
