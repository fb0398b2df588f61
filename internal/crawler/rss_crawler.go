package crawler

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/hitoshi/newswatch/internal/model"
)

// RSSCrawler はRSS/Atomフィードから記事URLを発見するクローラー。
type RSSCrawler struct {
	sub         *model.Subscription
	client      *http.Client
	logger      *slog.Logger
	feedURL     string
	maxBodySize int64
}

// NewRSSCrawler はRSSCrawlerを構築する。
// feed_urlパラメータが未設定の場合は構築時にエラーを返す。
func NewRSSCrawler(sub *model.Subscription, deps Deps) (*RSSCrawler, error) {
	feedURL := sub.CrawlerParams["feed_url"]
	if feedURL == "" {
		return nil, fmt.Errorf("サブスクリプション %s にfeed_urlが設定されていません", sub.ID)
	}
	if err := deps.SSRFGuard.ValidateURL(feedURL); err != nil {
		return nil, fmt.Errorf("feed_urlの検証に失敗しました: %w", err)
	}

	return &RSSCrawler{
		sub:         sub,
		client:      deps.SSRFGuard.NewSafeClient(deps.FetchTimeout, deps.FetchMaxSize),
		logger:      deps.Logger,
		feedURL:     feedURL,
		maxBodySize: deps.FetchMaxSize,
	}, nil
}

// CrawlURLs はフィードをフェッチし、日付範囲内の記事を返す。
// フィード内の重複URLは除外され、公開日時はUTCに正規化される。
func (c *RSSCrawler) CrawlURLs(ctx context.Context, dateStart, dateEnd time.Time, limit int) ([]model.Article, error) {
	if err := validateWindow(dateStart, dateEnd); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.feedURL, nil)
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("User-Agent", "Newswatch/1.0 News Harvester")
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/xml, text/xml, */*")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("フィードのフェッチに失敗しました: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("フィードがエラーを返しました: status=%d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("フィードの読み取りに失敗しました: %w", err)
	}

	parser := gofeed.NewParser()
	feed, err := parser.ParseString(string(body))
	if err != nil {
		return nil, fmt.Errorf("フィードのパースに失敗しました: %w", err)
	}

	seen := make(map[string]struct{})
	var results []model.Article

	for _, item := range feed.Items {
		if item == nil || item.Link == "" {
			continue
		}
		if _, ok := seen[item.Link]; ok {
			continue
		}
		seen[item.Link] = struct{}{}

		article := c.toArticle(item)
		if !inWindow(article.PublishedAt, dateStart, dateEnd) {
			continue
		}
		results = append(results, article)

		if limit > 0 && len(results) >= limit {
			break
		}
	}

	c.logger.Info("RSSフィードのクロールが完了しました",
		slog.String("subscription_id", c.sub.ID),
		slog.String("feed_url", c.feedURL),
		slog.Int("feed_items", len(feed.Items)),
		slog.Int("in_window", len(results)),
	)

	return results, nil
}

// toArticle はフィードアイテムを最小限のArticleに変換する。
func (c *RSSCrawler) toArticle(item *gofeed.Item) model.Article {
	article := model.Article{
		SubscriptionID: c.sub.ID,
		URL:            item.Link,
		Title:          item.Title,
		Status:         model.StatusNew,
		CrawledAt:      time.Now().UTC(),
	}

	if item.Author != nil && item.Author.Name != "" {
		article.Authors = []string{item.Author.Name}
	} else if len(item.Authors) > 0 && item.Authors[0] != nil {
		article.Authors = []string{item.Authors[0].Name}
	}

	if item.PublishedParsed != nil {
		utc := item.PublishedParsed.UTC()
		article.PublishedAt = &utc
	} else if item.UpdatedParsed != nil {
		utc := item.UpdatedParsed.UTC()
		article.PublishedAt = &utc
	}

	if item.Image != nil {
		article.ImageURL = item.Image.URL
	}

	return article
}
