package crawler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/newswatch/internal/model"
)

const (
	// apiPageSize は1リクエストあたりの取得件数。
	apiPageSize = 100
	// apiMaxPages はページネーションの上限。インデックスAPIの
	// 深いページは重複が多いため打ち切る。
	apiMaxPages = 10
	// apiRequestsPerSecond はニュースインデックスAPIへのレート制限。
	apiRequestsPerSecond = 2
)

// APICrawler はニュースインデックスAPIを照会するクローラー。
// ブラウザを必要としないため高い並列数で実行できる。
type APICrawler struct {
	sub      *model.Subscription
	client   *http.Client
	limiter  *rate.Limiter
	logger   *slog.Logger
	endpoint string
	apiKey   string
	query    string
}

// NewAPICrawler はAPICrawlerを構築する。
// APIキーはサブスクリプションのパラメータを優先し、なければ共有設定を使用する。
// キーが両方とも未設定の場合は構築時にエラーを返す。
func NewAPICrawler(sub *model.Subscription, deps Deps) (*APICrawler, error) {
	apiKey := sub.CrawlerParams["api_key"]
	if apiKey == "" {
		apiKey = deps.NewsAPIKey
	}
	if apiKey == "" {
		return nil, model.NewMissingAPIKeyError("NEWS_API_KEY")
	}

	endpoint := sub.CrawlerParams["endpoint"]
	if endpoint == "" {
		endpoint = deps.NewsAPIEndpoint
	}

	query := sub.CrawlerParams["query"]
	if query == "" {
		query = sub.Domain
	}

	return &APICrawler{
		sub:      sub,
		client:   deps.SSRFGuard.NewSafeClient(deps.FetchTimeout, deps.FetchMaxSize),
		limiter:  rate.NewLimiter(rate.Limit(apiRequestsPerSecond), 1),
		logger:   deps.Logger,
		endpoint: endpoint,
		apiKey:   apiKey,
		query:    query,
	}, nil
}

// indexResponse はニュースインデックスAPIのレスポンス。
type indexResponse struct {
	Status       string         `json:"status"`
	TotalResults int            `json:"totalResults"`
	Articles     []indexArticle `json:"articles"`
}

// indexArticle はインデックスAPIが返す記事レコード。
type indexArticle struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	URL         string `json:"url"`
	ImageURL    string `json:"urlToImage"`
	Author      string `json:"author"`
	PublishedAt string `json:"publishedAt"`
}

// CrawlURLs は日付範囲内の候補記事をインデックスAPIから取得する。
// ページをURLで重複排除しながら辿り、空ページまたはlimit到達で停止する。
func (c *APICrawler) CrawlURLs(ctx context.Context, dateStart, dateEnd time.Time, limit int) ([]model.Article, error) {
	if err := validateWindow(dateStart, dateEnd); err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	var results []model.Article

	for page := 1; page <= apiMaxPages; page++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return results, fmt.Errorf("レート制限の待機に失敗しました: %w", err)
		}

		resp, err := c.fetchPage(ctx, dateStart, dateEnd, page)
		if err != nil {
			return results, err
		}

		newCount := 0
		for _, raw := range resp.Articles {
			if raw.URL == "" {
				continue
			}
			if _, ok := seen[raw.URL]; ok {
				continue
			}
			seen[raw.URL] = struct{}{}

			article := c.toArticle(raw)
			if !inWindow(article.PublishedAt, dateStart, dateEnd) {
				continue
			}
			results = append(results, article)
			newCount++

			if limit > 0 && len(results) >= limit {
				return results, nil
			}
		}

		c.logger.Info("インデックスAPIのページを取得しました",
			slog.String("subscription_id", c.sub.ID),
			slog.Int("page", page),
			slog.Int("new_articles", newCount),
			slog.Int("total_results", resp.TotalResults),
		)

		// 新規記事のないページに到達したら以降のページも空とみなす
		if newCount == 0 || len(resp.Articles) < apiPageSize {
			break
		}
	}

	return results, nil
}

// fetchPage はインデックスAPIの1ページを取得してパースする。
func (c *APICrawler) fetchPage(ctx context.Context, dateStart, dateEnd time.Time, page int) (*indexResponse, error) {
	reqURL, err := url.Parse(c.endpoint)
	if err != nil {
		return nil, fmt.Errorf("エンドポイントURLのパースに失敗しました: %w", err)
	}

	q := reqURL.Query()
	q.Set("q", c.query)
	q.Set("from", dateStart.UTC().Format(time.RFC3339))
	q.Set("to", dateEnd.UTC().Format(time.RFC3339))
	q.Set("pageSize", strconv.Itoa(apiPageSize))
	q.Set("page", strconv.Itoa(page))
	q.Set("sortBy", "publishedAt")
	reqURL.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("X-Api-Key", c.apiKey)
	req.Header.Set("User-Agent", "Newswatch/1.0 News Harvester")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("インデックスAPIの呼び出しに失敗しました: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("インデックスAPIがエラーを返しました: status=%d body=%s", resp.StatusCode, string(body))
	}

	var parsed indexResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("インデックスAPIレスポンスのパースに失敗しました: %w", err)
	}
	return &parsed, nil
}

// toArticle はAPIレコードを最小限のArticleに変換する。
func (c *APICrawler) toArticle(raw indexArticle) model.Article {
	article := model.Article{
		SubscriptionID: c.sub.ID,
		URL:            raw.URL,
		Title:          raw.Title,
		ImageURL:       raw.ImageURL,
		Status:         model.StatusNew,
		CrawledAt:      time.Now().UTC(),
	}
	if raw.Author != "" {
		article.Authors = []string{raw.Author}
	}
	if raw.PublishedAt != "" {
		if t, err := time.Parse(time.RFC3339, raw.PublishedAt); err == nil {
			utc := t.UTC()
			article.PublishedAt = &utc
		}
	}
	return article
}
