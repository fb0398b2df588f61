// Package vector はベクトル埋め込み・類似検索サービスのクライアントを提供する。
// 埋め込みの生成と保管はサービス側の責務であり、本パッケージは
// 記事の登録と類似検索のRESTインターフェースのみを扱う。
package vector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hitoshi/newswatch/internal/model"
)

// ScoredDoc は類似検索の1件の結果。スコアは[0,1]の類似度。
type ScoredDoc struct {
	ArticleID string  `json:"article_id"`
	Score     float64 `json:"score"`
}

// Service はベクトルサービスのインターフェース。
type Service interface {
	// EmbedArticle は記事をベクトルストアに登録する。
	// 同一IDの再登録は上書きであり、冪等に扱える。
	EmbedArticle(ctx context.Context, article *model.Article) error

	// RetrieveBySimilarity はクエリテキストに類似する記事を
	// スコア閾値付きで検索する。結果はスコア降順。
	RetrieveBySimilarity(ctx context.Context, query string, scoreThreshold float64) ([]ScoredDoc, error)
}

// Client はベクトルサービスのRESTクライアント。
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	endpoint   string // テスト用にエンドポイントを差し替え可能
}

// NewClient はClientの新しいインスタンスを生成する。
func NewClient(httpClient *http.Client, endpoint string, logger *slog.Logger) *Client {
	return &Client{
		httpClient: httpClient,
		logger:     logger,
		endpoint:   strings.TrimRight(endpoint, "/"),
	}
}

// embedRequest は記事登録のリクエストボディ。
// 埋め込み対象は翻訳済み要約を優先し、なければ原文要約を使用する。
type embedRequest struct {
	ArticleID string   `json:"article_id"`
	Title     string   `json:"title"`
	Text      string   `json:"text"`
	Entities  []string `json:"entities,omitempty"`
}

// EmbedArticle は記事をベクトルストアに登録する。
func (c *Client) EmbedArticle(ctx context.Context, article *model.Article) error {
	text := article.Translation
	if text == "" {
		text = article.Summary
	}
	if text == "" {
		return fmt.Errorf("埋め込み対象のテキストがありません: article_id=%s", article.ID)
	}

	body, err := json.Marshal(embedRequest{
		ArticleID: article.ID,
		Title:     article.Title,
		Text:      text,
		Entities:  article.Entities,
	})
	if err != nil {
		return fmt.Errorf("リクエストボディの生成に失敗しました: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.endpoint+"/documents", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("ベクトルサービスの呼び出しに失敗しました",
			slog.String("article_id", article.ID),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("ベクトルサービスの呼び出しに失敗しました: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("ベクトルサービスがステータス %d を返しました: %s",
			resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return nil
}

// searchRequest は類似検索のリクエストボディ。
type searchRequest struct {
	Query          string  `json:"query"`
	ScoreThreshold float64 `json:"score_threshold"`
}

// searchResponse は類似検索のレスポンスボディ。
type searchResponse struct {
	Results []ScoredDoc `json:"results"`
}

// RetrieveBySimilarity はクエリテキストに類似する記事を検索する。
func (c *Client) RetrieveBySimilarity(ctx context.Context, query string, scoreThreshold float64) ([]ScoredDoc, error) {
	body, err := json.Marshal(searchRequest{
		Query:          query,
		ScoreThreshold: scoreThreshold,
	})
	if err != nil {
		return nil, fmt.Errorf("リクエストボディの生成に失敗しました: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.endpoint+"/search", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("類似検索の呼び出しに失敗しました",
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("類似検索の呼び出しに失敗しました: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("ベクトルサービスがステータス %d を返しました: %s",
			resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var parsed searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("レスポンスのパースに失敗しました: %w", err)
	}
	return parsed.Results, nil
}
