package scraper

import (
	"log/slog"
	"net/url"
	"strings"
	"time"

	readability "github.com/go-shiori/go-readability"

	"github.com/hitoshi/newswatch/internal/model"
	"github.com/hitoshi/newswatch/internal/security"
)

// ReadabilityScraper はreadabilityアルゴリズムによる汎用抽出スクレイパー。
// ソース固有のセレクタ設定を必要とせず、大半の記事ページで機能する。
// readabilityが拾えないメタデータはOGP/metaタグから補完する。
type ReadabilityScraper struct {
	sanitizer security.ContentSanitizerService
	logger    *slog.Logger
}

// NewReadabilityScraper はReadabilityScraperを構築する。
func NewReadabilityScraper(deps Deps) *ReadabilityScraper {
	return &ReadabilityScraper{
		sanitizer: deps.Sanitizer,
		logger:    deps.Logger,
	}
}

// Extract はHTMLから本文とメタデータを抽出して記事の空フィールドを埋める。
// 本文が抽出できない場合は状態をERRORに遷移させる。
func (s *ReadabilityScraper) Extract(html string, article *model.Article) {
	if strings.TrimSpace(html) == "" {
		article.MarkError("抽出失敗: HTMLが空です")
		return
	}

	pageURL, err := url.Parse(article.URL)
	if err != nil {
		article.MarkError("抽出失敗: 記事URLが不正です: " + err.Error())
		return
	}

	result, err := readability.FromReader(strings.NewReader(html), pageURL)
	if err != nil {
		s.logger.Warn("readability抽出に失敗しました",
			slog.String("article_id", article.ID),
			slog.String("url", article.URL),
			slog.String("error", err.Error()),
		)
		article.MarkError("抽出失敗: " + err.Error())
		return
	}

	content := s.sanitizer.Sanitize(result.Content)
	if strings.TrimSpace(result.TextContent) == "" || content == "" {
		article.MarkError("抽出失敗: 本文を抽出できませんでした")
		return
	}

	if article.Content == "" {
		article.Content = content
	}
	fillTitle(article, result.Title)
	fillImageURL(article, result.Image)
	if result.Byline != "" {
		fillAuthors(article, splitByline(result.Byline))
	}

	// readabilityが日時を拾えない場合に備えてメタタグからも補完する
	meta := parseMetaTags(html)
	fillTitle(article, meta.Title)
	fillImageURL(article, meta.ImageURL)
	fillAuthors(article, meta.Authors)
	fillPublishedAt(article, meta.PublishedAt)

	article.MarkScraped(time.Now().UTC())
}

// splitByline はbyline文字列を著者リストに分割する。
func splitByline(byline string) []string {
	parts := strings.FieldsFunc(byline, func(r rune) bool {
		return r == ',' || r == ';'
	})
	var authors []string
	for _, p := range parts {
		p = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(p), "By "))
		if p != "" {
			authors = append(authors, p)
		}
	}
	return authors
}
