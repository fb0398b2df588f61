// Package scraper は取得済みHTMLからの記事本文・メタデータ抽出機能を提供する。
//
// スクレイパーはマージ専用のセマンティクスに従う: 渡された記事の
// 空フィールドのみを埋め、クローラーが既に設定した値を上書きしない。
// 抽出失敗は例外ではなく記事のERROR状態遷移として表現され、
// 不正なHTMLに対しても決してpanicしない。
package scraper

import (
	"log/slog"
	"strings"
	"time"

	"github.com/hitoshi/newswatch/internal/model"
	"github.com/hitoshi/newswatch/internal/security"
)

// Scraper はHTML抽出の共通インターフェース。
// 実装は渡された記事のcontent/metadata/statusフィールド以外に
// 副作用を持ってはならない。
type Scraper interface {
	// Extract はHTMLから本文・メタデータを抽出して記事の空フィールドを埋める。
	// 成功時は状態をSCRAPEDに、本文が得られない場合はERRORに遷移させる。
	Extract(html string, article *model.Article)
}

// Deps はスクレイパー構築に必要な共有依存をまとめた構造体。
type Deps struct {
	Sanitizer security.ContentSanitizerService
	Logger    *slog.Logger
}

// New はサブスクリプションの設定に基づいてスクレイパーを構築する。
// 未知の種別は設定エラーとして構築時に失敗させる。
func New(sub *model.Subscription, deps Deps) (Scraper, error) {
	switch sub.ScraperKind {
	case model.ScraperKindReadability:
		return NewReadabilityScraper(deps), nil
	case model.ScraperKindSelector:
		return NewSelectorScraper(sub, deps)
	default:
		return nil, model.NewUnknownScraperError(string(sub.ScraperKind))
	}
}

// fillTitle は抽出したタイトルで空のタイトルのみを埋める。
func fillTitle(article *model.Article, title string) {
	if article.Title == "" {
		article.Title = strings.TrimSpace(title)
	}
}

// fillAuthors は抽出した著者で空の著者リストのみを埋める。
func fillAuthors(article *model.Article, authors []string) {
	if len(article.Authors) > 0 {
		return
	}
	var cleaned []string
	for _, a := range authors {
		a = strings.TrimSpace(a)
		if a != "" {
			cleaned = append(cleaned, a)
		}
	}
	article.Authors = cleaned
}

// fillImageURL は抽出した画像URLで空の画像URLのみを埋める。
func fillImageURL(article *model.Article, imageURL string) {
	if article.ImageURL == "" {
		article.ImageURL = strings.TrimSpace(imageURL)
	}
}

// fillPublishedAt は抽出した公開日時で未設定の公開日時のみを埋める。
func fillPublishedAt(article *model.Article, publishedAt *time.Time) {
	if article.PublishedAt == nil && publishedAt != nil {
		utc := publishedAt.UTC()
		article.PublishedAt = &utc
	}
}
