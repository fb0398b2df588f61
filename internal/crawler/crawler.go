// Package crawler はニュースソースごとの記事URL発見機能を提供する。
// クローラーはサブスクリプションの設定に基づいてファクトリで構築され、
// 未知の種別は構築時に即座にエラーとなる。
package crawler

import (
	"context"
	"log/slog"
	"time"

	"github.com/hitoshi/newswatch/internal/model"
	"github.com/hitoshi/newswatch/internal/security"
)

// Crawler は記事URL発見の共通インターフェース。
// 実装は返却する記事を呼び出し内で重複排除し、タイムスタンプをUTCで統一する。
type Crawler interface {
	// CrawlURLs は日付範囲内の候補記事を発見して返す。
	// dateStart > dateEndの場合はエラー。limitが0以下の場合は無制限。
	// 返却される記事は最低限URL・公開日時・サブスクリプションIDを持つ。
	CrawlURLs(ctx context.Context, dateStart, dateEnd time.Time, limit int) ([]model.Article, error)
}

// PageFetcher は一覧ページのHTML取得を抽象化する。
// 通常はHTTPクライアントで取得するが、ペイウォール付きソースでは
// ブラウザセッション越しの取得に差し替えられる。
type PageFetcher interface {
	FetchPage(ctx context.Context, pageURL string) (string, error)
}

// Deps はクローラー構築に必要な共有依存をまとめた構造体。
type Deps struct {
	SSRFGuard    security.SSRFGuardService
	Logger       *slog.Logger
	FetchTimeout time.Duration
	FetchMaxSize int64

	// ニュースインデックスAPI
	NewsAPIEndpoint string
	NewsAPIKey      string

	// ペイウォール付きソース用の一覧ページフェッチャー。
	// nilの場合はHTTPフェッチャーが使用される。
	PageFetcher PageFetcher
}

// New はサブスクリプションの設定に基づいてクローラーを構築する。
// 未知の種別は設定エラーとして構築時に失敗させる。
func New(sub *model.Subscription, deps Deps) (Crawler, error) {
	switch sub.CrawlerKind {
	case model.CrawlerKindAPI:
		return NewAPICrawler(sub, deps)
	case model.CrawlerKindRSS:
		return NewRSSCrawler(sub, deps)
	case model.CrawlerKindSite:
		return NewSiteCrawler(sub, deps)
	default:
		return nil, model.NewUnknownCrawlerError(string(sub.CrawlerKind))
	}
}

// validateWindow は日付範囲の事前条件を検証する。
func validateWindow(dateStart, dateEnd time.Time) error {
	if dateStart.After(dateEnd) {
		return model.NewInvalidDateRangeError(
			dateStart.Format("2006-01-02") + " > " + dateEnd.Format("2006-01-02"))
	}
	return nil
}

// inWindow は公開日時が範囲内かを判定する。公開日時が不明な記事は
// 範囲内として扱う（後段のスクレイプで確定させる）。
func inWindow(publishedAt *time.Time, dateStart, dateEnd time.Time) bool {
	if publishedAt == nil {
		return true
	}
	t := publishedAt.UTC()
	return !t.Before(dateStart) && !t.After(dateEnd)
}
