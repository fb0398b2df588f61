// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/newswatch/internal/model"
)

// SubscriptionRepository はサブスクリプションデータの永続化インターフェース。
// 資格情報は暗号化されたまま読み書きされ、復号は呼び出し側の責務。
type SubscriptionRepository interface {
	// FindByID は指定IDのサブスクリプションを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Subscription, error)

	// GetActiveWithCrawlers は指定種別のクローラーが設定された
	// アクティブなサブスクリプション一覧を返す。
	GetActiveWithCrawlers(ctx context.Context, kind model.CrawlerKind) ([]*model.Subscription, error)

	// GetActiveWithScrapers はスクレイパーが設定されたアクティブな
	// サブスクリプション一覧を返す。
	GetActiveWithScrapers(ctx context.Context) ([]*model.Subscription, error)

	// TouchLoginAttempt は最終ログイン試行日時を更新する。
	TouchLoginAttempt(ctx context.Context, id string, at time.Time) error
}

// ArticleRepository は記事データの永続化インターフェース。
type ArticleRepository interface {
	// FindByID は指定IDの記事を取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Article, error)

	// FindByURL はURLで記事を検索する。見つからない場合はnilを返す。
	FindByURL(ctx context.Context, url string) (*model.Article, error)

	// CreateBatch は記事をバッチ挿入する。URLの一意制約に衝突した記事は
	// スキップされ、実際に挿入された件数を返す（衝突はエラーではない）。
	CreateBatch(ctx context.Context, articles []*model.Article) (int, error)

	// Update は記事のメタデータ・本文・状態を更新する。
	Update(ctx context.Context, article *model.Article) error

	// UpdateStatus は記事の状態と備考のみを更新する。
	UpdateStatus(ctx context.Context, id string, status model.ArticleStatus, note string) error

	// ListNewBySubscription は指定サブスクリプションのNEW状態の記事を
	// crawled_at昇順（古い順）で返す。
	ListNewBySubscription(ctx context.Context, subscriptionID string) ([]*model.Article, error)

	// ListWithoutSummary は要約が未生成のSCRAPED記事をページングで返す。
	ListWithoutSummary(ctx context.Context, since time.Time, limit, offset int) ([]*model.Article, error)

	// ListByStatusSince は指定状態かつ指定日時以降に公開された記事を返す。
	ListByStatusSince(ctx context.Context, status model.ArticleStatus, since time.Time, limit, offset int) ([]*model.Article, error)

	// DeleteOlderThan は保持期間を超過した記事を削除し、削除件数を返す。
	// 関連するマッチはCASCADE削除される。
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// CrawlStatsRepository はクロール統計の永続化インターフェース。追記専用。
type CrawlStatsRepository interface {
	// Insert はクロール統計を1件追加する。
	Insert(ctx context.Context, stats *model.CrawlStats) (*model.CrawlStats, error)

	// GetByDateRange は指定期間のクロール統計をcrawl_date昇順で返す。
	GetByDateRange(ctx context.Context, start, end time.Time) ([]*model.CrawlStats, error)
}

// SearchProfileRepository は検索プロファイルの読み取りインターフェース。
// プロファイルのCRUDは管理系サブシステムが所有し、本コアは読み取りのみ行う。
type SearchProfileRepository interface {
	// FindByID は指定IDのプロファイルをトピック・キーワード込みで取得する。
	// 見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.SearchProfile, error)

	// ListPage はプロファイル一覧をトピック・キーワード込みでページングで返す。
	ListPage(ctx context.Context, limit, offset int) ([]*model.SearchProfile, error)
}

// MatchRepository はマッチング結果の永続化インターフェース。
type MatchRepository interface {
	// CreateRun は新しいMatchingRunを作成する。
	CreateRun(ctx context.Context, algorithmVersion string) (*model.MatchingRun, error)

	// InsertMatch はマッチを1件追加する。一意制約に衝突した場合は
	// nilを返し、エラーとしない。
	InsertMatch(ctx context.Context, match *model.Match) (*model.Match, error)

	// DeleteForProfile は指定プロファイルの全マッチを削除する。
	// 再マッチングの前処理として明示的に呼び出される。
	DeleteForProfile(ctx context.Context, profileID string) error

	// GetBySearchProfile は指定プロファイルのマッチ一覧をsorting_order昇順で返す。
	GetBySearchProfile(ctx context.Context, profileID string) ([]*model.Match, error)
}

// ReportEmailRepository はレポートメール送信記録の永続化インターフェース。
type ReportEmailRepository interface {
	// Insert は送信記録を1件追加する。
	Insert(ctx context.Context, email *model.ReportEmail) error

	// ListSendable はPENDINGまたはRETRY状態の送信記録を返す。
	ListSendable(ctx context.Context) ([]*model.ReportEmail, error)

	// Update は送信記録の状態・試行回数・エラーを更新する。
	Update(ctx context.Context, email *model.ReportEmail) error
}
