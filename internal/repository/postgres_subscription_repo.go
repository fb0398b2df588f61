package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hitoshi/newswatch/internal/model"
)

// PostgresSubscriptionRepo はPostgreSQLを使用したサブスクリプションリポジトリ。
type PostgresSubscriptionRepo struct {
	db *sql.DB
}

// NewPostgresSubscriptionRepo はPostgresSubscriptionRepoを生成する。
func NewPostgresSubscriptionRepo(db *sql.DB) *PostgresSubscriptionRepo {
	return &PostgresSubscriptionRepo{db: db}
}

// subscriptionColumns はSELECT句で使用するカラム一覧。
const subscriptionColumns = `id, name, domain, is_paywalled, is_active, username,
       secret_encrypted, crawler_kind, crawler_params, scraper_kind, scraper_params,
       login_selectors, last_login_attempt, created_at, updated_at`

// FindByID は指定IDのサブスクリプションを取得する。見つからない場合はnilを返す。
func (r *PostgresSubscriptionRepo) FindByID(ctx context.Context, id string) (*model.Subscription, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1`, id)

	sub, err := scanSubscription(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("サブスクリプションの取得に失敗しました: %w", err)
	}
	return sub, nil
}

// GetActiveWithCrawlers は指定種別のクローラーが設定されたアクティブな
// サブスクリプション一覧を返す。
func (r *PostgresSubscriptionRepo) GetActiveWithCrawlers(ctx context.Context, kind model.CrawlerKind) ([]*model.Subscription, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+subscriptionColumns+`
		 FROM subscriptions
		 WHERE is_active = TRUE AND crawler_kind = $1
		 ORDER BY name`, string(kind))
	if err != nil {
		return nil, fmt.Errorf("クローラー設定付きサブスクリプションの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	return collectSubscriptions(rows)
}

// GetActiveWithScrapers はスクレイパーが設定されたアクティブな
// サブスクリプション一覧を返す。
func (r *PostgresSubscriptionRepo) GetActiveWithScrapers(ctx context.Context) ([]*model.Subscription, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+subscriptionColumns+`
		 FROM subscriptions
		 WHERE is_active = TRUE AND scraper_kind <> ''
		 ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("スクレイパー設定付きサブスクリプションの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	return collectSubscriptions(rows)
}

// TouchLoginAttempt は最終ログイン試行日時を更新する。
func (r *PostgresSubscriptionRepo) TouchLoginAttempt(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE subscriptions SET last_login_attempt = $2, updated_at = now() WHERE id = $1`,
		id, at)
	if err != nil {
		return fmt.Errorf("ログイン試行日時の更新に失敗しました: %w", err)
	}
	return nil
}

// rowScanner は*sql.Rowと*sql.Rowsの双方を受け付けるためのインターフェース。
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanSubscription は1行をSubscriptionにスキャンする。
func scanSubscription(row rowScanner) (*model.Subscription, error) {
	sub := &model.Subscription{}
	var (
		crawlerKind, scraperKind     string
		crawlerParams, scraperParams []byte
		loginSelectors               []byte
		username                     sql.NullString
		secretEncrypted              []byte
		lastLogin                    sql.NullTime
	)

	err := row.Scan(
		&sub.ID, &sub.Name, &sub.Domain, &sub.IsPaywalled, &sub.IsActive, &username,
		&secretEncrypted, &crawlerKind, &crawlerParams, &scraperKind, &scraperParams,
		&loginSelectors, &lastLogin, &sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	sub.Username = nullStringValue(username)
	sub.SecretEncrypted = secretEncrypted
	sub.CrawlerKind = model.CrawlerKind(crawlerKind)
	sub.ScraperKind = model.ScraperKind(scraperKind)
	if lastLogin.Valid {
		sub.LastLoginAttempt = &lastLogin.Time
	}

	if len(crawlerParams) > 0 {
		if err := json.Unmarshal(crawlerParams, &sub.CrawlerParams); err != nil {
			return nil, fmt.Errorf("クローラーパラメータのパースに失敗しました: %w", err)
		}
	}
	if len(scraperParams) > 0 {
		if err := json.Unmarshal(scraperParams, &sub.ScraperParams); err != nil {
			return nil, fmt.Errorf("スクレイパーパラメータのパースに失敗しました: %w", err)
		}
	}
	if len(loginSelectors) > 0 {
		if err := json.Unmarshal(loginSelectors, &sub.LoginSelectors); err != nil {
			return nil, fmt.Errorf("ログインセレクタのパースに失敗しました: %w", err)
		}
	}

	return sub, nil
}

// collectSubscriptions は複数行をSubscriptionのスライスに変換する。
func collectSubscriptions(rows *sql.Rows) ([]*model.Subscription, error) {
	var subs []*model.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("サブスクリプションのスキャンに失敗しました: %w", err)
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("サブスクリプションの読み取りに失敗しました: %w", err)
	}
	return subs, nil
}

// nullStringValue はsql.NullStringを文字列に変換する。NULLは空文字列となる。
func nullStringValue(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}
