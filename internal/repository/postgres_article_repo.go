package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/newswatch/internal/model"
)

// PostgresArticleRepo はPostgreSQLを使用した記事リポジトリ。
type PostgresArticleRepo struct {
	db *sql.DB
}

// NewPostgresArticleRepo はPostgresArticleRepoを生成する。
func NewPostgresArticleRepo(db *sql.DB) *PostgresArticleRepo {
	return &PostgresArticleRepo{db: db}
}

// articleColumns はSELECT句で使用するカラム一覧。
const articleColumns = `id, subscription_id, url, title, content, authors, image_url,
       summary, translation, entities, entities_ja, status, status_note,
       published_at, crawled_at, scraped_at, created_at, updated_at`

// FindByID は指定IDの記事を取得する。見つからない場合はnilを返す。
func (r *PostgresArticleRepo) FindByID(ctx context.Context, id string) (*model.Article, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+articleColumns+` FROM articles WHERE id = $1`, id)

	article, err := scanArticle(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("記事の取得に失敗しました: %w", err)
	}
	return article, nil
}

// FindByURL はURLで記事を検索する。見つからない場合はnilを返す。
func (r *PostgresArticleRepo) FindByURL(ctx context.Context, url string) (*model.Article, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+articleColumns+` FROM articles WHERE url = $1`, url)

	article, err := scanArticle(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("URLによる記事の検索に失敗しました: %w", err)
	}
	return article, nil
}

// CreateBatch は記事をバッチ挿入する。
// URLの一意制約に衝突した記事はON CONFLICT DO NOTHINGでスキップされ、
// 実際に挿入された件数を返す。衝突はエラーとして扱わない。
func (r *PostgresArticleRepo) CreateBatch(ctx context.Context, articles []*model.Article) (int, error) {
	if len(articles) == 0 {
		return 0, nil
	}

	inserted := 0
	for _, a := range articles {
		result, err := r.db.ExecContext(ctx,
			`INSERT INTO articles
			   (id, subscription_id, url, title, content, authors, image_url,
			    summary, translation, entities, entities_ja, status, status_note,
			    published_at, crawled_at, scraped_at, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
			 ON CONFLICT (url) DO NOTHING`,
			a.ID, a.SubscriptionID, a.URL, a.Title, a.Content, pq.Array(a.Authors),
			a.ImageURL, a.Summary, a.Translation, pq.Array(a.Entities),
			pq.Array(a.EntitiesJA), string(a.Status), a.StatusNote,
			nullableTime(a.PublishedAt), a.CrawledAt, nullableTime(a.ScrapedAt),
			a.CreatedAt, a.UpdatedAt)
		if err != nil {
			return inserted, fmt.Errorf("記事のバッチ挿入に失敗しました: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return inserted, fmt.Errorf("挿入件数の取得に失敗しました: %w", err)
		}
		inserted += int(n)
	}
	return inserted, nil
}

// statusRankSQL は記事状態の前進順序をSQLで評価するためのCASE式。
// ERRORは任意の非終端状態から到達できる終端として最大順位を持つ。
const statusRankSQL = `CASE %s
	WHEN 'NEW' THEN 0 WHEN 'SCRAPED' THEN 1 WHEN 'SUMMARIZED' THEN 2
	WHEN 'TRANSLATED' THEN 3 WHEN 'EMBEDDED' THEN 4 WHEN 'ERROR' THEN 5 END`

// transitionGuardSQL は状態の書き込みを前進遷移（同一状態の上書きを含む）に
// 制限するWHERE句の断片。statusParamには新状態のプレースホルダを渡す。
func transitionGuardSQL(statusParam string) string {
	cur := fmt.Sprintf(statusRankSQL, "status")
	// CASEの被演算子はパラメータ型が推論できないため明示的にキャストする
	next := fmt.Sprintf(statusRankSQL, statusParam+"::text")
	return fmt.Sprintf("(status = %s OR (status <> 'ERROR' AND %s < %s))", statusParam, cur, next)
}

// Update は記事のメタデータ・本文・状態を更新する。
// 状態機械に反する後退遷移・ERROR後の書き換えは拒否される。
func (r *PostgresArticleRepo) Update(ctx context.Context, article *model.Article) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE articles
		 SET title = $2, content = $3, authors = $4, image_url = $5,
		     summary = $6, translation = $7, entities = $8, entities_ja = $9,
		     status = $10, status_note = $11, published_at = $12,
		     scraped_at = $13, updated_at = $14
		 WHERE id = $1 AND `+transitionGuardSQL("$10"),
		article.ID, article.Title, article.Content, pq.Array(article.Authors),
		article.ImageURL, article.Summary, article.Translation,
		pq.Array(article.Entities), pq.Array(article.EntitiesJA),
		string(article.Status), article.StatusNote,
		nullableTime(article.PublishedAt), nullableTime(article.ScrapedAt),
		article.UpdatedAt)
	if err != nil {
		return fmt.Errorf("記事の更新に失敗しました: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("更新件数の取得に失敗しました: %w", err)
	}
	if n == 0 {
		return r.rejectedUpdateError(ctx, article.ID, article.Status)
	}
	return nil
}

// UpdateStatus は記事の状態と備考のみを更新する。
// Updateと同じ遷移制約に従う。
func (r *PostgresArticleRepo) UpdateStatus(ctx context.Context, id string, status model.ArticleStatus, note string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE articles SET status = $2, status_note = $3, updated_at = now()
		 WHERE id = $1 AND `+transitionGuardSQL("$2"),
		id, string(status), note)
	if err != nil {
		return fmt.Errorf("記事状態の更新に失敗しました: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("更新件数の取得に失敗しました: %w", err)
	}
	if n == 0 {
		return r.rejectedUpdateError(ctx, id, status)
	}
	return nil
}

// rejectedUpdateError はUPDATEが1行も更新しなかった原因を判定して返す。
func (r *PostgresArticleRepo) rejectedUpdateError(ctx context.Context, id string, to model.ArticleStatus) error {
	var current string
	err := r.db.QueryRowContext(ctx, `SELECT status FROM articles WHERE id = $1`, id).Scan(&current)
	if err == sql.ErrNoRows {
		return fmt.Errorf("記事が見つかりません: %s", id)
	}
	if err != nil {
		return fmt.Errorf("記事状態の確認に失敗しました: %w", err)
	}
	return model.NewInvalidStatusTransitionError(id, model.ArticleStatus(current), to)
}

// ListNewBySubscription は指定サブスクリプションのNEW状態の記事を
// crawled_at昇順（古い順）で返す。1回のスクレイプパスの処理キューとなる。
func (r *PostgresArticleRepo) ListNewBySubscription(ctx context.Context, subscriptionID string) ([]*model.Article, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+articleColumns+`
		 FROM articles
		 WHERE subscription_id = $1 AND status = $2
		 ORDER BY crawled_at ASC`,
		subscriptionID, string(model.StatusNew))
	if err != nil {
		return nil, fmt.Errorf("未スクレイプ記事の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	return collectArticles(rows)
}

// ListWithoutSummary は要約が未生成のSCRAPED記事をページングで返す。
// sinceより新しい公開日の記事のみを対象とする。
// 公開日を確定できなかった記事（published_atがNULL）は
// クロール日時で窓判定する。NULL行を除外してはならない。
func (r *PostgresArticleRepo) ListWithoutSummary(ctx context.Context, since time.Time, limit, offset int) ([]*model.Article, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+articleColumns+`
		 FROM articles
		 WHERE status = $1 AND (summary = '' OR summary IS NULL)
		   AND COALESCE(published_at, crawled_at) >= $2
		 ORDER BY COALESCE(published_at, crawled_at) ASC
		 LIMIT $3 OFFSET $4`,
		string(model.StatusScraped), since, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("要約未生成記事の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	return collectArticles(rows)
}

// ListByStatusSince は指定状態かつ指定日時以降に公開された記事を返す。
// 公開日がNULLの記事はクロール日時で判定する。
func (r *PostgresArticleRepo) ListByStatusSince(ctx context.Context, status model.ArticleStatus, since time.Time, limit, offset int) ([]*model.Article, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+articleColumns+`
		 FROM articles
		 WHERE status = $1 AND COALESCE(published_at, crawled_at) >= $2
		 ORDER BY COALESCE(published_at, crawled_at) ASC
		 LIMIT $3 OFFSET $4`,
		string(status), since, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("状態別記事の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	return collectArticles(rows)
}

// DeleteOlderThan は保持期間を超過した記事を削除し、削除件数を返す。
// matchesはFK CASCADEで削除される。冪等であり、対象がない場合も成功する。
func (r *PostgresArticleRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM articles WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("記事の削除に失敗しました: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("削除件数の取得に失敗しました: %w", err)
	}
	return n, nil
}

// scanArticle は1行をArticleにスキャンする。
func scanArticle(row rowScanner) (*model.Article, error) {
	article := &model.Article{}
	var (
		title, content, imageURL, summary sql.NullString
		translation, statusNote           sql.NullString
		status                            string
		authors, entities, entitiesJA     pq.StringArray
		publishedAt, scrapedAt            sql.NullTime
	)

	err := row.Scan(
		&article.ID, &article.SubscriptionID, &article.URL, &title, &content,
		&authors, &imageURL, &summary, &translation, &entities, &entitiesJA,
		&status, &statusNote,
		&publishedAt, &article.CrawledAt, &scrapedAt,
		&article.CreatedAt, &article.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	article.Title = nullStringValue(title)
	article.Content = nullStringValue(content)
	article.ImageURL = nullStringValue(imageURL)
	article.Summary = nullStringValue(summary)
	article.Translation = nullStringValue(translation)
	article.StatusNote = nullStringValue(statusNote)
	article.Status = model.ArticleStatus(status)
	article.Authors = []string(authors)
	article.Entities = []string(entities)
	article.EntitiesJA = []string(entitiesJA)
	if publishedAt.Valid {
		article.PublishedAt = &publishedAt.Time
	}
	if scrapedAt.Valid {
		article.ScrapedAt = &scrapedAt.Time
	}

	return article, nil
}

// collectArticles は複数行をArticleのスライスに変換する。
func collectArticles(rows *sql.Rows) ([]*model.Article, error) {
	var articles []*model.Article
	for rows.Next() {
		article, err := scanArticle(rows)
		if err != nil {
			return nil, fmt.Errorf("記事のスキャンに失敗しました: %w", err)
		}
		articles = append(articles, article)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("記事の読み取りに失敗しました: %w", err)
	}
	return articles, nil
}

// nullableTime は*time.Timeをsql.NullTimeに変換する。
func nullableTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
