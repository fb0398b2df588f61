package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/newswatch/internal/model"
)

// PostgresCrawlStatsRepo はPostgreSQLを使用したクロール統計リポジトリ。
type PostgresCrawlStatsRepo struct {
	db *sql.DB
}

// NewPostgresCrawlStatsRepo はPostgresCrawlStatsRepoを生成する。
func NewPostgresCrawlStatsRepo(db *sql.DB) *PostgresCrawlStatsRepo {
	return &PostgresCrawlStatsRepo{db: db}
}

// Insert はクロール統計を1件追加する。IDが空の場合は新規採番する。
func (r *PostgresCrawlStatsRepo) Insert(ctx context.Context, stats *model.CrawlStats) (*model.CrawlStats, error) {
	if stats.ID == "" {
		stats.ID = uuid.New().String()
	}
	if stats.CreatedAt.IsZero() {
		stats.CreatedAt = time.Now()
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO crawl_stats
		   (id, subscription_id, crawl_date, total_attempted, total_successful, notes, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		stats.ID, stats.SubscriptionID, stats.CrawlDate,
		stats.TotalAttempted, stats.TotalSuccessful, stats.Notes, stats.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("クロール統計の追加に失敗しました: %w", err)
	}
	return stats, nil
}

// GetByDateRange は指定期間のクロール統計をcrawl_date昇順で返す。
func (r *PostgresCrawlStatsRepo) GetByDateRange(ctx context.Context, start, end time.Time) ([]*model.CrawlStats, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, subscription_id, crawl_date, total_attempted, total_successful, notes, created_at
		 FROM crawl_stats
		 WHERE crawl_date >= $1 AND crawl_date <= $2
		 ORDER BY crawl_date ASC, created_at ASC`,
		start, end)
	if err != nil {
		return nil, fmt.Errorf("クロール統計の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var list []*model.CrawlStats
	for rows.Next() {
		stats := &model.CrawlStats{}
		var notes sql.NullString
		if err := rows.Scan(
			&stats.ID, &stats.SubscriptionID, &stats.CrawlDate,
			&stats.TotalAttempted, &stats.TotalSuccessful, &notes, &stats.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("クロール統計のスキャンに失敗しました: %w", err)
		}
		stats.Notes = nullStringValue(notes)
		list = append(list, stats)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("クロール統計の読み取りに失敗しました: %w", err)
	}
	return list, nil
}
