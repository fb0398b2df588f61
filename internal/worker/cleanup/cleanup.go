// Package cleanup は収集データの自動削除ジョブを提供する。
// 保持期間（デフォルト90日）を超過した記事と、マッチを1件も持たない
// 古いMatchingRunを日次バッチで削除する。記事に紐づくマッチは
// CASCADE削除で自動的に処理される。
package cleanup

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// Executor はSQLのExecContextを抽象化するインターフェース。
// *sql.DB や *sql.Tx を受け付けることができる。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// CleanupJob は保持期間を超過した収集データの自動削除ジョブ。
// 日次実行のバッチジョブとして設計されており、冪等な削除処理を保証する。
type CleanupJob struct {
	db            Executor
	logger        *slog.Logger
	RetentionDays int // 記事の保持日数（デフォルト: 90）
}

// NewCleanupJob は新しいCleanupJobを生成する。
// デフォルトの保持日数は90日。
func NewCleanupJob(db Executor, logger *slog.Logger) *CleanupJob {
	return &CleanupJob{
		db:            db,
		logger:        logger,
		RetentionDays: 90,
	}
}

// Run は保持期間を超過した記事と孤立したMatchingRunを削除する。
// created_atがRetentionDays日前より古い記事をDELETEし、
// どのマッチからも参照されなくなったMatchingRunを続けて削除する。
// 冪等: 削除対象がない場合でもエラーにならない。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()

	interval := fmt.Sprintf("%d days", j.RetentionDays)

	result, err := j.db.ExecContext(ctx,
		`DELETE FROM articles WHERE created_at < now() - $1::interval`, interval)
	if err != nil {
		j.logger.Error("記事クリーンアップジョブの実行に失敗しました",
			slog.String("error", err.Error()),
			slog.Int("retention_days", j.RetentionDays),
		)
		return fmt.Errorf("記事クリーンアップの実行に失敗: %w", err)
	}

	deletedArticles, err := result.RowsAffected()
	if err != nil {
		j.logger.Error("削除件数の取得に失敗しました",
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("削除件数の取得に失敗: %w", err)
	}

	// 記事のCASCADE削除でマッチを失ったMatchingRunを片付ける
	result, err = j.db.ExecContext(ctx,
		`DELETE FROM matching_runs
		 WHERE created_at < now() - $1::interval
		   AND NOT EXISTS (SELECT 1 FROM matches WHERE matches.run_id = matching_runs.id)`,
		interval)
	if err != nil {
		j.logger.Error("MatchingRunクリーンアップの実行に失敗しました",
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("MatchingRunクリーンアップの実行に失敗: %w", err)
	}

	deletedRuns, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("削除件数の取得に失敗: %w", err)
	}

	duration := time.Since(start)
	j.logger.Info("クリーンアップジョブが完了しました",
		slog.Int64("deleted_articles", deletedArticles),
		slog.Int64("deleted_runs", deletedRuns),
		slog.Int("retention_days", j.RetentionDays),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return nil
}
