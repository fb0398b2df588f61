package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/newswatch/internal/model"
)

// PostgresMatchRepo はPostgreSQLを使用したマッチングリポジトリ。
// MatchingRunとMatchの両方を扱う。
type PostgresMatchRepo struct {
	db *sql.DB
}

// NewPostgresMatchRepo はPostgresMatchRepoを生成する。
func NewPostgresMatchRepo(db *sql.DB) *PostgresMatchRepo {
	return &PostgresMatchRepo{db: db}
}

// CreateRun は新しいMatchingRunを作成する。
// 1回のマッチング実行につき1件作成され、生成される全Matchが参照する。
func (r *PostgresMatchRepo) CreateRun(ctx context.Context, algorithmVersion string) (*model.MatchingRun, error) {
	run := &model.MatchingRun{
		ID:               uuid.New().String(),
		AlgorithmVersion: algorithmVersion,
		CreatedAt:        time.Now(),
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO matching_runs (id, algorithm_version, created_at) VALUES ($1, $2, $3)`,
		run.ID, run.AlgorithmVersion, run.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("MatchingRunの作成に失敗しました: %w", err)
	}
	return run, nil
}

// InsertMatch はマッチを1件追加する。
// (run_id, profile_id, topic_id, article_id)の一意制約に衝突した場合は
// nilを返し、エラーとしない。
func (r *PostgresMatchRepo) InsertMatch(ctx context.Context, match *model.Match) (*model.Match, error) {
	if match.ID == "" {
		match.ID = uuid.New().String()
	}
	if match.CreatedAt.IsZero() {
		match.CreatedAt = time.Now()
	}

	result, err := r.db.ExecContext(ctx,
		`INSERT INTO matches
		   (id, run_id, profile_id, topic_id, article_id, score, sorting_order,
		    comment, reason, ranking, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (run_id, profile_id, topic_id, article_id) DO NOTHING`,
		match.ID, match.RunID, match.ProfileID, match.TopicID, match.ArticleID,
		match.Score, match.SortingOrder, match.Comment, match.Reason,
		nullableInt(match.Ranking), match.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("マッチの追加に失敗しました: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("マッチ追加件数の取得に失敗しました: %w", err)
	}
	if n == 0 {
		return nil, nil
	}
	return match, nil
}

// DeleteForProfile は指定プロファイルの全マッチを削除する。
// 再マッチングの前処理として明示的に呼び出される。冪等。
func (r *PostgresMatchRepo) DeleteForProfile(ctx context.Context, profileID string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM matches WHERE profile_id = $1`, profileID)
	if err != nil {
		return fmt.Errorf("プロファイルのマッチ削除に失敗しました: %w", err)
	}
	return nil
}

// GetBySearchProfile は指定プロファイルのマッチ一覧をsorting_order昇順で返す。
func (r *PostgresMatchRepo) GetBySearchProfile(ctx context.Context, profileID string) ([]*model.Match, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, run_id, profile_id, topic_id, article_id, score, sorting_order,
		        comment, reason, ranking, created_at
		 FROM matches
		 WHERE profile_id = $1
		 ORDER BY sorting_order ASC`,
		profileID)
	if err != nil {
		return nil, fmt.Errorf("マッチ一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var matches []*model.Match
	for rows.Next() {
		match := &model.Match{}
		var comment, reason sql.NullString
		var ranking sql.NullInt64
		if err := rows.Scan(
			&match.ID, &match.RunID, &match.ProfileID, &match.TopicID, &match.ArticleID,
			&match.Score, &match.SortingOrder, &comment, &reason, &ranking, &match.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("マッチのスキャンに失敗しました: %w", err)
		}
		match.Comment = nullStringValue(comment)
		match.Reason = nullStringValue(reason)
		if ranking.Valid {
			v := int(ranking.Int64)
			match.Ranking = &v
		}
		matches = append(matches, match)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("マッチの読み取りに失敗しました: %w", err)
	}
	return matches, nil
}

// nullableInt は*intをsql.NullInt64に変換する。
func nullableInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}
