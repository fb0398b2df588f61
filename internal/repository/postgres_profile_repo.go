package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/newswatch/internal/model"
)

// PostgresSearchProfileRepo はPostgreSQLを使用した検索プロファイルリポジトリ。
// 本コアからは読み取り専用であり、トピックとキーワードを常に結合して返す。
type PostgresSearchProfileRepo struct {
	db *sql.DB
}

// NewPostgresSearchProfileRepo はPostgresSearchProfileRepoを生成する。
func NewPostgresSearchProfileRepo(db *sql.DB) *PostgresSearchProfileRepo {
	return &PostgresSearchProfileRepo{db: db}
}

// FindByID は指定IDのプロファイルをトピック・キーワード込みで取得する。
// 見つからない場合はnilを返す。
func (r *PostgresSearchProfileRepo) FindByID(ctx context.Context, id string) (*model.SearchProfile, error) {
	profile := &model.SearchProfile{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, name, created_at, updated_at FROM search_profiles WHERE id = $1`,
		id,
	).Scan(&profile.ID, &profile.Name, &profile.CreatedAt, &profile.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("検索プロファイルの取得に失敗しました: %w", err)
	}

	if err := r.loadTopics(ctx, profile); err != nil {
		return nil, err
	}
	return profile, nil
}

// ListPage はプロファイル一覧をトピック・キーワード込みでページングで返す。
// マッチングエンジンがメモリ使用量を抑えるためにページ単位で処理する。
func (r *PostgresSearchProfileRepo) ListPage(ctx context.Context, limit, offset int) ([]*model.SearchProfile, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, name, created_at, updated_at
		 FROM search_profiles
		 ORDER BY created_at ASC
		 LIMIT $1 OFFSET $2`,
		limit, offset)
	if err != nil {
		return nil, fmt.Errorf("検索プロファイル一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var profiles []*model.SearchProfile
	for rows.Next() {
		profile := &model.SearchProfile{}
		if err := rows.Scan(&profile.ID, &profile.Name, &profile.CreatedAt, &profile.UpdatedAt); err != nil {
			return nil, fmt.Errorf("検索プロファイルのスキャンに失敗しました: %w", err)
		}
		profiles = append(profiles, profile)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("検索プロファイルの読み取りに失敗しました: %w", err)
	}

	for _, profile := range profiles {
		if err := r.loadTopics(ctx, profile); err != nil {
			return nil, err
		}
	}
	return profiles, nil
}

// loadTopics はプロファイルのトピックとキーワードを読み込む。
func (r *PostgresSearchProfileRepo) loadTopics(ctx context.Context, profile *model.SearchProfile) error {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, profile_id, name FROM topics WHERE profile_id = $1 ORDER BY name`,
		profile.ID)
	if err != nil {
		return fmt.Errorf("トピックの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var topics []model.Topic
	for rows.Next() {
		topic := model.Topic{}
		if err := rows.Scan(&topic.ID, &topic.ProfileID, &topic.Name); err != nil {
			return fmt.Errorf("トピックのスキャンに失敗しました: %w", err)
		}
		topics = append(topics, topic)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("トピックの読み取りに失敗しました: %w", err)
	}

	for i := range topics {
		keywords, err := r.loadKeywords(ctx, topics[i].ID)
		if err != nil {
			return err
		}
		topics[i].Keywords = keywords
	}

	profile.Topics = topics
	return nil
}

// loadKeywords はトピックのキーワード一覧を読み込む。
func (r *PostgresSearchProfileRepo) loadKeywords(ctx context.Context, topicID string) ([]model.Keyword, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, topic_id, value FROM keywords WHERE topic_id = $1 ORDER BY value`,
		topicID)
	if err != nil {
		return nil, fmt.Errorf("キーワードの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var keywords []model.Keyword
	for rows.Next() {
		kw := model.Keyword{}
		if err := rows.Scan(&kw.ID, &kw.TopicID, &kw.Value); err != nil {
			return nil, fmt.Errorf("キーワードのスキャンに失敗しました: %w", err)
		}
		keywords = append(keywords, kw)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("キーワードの読み取りに失敗しました: %w", err)
	}
	return keywords, nil
}
