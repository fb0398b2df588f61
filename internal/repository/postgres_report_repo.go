package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/newswatch/internal/model"
)

// PostgresReportEmailRepo はPostgreSQLを使用したレポートメール送信記録リポジトリ。
type PostgresReportEmailRepo struct {
	db *sql.DB
}

// NewPostgresReportEmailRepo はPostgresReportEmailRepoを生成する。
func NewPostgresReportEmailRepo(db *sql.DB) *PostgresReportEmailRepo {
	return &PostgresReportEmailRepo{db: db}
}

// Insert は送信記録を1件追加する。
func (r *PostgresReportEmailRepo) Insert(ctx context.Context, email *model.ReportEmail) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO report_emails
		   (id, profile_id, run_id, report_url, state, attempts, last_error, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		email.ID, email.ProfileID, email.RunID, email.ReportURL,
		string(email.State), email.Attempts, email.LastError,
		email.CreatedAt, email.UpdatedAt)
	if err != nil {
		return fmt.Errorf("送信記録の追加に失敗しました: %w", err)
	}
	return nil
}

// ListSendable はPENDINGまたはRETRY状態の送信記録をcreated_at昇順で返す。
// RETRY状態は前回のパイプライン実行で送信に失敗したレコードであり、
// 次回の送信ステージで必ず再試行の対象となる。
func (r *PostgresReportEmailRepo) ListSendable(ctx context.Context) ([]*model.ReportEmail, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, profile_id, run_id, report_url, state, attempts, last_error, created_at, updated_at
		 FROM report_emails
		 WHERE state = $1 OR state = $2
		 ORDER BY created_at ASC`,
		string(model.EmailStatePending), string(model.EmailStateRetry))
	if err != nil {
		return nil, fmt.Errorf("送信対象の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var emails []*model.ReportEmail
	for rows.Next() {
		email := &model.ReportEmail{}
		var state string
		var lastError sql.NullString
		if err := rows.Scan(
			&email.ID, &email.ProfileID, &email.RunID, &email.ReportURL,
			&state, &email.Attempts, &lastError, &email.CreatedAt, &email.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("送信記録のスキャンに失敗しました: %w", err)
		}
		email.State = model.EmailState(state)
		email.LastError = nullStringValue(lastError)
		emails = append(emails, email)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("送信記録の読み取りに失敗しました: %w", err)
	}
	return emails, nil
}

// Update は送信記録の状態・試行回数・エラーを更新する。
func (r *PostgresReportEmailRepo) Update(ctx context.Context, email *model.ReportEmail) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE report_emails
		 SET state = $2, attempts = $3, last_error = $4, updated_at = $5
		 WHERE id = $1`,
		email.ID, string(email.State), email.Attempts, email.LastError, email.UpdatedAt)
	if err != nil {
		return fmt.Errorf("送信記録の更新に失敗しました: %w", err)
	}
	return nil
}
