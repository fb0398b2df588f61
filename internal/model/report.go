// Package model はドメインモデルを定義する。
package model

import "time"

// EmailState はレポートメールの送信状態を表す。
type EmailState string

const (
	// EmailStatePending は未送信の状態。
	EmailStatePending EmailState = "PENDING"
	// EmailStateSent は送信が完了した状態。
	EmailStateSent EmailState = "SENT"
	// EmailStateRetry は送信に失敗し、次回の送信ステージで再試行される状態。
	EmailStateRetry EmailState = "RETRY"
	// EmailStateFailed は再試行上限に達した終端状態。
	EmailStateFailed EmailState = "FAILED"
)

// ReportEmail は検索プロファイルに対するレポートメールの送信記録を表す。
// 送信失敗時はRETRYに遷移し、次のパイプライン実行で再送される。
type ReportEmail struct {
	ID        string
	ProfileID string
	RunID     string
	ReportURL string
	State     EmailState
	Attempts  int
	LastError string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// maxEmailAttempts はレポートメールの最大送信試行回数。
const maxEmailAttempts = 3

// MarkSendFailure は送信失敗を記録し、RETRYまたはFAILEDへ遷移させる。
func (r *ReportEmail) MarkSendFailure(reason string, now time.Time) {
	r.Attempts++
	r.LastError = reason
	if r.Attempts >= maxEmailAttempts {
		r.State = EmailStateFailed
	} else {
		r.State = EmailStateRetry
	}
	r.UpdatedAt = now
}

// MarkSent は送信成功を記録する。
func (r *ReportEmail) MarkSent(now time.Time) {
	r.Attempts++
	r.State = EmailStateSent
	r.LastError = ""
	r.UpdatedAt = now
}
