// Package model はドメインモデルを定義する。
package model

import "time"

// CrawlStats はサブスクリプションごと・実行ごとのクロール統計を表す。
// 追記専用であり、ハーベストの健全性の観測にのみ使用される。
type CrawlStats struct {
	ID              string
	SubscriptionID  string
	CrawlDate       time.Time
	TotalAttempted  int
	TotalSuccessful int
	Notes           string // 重複排除済みの失敗理由を連結した自由記述
	CreatedAt       time.Time
}
