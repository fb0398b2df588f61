// Package model はドメインモデルを定義する。
package model

import "time"

// MatchingRun はマッチングエンジンの1回の実行を表す監査レコード。
// その実行で生成された全Matchが参照し、ランキング変更の追跡を可能にする。
type MatchingRun struct {
	ID               string
	AlgorithmVersion string
	CreatedAt        time.Time
}

// Match は記事と(検索プロファイル, トピック)の組のスコア付き関連を表す。
// MatchingRunごとに追記され、上書きされない。
type Match struct {
	ID           string
	RunID        string
	ProfileID    string
	TopicID      string
	ArticleID    string
	Score        float64
	SortingOrder int    // プロファイル内の順位。スコア降順、published_at降順で同点解消
	Comment      string // ユーザーフィードバック（本コアからは更新しない）
	Reason       string
	Ranking      *int
	CreatedAt    time.Time
}
