// Package model はドメインモデルを定義する。
package model

import "time"

// SearchProfile はユーザー定義の検索プロファイルを表す。
// マッチングエンジンからは読み取り専用として扱われ、
// 1回のマッチングパスの間はイミュータブルとみなす。
type SearchProfile struct {
	ID        string
	Name      string
	Topics    []Topic
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Topic は検索プロファイルに属するトピックを表す。
type Topic struct {
	ID        string
	ProfileID string
	Name      string
	Keywords  []Keyword
}

// Keyword はトピックに属するキーワードを表す。
type Keyword struct {
	ID      string
	TopicID string
	Value   string
}
