// Package model はドメインモデルを定義する。
package model

import "time"

// Article は収集したニュース記事を表す。
// URLはグローバルに一意であり、クロール時の重複排除キーとして機能する。
type Article struct {
	ID             string
	SubscriptionID string
	URL            string
	Title          string
	Content        string // サニタイズ済みHTML/テキスト。スクレイプ完了までは空
	Authors        []string
	ImageURL       string
	Summary        string
	Translation    string
	Entities       []string // 要約時に抽出された固有表現
	EntitiesJA     []string // Entitiesの翻訳。順序はEntitiesと対応する
	Status         ArticleStatus
	StatusNote     string // 失敗理由などの自由記述
	PublishedAt    *time.Time
	CrawledAt      time.Time
	ScrapedAt      *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ArticleStatus は記事の処理状態を表す。
// 状態は前進のみの状態機械であり、後退遷移は許可されない。
type ArticleStatus string

const (
	// StatusNew はクロール直後の未スクレイプ状態。
	StatusNew ArticleStatus = "NEW"
	// StatusScraped は本文抽出が完了した状態。
	StatusScraped ArticleStatus = "SCRAPED"
	// StatusSummarized は要約が完了した状態。
	StatusSummarized ArticleStatus = "SUMMARIZED"
	// StatusTranslated は翻訳が完了した状態。
	StatusTranslated ArticleStatus = "TRANSLATED"
	// StatusEmbedded はベクトル埋め込みが完了した状態。マッチング対象となる。
	StatusEmbedded ArticleStatus = "EMBEDDED"
	// StatusError はいずれかの段階で処理に失敗した状態。
	// 終端状態だが、後続のクロールで同一URLが再発見されない限り再試行されない。
	StatusError ArticleStatus = "ERROR"
)

// statusRank は状態の順序を定義する。ERRORは順序を持たない終端状態。
var statusRank = map[ArticleStatus]int{
	StatusNew:        0,
	StatusScraped:    1,
	StatusSummarized: 2,
	StatusTranslated: 3,
	StatusEmbedded:   4,
}

// CanTransitionTo は現在の状態からnextへの遷移が許可されるかを返す。
// 前進遷移と、非終端状態からERRORへの遷移のみを許可する。
func (s ArticleStatus) CanTransitionTo(next ArticleStatus) bool {
	if s == StatusError {
		return false
	}
	if next == StatusError {
		return true
	}
	cur, ok := statusRank[s]
	if !ok {
		return false
	}
	nxt, ok := statusRank[next]
	if !ok {
		return false
	}
	return nxt > cur
}

// MarkError は記事をERROR状態に遷移させ、失敗理由を記録する。
// すでにERROR状態の場合は理由のみ追記せず維持する。
func (a *Article) MarkError(note string) {
	if a.Status == StatusError {
		return
	}
	a.Status = StatusError
	a.StatusNote = note
	a.UpdatedAt = time.Now()
}

// MarkScraped は記事をSCRAPED状態に遷移させ、scraped_atを記録する。
func (a *Article) MarkScraped(now time.Time) {
	a.Status = StatusScraped
	a.ScrapedAt = &now
	a.UpdatedAt = now
}
