// Package model はドメインモデルを定義する。
package model

import "time"

// Subscription は契約中のニュースソースを表す。
// クローラー/スクレイパーの設定とログイン自動化のセレクタ設定を保持する。
type Subscription struct {
	ID               string
	Name             string
	Domain           string
	IsPaywalled      bool
	IsActive         bool
	Username         string
	SecretEncrypted  []byte // AES-GCMで暗号化されたパスワード。復号はログイン直前のみ
	CrawlerKind      CrawlerKind
	CrawlerParams    map[string]string
	ScraperKind      ScraperKind
	ScraperParams    map[string]string
	LoginSelectors   LoginSelectors
	LastLoginAttempt *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// CrawlerKind はクローラー実装の種別を表す。
// 未知の種別はファクトリで構築時にエラーとなる。
type CrawlerKind string

const (
	// CrawlerKindAPI はニュースインデックスAPIを利用するクローラー。
	CrawlerKindAPI CrawlerKind = "api"
	// CrawlerKindRSS はRSS/Atomフィードを利用するクローラー。
	CrawlerKindRSS CrawlerKind = "rss"
	// CrawlerKindSite はサイトの記事一覧ページを辿るクローラー。
	CrawlerKindSite CrawlerKind = "site"
)

// ScraperKind はスクレイパー実装の種別を表す。
type ScraperKind string

const (
	// ScraperKindReadability はreadabilityアルゴリズムによる汎用抽出。
	ScraperKindReadability ScraperKind = "readability"
	// ScraperKindSelector はソース固有のCSSセレクタによる抽出。
	ScraperKindSelector ScraperKind = "selector"
)

// LoginSelectors はログイン自動化で使用するCSSセレクタの設定。
// 各フィールドは空の場合スキップされる。
type LoginSelectors struct {
	CookieContainer string `json:"cookie_container_selector,omitempty"`
	CookieIframe    string `json:"cookie_iframe_selector,omitempty"`
	CookieAccept    string `json:"cookie_accept_selector,omitempty"`
	LoginLink       string `json:"login_link_selector,omitempty"`
	Username        string `json:"username_selector,omitempty"`
	Password        string `json:"password_selector,omitempty"`
	Submit          string `json:"submit_selector,omitempty"`
	SecondSubmit    string `json:"second_submit_selector,omitempty"`
	Profile         string `json:"profile_selector,omitempty"`
	Logout          string `json:"logout_selector,omitempty"`
}

// HasCredentials はログインに必要なセレクタと資格情報が揃っているかを返す。
func (s *Subscription) HasCredentials() bool {
	return s.Username != "" && len(s.SecretEncrypted) > 0 &&
		s.LoginSelectors.Username != "" && s.LoginSelectors.Password != "" &&
		s.LoginSelectors.Submit != ""
}
