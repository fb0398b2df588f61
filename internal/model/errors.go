// Package model はドメインモデルを定義する。
package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// ジョブAPIのレスポンスに使用する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: validation, config, harvest, system
	Action   string // 運用者向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeUnknownCrawler    = "UNKNOWN_CRAWLER"
	ErrCodeUnknownScraper    = "UNKNOWN_SCRAPER"
	ErrCodeInvalidDateRange  = "INVALID_DATE_RANGE"
	ErrCodeMissingAPIKey     = "MISSING_API_KEY"
	ErrCodeJobRunning        = "JOB_ALREADY_RUNNING"
	ErrCodeInvalidRequest    = "INVALID_REQUEST"
	ErrCodeInvalidTransition = "INVALID_STATUS_TRANSITION"
)

// NewUnknownCrawlerError は未知のクローラー種別が設定されていた場合のエラーを生成する。
// サブスクリプション設定の誤りであり、構築時に検出される。
func NewUnknownCrawlerError(kind string) *APIError {
	return &APIError{
		Code:     ErrCodeUnknownCrawler,
		Message:  fmt.Sprintf("未知のクローラー種別です: %s", kind),
		Category: "config",
		Action:   "サブスクリプションのクローラー設定を確認してください。有効な種別は api、rss、site です。",
	}
}

// NewUnknownScraperError は未知のスクレイパー種別が設定されていた場合のエラーを生成する。
func NewUnknownScraperError(kind string) *APIError {
	return &APIError{
		Code:     ErrCodeUnknownScraper,
		Message:  fmt.Sprintf("未知のスクレイパー種別です: %s", kind),
		Category: "config",
		Action:   "サブスクリプションのスクレイパー設定を確認してください。有効な種別は readability、selector です。",
	}
}

// NewInvalidDateRangeError は日付範囲が不正な場合のエラーを生成する。
func NewInvalidDateRangeError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidDateRange,
		Message:  fmt.Sprintf("無効な日付範囲です: %s", reason),
		Category: "validation",
		Action:   "開始日は終了日以前である必要があります。",
	}
}

// NewMissingAPIKeyError はAPIキー未設定のエラーを生成する。
func NewMissingAPIKeyError(name string) *APIError {
	return &APIError{
		Code:     ErrCodeMissingAPIKey,
		Message:  fmt.Sprintf("APIキーが設定されていません: %s", name),
		Category: "config",
		Action:   "環境変数またはサブスクリプションのパラメータにAPIキーを設定してください。",
	}
}

// NewJobAlreadyRunningError は同種のジョブが既に実行中の場合のエラーを生成する。
func NewJobAlreadyRunningError(job string) *APIError {
	return &APIError{
		Code:     ErrCodeJobRunning,
		Message:  fmt.Sprintf("ジョブは既に実行中です: %s", job),
		Category: "system",
		Action:   "現在のジョブの完了を待ってから再度トリガーしてください。",
	}
}

// NewInvalidStatusTransitionError は状態機械で許可されない記事状態の
// 書き込みを表すエラーを生成する。
func NewInvalidStatusTransitionError(articleID string, from, to ArticleStatus) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidTransition,
		Message:  fmt.Sprintf("許可されない状態遷移です: %s (%s -> %s)", articleID, from, to),
		Category: "system",
		Action:   "記事の状態遷移は前進のみ許可されます。処理の呼び出し順序を確認してください。",
	}
}

// NewInvalidRequestError は不正なジョブリクエストのエラーを生成する。
func NewInvalidRequestError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  fmt.Sprintf("不正なリクエストです: %s", reason),
		Category: "validation",
		Action:   "リクエストパラメータを確認してください。",
	}
}
