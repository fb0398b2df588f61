// Package browser はペイウォール付きソース向けのブラウザ自動化を提供する。
// ログイン自動化とページ取得をSessionインターフェースの背後に隠蔽し、
// テストではフェイク実装に差し替えられるようにする。
package browser

import (
	"context"
	"time"
)

// Session は1つのブラウザセッションを抽象化する。
// セッションは並行タスク間で共有してはならない。1つのサブスクリプションの
// スクレイプパスが1セッションを占有し、完了時にCloseする。
type Session interface {
	// Navigate は指定URLへ遷移し、ページの準備完了を待つ。
	Navigate(ctx context.Context, url string) error

	// WaitVisible はセレクタにマッチする要素の表示を待つ。
	WaitVisible(ctx context.Context, selector string) error

	// Click はセレクタにマッチする要素をクリックする。
	Click(ctx context.Context, selector string) error

	// ClickInFrame はiframe内の要素をクリックする。
	// Cookie同意バナーがiframeに隔離されているソースで使用する。
	ClickInFrame(ctx context.Context, frameSelector, selector string) error

	// Fill は入力欄に値を設定する。
	Fill(ctx context.Context, selector, value string) error

	// ScrollIntoView は要素を表示領域までスクロールする。
	// 画面外のサブミットボタンはスクロールなしではクリックできない。
	ScrollIntoView(ctx context.Context, selector string) error

	// HTML は現在のページの完全なHTMLを返す。
	HTML(ctx context.Context) (string, error)

	// WaitResponseOK は次のドキュメント応答がHTTP 200で到着するのを
	// タイムアウト付きで待つ。ログイン成功のネットワークレベル確認に使用する。
	WaitResponseOK(ctx context.Context, timeout time.Duration) error

	// Close はセッションを終了し、ブラウザプロセスを解放する。
	Close() error
}

// Factory はSessionの生成を抽象化する。
// オーケストレーターはサブスクリプションごとにセッションを生成する。
type Factory interface {
	NewSession(ctx context.Context) (Session, error)
}

// PageFetcher はSession越しに一覧ページを取得するアダプタ。
// crawler.PageFetcherを満たし、ペイウォール付きソースの
// サイトクローラーに注入される。
type PageFetcher struct {
	session Session
}

// NewPageFetcher はSessionをラップするPageFetcherを生成する。
func NewPageFetcher(session Session) *PageFetcher {
	return &PageFetcher{session: session}
}

// FetchPage はページへ遷移して描画後のHTMLを返す。
func (f *PageFetcher) FetchPage(ctx context.Context, pageURL string) (string, error) {
	if err := f.session.Navigate(ctx, pageURL); err != nil {
		return "", err
	}
	return f.session.HTML(ctx)
}
