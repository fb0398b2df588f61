package browser

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
)

// ChromeFactory はchromedpによるSessionを生成するFactory実装。
// ヘッドレスブラウザは1セッションにつき1プロセスを占有するため、
// 生成数はオーケストレーターのブラウザ層並列数で制限される。
type ChromeFactory struct {
	headless bool
}

// NewChromeFactory はChromeFactoryを生成する。
func NewChromeFactory(headless bool) *ChromeFactory {
	return &ChromeFactory{headless: headless}
}

// NewSession は新しいブラウザセッションを起動する。
func (f *ChromeFactory) NewSession(ctx context.Context) (Session, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", f.headless),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.WindowSize(1366, 900),
	)

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	// ブラウザプロセスを即座に起動し、起動失敗を構築時に検出する
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("ブラウザの起動に失敗しました: %w", err)
	}

	return &chromeSession{
		ctx:           browserCtx,
		browserCancel: browserCancel,
		allocCancel:   allocCancel,
	}, nil
}

// chromeSession はchromedpによるSession実装。
type chromeSession struct {
	ctx           context.Context
	browserCancel context.CancelFunc
	allocCancel   context.CancelFunc
}

// Navigate は指定URLへ遷移し、bodyの準備完了を待つ。
func (s *chromeSession) Navigate(ctx context.Context, url string) error {
	return s.run(ctx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
}

// WaitVisible はセレクタにマッチする要素の表示を待つ。
func (s *chromeSession) WaitVisible(ctx context.Context, selector string) error {
	return s.run(ctx, chromedp.WaitVisible(selector, chromedp.ByQuery))
}

// Click はセレクタにマッチする要素をクリックする。
func (s *chromeSession) Click(ctx context.Context, selector string) error {
	return s.run(ctx, chromedp.Click(selector, chromedp.ByQuery, chromedp.NodeVisible))
}

// ClickInFrame はiframe内の要素をJS経由でクリックする。
// chromedpのセレクタはフレーム境界を越えないため、
// contentDocumentを直接参照する。
func (s *chromeSession) ClickInFrame(ctx context.Context, frameSelector, selector string) error {
	script := fmt.Sprintf(
		`(() => {
			const frame = document.querySelector(%q);
			if (!frame || !frame.contentDocument) { return false; }
			const el = frame.contentDocument.querySelector(%q);
			if (!el) { return false; }
			el.click();
			return true;
		})()`, frameSelector, selector)

	var clicked bool
	if err := s.run(ctx, chromedp.Evaluate(script, &clicked)); err != nil {
		return err
	}
	if !clicked {
		return fmt.Errorf("iframe内の要素が見つかりません: frame=%s selector=%s", frameSelector, selector)
	}
	return nil
}

// Fill は入力欄に値を設定する。
func (s *chromeSession) Fill(ctx context.Context, selector, value string) error {
	return s.run(ctx,
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.SetValue(selector, value, chromedp.ByQuery),
	)
}

// ScrollIntoView は要素を表示領域までスクロールする。
func (s *chromeSession) ScrollIntoView(ctx context.Context, selector string) error {
	return s.run(ctx, chromedp.ScrollIntoView(selector, chromedp.ByQuery))
}

// HTML は現在のページの完全なHTMLを返す。
func (s *chromeSession) HTML(ctx context.Context) (string, error) {
	var html string
	if err := s.run(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", err
	}
	return html, nil
}

// WaitResponseOK は次のドキュメント応答がHTTP 200で到着するのを待つ。
func (s *chromeSession) WaitResponseOK(ctx context.Context, timeout time.Duration) error {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan struct{})
	var once bool

	listenCtx, stopListen := context.WithCancel(s.ctx)
	defer stopListen()

	chromedp.ListenTarget(listenCtx, func(ev interface{}) {
		resp, ok := ev.(*network.EventResponseReceived)
		if !ok || once {
			return
		}
		if resp.Type == network.ResourceTypeDocument && resp.Response.Status == 200 {
			once = true
			close(done)
		}
	})

	if err := s.run(waitCtx, network.Enable()); err != nil {
		return fmt.Errorf("ネットワーク監視の有効化に失敗しました: %w", err)
	}

	select {
	case <-done:
		return nil
	case <-waitCtx.Done():
		return fmt.Errorf("ログイン成功応答の待機がタイムアウトしました: %w", waitCtx.Err())
	}
}

// Close はセッションを終了し、ブラウザプロセスを解放する。
func (s *chromeSession) Close() error {
	s.browserCancel()
	s.allocCancel()
	return nil
}

// run は呼び出し側のコンテキストのキャンセルを尊重しつつ
// セッションのブラウザコンテキストでアクションを実行する。
func (s *chromeSession) run(ctx context.Context, actions ...chromedp.Action) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- chromedp.Run(s.ctx, actions...)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
