package browser

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/newswatch/internal/model"
)

// loginSuccessTimeout はログイン成功シグナルの待機上限。
const loginSuccessTimeout = 20 * time.Second

// LoginConfig はログイン自動化の入力。
// Passwordは呼び出し側が復号した平文であり、ログに出力してはならない。
type LoginConfig struct {
	URL       string
	Username  string
	Password  string
	Selectors model.LoginSelectors
}

// LoginAutomation はセレクタ設定に基づくブラウザログインの自動化。
// 失敗は例外ではなくfalseとして返され、原因はログにのみ記録される。
// 呼び出し側（オーケストレーター）はfalseを「このサブスクリプションの
// スクレイプパス全体をスキップする」と解釈する。
type LoginAutomation struct {
	logger *slog.Logger
}

// NewLoginAutomation はLoginAutomationを生成する。
func NewLoginAutomation(logger *slog.Logger) *LoginAutomation {
	return &LoginAutomation{logger: logger}
}

// Login はログインページへ遷移し、Cookie同意の解除、資格情報の入力、
// サブミットを順に実行する。いずれかの必須ステップの失敗でfalseを返す。
func (l *LoginAutomation) Login(ctx context.Context, session Session, cfg LoginConfig) bool {
	sel := cfg.Selectors

	if err := session.Navigate(ctx, cfg.URL); err != nil {
		l.logFailure(cfg.URL, "ログインページへの遷移", err)
		return false
	}

	// Cookie同意の解除は構成されていても失敗を許容する。
	// バナーは表示されないことがあり、不在は失敗ではない。
	l.dismissCookieConsent(ctx, session, sel)

	if sel.LoginLink != "" {
		if err := session.Click(ctx, sel.LoginLink); err != nil {
			l.logFailure(cfg.URL, "ログインリンクのクリック", err)
			return false
		}
	}

	if err := session.WaitVisible(ctx, sel.Username); err != nil {
		l.logFailure(cfg.URL, "ログインフォームの表示待機", err)
		return false
	}
	if err := session.Fill(ctx, sel.Username, cfg.Username); err != nil {
		l.logFailure(cfg.URL, "ユーザー名の入力", err)
		return false
	}
	if err := session.Fill(ctx, sel.Password, cfg.Password); err != nil {
		l.logFailure(cfg.URL, "パスワードの入力", err)
		return false
	}

	// サブミットボタンは画面外にあることがあるため、クリック前に必ずスクロールする
	if err := session.ScrollIntoView(ctx, sel.Submit); err != nil {
		l.logFailure(cfg.URL, "サブミットボタンへのスクロール", err)
		return false
	}
	if err := session.Click(ctx, sel.Submit); err != nil {
		l.logFailure(cfg.URL, "サブミットのクリック", err)
		return false
	}

	if sel.SecondSubmit != "" {
		if err := session.WaitVisible(ctx, sel.SecondSubmit); err != nil {
			l.logFailure(cfg.URL, "第2サブミットの表示待機", err)
			return false
		}
		if err := session.Click(ctx, sel.SecondSubmit); err != nil {
			l.logFailure(cfg.URL, "第2サブミットのクリック", err)
			return false
		}
	}

	if err := l.waitForSuccess(ctx, session, sel); err != nil {
		l.logFailure(cfg.URL, "ログイン成功シグナルの待機", err)
		return false
	}

	l.logger.Info("ログインに成功しました", slog.String("url", cfg.URL))
	return true
}

// Logout はログアウトをベストエフォートで実行する。
// 失敗はログに記録されるのみで、呼び出し側の処理を妨げない。
func (l *LoginAutomation) Logout(ctx context.Context, session Session, selectors model.LoginSelectors) {
	if selectors.Logout == "" {
		return
	}

	if selectors.Profile != "" {
		if err := session.Click(ctx, selectors.Profile); err != nil {
			l.logger.Warn("プロファイルメニューのクリックに失敗しました",
				slog.String("error", err.Error()),
			)
			return
		}
	}
	if err := session.Click(ctx, selectors.Logout); err != nil {
		l.logger.Warn("ログアウトのクリックに失敗しました",
			slog.String("error", err.Error()),
		)
	}
}

// dismissCookieConsent はCookie同意バナーをベストエフォートで解除する。
func (l *LoginAutomation) dismissCookieConsent(ctx context.Context, session Session, sel model.LoginSelectors) {
	if sel.CookieAccept == "" {
		return
	}

	var err error
	if sel.CookieIframe != "" {
		err = session.ClickInFrame(ctx, sel.CookieIframe, sel.CookieAccept)
	} else {
		err = session.Click(ctx, sel.CookieAccept)
	}
	if err != nil {
		l.logger.Info("Cookie同意バナーは解除できませんでした（不在の可能性）",
			slog.String("error", err.Error()),
		)
	}
}

// waitForSuccess はログイン成功を確認する。
// プロファイル要素が構成されていればその表示を、なければ
// ネットワークレベルのHTTP 200応答を成功シグナルとする。
func (l *LoginAutomation) waitForSuccess(ctx context.Context, session Session, sel model.LoginSelectors) error {
	if sel.Profile != "" {
		waitCtx, cancel := context.WithTimeout(ctx, loginSuccessTimeout)
		defer cancel()
		if err := session.WaitVisible(waitCtx, sel.Profile); err != nil {
			return fmt.Errorf("プロファイル要素が表示されません: %w", err)
		}
		return nil
	}
	return session.WaitResponseOK(ctx, loginSuccessTimeout)
}

// logFailure はログイン失敗の原因を記録する。資格情報は含めない。
func (l *LoginAutomation) logFailure(url, step string, err error) {
	l.logger.Warn("ログイン自動化が失敗しました",
		slog.String("url", url),
		slog.String("step", step),
		slog.String("error", err.Error()),
	)
}
