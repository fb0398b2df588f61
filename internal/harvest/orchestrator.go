// Package harvest はサブスクリプション群に対するクロール・スクレイプの
// オーケストレーションを提供する。
//
// オーケストレーターはサブスクリプション単位で障害を隔離する:
// 1つのソースの失敗はログと統計に記録されるのみで、他のソースの
// 処理を妨げない。実行全体がエラーを返すのは前提条件の違反
// （不正な日付範囲など）に限られる。
package harvest

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/newswatch/internal/browser"
	"github.com/hitoshi/newswatch/internal/crawler"
	"github.com/hitoshi/newswatch/internal/metrics"
	"github.com/hitoshi/newswatch/internal/model"
	"github.com/hitoshi/newswatch/internal/repository"
	"github.com/hitoshi/newswatch/internal/scraper"
	"github.com/hitoshi/newswatch/internal/security"
)

// Config はオーケストレーターの実行パラメータ。
type Config struct {
	// CrawlConcurrency はHTTP層（api/rss/非ペイウォールsite）の最大並列数。
	CrawlConcurrency int
	// BrowserConcurrency はブラウザセッションを要する処理の最大並列数。
	// ブラウザは1セッション1プロセスのため1桁台に抑える。
	BrowserConcurrency int
	// SubscriptionTimeout はサブスクリプション1件あたりの処理時間上限。
	SubscriptionTimeout time.Duration
	// PolitenessMin/Max は同一ソースへの記事フェッチ間の待機範囲。
	PolitenessMin time.Duration
	PolitenessMax time.Duration
}

// Orchestrator はハーベスト実行の本体。
type Orchestrator struct {
	subs      repository.SubscriptionRepository
	articles  repository.ArticleRepository
	stats     repository.CrawlStatsRepository
	box       *security.CredentialBox
	sessions  browser.Factory
	login     *browser.LoginAutomation
	collector metrics.MetricsCollector
	logger    *slog.Logger
	cfg       Config

	crawlerDeps crawler.Deps
	scraperDeps scraper.Deps
}

// NewOrchestrator はOrchestratorを生成する。
func NewOrchestrator(
	subs repository.SubscriptionRepository,
	articles repository.ArticleRepository,
	stats repository.CrawlStatsRepository,
	box *security.CredentialBox,
	sessions browser.Factory,
	login *browser.LoginAutomation,
	collector metrics.MetricsCollector,
	crawlerDeps crawler.Deps,
	scraperDeps scraper.Deps,
	cfg Config,
	logger *slog.Logger,
) *Orchestrator {
	if cfg.CrawlConcurrency <= 0 {
		cfg.CrawlConcurrency = 1
	}
	if cfg.BrowserConcurrency <= 0 {
		cfg.BrowserConcurrency = 1
	}
	return &Orchestrator{
		subs:        subs,
		articles:    articles,
		stats:       stats,
		box:         box,
		sessions:    sessions,
		login:       login,
		collector:   collector,
		logger:      logger,
		cfg:         cfg,
		crawlerDeps: crawlerDeps,
		scraperDeps: scraperDeps,
	}
}

// CrawlSummary はクロール実行全体の集計結果。
type CrawlSummary struct {
	Subscriptions int `json:"subscriptions"`
	Failed        int `json:"failed"`
	Attempted     int `json:"attempted"`
	Inserted      int `json:"inserted"`
}

// RunCrawl は指定種別の全アクティブサブスクリプションをクロールする。
// 日付範囲はUTCで解釈され、dateStart > dateEndの場合は即座にエラーを返す。
// サブスクリプション間の失敗は隔離され、実行は継続される。
func (o *Orchestrator) RunCrawl(ctx context.Context, kind model.CrawlerKind, dateStart, dateEnd time.Time, limit int) (*CrawlSummary, error) {
	if dateStart.After(dateEnd) {
		return nil, model.NewInvalidDateRangeError(
			dateStart.Format("2006-01-02") + " > " + dateEnd.Format("2006-01-02"))
	}

	subs, err := o.subs.GetActiveWithCrawlers(ctx, kind)
	if err != nil {
		return nil, fmt.Errorf("サブスクリプションの取得に失敗しました: %w", err)
	}

	o.logger.Info("クロールを開始します",
		slog.String("kind", string(kind)),
		slog.Int("subscriptions", len(subs)),
		slog.Time("date_start", dateStart),
		slog.Time("date_end", dateEnd),
	)

	summary := &CrawlSummary{Subscriptions: len(subs)}
	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, o.cfg.CrawlConcurrency)
	browserSem := make(chan struct{}, o.cfg.BrowserConcurrency)

	for _, sub := range subs {
		wg.Add(1)
		sem <- struct{}{}
		go func(sub *model.Subscription) {
			defer wg.Done()
			defer func() { <-sem }()

			// ブラウザセッションを要するソースは別枠の狭いセマフォも取得する
			needsBrowser := sub.CrawlerKind == model.CrawlerKindSite && sub.IsPaywalled
			if needsBrowser {
				browserSem <- struct{}{}
				defer func() { <-browserSem }()
			}

			subCtx, cancel := context.WithTimeout(ctx, o.cfg.SubscriptionTimeout)
			defer cancel()

			attempted, inserted, err := o.crawlSubscription(subCtx, sub, dateStart, dateEnd, limit)

			mu.Lock()
			summary.Attempted += attempted
			summary.Inserted += inserted
			if err != nil {
				summary.Failed++
			}
			mu.Unlock()

			if err != nil {
				o.collector.RecordCrawlFailure(string(sub.CrawlerKind))
				o.logger.Error("サブスクリプションのクロールに失敗しました",
					slog.String("subscription_id", sub.ID),
					slog.String("name", sub.Name),
					slog.String("error", err.Error()),
				)
			} else {
				o.collector.RecordCrawlSuccess(string(sub.CrawlerKind))
			}
		}(sub)
	}
	wg.Wait()

	o.collector.RecordArticlesInserted(summary.Inserted)
	o.logger.Info("クロールが完了しました",
		slog.String("kind", string(kind)),
		slog.Int("attempted", summary.Attempted),
		slog.Int("inserted", summary.Inserted),
		slog.Int("failed", summary.Failed),
	)
	return summary, nil
}

// crawlSubscription は1サブスクリプションをクロールし、
// 発見数と重複排除後の挿入数を返す。統計は成否にかかわらず記録する。
func (o *Orchestrator) crawlSubscription(ctx context.Context, sub *model.Subscription, dateStart, dateEnd time.Time, limit int) (int, int, error) {
	deps := o.crawlerDeps

	// ペイウォール付きサイトの一覧ページはログイン済みセッション越しに取得する
	if sub.CrawlerKind == model.CrawlerKindSite && sub.IsPaywalled {
		session, release, err := o.openAuthenticatedSession(ctx, sub)
		if err != nil {
			o.recordStats(ctx, sub, 0, 0, err.Error())
			return 0, 0, err
		}
		defer release()
		deps.PageFetcher = browser.NewPageFetcher(session)
	}

	c, err := crawler.New(sub, deps)
	if err != nil {
		o.recordStats(ctx, sub, 0, 0, err.Error())
		return 0, 0, err
	}

	found, err := c.CrawlURLs(ctx, dateStart, dateEnd, limit)
	if err != nil {
		o.recordStats(ctx, sub, 0, 0, err.Error())
		return 0, 0, err
	}

	now := time.Now().UTC()
	batch := make([]*model.Article, 0, len(found))
	for i := range found {
		a := found[i]
		a.ID = uuid.NewString()
		a.SubscriptionID = sub.ID
		a.Status = model.StatusNew
		a.CrawledAt = now
		batch = append(batch, &a)
	}

	inserted, err := o.articles.CreateBatch(ctx, batch)
	if err != nil {
		o.recordStats(ctx, sub, len(batch), 0, err.Error())
		return len(batch), 0, fmt.Errorf("記事のバッチ挿入に失敗しました: %w", err)
	}

	o.recordStats(ctx, sub, len(batch), inserted, "")
	o.logger.Info("サブスクリプションのクロールが完了しました",
		slog.String("subscription_id", sub.ID),
		slog.String("name", sub.Name),
		slog.Int("found", len(batch)),
		slog.Int("inserted", inserted),
	)
	return len(batch), inserted, nil
}

// openAuthenticatedSession はブラウザセッションを開き、資格情報が
// 構成されていればログインまで行う。releaseは必ず呼び出すこと。
func (o *Orchestrator) openAuthenticatedSession(ctx context.Context, sub *model.Subscription) (browser.Session, func(), error) {
	session, err := o.sessions.NewSession(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("ブラウザセッションの生成に失敗しました: %w", err)
	}
	release := func() {
		o.login.Logout(ctx, session, sub.LoginSelectors)
		if err := session.Close(); err != nil {
			o.logger.Warn("セッションのクローズに失敗しました",
				slog.String("subscription_id", sub.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	if !sub.HasCredentials() {
		return session, release, nil
	}

	password, err := o.box.Decrypt(sub.SecretEncrypted)
	if err != nil {
		release()
		return nil, nil, fmt.Errorf("資格情報の復号に失敗しました: %w", err)
	}

	now := time.Now().UTC()
	if err := o.subs.TouchLoginAttempt(ctx, sub.ID, now); err != nil {
		o.logger.Warn("ログイン試行日時の更新に失敗しました",
			slog.String("subscription_id", sub.ID),
			slog.String("error", err.Error()),
		)
	}

	ok := o.login.Login(ctx, session, browser.LoginConfig{
		URL:       o.loginURL(sub),
		Username:  sub.Username,
		Password:  password,
		Selectors: sub.LoginSelectors,
	})
	o.collector.RecordLoginAttempt(ok)
	if !ok {
		release()
		return nil, nil, fmt.Errorf("ログインに失敗しました: %s", sub.Domain)
	}
	return session, release, nil
}

// loginURL はサブスクリプションのログインページURLを返す。
// 明示設定がなければドメイントップを使用する。
func (o *Orchestrator) loginURL(sub *model.Subscription) string {
	if u := sub.ScraperParams["login_url"]; u != "" {
		return u
	}
	return "https://" + sub.Domain
}

// recordStats はクロール統計を記録する。統計の書き込み失敗は
// ハーベスト自体を失敗させない。
func (o *Orchestrator) recordStats(ctx context.Context, sub *model.Subscription, attempted, successful int, notes string) {
	_, err := o.stats.Insert(ctx, &model.CrawlStats{
		ID:              uuid.NewString(),
		SubscriptionID:  sub.ID,
		CrawlDate:       time.Now().UTC().Truncate(24 * time.Hour),
		TotalAttempted:  attempted,
		TotalSuccessful: successful,
		Notes:           notes,
	})
	if err != nil {
		o.logger.Warn("クロール統計の記録に失敗しました",
			slog.String("subscription_id", sub.ID),
			slog.String("error", err.Error()),
		)
	}
}

// politenessWait は記事フェッチ間の礼節待機を行う。
// 待機時間は設定範囲内の一様乱数で、機械的なアクセス間隔を避ける。
func (o *Orchestrator) politenessWait(ctx context.Context) {
	min := o.cfg.PolitenessMin
	max := o.cfg.PolitenessMax
	if max < min {
		max = min
	}
	d := min
	if max > min {
		d = min + time.Duration(rand.Int63n(int64(max-min)))
	}
	if d <= 0 {
		return
	}
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
}

// joinNotes は失敗理由を重複排除して連結する。
func joinNotes(notes []string) string {
	seen := make(map[string]struct{}, len(notes))
	var uniq []string
	for _, n := range notes {
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		uniq = append(uniq, n)
	}
	return strings.Join(uniq, "; ")
}
