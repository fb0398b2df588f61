package harvest

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hitoshi/newswatch/internal/browser"
	"github.com/hitoshi/newswatch/internal/crawler"
	"github.com/hitoshi/newswatch/internal/model"
	"github.com/hitoshi/newswatch/internal/scraper"
)

// ScrapeSummary はスクレイプ実行全体の集計結果。
type ScrapeSummary struct {
	Subscriptions int `json:"subscriptions"`
	Attempted     int `json:"attempted"`
	Scraped       int `json:"scraped"`
	Errored       int `json:"errored"`
}

// RunScrape は全アクティブサブスクリプションの未スクレイプ記事を処理する。
//
// ログインはサブスクリプションごとに高々1回。ログインに失敗した場合、
// そのサブスクリプションの全NEW記事は個別に再試行されることなく
// ERRORへ遷移する。同一ソース内の記事は礼節待機を挟んで逐次処理される。
func (o *Orchestrator) RunScrape(ctx context.Context) (*ScrapeSummary, error) {
	subs, err := o.subs.GetActiveWithScrapers(ctx)
	if err != nil {
		return nil, fmt.Errorf("サブスクリプションの取得に失敗しました: %w", err)
	}

	o.logger.Info("スクレイプを開始します", slog.Int("subscriptions", len(subs)))

	summary := &ScrapeSummary{Subscriptions: len(subs)}
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

			if sub.IsPaywalled {
				browserSem <- struct{}{}
				defer func() { <-browserSem }()
			}

			subCtx, cancel := context.WithTimeout(ctx, o.cfg.SubscriptionTimeout)
			defer cancel()

			attempted, scraped, errored := o.scrapeSubscription(subCtx, sub)

			mu.Lock()
			summary.Attempted += attempted
			summary.Scraped += scraped
			summary.Errored += errored
			mu.Unlock()
		}(sub)
	}
	wg.Wait()

	o.logger.Info("スクレイプが完了しました",
		slog.Int("attempted", summary.Attempted),
		slog.Int("scraped", summary.Scraped),
		slog.Int("errored", summary.Errored),
	)
	return summary, nil
}

// scrapeSubscription は1サブスクリプションのNEW記事を古い順に処理する。
// 失敗はこのサブスクリプション内に閉じ、呼び出し側へは集計のみ返す。
func (o *Orchestrator) scrapeSubscription(ctx context.Context, sub *model.Subscription) (attempted, scraped, errored int) {
	pending, err := o.articles.ListNewBySubscription(ctx, sub.ID)
	if err != nil {
		o.logger.Error("未スクレイプ記事の取得に失敗しました",
			slog.String("subscription_id", sub.ID),
			slog.String("error", err.Error()),
		)
		return 0, 0, 0
	}
	if len(pending) == 0 {
		return 0, 0, 0
	}

	sc, err := scraper.New(sub, o.scraperDeps)
	if err != nil {
		o.logger.Error("スクレイパーの構築に失敗しました",
			slog.String("subscription_id", sub.ID),
			slog.String("error", err.Error()),
		)
		return 0, 0, 0
	}

	var fetcher crawler.PageFetcher
	if sub.IsPaywalled {
		session, release, err := o.openAuthenticatedSession(ctx, sub)
		if err != nil {
			// ログイン失敗は記事単位で再試行しない。全NEW記事をERRORへ落とす
			o.failAll(ctx, sub, pending, "ログインに失敗しました")
			return len(pending), 0, len(pending)
		}
		defer release()
		fetcher = browser.NewPageFetcher(session)
	} else {
		fetcher = crawler.NewHTTPPageFetcher(o.crawlerDeps)
	}

	// attemptedは処理済みの接頭辞ではなくキュー全体を数える。
	// 時間切れで放棄された記事は統計のnotesで区別できるようにする
	attempted = len(pending)

	var notes []string
	for i, article := range pending {
		if ctx.Err() != nil {
			notes = append(notes, fmt.Sprintf("時間切れにより残り%d件を中断しました", len(pending)-i))
			break
		}
		if i > 0 {
			o.politenessWait(ctx)
		}

		html, err := fetcher.FetchPage(ctx, article.URL)
		if err != nil {
			article.MarkError(fmt.Sprintf("記事の取得に失敗しました: %v", err))
			notes = append(notes, err.Error())
		} else {
			sc.Extract(html, article)
		}

		if err := o.articles.Update(ctx, article); err != nil {
			o.logger.Error("記事の更新に失敗しました",
				slog.String("article_id", article.ID),
				slog.String("error", err.Error()),
			)
			continue
		}

		switch article.Status {
		case model.StatusScraped:
			scraped++
			o.collector.RecordScrapeSuccess()
		case model.StatusError:
			errored++
			notes = append(notes, article.StatusNote)
			o.collector.RecordScrapeFailure("extract")
		}
	}

	o.recordStats(ctx, sub, attempted, scraped, joinNotes(notes))
	o.logger.Info("サブスクリプションのスクレイプが完了しました",
		slog.String("subscription_id", sub.ID),
		slog.String("name", sub.Name),
		slog.Int("attempted", attempted),
		slog.Int("scraped", scraped),
		slog.Int("errored", errored),
	)
	return attempted, scraped, errored
}

// failAll はサブスクリプションの全NEW記事をERRORへ遷移させる。
func (o *Orchestrator) failAll(ctx context.Context, sub *model.Subscription, pending []*model.Article, note string) {
	for _, article := range pending {
		article.MarkError(note)
		if err := o.articles.Update(ctx, article); err != nil {
			o.logger.Error("記事の更新に失敗しました",
				slog.String("article_id", article.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	o.collector.RecordScrapeFailure("login")
	o.recordStats(ctx, sub, len(pending), 0, note)
	o.logger.Warn("ログイン失敗によりサブスクリプションをスキップしました",
		slog.String("subscription_id", sub.ID),
		slog.String("name", sub.Name),
		slog.Int("articles", len(pending)),
	)
}
