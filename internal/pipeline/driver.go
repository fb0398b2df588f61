// Package pipeline は収集からメール配信までの全ステージを
// 固定順序で実行するパイプラインドライバーを提供する。
//
// ステージは永続化された状態（「要約のない記事」など）を入力とするため、
// それぞれが独立に再実行可能であり、途中で停止したパイプラインを
// 再起動しても未完了分のみが処理される。ステージ間のオーバーラップはなく、
// 前段の完了を待ってから次段が開始される。
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/newswatch/internal/harvest"
	"github.com/hitoshi/newswatch/internal/llm"
	"github.com/hitoshi/newswatch/internal/matching"
	"github.com/hitoshi/newswatch/internal/metrics"
	"github.com/hitoshi/newswatch/internal/model"
	"github.com/hitoshi/newswatch/internal/report"
	"github.com/hitoshi/newswatch/internal/repository"
	"github.com/hitoshi/newswatch/internal/vector"
)

// Slot はパイプラインの実行時間帯を表す。
// 朝の実行は前日の深夜に公開された記事を取りこぼさないよう、
// クロール範囲を1日分過去へ広げる。
type Slot string

const (
	// SlotMorning は朝の定期実行。クロール範囲が前日まで広がる。
	SlotMorning Slot = "morning"
	// SlotEvening は夕方の定期実行。当日分のみをクロールする。
	SlotEvening Slot = "evening"
)

// summarizeWidenDays は要約・翻訳ステージが日付フィルタを広げる日数。
// 遅延して到着した記事や順序の乱れたクロール結果を吸収する。
const summarizeWidenDays = 2

// Config はパイプラインの実行パラメータ。
type Config struct {
	// PageSize はページング処理のバッチサイズ。
	PageSize int
	// LookbackDays はマッチング候補の遡及日数。
	LookbackDays int
	// RetentionDays は記事の保持日数。クリーンアップステージで使用する。
	RetentionDays int
}

// Driver はパイプラインドライバーの本体。
// 同時に実行できるパイプラインは1つであり、実行中の二重トリガーは拒否される。
type Driver struct {
	orchestrator *harvest.Orchestrator
	engine       *matching.Engine
	articles     repository.ArticleRepository
	profiles     repository.SearchProfileRepository
	matches      repository.MatchRepository
	emails       repository.ReportEmailRepository
	texts        llm.Service
	vectors      vector.Service
	generator    report.GeneratorService
	mailer       report.MailerService
	collector    metrics.MetricsCollector
	logger       *slog.Logger
	cfg          Config

	running atomic.Bool
}

// NewDriver はDriverを生成する。
func NewDriver(
	orchestrator *harvest.Orchestrator,
	engine *matching.Engine,
	articles repository.ArticleRepository,
	profiles repository.SearchProfileRepository,
	matches repository.MatchRepository,
	emails repository.ReportEmailRepository,
	texts llm.Service,
	vectors vector.Service,
	generator report.GeneratorService,
	mailer report.MailerService,
	collector metrics.MetricsCollector,
	cfg Config,
	logger *slog.Logger,
) *Driver {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 50
	}
	if cfg.LookbackDays <= 0 {
		cfg.LookbackDays = 2
	}
	return &Driver{
		orchestrator: orchestrator,
		engine:       engine,
		articles:     articles,
		profiles:     profiles,
		matches:      matches,
		emails:       emails,
		texts:        texts,
		vectors:      vectors,
		generator:    generator,
		mailer:       mailer,
		collector:    collector,
		logger:       logger,
		cfg:          cfg,
	}
}

// Running はパイプラインが実行中かを返す。
// ジョブAPIが二重トリガーを実行前に拒否するために使用する。
func (d *Driver) Running() bool {
	return d.running.Load()
}

// stage はパイプラインの1ステージ。
type stage struct {
	name string
	run  func(ctx context.Context) error
}

// Run はパイプライン全体を固定順序で実行する。
// すでに実行中の場合はErrCodeJobRunningのAPIErrorを返す。
func (d *Driver) Run(ctx context.Context, slot Slot) error {
	if !d.running.CompareAndSwap(false, true) {
		return model.NewJobAlreadyRunningError("pipeline")
	}
	defer d.running.Store(false)

	now := time.Now().UTC()
	dateEnd := now
	dateStart := now.Truncate(24 * time.Hour)
	if slot == SlotMorning {
		// 深夜に公開された記事を取りこぼさないよう前日分もクロールする
		dateStart = dateStart.AddDate(0, 0, -1)
	}

	var matchRun *model.MatchingRun
	stages := []stage{
		{"crawl", func(ctx context.Context) error { return d.stageCrawl(ctx, dateStart, dateEnd) }},
		{"scrape", d.stageScrape},
		{"summarize", func(ctx context.Context) error { return d.stageSummarize(ctx, dateStart) }},
		{"translate_articles", func(ctx context.Context) error { return d.stageTranslateArticles(ctx, dateStart) }},
		{"translate_entities", func(ctx context.Context) error { return d.stageTranslateEntities(ctx, dateStart) }},
		{"embed", func(ctx context.Context) error { return d.stageEmbed(ctx, dateStart) }},
		{"match", func(ctx context.Context) error {
			run, err := d.engine.Run(ctx, d.cfg.PageSize)
			matchRun = run
			return err
		}},
		{"generate_reports", func(ctx context.Context) error { return d.stageGenerateReports(ctx, matchRun) }},
		{"send_emails", d.stageSendEmails},
		{"cleanup", d.stageCleanup},
	}

	d.logger.Info("パイプラインを開始します",
		slog.String("slot", string(slot)),
		slog.Time("date_start", dateStart),
		slog.Time("date_end", dateEnd),
	)

	for _, s := range stages {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("パイプラインが中断されました: %w", err)
		}

		began := time.Now()
		err := s.run(ctx)
		d.collector.RecordStageLatency(s.name, time.Since(began))
		if err != nil {
			d.logger.Error("ステージが失敗しました。パイプラインを中断します",
				slog.String("stage", s.name),
				slog.String("error", err.Error()),
			)
			return fmt.Errorf("ステージ %s が失敗しました: %w", s.name, err)
		}
		d.logger.Info("ステージが完了しました",
			slog.String("stage", s.name),
			slog.Duration("elapsed", time.Since(began)),
		)
	}

	d.logger.Info("パイプラインが完了しました", slog.String("slot", string(slot)))
	return nil
}

// RunBreakingNews は速報用の短縮パイプラインを実行する。
// 当日の記事をAPI/RSSソースから収集してマッチングまで進めるが、
// レポート生成・メール配信・クリーンアップは行わない。
func (d *Driver) RunBreakingNews(ctx context.Context) error {
	if !d.running.CompareAndSwap(false, true) {
		return model.NewJobAlreadyRunningError("pipeline")
	}
	defer d.running.Store(false)

	now := time.Now().UTC()
	dateStart := now.Truncate(24 * time.Hour)

	stages := []stage{
		{"breaking_crawl", func(ctx context.Context) error {
			for _, kind := range []model.CrawlerKind{model.CrawlerKindAPI, model.CrawlerKindRSS} {
				if _, err := d.orchestrator.RunCrawl(ctx, kind, dateStart, now, 0); err != nil {
					return err
				}
			}
			return nil
		}},
		{"scrape", d.stageScrape},
		{"summarize", func(ctx context.Context) error { return d.stageSummarize(ctx, dateStart) }},
		{"translate_articles", func(ctx context.Context) error { return d.stageTranslateArticles(ctx, dateStart) }},
		{"translate_entities", func(ctx context.Context) error { return d.stageTranslateEntities(ctx, dateStart) }},
		{"embed", func(ctx context.Context) error { return d.stageEmbed(ctx, dateStart) }},
		{"match", func(ctx context.Context) error {
			_, err := d.engine.Run(ctx, d.cfg.PageSize)
			return err
		}},
	}

	d.logger.Info("速報パイプラインを開始します")
	for _, s := range stages {
		began := time.Now()
		err := s.run(ctx)
		d.collector.RecordStageLatency(s.name, time.Since(began))
		if err != nil {
			return fmt.Errorf("ステージ %s が失敗しました: %w", s.name, err)
		}
	}
	d.logger.Info("速報パイプラインが完了しました")
	return nil
}

// stageCrawl は全クローラー種別のクロールを順に実行する。
func (d *Driver) stageCrawl(ctx context.Context, dateStart, dateEnd time.Time) error {
	for _, kind := range []model.CrawlerKind{model.CrawlerKindAPI, model.CrawlerKindRSS, model.CrawlerKindSite} {
		if _, err := d.orchestrator.RunCrawl(ctx, kind, dateStart, dateEnd, 0); err != nil {
			return err
		}
	}
	return nil
}

// stageScrape は全サブスクリプションのスクレイプを実行する。
func (d *Driver) stageScrape(ctx context.Context) error {
	_, err := d.orchestrator.RunScrape(ctx)
	return err
}

// stageSummarize は要約のないSCRAPED記事に要約と固有表現を付与する。
// LLMの失敗は記事単位で許容され、失敗した記事は次回の実行で再処理される。
func (d *Driver) stageSummarize(ctx context.Context, dateStart time.Time) error {
	since := dateStart.AddDate(0, 0, -summarizeWidenDays)

	pending, err := d.collectWithoutSummary(ctx, since)
	if err != nil {
		return err
	}

	for _, article := range pending {
		summary, err := d.texts.Summarize(ctx, article.Title, article.Content)
		if err != nil {
			d.logger.Warn("要約の生成に失敗しました。次回の実行で再試行されます",
				slog.String("article_id", article.ID),
				slog.String("error", err.Error()),
			)
			continue
		}

		entities, err := d.texts.ExtractEntities(ctx, article.Content)
		if err != nil {
			d.logger.Warn("固有表現の抽出に失敗しました。次回の実行で再試行されます",
				slog.String("article_id", article.ID),
				slog.String("error", err.Error()),
			)
			continue
		}

		article.Summary = summary
		article.Entities = entities
		article.Status = model.StatusSummarized
		article.UpdatedAt = time.Now().UTC()
		if err := d.articles.Update(ctx, article); err != nil {
			return fmt.Errorf("記事の更新に失敗しました: %w", err)
		}
	}
	return nil
}

// stageTranslateArticles はSUMMARIZED記事の要約を翻訳する。
func (d *Driver) stageTranslateArticles(ctx context.Context, dateStart time.Time) error {
	since := dateStart.AddDate(0, 0, -summarizeWidenDays)

	pending, err := d.collectByStatus(ctx, model.StatusSummarized, since)
	if err != nil {
		return err
	}

	for _, article := range pending {
		translation, err := d.texts.Translate(ctx, article.Summary)
		if err != nil {
			d.logger.Warn("要約の翻訳に失敗しました。次回の実行で再試行されます",
				slog.String("article_id", article.ID),
				slog.String("error", err.Error()),
			)
			continue
		}

		article.Translation = translation
		article.Status = model.StatusTranslated
		article.UpdatedAt = time.Now().UTC()
		if err := d.articles.Update(ctx, article); err != nil {
			return fmt.Errorf("記事の更新に失敗しました: %w", err)
		}
	}
	return nil
}

// stageTranslateEntities はTRANSLATED記事の固有表現を翻訳する。
// 固有表現は1リクエストにまとめて翻訳し、行単位で元の並びに対応させる。
func (d *Driver) stageTranslateEntities(ctx context.Context, dateStart time.Time) error {
	since := dateStart.AddDate(0, 0, -summarizeWidenDays)

	pending, err := d.collectByStatus(ctx, model.StatusTranslated, since)
	if err != nil {
		return err
	}

	for _, article := range pending {
		if len(article.Entities) == 0 || len(article.EntitiesJA) == len(article.Entities) {
			continue
		}

		translated, err := d.texts.Translate(ctx, strings.Join(article.Entities, "\n"))
		if err != nil {
			d.logger.Warn("固有表現の翻訳に失敗しました。次回の実行で再試行されます",
				slog.String("article_id", article.ID),
				slog.String("error", err.Error()),
			)
			continue
		}

		lines := strings.Split(translated, "\n")
		if len(lines) != len(article.Entities) {
			d.logger.Warn("固有表現の翻訳結果の行数が一致しません。スキップします",
				slog.String("article_id", article.ID),
				slog.Int("expected", len(article.Entities)),
				slog.Int("got", len(lines)),
			)
			continue
		}
		for i := range lines {
			lines[i] = strings.TrimSpace(lines[i])
		}

		article.EntitiesJA = lines
		article.UpdatedAt = time.Now().UTC()
		if err := d.articles.Update(ctx, article); err != nil {
			return fmt.Errorf("記事の更新に失敗しました: %w", err)
		}
	}
	return nil
}

// stageEmbed はTRANSLATED記事をベクトルストアへ登録する。
// 固有表現の翻訳が未完了の記事はTRANSLATEDに留め、次回の実行で
// 固有表現翻訳からやり直させる。EMBEDDEDへ進めると固有表現翻訳の
// 対象から外れ、EntitiesJAが空のまま確定してしまう。
func (d *Driver) stageEmbed(ctx context.Context, dateStart time.Time) error {
	since := dateStart.AddDate(0, 0, -summarizeWidenDays)

	pending, err := d.collectByStatus(ctx, model.StatusTranslated, since)
	if err != nil {
		return err
	}

	for _, article := range pending {
		if len(article.Entities) > 0 && len(article.EntitiesJA) < len(article.Entities) {
			d.logger.Warn("固有表現の翻訳が未完了のため埋め込みを見送ります。次回の実行で再試行されます",
				slog.String("article_id", article.ID),
			)
			continue
		}

		if err := d.vectors.EmbedArticle(ctx, article); err != nil {
			d.logger.Warn("記事の埋め込みに失敗しました。次回の実行で再試行されます",
				slog.String("article_id", article.ID),
				slog.String("error", err.Error()),
			)
			continue
		}

		article.Status = model.StatusEmbedded
		article.UpdatedAt = time.Now().UTC()
		if err := d.articles.Update(ctx, article); err != nil {
			return fmt.Errorf("記事の更新に失敗しました: %w", err)
		}
	}
	return nil
}

// stageGenerateReports はマッチのあるプロファイルごとにレポートを生成し、
// 送信記録をPENDINGで登録する。
func (d *Driver) stageGenerateReports(ctx context.Context, run *model.MatchingRun) error {
	if run == nil {
		return fmt.Errorf("マッチングが実行されていません")
	}

	now := time.Now().UTC()
	for offset := 0; ; offset += d.cfg.PageSize {
		page, err := d.profiles.ListPage(ctx, d.cfg.PageSize, offset)
		if err != nil {
			return fmt.Errorf("検索プロファイルの取得に失敗しました: %w", err)
		}
		if len(page) == 0 {
			break
		}

		for _, profile := range page {
			found, err := d.matches.GetBySearchProfile(ctx, profile.ID)
			if err != nil {
				return fmt.Errorf("マッチの取得に失敗しました: %w", err)
			}
			if len(found) == 0 {
				continue
			}

			reportURL, err := d.generator.Generate(ctx, profile.ID, run.ID)
			if err != nil {
				d.logger.Error("レポートの生成に失敗しました",
					slog.String("profile_id", profile.ID),
					slog.String("error", err.Error()),
				)
				continue
			}

			email := &model.ReportEmail{
				ID:        uuid.NewString(),
				ProfileID: profile.ID,
				RunID:     run.ID,
				ReportURL: reportURL,
				State:     model.EmailStatePending,
				CreatedAt: now,
				UpdatedAt: now,
			}
			if err := d.emails.Insert(ctx, email); err != nil {
				return fmt.Errorf("送信記録の登録に失敗しました: %w", err)
			}
		}

		if len(page) < d.cfg.PageSize {
			break
		}
	}
	return nil
}

// stageSendEmails はPENDINGおよびRETRY状態の送信記録を処理する。
// 送信失敗はRETRYへ遷移し、次回のパイプライン実行で再送される。
func (d *Driver) stageSendEmails(ctx context.Context) error {
	sendable, err := d.emails.ListSendable(ctx)
	if err != nil {
		return fmt.Errorf("送信対象の取得に失敗しました: %w", err)
	}

	now := time.Now().UTC()
	for _, email := range sendable {
		if err := d.mailer.SendReport(ctx, email.ProfileID, email.ReportURL); err != nil {
			email.MarkSendFailure(err.Error(), now)
			d.logger.Warn("レポートメールの送信に失敗しました",
				slog.String("email_id", email.ID),
				slog.String("profile_id", email.ProfileID),
				slog.String("state", string(email.State)),
				slog.Int("attempts", email.Attempts),
			)
		} else {
			email.MarkSent(now)
		}

		if err := d.emails.Update(ctx, email); err != nil {
			return fmt.Errorf("送信記録の更新に失敗しました: %w", err)
		}
	}
	return nil
}

// stageCleanup は保持期間を超過した記事を削除する。
func (d *Driver) stageCleanup(ctx context.Context) error {
	if d.cfg.RetentionDays <= 0 {
		return nil
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -d.cfg.RetentionDays)
	deleted, err := d.articles.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("記事のクリーンアップに失敗しました: %w", err)
	}
	if deleted > 0 {
		d.logger.Info("保持期間を超過した記事を削除しました",
			slog.Int64("deleted", deleted),
			slog.Time("cutoff", cutoff),
		)
	}
	return nil
}

// collectWithoutSummary は要約のない記事を全ページ分収集する。
// 処理が記事をフィルタ条件から外しながら進むため、
// 収集と更新を分離してオフセットのずれを避ける。
func (d *Driver) collectWithoutSummary(ctx context.Context, since time.Time) ([]*model.Article, error) {
	var all []*model.Article
	for offset := 0; ; offset += d.cfg.PageSize {
		page, err := d.articles.ListWithoutSummary(ctx, since, d.cfg.PageSize, offset)
		if err != nil {
			return nil, fmt.Errorf("要約未生成記事の取得に失敗しました: %w", err)
		}
		all = append(all, page...)
		if len(page) < d.cfg.PageSize {
			break
		}
	}
	return all, nil
}

// collectByStatus は指定状態の記事を全ページ分収集する。
func (d *Driver) collectByStatus(ctx context.Context, status model.ArticleStatus, since time.Time) ([]*model.Article, error) {
	var all []*model.Article
	for offset := 0; ; offset += d.cfg.PageSize {
		page, err := d.articles.ListByStatusSince(ctx, status, since, d.cfg.PageSize, offset)
		if err != nil {
			return nil, fmt.Errorf("状態別記事の取得に失敗しました: %w", err)
		}
		all = append(all, page...)
		if len(page) < d.cfg.PageSize {
			break
		}
	}
	return all, nil
}
