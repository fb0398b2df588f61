// Package matching は記事と検索プロファイルの関連付けを行うマッチングエンジンを提供する。
//
// エンジンは実行ごとにMatchingRunを作成する追記専用の設計を採り、
// 過去のランキングを上書きしない。同一(プロファイル, トピック, 記事)の
// 重複は永続化層の一意制約で吸収され、衝突はエラーとして扱わない。
package matching

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/newswatch/internal/metrics"
	"github.com/hitoshi/newswatch/internal/model"
	"github.com/hitoshi/newswatch/internal/repository"
	"github.com/hitoshi/newswatch/internal/vector"
)

// AlgorithmVersion は現行のスコアリングアルゴリズムの識別子。
// MatchingRunに記録され、アルゴリズム変更時の結果比較に使用する。
const AlgorithmVersion = "kw-sim-v1"

// キーワード一致と類似度の重み。キーワードは明示的なユーザー意図であるため
// 類似度よりやや重く扱う。
const (
	keywordWeight    = 0.6
	similarityWeight = 0.4
)

// Config はマッチングエンジンの実行パラメータ。
type Config struct {
	// Threshold はMatchを永続化する最小スコア。
	Threshold float64
	// TopTopics は1記事あたりに保持する最大トピック数。
	TopTopics int
	// Lookback は候補記事の公開日時の遡及範囲。
	Lookback time.Duration
}

// Engine はマッチングエンジンの本体。
type Engine struct {
	profiles  repository.SearchProfileRepository
	articles  repository.ArticleRepository
	matches   repository.MatchRepository
	vectors   vector.Service
	collector metrics.MetricsCollector
	logger    *slog.Logger
	cfg       Config
}

// NewEngine はEngineを生成する。
func NewEngine(
	profiles repository.SearchProfileRepository,
	articles repository.ArticleRepository,
	matches repository.MatchRepository,
	vectors vector.Service,
	collector metrics.MetricsCollector,
	cfg Config,
	logger *slog.Logger,
) *Engine {
	if cfg.TopTopics <= 0 {
		cfg.TopTopics = 3
	}
	return &Engine{
		profiles:  profiles,
		articles:  articles,
		matches:   matches,
		vectors:   vectors,
		collector: collector,
		logger:    logger,
		cfg:       cfg,
	}
}

// Run は全検索プロファイルのマッチングを実行し、このパスのMatchingRunを返す。
// プロファイルはpageSize件ずつページングで処理され、1プロファイルの
// 失敗は他のプロファイルの処理を妨げない。
func (e *Engine) Run(ctx context.Context, pageSize int) (*model.MatchingRun, error) {
	if pageSize <= 0 {
		pageSize = 50
	}

	run, err := e.matches.CreateRun(ctx, AlgorithmVersion)
	if err != nil {
		return nil, fmt.Errorf("MatchingRunの作成に失敗しました: %w", err)
	}

	candidates, err := e.loadCandidates(ctx, pageSize)
	if err != nil {
		return nil, err
	}

	e.logger.Info("マッチングを開始します",
		slog.String("run_id", run.ID),
		slog.String("algorithm_version", run.AlgorithmVersion),
		slog.Int("candidates", len(candidates)),
	)

	total := 0
	failed := 0
	for offset := 0; ; offset += pageSize {
		page, err := e.profiles.ListPage(ctx, pageSize, offset)
		if err != nil {
			return nil, fmt.Errorf("検索プロファイルの取得に失敗しました: %w", err)
		}
		if len(page) == 0 {
			break
		}

		for _, profile := range page {
			created, err := e.matchProfile(ctx, run, profile, candidates)
			if err != nil {
				failed++
				e.logger.Error("プロファイルのマッチングに失敗しました",
					slog.String("profile_id", profile.ID),
					slog.String("name", profile.Name),
					slog.String("error", err.Error()),
				)
				continue
			}
			total += created
		}

		if len(page) < pageSize {
			break
		}
	}

	e.collector.RecordMatchesCreated(total)
	e.logger.Info("マッチングが完了しました",
		slog.String("run_id", run.ID),
		slog.Int("matches", total),
		slog.Int("failed_profiles", failed),
	)
	return run, nil
}

// RunForProfile は単一プロファイルの再マッチングを実行する。
// 既存のマッチは削除されてから新しいMatchingRunで再構築される。
func (e *Engine) RunForProfile(ctx context.Context, profileID string, pageSize int) error {
	if pageSize <= 0 {
		pageSize = 50
	}

	profile, err := e.profiles.FindByID(ctx, profileID)
	if err != nil {
		return fmt.Errorf("検索プロファイルの取得に失敗しました: %w", err)
	}
	if profile == nil {
		return fmt.Errorf("検索プロファイルが見つかりません: %s", profileID)
	}

	if err := e.matches.DeleteForProfile(ctx, profileID); err != nil {
		return fmt.Errorf("既存マッチの削除に失敗しました: %w", err)
	}

	run, err := e.matches.CreateRun(ctx, AlgorithmVersion)
	if err != nil {
		return fmt.Errorf("MatchingRunの作成に失敗しました: %w", err)
	}

	candidates, err := e.loadCandidates(ctx, pageSize)
	if err != nil {
		return err
	}

	created, err := e.matchProfile(ctx, run, profile, candidates)
	if err != nil {
		return err
	}

	e.collector.RecordMatchesCreated(created)
	e.logger.Info("プロファイルの再マッチングが完了しました",
		slog.String("profile_id", profileID),
		slog.String("run_id", run.ID),
		slog.Int("matches", created),
	)
	return nil
}

// loadCandidates はマッチング対象の記事（EMBEDDED状態かつ遡及範囲内）を
// ページングで全件ロードする。
func (e *Engine) loadCandidates(ctx context.Context, pageSize int) ([]*model.Article, error) {
	since := time.Now().UTC().Add(-e.cfg.Lookback)
	var candidates []*model.Article
	for offset := 0; ; offset += pageSize {
		page, err := e.articles.ListByStatusSince(ctx, model.StatusEmbedded, since, pageSize, offset)
		if err != nil {
			return nil, fmt.Errorf("候補記事の取得に失敗しました: %w", err)
		}
		candidates = append(candidates, page...)
		if len(page) < pageSize {
			break
		}
	}
	return candidates, nil
}

// scoredPair は順位付け前の(記事, トピック)のスコア。
type scoredPair struct {
	article *model.Article
	topic   *model.Topic
	score   float64
}

// matchProfile は1つのプロファイルに対するマッチングを実行し、
// 作成されたマッチ数を返す。
func (e *Engine) matchProfile(ctx context.Context, run *model.MatchingRun, profile *model.SearchProfile, candidates []*model.Article) (int, error) {
	if len(profile.Topics) == 0 || len(candidates) == 0 {
		return 0, nil
	}

	// トピックごとの類似度をベクトルサービスから取得する。
	// 類似検索の失敗はキーワードのみのスコアリングに縮退する。
	similarities := make([]map[string]float64, len(profile.Topics))
	for i := range profile.Topics {
		topic := &profile.Topics[i]
		sims, err := e.vectors.RetrieveBySimilarity(ctx, topicQuery(topic), 0)
		if err != nil {
			e.logger.Warn("類似検索に失敗しました。キーワードのみでスコアリングします",
				slog.String("topic_id", topic.ID),
				slog.String("error", err.Error()),
			)
			sims = nil
		}
		byArticle := make(map[string]float64, len(sims))
		for _, doc := range sims {
			byArticle[doc.ArticleID] = doc.Score
		}
		similarities[i] = byArticle
	}

	var pairs []scoredPair
	for _, article := range candidates {
		pairs = append(pairs, e.scoreArticle(article, profile, similarities)...)
	}

	// プロファイル内の順位付け: スコア降順、同点はpublished_at降順
	sort.SliceStable(pairs, func(i, j int) bool {
		if pairs[i].score != pairs[j].score {
			return pairs[i].score > pairs[j].score
		}
		return laterPublished(pairs[i].article, pairs[j].article)
	})

	created := 0
	for order, pair := range pairs {
		match, err := e.matches.InsertMatch(ctx, &model.Match{
			ID:           uuid.NewString(),
			RunID:        run.ID,
			ProfileID:    profile.ID,
			TopicID:      pair.topic.ID,
			ArticleID:    pair.article.ID,
			Score:        pair.score,
			SortingOrder: order + 1,
		})
		if err != nil {
			return created, fmt.Errorf("マッチの保存に失敗しました: %w", err)
		}
		// 一意制約との衝突はnilで返る。既存マッチを上書きしない
		if match != nil {
			created++
		}
	}
	return created, nil
}

// scoreArticle は1記事の全トピックに対するスコアを計算し、
// 閾値を超えた上位TopTopics件を返す。
func (e *Engine) scoreArticle(article *model.Article, profile *model.SearchProfile, similarities []map[string]float64) []scoredPair {
	text := articleText(article)

	var scored []scoredPair
	for i := range profile.Topics {
		topic := &profile.Topics[i]
		kw := keywordScore(text, topic.Keywords)
		sim := similarities[i][article.ID]
		score := keywordWeight*kw + similarityWeight*sim
		if score < e.cfg.Threshold {
			continue
		}
		scored = append(scored, scoredPair{article: article, topic: topic, score: score})
	}

	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].score > scored[j].score
	})
	if len(scored) > e.cfg.TopTopics {
		scored = scored[:e.cfg.TopTopics]
	}
	return scored
}

// keywordScore はキーワードの被覆率と出現頻度からスコアを計算する。
// 被覆率（何割のキーワードが出現したか）を主signalとし、
// 同一キーワードの複数回出現は小さな加点として飽和させる。
func keywordScore(text string, keywords []model.Keyword) float64 {
	if len(keywords) == 0 {
		return 0
	}

	var score float64
	for _, kw := range keywords {
		value := strings.ToLower(strings.TrimSpace(kw.Value))
		if value == "" {
			continue
		}
		count := strings.Count(text, value)
		if count == 0 {
			continue
		}
		hit := 1.0
		if count > 1 {
			// 2回目以降の出現は逓減する加点。最大で+0.5
			extra := 0.1 * float64(count-1)
			if extra > 0.5 {
				extra = 0.5
			}
			hit += extra
		}
		score += hit
	}

	normalized := score / float64(len(keywords))
	if normalized > 1 {
		normalized = 1
	}
	return normalized
}

// articleText はキーワード照合の対象テキストを構築する。
func articleText(article *model.Article) string {
	parts := []string{article.Title, article.Summary, article.Translation}
	parts = append(parts, article.Entities...)
	parts = append(parts, article.EntitiesJA...)
	return strings.ToLower(strings.Join(parts, "\n"))
}

// topicQuery は類似検索のクエリテキストを構築する。
func topicQuery(topic *model.Topic) string {
	parts := []string{topic.Name}
	for _, kw := range topic.Keywords {
		parts = append(parts, kw.Value)
	}
	return strings.Join(parts, " ")
}

// laterPublished はaがbより新しい公開日時を持つかを返す。
// 公開日時が不明な記事は古いものとして扱う。
func laterPublished(a, b *model.Article) bool {
	switch {
	case a.PublishedAt == nil:
		return false
	case b.PublishedAt == nil:
		return true
	default:
		return a.PublishedAt.After(*b.PublishedAt)
	}
}
