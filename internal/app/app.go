package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/newswatch/internal/browser"
	"github.com/hitoshi/newswatch/internal/config"
	"github.com/hitoshi/newswatch/internal/crawler"
	"github.com/hitoshi/newswatch/internal/database"
	"github.com/hitoshi/newswatch/internal/handler"
	"github.com/hitoshi/newswatch/internal/harvest"
	"github.com/hitoshi/newswatch/internal/llm"
	"github.com/hitoshi/newswatch/internal/logger"
	"github.com/hitoshi/newswatch/internal/matching"
	"github.com/hitoshi/newswatch/internal/metrics"
	"github.com/hitoshi/newswatch/internal/middleware"
	"github.com/hitoshi/newswatch/internal/pipeline"
	"github.com/hitoshi/newswatch/internal/report"
	"github.com/hitoshi/newswatch/internal/repository"
	"github.com/hitoshi/newswatch/internal/scraper"
	"github.com/hitoshi/newswatch/internal/security"
	"github.com/hitoshi/newswatch/internal/vector"
	"github.com/hitoshi/newswatch/internal/worker/cleanup"
	"github.com/hitoshi/newswatch/internal/worker/schedule"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
	)

	switch cmd {
	case CommandServe:
		return runServe(cfg)
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// components はserveとworkerが共有するワイヤリング済みの依存一式。
type components struct {
	registry     *prometheus.Registry
	collector    *metrics.Collector
	orchestrator *harvest.Orchestrator
	engine       *matching.Engine
	driver       *pipeline.Driver
	stats        repository.CrawlStatsRepository
}

// wireComponents はDB接続の上に全ドメインコンポーネントを構築する。
// serveとworkerでパイプラインの配線を二重に持たないための共通処理。
func wireComponents(cfg *config.Config, db *sql.DB) (*components, error) {
	// 1. リポジトリの初期化
	subRepo := repository.NewPostgresSubscriptionRepo(db)
	articleRepo := repository.NewPostgresArticleRepo(db)
	statsRepo := repository.NewPostgresCrawlStatsRepo(db)
	profileRepo := repository.NewPostgresSearchProfileRepo(db)
	matchRepo := repository.NewPostgresMatchRepo(db)
	emailRepo := repository.NewPostgresReportEmailRepo(db)

	// 2. セキュリティサービスの初期化
	ssrfGuard := security.NewSSRFGuard()
	sanitizer := security.NewContentSanitizer()

	box, err := security.NewCredentialBox(cfg.CredentialKey)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize credential box: %w", err)
	}

	// 3. メトリクスの初期化
	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	// 4. 外部サービスクライアントの初期化
	httpClient := &http.Client{Timeout: 30 * time.Second}
	llmClient := llm.NewClient(httpClient, cfg.LLMEndpoint, cfg.LLMAPIKey, cfg.LLMModel, slog.Default())
	vectorClient := vector.NewClient(httpClient, cfg.VectorEndpoint, slog.Default())
	generator := report.NewGeneratorClient(httpClient, cfg.ReportServiceURL, slog.Default())
	mailer := report.NewMailerClient(httpClient, cfg.EmailServiceURL, slog.Default())

	// 5. ハーベストオーケストレーターの初期化
	crawlerDeps := crawler.Deps{
		SSRFGuard:       ssrfGuard,
		Logger:          slog.Default(),
		FetchTimeout:    cfg.FetchTimeout,
		FetchMaxSize:    cfg.FetchMaxSize,
		NewsAPIEndpoint: cfg.NewsAPIEndpoint,
		NewsAPIKey:      cfg.NewsAPIKey,
	}
	scraperDeps := scraper.Deps{
		Sanitizer: sanitizer,
		Logger:    slog.Default(),
	}

	sessions := browser.NewChromeFactory(cfg.BrowserHeadless)
	login := browser.NewLoginAutomation(slog.Default())

	orchestrator := harvest.NewOrchestrator(
		subRepo, articleRepo, statsRepo,
		box, sessions, login, collector,
		crawlerDeps, scraperDeps,
		harvest.Config{
			CrawlConcurrency:    cfg.CrawlConcurrency,
			BrowserConcurrency:  cfg.BrowserConcurrency,
			SubscriptionTimeout: cfg.SubscriptionTimeout,
			PolitenessMin:       cfg.PolitenessMin,
			PolitenessMax:       cfg.PolitenessMax,
		},
		slog.Default(),
	)

	// 6. マッチングエンジンの初期化
	engine := matching.NewEngine(
		profileRepo, articleRepo, matchRepo, vectorClient, collector,
		matching.Config{
			Threshold: cfg.MatchThreshold,
			TopTopics: cfg.MatchTopTopics,
			Lookback:  time.Duration(cfg.MatchLookbackDays) * 24 * time.Hour,
		},
		slog.Default(),
	)

	// 7. パイプラインドライバーの初期化
	driver := pipeline.NewDriver(
		orchestrator, engine,
		articleRepo, profileRepo, matchRepo, emailRepo,
		llmClient, vectorClient, generator, mailer, collector,
		pipeline.Config{
			PageSize:      cfg.MatchPageSize,
			LookbackDays:  cfg.MatchLookbackDays,
			RetentionDays: cfg.RetentionDays,
		},
		slog.Default(),
	)

	return &components{
		registry:     registry,
		collector:    collector,
		orchestrator: orchestrator,
		engine:       engine,
		driver:       driver,
		stats:        statsRepo,
	}, nil
}

// runServe はジョブAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established")

	// 2. ドメインコンポーネントのワイヤリング
	comps, err := wireComponents(cfg, db)
	if err != nil {
		return err
	}

	// 3. ハンドラーとルーターの構築
	jobs := handler.NewJobHandler(
		comps.driver, comps.orchestrator, comps.engine,
		comps.stats, cfg.MatchPageSize, slog.Default(),
	)

	deps := &handler.RouterDeps{
		Logger:            slog.Default(),
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig()),
		Jobs:              jobs,
		Gatherer:          comps.registry,
		DB:                db,
	}

	router := handler.NewRouter(deps)

	// 4. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("job API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server listen error", slog.String("error", err.Error()))
		}
	}()

	<-stop
	slog.Info("shutting down job API server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("job API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// DB接続を開き、朝夕スロットのパイプラインスケジューラを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established (worker)")

	// 2. ドメインコンポーネントのワイヤリング
	comps, err := wireComponents(cfg, db)
	if err != nil {
		return err
	}

	// 3. スケジューラの初期化
	scheduler := schedule.NewScheduler(comps.driver, slog.Default())

	// 4. クリーンアップジョブの初期化
	cleanupJob := cleanup.NewCleanupJob(db, slog.Default())
	if cfg.RetentionDays > 0 {
		cleanupJob.RetentionDays = cfg.RetentionDays
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-stop
		slog.Info("shutting down worker...")
		cancel()
	}()

	slog.Info("worker starting",
		slog.Int("crawl_concurrency", cfg.CrawlConcurrency),
		slog.Int("browser_concurrency", cfg.BrowserConcurrency),
	)

	// クリーンアップジョブを日次でバックグラウンド実行
	go func() {
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := cleanupJob.Run(ctx); err != nil {
					slog.Error("cleanup job failed", slog.String("error", err.Error()))
				}
			}
		}
	}()

	// パイプラインスケジューラをメインgoroutineで実行（ブロッキング）
	scheduler.Start(ctx)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /healthz エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/healthz", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
