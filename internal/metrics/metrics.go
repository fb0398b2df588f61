// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// オーケストレーターやパイプラインから利用する。
type MetricsCollector interface {
	RecordCrawlSuccess(kind string)
	RecordCrawlFailure(kind string)
	RecordArticlesInserted(count int)
	RecordScrapeSuccess()
	RecordScrapeFailure(reason string)
	RecordLoginAttempt(success bool)
	RecordMatchesCreated(count int)
	RecordStageLatency(stage string, duration time.Duration)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	crawlSuccess     *prometheus.CounterVec
	crawlFail        *prometheus.CounterVec
	articlesInserted prometheus.Counter
	scrapeSuccess    prometheus.Counter
	scrapeFail       *prometheus.CounterVec
	loginAttempts    *prometheus.CounterVec
	matchesCreated   prometheus.Counter
	stageLatency     *prometheus.HistogramVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		crawlSuccess: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "newswatch_crawl_success_total",
			Help: "クローラー種別ごとのクロール成功の合計数",
		}, []string{"kind"}),
		crawlFail: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "newswatch_crawl_fail_total",
			Help: "クローラー種別ごとのクロール失敗の合計数",
		}, []string{"kind"}),
		articlesInserted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "newswatch_articles_inserted_total",
			Help: "重複排除後に挿入された記事の合計数",
		}),
		scrapeSuccess: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "newswatch_scrape_success_total",
			Help: "本文抽出成功の合計数",
		}),
		scrapeFail: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "newswatch_scrape_fail_total",
			Help: "理由別の本文抽出失敗の合計数",
		}, []string{"reason"}),
		loginAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "newswatch_login_attempts_total",
			Help: "結果別のログイン自動化試行の合計数",
		}, []string{"result"}),
		matchesCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "newswatch_matches_created_total",
			Help: "作成されたマッチの合計数",
		}),
		stageLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "newswatch_stage_latency_seconds",
			Help:    "パイプラインステージごとの実行時間（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"stage"}),
	}

	reg.MustRegister(
		c.crawlSuccess,
		c.crawlFail,
		c.articlesInserted,
		c.scrapeSuccess,
		c.scrapeFail,
		c.loginAttempts,
		c.matchesCreated,
		c.stageLatency,
	)

	return c
}

// RecordCrawlSuccess はクロール成功を記録する。
func (c *Collector) RecordCrawlSuccess(kind string) {
	c.crawlSuccess.WithLabelValues(kind).Inc()
}

// RecordCrawlFailure はクロール失敗を記録する。
func (c *Collector) RecordCrawlFailure(kind string) {
	c.crawlFail.WithLabelValues(kind).Inc()
}

// RecordArticlesInserted は重複排除後に挿入された記事数を記録する。
func (c *Collector) RecordArticlesInserted(count int) {
	c.articlesInserted.Add(float64(count))
}

// RecordScrapeSuccess は本文抽出成功を記録する。
func (c *Collector) RecordScrapeSuccess() {
	c.scrapeSuccess.Inc()
}

// RecordScrapeFailure は本文抽出失敗を理由付きで記録する。
func (c *Collector) RecordScrapeFailure(reason string) {
	c.scrapeFail.WithLabelValues(reason).Inc()
}

// RecordLoginAttempt はログイン自動化の試行結果を記録する。
func (c *Collector) RecordLoginAttempt(success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	c.loginAttempts.WithLabelValues(result).Inc()
}

// RecordMatchesCreated は作成されたマッチ数を記録する。
func (c *Collector) RecordMatchesCreated(count int) {
	c.matchesCreated.Add(float64(count))
}

// RecordStageLatency はパイプラインステージの実行時間を記録する。
func (c *Collector) RecordStageLatency(stage string, duration time.Duration) {
	c.stageLatency.WithLabelValues(stage).Observe(duration.Seconds())
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
// Prometheusスクレイプに対応する。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}
