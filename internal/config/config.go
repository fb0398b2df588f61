package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Credential encryption (AES-256-GCM, 32バイトの16進文字列)
	CredentialKey []byte

	// Harvest
	CrawlConcurrency    int           // APIクローラー層の最大並列数
	BrowserConcurrency  int           // ブラウザ自動化層の最大並列数（1桁台を想定）
	SubscriptionTimeout time.Duration // サブスクリプション1件あたりの処理時間上限
	PolitenessMin       time.Duration // 記事フェッチ間の最小待機
	PolitenessMax       time.Duration // 記事フェッチ間の最大待機
	FetchTimeout        time.Duration
	FetchMaxSize        int64

	// News index API
	NewsAPIEndpoint string
	NewsAPIKey      string

	// LLM (summarize/translate)
	LLMEndpoint string
	LLMAPIKey   string
	LLMModel    string

	// Vector similarity service
	VectorEndpoint string

	// Matching
	MatchThreshold    float64
	MatchTopTopics    int
	MatchLookbackDays int
	MatchPageSize     int

	// Report / Email collaborators
	ReportServiceURL string
	EmailServiceURL  string

	// Retention
	RetentionDays int

	// Rate Limit (ジョブAPI)
	RateLimitGeneral int

	// Server
	ServerPort        string
	CORSAllowedOrigin string

	// Browser automation
	BrowserHeadless bool
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	keyHex := os.Getenv("CREDENTIAL_KEY")
	if keyHex == "" {
		missing = append(missing, "CREDENTIAL_KEY")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("CREDENTIAL_KEY must be a hex string: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("CREDENTIAL_KEY must decode to 32 bytes, got %d", len(key))
	}
	cfg.CredentialKey = key

	// Optional fields with defaults
	cfg.CrawlConcurrency = getEnvInt("CRAWL_CONCURRENCY", 10)
	cfg.BrowserConcurrency = getEnvInt("BROWSER_CONCURRENCY", 2)
	cfg.SubscriptionTimeout = getEnvDuration("SUBSCRIPTION_TIMEOUT", 10*time.Minute)
	cfg.PolitenessMin = getEnvDuration("POLITENESS_MIN", 2*time.Second)
	cfg.PolitenessMax = getEnvDuration("POLITENESS_MAX", 6*time.Second)
	cfg.FetchTimeout = getEnvDuration("FETCH_TIMEOUT", 15*time.Second)
	cfg.FetchMaxSize = getEnvInt64("FETCH_MAX_SIZE", 5242880)
	cfg.NewsAPIEndpoint = getEnvString("NEWS_API_ENDPOINT", "https://newsapi.org/v2/everything")
	cfg.NewsAPIKey = getEnvString("NEWS_API_KEY", "")
	cfg.LLMEndpoint = getEnvString("LLM_ENDPOINT", "https://api.openai.com/v1/chat/completions")
	cfg.LLMAPIKey = getEnvString("LLM_API_KEY", "")
	cfg.LLMModel = getEnvString("LLM_MODEL", "gpt-4o-mini")
	cfg.VectorEndpoint = getEnvString("VECTOR_ENDPOINT", "http://localhost:8091")
	cfg.MatchThreshold = getEnvFloat("MATCH_THRESHOLD", 0.35)
	cfg.MatchTopTopics = getEnvInt("MATCH_TOP_TOPICS", 3)
	cfg.MatchLookbackDays = getEnvInt("MATCH_LOOKBACK_DAYS", 2)
	cfg.MatchPageSize = getEnvInt("MATCH_PAGE_SIZE", 50)
	cfg.ReportServiceURL = getEnvString("REPORT_SERVICE_URL", "http://localhost:8092")
	cfg.EmailServiceURL = getEnvString("EMAIL_SERVICE_URL", "http://localhost:8093")
	cfg.RetentionDays = getEnvInt("RETENTION_DAYS", 90)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 60)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")
	cfg.BrowserHeadless = getEnvBool("BROWSER_HEADLESS", true)

	if cfg.PolitenessMax < cfg.PolitenessMin {
		cfg.PolitenessMax = cfg.PolitenessMin
	}

	return cfg, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
