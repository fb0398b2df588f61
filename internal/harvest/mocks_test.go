package harvest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/newswatch/internal/browser"
	"github.com/hitoshi/newswatch/internal/model"
)

// mockSubscriptionRepo はSubscriptionRepositoryのテスト実装。
type mockSubscriptionRepo struct {
	subs       []*model.Subscription
	listErr    error
	touchedIDs []string
}

func (m *mockSubscriptionRepo) FindByID(ctx context.Context, id string) (*model.Subscription, error) {
	for _, s := range m.subs {
		if s.ID == id {
			return s, nil
		}
	}
	return nil, nil
}

func (m *mockSubscriptionRepo) GetActiveWithCrawlers(ctx context.Context, kind model.CrawlerKind) ([]*model.Subscription, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []*model.Subscription
	for _, s := range m.subs {
		if s.CrawlerKind == kind {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *mockSubscriptionRepo) GetActiveWithScrapers(ctx context.Context) ([]*model.Subscription, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	return m.subs, nil
}

func (m *mockSubscriptionRepo) TouchLoginAttempt(ctx context.Context, id string, at time.Time) error {
	m.touchedIDs = append(m.touchedIDs, id)
	return nil
}

// mockArticleRepo はArticleRepositoryのテスト実装。
// CreateBatchはURLの一意性をメモリ上で再現する。
type mockArticleRepo struct {
	mu        sync.Mutex
	byURL     map[string]*model.Article
	pending   map[string][]*model.Article // subscriptionID → NEW記事
	updated   []*model.Article
	createErr error
	updateErr error
}

func newMockArticleRepo() *mockArticleRepo {
	return &mockArticleRepo{
		byURL:   map[string]*model.Article{},
		pending: map[string][]*model.Article{},
	}
}

func (m *mockArticleRepo) FindByID(ctx context.Context, id string) (*model.Article, error) {
	return nil, nil
}

func (m *mockArticleRepo) FindByURL(ctx context.Context, url string) (*model.Article, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byURL[url], nil
}

func (m *mockArticleRepo) CreateBatch(ctx context.Context, articles []*model.Article) (int, error) {
	if m.createErr != nil {
		return 0, m.createErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	inserted := 0
	for _, a := range articles {
		if _, exists := m.byURL[a.URL]; exists {
			continue
		}
		m.byURL[a.URL] = a
		inserted++
	}
	return inserted, nil
}

func (m *mockArticleRepo) Update(ctx context.Context, article *model.Article) error {
	if m.updateErr != nil {
		return m.updateErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updated = append(m.updated, article)
	return nil
}

func (m *mockArticleRepo) UpdateStatus(ctx context.Context, id string, status model.ArticleStatus, note string) error {
	return nil
}

func (m *mockArticleRepo) ListNewBySubscription(ctx context.Context, subscriptionID string) ([]*model.Article, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending[subscriptionID], nil
}

func (m *mockArticleRepo) ListWithoutSummary(ctx context.Context, since time.Time, limit, offset int) ([]*model.Article, error) {
	return nil, nil
}

func (m *mockArticleRepo) ListByStatusSince(ctx context.Context, status model.ArticleStatus, since time.Time, limit, offset int) ([]*model.Article, error) {
	return nil, nil
}

func (m *mockArticleRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

// mockStatsRepo はCrawlStatsRepositoryのテスト実装。
type mockStatsRepo struct {
	mu       sync.Mutex
	inserted []*model.CrawlStats
}

func (m *mockStatsRepo) Insert(ctx context.Context, stats *model.CrawlStats) (*model.CrawlStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inserted = append(m.inserted, stats)
	return stats, nil
}

func (m *mockStatsRepo) GetByDateRange(ctx context.Context, start, end time.Time) ([]*model.CrawlStats, error) {
	return nil, nil
}

// mockCollector はMetricsCollectorのテスト実装。
type mockCollector struct {
	mu             sync.Mutex
	crawlSuccess   int
	crawlFailure   int
	inserted       int
	scrapeSuccess  int
	scrapeFailures map[string]int
	loginAttempts  []bool
	matchesCreated int
}

func newMockCollector() *mockCollector {
	return &mockCollector{scrapeFailures: map[string]int{}}
}

func (m *mockCollector) RecordCrawlSuccess(kind string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.crawlSuccess++
}

func (m *mockCollector) RecordCrawlFailure(kind string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.crawlFailure++
}

func (m *mockCollector) RecordArticlesInserted(count int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inserted += count
}

func (m *mockCollector) RecordScrapeSuccess() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scrapeSuccess++
}

func (m *mockCollector) RecordScrapeFailure(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scrapeFailures[reason]++
}

func (m *mockCollector) RecordLoginAttempt(success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loginAttempts = append(m.loginAttempts, success)
}

func (m *mockCollector) RecordMatchesCreated(count int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.matchesCreated += count
}

func (m *mockCollector) RecordStageLatency(stage string, duration time.Duration) {}

// fakeSession はテスト用のブラウザセッション。全操作が成功し、
// ページ遷移先のURLごとに設定されたHTMLを返す。
type fakeSession struct {
	mu         sync.Mutex
	pages      map[string]string
	currentURL string
	closed     bool
	loginFails bool
	calls      []string
}

func (s *fakeSession) Navigate(ctx context.Context, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentURL = url
	s.calls = append(s.calls, "navigate:"+url)
	return nil
}

func (s *fakeSession) WaitVisible(ctx context.Context, selector string) error { return nil }

func (s *fakeSession) Click(ctx context.Context, selector string) error { return nil }

func (s *fakeSession) ClickInFrame(ctx context.Context, frameSelector, selector string) error {
	return nil
}

func (s *fakeSession) Fill(ctx context.Context, selector, value string) error { return nil }

func (s *fakeSession) ScrollIntoView(ctx context.Context, selector string) error { return nil }

func (s *fakeSession) HTML(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pages[s.currentURL], nil
}

func (s *fakeSession) WaitResponseOK(ctx context.Context, timeout time.Duration) error {
	if s.loginFails {
		return fmt.Errorf("200応答が到着しませんでした")
	}
	return nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// fakeFactory は固定のfakeSessionを返すFactory。
type fakeFactory struct {
	session    *fakeSession
	newErr     error
	newCount   int
	newCountMu sync.Mutex
}

func (f *fakeFactory) NewSession(ctx context.Context) (browser.Session, error) {
	f.newCountMu.Lock()
	f.newCount++
	f.newCountMu.Unlock()
	if f.newErr != nil {
		return nil, f.newErr
	}
	return f.session, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func captureLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, nil))
}
