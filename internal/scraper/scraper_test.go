package scraper

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/hitoshi/newswatch/internal/model"
	"github.com/hitoshi/newswatch/internal/security"
)

func testDeps() Deps {
	return Deps{
		Sanitizer: security.NewContentSanitizer(),
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

// ファクトリが種別ごとに正しい実装を返すことを検証
func TestNew_DispatchesByKind(t *testing.T) {
	deps := testDeps()

	readabilitySub := &model.Subscription{ID: "sub-1", ScraperKind: model.ScraperKindReadability}
	sc, err := New(readabilitySub, deps)
	if err != nil {
		t.Fatalf("readability scraper construction failed: %v", err)
	}
	if _, ok := sc.(*ReadabilityScraper); !ok {
		t.Errorf("expected *ReadabilityScraper, got %T", sc)
	}

	selectorSub := &model.Subscription{
		ID:          "sub-2",
		ScraperKind: model.ScraperKindSelector,
		ScraperParams: map[string]string{
			"content_selector": "div.article-body",
		},
	}
	sc, err = New(selectorSub, deps)
	if err != nil {
		t.Fatalf("selector scraper construction failed: %v", err)
	}
	if _, ok := sc.(*SelectorScraper); !ok {
		t.Errorf("expected *SelectorScraper, got %T", sc)
	}
}

// 未知の種別が構築時にエラーとなることを検証
func TestNew_UnknownKind(t *testing.T) {
	sub := &model.Subscription{ID: "sub-x", ScraperKind: model.ScraperKind("xpath")}

	_, err := New(sub, testDeps())
	if err == nil {
		t.Fatal("expected error for unknown scraper kind")
	}

	var apiErr *model.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *model.APIError, got %T", err)
	}
	if apiErr.Code != model.ErrCodeUnknownScraper {
		t.Errorf("Code = %q, want %q", apiErr.Code, model.ErrCodeUnknownScraper)
	}
}
