package scraper

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/hitoshi/newswatch/internal/model"
	"github.com/hitoshi/newswatch/internal/security"
)

// SelectorScraper はソース固有のCSSセレクタによる抽出スクレイパー。
// レイアウトが特殊でreadabilityが誤抽出するソースに対して使用する。
type SelectorScraper struct {
	sanitizer       security.ContentSanitizerService
	logger          *slog.Logger
	contentSelector string
	titleSelector   string
	authorSelector  string
	imageSelector   string
	dateSelector    string
	dateFormat      string
}

// NewSelectorScraper はSelectorScraperを構築する。
// content_selectorは必須パラメータ。
func NewSelectorScraper(sub *model.Subscription, deps Deps) (*SelectorScraper, error) {
	contentSelector := sub.ScraperParams["content_selector"]
	if contentSelector == "" {
		return nil, fmt.Errorf("サブスクリプション %s にcontent_selectorが設定されていません", sub.ID)
	}

	dateFormat := sub.ScraperParams["date_format"]
	if dateFormat == "" {
		dateFormat = time.RFC3339
	}

	return &SelectorScraper{
		sanitizer:       deps.Sanitizer,
		logger:          deps.Logger,
		contentSelector: contentSelector,
		titleSelector:   sub.ScraperParams["title_selector"],
		authorSelector:  sub.ScraperParams["author_selector"],
		imageSelector:   sub.ScraperParams["image_selector"],
		dateSelector:    sub.ScraperParams["date_selector"],
		dateFormat:      dateFormat,
	}, nil
}

// Extract は設定されたセレクタでHTMLから本文とメタデータを抽出する。
// 本文セレクタが何もマッチしない場合は状態をERRORに遷移させる。
func (s *SelectorScraper) Extract(html string, article *model.Article) {
	if strings.TrimSpace(html) == "" {
		article.MarkError("抽出失敗: HTMLが空です")
		return
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		s.logger.Warn("HTMLのパースに失敗しました",
			slog.String("article_id", article.ID),
			slog.String("url", article.URL),
			slog.String("error", err.Error()),
		)
		article.MarkError("抽出失敗: HTMLをパースできませんでした: " + err.Error())
		return
	}

	contentNode := doc.Find(s.contentSelector)
	rawContent, err := contentNode.Html()
	if err != nil || strings.TrimSpace(contentNode.Text()) == "" {
		article.MarkError("抽出失敗: 本文セレクタにマッチする要素がありません")
		return
	}

	content := s.sanitizer.Sanitize(rawContent)
	if content == "" {
		article.MarkError("抽出失敗: サニタイズ後の本文が空です")
		return
	}

	if article.Content == "" {
		article.Content = content
	}

	if s.titleSelector != "" {
		fillTitle(article, doc.Find(s.titleSelector).First().Text())
	}
	if s.authorSelector != "" {
		var authors []string
		doc.Find(s.authorSelector).Each(func(_ int, sel *goquery.Selection) {
			authors = append(authors, sel.Text())
		})
		fillAuthors(article, authors)
	}
	if s.imageSelector != "" {
		img := doc.Find(s.imageSelector).First()
		fillImageURL(article, img.AttrOr("src", img.AttrOr("content", "")))
	}
	if s.dateSelector != "" {
		fillPublishedAt(article, s.extractDate(doc))
	}

	// セレクタで拾えなかったメタデータをOGPタグから補完する
	meta := parseMetaTags(html)
	fillTitle(article, meta.Title)
	fillImageURL(article, meta.ImageURL)
	fillAuthors(article, meta.Authors)
	fillPublishedAt(article, meta.PublishedAt)

	article.MarkScraped(time.Now().UTC())
}

// extractDate は日付セレクタから公開日時を抽出する。
func (s *SelectorScraper) extractDate(doc *goquery.Document) *time.Time {
	node := doc.Find(s.dateSelector).First()
	raw := strings.TrimSpace(node.AttrOr("datetime", ""))
	if raw == "" {
		raw = strings.TrimSpace(node.Text())
	}
	if raw == "" {
		return nil
	}

	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		utc := t.UTC()
		return &utc
	}
	if t, err := time.Parse(s.dateFormat, raw); err == nil {
		utc := t.UTC()
		return &utc
	}
	return nil
}
