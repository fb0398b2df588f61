package scraper

import (
	"strings"
	"time"

	"golang.org/x/net/html"
)

// pageMeta はOGP/metaタグから抽出したメタデータ。
type pageMeta struct {
	Title       string
	ImageURL    string
	Authors     []string
	PublishedAt *time.Time
}

// parseMetaTags はHTMLのheadからOGP等のメタデータを抽出する。
// パースに失敗した場合は空のメタデータを返し、決してpanicしない。
// html.Parseは不正な入力に対してもエラーではなくベストエフォートの
// ツリーを返すため、抽出失敗は単に空フィールドとなる。
func parseMetaTags(rawHTML string) pageMeta {
	meta := pageMeta{}

	doc, err := html.Parse(strings.NewReader(rawHTML))
	if err != nil {
		return meta
	}

	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "meta" {
			key, content := metaAttrs(n)
			applyMeta(&meta, key, content)
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(doc)

	return meta
}

// metaAttrs はmetaノードのproperty/name属性とcontent属性を返す。
func metaAttrs(n *html.Node) (key, content string) {
	for _, attr := range n.Attr {
		switch attr.Key {
		case "property", "name":
			key = strings.ToLower(attr.Val)
		case "content":
			content = attr.Val
		}
	}
	return key, content
}

// applyMeta は認識したメタタグをpageMetaへ反映する。
func applyMeta(meta *pageMeta, key, content string) {
	content = strings.TrimSpace(content)
	if content == "" {
		return
	}

	switch key {
	case "og:title", "twitter:title":
		if meta.Title == "" {
			meta.Title = content
		}
	case "og:image", "twitter:image":
		if meta.ImageURL == "" {
			meta.ImageURL = content
		}
	case "author", "article:author":
		meta.Authors = append(meta.Authors, content)
	case "article:published_time", "og:article:published_time":
		if meta.PublishedAt == nil {
			if t := parseMetaTime(content); t != nil {
				meta.PublishedAt = t
			}
		}
	}
}

// metaTimeFormats は公開日時メタタグで見られる日時フォーマット。
var metaTimeFormats = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// parseMetaTime は日時文字列を既知のフォーマットでパースする。
func parseMetaTime(raw string) *time.Time {
	for _, format := range metaTimeFormats {
		if t, err := time.Parse(format, raw); err == nil {
			utc := t.UTC()
			return &utc
		}
	}
	return nil
}
