package extract

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/calebduke/webharvest/internal/crawl"
)

// chrome elements carry navigation and boilerplate, not content.
var strippedSelectors = "script, style, nav, header, footer, noscript, iframe, svg"

// HTML extracts title, visible text, links, and meta tags from an HTML body.
type HTML struct{}

// NewHTML creates the DOM extractor.
func NewHTML() *HTML {
	return &HTML{}
}

// Extract parses the body and pulls out the usable content. Links are
// resolved against the response URL so relative hrefs survive redirects.
func (e *HTML) Extract(resp crawl.FetchResponse) (crawl.Document, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		return crawl.Document{}, fmt.Errorf("parse html: %w", err)
	}

	title := strings.TrimSpace(doc.Find("title").First().Text())

	metadata := map[string]string{}
	doc.Find("meta").Each(func(_ int, s *goquery.Selection) {
		name, _ := s.Attr("name")
		if name == "" {
			name, _ = s.Attr("property")
		}
		content, _ := s.Attr("content")
		if name != "" && content != "" {
			metadata[strings.ToLower(name)] = content
		}
	})

	base, baseErr := url.Parse(resp.URL)
	seen := map[string]struct{}{}
	var links []string
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		href = strings.TrimSpace(href)
		if href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(href, "javascript:") {
			return
		}
		if baseErr == nil {
			if abs, err := base.Parse(href); err == nil {
				href = abs.String()
			}
		}
		if _, dup := seen[href]; dup {
			return
		}
		seen[href] = struct{}{}
		links = append(links, href)
	})

	doc.Find(strippedSelectors).Remove()
	body := doc.Find("body")
	text := strings.TrimSpace(body.Text())
	if body.Length() == 0 {
		text = strings.TrimSpace(doc.Text())
	}
	if title == "" && text == "" {
		return crawl.Document{}, fmt.Errorf("document at %s has no extractable content", resp.URL)
	}

	return crawl.Document{
		Title:    title,
		Text:     text,
		Links:    links,
		Metadata: metadata,
	}, nil
}

// PlainText passes non-HTML textual bodies through unchanged.
type PlainText struct{}

// NewPlainText creates the passthrough extractor.
func NewPlainText() *PlainText {
	return &PlainText{}
}

// Extract returns the body as the document text.
func (e *PlainText) Extract(resp crawl.FetchResponse) (crawl.Document, error) {
	text := strings.TrimSpace(string(resp.Body))
	if text == "" {
		return crawl.Document{}, fmt.Errorf("document at %s is empty", resp.URL)
	}
	return crawl.Document{Text: text}, nil
}
