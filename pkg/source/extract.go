package source

import (
	"context"
	"net/http"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// MaxTextLen caps raw_text extracted from HTML pages and descriptions.
const MaxTextLen = 5000

// Elements that never carry article text.
const boilerplate = "script, style, noscript, nav, footer, header, aside, form, iframe"

// Selectors tried in order to find the main article body.
var contentSelectors = []string{
	"article",
	".post-content",
	".entry-content",
	".article-body",
	"main",
}

// HTMLToText reduces an HTML document or fragment to readable text.
// Input that does not parse is returned whitespace-collapsed.
func HTMLToText(html string, maxLen int) string {
	if !strings.Contains(html, "<") {
		return truncate(collapseSpace(html), maxLen)
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return truncate(collapseSpace(html), maxLen)
	}
	doc.Find(boilerplate).Remove()

	var text string
	for _, sel := range contentSelectors {
		if node := doc.Find(sel).First(); node.Length() > 0 {
			text = textOf(node)
			break
		}
	}
	if strings.TrimSpace(text) == "" {
		text = textOf(doc.Find("body"))
	}
	return truncate(collapseSpace(text), maxLen)
}

var blockTags = map[string]bool{
	"p": true, "div": true, "br": true, "li": true, "ul": true, "ol": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"table": true, "tr": true, "td": true, "th": true, "pre": true,
	"blockquote": true, "section": true, "article": true, "figure": true, "figcaption": true,
}

// textOf concatenates the text nodes under s, separating block elements
// with whitespace so paragraphs do not run together.
func textOf(s *goquery.Selection) string {
	var b strings.Builder
	var walk func(*goquery.Selection)
	walk = func(sel *goquery.Selection) {
		sel.Contents().Each(func(_ int, c *goquery.Selection) {
			name := goquery.NodeName(c)
			if name == "#text" {
				b.WriteString(c.Text())
				return
			}
			block := blockTags[name]
			if block {
				b.WriteByte(' ')
			}
			walk(c)
			if block {
				b.WriteByte(' ')
			}
		})
	}
	walk(s)
	return b.String()
}

// FirstImage returns the src of the first <img> in an HTML fragment.
func FirstImage(html string) string {
	if !strings.Contains(html, "<img") {
		return ""
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ""
	}
	src, _ := doc.Find("img").First().Attr("src")
	return src
}

// Extractor downloads article pages and extracts their main text.
type Extractor struct {
	client *http.Client
	maxLen int
}

// NewExtractor creates an extractor sharing the given client.
func NewExtractor(client *http.Client) *Extractor {
	if client == nil {
		client = newHTTPClient()
	}
	return &Extractor{client: client, maxLen: MaxTextLen}
}

// Extract fetches url and returns its article text.
func (e *Extractor) Extract(ctx context.Context, url string) (string, error) {
	body, err := get(ctx, e.client, url)
	if err != nil {
		return "", err
	}
	return HTMLToText(string(body), e.maxLen), nil
}

// fillFullText replaces each item's text with its article body where the
// page can be fetched. Failures keep the feed-provided text.
func (e *Extractor) fillFullText(ctx context.Context, items []RawItem) {
	for i := range items {
		if items[i].URL == "" || ctx.Err() != nil {
			continue
		}
		text, err := e.Extract(ctx, items[i].URL)
		if err != nil || len(text) < len(items[i].RawText) {
			continue
		}
		items[i].RawText = text
	}
}
