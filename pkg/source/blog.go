package source

import (
	"bytes"
	"context"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
)

// Blog reads posts from RSS/Atom feeds. Every configured feed must be
// readable for the call to succeed.
type Blog struct {
	client    *http.Client
	extractor *Extractor
}

// NewBlog creates a new blog adapter.
func NewBlog() *Blog {
	client := newHTTPClient()
	return &Blog{client: client, extractor: NewExtractor(client)}
}

func (b *Blog) Kind() Kind { return KindBlog }

func (b *Blog) Fetch(ctx context.Context, cfg Config) ([]RawItem, error) {
	return run(ctx, KindBlog, cfg, b.fetch)
}

func (b *Blog) fetch(ctx context.Context, cfg Config) ([]RawItem, error) {
	if len(cfg.Feeds) == 0 {
		return nil, misconfigured("blog: no feeds configured")
	}

	var filter *Filter
	if len(cfg.Keywords) > 0 {
		filter = NewFilter(cfg.Keywords, cfg.Exclude)
	}

	var items []RawItem
	for _, feed := range cfg.Feeds {
		entries, err := b.fetchFeed(ctx, feed)
		if err != nil {
			return nil, err
		}
		for _, item := range entries {
			if filter != nil && !filter.Match(item.Title+" "+item.RawText) {
				continue
			}
			items = append(items, item)
		}
	}

	// Newest first so the max_results cap keeps recent posts.
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].PublishedAt.After(items[j].PublishedAt)
	})
	if len(items) > cfg.MaxResults {
		items = items[:cfg.MaxResults]
	}

	if cfg.FullText {
		b.extractor.fillFullText(ctx, items)
	}
	return items, nil
}

func (b *Blog) fetchFeed(ctx context.Context, feed Feed) ([]RawItem, error) {
	body, err := get(ctx, b.client, feed.URL)
	if err != nil {
		return nil, err
	}

	parsed, err := gofeed.NewParser().Parse(bytes.NewReader(body))
	if err != nil {
		return nil, malformed("parse feed %s: %w", feed.Name, err)
	}

	name := feed.Name
	if name == "" {
		name = parsed.Title
	}

	items := make([]RawItem, 0, len(parsed.Items))
	for _, entry := range parsed.Items {
		link := entry.Link
		if link == "" && len(entry.Links) > 0 {
			link = entry.Links[0]
		}
		if link == "" && entry.Title == "" {
			continue
		}

		var published time.Time
		if entry.PublishedParsed != nil {
			published = entry.PublishedParsed.UTC()
		} else if entry.UpdatedParsed != nil {
			published = entry.UpdatedParsed.UTC()
		}

		html := entry.Content
		if strings.TrimSpace(html) == "" {
			html = entry.Description
		}

		thumbnail := ""
		if entry.Image != nil {
			thumbnail = entry.Image.URL
		}
		if thumbnail == "" {
			thumbnail = FirstImage(html)
		}

		var authors []string
		for _, a := range entry.Authors {
			if a != nil && a.Name != "" {
				authors = append(authors, a.Name)
			}
		}

		items = append(items, RawItem{
			Title:       strings.TrimSpace(entry.Title),
			URL:         link,
			PublishedAt: published,
			RawText:     HTMLToText(html, MaxTextLen),
			Authors:     authors,
			Channel:     name,
			Thumbnail:   thumbnail,
			Tags:        entry.Categories,
		})
	}
	return items, nil
}
