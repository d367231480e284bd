package source

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	ProviderNewsAPI    = "newsapi"
	ProviderHackerNews = "hackernews"

	newsAPIBase = "https://newsapi.org"

	// How far back the keyword search looks.
	newsLookback = 48 * time.Hour
)

// News fetches news articles by keyword, either from NewsAPI or from the
// Hacker News front page.
type News struct {
	client    *http.Client
	extractor *Extractor
	now       func() time.Time
}

// NewNews creates a new news adapter.
func NewNews() *News {
	client := newHTTPClient()
	return &News{
		client:    client,
		extractor: NewExtractor(client),
		now:       time.Now,
	}
}

func (n *News) Kind() Kind { return KindNews }

func (n *News) Fetch(ctx context.Context, cfg Config) ([]RawItem, error) {
	return run(ctx, KindNews, cfg, n.fetch)
}

func (n *News) fetch(ctx context.Context, cfg Config) ([]RawItem, error) {
	var (
		items []RawItem
		err   error
	)
	switch cfg.Provider {
	case "", ProviderNewsAPI:
		items, err = n.fetchNewsAPI(ctx, cfg)
	case ProviderHackerNews:
		items, err = n.fetchHackerNews(ctx, cfg)
	default:
		return nil, misconfigured("unknown news provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}

	if cfg.FullText {
		n.extractor.fillFullText(ctx, items)
	}
	return items, nil
}

func (n *News) fetchNewsAPI(ctx context.Context, cfg Config) ([]RawItem, error) {
	if cfg.APIKey == "" {
		return nil, misconfigured("newsapi: API key required (set NEWS_API_KEY)")
	}
	if len(cfg.Keywords) == 0 {
		return nil, misconfigured("newsapi: at least one keyword required")
	}

	quoted := make([]string, len(cfg.Keywords))
	for i, kw := range cfg.Keywords {
		if strings.Contains(kw, " ") {
			kw = `"` + kw + `"`
		}
		quoted[i] = kw
	}

	pageSize := cfg.MaxResults
	if pageSize > 100 {
		pageSize = 100
	}

	params := url.Values{}
	params.Set("q", strings.Join(quoted, " OR "))
	params.Set("from", n.now().Add(-newsLookback).UTC().Format("2006-01-02"))
	params.Set("language", "en")
	params.Set("sortBy", "publishedAt")
	params.Set("pageSize", strconv.Itoa(pageSize))
	params.Set("apiKey", cfg.APIKey)

	base := newsAPIBase
	if cfg.BaseURL != "" {
		base = cfg.BaseURL
	}

	var result newsAPIResponse
	if err := getJSON(ctx, n.client, base+"/v2/everything?"+params.Encode(), &result); err != nil {
		return nil, err
	}
	if result.Status != "ok" {
		return nil, malformed("newsapi status %q: %s %s", result.Status, result.Code, result.Message)
	}

	filter := NewFilter(nil, cfg.Exclude)
	items := make([]RawItem, 0, len(result.Articles))
	for _, a := range result.Articles {
		if a.Title == "" || a.Title == "[Removed]" {
			continue
		}
		if len(cfg.Exclude) > 0 && !filter.allowed(a.Title+" "+a.Description) {
			continue
		}

		text := HTMLToText(a.Description, MaxTextLen)
		if content := HTMLToText(a.Content, MaxTextLen); len(content) > len(text) {
			text = content
		}

		var authors []string
		if a.Author != "" {
			authors = []string{a.Author}
		}

		items = append(items, RawItem{
			Title:       strings.TrimSpace(a.Title),
			URL:         a.URL,
			PublishedAt: a.PublishedAt.UTC(),
			RawText:     text,
			Authors:     authors,
			Channel:     a.Source.Name,
			Thumbnail:   a.URLToImage,
		})
	}
	return items, nil
}

type newsAPIResponse struct {
	Status   string           `json:"status"`
	Code     string           `json:"code"`
	Message  string           `json:"message"`
	Articles []newsAPIArticle `json:"articles"`
}

type newsAPIArticle struct {
	Source struct {
		Name string `json:"name"`
	} `json:"source"`
	Author      string    `json:"author"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	URL         string    `json:"url"`
	URLToImage  string    `json:"urlToImage"`
	PublishedAt time.Time `json:"publishedAt"`
	Content     string    `json:"content"`
}
