package source

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const arxivAPI = "https://export.arxiv.org/api/query"

var defaultArXivCategories = []string{"cs.AI", "cs.CL", "cs.CV", "cs.LG"}

// ArXiv fetches recent papers from the ArXiv Atom API.
type ArXiv struct {
	client *http.Client
}

// NewArXiv creates a new ArXiv adapter.
func NewArXiv() *ArXiv {
	return &ArXiv{client: newHTTPClient()}
}

func (a *ArXiv) Kind() Kind { return KindPaper }

func (a *ArXiv) Fetch(ctx context.Context, cfg Config) ([]RawItem, error) {
	return run(ctx, KindPaper, cfg, a.fetch)
}

func (a *ArXiv) fetch(ctx context.Context, cfg Config) ([]RawItem, error) {
	categories := cfg.Categories
	if len(categories) == 0 {
		categories = defaultArXivCategories
	}

	// Build search query: cat:cs.AI+OR+cat:cs.CL+OR+...
	parts := make([]string, len(categories))
	for i, cat := range categories {
		parts[i] = "cat:" + cat
	}

	base := arxivAPI
	if cfg.BaseURL != "" {
		base = cfg.BaseURL
	}
	// ArXiv expects unencoded +OR+ in search_query, so build the URL by hand.
	reqURL := fmt.Sprintf("%s?search_query=%s&sortBy=submittedDate&sortOrder=descending&max_results=%d",
		base, strings.Join(parts, "+OR+"), cfg.MaxResults)

	body, err := get(ctx, a.client, reqURL)
	if err != nil {
		return nil, err
	}

	var feed arxivFeed
	if err := xml.NewDecoder(bytes.NewReader(body)).Decode(&feed); err != nil {
		return nil, malformed("decode arxiv feed: %w", err)
	}

	items := make([]RawItem, 0, len(feed.Entries))
	for _, entry := range feed.Entries {
		id := extractArXivID(entry.ID)
		if id == "" {
			return nil, malformed("arxiv entry without id: %q", entry.Title)
		}

		var authors []string
		for _, au := range entry.Authors {
			authors = append(authors, strings.TrimSpace(au.Name))
		}
		var tags []string
		for _, cat := range entry.Categories {
			tags = append(tags, cat.Term)
		}

		items = append(items, RawItem{
			Title:       collapseSpace(entry.Title),
			URL:         "https://arxiv.org/abs/" + id,
			PublishedAt: entry.Published.UTC(),
			RawText:     truncate(collapseSpace(entry.Summary), MaxTextLen),
			Authors:     authors,
			Tags:        tags,
		})
	}
	return items, nil
}

// extractArXivID turns "http://arxiv.org/abs/2402.12345v1" into "2402.12345".
func extractArXivID(uri string) string {
	_, id, ok := strings.Cut(uri, "/abs/")
	if !ok {
		return ""
	}
	if idx := strings.LastIndex(id, "v"); idx > 0 && isDigits(id[idx+1:]) {
		id = id[:idx]
	}
	return id
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

type arxivFeed struct {
	XMLName xml.Name     `xml:"feed"`
	Entries []arxivEntry `xml:"entry"`
}

type arxivEntry struct {
	ID         string          `xml:"id"`
	Title      string          `xml:"title"`
	Summary    string          `xml:"summary"`
	Published  time.Time       `xml:"published"`
	Authors    []arxivAuthor   `xml:"author"`
	Categories []arxivCategory `xml:"category"`
}

type arxivAuthor struct {
	Name string `xml:"name"`
}

type arxivCategory struct {
	Term string `xml:"term,attr"`
}
