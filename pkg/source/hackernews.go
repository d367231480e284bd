package source

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	hnBaseURL = "https://hacker-news.firebaseio.com/v0"

	// Number of front-page stories scanned per fetch.
	hnScanLimit = 100
	// Concurrent item requests against the HN API.
	hnConcurrency = 10
)

type hnStory struct {
	ID    int    `json:"id"`
	Title string `json:"title"`
	URL   string `json:"url"`
	Text  string `json:"text"`
	By    string `json:"by"`
	Time  int64  `json:"time"`
	Type  string `json:"type"`
	Dead  bool   `json:"dead"`
}

// fetchHackerNews scans the top stories and keeps those matching the
// configured keywords, preserving front-page order.
func (n *News) fetchHackerNews(ctx context.Context, cfg Config) ([]RawItem, error) {
	base := hnBaseURL
	if cfg.BaseURL != "" {
		base = cfg.BaseURL
	}

	var ids []int
	if err := getJSON(ctx, n.client, base+"/topstories.json", &ids); err != nil {
		return nil, err
	}
	if len(ids) > hnScanLimit {
		ids = ids[:hnScanLimit]
	}

	stories := make([]*hnStory, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(hnConcurrency)
	for i, id := range ids {
		g.Go(func() error {
			var story hnStory
			if err := getJSON(gctx, n.client, fmt.Sprintf("%s/item/%d.json", base, id), &story); err != nil {
				return err
			}
			stories[i] = &story
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	filter := NewFilter(cfg.Keywords, cfg.Exclude)
	var items []RawItem
	for _, story := range stories {
		if story == nil || story.Type != "story" || story.Dead || story.Title == "" {
			continue
		}
		if !filter.Match(story.Title + " " + story.URL) {
			continue
		}

		link := story.URL
		if link == "" {
			link = fmt.Sprintf("https://news.ycombinator.com/item?id=%d", story.ID)
		}
		var authors []string
		if story.By != "" {
			authors = []string{story.By}
		}

		items = append(items, RawItem{
			Title:       story.Title,
			URL:         link,
			PublishedAt: time.Unix(story.Time, 0).UTC(),
			RawText:     HTMLToText(story.Text, MaxTextLen),
			Authors:     authors,
			Channel:     "Hacker News",
		})
		if len(items) == cfg.MaxResults {
			break
		}
	}
	return items, nil
}
