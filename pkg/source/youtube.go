package source

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

const youtubeAPI = "https://www.googleapis.com/youtube/v3"

// YouTube lists recent videos from configured channels, or searches by
// keyword when no channels are given.
type YouTube struct {
	client *http.Client
}

// NewYouTube creates a new YouTube adapter.
func NewYouTube() *YouTube {
	return &YouTube{client: newHTTPClient()}
}

func (y *YouTube) Kind() Kind { return KindVideo }

func (y *YouTube) Fetch(ctx context.Context, cfg Config) ([]RawItem, error) {
	return run(ctx, KindVideo, cfg, y.fetch)
}

func (y *YouTube) fetch(ctx context.Context, cfg Config) ([]RawItem, error) {
	if cfg.APIKey == "" {
		return nil, misconfigured("youtube: API key required (set YOUTUBE_API_KEY)")
	}
	if len(cfg.Channels) == 0 && len(cfg.Keywords) == 0 {
		return nil, misconfigured("youtube: channels or keywords required")
	}

	base := youtubeAPI
	if cfg.BaseURL != "" {
		base = cfg.BaseURL
	}

	var found []ytSearchItem
	if len(cfg.Channels) > 0 {
		for _, channel := range cfg.Channels {
			params := y.searchParams(cfg)
			params.Set("channelId", channel)
			page, err := y.search(ctx, base, params)
			if err != nil {
				return nil, err
			}
			found = append(found, page...)
		}
	} else {
		params := y.searchParams(cfg)
		params.Set("q", strings.Join(cfg.Keywords, "|"))
		page, err := y.search(ctx, base, params)
		if err != nil {
			return nil, err
		}
		found = page
	}

	// Channel listings are filtered locally; keyword searches already are.
	var filter *Filter
	if len(cfg.Channels) > 0 && len(cfg.Keywords) > 0 {
		filter = NewFilter(cfg.Keywords, cfg.Exclude)
	}

	seen := make(map[string]bool)
	var items []RawItem
	for _, v := range found {
		id := v.ID.VideoID
		if id == "" || seen[id] {
			continue
		}
		if filter != nil && !filter.Match(v.Snippet.Title+" "+v.Snippet.Description) {
			continue
		}
		seen[id] = true

		items = append(items, RawItem{
			Title:       v.Snippet.Title,
			URL:         "https://www.youtube.com/watch?v=" + id,
			PublishedAt: v.Snippet.PublishedAt.UTC(),
			RawText:     v.Snippet.Description,
			Channel:     v.Snippet.ChannelTitle,
			Thumbnail:   v.Snippet.Thumbnails.best(),
		})
	}

	sort.SliceStable(items, func(i, j int) bool {
		return items[i].PublishedAt.After(items[j].PublishedAt)
	})
	if len(items) > cfg.MaxResults {
		items = items[:cfg.MaxResults]
	}

	if err := y.fillDescriptions(ctx, base, cfg.APIKey, items); err != nil {
		return nil, err
	}
	return items, nil
}

func (y *YouTube) searchParams(cfg Config) url.Values {
	perPage := cfg.MaxResults
	if perPage > 50 {
		perPage = 50
	}
	params := url.Values{}
	params.Set("part", "snippet")
	params.Set("type", "video")
	params.Set("order", "date")
	params.Set("maxResults", strconv.Itoa(perPage))
	params.Set("key", cfg.APIKey)
	return params
}

func (y *YouTube) search(ctx context.Context, base string, params url.Values) ([]ytSearchItem, error) {
	var result ytSearchResult
	if err := getJSON(ctx, y.client, base+"/search?"+params.Encode(), &result); err != nil {
		return nil, err
	}
	return result.Items, nil
}

// fillDescriptions replaces the truncated search snippets with the full
// video descriptions, 50 ids per request.
func (y *YouTube) fillDescriptions(ctx context.Context, base, apiKey string, items []RawItem) error {
	index := make(map[string]int, len(items))
	ids := make([]string, 0, len(items))
	for i, item := range items {
		id := strings.TrimPrefix(item.URL, "https://www.youtube.com/watch?v=")
		index[id] = i
		ids = append(ids, id)
	}

	for start := 0; start < len(ids); start += 50 {
		end := min(start+50, len(ids))

		params := url.Values{}
		params.Set("part", "snippet")
		params.Set("id", strings.Join(ids[start:end], ","))
		params.Set("key", apiKey)

		var result ytVideoResult
		if err := getJSON(ctx, y.client, base+"/videos?"+params.Encode(), &result); err != nil {
			return fmt.Errorf("youtube video details: %w", err)
		}
		for _, v := range result.Items {
			if i, ok := index[v.ID]; ok && v.Snippet.Description != "" {
				items[i].RawText = truncate(v.Snippet.Description, MaxTextLen)
				items[i].Tags = v.Snippet.Tags
			}
		}
	}
	return nil
}

type ytSearchResult struct {
	Items []ytSearchItem `json:"items"`
}

type ytSearchItem struct {
	ID struct {
		VideoID string `json:"videoId"`
	} `json:"id"`
	Snippet ytSnippet `json:"snippet"`
}

type ytSnippet struct {
	Title        string       `json:"title"`
	Description  string       `json:"description"`
	ChannelTitle string       `json:"channelTitle"`
	ChannelID    string       `json:"channelId"`
	PublishedAt  time.Time    `json:"publishedAt"`
	Thumbnails   ytThumbnails `json:"thumbnails"`
	Tags         []string     `json:"tags"`
}

type ytThumbnails struct {
	Default struct {
		URL string `json:"url"`
	} `json:"default"`
	High struct {
		URL string `json:"url"`
	} `json:"high"`
}

func (t ytThumbnails) best() string {
	if t.High.URL != "" {
		return t.High.URL
	}
	return t.Default.URL
}

type ytVideoResult struct {
	Items []struct {
		ID      string    `json:"id"`
		Snippet ytSnippet `json:"snippet"`
	} `json:"items"`
}
