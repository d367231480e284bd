package source

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

const rssFixture = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
<channel>
  <title>Example Lab Blog</title>
  <item>
    <title>Older post</title>
    <link>https://blog.example.com/older</link>
    <pubDate>Mon, 01 Jan 2024 10:00:00 GMT</pubDate>
    <description>Plain older text.</description>
  </item>
  <item>
    <title>Newest post about agents</title>
    <link>https://blog.example.com/newest</link>
    <pubDate>Wed, 03 Jan 2024 10:00:00 GMT</pubDate>
    <description><![CDATA[<p>Agents <b>everywhere</b>.</p><img src="https://img.example.com/a.png"><script>var x = 1;</script>]]></description>
    <category>agents</category>
  </item>
  <item>
    <title>Middle post</title>
    <link>https://blog.example.com/middle</link>
    <pubDate>Tue, 02 Jan 2024 10:00:00 GMT</pubDate>
    <description>Middle text.</description>
  </item>
</channel>
</rss>`

func TestBlogFetch(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		w.Write([]byte(rssFixture))
	}))
	defer srv.Close()

	items, err := NewBlog().Fetch(context.Background(), Config{
		Name:       "lab-blogs",
		Kind:       KindBlog,
		MaxResults: 2,
		Feeds:      []Feed{{Name: "Example Lab", URL: srv.URL}},
	})
	if err != nil {
		t.Fatalf("Fetch returned error: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}

	newest := items[0]
	if newest.URL != "https://blog.example.com/newest" {
		t.Fatalf("expected newest post first, got %s", newest.URL)
	}
	if newest.RawText != "Agents everywhere." {
		t.Errorf("raw text = %q", newest.RawText)
	}
	if newest.Thumbnail != "https://img.example.com/a.png" {
		t.Errorf("thumbnail = %q", newest.Thumbnail)
	}
	if newest.Channel != "Example Lab" {
		t.Errorf("channel = %q", newest.Channel)
	}
	if newest.Kind != KindBlog {
		t.Errorf("kind = %q", newest.Kind)
	}
	if items[1].URL != "https://blog.example.com/middle" {
		t.Errorf("expected middle post second, got %s", items[1].URL)
	}
}

func TestBlogFetchKeywordFilter(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(rssFixture))
	}))
	defer srv.Close()

	items, err := NewBlog().Fetch(context.Background(), Config{
		Keywords: []string{"AGENTS"},
		Feeds:    []Feed{{Name: "lab", URL: srv.URL}},
	})
	if err != nil {
		t.Fatalf("Fetch returned error: %v", err)
	}
	if len(items) != 1 || items[0].Title != "Newest post about agents" {
		t.Fatalf("unexpected filtered items: %+v", items)
	}
}

func TestBlogFetchFailsAtomically(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/good", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(rssFixture))
	})
	mux.HandleFunc("/gone", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	items, err := NewBlog().Fetch(context.Background(), Config{
		Name: "blogs",
		Feeds: []Feed{
			{Name: "good", URL: srv.URL + "/good"},
			{Name: "gone", URL: srv.URL + "/gone"},
		},
	})
	if items != nil {
		t.Fatalf("expected no partial batch, got %d items", len(items))
	}
	var fe *FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("expected *FetchError, got %v", err)
	}
	if fe.Reason != ReasonNetwork {
		t.Errorf("reason = %s, want %s", fe.Reason, ReasonNetwork)
	}
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusNotFound {
		t.Errorf("expected wrapped 404 status error, got %v", err)
	}
}

func TestBlogFetchRequiresFeeds(t *testing.T) {
	t.Parallel()

	_, err := NewBlog().Fetch(context.Background(), Config{Name: "empty"})
	var fe *FetchError
	if !errors.As(err, &fe) || fe.Reason != ReasonConfig {
		t.Fatalf("expected config error, got %v", err)
	}
}
