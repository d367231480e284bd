package source

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"
)

func fixedNews(now time.Time) *News {
	n := NewNews()
	n.now = func() time.Time { return now }
	return n
}

func TestNewsAPIFetch(t *testing.T) {
	t.Parallel()

	queries := make(chan url.Values, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v2/everything" {
			http.NotFound(w, r)
			return
		}
		queries <- r.URL.Query()
		fmt.Fprint(w, `{
			"status": "ok",
			"articles": [
				{"source": {"name": "Wire"}, "author": "Jane", "title": "New model ships",
				 "description": "A <b>new</b> model.", "url": "https://wire.example.com/model",
				 "urlToImage": "https://wire.example.com/m.png", "publishedAt": "2024-03-01T08:00:00Z",
				 "content": "A new model shipped today with better reasoning. [+1200 chars]"},
				{"source": {"name": "Gone"}, "title": "[Removed]", "url": "https://removed.com"}
			]
		}`)
	}))
	defer srv.Close()

	now := time.Date(2024, 3, 2, 12, 0, 0, 0, time.UTC)
	items, err := fixedNews(now).Fetch(context.Background(), Config{
		Name:       "newsapi",
		Kind:       KindNews,
		Keywords:   []string{"LLM", "machine learning"},
		APIKey:     "secret",
		MaxResults: 20,
		BaseURL:    srv.URL,
	})
	if err != nil {
		t.Fatalf("Fetch returned error: %v", err)
	}

	q := <-queries
	if got := q.Get("q"); got != `LLM OR "machine learning"` {
		t.Errorf("q = %q", got)
	}
	if got := q.Get("from"); got != "2024-02-29" {
		t.Errorf("from = %q", got)
	}
	if q.Get("apiKey") != "secret" || q.Get("pageSize") != "20" {
		t.Errorf("unexpected params: %v", q)
	}

	if len(items) != 1 {
		t.Fatalf("expected removed article to be skipped, got %d items", len(items))
	}
	item := items[0]
	if item.Title != "New model ships" || item.Channel != "Wire" {
		t.Errorf("unexpected item: %+v", item)
	}
	if item.RawText != "A new model shipped today with better reasoning. [+1200 chars]" {
		t.Errorf("expected longer content to win, got %q", item.RawText)
	}
	if item.Kind != KindNews {
		t.Errorf("kind = %q", item.Kind)
	}
}

func TestNewsAPIAuthError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"status":"error","code":"apiKeyInvalid","message":"bad key"}`)
	}))
	defer srv.Close()

	_, err := NewNews().Fetch(context.Background(), Config{
		Name: "newsapi", Keywords: []string{"ai"}, APIKey: "bad", BaseURL: srv.URL,
	})
	var fe *FetchError
	if !errors.As(err, &fe) || fe.Reason != ReasonAuth {
		t.Fatalf("expected auth error, got %v", err)
	}
}

func TestNewsAPIMissingKey(t *testing.T) {
	t.Parallel()

	_, err := NewNews().Fetch(context.Background(), Config{Name: "newsapi", Keywords: []string{"ai"}})
	var fe *FetchError
	if !errors.As(err, &fe) || fe.Reason != ReasonConfig {
		t.Fatalf("expected config error, got %v", err)
	}
}

func TestHackerNewsFetch(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/topstories.json", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[1, 2, 3, 4, 5]`)
	})
	mux.HandleFunc("/item/1.json", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id":1,"type":"story","title":"Show HN: a tiny LLM runtime","url":"https://example.com/llm","by":"pg","time":1709280000}`)
	})
	mux.HandleFunc("/item/2.json", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id":2,"type":"job","title":"Hiring LLM engineers"}`)
	})
	mux.HandleFunc("/item/3.json", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id":3,"type":"story","title":"Gardening tips"}`)
	})
	mux.HandleFunc("/item/4.json", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `null`)
	})
	mux.HandleFunc("/item/5.json", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id":5,"type":"story","title":"Ask HN: LLM evals?","text":"<p>What do you use?</p>","time":1709283600}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	items, err := NewNews().Fetch(context.Background(), Config{
		Name:     "hn",
		Provider: ProviderHackerNews,
		Keywords: []string{"llm"},
		BaseURL:  srv.URL,
	})
	if err != nil {
		t.Fatalf("Fetch returned error: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 matching stories, got %d: %+v", len(items), items)
	}
	if items[0].URL != "https://example.com/llm" {
		t.Errorf("expected front-page order, got %s first", items[0].URL)
	}
	if items[1].URL != "https://news.ycombinator.com/item?id=5" {
		t.Errorf("expected HN discussion link for text post, got %s", items[1].URL)
	}
	if items[1].RawText != "What do you use?" {
		t.Errorf("raw text = %q", items[1].RawText)
	}
}

func TestHackerNewsItemFailureFailsCall(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/topstories.json", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[1, 2]`)
	})
	mux.HandleFunc("/item/1.json", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id":1,"type":"story","title":"LLM news","url":"https://example.com/1"}`)
	})
	mux.HandleFunc("/item/2.json", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{not json`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	items, err := NewNews().Fetch(context.Background(), Config{
		Name: "hn", Provider: ProviderHackerNews, Keywords: []string{"llm"}, BaseURL: srv.URL,
	})
	if items != nil {
		t.Fatalf("expected no items, got %d", len(items))
	}
	var fe *FetchError
	if !errors.As(err, &fe) || fe.Reason != ReasonMalformed {
		t.Fatalf("expected malformed error, got %v", err)
	}
}

func TestNewsUnknownProvider(t *testing.T) {
	t.Parallel()

	_, err := NewNews().Fetch(context.Background(), Config{Name: "x", Provider: "bing"})
	var fe *FetchError
	if !errors.As(err, &fe) || fe.Reason != ReasonConfig {
		t.Fatalf("expected config error, got %v", err)
	}
}
