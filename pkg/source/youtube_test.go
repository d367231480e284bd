package source

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestYouTubeChannelListing(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/search", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("channelId") != "UC123" || q.Get("order") != "date" || q.Get("key") != "k" {
			http.Error(w, "bad query", http.StatusBadRequest)
			return
		}
		fmt.Fprint(w, `{"items": [
			{"id": {"videoId": "v1"}, "snippet": {"title": "Transformers explained", "description": "short",
			 "channelTitle": "Lab", "publishedAt": "2024-03-01T00:00:00Z",
			 "thumbnails": {"high": {"url": "https://i.ytimg.com/v1.jpg"}}}},
			{"id": {"videoId": "v2"}, "snippet": {"title": "My cooking vlog", "description": "pasta",
			 "channelTitle": "Lab", "publishedAt": "2024-03-02T00:00:00Z"}},
			{"id": {"channelId": "UC999"}, "snippet": {"title": "a channel result"}}
		]}`)
	})
	mux.HandleFunc("/videos", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("id") != "v1" {
			http.Error(w, "unexpected ids "+r.URL.Query().Get("id"), http.StatusBadRequest)
			return
		}
		fmt.Fprint(w, `{"items": [{"id": "v1", "snippet": {"description": "The full description about transformers.", "tags": ["ml"]}}]}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	items, err := NewYouTube().Fetch(context.Background(), Config{
		Name:     "yt",
		Kind:     KindVideo,
		APIKey:   "k",
		Channels: []string{"UC123"},
		Keywords: []string{"transformer"},
		BaseURL:  srv.URL,
	})
	if err != nil {
		t.Fatalf("Fetch returned error: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected 1 item after keyword filter, got %d", len(items))
	}
	v := items[0]
	if v.URL != "https://www.youtube.com/watch?v=v1" {
		t.Errorf("url = %q", v.URL)
	}
	if v.RawText != "The full description about transformers." {
		t.Errorf("raw text = %q", v.RawText)
	}
	if v.Thumbnail != "https://i.ytimg.com/v1.jpg" || v.Channel != "Lab" {
		t.Errorf("unexpected metadata: %+v", v)
	}
}

func TestYouTubeQuotaExceeded(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `{"error": {"code": 403, "errors": [{"reason": "quotaExceeded"}]}}`)
	}))
	defer srv.Close()

	_, err := NewYouTube().Fetch(context.Background(), Config{
		Name: "yt", APIKey: "k", Channels: []string{"UC1"}, BaseURL: srv.URL,
	})
	var fe *FetchError
	if !errors.As(err, &fe) || fe.Reason != ReasonQuota {
		t.Fatalf("expected quota error, got %v", err)
	}
}

func TestYouTubeRequiresAPIKey(t *testing.T) {
	t.Parallel()

	_, err := NewYouTube().Fetch(context.Background(), Config{Name: "yt", Channels: []string{"UC1"}})
	var fe *FetchError
	if !errors.As(err, &fe) || fe.Reason != ReasonConfig {
		t.Fatalf("expected config error, got %v", err)
	}
}
