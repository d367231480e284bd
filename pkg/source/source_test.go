package source

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestRunTimeout(t *testing.T) {
	t.Parallel()

	slow := func(ctx context.Context, cfg Config) ([]RawItem, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	items, err := run(context.Background(), KindNews, Config{Name: "slow", Timeout: 20 * time.Millisecond}, slow)
	if items != nil {
		t.Fatalf("expected no items, got %d", len(items))
	}
	var fe *FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("expected *FetchError, got %v", err)
	}
	if fe.Reason != ReasonTimeout || fe.Source != "slow" || fe.Kind != KindNews {
		t.Fatalf("unexpected error: %+v", fe)
	}
}

func TestRunCapsAndStampsKind(t *testing.T) {
	t.Parallel()

	fetch := func(ctx context.Context, cfg Config) ([]RawItem, error) {
		return []RawItem{{Title: "a"}, {Title: "b"}, {Title: "c"}}, nil
	}
	items, err := run(context.Background(), KindVideo, Config{MaxResults: 2}, fetch)
	if err != nil {
		t.Fatalf("run returned error: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}
	for _, it := range items {
		if it.Kind != KindVideo {
			t.Errorf("item %q kind = %q", it.Title, it.Kind)
		}
	}
}

func TestGetRetriesGatewayErrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	body, err := get(context.Background(), srv.Client(), srv.URL)
	if err != nil {
		t.Fatalf("get returned error: %v", err)
	}
	if string(body) != "ok" {
		t.Fatalf("body = %q", body)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected 2 calls, got %d", calls.Load())
	}
}

func TestGetDoesNotRetryClientErrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := get(context.Background(), srv.Client(), srv.URL)
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 status error, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected a single call, got %d", calls.Load())
	}
	if classify(err) != ReasonQuota {
		t.Fatalf("classify = %s, want %s", classify(err), ReasonQuota)
	}
}

func TestRedactKey(t *testing.T) {
	t.Parallel()

	got := redactKey("https://newsapi.org/v2/everything?apiKey=abc123&q=ai")
	if got != "https://newsapi.org/v2/everything?apiKey=REDACTED&q=ai" {
		t.Fatalf("redactKey = %q", got)
	}
}

func TestRegistry(t *testing.T) {
	t.Parallel()

	r := DefaultRegistry()
	for _, kind := range AllKinds() {
		a, ok := r.Lookup(kind)
		if !ok {
			t.Fatalf("no adapter for %s", kind)
		}
		if a.Kind() != kind {
			t.Errorf("adapter for %s reports kind %s", kind, a.Kind())
		}
	}
	if _, ok := r.Lookup("podcast"); ok {
		t.Fatal("unexpected adapter for unknown kind")
	}
}

func TestFilter(t *testing.T) {
	t.Parallel()

	f := NewFilter([]string{"LLM", "agents"}, []string{"crypto"})
	tests := []struct {
		text string
		want bool
	}{
		{"A new llm benchmark", true},
		{"Agents in production", true},
		{"LLM crypto coin", false},
		{"Gardening", false},
	}
	for _, tt := range tests {
		if got := f.Match(tt.text); got != tt.want {
			t.Errorf("Match(%q) = %v, want %v", tt.text, got, tt.want)
		}
	}

	if !NewFilter(nil, nil).Match("Large Language Model release") {
		t.Error("expected default keywords to match")
	}
}

func TestHTMLToText(t *testing.T) {
	t.Parallel()

	page := `<html><head><style>body{}</style></head><body>
		<header>Site header</header>
		<nav>Home | About</nav>
		<div class="entry-content"><p>First   paragraph.</p><script>track()</script><p>Second.</p></div>
		<footer>Copyright</footer>
	</body></html>`
	if got := HTMLToText(page, MaxTextLen); got != "First paragraph. Second." {
		t.Fatalf("HTMLToText = %q", got)
	}

	if got := HTMLToText("plain   text\n here", 5); got != "plain" {
		t.Fatalf("HTMLToText plain = %q", got)
	}

	body := `<body><nav>menu</nav><p>Only body text</p></body>`
	if got := HTMLToText(body, MaxTextLen); got != "Only body text" {
		t.Fatalf("HTMLToText body = %q", got)
	}
}

func TestExtractorFullText(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html><body><article><h1>Title</h1><p>The whole article body is here.</p></article></body></html>`))
	}))
	defer srv.Close()

	items := []RawItem{
		{URL: srv.URL + "/post", RawText: "teaser"},
		{URL: "", RawText: "no url"},
	}
	NewExtractor(srv.Client()).fillFullText(context.Background(), items)

	if items[0].RawText != "Title The whole article body is here." {
		t.Errorf("full text = %q", items[0].RawText)
	}
	if items[1].RawText != "no url" {
		t.Errorf("item without url changed: %q", items[1].RawText)
	}
}
