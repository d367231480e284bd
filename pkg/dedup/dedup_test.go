package dedup

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/elonfeng/aifeed/pkg/source"
)

type memIndex map[string]bool

func (m memIndex) Seen(_ context.Context, fps []string) (map[string]bool, error) {
	out := make(map[string]bool)
	for _, fp := range fps {
		if m[fp] {
			out[fp] = true
		}
	}
	return out, nil
}

type failingIndex struct{}

func (failingIndex) Seen(context.Context, []string) (map[string]bool, error) {
	return nil, errors.New("database is locked")
}

func TestCanonicalURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"https://Example.COM/post/", "https://example.com/post"},
		{"http://www.example.com:80/post", "https://example.com/post"},
		{"https://example.com:8443/post", "https://example.com:8443/post"},
		{"https://example.com/post?utm_source=x&utm_medium=y&id=7", "https://example.com/post?id=7"},
		{"https://example.com/post?b=2&a=1&fbclid=zz#section", "https://example.com/post?a=1&b=2"},
		{"https://example.com/Path/Case", "https://example.com/Path/Case"},
		{"  https://example.com/p?ref=hn  ", "https://example.com/p"},
		{"", ""},
		{"not a url", ""},
		{"/relative/only", ""},
	}
	for _, tt := range tests {
		if got := CanonicalURL(tt.in); got != tt.want {
			t.Errorf("CanonicalURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNormalizeTitle(t *testing.T) {
	t.Parallel()

	if got := NormalizeTitle("  GPT-5:  What's New?! "); got != "gpt 5 what s new" {
		t.Fatalf("NormalizeTitle = %q", got)
	}
}

func TestFingerprintStableAcrossFetches(t *testing.T) {
	t.Parallel()

	day := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	a := Fingerprint(source.KindBlog, "https://blog.example.com/post?utm_campaign=rss", "Title", day)
	b := Fingerprint(source.KindBlog, "https://BLOG.example.com/post/", "Title (edited)", day.Add(72*time.Hour))
	if a != b {
		t.Fatalf("same URL produced different fingerprints: %s vs %s", a, b)
	}

	other := Fingerprint(source.KindNews, "https://blog.example.com/post", "Title", day)
	if other == a {
		t.Fatal("different kinds must not share a fingerprint")
	}
}

func TestFingerprintWithoutURL(t *testing.T) {
	t.Parallel()

	morning := time.Date(2024, 5, 1, 6, 0, 0, 0, time.UTC)
	evening := time.Date(2024, 5, 1, 22, 0, 0, 0, time.UTC)
	nextDay := morning.Add(24 * time.Hour)

	a := Fingerprint(source.KindVideo, "", "Weekly  AI Roundup!", morning)
	b := Fingerprint(source.KindVideo, "", "weekly ai roundup", evening)
	c := Fingerprint(source.KindVideo, "", "weekly ai roundup", nextDay)

	if a != b {
		t.Error("same title on the same day should match")
	}
	if a == c {
		t.Error("same title on a different day should not match")
	}
	if len(a) < len("video:") || a[:6] != "video:" {
		t.Errorf("fingerprint %q lacks kind prefix", a)
	}
}

func TestFilter(t *testing.T) {
	t.Parallel()

	day := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	stored := Fingerprint(source.KindBlog, "https://example.com/x", "", day)
	d := New(memIndex{stored: true})

	items := []source.RawItem{
		{Kind: source.KindBlog, Title: "X", URL: "https://example.com/x?utm_source=feed", PublishedAt: day},
		{Kind: source.KindBlog, Title: "Y", URL: "https://example.com/y", PublishedAt: day},
		{Kind: source.KindBlog, Title: "Y again", URL: "https://example.com/y/", PublishedAt: day},
		{Kind: source.KindBlog, Title: "Z", URL: "https://example.com/z", PublishedAt: day},
	}

	res, err := d.Filter(context.Background(), items)
	if err != nil {
		t.Fatalf("Filter returned error: %v", err)
	}
	if res.Duplicates != 2 {
		t.Errorf("duplicates = %d, want 2", res.Duplicates)
	}
	if len(res.New) != 2 || res.New[0].Item.Title != "Y" || res.New[1].Item.Title != "Z" {
		t.Fatalf("unexpected new items: %+v", res.New)
	}
}

func TestFilterIndexError(t *testing.T) {
	t.Parallel()

	_, err := New(failingIndex{}).Filter(context.Background(), []source.RawItem{{Kind: source.KindNews, URL: "https://a.com"}})
	if err == nil {
		t.Fatal("expected index error to propagate")
	}
}
