package alert

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/elonfeng/aifeed/internal/store"
)

func annotated(fp, title string, score int) store.Item {
	return store.Item{
		Fingerprint: fp,
		Title:       title,
		URL:         "https://example.com/" + fp,
		Kind:        "news",
		Annotation:  &store.Annotation{Summary: title + " summary", ImportanceScore: score},
	}
}

func TestDigest(t *testing.T) {
	t.Parallel()

	items := []store.Item{
		annotated("a", "Minor", 4),
		annotated("b", "Big launch", 9),
		{Fingerprint: "c", Title: "Unannotated"},
		annotated("d", "Paper", 7),
	}
	n := Digest(items, 7)
	if n == nil {
		t.Fatal("expected a notification")
	}
	if len(n.Items) != 2 || n.Items[0].Fingerprint != "b" || n.Items[1].Fingerprint != "d" {
		t.Fatalf("unexpected entries: %+v", n.Items)
	}
	if n.TopScore != 9 || n.Title != "2 important AI updates" {
		t.Fatalf("unexpected notification: %+v", n)
	}

	if Digest(items, 10) != nil {
		t.Fatal("expected nil digest when nothing qualifies")
	}
}

func TestWebhookSignature(t *testing.T) {
	t.Parallel()

	payloads := make(chan *Notification, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if !Verify("s3cret", body, r.Header.Get(SignatureHeader)) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		n := new(Notification)
		json.Unmarshal(body, n)
		payloads <- n
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := Digest([]store.Item{annotated("x", "Solo", 8)}, 7)
	if err := NewWebhook(srv.URL, "s3cret").Send(context.Background(), n); err != nil {
		t.Fatalf("Send: %v", err)
	}
	got := <-payloads
	if got.Title != "Solo" || got.Body != "Solo summary" {
		t.Fatalf("unexpected payload: %+v", got)
	}

	if err := NewWebhook(srv.URL, "wrong").Send(context.Background(), n); err == nil {
		t.Fatal("expected error for bad signature")
	}
}

func TestSlackAndDiscordPayloads(t *testing.T) {
	t.Parallel()

	bodies := make(chan string, 2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		bodies <- string(b)
	}))
	defer srv.Close()

	n := Digest([]store.Item{annotated("a", "Alpha", 8), annotated("b", "Beta", 7)}, 7)
	if err := NewSlack(srv.URL).Send(context.Background(), n); err != nil {
		t.Fatalf("slack: %v", err)
	}
	if err := NewDiscord(srv.URL).Send(context.Background(), n); err != nil {
		t.Fatalf("discord: %v", err)
	}
	for range 2 {
		b := <-bodies
		if !strings.Contains(b, "Alpha") || !strings.Contains(b, "https://example.com/b") {
			t.Errorf("payload missing entries: %s", b)
		}
	}
}

type failingNotifier struct{ name string }

func (f failingNotifier) Name() string { return f.name }
func (f failingNotifier) Send(ctx context.Context, n *Notification) error {
	return errors.New("down")
}

func TestBroadcastJoinsErrors(t *testing.T) {
	t.Parallel()

	m := NewManager([]Notifier{failingNotifier{"one"}, failingNotifier{"two"}})
	err := m.Broadcast(context.Background(), &Notification{Title: "t"})
	if err == nil || !strings.Contains(err.Error(), "one: down") || !strings.Contains(err.Error(), "two: down") {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := m.Broadcast(context.Background(), nil); err != nil {
		t.Fatalf("nil notification should be a no-op, got %v", err)
	}
}
