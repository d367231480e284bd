// Package alert delivers digests of important newly annotated items to
// chat webhooks.
package alert

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/elonfeng/aifeed/internal/store"
	"github.com/elonfeng/aifeed/pkg/source"
)

// maxListed bounds how many entries a chat message shows.
const maxListed = 5

// Entry is one item in a digest.
type Entry struct {
	Fingerprint string      `json:"fingerprint"`
	Title       string      `json:"title"`
	URL         string      `json:"url"`
	Kind        source.Kind `json:"kind"`
	Source      string      `json:"source"`
	Summary     string      `json:"summary"`
	Categories  []string    `json:"categories,omitempty"`
	Score       int         `json:"importance_score"`
}

// Notification is the data sent to alert destinations.
type Notification struct {
	Title    string    `json:"title"`
	Body     string    `json:"body"`
	TopScore int       `json:"top_score"`
	Kinds    []string  `json:"kinds"`
	Items    []Entry   `json:"items"`
	SentAt   time.Time `json:"sent_at"`
}

// Digest builds a notification from annotated items scoring at least
// minScore, highest score first. It returns nil when nothing qualifies.
func Digest(items []store.Item, minScore int) *Notification {
	var entries []Entry
	kinds := make(map[string]bool)
	for _, it := range items {
		if it.Annotation == nil || it.Annotation.ImportanceScore < minScore {
			continue
		}
		entries = append(entries, Entry{
			Fingerprint: it.Fingerprint,
			Title:       it.Title,
			URL:         it.URL,
			Kind:        it.Kind,
			Source:      it.Source,
			Summary:     it.Annotation.Summary,
			Categories:  it.Annotation.Categories,
			Score:       it.Annotation.ImportanceScore,
		})
		kinds[string(it.Kind)] = true
	}
	if len(entries) == 0 {
		return nil
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Score > entries[j].Score })

	n := &Notification{
		TopScore: entries[0].Score,
		Items:    entries,
		SentAt:   time.Now().UTC(),
	}
	for k := range kinds {
		n.Kinds = append(n.Kinds, k)
	}
	sort.Strings(n.Kinds)

	if len(entries) == 1 {
		n.Title = entries[0].Title
		n.Body = entries[0].Summary
	} else {
		n.Title = fmt.Sprintf("%d important AI updates", len(entries))
		n.Body = fmt.Sprintf("Top: %s", entries[0].Title)
	}
	return n
}

// Listed returns the entries a chat message should show.
func (n *Notification) Listed() []Entry {
	return n.Items[:min(len(n.Items), maxListed)]
}

func (n *Notification) kindsLabel() string {
	return strings.Join(n.Kinds, ", ")
}

// Notifier delivers alerts to a specific destination.
type Notifier interface {
	Name() string
	Send(ctx context.Context, n *Notification) error
}

// Manager broadcasts notifications to all registered notifiers.
type Manager struct {
	notifiers []Notifier
}

// NewManager creates a new alert manager.
func NewManager(notifiers []Notifier) *Manager {
	return &Manager{notifiers: notifiers}
}

// HasNotifiers returns true if at least one notifier is configured.
func (m *Manager) HasNotifiers() bool {
	return m != nil && len(m.notifiers) > 0
}

// Broadcast sends a notification to all registered notifiers.
func (m *Manager) Broadcast(ctx context.Context, n *Notification) error {
	if n == nil || m == nil {
		return nil
	}
	var errs []error
	for _, notifier := range m.notifiers {
		if err := notifier.Send(ctx, n); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", notifier.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func postJSON(ctx context.Context, client *http.Client, url string, body []byte, header http.Header) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}
