package source

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Kind identifies which category of content a source produces.
type Kind string

const (
	KindPaper Kind = "paper"
	KindNews  Kind = "news"
	KindVideo Kind = "video"
	KindBlog  Kind = "blog"
)

// AllKinds returns all known source kinds.
func AllKinds() []Kind {
	return []Kind{KindPaper, KindNews, KindVideo, KindBlog}
}

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	for _, known := range AllKinds() {
		if k == known {
			return true
		}
	}
	return false
}

// RawItem is an item as returned by an adapter, before fingerprinting.
// A zero PublishedAt means the source did not report a date.
type RawItem struct {
	Title       string    `json:"title"`
	URL         string    `json:"url"`
	PublishedAt time.Time `json:"published_at"`
	RawText     string    `json:"raw_text"`
	Kind        Kind      `json:"kind"`
	Authors     []string  `json:"authors,omitempty"`
	Channel     string    `json:"channel,omitempty"`
	Thumbnail   string    `json:"thumbnail,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
}

// Feed is a named RSS/Atom feed URL.
type Feed struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
}

// Config describes one configured source. It is read-only during a cycle.
type Config struct {
	Name       string        `yaml:"name"`
	Kind       Kind          `yaml:"kind"`
	Enabled    bool          `yaml:"enabled"`
	MaxResults int           `yaml:"max_results"`
	Timeout    time.Duration `yaml:"timeout"`

	Categories []string `yaml:"categories"` // paper
	Keywords   []string `yaml:"keywords"`   // news, video, blog
	Exclude    []string `yaml:"exclude"`
	Provider   string   `yaml:"provider"` // news: "newsapi" or "hackernews"
	Channels   []string `yaml:"channels"` // video
	Feeds      []Feed   `yaml:"feeds"`    // blog
	APIKey     string   `yaml:"api_key"`
	FullText   bool     `yaml:"full_text"`
	BaseURL    string   `yaml:"base_url"` // custom endpoint (optional)
}

// Label returns the configured name, falling back to the kind.
func (c Config) Label() string {
	if c.Name != "" {
		return c.Name
	}
	return string(c.Kind)
}

// Adapter fetches raw items for one source kind. Implementations hold no
// state between calls; everything they need comes from the Config.
type Adapter interface {
	Kind() Kind
	Fetch(ctx context.Context, cfg Config) ([]RawItem, error)
}

const (
	defaultTimeout    = 30 * time.Second
	defaultMaxResults = 50
)

// run applies the per-call timeout, turns any failure into a *FetchError
// and enforces the max_results cap. A failed call never returns items.
func run(ctx context.Context, kind Kind, cfg Config, fetch func(context.Context, Config) ([]RawItem, error)) ([]RawItem, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = defaultMaxResults
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	items, err := fetch(ctx, cfg)
	if err != nil {
		return nil, WrapError(cfg.Label(), kind, err)
	}

	if len(items) > cfg.MaxResults {
		items = items[:cfg.MaxResults]
	}
	for i := range items {
		items[i].Kind = kind
	}
	return items, nil
}

// Reason classifies why a fetch failed.
type Reason string

const (
	ReasonNetwork   Reason = "network"
	ReasonTimeout   Reason = "timeout"
	ReasonCanceled  Reason = "canceled"
	ReasonAuth      Reason = "auth"
	ReasonQuota     Reason = "quota"
	ReasonMalformed Reason = "malformed"
	ReasonConfig    Reason = "config"
)

// FetchError is the single error type adapters return.
type FetchError struct {
	Source string
	Kind   Kind
	Reason Reason
	Err    error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("%s %s: %s: %v", e.Kind, e.Source, e.Reason, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

func malformed(format string, args ...any) error {
	return &FetchError{Reason: ReasonMalformed, Err: fmt.Errorf(format, args...)}
}

func misconfigured(format string, args ...any) error {
	return &FetchError{Reason: ReasonConfig, Err: fmt.Errorf(format, args...)}
}

// WrapError converts err into a *FetchError attributed to the named source,
// keeping the reason of an inner FetchError when there is one.
func WrapError(name string, kind Kind, err error) *FetchError {
	var fe *FetchError
	if errors.As(err, &fe) {
		return &FetchError{Source: name, Kind: kind, Reason: fe.Reason, Err: fe.Err}
	}
	return &FetchError{Source: name, Kind: kind, Reason: classify(err), Err: err}
}

func classify(err error) Reason {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ReasonTimeout
	case errors.Is(err, context.Canceled):
		return ReasonCanceled
	}

	var se *StatusError
	if errors.As(err, &se) {
		switch {
		case se.Code == 429 || se.quotaExceeded():
			return ReasonQuota
		case se.Code == 401 || se.Code == 403:
			return ReasonAuth
		}
	}
	return ReasonNetwork
}

// Registry maps source kinds to adapters.
type Registry struct {
	adapters map[Kind]Adapter
}

// NewRegistry creates a registry holding the given adapters.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[Kind]Adapter)}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

// DefaultRegistry returns a registry with one adapter per known kind.
func DefaultRegistry() *Registry {
	return NewRegistry(NewArXiv(), NewNews(), NewYouTube(), NewBlog())
}

// Register adds or replaces the adapter for its kind.
func (r *Registry) Register(a Adapter) {
	r.adapters[a.Kind()] = a
}

// Lookup returns the adapter registered for kind.
func (r *Registry) Lookup(kind Kind) (Adapter, bool) {
	a, ok := r.adapters[kind]
	return a, ok
}
