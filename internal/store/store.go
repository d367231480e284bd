package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/elonfeng/aifeed/pkg/source"
)

// ErrNotFound is returned when a fingerprint is not in history.
var ErrNotFound = errors.New("item not found")

// ErrCorrupt is returned when a stored column cannot be decoded.
var ErrCorrupt = errors.New("corrupt stored value")

// WriteError reports a failed write. The failing item's transaction was
// rolled back, so no partial state is left behind.
type WriteError struct {
	Op          string
	Fingerprint string
	Err         error
}

func (e *WriteError) Error() string {
	if e.Fingerprint == "" {
		return fmt.Sprintf("store %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("store %s %s: %v", e.Op, e.Fingerprint, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// AnalysisState tracks where an item is in the annotation lifecycle.
type AnalysisState string

const (
	AnalysisPending   AnalysisState = "pending"
	AnalysisAnnotated AnalysisState = "annotated"
	// AnalysisDeferred marks items whose last pass failed; a later retry
	// pass picks them up once the retry cooldown has passed.
	AnalysisDeferred AnalysisState = "deferred"
	// AnalysisExhausted marks items that reached the attempt cap. They
	// stay unannotated and are never retried.
	AnalysisExhausted AnalysisState = "exhausted"
)

// Annotation is the structured result of content analysis.
type Annotation struct {
	Summary         string    `json:"summary"`
	Categories      []string  `json:"categories"`
	Keywords        []string  `json:"keywords,omitempty"`
	ImportanceScore int       `json:"importance_score"`
	AnalyzedAt      time.Time `json:"analyzed_at"`
}

// Item is one stored piece of content. Everything except the annotation
// and analysis bookkeeping is immutable once stored.
type Item struct {
	Fingerprint      string        `json:"fingerprint"`
	Kind             source.Kind   `json:"kind"`
	Source           string        `json:"source"`
	Title            string        `json:"title"`
	URL              string        `json:"url"`
	PublishedAt      time.Time     `json:"published_at,omitzero"`
	FetchedAt        time.Time     `json:"fetched_at"`
	RawText          string        `json:"raw_text"`
	Authors          []string      `json:"authors,omitempty"`
	Channel          string        `json:"channel,omitempty"`
	Thumbnail        string        `json:"thumbnail,omitempty"`
	Tags             []string      `json:"tags,omitempty"`
	Annotation       *Annotation   `json:"annotation,omitempty"`
	AnalysisAttempts int           `json:"analysis_attempts"`
	AnalysisState    AnalysisState `json:"analysis_state"`
	LastAnalysisAt   time.Time     `json:"last_analysis_at,omitzero"`
}

// SortTime is the timestamp items are ordered by: published_at when
// known, otherwise fetched_at.
func (it *Item) SortTime() time.Time {
	if it.PublishedAt.IsZero() {
		return it.FetchedAt
	}
	return it.PublishedAt
}

// Drift records a re-fetched item whose title differs from the stored one.
// The stored row is kept as is.
type Drift struct {
	Fingerprint  string
	StoredTitle  string
	FetchedTitle string
}

// InsertResult summarizes one CheckAndInsert call.
type InsertResult struct {
	Inserted   []Item
	Duplicates int
	Drifted    []Drift
}

// Query filters item listings. Zero values mean "no filter".
type Query struct {
	Kind        source.Kind
	Category    string
	Text        string
	Since       time.Time
	Until       time.Time
	CurrentOnly bool
	Limit       int
	Offset      int
}

// PendingQuery selects unannotated items for a retry pass. MaxAttempts
// excludes items at or above that many attempts (0 means no cap).
// FailedBefore excludes items whose last failed attempt is at or after
// that time; items never attempted always qualify.
type PendingQuery struct {
	MaxAttempts  int
	FailedBefore time.Time
	Limit        int
}

// Stats summarizes stored content.
type Stats struct {
	ByKind    map[source.Kind]int `json:"by_kind"`
	Current   map[string]int      `json:"current"`
	Annotated int                 `json:"annotated"`
	Pending   int                 `json:"pending"`
	Deferred  int                 `json:"deferred"`
	Exhausted int                 `json:"exhausted"`
	Runs      int                 `json:"runs"`
}

// Store is the persistence interface.
type Store interface {
	CheckAndInsert(ctx context.Context, items []Item) (InsertResult, error)
	Seen(ctx context.Context, fingerprints []string) (map[string]bool, error)
	GetItem(ctx context.Context, fingerprint string) (*Item, error)
	ListItems(ctx context.Context, q Query) ([]Item, error)

	UpdateAnnotation(ctx context.Context, fingerprint string, a Annotation) error
	RecordAnalysisFailure(ctx context.Context, fingerprint string, state AnalysisState) (int, error)
	ListPendingAnalysis(ctx context.Context, q PendingQuery) ([]Item, error)

	AppendRun(ctx context.Context, run *RefreshRun) error
	ListRuns(ctx context.Context, limit int) ([]RefreshRun, error)

	Stats(ctx context.Context) (Stats, error)
	Snapshot(ctx context.Context, dest string) error
	Close() error
}

// Retention caps the current view per category.
type Retention struct {
	Default    int
	Categories map[string]int
}

// Cap returns the current-view cap for category.
func (r Retention) Cap(category string) int {
	if n, ok := r.Categories[category]; ok && n > 0 {
		return n
	}
	if r.Default > 0 {
		return r.Default
	}
	return 100
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db        *sqlx.DB
	retention Retention
	now       func() time.Time
}

// New opens a SQLite database and runs migrations.
func New(path string, retention Retention) (*SQLiteStore, error) {
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_txlock=immediate"
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// SQLite has a single writer; one connection keeps every
	// check-and-insert transaction strictly serialized.
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteStore{db: db, retention: retention, now: time.Now}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Snapshot writes a consistent copy of the database to dest.
func (s *SQLiteStore) Snapshot(ctx context.Context, dest string) error {
	if _, err := s.db.ExecContext(ctx, "VACUUM INTO ?", dest); err != nil {
		return fmt.Errorf("snapshot to %s: %w", dest, err)
	}
	return nil
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// nullableMillis maps a zero time to SQL NULL.
func nullableMillis(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}
