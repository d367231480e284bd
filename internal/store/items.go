package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"

	"github.com/elonfeng/aifeed/pkg/source"
)

// itemRow mirrors the items table.
type itemRow struct {
	Fingerprint      string         `db:"fingerprint"`
	Kind             string         `db:"kind"`
	Source           string         `db:"source"`
	Title            string         `db:"title"`
	URL              string         `db:"url"`
	PublishedAt      sql.NullInt64  `db:"published_at"`
	FetchedAt        int64          `db:"fetched_at"`
	RawText          string         `db:"raw_text"`
	Authors          string         `db:"authors"`
	Channel          string         `db:"channel"`
	Thumbnail        string         `db:"thumbnail"`
	Tags             string         `db:"tags"`
	Summary          sql.NullString `db:"summary"`
	Categories       sql.NullString `db:"categories"`
	Keywords         sql.NullString `db:"keywords"`
	ImportanceScore  sql.NullInt64  `db:"importance_score"`
	AnalyzedAt       sql.NullInt64  `db:"analyzed_at"`
	AnalysisAttempts int            `db:"analysis_attempts"`
	AnalysisState    string         `db:"analysis_state"`
	LastAnalysisAt   sql.NullInt64  `db:"last_analysis_at"`
}

var itemColumns = []string{
	"i.fingerprint", "i.kind", "i.source", "i.title", "i.url", "i.published_at",
	"i.fetched_at", "i.raw_text", "i.authors", "i.channel", "i.thumbnail", "i.tags",
	"i.summary", "i.categories", "i.keywords", "i.importance_score", "i.analyzed_at",
	"i.analysis_attempts", "i.analysis_state", "i.last_analysis_at",
}

func (r itemRow) toItem() (Item, error) {
	item := Item{
		Fingerprint:      r.Fingerprint,
		Kind:             source.Kind(r.Kind),
		Source:           r.Source,
		Title:            r.Title,
		URL:              r.URL,
		FetchedAt:        fromMillis(r.FetchedAt),
		RawText:          r.RawText,
		Channel:          r.Channel,
		Thumbnail:        r.Thumbnail,
		AnalysisAttempts: r.AnalysisAttempts,
		AnalysisState:    AnalysisState(r.AnalysisState),
	}
	if r.PublishedAt.Valid {
		item.PublishedAt = fromMillis(r.PublishedAt.Int64)
	}
	if r.LastAnalysisAt.Valid {
		item.LastAnalysisAt = fromMillis(r.LastAnalysisAt.Int64)
	}
	if err := unmarshalList(r.Authors, &item.Authors); err != nil {
		return Item{}, fmt.Errorf("item %s authors: %w", r.Fingerprint, err)
	}
	if err := unmarshalList(r.Tags, &item.Tags); err != nil {
		return Item{}, fmt.Errorf("item %s tags: %w", r.Fingerprint, err)
	}

	if r.AnalyzedAt.Valid {
		a := &Annotation{
			Summary:         r.Summary.String,
			ImportanceScore: int(r.ImportanceScore.Int64),
			AnalyzedAt:      fromMillis(r.AnalyzedAt.Int64),
		}
		if err := unmarshalList(r.Categories.String, &a.Categories); err != nil {
			return Item{}, fmt.Errorf("item %s categories: %w", r.Fingerprint, err)
		}
		if err := unmarshalList(r.Keywords.String, &a.Keywords); err != nil {
			return Item{}, fmt.Errorf("item %s keywords: %w", r.Fingerprint, err)
		}
		item.Annotation = a
	}
	return item, nil
}

func toItems(rows []itemRow) ([]Item, error) {
	items := make([]Item, len(rows))
	for i, r := range rows {
		it, err := r.toItem()
		if err != nil {
			return nil, err
		}
		items[i] = it
	}
	return items, nil
}

// unmarshalList decodes a JSON string list column. An empty column is an
// empty list.
func unmarshalList(raw string, dst *[]string) error {
	if raw == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return nil
}

func marshalList(list []string) string {
	if list == nil {
		list = []string{}
	}
	b, _ := json.Marshal(list)
	return string(b)
}

// CheckAndInsert stores every item whose fingerprint is not yet in
// history. Each item is checked, inserted, indexed and added to the
// current view in its own IMMEDIATE transaction, so overlapping callers
// can never store the same fingerprint twice. The first failure aborts
// the remaining items and is returned as a *WriteError alongside what was
// already committed.
func (s *SQLiteStore) CheckAndInsert(ctx context.Context, items []Item) (InsertResult, error) {
	var res InsertResult
	for i := range items {
		item := items[i]
		if item.FetchedAt.IsZero() {
			item.FetchedAt = s.now().UTC()
		}

		inserted, drift, err := s.insertOne(ctx, &item)
		if err != nil {
			return res, &WriteError{Op: "insert", Fingerprint: item.Fingerprint, Err: err}
		}
		if !inserted {
			res.Duplicates++
			if drift != nil {
				res.Drifted = append(res.Drifted, *drift)
			}
			continue
		}
		item.AnalysisState = AnalysisPending
		res.Inserted = append(res.Inserted, item)
	}
	return res, nil
}

func (s *SQLiteStore) insertOne(ctx context.Context, item *Item) (bool, *Drift, error) {
	if item.Fingerprint == "" {
		return false, nil, errors.New("empty fingerprint")
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO items (fingerprint, kind, source, title, url, published_at, fetched_at,
			raw_text, authors, channel, thumbnail, tags)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(fingerprint) DO NOTHING
	`, item.Fingerprint, item.Kind, item.Source, item.Title, item.URL,
		nullableMillis(item.PublishedAt), toMillis(item.FetchedAt), item.RawText,
		marshalList(item.Authors), item.Channel, item.Thumbnail, marshalList(item.Tags))
	if err != nil {
		return false, nil, fmt.Errorf("insert item: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, nil, fmt.Errorf("insert item: %w", err)
	}

	if n == 0 {
		var stored string
		if err := tx.GetContext(ctx, &stored, "SELECT title FROM items WHERE fingerprint = ?", item.Fingerprint); err != nil {
			return false, nil, fmt.Errorf("read existing item: %w", err)
		}
		if stored != item.Title {
			return false, &Drift{Fingerprint: item.Fingerprint, StoredTitle: stored, FetchedTitle: item.Title}, nil
		}
		return false, nil, nil
	}

	seq, err := res.LastInsertId()
	if err != nil {
		return false, nil, fmt.Errorf("read rowid: %w", err)
	}
	category := string(item.Kind)
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO current_view (category, fingerprint, published_at, fetched_at, seq)
		VALUES (?, ?, ?, ?, ?)
	`, category, item.Fingerprint, nullableMillis(item.PublishedAt), toMillis(item.FetchedAt), seq); err != nil {
		return false, nil, fmt.Errorf("add to current view: %w", err)
	}

	// Keep the newest cap entries; eviction never touches history.
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM current_view WHERE category = ? AND fingerprint IN (
			SELECT fingerprint FROM current_view WHERE category = ?
			ORDER BY COALESCE(published_at, fetched_at) DESC, fetched_at DESC, seq DESC
			LIMIT -1 OFFSET ?
		)
	`, category, category, s.retention.Cap(category)); err != nil {
		return false, nil, fmt.Errorf("evict current view: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, nil, fmt.Errorf("commit: %w", err)
	}
	return true, nil, nil
}

// Seen returns the subset of fingerprints already present in history.
func (s *SQLiteStore) Seen(ctx context.Context, fingerprints []string) (map[string]bool, error) {
	seen := make(map[string]bool)
	const chunk = 500
	for start := 0; start < len(fingerprints); start += chunk {
		end := min(start+chunk, len(fingerprints))
		query, args, err := sqlx.In("SELECT fingerprint FROM items WHERE fingerprint IN (?)", fingerprints[start:end])
		if err != nil {
			return nil, fmt.Errorf("build seen query: %w", err)
		}
		var found []string
		if err := s.db.SelectContext(ctx, &found, query, args...); err != nil {
			return nil, fmt.Errorf("check fingerprints: %w", err)
		}
		for _, fp := range found {
			seen[fp] = true
		}
	}
	return seen, nil
}

func (s *SQLiteStore) GetItem(ctx context.Context, fingerprint string) (*Item, error) {
	query, args, err := sq.Select(itemColumns...).From("items i").
		Where(sq.Eq{"i.fingerprint": fingerprint}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build get item query: %w", err)
	}

	var row itemRow
	if err := s.db.GetContext(ctx, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("get item %s: %w", fingerprint, ErrNotFound)
		}
		return nil, fmt.Errorf("get item %s: %w", fingerprint, err)
	}
	item, err := row.toItem()
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// ListItems returns items matching q, newest first: published_at
// descending (fetched_at when unknown), ties broken by fetched_at.
func (s *SQLiteStore) ListItems(ctx context.Context, q Query) ([]Item, error) {
	sortKey := "COALESCE(i.published_at, i.fetched_at)"

	b := sq.Select(itemColumns...).From("items i")
	if q.CurrentOnly {
		b = b.Join("current_view cv ON cv.fingerprint = i.fingerprint")
	}
	if q.Kind != "" {
		b = b.Where(sq.Eq{"i.kind": string(q.Kind)})
	}
	if q.Category != "" {
		quoted, _ := json.Marshal(q.Category)
		b = b.Where(sq.Expr("i.categories LIKE ? ESCAPE '\\'", "%"+escapeLike(string(quoted))+"%"))
	}
	if q.Text != "" {
		pattern := "%" + escapeLike(q.Text) + "%"
		b = b.Where(sq.Or{
			sq.Expr("i.title LIKE ? ESCAPE '\\'", pattern),
			sq.Expr("i.raw_text LIKE ? ESCAPE '\\'", pattern),
		})
	}
	if !q.Since.IsZero() {
		b = b.Where(sq.GtOrEq{sortKey: toMillis(q.Since)})
	}
	if !q.Until.IsZero() {
		b = b.Where(sq.Lt{sortKey: toMillis(q.Until)})
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	b = b.OrderBy(sortKey+" DESC", "i.fetched_at DESC", "i.rowid DESC").
		Limit(uint64(limit)).Offset(uint64(max(q.Offset, 0)))

	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list query: %w", err)
	}

	var rows []itemRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	return toItems(rows)
}

// escapeLike escapes LIKE wildcards so user text matches literally.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// UpdateAnnotation sets the annotation of an existing item. Only the
// annotation and analysis state columns are written.
func (s *SQLiteStore) UpdateAnnotation(ctx context.Context, fingerprint string, a Annotation) error {
	if a.AnalyzedAt.IsZero() {
		a.AnalyzedAt = s.now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE items SET summary = ?, categories = ?, keywords = ?, importance_score = ?,
			analyzed_at = ?, analysis_state = ?
		WHERE fingerprint = ?
	`, a.Summary, marshalList(a.Categories), marshalList(a.Keywords), a.ImportanceScore,
		toMillis(a.AnalyzedAt), AnalysisAnnotated, fingerprint)
	if err != nil {
		return &WriteError{Op: "update annotation", Fingerprint: fingerprint, Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return &WriteError{Op: "update annotation", Fingerprint: fingerprint, Err: err}
	}
	if n == 0 {
		return fmt.Errorf("update annotation %s: %w", fingerprint, ErrNotFound)
	}
	return nil
}

// RecordAnalysisFailure increments the attempt counter of an unannotated
// item, stamps the failure time and returns the new count. A non-empty
// state replaces the item's analysis state.
func (s *SQLiteStore) RecordAnalysisFailure(ctx context.Context, fingerprint string, state AnalysisState) (int, error) {
	var attempts int
	err := s.db.GetContext(ctx, &attempts, `
		UPDATE items SET
			analysis_attempts = analysis_attempts + 1,
			analysis_state = CASE WHEN ? = '' THEN analysis_state ELSE ? END,
			last_analysis_at = ?
		WHERE fingerprint = ? AND analysis_state != ?
		RETURNING analysis_attempts
	`, state, state, toMillis(s.now()), fingerprint, AnalysisAnnotated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("record analysis failure %s: %w", fingerprint, ErrNotFound)
		}
		return 0, &WriteError{Op: "record analysis failure", Fingerprint: fingerprint, Err: err}
	}
	return attempts, nil
}

// ListPendingAnalysis returns pending and deferred items matching q,
// oldest first.
func (s *SQLiteStore) ListPendingAnalysis(ctx context.Context, q PendingQuery) ([]Item, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	b := sq.Select(itemColumns...).From("items i").
		Where(sq.Eq{"i.analysis_state": []string{string(AnalysisPending), string(AnalysisDeferred)}}).
		OrderBy("i.fetched_at ASC", "i.rowid ASC").
		Limit(uint64(limit))
	if q.MaxAttempts > 0 {
		b = b.Where(sq.Lt{"i.analysis_attempts": q.MaxAttempts})
	}
	if !q.FailedBefore.IsZero() {
		b = b.Where(sq.Or{
			sq.Eq{"i.last_analysis_at": nil},
			sq.Lt{"i.last_analysis_at": toMillis(q.FailedBefore)},
		})
	}

	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build pending query: %w", err)
	}
	var rows []itemRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list pending analysis: %w", err)
	}
	return toItems(rows)
}

func (s *SQLiteStore) Stats(ctx context.Context) (Stats, error) {
	st := Stats{ByKind: make(map[source.Kind]int), Current: make(map[string]int)}

	rows, err := s.db.QueryxContext(ctx, "SELECT kind, COUNT(*) FROM items GROUP BY kind")
	if err != nil {
		return st, fmt.Errorf("count items by kind: %w", err)
	}
	for rows.Next() {
		var kind string
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			rows.Close()
			return st, err
		}
		st.ByKind[source.Kind(kind)] = n
	}
	rows.Close()

	rows, err = s.db.QueryxContext(ctx, "SELECT category, COUNT(*) FROM current_view GROUP BY category")
	if err != nil {
		return st, fmt.Errorf("count current view: %w", err)
	}
	for rows.Next() {
		var category string
		var n int
		if err := rows.Scan(&category, &n); err != nil {
			rows.Close()
			return st, err
		}
		st.Current[category] = n
	}
	rows.Close()

	err = s.db.QueryRowxContext(ctx, `
		SELECT
			COALESCE(SUM(analysis_state = 'annotated'), 0),
			COALESCE(SUM(analysis_state = 'pending'), 0),
			COALESCE(SUM(analysis_state = 'deferred'), 0),
			COALESCE(SUM(analysis_state = 'exhausted'), 0),
			(SELECT COUNT(*) FROM refresh_runs)
		FROM items
	`).Scan(&st.Annotated, &st.Pending, &st.Deferred, &st.Exhausted, &st.Runs)
	if err != nil {
		return st, fmt.Errorf("count analysis states: %w", err)
	}
	return st, nil
}
