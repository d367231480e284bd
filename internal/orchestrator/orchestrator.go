// Package orchestrator runs one refresh cycle: fetch every enabled source
// in parallel, deduplicate, persist, annotate and record the run.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/elonfeng/aifeed/internal/store"
	"github.com/elonfeng/aifeed/pkg/alert"
	"github.com/elonfeng/aifeed/pkg/annotate"
	"github.com/elonfeng/aifeed/pkg/dedup"
	"github.com/elonfeng/aifeed/pkg/source"
)

// Annotator analyzes newly stored items.
type Annotator interface {
	Annotate(ctx context.Context, items []store.Item) annotate.Report
	RetryPending(ctx context.Context, limit int) (annotate.Report, error)
}

// Options wires the orchestrator's collaborators. Annotator and Alerts
// are optional.
type Options struct {
	Store            store.Store
	Registry         *source.Registry
	Sources          []source.Config
	Annotator        Annotator
	Alerts           *alert.Manager
	FetchConcurrency int
	CycleTimeout     time.Duration
	MinImportance    int
	RetryBatch       int
	Logger           *zap.Logger
}

// Orchestrator executes refresh cycles.
type Orchestrator struct {
	store     store.Store
	registry  *source.Registry
	sources   []source.Config
	dedup     *dedup.Deduplicator
	annotator Annotator
	alerts    *alert.Manager

	concurrency   int
	cycleTimeout  time.Duration
	minImportance int
	retryBatch    int

	logger *zap.Logger
	now    func() time.Time
}

// New creates an Orchestrator over the enabled sources in opts.Sources.
func New(opts Options) *Orchestrator {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Registry == nil {
		opts.Registry = source.DefaultRegistry()
	}
	if opts.FetchConcurrency <= 0 {
		opts.FetchConcurrency = 4
	}
	if opts.CycleTimeout <= 0 {
		opts.CycleTimeout = 5 * time.Minute
	}
	if opts.RetryBatch <= 0 {
		opts.RetryBatch = 50
	}

	var enabled []source.Config
	for _, cfg := range opts.Sources {
		if cfg.Enabled {
			enabled = append(enabled, cfg)
		}
	}

	return &Orchestrator{
		store:         opts.Store,
		registry:      opts.Registry,
		sources:       enabled,
		dedup:         dedup.New(opts.Store),
		annotator:     opts.Annotator,
		alerts:        opts.Alerts,
		concurrency:   opts.FetchConcurrency,
		cycleTimeout:  opts.CycleTimeout,
		minImportance: opts.MinImportance,
		retryBatch:    opts.RetryBatch,
		logger:        opts.Logger.Named("orchestrator"),
		now:           time.Now,
	}
}

type fetchResult struct {
	items  []source.RawItem
	result store.SourceResult
}

// RunCycle executes one refresh cycle and returns the finalized run. Source
// failures are recorded in the run; only store failures are returned.
func (o *Orchestrator) RunCycle(ctx context.Context) (*store.RefreshRun, error) {
	run := &store.RefreshRun{
		ID:        uuid.NewString(),
		StartedAt: o.now().UTC(),
	}
	log := o.logger.With(zap.String("run_id", run.ID))
	log.Info("refresh cycle started", zap.Int("sources", len(o.sources)))

	results := o.fetchAll(ctx)

	inserted, fatal := o.persist(ctx, log, results)
	for _, r := range results {
		run.Sources = append(run.Sources, r.result)
	}

	if fatal == nil && len(inserted) > 0 && o.annotator != nil {
		report := o.annotator.Annotate(ctx, inserted)
		run.Annotated = len(report.Annotated)
		run.AnalysisFailed = report.Failed
		o.notify(ctx, log, report.Annotated)
	}

	run.FinishedAt = o.now().UTC()
	switch {
	case fatal != nil:
		run.Status = store.RunFailed
		run.Error = fatal.Error()
	case anyFailed(run.Sources):
		run.Status = store.RunPartial
	default:
		run.Status = store.RunSuccess
	}

	// The audit record is written even when the caller's context is gone.
	if err := o.store.AppendRun(context.WithoutCancel(ctx), run); err != nil {
		log.Error("append refresh run", zap.Error(err))
		if fatal == nil {
			fatal = err
		} else {
			fatal = errors.Join(fatal, err)
		}
	}

	fetched, added, duplicates := run.Totals()
	fields := []zap.Field{
		zap.String("status", string(run.Status)),
		zap.Int("fetched", fetched),
		zap.Int("new", added),
		zap.Int("duplicates", duplicates),
		zap.Int("annotated", run.Annotated),
		zap.Duration("duration", run.FinishedAt.Sub(run.StartedAt)),
	}
	if fatal != nil {
		log.Error("refresh cycle failed", append(fields, zap.Error(fatal))...)
		return run, fmt.Errorf("refresh cycle %s: %w", run.ID, fatal)
	}
	log.Info("refresh cycle finished", fields...)
	return run, nil
}

// RetryPending runs an annotation pass over stored items that are still
// unannotated.
func (o *Orchestrator) RetryPending(ctx context.Context) (annotate.Report, error) {
	if o.annotator == nil {
		return annotate.Report{}, nil
	}
	report, err := o.annotator.RetryPending(ctx, o.retryBatch)
	if err != nil {
		return report, err
	}
	o.notify(ctx, o.logger, report.Annotated)
	return report, nil
}

// fetchAll runs every adapter concurrently under the cycle deadline. Each
// source writes only its own slot.
func (o *Orchestrator) fetchAll(ctx context.Context) []fetchResult {
	cycleCtx, cancel := context.WithTimeout(ctx, o.cycleTimeout)
	defer cancel()

	results := make([]fetchResult, len(o.sources))
	var eg errgroup.Group
	eg.SetLimit(o.concurrency)
	for i, cfg := range o.sources {
		eg.Go(func() error {
			results[i] = o.fetchOne(cycleCtx, cfg)
			return nil
		})
	}
	eg.Wait()
	return results
}

func (o *Orchestrator) fetchOne(ctx context.Context, cfg source.Config) fetchResult {
	start := o.now()
	res := fetchResult{result: store.SourceResult{Source: cfg.Label(), Kind: cfg.Kind}}
	log := o.logger.With(zap.String("source", cfg.Label()), zap.String("kind", string(cfg.Kind)))

	adapter, ok := o.registry.Lookup(cfg.Kind)
	if !ok {
		res.result.Error = fmt.Sprintf("no adapter for kind %q", cfg.Kind)
		res.result.ErrorKind = source.ReasonConfig
		log.Warn("source skipped", zap.String("error", res.result.Error))
		return res
	}

	type outcome struct {
		items []source.RawItem
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		items, err := adapter.Fetch(ctx, cfg)
		done <- outcome{items, err}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-ctx.Done():
		// An adapter that ignores cancellation is abandoned, not awaited.
		out = outcome{err: ctx.Err()}
	}
	res.result.Duration = o.now().Sub(start)

	if out.err != nil {
		fe := source.WrapError(cfg.Label(), cfg.Kind, out.err)
		res.result.Error = fe.Error()
		res.result.ErrorKind = fe.Reason
		log.Warn("source failed", zap.String("reason", string(fe.Reason)), zap.Error(out.err))
		return res
	}

	for i := range out.items {
		out.items[i].Kind = cfg.Kind
	}
	res.items = out.items
	res.result.Fetched = len(out.items)
	log.Debug("source fetched", zap.Int("items", len(out.items)), zap.Duration("duration", res.result.Duration))
	return res
}

// persist deduplicates and stores each source's items in configuration
// order. The first store error stops the remaining inserts.
func (o *Orchestrator) persist(ctx context.Context, log *zap.Logger, results []fetchResult) ([]store.Item, error) {
	var inserted []store.Item
	for i := range results {
		r := &results[i]
		if r.result.Failed() || len(r.items) == 0 {
			continue
		}

		filtered, err := o.dedup.Filter(ctx, r.items)
		if err != nil {
			return inserted, err
		}
		r.result.Duplicates = filtered.Duplicates
		if len(filtered.New) == 0 {
			continue
		}

		fetchedAt := o.now().UTC()
		batch := make([]store.Item, len(filtered.New))
		for j, c := range filtered.New {
			batch[j] = toStoreItem(c, r.result.Source, fetchedAt)
		}

		ins, err := o.store.CheckAndInsert(ctx, batch)
		r.result.New = len(ins.Inserted)
		r.result.Duplicates += ins.Duplicates
		inserted = append(inserted, ins.Inserted...)
		for _, d := range ins.Drifted {
			log.Warn("stored item re-fetched with a different title",
				zap.String("fingerprint", d.Fingerprint),
				zap.String("stored_title", d.StoredTitle),
				zap.String("fetched_title", d.FetchedTitle))
		}
		if err != nil {
			return inserted, err
		}
	}
	return inserted, nil
}

func (o *Orchestrator) notify(ctx context.Context, log *zap.Logger, annotated []store.Item) {
	if !o.alerts.HasNotifiers() {
		return
	}
	n := alert.Digest(annotated, o.minImportance)
	if n == nil {
		return
	}
	if err := o.alerts.Broadcast(ctx, n); err != nil {
		log.Warn("alert delivery failed", zap.Error(err))
		return
	}
	log.Info("alert sent", zap.String("title", n.Title), zap.Int("items", len(n.Items)))
}

func toStoreItem(c dedup.Candidate, sourceName string, fetchedAt time.Time) store.Item {
	return store.Item{
		Fingerprint: c.Fingerprint,
		Kind:        c.Item.Kind,
		Source:      sourceName,
		Title:       c.Item.Title,
		URL:         c.Item.URL,
		PublishedAt: c.Item.PublishedAt,
		FetchedAt:   fetchedAt,
		RawText:     c.Item.RawText,
		Authors:     c.Item.Authors,
		Channel:     c.Item.Channel,
		Thumbnail:   c.Item.Thumbnail,
		Tags:        c.Item.Tags,
	}
}

func anyFailed(results []store.SourceResult) bool {
	for _, r := range results {
		if r.Failed() {
			return true
		}
	}
	return false
}
