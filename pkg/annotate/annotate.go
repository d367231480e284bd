// Package annotate sends stored items to an external analyzer and merges
// the resulting summaries, categories and importance scores back into the
// store.
package annotate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/elonfeng/aifeed/internal/store"
)

// Analyzer produces an annotation for one item.
type Analyzer interface {
	Analyze(ctx context.Context, item store.Item) (store.Annotation, error)
}

// AnalysisError is returned by analyzers when a call fails. Retryable is
// false for failures another attempt cannot fix, such as a rejected key.
type AnalysisError struct {
	Provider  string
	Status    int
	Retryable bool
	Err       error
}

func (e *AnalysisError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s analyzer (status %d): %v", e.Provider, e.Status, e.Err)
	}
	return fmt.Sprintf("%s analyzer: %v", e.Provider, e.Err)
}

func (e *AnalysisError) Unwrap() error { return e.Err }

func retryable(err error) bool {
	var ae *AnalysisError
	if errors.As(err, &ae) {
		return ae.Retryable
	}
	return true
}

// Recorder is the part of the store the gateway writes to.
type Recorder interface {
	UpdateAnnotation(ctx context.Context, fingerprint string, a store.Annotation) error
	RecordAnalysisFailure(ctx context.Context, fingerprint string, state store.AnalysisState) (int, error)
	ListPendingAnalysis(ctx context.Context, q store.PendingQuery) ([]store.Item, error)
}

// Options tunes retries and parallelism. RetryCooldown is how long a
// failed item waits before RetryPending picks it up again.
type Options struct {
	Concurrency     int
	Timeout         time.Duration
	AttemptsPerPass int
	MaxAttempts     int
	BackoffBase     time.Duration
	BackoffMax      time.Duration
	RetryCooldown   time.Duration
}

func (o Options) withDefaults() Options {
	if o.Concurrency <= 0 {
		o.Concurrency = 4
	}
	if o.Timeout <= 0 {
		o.Timeout = 60 * time.Second
	}
	if o.AttemptsPerPass <= 0 {
		o.AttemptsPerPass = 3
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 9
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 2 * time.Second
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = 30 * time.Second
	}
	if o.RetryCooldown <= 0 {
		o.RetryCooldown = 30 * time.Minute
	}
	return o
}

// Report summarizes one annotation pass.
type Report struct {
	Annotated []store.Item
	Failed    int
	Deferred  int
	Exhausted int
}

// Gateway runs items through an Analyzer with bounded concurrency and
// per-item retry bookkeeping.
type Gateway struct {
	analyzer Analyzer
	rec      Recorder
	opts     Options
	logger   *zap.Logger
	sleep    func(ctx context.Context, d time.Duration) error
	now      func() time.Time
}

// New creates a Gateway.
func New(analyzer Analyzer, rec Recorder, opts Options, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{
		analyzer: analyzer,
		rec:      rec,
		opts:     opts.withDefaults(),
		logger:   logger.Named("annotate"),
		sleep:    sleepContext,
		now:      time.Now,
	}
}

// Annotate analyzes items concurrently. A failing item never affects its
// siblings; it stays stored unannotated and is picked up by RetryPending.
func (g *Gateway) Annotate(ctx context.Context, items []store.Item) Report {
	var (
		mu     sync.Mutex
		report Report
	)
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(g.opts.Concurrency)

	for _, item := range items {
		if item.AnalysisState == store.AnalysisAnnotated {
			continue
		}
		eg.Go(func() error {
			out := g.annotateOne(egCtx, item)
			mu.Lock()
			defer mu.Unlock()
			switch out.state {
			case outcomeAnnotated:
				report.Annotated = append(report.Annotated, out.item)
			case outcomeDeferred:
				report.Failed++
				report.Deferred++
			case outcomeExhausted:
				report.Failed++
				report.Exhausted++
			default:
				report.Failed++
			}
			return nil
		})
	}
	eg.Wait()
	return report
}

// RetryPending re-runs analysis over stored items that are still
// unannotated and under the attempt cap. Items that failed within the
// last RetryCooldown are left for a later pass.
func (g *Gateway) RetryPending(ctx context.Context, limit int) (Report, error) {
	items, err := g.rec.ListPendingAnalysis(ctx, store.PendingQuery{
		MaxAttempts:  g.opts.MaxAttempts,
		FailedBefore: g.now().Add(-g.opts.RetryCooldown),
		Limit:        limit,
	})
	if err != nil {
		return Report{}, fmt.Errorf("list pending analysis: %w", err)
	}
	if len(items) == 0 {
		return Report{}, nil
	}
	g.logger.Info("retrying pending analysis", zap.Int("items", len(items)))
	return g.Annotate(ctx, items), nil
}

type outcomeState int

const (
	outcomeFailed outcomeState = iota
	outcomeAnnotated
	outcomeDeferred
	outcomeExhausted
)

type outcome struct {
	state outcomeState
	item  store.Item
}

func (g *Gateway) annotateOne(ctx context.Context, item store.Item) outcome {
	log := g.logger.With(zap.String("fingerprint", item.Fingerprint))
	// Bookkeeping must land even if the cycle is being cancelled.
	bookCtx := context.WithoutCancel(ctx)
	attempts := item.AnalysisAttempts

	for try := 0; try < g.opts.AttemptsPerPass; try++ {
		if attempts >= g.opts.MaxAttempts {
			return outcome{state: outcomeExhausted}
		}
		if try > 0 {
			if err := g.sleep(ctx, g.backoff(try-1)); err != nil {
				return outcome{state: outcomeFailed}
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, g.opts.Timeout)
		ann, err := g.analyzer.Analyze(callCtx, item)
		cancel()

		if err == nil {
			if ann.AnalyzedAt.IsZero() {
				ann.AnalyzedAt = time.Now().UTC()
			}
			if err := g.rec.UpdateAnnotation(bookCtx, item.Fingerprint, ann); err != nil {
				log.Error("store annotation", zap.Error(err))
				return outcome{state: outcomeFailed}
			}
			item.Annotation = &ann
			item.AnalysisState = store.AnalysisAnnotated
			return outcome{state: outcomeAnnotated, item: item}
		}

		spent := attempts+1 >= g.opts.MaxAttempts
		last := try == g.opts.AttemptsPerPass-1 ||
			spent ||
			!retryable(err) ||
			ctx.Err() != nil
		var state store.AnalysisState
		switch {
		case spent:
			state = store.AnalysisExhausted
		case last:
			state = store.AnalysisDeferred
		}
		n, recErr := g.rec.RecordAnalysisFailure(bookCtx, item.Fingerprint, state)
		if recErr != nil {
			log.Error("record analysis failure", zap.Error(recErr))
			return outcome{state: outcomeFailed}
		}
		attempts = n
		log.Warn("analysis failed",
			zap.Int("attempt", attempts),
			zap.String("state", string(state)),
			zap.Error(err))

		if last {
			if attempts >= g.opts.MaxAttempts {
				return outcome{state: outcomeExhausted}
			}
			return outcome{state: outcomeDeferred}
		}
	}
	return outcome{state: outcomeDeferred}
}

// backoff returns BackoffBase * 2^n capped at BackoffMax.
func (g *Gateway) backoff(n int) time.Duration {
	d := g.opts.BackoffBase
	for range n {
		d *= 2
		if d >= g.opts.BackoffMax {
			return g.opts.BackoffMax
		}
	}
	return min(d, g.opts.BackoffMax)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
