package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"go.uber.org/zap"

	"github.com/elonfeng/aifeed/internal/backup"
	"github.com/elonfeng/aifeed/internal/config"
	"github.com/elonfeng/aifeed/internal/logging"
	"github.com/elonfeng/aifeed/internal/orchestrator"
	"github.com/elonfeng/aifeed/internal/scheduler"
	"github.com/elonfeng/aifeed/internal/store"
	"github.com/elonfeng/aifeed/pkg/alert"
	"github.com/elonfeng/aifeed/pkg/annotate"
	"github.com/elonfeng/aifeed/pkg/source"
)

// app holds what every command needs: config, logger and an open store.
type app struct {
	cfg    *config.Config
	logger *zap.Logger
	db     *store.SQLiteStore
}

func openApp() (*app, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	db, err := store.New(cfg.Database.Path, store.Retention{
		Default:    cfg.Retention.Default,
		Categories: cfg.Retention.Categories,
	})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return &app{cfg: cfg, logger: logger, db: db}, nil
}

func (a *app) Close() {
	if err := a.db.Close(); err != nil {
		a.logger.Warn("close store", zap.Error(err))
	}
	_ = a.logger.Sync()
}

// buildGateway returns nil when analysis is disabled.
func (a *app) buildGateway() (*annotate.Gateway, error) {
	ac := a.cfg.Analyzer
	if !ac.Enabled {
		return nil, nil
	}
	analyzer, err := annotate.NewAnalyzer(ac.Provider, ac.APIKey, ac.Model, ac.BaseURL)
	if err != nil {
		return nil, err
	}
	a.logger.Info("analyzer enabled", zap.String("provider", ac.Provider), zap.String("model", ac.Model))
	return annotate.New(analyzer, a.db, annotate.Options{
		Concurrency:     ac.Concurrency,
		Timeout:         ac.Timeout,
		AttemptsPerPass: ac.AttemptsPerPass,
		MaxAttempts:     ac.MaxAttempts,
		BackoffBase:     ac.BackoffBase,
		RetryCooldown:   ac.RetryCooldown,
	}, a.logger), nil
}

func buildAlertManager(cfg *config.Config) *alert.Manager {
	var notifiers []alert.Notifier

	if cfg.Alerts.Slack.Enabled && cfg.Alerts.Slack.WebhookURL != "" {
		notifiers = append(notifiers, alert.NewSlack(cfg.Alerts.Slack.WebhookURL))
	}
	if cfg.Alerts.Discord.Enabled && cfg.Alerts.Discord.WebhookURL != "" {
		notifiers = append(notifiers, alert.NewDiscord(cfg.Alerts.Discord.WebhookURL))
	}
	if cfg.Alerts.Webhook.Enabled && cfg.Alerts.Webhook.URL != "" {
		notifiers = append(notifiers, alert.NewWebhook(cfg.Alerts.Webhook.URL, cfg.Alerts.Webhook.Secret))
	}

	return alert.NewManager(notifiers)
}

func (a *app) buildOrchestrator(sources []source.Config) (*orchestrator.Orchestrator, error) {
	gw, err := a.buildGateway()
	if err != nil {
		return nil, err
	}

	opts := orchestrator.Options{
		Store:            a.db,
		Registry:         source.DefaultRegistry(),
		Sources:          sources,
		Alerts:           buildAlertManager(a.cfg),
		FetchConcurrency: a.cfg.Schedule.FetchConcurrency,
		CycleTimeout:     a.cfg.Schedule.CycleTimeout,
		MinImportance:    a.cfg.Alerts.MinImportance,
		RetryBatch:       a.cfg.Analyzer.RetryBatch,
		Logger:           a.logger,
	}
	if gw != nil {
		opts.Annotator = gw
	}
	return orchestrator.New(opts), nil
}

// buildScheduler wires the optional Redis lock. The returned close func
// releases the Redis connection.
func (a *app) buildScheduler(orch *orchestrator.Orchestrator) (*scheduler.Scheduler, func(), error) {
	opts := scheduler.Options{
		Interval:   a.cfg.Schedule.Interval(),
		RunOnStart: a.cfg.Schedule.RunOnStart,
		Logger:     a.logger,
	}
	closeLock := func() {}
	if url := a.cfg.Lock.RedisURL; url != "" {
		locker, err := scheduler.NewRedisLocker(url, a.cfg.Lock.Key, a.cfg.Lock.TTL)
		if err != nil {
			return nil, nil, fmt.Errorf("connect lock: %w", err)
		}
		opts.Locker = locker
		closeLock = func() { _ = locker.Close() }
	}
	return scheduler.New(orch, opts), closeLock, nil
}

// selectSources narrows the configured sources to the requested names or
// kinds. Selected sources run even when disabled in config.
func selectSources(all []source.Config, wanted []string) ([]source.Config, error) {
	if len(wanted) == 0 {
		return all, nil
	}
	set := make(map[string]bool, len(wanted))
	for _, w := range wanted {
		set[strings.ToLower(strings.TrimSpace(w))] = true
	}

	var out []source.Config
	for _, src := range all {
		if set[strings.ToLower(src.Label())] || set[string(src.Kind)] {
			src.Enabled = true
			out = append(out, src)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no matching sources for: %s", strings.Join(wanted, ", "))
	}
	return out, nil
}

func runRefresh(ctx context.Context, only []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	sources, err := selectSources(a.cfg.Sources, only)
	if err != nil {
		return err
	}
	orch, err := a.buildOrchestrator(sources)
	if err != nil {
		return err
	}
	sched, closeLock, err := a.buildScheduler(orch)
	if err != nil {
		return err
	}
	defer closeLock()

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	run, err := sched.TriggerNow(ctx)
	if run != nil {
		printRunSummary(run)
	}
	return err
}

func runDaemon(ctx context.Context) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	orch, err := a.buildOrchestrator(a.cfg.Sources)
	if err != nil {
		return err
	}
	sched, closeLock, err := a.buildScheduler(orch)
	if err != nil {
		return err
	}
	defer closeLock()

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sched.Start(ctx)
	<-ctx.Done()
	a.logger.Info("shutting down")
	sched.Stop()
	return nil
}

type itemsOptions struct {
	kind     string
	category string
	search   string
	since    time.Duration
	all      bool
	limit    int
	json     bool
}

func runItems(ctx context.Context, opts itemsOptions) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	q := store.Query{
		Kind:        source.Kind(strings.ToLower(opts.kind)),
		Category:    opts.category,
		Text:        opts.search,
		CurrentOnly: !opts.all,
		Limit:       opts.limit,
	}
	if q.Kind != "" && !q.Kind.Valid() {
		return fmt.Errorf("unknown kind %q", opts.kind)
	}
	if opts.since > 0 {
		q.Since = time.Now().Add(-opts.since)
	}

	items, err := a.db.ListItems(ctx, q)
	if err != nil {
		return fmt.Errorf("list items: %w", err)
	}

	if opts.json {
		return writeJSON(items)
	}
	if len(items) == 0 {
		fmt.Println("no items found (try fetching first: aifeed refresh)")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DATE\tKIND\tSCORE\tSOURCE\tTITLE")
	for _, it := range items {
		score := "-"
		if it.Annotation != nil {
			score = fmt.Sprintf("%d", it.Annotation.ImportanceScore)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			it.SortTime().Format("2006-01-02 15:04"), it.Kind, score, it.Source, truncate(it.Title, 80))
	}
	return w.Flush()
}

func runRuns(ctx context.Context, limit int, jsonOutput bool) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	runs, err := a.db.ListRuns(ctx, limit)
	if err != nil {
		return fmt.Errorf("list runs: %w", err)
	}

	if jsonOutput {
		return writeJSON(runs)
	}
	if len(runs) == 0 {
		fmt.Println("no refresh runs recorded yet")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STARTED\tSTATUS\tFETCHED\tNEW\tDUPLICATES\tANNOTATED\tDURATION\tFAILED SOURCES")
	for _, r := range runs {
		fetched, added, duplicates := r.Totals()
		var failed []string
		for _, s := range r.Sources {
			if s.Failed() {
				failed = append(failed, fmt.Sprintf("%s(%s)", s.Source, s.ErrorKind))
			}
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%d\t%s\t%s\n",
			r.StartedAt.Local().Format(time.DateTime), r.Status, fetched, added, duplicates,
			r.Annotated, r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond), strings.Join(failed, ","))
	}
	return w.Flush()
}

func runAnnotate(ctx context.Context, limit int) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	gw, err := a.buildGateway()
	if err != nil {
		return err
	}
	if gw == nil {
		return errors.New("analyzer is disabled (set analyzer.enabled or ANTHROPIC_API_KEY / OPENAI_API_KEY)")
	}
	if limit <= 0 {
		limit = a.cfg.Analyzer.RetryBatch
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	report, err := gw.RetryPending(ctx, limit)
	if err != nil {
		return fmt.Errorf("retry pending: %w", err)
	}
	fmt.Fprintf(os.Stderr, "annotated %d, failed %d (deferred %d, exhausted %d)\n",
		len(report.Annotated), report.Failed, report.Deferred, report.Exhausted)
	return nil
}

func runStats(ctx context.Context, jsonOutput bool) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	st, err := a.db.Stats(ctx)
	if err != nil {
		return fmt.Errorf("stats: %w", err)
	}
	if jsonOutput {
		return writeJSON(st)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	for _, k := range source.AllKinds() {
		fmt.Fprintf(w, "items (%s)\t%d\n", k, st.ByKind[k])
	}
	cats := make([]string, 0, len(st.Current))
	for c := range st.Current {
		cats = append(cats, c)
	}
	slices.Sort(cats)
	for _, c := range cats {
		fmt.Fprintf(w, "current (%s)\t%d\n", c, st.Current[c])
	}
	fmt.Fprintf(w, "annotated\t%d\n", st.Annotated)
	fmt.Fprintf(w, "pending\t%d\n", st.Pending)
	fmt.Fprintf(w, "deferred\t%d\n", st.Deferred)
	fmt.Fprintf(w, "exhausted\t%d\n", st.Exhausted)
	fmt.Fprintf(w, "runs\t%d\n", st.Runs)
	return w.Flush()
}

func runBackup(ctx context.Context) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	bc := a.cfg.Backup
	var uploader backup.Uploader
	if bc.S3.Enabled {
		up, err := backup.NewS3Uploader(backup.S3Options{
			Bucket:       bc.S3.Bucket,
			Region:       bc.S3.Region,
			Endpoint:     bc.S3.Endpoint,
			AccessKey:    bc.S3.AccessKey,
			SecretKey:    bc.S3.SecretKey,
			UsePathStyle: bc.S3.UsePathStyle,
		})
		if err != nil {
			return err
		}
		uploader = up
	}

	res, err := backup.New(a.db, bc.Dir, uploader, bc.S3.KeyTemplate, a.logger).Run(ctx)
	if err != nil {
		return err
	}
	fmt.Println(res.Path)
	if res.ObjectKey != "" {
		fmt.Printf("s3://%s/%s\n", bc.S3.Bucket, res.ObjectKey)
	}
	return nil
}

func printRunSummary(run *store.RefreshRun) {
	fetched, added, duplicates := run.Totals()
	fmt.Fprintf(os.Stderr, "run %s: %s, fetched %d, new %d, duplicates %d, annotated %d\n",
		run.ID, run.Status, fetched, added, duplicates, run.Annotated)
	for _, s := range run.Sources {
		if s.Failed() {
			fmt.Fprintf(os.Stderr, "  %s: %s\n", s.Source, s.Error)
		}
	}
}

func writeJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
