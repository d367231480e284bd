// Package scheduler triggers refresh cycles on a fixed interval or on
// demand, with at most one cycle in flight.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/elonfeng/aifeed/internal/store"
	"github.com/elonfeng/aifeed/pkg/annotate"
)

var (
	// ErrAlreadyRunning is returned when a trigger arrives while a cycle
	// is in flight.
	ErrAlreadyRunning = errors.New("refresh cycle already running")
	// ErrStopped is returned when triggering a stopped scheduler.
	ErrStopped = errors.New("scheduler stopped")
)

// State is the scheduler lifecycle state.
type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
	StateStopped State = "stopped"
)

// Runner executes one refresh cycle.
type Runner interface {
	RunCycle(ctx context.Context) (*store.RefreshRun, error)
}

// pendingRetrier is implemented by runners that can re-run analysis for
// items left unannotated by earlier cycles.
type pendingRetrier interface {
	RetryPending(ctx context.Context) (annotate.Report, error)
}

// Options configures a Scheduler.
type Options struct {
	Interval   time.Duration
	RunOnStart bool
	Locker     Locker
	Logger     *zap.Logger
}

// Status is a point-in-time view of the scheduler.
type Status struct {
	State     State             `json:"state"`
	Armed     bool              `json:"armed"`
	Interval  time.Duration     `json:"interval"`
	NextRun   time.Time         `json:"next_run,omitzero"`
	LastRun   *store.RefreshRun `json:"last_run,omitempty"`
	LastError string            `json:"last_error,omitempty"`
}

// Scheduler owns the refresh timer and the at-most-one-cycle guard.
type Scheduler struct {
	runner   Runner
	interval time.Duration
	onStart  bool
	locker   Locker
	logger   *zap.Logger

	mu          sync.Mutex
	state       State
	armed       bool
	stopLoop    context.CancelFunc
	cancelCycle context.CancelFunc
	nextRun     time.Time
	lastRun     *store.RefreshRun
	lastErr     error
	wg          sync.WaitGroup
}

// New creates an idle scheduler. The timer is not armed until Start.
func New(runner Runner, opts Options) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = time.Hour
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Scheduler{
		runner:   runner,
		interval: opts.Interval,
		onStart:  opts.RunOnStart,
		locker:   opts.Locker,
		logger:   opts.Logger.Named("scheduler"),
		state:    StateIdle,
	}
}

// Start arms the timer. Starting a stopped scheduler restarts it; starting
// an armed one is a no-op. The timer runs until Stop or ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.armed {
		return
	}
	if s.state == StateStopped {
		s.state = StateIdle
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.stopLoop = cancel
	s.armed = true
	s.nextRun = time.Now().Add(s.interval)

	s.wg.Add(1)
	go s.loop(loopCtx)
	s.logger.Info("scheduler started", zap.Duration("interval", s.interval), zap.Bool("run_on_start", s.onStart))
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		s.armed = false
		s.mu.Unlock()
	}()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	if s.onStart {
		s.fire(ctx)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			s.nextRun = time.Now().Add(s.interval)
			s.mu.Unlock()
			s.fire(ctx)
		}
	}
}

// fire starts a timer-triggered cycle in the background so that the next
// tick is never delayed by a slow cycle.
func (s *Scheduler) fire(ctx context.Context) {
	s.mu.Lock()
	if s.state != StateIdle {
		state := s.state
		s.mu.Unlock()
		if state == StateRunning {
			s.logger.Warn("timer fired while a cycle is running; skipped")
		}
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		if _, err := s.execute(ctx); err != nil {
			if errors.Is(err, ErrAlreadyRunning) {
				s.logger.Warn("timer fired while a cycle is running; skipped")
				return
			}
			if !errors.Is(err, ErrStopped) {
				s.logger.Error("scheduled refresh failed", zap.Error(err))
			}
		}
	}()
}

// TriggerNow runs a cycle immediately and waits for it. It returns
// ErrAlreadyRunning while another cycle is in flight and ErrStopped after
// Stop.
func (s *Scheduler) TriggerNow(ctx context.Context) (*store.RefreshRun, error) {
	return s.execute(ctx)
}

func (s *Scheduler) execute(ctx context.Context) (*store.RefreshRun, error) {
	s.mu.Lock()
	switch s.state {
	case StateStopped:
		s.mu.Unlock()
		return nil, ErrStopped
	case StateRunning:
		s.mu.Unlock()
		return nil, ErrAlreadyRunning
	}
	cycleCtx, cancel := context.WithCancel(ctx)
	s.state = StateRunning
	s.cancelCycle = cancel
	s.wg.Add(1)
	s.mu.Unlock()

	defer func() {
		cancel()
		s.mu.Lock()
		if s.state == StateRunning {
			s.state = StateIdle
		}
		s.cancelCycle = nil
		s.mu.Unlock()
		s.wg.Done()
	}()

	if s.locker != nil {
		unlock, ok, err := s.locker.TryLock(cycleCtx)
		if err != nil {
			return nil, fmt.Errorf("acquire cycle lock: %w", err)
		}
		if !ok {
			return nil, ErrAlreadyRunning
		}
		defer unlock()
	}

	run, err := s.runSafely(cycleCtx)
	if err == nil {
		s.retryPending(cycleCtx)
	}

	s.mu.Lock()
	if run != nil {
		s.lastRun = run
	}
	s.lastErr = err
	s.mu.Unlock()
	return run, err
}

// runSafely turns a panicking cycle into an error so the timer keeps going.
func (s *Scheduler) runSafely(ctx context.Context) (run *store.RefreshRun, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("refresh cycle panicked", zap.Any("panic", r), zap.Stack("stack"))
			run, err = nil, fmt.Errorf("refresh cycle panicked: %v", r)
		}
	}()
	return s.runner.RunCycle(ctx)
}

func (s *Scheduler) retryPending(ctx context.Context) {
	r, ok := s.runner.(pendingRetrier)
	if !ok {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			s.logger.Error("pending analysis panicked", zap.Any("panic", p))
		}
	}()
	report, err := r.RetryPending(ctx)
	if err != nil {
		s.logger.Warn("pending analysis pass failed", zap.Error(err))
		return
	}
	if len(report.Annotated) > 0 || report.Failed > 0 {
		s.logger.Info("pending analysis pass",
			zap.Int("annotated", len(report.Annotated)),
			zap.Int("failed", report.Failed))
	}
}

// Stop disarms the timer, cancels any in-flight cycle and waits for it
// to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		return
	}
	s.state = StateStopped
	s.armed = false
	s.nextRun = time.Time{}
	if s.stopLoop != nil {
		s.stopLoop()
		s.stopLoop = nil
	}
	if s.cancelCycle != nil {
		s.cancelCycle()
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// Status reports the current state, last run and next fire time.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		State:    s.state,
		Armed:    s.armed,
		Interval: s.interval,
		LastRun:  s.lastRun,
	}
	if s.armed {
		st.NextRun = s.nextRun
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}
