package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/rendis/crmflow/internal/engine"
	"github.com/rendis/crmflow/internal/store"
)

// DefaultSpec is the default poll schedule for due delays.
const DefaultSpec = "@every 1m"

const (
	defaultBatchSize   = 100
	defaultConcurrency = 4
)

// DelayResumer resumes a run waiting on a delay step. Satisfied by *engine.Emitter.
type DelayResumer interface {
	ResumeDelay(ctx context.Context, runID, stepID string) (*engine.ExecutionResult, error)
}

// DueLister lists waiting step logs whose wake time has passed.
type DueLister interface {
	ListDueStepLogs(ctx context.Context, before time.Time, limit int) ([]*store.StepLog, error)
}

// Config configures a DelayScheduler.
type Config struct {
	// Spec is a cron expression or descriptor such as "@every 30s".
	Spec        string
	BatchSize   int
	Concurrency int
	Logger      *slog.Logger
	Now         func() time.Time
}

// TickReport summarizes one poll.
type TickReport struct {
	Due     int `json:"due"`
	Resumed int `json:"resumed"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

// DelayScheduler polls for due delays and resumes them.
type DelayScheduler struct {
	store    DueLister
	resumer  DelayResumer
	schedule cron.Schedule
	config   Config
	logger   *slog.Logger
	now      func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	inflightMu sync.Mutex
	inflight   map[string]struct{} // step log IDs being resumed
}

// New creates a DelayScheduler. It fails if cfg.Spec does not parse.
func New(s DueLister, r DelayResumer, cfg Config) (*DelayScheduler, error) {
	if cfg.Spec == "" {
		cfg.Spec = DefaultSpec
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	sched, err := parser.Parse(cfg.Spec)
	if err != nil {
		return nil, fmt.Errorf("parse delay poll spec %q: %w", cfg.Spec, err)
	}

	return &DelayScheduler{
		store:    s,
		resumer:  r,
		schedule: sched,
		config:   cfg,
		logger:   logger,
		now:      now,
		inflight: make(map[string]struct{}),
	}, nil
}

// Next returns the next poll time after from.
func (d *DelayScheduler) Next(from time.Time) time.Time {
	return d.schedule.Next(from)
}

// Start launches the background poll loop. The first poll runs immediately.
func (d *DelayScheduler) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.done != nil {
		d.mu.Unlock()
		return fmt.Errorf("delay scheduler already started")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.done = make(chan struct{})
	d.mu.Unlock()

	go d.loop(loopCtx)
	d.logger.Info("delay scheduler started", "spec", d.config.Spec)
	return nil
}

func (d *DelayScheduler) loop(ctx context.Context) {
	defer close(d.done)

	for {
		if _, err := d.Tick(ctx); err != nil {
			d.logger.ErrorContext(ctx, "delay poll failed", "error", err)
		}

		now := time.Now()
		timer := time.NewTimer(d.schedule.Next(now).Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// Stop shuts the loop down and waits for the current poll to finish.
func (d *DelayScheduler) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel == nil {
		return
	}
	d.cancel()
	<-d.done
	d.cancel = nil
	d.done = nil
	d.logger.Info("delay scheduler stopped")
}

// Tick resumes every delay due at the current time, at most BatchSize per call.
// Delays already being resumed by an earlier Tick are skipped.
func (d *DelayScheduler) Tick(ctx context.Context) (*TickReport, error) {
	due, err := d.store.ListDueStepLogs(ctx, d.now(), d.config.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("list due delays: %w", err)
	}

	report := &TickReport{Due: len(due)}
	var resumed, failed int64

	var g errgroup.Group
	g.SetLimit(d.config.Concurrency)
	for _, sl := range due {
		if !d.tryAcquire(sl.ID) {
			report.Skipped++
			continue
		}
		g.Go(func() error {
			defer d.release(sl.ID)
			res, err := d.resumer.ResumeDelay(ctx, sl.RunID, sl.StepID)
			if err != nil {
				atomic.AddInt64(&failed, 1)
				d.logger.WarnContext(ctx, "resume delay failed", "run_id", sl.RunID, "step_id", sl.StepID, "error", err)
				return nil
			}
			atomic.AddInt64(&resumed, 1)
			d.logger.DebugContext(ctx, "delay resumed", "run_id", sl.RunID, "status", res.Status)
			return nil
		})
	}
	_ = g.Wait()

	report.Resumed = int(resumed)
	report.Failed = int(failed)
	if report.Due > 0 {
		d.logger.InfoContext(ctx, "delay poll", "due", report.Due, "resumed", report.Resumed,
			"skipped", report.Skipped, "failed", report.Failed)
	}
	return report, nil
}

func (d *DelayScheduler) tryAcquire(id string) bool {
	d.inflightMu.Lock()
	defer d.inflightMu.Unlock()
	if _, ok := d.inflight[id]; ok {
		return false
	}
	d.inflight[id] = struct{}{}
	return true
}

func (d *DelayScheduler) release(id string) {
	d.inflightMu.Lock()
	defer d.inflightMu.Unlock()
	delete(d.inflight, id)
}
