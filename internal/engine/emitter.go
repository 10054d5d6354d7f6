package engine

import (
	"context"
	"log/slog"
	"sync"

	"github.com/rendis/crmflow/internal/logging"
	"github.com/rendis/crmflow/internal/store"
	"github.com/rendis/crmflow/pkg/schema"
)

// Runner is the part of the Executor the Emitter drives.
type Runner interface {
	RunForEvent(ctx context.Context, wf *store.Workflow, ev schema.PipelineEvent) (*ExecutionResult, error)
	Resume(ctx context.Context, runID, stepID string) (*ExecutionResult, error)
}

// EmitterStore is the slice of the store the Emitter reads.
type EmitterStore interface {
	ListActiveWorkflows(ctx context.Context, pipelineID string) ([]*store.Workflow, error)
	GetContact(ctx context.Context, id string) (*store.Contact, error)
}

// EmitterConfig configures the Emitter.
type EmitterConfig struct {
	// MaxDepth drops events whose trigger chain depth reaches it (default schema.MaxTriggerChainDepth).
	MaxDepth int
	Matcher  *TriggerMatcher
	Logger   *slog.Logger
}

// DispatchReport summarizes one EmitAll call across all cascade waves.
type DispatchReport struct {
	Runs    []*ExecutionResult `json:"runs"`
	Dropped int                `json:"dropped"`
	Waves   int                `json:"waves"`
	Errors  int                `json:"errors"`
}

// Emitter turns pipeline events into workflow runs. It is the only caller of
// the Executor during a cascade: pending events returned by completed runs of
// one wave are emitted as the next wave, until none remain.
type Emitter struct {
	store    EmitterStore
	runner   Runner
	pool     *WorkerPool
	matcher  *TriggerMatcher
	maxDepth int
	logger   *slog.Logger
}

// NewEmitter creates an Emitter that executes matching workflows on pool.
func NewEmitter(s EmitterStore, r Runner, pool *WorkerPool, cfg EmitterConfig) *Emitter {
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = schema.MaxTriggerChainDepth
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	matcher := cfg.Matcher
	if matcher == nil {
		matcher = NewTriggerMatcher(nil, nil, logger)
	}
	return &Emitter{
		store:    s,
		runner:   r,
		pool:     pool,
		matcher:  matcher,
		maxDepth: cfg.MaxDepth,
		logger:   logger,
	}
}

// Emit dispatches ev and its whole cascade. Failures are logged, never returned.
func (em *Emitter) Emit(ctx context.Context, ev schema.PipelineEvent) {
	em.EmitAll(ctx, []schema.PipelineEvent{ev})
}

// EmitAll dispatches events as the first wave and drains the cascade. The
// cascade keeps ctx's values but not its cancellation: a caller that goes
// away leaves every started run to reach a final status.
func (em *Emitter) EmitAll(ctx context.Context, events []schema.PipelineEvent) *DispatchReport {
	ctx = context.WithoutCancel(ctx)
	report := &DispatchReport{}
	wave := events
	for len(wave) > 0 {
		report.Waves++
		wave = em.dispatchWave(ctx, wave, report)
	}
	return report
}

// ResumeDelay resumes a waiting run and dispatches the cascade of its
// completion. The resumed run is not cancelled with ctx.
func (em *Emitter) ResumeDelay(ctx context.Context, runID, stepID string) (*ExecutionResult, error) {
	ctx = context.WithoutCancel(ctx)
	res, err := em.runner.Resume(ctx, runID, stepID)
	if err != nil {
		return nil, err
	}
	if len(res.Pending) > 0 {
		em.EmitAll(ctx, res.Pending)
	}
	return res, nil
}

// dispatchWave runs every workflow matching the events of one wave and
// returns the pending events of the runs that completed.
func (em *Emitter) dispatchWave(ctx context.Context, wave []schema.PipelineEvent, report *DispatchReport) []schema.PipelineEvent {
	var (
		mu   sync.Mutex
		wg   sync.WaitGroup
		next []schema.PipelineEvent
	)

	for _, ev := range wave {
		evCtx := logging.WithContactID(ctx, ev.ContactID)

		// Checked before any store read.
		if ev.TriggerChainDepth >= em.maxDepth {
			em.logger.WarnContext(evCtx, "trigger chain depth reached, event dropped",
				"event_type", ev.Type, "depth", ev.TriggerChainDepth, "max_depth", em.maxDepth)
			report.Dropped++
			continue
		}

		for _, wf := range em.matching(evCtx, ev) {
			wg.Add(1)
			err := em.pool.Go(evCtx, func(ctx context.Context) (*ExecutionResult, error) {
				return em.runner.RunForEvent(ctx, wf, ev)
			}, func(res *ExecutionResult, err error) {
				defer wg.Done()
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					report.Errors++
					em.logger.ErrorContext(evCtx, "workflow execution failed", "workflow_id", wf.ID, "error", err)
					return
				}
				report.Runs = append(report.Runs, res)
				next = append(next, res.Pending...)
			})
			if err != nil {
				wg.Done()
				mu.Lock()
				report.Errors++
				mu.Unlock()
				em.logger.ErrorContext(evCtx, "workflow dispatch failed", "workflow_id", wf.ID, "error", err)
			}
		}
	}

	wg.Wait()
	return next
}

// matching returns the active workflows of the event's pipeline whose trigger matches.
func (em *Emitter) matching(ctx context.Context, ev schema.PipelineEvent) []*store.Workflow {
	wfs, err := em.store.ListActiveWorkflows(ctx, ev.PipelineID)
	if err != nil {
		em.logger.ErrorContext(ctx, "list active workflows failed", "pipeline_id", ev.PipelineID, "error", err)
		return nil
	}

	var (
		contact map[string]any
		loaded  bool
		out     []*store.Workflow
	)
	for _, wf := range wfs {
		if em.matcher.NeedsContact(wf) && !loaded {
			loaded = true
			if c, err := em.store.GetContact(ctx, ev.ContactID); err == nil {
				contact = ContactSnapshot(c)
			} else {
				em.logger.WarnContext(ctx, "trigger guard contact lookup failed", "error", err)
			}
		}
		if em.matcher.Matches(ctx, ev, wf, contact) {
			out = append(out, wf)
		}
	}
	return out
}
