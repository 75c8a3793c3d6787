// Package pipegraph implements C7, the Top-Level Runner: the facade that
// sequences load-history → extend-DAG → materialize-statuses → pump the
// scheduler to quiescence → persist-history → return a status map, exactly
// as spec.md §4.7 describes. cmd/pipegraphd is the thin glue that turns one
// call to Run into a daemon (cron schedule, fsnotify watch, signal guard);
// this package owns none of that.
package pipegraph

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/pipegraph/pipegraph/internal/config"
	"github.com/pipegraph/pipegraph/internal/exec"
	"github.com/pipegraph/pipegraph/internal/graph"
	"github.com/pipegraph/pipegraph/internal/history"
	"github.com/pipegraph/pipegraph/internal/job"
	"github.com/pipegraph/pipegraph/internal/pperrors"
	"github.com/pipegraph/pipegraph/internal/scheduler"
	"github.com/pipegraph/pipegraph/internal/status"
)

// Runner is the engine's single entry point: build it once, call Run once
// per graph invocation. It owns one CancelHandle at a time, matching this
// engine's one-run-at-a-time concurrency model (§5).
type Runner struct {
	history *history.Store
	backend *exec.Backend
	cfg     config.Config
	meter   metric.Meter
	tracer  trace.Tracer

	runsTotal   metric.Int64Counter
	runDuration metric.Float64Histogram

	mu     sync.Mutex
	active *CancelHandle
}

// Options configures a Runner.
type Options struct {
	History *history.Store
	Backend *exec.Backend
	Config  config.Config
	Meter   metric.Meter
}

func New(opts Options) *Runner {
	r := &Runner{
		history: opts.History,
		backend: opts.Backend,
		cfg:     opts.Config,
		meter:   opts.Meter,
		tracer:  otel.Tracer("pipegraph-runner"),
	}
	if opts.Meter != nil {
		r.runsTotal, _ = opts.Meter.Int64Counter("pipegraph_runs_total")
		r.runDuration, _ = opts.Meter.Float64Histogram("pipegraph_run_duration_ms")
	}
	return r
}

// JobResult is one job's observable outcome from a completed run.
type JobResult struct {
	State  status.State
	Error  error
	Output map[string]job.Fingerprint
}

// Stats is the per-run execution-statistics surface SPEC_FULL §11 adds,
// mirroring WorkflowStore.GetStats/CancellationManager.GetMetrics in the
// teacher: counters a caller (or a test asserting property 5 in spec.md §8)
// can read back without a metrics collector attached.
type Stats struct {
	RunID            string
	Started          time.Time
	Duration         time.Duration
	Success          int
	Skipped          int
	Failed           int
	UpstreamFailed   int
	IsolatedChildren int64
}

// Result is everything Run hands back: every job's terminal outcome plus
// the run's statistics.
type Result struct {
	RunID    string
	Statuses map[string]JobResult
	Stats    Stats
}

// Run executes spec.md §4.7's sequence once against dag/jobs. The returned
// error is nil on a clean run, *pperrors.RunFailed when the run was
// cancelled (whatever cfg.RaiseOnJobError says), and *pperrors.RunFailed
// when any job failed and cfg.RaiseOnJobError is set — failures are always
// visible in Result.Statuses regardless.
func (r *Runner) Run(ctx context.Context, dag *graph.DAG, jobs map[string]job.Job) (*Result, error) {
	runID := uuid.NewString()
	start := time.Now()

	ctx, span := r.tracer.Start(ctx, "pipegraph.run", trace.WithAttributes(attribute.String("run_id", runID)))
	defer span.End()

	runCtx, cancel := context.WithCancel(ctx)
	handle := newCancelHandle(cancel)
	r.mu.Lock()
	r.active = handle
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.active = nil
		r.mu.Unlock()
	}()

	histIn, histOut, err := r.history.Load(runCtx)
	if err != nil {
		return nil, fmt.Errorf("pipegraph: load history: %w", err)
	}

	ext, extJobs, inputNames, err := graph.Extend(dag, jobs)
	if err != nil {
		return nil, err
	}

	table, err := status.NewTable(ext, extJobs, inputNames, histIn, histOut)
	if err != nil {
		return nil, err
	}

	sched := scheduler.New(scheduler.Options{Table: table, Backend: r.backend, Meter: r.meter})
	runErr := sched.Run(runCtx)

	// History is persisted regardless of runErr: a cancelled or failed run
	// still committed real work for every job that reached Success/Skipped,
	// and spec.md §6.1 treats history as crash-safe precisely so a partial
	// run never has to be thrown away.
	if saveErr := r.history.Save(context.Background(), table.Records()); saveErr != nil {
		if runErr == nil {
			runErr = fmt.Errorf("pipegraph: save history: %w", saveErr)
		}
	}

	counts := table.Counts()
	var failedIDs []string
	statuses := make(map[string]JobResult, len(table.Jobs()))
	for _, id := range table.Jobs() {
		st := table.Get(id)
		statuses[id] = JobResult{State: st.State, Error: st.Error, Output: st.UpdatedOutput}
		if st.State == status.StateFailed {
			failedIDs = append(failedIDs, id)
		}
	}
	sort.Strings(failedIDs)

	result := &Result{
		RunID:    runID,
		Statuses: statuses,
		Stats: Stats{
			RunID:            runID,
			Started:          start,
			Duration:         time.Since(start),
			Success:          counts.Success,
			Skipped:          counts.Skipped,
			Failed:           counts.Failed,
			UpstreamFailed:   counts.UpstreamFailed,
			IsolatedChildren: r.backend.IsolatedChildCount(),
		},
	}

	if r.runsTotal != nil {
		r.runsTotal.Add(ctx, 1, metric.WithAttributes(attribute.Bool("failed", counts.Failed > 0 || runErr != nil)))
	}
	if r.runDuration != nil {
		r.runDuration.Record(ctx, float64(result.Stats.Duration.Milliseconds()))
	}

	// A fatal interrupt and a job failure both surface as RunFailed per
	// spec.md §5's cancellation note and §4.7's raise_on_job_error gate
	// respectively; cancellation bypasses the gate since it is an explicit
	// operator action, not an ordinary job outcome.
	if runErr != nil {
		span.RecordError(runErr)
		return result, &pperrors.RunFailed{Failed: failedIDs}
	}
	if counts.Failed > 0 && r.cfg.RaiseOnJobError {
		return result, &pperrors.RunFailed{Failed: failedIDs}
	}
	return result, nil
}

// Cancel stops the currently in-flight Run, if any, per spec.md §5's
// interrupt semantics: the scheduler stops dispatching new work and waits
// for outstanding isolated children to terminate naturally.
func (r *Runner) Cancel(reason string) bool {
	r.mu.Lock()
	h := r.active
	r.mu.Unlock()
	if h == nil {
		return false
	}
	h.cancel(reason)
	return true
}
