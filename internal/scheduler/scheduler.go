// Package scheduler implements C5: the single-threaded cooperative event
// loop that drains a status.Table's event queue, dispatches JobReady work to
// an exec.Backend, and feeds completions back into the table. Grounded on
// original_source/runner.py's run loop for the suspend/resume shape, and on
// services/orchestrator/dag_engine.go's executeDAG for the worker-pool and
// results-channel idiom — adapted from dag_engine.go's fixed goroutine pool
// pulling off a shared ready channel to one goroutine per dispatched job,
// since spec.md §5 ties concurrency to the execution backend's resource-class
// semaphore, not to a scheduler-owned worker count.
package scheduler

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/pipegraph/pipegraph/internal/exec"
	"github.com/pipegraph/pipegraph/internal/job"
	"github.com/pipegraph/pipegraph/internal/status"
)

// Scheduler owns no state of its own beyond a Table and a Backend; it is the
// thing that pumps one against the other to quiescence.
type Scheduler struct {
	table   *status.Table
	backend *exec.Backend
	tracer  trace.Tracer

	dispatched metric.Int64Counter
	inFlight   metric.Int64Gauge
}

type Options struct {
	Table   *status.Table
	Backend *exec.Backend
	Meter   metric.Meter
}

func New(opts Options) *Scheduler {
	s := &Scheduler{
		table:   opts.Table,
		backend: opts.Backend,
		tracer:  otel.Tracer("pipegraph-scheduler"),
	}
	if opts.Meter != nil {
		s.dispatched, _ = opts.Meter.Int64Counter("pipegraph_jobs_dispatched_total")
		s.inFlight, _ = opts.Meter.Int64Gauge("pipegraph_jobs_in_flight")
	}
	return s
}

type jobResult struct {
	id     string
	output map[string]job.Fingerprint
	err    error
}

// Run pumps the event loop to quiescence: it seeds the table, then
// alternates between draining queued events (dispatching every JobReady it
// finds) and blocking on the next worker completion, exactly as spec.md §5
// describes. It suspends only when the queue is empty and at least one
// worker is outstanding, and returns once the queue is empty with nothing
// outstanding.
//
// On ctx cancellation it stops dispatching new work but keeps waiting for
// already-outstanding workers to terminate naturally, returning ctx.Err()
// once they have all reported in. The caller (the top-level runner) is
// responsible for persisting history and deciding whether to surface a
// RunFailed regardless of how Run returns.
func (s *Scheduler) Run(ctx context.Context) error {
	s.table.SetContext(ctx)
	s.table.Seed()

	results := make(chan jobResult)
	outstanding := 0
	cancelled := false
	var cancelErr error

	for {
		for {
			ev, ok := s.table.PopEvent()
			if !ok {
				break
			}
			if ev.Kind != status.EventJobReady {
				continue
			}
			if cancelled {
				continue
			}
			outstanding++
			if s.dispatched != nil {
				s.dispatched.Add(ctx, 1)
			}
			if s.inFlight != nil {
				s.inFlight.Record(ctx, int64(outstanding))
			}
			go s.dispatch(ctx, ev.JobID, results)
		}

		if outstanding == 0 {
			return cancelErr
		}

		select {
		case <-ctx.Done():
			if !cancelled {
				cancelled = true
				cancelErr = ctx.Err()
			}
			res := <-results
			outstanding--
			s.handleResult(res)
		case res := <-results:
			outstanding--
			if s.inFlight != nil {
				s.inFlight.Record(ctx, int64(outstanding))
			}
			s.handleResult(res)
		}
	}
}

func (s *Scheduler) handleResult(res jobResult) {
	if res.err != nil {
		s.table.HandleFailed(res.id, res.err)
		return
	}
	s.table.HandleSuccess(res.id, res.output)
}

// dispatch submits one ready job to the backend and reports its outcome on
// results. It never touches the Table beyond the read-only accessors Runner
// and HistoricalSnapshot and the one Status already handed to it — the id it
// was given cannot be revisited by the event-loop goroutine until this
// dispatch reports back, so those reads race with nothing.
func (s *Scheduler) dispatch(ctx context.Context, id string, results chan<- jobResult) {
	ctx, span := s.tracer.Start(ctx, "scheduler.dispatch", trace.WithAttributes(attribute.String("job.id", id)))
	defer span.End()

	j := s.table.Job(id)
	st := s.table.Get(id)
	runner := s.table.Runner(id)
	upstream := s.table.HistoricalSnapshot()

	out, err := s.backend.Run(ctx, j, runner, st.HistoricalOutput, upstream)
	if err != nil {
		span.RecordError(err)
	}
	results <- jobResult{id: id, output: out, err: err}
}
