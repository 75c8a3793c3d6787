// Package exec implements C6, the execution backend: running a ready job's
// body in-process (RunsHere) or in an isolated child process (SingleCore,
// AllCores, Exclusive), grounded on spec.md §4.6 and, for the resource-pool
// shape, on services/orchestrator/dag_engine.go's worker pool.
package exec

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime/debug"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/pipegraph/pipegraph/internal/fingerprint"
	"github.com/pipegraph/pipegraph/internal/job"
	"github.com/pipegraph/pipegraph/internal/pperrors"
)

// ChildJobEnv is the environment variable a re-exec of the current binary
// checks on startup. If set, RunChild takes over the process instead of its
// normal entrypoint running.
const ChildJobEnv = "PIPEGRAPH_CHILD_JOB"

// FilePathJob is an optional capability a job-type implementation may
// expose: the absolute path backing each declared output name. The backend
// uses it to fill a FileFingerprint's Size/ModTime hint fields by statting
// the file directly in the parent process, rather than trusting a second
// round-trip through an isolated child for stat data already sitting on
// disk next to the parent.
type FilePathJob interface {
	job.Job
	FilePaths() map[string]string
}

// Backend runs ready jobs per their declared Resources.
type Backend struct {
	pool     *Pool
	registry *Registry
	runDir   string

	tracer trace.Tracer

	jobDuration   metric.Float64Histogram
	childExecs    metric.Int64Counter
	inProcessRuns metric.Int64Counter

	// isolatedChildCount duplicates childExecs as a plain in-process
	// counter: OTel counters are push-only and have no synchronous read
	// path, but SPEC_FULL §11's execution-statistics surface needs a
	// queryable isolated-child count for a run's Result.Stats without a
	// collector.
	isolatedChildCount atomic.Int64
}

// IsolatedChildCount returns how many jobs this Backend has run through the
// isolated-child path so far.
func (b *Backend) IsolatedChildCount() int64 { return b.isolatedChildCount.Load() }

// Options configures a Backend.
type Options struct {
	// Capacity is the core-consuming worker pool size; ALL_CORES resolves
	// to the host's detected core count by the caller before this point.
	Capacity int
	// RunDir holds the isolated-child scratch buffers (<job_id>.stdout,
	// <job_id>.stderr); created if absent.
	RunDir   string
	Registry *Registry
	Meter    metric.Meter
}

// NewBackend builds a Backend, creating RunDir if needed.
func NewBackend(opts Options) (*Backend, error) {
	if opts.RunDir == "" {
		opts.RunDir = os.TempDir()
	}
	if err := os.MkdirAll(opts.RunDir, 0o755); err != nil {
		return nil, fmt.Errorf("exec: create run dir %s: %w", opts.RunDir, err)
	}

	b := &Backend{
		pool:     NewPool(opts.Capacity),
		registry: opts.Registry,
		runDir:   opts.RunDir,
		tracer:   otel.Tracer("pipegraph-exec"),
	}
	if opts.Meter != nil {
		b.jobDuration, _ = opts.Meter.Float64Histogram("pipegraph_job_duration_ms")
		b.childExecs, _ = opts.Meter.Int64Counter("pipegraph_child_execs_total")
		b.inProcessRuns, _ = opts.Meter.Int64Counter("pipegraph_inprocess_runs_total")
	}
	return b, nil
}

// Run executes j's body and returns its declared outputs.
//
// r is the Runner the caller (internal/scheduler, backed by
// internal/status's Table) built for this job; it is honored as-is for
// RunsHere jobs, which run in this same process and so can answer arbitrary
// cross-job Runner queries. Isolated-child jobs get their own remoteRunner
// instead, built from upstreamHistory, since r's live table handle cannot
// cross a process boundary — see remoteRunner's doc comment for why that
// restriction is never actually exercised by this DAG shape.
//
// historicalOutput is j's own last recorded output (the Job.Run contract's
// historicalOutput parameter); upstreamHistory snapshots every other job's
// last recorded output, keyed by id, for Runner.HistoricalOutput lookups a
// job body makes about a specific upstream.
func (b *Backend) Run(ctx context.Context, j job.Job, r job.Runner, historicalOutput map[string]job.Fingerprint, upstreamHistory map[string]map[string]job.Fingerprint) (map[string]job.Fingerprint, error) {
	ctx, span := b.tracer.Start(ctx, "exec.run", trace.WithAttributes(
		attribute.String("job_id", j.ID()),
		attribute.String("resources", j.Resources().String()),
	))
	defer span.End()

	start := time.Now()
	var out map[string]job.Fingerprint
	var err error

	switch j.Resources() {
	case job.ResourcesRunsHere:
		if b.inProcessRuns != nil {
			b.inProcessRuns.Add(ctx, 1, metric.WithAttributes(attribute.String("job_id", j.ID())))
		}
		out, err = b.runInProcess(ctx, j, r, historicalOutput)
	case job.ResourcesSingleCore:
		out, err = b.runIsolated(ctx, j, historicalOutput, upstreamHistory, 1)
	case job.ResourcesAllCores, job.ResourcesExclusive:
		out, err = b.runIsolated(ctx, j, historicalOutput, upstreamHistory, b.pool.Capacity())
	default:
		err = fmt.Errorf("exec: job %q declares unknown resource class %v", j.ID(), j.Resources())
	}

	if err == nil {
		if fpj, ok := j.(FilePathJob); ok {
			out = fillFileHints(fpj, out)
		}
	}

	if b.jobDuration != nil {
		b.jobDuration.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(
			attribute.String("job_id", j.ID()),
			attribute.Bool("ok", err == nil),
		))
	}
	if err != nil {
		span.RecordError(err)
	}
	return out, err
}

// runInProcess runs j's body on the calling goroutine, recovering a panic
// into an ErrJobExecution diagnostic carrying a captured stack trace —
// spec.md §4.6's in-process path ("exceptions become JobFailed with
// captured stack trace").
func (b *Backend) runInProcess(ctx context.Context, j job.Job, r job.Runner, historicalOutput map[string]job.Fingerprint) (out map[string]job.Fingerprint, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: job %q panicked: %v\n%s", pperrors.ErrJobExecution, j.ID(), rec, debug.Stack())
		}
	}()
	out, err = j.Run(ctx, r, historicalOutput)
	if err != nil {
		err = fmt.Errorf("%w: job %q: %v", pperrors.ErrJobExecution, j.ID(), err)
	}
	return out, err
}

// runIsolated runs j's body in a re-exec'd child process, per spec.md
// §4.6's isolated-child path: two scratch files in the run directory
// (stdout, stderr), owned and deleted by the parent regardless of how the
// child exits, plus — replacing the pickled-exception channel with the
// length-prefixed frame this package uses throughout — an in-memory IPC
// pipe passed to the child as fd 3.
func (b *Backend) runIsolated(ctx context.Context, j job.Job, historicalOutput map[string]job.Fingerprint, upstreamHistory map[string]map[string]job.Fingerprint, slots int) (map[string]job.Fingerprint, error) {
	release, err := b.pool.Acquire(ctx, slots)
	if err != nil {
		return nil, fmt.Errorf("exec: acquire pool for job %q: %w", j.ID(), err)
	}
	defer release()

	b.isolatedChildCount.Add(1)
	if b.childExecs != nil {
		b.childExecs.Add(ctx, 1, metric.WithAttributes(attribute.String("job_id", j.ID())))
	}

	wireHist, err := fingerprint.EncodeMap(historicalOutput)
	if err != nil {
		return nil, fmt.Errorf("exec: encode historical output for job %q: %w", j.ID(), err)
	}
	wireUpstream := make(map[string]map[string]json.RawMessage, len(upstreamHistory))
	for id, m := range upstreamHistory {
		enc, err := fingerprint.EncodeMap(m)
		if err != nil {
			return nil, fmt.Errorf("exec: encode upstream history for job %q: %w", id, err)
		}
		wireUpstream[id] = enc
	}

	stdoutPath := filepath.Join(b.runDir, j.ID()+".stdout")
	stderrPath := filepath.Join(b.runDir, j.ID()+".stderr")
	stdoutFile, err := os.Create(stdoutPath)
	if err != nil {
		return nil, fmt.Errorf("exec: create stdout scratch buffer for job %q: %w", j.ID(), err)
	}
	defer func() { stdoutFile.Close(); os.Remove(stdoutPath) }()
	stderrFile, err := os.Create(stderrPath)
	if err != nil {
		return nil, fmt.Errorf("exec: create stderr scratch buffer for job %q: %w", j.ID(), err)
	}
	defer func() { stderrFile.Close(); os.Remove(stderrPath) }()

	ipcRead, ipcWrite, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("exec: open ipc pipe for job %q: %w", j.ID(), err)
	}
	defer ipcRead.Close()

	// Not CommandContext: once started, a child is left to terminate on its
	// own even if ctx is cancelled; cancellation only stops new dispatches.
	cmd := exec.Command(os.Args[0], os.Args[1:]...)
	cmd.Env = append(os.Environ(), ChildJobEnv+"="+j.ID())
	cmd.Stdout = stdoutFile
	cmd.Stderr = stderrFile
	cmd.ExtraFiles = []*os.File{ipcWrite}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		ipcWrite.Close()
		return nil, fmt.Errorf("exec: open stdin for job %q: %w", j.ID(), err)
	}

	if err := cmd.Start(); err != nil {
		ipcWrite.Close()
		return nil, fmt.Errorf("%w: job %q: start child: %v", pperrors.ErrJobDied, j.ID(), err)
	}
	// The parent's copy of the write end must close so ipcRead observes
	// EOF once the child's own copy closes, whether by writing a frame and
	// exiting cleanly or by dying without one.
	ipcWrite.Close()

	writeErrCh := make(chan error, 1)
	go func() {
		defer stdin.Close()
		writeErrCh <- WriteFrame(stdin, inputFrame{
			JobID:            j.ID(),
			HistoricalOutput: wireHist,
			UpstreamHistory:  wireUpstream,
		})
	}()

	var frame outputFrame
	frameErr := ReadFrame(ipcRead, &frame)
	waitErr := cmd.Wait()

	if werr := <-writeErrCh; werr != nil && frameErr == nil {
		// The child exited before fully reading stdin; that's only a real
		// problem if it also never produced an output frame.
		frameErr = werr
	}

	if frameErr != nil {
		return nil, fmt.Errorf("%w: job %q produced no result frame: %v (exit: %v)", pperrors.ErrJobDied, j.ID(), frameErr, waitErr)
	}
	if frame.Crash != nil {
		return nil, fmt.Errorf("%w: job %q %s: %s", pperrors.ErrJobExecution, j.ID(), frame.Crash.Kind, frame.Crash.Message)
	}
	out, err := fingerprint.DecodeMap(frame.Outputs)
	if err != nil {
		return nil, fmt.Errorf("exec: decode output for job %q: %w", j.ID(), err)
	}
	return out, nil
}

func fillFileHints(fpj FilePathJob, out map[string]job.Fingerprint) map[string]job.Fingerprint {
	paths := fpj.FilePaths()
	for name, fp := range out {
		ff, ok := fp.(fingerprint.FileFingerprint)
		if !ok {
			continue
		}
		path, ok := paths[name]
		if !ok {
			continue
		}
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		ff.Size = info.Size()
		ff.ModTime = info.ModTime()
		out[name] = ff
	}
	return out
}
