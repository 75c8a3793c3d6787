package scheduler

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pipegraph/pipegraph/internal/exec"
	"github.com/pipegraph/pipegraph/internal/graph"
	"github.com/pipegraph/pipegraph/internal/job"
	"github.com/pipegraph/pipegraph/internal/status"
)

// fixtureJob is a minimal job.Job, always RunsHere so these tests exercise
// the scheduler's own dispatch/suspend logic without needing the re-exec
// child path internal/exec's own tests already cover.
type fixtureJob struct {
	id      string
	kind    job.Kind
	compute func(r job.Runner) (string, error)
	needed  func(r job.Runner) bool
}

func (f *fixtureJob) ID() string               { return f.id }
func (f *fixtureJob) Outputs() []string        { return []string{f.id} }
func (f *fixtureJob) Kind() job.Kind           { return f.kind }
func (f *fixtureJob) Resources() job.Resources { return job.ResourcesRunsHere }
func (f *fixtureJob) IsConditional() bool      { return f.kind.Conditional() }
func (f *fixtureJob) OutputNeeded(r job.Runner) bool {
	if f.needed != nil {
		return f.needed(r)
	}
	_, ok := r.HistoricalOutput(f.id)
	return !ok
}
func (f *fixtureJob) CompareHashes(a, b job.Fingerprint) bool {
	as, _ := a.(string)
	bs, _ := b.(string)
	return as == bs
}
func (f *fixtureJob) Run(_ context.Context, r job.Runner, _ map[string]job.Fingerprint) (map[string]job.Fingerprint, error) {
	v, err := f.compute(r)
	if err != nil {
		return nil, err
	}
	return map[string]job.Fingerprint{f.id: v}, nil
}
func (f *fixtureJob) CleanupFactory() job.CleanupFactory { return nil }

func buildTable(t *testing.T, dag *graph.DAG, jobs map[string]job.Job) *status.Table {
	t.Helper()
	ext, extJobs, inputNames, err := graph.Extend(dag, jobs)
	require.NoError(t, err)
	tbl, err := status.NewTable(ext, extJobs, inputNames, nil, nil)
	require.NoError(t, err)
	return tbl
}

func newTestBackend(t *testing.T) *exec.Backend {
	t.Helper()
	b, err := exec.NewBackend(exec.Options{Capacity: 2, RunDir: t.TempDir()})
	require.NoError(t, err)
	return b
}

func TestSchedulerRunsChainToCompletion(t *testing.T) {
	a := &fixtureJob{id: "a", kind: job.KindOutput, compute: func(job.Runner) (string, error) { return "1", nil }}
	b := &fixtureJob{id: "b", kind: job.KindOutput, compute: func(r job.Runner) (string, error) {
		v, _ := r.HistoricalOutput("a")
		_ = v
		return "derived", nil
	}}

	dag := graph.New()
	dag.AddEdge("a", "b")
	tbl := buildTable(t, dag, map[string]job.Job{"a": a, "b": b})

	s := New(Options{Table: tbl, Backend: newTestBackend(t)})
	err := s.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, status.StateSuccess, tbl.Get("a").State)
	assert.Equal(t, status.StateSuccess, tbl.Get("b").State)
	assert.Equal(t, job.Fingerprint("derived"), tbl.Get("b").UpdatedOutput["b"])
}

func TestSchedulerCascadesFailureDownstream(t *testing.T) {
	a := &fixtureJob{id: "a", kind: job.KindOutput, compute: func(job.Runner) (string, error) {
		return "", errors.New("boom")
	}}
	b := &fixtureJob{id: "b", kind: job.KindOutput, compute: func(job.Runner) (string, error) { return "never", nil }}

	dag := graph.New()
	dag.AddEdge("a", "b")
	tbl := buildTable(t, dag, map[string]job.Job{"a": a, "b": b})

	s := New(Options{Table: tbl, Backend: newTestBackend(t)})
	require.NoError(t, s.Run(context.Background()))

	assert.Equal(t, status.StateFailed, tbl.Get("a").State)
	assert.Equal(t, status.StateUpstreamFailed, tbl.Get("b").State)
}

// A pre-cancelled context lets the already-dispatched root finish naturally
// but must stop the scheduler from ever dispatching its now-ready
// downstream, per spec.md §5's cancellation semantics.
func TestSchedulerStopsDispatchingOnCancelButLetsOutstandingFinish(t *testing.T) {
	a := &fixtureJob{id: "a", kind: job.KindOutput, compute: func(job.Runner) (string, error) { return "1", nil }}
	b := &fixtureJob{id: "b", kind: job.KindOutput, compute: func(job.Runner) (string, error) { return "2", nil }}

	dag := graph.New()
	dag.AddEdge("a", "b")
	tbl := buildTable(t, dag, map[string]job.Job{"a": a, "b": b})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := New(Options{Table: tbl, Backend: newTestBackend(t)})
	err := s.Run(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, status.StateSuccess, tbl.Get("a").State)
	assert.NotEqual(t, status.StateSuccess, tbl.Get("b").State)
}
