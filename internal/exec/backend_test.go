package exec

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pipegraph/pipegraph/internal/job"
	"github.com/pipegraph/pipegraph/internal/pperrors"
)

// TestMain lets this test binary double as the isolated-child re-exec
// target, the same "helper process" trick the standard library's own
// os/exec tests use (TestHelperProcess): if PIPEGRAPH_CHILD_JOB is set,
// RunChild takes over and the binary never reaches testing.Main.
func TestMain(m *testing.M) {
	if RunChild(testRegistry()) {
		return
	}
	os.Exit(m.Run())
}

type fixtureJob struct {
	id        string
	resources job.Resources
	run       func(job.Runner, map[string]job.Fingerprint) (map[string]job.Fingerprint, error)
}

func (f *fixtureJob) ID() string                                             { return f.id }
func (f *fixtureJob) Outputs() []string                                      { return []string{f.id} }
func (f *fixtureJob) Kind() job.Kind                                         { return job.KindOutput }
func (f *fixtureJob) Resources() job.Resources                               { return f.resources }
func (f *fixtureJob) IsConditional() bool                                    { return false }
func (f *fixtureJob) OutputNeeded(job.Runner) bool                           { return true }
func (f *fixtureJob) CompareHashes(a, b job.Fingerprint) bool                { return a == b }
func (f *fixtureJob) CleanupFactory() job.CleanupFactory                     { return nil }
func (f *fixtureJob) Run(_ context.Context, r job.Runner, hist map[string]job.Fingerprint) (map[string]job.Fingerprint, error) {
	return f.run(r, hist)
}

func testRegistry() *Registry {
	return NewRegistry(map[string]job.Job{
		"echo": &fixtureJob{id: "echo", resources: job.ResourcesSingleCore, run: func(job.Runner, map[string]job.Fingerprint) (map[string]job.Fingerprint, error) {
			return map[string]job.Fingerprint{"echo": "ok"}, nil
		}},
		"fail": &fixtureJob{id: "fail", resources: job.ResourcesSingleCore, run: func(job.Runner, map[string]job.Fingerprint) (map[string]job.Fingerprint, error) {
			return nil, errors.New("boom")
		}},
		"panic": &fixtureJob{id: "panic", resources: job.ResourcesSingleCore, run: func(job.Runner, map[string]job.Fingerprint) (map[string]job.Fingerprint, error) {
			panic("kaboom")
		}},
		"reads-upstream": &fixtureJob{id: "reads-upstream", resources: job.ResourcesSingleCore, run: func(r job.Runner, _ map[string]job.Fingerprint) (map[string]job.Fingerprint, error) {
			v, ok := r.HistoricalOutput("echo")
			if !ok {
				return nil, errors.New("expected upstream history for echo")
			}
			return map[string]job.Fingerprint{"reads-upstream": v["echo"]}, nil
		}},
	})
}

type noopRunner struct{}

func (noopRunner) Context() context.Context                                  { return context.Background() }
func (noopRunner) OutputNeeded(string) bool                                  { return true }
func (noopRunner) HistoricalOutput(string) (map[string]job.Fingerprint, bool) { return nil, false }

func newTestBackend(t *testing.T) *Backend {
	t.Helper()
	b, err := NewBackend(Options{Capacity: 2, RunDir: t.TempDir(), Registry: testRegistry()})
	require.NoError(t, err)
	return b
}

func TestRunIsolatedSuccess(t *testing.T) {
	b := newTestBackend(t)
	j, ok := testRegistry().Lookup("echo")
	require.True(t, ok)

	out, err := b.Run(context.Background(), j, noopRunner{}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, job.Fingerprint("ok"), out["echo"])
}

func TestRunIsolatedJobError(t *testing.T) {
	b := newTestBackend(t)
	j, ok := testRegistry().Lookup("fail")
	require.True(t, ok)

	_, err := b.Run(context.Background(), j, noopRunner{}, nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, pperrors.ErrJobExecution)
}

func TestRunIsolatedPanicBecomesCrashFrame(t *testing.T) {
	b := newTestBackend(t)
	j, ok := testRegistry().Lookup("panic")
	require.True(t, ok)

	_, err := b.Run(context.Background(), j, noopRunner{}, nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, pperrors.ErrJobExecution)
}

func TestRunIsolatedServesUpstreamHistorySnapshot(t *testing.T) {
	b := newTestBackend(t)
	j, ok := testRegistry().Lookup("reads-upstream")
	require.True(t, ok)

	upstream := map[string]map[string]job.Fingerprint{
		"echo": {"echo": "v1"},
	}
	out, err := b.Run(context.Background(), j, noopRunner{}, nil, upstream)
	require.NoError(t, err)
	assert.Equal(t, job.Fingerprint("v1"), out["reads-upstream"])
}

func TestRunInProcessPanicRecovered(t *testing.T) {
	b, err := NewBackend(Options{Capacity: 1, RunDir: t.TempDir()})
	require.NoError(t, err)

	j := &fixtureJob{id: "p", resources: job.ResourcesRunsHere, run: func(job.Runner, map[string]job.Fingerprint) (map[string]job.Fingerprint, error) {
		panic("boom")
	}}
	_, err = b.Run(context.Background(), j, noopRunner{}, nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, pperrors.ErrJobExecution)
}

func TestRunInProcessUsesGivenRunner(t *testing.T) {
	b, err := NewBackend(Options{Capacity: 1, RunDir: t.TempDir()})
	require.NoError(t, err)

	j := &fixtureJob{id: "q", resources: job.ResourcesRunsHere, run: func(r job.Runner, _ map[string]job.Fingerprint) (map[string]job.Fingerprint, error) {
		if !r.OutputNeeded("whatever") {
			return nil, errors.New("expected OutputNeeded to delegate to the given runner")
		}
		return map[string]job.Fingerprint{"q": "done"}, nil
	}}
	out, err := b.Run(context.Background(), j, noopRunner{}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, job.Fingerprint("done"), out["q"])
}
