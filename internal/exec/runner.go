package exec

import (
	"context"

	"github.com/pipegraph/pipegraph/internal/job"
)

// remoteRunner is the job.Runner an isolated child gives to the job body it
// runs. Unlike the in-process tableRunner internal/status builds, it has no
// live handle into the status table — a child process shares no memory with
// the parent, so cross-job OutputNeeded evaluation (which recurses into
// another job's own predicate and Runner) cannot be answered here.
//
// That gap is unreachable in practice: OutputNeeded is only ever called by
// the conditional-run probe jobs the DAG extender inserts, and every probe
// declares ResourcesRunsHere, so it always runs through the in-process path
// and never sees a remoteRunner. HistoricalOutput, the query a job body can
// legitimately make of an upstream, is served from a snapshot the parent
// took from the status table before spawning the child.
type remoteRunner struct {
	ctx      context.Context
	upstream map[string]map[string]job.Fingerprint
}

func newRemoteRunner(ctx context.Context, upstream map[string]map[string]job.Fingerprint) *remoteRunner {
	return &remoteRunner{ctx: ctx, upstream: upstream}
}

func (r *remoteRunner) Context() context.Context { return r.ctx }

// OutputNeeded answers conservatively true: see the type doc. Failing safe
// toward "still needed" means a future job type that called this from an
// isolated child would over-run rather than silently skip real work.
func (r *remoteRunner) OutputNeeded(string) bool { return true }

func (r *remoteRunner) HistoricalOutput(jobID string) (map[string]job.Fingerprint, bool) {
	m, ok := r.upstream[jobID]
	return m, ok
}
