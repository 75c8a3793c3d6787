package exec

import "github.com/pipegraph/pipegraph/internal/job"

// Registry maps job ids to the Job value implementing them. The parent
// process and any isolated-child re-exec of the same binary each build a
// Registry from the same job-construction code, so a child can look up the
// one job it was told to run without a job.Job value ever crossing the
// process boundary — unlike the original's fork-based workers, which
// inherited the parent's object graph for free, a Go child rebuilds it.
type Registry struct {
	jobs map[string]job.Job
}

// NewRegistry copies jobs into a Registry; the caller's map may be mutated
// afterward without affecting the Registry.
func NewRegistry(jobs map[string]job.Job) *Registry {
	cp := make(map[string]job.Job, len(jobs))
	for id, j := range jobs {
		cp[id] = j
	}
	return &Registry{jobs: cp}
}

// Lookup returns the job registered under id, if any.
func (r *Registry) Lookup(id string) (job.Job, bool) {
	j, ok := r.jobs[id]
	return j, ok
}
