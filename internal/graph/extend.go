package graph

import (
	"context"
	"fmt"
	"sort"

	"github.com/pipegraph/pipegraph/internal/job"
)

// Extend implements the DAG Extender: it inserts a conditional-run probe
// upstream of every Temp job (one per distinct non-Cleanup downstream,
// grounded on original_source/jobs.py's _DownstreamNeedsMeChecker, keyed by
// the downstream job's id rather than the Temp job's — spec.md's literal
// naming collides when one Temp job feeds more than one downstream), clones
// each such downstream's non-temp upstream hull onto the Temp job so the
// probe observes the same inputs the real consumer would, and appends a
// Cleanup node downstream of every consumer for jobs that declare one.
//
// It returns the extended DAG, the extended job set (base jobs plus the
// probes and cleanup jobs it created), and each job's resolved input names
// (the union of its direct upstreams' declared outputs).
func Extend(base *DAG, jobs map[string]job.Job) (*DAG, map[string]job.Job, map[string][]string, error) {
	order, err := base.TopoSort()
	if err != nil {
		return nil, nil, nil, err
	}

	dag := base.Clone()
	extJobs := make(map[string]job.Job, len(jobs))
	for id, j := range jobs {
		extJobs[id] = j
	}

	for i := len(order) - 1; i >= 0; i-- {
		id := order[i]
		j := extJobs[id]

		if j.Kind() == job.KindTemp {
			for _, downstreamID := range sortedCopy(dag.Downstream(id)) {
				downstream := extJobs[downstreamID]
				if downstream.Kind() == job.KindCleanup {
					continue
				}
				checkerID := probeID(downstreamID)
				if _, ok := extJobs[checkerID]; !ok {
					extJobs[checkerID] = newProbeJob(checkerID, downstreamID)
					dag.AddNode(checkerID)
				}
				dag.AddEdge(checkerID, id)

				for _, hullID := range nonTempUpstreamHull(dag, extJobs, downstreamID) {
					if hullID != id {
						dag.AddEdge(hullID, id)
					}
				}
			}
		}

		if factory := j.CleanupFactory(); factory != nil {
			cleanup := factory(j)
			dag.AddNode(cleanup.ID())
			extJobs[cleanup.ID()] = cleanup
			for _, downstreamID := range sortedCopy(dag.Downstream(id)) {
				if downstreamID == cleanup.ID() {
					continue
				}
				dag.AddEdge(downstreamID, cleanup.ID())
			}
		}
	}

	if _, err := dag.TopoSort(); err != nil {
		return nil, nil, nil, fmt.Errorf("extend: %w", err)
	}

	inputNames := make(map[string][]string, len(extJobs))
	for id := range extJobs {
		var names []string
		for _, upID := range sortedCopy(dag.Upstream(id)) {
			names = append(names, extJobs[upID].Outputs()...)
		}
		sort.Strings(names)
		inputNames[id] = names
	}

	return dag, extJobs, inputNames, nil
}

func probeID(downstreamJobID string) string {
	return fmt.Sprintf("_DownstreamNeedsMeChecker_%s", downstreamJobID)
}

// nonTempUpstreamHull walks predecessors of jobID, substituting a Temp
// predecessor's own hull for itself so a probe never depends directly on
// another Temp job's transient output.
func nonTempUpstreamHull(dag *DAG, jobs map[string]job.Job, jobID string) []string {
	var result []string
	for _, upID := range sortedCopy(dag.Upstream(jobID)) {
		if jobs[upID].Kind() == job.KindTemp {
			result = append(result, nonTempUpstreamHull(dag, jobs, upID)...)
		} else {
			result = append(result, upID)
		}
	}
	return result
}

func sortedCopy(s []string) []string {
	out := make([]string, len(s))
	copy(out, s)
	sort.Strings(out)
	return out
}

// probeJob is the Go analogue of _DownstreamNeedsMeChecker: an Invariant,
// RunsHere job whose sole output tells its Temp-job consumer whether the one
// downstream it was built for still needs that consumer's output.
type probeJob struct {
	id         string
	checkJobID string
	outputName string
}

func newProbeJob(id, checkJobID string) *probeJob {
	return &probeJob{id: id, checkJobID: checkJobID, outputName: id + ":needed"}
}

func (p *probeJob) ID() string                   { return p.id }
func (p *probeJob) Outputs() []string            { return []string{p.outputName} }
func (p *probeJob) Kind() job.Kind               { return job.KindInvariant }
func (p *probeJob) Resources() job.Resources     { return job.ResourcesRunsHere }

// IsConditional is false: like every Invariant-kind job, a probe always
// answers OutputNeeded true and is decided directly, not by scanning its
// downstream's should_run.
func (p *probeJob) IsConditional() bool          { return false }
func (p *probeJob) OutputNeeded(job.Runner) bool { return true }

// CompareHashes is never consulted: the comparator short-circuits on the
// ProbeForce/ProbeIgnore sentinels this job's Run always returns.
func (p *probeJob) CompareHashes(job.Fingerprint, job.Fingerprint) bool { return false }

func (p *probeJob) Run(_ context.Context, r job.Runner, _ map[string]job.Fingerprint) (map[string]job.Fingerprint, error) {
	if r.OutputNeeded(p.checkJobID) {
		return map[string]job.Fingerprint{p.outputName: job.ProbeForce{}}, nil
	}
	return map[string]job.Fingerprint{p.outputName: job.ProbeIgnore{}}, nil
}

func (p *probeJob) CleanupFactory() job.CleanupFactory { return nil }
