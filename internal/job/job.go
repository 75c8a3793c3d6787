// Package job defines the one contract the scheduler depends on: the
// capability interface every job exposes, plus the tagged Kind/Resources
// enums that replace duck-typed job-class dispatch (see the "tagged variant
// plus capability interface" design note).
package job

import "context"

// Kind tags a job's role in the extended DAG.
type Kind int

const (
	KindOutput Kind = iota
	KindTemp
	KindCleanup
	KindInvariant
	KindLoading
	KindJobGenerating
)

func (k Kind) String() string {
	switch k {
	case KindOutput:
		return "Output"
	case KindTemp:
		return "Temp"
	case KindCleanup:
		return "Cleanup"
	case KindInvariant:
		return "Invariant"
	case KindLoading:
		return "Loading"
	case KindJobGenerating:
		return "JobGenerating"
	default:
		return "Unknown"
	}
}

// Conditional reports whether jobs of this kind decide should_run from their
// downstreams' decisions rather than from OutputNeeded directly. Only Temp
// jobs are conditional this way: every Invariant-kind job (function,
// parameter, file invariants, and the DAG extender's probes) answers
// OutputNeeded unconditionally true and is decided directly, so that it
// always reruns and lets its own output comparison decide whether anything
// downstream actually needs to change.
func (k Kind) Conditional() bool {
	return k == KindTemp
}

// Resources is the execution resource class a job requests.
type Resources int

const (
	ResourcesSingleCore Resources = iota
	ResourcesAllCores
	ResourcesExclusive
	ResourcesRunsHere
)

func (r Resources) String() string {
	switch r {
	case ResourcesSingleCore:
		return "SingleCore"
	case ResourcesAllCores:
		return "AllCores"
	case ResourcesExclusive:
		return "Exclusive"
	case ResourcesRunsHere:
		return "RunsHere"
	default:
		return "Unknown"
	}
}

// Fingerprint is an opaque, content-addressed value for an output. Equality
// is never compared directly by the scheduler; it is always delegated to the
// producing job's CompareHashes through internal/fingerprint.
type Fingerprint = any

// ProbeForce, ProbeIgnore and ProbeValue replace the "ExplodePlease" /
// "IgnorePlease" string sentinels a conditional-run probe used to smuggle
// through the data-plane Fingerprint channel. A probe job's Run returns one
// of these directly; the comparator special-cases them ahead of any
// job-specific comparison.
type (
	ProbeForce  struct{}
	ProbeIgnore struct{}
	ProbeValue  struct{ Fingerprint Fingerprint }
)

// Runner is the facet of the scheduler a job body may observe while running.
// It deliberately exposes nothing about the DAG or other jobs' live state —
// only the run's context, each job's historical record, and each job's own
// OutputNeeded predicate — keeping the
// status table's internals out of job bodies (arena-and-index: jobs never
// hold a handle into the runner).
type Runner interface {
	Context() context.Context
	// OutputNeeded reports whether the named job would currently need to
	// run if left untouched. Used by Temp-job probes to ask a downstream
	// whether it still needs the temp output.
	OutputNeeded(jobID string) bool
	// HistoricalOutput returns the fingerprint map a job produced on its
	// last run, if any record exists.
	HistoricalOutput(jobID string) (map[string]Fingerprint, bool)
}

// CleanupFactory builds the Cleanup job for a parent job that declared one.
type CleanupFactory func(parent Job) Job

// Job is the uniform capability every job-type implementation exposes. The
// scheduler never type-switches on concrete job types; it only calls through
// this interface (plus the optional exec.FilePathJob capability checked by
// the execution backend).
type Job interface {
	ID() string
	Outputs() []string
	Kind() Kind
	Resources() Resources

	// IsConditional mirrors Kind().Conditional() by default; a job type may
	// override it, but none of the fixtures in this repo do.
	IsConditional() bool

	// OutputNeeded answers "if I am not rerun, would my declared output be
	// absent or unusable?" For Temp jobs this should delegate to the union
	// of non-Cleanup downstreams' predicates; the DAG extender's probe jobs
	// do this on a job's behalf rather than requiring every Temp job to
	// reimplement it.
	OutputNeeded(r Runner) bool

	CompareHashes(old, new Fingerprint) bool

	Run(ctx context.Context, r Runner, historicalOutput map[string]Fingerprint) (map[string]Fingerprint, error)

	// CleanupFactory returns nil when the job declares no cleanup job.
	CleanupFactory() CleanupFactory
}
