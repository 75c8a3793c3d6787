package status

import (
	"context"
	"fmt"
	"time"

	"github.com/pipegraph/pipegraph/internal/fingerprint"
	"github.com/pipegraph/pipegraph/internal/graph"
	"github.com/pipegraph/pipegraph/internal/job"
	"github.com/pipegraph/pipegraph/internal/pperrors"
)

// Table owns every job's Status and the should-run/invalidation decision
// procedure. The scheduler never mutates a Status directly — it only calls
// Table methods and pulls events off its queue.
type Table struct {
	dag         *graph.DAG
	jobs        map[string]job.Job
	inputNames  map[string][]string
	outputOwner map[string]string

	comparator *fingerprint.Comparator
	statuses   map[string]*Status
	events     []Event
	ctx        context.Context
}

// SetContext installs the context job.Runner.Context() returns to running
// jobs and OutputNeeded probes. Defaults to context.Background() until set.
func (t *Table) SetContext(ctx context.Context) { t.ctx = ctx }

// NewTable builds a Table over an already-extended DAG and job set (the
// output of graph.Extend), seeding each job's historical input/output from a
// prior run if present.
func NewTable(dag *graph.DAG, jobs map[string]job.Job, inputNames map[string][]string, historicalInput, historicalOutput map[string]map[string]job.Fingerprint) (*Table, error) {
	outputOwner := make(map[string]string, len(jobs))
	for id, j := range jobs {
		for _, name := range j.Outputs() {
			if owner, ok := outputOwner[name]; ok {
				return nil, fmt.Errorf("%w: output %q claimed by both %q and %q", pperrors.ErrJobOutputConflict, name, owner, id)
			}
			outputOwner[name] = id
		}
	}

	statuses := make(map[string]*Status, len(jobs))
	for id := range jobs {
		st := newStatus(id)
		if hi, ok := historicalInput[id]; ok {
			for k, v := range hi {
				st.HistoricalInput[k] = v
			}
		}
		if ho, ok := historicalOutput[id]; ok {
			for k, v := range ho {
				st.HistoricalOutput[k] = v
			}
		}
		statuses[id] = st
	}

	return &Table{
		dag:         dag,
		jobs:        jobs,
		inputNames:  inputNames,
		outputOwner: outputOwner,
		comparator:  fingerprint.NewComparator(),
		statuses:    statuses,
		ctx:         context.Background(),
	}, nil
}

// Job returns the job implementation behind an id.
func (t *Table) Job(id string) job.Job { return t.jobs[id] }

// Get returns a job's current Status. The caller must not mutate it.
func (t *Table) Get(id string) *Status { return t.statuses[id] }

// Jobs returns every job id the table knows about, DAG-insertion order.
func (t *Table) Jobs() []string { return t.dag.Nodes() }

// Seed kicks off the run by calling UpdateShouldRun on every job once. A job
// whose decision cannot be trusted yet (a non-conditional job with a
// non-terminal, non-conditional upstream, or one still waiting behind a
// conditional upstream that already committed) simply stays Maybe here —
// the upstreamsResolved gate inside UpdateShouldRun defers it, and
// jobBecameTerminal revisits it once its upstream actually terminates. This
// has to cover every job, not just roots: a Temp job's non-conditional
// consumer can decide its own should_run independently of whether the Temp
// job (and its conditional-run probe) has run yet, and without evaluating
// that consumer directly here a Temp chain with no other root would never
// get its should_run decision started at all.
func (t *Table) Seed() {
	for _, id := range t.dag.Nodes() {
		t.UpdateShouldRun(id)
	}
}

// PopEvent removes and returns the oldest queued event.
func (t *Table) PopEvent() (Event, bool) {
	if len(t.events) == 0 {
		return Event{}, false
	}
	ev := t.events[0]
	t.events = t.events[1:]
	return ev, true
}

func (t *Table) emit(ev Event) {
	t.events = append(t.events, ev)
}

// UpdateShouldRun implements the should-run decision procedure from
// original_source/job_status.py. A conditional (Temp) job decides purely
// from its downstreams' decisions; a non-conditional job — which includes
// every Invariant-kind job, whose OutputNeeded always answers true — decides
// from its own OutputNeeded. An invalidated job whose decision is not yet
// made always runs; a decision already made is never changed.
func (t *Table) UpdateShouldRun(id string) {
	st := t.statuses[id]
	j := t.jobs[id]

	var result ShouldRun
	switch {
	case st.ShouldRun.Decided():
		result = st.ShouldRun
	case st.ValidationState == ValidationInvalidated:
		result = ShouldRunYes
	case !j.IsConditional() && !t.upstreamsResolved(id):
		// A non-conditional job must not lock in an OutputNeeded-derived
		// decision before its upstreams have had a chance to invalidate it —
		// otherwise a job whose inputs are still in flight could freeze on
		// "No" moments before the real invalidation signal arrives. Stay
		// undecided; jobBecameTerminal will call back in once resolved.
		result = ShouldRunMaybe
	case !j.IsConditional():
		if j.OutputNeeded(newRunnerView(t, id)) {
			result = ShouldRunYes
		} else {
			result = ShouldRunNo
		}
	default:
		dsCount, dsNo := 0, 0
		result = ShouldRunMaybe
		decided := false
		for _, downID := range t.dag.Downstream(id) {
			dsCount++
			switch t.statuses[downID].ShouldRun {
			case ShouldRunYes:
				result = ShouldRunYes
				decided = true
			case ShouldRunNo:
				dsNo++
			}
			if decided {
				break
			}
		}
		if !decided {
			if dsCount == dsNo {
				result = ShouldRunNo
			} else {
				result = ShouldRunMaybe
			}
		}
	}

	if st.ShouldRun != result {
		st.ShouldRun = result
		t.jobDecidedWhetherToRun(id)
	}
	if st.ShouldRun.Decided() {
		t.RunNowIfReady(id)
	}
}

// RunNowIfReady transitions a job to ReadyToRun or Skipped once its decision
// is made and every upstream has actually finished. Uses the strict
// all-upstreams-terminal check — never the relaxed variant, which gates
// the invalidation trigger in propagateOutputs and a non-conditional job's
// decision in UpdateShouldRun.
func (t *Table) RunNowIfReady(id string) {
	st := t.statuses[id]
	if st.State != StateWaiting {
		return
	}
	if !t.allUpstreamsTerminal(id) {
		return
	}
	if st.ShouldRun == ShouldRunYes {
		st.State = StateReadyToRun
		st.StartTime = time.Now()
		t.emit(Event{Kind: EventJobReady, JobID: id})
		return
	}
	t.doSkip(id)
}

func (t *Table) allUpstreamsTerminal(id string) bool {
	for _, upID := range t.dag.Upstream(id) {
		if !t.statuses[upID].State.IsTerminal() {
			return false
		}
	}
	return true
}

// upstreamsResolved is the relaxed check (all_upstreams_terminal_or_conditional):
// a non-terminal conditional upstream that has not committed to running
// (its should_run is No or still Maybe) and isn't invalidated counts as
// resolved, for the purpose of considering invalidation early.
func (t *Table) upstreamsResolved(id string) bool {
	for _, upID := range t.dag.Upstream(id) {
		upSt := t.statuses[upID]
		if upSt.State.IsTerminal() {
			continue
		}
		if !t.jobs[upID].IsConditional() {
			return false
		}
		if upSt.ShouldRun == ShouldRunYes || upSt.ValidationState == ValidationInvalidated {
			return false
		}
	}
	return true
}

func (t *Table) jobDecidedWhetherToRun(id string) {
	for _, upID := range t.dag.Upstream(id) {
		if t.jobs[upID].IsConditional() {
			t.UpdateShouldRun(upID)
		}
	}
}

func (t *Table) doSkip(id string) {
	st := t.statuses[id]
	st.UpdatedOutput = copyFingerprintMap(st.HistoricalOutput)
	t.transitionTerminal(id, StateSkipped)
}

// HandleSuccess records a job's actual execution output. An output name the
// job never declared fails the job (and cascades UpstreamFailed downstream)
// rather than silently being dropped — grounded on runner.py's
// handle_job_success undeclared-output check, layered onto job_status.py's
// state machine.
func (t *Table) HandleSuccess(id string, output map[string]job.Fingerprint) {
	j := t.jobs[id]
	declared := make(map[string]struct{}, len(j.Outputs()))
	for _, n := range j.Outputs() {
		declared[n] = struct{}{}
	}
	for name := range output {
		if _, ok := declared[name]; !ok {
			t.HandleFailed(id, &pperrors.JobContractError{JobID: id, Msg: fmt.Sprintf("returned undeclared output %q", name)})
			return
		}
	}
	st := t.statuses[id]
	st.UpdatedOutput = output
	st.RunTime = time.Since(st.StartTime)
	t.transitionTerminal(id, StateSuccess)
}

// HandleFailed records a job body's failure.
func (t *Table) HandleFailed(id string, err error) {
	st := t.statuses[id]
	st.Error = err
	t.transitionTerminal(id, StateFailed)
}

func (t *Table) transitionTerminal(id string, state State) {
	st := t.statuses[id]
	st.State = state
	switch state {
	case StateSuccess:
		t.emit(Event{Kind: EventJobSuccess, JobID: id, Output: st.UpdatedOutput})
	case StateSkipped:
		t.emit(Event{Kind: EventJobSkipped, JobID: id})
	case StateFailed:
		t.emit(Event{Kind: EventJobFailed, JobID: id, Err: st.Error})
	case StateUpstreamFailed:
		t.emit(Event{Kind: EventJobUpstreamFailed, JobID: id, Err: st.Error})
	}
	t.jobBecameTerminal(id)
	if state == StateSkipped {
		t.jobDecidedWhetherToRun(id)
	}
}

func (t *Table) jobBecameTerminal(id string) {
	st := t.statuses[id]
	switch st.State {
	case StateSuccess, StateSkipped:
		for _, downID := range t.dag.Downstream(id) {
			t.propagateOutputs(downID, st.UpdatedOutput)
			t.UpdateShouldRun(downID)
		}
	case StateFailed:
		cause := fmt.Errorf("upstream %s: %w", id, pperrors.ErrJobExecution)
		for _, downID := range t.dag.Downstream(id) {
			t.cascadeUpstreamFailed(downID, cause)
		}
	case StateUpstreamFailed:
		for _, downID := range t.dag.Downstream(id) {
			t.cascadeUpstreamFailed(downID, st.Error)
		}
	}
}

// cascadeUpstreamFailed is idempotent: a diamond-shaped failure can reach
// the same downstream through more than one path, and original_source's
// state setter would raise on a second terminal transition. Here the second
// arrival is simply a no-op.
func (t *Table) cascadeUpstreamFailed(id string, cause error) {
	st := t.statuses[id]
	if st.State.IsTerminal() {
		return
	}
	st.Error = cause
	st.ValidationState = ValidationUpstreamFailed
	t.transitionTerminal(id, StateUpstreamFailed)
}

// propagateOutputs merges an upstream's fresh output into a downstream's
// updated_input (only for names the downstream actually declares as
// inputs), then — once the downstream's upstreams are resolved enough to
// trust the comparison — decides whether the downstream is invalidated.
func (t *Table) propagateOutputs(id string, upstreamOutput map[string]job.Fingerprint) {
	st := t.statuses[id]
	declared := make(map[string]struct{}, len(t.inputNames[id]))
	for _, n := range t.inputNames[id] {
		declared[n] = struct{}{}
	}
	for name, fp := range upstreamOutput {
		if _, ok := declared[name]; ok {
			st.UpdatedInput[name] = fp
		}
	}
	if st.ValidationState == ValidationInvalidated {
		return
	}
	if !t.upstreamsResolved(id) {
		return
	}
	if t.considerInvalidation(id) {
		st.ValidationState = ValidationInvalidated
	} else {
		st.ValidationState = ValidationValidated
	}
}

// considerInvalidation compares historical_input against updated_input: a
// changed cardinality always invalidates; a changed keyset tries the rename
// heuristic per lost key before giving up and invalidating.
func (t *Table) considerInvalidation(id string) bool {
	st := t.statuses[id]
	oldInput := st.HistoricalInput
	newInput := st.UpdatedInput

	if len(oldInput) != len(newInput) {
		return true
	}

	sameKeys := true
	for k := range oldInput {
		if _, ok := newInput[k]; !ok {
			sameKeys = false
			break
		}
	}

	if sameKeys {
		for key, oldFP := range oldInput {
			if t.inputChanged(key, oldFP, newInput[key]) {
				return true
			}
		}
		return false
	}

	for oldKey, oldFP := range oldInput {
		if newFP, ok := newInput[oldKey]; ok {
			if t.inputChanged(oldKey, oldFP, newFP) {
				return true
			}
			continue
		}
		if _, renamed := t.comparator.FindRenamed(oldFP, newInput); !renamed {
			return true
		}
	}
	return false
}

func (t *Table) inputChanged(key string, old, new job.Fingerprint) bool {
	ownerID, ok := t.outputOwner[key]
	if !ok {
		return true
	}
	return !t.comparator.Equal(old, new, t.jobs[ownerID])
}

// Record is the persisted shape of one job's run for the history store: its
// resolved inputs and outputs, independent of any in-memory Status field the
// next run won't need.
type Record struct {
	Input  map[string]job.Fingerprint
	Output map[string]job.Fingerprint
}

// Records returns the history to persist after a run: one Record per job
// that actually reached Success or Skipped. Failed and UpstreamFailed jobs
// are omitted deliberately — their entry in the on-disk history store, if
// any, is left exactly as it was before this run, since nothing trustworthy
// was produced this time.
func (t *Table) Records() map[string]Record {
	out := make(map[string]Record)
	for id, st := range t.statuses {
		if st.State != StateSuccess && st.State != StateSkipped {
			continue
		}
		out[id] = Record{Input: st.UpdatedInput, Output: st.UpdatedOutput}
	}
	return out
}

// Counts summarizes terminal states across the table, for run statistics.
type Counts struct {
	Success        int
	Skipped        int
	Failed         int
	UpstreamFailed int
	NonTerminal    int
}

// Counts tallies every job's current state.
func (t *Table) Counts() Counts {
	var c Counts
	for _, st := range t.statuses {
		switch st.State {
		case StateSuccess:
			c.Success++
		case StateSkipped:
			c.Skipped++
		case StateFailed:
			c.Failed++
		case StateUpstreamFailed:
			c.UpstreamFailed++
		default:
			c.NonTerminal++
		}
	}
	return c
}

// Runner returns the job.Runner a dispatched job's body should observe,
// scoped to its own id. The scheduler calls this once per JobReady
// dispatch; it never builds a job.Runner itself.
func (t *Table) Runner(id string) job.Runner { return newRunnerView(t, id) }

// HistoricalSnapshot returns every job's last-recorded output, keyed by job
// id. The scheduler hands this to the execution backend so an isolated
// child's restricted Runner can answer HistoricalOutput for any job without
// crossing back into the live Table, which lives only on the event-loop
// goroutine.
func (t *Table) HistoricalSnapshot() map[string]map[string]job.Fingerprint {
	out := make(map[string]map[string]job.Fingerprint, len(t.statuses))
	for id, st := range t.statuses {
		out[id] = st.HistoricalOutput
	}
	return out
}

func copyFingerprintMap(m map[string]job.Fingerprint) map[string]job.Fingerprint {
	out := make(map[string]job.Fingerprint, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// tableRunner is the job.Runner a job body or a conditional-run probe sees,
// backed by a Table. It exposes only what a job needs to observe: the run's
// context, any job's last recorded output, and any job's own OutputNeeded
// predicate — never the DAG or other jobs' live Status.
type tableRunner struct {
	t   *Table
	job string
}

func newRunnerView(t *Table, jobID string) *tableRunner {
	return &tableRunner{t: t, job: jobID}
}

func (r *tableRunner) Context() context.Context { return r.t.ctx }

// OutputNeeded asks a job's own predicate directly — the same stateless
// query a _DownstreamNeedsMeChecker probe makes of its consumer — rather
// than consulting that job's should_run/validation resolution. It answers
// "does this job's declared output look stale right now", independent of
// whether the scheduler has gotten around to evaluating it yet.
func (r *tableRunner) OutputNeeded(jobID string) bool {
	j := r.t.jobs[jobID]
	if j == nil {
		return true
	}
	return j.OutputNeeded(newRunnerView(r.t, jobID))
}

func (r *tableRunner) HistoricalOutput(jobID string) (map[string]job.Fingerprint, bool) {
	st := r.t.statuses[jobID]
	if st == nil || len(st.HistoricalOutput) == 0 {
		return nil, false
	}
	return st.HistoricalOutput, true
}
