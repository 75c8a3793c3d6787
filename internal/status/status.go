// Package status implements C4: the per-job finite-state machine and the
// should-run/invalidation decision procedure, grounded line for line on
// original_source/job_status.py.
package status

import (
	"time"

	"github.com/pipegraph/pipegraph/internal/job"
)

// State is a job's run-state. Success, Skipped, Failed and UpstreamFailed
// are terminal: once reached, a job's state never changes again.
type State int

const (
	StateWaiting State = iota
	StateReadyToRun
	StateSuccess
	StateSkipped
	StateFailed
	StateUpstreamFailed
)

func (s State) String() string {
	switch s {
	case StateWaiting:
		return "Waiting"
	case StateReadyToRun:
		return "ReadyToRun"
	case StateSuccess:
		return "Success"
	case StateSkipped:
		return "Skipped"
	case StateFailed:
		return "Failed"
	case StateUpstreamFailed:
		return "UpstreamFailed"
	default:
		return "Unknown"
	}
}

// IsTerminal reports whether a job in this state will never change state
// again.
func (s State) IsTerminal() bool {
	switch s {
	case StateSuccess, StateSkipped, StateFailed, StateUpstreamFailed:
		return true
	default:
		return false
	}
}

// ValidationState tracks whether a job's recorded inputs still match what it
// last ran with. Like State, it is one-way: Unknown may become Validated,
// Invalidated or UpstreamFailed, but never back.
type ValidationState int

const (
	ValidationUnknown ValidationState = iota
	ValidationValidated
	ValidationInvalidated
	ValidationUpstreamFailed
)

func (v ValidationState) String() string {
	switch v {
	case ValidationUnknown:
		return "Unknown"
	case ValidationValidated:
		return "Validated"
	case ValidationInvalidated:
		return "Invalidated"
	case ValidationUpstreamFailed:
		return "UpstreamFailed"
	default:
		return "Unknown"
	}
}

// ShouldRun is the tri-state run decision a conditional (Temp) job resolves
// from its downstreams, and a non-conditional job resolves from its own
// OutputNeeded.
type ShouldRun int

const (
	ShouldRunMaybe ShouldRun = iota
	ShouldRunYes
	ShouldRunNo
)

func (s ShouldRun) String() string {
	switch s {
	case ShouldRunYes:
		return "Yes"
	case ShouldRunNo:
		return "No"
	default:
		return "Maybe"
	}
}

// Decided reports whether the tri-state has resolved one way or the other.
func (s ShouldRun) Decided() bool {
	return s == ShouldRunYes || s == ShouldRunNo
}

// Status is one job's mutable run record. Table is the only code that
// mutates it; the scheduler only reads it, and job bodies never see it
// directly.
type Status struct {
	JobID string

	State           State
	ValidationState ValidationState
	ShouldRun       ShouldRun

	HistoricalInput  map[string]job.Fingerprint
	HistoricalOutput map[string]job.Fingerprint
	UpdatedInput     map[string]job.Fingerprint
	UpdatedOutput    map[string]job.Fingerprint

	Error error

	StartTime time.Time
	RunTime   time.Duration

	Stdout, Stderr string
}

func newStatus(jobID string) *Status {
	return &Status{
		JobID:            jobID,
		State:            StateWaiting,
		ValidationState:  ValidationUnknown,
		ShouldRun:        ShouldRunMaybe,
		HistoricalInput:  map[string]job.Fingerprint{},
		HistoricalOutput: map[string]job.Fingerprint{},
		UpdatedInput:     map[string]job.Fingerprint{},
		UpdatedOutput:    map[string]job.Fingerprint{},
	}
}

// EventKind tags what happened to a job, for the scheduler's event loop.
type EventKind int

const (
	EventJobReady EventKind = iota
	EventJobSuccess
	EventJobSkipped
	EventJobFailed
	EventJobUpstreamFailed
)

func (k EventKind) String() string {
	switch k {
	case EventJobReady:
		return "JobReady"
	case EventJobSuccess:
		return "JobSuccess"
	case EventJobSkipped:
		return "JobSkipped"
	case EventJobFailed:
		return "JobFailed"
	case EventJobUpstreamFailed:
		return "JobUpstreamFailed"
	default:
		return "Unknown"
	}
}

// Event is one entry in the scheduler's FIFO. Output/Err are populated
// depending on Kind; EventJobReady carries neither, the scheduler looks the
// job up by JobID to dispatch it.
type Event struct {
	Kind   EventKind
	JobID  string
	Output map[string]job.Fingerprint
	Err    error
}
