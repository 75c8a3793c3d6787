// Package pperrors collects the error kinds the scheduler raises, modeled as
// sentinel values and small wrapping types rather than panics.
package pperrors

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel kinds, checked with errors.Is against wrapped diagnostics.
var (
	// ErrNotADag marks graph-structural failures: cycles and self-loops. An
	// output claimed by two jobs is ErrJobOutputConflict instead.
	ErrNotADag = errors.New("pipegraph: graph is not a dag")

	// ErrJobOutputConflict marks two jobs declaring the same output name.
	ErrJobOutputConflict = errors.New("pipegraph: output claimed by more than one job")

	// ErrJobContract marks a job violating its own contract: undeclared
	// output, missing file, forbidden empty output.
	ErrJobContract = errors.New("pipegraph: job violated its output contract")

	// ErrJobExecution marks a job body raising or panicking.
	ErrJobExecution = errors.New("pipegraph: job body failed")

	// ErrJobDied marks a job process that died without producing a
	// recoverable exception (killed by signal, corrupt exception buffer).
	ErrJobDied = errors.New("pipegraph: job process died without a recoverable exception")

	// ErrInternalInvariant marks a scheduler bug: quiescence with
	// non-terminal jobs, a terminal state overwritten.
	ErrInternalInvariant = errors.New("pipegraph: internal invariant violated")

	// ErrHistoryCorrupt marks a history-store record that failed to decode.
	ErrHistoryCorrupt = errors.New("pipegraph: history record is corrupt")
)

// RunFailed is the aggregate error C7 raises at run end when any job failed
// and the caller requested propagation, and also whenever the run was
// cancelled.
type RunFailed struct {
	Failed []string
}

func (e *RunFailed) Error() string {
	return fmt.Sprintf("pipegraph: run failed, %d job(s) failed: %s", len(e.Failed), strings.Join(e.Failed, ", "))
}

// RunFailedInternally wraps ErrInternalInvariant: a bug, not a user error.
type RunFailedInternally struct {
	Reason string
}

func (e *RunFailedInternally) Error() string {
	return fmt.Sprintf("pipegraph: internal invariant violated, this is a bug: %s", e.Reason)
}

func (e *RunFailedInternally) Unwrap() error { return ErrInternalInvariant }

// JobContractError carries the offending job id alongside ErrJobContract.
type JobContractError struct {
	JobID string
	Msg   string
}

func (e *JobContractError) Error() string {
	return fmt.Sprintf("pipegraph: job %s: %s", e.JobID, e.Msg)
}

func (e *JobContractError) Unwrap() error { return ErrJobContract }
