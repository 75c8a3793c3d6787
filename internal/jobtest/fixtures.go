// Package jobtest provides job.Job implementations grounded on
// original_source/jobs.py's FileGeneratingJob, TempFileGeneratingJob and
// ParameterInvariant, supplied as reusable test fixtures rather than
// reimplemented ad hoc by every package's own test file (the status and
// scheduler packages keep their own minimal valueJob/fixtureJob precisely
// because they predate this package and don't need file-backed behavior;
// anything that needs a real on-disk output belongs here instead).
package jobtest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/pipegraph/pipegraph/internal/fingerprint"
	"github.com/pipegraph/pipegraph/internal/job"
	"github.com/pipegraph/pipegraph/internal/pperrors"
)

// FileGeneratingJob writes one file and fingerprints it by content hash,
// the Go analogue of jobs.py's FileGeneratingJob (a MultiFileGeneratingJob
// of one file). Generate receives the path to write; the job unlinks any
// pre-existing file at Path before calling it, per spec.md §4.6's
// post-condition that pre-existing output files are unlinked before running.
type FileGeneratingJob struct {
	Path          string
	Generate      func(path string) error
	ResourceClass job.Resources
	EmptyOK       bool
}

func (j *FileGeneratingJob) ID() string                         { return j.Path }
func (j *FileGeneratingJob) Outputs() []string                  { return []string{j.Path} }
func (j *FileGeneratingJob) Kind() job.Kind                     { return job.KindOutput }
func (j *FileGeneratingJob) IsConditional() bool                { return false }
func (j *FileGeneratingJob) CleanupFactory() job.CleanupFactory { return nil }

// Resources defaults to SingleCore (its zero value) when unset.
func (j *FileGeneratingJob) Resources() job.Resources { return j.ResourceClass }

// OutputNeeded matches the default reasoning every Output-kind job in this
// repo uses: needed unless a prior run already recorded this output.
func (j *FileGeneratingJob) OutputNeeded(r job.Runner) bool {
	_, ok := r.HistoricalOutput(j.ID())
	return !ok
}

func (j *FileGeneratingJob) CompareHashes(old, new job.Fingerprint) bool {
	of, ok1 := old.(fingerprint.FileFingerprint)
	nf, ok2 := new.(fingerprint.FileFingerprint)
	return ok1 && ok2 && of.Equal(nf)
}

func (j *FileGeneratingJob) Run(_ context.Context, _ job.Runner, _ map[string]job.Fingerprint) (map[string]job.Fingerprint, error) {
	_ = os.Remove(j.Path)
	if err := j.Generate(j.Path); err != nil {
		return nil, err
	}
	fp, err := hashFile(j.Path)
	if err != nil {
		return nil, err
	}
	if !j.EmptyOK && fp.Size == 0 {
		return nil, fmt.Errorf("%w: %s: empty_ok is false but the job produced an empty file", pperrors.ErrJobContract, j.Path)
	}
	return map[string]job.Fingerprint{j.Path: fp}, nil
}

// FilePaths implements the exec.FilePathJob capability so the execution
// backend can stat the output directly rather than round-tripping through
// an isolated child a second time just to fill size/mtime hints.
func (j *FileGeneratingJob) FilePaths() map[string]string {
	return map[string]string{j.Path: j.Path}
}

// TempFileGeneratingJob is jobs.py's TempFileGeneratingJob: a Temp-kind file
// output whose should-run decision is conditional on its downstreams (§4.4),
// evaluated through the DAG extender's probe on its behalf rather than by
// this type's own OutputNeeded, which the engine never actually calls for a
// conditional job (see internal/graph's probeJob doc comment).
type TempFileGeneratingJob struct {
	FileGeneratingJob
}

func (j *TempFileGeneratingJob) Kind() job.Kind      { return job.KindTemp }
func (j *TempFileGeneratingJob) IsConditional() bool { return true }

// ParameterInvariant is jobs.py's ParameterInvariant: an Invariant-kind job
// whose fingerprint is the parameters' own string representation, always
// needed, never isolated.
type ParameterInvariant struct {
	Name       string
	Parameters fmt.Stringer
}

func (p *ParameterInvariant) ID() string                   { return "PI" + p.Name }
func (p *ParameterInvariant) Outputs() []string             { return []string{p.ID()} }
func (p *ParameterInvariant) Kind() job.Kind                { return job.KindInvariant }
func (p *ParameterInvariant) Resources() job.Resources      { return job.ResourcesRunsHere }
func (p *ParameterInvariant) IsConditional() bool           { return false }
func (p *ParameterInvariant) OutputNeeded(job.Runner) bool  { return true }
func (p *ParameterInvariant) CompareHashes(old, new job.Fingerprint) bool {
	oldStr, _ := old.(string)
	newStr, _ := new.(string)
	return oldStr == newStr
}
func (p *ParameterInvariant) Run(_ context.Context, _ job.Runner, _ map[string]job.Fingerprint) (map[string]job.Fingerprint, error) {
	return map[string]job.Fingerprint{p.ID(): p.Parameters.String()}, nil
}
func (p *ParameterInvariant) CleanupFactory() job.CleanupFactory { return nil }

func hashFile(path string) (fingerprint.FileFingerprint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return fingerprint.FileFingerprint{}, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return fingerprint.FileFingerprint{}, err
	}
	sum := sha256.Sum256(data)
	return fingerprint.FileFingerprint{
		Hash:    hex.EncodeToString(sum[:]),
		Size:    info.Size(),
		ModTime: info.ModTime(),
	}, nil
}
