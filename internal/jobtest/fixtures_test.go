package jobtest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pipegraph/pipegraph/internal/fingerprint"
	"github.com/pipegraph/pipegraph/internal/job"
)

func TestFileGeneratingJobWritesAndFingerprints(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.txt")

	j := &FileGeneratingJob{
		Path: path,
		Generate: func(p string) error {
			return os.WriteFile(p, []byte("hello"), 0o644)
		},
	}

	out, err := j.Run(nil, nil, nil)
	require.NoError(t, err)
	fp, ok := out[path].(fingerprint.FileFingerprint)
	require.True(t, ok)
	assert.NotEmpty(t, fp.Hash)
	assert.Equal(t, int64(5), fp.Size)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestFileGeneratingJobRejectsEmptyWhenNotOK(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.txt")

	j := &FileGeneratingJob{
		Path:    path,
		EmptyOK: false,
		Generate: func(p string) error {
			return os.WriteFile(p, nil, 0o644)
		},
	}

	_, err := j.Run(nil, nil, nil)
	require.Error(t, err)
}

func TestFileGeneratingJobRemovesPreExistingOutput(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.txt")
	require.NoError(t, os.WriteFile(path, []byte("stale"), 0o644))

	calledWithMissing := false
	j := &FileGeneratingJob{
		Path: path,
		Generate: func(p string) error {
			if _, err := os.Stat(p); os.IsNotExist(err) {
				calledWithMissing = true
			}
			return os.WriteFile(p, []byte("fresh"), 0o644)
		},
	}

	_, err := j.Run(nil, nil, nil)
	require.NoError(t, err)
	assert.True(t, calledWithMissing)
}

func TestTempFileGeneratingJobIsConditional(t *testing.T) {
	j := &TempFileGeneratingJob{FileGeneratingJob{Path: "x"}}
	assert.Equal(t, job.KindTemp, j.Kind())
	assert.True(t, j.IsConditional())
}

type stringer string

func (s stringer) String() string { return string(s) }

func TestParameterInvariantFingerprintsParameters(t *testing.T) {
	p := &ParameterInvariant{Name: "threshold", Parameters: stringer("0.8")}
	out, err := p.Run(nil, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "0.8", out[p.ID()])
	assert.True(t, p.OutputNeeded(nil))
}
