package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	noopmetric "go.opentelemetry.io/otel/metric/noop"

	"github.com/pipegraph/pipegraph/internal/fingerprint"
	"github.com/pipegraph/pipegraph/internal/job"
	"github.com/pipegraph/pipegraph/internal/status"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	mp := noopmetric.MeterProvider{}
	s, err := Open(filepath.Join(t.TempDir(), "history.db"), mp.Meter("test"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	records := map[string]status.Record{
		"a": {
			Input:  map[string]job.Fingerprint{},
			Output: map[string]job.Fingerprint{"a": "content-a"},
		},
		"b": {
			Input:  map[string]job.Fingerprint{"a": "content-a"},
			Output: map[string]job.Fingerprint{"b": fingerprint.FileFingerprint{Hash: "deadbeef", Size: 42}},
		},
	}

	require.NoError(t, s.Save(ctx, records))

	in, out, err := s.Load(ctx)
	require.NoError(t, err)

	assert.Equal(t, map[string]job.Fingerprint{}, in["a"])
	assert.Equal(t, job.Fingerprint("content-a"), out["a"]["a"])
	assert.Equal(t, job.Fingerprint("content-a"), in["b"]["a"])
	assert.Equal(t, fingerprint.FileFingerprint{Hash: "deadbeef", Size: 42}, out["b"]["b"])
}

func TestLoadOnEmptyStoreReturnsEmptyMaps(t *testing.T) {
	s := openTestStore(t)
	in, out, err := s.Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, in)
	assert.Empty(t, out)
}

func TestSaveArchivesPreviousVersion(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, map[string]status.Record{
		"a": {Output: map[string]job.Fingerprint{"a": "v1"}},
	}))
	require.NoError(t, s.Save(ctx, map[string]status.Record{
		"a": {Output: map[string]job.Fingerprint{"a": "v2"}},
	}))

	_, out, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, job.Fingerprint("v2"), out["a"]["a"])

	versions, err := s.Versions("a", 10)
	require.NoError(t, err)
	require.Len(t, versions, 1)
	assert.Equal(t, job.Fingerprint("v1"), versions[0].Output["a"])
}

func TestSaveKeepsOnlyMaxVersions(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < maxVersions+3; i++ {
		require.NoError(t, s.Save(ctx, map[string]status.Record{
			"a": {Output: map[string]job.Fingerprint{"a": itoaHist(i)}},
		}))
		// bbolt version keys are nanosecond timestamps; force distinct values.
		time.Sleep(time.Microsecond)
	}

	versions, err := s.Versions("a", 100)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(versions), maxVersions)
}

func TestStatsReportsBucketCounts(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Save(context.Background(), map[string]status.Record{
		"a": {Output: map[string]job.Fingerprint{"a": "v"}},
	}))

	stats := s.Stats()
	assert.Equal(t, 1, stats["history_count"])
}

func TestCloseThenReopenPreservesHistory(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "history.db")
	mp := noopmetric.MeterProvider{}

	s1, err := Open(path, mp.Meter("test"))
	require.NoError(t, err)
	require.NoError(t, s1.Save(context.Background(), map[string]status.Record{
		"a": {Output: map[string]job.Fingerprint{"a": "persisted"}},
	}))
	require.NoError(t, s1.Close())

	s2, err := Open(path, mp.Meter("test"))
	require.NoError(t, err)
	defer s2.Close()

	_, out, err := s2.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, job.Fingerprint("persisted"), out["a"]["a"])
}

func itoaHist(n int) string {
	digits := "0123456789"
	if n == 0 {
		return "0"
	}
	var buf []byte
	for n > 0 {
		buf = append([]byte{digits[n%10]}, buf...)
		n /= 10
	}
	return string(buf)
}
