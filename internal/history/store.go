// Package history implements C1: the on-disk record of each job's last
// input and output fingerprints, loaded once at run start and rewritten once
// at run end. Grounded on services/orchestrator/persistence.go's
// WorkflowStore, adapted from a live multi-workflow cache-and-index store to
// the single load/save-per-run shape spec.md describes.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/pipegraph/pipegraph/internal/fingerprint"
	"github.com/pipegraph/pipegraph/internal/job"
	"github.com/pipegraph/pipegraph/internal/pperrors"
	"github.com/pipegraph/pipegraph/internal/status"
)

var (
	bucketHistory         = []byte("history")
	bucketHistoryVersions = []byte("history_versions")
)

// maxVersions bounds the archived-version trail kept per job. This is an
// operability aid for post-mortem inspection; the scheduler itself never
// reads bucketHistoryVersions.
const maxVersions = 5

// Store is the bbolt-backed C1 history store: one row per job id in
// bucketHistory, holding that job's most recently committed (input, output)
// fingerprint pair.
type Store struct {
	db *bbolt.DB

	readLatency  metric.Float64Histogram
	writeLatency metric.Float64Histogram
}

// Open opens (creating if absent) the bbolt file at path and ensures both
// buckets exist. meter may be nil, in which case latency is not recorded.
func Open(path string, meter metric.Meter) (*Store, error) {
	opts := &bbolt.Options{
		Timeout:      time.Second,
		NoSync:       false,
		FreelistType: bbolt.FreelistArrayType,
	}
	db, err := bbolt.Open(path, 0600, opts)
	if err != nil {
		return nil, fmt.Errorf("history: open %s: %w", path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketHistory, bucketHistoryVersions} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("history: create buckets: %w", err)
	}

	s := &Store{db: db}
	if meter != nil {
		s.readLatency, _ = meter.Float64Histogram("pipegraph_history_read_ms")
		s.writeLatency, _ = meter.Float64Histogram("pipegraph_history_write_ms")
	}
	return s, nil
}

// Close releases the underlying file.
func (s *Store) Close() error {
	return s.db.Close()
}

// wireRecord is the JSON shape stored under a job's key in bucketHistory and
// bucketHistoryVersions: fingerprint.EncodeMap's per-name envelopes for both
// the input and output sides of one Record.
type wireRecord struct {
	Input  map[string]json.RawMessage `json:"input"`
	Output map[string]json.RawMessage `json:"output"`
}

// Load reads every job's persisted record and splits it into the
// (historicalInput, historicalOutput) maps status.NewTable expects. A job
// with no entry is simply absent from both maps — status.NewTable treats
// that the same as an empty history.
func (s *Store) Load(ctx context.Context) (historicalInput, historicalOutput map[string]map[string]job.Fingerprint, err error) {
	start := time.Now()
	defer s.record(ctx, s.readLatency, start, "load")

	in := make(map[string]map[string]job.Fingerprint)
	out := make(map[string]map[string]job.Fingerprint)

	err = s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketHistory)
		return b.ForEach(func(k, v []byte) error {
			rec, err := decodeWireRecord(v)
			if err != nil {
				return fmt.Errorf("%w: job %q: %v", pperrors.ErrHistoryCorrupt, k, err)
			}
			id := string(k)
			in[id] = rec.Input
			out[id] = rec.Output
			return nil
		})
	})
	if err != nil {
		return nil, nil, err
	}
	return in, out, nil
}

// Save persists every record from a finished run in a single transaction,
// archiving each job's previous value into bucketHistoryVersions first —
// the teacher's PutWorkflow versioning-before-overwrite pattern, run once
// per job per call rather than once per individual write. Because this is
// one bbolt transaction, it commits atomically: a crash mid-Save leaves the
// prior run's history exactly as it was, satisfying the "crash mid-run
// preserves last committed history" contract without a separate
// write-ahead file.
func (s *Store) Save(ctx context.Context, records map[string]status.Record) error {
	start := time.Now()
	defer s.record(ctx, s.writeLatency, start, "save")

	return s.db.Update(func(tx *bbolt.Tx) error {
		hist := tx.Bucket(bucketHistory)
		versions := tx.Bucket(bucketHistoryVersions)

		for id, rec := range records {
			wireIn, err := fingerprint.EncodeMap(rec.Input)
			if err != nil {
				return fmt.Errorf("history: encode job %q input: %w", id, err)
			}
			wireOut, err := fingerprint.EncodeMap(rec.Output)
			if err != nil {
				return fmt.Errorf("history: encode job %q output: %w", id, err)
			}
			data, err := json.Marshal(wireRecord{Input: wireIn, Output: wireOut})
			if err != nil {
				return fmt.Errorf("history: marshal job %q: %w", id, err)
			}

			if prev := hist.Get([]byte(id)); prev != nil {
				if err := archiveVersion(versions, id, prev); err != nil {
					return err
				}
			}
			if err := hist.Put([]byte(id), data); err != nil {
				return fmt.Errorf("history: write job %q: %w", id, err)
			}
		}
		return nil
	})
}

func archiveVersion(versions *bbolt.Bucket, id string, prev []byte) error {
	key := fmt.Sprintf("%s:%020d", id, time.Now().UnixNano())
	if err := versions.Put([]byte(key), prev); err != nil {
		return fmt.Errorf("history: archive version for %q: %w", id, err)
	}
	return pruneVersions(versions, id)
}

// pruneVersions keeps only the newest maxVersions entries for id. Keys are
// zero-padded nanosecond timestamps, so lexicographic and chronological
// order coincide.
func pruneVersions(versions *bbolt.Bucket, id string) error {
	prefix := []byte(id + ":")
	var keys [][]byte
	c := versions.Cursor()
	for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
		keys = append(keys, append([]byte(nil), k...))
	}
	if len(keys) <= maxVersions {
		return nil
	}
	for _, k := range keys[:len(keys)-maxVersions] {
		if err := versions.Delete(k); err != nil {
			return fmt.Errorf("history: prune version for %q: %w", id, err)
		}
	}
	return nil
}

// Versions returns up to limit of a job's archived prior records, newest
// first. Like GetWorkflowVersions, this is an inspection aid — nothing in
// internal/status or internal/scheduler calls it.
func (s *Store) Versions(jobID string, limit int) ([]status.Record, error) {
	var out []status.Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		versions := tx.Bucket(bucketHistoryVersions)
		prefix := []byte(jobID + ":")

		var keys [][]byte
		c := versions.Cursor()
		for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}

		for i := len(keys) - 1; i >= 0 && len(out) < limit; i-- {
			rec, err := decodeWireRecord(versions.Get(keys[i]))
			if err != nil {
				continue
			}
			out = append(out, status.Record{Input: rec.Input, Output: rec.Output})
		}
		return nil
	})
	return out, err
}

// Stats mirrors WorkflowStore.GetStats: bucket key counts plus db size, for
// a run's closing diagnostics.
func (s *Store) Stats() map[string]interface{} {
	stats := make(map[string]interface{})
	s.db.View(func(tx *bbolt.Tx) error {
		stats["db_size_bytes"] = tx.Size()
		for _, b := range [][]byte{bucketHistory, bucketHistoryVersions} {
			if bucket := tx.Bucket(b); bucket != nil {
				stats[string(b)+"_count"] = bucket.Stats().KeyN
			}
		}
		return nil
	})
	return stats
}

func decodeWireRecord(data []byte) (status.Record, error) {
	var wr wireRecord
	if err := json.Unmarshal(data, &wr); err != nil {
		return status.Record{}, err
	}
	in, err := fingerprint.DecodeMap(wr.Input)
	if err != nil {
		return status.Record{}, err
	}
	out, err := fingerprint.DecodeMap(wr.Output)
	if err != nil {
		return status.Record{}, err
	}
	return status.Record{Input: in, Output: out}, nil
}

func (s *Store) record(ctx context.Context, h metric.Float64Histogram, start time.Time, op string) {
	if h == nil {
		return
	}
	h.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attribute.String("operation", op)))
}

func hasPrefix(data, prefix []byte) bool {
	if len(data) < len(prefix) {
		return false
	}
	for i := range prefix {
		if data[i] != prefix[i] {
			return false
		}
	}
	return true
}
