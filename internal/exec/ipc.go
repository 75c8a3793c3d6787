package exec

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// maxFrameBytes bounds a single IPC frame, guarding against a runaway child
// (or a parent bug) trying to allocate an unbounded buffer from a corrupt
// length header.
const maxFrameBytes = 64 << 20

// WriteFrame writes v as a length-prefixed JSON frame: a 4-byte big-endian
// length header followed by the JSON payload. This is the structured,
// length-prefixed framing spec.md's REDESIGN FLAGS calls for in place of a
// pickled-exception stream, applied here to the whole parent/child IPC
// channel rather than only the crash path.
func WriteFrame(w io.Writer, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("exec: marshal frame: %w", err)
	}
	if len(data) > maxFrameBytes {
		return fmt.Errorf("exec: frame of %d bytes exceeds %d byte limit", len(data), maxFrameBytes)
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(data)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("exec: write frame header: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("exec: write frame payload: %w", err)
	}
	return nil
}

// ReadFrame is the inverse of WriteFrame.
func ReadFrame(r io.Reader, v interface{}) error {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return fmt.Errorf("exec: read frame header: %w", err)
	}
	n := binary.BigEndian.Uint32(header[:])
	if n > maxFrameBytes {
		return fmt.Errorf("exec: frame of %d bytes exceeds %d byte limit", n, maxFrameBytes)
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return fmt.Errorf("exec: read frame payload: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("exec: unmarshal frame: %w", err)
	}
	return nil
}

// CrashFrame is the structured, language-independent crash report an
// isolated child sends in place of a pickled exception. Kind distinguishes
// a recovered panic from a job body returning an error from one that died
// outright (decode failure, missing registry entry). Frames holds stack
// trace lines.
//
// CapturedLocals exists for schema parity with spec.md's redesigned frame
// shape (kind, message, frames[], captured_locals[]) but stays empty here:
// Go's runtime does not expose local variables for an arbitrary stack frame
// the way a Python traceback object does, so there is nothing honest to put
// in it.
type CrashFrame struct {
	Kind           string   `json:"kind"`
	Message        string   `json:"message"`
	Frames         []string `json:"frames,omitempty"`
	CapturedLocals []string `json:"captured_locals,omitempty"`
}

// inputFrame is the single frame a parent writes to a child's stdin at
// startup: the job to run, its own historical output (the same shape
// Job.Run's historicalOutput parameter expects), and a snapshot of every
// other job's last recorded output for Runner.HistoricalOutput lookups by
// id.
type inputFrame struct {
	JobID            string                                 `json:"job_id"`
	HistoricalOutput map[string]json.RawMessage             `json:"historical_output"`
	UpstreamHistory  map[string]map[string]json.RawMessage `json:"upstream_history"`
}

// outputFrame is the single frame a child writes back over its IPC pipe:
// either a successful output map or a crash, never both.
type outputFrame struct {
	Outputs map[string]json.RawMessage `json:"outputs,omitempty"`
	Crash   *CrashFrame                `json:"crash,omitempty"`
}
