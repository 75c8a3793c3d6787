package exec

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"

	"github.com/pipegraph/pipegraph/internal/fingerprint"
	"github.com/pipegraph/pipegraph/internal/job"
)

// RunChild checks whether this process was re-exec'd to run one isolated
// job body (ChildJobEnv set) and, if so, runs it to completion and calls
// os.Exit itself. cmd/pipegraphd's main calls this before anything else;
// if it returns false, the caller continues its normal startup. reg must be
// built from the same job-construction code the parent used — no job.Job
// value crosses the process boundary, so the child has to reconstruct an
// identical Registry and look up just the one id it was told to run.
func RunChild(reg *Registry) bool {
	id, ok := os.LookupEnv(ChildJobEnv)
	if !ok {
		return false
	}
	ipc := os.NewFile(3, "pipegraph-ipc")
	runChildJob(id, reg, ipc)
	return true
}

func runChildJob(id string, reg *Registry, ipc *os.File) {
	var in inputFrame
	if err := ReadFrame(os.Stdin, &in); err != nil {
		writeCrash(ipc, CrashFrame{Kind: "died", Message: fmt.Sprintf("read input frame: %v", err)})
		os.Exit(1)
	}

	j, ok := reg.Lookup(id)
	if !ok {
		writeCrash(ipc, CrashFrame{Kind: "died", Message: fmt.Sprintf("no job registered for id %q", id)})
		os.Exit(1)
	}

	historicalOutput, err := fingerprint.DecodeMap(in.HistoricalOutput)
	if err != nil {
		writeCrash(ipc, CrashFrame{Kind: "died", Message: fmt.Sprintf("decode historical output: %v", err)})
		os.Exit(1)
	}
	upstream := make(map[string]map[string]job.Fingerprint, len(in.UpstreamHistory))
	for uid, m := range in.UpstreamHistory {
		dec, err := fingerprint.DecodeMap(m)
		if err != nil {
			writeCrash(ipc, CrashFrame{Kind: "died", Message: fmt.Sprintf("decode upstream history for %q: %v", uid, err)})
			os.Exit(1)
		}
		upstream[uid] = dec
	}

	out, crash := runJobBody(j, historicalOutput, upstream)
	if crash != nil {
		writeCrash(ipc, *crash)
		os.Exit(1)
	}

	wireOut, err := fingerprint.EncodeMap(out)
	if err != nil {
		writeCrash(ipc, CrashFrame{Kind: "died", Message: fmt.Sprintf("encode output: %v", err)})
		os.Exit(1)
	}
	if err := WriteFrame(ipc, outputFrame{Outputs: wireOut}); err != nil {
		os.Exit(1)
	}
	os.Exit(0)
}

// runJobBody recovers a panic the same way runInProcess does, converting it
// to a CrashFrame instead of a wrapped error since it must cross the IPC
// boundary back to the parent.
func runJobBody(j job.Job, historicalOutput map[string]job.Fingerprint, upstream map[string]map[string]job.Fingerprint) (out map[string]job.Fingerprint, crash *CrashFrame) {
	defer func() {
		if rec := recover(); rec != nil {
			crash = &CrashFrame{Kind: "panic", Message: fmt.Sprintf("%v", rec), Frames: []string{string(debug.Stack())}}
		}
	}()
	r := newRemoteRunner(context.Background(), upstream)
	result, err := j.Run(context.Background(), r, historicalOutput)
	if err != nil {
		return nil, &CrashFrame{Kind: "job_error", Message: err.Error()}
	}
	return result, nil
}

func writeCrash(ipc *os.File, cf CrashFrame) {
	_ = WriteFrame(ipc, outputFrame{Crash: &cf})
}
