package pipegraph

import (
	"context"
	"sync"
	"time"
)

// CancelHandle is a single run's cancellation switch, modeled on
// services/orchestrator/cancellation.go's CancellationManager but scoped to
// the one run that owns it rather than a registry of concurrent workflows —
// this engine runs one graph at a time (§5), so there is nothing to key by
// workflow id.
type CancelHandle struct {
	mu          sync.Mutex
	cancelFn    context.CancelFunc
	cancelled   bool
	reason      string
	cancelledAt time.Time
}

func newCancelHandle(cancelFn context.CancelFunc) *CancelHandle {
	return &CancelHandle{cancelFn: cancelFn}
}

// cancel records reason and the current time before invoking the
// context.CancelFunc, so a racing Cancelled() call always sees a consistent
// (reason, time) pair once cancelled is true.
func (h *CancelHandle) cancel(reason string) {
	h.mu.Lock()
	if h.cancelled {
		h.mu.Unlock()
		return
	}
	h.cancelled = true
	h.reason = reason
	h.cancelledAt = time.Now()
	h.mu.Unlock()
	h.cancelFn()
}

// Cancelled reports whether this handle's run was cancelled, and if so, the
// reason given and when.
func (h *CancelHandle) Cancelled() (reason string, at time.Time, cancelled bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reason, h.cancelledAt, h.cancelled
}
