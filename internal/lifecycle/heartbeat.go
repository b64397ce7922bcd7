package lifecycle

import (
	"context"
	"time"
)

// heartbeatLoop runs on its own dedicated timer so heartbeat emission is
// never starved by the poll loop's longer-running CR scans (spec.md §5).
// It skips cases already settled into uploading or completing, since those
// are racing to finish rather than continuing to run.
func (e *Engine) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.heartbeatOnce(ctx)
		}
	}
}

func (e *Engine) heartbeatOnce(ctx context.Context) {
	for _, caseID := range e.tracker.list() {
		tc, ok := e.tracker.get(caseID)
		if !ok || tc.phase.settled() {
			continue
		}

		ok, err := e.registry.Heartbeat(ctx, caseID, e.cfg.Self, time.Now())
		if err != nil {
			log.WithCase(caseID).WithErr(err).Warn("heartbeat failed")
			continue
		}
		if ok {
			continue
		}

		// The claim was reclaimed or the record vanished. Cancel the
		// in-flight adapter invocation best-effort; the completion loop
		// still decides the final outcome via the registry's own CAS
		// precondition: a result lands only if the record still names this
		// machine as current, so it never double-completes a case someone
		// else now owns. A completion already past that CAS is not undone
		// here.
		e.tracker.setPhase(caseID, PhaseCancelling)
		e.pool.Cancel(caseID)
	}
}
