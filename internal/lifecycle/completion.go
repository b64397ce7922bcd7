package lifecycle

import (
	"context"
	"time"

	"github.com/gridcompute/gridcompute/internal/workerpool"
)

// completionLoop drains the worker pool's result channel. A failed job is
// simply untracked: the case stays PROCESSING in the registry and will be
// picked up by reclamation after the grace period, which spec.md §4.5
// treats as equivalent to a silent crash. A successful job is uploaded to
// CA before CR.complete is called, so invariant I3 (a reader never
// observes PROCESSED without the result bytes already present) holds.
func (e *Engine) completionLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case result, ok := <-e.pool.Results():
			if !ok {
				return
			}
			e.handleResult(ctx, result)
		}
	}
}

func (e *Engine) handleResult(ctx context.Context, result workerpool.Result) {
	defer e.tracker.remove(result.CaseID)

	if result.Err != nil {
		log.WithCase(result.CaseID).WithErr(result.Err).Warn("job failed, leaving case for reclamation")
		return
	}

	e.tracker.setPhase(result.CaseID, PhaseUploading)

	if _, err := e.archive.PutResult(result.CaseID, e.cfg.Self.User, e.cfg.Self.Machine, result.OutputArchive); err != nil {
		log.WithCase(result.CaseID).WithErr(err).Warn("uploading result to case archive failed")
		return
	}

	e.tracker.setPhase(result.CaseID, PhaseCompleting)
	ok, err := e.registry.Complete(ctx, result.CaseID, e.cfg.Self, time.Now())
	if err != nil {
		log.WithCase(result.CaseID).WithErr(err).Warn("CR.complete failed")
		return
	}
	if !ok {
		log.WithCase(result.CaseID).Warn("complete rejected, case was reclaimed or already completed by another attempt")
	}
}
