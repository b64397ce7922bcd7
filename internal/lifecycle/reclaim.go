package lifecycle

import (
	"context"
	"time"
)

// reclaimLoop is the reclamation duty: periodically scan PROCESSING
// records in this process's scope and reclaim any whose heartbeat has gone
// stale past the grace period. This is cooperative — any live machine may
// reclaim any other's stalled work, including its own prior attempt after
// a restart.
func (e *Engine) reclaimLoop(ctx context.Context) {
	jitteredTicker(ctx, e.cfg.ReclaimGrace/4, func() {
		e.reclaimOnce(ctx)
	})
}

func (e *Engine) reclaimOnce(ctx context.Context) {
	cutoff := time.Now().Add(-e.cfg.ReclaimGrace)
	stale, err := e.registry.FindReclaimable(ctx, e.cfg.UserGroup, e.cfg.Instance, cutoff)
	if err != nil {
		log.WithErr(err).Warn("findReclaimable failed")
		return
	}

	for _, rec := range stale {
		ok, err := e.registry.Reclaim(ctx, rec.ID, time.Now(), e.cfg.ReclaimGrace)
		if err != nil {
			log.WithCase(rec.ID).WithErr(err).Warn("reclaim failed")
			continue
		}
		if ok {
			log.WithCase(rec.ID).Info("reclaimed stalled case")
			if e.notifier != nil {
				if err := e.notifier.PublishCaseEvent(ctx, rec.ID); err != nil {
					log.WithCase(rec.ID).WithErr(err).Warn("change notifier publish failed, relying on timer-driven poll")
				}
			}
		}
	}
}
