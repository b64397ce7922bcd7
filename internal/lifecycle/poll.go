package lifecycle

import (
	"context"
	"math/rand"
	"time"

	"github.com/gridcompute/gridcompute/internal/caseregistry"
	"github.com/gridcompute/gridcompute/internal/workerpool"
)

// pollLoop is the poll & claim loop: on every timer tick, or every advisory
// wake from the change feed, it asks the registry for claimable work
// scoped to this machine's supported applications and attempts to claim as
// much of it as the worker pool has room for.
func (e *Engine) pollLoop(ctx context.Context) {
	wake := e.registry.WatchClaimable(ctx)
	next := func() time.Duration {
		return e.cfg.PollInterval + time.Duration(rand.Int63n(int64(e.cfg.PollInterval)/5))
	}
	timer := time.NewTimer(next())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			e.pollOnce(ctx)
			timer.Reset(next())
		case _, ok := <-wake:
			if !ok {
				wake = nil
				continue
			}
			e.pollOnce(ctx)
		case <-e.externalWake:
			e.pollOnce(ctx)
		}
	}
}

func (e *Engine) pollOnce(ctx context.Context) {
	apps := e.index.SupportedApplications()
	if len(apps) == 0 {
		return
	}

	candidates, err := e.registry.FindClaimable(ctx, e.cfg.UserGroup, e.cfg.Instance, apps)
	if err != nil {
		log.WithErr(err).Warn("findClaimable failed")
		return
	}

	for _, rec := range candidates {
		if e.pool.FreeCapacity() <= 0 {
			return
		}
		if e.missCache != nil && e.missCache.RecentlyLost(ctx, rec.ID) {
			continue
		}
		e.attemptClaim(ctx, rec)
	}
}

// attemptClaim tries to claim rec; a lost race is silently skipped, exactly
// as spec.md §4.4 specifies, and remembered in the claim-miss cache so the
// next tick does not retry it immediately.
func (e *Engine) attemptClaim(ctx context.Context, rec *caseregistry.Record) {
	ok, err := e.registry.Claim(ctx, rec.ID, e.cfg.Self, time.Now(), e.cfg.MaxAttempts)
	if err != nil {
		log.WithCase(rec.ID).WithErr(err).Warn("claim failed")
		return
	}
	if !ok {
		if e.missCache != nil {
			ttl := e.cfg.ClaimMissTTL
			if ttl <= 0 {
				ttl = e.cfg.PollInterval
			}
			e.missCache.MarkLost(ctx, rec.ID, ttl)
		}
		return
	}

	e.tracker.add(rec.ID, rec.Application, rec.Path)
	e.tracker.setPhase(rec.ID, PhaseRunning)

	submitted := e.pool.Submit(workerpool.JobDescriptor{
		CaseID:      rec.ID,
		Application: rec.Application,
		InputPath:   rec.Path,
	})
	if !submitted {
		// Should not happen: FreeCapacity() was checked just before Claim.
		// Release the claim rather than leave the case stuck until G expires.
		log.WithCase(rec.ID).Warn("worker pool rejected claimed case, releasing")
		e.tracker.remove(rec.ID)
		// grace is negative so the reclaim precondition (now - lastHeartbeat
		// > grace) holds immediately: we just set that heartbeat ourselves.
		if _, err := e.registry.Reclaim(ctx, rec.ID, time.Now(), -time.Second); err != nil {
			log.WithCase(rec.ID).WithErr(err).Warn("failed to release unsubmitted claim")
		}
	}
}
