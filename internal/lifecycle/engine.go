// Package lifecycle implements the Scheduler / Lifecycle Engine: the poll
// and claim loop, heartbeat duty, completion path, reclamation duty, result
// retrieval, and submission described in spec.md §4.4, running as a set of
// independent concurrent tasks per spec.md §5's scheduling model.
package lifecycle

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/gridcompute/gridcompute/internal/capability"
	"github.com/gridcompute/gridcompute/internal/caseregistry"
	"github.com/gridcompute/gridcompute/internal/gridfault"
	"github.com/gridcompute/gridcompute/internal/gridlog"
	"github.com/gridcompute/gridcompute/internal/workerpool"
)

var log = gridlog.For("lifecycle")

// CaseRegistry is the subset of *caseregistry.Registry the engine depends
// on, narrowed to an interface so the engine can be tested against a fake.
type CaseRegistry interface {
	FindClaimable(ctx context.Context, userGroup, instance string, applications []string) ([]*caseregistry.Record, error)
	FindReclaimable(ctx context.Context, userGroup, instance string, cutoff time.Time) ([]*caseregistry.Record, error)
	FindProcessedForOriginator(ctx context.Context, self string) ([]*caseregistry.Record, error)
	Claim(ctx context.Context, id string, who caseregistry.Identity, now time.Time, maxAttempts int) (bool, error)
	Heartbeat(ctx context.Context, id string, who caseregistry.Identity, now time.Time) (bool, error)
	Complete(ctx context.Context, id string, who caseregistry.Identity, now time.Time) (bool, error)
	Reclaim(ctx context.Context, id string, now time.Time, grace time.Duration) (bool, error)
	MarkReceived(ctx context.Context, id string, now time.Time) (bool, error)
	Insert(ctx context.Context, rec *caseregistry.Record) error
	WatchClaimable(ctx context.Context) <-chan struct{}
}

// CaseArchive is the subset of *casearchive.Archive the engine depends on.
type CaseArchive interface {
	PutInput(caseID, user, machine string, data []byte) (string, error)
	GetInput(path string) ([]byte, error)
	PutResult(caseID, user, machine string, data []byte) (string, error)
	GetResult(path string) ([]byte, error)
}

// CapabilityIndex is the subset of *capability.Index the engine depends on.
type CapabilityIndex interface {
	SupportedApplications() []string
	Adapter(application string) (capability.ApplicationAdapter, bool)
}

// WorkerPool is the subset of *workerpool.Pool the engine depends on.
type WorkerPool interface {
	Submit(job workerpool.JobDescriptor) bool
	Results() <-chan workerpool.Result
	FreeCapacity() int
	Cancel(caseID string)
}

// Notifier is the Change Notifier's optional publishing side: an alternate,
// lower-latency transport (e.g. AMQP fanout) a submission can additionally
// announce itself over, alongside the always-on CouchDB `_changes` feed. A
// nil Notifier simply means only the registry's own feed is used.
type Notifier interface {
	PublishCaseEvent(ctx context.Context, caseID string) error
}

// ClaimMissCache is the optional claim-miss cache: a hint that this machine
// just lost a claim race on a case, so the poll loop can skip re-attempting
// it until the hint expires. A nil ClaimMissCache means every candidate is
// always attempted.
type ClaimMissCache interface {
	RecentlyLost(ctx context.Context, caseID string) bool
	MarkLost(ctx context.Context, caseID string, ttl time.Duration)
}

// Config holds the per-process parameters SLE needs beyond its
// collaborators: identity, scope, and timing.
type Config struct {
	Self              caseregistry.Identity
	UserGroup         string
	Instance          string
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	ReclaimGrace      time.Duration
	MaxAttempts       int           // 0 = unlimited
	ScratchRoot       string        // staging directory for receive/submission archives
	ClaimMissTTL      time.Duration // how long a lost claim is skipped; 0 = PollInterval
}

// Engine is the Scheduler / Lifecycle Engine.
type Engine struct {
	cfg          Config
	registry     CaseRegistry
	archive      CaseArchive
	index        CapabilityIndex
	pool         WorkerPool
	tracker      *phaseTracker
	notifier     Notifier
	missCache    ClaimMissCache
	externalWake chan struct{}
}

// New constructs an Engine, refusing to proceed if the heartbeat/grace
// boundary invariant from spec.md §5 (H < G/2) does not hold.
func New(cfg Config, registry CaseRegistry, archive CaseArchive, index CapabilityIndex, pool WorkerPool) (*Engine, error) {
	if cfg.HeartbeatInterval*2 >= cfg.ReclaimGrace {
		return nil, gridfault.New(gridfault.ConfigInvalid, "", fmt.Errorf(
			"heartbeat interval %s must be less than half the reclaim grace %s", cfg.HeartbeatInterval, cfg.ReclaimGrace))
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	return &Engine{
		cfg:          cfg,
		registry:     registry,
		archive:      archive,
		index:        index,
		pool:         pool,
		tracker:      newPhaseTracker(),
		externalWake: make(chan struct{}, 1),
	}, nil
}

// SetNotifier attaches the optional Change Notifier publishing side. Safe to
// call once before Run; not safe to change concurrently with a running poll
// loop.
func (e *Engine) SetNotifier(n Notifier) { e.notifier = n }

// SetClaimMissCache attaches the optional claim-miss cache. Safe to call
// once before Run.
func (e *Engine) SetClaimMissCache(c ClaimMissCache) { e.missCache = c }

// Nudge wakes the poll loop early, the same way an advisory tick from the
// registry's own change feed would. It is the entry point an AMQP
// subscriber (or any other external wake source) uses to shorten discovery
// latency without bypassing the authoritative timer-driven poll.
func (e *Engine) Nudge() {
	select {
	case e.externalWake <- struct{}{}:
	default:
	}
}

// Run starts every SLE duty as an independent task and blocks until ctx is
// cancelled, then waits for all of them to exit.
func (e *Engine) Run(ctx context.Context) {
	var wg sync.WaitGroup
	tasks := []func(context.Context){
		e.pollLoop,
		e.heartbeatLoop,
		e.reclaimLoop,
		e.completionLoop,
		e.receiveLoop,
	}
	for _, task := range tasks {
		wg.Add(1)
		go func(fn func(context.Context)) {
			defer wg.Done()
			fn(ctx)
		}(task)
	}
	<-ctx.Done()
	wg.Wait()
}

// TrackedCases returns a snapshot of every case this engine currently holds
// locally, for the Status Surface's "my current processes" projection.
func (e *Engine) TrackedCases() []TrackedCase {
	ids := e.tracker.list()
	out := make([]TrackedCase, 0, len(ids))
	for _, id := range ids {
		tc, ok := e.tracker.get(id)
		if !ok {
			continue
		}
		out = append(out, TrackedCase{CaseID: id, Application: tc.application, Phase: tc.phase, StartedAt: tc.startedAt})
	}
	return out
}

// jitteredTicker fires every interval plus up to 20% random jitter, per
// spec.md §4.4's "periodic, jittered" poll cadence. It runs until ctx is
// cancelled, calling fire synchronously on each tick.
func jitteredTicker(ctx context.Context, interval time.Duration, fire func()) {
	for {
		jitter := time.Duration(rand.Int63n(int64(interval) / 5))
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval + jitter):
			fire()
		}
	}
}
