// Package orchestrator implements the Orchestration Facade (OF): the
// per-process object that wires the Case Registry, Case Archive,
// Capability Index, Worker Pool, and Scheduler/Lifecycle Engine together,
// runs the EXPANDED machine-heartbeat upsert and optional Status Surface
// alongside them, and owns the shutdown sequence spec.md §4.6 specifies:
// stop accepting new claims, allow in-flight jobs to finish or be
// cancelled, flush a final heartbeat, close the registry.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/gridcompute/gridcompute/internal/capability"
	"github.com/gridcompute/gridcompute/internal/casearchive"
	"github.com/gridcompute/gridcompute/internal/caseregistry"
	"github.com/gridcompute/gridcompute/internal/gridlog"
	"github.com/gridcompute/gridcompute/internal/lifecycle"
	"github.com/gridcompute/gridcompute/internal/workerpool"
)

var log = gridlog.For("orchestrator")

// Facade is the Orchestration Facade.
type Facade struct {
	registry          *caseregistry.Registry
	archive           *casearchive.Archive
	index             *capability.Index
	pool              *workerpool.Pool
	engine            *lifecycle.Engine
	self              caseregistry.Identity
	heartbeatInterval time.Duration
	statusAddr        string
	subscriber        notifierSubscriber
}

// notifierSubscriber is the receiving side of an optional Change Notifier
// alternate transport (e.g. *notify.AMQPNotifier): a stream of case ids that
// should wake the poll loop early.
type notifierSubscriber interface {
	Subscribe(ctx context.Context) (<-chan string, error)
}

// SetNotifier attaches the optional Change Notifier's publishing side to the
// engine, so submissions and reclamations announce themselves over it in
// addition to the registry's own change feed.
func (f *Facade) SetNotifier(n lifecycle.Notifier) { f.engine.SetNotifier(n) }

// SetSubscriber attaches the optional Change Notifier's receiving side.
// Every case id it emits nudges the poll loop early, the same as a tick
// from the registry's own change feed.
func (f *Facade) SetSubscriber(s notifierSubscriber) { f.subscriber = s }

// SetClaimMissCache attaches the optional claim-miss cache to the engine.
func (f *Facade) SetClaimMissCache(c lifecycle.ClaimMissCache) { f.engine.SetClaimMissCache(c) }

// New wires a Facade from its already-open collaborators. capacity sizes
// the worker pool; scratchRoot is the per-job staging directory root;
// statusAddr enables the Status Surface when non-empty.
func New(cfg lifecycle.Config, registry *caseregistry.Registry, archive *casearchive.Archive, index *capability.Index, capacity int, scratchRoot, statusAddr string) (*Facade, error) {
	pool := workerpool.New(capacity, index, archive, scratchRoot)

	engine, err := lifecycle.New(cfg, registry, archive, index, pool)
	if err != nil {
		return nil, err
	}

	return &Facade{
		registry:          registry,
		archive:           archive,
		index:             index,
		pool:              pool,
		engine:            engine,
		self:              cfg.Self,
		heartbeatInterval: cfg.HeartbeatInterval,
		statusAddr:        statusAddr,
	}, nil
}

// Engine exposes the underlying lifecycle engine, mainly so a CLI
// entrypoint can call Submit on it.
func (f *Facade) Engine() *lifecycle.Engine { return f.engine }

// Run starts every OF-owned task and blocks until ctx is cancelled, then
// runs the shutdown sequence before returning.
func (f *Facade) Run(ctx context.Context) {
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		f.engine.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		f.machineHeartbeatLoop(ctx)
	}()

	if f.subscriber != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.runSubscriber(ctx)
		}()
	}

	var srv *statusServer
	if f.statusAddr != "" {
		srv = newStatusServer(f)
		wg.Add(1)
		go func() {
			defer wg.Done()
			srv.run(f.statusAddr)
		}()
	}

	<-ctx.Done()
	log.Info("shutdown requested, draining in-flight work")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	f.pool.Shutdown(shutdownCtx)

	f.upsertMachine(shutdownCtx, false)

	if srv != nil {
		_ = srv.shutdown(shutdownCtx)
	}

	wg.Wait()

	if err := f.registry.Close(); err != nil {
		log.WithErr(err).Warn("closing case registry connection failed")
	}
}

func (f *Facade) runSubscriber(ctx context.Context) {
	events, err := f.subscriber.Subscribe(ctx)
	if err != nil {
		log.WithErr(err).Warn("change notifier subscribe failed, relying on timer-driven poll")
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-events:
			if !ok {
				return
			}
			f.engine.Nudge()
		}
	}
}

func (f *Facade) machineHeartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(f.heartbeatInterval)
	defer ticker.Stop()

	f.upsertMachine(ctx, true)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.upsertMachine(ctx, true)
		}
	}
}

func (f *Facade) upsertMachine(ctx context.Context, accepting bool) {
	rec := &caseregistry.MachineRecord{
		ID:           f.self.Machine,
		LastSeen:     time.Now(),
		Applications: f.index.SupportedApplications(),
		Accepting:    accepting && f.pool.FreeCapacity() > 0,
	}
	if err := f.registry.UpsertMachine(ctx, rec); err != nil {
		log.WithErr(err).Warn("machine heartbeat upsert failed")
	}
}
