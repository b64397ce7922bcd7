// Package workerpool implements the Worker Pool: bounded concurrent
// execution of adapter process invocations on the local machine, with a
// per-job scratch directory lifecycle and an operation-state ledger for the
// status surface.
package workerpool

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/gridcompute/gridcompute/internal/capability"
	"github.com/gridcompute/gridcompute/internal/casearchive"
	"github.com/gridcompute/gridcompute/internal/gridfault"
	"github.com/gridcompute/gridcompute/internal/gridlog"
)

var log = gridlog.For("workerpool")

// JobDescriptor is what SLE hands the pool after a successful claim.
type JobDescriptor struct {
	CaseID      string
	Application string
	InputPath   string // Case Archive path of the input bundle.
}

// Result is what the pool hands back to SLE once a job leaves the pool,
// successfully or not. OutputArchive holds the packaged result bundle
// bytes: the scratch directory the outputs lived in is gone by the time a
// caller sees this, so the pool packages before it cleans up rather than
// handing back paths into a directory it is about to delete.
type Result struct {
	CaseID        string
	OutputArchive []byte
	Err           error
}

// AdapterResolver is the subset of the Capability Index the pool depends
// on. Narrowed to a single method so the pool can be tested without a real
// Index.
type AdapterResolver interface {
	Adapter(application string) (capability.ApplicationAdapter, bool)
}

// Pool is the Worker Pool.
type Pool struct {
	mu          sync.Mutex
	capacity    int
	accepting   bool
	running     map[string]context.CancelFunc
	adapters    AdapterResolver
	archive     *casearchive.Archive
	scratchRoot string
	results     chan Result
	ledger      *Ledger
	wg          sync.WaitGroup
}

// New creates a Pool with the given initial capacity.
func New(capacity int, adapters AdapterResolver, archive *casearchive.Archive, scratchRoot string) *Pool {
	return &Pool{
		capacity:    capacity,
		accepting:   true,
		running:     make(map[string]context.CancelFunc),
		adapters:    adapters,
		archive:     archive,
		scratchRoot: scratchRoot,
		results:     make(chan Result, capacity),
		ledger:      NewLedger(1000),
	}
}

// Results returns the channel jobs are reported on as they finish.
func (p *Pool) Results() <-chan Result { return p.results }

// Ledger exposes the bounded operation-state history for the status surface.
func (p *Pool) Ledger() *Ledger { return p.ledger }

// SetCapacity changes the upper bound on concurrent jobs. Lowering it never
// interrupts running jobs; raising it takes effect on the next FreeCapacity
// check.
func (p *Pool) SetCapacity(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.capacity = n
}

// FreeCapacity reports how many more jobs the pool can currently accept.
func (p *Pool) FreeCapacity() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.accepting {
		return 0
	}
	free := p.capacity - len(p.running)
	if free < 0 {
		return 0
	}
	return free
}

// Pause stops the pool from accepting new jobs without killing running ones.
func (p *Pool) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.accepting = false
}

// Resume re-enables acceptance of new jobs.
func (p *Pool) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.accepting = true
}

// Submit enqueues job if a slot is free. The caller (SLE) is responsible
// for not calling Submit more than FreeCapacity times; Submit itself just
// refuses when there is no room.
func (p *Pool) Submit(job JobDescriptor) bool {
	p.mu.Lock()
	if !p.accepting || len(p.running) >= p.capacity {
		p.mu.Unlock()
		return false
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.running[job.CaseID] = cancel
	p.mu.Unlock()

	p.ledger.Start(job.CaseID, "process", map[string]interface{}{"application": job.Application})

	p.wg.Add(1)
	go p.runJob(ctx, job)
	return true
}

// Cancel terminates a running job's adapter invocation and reclaims its
// scratch directory. Best-effort: any outputs already produced are
// discarded.
func (p *Pool) Cancel(caseID string) {
	p.mu.Lock()
	cancel, ok := p.running[caseID]
	p.mu.Unlock()
	if ok {
		cancel()
	}
}

// Shutdown waits for all running jobs to finish, or forcibly cancels them
// once ctx's deadline passes.
func (p *Pool) Shutdown(ctx context.Context) {
	p.Pause()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		p.mu.Lock()
		for _, cancel := range p.running {
			cancel()
		}
		p.mu.Unlock()
		<-done
	}
}

func (p *Pool) runJob(ctx context.Context, job JobDescriptor) {
	defer p.wg.Done()
	defer func() {
		p.mu.Lock()
		delete(p.running, job.CaseID)
		p.mu.Unlock()
	}()

	result := p.process(ctx, job)
	p.ledger.Complete(job.CaseID, result.Err)

	if result.Err != nil {
		log.WithCase(job.CaseID).WithErr(result.Err).Warn("job failed")
	}

	select {
	case p.results <- result:
	case <-ctx.Done():
	}
}

// process runs one job to completion: materialize inputs, invoke the
// adapter, package declared outputs into an in-memory archive, then remove
// the scratch directory on every exit path.
func (p *Pool) process(ctx context.Context, job JobDescriptor) Result {
	scratchDir := filepath.Join(p.scratchRoot, job.CaseID+"-"+uuid.NewString())
	if err := os.MkdirAll(scratchDir, 0o755); err != nil {
		return Result{CaseID: job.CaseID, Err: gridfault.New(gridfault.PermanentIO, job.CaseID, fmt.Errorf("creating scratch dir: %w", err))}
	}
	defer os.RemoveAll(scratchDir)

	adapter, ok := p.adapters.Adapter(job.Application)
	if !ok {
		return Result{CaseID: job.CaseID, Err: gridfault.New(gridfault.AdapterFailed, job.CaseID, fmt.Errorf("no adapter for application %s", job.Application))}
	}

	inputDir := filepath.Join(scratchDir, "input")
	data, err := p.archive.GetInput(job.InputPath)
	if err != nil {
		return Result{CaseID: job.CaseID, Err: err}
	}
	tmpZip := filepath.Join(scratchDir, "input.zip")
	if err := os.WriteFile(tmpZip, data, 0o644); err != nil {
		return Result{CaseID: job.CaseID, Err: gridfault.New(gridfault.TransientIO, job.CaseID, fmt.Errorf("staging input archive: %w", err))}
	}
	inputFiles, err := casearchive.Extract(tmpZip, inputDir)
	if err != nil {
		return Result{CaseID: job.CaseID, Err: err}
	}

	outputs, err := adapter.Process(ctx, scratchDir, inputFiles)
	if err != nil {
		return Result{CaseID: job.CaseID, Err: err}
	}

	outputZip := filepath.Join(scratchDir, "output.zip")
	relOutputs := make([]string, len(outputs))
	for i, abs := range outputs {
		rel, err := filepath.Rel(scratchDir, abs)
		if err != nil {
			rel = filepath.Base(abs)
		}
		relOutputs[i] = rel
	}
	if err := casearchive.Pack(outputZip, scratchDir, relOutputs); err != nil {
		return Result{CaseID: job.CaseID, Err: err}
	}
	archiveBytes, err := os.ReadFile(outputZip)
	if err != nil {
		return Result{CaseID: job.CaseID, Err: gridfault.New(gridfault.TransientIO, job.CaseID, fmt.Errorf("reading packaged output: %w", err))}
	}

	return Result{CaseID: job.CaseID, OutputArchive: archiveBytes}
}
