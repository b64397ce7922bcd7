package lifecycle

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/gridcompute/gridcompute/internal/casearchive"
	"github.com/gridcompute/gridcompute/internal/gridfault"
)

// receiveLoop is the originator-side result retrieval duty: scan for
// PROCESSED cases this machine submitted, pull the result archive, hand
// the unpacked outputs to the adapter's receive, then mark received. A
// failing receive leaves the case PROCESSED for a retry on the next scan,
// which is why adapter.Receive must be idempotent (spec.md §9).
func (e *Engine) receiveLoop(ctx context.Context) {
	jitteredTicker(ctx, e.cfg.PollInterval, func() {
		e.receiveOnce(ctx)
	})
}

func (e *Engine) receiveOnce(ctx context.Context) {
	processed, err := e.registry.FindProcessedForOriginator(ctx, e.cfg.Self.Machine)
	if err != nil {
		log.WithErr(err).Warn("scanning for processed cases failed")
		return
	}

	for _, rec := range processed {
		if err := e.receiveOne(ctx, rec.ID, rec.Application, rec.Path); err != nil {
			log.WithCase(rec.ID).WithErr(err).Warn("receive failed, will retry")
		}
	}
}

func (e *Engine) receiveOne(ctx context.Context, caseID, application, resultPath string) error {
	adapter, ok := e.index.Adapter(application)
	if !ok {
		return gridfault.New(gridfault.AdapterFailed, caseID, fmt.Errorf("no adapter for application %s", application))
	}

	scratchDir := filepath.Join(e.cfg.ScratchRoot, "receive-"+caseID+"-"+uuid.NewString())
	if err := os.MkdirAll(scratchDir, 0o755); err != nil {
		return gridfault.New(gridfault.PermanentIO, caseID, fmt.Errorf("creating scratch dir: %w", err))
	}
	defer os.RemoveAll(scratchDir)

	data, err := e.archive.GetResult(resultPath)
	if err != nil {
		return err
	}
	tmpZip := filepath.Join(scratchDir, "result.zip")
	if err := os.WriteFile(tmpZip, data, 0o644); err != nil {
		return gridfault.New(gridfault.TransientIO, caseID, fmt.Errorf("staging result archive: %w", err))
	}
	outputFiles, err := casearchive.Extract(tmpZip, scratchDir)
	if err != nil {
		return err
	}

	if err := adapter.Receive(ctx, scratchDir, outputFiles); err != nil {
		return err
	}

	ok2, err := e.registry.MarkReceived(ctx, caseID, time.Now())
	if err != nil {
		return err
	}
	if !ok2 {
		log.WithCase(caseID).Warn("markReceived was a no-op, case already received")
	}
	return nil
}
