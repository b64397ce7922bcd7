package lifecycle

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/gridcompute/gridcompute/internal/capability"
	"github.com/gridcompute/gridcompute/internal/caseregistry"
	"github.com/gridcompute/gridcompute/internal/casearchive"
	"github.com/gridcompute/gridcompute/internal/gridfault"
)

// Submit is the submission path from spec.md §4.4: invoke the adapter's
// send on a user selection, zip each returned bundle, upload it to CA, then
// insert the case record. CA upload happens before CR.insert so invariant
// I4 (a reader never observes a record pointing at an archive that does
// not yet exist) holds from the very first write, not just on later
// transitions.
func (e *Engine) Submit(ctx context.Context, application string, userSelection []string) ([]string, error) {
	adapter, ok := e.index.Adapter(application)
	if !ok {
		return nil, gridfault.New(gridfault.AdapterFailed, "", fmt.Errorf("no adapter for application %s", application))
	}

	bundles, err := adapter.Send(ctx, userSelection)
	if err != nil {
		return nil, err
	}
	if len(bundles) == 0 {
		return nil, gridfault.New(gridfault.AdapterFailed, "", fmt.Errorf("%s send returned no input bundles", application))
	}

	ids := make([]string, 0, len(bundles))
	for _, bundle := range bundles {
		caseID, err := e.submitBundle(ctx, application, bundle)
		if err != nil {
			return ids, err
		}
		ids = append(ids, caseID)
	}
	return ids, nil
}

func (e *Engine) submitBundle(ctx context.Context, application string, bundle capability.InputBundle) (string, error) {
	caseID := uuid.Must(uuid.NewV7()).String()

	scratchDir := filepath.Join(e.cfg.ScratchRoot, "submit-"+caseID)
	if err := os.MkdirAll(scratchDir, 0o755); err != nil {
		return "", gridfault.New(gridfault.PermanentIO, caseID, fmt.Errorf("creating scratch dir: %w", err))
	}
	defer os.RemoveAll(scratchDir)

	zipPath := filepath.Join(scratchDir, "input.zip")
	if err := casearchive.PackAbs(zipPath, bundle.Files); err != nil {
		return "", err
	}
	data, err := os.ReadFile(zipPath)
	if err != nil {
		return "", gridfault.New(gridfault.TransientIO, caseID, fmt.Errorf("reading packaged input: %w", err))
	}

	path, err := e.archive.PutInput(caseID, e.cfg.Self.User, e.cfg.Self.Machine, data)
	if err != nil {
		return "", err
	}

	rec := &caseregistry.Record{
		ID:          caseID,
		UserGroup:   e.cfg.UserGroup,
		Instance:    e.cfg.Instance,
		Application: application,
		Status:      caseregistry.ToProcess,
		Path:        path,
		Origin: caseregistry.Origin{
			Machine:     e.cfg.Self.Machine,
			User:        e.cfg.Self.User,
			SubmittedAt: time.Now(),
		},
	}
	if err := e.registry.Insert(ctx, rec); err != nil {
		return "", err
	}

	if e.notifier != nil {
		if err := e.notifier.PublishCaseEvent(ctx, caseID); err != nil {
			log.WithCase(caseID).WithErr(err).Warn("change notifier publish failed, relying on timer-driven poll")
		}
	}

	return caseID, nil
}
