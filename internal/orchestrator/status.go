package orchestrator

import (
	"context"
	"time"

	"github.com/gridcompute/gridcompute/internal/caseregistry"
	"github.com/gridcompute/gridcompute/internal/lifecycle"
	"github.com/gridcompute/gridcompute/internal/workerpool"
)

// CaseSummary is a read-only projection of one case this machine
// originated, regardless of its current status.
type CaseSummary struct {
	ID          string              `json:"id"`
	Application string              `json:"application"`
	Status      caseregistry.Status `json:"status"`
	SubmittedAt time.Time           `json:"submitted_at"`
}

// Snapshot is the combined view the Status Surface serves: cases this
// machine submitted, cases this machine currently holds and is running or
// settling, and the worker pool's recent operation history.
type Snapshot struct {
	Cases     []CaseSummary           `json:"cases"`
	Processes []lifecycle.TrackedCase `json:"processes"`
	Jobs      []workerpool.Operation  `json:"jobs"`
}

// Status builds a Snapshot, querying the registry for this machine's
// submitted cases and reading the engine/pool's in-memory state for
// everything else.
func (f *Facade) Status(ctx context.Context) (Snapshot, error) {
	recs, err := f.registry.FindByOrigin(ctx, f.self.Machine)
	if err != nil {
		return Snapshot{}, err
	}

	cases := make([]CaseSummary, 0, len(recs))
	for _, r := range recs {
		cases = append(cases, CaseSummary{
			ID:          r.ID,
			Application: r.Application,
			Status:      r.Status,
			SubmittedAt: r.Origin.SubmittedAt,
		})
	}

	return Snapshot{
		Cases:     cases,
		Processes: f.engine.TrackedCases(),
		Jobs:      f.pool.Ledger().List(),
	}, nil
}
