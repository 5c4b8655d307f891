package file

import (
	"context"

	"github.com/dukex/swarmflow/pkg/models"
	"github.com/dukex/swarmflow/pkg/persistence"
)

// RunContextRepository stores run execution contexts under run_contexts/.
type RunContextRepository struct {
	store jsonDir
}

func (r *RunContextRepository) SaveRunContext(_ context.Context, runCtx *models.RunExecutionContext) error {
	if err := r.store.write(runCtx.RunID, runCtx); err != nil {
		return persistence.NewError("SaveRunContext", "run context", runCtx.RunID, err)
	}

	return nil
}

func (r *RunContextRepository) RunContext(_ context.Context, runID string) (*models.RunExecutionContext, error) {
	var runCtx models.RunExecutionContext

	found, err := r.store.read(runID, &runCtx)
	if err != nil {
		return nil, persistence.NewError("RunContext", "run context", runID, err)
	}

	if !found {
		return nil, persistence.NewError("RunContext", "run context", runID, persistence.ErrRunContextNotFound)
	}

	return &runCtx, nil
}

func (r *RunContextRepository) DeleteRunContext(_ context.Context, runID string) error {
	if err := r.store.remove(runID); err != nil {
		return persistence.NewError("DeleteRunContext", "run context", runID, err)
	}

	return nil
}
