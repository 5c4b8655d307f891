package file

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/dukex/swarmflow/pkg/models"
	"github.com/dukex/swarmflow/pkg/persistence"
)

// RunRepository stores run records under runs/.
type RunRepository struct {
	mu    sync.Mutex
	store jsonDir
}

func (r *RunRepository) SaveRun(_ context.Context, run *models.RunRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}

	run.UpdatedAt = now

	if err := r.store.write(run.ID, run); err != nil {
		return persistence.NewError("SaveRun", "run", run.ID, err)
	}

	return nil
}

func (r *RunRepository) RunByID(_ context.Context, id string) (*models.RunRecord, error) {
	var run models.RunRecord

	found, err := r.store.read(id, &run)
	if err != nil {
		return nil, persistence.NewError("RunByID", "run", id, err)
	}

	if !found {
		return nil, persistence.NewError("RunByID", "run", id, persistence.ErrRunNotFound)
	}

	return &run, nil
}

func (r *RunRepository) UpdateRunStatus(ctx context.Context, id string, status models.RunStatus, errMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	run, err := r.RunByID(ctx, id)
	if err != nil {
		return err
	}

	run.SetStatus(status, errMsg, time.Now().UTC())

	if err := r.store.write(id, run); err != nil {
		return persistence.NewError("UpdateRunStatus", "run", id, err)
	}

	return nil
}

func (r *RunRepository) RunsBySwarm(_ context.Context, swarmID string) ([]*models.RunRecord, error) {
	ids, err := r.store.ids()
	if err != nil {
		return nil, persistence.NewError("RunsBySwarm", "swarm", swarmID, err)
	}

	runs := []*models.RunRecord{}

	for _, id := range ids {
		var run models.RunRecord

		found, err := r.store.read(id, &run)
		if err != nil {
			return nil, persistence.NewError("RunsBySwarm", "run", id, err)
		}

		if found && run.SwarmID == swarmID {
			runs = append(runs, &run)
		}
	}

	slices.SortFunc(runs, func(a, b *models.RunRecord) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})

	return runs, nil
}
