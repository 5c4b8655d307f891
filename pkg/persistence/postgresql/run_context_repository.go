package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dukex/swarmflow/pkg/models"
	"github.com/dukex/swarmflow/pkg/persistence"
)

// RunContextRepository stores each run execution context as a JSONB document.
type RunContextRepository struct {
	db *sql.DB
}

func (r *RunContextRepository) SaveRunContext(ctx context.Context, runCtx *models.RunExecutionContext) error {
	contextJSON, err := json.Marshal(runCtx)
	if err != nil {
		return persistence.NewError("SaveRunContext", "run context", runCtx.RunID, fmt.Errorf("failed to marshal run context: %w", err))
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO run_contexts (run_id, swarm_id, state, context, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (run_id) DO UPDATE SET
			swarm_id = EXCLUDED.swarm_id,
			state = EXCLUDED.state,
			context = EXCLUDED.context,
			updated_at = EXCLUDED.updated_at
	`, runCtx.RunID, nullString(runCtx.SwarmID), runCtx.State, contextJSON)
	if err != nil {
		return persistence.NewError("SaveRunContext", "run context", runCtx.RunID, err)
	}

	return nil
}

func (r *RunContextRepository) RunContext(ctx context.Context, runID string) (*models.RunExecutionContext, error) {
	var contextJSON []byte

	err := r.db.QueryRowContext(ctx, `SELECT context FROM run_contexts WHERE run_id = $1`, runID).Scan(&contextJSON)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewError("RunContext", "run context", runID, persistence.ErrRunContextNotFound)
		}

		return nil, persistence.NewError("RunContext", "run context", runID, err)
	}

	var runCtx models.RunExecutionContext
	if err := json.Unmarshal(contextJSON, &runCtx); err != nil {
		return nil, persistence.NewError("RunContext", "run context", runID, fmt.Errorf("failed to unmarshal run context: %w", err))
	}

	return &runCtx, nil
}

func (r *RunContextRepository) DeleteRunContext(ctx context.Context, runID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM run_contexts WHERE run_id = $1`, runID)
	if err != nil {
		return persistence.NewError("DeleteRunContext", "run context", runID, err)
	}

	return nil
}
