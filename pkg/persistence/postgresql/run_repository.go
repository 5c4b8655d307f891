package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/dukex/swarmflow/pkg/models"
	"github.com/dukex/swarmflow/pkg/persistence"
)

// RunRepository handles run record database operations.
type RunRepository struct {
	db *sql.DB
}

const runColumns = `id, routine_version_id, swarm_id, status, error, created_at, updated_at, started_at, completed_at`

func (r *RunRepository) SaveRun(ctx context.Context, run *models.RunRecord) error {
	now := time.Now().UTC()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}

	run.UpdatedAt = now

	query := `
		INSERT INTO runs (` + runColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			routine_version_id = EXCLUDED.routine_version_id,
			swarm_id = EXCLUDED.swarm_id,
			status = EXCLUDED.status,
			error = EXCLUDED.error,
			updated_at = EXCLUDED.updated_at,
			started_at = EXCLUDED.started_at,
			completed_at = EXCLUDED.completed_at
	`

	_, err := r.db.ExecContext(ctx, query,
		run.ID,
		run.RoutineVersionID,
		nullString(run.SwarmID),
		run.Status,
		nullString(run.Error),
		run.CreatedAt,
		run.UpdatedAt,
		run.StartedAt,
		run.CompletedAt,
	)
	if err != nil {
		return persistence.NewError("SaveRun", "run", run.ID, err)
	}

	return nil
}

func (r *RunRepository) RunByID(ctx context.Context, id string) (*models.RunRecord, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1`, id)

	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewError("RunByID", "run", id, persistence.ErrRunNotFound)
		}

		return nil, persistence.NewError("RunByID", "run", id, err)
	}

	return run, nil
}

func (r *RunRepository) UpdateRunStatus(ctx context.Context, id string, status models.RunStatus, errMsg string) error {
	run, err := r.RunByID(ctx, id)
	if err != nil {
		return err
	}

	run.SetStatus(status, errMsg, time.Now().UTC())

	_, err = r.db.ExecContext(ctx, `
		UPDATE runs SET status = $2, error = $3, updated_at = $4, started_at = $5, completed_at = $6
		WHERE id = $1
	`, id, run.Status, nullString(run.Error), run.UpdatedAt, run.StartedAt, run.CompletedAt)
	if err != nil {
		return persistence.NewError("UpdateRunStatus", "run", id, err)
	}

	return nil
}

func (r *RunRepository) RunsBySwarm(ctx context.Context, swarmID string) ([]*models.RunRecord, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+runColumns+` FROM runs WHERE swarm_id = $1 ORDER BY created_at`, swarmID)
	if err != nil {
		return nil, persistence.NewError("RunsBySwarm", "swarm", swarmID, err)
	}

	defer func() {
		_ = rows.Close()
	}()

	runs := []*models.RunRecord{}

	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, persistence.NewError("RunsBySwarm", "swarm", swarmID, err)
		}

		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, persistence.NewError("RunsBySwarm", "swarm", swarmID, err)
	}

	return runs, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*models.RunRecord, error) {
	var (
		run         models.RunRecord
		swarmID     sql.NullString
		errMsg      sql.NullString
		startedAt   sql.NullTime
		completedAt sql.NullTime
	)

	err := row.Scan(
		&run.ID,
		&run.RoutineVersionID,
		&swarmID,
		&run.Status,
		&errMsg,
		&run.CreatedAt,
		&run.UpdatedAt,
		&startedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}

	run.SwarmID = swarmID.String
	run.Error = errMsg.String

	if startedAt.Valid {
		run.StartedAt = &startedAt.Time
	}

	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}

	return &run, nil
}
