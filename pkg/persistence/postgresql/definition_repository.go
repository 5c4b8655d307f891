package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dukex/swarmflow/pkg/models"
	"github.com/dukex/swarmflow/pkg/persistence"
)

// DefinitionRepository stores workflow definitions as JSONB documents.
type DefinitionRepository struct {
	db *sql.DB
}

func (r *DefinitionRepository) SaveDefinition(ctx context.Context, def *models.WorkflowDefinition) error {
	if def.CreatedAt.IsZero() {
		def.CreatedAt = time.Now().UTC()
	}

	definitionJSON, err := json.Marshal(def)
	if err != nil {
		return persistence.NewError("SaveDefinition", "definition", def.ID, fmt.Errorf("failed to marshal definition: %w", err))
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO workflow_definitions (id, routine_id, name, version, definition, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			routine_id = EXCLUDED.routine_id,
			name = EXCLUDED.name,
			version = EXCLUDED.version,
			definition = EXCLUDED.definition
	`, def.ID, def.RoutineID, def.Name, def.Version, definitionJSON, def.CreatedAt)
	if err != nil {
		return persistence.NewError("SaveDefinition", "definition", def.ID, err)
	}

	return nil
}

func (r *DefinitionRepository) DefinitionByID(ctx context.Context, id string) (*models.WorkflowDefinition, error) {
	var definitionJSON []byte

	err := r.db.QueryRowContext(ctx, `SELECT definition FROM workflow_definitions WHERE id = $1`, id).Scan(&definitionJSON)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewError("DefinitionByID", "definition", id, persistence.ErrDefinitionNotFound)
		}

		return nil, persistence.NewError("DefinitionByID", "definition", id, err)
	}

	return decodeDefinition(id, definitionJSON)
}

func (r *DefinitionRepository) Definitions(ctx context.Context) ([]*models.WorkflowDefinition, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, definition FROM workflow_definitions ORDER BY id`)
	if err != nil {
		return nil, persistence.NewError("Definitions", "definition", "*", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	defs := []*models.WorkflowDefinition{}

	for rows.Next() {
		var (
			id             string
			definitionJSON []byte
		)

		if err := rows.Scan(&id, &definitionJSON); err != nil {
			return nil, persistence.NewError("Definitions", "definition", "*", err)
		}

		def, err := decodeDefinition(id, definitionJSON)
		if err != nil {
			return nil, err
		}

		defs = append(defs, def)
	}

	if err := rows.Err(); err != nil {
		return nil, persistence.NewError("Definitions", "definition", "*", err)
	}

	return defs, nil
}

func decodeDefinition(id string, data []byte) (*models.WorkflowDefinition, error) {
	var def models.WorkflowDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, persistence.NewError("DefinitionByID", "definition", id, fmt.Errorf("failed to unmarshal definition: %w", err))
	}

	return &def, nil
}
