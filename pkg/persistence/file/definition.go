package file

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/dukex/swarmflow/pkg/models"
	"github.com/dukex/swarmflow/pkg/persistence"
)

// DefinitionRepository stores workflow definitions under definitions/.
type DefinitionRepository struct {
	store jsonDir
}

func (r *DefinitionRepository) SaveDefinition(_ context.Context, def *models.WorkflowDefinition) error {
	if def.CreatedAt.IsZero() {
		def.CreatedAt = time.Now().UTC()
	}

	if err := r.store.write(def.ID, def); err != nil {
		return persistence.NewError("SaveDefinition", "definition", def.ID, err)
	}

	return nil
}

func (r *DefinitionRepository) DefinitionByID(_ context.Context, id string) (*models.WorkflowDefinition, error) {
	var def models.WorkflowDefinition

	found, err := r.store.read(id, &def)
	if err != nil {
		return nil, persistence.NewError("DefinitionByID", "definition", id, err)
	}

	if !found {
		return nil, persistence.NewError("DefinitionByID", "definition", id, persistence.ErrDefinitionNotFound)
	}

	return &def, nil
}

func (r *DefinitionRepository) Definitions(ctx context.Context) ([]*models.WorkflowDefinition, error) {
	ids, err := r.store.ids()
	if err != nil {
		return nil, persistence.NewError("Definitions", "definition", "*", err)
	}

	defs := make([]*models.WorkflowDefinition, 0, len(ids))

	for _, id := range ids {
		def, err := r.DefinitionByID(ctx, id)
		if err != nil {
			return nil, err
		}

		defs = append(defs, def)
	}

	slices.SortFunc(defs, func(a, b *models.WorkflowDefinition) int {
		return strings.Compare(a.ID, b.ID)
	})

	return defs, nil
}
