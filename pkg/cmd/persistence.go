package cmd

import (
	"context"
	"log/slog"
	"strings"

	"github.com/dukex/swarmflow/pkg/persistence"
	"github.com/dukex/swarmflow/pkg/persistence/file"
	"github.com/dukex/swarmflow/pkg/persistence/postgresql"
)

// NewPersistence picks the backend from the URL scheme. Anything that is not
// a postgres URL is treated as a file root.
//
// nolint:ireturn
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (persistence.Persistence, error) {
	switch parsePersistenceProvider(databaseURL) {
	case "postgres":
		return postgresql.NewPersistence(ctx, logger, databaseURL)
	default:
		return file.NewPersistence(databaseURL), nil
	}
}

func parsePersistenceProvider(databaseURL string) string {
	scheme, _, found := strings.Cut(databaseURL, "://")
	if !found {
		return "file"
	}

	switch scheme {
	case "postgres", "postgresql":
		return "postgres"
	default:
		return "file"
	}
}
