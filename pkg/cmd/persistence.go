package cmd

import (
	"context"
	"log/slog"
	"strings"

	"github.com/soshogle/drip/pkg/persistence"
	"github.com/soshogle/drip/pkg/persistence/memory"
	"github.com/soshogle/drip/pkg/persistence/postgresql"
)

// NewPersistence picks a store from the database URL scheme. Anything
// that is not postgres falls back to the in-memory store, which is only
// suitable for development and tests.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) persistence.Persistence {
	switch parsePersistenceProvider(databaseURL) {
	case "postgres", "postgresql":
		p, err := postgresql.NewPersistence(ctx, logger, databaseURL)
		if err != nil {
			panic(err)
		}

		return p
	default:
		logger.WarnContext(ctx, "Using in-memory persistence, data will not survive restarts")

		return memory.NewPersistence()
	}
}

func parsePersistenceProvider(databaseURL string) string {
	scheme, _, found := strings.Cut(databaseURL, "://")
	if !found {
		return ""
	}

	return scheme
}
