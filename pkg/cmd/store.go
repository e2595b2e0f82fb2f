// Package cmd wires concrete backends from configuration for the binaries.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/extractd/extractd/pkg/store"
	"github.com/extractd/extractd/pkg/store/memory"
	"github.com/extractd/extractd/pkg/store/postgres"
	redisstore "github.com/extractd/extractd/pkg/store/redis"
)

// NewStore builds the spec store named by the database URL scheme:
// postgres://, redis:// or memory://.
func NewStore(ctx context.Context, logger *slog.Logger, databaseURL string) (store.Store, error) {
	switch parseStoreProvider(databaseURL) {
	case "postgres", "postgresql":
		return postgres.NewStore(ctx, logger, databaseURL)
	case "redis", "rediss":
		return redisstore.NewStore(ctx, logger, databaseURL)
	case "memory":
		return memory.NewStore(), nil
	default:
		return nil, fmt.Errorf("unsupported database URL: %s", databaseURL)
	}
}

func parseStoreProvider(databaseURL string) string {
	provider, _, found := strings.Cut(databaseURL, "://")
	if !found {
		return ""
	}

	return provider
}
