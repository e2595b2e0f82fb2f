package cmd

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/extractd/extractd/pkg/store/memory"
)

func TestNewStoreMemory(t *testing.T) {
	t.Parallel()

	specStore, err := NewStore(context.Background(), slog.Default(), "memory://")
	require.NoError(t, err)
	assert.IsType(t, &memory.Store{}, specStore)
}

func TestNewStoreUnsupportedScheme(t *testing.T) {
	t.Parallel()

	_, err := NewStore(context.Background(), slog.Default(), "mysql://localhost:3306/db")
	require.Error(t, err)

	_, err = NewStore(context.Background(), slog.Default(), "no-scheme")
	require.Error(t, err)
}

func TestNewRegistryRegistersBuiltinSinks(t *testing.T) {
	t.Parallel()

	registry := NewRegistry(slog.Default())

	types := make([]string, 0, 3)
	for _, factory := range registry.Available() {
		types = append(types, factory.ID())
	}

	assert.ElementsMatch(t, []string{"file_sink", "database_sync", "streaming_forwarder"}, types)
}

func TestNewEventBus(t *testing.T) {
	t.Parallel()

	bus, err := NewEventBus(slog.Default(), "")
	require.NoError(t, err)
	require.NoError(t, bus.Close())

	_, err = NewEventBus(slog.Default(), "rabbitmq://localhost")
	require.Error(t, err)
}
