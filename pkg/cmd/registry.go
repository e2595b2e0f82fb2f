package cmd

import (
	"log/slog"

	"github.com/extractd/extractd/pkg/processor"
	"github.com/extractd/extractd/pkg/processor/databasesync"
	"github.com/extractd/extractd/pkg/processor/filesink"
	"github.com/extractd/extractd/pkg/processor/forwarder"
)

// NewRegistry builds the processor registry with every built-in sink type.
func NewRegistry(logger *slog.Logger) *processor.Registry {
	registry := processor.NewRegistry(logger)

	registry.Register(filesink.NewFactory())
	registry.Register(databasesync.NewFactory())
	registry.Register(forwarder.NewFactory())

	return registry
}
