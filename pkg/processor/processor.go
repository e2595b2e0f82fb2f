// Package processor defines the downstream sink contract and the registry
// through which sink implementations are constructed from declarative config.
package processor

import (
	"context"
	"errors"

	"github.com/extractd/extractd/pkg/models"
)

// Processor is a single sink strategy. Process is invoked once per record,
// synchronously with respect to the owning extractor's poll loop. A
// processor may buffer internally but must be safe to Close after any
// Process call. Processors never see their peers.
type Processor interface {
	// ID returns the stable identifier of this processor within its spec.
	ID() string

	// Type returns the registered type tag (e.g. "file_sink").
	Type() string

	// Process handles one Kafka record.
	Process(ctx context.Context, record *models.Record) error

	// Close releases any resources held by the processor.
	Close() error
}

// Factory builds processors of one type from declarative configuration.
type Factory interface {
	// ID returns the type tag under which the factory registers.
	ID() string

	// Name returns a human-readable name.
	Name() string

	// Description describes what the sink does.
	Description() string

	// Schema returns the JSON schema the processor config must satisfy.
	Schema() map[string]any

	// Create constructs a processor instance.
	Create(ctx context.Context, id string, config map[string]any) (Processor, error)
}

// Failure classification for processor errors. Implementations wrap one of
// these so the extractor can log transient failures differently from
// permanent ones. Neither stops the poll loop.
var (
	// ErrTransient marks a failure that may succeed on retry (network, lock).
	ErrTransient = errors.New("transient processor failure")

	// ErrPermanent marks a failure that will not succeed on retry (schema,
	// unwritable path, malformed payload).
	ErrPermanent = errors.New("permanent processor failure")
)

// IsTransient reports whether err is a retryable processor failure.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// IsPermanent reports whether err is a non-retryable processor failure.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent)
}
