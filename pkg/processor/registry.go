package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

// Registry errors. The supervisor maps these onto its own taxonomy.
var (
	// ErrUnknownType indicates the processor type is not registered.
	ErrUnknownType = errors.New("processor type not registered")

	// ErrBadConfig indicates the config does not satisfy the type's schema.
	ErrBadConfig = errors.New("invalid processor config")
)

// Registry owns the table of processor type -> factory. Types register once
// at startup; afterwards the registry is read-only.
type Registry struct {
	logger    *slog.Logger
	factories map[string]Factory
	mu        sync.RWMutex
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger:    logger.With("module", "processor-registry"),
		factories: make(map[string]Factory),
	}
}

// Register adds a factory under its type tag, replacing any previous one.
func (r *Registry) Register(factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.factories[factory.ID()] = factory
	r.logger.Debug("Registered processor factory", "type", factory.ID())
}

// ValidateConfig checks that the type is registered and the config satisfies
// its JSON schema, without constructing anything. This is what keeps create
// and update atomic: nothing is persisted or opened on a bad draft.
func (r *Registry) ValidateConfig(processorType string, config map[string]any) error {
	r.mu.RLock()
	factory, ok := r.factories[processorType]
	r.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownType, processorType)
	}

	schemaLoader := gojsonschema.NewGoLoader(factory.Schema())

	if config == nil {
		config = map[string]any{}
	}

	documentLoader := gojsonschema.NewGoLoader(config)

	result, err := gojsonschema.Validate(schemaLoader, documentLoader)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrBadConfig, processorType, err)
	}

	if !result.Valid() {
		details := make([]string, 0, len(result.Errors()))
		for _, resultError := range result.Errors() {
			details = append(details, resultError.String())
		}

		return fmt.Errorf("%w: %s: %s", ErrBadConfig, processorType, strings.Join(details, "; "))
	}

	return nil
}

// Create validates the config and constructs a processor instance.
func (r *Registry) Create(ctx context.Context, processorType, id string, config map[string]any) (Processor, error) {
	if err := r.ValidateConfig(processorType, config); err != nil {
		return nil, err
	}

	r.mu.RLock()
	factory := r.factories[processorType]
	r.mu.RUnlock()

	instance, err := factory.Create(ctx, id, config)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrBadConfig, processorType, err)
	}

	return instance, nil
}

// Available returns the registered factories.
func (r *Registry) Available() []Factory {
	r.mu.RLock()
	defer r.mu.RUnlock()

	factories := make([]Factory, 0, len(r.factories))
	for _, factory := range r.factories {
		factories = append(factories, factory)
	}

	return factories
}

// IsUnknownType reports whether err indicates an unregistered processor type.
func IsUnknownType(err error) bool {
	return errors.Is(err, ErrUnknownType)
}

// IsBadConfig reports whether err indicates an invalid processor config.
func IsBadConfig(err error) bool {
	return errors.Is(err, ErrBadConfig)
}
