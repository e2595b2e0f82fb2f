// Package store provides the storage abstraction for consumer specifications.
package store

import (
	"context"

	"github.com/extractd/extractd/pkg/models"
)

// Store is the authoritative record of consumer specs. All mutations go
// through the supervisor so the persisted status and the extractor registry
// stay in agreement. Every operation is individually atomic.
type Store interface {
	// Create persists a new spec. Returns ErrAlreadyExists on an id collision.
	Create(ctx context.Context, spec *models.ConsumerSpec) error

	// GetByID returns the spec for id, or ErrNotFound.
	GetByID(ctx context.Context, id string) (*models.ConsumerSpec, error)

	// List returns all specs.
	List(ctx context.Context) ([]*models.ConsumerSpec, error)

	// Update replaces the stored spec for spec.ID. Returns ErrNotFound if absent.
	Update(ctx context.Context, spec *models.ConsumerSpec) error

	// Delete removes the spec for id. Returns ErrNotFound if absent.
	Delete(ctx context.Context, id string) error

	// SetStatus updates only the runtime status and last error of a spec.
	SetStatus(ctx context.Context, id string, status models.ConsumerStatus, lastError string) error

	// HealthCheck verifies the backing store is reachable.
	HealthCheck(ctx context.Context) error

	// Close releases the backing resources.
	Close(ctx context.Context) error
}
