// Package memory provides the in-memory reference implementation of the
// consumer spec store.
package memory

import (
	"context"
	"sync"

	"github.com/extractd/extractd/pkg/models"
	"github.com/extractd/extractd/pkg/store"
)

// Store keeps specs in a map guarded by a RW mutex. It is the default
// backend and the one used throughout the test suite.
type Store struct {
	specs map[string]*models.ConsumerSpec
	mu    sync.RWMutex
}

func NewStore() *Store {
	return &Store{specs: make(map[string]*models.ConsumerSpec)}
}

func (s *Store) Create(_ context.Context, spec *models.ConsumerSpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.specs[spec.ID]; exists {
		return store.NewSpecError("Create", spec.ID, store.ErrAlreadyExists)
	}

	s.specs[spec.ID] = spec.Clone()

	return nil
}

func (s *Store) GetByID(_ context.Context, id string) (*models.ConsumerSpec, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	spec, exists := s.specs[id]
	if !exists {
		return nil, store.NewSpecError("GetByID", id, store.ErrNotFound)
	}

	return spec.Clone(), nil
}

func (s *Store) List(_ context.Context) ([]*models.ConsumerSpec, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	specs := make([]*models.ConsumerSpec, 0, len(s.specs))
	for _, spec := range s.specs {
		specs = append(specs, spec.Clone())
	}

	return specs, nil
}

func (s *Store) Update(_ context.Context, spec *models.ConsumerSpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.specs[spec.ID]; !exists {
		return store.NewSpecError("Update", spec.ID, store.ErrNotFound)
	}

	s.specs[spec.ID] = spec.Clone()

	return nil
}

func (s *Store) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.specs[id]; !exists {
		return store.NewSpecError("Delete", id, store.ErrNotFound)
	}

	delete(s.specs, id)

	return nil
}

func (s *Store) SetStatus(_ context.Context, id string, status models.ConsumerStatus, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	spec, exists := s.specs[id]
	if !exists {
		return store.NewSpecError("SetStatus", id, store.ErrNotFound)
	}

	spec.Status = status
	spec.LastError = lastError

	return nil
}

func (s *Store) HealthCheck(_ context.Context) error {
	return nil
}

func (s *Store) Close(_ context.Context) error {
	return nil
}
