// Package redis provides the Redis-backed consumer spec store.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	goredis "github.com/redis/go-redis/v9"

	"github.com/extractd/extractd/pkg/models"
	"github.com/extractd/extractd/pkg/store"
)

const (
	specKeyPrefix = "extractd:consumer:"
	indexKey      = "extractd:consumers"
)

// Store keeps each spec as a JSON document under its own key plus a set of
// known ids for listing. Read-modify-write sequences are safe because all
// mutations are serialized by the supervisor's per-id locks.
type Store struct {
	client *goredis.Client
	logger *slog.Logger
}

func NewStore(ctx context.Context, logger *slog.Logger, redisURL string) (*Store, error) {
	options, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	client := goredis.NewClient(options)

	err = client.Ping(ctx).Err()
	if err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return &Store{client: client, logger: logger}, nil
}

func (s *Store) Create(ctx context.Context, spec *models.ConsumerSpec) error {
	payload, err := json.Marshal(spec)
	if err != nil {
		return store.NewSpecError("Create", spec.ID, fmt.Errorf("%w: %w", store.ErrStoreIO, err))
	}

	created, err := s.client.SetNX(ctx, specKeyPrefix+spec.ID, payload, 0).Result()
	if err != nil {
		return store.NewSpecError("Create", spec.ID, fmt.Errorf("%w: %w", store.ErrStoreIO, err))
	}

	if !created {
		return store.NewSpecError("Create", spec.ID, store.ErrAlreadyExists)
	}

	err = s.client.SAdd(ctx, indexKey, spec.ID).Err()
	if err != nil {
		return store.NewSpecError("Create", spec.ID, fmt.Errorf("%w: %w", store.ErrStoreIO, err))
	}

	return nil
}

func (s *Store) GetByID(ctx context.Context, id string) (*models.ConsumerSpec, error) {
	payload, err := s.client.Get(ctx, specKeyPrefix+id).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, store.NewSpecError("GetByID", id, store.ErrNotFound)
		}

		return nil, store.NewSpecError("GetByID", id, fmt.Errorf("%w: %w", store.ErrStoreIO, err))
	}

	var spec models.ConsumerSpec

	err = json.Unmarshal(payload, &spec)
	if err != nil {
		return nil, store.NewSpecError("GetByID", id, fmt.Errorf("%w: %w", store.ErrStoreIO, err))
	}

	return &spec, nil
}

func (s *Store) List(ctx context.Context) ([]*models.ConsumerSpec, error) {
	ids, err := s.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		return nil, store.NewSpecError("List", "", fmt.Errorf("%w: %w", store.ErrStoreIO, err))
	}

	specs := make([]*models.ConsumerSpec, 0, len(ids))

	for _, id := range ids {
		spec, err := s.GetByID(ctx, id)
		if err != nil {
			// The index can briefly lead deletion; skip ids without a document.
			if store.IsNotFound(err) {
				continue
			}

			return nil, err
		}

		specs = append(specs, spec)
	}

	return specs, nil
}

func (s *Store) Update(ctx context.Context, spec *models.ConsumerSpec) error {
	payload, err := json.Marshal(spec)
	if err != nil {
		return store.NewSpecError("Update", spec.ID, fmt.Errorf("%w: %w", store.ErrStoreIO, err))
	}

	updated, err := s.client.SetXX(ctx, specKeyPrefix+spec.ID, payload, 0).Result()
	if err != nil {
		return store.NewSpecError("Update", spec.ID, fmt.Errorf("%w: %w", store.ErrStoreIO, err))
	}

	if !updated {
		return store.NewSpecError("Update", spec.ID, store.ErrNotFound)
	}

	return nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	deleted, err := s.client.Del(ctx, specKeyPrefix+id).Result()
	if err != nil {
		return store.NewSpecError("Delete", id, fmt.Errorf("%w: %w", store.ErrStoreIO, err))
	}

	if deleted == 0 {
		return store.NewSpecError("Delete", id, store.ErrNotFound)
	}

	err = s.client.SRem(ctx, indexKey, id).Err()
	if err != nil {
		return store.NewSpecError("Delete", id, fmt.Errorf("%w: %w", store.ErrStoreIO, err))
	}

	return nil
}

func (s *Store) SetStatus(ctx context.Context, id string, status models.ConsumerStatus, lastError string) error {
	spec, err := s.GetByID(ctx, id)
	if err != nil {
		return err
	}

	spec.Status = status
	spec.LastError = lastError

	return s.Update(ctx, spec)
}

func (s *Store) HealthCheck(ctx context.Context) error {
	err := s.client.Ping(ctx).Err()
	if err != nil {
		return fmt.Errorf("%w: %w", store.ErrStoreIO, err)
	}

	return nil
}

func (s *Store) Close(_ context.Context) error {
	err := s.client.Close()
	if err != nil {
		return fmt.Errorf("failed to close redis client: %w", err)
	}

	return nil
}
