// Package postgres provides the PostgreSQL-backed consumer spec store.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	_ "github.com/lib/pq" // postgres driver

	"github.com/extractd/extractd/pkg/models"
	"github.com/extractd/extractd/pkg/store"
	"github.com/extractd/extractd/pkg/store/sqlbase"
)

// Store persists consumer specs in PostgreSQL. Processor configs are stored
// as a JSONB document alongside the scalar spec fields.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewStore(ctx context.Context, logger *slog.Logger, databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	err = db.PingContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	migrationManager := sqlbase.NewMigrationManager(logger, db, migrations())

	err = migrationManager.RunMigrations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Store{db: db, logger: logger}, nil
}

func (s *Store) Create(ctx context.Context, spec *models.ConsumerSpec) error {
	processors, err := json.Marshal(spec.Processors)
	if err != nil {
		return store.NewSpecError("Create", spec.ID, fmt.Errorf("%w: %w", store.ErrStoreIO, err))
	}

	query := `
		INSERT INTO consumer_specs
			(id, broker_host, broker_port, topic, group_id, client_id, auto_start, processors, status, last_error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO NOTHING
	`

	result, err := s.db.ExecContext(ctx, query,
		spec.ID, spec.BrokerHost, spec.BrokerPort, spec.Topic, spec.GroupID, spec.ClientID,
		spec.AutoStart, processors, spec.Status, spec.LastError, spec.CreatedAt, spec.UpdatedAt,
	)
	if err != nil {
		return store.NewSpecError("Create", spec.ID, fmt.Errorf("%w: %w", store.ErrStoreIO, err))
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return store.NewSpecError("Create", spec.ID, fmt.Errorf("%w: %w", store.ErrStoreIO, err))
	}

	if affected == 0 {
		return store.NewSpecError("Create", spec.ID, store.ErrAlreadyExists)
	}

	return nil
}

func (s *Store) GetByID(ctx context.Context, id string) (*models.ConsumerSpec, error) {
	query := selectColumns + " WHERE id = $1"

	spec, err := scanSpec(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.NewSpecError("GetByID", id, store.ErrNotFound)
		}

		return nil, store.NewSpecError("GetByID", id, fmt.Errorf("%w: %w", store.ErrStoreIO, err))
	}

	return spec, nil
}

func (s *Store) List(ctx context.Context) ([]*models.ConsumerSpec, error) {
	query := selectColumns + " ORDER BY created_at"

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, store.NewSpecError("List", "", fmt.Errorf("%w: %w", store.ErrStoreIO, err))
	}

	defer func() {
		err := rows.Close()
		if err != nil {
			s.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	specs := make([]*models.ConsumerSpec, 0)

	for rows.Next() {
		spec, err := scanSpec(rows)
		if err != nil {
			return nil, store.NewSpecError("List", "", fmt.Errorf("%w: %w", store.ErrStoreIO, err))
		}

		specs = append(specs, spec)
	}

	err = rows.Err()
	if err != nil {
		return nil, store.NewSpecError("List", "", fmt.Errorf("%w: %w", store.ErrStoreIO, err))
	}

	return specs, nil
}

func (s *Store) Update(ctx context.Context, spec *models.ConsumerSpec) error {
	processors, err := json.Marshal(spec.Processors)
	if err != nil {
		return store.NewSpecError("Update", spec.ID, fmt.Errorf("%w: %w", store.ErrStoreIO, err))
	}

	query := `
		UPDATE consumer_specs SET
			broker_host = $2, broker_port = $3, topic = $4, group_id = $5, client_id = $6,
			auto_start = $7, processors = $8, status = $9, last_error = $10, updated_at = $11
		WHERE id = $1
	`

	result, err := s.db.ExecContext(ctx, query,
		spec.ID, spec.BrokerHost, spec.BrokerPort, spec.Topic, spec.GroupID, spec.ClientID,
		spec.AutoStart, processors, spec.Status, spec.LastError, spec.UpdatedAt,
	)
	if err != nil {
		return store.NewSpecError("Update", spec.ID, fmt.Errorf("%w: %w", store.ErrStoreIO, err))
	}

	return checkAffected(result, "Update", spec.ID)
}

func (s *Store) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM consumer_specs WHERE id = $1", id)
	if err != nil {
		return store.NewSpecError("Delete", id, fmt.Errorf("%w: %w", store.ErrStoreIO, err))
	}

	return checkAffected(result, "Delete", id)
}

func (s *Store) SetStatus(ctx context.Context, id string, status models.ConsumerStatus, lastError string) error {
	query := "UPDATE consumer_specs SET status = $2, last_error = $3, updated_at = NOW() WHERE id = $1"

	result, err := s.db.ExecContext(ctx, query, id, status, lastError)
	if err != nil {
		return store.NewSpecError("SetStatus", id, fmt.Errorf("%w: %w", store.ErrStoreIO, err))
	}

	return checkAffected(result, "SetStatus", id)
}

func (s *Store) HealthCheck(ctx context.Context) error {
	err := s.db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", store.ErrStoreIO, err)
	}

	return nil
}

func (s *Store) Close(_ context.Context) error {
	err := s.db.Close()
	if err != nil {
		return fmt.Errorf("failed to close database connection: %w", err)
	}

	return nil
}

const selectColumns = `
	SELECT
		id
	  , broker_host
	  , broker_port
	  , topic
	  , group_id
	  , client_id
	  , auto_start
	  , processors
	  , status
	  , last_error
	  , created_at
	  , updated_at
	FROM consumer_specs
`

type scanner interface {
	Scan(dest ...any) error
}

func scanSpec(row scanner) (*models.ConsumerSpec, error) {
	var (
		spec       models.ConsumerSpec
		processors []byte
	)

	err := row.Scan(
		&spec.ID, &spec.BrokerHost, &spec.BrokerPort, &spec.Topic, &spec.GroupID, &spec.ClientID,
		&spec.AutoStart, &processors, &spec.Status, &spec.LastError, &spec.CreatedAt, &spec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	err = json.Unmarshal(processors, &spec.Processors)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal processors: %w", err)
	}

	return &spec, nil
}

func checkAffected(result sql.Result, op, id string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return store.NewSpecError(op, id, fmt.Errorf("%w: %w", store.ErrStoreIO, err))
	}

	if affected == 0 {
		return store.NewSpecError(op, id, store.ErrNotFound)
	}

	return nil
}
