package databasesync

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/extractd/extractd/pkg/processor"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		err         error
		isPermanent bool
	}{
		{
			name:        "integrity violation is permanent",
			err:         &pq.Error{Code: "23505"},
			isPermanent: true,
		},
		{
			name:        "data error is permanent",
			err:         &pq.Error{Code: "22001"},
			isPermanent: true,
		},
		{
			name:        "undefined table is permanent",
			err:         &pq.Error{Code: "42P01"},
			isPermanent: true,
		},
		{
			name: "admin shutdown is transient",
			err:  &pq.Error{Code: "57P01"},
		},
		{
			name: "plain connection error is transient",
			err:  errors.New("connection refused"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			classified := classify(fmt.Errorf("insert failed: %w", tt.err))

			if tt.isPermanent {
				assert.True(t, processor.IsPermanent(classified))
			} else {
				assert.True(t, processor.IsTransient(classified))
			}
		})
	}
}

func TestCreateRejectsBadTableName(t *testing.T) {
	t.Parallel()

	factory := NewFactory()

	_, err := factory.Create(context.Background(), "p1", map[string]any{
		"db_dsn": "postgres://localhost:5432/db",
		"table":  "drop table; --",
	})
	require.Error(t, err)
}

func TestCreateDoesNotDial(t *testing.T) {
	t.Parallel()

	// The DSN points nowhere; construction must still succeed because the
	// connection is established lazily.
	factory := NewFactory()

	instance, err := factory.Create(context.Background(), "p1", map[string]any{
		"db_dsn": "postgres://nobody@203.0.113.1:5432/nowhere",
	})
	require.NoError(t, err)
	require.NoError(t, instance.Close())
}
