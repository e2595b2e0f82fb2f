package forwarder_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/extractd/extractd/pkg/models"
	"github.com/extractd/extractd/pkg/processor"
	"github.com/extractd/extractd/pkg/processor/forwarder"
)

func record() *models.Record {
	return &models.Record{
		ConsumerID: "consumer-1",
		Topic:      "orders",
		Partition:  2,
		Offset:     17,
		Value:      []byte(`{"amount":10}`),
	}
}

func newForwarder(t *testing.T, url string, config map[string]any) processor.Processor {
	t.Helper()

	if config == nil {
		config = map[string]any{}
	}

	config["url"] = url
	config["retries"] = map[string]any{"attempts": float64(3), "delay": float64(1)}

	instance, err := forwarder.NewFactory().Create(context.Background(), "p1", config)
	require.NoError(t, err)

	return instance
}

func TestForwarderSendsRecordValue(t *testing.T) {
	t.Parallel()

	var (
		gotBody   atomic.Value
		gotTopic  atomic.Value
		gotCustom atomic.Value
	)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotBody.Store(string(body))
		gotTopic.Store(r.Header.Get("X-Extractd-Topic"))
		gotCustom.Store(r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	instance := newForwarder(t, server.URL, map[string]any{
		"headers": map[string]any{"Authorization": "Bearer token"},
	})
	defer func() { _ = instance.Close() }()

	require.NoError(t, instance.Process(context.Background(), record()))

	assert.Equal(t, `{"amount":10}`, gotBody.Load())
	assert.Equal(t, "orders", gotTopic.Load())
	assert.Equal(t, "Bearer token", gotCustom.Load())
}

func TestForwarderRetriesServerErrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)

			return
		}

		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	instance := newForwarder(t, server.URL, nil)
	defer func() { _ = instance.Close() }()

	require.NoError(t, instance.Process(context.Background(), record()))
	assert.Equal(t, int64(3), calls.Load())
}

func TestForwarderExhaustedRetriesAreTransient(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	instance := newForwarder(t, server.URL, nil)
	defer func() { _ = instance.Close() }()

	err := instance.Process(context.Background(), record())
	require.Error(t, err)
	assert.True(t, processor.IsTransient(err))
	assert.Equal(t, int64(3), calls.Load())
}

func TestForwarderClientErrorsArePermanent(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer server.Close()

	instance := newForwarder(t, server.URL, nil)
	defer func() { _ = instance.Close() }()

	err := instance.Process(context.Background(), record())
	require.Error(t, err)
	assert.True(t, processor.IsPermanent(err))

	// 4xx is not retried.
	assert.Equal(t, int64(1), calls.Load())
}
