package supervisor_test

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/extractd/extractd/pkg/eventbus"
	"github.com/extractd/extractd/pkg/extractor"
	"github.com/extractd/extractd/pkg/models"
	"github.com/extractd/extractd/pkg/processor"
	"github.com/extractd/extractd/pkg/store"
	"github.com/extractd/extractd/pkg/store/memory"
	"github.com/extractd/extractd/pkg/supervisor"
)

// blockingConsumerGroup is a sarama.ConsumerGroup whose Consume blocks until
// the session context is cancelled.
type blockingConsumerGroup struct {
	mu         sync.Mutex
	errs       chan error
	consumeErr error
	closed     bool
}

func newBlockingConsumerGroup() *blockingConsumerGroup {
	return &blockingConsumerGroup{errs: make(chan error)}
}

func (f *blockingConsumerGroup) Consume(ctx context.Context, _ []string, _ sarama.ConsumerGroupHandler) error {
	f.mu.Lock()
	consumeErr := f.consumeErr
	f.mu.Unlock()

	if consumeErr != nil {
		return consumeErr
	}

	<-ctx.Done()

	return ctx.Err()
}

func (f *blockingConsumerGroup) Errors() <-chan error { return f.errs }

func (f *blockingConsumerGroup) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.closed {
		f.closed = true
		close(f.errs)
	}

	return nil
}

func (f *blockingConsumerGroup) Pause(_ map[string][]int32)  {}
func (f *blockingConsumerGroup) Resume(_ map[string][]int32) {}
func (f *blockingConsumerGroup) PauseAll()                   {}
func (f *blockingConsumerGroup) ResumeAll()                  {}

// countingFactory builds blocking consumer groups and counts constructions.
type countingFactory struct {
	mu         sync.Mutex
	calls      int
	consumeErr error
	initErr    error
}

func (c *countingFactory) factory() extractor.ConsumerGroupFactory {
	return func(_ []string, _ string, _ *sarama.Config) (sarama.ConsumerGroup, error) {
		c.mu.Lock()
		defer c.mu.Unlock()

		if c.initErr != nil {
			return nil, c.initErr
		}

		c.calls++

		group := newBlockingConsumerGroup()
		group.consumeErr = c.consumeErr

		return group, nil
	}
}

func (c *countingFactory) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.calls
}

// stubFactory registers a processor type that accepts any object config.
type stubFactory struct{}

func (stubFactory) ID() string          { return "test_sink" }
func (stubFactory) Name() string        { return "Test Sink" }
func (stubFactory) Description() string { return "Discards records" }

func (stubFactory) Schema() map[string]any {
	return map[string]any{"type": "object"}
}

func (stubFactory) Create(_ context.Context, id string, _ map[string]any) (processor.Processor, error) {
	return &stubProcessor{id: id}, nil
}

type stubProcessor struct {
	id string
}

func (p *stubProcessor) ID() string   { return p.id }
func (p *stubProcessor) Type() string { return "test_sink" }

func (p *stubProcessor) Process(_ context.Context, _ *models.Record) error { return nil }
func (p *stubProcessor) Close() error                                      { return nil }

func newTestSupervisor(t *testing.T, clients *countingFactory) (*supervisor.Supervisor, store.Store) {
	t.Helper()

	specStore := memory.NewStore()

	registry := processor.NewRegistry(slog.Default())
	registry.Register(stubFactory{})

	sup := supervisor.New(slog.Default(), specStore, registry, eventbus.NewNoopPublisher(), supervisor.Config{
		PollTimeout:   10 * time.Millisecond,
		StopTimeout:   time.Second,
		ClientFactory: clients.factory(),
	})

	return sup, specStore
}

func draftSpec() *models.ConsumerSpec {
	return &models.ConsumerSpec{
		BrokerHost: "localhost",
		BrokerPort: 9092,
		Topic:      "orders",
		GroupID:    "orders-group",
		Processors: []*models.ProcessorConfig{
			{Type: "test_sink", Config: map[string]any{}},
		},
	}
}

func TestSupervisorCreate(t *testing.T) {
	t.Parallel()

	sup, specStore := newTestSupervisor(t, &countingFactory{})

	created, err := sup.Create(context.Background(), draftSpec())
	require.NoError(t, err)

	assert.NotEmpty(t, created.ID)
	assert.Equal(t, models.ConsumerStatusInactive, created.Status)
	assert.NotEmpty(t, created.Processors[0].ID)

	stored, err := specStore.GetByID(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ConsumerStatusInactive, stored.Status)
}

func TestSupervisorCreateUnknownTypeIsAtomic(t *testing.T) {
	t.Parallel()

	sup, specStore := newTestSupervisor(t, &countingFactory{})

	draft := draftSpec()
	draft.Processors = append(draft.Processors, &models.ProcessorConfig{Type: "no_such_sink"})

	_, err := sup.Create(context.Background(), draft)
	require.Error(t, err)
	assert.True(t, processor.IsUnknownType(err))

	specs, err := specStore.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, specs)
}

func TestSupervisorAutoStart(t *testing.T) {
	t.Parallel()

	clients := &countingFactory{}
	sup, _ := newTestSupervisor(t, clients)

	draft := draftSpec()
	draft.AutoStart = true

	created, err := sup.Create(context.Background(), draft)
	require.NoError(t, err)

	assert.Equal(t, models.ConsumerStatusActive, created.Status)
	assert.Equal(t, 1, clients.callCount())

	_, err = sup.Stop(context.Background(), created.ID)
	require.NoError(t, err)
}

func TestSupervisorAutoStartClientInitFailure(t *testing.T) {
	t.Parallel()

	clients := &countingFactory{initErr: errors.New("connection refused")}
	sup, specStore := newTestSupervisor(t, clients)

	draft := draftSpec()
	draft.AutoStart = true

	_, err := sup.Create(context.Background(), draft)
	require.Error(t, err)
	assert.ErrorIs(t, err, extractor.ErrClientInit)

	// The spec survives the failed start, marked ERROR with the reason.
	specs, listErr := specStore.List(context.Background())
	require.NoError(t, listErr)
	require.Len(t, specs, 1)
	assert.Equal(t, models.ConsumerStatusError, specs[0].Status)
	assert.Contains(t, specs[0].LastError, "connection refused")
}

func TestSupervisorStartStopIdempotence(t *testing.T) {
	t.Parallel()

	clients := &countingFactory{}
	sup, _ := newTestSupervisor(t, clients)

	created, err := sup.Create(context.Background(), draftSpec())
	require.NoError(t, err)

	started, err := sup.Start(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ConsumerStatusActive, started.Status)

	// start; start ≡ start
	startedAgain, err := sup.Start(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ConsumerStatusActive, startedAgain.Status)
	assert.Equal(t, 1, clients.callCount())

	stopped, err := sup.Stop(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ConsumerStatusInactive, stopped.Status)

	stoppedAgain, err := sup.Stop(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ConsumerStatusInactive, stoppedAgain.Status)
}

func TestSupervisorConcurrentStarts(t *testing.T) {
	t.Parallel()

	clients := &countingFactory{}
	sup, _ := newTestSupervisor(t, clients)

	created, err := sup.Create(context.Background(), draftSpec())
	require.NoError(t, err)

	var wg sync.WaitGroup

	for range 8 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_, err := sup.Start(context.Background(), created.ID)
			assert.NoError(t, err)
		}()
	}

	wg.Wait()

	// Exactly one extractor came up regardless of racing starts.
	assert.Equal(t, 1, clients.callCount())

	_, err = sup.Stop(context.Background(), created.ID)
	require.NoError(t, err)
}

func TestSupervisorStartUnknownConsumer(t *testing.T) {
	t.Parallel()

	sup, _ := newTestSupervisor(t, &countingFactory{})

	_, err := sup.Start(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, store.IsNotFound(err))
}

func TestSupervisorDeleteActiveConsumer(t *testing.T) {
	t.Parallel()

	clients := &countingFactory{}
	sup, specStore := newTestSupervisor(t, clients)

	draft := draftSpec()
	draft.AutoStart = true

	created, err := sup.Create(context.Background(), draft)
	require.NoError(t, err)

	require.NoError(t, sup.Delete(context.Background(), created.ID))

	_, err = specStore.GetByID(context.Background(), created.ID)
	assert.True(t, store.IsNotFound(err))

	// Deleting again reports NotFound.
	err = sup.Delete(context.Background(), created.ID)
	assert.True(t, store.IsNotFound(err))
}

// gatedStore lets a test pause a Create after the spec is persisted, opening
// the window between the store write and the auto-start lock.
type gatedStore struct {
	store.Store

	created chan string
	release chan struct{}
}

func (g *gatedStore) Create(ctx context.Context, spec *models.ConsumerSpec) error {
	if err := g.Store.Create(ctx, spec); err != nil {
		return err
	}

	g.created <- spec.ID
	<-g.release

	return nil
}

func TestSupervisorDeleteDuringAutoStartWinsWithNotFound(t *testing.T) {
	t.Parallel()

	clients := &countingFactory{}
	specStore := &gatedStore{
		Store:   memory.NewStore(),
		created: make(chan string),
		release: make(chan struct{}),
	}

	registry := processor.NewRegistry(slog.Default())
	registry.Register(stubFactory{})

	sup := supervisor.New(slog.Default(), specStore, registry, eventbus.NewNoopPublisher(), supervisor.Config{
		PollTimeout:   10 * time.Millisecond,
		StopTimeout:   time.Second,
		ClientFactory: clients.factory(),
	})

	draft := draftSpec()
	draft.AutoStart = true

	createErr := make(chan error, 1)

	go func() {
		_, err := sup.Create(context.Background(), draft)
		createErr <- err
	}()

	id := <-specStore.created

	require.NoError(t, sup.Delete(context.Background(), id))
	close(specStore.release)

	// The create loses the race: no error swallowed, no Kafka client built,
	// no orphan extractor left polling for a deleted spec.
	err := <-createErr
	require.Error(t, err)
	assert.True(t, store.IsNotFound(err))
	assert.Equal(t, 0, clients.callCount())

	_, err = sup.Stop(context.Background(), id)
	assert.True(t, store.IsNotFound(err))
}

func TestSupervisorUpdateProcessorsWhileActive(t *testing.T) {
	t.Parallel()

	clients := &countingFactory{}
	sup, _ := newTestSupervisor(t, clients)

	draft := draftSpec()
	draft.AutoStart = true

	created, err := sup.Create(context.Background(), draft)
	require.NoError(t, err)

	updated, err := sup.Update(context.Background(), created.ID, supervisor.Patch{
		Processors: []*models.ProcessorConfig{
			{Type: "test_sink", Config: map[string]any{}},
			{Type: "test_sink", Config: map[string]any{}},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, models.ConsumerStatusActive, updated.Status)
	assert.Len(t, updated.Processors, 2)

	_, err = sup.Stop(context.Background(), created.ID)
	require.NoError(t, err)
}

func TestSupervisorUpdateConnectionRestartsExtractor(t *testing.T) {
	t.Parallel()

	clients := &countingFactory{}
	sup, _ := newTestSupervisor(t, clients)

	draft := draftSpec()
	draft.AutoStart = true

	created, err := sup.Create(context.Background(), draft)
	require.NoError(t, err)
	require.Equal(t, 1, clients.callCount())

	newTopic := "payments"

	updated, err := sup.Update(context.Background(), created.ID, supervisor.Patch{Topic: &newTopic})
	require.NoError(t, err)

	assert.Equal(t, "payments", updated.Topic)
	assert.Equal(t, models.ConsumerStatusActive, updated.Status)
	assert.Equal(t, 2, clients.callCount())

	_, err = sup.Stop(context.Background(), created.ID)
	require.NoError(t, err)
}

func TestSupervisorUpdateInactiveOnlyPersists(t *testing.T) {
	t.Parallel()

	clients := &countingFactory{}
	sup, specStore := newTestSupervisor(t, clients)

	created, err := sup.Create(context.Background(), draftSpec())
	require.NoError(t, err)

	newTopic := "payments"

	updated, err := sup.Update(context.Background(), created.ID, supervisor.Patch{Topic: &newTopic})
	require.NoError(t, err)

	assert.Equal(t, "payments", updated.Topic)
	assert.Equal(t, models.ConsumerStatusInactive, updated.Status)
	assert.Equal(t, 0, clients.callCount())

	stored, err := specStore.GetByID(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, "payments", stored.Topic)
}

func TestSupervisorFatalLoopMarksError(t *testing.T) {
	t.Parallel()

	clients := &countingFactory{consumeErr: sarama.ErrOutOfBrokers}
	sup, specStore := newTestSupervisor(t, clients)

	draft := draftSpec()
	draft.AutoStart = true

	created, err := sup.Create(context.Background(), draft)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		stored, err := specStore.GetByID(context.Background(), created.ID)

		return err == nil && stored.Status == models.ConsumerStatusError
	}, 2*time.Second, 10*time.Millisecond)

	stored, err := specStore.GetByID(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Contains(t, stored.LastError, sarama.ErrOutOfBrokers.Error())
}

func TestSupervisorShutdownStopsEverything(t *testing.T) {
	t.Parallel()

	clients := &countingFactory{}
	sup, specStore := newTestSupervisor(t, clients)

	for range 3 {
		draft := draftSpec()
		draft.AutoStart = true

		_, err := sup.Create(context.Background(), draft)
		require.NoError(t, err)
	}

	sup.Shutdown(context.Background())

	specs, err := specStore.List(context.Background())
	require.NoError(t, err)
	require.Len(t, specs, 3)

	for _, spec := range specs {
		assert.Equal(t, models.ConsumerStatusInactive, spec.Status)
	}
}
