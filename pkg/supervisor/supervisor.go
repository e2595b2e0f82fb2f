// Package supervisor is the control plane around the extractors: it owns the
// registry of live poll loops, serializes every control operation per
// consumer id, and keeps the persisted status in lockstep with runtime state.
package supervisor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/extractd/extractd/pkg/eventbus"
	"github.com/extractd/extractd/pkg/extractor"
	"github.com/extractd/extractd/pkg/models"
	"github.com/extractd/extractd/pkg/processor"
	"github.com/extractd/extractd/pkg/store"
)

// statusUpdateTimeout bounds the store writes done from background paths
// (fatal-loop callbacks, shutdown) that carry no request context.
const statusUpdateTimeout = 10 * time.Second

// Config carries the runtime defaults applied to every extractor.
type Config struct {
	PollTimeout time.Duration
	StopTimeout time.Duration

	// ClientFactory overrides how extractors build their Kafka clients; nil
	// means the real sarama consumer group.
	ClientFactory extractor.ConsumerGroupFactory
}

// Supervisor manages the full lifecycle of consumers: specs in the store,
// extractors in memory, and the invariant that a spec is ACTIVE exactly when
// its extractor is live.
type Supervisor struct {
	store    store.Store
	registry *processor.Registry
	bus      eventbus.Publisher
	logger   *slog.Logger
	config   Config

	mu         sync.RWMutex
	extractors map[string]*extractor.Extractor

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(logger *slog.Logger, specStore store.Store, registry *processor.Registry, bus eventbus.Publisher, config Config) *Supervisor {
	return &Supervisor{
		store:      specStore,
		registry:   registry,
		bus:        bus,
		logger:     logger.With("module", "supervisor"),
		config:     config,
		extractors: make(map[string]*extractor.Extractor),
		locks:      make(map[string]*sync.Mutex),
	}
}

// Patch is a partial update to a consumer spec. Nil fields are left
// untouched; a non-nil Processors slice replaces the whole processor list.
type Patch struct {
	BrokerHost *string
	BrokerPort *int
	Topic      *string
	GroupID    *string
	ClientID   *string
	AutoStart  *bool
	Processors []*models.ProcessorConfig
}

// Create validates the draft's processors, persists the spec INACTIVE, and
// starts it when auto_start is set. Validation happens before any write so a
// bad draft leaves no trace.
func (s *Supervisor) Create(ctx context.Context, spec *models.ConsumerSpec) (*models.ConsumerSpec, error) {
	for _, processorConfig := range spec.Processors {
		if err := s.registry.ValidateConfig(processorConfig.Type, processorConfig.Config); err != nil {
			return nil, err
		}
	}

	now := time.Now().UTC()

	spec.ID = uuid.New().String()
	spec.Status = models.ConsumerStatusInactive
	spec.LastError = ""
	spec.CreatedAt = now
	spec.UpdatedAt = now

	for _, processorConfig := range spec.Processors {
		processorConfig.ID = uuid.New().String()
		processorConfig.CreatedAt = now
		processorConfig.UpdatedAt = now
	}

	if err := s.store.Create(ctx, spec); err != nil {
		return nil, err
	}

	s.publish(ctx, eventbus.ConsumerCreated, spec, "")
	s.logger.InfoContext(ctx, "Consumer created", "consumer_id", spec.ID, "topic", spec.Topic)

	if spec.AutoStart {
		lock := s.lockFor(spec.ID)
		lock.Lock()
		defer lock.Unlock()

		// A delete may win the lock between the store write and here; start
		// only what is still persisted, and lose with NotFound otherwise.
		current, err := s.store.GetByID(ctx, spec.ID)
		if err != nil {
			return nil, err
		}

		if err := s.startLocked(ctx, current); err != nil {
			return nil, err
		}

		return current, nil
	}

	return spec, nil
}

// Get returns the persisted spec.
func (s *Supervisor) Get(ctx context.Context, id string) (*models.ConsumerSpec, error) {
	return s.store.GetByID(ctx, id)
}

// List returns every persisted spec.
func (s *Supervisor) List(ctx context.Context) ([]*models.ConsumerSpec, error) {
	return s.store.List(ctx)
}

// Start brings the consumer's extractor up. Starting an ACTIVE consumer is a
// no-op; a previously failed extractor is discarded and rebuilt from the
// spec.
func (s *Supervisor) Start(ctx context.Context, id string) (*models.ConsumerSpec, error) {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	spec, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := s.startLocked(ctx, spec); err != nil {
		return nil, err
	}

	return spec, nil
}

// Stop tears the consumer's extractor down, bounded by the stop timeout.
// Stopping an INACTIVE consumer is a no-op.
func (s *Supervisor) Stop(ctx context.Context, id string) (*models.ConsumerSpec, error) {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	spec, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	ext := s.extractorFor(id)
	if ext == nil {
		if spec.Status == models.ConsumerStatusActive {
			// Should not happen while the per-id lock is honored; reconcile.
			s.setStatus(ctx, spec, models.ConsumerStatusInactive, "")
		}

		return spec, nil
	}

	stopErr := ext.Stop(ctx)

	s.removeExtractor(id)

	if stopErr != nil {
		s.setStatus(ctx, spec, models.ConsumerStatusError, stopErr.Error())
		s.publish(ctx, eventbus.ConsumerErrored, spec, stopErr.Error())

		return nil, stopErr
	}

	s.setStatus(ctx, spec, models.ConsumerStatusInactive, "")
	s.publish(ctx, eventbus.ConsumerStopped, spec, "")
	s.logger.InfoContext(ctx, "Consumer stopped", "consumer_id", id)

	return spec, nil
}

// Update patches the persisted spec and reconciles the runtime: a processor
// change on an ACTIVE consumer swaps the processor list in place, a
// connection change (broker, topic, group, client id) restarts the
// extractor. An empty patch only bumps updated_at.
func (s *Supervisor) Update(ctx context.Context, id string, patch Patch) (*models.ConsumerSpec, error) {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	spec, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	// Validate before touching anything: a bad patch changes nothing.
	for _, processorConfig := range patch.Processors {
		if err := s.registry.ValidateConfig(processorConfig.Type, processorConfig.Config); err != nil {
			return nil, err
		}
	}

	now := time.Now().UTC()
	connectionChanged := false

	if patch.BrokerHost != nil && *patch.BrokerHost != spec.BrokerHost {
		spec.BrokerHost = *patch.BrokerHost
		connectionChanged = true
	}

	if patch.BrokerPort != nil && *patch.BrokerPort != spec.BrokerPort {
		spec.BrokerPort = *patch.BrokerPort
		connectionChanged = true
	}

	if patch.Topic != nil && *patch.Topic != spec.Topic {
		spec.Topic = *patch.Topic
		connectionChanged = true
	}

	if patch.GroupID != nil && *patch.GroupID != spec.GroupID {
		spec.GroupID = *patch.GroupID
		connectionChanged = true
	}

	if patch.ClientID != nil && *patch.ClientID != spec.ClientID {
		spec.ClientID = *patch.ClientID
		connectionChanged = true
	}

	if patch.AutoStart != nil {
		spec.AutoStart = *patch.AutoStart
	}

	processorsChanged := patch.Processors != nil
	if processorsChanged {
		for _, processorConfig := range patch.Processors {
			processorConfig.ID = uuid.New().String()
			processorConfig.CreatedAt = now
			processorConfig.UpdatedAt = now
		}

		spec.Processors = patch.Processors
	}

	spec.UpdatedAt = now

	if err := s.store.Update(ctx, spec); err != nil {
		return nil, err
	}

	s.publish(ctx, eventbus.ConsumerUpdated, spec, "")

	ext := s.extractorFor(id)
	if ext == nil || ext.Status() != extractor.StatusRunning {
		return spec, nil
	}

	switch {
	case connectionChanged:
		if err := s.restartLocked(ctx, spec, ext); err != nil {
			return nil, err
		}
	case processorsChanged:
		if err := s.swapProcessorsLocked(ctx, spec, ext); err != nil {
			return nil, err
		}
	}

	return spec, nil
}

// Delete stops the extractor if one is live and removes the spec. A stop
// timeout does not block the delete: the loop is abandoned and the spec goes
// away regardless.
func (s *Supervisor) Delete(ctx context.Context, id string) error {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	spec, err := s.store.GetByID(ctx, id)
	if err != nil {
		return err
	}

	if ext := s.extractorFor(id); ext != nil {
		if err := ext.Stop(ctx); err != nil {
			s.logger.WarnContext(ctx, "Extractor did not stop cleanly before delete, abandoning it",
				"consumer_id", id, "error", err)
		}

		s.removeExtractor(id)
	}

	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}

	s.publish(ctx, eventbus.ConsumerDeleted, spec, "")
	s.logger.InfoContext(ctx, "Consumer deleted", "consumer_id", id)

	return nil
}

// Shutdown stops every live extractor concurrently, each bounded by the stop
// timeout, and marks cleanly stopped consumers INACTIVE.
func (s *Supervisor) Shutdown(ctx context.Context) {
	s.mu.Lock()
	extractors := s.extractors
	s.extractors = make(map[string]*extractor.Extractor)
	s.mu.Unlock()

	var wg sync.WaitGroup

	for id, ext := range extractors {
		wg.Add(1)

		go func(id string, ext *extractor.Extractor) {
			defer wg.Done()

			if err := ext.Stop(ctx); err != nil {
				s.logger.ErrorContext(ctx, "Extractor did not stop cleanly during shutdown",
					"consumer_id", id, "error", err)

				return
			}

			if err := s.store.SetStatus(ctx, id, models.ConsumerStatusInactive, ""); err != nil {
				s.logger.ErrorContext(ctx, "Failed to persist status during shutdown",
					"consumer_id", id, "error", err)
			}
		}(id, ext)
	}

	wg.Wait()

	s.logger.InfoContext(ctx, "Supervisor shut down", "stopped", len(extractors))
}

// startLocked builds and starts an extractor for spec. The caller holds the
// per-id lock.
func (s *Supervisor) startLocked(ctx context.Context, spec *models.ConsumerSpec) error {
	if existing := s.extractorFor(spec.ID); existing != nil {
		if existing.Status() == extractor.StatusRunning {
			return nil
		}

		// Failed or stale: discard and rebuild from the spec.
		s.removeExtractor(spec.ID)
	}

	processors, err := s.buildProcessors(ctx, spec)
	if err != nil {
		s.setStatus(ctx, spec, models.ConsumerStatusError, err.Error())
		s.publish(ctx, eventbus.ConsumerErrored, spec, err.Error())

		return err
	}

	ext := extractor.New(extractor.Config{
		ConsumerID:    spec.ID,
		Brokers:       []string{spec.BootstrapServer()},
		Topic:         spec.Topic,
		GroupID:       spec.GroupID,
		ClientID:      spec.ClientID,
		PollTimeout:   s.config.PollTimeout,
		StopTimeout:   s.config.StopTimeout,
		ClientFactory: s.config.ClientFactory,
	}, processors, s.logger, s.handleFatal)

	if err := ext.Start(ctx); err != nil {
		closeProcessors(s.logger, processors)
		s.setStatus(ctx, spec, models.ConsumerStatusError, err.Error())
		s.publish(ctx, eventbus.ConsumerErrored, spec, err.Error())

		return err
	}

	s.mu.Lock()
	s.extractors[spec.ID] = ext
	s.mu.Unlock()

	s.setStatus(ctx, spec, models.ConsumerStatusActive, "")
	s.publish(ctx, eventbus.ConsumerStarted, spec, "")
	s.logger.InfoContext(ctx, "Consumer started",
		"consumer_id", spec.ID, "topic", spec.Topic, "consumer_group", spec.GroupID)

	return nil
}

// restartLocked applies a connection change to a running consumer by
// stopping the old extractor and starting a fresh one from the updated spec.
func (s *Supervisor) restartLocked(ctx context.Context, spec *models.ConsumerSpec, ext *extractor.Extractor) error {
	if err := ext.Stop(ctx); err != nil {
		s.removeExtractor(spec.ID)
		s.setStatus(ctx, spec, models.ConsumerStatusError, err.Error())
		s.publish(ctx, eventbus.ConsumerErrored, spec, err.Error())

		return err
	}

	s.removeExtractor(spec.ID)

	return s.startLocked(ctx, spec)
}

// swapProcessorsLocked replaces the processor list of a running consumer
// without restarting the Kafka client.
func (s *Supervisor) swapProcessorsLocked(ctx context.Context, spec *models.ConsumerSpec, ext *extractor.Extractor) error {
	processors, err := s.buildProcessors(ctx, spec)
	if err != nil {
		// The spec is already persisted; the loop keeps the old processors.
		s.logger.ErrorContext(ctx, "Failed to build updated processors, keeping previous ones",
			"consumer_id", spec.ID, "error", err)

		return err
	}

	if err := ext.ReplaceProcessors(ctx, processors); err != nil {
		closeProcessors(s.logger, processors)
		s.removeExtractor(spec.ID)
		s.setStatus(ctx, spec, models.ConsumerStatusError, err.Error())
		s.publish(ctx, eventbus.ConsumerErrored, spec, err.Error())

		return err
	}

	return nil
}

func (s *Supervisor) buildProcessors(ctx context.Context, spec *models.ConsumerSpec) ([]processor.Processor, error) {
	processors := make([]processor.Processor, 0, len(spec.Processors))

	for _, processorConfig := range spec.Processors {
		instance, err := s.registry.Create(ctx, processorConfig.Type, processorConfig.ID, processorConfig.Config)
		if err != nil {
			closeProcessors(s.logger, processors)

			return nil, err
		}

		processors = append(processors, instance)
	}

	return processors, nil
}

// handleFatal runs when a poll loop gives up on its own. It is called from
// the extractor's goroutine, never from a request.
func (s *Supervisor) handleFatal(consumerID string, cause error) {
	lock := s.lockFor(consumerID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	ext, ok := s.extractors[consumerID]
	if !ok || ext.Status() != extractor.StatusFailed {
		// A control operation already replaced or removed this extractor.
		s.mu.Unlock()

		return
	}

	delete(s.extractors, consumerID)
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), statusUpdateTimeout)
	defer cancel()

	s.logger.ErrorContext(ctx, "Extractor failed, marking consumer ERROR",
		"consumer_id", consumerID, "error", cause)

	if err := s.store.SetStatus(ctx, consumerID, models.ConsumerStatusError, cause.Error()); err != nil {
		s.logger.ErrorContext(ctx, "Failed to persist ERROR status",
			"consumer_id", consumerID, "error", err)
	}

	spec, err := s.store.GetByID(ctx, consumerID)
	if err != nil {
		return
	}

	s.publish(ctx, eventbus.ConsumerErrored, spec, cause.Error())
}

// lockFor returns the mutex serializing control operations on one consumer
// id. Locks live for the process lifetime.
func (s *Supervisor) lockFor(id string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	lock, ok := s.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[id] = lock
	}

	return lock
}

func (s *Supervisor) extractorFor(id string) *extractor.Extractor {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.extractors[id]
}

func (s *Supervisor) removeExtractor(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.extractors, id)
}

// setStatus persists the status transition and mirrors it onto the in-memory
// spec so callers see what was stored.
func (s *Supervisor) setStatus(ctx context.Context, spec *models.ConsumerSpec, status models.ConsumerStatus, lastError string) {
	spec.Status = status
	spec.LastError = lastError

	if err := s.store.SetStatus(ctx, spec.ID, status, lastError); err != nil {
		s.logger.ErrorContext(ctx, "Failed to persist consumer status",
			"consumer_id", spec.ID, "status", status, "error", err)
	}
}

func (s *Supervisor) publish(ctx context.Context, eventType eventbus.LifecycleEventType, spec *models.ConsumerSpec, errMsg string) {
	event := &eventbus.LifecycleEvent{
		ID:         uuid.New().String(),
		Type:       eventType,
		ConsumerID: spec.ID,
		GroupID:    spec.GroupID,
		Topic:      spec.Topic,
		Error:      errMsg,
		Timestamp:  time.Now().UTC(),
	}

	if err := s.bus.Publish(ctx, event); err != nil {
		s.logger.WarnContext(ctx, "Failed to publish lifecycle event",
			"event_type", eventType, "consumer_id", spec.ID, "error", err)
	}
}

func closeProcessors(logger *slog.Logger, processors []processor.Processor) {
	for _, instance := range processors {
		if err := instance.Close(); err != nil {
			logger.Error("Error closing processor",
				"processor_id", instance.ID(), "processor_type", instance.Type(), "error", err)
		}
	}
}
