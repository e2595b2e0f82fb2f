// Package extractor implements the running side of a managed consumer: one
// Kafka consumer group client, one poll loop, and the fan-out of every
// record to the configured processors.
package extractor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/IBM/sarama"

	"github.com/extractd/extractd/pkg/log"
	"github.com/extractd/extractd/pkg/models"
	"github.com/extractd/extractd/pkg/processor"
)

// Status is the extractor-internal state machine. FAILED is terminal; the
// supervisor discards a FAILED extractor and builds a fresh one.
type Status string

const (
	StatusCreated Status = "CREATED"
	StatusRunning Status = "RUNNING"
	StatusStopped Status = "STOPPED"
	StatusFailed  Status = "FAILED"
)

var (
	// ErrClientInit indicates the Kafka client could not be constructed or
	// could not establish its initial connection.
	ErrClientInit = errors.New("kafka client initialization failed")

	// ErrStopTimeout indicates the poll loop did not drain within the stop
	// timeout. The extractor is abandoned and reported FAILED.
	ErrStopTimeout = errors.New("extractor stop timed out")

	// ErrFailed indicates an operation on an extractor in terminal state.
	ErrFailed = errors.New("extractor has failed")
)

const (
	// maxConsumeFailures is how many consecutive Consume errors are absorbed
	// before the extractor escalates to FAILED.
	maxConsumeFailures = 5

	consumeRetryBackoff = 5 * time.Second
)

// Config carries the Kafka-facing parameters of one extractor.
type Config struct {
	ConsumerID  string
	Brokers     []string
	Topic       string
	GroupID     string
	ClientID    string
	PollTimeout time.Duration
	StopTimeout time.Duration

	// ClientFactory builds the underlying client; nil means the real sarama
	// consumer group. Tests substitute fakes.
	ClientFactory ConsumerGroupFactory
}

// FatalFunc is invoked once when the poll loop gives up; the supervisor uses
// it to mark the spec ERROR.
type FatalFunc func(consumerID string, err error)

// ConsumerGroupFactory builds the underlying Kafka consumer group client.
type ConsumerGroupFactory func(brokers []string, groupID string, config *sarama.Config) (sarama.ConsumerGroup, error)

// Extractor owns its Kafka client, its poll goroutine and its processor
// list. It is driven exclusively by the supervisor, which serializes all
// mutating calls per consumer id.
type Extractor struct {
	config     Config
	logger     *slog.Logger
	onFatal    FatalFunc
	newClient  ConsumerGroupFactory
	processors []processor.Processor

	mu       sync.Mutex
	status   Status
	lastErr  error
	consumer sarama.ConsumerGroup
	cancel   context.CancelFunc
	done     chan struct{}
}

func New(config Config, processors []processor.Processor, logger *slog.Logger, onFatal FatalFunc) *Extractor {
	if config.ClientID == "" {
		// The original manager forwards the consumer's id as the client id.
		config.ClientID = config.ConsumerID
	}

	if config.PollTimeout <= 0 {
		config.PollTimeout = time.Second
	}

	if config.StopTimeout <= 0 {
		config.StopTimeout = 30 * time.Second
	}

	if config.ClientFactory == nil {
		config.ClientFactory = sarama.NewConsumerGroup
	}

	return &Extractor{
		config: config,
		logger: log.WithConsumer(logger.With("module", "extractor"),
			config.ConsumerID, config.GroupID, config.Topic),
		onFatal:    onFatal,
		newClient:  config.ClientFactory,
		processors: processors,
		status:     StatusCreated,
	}
}

// Start spawns the poll loop. It is idempotent: starting a RUNNING extractor
// is a no-op. Starting a FAILED extractor returns ErrFailed.
func (e *Extractor) Start(_ context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.status {
	case StatusRunning:
		return nil
	case StatusFailed:
		return fmt.Errorf("%w: %v", ErrFailed, e.lastErr)
	case StatusCreated, StatusStopped:
	}

	config := sarama.NewConfig()
	config.Version = sarama.V2_6_0_0
	config.ClientID = e.config.ClientID
	config.Consumer.Group.Session.Timeout = 10 * time.Second
	config.Consumer.Group.Heartbeat.Interval = 3 * time.Second
	config.Consumer.Offsets.Initial = sarama.OffsetOldest
	config.Consumer.MaxWaitTime = e.config.PollTimeout
	config.Consumer.Return.Errors = true

	consumer, err := e.newClient(e.config.Brokers, e.config.GroupID, config)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrClientInit, err)
	}

	// The loop must outlive the HTTP request that started it.
	loopCtx, cancel := context.WithCancel(context.Background())

	e.consumer = consumer
	e.cancel = cancel
	e.done = make(chan struct{})
	e.status = StatusRunning
	e.lastErr = nil

	go e.run(loopCtx, consumer)
	go e.monitorErrors(loopCtx, consumer)

	e.logger.Info("Extractor started")

	return nil
}

// Stop cancels the poll loop, waits for it to drain (bounded by the stop
// timeout) and closes the Kafka client and every processor. Stopping a
// non-running extractor is a no-op.
func (e *Extractor) Stop(ctx context.Context) error {
	return e.stopLoop(ctx, true)
}

// ReplaceProcessors swaps the processor list. The poll loop is paused across
// the swap, old processors are closed after the loop drained, and the loop
// restarts over the new list. The whole swap is atomic for the caller.
func (e *Extractor) ReplaceProcessors(ctx context.Context, newProcessors []processor.Processor) error {
	e.mu.Lock()
	wasRunning := e.status == StatusRunning
	e.mu.Unlock()

	if wasRunning {
		if err := e.stopLoop(ctx, true); err != nil {
			return err
		}
	} else {
		e.closeProcessors()
	}

	e.mu.Lock()
	e.processors = newProcessors
	e.mu.Unlock()

	if wasRunning {
		return e.Start(ctx)
	}

	return nil
}

// Status returns the current loop state.
func (e *Extractor) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.status
}

// LastError returns the error that moved the extractor to FAILED, if any.
func (e *Extractor) LastError() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.lastErr
}

func (e *Extractor) stopLoop(_ context.Context, closeProcessors bool) error {
	e.mu.Lock()

	if e.status != StatusRunning {
		e.mu.Unlock()

		return nil
	}

	cancel := e.cancel
	done := e.done
	consumer := e.consumer
	stopTimeout := e.config.StopTimeout
	e.mu.Unlock()

	cancel()

	select {
	case <-done:
	case <-time.After(stopTimeout):
		e.mu.Lock()
		e.status = StatusFailed
		e.lastErr = ErrStopTimeout
		e.mu.Unlock()

		e.logger.Error("Extractor stop timed out, abandoning poll loop", "stop_timeout", stopTimeout)

		return ErrStopTimeout
	}

	if err := consumer.Close(); err != nil {
		e.logger.Error("Error closing Kafka consumer", "error", err)
	}

	e.mu.Lock()
	e.status = StatusStopped
	e.consumer = nil
	e.mu.Unlock()

	if closeProcessors {
		e.closeProcessors()
	}

	e.logger.Info("Extractor stopped")

	return nil
}

func (e *Extractor) closeProcessors() {
	e.mu.Lock()
	processors := e.processors
	e.mu.Unlock()

	for _, proc := range processors {
		if err := proc.Close(); err != nil {
			e.logger.Error("Error closing processor",
				"processor_id", proc.ID(),
				"processor_type", proc.Type(),
				"error", err)
		}
	}
}

// run is the poll loop: Consume blocks while a consumer group session is
// live and returns on rebalance, which is why it is called in a loop.
func (e *Extractor) run(ctx context.Context, consumer sarama.ConsumerGroup) {
	defer close(e.done)

	handler := &fanoutHandler{extractor: e}
	consecutiveFailures := 0

	for {
		select {
		case <-ctx.Done():
			e.logger.Debug("Poll loop context cancelled")

			return
		default:
		}

		err := consumer.Consume(ctx, []string{e.config.Topic}, handler)
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			consecutiveFailures++

			if isFatalConsumeError(err) || consecutiveFailures >= maxConsumeFailures {
				e.fail(err)

				return
			}

			e.logger.Error("Kafka consume error, retrying",
				"error", err,
				"consecutive_failures", consecutiveFailures)

			select {
			case <-ctx.Done():
				return
			case <-time.After(consumeRetryBackoff):
			}

			continue
		}

		// A clean return means the session ended (rebalance); reset the
		// failure streak and rejoin.
		consecutiveFailures = 0
	}
}

// fail transitions to FAILED, releases the client and processors, and
// notifies the supervisor.
func (e *Extractor) fail(cause error) {
	e.mu.Lock()

	if e.status == StatusFailed {
		e.mu.Unlock()

		return
	}

	e.status = StatusFailed
	e.lastErr = cause
	consumer := e.consumer
	e.consumer = nil
	e.mu.Unlock()

	e.logger.Error("Extractor failed", "error", cause)

	if consumer != nil {
		if err := consumer.Close(); err != nil {
			e.logger.Error("Error closing Kafka consumer after failure", "error", err)
		}
	}

	e.closeProcessors()

	if e.onFatal != nil {
		// Notify off the poll goroutine: the callback takes supervisor locks
		// that a concurrent Stop may hold while waiting for the loop to drain.
		go e.onFatal(e.config.ConsumerID, cause)
	}
}

func (e *Extractor) monitorErrors(ctx context.Context, consumer sarama.ConsumerGroup) {
	for {
		select {
		case err, ok := <-consumer.Errors():
			if !ok {
				return
			}

			if err != nil {
				e.logger.Error("Kafka consumer group error", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// isFatalConsumeError reports whether the error cannot heal by rejoining:
// authentication and authorization failures, or the client having exhausted
// every broker.
func isFatalConsumeError(err error) bool {
	if errors.Is(err, sarama.ErrOutOfBrokers) || errors.Is(err, sarama.ErrClosedConsumerGroup) {
		return true
	}

	var kerr sarama.KError
	if errors.As(err, &kerr) {
		switch kerr {
		case sarama.ErrSASLAuthenticationFailed,
			sarama.ErrTopicAuthorizationFailed,
			sarama.ErrGroupAuthorizationFailed,
			sarama.ErrClusterAuthorizationFailed:
			return true
		default:
			return false
		}
	}

	return false
}

// fanoutHandler implements sarama.ConsumerGroupHandler. Every record is
// dispatched to each processor in declared order; a failure in one never
// skips the others and never stops the loop.
type fanoutHandler struct {
	extractor *Extractor
}

func (h *fanoutHandler) Setup(_ sarama.ConsumerGroupSession) error {
	h.extractor.logger.Info("Kafka consumer group session started")

	return nil
}

func (h *fanoutHandler) Cleanup(_ sarama.ConsumerGroupSession) error {
	h.extractor.logger.Info("Kafka consumer group session ended")

	return nil
}

func (h *fanoutHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := session.Context()

	for message := range claim.Messages() {
		record := h.toRecord(message)

		h.extractor.dispatch(ctx, record)

		// Commit is decoupled from processor outcomes: at-most-once to sinks.
		session.MarkMessage(message, "")
	}

	return nil
}

func (h *fanoutHandler) toRecord(message *sarama.ConsumerMessage) *models.Record {
	headers := make(map[string]string, len(message.Headers))
	for _, header := range message.Headers {
		headers[string(header.Key)] = string(header.Value)
	}

	return &models.Record{
		ConsumerID: h.extractor.config.ConsumerID,
		Topic:      message.Topic,
		Partition:  message.Partition,
		Offset:     message.Offset,
		Key:        message.Key,
		Value:      message.Value,
		Timestamp:  message.Timestamp,
		Headers:    headers,
	}
}

// dispatch fans one record out to every processor in declared order.
func (e *Extractor) dispatch(ctx context.Context, record *models.Record) {
	e.mu.Lock()
	processors := e.processors
	e.mu.Unlock()

	for _, proc := range processors {
		err := proc.Process(ctx, record)
		if err == nil {
			continue
		}

		logger := e.logger.With(
			"processor_id", proc.ID(),
			"processor_type", proc.Type(),
			"partition", record.Partition,
			"offset", record.Offset,
		)

		if processor.IsTransient(err) {
			logger.Warn("Processor failed transiently", "error", err)
		} else {
			logger.Error("Processor failed", "error", err)
		}
	}
}
