package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"
)

// LifecycleEventsTopic is the Kafka topic that carries lifecycle events.
const LifecycleEventsTopic = "extractd.lifecycle-events"

type kafkaPublisher struct {
	publisher message.Publisher
	logger    *slog.Logger
}

// NewKafkaPublisher creates a Kafka-backed lifecycle event publisher.
func NewKafkaPublisher(logger *slog.Logger, brokers []string) (Publisher, error) {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Producer.Return.Successes = true

	publisher, err := kafka.NewPublisher(
		kafka.PublisherConfig{
			Brokers:               brokers,
			Marshaler:             kafka.DefaultMarshaler{},
			OverwriteSaramaConfig: saramaConfig,
			OTELEnabled:           true,
		},
		watermill.NewSlogLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka publisher: %w", err)
	}

	return &kafkaPublisher{
		publisher: publisher,
		logger:    logger.With("module", "kafka-event-bus"),
	}, nil
}

func (k *kafkaPublisher) Publish(ctx context.Context, event *LifecycleEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal lifecycle event: %w", err)
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set("key", event.ConsumerID) // Required for Kafka partitioning
	msg.Metadata.Set("consumer_id", event.ConsumerID)
	msg.Metadata.Set("event_type", string(event.Type))
	msg.SetContext(ctx)

	k.logger.DebugContext(ctx, "publishing lifecycle event",
		"event_type", event.Type,
		"consumer_id", event.ConsumerID,
		"topic", LifecycleEventsTopic)

	err = k.publisher.Publish(LifecycleEventsTopic, msg)
	if err != nil {
		return fmt.Errorf("failed to publish lifecycle event: %w", err)
	}

	return nil
}

func (k *kafkaPublisher) Close() error {
	return k.publisher.Close()
}
