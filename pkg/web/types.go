// Package web provides HTTP request and response types for the consumer API.
package web

import (
	"sort"

	"github.com/extractd/extractd/pkg/inspector"
	"github.com/extractd/extractd/pkg/models"
)

// ProcessorConfigRequest is one downstream sink in a create or update body.
type ProcessorConfigRequest struct {
	Type   string         `json:"type"   validate:"required"`
	Config map[string]any `json:"config"`
}

// CreateConsumerRequest represents the request body for creating a consumer.
type CreateConsumerRequest struct {
	BrokerHost string                   `json:"broker_host" validate:"required,min=1"`
	BrokerPort int                      `json:"broker_port" validate:"required,min=1,max=65535"`
	Topic      string                   `json:"topic"       validate:"required,min=1"`
	GroupID    string                   `json:"group_id"    validate:"required,min=1"`
	ClientID   string                   `json:"client_id"`
	AutoStart  bool                     `json:"auto_start"`
	Processors []ProcessorConfigRequest `json:"processors"  validate:"dive"`
}

// UpdateConsumerRequest represents the request body for updating a consumer.
// All fields are optional to support partial updates; a processors list, when
// present, replaces the consumer's whole processor set.
type UpdateConsumerRequest struct {
	BrokerHost *string                  `json:"broker_host,omitempty" validate:"omitempty,min=1"`
	BrokerPort *int                     `json:"broker_port,omitempty" validate:"omitempty,min=1,max=65535"`
	Topic      *string                  `json:"topic,omitempty"       validate:"omitempty,min=1"`
	GroupID    *string                  `json:"group_id,omitempty"    validate:"omitempty,min=1"`
	ClientID   *string                  `json:"client_id,omitempty"`
	AutoStart  *bool                    `json:"auto_start,omitempty"`
	Processors []ProcessorConfigRequest `json:"processors,omitempty"  validate:"omitempty,dive"`
}

// ConsumerStatusResponse is the payload of start and stop.
type ConsumerStatusResponse struct {
	ID     string                `json:"id"`
	Status models.ConsumerStatus `json:"status"`
}

// GroupOffsetEntry is one committed partition position in the offsets
// listing of a consumer group.
type GroupOffsetEntry struct {
	Topic         string `json:"topic"`
	Partition     int32  `json:"partition"`
	CurrentOffset int64  `json:"current_offset"`
	Metadata      string `json:"metadata"`
}

// GroupOffsetsResponse is the payload of the per-group offsets endpoint.
type GroupOffsetsResponse struct {
	GroupID string             `json:"group_id"`
	Offsets []GroupOffsetEntry `json:"offsets"`
}

func toProcessorConfigs(requests []ProcessorConfigRequest) []*models.ProcessorConfig {
	configs := make([]*models.ProcessorConfig, 0, len(requests))
	for _, request := range requests {
		configs = append(configs, &models.ProcessorConfig{
			Type:   request.Type,
			Config: request.Config,
		})
	}

	return configs
}

// flattenOffsets turns the inspector's nested map into a stable, sorted list.
func flattenOffsets(offsets map[string]map[int32]inspector.OffsetMetadata) []GroupOffsetEntry {
	entries := make([]GroupOffsetEntry, 0, len(offsets))

	for topic, partitions := range offsets {
		for partition, committed := range partitions {
			entries = append(entries, GroupOffsetEntry{
				Topic:         topic,
				Partition:     partition,
				CurrentOffset: committed.Offset,
				Metadata:      committed.Metadata,
			})
		}
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Topic != entries[j].Topic {
			return entries[i].Topic < entries[j].Topic
		}

		return entries[i].Partition < entries[j].Partition
	})

	return entries
}
