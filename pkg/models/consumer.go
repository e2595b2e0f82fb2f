// Package models defines the core domain models for managed Kafka consumers.
package models

import (
	"fmt"
	"time"
)

// ConsumerStatus represents the operator-visible state of a managed consumer.
type ConsumerStatus string

const (
	ConsumerStatusInactive ConsumerStatus = "INACTIVE" // Spec exists, no running extractor
	ConsumerStatusActive   ConsumerStatus = "ACTIVE"   // A live extractor is polling Kafka
	ConsumerStatusError    ConsumerStatus = "ERROR"    // The extractor failed; operator action required
)

// ConsumerSpec is the persisted, declarative configuration of one managed
// Kafka consumer. ID is assigned at creation and immutable; Status is the
// authoritative runtime state and is mutated only through the supervisor.
type ConsumerSpec struct {
	ID         string             `json:"id"`
	BrokerHost string             `json:"broker_host" validate:"required"`
	BrokerPort int                `json:"broker_port" validate:"required,min=1,max=65535"`
	Topic      string             `json:"topic"       validate:"required"`
	GroupID    string             `json:"group_id"    validate:"required"`
	ClientID   string             `json:"client_id,omitempty"`
	AutoStart  bool               `json:"auto_start"`
	Processors []*ProcessorConfig `json:"processors"`
	Status     ConsumerStatus     `json:"status"`
	LastError  string             `json:"last_error,omitempty"`
	CreatedAt  time.Time          `json:"created_at"`
	UpdatedAt  time.Time          `json:"updated_at"`
}

// ProcessorConfig is one sink's declarative parameters. Config is an opaque
// mapping interpreted only by the matching processor implementation.
type ProcessorConfig struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"   validate:"required"`
	Config    map[string]any `json:"config"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// BootstrapServer returns the host:port bootstrap endpoint of the spec.
func (s *ConsumerSpec) BootstrapServer() string {
	return fmt.Sprintf("%s:%d", s.BrokerHost, s.BrokerPort)
}

// Clone returns a deep copy of the spec so callers cannot mutate stored state.
func (s *ConsumerSpec) Clone() *ConsumerSpec {
	clone := *s

	clone.Processors = make([]*ProcessorConfig, 0, len(s.Processors))
	for _, pc := range s.Processors {
		clone.Processors = append(clone.Processors, pc.Clone())
	}

	return &clone
}

// Clone returns a deep copy of the processor config.
func (pc *ProcessorConfig) Clone() *ProcessorConfig {
	clone := *pc

	clone.Config = make(map[string]any, len(pc.Config))
	for k, v := range pc.Config {
		clone.Config[k] = v
	}

	return &clone
}
