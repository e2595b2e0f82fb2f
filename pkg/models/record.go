package models

import "time"

// Record is one Kafka record as handed to downstream processors. It carries
// everything a sink needs without exposing the underlying client message.
type Record struct {
	ConsumerID string            `json:"consumer_id"`
	Topic      string            `json:"topic"`
	Partition  int32             `json:"partition"`
	Offset     int64             `json:"offset"`
	Key        []byte            `json:"key,omitempty"`
	Value      []byte            `json:"value"`
	Timestamp  time.Time         `json:"timestamp"`
	Headers    map[string]string `json:"headers,omitempty"`
}
