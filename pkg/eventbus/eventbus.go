// Package eventbus publishes consumer lifecycle events so external systems
// can follow what the control plane does to its consumers.
package eventbus

import (
	"context"
	"time"
)

// LifecycleEventType identifies what happened to a consumer.
type LifecycleEventType string

const (
	ConsumerCreated LifecycleEventType = "consumer.created"
	ConsumerStarted LifecycleEventType = "consumer.started"
	ConsumerStopped LifecycleEventType = "consumer.stopped"
	ConsumerUpdated LifecycleEventType = "consumer.updated"
	ConsumerDeleted LifecycleEventType = "consumer.deleted"
	ConsumerErrored LifecycleEventType = "consumer.errored"
)

// LifecycleEvent is the journal entry for one control-plane operation.
type LifecycleEvent struct {
	ID         string             `json:"id"`
	Type       LifecycleEventType `json:"type"`
	ConsumerID string             `json:"consumer_id"`
	GroupID    string             `json:"group_id,omitempty"`
	Topic      string             `json:"topic,omitempty"`
	Error      string             `json:"error,omitempty"`
	Timestamp  time.Time          `json:"timestamp"`
}

// Publisher emits lifecycle events. Publishing is best-effort: the
// supervisor logs failures but never fails a control operation over them.
type Publisher interface {
	Publish(ctx context.Context, event *LifecycleEvent) error
	Close() error
}
