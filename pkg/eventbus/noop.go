package eventbus

import "context"

type noopPublisher struct{}

// NewNoopPublisher returns a publisher that discards every event. Used when
// no event bus is configured.
func NewNoopPublisher() Publisher {
	return noopPublisher{}
}

func (noopPublisher) Publish(_ context.Context, _ *LifecycleEvent) error { return nil }

func (noopPublisher) Close() error { return nil }
