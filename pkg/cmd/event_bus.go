package cmd

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/extractd/extractd/pkg/eventbus"
)

// NewEventBus builds the lifecycle event publisher. An empty URL disables
// publishing; kafka://host:port,host:port publishes to the cluster.
func NewEventBus(logger *slog.Logger, eventBusURL string) (eventbus.Publisher, error) {
	if eventBusURL == "" {
		return eventbus.NewNoopPublisher(), nil
	}

	provider, rest, found := strings.Cut(eventBusURL, "://")
	if !found || provider != "kafka" || rest == "" {
		return nil, fmt.Errorf("unsupported event bus URL: %s", eventBusURL)
	}

	return eventbus.NewKafkaPublisher(logger, strings.Split(rest, ","))
}
