// Package inspector answers on-demand questions about consumer groups:
// which exist, what they committed, and how far they trail the log. Every
// call opens its own short-lived Kafka clients and never touches the clients
// owned by running extractors.
package inspector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/IBM/sarama"

	"github.com/extractd/extractd/pkg/store"
)

// GroupScope selects where list_groups looks for consumer groups.
type GroupScope string

const (
	// ScopeKnown lists only the groups referenced by stored specs.
	ScopeKnown GroupScope = "known"

	// ScopeAll additionally asks the cluster for every group it reports.
	ScopeAll GroupScope = "all"
)

var (
	// ErrGroupNotFound indicates the group has no committed offsets.
	ErrGroupNotFound = errors.New("consumer group has no committed offsets")

	// ErrTopicNotFound indicates the topic does not exist on the cluster.
	ErrTopicNotFound = errors.New("topic not found")

	// ErrTimedOut indicates the call exceeded the inspector timeout. No
	// partial results are returned.
	ErrTimedOut = errors.New("inspector query timed out")

	// ErrClientInit indicates the admin client could not be constructed or
	// could not reach the cluster.
	ErrClientInit = errors.New("kafka admin client initialization failed")

	// ErrNoBrokers indicates neither the request nor the configuration
	// supplied bootstrap servers.
	ErrNoBrokers = errors.New("no bootstrap servers configured")
)

// OffsetMetadata is one partition's committed position plus the metadata
// string the group stored with it.
type OffsetMetadata struct {
	Offset   int64  `json:"offset"`
	Metadata string `json:"metadata"`
}

// PartitionLag is the lag report for one partition. A partition the group
// never committed on carries CurrentOffset -1 and Lag equal to the log end.
type PartitionLag struct {
	CurrentOffset int64 `json:"current_offset"`
	LogEndOffset  int64 `json:"log_end_offset"`
	Lag           int64 `json:"lag"`
}

type (
	adminFactory  func(addrs []string, config *sarama.Config) (sarama.ClusterAdmin, error)
	clientFactory func(addrs []string, config *sarama.Config) (sarama.Client, error)
)

// Inspector runs read-only admin queries against the cluster. It is safe for
// concurrent use; calls share nothing but configuration.
type Inspector struct {
	logger         *slog.Logger
	store          store.Store
	defaultBrokers []string
	timeout        time.Duration

	newAdmin  adminFactory
	newClient clientFactory
}

func New(logger *slog.Logger, specStore store.Store, defaultBrokers []string, timeout time.Duration) *Inspector {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &Inspector{
		logger:         logger.With("module", "inspector"),
		store:          specStore,
		defaultBrokers: defaultBrokers,
		timeout:        timeout,
		newAdmin:       sarama.NewClusterAdmin,
		newClient:      sarama.NewClient,
	}
}

// ListGroups returns group ids, sorted. ScopeKnown reads only the store;
// ScopeAll merges in every group the cluster reports, deduplicated.
func (i *Inspector) ListGroups(ctx context.Context, scope GroupScope, brokersOverride []string) ([]string, error) {
	return runBounded(ctx, i.timeout, func() ([]string, error) {
		groups := make(map[string]struct{})

		specs, err := i.store.List(ctx)
		if err != nil {
			return nil, err
		}

		for _, spec := range specs {
			groups[spec.GroupID] = struct{}{}
		}

		if scope == ScopeAll {
			brokers, err := i.brokers(brokersOverride)
			if err != nil {
				return nil, err
			}

			admin, err := i.newAdmin(brokers, i.saramaConfig())
			if err != nil {
				return nil, fmt.Errorf("%w: %w", ErrClientInit, err)
			}
			defer i.closeAdmin(admin)

			clusterGroups, err := admin.ListConsumerGroups()
			if err != nil {
				return nil, fmt.Errorf("failed to list consumer groups: %w", err)
			}

			for groupID := range clusterGroups {
				groups[groupID] = struct{}{}
			}
		}

		ids := make([]string, 0, len(groups))
		for groupID := range groups {
			ids = append(ids, groupID)
		}

		sort.Strings(ids)

		return ids, nil
	})
}

// CommittedOffsets returns the group's committed offsets as
// topic -> partition -> {offset, metadata}. ErrGroupNotFound when the group
// has committed nothing.
func (i *Inspector) CommittedOffsets(ctx context.Context, groupID string, brokersOverride []string) (map[string]map[int32]OffsetMetadata, error) {
	return runBounded(ctx, i.timeout, func() (map[string]map[int32]OffsetMetadata, error) {
		brokers, err := i.brokers(brokersOverride)
		if err != nil {
			return nil, err
		}

		admin, err := i.newAdmin(brokers, i.saramaConfig())
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrClientInit, err)
		}
		defer i.closeAdmin(admin)

		response, err := admin.ListConsumerGroupOffsets(groupID, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch offsets for group %s: %w", groupID, err)
		}

		offsets := make(map[string]map[int32]OffsetMetadata)

		for topic, partitions := range response.Blocks {
			for partition, block := range partitions {
				// Offset -1 means nothing committed on that partition.
				if block.Offset < 0 {
					continue
				}

				if offsets[topic] == nil {
					offsets[topic] = make(map[int32]OffsetMetadata)
				}

				offsets[topic][partition] = OffsetMetadata{
					Offset:   block.Offset,
					Metadata: block.Metadata,
				}
			}
		}

		if len(offsets) == 0 {
			return nil, fmt.Errorf("%w: %s", ErrGroupNotFound, groupID)
		}

		return offsets, nil
	})
}

// Lag reports per-partition lag of a group on one topic:
// lag = max(0, log_end_offset - current_offset), with an uncommitted
// partition (current -1) lagging by the full log end.
func (i *Inspector) Lag(ctx context.Context, groupID, topic string, brokersOverride []string) (map[int32]PartitionLag, error) {
	return runBounded(ctx, i.timeout, func() (map[int32]PartitionLag, error) {
		brokers, err := i.brokers(brokersOverride)
		if err != nil {
			return nil, err
		}

		client, err := i.newClient(brokers, i.saramaConfig())
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrClientInit, err)
		}

		defer func() {
			if err := client.Close(); err != nil {
				i.logger.Error("Error closing Kafka client", "error", err)
			}
		}()

		partitions, err := client.Partitions(topic)
		if err != nil {
			if errors.Is(err, sarama.ErrUnknownTopicOrPartition) {
				return nil, fmt.Errorf("%w: %s", ErrTopicNotFound, topic)
			}

			return nil, fmt.Errorf("failed to list partitions for topic %s: %w", topic, err)
		}

		committed, err := i.committedForTopic(groupID, topic, brokers)
		if err != nil {
			return nil, err
		}

		lag := make(map[int32]PartitionLag, len(partitions))

		for _, partition := range partitions {
			endOffset, err := client.GetOffset(topic, partition, sarama.OffsetNewest)
			if err != nil {
				return nil, fmt.Errorf("failed to fetch end offset for %s/%d: %w", topic, partition, err)
			}

			current := int64(-1)
			if offset, ok := committed[partition]; ok {
				current = offset
			}

			lag[partition] = PartitionLag{
				CurrentOffset: current,
				LogEndOffset:  endOffset,
				Lag:           computeLag(current, endOffset),
			}
		}

		return lag, nil
	})
}

// committedForTopic fetches the group's committed offsets for one topic,
// keyed by partition. Uncommitted partitions are absent from the result.
func (i *Inspector) committedForTopic(groupID, topic string, brokers []string) (map[int32]int64, error) {
	admin, err := i.newAdmin(brokers, i.saramaConfig())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrClientInit, err)
	}
	defer i.closeAdmin(admin)

	response, err := admin.ListConsumerGroupOffsets(groupID, map[string][]int32{topic: nil})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch offsets for group %s: %w", groupID, err)
	}

	committed := make(map[int32]int64)

	for partition, block := range response.Blocks[topic] {
		if block.Offset >= 0 {
			committed[partition] = block.Offset
		}
	}

	return committed, nil
}

func (i *Inspector) brokers(override []string) ([]string, error) {
	if len(override) > 0 {
		return override, nil
	}

	if len(i.defaultBrokers) > 0 {
		return i.defaultBrokers, nil
	}

	return nil, ErrNoBrokers
}

func (i *Inspector) saramaConfig() *sarama.Config {
	config := sarama.NewConfig()
	config.Version = sarama.V2_6_0_0
	config.ClientID = "extractd-inspector"
	config.Net.DialTimeout = 5 * time.Second
	config.Admin.Timeout = i.timeout

	return config
}

func (i *Inspector) closeAdmin(admin sarama.ClusterAdmin) {
	if err := admin.Close(); err != nil {
		i.logger.Error("Error closing Kafka admin client", "error", err)
	}
}

func computeLag(current, end int64) int64 {
	if current < 0 {
		return end
	}

	if end <= current {
		return 0
	}

	return end - current
}

// runBounded enforces the inspector timeout: the query runs in its own
// goroutine and the caller gets either the full answer or ErrTimedOut, never
// a partial result. The sarama calls do not take a context, so on timeout
// the goroutine is left to finish and discard its result.
func runBounded[T any](ctx context.Context, timeout time.Duration, query func() (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		value T
		err   error
	}

	results := make(chan outcome, 1)

	go func() {
		value, err := query()
		results <- outcome{value: value, err: err}
	}()

	select {
	case result := <-results:
		return result.value, result.err
	case <-ctx.Done():
		var zero T

		return zero, fmt.Errorf("%w: %w", ErrTimedOut, ctx.Err())
	}
}

// IsGroupNotFound reports whether err indicates a group with no offsets.
func IsGroupNotFound(err error) bool {
	return errors.Is(err, ErrGroupNotFound)
}

// IsTopicNotFound reports whether err indicates a missing topic.
func IsTopicNotFound(err error) bool {
	return errors.Is(err, ErrTopicNotFound)
}

// IsTimedOut reports whether err indicates the inspector timeout elapsed.
func IsTimedOut(err error) bool {
	return errors.Is(err, ErrTimedOut)
}

// IsClientInit reports whether err indicates the admin client never came up.
func IsClientInit(err error) bool {
	return errors.Is(err, ErrClientInit)
}
