package inspector

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/extractd/extractd/pkg/models"
	"github.com/extractd/extractd/pkg/store/memory"
)

// fakeAdmin stubs the two ClusterAdmin calls the inspector makes. The
// embedded interface panics on anything else, which is what we want.
type fakeAdmin struct {
	sarama.ClusterAdmin

	groups  map[string]string
	offsets *sarama.OffsetFetchResponse
	delay   time.Duration
	closed  bool
}

func (f *fakeAdmin) ListConsumerGroups() (map[string]string, error) {
	time.Sleep(f.delay)

	return f.groups, nil
}

func (f *fakeAdmin) ListConsumerGroupOffsets(_ string, _ map[string][]int32) (*sarama.OffsetFetchResponse, error) {
	time.Sleep(f.delay)

	return f.offsets, nil
}

func (f *fakeAdmin) Close() error {
	f.closed = true

	return nil
}

// fakeClient stubs partition listing and end-offset lookups.
type fakeClient struct {
	sarama.Client

	partitions []int32
	endOffsets map[int32]int64
	closed     bool
}

func (f *fakeClient) Partitions(_ string) ([]int32, error) {
	return f.partitions, nil
}

func (f *fakeClient) GetOffset(_ string, partition int32, _ int64) (int64, error) {
	return f.endOffsets[partition], nil
}

func (f *fakeClient) Close() error {
	f.closed = true

	return nil
}

func testInspector(t *testing.T, admin *fakeAdmin, client *fakeClient) *Inspector {
	t.Helper()

	insp := New(slog.Default(), memory.NewStore(), []string{"localhost:9092"}, time.Second)

	if admin != nil {
		insp.newAdmin = func(_ []string, _ *sarama.Config) (sarama.ClusterAdmin, error) {
			return admin, nil
		}
	}

	if client != nil {
		insp.newClient = func(_ []string, _ *sarama.Config) (sarama.Client, error) {
			return client, nil
		}
	}

	return insp
}

func offsetsResponse(blocks map[string]map[int32]*sarama.OffsetFetchResponseBlock) *sarama.OffsetFetchResponse {
	return &sarama.OffsetFetchResponse{Blocks: blocks}
}

func TestComputeLag(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		current int64
		end     int64
		want    int64
	}{
		{"behind", 42, 45, 3},
		{"caught up", 45, 45, 0},
		{"committed past end is clamped", 50, 45, 0},
		{"never committed lags by the full log", -1, 45, 45},
		{"never committed on empty log", -1, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, computeLag(tt.current, tt.end))
		})
	}
}

func TestListGroupsKnown(t *testing.T) {
	t.Parallel()

	specStore := memory.NewStore()

	for i, groupID := range []string{"orders-group", "payments-group", "orders-group"} {
		require.NoError(t, specStore.Create(context.Background(), &models.ConsumerSpec{
			ID:         fmt.Sprintf("consumer-%d", i),
			BrokerHost: "localhost", BrokerPort: 9092,
			Topic: "t", GroupID: groupID,
		}))
	}

	insp := New(slog.Default(), specStore, []string{"localhost:9092"}, time.Second)

	groups, err := insp.ListGroups(context.Background(), ScopeKnown, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"orders-group", "payments-group"}, groups)
}

func TestListGroupsAllMergesCluster(t *testing.T) {
	t.Parallel()

	specStore := memory.NewStore()
	require.NoError(t, specStore.Create(context.Background(), &models.ConsumerSpec{
		ID: "c1", BrokerHost: "localhost", BrokerPort: 9092, Topic: "t", GroupID: "orders-group",
	}))

	admin := &fakeAdmin{groups: map[string]string{
		"orders-group":   "consumer",
		"external-group": "consumer",
	}}

	insp := New(slog.Default(), specStore, []string{"localhost:9092"}, time.Second)
	insp.newAdmin = func(_ []string, _ *sarama.Config) (sarama.ClusterAdmin, error) {
		return admin, nil
	}

	groups, err := insp.ListGroups(context.Background(), ScopeAll, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"external-group", "orders-group"}, groups)
	assert.True(t, admin.closed)
}

func TestCommittedOffsets(t *testing.T) {
	t.Parallel()

	admin := &fakeAdmin{offsets: offsetsResponse(map[string]map[int32]*sarama.OffsetFetchResponseBlock{
		"orders": {
			0: {Offset: 42, Metadata: "checkpoint"},
			1: {Offset: -1},
		},
	})}

	insp := testInspector(t, admin, nil)

	offsets, err := insp.CommittedOffsets(context.Background(), "orders-group", nil)
	require.NoError(t, err)

	require.Contains(t, offsets, "orders")
	assert.Equal(t, OffsetMetadata{Offset: 42, Metadata: "checkpoint"}, offsets["orders"][0])

	// Uncommitted partitions are omitted.
	assert.NotContains(t, offsets["orders"], int32(1))
	assert.True(t, admin.closed)
}

func TestCommittedOffsetsGroupNotFound(t *testing.T) {
	t.Parallel()

	admin := &fakeAdmin{offsets: offsetsResponse(map[string]map[int32]*sarama.OffsetFetchResponseBlock{
		"orders": {0: {Offset: -1}},
	})}

	insp := testInspector(t, admin, nil)

	_, err := insp.CommittedOffsets(context.Background(), "ghost-group", nil)
	require.Error(t, err)
	assert.True(t, IsGroupNotFound(err))
}

func TestLag(t *testing.T) {
	t.Parallel()

	admin := &fakeAdmin{offsets: offsetsResponse(map[string]map[int32]*sarama.OffsetFetchResponseBlock{
		"orders": {0: {Offset: 42}},
	})}
	client := &fakeClient{
		partitions: []int32{0, 1},
		endOffsets: map[int32]int64{0: 45, 1: 10},
	}

	insp := testInspector(t, admin, client)

	lag, err := insp.Lag(context.Background(), "orders-group", "orders", nil)
	require.NoError(t, err)

	assert.Equal(t, PartitionLag{CurrentOffset: 42, LogEndOffset: 45, Lag: 3}, lag[0])
	assert.Equal(t, PartitionLag{CurrentOffset: -1, LogEndOffset: 10, Lag: 10}, lag[1])
	assert.True(t, client.closed)
}

func TestInspectorTimeout(t *testing.T) {
	t.Parallel()

	admin := &fakeAdmin{
		delay:   200 * time.Millisecond,
		offsets: offsetsResponse(nil),
	}

	insp := testInspector(t, admin, nil)
	insp.timeout = 20 * time.Millisecond

	_, err := insp.CommittedOffsets(context.Background(), "orders-group", nil)
	require.Error(t, err)
	assert.True(t, IsTimedOut(err))
}

func TestInspectorNoBrokers(t *testing.T) {
	t.Parallel()

	insp := New(slog.Default(), memory.NewStore(), nil, time.Second)

	_, err := insp.CommittedOffsets(context.Background(), "orders-group", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoBrokers)
}
