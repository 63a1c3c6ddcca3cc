package supplier

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grafana/streamingest/internal/sequence"
)

// fakeKafkaBroker is a minimal in-memory stand-in for kgoBroker, used
// to exercise kafkaSupplier's assign/seek/poll bookkeeping without a
// live cluster.
type fakeKafkaBroker struct {
	added      map[int32]int64
	removed    []int32
	offsets    map[int32]int64
	start      map[int32]int64
	end        map[int32]int64
	pending    []kafkaFetchedRecord
	partitions []int32
	closed     bool
}

func newFakeKafkaBroker() *fakeKafkaBroker {
	return &fakeKafkaBroker{
		added:   map[int32]int64{},
		offsets: map[int32]int64{},
		start:   map[int32]int64{},
		end:     map[int32]int64{},
	}
}

func (f *fakeKafkaBroker) addConsumePartitions(topic string, offsets map[int32]int64) error {
	for id, off := range offsets {
		f.added[id] = off
		f.offsets[id] = off
	}
	return nil
}

func (f *fakeKafkaBroker) removeConsumePartitions(topic string, partitionIDs []int32) error {
	f.removed = append(f.removed, partitionIDs...)
	return nil
}

func (f *fakeKafkaBroker) setOffset(topic string, partitionID int32, offset int64) error {
	f.offsets[partitionID] = offset
	return nil
}

func (f *fakeKafkaBroker) pollFetches(ctx context.Context, timeout time.Duration) ([]kafkaFetchedRecord, error) {
	out := f.pending
	f.pending = nil
	return out, nil
}

func (f *fakeKafkaBroker) listStartOffsets(ctx context.Context, topic string, partitionIDs []int32) (map[int32]int64, error) {
	out := map[int32]int64{}
	for _, id := range partitionIDs {
		if v, ok := f.start[id]; ok {
			out[id] = v
		}
	}
	return out, nil
}

func (f *fakeKafkaBroker) listEndOffsets(ctx context.Context, topic string, partitionIDs []int32) (map[int32]int64, error) {
	out := map[int32]int64{}
	for _, id := range partitionIDs {
		if v, ok := f.end[id]; ok {
			out[id] = v
		}
	}
	return out, nil
}

func (f *fakeKafkaBroker) listPartitionIDs(ctx context.Context, topic string) ([]int32, error) {
	return f.partitions, nil
}

func (f *fakeKafkaBroker) close() { f.closed = true }

func TestKafkaSupplierAssignAddsAndRemoves(t *testing.T) {
	broker := newFakeKafkaBroker()
	s := newKafkaSupplier("t1", broker)

	require.NoError(t, s.Assign(context.Background(), []StreamPartition{
		{StreamID: "t1", PartitionID: int32(0)},
		{StreamID: "t1", PartitionID: int32(1)},
	}))
	assert.Len(t, broker.added, 2)

	require.NoError(t, s.Assign(context.Background(), []StreamPartition{
		{StreamID: "t1", PartitionID: int32(1)},
	}))
	assert.Contains(t, broker.removed, int32(0))
	assert.ElementsMatch(t, []StreamPartition{{StreamID: "t1", PartitionID: int32(1)}}, s.GetAssignment())
}

func TestKafkaSupplierSeekSetsOffset(t *testing.T) {
	broker := newFakeKafkaBroker()
	s := newKafkaSupplier("t1", broker)
	require.NoError(t, s.Assign(context.Background(), []StreamPartition{{StreamID: "t1", PartitionID: int32(0)}}))

	require.NoError(t, s.Seek(context.Background(), StreamPartition{StreamID: "t1", PartitionID: int32(0)}, sequence.NewInt64(42)))
	assert.Equal(t, int64(42), broker.offsets[int32(0)])

	err := s.Seek(context.Background(), StreamPartition{StreamID: "t1", PartitionID: int32(0)}, sequence.NoEndInt64())
	assert.Error(t, err)
}

func TestKafkaSupplierPollFiltersUnassignedPartitions(t *testing.T) {
	broker := newFakeKafkaBroker()
	s := newKafkaSupplier("t1", broker)
	require.NoError(t, s.Assign(context.Background(), []StreamPartition{{StreamID: "t1", PartitionID: int32(0)}}))

	broker.pending = []kafkaFetchedRecord{
		{partitionID: 0, offset: 5, data: []byte("a")},
		{partitionID: 1, offset: 9, data: []byte("b")}, // not assigned, must be dropped
	}

	recs, err := s.Poll(context.Background(), time.Second)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, int32(0), recs[0].PartitionID)
	assert.Equal(t, sequence.NewInt64(5), recs[0].SequenceNumber)
}

func TestKafkaSupplierGetEarliestReturnsEndOfShardWhenClosedAndEmpty(t *testing.T) {
	broker := newFakeKafkaBroker()
	s := newKafkaSupplier("t1", broker)

	seq, err := s.GetEarliest(context.Background(), StreamPartition{StreamID: "t1", PartitionID: int32(0)})
	require.NoError(t, err)
	assert.True(t, seq.IsEndOfShard())
}

func TestKafkaSupplierGetLatestReturnsProbedOffset(t *testing.T) {
	broker := newFakeKafkaBroker()
	broker.end[int32(0)] = 17
	s := newKafkaSupplier("t1", broker)

	seq, err := s.GetLatest(context.Background(), StreamPartition{StreamID: "t1", PartitionID: int32(0)})
	require.NoError(t, err)
	assert.Equal(t, sequence.NewInt64(17), seq)
}

func TestKafkaSupplierClose(t *testing.T) {
	broker := newFakeKafkaBroker()
	s := newKafkaSupplier("t1", broker)
	require.NoError(t, s.Close(context.Background()))
	assert.True(t, broker.closed)
}
