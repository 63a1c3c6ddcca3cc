package supplier

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/grafana/streamingest/internal/partitions"
	"github.com/grafana/streamingest/internal/sequence"
)

// kafkaBroker is the narrow slice of franz-go this package drives. It
// exists so kafkaSupplier's assign/seek/poll bookkeeping can be unit
// tested against a fake without standing up a broker, and is
// implemented for real by kgoBroker below — grounded on the
// *kgo.Client + *kadm.Client pairing used for partition-offset
// bookkeeping (see pkg/ingest's PartitionOffsetClient).
type kafkaBroker interface {
	addConsumePartitions(topic string, offsets map[int32]int64) error
	removeConsumePartitions(topic string, partitionIDs []int32) error
	setOffset(topic string, partitionID int32, offset int64) error
	pollFetches(ctx context.Context, timeout time.Duration) ([]kafkaFetchedRecord, error)
	listStartOffsets(ctx context.Context, topic string, partitionIDs []int32) (map[int32]int64, error)
	listEndOffsets(ctx context.Context, topic string, partitionIDs []int32) (map[int32]int64, error)
	listPartitionIDs(ctx context.Context, topic string) ([]int32, error)
	close()
}

type kafkaFetchedRecord struct {
	partitionID int32
	offset      int64
	data        []byte
}

// kafkaSupplier is the integer-offset (Kafka-like) Record Supplier
// flavor: a single cooperative session driven synchronously, no
// internal buffering beyond the driver's own fetch batch.
type kafkaSupplier struct {
	topic  string
	broker kafkaBroker

	mu         sync.Mutex
	assignment map[int32]struct{}
}

// NewKafka builds the integer-offset Record Supplier over a live
// *kgo.Client talking to topic.
func NewKafka(client *kgo.Client, topic string) Supplier {
	return newKafkaSupplier(topic, newKgoBroker(client, topic))
}

func newKafkaSupplier(topic string, broker kafkaBroker) *kafkaSupplier {
	return &kafkaSupplier{topic: topic, broker: broker, assignment: map[int32]struct{}{}}
}

func (k *kafkaSupplier) partitionID(p StreamPartition) (int32, error) {
	id, ok := p.PartitionID.(int32)
	if !ok {
		return 0, fmt.Errorf("supplier: kafka flavor requires int32 partition ids, got %T", p.PartitionID)
	}
	return id, nil
}

func (k *kafkaSupplier) Assign(ctx context.Context, set []StreamPartition) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	wanted := make(map[int32]struct{}, len(set))
	for _, p := range set {
		id, err := k.partitionID(p)
		if err != nil {
			return err
		}
		wanted[id] = struct{}{}
	}

	var toRemove []int32
	for id := range k.assignment {
		if _, keep := wanted[id]; !keep {
			toRemove = append(toRemove, id)
		}
	}
	if len(toRemove) > 0 {
		if err := k.broker.removeConsumePartitions(k.topic, toRemove); err != nil {
			return errors.Wrap(err, "supplier: removing consume partitions")
		}
	}

	toAdd := map[int32]int64{}
	for id := range wanted {
		if _, already := k.assignment[id]; !already {
			toAdd[id] = kafkaOffsetAtStart
		}
	}
	if len(toAdd) > 0 {
		if err := k.broker.addConsumePartitions(k.topic, toAdd); err != nil {
			return errors.Wrap(err, "supplier: adding consume partitions")
		}
	}

	k.assignment = wanted
	return nil
}

// kafkaOffsetAtStart mirrors kgo's "AtStart" sentinel offset; assign
// alone does not read anything until Seek is called, matching the
// runner's assign-then-seek sequencing in step 5.
const kafkaOffsetAtStart int64 = -2

func (k *kafkaSupplier) Seek(ctx context.Context, p StreamPartition, seq sequence.Number) error {
	id, err := k.partitionID(p)
	if err != nil {
		return err
	}
	offset, err := toKafkaOffset(seq)
	if err != nil {
		return err
	}
	return k.broker.setOffset(k.topic, id, offset)
}

func (k *kafkaSupplier) SeekToEarliest(ctx context.Context, set []StreamPartition) error {
	return k.seekToProbe(ctx, set, k.broker.listStartOffsets)
}

func (k *kafkaSupplier) SeekToLatest(ctx context.Context, set []StreamPartition) error {
	return k.seekToProbe(ctx, set, k.broker.listEndOffsets)
}

func (k *kafkaSupplier) seekToProbe(ctx context.Context, set []StreamPartition, probe func(context.Context, string, []int32) (map[int32]int64, error)) error {
	ids := make([]int32, 0, len(set))
	for _, p := range set {
		id, err := k.partitionID(p)
		if err != nil {
			return err
		}
		ids = append(ids, id)
	}
	offsets, err := probe(ctx, k.topic, ids)
	if err != nil {
		return errors.Wrap(err, "supplier: probing offsets")
	}
	for _, id := range ids {
		off, ok := offsets[id]
		if !ok {
			return fmt.Errorf("supplier: no offset returned for partition %d", id)
		}
		if err := k.broker.setOffset(k.topic, id, off); err != nil {
			return err
		}
	}
	return nil
}

func (k *kafkaSupplier) GetEarliest(ctx context.Context, p StreamPartition) (sequence.Number, error) {
	return k.probeOne(ctx, p, k.broker.listStartOffsets)
}

func (k *kafkaSupplier) GetLatest(ctx context.Context, p StreamPartition) (sequence.Number, error) {
	return k.probeOne(ctx, p, k.broker.listEndOffsets)
}

func (k *kafkaSupplier) probeOne(ctx context.Context, p StreamPartition, probe func(context.Context, string, []int32) (map[int32]int64, error)) (sequence.Number, error) {
	id, err := k.partitionID(p)
	if err != nil {
		return nil, err
	}
	offsets, err := probe(ctx, k.topic, []int32{id})
	if err != nil {
		return nil, errors.Wrap(err, "supplier: probing offset")
	}
	off, ok := offsets[id]
	if !ok {
		// Shard closed and empty: no record will ever arrive.
		return sequence.EndOfShardInt64(), nil
	}
	return sequence.NewInt64(off), nil
}

func (k *kafkaSupplier) Poll(ctx context.Context, timeout time.Duration) ([]Record, error) {
	raw, err := k.broker.pollFetches(ctx, timeout)
	if err != nil {
		return nil, err
	}
	k.mu.Lock()
	defer k.mu.Unlock()

	out := make([]Record, 0, len(raw))
	for _, r := range raw {
		if _, assigned := k.assignment[r.partitionID]; !assigned {
			continue
		}
		out = append(out, Record{
			StreamPartition: StreamPartition{StreamID: k.topic, PartitionID: r.partitionID},
			SequenceNumber:  sequence.NewInt64(r.offset),
			Data:            [][]byte{r.data},
		})
	}
	return out, nil
}

func (k *kafkaSupplier) GetPartitionIDs(ctx context.Context, streamID string) ([]partitions.ID, error) {
	ids, err := k.broker.listPartitionIDs(ctx, streamID)
	if err != nil {
		return nil, err
	}
	out := make([]partitions.ID, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out, nil
}

func (k *kafkaSupplier) GetAssignment() []StreamPartition {
	k.mu.Lock()
	defer k.mu.Unlock()
	out := make([]StreamPartition, 0, len(k.assignment))
	for id := range k.assignment {
		out = append(out, StreamPartition{StreamID: k.topic, PartitionID: id})
	}
	return out
}

func (k *kafkaSupplier) Close(ctx context.Context) error {
	k.broker.close()
	return nil
}

func toKafkaOffset(seq sequence.Number) (int64, error) {
	i, ok := seq.(sequence.Int64)
	if !ok {
		return 0, fmt.Errorf("supplier: kafka flavor requires Int64 sequence numbers, got %T", seq)
	}
	if i.IsEndOfShard() {
		return 0, errors.New("supplier: cannot seek to the EndOfShard sentinel")
	}
	if i.IsNoEnd() {
		return 0, errors.New("supplier: cannot seek to the NoEnd sentinel")
	}
	return i.Value(), nil
}

// kgoBroker is the real kafkaBroker, backed by a *kgo.Client for
// consumption and a *kadm.Client for administrative offset probing —
// grounded on pkg/ingest's PartitionOffsetClient (kadm.Client wrapping
// the same *kgo.Client used for consumption) and
// LeaveConsumerGroupByInstanceID's pattern of issuing raw kmsg-backed
// calls directly against the client rather than a group-managed
// consumer.
type kgoBroker struct {
	client *kgo.Client
	admin  *kadm.Client
}

func newKgoBroker(client *kgo.Client, topic string) *kgoBroker {
	return &kgoBroker{client: client, admin: kadm.NewClient(client)}
}

func (b *kgoBroker) addConsumePartitions(topic string, offsets map[int32]int64) error {
	add := make(map[int32]kgo.Offset, len(offsets))
	for id, off := range offsets {
		if off == kafkaOffsetAtStart {
			add[id] = kgo.NewOffset().AtStart()
		} else {
			add[id] = kgo.NewOffset().At(off)
		}
	}
	b.client.AddConsumePartitions(map[string]map[int32]kgo.Offset{topic: add})
	return nil
}

func (b *kgoBroker) removeConsumePartitions(topic string, partitionIDs []int32) error {
	b.client.RemoveConsumePartitions(map[string][]int32{topic: partitionIDs})
	return nil
}

func (b *kgoBroker) setOffset(topic string, partitionID int32, offset int64) error {
	b.client.AddConsumePartitions(map[string]map[int32]kgo.Offset{
		topic: {partitionID: kgo.NewOffset().At(offset)},
	})
	return nil
}

func (b *kgoBroker) pollFetches(ctx context.Context, timeout time.Duration) ([]kafkaFetchedRecord, error) {
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	fetches := b.client.PollFetches(pctx)
	if fetches.IsClientClosed() {
		return nil, errors.New("supplier: kafka client closed")
	}

	var out []kafkaFetchedRecord
	fetches.EachRecord(func(r *kgo.Record) {
		out = append(out, kafkaFetchedRecord{
			partitionID: r.Partition,
			offset:      r.Offset,
			data:        r.Value,
		})
	})
	return out, nil
}

func (b *kgoBroker) listStartOffsets(ctx context.Context, topic string, partitionIDs []int32) (map[int32]int64, error) {
	listed, err := b.admin.ListStartOffsets(ctx, topic)
	if err != nil {
		return nil, err
	}
	return extractOffsets(listed, topic, partitionIDs)
}

func (b *kgoBroker) listEndOffsets(ctx context.Context, topic string, partitionIDs []int32) (map[int32]int64, error) {
	listed, err := b.admin.ListEndOffsets(ctx, topic)
	if err != nil {
		return nil, err
	}
	return extractOffsets(listed, topic, partitionIDs)
}

func extractOffsets(listed kadm.ListedOffsets, topic string, partitionIDs []int32) (map[int32]int64, error) {
	wanted := make(map[int32]struct{}, len(partitionIDs))
	for _, id := range partitionIDs {
		wanted[id] = struct{}{}
	}

	out := make(map[int32]int64, len(partitionIDs))
	var firstErr error
	listed.Each(func(lo kadm.ListedOffset) {
		if _, ok := wanted[lo.Partition]; !ok {
			return
		}
		if lo.Err != nil {
			if firstErr == nil {
				firstErr = errors.Wrapf(lo.Err, "supplier: listing offset for partition %d", lo.Partition)
			}
			return
		}
		out[lo.Partition] = lo.Offset
	})
	return out, firstErr
}

func (b *kgoBroker) listPartitionIDs(ctx context.Context, topic string) ([]int32, error) {
	details, err := b.admin.ListTopics(ctx, topic)
	if err != nil {
		return nil, err
	}
	td, ok := details[topic]
	if !ok || td.Err != nil {
		return nil, fmt.Errorf("supplier: stream %q not found", topic)
	}
	ids := make([]int32, 0, len(td.Partitions))
	for id := range td.Partitions {
		ids = append(ids, id)
	}
	return ids, nil
}

func (b *kgoBroker) close() {
	b.client.Close()
}
