package supplier

import (
	"context"

	"github.com/grafana/streamingest/internal/partitions"
	"github.com/grafana/streamingest/internal/sequence"
)

// ShardRecord is one record as returned by a ShardReader fetch, before
// it is wrapped into a supplier.Record.
type ShardRecord struct {
	SequenceNumber string
	Data           []byte
}

// ShardReader is the opaque-sequence stream's fetch surface (a
// Kinesis-shaped GetShardIterator/GetRecords contract). No concrete
// AWS SDK is wired in this pack, so ShardReader is the seam the
// bufferedSupplier's polling/backoff state machine is coded against;
// the fetcher loop is exercised fully against a fake in tests
// regardless of which concrete reader sits behind it.
type ShardReader interface {
	// GetShardIterator returns an iterator positioned so the next
	// GetRecords call returns the record at seq, inclusive.
	GetShardIterator(ctx context.Context, partitionID partitions.ID, seq sequence.Number) (string, error)
	// GetShardIteratorEarliest returns an iterator at the retention floor.
	GetShardIteratorEarliest(ctx context.Context, partitionID partitions.ID) (string, error)
	// GetShardIteratorLatest returns an iterator at the current head.
	GetShardIteratorLatest(ctx context.Context, partitionID partitions.ID) (string, error)
	// GetRecords fetches up to limit records using iterator. A nil
	// nextIterator means the shard is closed and will produce no more
	// records.
	GetRecords(ctx context.Context, iterator string, limit int) (records []ShardRecord, nextIterator *string, err error)
	// ListShards lists the live partition ids of streamID.
	ListShards(ctx context.Context, streamID string) ([]partitions.ID, error)
	// GetEarliestSequenceNumber is a non-consuming probe of the
	// retention floor; it returns the EndOfShard sentinel if the shard
	// is closed and empty.
	GetEarliestSequenceNumber(ctx context.Context, partitionID partitions.ID) (sequence.Number, error)
	// GetLatestSequenceNumber is a non-consuming probe of the current head.
	GetLatestSequenceNumber(ctx context.Context, partitionID partitions.ID) (sequence.Number, error)
}

// ThroughputExceededError marks a fetch failure caused by the stream's
// read-throughput limit being exceeded, so the fetcher loop can apply
// the longer throughput backoff instead of the generic exception
// backoff.
type ThroughputExceededError struct {
	Cause error
}

func (e *ThroughputExceededError) Error() string { return "throughput exceeded: " + e.Cause.Error() }
func (e *ThroughputExceededError) Unwrap() error  { return e.Cause }
