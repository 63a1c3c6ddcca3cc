// Package supplier implements the uniform seekable-stream abstraction
// the IndexTask Runner consumes, with two scheduling
// strategies behind one contract: a Kafka flavor driving a single
// *kgo.Client synchronously, and an opaque-sequence flavor backing a
// bounded worker pool of per-partition fetchers feeding an MPMC buffer.
package supplier

import (
	"context"
	"fmt"
	"time"

	"github.com/grafana/streamingest/internal/partitions"
	"github.com/grafana/streamingest/internal/sequence"
)

// StreamPartition identifies one partition of one stream.
type StreamPartition struct {
	StreamID    string
	PartitionID partitions.ID
}

func (p StreamPartition) String() string {
	return fmt.Sprintf("%s/%v", p.StreamID, p.PartitionID)
}

// Record is one OrderedPartitionableRecord: a record whose
// SequenceNumber equals the EndOfShard sentinel is a marker, not data.
type Record struct {
	StreamPartition
	SequenceNumber sequence.Number
	Data           [][]byte
}

// IsEndOfShardMarker reports whether r carries no data and exists only
// to signal that its partition has no further records.
func (r Record) IsEndOfShardMarker() bool {
	return r.SequenceNumber.IsEndOfShard()
}

// Supplier is the contract shared by both stream flavors.
type Supplier interface {
	// Assign replaces the working set. Unassigned partitions' state is
	// discarded.
	Assign(ctx context.Context, set []StreamPartition) error
	// Seek repositions partition p so the next poll returns the record
	// at seq, inclusive.
	Seek(ctx context.Context, p StreamPartition, seq sequence.Number) error
	// SeekToEarliest repositions set at the retention floor.
	SeekToEarliest(ctx context.Context, set []StreamPartition) error
	// SeekToLatest repositions set at the current head.
	SeekToLatest(ctx context.Context, set []StreamPartition) error
	// GetEarliest is a non-consuming probe of the retention floor. It
	// returns the EndOfShard sentinel if the shard is closed and empty.
	GetEarliest(ctx context.Context, p StreamPartition) (sequence.Number, error)
	// GetLatest is a non-consuming probe of the current head.
	GetLatest(ctx context.Context, p StreamPartition) (sequence.Number, error)
	// Poll returns 0..N records in assignment order, waiting up to
	// timeout. May return an empty slice.
	Poll(ctx context.Context, timeout time.Duration) ([]Record, error)
	// GetPartitionIDs lists live partitions of stream. Fails if the
	// stream is absent.
	GetPartitionIDs(ctx context.Context, streamID string) ([]partitions.ID, error)
	// GetAssignment returns the current working set.
	GetAssignment() []StreamPartition
	// Close idempotently releases underlying resources.
	Close(ctx context.Context) error
}
