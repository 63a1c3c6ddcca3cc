// Package partitions holds the value types and algebra for stream
// offset commits: StreamPartitions (a mapping scoped to one stream) and
// DataSourceMetadata (the tagged, per-datasource persisted form).
package partitions

import (
	"fmt"
	"sort"

	"github.com/grafana/streamingest/internal/sequence"
)

// ID is a partition key. Concrete domains use int32 (Kafka-style) or
// string (Kinesis-style shard IDs); ID is kept as the bare `any` key of
// the maps below rather than a constrained type so both domains share
// one set of map/algebra helpers without generics-driven duplication
// across the Kafka/Kinesis flavors.
type ID = any

// StreamPartitions is an immutable snapshot of partition -> sequence
// number, scoped to one stream-id. Used as start/end bounds.
type StreamPartitions struct {
	StreamID   string
	Partitions map[ID]sequence.Number
}

// New builds a StreamPartitions snapshot. The caller's map is copied so
// later mutation of m does not alias the returned value.
func New(streamID string, m map[ID]sequence.Number) StreamPartitions {
	cp := make(map[ID]sequence.Number, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return StreamPartitions{StreamID: streamID, Partitions: cp}
}

// SortedIDs returns the partition ids in a stable, deterministic order
// for iteration and logging. Integer ids sort numerically; string ids
// sort lexically; mixed-type maps (never expected in practice, since a
// single stream is always one domain) fall back to fmt-based sorting.
func (s StreamPartitions) SortedIDs() []ID {
	ids := make([]ID, 0, len(s.Partitions))
	for id := range s.Partitions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return lessID(ids[i], ids[j]) })
	return ids
}

func lessID(a, b ID) bool {
	switch av := a.(type) {
	case int32:
		if bv, ok := b.(int32); ok {
			return av < bv
		}
	case string:
		if bv, ok := b.(string); ok {
			return av < bv
		}
	}
	// Mixed-type partition-id maps never occur in practice: a single
	// stream is always one domain (all int32 or all string).
	return fmt.Sprint(a) < fmt.Sprint(b)
}

// DataSourceMetadata is the tagged, persisted offset-commit record for
// one datasource: {stream-id, partition->sequence}.
type DataSourceMetadata struct {
	StreamID   string
	Partitions map[ID]sequence.Number
}

// NewDataSourceMetadata builds a DataSourceMetadata, copying m.
func NewDataSourceMetadata(streamID string, m map[ID]sequence.Number) DataSourceMetadata {
	cp := make(map[ID]sequence.Number, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return DataSourceMetadata{StreamID: streamID, Partitions: cp}
}

// Plus returns self unioned with other; if both share a stream-id, keys
// are unioned with other's values overriding on conflict. If the
// stream-ids differ, other wins outright (self is discarded) — this
// mirrors the source semantics where DataSourceMetadata for an
// unrelated stream cannot be meaningfully merged.
func (d DataSourceMetadata) Plus(other DataSourceMetadata) DataSourceMetadata {
	if d.StreamID != other.StreamID {
		return other.copy()
	}
	merged := make(map[ID]sequence.Number, len(d.Partitions)+len(other.Partitions))
	for k, v := range d.Partitions {
		merged[k] = v
	}
	for k, v := range other.Partitions {
		merged[k] = v
	}
	return DataSourceMetadata{StreamID: d.StreamID, Partitions: merged}
}

// Minus removes from self every partition key present in other, when
// both share a stream-id. If the stream-ids differ, self is returned
// unchanged (other has nothing to subtract).
func (d DataSourceMetadata) Minus(other DataSourceMetadata) DataSourceMetadata {
	if d.StreamID != other.StreamID {
		return d.copy()
	}
	remaining := make(map[ID]sequence.Number, len(d.Partitions))
	for k, v := range d.Partitions {
		if _, removed := other.Partitions[k]; !removed {
			remaining[k] = v
		}
	}
	return DataSourceMetadata{StreamID: d.StreamID, Partitions: remaining}
}

// Matches reports whether d and other are reconcilable: merging either
// way onto the other yields the same result.
func (d DataSourceMetadata) Matches(other DataSourceMetadata) bool {
	return Equal(d.Plus(other), other.Plus(d))
}

func (d DataSourceMetadata) copy() DataSourceMetadata {
	return NewDataSourceMetadata(d.StreamID, d.Partitions)
}

// Equal reports whether a and b have the same stream-id and partition
// map, comparing sequence numbers by their total order rather than by
// Go equality (so two equal BigString values with different string
// forms still compare equal).
func Equal(a, b DataSourceMetadata) bool {
	if a.StreamID != b.StreamID || len(a.Partitions) != len(b.Partitions) {
		return false
	}
	for k, av := range a.Partitions {
		bv, ok := b.Partitions[k]
		if !ok || av.Compare(bv) != sequence.Equal {
			return false
		}
	}
	return true
}
