package partitions

import (
	"encoding/json"
	"fmt"

	"github.com/grafana/streamingest/internal/sequence"
)

// Flavor discriminates which sequence-number domain a DataSourceMetadata
// blob was encoded with, so the wire/disk mapping format can pick the
// right numeric-vs-string representation for offsets on decode.
type Flavor string

const (
	FlavorInt64     Flavor = "int64"
	FlavorBigString Flavor = "big_string"
)

// wireDataSourceMetadata is the self-describing mapping-format shape:
// integer-offset partitions are encoded as JSON numbers, opaque
// sequence partitions as JSON strings, selected by the Flavor
// discriminator.
type wireDataSourceMetadata struct {
	Flavor     Flavor            `json:"type"`
	StreamID   string            `json:"stream"`
	Partitions map[string]string `json:"partitions"`
}

// MarshalFlavored encodes d using flavor's wire representation.
func MarshalFlavored(d DataSourceMetadata, flavor Flavor) ([]byte, error) {
	w := wireDataSourceMetadata{
		Flavor:     flavor,
		StreamID:   d.StreamID,
		Partitions: make(map[string]string, len(d.Partitions)),
	}
	for id, n := range d.Partitions {
		w.Partitions[fmt.Sprint(id)] = n.String()
	}
	switch flavor {
	case FlavorInt64:
		return marshalInt64(w)
	case FlavorBigString:
		return marshalBigString(w)
	default:
		return nil, fmt.Errorf("partitions: unknown flavor %q", flavor)
	}
}

// Reserved int64 encodings for the integer-offset flavor's sentinels,
// matching the convention used by integer-offset streams elsewhere:
// -1 never occurs as a real offset, and MaxInt64 is an unreachable
// upper bound.
const (
	encodedEndOfShard int64 = -1
	encodedNoEnd      int64 = 1<<63 - 1
)

// marshalInt64 re-encodes offsets as JSON numbers for the integer-offset
// flavor, keeping them native 64-bit integers rather than strings.
func marshalInt64(w wireDataSourceMetadata) ([]byte, error) {
	type numeric struct {
		Flavor     Flavor           `json:"type"`
		StreamID   string           `json:"stream"`
		Partitions map[string]int64 `json:"partitions"`
	}
	n := numeric{Flavor: w.Flavor, StreamID: w.StreamID, Partitions: map[string]int64{}}
	for k, v := range w.Partitions {
		switch v {
		case "END_OF_SHARD":
			n.Partitions[k] = encodedEndOfShard
			continue
		case "NO_END":
			n.Partitions[k] = encodedNoEnd
			continue
		}
		var iv int64
		if _, err := fmt.Sscan(v, &iv); err != nil {
			return nil, fmt.Errorf("partitions: partition %q has non-integer offset %q: %w", k, v, err)
		}
		n.Partitions[k] = iv
	}
	return json.Marshal(n)
}

func marshalBigString(w wireDataSourceMetadata) ([]byte, error) {
	return json.Marshal(w)
}

// Unmarshal decodes a wire-format blob back into a DataSourceMetadata,
// inferring the sequence-number kind from the Flavor discriminator.
func Unmarshal(data []byte) (DataSourceMetadata, Flavor, error) {
	var probe struct {
		Flavor Flavor `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return DataSourceMetadata{}, "", fmt.Errorf("partitions: decoding flavor discriminator: %w", err)
	}

	switch probe.Flavor {
	case FlavorInt64:
		var w struct {
			StreamID   string           `json:"stream"`
			Partitions map[string]int64 `json:"partitions"`
		}
		if err := json.Unmarshal(data, &w); err != nil {
			return DataSourceMetadata{}, "", err
		}
		m := make(map[ID]sequence.Number, len(w.Partitions))
		for k, v := range w.Partitions {
			var pid int32
			if _, err := fmt.Sscan(k, &pid); err != nil {
				return DataSourceMetadata{}, "", fmt.Errorf("partitions: partition key %q is not an int32: %w", k, err)
			}
			switch v {
			case encodedEndOfShard:
				m[pid] = sequence.EndOfShardInt64()
			case encodedNoEnd:
				m[pid] = sequence.NoEndInt64()
			default:
				m[pid] = sequence.NewInt64(v)
			}
		}
		return NewDataSourceMetadata(w.StreamID, m), FlavorInt64, nil

	case FlavorBigString:
		var w struct {
			StreamID   string            `json:"stream"`
			Partitions map[string]string `json:"partitions"`
		}
		if err := json.Unmarshal(data, &w); err != nil {
			return DataSourceMetadata{}, "", err
		}
		m := make(map[ID]sequence.Number, len(w.Partitions))
		for k, v := range w.Partitions {
			m[k] = decodeBigStringSentinel(v)
		}
		return NewDataSourceMetadata(w.StreamID, m), FlavorBigString, nil

	default:
		return DataSourceMetadata{}, "", fmt.Errorf("partitions: unrecognized flavor discriminator %q", probe.Flavor)
	}
}

func decodeBigStringSentinel(v string) sequence.Number {
	switch v {
	case "END_OF_SHARD":
		return sequence.EndOfShardBigString()
	case "NO_END":
		return sequence.NoEndBigString()
	default:
		return sequence.NewBigString(v)
	}
}
