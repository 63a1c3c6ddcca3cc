package taskclient

import (
	"strconv"

	"github.com/grafana/streamingest/internal/partitions"
	"github.com/grafana/streamingest/internal/sequence"
)

// encodeOffsets/decodeOffsets mirror the Runner HTTP surface's own wire
// format (internal/runner/persistence.go's encodeOffsets/decodeOffsets):
// every offset is a string, "END_OF_SHARD"/"NO_END" for the sentinels,
// a plain decimal otherwise regardless of flavor.

func encodeOffsets(m map[partitions.ID]sequence.Number) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[keyString(k)] = v.String()
	}
	return out
}

func decodeOffsets(flavor partitions.Flavor, m map[string]string) map[partitions.ID]sequence.Number {
	out := make(map[partitions.ID]sequence.Number, len(m))
	for k, v := range m {
		out[decodeKey(flavor, k)] = decodeOffsetString(flavor, v)
	}
	return out
}

func decodeOffsetString(flavor partitions.Flavor, v string) sequence.Number {
	switch flavor {
	case partitions.FlavorInt64:
		switch v {
		case "END_OF_SHARD":
			return sequence.EndOfShardInt64()
		case "NO_END":
			return sequence.NoEndInt64()
		default:
			iv, _ := strconv.ParseInt(v, 10, 64)
			return sequence.NewInt64(iv)
		}
	default:
		switch v {
		case "END_OF_SHARD":
			return sequence.EndOfShardBigString()
		case "NO_END":
			return sequence.NoEndBigString()
		default:
			return sequence.NewBigString(v)
		}
	}
}

func keyString(id partitions.ID) string {
	switch v := id.(type) {
	case int32:
		return strconv.FormatInt(int64(v), 10)
	case string:
		return v
	default:
		return ""
	}
}

func decodeKey(flavor partitions.Flavor, s string) partitions.ID {
	if flavor == partitions.FlavorInt64 {
		iv, _ := strconv.ParseInt(s, 10, 32)
		return int32(iv)
	}
	return s
}
