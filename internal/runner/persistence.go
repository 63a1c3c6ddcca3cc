package runner

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"

	"github.com/pkg/errors"

	"github.com/grafana/streamingest/internal/partitions"
	"github.com/grafana/streamingest/internal/sequence"
)

// sequencesFileName is the single persisted-state file holding every
// assigned partition's sequence metadata.
const sequencesFileName = "sequences.json"

type wireSequenceMetadata struct {
	SequenceID   int               `json:"sequence_id"`
	SequenceName string            `json:"sequence_name"`
	Start        map[string]string `json:"start"`
	End          map[string]string `json:"end"`
	Assignments  []string          `json:"assignments"`
	Checkpointed bool              `json:"checkpointed"`
	Published    bool              `json:"published"`
}

// persistSequences synchronously writes the ordered sequence list to
// <persistDir>/sequences.json, matching : "written synchronously
// whenever sequences change".
func persistSequences(persistDir string, flavor partitions.Flavor, seqs []*SequenceMetadata) error {
	wire := make([]wireSequenceMetadata, 0, len(seqs))
	for _, s := range seqs {
		w := wireSequenceMetadata{
			SequenceID:   s.SequenceID,
			SequenceName: s.SequenceName,
			Start:        encodeOffsets(s.Start),
			End:          encodeOffsets(s.End()),
			Checkpointed: s.Checkpointed,
			Published:    s.IsPublished(),
		}
		for p := range s.Assignments {
			w.Assignments = append(w.Assignments, toKeyString(p))
		}
		wire = append(wire, w)
	}

	data, err := json.MarshalIndent(struct {
		Flavor    partitions.Flavor      `json:"flavor"`
		Sequences []wireSequenceMetadata `json:"sequences"`
	}{Flavor: flavor, Sequences: wire}, "", "  ")
	if err != nil {
		return errors.Wrap(err, "runner: marshaling sequences")
	}

	path := filepath.Join(persistDir, sequencesFileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrap(err, "runner: writing sequences file")
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.Wrap(err, "runner: renaming sequences file into place")
	}
	return nil
}

// loadSequences reads the persisted sequence list, returning
// ok=false if the file does not exist.
func loadSequences(persistDir string) ([]*SequenceMetadata, partitions.Flavor, bool, error) {
	path := filepath.Join(persistDir, sequencesFileName)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, "", false, nil
	}
	if err != nil {
		return nil, "", false, errors.Wrap(err, "runner: reading sequences file")
	}

	var doc struct {
		Flavor    partitions.Flavor      `json:"flavor"`
		Sequences []wireSequenceMetadata `json:"sequences"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, "", false, errors.Wrap(err, "runner: decoding sequences file")
	}

	out := make([]*SequenceMetadata, 0, len(doc.Sequences))
	for _, w := range doc.Sequences {
		assignments := make(map[partitions.ID]struct{}, len(w.Assignments))
		for _, a := range w.Assignments {
			assignments[decodeKeyString(doc.Flavor, a)] = struct{}{}
		}
		sm := NewSequenceMetadata(
			w.SequenceID,
			w.SequenceName,
			decodeOffsets(doc.Flavor, w.Start),
			decodeOffsets(doc.Flavor, w.End),
			assignments,
		)
		sm.Checkpointed = w.Checkpointed
		sm.Published = w.Published
		out = append(out, sm)
	}
	return out, doc.Flavor, true, nil
}

func encodeOffsets(m map[partitions.ID]sequence.Number) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[toKeyString(k)] = v.String()
	}
	return out
}

func decodeOffsets(flavor partitions.Flavor, m map[string]string) map[partitions.ID]sequence.Number {
	out := make(map[partitions.ID]sequence.Number, len(m))
	for k, v := range m {
		out[decodeKeyString(flavor, k)] = decodeOffsetString(flavor, v)
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

func toKeyString(id partitions.ID) string {
	switch v := id.(type) {
	case int32:
		return strconv.FormatInt(int64(v), 10)
	case string:
		return v
	default:
		return ""
	}
}

func decodeKeyString(flavor partitions.Flavor, s string) partitions.ID {
	if flavor == partitions.FlavorInt64 {
		iv, _ := strconv.ParseInt(s, 10, 32)
		return int32(iv)
	}
	return s
}
