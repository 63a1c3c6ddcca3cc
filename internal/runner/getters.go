package runner

import (
	"context"
	"fmt"

	"github.com/grafana/streamingest/internal/appenderator"
	"github.com/grafana/streamingest/internal/partitions"
	"github.com/grafana/streamingest/internal/sequence"
)

// CurrentOffsets returns a snapshot of the next-to-read offset for every
// assigned partition.
func (r *Runner) CurrentOffsets() map[partitions.ID]sequence.Number {
	r.pauseMu.Lock()
	defer r.pauseMu.Unlock()
	return copyOffsets(r.currOffsets)
}

// EndOffsets returns a snapshot of the bound each assigned partition
// will stop reading at.
func (r *Runner) EndOffsets() map[partitions.ID]sequence.Number {
	r.pauseMu.Lock()
	defer r.pauseMu.Unlock()
	return copyOffsets(r.endOffsets)
}

// Checkpoints returns the start offsets of every sequence recorded so
// far, in order.
func (r *Runner) Checkpoints() []map[partitions.ID]sequence.Number {
	r.pauseMu.Lock()
	defer r.pauseMu.Unlock()
	out := make([]map[partitions.ID]sequence.Number, 0, len(r.sequences))
	for _, s := range r.sequences {
		out = append(out, copyOffsets(s.Start))
	}
	return out
}

// RowStats reports the appenderator's row counters.
func (r *Runner) RowStats() appenderator.RowStats {
	return r.app.RowStats()
}

// SetEndOffsets changes the current sequence's end bound. The runner must be paused. When
// finish is false, a new open sequence is started at offsets so
// reading continues past the new bound under a fresh sequence name;
// when true, the latest sequence is marked checkpointed so readingLoop
// transitions to PUBLISHING once it reaches offsets, even if it is
// already there.
func (r *Runner) SetEndOffsets(_ context.Context, offsets map[partitions.ID]sequence.Number, finish bool) error {
	r.pauseMu.Lock()

	if !r.hasPaused {
		r.pauseMu.Unlock()
		return ErrNotPaused
	}
	if len(r.sequences) == 0 {
		r.pauseMu.Unlock()
		return ErrPartitionSetMismatch
	}
	latest := r.sequences[len(r.sequences)-1]

	for p := range offsets {
		if _, ok := latest.Assignments[p]; !ok {
			r.pauseMu.Unlock()
			return ErrPartitionSetMismatch
		}
	}
	for p := range latest.Assignments {
		if _, ok := offsets[p]; !ok {
			r.pauseMu.Unlock()
			return ErrPartitionSetMismatch
		}
	}
	for p, proposed := range offsets {
		if curr, ok := r.currOffsets[p]; ok && proposed.Compare(curr) == sequence.Less {
			r.pauseMu.Unlock()
			return ErrOffsetRegression
		}
	}

	priorEnd := latest.End()
	latest.SetEnd(offsets)

	if finish {
		for p, v := range offsets {
			r.endOffsets[p] = v
		}
		latest.MarkCheckpointed()
	} else {
		name := fmt.Sprintf("%s_%d", r.id.BaseSequenceName, r.nextSeqID)
		next := NewSequenceMetadata(r.nextSeqID, name, offsets, priorEnd, copyAssignments(latest.Assignments))
		r.nextSeqID++
		r.sequences = append(r.sequences, next)
	}

	seqs := append([]*SequenceMetadata(nil), r.sequences...)
	r.pauseMu.Unlock()

	return persistSequences(r.persistDir, r.id.Flavor, seqs)
}
