package runner

import (
	"context"

	"github.com/pkg/errors"

	"github.com/grafana/streamingest/internal/partitions"
	"github.com/grafana/streamingest/internal/sequence"
)

// publish implements the PUBLISHING state: each
// still-open SequenceMetadata is pushed through the appenderator and
// then transactionally committed against the metadata store, compare-
// and-swapping on that sequence's start metadata.
func (r *Runner) publish(ctx context.Context) error {
	r.setState(Publishing)

	r.pauseMu.Lock()
	seqs := append([]*SequenceMetadata(nil), r.sequences...)
	streamID := r.id.StreamID
	finalOffsets := copyOffsets(r.lastKnownOffsets)
	expectedStart := r.committedMetadata
	r.pauseMu.Unlock()

	for _, seq := range seqs {
		if len(seq.Start) == 0 || seq.IsPublished() {
			continue
		}

		segments, err := r.app.Push(ctx, []string{seq.SequenceName})
		if err != nil {
			r.metrics.publishAttempts.WithLabelValues("push_failed").Inc()
			return errors.Wrap(err, "runner: pushing segments")
		}

		// A bound that is unset or the NoEnd sentinel means this
		// sequence's true end is whatever the runner actually read up
		// to, not the nominal unbounded end it was given.
		bound := seq.End()
		end := make(map[partitions.ID]sequence.Number, len(seq.Start))
		for p := range seq.Start {
			if b, ok := bound[p]; ok && !b.IsSentinel() {
				end[p] = b
				continue
			}
			if fin, ok := finalOffsets[p]; ok {
				end[p] = fin
				continue
			}
			end[p] = seq.Start[p]
		}
		delta := partitions.DataSourceMetadata{StreamID: streamID, Partitions: end}
		targetEnd := expectedStart.Plus(delta)

		if !r.cfg.UseTransaction {
			r.metrics.publishAttempts.WithLabelValues("skipped_no_transaction").Inc()
			seq.MarkPublished()
			expectedStart = targetEnd
			continue
		}

		ok, err := r.store.SegmentTransactionalInsert(ctx, r.id.DataSource, segments, expectedStart, targetEnd)
		if err != nil {
			r.metrics.publishAttempts.WithLabelValues("error").Inc()
			return errors.Wrap(err, "runner: transactional publish")
		}
		if !ok {
			r.metrics.publishAttempts.WithLabelValues("rejected").Inc()
			return ErrPublishRejected
		}
		r.metrics.publishAttempts.WithLabelValues("committed").Inc()
		seq.MarkPublished()
		expectedStart = targetEnd
	}

	r.pauseMu.Lock()
	r.committedMetadata = expectedStart
	r.pauseMu.Unlock()

	return persistSequencesLocked(r)
}
