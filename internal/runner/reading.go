package runner

import (
	"context"
	"time"

	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/grafana/streamingest/internal/partitions"
	"github.com/grafana/streamingest/internal/sequence"
	"github.com/grafana/streamingest/internal/supplier"
)

// readingLoop runs the READING state until either: all
// assigned partitions are exhausted or at end (done=true, ready for
// PUBLISHING), a pause is requested (done=false, caller waits for
// resume), or a fatal error occurs.
func (r *Runner) readingLoop(ctx context.Context) (done bool, err error) {
	for {
		if r.isStopRequested() {
			return true, nil
		}
		if r.latestSequenceCheckpointed() {
			// Partitions already at or past their end bound are done;
			// READING ends once none are left.
			r.pauseMu.Lock()
			for p, curr := range r.currOffsets {
				if end, ok := r.endOffsets[p]; ok && end != nil && curr.Compare(end) != sequence.Less {
					delete(r.currOffsets, p)
				}
			}
			remaining := len(r.currOffsets)
			r.pauseMu.Unlock()
			if remaining == 0 {
				return true, nil
			}
		}
		if r.isPauseRequested() {
			return false, nil
		}

		recs, err := r.supplier.Poll(ctx, r.cfg.PollTimeout)
		if err != nil {
			return false, errors.Wrap(err, "runner: polling supplier")
		}

		reassignNeeded := false
		for _, rec := range recs {
			exhausted, err := r.processRecord(ctx, rec)
			if err != nil {
				return false, err
			}
			if exhausted {
				reassignNeeded = true
			}
		}
		if reassignNeeded {
			if err := r.reassignRemaining(ctx); err != nil {
				return false, err
			}
		}

		checkpointNeeded := r.drainPushRequired()
		if timeToCheckpoint(r) {
			checkpointNeeded = true
		}

		if checkpointNeeded && !r.latestSequenceCheckpointed() {
			// Suspension point: names "after each poll" and
			// "before entering PUBLISHING" as the only places the main
			// loop yields to HTTP threads; this is the former.
			if err := r.requestPauseForCheckpoint(ctx); err != nil {
				return false, err
			}
			if r.isStopRequested() {
				return true, nil
			}
			continue
		}

		if len(r.currentAssignment()) == 0 {
			return true, nil
		}
	}
}

func (r *Runner) isStopRequested() bool {
	r.pauseMu.Lock()
	defer r.pauseMu.Unlock()
	return r.stopRequested
}

func (r *Runner) isPauseRequested() bool {
	r.pauseMu.Lock()
	defer r.pauseMu.Unlock()
	return r.pauseRequested
}

func (r *Runner) latestSequenceCheckpointed() bool {
	r.pauseMu.Lock()
	defer r.pauseMu.Unlock()
	if len(r.sequences) == 0 {
		return false
	}
	return r.sequences[len(r.sequences)-1].Checkpointed
}

func (r *Runner) currentAssignment() map[partitions.ID]struct{} {
	r.pauseMu.Lock()
	defer r.pauseMu.Unlock()
	out := map[partitions.ID]struct{}{}
	for p := range r.currOffsets {
		out[p] = struct{}{}
	}
	return out
}

// processRecord applies one polled record and reports whether its
// partition became exhausted (hit end or EndOfShard) as a result.
func (r *Runner) processRecord(ctx context.Context, rec supplier.Record) (exhausted bool, err error) {
	r.pauseMu.Lock()
	if _, ok := r.currOffsets[rec.PartitionID]; !ok {
		r.pauseMu.Unlock()
		return false, nil // no longer assigned; drop
	}

	skip, verr := r.verifyInitialRecordAndSkipExclusivePartition(rec.PartitionID, rec.SequenceNumber)
	if verr != nil {
		r.pauseMu.Unlock()
		return false, verr
	}

	if rec.IsEndOfShardMarker() {
		delete(r.currOffsets, rec.PartitionID)
		r.pauseMu.Unlock()
		return true, nil
	}

	end := r.endOffsets[rec.PartitionID]
	withinBound := end == nil || rec.SequenceNumber.Compare(end) == sequence.Less
	var seqMeta *SequenceMetadata
	if withinBound {
		for _, sm := range r.sequences {
			if sm.CanHandle(rec.PartitionID, rec.SequenceNumber) {
				seqMeta = sm
				break
			}
		}
	}
	r.pauseMu.Unlock()

	if withinBound && seqMeta != nil && !skip {
		res, addErr := r.app.Add(ctx, seqMeta.SequenceName, rec.Data, r.cfg.SkipSegmentLineageCheck)
		switch {
		case addErr != nil:
			return false, errors.Wrap(addErr, "runner: pushing row to appenderator")
		case res.ParseException != nil:
			if r.cfg.LogParseExceptions {
				level.Warn(r.logger).Log("msg", "parse exception", "partition", rec.PartitionID, "err", res.ParseException)
			}
			r.rowsDropped.Inc()
			r.metrics.rowsUnparseable.Inc()
			if r.rowsDropped.Load() > int64(r.cfg.MaxParseExceptions) {
				return false, ErrTooManyParseExceptions
			}
		default:
			r.rowsProcessed.Inc()
			r.metrics.rowsProcessed.Inc()
			if res.IsPushRequired {
				r.markPushRequired(seqMeta)
			}
		}
	}

	r.pauseMu.Lock()
	next := rec.SequenceNumber.Next()
	r.currOffsets[rec.PartitionID] = next
	r.lastKnownOffsets[rec.PartitionID] = next
	becameExhausted := end != nil && next.Compare(end) != sequence.Less
	if becameExhausted {
		delete(r.currOffsets, rec.PartitionID)
	}
	r.pauseMu.Unlock()
	return becameExhausted, nil
}

// verifyInitialRecordAndSkipExclusivePartition checks, on the first
// record seen for a partition, that its sequence number matches the
// expected starting snapshot — unless the partition is an exclusive
// start, in which case it reports skip=true so that first record is
// never ingested, because a prior task already counted it in its
// publish. The errInvariantExclusiveStart branch can never be reached
// once initialOffsetsSnapshot has been consulted once per partition; it
// is preserved as an explicit, never-expected-to-fire invariant check
// rather than silently assumed.
func (r *Runner) verifyInitialRecordAndSkipExclusivePartition(p partitions.ID, seq sequence.Number) (skip bool, err error) {
	if r.seenFirstRecord[p] {
		return false, nil
	}
	r.seenFirstRecord[p] = true

	if _, exclusive := r.exclusiveStartPartitions[p]; exclusive {
		return true, nil
	}
	expected, ok := r.initialOffsetsSnapshot[p]
	if !ok {
		return false, errInvariantExclusiveStart
	}
	if expected.Compare(seq) != sequence.Equal {
		level.Warn(r.logger).Log("msg", "first record does not match expected starting offset", "partition", p, "expected", expected, "got", seq)
	}
	return false, nil
}

func (r *Runner) markPushRequired(latest *SequenceMetadata) {
	r.pauseMu.Lock()
	defer r.pauseMu.Unlock()
	if len(r.sequences) == 0 {
		return
	}
	if r.sequences[len(r.sequences)-1] == latest && latest.IsOpen() {
		r.pendingCheckpoint = true
	}
}

func (r *Runner) drainPushRequired() bool {
	r.pauseMu.Lock()
	defer r.pauseMu.Unlock()
	v := r.pendingCheckpoint
	r.pendingCheckpoint = false
	return v
}

func timeToCheckpoint(r *Runner) bool {
	r.pauseMu.Lock()
	defer r.pauseMu.Unlock()
	return !r.nextCheckpointTime.IsZero() && !timeNow().Before(r.nextCheckpointTime)
}

// timeNow is indirected only so tests can't need real wall-clock sleeps
// beyond what they already budget; production always uses time.Now.
var timeNow = defaultNow

func defaultNow() time.Time { return time.Now() }

func (r *Runner) reassignRemaining(ctx context.Context) error {
	r.pauseMu.Lock()
	set := make([]supplier.StreamPartition, 0, len(r.currOffsets))
	for p := range r.currOffsets {
		set = append(set, supplier.StreamPartition{StreamID: r.id.StreamID, PartitionID: p})
	}
	r.pauseMu.Unlock()
	return r.supplier.Assign(ctx, set)
}

// requestPauseForCheckpoint requests a pause, then calls a checkpoint
// action against the metadata store. A failed action is fatal.
func (r *Runner) requestPauseForCheckpoint(ctx context.Context) error {
	r.pauseMu.Lock()
	r.pauseRequested = true
	r.hasPaused = true
	r.state = Paused
	start := r.sequences[len(r.sequences)-1].Start
	curr := copyOffsets(r.currOffsets)
	r.hasPausedCond.Broadcast()
	r.pauseMu.Unlock()

	startMD := partitions.DataSourceMetadata{StreamID: r.id.StreamID, Partitions: start}
	currMD := partitions.DataSourceMetadata{StreamID: r.id.StreamID, Partitions: curr}

	ok, err := r.store.CheckPointDataSourceMetadata(ctx, r.id.DataSource, r.id.GroupID, r.id.BaseSequenceName, startMD, currMD)
	if err != nil {
		return errors.Wrap(err, "runner: checkpoint action failed")
	}
	if !ok {
		return errors.New("runner: checkpoint action rejected by metadata store")
	}
	r.metrics.checkpointsWritten.Inc()

	r.pauseMu.Lock()
	r.pauseRequested = false
	r.hasPaused = false
	r.state = Reading
	r.nextCheckpointTime = timeNow().Add(r.cfg.IntermediateHandoffPeriod)
	r.hasPausedCond.Broadcast()
	r.pauseMu.Unlock()

	return persistSequencesLocked(r)
}

func persistSequencesLocked(r *Runner) error {
	r.pauseMu.Lock()
	seqs := append([]*SequenceMetadata(nil), r.sequences...)
	r.pauseMu.Unlock()
	return persistSequences(r.persistDir, r.id.Flavor, seqs)
}
