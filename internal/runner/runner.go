// Package runner implements the IndexTask Runner: the
// per-task ingestion state machine that owns a slice of partitions,
// drives checkpointed segment construction through an external
// Appenderator, and performs transactional publish/handoff through an
// external metadata Store.
package runner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"

	"github.com/grafana/streamingest/internal/appenderator"
	"github.com/grafana/streamingest/internal/metadatastore"
	"github.com/grafana/streamingest/internal/partitions"
	"github.com/grafana/streamingest/internal/sequence"
	"github.com/grafana/streamingest/internal/supplier"
)

// Identity names the task and the task group/datasource it belongs to.
type Identity struct {
	TaskID           string
	GroupID          int
	BaseSequenceName string
	DataSource       string
	StreamID         string
	Flavor           partitions.Flavor
}

// Report is the completion report.
type Report struct {
	Status       Status
	ErrorMessage string
	RowStats     appenderator.RowStats
}

// Runner is the per-task ingestion state machine.
type Runner struct {
	id         Identity
	cfg        Config
	persistDir string

	supplier supplier.Supplier
	app      appenderator.Appenderator
	store    metadatastore.Store

	logger  log.Logger
	metrics *metrics

	// pauseMu guards state, pauseRequested, stopRequested, sequences,
	// currOffsets, endOffsets, hasPaused — : "all mutations to
	// end_offsets, sequences, and pause_requested hold a single pause
	// lock".
	pauseMu         sync.Mutex
	hasPausedCond   *sync.Cond
	shouldResume    *sync.Cond
	state           State
	pauseRequested  bool
	resumeRequested bool
	stopRequested   bool
	hasPaused       bool

	sequences         []*SequenceMetadata
	nextSeqID         int
	currOffsets       map[partitions.ID]sequence.Number
	endOffsets        map[partitions.ID]sequence.Number
	pendingCheckpoint bool

	initialOffsetsSnapshot   map[partitions.ID]sequence.Number
	seenFirstRecord          map[partitions.ID]bool
	exclusiveStartPartitions map[partitions.ID]struct{}
	// lastKnownOffsets mirrors currOffsets but is never pruned when a
	// partition is dropped from currOffsets (end reached / EndOfShard),
	// so publish can report the true final offset reached rather than
	// the original, possibly-unbounded end bound.
	lastKnownOffsets map[partitions.ID]sequence.Number
	// committedMetadata is this task's view of what the metadata store
	// currently holds for the datasource: the CAS base for the next
	// publish. Seeded from the store at STARTING, advanced after every
	// successful transactional publish.
	committedMetadata partitions.DataSourceMetadata

	startTime          time.Time
	nextCheckpointTime time.Time

	rowsProcessed atomic.Int64
	rowsDropped   atomic.Int64
}

// New builds a Runner for task id, reading/writing sequences.json under
// persistDir, consuming sup, pushing rows through app, and publishing
// through store.
func New(id Identity, cfg Config, persistDir string, sup supplier.Supplier, app appenderator.Appenderator, store metadatastore.Store, reg prometheus.Registerer, logger log.Logger) *Runner {
	cfg.RegisterFlagsAndApplyDefaults("")
	r := &Runner{
		id:                       id,
		cfg:                      cfg,
		persistDir:               persistDir,
		supplier:                 sup,
		app:                      app,
		store:                    store,
		logger:                   logger,
		metrics:                  newMetrics(reg),
		state:                    NotStarted,
		exclusiveStartPartitions: map[partitions.ID]struct{}{},
		seenFirstRecord:          map[partitions.ID]bool{},
		lastKnownOffsets:         map[partitions.ID]sequence.Number{},
	}
	r.hasPausedCond = sync.NewCond(&r.pauseMu)
	r.shouldResume = sync.NewCond(&r.pauseMu)
	return r
}

// Run drives the full lifecycle to completion and returns the final
// report. It always attempts a final persist (when it holds any
// sequences), always closes the appenderator and supplier, and always
// unannounces from discovery. The earliest error is the one returned;
// an error from a later cleanup step is dropped.
func (r *Runner) Run(ctx context.Context, start, end partitions.StreamPartitions, exclusiveStart map[partitions.ID]struct{}) (report Report, runErr error) {
	var primary error
	defer func() {
		r.pauseMu.Lock()
		haveSeqs := len(r.sequences) > 0
		r.pauseMu.Unlock()
		if haveSeqs {
			if perr := persistSequencesLocked(r); perr != nil && runErr == nil {
				runErr = errors.Wrap(perr, "runner: final persist of sequences")
			}
		}
		if cerr := r.app.Close(ctx); cerr != nil && runErr == nil {
			runErr = errors.Wrap(cerr, "runner: closing appenderator")
		}
		if cerr := r.supplier.Close(ctx); cerr != nil && runErr == nil {
			runErr = errors.Wrap(cerr, "runner: closing supplier")
		}
		level.Info(r.logger).Log("msg", "task unannounced", "task_id", r.id.TaskID)
	}()

	if err := r.enterStarting(ctx, start, end, exclusiveStart); err != nil {
		primary = err
		return r.finish(Failure, err), primary
	}

	for {
		r.setState(Reading)
		done, err := r.readingLoop(ctx)
		if err != nil {
			primary = err
			return r.finish(Failure, err), primary
		}
		if done {
			break
		}
		// readingLoop returned because a pause was requested; block
		// until resumed, then loop back into READING.
		if err := r.waitForResume(ctx); err != nil {
			primary = err
			return r.finish(Failure, err), primary
		}
	}

	if err := r.publish(ctx); err != nil {
		primary = err
		return r.finish(Failure, err), primary
	}

	return r.finish(Success, nil), nil
}

func (r *Runner) finish(status Status, err error) Report {
	rep := Report{Status: status, RowStats: r.app.RowStats()}
	if err != nil {
		rep.ErrorMessage = err.Error()
	}
	return rep
}

func (r *Runner) setState(s State) {
	r.pauseMu.Lock()
	r.state = s
	r.pauseMu.Unlock()
}

// Status returns the runner's current lifecycle state.
func (r *Runner) Status() State {
	r.pauseMu.Lock()
	defer r.pauseMu.Unlock()
	return r.state
}

// StartTime returns the wall-clock time STARTING was entered.
func (r *Runner) StartTime() time.Time {
	r.pauseMu.Lock()
	defer r.pauseMu.Unlock()
	return r.startTime
}

func (r *Runner) enterStarting(ctx context.Context, start, end partitions.StreamPartitions, exclusiveStart map[partitions.ID]struct{}) error {
	r.pauseMu.Lock()
	r.state = Starting
	r.startTime = time.Now()
	r.exclusiveStartPartitions = exclusiveStart
	r.pauseMu.Unlock()

	level.Info(r.logger).Log("msg", "task announced", "task_id", r.id.TaskID)

	seqs, _, restored, err := loadSequences(r.persistDir)
	if err != nil {
		return errors.Wrap(err, "runner: restoring sequences")
	}
	if !restored || len(seqs) == 0 {
		assignments := make(map[partitions.ID]struct{}, len(start.Partitions))
		for p := range start.Partitions {
			assignments[p] = struct{}{}
		}
		seqs = []*SequenceMetadata{NewSequenceMetadata(0, r.id.BaseSequenceName, start.Partitions, end.Partitions, assignments)}
	}
	r.pauseMu.Lock()
	r.sequences = seqs
	r.nextSeqID = len(seqs)
	r.endOffsets = copyOffsets(end.Partitions)
	r.pauseMu.Unlock()

	// Consult the store for prior persisted metadata.
	priorMeta, present, err := r.store.Get(ctx, r.id.DataSource)
	if err != nil {
		return errors.Wrap(err, "runner: fetching prior metadata")
	}
	curr := make(map[partitions.ID]sequence.Number)
	if present {
		for p, v := range priorMeta.Partitions {
			curr[p] = v
		}
		for p, expected := range seqs[0].Start {
			if got, ok := curr[p]; ok && got.Compare(expected) == sequence.Less {
				return errors.Wrapf(ErrInvalidBounds, "partition %v: prior metadata %v behind expected start %v", p, got, expected)
			}
		}
		r.pauseMu.Lock()
		r.committedMetadata = priorMeta
		r.pauseMu.Unlock()
	} else {
		curr = copyOffsets(seqs[0].Start)
		r.pauseMu.Lock()
		r.committedMetadata = partitions.NewDataSourceMetadata(r.id.StreamID, nil)
		r.pauseMu.Unlock()
	}

	// Drop partitions whose end is EndOfShard.
	for p, e := range end.Partitions {
		if e.IsEndOfShard() {
			delete(curr, p)
		}
	}

	r.pauseMu.Lock()
	r.currOffsets = curr
	r.initialOffsetsSnapshot = copyOffsets(curr)
	r.lastKnownOffsets = copyOffsets(curr)
	r.nextCheckpointTime = time.Now().Add(r.cfg.IntermediateHandoffPeriod)
	r.pauseMu.Unlock()

	return r.assignAndSeek(ctx)
}

// assignAndSeek assigns the supplier to every partition still needing
// reading and seeks each to its current offset, applying the
// automatic-reset-or-fail branch when an offset has aged out.
func (r *Runner) assignAndSeek(ctx context.Context) error {
	r.pauseMu.Lock()
	curr := copyOffsets(r.currOffsets)
	r.pauseMu.Unlock()

	set := make([]supplier.StreamPartition, 0, len(curr))
	for p := range curr {
		set = append(set, supplier.StreamPartition{StreamID: r.id.StreamID, PartitionID: p})
	}
	if err := r.supplier.Assign(ctx, set); err != nil {
		return errors.Wrap(err, "runner: assigning partitions")
	}

	for p, seq := range curr {
		sp := supplier.StreamPartition{StreamID: r.id.StreamID, PartitionID: p}
		if r.cfg.ResetOffsetAutomatically {
			earliest, err := r.supplier.GetEarliest(ctx, sp)
			if err != nil {
				return errors.Wrap(err, "runner: probing earliest offset")
			}
			if seq.Compare(earliest) == sequence.Less {
				if _, err := r.store.ResetDataSourceMetadata(ctx, r.id.DataSource, &partitions.DataSourceMetadata{
					StreamID:   r.id.StreamID,
					Partitions: map[partitions.ID]sequence.Number{p: seq},
				}); err != nil {
					return errors.Wrap(err, "runner: resetting datasource metadata")
				}
				level.Warn(r.logger).Log("msg", "starting offset unavailable, reset issued and pausing", "partition", fmt.Sprint(p))
				return r.requestSelfPause(ctx)
			}
		} else if !r.cfg.SkipSequenceNumberAvailabilityCheck {
			earliest, err := r.supplier.GetEarliest(ctx, sp)
			if err == nil && seq.Compare(earliest) == sequence.Less {
				return ErrStartingOffsetUnavailable
			}
		}
		if err := r.supplier.Seek(ctx, sp, seq); err != nil {
			return errors.Wrap(err, "runner: seeking partition")
		}
	}
	return nil
}

// requestSelfPause parks the runner in PAUSED without requiring an
// external HTTP call, used by the automatic-reset branch.
func (r *Runner) requestSelfPause(ctx context.Context) error {
	r.setState(Paused)
	return r.waitForResume(ctx)
}
