package supplier

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/grafana/streamingest/internal/partitions"
	"github.com/grafana/streamingest/internal/sequence"
)

// bufferedRecord is one item sitting in the MPMC buffer, tagged with
// the generation it was produced under so a subsequent seek/reassign
// can invalidate stale, already-buffered records without draining the
// channel.
type bufferedRecord struct {
	partition  StreamPartition
	generation int64
	record     Record
}

type partitionState struct {
	iterator   *string // nil: exhausted (shard closed) or not yet seeked
	generation int64
	assigned   bool
}

// bufferedSupplier is the opaque-sequence (Kinesis-like) Record
// Supplier flavor: a fixed-size worker pool plus an MPMC buffer fed by
// per-partition fetchers.
type bufferedSupplier struct {
	streamID string
	reader   ShardReader
	cfg      BufferedConfig

	mu     sync.Mutex
	states map[partitions.ID]*partitionState

	buffer    chan bufferedRecord
	scheduler *scheduler
	workersWG *sync.WaitGroup
}

// NewBuffered builds the opaque-sequence Record Supplier over reader.
func NewBuffered(streamID string, reader ShardReader, cfg BufferedConfig) Supplier {
	cfg.RegisterFlagsAndApplyDefaults("")
	b := &bufferedSupplier{
		streamID: streamID,
		reader:   reader,
		cfg:      cfg,
		states:   map[partitions.ID]*partitionState{},
		buffer:   make(chan bufferedRecord, cfg.RecordBufferSize),
	}
	b.startPool()
	return b
}

func (b *bufferedSupplier) startPool() {
	b.scheduler = newScheduler()
	b.workersWG = b.scheduler.runWorkers(b.cfg.FetchThreads, b.runFetchTick)
}

// Assign replaces the working set, discarding state for partitions no
// longer assigned and registering fresh (iterator-less) state for new
// ones. Partitions are not scheduled until Seek/SeekTo* establishes an
// iterator, matching the runner's assign-then-seek sequencing.
func (b *bufferedSupplier) Assign(ctx context.Context, set []StreamPartition) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	wanted := make(map[partitions.ID]struct{}, len(set))
	for _, p := range set {
		wanted[p.PartitionID] = struct{}{}
	}
	for id, st := range b.states {
		if _, keep := wanted[id]; !keep {
			st.assigned = false
			st.generation++ // invalidate any in-flight/buffered records
		}
	}
	for _, p := range set {
		st, ok := b.states[p.PartitionID]
		if !ok {
			st = &partitionState{}
			b.states[p.PartitionID] = st
		}
		st.assigned = true
	}
	return nil
}

func (b *bufferedSupplier) Seek(ctx context.Context, p StreamPartition, seq sequence.Number) error {
	it, err := b.reader.GetShardIterator(ctx, p.PartitionID, seq)
	if err != nil {
		return err
	}
	return b.reseek(p, it)
}

func (b *bufferedSupplier) SeekToEarliest(ctx context.Context, set []StreamPartition) error {
	for _, p := range set {
		it, err := b.reader.GetShardIteratorEarliest(ctx, p.PartitionID)
		if err != nil {
			return err
		}
		if err := b.reseek(p, it); err != nil {
			return err
		}
	}
	return nil
}

func (b *bufferedSupplier) SeekToLatest(ctx context.Context, set []StreamPartition) error {
	for _, p := range set {
		it, err := b.reader.GetShardIteratorLatest(ctx, p.PartitionID)
		if err != nil {
			return err
		}
		if err := b.reseek(p, it); err != nil {
			return err
		}
	}
	return nil
}

// reseek bumps the partition's generation (dropping stale buffered
// records and in-flight fetches), installs the new iterator, and
// schedules an immediate fetch — the "shut down fetchers ... recreate
// ... and restart" behavior , expressed as a generation
// bump rather than literally tearing down the worker pool.
func (b *bufferedSupplier) reseek(p StreamPartition, iterator string) error {
	b.mu.Lock()
	st, ok := b.states[p.PartitionID]
	if !ok {
		st = &partitionState{}
		b.states[p.PartitionID] = st
	}
	st.generation++
	st.assigned = true
	st.iterator = &iterator
	gen := st.generation
	b.mu.Unlock()

	b.scheduler.schedule(&scheduleItem{partition: p, runAt: time.Now(), generation: gen})
	return nil
}

// runFetchTick implements one fetcher-loop iteration.
func (b *bufferedSupplier) runFetchTick(item *scheduleItem) {
	ctx := context.Background()

	b.mu.Lock()
	st, ok := b.states[item.partition.PartitionID]
	if !ok || !st.assigned || st.generation != item.generation {
		b.mu.Unlock()
		return // superseded by a reassignment or reseek; do not reschedule
	}
	iterator := st.iterator
	b.mu.Unlock()

	if iterator == nil {
		b.offer(bufferedRecord{
			partition:  item.partition,
			generation: item.generation,
			record: Record{
				StreamPartition: item.partition,
				SequenceNumber:  endOfShardFor(item.partition),
			},
		})
		return // terminal: no reschedule
	}

	records, nextIterator, err := b.reader.GetRecords(ctx, *iterator, b.cfg.RecordsPerFetch)
	if err != nil {
		delay := b.cfg.ExceptionRetryDelay
		var te *ThroughputExceededError
		if errors.As(err, &te) {
			delay = b.cfg.ThroughputBackoff
			if b.cfg.FetchDelay > delay {
				delay = b.cfg.FetchDelay
			}
		}
		b.reschedule(item, delay)
		return
	}

	for _, r := range records {
		ok := b.offerWithTimeout(bufferedRecord{
			partition:  item.partition,
			generation: item.generation,
			record: Record{
				StreamPartition: item.partition,
				SequenceNumber:  sequence.NewBigString(r.SequenceNumber),
				Data:            [][]byte{r.Data},
			},
		}, b.cfg.RecordBufferOfferTimeout)
		if !ok {
			// Buffer full: rewind to this record's sequence and retry later.
			rewound, ierr := b.reader.GetShardIterator(ctx, item.partition.PartitionID, sequence.NewBigString(r.SequenceNumber))
			if ierr == nil {
				b.mu.Lock()
				if st.generation == item.generation {
					st.iterator = &rewound
				}
				b.mu.Unlock()
			}
			b.reschedule(item, b.cfg.RecordBufferFullWait)
			return
		}
	}

	b.mu.Lock()
	if st.generation == item.generation {
		st.iterator = nextIterator
	}
	b.mu.Unlock()
	b.reschedule(item, b.cfg.FetchDelay)
}

func (b *bufferedSupplier) reschedule(item *scheduleItem, delay time.Duration) {
	b.scheduler.schedule(&scheduleItem{partition: item.partition, runAt: time.Now().Add(delay), generation: item.generation})
}

func (b *bufferedSupplier) offer(r bufferedRecord) {
	b.buffer <- r
}

func (b *bufferedSupplier) offerWithTimeout(r bufferedRecord, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case b.buffer <- r:
		return true
	case <-timer.C:
		return false
	}
}

func endOfShardFor(StreamPartition) sequence.Number { return sequence.EndOfShardBigString() }

func (b *bufferedSupplier) GetEarliest(ctx context.Context, p StreamPartition) (sequence.Number, error) {
	return b.reader.GetEarliestSequenceNumber(ctx, p.PartitionID)
}

func (b *bufferedSupplier) GetLatest(ctx context.Context, p StreamPartition) (sequence.Number, error) {
	return b.reader.GetLatestSequenceNumber(ctx, p.PartitionID)
}

func (b *bufferedSupplier) GetPartitionIDs(ctx context.Context, streamID string) ([]partitions.ID, error) {
	return b.reader.ListShards(ctx, streamID)
}

func (b *bufferedSupplier) GetAssignment() []StreamPartition {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]StreamPartition, 0, len(b.states))
	for id, st := range b.states {
		if st.assigned {
			out = append(out, StreamPartition{StreamID: b.streamID, PartitionID: id})
		}
	}
	return out
}

// Poll drains up to min(max(buffer_size,1), max_records_per_poll)
// buffered records within timeout, dropping any whose partition is no
// longer assigned or whose generation is stale.
func (b *bufferedSupplier) Poll(ctx context.Context, timeout time.Duration) ([]Record, error) {
	limit := b.cfg.MaxRecordsPerPoll
	if cap(b.buffer) > 0 && cap(b.buffer) < limit {
		limit = cap(b.buffer)
	}
	if limit < 1 {
		limit = 1
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	out := make([]Record, 0, limit)
	for len(out) < limit {
		if len(out) > 0 {
			// Already have at least one record: drain whatever is
			// immediately available, then return rather than blocking
			// further (poll "may return empty" but never blocks past
			// its first record once one has arrived).
			select {
			case br := <-b.buffer:
				if r, ok := b.acceptIfValid(br); ok {
					out = append(out, r)
				}
				continue
			default:
				return out, nil
			}
		}

		select {
		case br := <-b.buffer:
			if r, ok := b.acceptIfValid(br); ok {
				out = append(out, r)
			}
		case <-deadline.C:
			return out, nil
		case <-ctx.Done():
			return out, ctx.Err()
		}
	}
	return out, nil
}

func (b *bufferedSupplier) acceptIfValid(br bufferedRecord) (Record, bool) {
	b.mu.Lock()
	st, ok := b.states[br.partition.PartitionID]
	valid := ok && st.assigned && st.generation == br.generation
	b.mu.Unlock()
	return br.record, valid
}

// Close shuts the worker pool down within a bounded deadline; if
// workers do not finish by then, it returns without further blocking.
func (b *bufferedSupplier) Close(ctx context.Context) error {
	b.scheduler.close()

	done := make(chan struct{})
	go func() {
		b.workersWG.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
	}
	return nil
}
