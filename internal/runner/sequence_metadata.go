package runner

import (
	"sync"

	"github.com/grafana/streamingest/internal/partitions"
	"github.com/grafana/streamingest/internal/sequence"
)

// SequenceMetadata is the runner-internal bookkeeping unit for a
// contiguous, checkpointable span of offsets per assigned partition,
// identified by a stable sequence name used to tag rows
// pushed through the appenderator.
type SequenceMetadata struct {
	SequenceID   int
	SequenceName string

	Start map[partitions.ID]sequence.Number

	mu    sync.Mutex
	end   map[partitions.ID]sequence.Number
	// Assignments is the set of partitions this sequence was created
	// for; it is not pruned when a partition hits its end or EndOfShard.
	Assignments map[partitions.ID]struct{}
	// Checkpointed marks this sequence as finalized: closed to new
	// records, and the signal that drives the READING->PUBLISHING
	// transition once it is the latest sequence.
	Checkpointed bool
	// Published marks this sequence as already pushed and committed
	// during a PUBLISHING pass, independent of Checkpointed: a sequence
	// can be checkpointed well before it is published.
	Published bool
}

// NewSequenceMetadata builds an open (non-checkpointed) sequence
// spanning [start, end) over assignments.
func NewSequenceMetadata(id int, name string, start, end map[partitions.ID]sequence.Number, assignments map[partitions.ID]struct{}) *SequenceMetadata {
	return &SequenceMetadata{
		SequenceID:  id,
		SequenceName: name,
		Start:       copyOffsets(start),
		end:         copyOffsets(end),
		Assignments: copyAssignments(assignments),
	}
}

// End returns a snapshot of the sequence's end bound.
func (s *SequenceMetadata) End() map[partitions.ID]sequence.Number {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyOffsets(s.end)
}

// SetEnd installs a new end bound under lock.
func (s *SequenceMetadata) SetEnd(end map[partitions.ID]sequence.Number) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.end = copyOffsets(end)
}

// IsOpen reports whether the sequence has not yet been checkpointed —
// an open sequence is extensible and eligible to take new records.
func (s *SequenceMetadata) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.Checkpointed
}

// MarkCheckpointed finalizes this sequence; it stops accepting new records.
func (s *SequenceMetadata) MarkCheckpointed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Checkpointed = true
}

// MarkPublished records that this sequence's segments have been pushed
// and its metadata committed, so a later publish pass skips it.
func (s *SequenceMetadata) MarkPublished() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Published = true
}

// IsPublished reports whether MarkPublished has been called.
func (s *SequenceMetadata) IsPublished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Published
}

// CanHandle reports whether this sequence is open and p's seq lies
// within [start[p], end[p]).
func (s *SequenceMetadata) CanHandle(p partitions.ID, seq sequence.Number) bool {
	if !s.IsOpen() {
		return false
	}
	start, ok := s.Start[p]
	if !ok {
		return false
	}
	end := s.End()[p]
	if end == nil {
		return true
	}
	return start.Compare(seq) != sequence.Greater && seq.Compare(end) == sequence.Less
}

func copyOffsets(m map[partitions.ID]sequence.Number) map[partitions.ID]sequence.Number {
	cp := make(map[partitions.ID]sequence.Number, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}

func copyAssignments(m map[partitions.ID]struct{}) map[partitions.ID]struct{} {
	cp := make(map[partitions.ID]struct{}, len(m))
	for k := range m {
		cp[k] = struct{}{}
	}
	return cp
}
