// Package appenderator defines the narrow interface the IndexTask
// Runner drives to buffer, roll, and hand off segments. The concrete
// driver (buffering, segment rolling, persistence, handoff to
// historical nodes) is an out-of-scope external collaborator; this
// package exists only as the seam the runner is coded against.
package appenderator

import "context"

// AddResult reports what happened to one row push.
type AddResult struct {
	// IsPushRequired is true when the driver wants the caller to roll
	// and publish the current segment (a segment boundary was hit).
	IsPushRequired bool
	// ParseException is non-nil when the row could not be parsed; it
	// still counts toward RowStats.ProcessedWithError rather than
	// aborting the push.
	ParseException error
}

// Segment identifies one published, immutable data segment.
type Segment struct {
	ID string
}

// Appenderator is the segment buffering/rolling/publish/handoff driver
// the runner pushes rows through and later asks to publish.
type Appenderator interface {
	// Add buffers one parsed row under sequenceName, returning whether
	// a push (segment roll) is now required.
	Add(ctx context.Context, sequenceName string, row any, skipSegmentLineageCheck bool) (AddResult, error)
	// IsOpenSegment reports whether sequenceName still has buffered,
	// unpublished rows.
	IsOpenSegment(sequenceName string) bool
	// Push finalizes and returns the segments buffered under
	// sequenceNames, ready for transactional publish.
	Push(ctx context.Context, sequenceNames []string) ([]Segment, error)
	// Close releases the driver's resources. Idempotent.
	Close(ctx context.Context) error

	// RowStats exposes passthrough ingestion counters.
	RowStats() RowStats
}

// RowStats is the passthrough ingestion-counter snapshot.
type RowStats struct {
	Processed           int64
	ProcessedWithError   int64
	Thrown               int64
	Unparseable          int64
}
