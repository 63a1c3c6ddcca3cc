package runner

import "github.com/pkg/errors"

// Sentinel errors returned by the runner's state transitions.
var (
	// ErrStartingOffsetUnavailable is returned when curr < earliest and
	// ResetOffsetAutomatically is disabled — fatal for the task.
	ErrStartingOffsetUnavailable = errors.New("starting offset no longer available")
	// ErrInvalidBounds indicates curr > end: a programmer or metadata
	// corruption error, always fatal.
	ErrInvalidBounds = errors.New("invalid bounds: current offset past end offset")
	// ErrOffsetGap names an integer-offset gap. The runner does not
	// check for gaps between records, so no code path returns it.
	ErrOffsetGap = errors.New("offset gap detected")
	// ErrPublishRejected marks a transactional-publish compare-and-swap
	// rejection (stored metadata did not match what was expected).
	ErrPublishRejected = errors.New("transactional publish rejected: stored metadata has moved")
	// ErrTooManyParseExceptions is fatal once the cumulative parse
	// error count exceeds MaxParseExceptions.
	ErrTooManyParseExceptions = errors.New("exceeded maximum parse exceptions")
	// ErrNotPaused is returned by SetEndOffsets/Resume when the runner
	// has not actually reached a paused state.
	ErrNotPaused = errors.New("runner is not paused")
	// ErrPauseTimeout is returned by Pause when a valid pause request
	// was accepted but the runner did not observe it within the ack
	// timeout.
	ErrPauseTimeout = errors.New("pause not observed within timeout")
	// ErrInvalidRunnerState is returned by Pause when called while the
	// runner is in a state that cannot be paused (anything other than
	// READING or PAUSED).
	ErrInvalidRunnerState = errors.New("runner is not in a pausable state")
	// ErrOffsetRegression is returned when set-end-offsets proposes an
	// offset below the partition's current read position.
	ErrOffsetRegression = errors.New("proposed end offset regresses current offset")
	// ErrPartitionSetMismatch is returned when set-end-offsets names a
	// partition set different from the runner's current assignment.
	ErrPartitionSetMismatch = errors.New("offsets partition set does not match current assignment")
	// errInvariantExclusiveStart documents
	// verifyInitialRecordAndSkipExclusivePartition's defensive branch.
	// It is never expected to trigger once initialOffsetsSnapshot has
	// been consulted once per partition; preserved here only so the
	// invariant is explicit and checked rather than silently assumed.
	errInvariantExclusiveStart = errors.New("internal invariant violated: exclusive-start partition consulted twice")
)
