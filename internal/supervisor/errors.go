package supervisor

import "github.com/pkg/errors"

// Sentinel errors returned by the supervisor's notice handling.
var (
	// ErrResetRangeEmpty is returned when the metadata store reports
	// that a reset request was not applied.
	ErrResetRangeEmpty = errors.New("supervisor: nothing to reset")
	// ErrShuttingDown is returned by notices submitted after Stopping
	// has begun.
	ErrShuttingDown = errors.New("supervisor: shutting down")
)
