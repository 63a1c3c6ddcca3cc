package runner

import (
	"context"
	"time"

	"github.com/grafana/streamingest/internal/partitions"
	"github.com/grafana/streamingest/internal/sequence"
)

// waitForResume implements the PAUSED state: it announces
// that the pause has taken effect via hasPausedCond, then blocks on
// shouldResume until Resume or Stop is called, or ctx is cancelled.
func (r *Runner) waitForResume(ctx context.Context) error {
	unblock := make(chan struct{})
	defer close(unblock)
	go func() {
		select {
		case <-ctx.Done():
			r.pauseMu.Lock()
			r.shouldResume.Broadcast()
			r.pauseMu.Unlock()
		case <-unblock:
		}
	}()

	r.pauseMu.Lock()
	defer r.pauseMu.Unlock()

	r.hasPaused = true
	r.pauseRequested = false
	r.state = Paused
	r.hasPausedCond.Broadcast()

	for !r.resumeRequested && !r.stopRequested && ctx.Err() == nil {
		r.shouldResume.Wait()
	}
	r.resumeRequested = false
	r.hasPaused = false
	r.hasPausedCond.Broadcast()

	if r.stopRequested {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	r.state = Reading
	return nil
}

// Pause requests that the runner suspend reading and blocks until it
// has actually paused or pauseAckTimeout elapses. On success it returns
// the offsets the runner paused at. It returns ErrInvalidRunnerState
// immediately if the runner is not in READING or PAUSED, and
// ErrPauseTimeout if a valid request is not observed within the ack
// timeout.
func (r *Runner) Pause(context.Context) (map[partitions.ID]sequence.Number, error) {
	r.pauseMu.Lock()
	if r.state != Reading && r.state != Paused {
		r.pauseMu.Unlock()
		return nil, ErrInvalidRunnerState
	}
	r.pauseRequested = true
	r.pauseMu.Unlock()

	if !r.waitCondDeadline(r.hasPausedCond, pauseAckTimeout, func() bool { return r.hasPaused }) {
		return nil, ErrPauseTimeout
	}

	r.pauseMu.Lock()
	defer r.pauseMu.Unlock()
	return copyOffsets(r.currOffsets), nil
}

// Resume releases a paused runner back into READING and blocks until it
// has actually resumed or resumeAckTimeout elapses.
func (r *Runner) Resume(context.Context) error {
	r.pauseMu.Lock()
	if !r.hasPaused {
		r.pauseMu.Unlock()
		return ErrNotPaused
	}
	r.resumeRequested = true
	r.shouldResume.Broadcast()
	r.pauseMu.Unlock()

	if !r.waitCondDeadline(r.hasPausedCond, resumeAckTimeout, func() bool { return !r.hasPaused }) {
		return ErrNotPaused
	}
	return nil
}

// Stop requests a graceful stop.
// It wakes any blocked waitForResume and lets the next readingLoop
// iteration observe stopRequested and end READING, after which the
// runner publishes what it has read.
func (r *Runner) Stop() {
	r.pauseMu.Lock()
	r.stopRequested = true
	r.shouldResume.Broadcast()
	r.pauseMu.Unlock()
}

// waitCondDeadline blocks on cond until condFn reports true or timeout
// elapses, returning condFn's final value. A timer goroutine broadcasts
// cond at the deadline so Wait does not block forever; sync.Cond has no
// native timed wait.
func (r *Runner) waitCondDeadline(cond interface{ Broadcast(); Wait() }, timeout time.Duration, condFn func() bool) bool {
	timer := time.AfterFunc(timeout, func() {
		r.pauseMu.Lock()
		cond.Broadcast()
		r.pauseMu.Unlock()
	})
	defer timer.Stop()

	deadline := timeNow().Add(timeout)
	r.pauseMu.Lock()
	defer r.pauseMu.Unlock()
	for !condFn() && timeNow().Before(deadline) {
		cond.Wait()
	}
	return condFn()
}
