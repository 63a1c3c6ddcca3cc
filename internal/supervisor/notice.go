package supervisor

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/grafana/streamingest/internal/partitions"
)

// noticeType enumerates the HTTP-triggered commands a supervisor can
// be asked to perform.
type noticeType int

const (
	noticeSuspend noticeType = iota
	noticeResume
	noticeReset
)

func (t noticeType) String() string {
	switch t {
	case noticeSuspend:
		return "suspend"
	case noticeResume:
		return "resume"
	case noticeReset:
		return "reset"
	default:
		return "unknown"
	}
}

// notice is one enqueued command: an id, a done channel the submitter
// blocks on, and a result slot.
type notice struct {
	ID   string
	Type noticeType

	// ResetMetadata is populated for noticeReset: the partition range
	// to delete (nil partitions.ID set clears everything known).
	ResetMetadata *partitions.DataSourceMetadata

	done chan struct{}
	err  error
}

func newNotice(t noticeType) *notice {
	return &notice{ID: uuid.NewString(), Type: t, done: make(chan struct{})}
}

// complete marks the notice processed and wakes up the submitter.
func (n *notice) complete(err error) {
	n.err = err
	close(n.done)
}

// wait blocks until the notice has been processed by a tick.
func (n *notice) wait() error {
	<-n.done
	return n.err
}

// noticeQueue is a slice+mutex queue of pending notices, grounded on
// modules/backendscheduler/work.Queue's AddJob/GetJob/Prune shape: a
// duplicate ID is rejected, Drain hands every currently-queued notice
// to the caller in FIFO order for a single-threaded main loop to
// process one at a time.
type noticeQueue struct {
	mu    sync.Mutex
	items []*notice
}

func newNoticeQueue() *noticeQueue {
	return &noticeQueue{}
}

func (q *noticeQueue) Add(n *notice) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, existing := range q.items {
		if existing.ID == n.ID {
			return fmt.Errorf("notice queue: duplicate notice id %s", n.ID)
		}
	}
	q.items = append(q.items, n)
	return nil
}

// Drain removes and returns every notice currently queued, in the
// order they were added.
func (q *noticeQueue) Drain() []*notice {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	out := q.items
	q.items = nil
	return out
}

func (q *noticeQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
