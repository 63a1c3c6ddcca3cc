package supervisor

import (
	"context"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/grafana/streamingest/internal/partitions"
	"github.com/grafana/streamingest/internal/sequence"
)

// hashPartitionID gives a stable, type-agnostic hash for a partition id
// (int32 or string), used by groupFor to compute hash(partition) mod
// taskCount deterministically across supervisor restarts.
func hashPartitionID(p partitions.ID) uint64 {
	h := fnv.New64a()
	_, _ = fmt.Fprint(h, p)
	return h.Sum64()
}

// TaskGroup is the supervisor-internal planning unit: a set
// of replica tasks covering the same partitions with identical bounds.
type TaskGroup struct {
	GroupID     int
	StartOffsets map[partitions.ID]sequence.Number

	MinimumMessageTime time.Time
	MaximumMessageTime time.Time

	ReplicaTaskIDs map[string]struct{}

	ExclusiveStartPartitions map[partitions.ID]struct{}

	// CheckpointHistory is keyed by the order checkpoints were observed
	// rather than a literal map so iteration order is stable.
	CheckpointHistory []map[partitions.ID]sequence.Number

	CreatedAt time.Time
}

func (g *TaskGroup) baseSequenceName(dataSource string) string {
	return fmt.Sprintf("%s_%d", dataSource, g.GroupID)
}

// PendingCompletionTaskGroup is a TaskGroup whose tasks have moved past
// READING into PUBLISHING, kept until every replica
// publishes and exits, or CompletionTimeout elapses.
type PendingCompletionTaskGroup struct {
	TaskGroup
	EndOffsets map[partitions.ID]sequence.Number
	EnteredAt  time.Time
}

// TaskSpec describes one replica task submission.
type TaskSpec struct {
	TaskID                   string
	GroupID                  int
	BaseSequenceName         string
	DataSource               string
	StreamID                 string
	Flavor                   partitions.Flavor
	Start                    map[partitions.ID]sequence.Number
	End                      map[partitions.ID]sequence.Number
	ExclusiveStartPartitions map[partitions.ID]struct{}
	MinimumMessageTime       time.Time
	MaximumMessageTime       time.Time
	RecordsPerFetch          int
	FetchDelayMillis         int
}

// TaskHandle is what the orchestrator reports for a task it knows
// about — either one the supervisor submitted, or one it is adopting.
type TaskHandle struct {
	TaskID           string
	GroupID          int
	BaseSequenceName string
	Start            map[partitions.ID]sequence.Number
	ChatURL          string
}

// Orchestrator is the out-of-scope task queue/storage/worker-pool/HTTP
// transport collaborator the Supervisor is coded against, mirroring how
// internal/runner is coded against appenderator.Appenderator only.
type Orchestrator interface {
	// Submit enqueues spec for execution and returns its handle.
	Submit(ctx context.Context, spec TaskSpec) (TaskHandle, error)
	// Shutdown kills taskID outright (non-graceful).
	Shutdown(ctx context.Context, taskID string) error
	// ListTasks returns every task the orchestrator currently knows
	// about for dataSource, regardless of which supervisor launched it.
	ListTasks(ctx context.Context, dataSource string) ([]TaskHandle, error)
}
