package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/grafana/streamingest/internal/partitions"
	"github.com/grafana/streamingest/internal/sequence"
	"github.com/grafana/streamingest/internal/supplier"
	"github.com/grafana/streamingest/internal/taskclient"
)

// tick runs one planning cycle:
// discover partitions, classify existing tasks, spawn what is missing,
// poll status, and drive handoff/failure/pending-completion.
func (s *Supervisor) tick(ctx context.Context) error {
	ids, err := s.supplier.GetPartitionIDs(ctx, s.streamID)
	if err != nil {
		return errors.Wrap(err, "supervisor: discovering partitions")
	}

	byGroup := make(map[int][]partitions.ID, s.cfg.TaskCount)
	for _, id := range ids {
		g := groupFor(id, s.cfg.TaskCount)
		byGroup[g] = append(byGroup[g], id)
	}

	tasks, err := s.orchestrator.ListTasks(ctx, s.dataSource)
	if err != nil {
		return errors.Wrap(err, "supervisor: listing tasks")
	}
	byTaskGroup := map[int][]TaskHandle{}
	for _, h := range tasks {
		byTaskGroup[h.GroupID] = append(byTaskGroup[h.GroupID], h)
	}

	s.mu.Lock()
	for g := range s.groups {
		if _, stillLive := byGroup[g]; !stillLive {
			delete(s.groups, g)
		}
	}
	s.mu.Unlock()

	for g, partitionIDs := range byGroup {
		if err := s.ensureGroup(ctx, g, partitionIDs, byTaskGroup[g]); err != nil {
			level.Error(s.logger).Log("msg", "failed to ensure task group", "group", g, "err", err)
		}
	}

	polled := s.pollAll(ctx)
	s.evaluateHandoff(ctx, polled)
	s.evaluatePendingCompletion(ctx, polled)

	s.mu.Lock()
	s.metrics.activeTaskGroups.Set(float64(len(s.groups)))
	s.mu.Unlock()

	return nil
}

// ensureGroup makes sure group g has cfg.Replicas live replica tasks
// covering exactly partitionIDs, adopting compatible existing tasks
// and spawning whatever replicas are missing.
func (s *Supervisor) ensureGroup(ctx context.Context, g int, partitionIDs []partitions.ID, existing []TaskHandle) error {
	s.mu.Lock()
	group, ok := s.groups[g]
	if !ok {
		start, err := s.startOffsetsFor(ctx, partitionIDs)
		if err != nil {
			s.mu.Unlock()
			return err
		}
		now := s.now()
		group = &TaskGroup{
			GroupID:        g,
			StartOffsets:   start,
			ReplicaTaskIDs: map[string]struct{}{},
			CreatedAt:      now,
		}
		if s.cfg.EarlyMessageRejectionPeriod > 0 {
			group.MinimumMessageTime = now.Add(-s.cfg.EarlyMessageRejectionPeriod)
		}
		if s.cfg.LateMessageRejectionPeriod > 0 {
			group.MaximumMessageTime = now.Add(s.cfg.LateMessageRejectionPeriod)
		}
		s.groups[g] = group
	}
	for _, h := range existing {
		if compatible(group, h) {
			group.ReplicaTaskIDs[h.TaskID] = struct{}{}
			s.chatURLs[h.TaskID] = h.ChatURL
		}
	}
	needed := s.cfg.Replicas - len(group.ReplicaTaskIDs)
	start := group.StartOffsets
	baseSeq := group.baseSequenceName(s.dataSource)
	excl := group.ExclusiveStartPartitions
	s.mu.Unlock()

	if s.isSuspended() || needed <= 0 {
		return nil
	}
	for i := 0; i < needed; i++ {
		if err := s.submitReplica(ctx, g, baseSeq, start, excl, "initial"); err != nil {
			return err
		}
	}
	return nil
}

// compatible reports whether an orchestrator-reported task belongs to
// group (same group id and start offsets), per the classification
// rule in step 2.
func compatible(group *TaskGroup, h TaskHandle) bool {
	if h.GroupID != group.GroupID {
		return false
	}
	if len(h.Start) != len(group.StartOffsets) {
		return false
	}
	for p, want := range group.StartOffsets {
		got, ok := h.Start[p]
		if !ok || got.Compare(want) != sequence.Equal {
			return false
		}
	}
	return true
}

func (s *Supervisor) submitReplica(ctx context.Context, groupID int, baseSeq string, start map[partitions.ID]sequence.Number, excl map[partitions.ID]struct{}, reason string) error {
	now := s.now()
	spec := TaskSpec{
		TaskID:                   s.dataSource + "_" + baseSeq + "_" + uuid.NewString()[:8],
		GroupID:                  groupID,
		BaseSequenceName:         baseSeq,
		DataSource:               s.dataSource,
		StreamID:                 s.streamID,
		Flavor:                   s.flavor,
		Start:                    start,
		ExclusiveStartPartitions: excl,
		RecordsPerFetch:          s.cfg.RecordsPerFetch,
		FetchDelayMillis:         s.cfg.FetchDelayMillis,
	}
	if s.cfg.EarlyMessageRejectionPeriod > 0 {
		spec.MinimumMessageTime = now.Add(-s.cfg.EarlyMessageRejectionPeriod)
	}
	if s.cfg.LateMessageRejectionPeriod > 0 {
		spec.MaximumMessageTime = now.Add(s.cfg.LateMessageRejectionPeriod)
	}
	handle, err := s.orchestrator.Submit(ctx, spec)
	if err != nil {
		return errors.Wrap(err, "supervisor: submitting replica task")
	}
	s.mu.Lock()
	if group, ok := s.groups[groupID]; ok {
		group.ReplicaTaskIDs[handle.TaskID] = struct{}{}
	}
	s.chatURLs[handle.TaskID] = handle.ChatURL
	s.mu.Unlock()
	s.metrics.tasksSubmitted.WithLabelValues(reason).Inc()
	return nil
}

// startOffsetsFor resolves the starting offsets for a newly discovered
// group: prior committed metadata if any exists, else an
// earliest/latest probe per UseEarliestSequenceNumber.
func (s *Supervisor) startOffsetsFor(ctx context.Context, ids []partitions.ID) (map[partitions.ID]sequence.Number, error) {
	committed, ok, err := s.store.Get(ctx, s.dataSource)
	if err != nil {
		return nil, errors.Wrap(err, "supervisor: reading committed metadata")
	}
	out := make(map[partitions.ID]sequence.Number, len(ids))
	for _, id := range ids {
		if ok {
			if seq, present := committed.Partitions[id]; present {
				out[id] = seq
				continue
			}
		}
		seq, err := s.probeStart(ctx, id)
		if err != nil {
			return nil, err
		}
		out[id] = seq
	}
	return out, nil
}

func (s *Supervisor) probeStart(ctx context.Context, id partitions.ID) (sequence.Number, error) {
	sp := supplier.StreamPartition{StreamID: s.streamID, PartitionID: id}
	if s.cfg.UseEarliestSequenceNumber {
		return s.supplier.GetEarliest(ctx, sp)
	}
	return s.supplier.GetLatest(ctx, sp)
}

// now is overridden in tests that need deterministic timestamps.
func (s *Supervisor) now() time.Time { return time.Now() }

// polledStatus is one replica's gathered chat-surface state.
type polledStatus struct {
	taskID         string
	groupID        int
	pendingGroup   bool
	status         string
	startTime      time.Time
	currentOffsets map[partitions.ID]sequence.Number
	checkpoints    []map[partitions.ID]sequence.Number
	err            error
}

// pollAll fans out status/offset/checkpoint queries over a worker pool
// bounded by ChatThreads.
func (s *Supervisor) pollAll(ctx context.Context) []polledStatus {
	type target struct {
		taskID       string
		groupID      int
		chatURL      string
		pendingGroup bool
	}
	var targets []target

	s.mu.Lock()
	for g, group := range s.groups {
		for taskID := range group.ReplicaTaskIDs {
			targets = append(targets, target{taskID: taskID, groupID: g, chatURL: s.chatURLFor(taskID)})
		}
	}
	for g, pendings := range s.pendingCompletion {
		for _, pg := range pendings {
			for taskID := range pg.ReplicaTaskIDs {
				targets = append(targets, target{taskID: taskID, groupID: g, chatURL: s.chatURLFor(taskID), pendingGroup: true})
			}
		}
	}
	s.mu.Unlock()

	results := make([]polledStatus, len(targets))
	sem := make(chan struct{}, max(1, s.cfg.ChatThreads))
	var wg sync.WaitGroup
	for i, t := range targets {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, t target) {
			defer wg.Done()
			defer func() { <-sem }()

			callCtx, cancel := context.WithTimeout(ctx, s.cfg.HTTPTimeout)
			defer cancel()

			status, err := s.taskClient.Status(callCtx, t.chatURL)
			res := polledStatus{taskID: t.taskID, groupID: t.groupID, pendingGroup: t.pendingGroup, status: status, err: err}
			if err == nil {
				if st, sErr := s.taskClient.StartTime(callCtx, t.chatURL); sErr == nil {
					res.startTime = st
				}
				if offs, oErr := s.taskClient.CurrentOffsets(callCtx, t.chatURL, s.flavor); oErr == nil {
					res.currentOffsets = offs
				}
				if cps, cErr := s.taskClient.Checkpoints(callCtx, t.chatURL, s.flavor); cErr == nil {
					res.checkpoints = cps
				}
			}
			results[i] = res
		}(i, t)
	}
	wg.Wait()

	for _, res := range results {
		if res.err != nil && !res.pendingGroup {
			s.handleUnreachable(ctx, res)
		}
	}
	return results
}

// handleUnreachable requeues a replica once it is confirmed
// uncontactable.
func (s *Supervisor) handleUnreachable(ctx context.Context, res polledStatus) {
	if !errors.Is(res.err, taskclient.ErrUncontactable) {
		return
	}
	s.metrics.taskFailures.Inc()
	level.Warn(s.logger).Log("msg", "replica unreachable, requeueing", "task", res.taskID, "group", res.groupID)

	s.mu.Lock()
	group, ok := s.groups[res.groupID]
	if ok {
		delete(group.ReplicaTaskIDs, res.taskID)
	}
	if s.suspended || !ok {
		s.mu.Unlock()
		return
	}
	baseSeq := group.baseSequenceName(s.dataSource)
	start := group.StartOffsets
	excl := group.ExclusiveStartPartitions
	s.mu.Unlock()

	if err := s.orchestrator.Shutdown(ctx, res.taskID); err != nil {
		level.Warn(s.logger).Log("msg", "failed to shut down unreachable replica", "task", res.taskID, "err", err)
	}
	s.metrics.tasksKilled.WithLabelValues("unreachable").Inc()

	if err := s.submitReplica(ctx, res.groupID, baseSeq, start, excl, "replica_failure"); err != nil {
		level.Error(s.logger).Log("msg", "failed to requeue replica", "group", res.groupID, "err", err)
	}
}

