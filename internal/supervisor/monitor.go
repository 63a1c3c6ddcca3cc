package supervisor

import (
	"context"

	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/grafana/streamingest/internal/partitions"
	"github.com/grafana/streamingest/internal/sequence"
	"github.com/grafana/streamingest/internal/taskclient"
)

// evaluateHandoff checks every active group's elapsed task duration
// and drives graceful handoff once it is reached.
func (s *Supervisor) evaluateHandoff(ctx context.Context, _ []polledStatus) {
	s.mu.Lock()
	var elapsed []*TaskGroup
	for _, g := range s.groups {
		if s.now().Sub(g.CreatedAt) >= s.cfg.TaskDuration {
			elapsed = append(elapsed, g)
		}
	}
	s.mu.Unlock()

	for _, g := range elapsed {
		s.handoffGroup(ctx, g, !s.isSuspended())
	}
}

// handoffGroup pauses every live replica of g, fixes its end offsets,
// resumes the replicas so they publish, and moves g to pending
// completion. When spawnSuccessor is true a fresh group picks up at
// the fixed end offsets; suspension drives the same mechanics with
// spawnSuccessor false.
func (s *Supervisor) handoffGroup(ctx context.Context, g *TaskGroup, spawnSuccessor bool) {
	s.mu.Lock()
	taskIDs := make([]string, 0, len(g.ReplicaTaskIDs))
	for id := range g.ReplicaTaskIDs {
		taskIDs = append(taskIDs, id)
	}
	groupID := g.GroupID
	s.mu.Unlock()

	if len(taskIDs) == 0 {
		s.mu.Lock()
		delete(s.groups, groupID)
		s.mu.Unlock()
		return
	}

	end, err := s.pauseAndCollectOffsets(ctx, taskIDs)
	if err != nil {
		level.Error(s.logger).Log("msg", "handoff pause failed, leaving group active", "group", groupID, "err", err)
		return
	}

	for _, taskID := range taskIDs {
		url := s.chatURLFor(taskID)
		if err := s.taskClient.SetEndOffsets(ctx, url, s.flavor, end, true); err != nil {
			level.Error(s.logger).Log("msg", "failed to fix end offsets during handoff", "task", taskID, "err", err)
		}
	}
	for _, taskID := range taskIDs {
		url := s.chatURLFor(taskID)
		if err := s.taskClient.Resume(ctx, url); err != nil {
			level.Error(s.logger).Log("msg", "failed to resume replica for publish", "task", taskID, "err", err)
		}
	}

	s.mu.Lock()
	pg := &PendingCompletionTaskGroup{TaskGroup: *g, EndOffsets: end, EnteredAt: s.now()}
	pg.ReplicaTaskIDs = make(map[string]struct{}, len(taskIDs))
	for _, id := range taskIDs {
		pg.ReplicaTaskIDs[id] = struct{}{}
	}
	delete(s.groups, groupID)
	s.pendingCompletion[groupID] = append(s.pendingCompletion[groupID], pg)
	s.mu.Unlock()
	s.metrics.handoffs.Inc()

	if !spawnSuccessor {
		return
	}
	successor := &TaskGroup{GroupID: groupID, StartOffsets: end, ReplicaTaskIDs: map[string]struct{}{}, CreatedAt: s.now()}
	s.mu.Lock()
	s.groups[groupID] = successor
	baseSeq := successor.baseSequenceName(s.dataSource)
	s.mu.Unlock()

	for i := 0; i < s.cfg.Replicas; i++ {
		if err := s.submitReplica(ctx, groupID, baseSeq, end, nil, "handoff_successor"); err != nil {
			level.Error(s.logger).Log("msg", "failed to spawn successor replica", "group", groupID, "err", err)
		}
	}
}

// gracefulPauseAll drives handoffGroup over every currently active
// group, spawning successors only when spawnSuccessor is true.
func (s *Supervisor) gracefulPauseAll(ctx context.Context, spawnSuccessor bool) error {
	s.mu.Lock()
	groups := make([]*TaskGroup, 0, len(s.groups))
	for _, g := range s.groups {
		groups = append(groups, g)
	}
	s.mu.Unlock()

	for _, g := range groups {
		s.handoffGroup(ctx, g, spawnSuccessor)
	}
	return nil
}

// pauseAndCollectOffsets pauses every replica in taskIDs and returns
// the offsets reported by the first one that answers — replicas of the
// same group are expected to agree closely enough that any one of them
// is authoritative for the fixed end offsets.
func (s *Supervisor) pauseAndCollectOffsets(ctx context.Context, taskIDs []string) (map[partitions.ID]sequence.Number, error) {
	var authoritative map[partitions.ID]sequence.Number
	for _, taskID := range taskIDs {
		url := s.chatURLFor(taskID)
		offs, err := s.taskClient.Pause(ctx, url, s.flavor)
		if err != nil {
			level.Warn(s.logger).Log("msg", "failed to pause replica during handoff", "task", taskID, "err", err)
			continue
		}
		if authoritative == nil {
			authoritative = offs
		}
	}
	if authoritative == nil {
		return nil, errors.New("supervisor: no replica could be paused")
	}
	return authoritative, nil
}

// evaluatePendingCompletion drops pending-completion groups once every
// replica has exited (observed as uncontactable rather than a fresh
// failure, since a completed task's process has already stopped
// serving chat requests) or forcibly kills stragglers once
// CompletionTimeout elapses.
func (s *Supervisor) evaluatePendingCompletion(ctx context.Context, polled []polledStatus) {
	exited := map[string]bool{}
	for _, res := range polled {
		if res.pendingGroup && errors.Is(res.err, taskclient.ErrUncontactable) {
			exited[res.taskID] = true
		}
	}

	var toKill []string
	s.mu.Lock()
	for groupID, pendings := range s.pendingCompletion {
		var remaining []*PendingCompletionTaskGroup
		for _, pg := range pendings {
			for taskID := range pg.ReplicaTaskIDs {
				if exited[taskID] {
					delete(pg.ReplicaTaskIDs, taskID)
				}
			}
			if len(pg.ReplicaTaskIDs) == 0 {
				continue
			}
			if s.now().Sub(pg.EnteredAt) >= s.cfg.CompletionTimeout {
				for taskID := range pg.ReplicaTaskIDs {
					toKill = append(toKill, taskID)
				}
				continue
			}
			remaining = append(remaining, pg)
		}
		if len(remaining) == 0 {
			delete(s.pendingCompletion, groupID)
		} else {
			s.pendingCompletion[groupID] = remaining
		}
	}
	s.mu.Unlock()

	for _, taskID := range toKill {
		if err := s.orchestrator.Shutdown(ctx, taskID); err != nil {
			level.Warn(s.logger).Log("msg", "failed to kill straggling replica", "task", taskID, "err", err)
		}
		s.metrics.tasksKilled.WithLabelValues("completion_timeout").Inc()
	}
}

// reset applies a reset notice: subset resets remove the named
// partitions from committed metadata and kill the task groups that
// cover any of them, letting the next tick rediscover and re-probe
// starting offsets; a nil reset clears everything known for the
// datasource.
func (s *Supervisor) reset(ctx context.Context, meta *partitions.DataSourceMetadata) error {
	ok, err := s.store.ResetDataSourceMetadata(ctx, s.dataSource, meta)
	if err != nil {
		return errors.Wrap(err, "supervisor: resetting metadata")
	}
	if !ok {
		return ErrResetRangeEmpty
	}

	var toKill []string
	s.mu.Lock()
	if meta == nil {
		for _, g := range s.groups {
			for taskID := range g.ReplicaTaskIDs {
				toKill = append(toKill, taskID)
			}
		}
		s.groups = map[int]*TaskGroup{}
		for _, pendings := range s.pendingCompletion {
			for _, pg := range pendings {
				for taskID := range pg.ReplicaTaskIDs {
					toKill = append(toKill, taskID)
				}
			}
		}
		s.pendingCompletion = map[int][]*PendingCompletionTaskGroup{}
	} else {
		for g, group := range s.groups {
			if intersectsPartitions(group.StartOffsets, meta.Partitions) {
				for taskID := range group.ReplicaTaskIDs {
					toKill = append(toKill, taskID)
				}
				delete(s.groups, g)
			}
		}
	}
	s.mu.Unlock()

	for _, taskID := range toKill {
		if err := s.orchestrator.Shutdown(ctx, taskID); err != nil {
			level.Warn(s.logger).Log("msg", "failed to shut down task during reset", "task", taskID, "err", err)
		}
		s.metrics.tasksKilled.WithLabelValues("reset").Inc()
	}
	return nil
}

func intersectsPartitions(a map[partitions.ID]sequence.Number, b map[partitions.ID]sequence.Number) bool {
	for k := range b {
		if _, ok := a[k]; ok {
			return true
		}
	}
	return false
}
