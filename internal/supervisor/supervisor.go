// Package supervisor implements the per-datasource Supervisor: it discovers partitions, plans and spawns IndexTask replica
// groups, polls their status over the chat surface, drives graceful
// handoff and replica-failure recovery, and answers
// suspend/resume/reset commands, all from one single-threaded main
// loop.
package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/grafana/streamingest/internal/metadatastore"
	"github.com/grafana/streamingest/internal/partitions"
	"github.com/grafana/streamingest/internal/supplier"
	"github.com/grafana/streamingest/internal/taskclient"
)

// noticeDrainInterval bounds how long an HTTP-triggered command can
// wait before the main loop picks it up, independent of the (usually
// much longer) planning Period — grounded on backendscheduler's
// prioritizeTenantsTicker running faster than its scheduleTicker.
const noticeDrainInterval = 2 * time.Second

// Supervisor owns task-group lifecycle for one datasource/stream.
type Supervisor struct {
	services.Service

	cfg        Config
	dataSource string
	streamID   string
	flavor     partitions.Flavor

	supplier     supplier.Supplier
	store        metadatastore.Store
	orchestrator Orchestrator
	taskClient   taskclient.Client

	logger  log.Logger
	metrics *metrics

	notices *noticeQueue

	mu                sync.Mutex
	groups            map[int]*TaskGroup
	pendingCompletion map[int][]*PendingCompletionTaskGroup
	chatURLs          map[string]string
	suspended         bool
}

// New constructs a Supervisor for one datasource/stream. reg may be
// nil (metrics unregistered, as in tests).
func New(
	cfg Config,
	dataSource, streamID string,
	flavor partitions.Flavor,
	sup supplier.Supplier,
	store metadatastore.Store,
	orchestrator Orchestrator,
	taskClient taskclient.Client,
	reg prometheus.Registerer,
	logger log.Logger,
) *Supervisor {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	s := &Supervisor{
		cfg:               cfg,
		dataSource:        dataSource,
		streamID:          streamID,
		flavor:            flavor,
		supplier:          sup,
		store:             store,
		orchestrator:      orchestrator,
		taskClient:        taskClient,
		logger:            logger,
		metrics:           newMetrics(reg),
		notices:           newNoticeQueue(),
		groups:            map[int]*TaskGroup{},
		pendingCompletion: map[int][]*PendingCompletionTaskGroup{},
		chatURLs:          map[string]string{},
	}
	s.Service = services.NewBasicService(s.starting, s.running, s.stopping)
	return s
}

func (s *Supervisor) starting(ctx context.Context) error {
	if s.cfg.StartDelay > 0 {
		select {
		case <-time.After(s.cfg.StartDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (s *Supervisor) running(ctx context.Context) error {
	level.Info(s.logger).Log("msg", "supervisor running", "datasource", s.dataSource)

	planTicker := time.NewTicker(s.cfg.Period)
	defer planTicker.Stop()

	noticeTicker := time.NewTicker(noticeDrainInterval)
	defer noticeTicker.Stop()

	if err := s.tick(ctx); err != nil {
		level.Error(s.logger).Log("msg", "initial planning tick failed", "err", err)
		s.metrics.tickErrors.Inc()
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-noticeTicker.C:
			s.drainNotices(ctx)
		case <-planTicker.C:
			s.drainNotices(ctx)
			s.metrics.ticksRun.Inc()
			if err := s.tick(ctx); err != nil {
				level.Error(s.logger).Log("msg", "planning tick failed", "err", err)
				s.metrics.tickErrors.Inc()
			}
		}
	}
}

func (s *Supervisor) stopping(_ error) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	s.mu.Lock()
	groups := make([]*TaskGroup, 0, len(s.groups))
	for _, g := range s.groups {
		groups = append(groups, g)
	}
	s.mu.Unlock()

	for _, g := range groups {
		for taskID := range g.ReplicaTaskIDs {
			if err := s.orchestrator.Shutdown(ctx, taskID); err != nil {
				level.Warn(s.logger).Log("msg", "failed to shut down task during supervisor stop", "task", taskID, "err", err)
			}
		}
	}
	return nil
}

// drainNotices processes every currently queued HTTP-triggered command
//, waking the blocked HTTP handler
// once each has been applied.
func (s *Supervisor) drainNotices(ctx context.Context) {
	for _, n := range s.notices.Drain() {
		n.complete(s.applyNotice(ctx, n))
	}
}

func (s *Supervisor) applyNotice(ctx context.Context, n *notice) error {
	switch n.Type {
	case noticeSuspend:
		s.mu.Lock()
		s.suspended = true
		s.mu.Unlock()
		return s.gracefulPauseAll(ctx, false)
	case noticeResume:
		s.mu.Lock()
		s.suspended = false
		s.mu.Unlock()
		return nil
	case noticeReset:
		return s.reset(ctx, n.ResetMetadata)
	default:
		return nil
	}
}

func (s *Supervisor) isSuspended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.suspended
}

// chatURLFor returns the last known chat base URL for taskID, or "" if
// none has been recorded (the poll then surfaces as unreachable).
func (s *Supervisor) chatURLFor(taskID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chatURLs[taskID]
}
