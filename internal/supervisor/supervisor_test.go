package supervisor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grafana/streamingest/internal/metadatastore"
	"github.com/grafana/streamingest/internal/partitions"
	"github.com/grafana/streamingest/internal/sequence"
	"github.com/grafana/streamingest/internal/supplier"
	"github.com/grafana/streamingest/internal/taskclient"
)

// fakeSupplier reports a fixed partition set and fixed earliest/latest
// probes; it is never polled by the supervisor directly (only the
// Runner consumes Poll), so those methods are unused stubs.
type fakeSupplier struct {
	streamID string
	ids      []partitions.ID
	earliest sequence.Number
	latest   sequence.Number
}

func (f *fakeSupplier) Assign(context.Context, []supplier.StreamPartition) error { return nil }
func (f *fakeSupplier) Seek(context.Context, supplier.StreamPartition, sequence.Number) error {
	return nil
}
func (f *fakeSupplier) SeekToEarliest(context.Context, []supplier.StreamPartition) error { return nil }
func (f *fakeSupplier) SeekToLatest(context.Context, []supplier.StreamPartition) error   { return nil }
func (f *fakeSupplier) GetEarliest(context.Context, supplier.StreamPartition) (sequence.Number, error) {
	return f.earliest, nil
}
func (f *fakeSupplier) GetLatest(context.Context, supplier.StreamPartition) (sequence.Number, error) {
	return f.latest, nil
}
func (f *fakeSupplier) Poll(context.Context, time.Duration) ([]supplier.Record, error) {
	return nil, nil
}
func (f *fakeSupplier) GetPartitionIDs(context.Context, string) ([]partitions.ID, error) {
	return f.ids, nil
}
func (f *fakeSupplier) GetAssignment() []supplier.StreamPartition { return nil }
func (f *fakeSupplier) Close(context.Context) error               { return nil }

// fakeOrchestrator is an in-memory stand-in for the out-of-scope task
// orchestrator: Submit/Shutdown/ListTasks operate on a guarded map.
// Submit also seeds the paired fakeTaskClient with a reachable default
// state, mirroring a freshly started task answering its first poll.
type fakeOrchestrator struct {
	mu    sync.Mutex
	tasks map[string]TaskHandle
	tc    *fakeTaskClient
}

func newFakeOrchestrator(tc *fakeTaskClient) *fakeOrchestrator {
	return &fakeOrchestrator{tasks: map[string]TaskHandle{}, tc: tc}
}

func (f *fakeOrchestrator) Submit(_ context.Context, spec TaskSpec) (TaskHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h := TaskHandle{
		TaskID:           spec.TaskID,
		GroupID:          spec.GroupID,
		BaseSequenceName: spec.BaseSequenceName,
		Start:            spec.Start,
		ChatURL:          "fake://" + spec.TaskID,
	}
	f.tasks[spec.TaskID] = h
	if _, ok := f.tc.get(h.ChatURL); !ok {
		f.tc.set(h.ChatURL, &fakeTaskState{status: "READING", current: spec.Start})
	}
	return h, nil
}

func (f *fakeOrchestrator) Shutdown(_ context.Context, taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.tasks, taskID)
	return nil
}

func (f *fakeOrchestrator) ListTasks(_ context.Context, _ string) ([]TaskHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]TaskHandle, 0, len(f.tasks))
	for _, h := range f.tasks {
		out = append(out, h)
	}
	return out, nil
}

func (f *fakeOrchestrator) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tasks)
}

// fakeTaskState is one replica's simulated chat-surface state.
type fakeTaskState struct {
	status      string
	startTime   time.Time
	current     map[partitions.ID]sequence.Number
	end         map[partitions.ID]sequence.Number
	checkpoints []map[partitions.ID]sequence.Number
	unreachable bool
}

// fakeTaskClient implements taskclient.Client entirely in memory, keyed
// by the fake chat URL assigned at submission time.
type fakeTaskClient struct {
	mu    sync.Mutex
	state map[string]*fakeTaskState
}

func newFakeTaskClient() *fakeTaskClient {
	return &fakeTaskClient{state: map[string]*fakeTaskState{}}
}

func (c *fakeTaskClient) set(url string, st *fakeTaskState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state[url] = st
}

func (c *fakeTaskClient) get(url string) (*fakeTaskState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.state[url]
	return st, ok
}

func (c *fakeTaskClient) Status(_ context.Context, url string) (string, error) {
	st, ok := c.get(url)
	if !ok || st.unreachable {
		return "", taskclient.ErrUncontactable
	}
	return st.status, nil
}

func (c *fakeTaskClient) StartTime(_ context.Context, url string) (time.Time, error) {
	st, ok := c.get(url)
	if !ok || st.unreachable {
		return time.Time{}, taskclient.ErrUncontactable
	}
	return st.startTime, nil
}

func (c *fakeTaskClient) CurrentOffsets(_ context.Context, url string, _ partitions.Flavor) (map[partitions.ID]sequence.Number, error) {
	st, ok := c.get(url)
	if !ok || st.unreachable {
		return nil, taskclient.ErrUncontactable
	}
	return st.current, nil
}

func (c *fakeTaskClient) EndOffsets(_ context.Context, url string, _ partitions.Flavor) (map[partitions.ID]sequence.Number, error) {
	st, ok := c.get(url)
	if !ok || st.unreachable {
		return nil, taskclient.ErrUncontactable
	}
	return st.end, nil
}

func (c *fakeTaskClient) Checkpoints(_ context.Context, url string, _ partitions.Flavor) ([]map[partitions.ID]sequence.Number, error) {
	st, ok := c.get(url)
	if !ok || st.unreachable {
		return nil, taskclient.ErrUncontactable
	}
	return st.checkpoints, nil
}

func (c *fakeTaskClient) Pause(_ context.Context, url string, _ partitions.Flavor) (map[partitions.ID]sequence.Number, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.state[url]
	if !ok || st.unreachable {
		return nil, taskclient.ErrUncontactable
	}
	st.status = "PAUSED"
	return st.current, nil
}

func (c *fakeTaskClient) Resume(_ context.Context, url string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.state[url]
	if !ok || st.unreachable {
		return taskclient.ErrUncontactable
	}
	st.status = "PUBLISHING"
	return nil
}

func (c *fakeTaskClient) Stop(_ context.Context, url string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.state, url)
	return nil
}

func (c *fakeTaskClient) SetEndOffsets(_ context.Context, url string, _ partitions.Flavor, offsets map[partitions.ID]sequence.Number, finish bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.state[url]
	if !ok || st.unreachable {
		return taskclient.ErrUncontactable
	}
	st.end = offsets
	if finish {
		st.status = "PUBLISHING"
	}
	return nil
}

func newTestSupervisor(t *testing.T, cfg Config, sup *fakeSupplier, orch *fakeOrchestrator, tc *fakeTaskClient) *Supervisor {
	t.Helper()
	cfg.RegisterFlagsAndApplyDefaults("")
	return New(cfg, "ds", sup.streamID, partitions.FlavorInt64, sup, metadatastore.NewInMemory(), orch, tc, nil, log.NewNopLogger())
}

func TestColdStartProbesEarliestAndSpawnsReplicas(t *testing.T) {
	sup := &fakeSupplier{streamID: "s1", ids: []partitions.ID{int32(0), int32(1)}, earliest: sequence.NewInt64(0)}
	tc := newFakeTaskClient()
	orch := newFakeOrchestrator(tc)
	s := newTestSupervisor(t, Config{TaskCount: 2, Replicas: 1, UseEarliestSequenceNumber: true}, sup, orch, tc)

	require.NoError(t, s.tick(context.Background()))

	assert.Equal(t, 2, orch.count())
	s.mu.Lock()
	groupCount := len(s.groups)
	s.mu.Unlock()
	assert.Equal(t, 2, groupCount)
}

func TestPriorMetadataIsUsedInsteadOfProbing(t *testing.T) {
	sup := &fakeSupplier{streamID: "s1", ids: []partitions.ID{int32(0)}, earliest: sequence.NewInt64(0)}
	tc := newFakeTaskClient()
	orch := newFakeOrchestrator(tc)
	store := metadatastore.NewInMemory()
	_, err := store.SegmentTransactionalInsert(context.Background(), "ds", nil,
		partitions.DataSourceMetadata{},
		partitions.NewDataSourceMetadata("s1", map[partitions.ID]sequence.Number{int32(0): sequence.NewInt64(42)}))
	require.NoError(t, err)

	cfg := Config{TaskCount: 1, Replicas: 1}
	cfg.RegisterFlagsAndApplyDefaults("")
	s := New(cfg, "ds", "s1", partitions.FlavorInt64, sup, store, orch, tc, nil, log.NewNopLogger())

	require.NoError(t, s.tick(context.Background()))

	s.mu.Lock()
	group := s.groups[groupFor(int32(0), 1)]
	s.mu.Unlock()
	require.NotNil(t, group)
	assert.Equal(t, sequence.Equal, group.StartOffsets[int32(0)].Compare(sequence.NewInt64(42)))
}

func TestReplicaFailureTriggersRequeue(t *testing.T) {
	sup := &fakeSupplier{streamID: "s1", ids: []partitions.ID{int32(0)}, earliest: sequence.NewInt64(0)}
	tc := newFakeTaskClient()
	orch := newFakeOrchestrator(tc)
	s := newTestSupervisor(t, Config{TaskCount: 1, Replicas: 1, UseEarliestSequenceNumber: true, ChatThreads: 2}, sup, orch, tc)

	require.NoError(t, s.tick(context.Background()))
	require.Equal(t, 1, orch.count())

	// Simulate the one live replica going unreachable.
	var url string
	s.mu.Lock()
	for u := range s.chatURLs {
		url = u
	}
	s.mu.Unlock()
	tc.set(url, &fakeTaskState{status: "READING", unreachable: true})

	require.NoError(t, s.tick(context.Background()))

	assert.Equal(t, 1, orch.count(), "the dead replica should have been replaced by exactly one new one")
}

func TestTaskDurationElapsedDrivesHandoffAndSuccessor(t *testing.T) {
	sup := &fakeSupplier{streamID: "s1", ids: []partitions.ID{int32(0)}, earliest: sequence.NewInt64(0)}
	tc := newFakeTaskClient()
	orch := newFakeOrchestrator(tc)
	cfg := Config{TaskCount: 1, Replicas: 1, UseEarliestSequenceNumber: true, TaskDuration: time.Millisecond}
	s := newTestSupervisor(t, cfg, sup, orch, tc)

	require.NoError(t, s.tick(context.Background()))

	var url string
	s.mu.Lock()
	for u := range s.chatURLs {
		url = u
	}
	s.mu.Unlock()
	tc.set(url, &fakeTaskState{status: "READING", current: map[partitions.ID]sequence.Number{int32(0): sequence.NewInt64(17)}})

	time.Sleep(2 * time.Millisecond)
	require.NoError(t, s.tick(context.Background()))

	s.mu.Lock()
	_, stillActive := s.groups[0]
	pending := len(s.pendingCompletion[0])
	s.mu.Unlock()

	assert.True(t, stillActive, "a successor group should have been spawned in place of the handed-off one")
	assert.Equal(t, 1, pending)
	assert.Equal(t, 2, orch.count(), "old replica plus its successor should both be known to the orchestrator")
}

func TestResetWithSubsetKillsAffectedGroupOnly(t *testing.T) {
	sup := &fakeSupplier{streamID: "s1", ids: []partitions.ID{int32(0), int32(1)}, earliest: sequence.NewInt64(0)}
	tc := newFakeTaskClient()
	orch := newFakeOrchestrator(tc)
	s := newTestSupervisor(t, Config{TaskCount: 2, Replicas: 1, UseEarliestSequenceNumber: true}, sup, orch, tc)

	require.NoError(t, s.tick(context.Background()))
	require.Equal(t, 2, orch.count())

	reset := partitions.NewDataSourceMetadata("s1", map[partitions.ID]sequence.Number{int32(0): sequence.NewInt64(0)})
	require.NoError(t, s.reset(context.Background(), &reset))

	assert.Equal(t, 1, orch.count(), "only the group covering partition 0 should have been killed")
}
