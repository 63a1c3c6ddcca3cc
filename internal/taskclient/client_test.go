package taskclient_test

import (
	"context"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grafana/streamingest/internal/appenderator"
	"github.com/grafana/streamingest/internal/metadatastore"
	"github.com/grafana/streamingest/internal/partitions"
	"github.com/grafana/streamingest/internal/runner"
	"github.com/grafana/streamingest/internal/sequence"
	"github.com/grafana/streamingest/internal/supplier"
	"github.com/grafana/streamingest/internal/taskclient"
)

// fakeSupplier is a minimal single-partition, single-goroutine Supplier
// fake, grounded on the same fake used in internal/runner's own tests:
// each Poll call hands back the next unconsumed pre-seeded record.
type fakeSupplier struct {
	mu      sync.Mutex
	sp      supplier.StreamPartition
	records []sequence.Number
	cursor  int
	done    bool
}

func (f *fakeSupplier) Assign(context.Context, []supplier.StreamPartition) error { return nil }

func (f *fakeSupplier) Seek(_ context.Context, _ supplier.StreamPartition, seq sequence.Number) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, r := range f.records {
		if r.Compare(seq) != sequence.Less {
			f.cursor = i
			f.done = false
			return nil
		}
	}
	f.cursor = len(f.records)
	return nil
}

func (f *fakeSupplier) SeekToEarliest(ctx context.Context, set []supplier.StreamPartition) error {
	return f.Seek(ctx, f.sp, sequence.NewInt64(0))
}
func (f *fakeSupplier) SeekToLatest(ctx context.Context, set []supplier.StreamPartition) error {
	return f.Seek(ctx, f.sp, sequence.NewInt64(int64(len(f.records))))
}
func (f *fakeSupplier) GetEarliest(context.Context, supplier.StreamPartition) (sequence.Number, error) {
	return sequence.NewInt64(0), nil
}
func (f *fakeSupplier) GetLatest(context.Context, supplier.StreamPartition) (sequence.Number, error) {
	return sequence.NewInt64(int64(len(f.records))), nil
}

func (f *fakeSupplier) Poll(context.Context, time.Duration) ([]supplier.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cursor < len(f.records) {
		rec := supplier.Record{StreamPartition: f.sp, SequenceNumber: f.records[f.cursor]}
		f.cursor++
		return []supplier.Record{rec}, nil
	}
	if !f.done {
		f.done = true
		return []supplier.Record{{StreamPartition: f.sp, SequenceNumber: sequence.EndOfShardInt64()}}, nil
	}
	return nil, nil
}

func (f *fakeSupplier) GetPartitionIDs(context.Context, string) ([]partitions.ID, error) {
	return []partitions.ID{f.sp.PartitionID}, nil
}
func (f *fakeSupplier) GetAssignment() []supplier.StreamPartition { return []supplier.StreamPartition{f.sp} }
func (f *fakeSupplier) Close(context.Context) error               { return nil }

type fakeAppenderator struct {
	mu    sync.Mutex
	stats appenderator.RowStats
}

func (f *fakeAppenderator) Add(context.Context, string, any, bool) (appenderator.AddResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stats.Processed++
	return appenderator.AddResult{}, nil
}
func (f *fakeAppenderator) IsOpenSegment(string) bool { return true }
func (f *fakeAppenderator) Push(_ context.Context, names []string) ([]appenderator.Segment, error) {
	segs := make([]appenderator.Segment, 0, len(names))
	for _, n := range names {
		segs = append(segs, appenderator.Segment{ID: n})
	}
	return segs, nil
}
func (f *fakeAppenderator) Close(context.Context) error { return nil }
func (f *fakeAppenderator) RowStats() appenderator.RowStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}

// newTestServer wires a live Runner's HTTP surface behind an httptest
// server, exercising taskclient against the real handlers rather than a
// hand-rolled fake of the Runner itself.
func newTestServer(t *testing.T, sup supplier.Supplier) (*runner.Runner, string) {
	t.Helper()
	r := runner.New(
		runner.Identity{TaskID: "t1", DataSource: "ds", StreamID: "s1", Flavor: partitions.FlavorInt64},
		runner.Config{SkipSequenceNumberAvailabilityCheck: true, UseTransaction: true},
		t.TempDir(), sup, &fakeAppenderator{}, metadatastore.NewInMemory(), nil, log.NewNopLogger(),
	)

	router := mux.NewRouter()
	r.Routes(router)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return r, srv.URL
}

func TestHTTPClientStatus(t *testing.T) {
	sp := supplier.StreamPartition{StreamID: "s1", PartitionID: int32(0)}
	sup := &fakeSupplier{sp: sp, records: []sequence.Number{
		sequence.NewInt64(5), sequence.NewInt64(6),
	}}
	r, url := newTestServer(t, sup)
	start := partitions.New("s1", map[partitions.ID]sequence.Number{int32(0): sequence.NewInt64(5)})
	end := partitions.New("s1", map[partitions.ID]sequence.Number{int32(0): sequence.NoEndInt64()})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	go func() { _, _ = r.Run(ctx, start, end, nil) }()

	c := taskclient.New(time.Second, 3)
	require.Eventually(t, func() bool {
		status, err := c.Status(context.Background(), url)
		return err == nil && status != ""
	}, 2*time.Second, 10*time.Millisecond)

	status, err := c.Status(context.Background(), url)
	require.NoError(t, err)
	assert.Contains(t, []string{"READING", "PAUSED", "PUBLISHING"}, status)

	r.Stop()
}

func TestHTTPClientPauseResumeSetEndOffsets(t *testing.T) {
	sp := supplier.StreamPartition{StreamID: "s1", PartitionID: int32(0)}
	sup := &fakeSupplier{sp: sp, records: []sequence.Number{
		sequence.NewInt64(0), sequence.NewInt64(1), sequence.NewInt64(2),
	}}
	r, url := newTestServer(t, sup)
	start := partitions.New("s1", map[partitions.ID]sequence.Number{int32(0): sequence.NewInt64(0)})
	end := partitions.New("s1", map[partitions.ID]sequence.Number{int32(0): sequence.NoEndInt64()})

	type result struct {
		report runner.Report
		err    error
	}
	resCh := make(chan result, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		rep, err := r.Run(ctx, start, end, nil)
		resCh <- result{rep, err}
	}()

	c := taskclient.New(time.Second, 3)

	offsets, err := c.Pause(context.Background(), url, partitions.FlavorInt64)
	require.NoError(t, err)
	assert.Equal(t, sequence.Equal, offsets[int32(0)].Compare(sequence.NewInt64(0)))

	err = c.SetEndOffsets(context.Background(), url, partitions.FlavorInt64,
		map[partitions.ID]sequence.Number{int32(0): sequence.NewInt64(3)}, true)
	require.NoError(t, err)

	require.NoError(t, c.Resume(context.Background(), url))

	res := <-resCh
	require.NoError(t, res.err)
	assert.Equal(t, runner.Success, res.report.Status)
	assert.EqualValues(t, 3, res.report.RowStats.Processed)
}
