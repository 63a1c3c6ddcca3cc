// Package metadatastore defines the metadata-store actions the Runner
// and Supervisor are coded against, plus an in-memory reference
// implementation used by tests. The durable, production-grade store
// is an out-of-scope external collaborator.
package metadatastore

import (
	"context"
	"sync"

	"github.com/grafana/streamingest/internal/appenderator"
	"github.com/grafana/streamingest/internal/partitions"
)

// Store is the metadata-store action surface.
type Store interface {
	// Get returns the currently committed DataSourceMetadata for
	// datasource, or ok=false if nothing has ever been committed.
	Get(ctx context.Context, datasource string) (partitions.DataSourceMetadata, bool, error)
	// SegmentTransactionalInsert atomically commits segments plus
	// targetEndMetadata, iff the currently stored metadata equals
	// expectedStartMetadata. Returns false (not an error) on a failed
	// compare-and-swap.
	SegmentTransactionalInsert(ctx context.Context, datasource string, segments []appenderator.Segment, expectedStartMetadata, targetEndMetadata partitions.DataSourceMetadata) (bool, error)
	// CheckPointDataSourceMetadata records a checkpoint for
	// (datasource, taskGroupID, baseSequenceName); returns false if the
	// checkpoint is inconsistent with the currently stored metadata.
	CheckPointDataSourceMetadata(ctx context.Context, datasource string, taskGroupID int, baseSequenceName string, startMetadata, currentMetadata partitions.DataSourceMetadata) (bool, error)
	// ResetDataSourceMetadata removes the partitions present in reset
	// from the stored metadata (via Minus); a nil reset deletes all
	// metadata for datasource.
	ResetDataSourceMetadata(ctx context.Context, datasource string, reset *partitions.DataSourceMetadata) (bool, error)
}

// InMemory is a reference Store implementation backed by a guarded
// map, standing in for the durable store in tests — grounded on the
// teacher's backendscheduler work-cache pattern (an in-memory
// authoritative copy, periodically/eagerly flushed), simplified here
// to "authoritative copy, no flush" since persistence itself is out of
// scope.
type InMemory struct {
	mu       sync.Mutex
	metadata map[string]partitions.DataSourceMetadata
	segments map[string][]appenderator.Segment
}

// NewInMemory returns an empty in-memory Store.
func NewInMemory() *InMemory {
	return &InMemory{
		metadata: map[string]partitions.DataSourceMetadata{},
		segments: map[string][]appenderator.Segment{},
	}
}

func (s *InMemory) Get(_ context.Context, datasource string) (partitions.DataSourceMetadata, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.metadata[datasource]
	return m, ok, nil
}

func (s *InMemory) SegmentTransactionalInsert(_ context.Context, datasource string, segs []appenderator.Segment, expectedStart, targetEnd partitions.DataSourceMetadata) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.metadata[datasource]
	if ok && !partitions.Equal(current, expectedStart) {
		return false, nil
	}
	if !ok && len(expectedStart.Partitions) != 0 {
		return false, nil
	}

	s.metadata[datasource] = targetEnd
	s.segments[datasource] = append(s.segments[datasource], segs...)
	return true, nil
}

func (s *InMemory) CheckPointDataSourceMetadata(_ context.Context, datasource string, _ int, _ string, startMetadata, currentMetadata partitions.DataSourceMetadata) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.metadata[datasource]
	if ok && !stored.Matches(startMetadata) {
		return false, nil
	}
	_ = currentMetadata // checkpoints do not themselves advance the committed metadata
	return true, nil
}

func (s *InMemory) ResetDataSourceMetadata(_ context.Context, datasource string, reset *partitions.DataSourceMetadata) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if reset == nil {
		delete(s.metadata, datasource)
		return true, nil
	}
	current, ok := s.metadata[datasource]
	if !ok {
		return true, nil
	}
	s.metadata[datasource] = current.Minus(*reset)
	return true, nil
}

// Segments returns the segments committed so far for datasource, for
// test assertions.
func (s *InMemory) Segments(datasource string) []appenderator.Segment {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]appenderator.Segment, len(s.segments[datasource]))
	copy(out, s.segments[datasource])
	return out
}
