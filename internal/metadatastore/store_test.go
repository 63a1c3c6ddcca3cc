package metadatastore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grafana/streamingest/internal/appenderator"
	"github.com/grafana/streamingest/internal/partitions"
	"github.com/grafana/streamingest/internal/sequence"
)

func TestSegmentTransactionalInsertColdStart(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()

	empty := partitions.NewDataSourceMetadata("ds", nil)
	end := partitions.NewDataSourceMetadata("ds", map[partitions.ID]sequence.Number{int32(0): sequence.NewInt64(10)})

	ok, err := s.SegmentTransactionalInsert(ctx, "ds", []appenderator.Segment{{ID: "seg-1"}}, empty, end)
	require.NoError(t, err)
	assert.True(t, ok)

	got, present, err := s.Get(ctx, "ds")
	require.NoError(t, err)
	require.True(t, present)
	assert.True(t, partitions.Equal(got, end))
}

func TestSegmentTransactionalInsertRejectsStaleStart(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()

	empty := partitions.NewDataSourceMetadata("ds", nil)
	end1 := partitions.NewDataSourceMetadata("ds", map[partitions.ID]sequence.Number{int32(0): sequence.NewInt64(10)})
	end2 := partitions.NewDataSourceMetadata("ds", map[partitions.ID]sequence.Number{int32(0): sequence.NewInt64(20)})

	ok, err := s.SegmentTransactionalInsert(ctx, "ds", nil, empty, end1)
	require.NoError(t, err)
	require.True(t, ok)

	// Replay with the same stale start: exactly-once, must fail.
	ok, err = s.SegmentTransactionalInsert(ctx, "ds", nil, empty, end1)
	require.NoError(t, err)
	assert.False(t, ok, "replaying the same start-metadata must be a no-op compare-and-swap failure")

	// A second task racing from the same (now stale) start also loses.
	ok, err = s.SegmentTransactionalInsert(ctx, "ds", nil, empty, end2)
	require.NoError(t, err)
	assert.False(t, ok)

	// The correct successor, using the real current metadata as start, succeeds.
	ok, err = s.SegmentTransactionalInsert(ctx, "ds", nil, end1, end2)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestResetDataSourceMetadataSubset(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()

	full := partitions.NewDataSourceMetadata("ds", map[partitions.ID]sequence.Number{
		int32(0): sequence.NoEndInt64(),
		int32(1): sequence.NoEndInt64(),
	})
	_, err := s.SegmentTransactionalInsert(ctx, "ds", nil, partitions.NewDataSourceMetadata("ds", nil), full)
	require.NoError(t, err)

	subset := partitions.NewDataSourceMetadata("ds", map[partitions.ID]sequence.Number{int32(0): sequence.NoEndInt64()})
	ok, err := s.ResetDataSourceMetadata(ctx, "ds", &subset)
	require.NoError(t, err)
	require.True(t, ok)

	got, _, err := s.Get(ctx, "ds")
	require.NoError(t, err)
	want := partitions.NewDataSourceMetadata("ds", map[partitions.ID]sequence.Number{int32(1): sequence.NoEndInt64()})
	assert.True(t, partitions.Equal(got, want))
}

func TestResetDataSourceMetadataNilDeletesAll(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()

	full := partitions.NewDataSourceMetadata("ds", map[partitions.ID]sequence.Number{int32(0): sequence.NoEndInt64()})
	_, err := s.SegmentTransactionalInsert(ctx, "ds", nil, partitions.NewDataSourceMetadata("ds", nil), full)
	require.NoError(t, err)

	ok, err := s.ResetDataSourceMetadata(ctx, "ds", nil)
	require.NoError(t, err)
	require.True(t, ok)

	_, present, err := s.Get(ctx, "ds")
	require.NoError(t, err)
	assert.False(t, present)
}
