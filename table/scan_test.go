package table

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TFMV/floe/icerr"
)

func TestPlanScanEmptyTable(t *testing.T) {
	store, meta := newTestTable(t)

	files, err := CollectFiles(PlanScan(context.Background(), store, meta))
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestPlanScanUnknownSnapshot(t *testing.T) {
	store, meta := newTestTable(t)

	_, err := CollectFiles(PlanScan(context.Background(), store, meta, WithSnapshotID(12345)))
	assert.ErrorIs(t, err, icerr.ErrNotFound)
}

func TestPlanScanIsRestartable(t *testing.T) {
	store, meta := newTestTable(t)
	v1, _ := commit(t, store, meta, OpAppend, []DataFile{dataFile("a", 1), dataFile("b", 1), dataFile("c", 1)}, nil)

	seq := PlanScan(context.Background(), store, v1)

	first, err := CollectFiles(seq)
	require.NoError(t, err)
	second, err := CollectFiles(seq)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	// stopping early is allowed
	n := 0
	for range seq {
		n++
		break
	}
	assert.Equal(t, 1, n)
}

func TestPlanScanFilters(t *testing.T) {
	ctx := context.Background()
	store, meta := newTestTable(t)

	bound := func(v int64) []byte {
		b, err := EncodeBound(v)
		require.NoError(t, err)
		return b
	}

	files := []DataFile{
		{Path: "data/eu/1.parquet", RecordCount: 10, PartitionValues: map[string]string{"region": "eu"},
			ColumnStats: map[int]ColumnStats{1: {LowerBound: bound(1), UpperBound: bound(10)}}},
		{Path: "data/us/2.parquet", RecordCount: 1, PartitionValues: map[string]string{"region": "us"},
			ColumnStats: map[int]ColumnStats{1: {LowerBound: bound(50), UpperBound: bound(60)}}},
		{Path: "data/us/3.parquet", RecordCount: 5, PartitionValues: map[string]string{"region": "us"}},
	}
	v1, _ := commit(t, store, meta, OpAppend, files, nil)

	tests := []struct {
		name   string
		filter Filter
		want   []string
	}{
		{"partition", PartitionEquals("region", "us"), []string{"data/us/2.parquet", "data/us/3.parquet"}},
		{"prefix", PathPrefix("data/eu/"), []string{"data/eu/1.parquet"}},
		{"min records", MinRecordCount(5), []string{"data/eu/1.parquet", "data/us/3.parquet"}},
		{"column range", ColumnRange(1, int64(40), int64(55)), []string{"data/us/2.parquet", "data/us/3.parquet"}},
		{"open upper", ColumnRange(1, int64(11), nil), []string{"data/us/2.parquet", "data/us/3.parquet"}},
		{"and", And(PartitionEquals("region", "us"), MinRecordCount(2)), []string{"data/us/3.parquet"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CollectFiles(PlanScan(ctx, store, v1, WithFilter(tt.filter)))
			require.NoError(t, err)
			assert.ElementsMatch(t, tt.want, paths(got))
		})
	}
}

func TestPlanScanSnapshotAndAsOfConflict(t *testing.T) {
	store, meta := newTestTable(t)
	v1, s1 := commit(t, store, meta, OpAppend, []DataFile{dataFile("a", 1)}, nil)

	_, err := CollectFiles(PlanScan(context.Background(), store, v1,
		WithSnapshotID(s1.SnapshotID), WithAsOfTime(s1.Timestamp())))
	assert.ErrorIs(t, err, icerr.ErrInvalidArgument)

	got, err := CollectFiles(PlanScan(context.Background(), store, v1, WithAsOfTime(s1.Timestamp())))
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, paths(got))
}

func TestPlanIncremental(t *testing.T) {
	ctx := context.Background()
	store, meta := newTestTable(t)

	v1, s1 := commit(t, store, meta, OpAppend, []DataFile{dataFile("a", 1), dataFile("b", 1)}, nil)
	v2, s2 := commit(t, store, v1, OpOverwrite, []DataFile{dataFile("c", 1)}, []DataFile{dataFile("a", 1)})

	got, err := CollectFiles(PlanIncremental(ctx, store, v2, s1.SnapshotID, s2.SnapshotID))
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, paths(got))

	got, err = CollectFiles(PlanIncremental(ctx, store, v2, s2.SnapshotID, s2.SnapshotID))
	require.NoError(t, err)
	assert.Empty(t, got)

	// S2 is not an ancestor of S1
	_, err = CollectFiles(PlanIncremental(ctx, store, v2, s2.SnapshotID, s1.SnapshotID))
	assert.ErrorIs(t, err, icerr.ErrInvalidRange)

	_, err = CollectFiles(PlanIncremental(ctx, store, v2, 999, s2.SnapshotID))
	assert.ErrorIs(t, err, icerr.ErrInvalidRange)

	_, err = CollectFiles(PlanIncremental(ctx, store, v2, s1.SnapshotID, 999))
	assert.ErrorIs(t, err, icerr.ErrNotFound)
}

func TestPlanIncrementalAcrossSeveralSnapshots(t *testing.T) {
	ctx := context.Background()
	store, meta := newTestTable(t)

	v1, s1 := commit(t, store, meta, OpAppend, []DataFile{dataFile("a", 1)}, nil)
	v2, _ := commit(t, store, v1, OpAppend, []DataFile{dataFile("b", 1)}, nil)
	v3, _ := commit(t, store, v2, OpAppend, []DataFile{dataFile("c", 1)}, nil)
	v4, s4 := commit(t, store, v3, OpDelete, nil, []DataFile{dataFile("b", 1)})

	got, err := CollectFiles(PlanIncremental(ctx, store, v4, s1.SnapshotID, s4.SnapshotID))
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, paths(got), "b was added after S1 but is no longer live")
}
