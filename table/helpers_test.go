package table

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/TFMV/floe/fs/memory"
)

func demoSchema(t *testing.T) *Schema {
	t.Helper()
	s, err := NewSchema(0,
		Field{ID: 1, Name: "user_id", Type: LongType, Required: true},
		Field{ID: 2, Name: "name", Type: StringType, Required: true},
		Field{ID: 3, Name: "email", Type: StringType},
		Field{ID: 4, Name: "score", Type: DoubleType},
	)
	require.NoError(t, err)
	return s
}

func newTestTable(t *testing.T) (*memory.MemoryFileSystem, *Metadata) {
	t.Helper()
	meta, err := NewMetadata("mem://warehouse/demo/users", demoSchema(t), nil, nil)
	require.NoError(t, err)
	return memory.NewMemoryFileSystem(), meta
}

func dataFile(path string, records int64) DataFile {
	return DataFile{Path: path, Format: FormatParquet, RecordCount: records, SizeBytes: records * 100}
}

func commit(t *testing.T, store *memory.MemoryFileSystem, meta *Metadata, op Operation, added, removed []DataFile) (*Metadata, Snapshot) {
	t.Helper()
	snap, err := BuildSnapshot(context.Background(), store, meta, op, added, removed)
	require.NoError(t, err)
	next, err := meta.CommitSnapshot(snap)
	require.NoError(t, err)
	return next, snap
}

func paths(files []DataFile) []string {
	out := make([]string, len(files))
	for i, f := range files {
		out[i] = f.Path
	}
	return out
}
