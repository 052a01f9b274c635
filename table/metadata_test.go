package table

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TFMV/floe/fs/memory"
	"github.com/TFMV/floe/icerr"
)

func TestNewMetadataVersionZero(t *testing.T) {
	schema := demoSchema(t)
	meta, err := NewMetadata("mem://warehouse/demo/users/", schema, nil, map[string]string{"owner": "floe"})
	require.NoError(t, err)

	assert.Equal(t, int64(0), meta.MetadataVersion)
	assert.Equal(t, FormatVersion, meta.FormatVersion)
	assert.Equal(t, "mem://warehouse/demo/users", meta.Location)
	assert.Empty(t, meta.Snapshots)
	assert.Nil(t, meta.CurrentSnapshotID)
	assert.Nil(t, meta.CurrentSnapshot())
	assert.Equal(t, schema.SchemaID, meta.CurrentSchemaID)
	assert.Equal(t, 4, meta.LastColumnID)
	assert.Equal(t, PartitionFieldIDStart-1, meta.LastPartitionID)
	assert.Equal(t, "floe", meta.Properties["owner"])
}

func TestNewMetadataRejectsBadInput(t *testing.T) {
	_, err := NewMetadata("", demoSchema(t), nil, nil)
	assert.ErrorIs(t, err, icerr.ErrInvalidArgument)

	_, err = NewMetadata("loc", nil, nil, nil)
	assert.ErrorIs(t, err, icerr.ErrSchema)

	spec := &PartitionSpec{Fields: []PartitionField{{SourceID: 99, FieldID: 1000, Name: "x", Transform: Transform{Kind: "identity"}}}}
	_, err = NewMetadata("loc", demoSchema(t), spec, nil)
	assert.ErrorIs(t, err, icerr.ErrInvalidArgument)
}

func TestWriteReadMetadataRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, meta := newTestTable(t)

	location, err := WriteMetadata(ctx, store, meta)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(location, "mem://warehouse/demo/users/metadata/00000-"))
	assert.True(t, strings.HasSuffix(location, ".metadata.json"))
	assert.Empty(t, meta.MetadataLocation, "writing does not claim the location")

	loaded, err := ReadMetadata(ctx, store, location)
	require.NoError(t, err)
	assert.Equal(t, meta.TableUUID, loaded.TableUUID)
	assert.Equal(t, meta.Schemas[0].Fields, loaded.Schemas[0].Fields)
	assert.Nil(t, loaded.CurrentSnapshotID)
	assert.Equal(t, location, loaded.MetadataLocation)

	_, err = ReadMetadata(ctx, store, "mem://warehouse/missing.metadata.json")
	assert.ErrorIs(t, err, icerr.ErrNotFound)
}

func TestParseMetadataRejectsGarbage(t *testing.T) {
	_, err := ParseMetadata([]byte("{not json"), "x")
	assert.ErrorIs(t, err, icerr.ErrInvalidArgument)

	_, err = ParseMetadata([]byte(`{"current-schema-id": 3, "schemas": []}`), "x")
	assert.ErrorIs(t, err, icerr.ErrInvalidArgument)
}

func TestMetadataBuilderSchemaAndProperties(t *testing.T) {
	ctx := context.Background()
	store, meta := newTestTable(t)
	location, err := WriteMetadata(ctx, store, meta)
	require.NoError(t, err)
	meta, err = ReadMetadata(ctx, store, location)
	require.NoError(t, err)

	b := NewMetadataBuilder(meta)
	evolved, last, err := EvolveSchema(meta.CurrentSchema(), meta.LastColumnID, b.NextSchemaID(), AddField{Name: "created_at", Type: TimestampType})
	require.NoError(t, err)

	next, err := b.AddSchema(evolved, last).
		SetCurrentSchema(evolved.SchemaID).
		SetProperties(map[string]string{"a": "1", "b": "2"}).
		RemoveProperties("b").
		Build()
	require.NoError(t, err)

	assert.Equal(t, int64(1), next.MetadataVersion)
	assert.Equal(t, 1, next.CurrentSchemaID)
	assert.Equal(t, 5, next.LastColumnID)
	assert.Len(t, next.Schemas, 2)
	assert.Equal(t, map[string]string{"a": "1"}, next.Properties)
	require.Len(t, next.MetadataLog, 1)
	assert.Equal(t, meta.MetadataLocation, next.MetadataLog[0].MetadataFile)

	// base is untouched
	assert.Len(t, meta.Schemas, 1)
	assert.Empty(t, meta.Properties)

	require.NoError(t, ValidateDerivedFrom(meta, next))
}

func TestMetadataBuilderErrors(t *testing.T) {
	_, meta := newTestTable(t)

	_, err := NewMetadataBuilder(meta).AddSchema(meta.CurrentSchema(), 4).Build()
	assert.ErrorIs(t, err, icerr.ErrSchema, "duplicate schema id")

	_, err = NewMetadataBuilder(meta).SetCurrentSchema(42).Build()
	assert.ErrorIs(t, err, icerr.ErrNotFound)

	parent := int64(123)
	_, err = NewMetadataBuilder(meta).AddSnapshot(Snapshot{SnapshotID: 1, ParentSnapshotID: &parent, SequenceNumber: 1}).Build()
	assert.ErrorIs(t, err, icerr.ErrInvalidArgument)

	_, err = NewMetadataBuilder(meta).SetCurrentSnapshot(77).Build()
	assert.ErrorIs(t, err, icerr.ErrNotFound)
}

func TestValidateDerivedFrom(t *testing.T) {
	store, meta := newTestTable(t)
	v1, _ := commit(t, store, meta, OpAppend, []DataFile{dataFile("a", 1)}, nil)
	v2, _ := commit(t, store, v1, OpAppend, []DataFile{dataFile("b", 1)}, nil)

	require.NoError(t, ValidateDerivedFrom(v1, v2))

	// v2 does not follow v0 directly
	err := ValidateDerivedFrom(meta, v2)
	assert.ErrorIs(t, err, icerr.ErrInvalidArgument)

	other, err := NewMetadata("mem://elsewhere", demoSchema(t), nil, nil)
	require.NoError(t, err)
	other.MetadataVersion = 1
	assert.ErrorIs(t, ValidateDerivedFrom(meta, other), icerr.ErrInvalidArgument)

	// dropping history is not a valid successor
	pruned := *v2
	pruned.Snapshots = pruned.Snapshots[1:]
	pruned.CurrentSnapshotID = &pruned.Snapshots[0].SnapshotID
	pruned.MetadataVersion = v1.MetadataVersion + 1
	assert.ErrorIs(t, ValidateDerivedFrom(v1, &pruned), icerr.ErrInvalidArgument)
}

func TestSnapshotAsOf(t *testing.T) {
	store := memory.NewMemoryFileSystem()
	meta, err := NewMetadata("mem://t", demoSchema(t), nil, nil)
	require.NoError(t, err)

	v1, s1 := commit(t, store, meta, OpAppend, []DataFile{dataFile("a", 1)}, nil)
	v1.SnapshotLog[0].TimestampMs = 1_000
	v2, s2 := commit(t, store, v1, OpAppend, []DataFile{dataFile("b", 1)}, nil)
	v2.SnapshotLog[1].TimestampMs = 2_000

	got, err := v2.SnapshotAsOf(time.UnixMilli(1_500))
	require.NoError(t, err)
	assert.Equal(t, s1.SnapshotID, got.SnapshotID)

	got, err = v2.SnapshotAsOf(time.UnixMilli(2_000))
	require.NoError(t, err)
	assert.Equal(t, s2.SnapshotID, got.SnapshotID)

	_, err = v2.SnapshotAsOf(time.UnixMilli(10))
	assert.ErrorIs(t, err, icerr.ErrInvalidRange)
}

func TestNewSnapshotIDIsUnique(t *testing.T) {
	_, meta := newTestTable(t)
	seen := map[int64]bool{}
	for i := 0; i < 100; i++ {
		id := meta.NewSnapshotID()
		assert.Positive(t, id)
		seen[id] = true
	}
	assert.Greater(t, len(seen), 1)
}
