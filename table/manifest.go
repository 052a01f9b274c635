package table

import (
	"bytes"
	"context"
	"fmt"
	"slices"
	"strconv"

	"github.com/hamba/avro/v2/ocf"

	floefs "github.com/TFMV/floe/fs"
	"github.com/TFMV/floe/icerr"
)

// EntryStatus tells whether a manifest entry was added, carried over or
// removed by the snapshot that wrote the manifest
type EntryStatus int

const (
	StatusExisting EntryStatus = 0
	StatusAdded    EntryStatus = 1
	StatusDeleted  EntryStatus = 2
)

func (s EntryStatus) String() string {
	switch s {
	case StatusExisting:
		return "existing"
	case StatusAdded:
		return "added"
	case StatusDeleted:
		return "deleted"
	}
	return "unknown(" + strconv.Itoa(int(s)) + ")"
}

// IsLive reports whether the entry's file is part of the snapshot
func (s EntryStatus) IsLive() bool {
	return s == StatusAdded || s == StatusExisting
}

// ManifestEntry tracks one data file inside a manifest. SnapshotID is the
// snapshot that added the file, or the one that deleted it for deleted
// entries.
type ManifestEntry struct {
	Status         EntryStatus
	SnapshotID     int64
	SequenceNumber int64
	DataFile       DataFile
}

// ManifestFile is one entry of a snapshot's manifest list
type ManifestFile struct {
	Path               string `avro:"manifest_path" json:"manifest_path"`
	Length             int64  `avro:"manifest_length" json:"manifest_length"`
	SpecID             int    `avro:"partition_spec_id" json:"partition_spec_id"`
	Content            int    `avro:"content" json:"content"`
	SequenceNumber     int64  `avro:"sequence_number" json:"sequence_number"`
	MinSequenceNumber  int64  `avro:"min_sequence_number" json:"min_sequence_number"`
	AddedSnapshotID    int64  `avro:"added_snapshot_id" json:"added_snapshot_id"`
	AddedFilesCount    int    `avro:"added_data_files_count" json:"added_data_files_count"`
	AddedRowsCount     int64  `avro:"added_rows_count" json:"added_rows_count"`
	ExistingFilesCount int    `avro:"existing_data_files_count" json:"existing_data_files_count"`
	ExistingRowsCount  int64  `avro:"existing_rows_count" json:"existing_rows_count"`
	DeletedFilesCount  int    `avro:"deleted_data_files_count" json:"deleted_data_files_count"`
	DeletedRowsCount   int64  `avro:"deleted_rows_count" json:"deleted_rows_count"`
}

// HasLiveFiles reports whether scanning the manifest can yield anything
func (m ManifestFile) HasLiveFiles() bool {
	return m.AddedFilesCount+m.ExistingFilesCount > 0
}

const manifestEntryAvroSchema = `{
	"type": "record",
	"name": "manifest_entry",
	"fields": [
		{"name": "status", "type": "int"},
		{"name": "snapshot_id", "type": "long"},
		{"name": "sequence_number", "type": "long"},
		{"name": "data_file", "type": {
			"type": "record",
			"name": "r2",
			"fields": [
				{"name": "file_path", "type": "string"},
				{"name": "file_format", "type": "string"},
				{"name": "spec_id", "type": "int"},
				{"name": "partition", "type": {"type": "map", "values": "string"}},
				{"name": "record_count", "type": "long"},
				{"name": "file_size_in_bytes", "type": "long"},
				{"name": "column_stats", "type": {"type": "array", "items": {
					"type": "record", "name": "column_stat",
					"fields": [
						{"name": "field_id", "type": "int"},
						{"name": "column_size", "type": "long"},
						{"name": "value_count", "type": "long"},
						{"name": "null_value_count", "type": "long"},
						{"name": "lower_bound", "type": "bytes"},
						{"name": "upper_bound", "type": "bytes"}
					]
				}}}
			]
		}}
	]
}`

const manifestListAvroSchema = `{
	"type": "record",
	"name": "manifest_file",
	"fields": [
		{"name": "manifest_path", "type": "string"},
		{"name": "manifest_length", "type": "long"},
		{"name": "partition_spec_id", "type": "int"},
		{"name": "content", "type": "int"},
		{"name": "sequence_number", "type": "long"},
		{"name": "min_sequence_number", "type": "long"},
		{"name": "added_snapshot_id", "type": "long"},
		{"name": "added_data_files_count", "type": "int"},
		{"name": "added_rows_count", "type": "long"},
		{"name": "existing_data_files_count", "type": "int"},
		{"name": "existing_rows_count", "type": "long"},
		{"name": "deleted_data_files_count", "type": "int"},
		{"name": "deleted_rows_count", "type": "long"}
	]
}`

type manifestEntryAvro struct {
	Status         int                  `avro:"status"`
	SnapshotID     int64                `avro:"snapshot_id"`
	SequenceNumber int64                `avro:"sequence_number"`
	DataFile       manifestDataFileAvro `avro:"data_file"`
}

type manifestDataFileAvro struct {
	FilePath      string            `avro:"file_path"`
	FileFormat    string            `avro:"file_format"`
	SpecID        int               `avro:"spec_id"`
	Partition     map[string]string `avro:"partition"`
	RecordCount   int64             `avro:"record_count"`
	FileSizeBytes int64             `avro:"file_size_in_bytes"`
	ColumnStats   []columnStatAvro  `avro:"column_stats"`
}

type columnStatAvro struct {
	FieldID        int    `avro:"field_id"`
	ColumnSize     int64  `avro:"column_size"`
	ValueCount     int64  `avro:"value_count"`
	NullValueCount int64  `avro:"null_value_count"`
	LowerBound     []byte `avro:"lower_bound"`
	UpperBound     []byte `avro:"upper_bound"`
}

func toManifestEntryAvro(e ManifestEntry) manifestEntryAvro {
	df := e.DataFile
	partition := df.PartitionValues
	if partition == nil {
		partition = map[string]string{}
	}

	ids := make([]int, 0, len(df.ColumnStats))
	for id := range df.ColumnStats {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	stats := make([]columnStatAvro, 0, len(ids))
	for _, id := range ids {
		cs := df.ColumnStats[id]
		stats = append(stats, columnStatAvro{
			FieldID:        id,
			ColumnSize:     cs.ColumnSize,
			ValueCount:     cs.ValueCount,
			NullValueCount: cs.NullCount,
			LowerBound:     nonNilBytes(cs.LowerBound),
			UpperBound:     nonNilBytes(cs.UpperBound),
		})
	}

	return manifestEntryAvro{
		Status:         int(e.Status),
		SnapshotID:     e.SnapshotID,
		SequenceNumber: e.SequenceNumber,
		DataFile: manifestDataFileAvro{
			FilePath:      df.Path,
			FileFormat:    string(df.Format),
			SpecID:        df.SpecID,
			Partition:     partition,
			RecordCount:   df.RecordCount,
			FileSizeBytes: df.SizeBytes,
			ColumnStats:   stats,
		},
	}
}

func fromManifestEntryAvro(a manifestEntryAvro) ManifestEntry {
	df := DataFile{
		Path:        a.DataFile.FilePath,
		Format:      FileFormat(a.DataFile.FileFormat),
		RecordCount: a.DataFile.RecordCount,
		SizeBytes:   a.DataFile.FileSizeBytes,
		SpecID:      a.DataFile.SpecID,
	}
	if len(a.DataFile.Partition) > 0 {
		df.PartitionValues = a.DataFile.Partition
	}
	if len(a.DataFile.ColumnStats) > 0 {
		df.ColumnStats = make(map[int]ColumnStats, len(a.DataFile.ColumnStats))
		for _, cs := range a.DataFile.ColumnStats {
			stat := ColumnStats{
				ColumnSize: cs.ColumnSize,
				ValueCount: cs.ValueCount,
				NullCount:  cs.NullValueCount,
			}
			if len(cs.LowerBound) > 0 {
				stat.LowerBound = cs.LowerBound
			}
			if len(cs.UpperBound) > 0 {
				stat.UpperBound = cs.UpperBound
			}
			df.ColumnStats[cs.FieldID] = stat
		}
	}
	return ManifestEntry{
		Status:         EntryStatus(a.Status),
		SnapshotID:     a.SnapshotID,
		SequenceNumber: a.SequenceNumber,
		DataFile:       df,
	}
}

func nonNilBytes(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}

// WriteManifest writes files as one immutable manifest in which every entry
// has the given status
func WriteManifest(ctx context.Context, store floefs.Store, key string, snapshotID, seq int64, status EntryStatus, files []DataFile) (ManifestFile, error) {
	entries := make([]ManifestEntry, len(files))
	for i, f := range files {
		entries[i] = ManifestEntry{Status: status, SnapshotID: snapshotID, SequenceNumber: seq, DataFile: f}
	}
	return writeManifestEntries(ctx, store, key, snapshotID, seq, entries)
}

func writeManifestEntries(ctx context.Context, store floefs.Store, key string, snapshotID, seq int64, entries []ManifestEntry) (ManifestFile, error) {
	mf := ManifestFile{
		Path:              key,
		SequenceNumber:    seq,
		MinSequenceNumber: seq,
		AddedSnapshotID:   snapshotID,
	}
	if len(entries) > 0 {
		mf.SpecID = entries[0].DataFile.SpecID
	}

	var buf bytes.Buffer
	enc, err := ocf.NewEncoder(manifestEntryAvroSchema, &buf,
		ocf.WithMetadata(map[string][]byte{
			"format-version":    []byte(strconv.Itoa(FormatVersion)),
			"content":           []byte("data"),
			"partition-spec-id": []byte(strconv.Itoa(mf.SpecID)),
			"snapshot-id":       []byte(strconv.FormatInt(snapshotID, 10)),
		}),
		ocf.WithCodec(ocf.Deflate),
	)
	if err != nil {
		return ManifestFile{}, fmt.Errorf("create manifest encoder: %w", err)
	}

	for _, e := range entries {
		mf.MinSequenceNumber = min(mf.MinSequenceNumber, e.SequenceNumber)
		switch e.Status {
		case StatusAdded:
			mf.AddedFilesCount++
			mf.AddedRowsCount += e.DataFile.RecordCount
		case StatusExisting:
			mf.ExistingFilesCount++
			mf.ExistingRowsCount += e.DataFile.RecordCount
		case StatusDeleted:
			mf.DeletedFilesCount++
			mf.DeletedRowsCount += e.DataFile.RecordCount
		}
		if err := enc.Encode(toManifestEntryAvro(e)); err != nil {
			return ManifestFile{}, fmt.Errorf("encode manifest entry: %w", err)
		}
	}

	if err := enc.Close(); err != nil {
		return ManifestFile{}, fmt.Errorf("close manifest encoder: %w", err)
	}

	if err := store.Put(ctx, key, buf.Bytes()); err != nil {
		return ManifestFile{}, err
	}
	mf.Length = int64(buf.Len())
	return mf, nil
}

// ReadManifest returns the entries of a manifest in written order
func ReadManifest(ctx context.Context, store floefs.Store, key string) ([]ManifestEntry, error) {
	data, err := store.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	dec, err := ocf.NewDecoder(bytes.NewReader(data))
	if err != nil {
		return nil, &icerr.StorageError{Op: "decode", Key: key, Err: err}
	}

	var entries []ManifestEntry
	for dec.HasNext() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var a manifestEntryAvro
		if err := dec.Decode(&a); err != nil {
			return nil, &icerr.StorageError{Op: "decode", Key: key, Err: err}
		}
		entries = append(entries, fromManifestEntryAvro(a))
	}
	if err := dec.Error(); err != nil {
		return nil, &icerr.StorageError{Op: "decode", Key: key, Err: err}
	}
	return entries, nil
}

// WriteManifestList writes the manifest list of a snapshot
func WriteManifestList(ctx context.Context, store floefs.Store, key string, snapshotID int64, parentID *int64, seq int64, manifests []ManifestFile) error {
	parent := "null"
	if parentID != nil {
		parent = strconv.FormatInt(*parentID, 10)
	}

	var buf bytes.Buffer
	enc, err := ocf.NewEncoder(manifestListAvroSchema, &buf,
		ocf.WithMetadata(map[string][]byte{
			"format-version":     []byte(strconv.Itoa(FormatVersion)),
			"snapshot-id":        []byte(strconv.FormatInt(snapshotID, 10)),
			"parent-snapshot-id": []byte(parent),
			"sequence-number":    []byte(strconv.FormatInt(seq, 10)),
		}),
		ocf.WithCodec(ocf.Deflate),
	)
	if err != nil {
		return fmt.Errorf("create manifest list encoder: %w", err)
	}

	for _, mf := range manifests {
		if err := enc.Encode(mf); err != nil {
			return fmt.Errorf("encode manifest list entry: %w", err)
		}
	}

	if err := enc.Close(); err != nil {
		return fmt.Errorf("close manifest list encoder: %w", err)
	}

	return store.Put(ctx, key, buf.Bytes())
}

// ReadManifestList returns the manifests referenced by a snapshot
func ReadManifestList(ctx context.Context, store floefs.Store, key string) ([]ManifestFile, error) {
	data, err := store.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	dec, err := ocf.NewDecoder(bytes.NewReader(data))
	if err != nil {
		return nil, &icerr.StorageError{Op: "decode", Key: key, Err: err}
	}

	var manifests []ManifestFile
	for dec.HasNext() {
		var mf ManifestFile
		if err := dec.Decode(&mf); err != nil {
			return nil, &icerr.StorageError{Op: "decode", Key: key, Err: err}
		}
		manifests = append(manifests, mf)
	}
	if err := dec.Error(); err != nil {
		return nil, &icerr.StorageError{Op: "decode", Key: key, Err: err}
	}
	return manifests, nil
}
