package table

import (
	"context"
	"fmt"
	"maps"
	"strconv"
	"time"

	"github.com/google/uuid"

	floefs "github.com/TFMV/floe/fs"
	"github.com/TFMV/floe/icerr"
)

// Snapshot summary keys
const (
	SummaryOperation        = "operation"
	SummaryAddedDataFiles   = "added-data-files"
	SummaryAddedRecords     = "added-records"
	SummaryAddedFilesSize   = "added-files-size"
	SummaryDeletedDataFiles = "deleted-data-files"
	SummaryDeletedRecords   = "deleted-records"
	SummaryRemovedFilesSize = "removed-files-size"
	SummaryTotalDataFiles   = "total-data-files"
	SummaryTotalRecords     = "total-records"
	SummaryTotalFilesSize   = "total-files-size"
)

type snapshotOptions struct {
	properties map[string]string
}

// SnapshotOption customizes BuildSnapshot
type SnapshotOption func(*snapshotOptions)

// WithSummaryProperty adds a caller property to the snapshot summary
func WithSummaryProperty(key, value string) SnapshotOption {
	return func(o *snapshotOptions) {
		if o.properties == nil {
			o.properties = map[string]string{}
		}
		o.properties[key] = value
	}
}

// BuildSnapshot writes the manifests and manifest list for a change on top
// of meta's current snapshot and returns the snapshot. It does not modify
// meta; commit the result with Metadata.CommitSnapshot.
//
// Manifests of the parent that hold none of the removed files are reused
// as-is. A manifest that holds a removed file is rewritten: the removed
// entries become deleted, the remaining live entries become existing and
// entries that were already deleted are dropped. Added files go to a new
// manifest.
func BuildSnapshot(ctx context.Context, store floefs.Store, meta *Metadata, op Operation, added, removed []DataFile, opts ...SnapshotOption) (Snapshot, error) {
	var o snapshotOptions
	for _, opt := range opts {
		opt(&o)
	}

	if err := validateOperation(op, added, removed); err != nil {
		return Snapshot{}, err
	}

	parent := meta.CurrentSnapshot()
	snapshotID := meta.NewSnapshotID()
	seq := meta.LastSequenceNumber + 1
	commitID := uuid.NewString()
	manifestKey := func(n int) string {
		return fmt.Sprintf("%s/metadata/%s-m%d.avro", meta.Location, commitID, n)
	}

	removing := make(map[string]bool, len(removed))
	for _, f := range removed {
		removing[f.Path] = false
	}

	var parentManifests []ManifestFile
	if parent != nil {
		var err error
		parentManifests, err = ReadManifestList(ctx, store, parent.ManifestList)
		if err != nil {
			return Snapshot{}, err
		}
	}

	if len(added) > 0 {
		if err := checkNotLive(ctx, store, parentManifests, added); err != nil {
			return Snapshot{}, err
		}
	}

	var manifests []ManifestFile
	var deletedFiles, deletedRecords, removedSize int64
	written := 0

	if len(added) > 0 {
		specID := meta.DefaultSpecID
		files := make([]DataFile, len(added))
		for i, f := range added {
			f.SpecID = specID
			files[i] = f
		}
		mf, err := WriteManifest(ctx, store, manifestKey(written), snapshotID, seq, StatusAdded, files)
		if err != nil {
			return Snapshot{}, err
		}
		written++
		manifests = append(manifests, mf)
	}

	for _, mf := range parentManifests {
		if len(removing) == 0 || !mf.HasLiveFiles() {
			manifests = append(manifests, mf)
			continue
		}

		entries, err := ReadManifest(ctx, store, mf.Path)
		if err != nil {
			return Snapshot{}, err
		}

		touched := false
		for _, e := range entries {
			if _, ok := removing[e.DataFile.Path]; ok && e.Status.IsLive() {
				touched = true
				break
			}
		}
		if !touched {
			manifests = append(manifests, mf)
			continue
		}

		rewritten := make([]ManifestEntry, 0, len(entries))
		for _, e := range entries {
			if !e.Status.IsLive() {
				continue
			}
			if _, ok := removing[e.DataFile.Path]; ok {
				removing[e.DataFile.Path] = true
				deletedFiles++
				deletedRecords += e.DataFile.RecordCount
				removedSize += e.DataFile.SizeBytes
				rewritten = append(rewritten, ManifestEntry{
					Status:         StatusDeleted,
					SnapshotID:     snapshotID,
					SequenceNumber: seq,
					DataFile:       e.DataFile,
				})
				continue
			}
			e.Status = StatusExisting
			rewritten = append(rewritten, e)
		}

		out, err := writeManifestEntries(ctx, store, manifestKey(written), snapshotID, seq, rewritten)
		if err != nil {
			return Snapshot{}, err
		}
		written++
		manifests = append(manifests, out)
	}

	for path, found := range removing {
		if !found {
			return Snapshot{}, icerr.NotFound("data file", path)
		}
	}

	var addedRecords, addedSize int64
	for _, f := range added {
		addedRecords += f.RecordCount
		addedSize += f.SizeBytes
	}

	if op == OpReplace && addedRecords != deletedRecords {
		return Snapshot{}, &icerr.ValidationError{
			Field:   "operation",
			Message: fmt.Sprintf("replace must preserve the record count: adding %d records, removing %d", addedRecords, deletedRecords),
		}
	}

	summary := map[string]string{}
	maps.Copy(summary, o.properties)
	summary[SummaryOperation] = string(op)
	summary[SummaryAddedDataFiles] = strconv.Itoa(len(added))
	summary[SummaryAddedRecords] = strconv.FormatInt(addedRecords, 10)
	summary[SummaryAddedFilesSize] = strconv.FormatInt(addedSize, 10)
	summary[SummaryDeletedDataFiles] = strconv.FormatInt(deletedFiles, 10)
	summary[SummaryDeletedRecords] = strconv.FormatInt(deletedRecords, 10)
	summary[SummaryRemovedFilesSize] = strconv.FormatInt(removedSize, 10)

	var totalFiles, totalRecords, totalSize int64
	if parent != nil {
		totalFiles = summaryInt(parent.Summary, SummaryTotalDataFiles)
		totalRecords = summaryInt(parent.Summary, SummaryTotalRecords)
		totalSize = summaryInt(parent.Summary, SummaryTotalFilesSize)
	}
	summary[SummaryTotalDataFiles] = strconv.FormatInt(totalFiles+int64(len(added))-deletedFiles, 10)
	summary[SummaryTotalRecords] = strconv.FormatInt(totalRecords+addedRecords-deletedRecords, 10)
	summary[SummaryTotalFilesSize] = strconv.FormatInt(totalSize+addedSize-removedSize, 10)

	var parentID *int64
	if parent != nil {
		id := parent.SnapshotID
		parentID = &id
	}

	listKey := fmt.Sprintf("%s/metadata/snap-%d-%s.avro", meta.Location, snapshotID, commitID)
	if err := WriteManifestList(ctx, store, listKey, snapshotID, parentID, seq, manifests); err != nil {
		return Snapshot{}, err
	}

	schemaID := meta.CurrentSchemaID
	return Snapshot{
		SnapshotID:       snapshotID,
		ParentSnapshotID: parentID,
		SequenceNumber:   seq,
		TimestampMs:      max(time.Now().UnixMilli(), meta.LastUpdatedMs),
		ManifestList:     listKey,
		Summary:          summary,
		SchemaID:         &schemaID,
	}, nil
}

func validateOperation(op Operation, added, removed []DataFile) error {
	if _, err := ParseOperation(string(op)); err != nil {
		return err
	}
	switch op {
	case OpAppend:
		if len(removed) > 0 {
			return &icerr.ValidationError{Field: "operation", Message: "append cannot remove files"}
		}
	case OpDelete:
		if len(added) > 0 {
			return &icerr.ValidationError{Field: "operation", Message: "delete cannot add files"}
		}
	}
	if len(added) == 0 && len(removed) == 0 {
		return &icerr.ValidationError{Field: "files", Message: fmt.Sprintf("%s needs at least one file", op)}
	}

	seen := make(map[string]struct{}, len(added)+len(removed))
	for _, f := range added {
		if f.Path == "" {
			return &icerr.ValidationError{Field: "path", Message: "data file path is required"}
		}
		if f.RecordCount < 0 || f.SizeBytes < 0 {
			return &icerr.ValidationError{Field: f.Path, Message: "record count and size must not be negative"}
		}
		if _, dup := seen[f.Path]; dup {
			return &icerr.ValidationError{Field: f.Path, Message: "data file listed twice"}
		}
		seen[f.Path] = struct{}{}
	}
	for _, f := range removed {
		if _, dup := seen[f.Path]; dup {
			return &icerr.ValidationError{Field: f.Path, Message: "data file both added and removed"}
		}
		seen[f.Path] = struct{}{}
	}
	return nil
}

// checkNotLive rejects an added file whose path is already live in the
// parent. A path may be re-added once a snapshot has removed it.
func checkNotLive(ctx context.Context, store floefs.Store, parentManifests []ManifestFile, added []DataFile) error {
	paths := make(map[string]struct{}, len(added))
	for _, f := range added {
		paths[f.Path] = struct{}{}
	}
	for _, mf := range parentManifests {
		if !mf.HasLiveFiles() {
			continue
		}
		entries, err := ReadManifest(ctx, store, mf.Path)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if _, ok := paths[e.DataFile.Path]; ok && e.Status.IsLive() {
				return icerr.AlreadyExists("data file", e.DataFile.Path)
			}
		}
	}
	return nil
}

func summaryInt(summary map[string]string, key string) int64 {
	v, err := strconv.ParseInt(summary[key], 10, 64)
	if err != nil {
		return 0
	}
	return v
}
