package table

import (
	"context"
	"fmt"
	"iter"
	"strings"
	"time"

	floefs "github.com/TFMV/floe/fs"
	"github.com/TFMV/floe/icerr"
)

// Filter selects data files during planning
type Filter func(DataFile) bool

// PartitionEquals keeps files whose partition value for name equals value
func PartitionEquals(name, value string) Filter {
	return func(f DataFile) bool {
		v, ok := f.PartitionValues[name]
		return ok && v == value
	}
}

// PathPrefix keeps files whose path starts with prefix
func PathPrefix(prefix string) Filter {
	return func(f DataFile) bool {
		return strings.HasPrefix(f.Path, prefix)
	}
}

// MinRecordCount keeps files with at least n records
func MinRecordCount(n int64) Filter {
	return func(f DataFile) bool {
		return f.RecordCount >= n
	}
}

// ColumnRange keeps files whose bounds for fieldID may overlap
// [lower, upper]. Files without usable bounds are kept. A nil lower or upper
// leaves that side open.
func ColumnRange(fieldID int, lower, upper any) Filter {
	return func(f DataFile) bool {
		stats, ok := f.ColumnStats[fieldID]
		if !ok {
			return true
		}
		if upper != nil && len(stats.LowerBound) > 0 {
			if c, ok := compareBound(stats.LowerBound, upper); ok && c > 0 {
				return false
			}
		}
		if lower != nil && len(stats.UpperBound) > 0 {
			if c, ok := compareBound(stats.UpperBound, lower); ok && c < 0 {
				return false
			}
		}
		return true
	}
}

// And keeps files accepted by every filter
func And(filters ...Filter) Filter {
	return func(f DataFile) bool {
		for _, filter := range filters {
			if filter != nil && !filter(f) {
				return false
			}
		}
		return true
	}
}

type scanOptions struct {
	snapshotID *int64
	asOf       *time.Time
	filters    []Filter
}

// ScanOption configures PlanScan
type ScanOption func(*scanOptions)

// WithSnapshotID plans against a historical snapshot
func WithSnapshotID(id int64) ScanOption {
	return func(o *scanOptions) { o.snapshotID = &id }
}

// WithAsOfTime plans against the snapshot that was current at t
func WithAsOfTime(t time.Time) ScanOption {
	return func(o *scanOptions) { o.asOf = &t }
}

// WithFilter adds a file filter; multiple filters are combined with And
func WithFilter(f Filter) ScanOption {
	return func(o *scanOptions) { o.filters = append(o.filters, f) }
}

// resolveSnapshot picks the snapshot a scan reads; nil means the table has
// no data
func resolveSnapshot(meta *Metadata, o scanOptions) (*Snapshot, error) {
	switch {
	case o.snapshotID != nil && o.asOf != nil:
		return nil, &icerr.ValidationError{Field: "snapshot", Message: "snapshot id and as-of time are mutually exclusive"}
	case o.snapshotID != nil:
		return meta.SnapshotByID(*o.snapshotID)
	case o.asOf != nil:
		return meta.SnapshotAsOf(*o.asOf)
	}
	return meta.CurrentSnapshot(), nil
}

// PlanScan yields the live data files of a snapshot, the current one by
// default. The sequence reads manifests lazily and can be ranged over more
// than once. An error is yielded once and ends the sequence.
func PlanScan(ctx context.Context, store floefs.Store, meta *Metadata, opts ...ScanOption) iter.Seq2[DataFile, error] {
	var o scanOptions
	for _, opt := range opts {
		opt(&o)
	}
	filter := And(o.filters...)

	return func(yield func(DataFile, error) bool) {
		snap, err := resolveSnapshot(meta, o)
		if err != nil {
			yield(DataFile{}, err)
			return
		}
		if snap == nil {
			return
		}
		walkLive(ctx, store, snap, func(e ManifestEntry) bool { return filter(e.DataFile) }, yield)
	}
}

// PlanIncremental yields the files live at to that were added after from,
// following to's parent chain. from must be an ancestor of to.
func PlanIncremental(ctx context.Context, store floefs.Store, meta *Metadata, from, to int64) iter.Seq2[DataFile, error] {
	return func(yield func(DataFile, error) bool) {
		toSnap, err := meta.SnapshotByID(to)
		if err != nil {
			yield(DataFile{}, err)
			return
		}
		if _, err := meta.SnapshotByID(from); err != nil {
			yield(DataFile{}, &icerr.InvalidRangeError{From: from, To: to, Reason: fmt.Sprintf("snapshot %d does not exist", from)})
			return
		}
		if from == to {
			return
		}

		chain, err := meta.Ancestors(to)
		if err != nil {
			yield(DataFile{}, err)
			return
		}
		between := make(map[int64]struct{})
		reached := false
		for _, s := range chain {
			if s.SnapshotID == from {
				reached = true
				break
			}
			between[s.SnapshotID] = struct{}{}
		}
		if !reached {
			yield(DataFile{}, &icerr.InvalidRangeError{From: from, To: to, Reason: "from is not an ancestor of to"})
			return
		}

		walkLive(ctx, store, toSnap, func(e ManifestEntry) bool {
			_, ok := between[e.SnapshotID]
			return ok
		}, yield)
	}
}

func walkLive(ctx context.Context, store floefs.Store, snap *Snapshot, keep func(ManifestEntry) bool, yield func(DataFile, error) bool) {
	manifests, err := ReadManifestList(ctx, store, snap.ManifestList)
	if err != nil {
		yield(DataFile{}, err)
		return
	}
	for _, mf := range manifests {
		if !mf.HasLiveFiles() {
			continue
		}
		entries, err := ReadManifest(ctx, store, mf.Path)
		if err != nil {
			yield(DataFile{}, err)
			return
		}
		for _, e := range entries {
			if !e.Status.IsLive() || !keep(e) {
				continue
			}
			if !yield(e.DataFile, nil) {
				return
			}
		}
	}
}

// CollectFiles drains a planned scan
func CollectFiles(seq iter.Seq2[DataFile, error]) ([]DataFile, error) {
	var files []DataFile
	for f, err := range seq {
		if err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, nil
}
