package table

import (
	"context"
	"time"

	floefs "github.com/TFMV/floe/fs"
)

// SnapshotInfo is one row of a table's snapshot listing
type SnapshotInfo struct {
	SnapshotID int64             `json:"snapshot_id"`
	ParentID   *int64            `json:"parent_id,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
	Operation  Operation         `json:"operation"`
	Summary    map[string]string `json:"summary"`
}

// ListSnapshots returns every snapshot in commit order
func ListSnapshots(meta *Metadata) []SnapshotInfo {
	out := make([]SnapshotInfo, 0, len(meta.Snapshots))
	for _, s := range meta.Snapshots {
		out = append(out, SnapshotInfo{
			SnapshotID: s.SnapshotID,
			ParentID:   s.ParentSnapshotID,
			Timestamp:  s.Timestamp(),
			Operation:  s.Operation(),
			Summary:    s.Summary,
		})
	}
	return out
}

// ListDataFiles returns the live files of a snapshot
func ListDataFiles(ctx context.Context, store floefs.Store, meta *Metadata, snapshotID int64) ([]DataFile, error) {
	return CollectFiles(PlanScan(ctx, store, meta, WithSnapshotID(snapshotID)))
}

// HistoryEntry is one row of the snapshot log
type HistoryEntry struct {
	MadeCurrentAt     time.Time `json:"made_current_at"`
	SnapshotID        int64     `json:"snapshot_id"`
	ParentID          *int64    `json:"parent_id,omitempty"`
	IsCurrentAncestor bool      `json:"is_current_ancestor"`
}

// History returns when each snapshot became current and whether it is
// still in the current snapshot's ancestry, oldest first
func History(meta *Metadata) []HistoryEntry {
	ancestors := map[int64]struct{}{}
	if meta.CurrentSnapshotID != nil {
		chain, _ := meta.Ancestors(*meta.CurrentSnapshotID)
		for _, s := range chain {
			ancestors[s.SnapshotID] = struct{}{}
		}
	}

	out := make([]HistoryEntry, 0, len(meta.SnapshotLog))
	for _, e := range meta.SnapshotLog {
		entry := HistoryEntry{
			MadeCurrentAt: time.UnixMilli(e.TimestampMs),
			SnapshotID:    e.SnapshotID,
		}
		if s, err := meta.SnapshotByID(e.SnapshotID); err == nil {
			entry.ParentID = s.ParentSnapshotID
		}
		_, entry.IsCurrentAncestor = ancestors[e.SnapshotID]
		out = append(out, entry)
	}
	return out
}

// ListManifests returns the manifest list of a snapshot
func ListManifests(ctx context.Context, store floefs.Store, meta *Metadata, snapshotID int64) ([]ManifestFile, error) {
	snap, err := meta.SnapshotByID(snapshotID)
	if err != nil {
		return nil, err
	}
	return ReadManifestList(ctx, store, snap.ManifestList)
}
