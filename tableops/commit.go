// Package tableops turns writer intents into committed table versions: it
// applies a change to the current metadata, publishes it through the
// catalog and rebases and retries when another writer won the race.
package tableops

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/TFMV/floe/catalog"
	floefs "github.com/TFMV/floe/fs"
	"github.com/TFMV/floe/icerr"
	"github.com/TFMV/floe/metrics"
	"github.com/TFMV/floe/table"
)

// Change is one writer intent. Apply derives the next metadata version from
// base, writing whatever manifests it needs to store first.
type Change interface {
	Apply(ctx context.Context, store floefs.Store, base *table.Metadata) (*table.Metadata, error)
}

// RebaseFunc decides what to commit after losing a race: given the base the
// change was applied to and the version that won, it returns the change to
// apply to newBase, or an error to give up.
type RebaseFunc func(ctx context.Context, oldBase, newBase *table.Metadata, change Change) (Change, error)

// ReapplyRebase re-derives the same intent on the new base. Changes read
// everything they depend on from the base they are applied to, so applying
// them again is a rebase.
func ReapplyRebase(_ context.Context, _, _ *table.Metadata, change Change) (Change, error) {
	return change, nil
}

// AppendFiles adds data files
type AppendFiles struct {
	Files []table.DataFile
	// Properties are added to the snapshot summary
	Properties map[string]string
}

func (c AppendFiles) Apply(ctx context.Context, store floefs.Store, base *table.Metadata) (*table.Metadata, error) {
	return commitFiles(ctx, store, base, table.OpAppend, c.Files, nil, c.Properties)
}

func (c AppendFiles) Operation() table.Operation { return table.OpAppend }

// DeleteFiles removes live data files
type DeleteFiles struct {
	Files      []table.DataFile
	Properties map[string]string
}

func (c DeleteFiles) Apply(ctx context.Context, store floefs.Store, base *table.Metadata) (*table.Metadata, error) {
	return commitFiles(ctx, store, base, table.OpDelete, nil, c.Files, c.Properties)
}

func (c DeleteFiles) Operation() table.Operation { return table.OpDelete }

// OverwriteFiles removes and adds files in one snapshot
type OverwriteFiles struct {
	Added      []table.DataFile
	Removed    []table.DataFile
	Properties map[string]string
}

func (c OverwriteFiles) Apply(ctx context.Context, store floefs.Store, base *table.Metadata) (*table.Metadata, error) {
	return commitFiles(ctx, store, base, table.OpOverwrite, c.Added, c.Removed, c.Properties)
}

func (c OverwriteFiles) Operation() table.Operation { return table.OpOverwrite }

// ReplaceFiles rewrites files without changing the table's rows, as
// compaction does. The record counts on both sides must match.
type ReplaceFiles struct {
	Added      []table.DataFile
	Removed    []table.DataFile
	Properties map[string]string
}

func (c ReplaceFiles) Apply(ctx context.Context, store floefs.Store, base *table.Metadata) (*table.Metadata, error) {
	return commitFiles(ctx, store, base, table.OpReplace, c.Added, c.Removed, c.Properties)
}

func (c ReplaceFiles) Operation() table.Operation { return table.OpReplace }

func commitFiles(ctx context.Context, store floefs.Store, base *table.Metadata, op table.Operation, added, removed []table.DataFile, props map[string]string) (*table.Metadata, error) {
	opts := make([]table.SnapshotOption, 0, len(props))
	for k, v := range props {
		opts = append(opts, table.WithSummaryProperty(k, v))
	}
	snap, err := table.BuildSnapshot(ctx, store, base, op, added, removed, opts...)
	if err != nil {
		return nil, err
	}
	return base.CommitSnapshot(snap)
}

// EvolveSchema adds a new current schema derived from the base's current one
type EvolveSchema struct {
	Changes []table.SchemaChange
}

func (c EvolveSchema) Apply(_ context.Context, _ floefs.Store, base *table.Metadata) (*table.Metadata, error) {
	b := table.NewMetadataBuilder(base)
	schema, lastColumnID, err := table.EvolveSchema(base.CurrentSchema(), base.LastColumnID, b.NextSchemaID(), c.Changes...)
	if err != nil {
		return nil, err
	}
	return b.AddSchema(schema, lastColumnID).SetCurrentSchema(schema.SchemaID).Build()
}

// SetProperties updates and removes table properties
type SetProperties struct {
	Updates  map[string]string
	Removals []string
}

func (c SetProperties) Apply(_ context.Context, _ floefs.Store, base *table.Metadata) (*table.Metadata, error) {
	if len(c.Updates) == 0 && len(c.Removals) == 0 {
		return nil, &icerr.ValidationError{Field: "properties", Message: "nothing to update"}
	}
	for _, k := range c.Removals {
		if _, ok := c.Updates[k]; ok {
			return nil, &icerr.ValidationError{Field: k, Message: "property is both removed and updated"}
		}
	}
	return table.NewMetadataBuilder(base).RemoveProperties(c.Removals...).SetProperties(c.Updates).Build()
}

// RollbackTo makes an ancestor of the current snapshot current again. The
// snapshots after it stay in the history but are no longer read.
type RollbackTo struct {
	SnapshotID int64
}

func (c RollbackTo) Apply(_ context.Context, _ floefs.Store, base *table.Metadata) (*table.Metadata, error) {
	if _, err := base.SnapshotByID(c.SnapshotID); err != nil {
		return nil, err
	}
	current := base.CurrentSnapshot()
	if current == nil || !base.IsAncestor(c.SnapshotID, current.SnapshotID) {
		var to int64
		if current != nil {
			to = current.SnapshotID
		}
		return nil, &icerr.InvalidRangeError{From: c.SnapshotID, To: to, Reason: "rollback target is not an ancestor of the current snapshot"}
	}
	if current.SnapshotID == c.SnapshotID {
		return nil, &icerr.ValidationError{Field: "snapshot_id", Message: fmt.Sprintf("snapshot %d is already current", c.SnapshotID)}
	}
	return table.NewMetadataBuilder(base).SetCurrentSnapshot(c.SnapshotID).Build()
}

// Committer runs the load, apply, commit loop against a catalog
type Committer struct {
	cat    catalog.Catalog
	store  floefs.Store
	policy RetryPolicy
	logger *log.Logger
}

// CommitterOption configures a Committer
type CommitterOption func(*Committer)

// WithRetryPolicy sets how conflicts are retried
func WithRetryPolicy(p RetryPolicy) CommitterOption {
	return func(c *Committer) { c.policy = p.normalized() }
}

// WithLogger sets the committer's logger
func WithLogger(l *log.Logger) CommitterOption {
	return func(c *Committer) { c.logger = l }
}

// NewCommitter creates a committer writing manifests to store and
// publishing through cat
func NewCommitter(cat catalog.Catalog, store floefs.Store, opts ...CommitterOption) *Committer {
	c := &Committer{
		cat:    cat,
		store:  store,
		policy: DefaultRetryPolicy(),
		logger: log.New(os.Stdout, "[Committer] ", log.LstdFlags|log.Lshortfile),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Policy returns the retry policy in effect
func (c *Committer) Policy() RetryPolicy {
	return c.policy
}

// Commit applies change to the current version of id and publishes it. On a
// commit conflict it reloads the table, asks rebase for the change to apply
// on the winning version, waits and tries again, up to the policy's attempt
// limit. Any other error ends the loop unchanged.
func (c *Committer) Commit(ctx context.Context, id catalog.Identifier, change Change, rebase RebaseFunc) (*catalog.Table, error) {
	if rebase == nil {
		rebase = ReapplyRebase
	}

	base, err := c.cat.LoadTable(ctx, id)
	if err != nil {
		return nil, err
	}

	var lastWait time.Duration
	for attempt := 1; ; attempt++ {
		next, err := change.Apply(ctx, c.store, base.Metadata)
		if err != nil {
			return nil, err
		}

		committed, err := c.cat.CommitTable(ctx, id, base.Version(), next)
		if err == nil {
			if op, ok := change.(interface{ Operation() table.Operation }); ok {
				metrics.SnapshotsCommittedTotal.WithLabelValues(c.cat.Name(), string(op.Operation())).Inc()
			}
			if attempt > 1 {
				c.logger.Printf("Committed %s version %d after %d attempts", id, committed.Version(), attempt)
			}
			return committed, nil
		}
		if !errors.Is(err, icerr.ErrCommitConflict) {
			return nil, err
		}
		if attempt >= c.policy.MaxAttempts {
			return nil, &RetryError{Err: err, Attempts: attempt, LastWait: lastWait}
		}

		metrics.CommitRetriesTotal.WithLabelValues(c.cat.Name()).Inc()
		wait := c.policy.Backoff(attempt)
		lastWait = wait
		c.logger.Printf("Commit conflict on %s at version %d (attempt %d/%d), retrying in %s",
			id, base.Version(), attempt, c.policy.MaxAttempts, wait)

		select {
		case <-ctx.Done():
			return nil, &RetryError{Err: ctx.Err(), Attempts: attempt, LastWait: lastWait}
		case <-time.After(wait):
		}

		fresh, err := c.cat.LoadTable(ctx, id)
		if err != nil {
			return nil, err
		}
		change, err = rebase(ctx, base.Metadata, fresh.Metadata, change)
		if err != nil {
			return nil, err
		}
		base = fresh
	}
}
