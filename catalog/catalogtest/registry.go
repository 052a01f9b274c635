// Package catalogtest holds a behavioural test suite every catalog.Registry
// implementation runs against itself.
package catalogtest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TFMV/floe/catalog"
	"github.com/TFMV/floe/icerr"
)

// NewEntry builds an entry at version for tests
func NewEntry(id catalog.Identifier, version int64) catalog.Entry {
	now := time.Now().UTC().Truncate(time.Second)
	return catalog.Entry{
		Identifier:       id,
		MetadataLocation: fmt.Sprintf("mem://warehouse/%s/%s/metadata/%05d.metadata.json", id.Namespace, id.Name, version),
		MetadataVersion:  version,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// RunRegistryTests exercises namespaces, entries and the compare-and-swap.
// newRegistry must return an empty registry.
func RunRegistryTests(t *testing.T, newRegistry func(t *testing.T) catalog.Registry) {
	t.Run("Namespaces", func(t *testing.T) {
		ctx := context.Background()
		reg := newRegistry(t)

		require.NoError(t, reg.CreateNamespace(ctx, "demo", map[string]string{"owner": "data"}))
		require.NoError(t, reg.CreateNamespace(ctx, "empty", nil))

		err := reg.CreateNamespace(ctx, "demo", nil)
		assert.ErrorIs(t, err, icerr.ErrAlreadyExists)

		namespaces, err := reg.ListNamespaces(ctx)
		require.NoError(t, err)
		require.Len(t, namespaces, 2)
		assert.Equal(t, "demo", namespaces[0].Name)
		assert.Equal(t, "empty", namespaces[1].Name)

		ns, err := reg.LoadNamespace(ctx, "demo")
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"owner": "data"}, ns.Properties)

		_, err = reg.LoadNamespace(ctx, "missing")
		assert.ErrorIs(t, err, icerr.ErrNotFound)

		summary, err := reg.UpdateNamespaceProperties(ctx, "demo", []string{"owner", "nope"}, map[string]string{"team": "core"})
		require.NoError(t, err)
		assert.Equal(t, []string{"owner"}, summary.Removed)
		assert.Equal(t, []string{"nope"}, summary.Missing)
		assert.Equal(t, []string{"team"}, summary.Updated)

		ns, err = reg.LoadNamespace(ctx, "demo")
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"team": "core"}, ns.Properties)

		_, err = reg.UpdateNamespaceProperties(ctx, "missing", nil, map[string]string{"a": "b"})
		assert.ErrorIs(t, err, icerr.ErrNotFound)

		require.NoError(t, reg.DropNamespace(ctx, "empty"))
		assert.ErrorIs(t, reg.DropNamespace(ctx, "empty"), icerr.ErrNotFound)
	})

	t.Run("Entries", func(t *testing.T) {
		ctx := context.Background()
		reg := newRegistry(t)
		require.NoError(t, reg.CreateNamespace(ctx, "demo", nil))

		users := catalog.Identifier{Namespace: "demo", Name: "users"}
		orders := catalog.Identifier{Namespace: "demo", Name: "orders"}

		err := reg.RegisterTable(ctx, NewEntry(catalog.Identifier{Namespace: "nope", Name: "t"}, 0))
		assert.ErrorIs(t, err, icerr.ErrNotFound)

		require.NoError(t, reg.RegisterTable(ctx, NewEntry(users, 0)))
		require.NoError(t, reg.RegisterTable(ctx, NewEntry(orders, 0)))
		assert.ErrorIs(t, reg.RegisterTable(ctx, NewEntry(users, 0)), icerr.ErrAlreadyExists)

		entry, err := reg.GetEntry(ctx, users)
		require.NoError(t, err)
		assert.Equal(t, users, entry.Identifier)
		assert.Equal(t, int64(0), entry.MetadataVersion)
		assert.Equal(t, NewEntry(users, 0).MetadataLocation, entry.MetadataLocation)

		entries, err := reg.ListEntries(ctx, "demo")
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, "orders", entries[0].Identifier.Name)
		assert.Equal(t, "users", entries[1].Identifier.Name)

		_, err = reg.ListEntries(ctx, "missing")
		assert.ErrorIs(t, err, icerr.ErrNotFound)

		err = reg.DropNamespace(ctx, "demo")
		assert.ErrorIs(t, err, icerr.ErrNamespaceNotEmpty)

		require.NoError(t, reg.DeleteEntry(ctx, orders))
		assert.ErrorIs(t, reg.DeleteEntry(ctx, orders), icerr.ErrNotFound)
		_, err = reg.GetEntry(ctx, orders)
		assert.ErrorIs(t, err, icerr.ErrNotFound)
	})

	t.Run("SwapEntry", func(t *testing.T) {
		ctx := context.Background()
		reg := newRegistry(t)
		require.NoError(t, reg.CreateNamespace(ctx, "demo", nil))

		id := catalog.Identifier{Namespace: "demo", Name: "users"}
		require.NoError(t, reg.RegisterTable(ctx, NewEntry(id, 0)))

		next := NewEntry(id, 1)
		next.PreviousMetadataLocation = NewEntry(id, 0).MetadataLocation
		require.NoError(t, reg.SwapEntry(ctx, id, 0, next))

		entry, err := reg.GetEntry(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, int64(1), entry.MetadataVersion)
		assert.Equal(t, next.MetadataLocation, entry.MetadataLocation)
		assert.Equal(t, next.PreviousMetadataLocation, entry.PreviousMetadataLocation)

		// A stale base loses and learns the winning version.
		err = reg.SwapEntry(ctx, id, 0, NewEntry(id, 1))
		require.ErrorIs(t, err, icerr.ErrCommitConflict)
		var conflict *icerr.CommitConflictError
		require.ErrorAs(t, err, &conflict)
		assert.Equal(t, int64(0), conflict.BaseVersion)
		assert.Equal(t, int64(1), conflict.CurrentVersion)

		err = reg.SwapEntry(ctx, catalog.Identifier{Namespace: "demo", Name: "ghost"}, 0, NewEntry(id, 1))
		assert.ErrorIs(t, err, icerr.ErrNotFound)
	})

	t.Run("ConcurrentSwapHasOneWinner", func(t *testing.T) {
		reg := newRegistry(t)
		ConcurrentSwapHasOneWinner(t, 1, reg, reg, reg, reg, reg, reg, reg, reg)
	})
}

// ConcurrentSwapHasOneWinner races every handle on the same base version for
// the given number of rounds. The handles must share backing storage. Each
// round must end with exactly one winner and the rest conflicting.
func ConcurrentSwapHasOneWinner(t *testing.T, rounds int, regs ...catalog.Registry) {
	t.Helper()
	ctx := context.Background()
	require.NotEmpty(t, regs)
	require.NoError(t, regs[0].CreateNamespace(ctx, "demo", nil))

	id := catalog.Identifier{Namespace: "demo", Name: "users"}
	require.NoError(t, regs[0].RegisterTable(ctx, NewEntry(id, 0)))

	for round := 0; round < rounds; round++ {
		base := int64(round)
		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			wins      int
			conflicts int
		)
		for i, reg := range regs {
			wg.Add(1)
			go func(i int, reg catalog.Registry) {
				defer wg.Done()
				next := NewEntry(id, base+1)
				next.MetadataLocation = fmt.Sprintf("%s.%d", next.MetadataLocation, i)
				err := reg.SwapEntry(ctx, id, base, next)

				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					wins++
				case assert.ErrorIs(t, err, icerr.ErrCommitConflict):
					conflicts++
				}
			}(i, reg)
		}
		wg.Wait()

		require.Equal(t, 1, wins, "round %d", round)
		require.Equal(t, len(regs)-1, conflicts, "round %d", round)

		for _, reg := range regs {
			entry, err := reg.GetEntry(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, base+1, entry.MetadataVersion)
		}
	}
}
