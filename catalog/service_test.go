package catalog_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TFMV/floe/catalog"
	"github.com/TFMV/floe/catalog/sqlite"
	"github.com/TFMV/floe/fs/memory"
	"github.com/TFMV/floe/icerr"
	"github.com/TFMV/floe/table"
)

func newService(t *testing.T) (*catalog.Service, *memory.MemoryFileSystem) {
	t.Helper()
	reg, err := sqlite.NewRegistry("svc-test", ":memory:")
	require.NoError(t, err)
	store := memory.NewMemoryFileSystem()
	svc := catalog.NewService(reg, store, catalog.ServiceOptions{
		WarehouseLocation: "mem://warehouse/",
		Logger:            catalog.QuietLogger(),
	})
	t.Cleanup(func() { svc.Close() })
	require.NoError(t, svc.CreateNamespace(context.Background(), "demo", nil))
	return svc, store
}

func demoSchema(t *testing.T) *table.Schema {
	t.Helper()
	schema, err := table.NewSchema(0,
		table.Field{ID: 1, Name: "user_id", Type: table.LongType, Required: true},
		table.Field{ID: 2, Name: "name", Type: table.StringType, Required: true},
		table.Field{ID: 3, Name: "email", Type: table.StringType},
		table.Field{ID: 4, Name: "score", Type: table.DoubleType},
	)
	require.NoError(t, err)
	return schema
}

func appendFile(t *testing.T, store *memory.MemoryFileSystem, meta *table.Metadata, path string) *table.Metadata {
	t.Helper()
	snap, err := table.BuildSnapshot(context.Background(), store, meta, table.OpAppend,
		[]table.DataFile{{Path: path, Format: table.FormatParquet, RecordCount: 1, SizeBytes: 100}}, nil)
	require.NoError(t, err)
	next, err := meta.CommitSnapshot(snap)
	require.NoError(t, err)
	return next
}

var users = catalog.Identifier{Namespace: "demo", Name: "users"}

func TestIdentifierParsing(t *testing.T) {
	id, err := catalog.ParseIdentifier("demo.users")
	require.NoError(t, err)
	assert.Equal(t, users, id)
	assert.Equal(t, "demo.users", id.String())

	for _, bad := range []string{"users", ".users", "demo.", "a.b.c", "a/b.c"} {
		_, err := catalog.ParseIdentifier(bad)
		assert.ErrorIs(t, err, icerr.ErrInvalidArgument, bad)
	}
}

func TestCreateAndLoadTable(t *testing.T) {
	ctx := context.Background()
	svc, store := newService(t)

	created, err := svc.CreateTable(ctx, users, demoSchema(t))
	require.NoError(t, err)
	assert.Equal(t, int64(0), created.Version())
	assert.Equal(t, "mem://warehouse/demo/users", created.Metadata.Location)
	assert.True(t, strings.HasPrefix(created.Entry.MetadataLocation, "mem://warehouse/demo/users/metadata/00000-"))

	_, err = store.Get(ctx, created.Entry.MetadataLocation)
	require.NoError(t, err, "metadata document is written before the entry")

	loaded, err := svc.LoadTable(ctx, users)
	require.NoError(t, err)
	assert.Equal(t, created.Entry.MetadataLocation, loaded.Entry.MetadataLocation)
	assert.Equal(t, created.Metadata.TableUUID, loaded.Metadata.TableUUID)
	assert.Equal(t, created.Metadata.CurrentSchema().Fields, loaded.Metadata.CurrentSchema().Fields)

	_, err = svc.CreateTable(ctx, users, demoSchema(t))
	assert.ErrorIs(t, err, icerr.ErrAlreadyExists)

	_, err = svc.CreateTable(ctx, catalog.Identifier{Namespace: "nope", Name: "t"}, demoSchema(t))
	assert.ErrorIs(t, err, icerr.ErrNotFound)

	_, err = svc.LoadTable(ctx, catalog.Identifier{Namespace: "demo", Name: "ghost"})
	assert.ErrorIs(t, err, icerr.ErrNotFound)
}

func TestCreateTableWithOptions(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)
	schema := demoSchema(t)

	spec, err := table.NewPartitionSpecBuilder(schema, 0).Add("user_id", "bucket[16]", "").Build()
	require.NoError(t, err)

	tbl, err := svc.CreateTable(ctx, users, schema,
		catalog.WithPartitionSpec(spec),
		catalog.WithProperties(map[string]string{"owner": "data"}),
		catalog.WithLocation("mem://elsewhere/users"))
	require.NoError(t, err)
	assert.Equal(t, "mem://elsewhere/users", tbl.Metadata.Location)
	assert.Equal(t, "data", tbl.Metadata.Properties["owner"])
	assert.False(t, tbl.Metadata.DefaultSpec().IsUnpartitioned())
}

func TestCommitAdvancesVersion(t *testing.T) {
	ctx := context.Background()
	svc, store := newService(t)

	base, err := svc.CreateTable(ctx, users, demoSchema(t))
	require.NoError(t, err)

	next := appendFile(t, store, base.Metadata, "mem://warehouse/demo/users/data/a.parquet")
	committed, err := svc.CommitTable(ctx, users, 0, next)
	require.NoError(t, err)
	assert.Equal(t, int64(1), committed.Version())
	assert.Equal(t, base.Entry.MetadataLocation, committed.Entry.PreviousMetadataLocation)

	loaded, err := svc.LoadTable(ctx, users)
	require.NoError(t, err)
	assert.Equal(t, int64(1), loaded.Version())
	require.NotNil(t, loaded.Metadata.CurrentSnapshot())
	require.Len(t, loaded.Metadata.MetadataLog, 1)
	assert.Equal(t, base.Entry.MetadataLocation, loaded.Metadata.MetadataLog[0].MetadataFile)
}

func TestCommitWithStaleBaseConflicts(t *testing.T) {
	ctx := context.Background()
	svc, store := newService(t)

	base, err := svc.CreateTable(ctx, users, demoSchema(t))
	require.NoError(t, err)

	_, err = svc.CommitTable(ctx, users, 0, appendFile(t, store, base.Metadata, "mem://w/a.parquet"))
	require.NoError(t, err)

	_, err = svc.CommitTable(ctx, users, 0, appendFile(t, store, base.Metadata, "mem://w/b.parquet"))
	require.ErrorIs(t, err, icerr.ErrCommitConflict)
	var conflict *icerr.CommitConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, int64(1), conflict.CurrentVersion)

	loaded, err := svc.LoadTable(ctx, users)
	require.NoError(t, err)
	files, err := table.CollectFiles(table.PlanScan(ctx, store, loaded.Metadata))
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "mem://w/a.parquet", files[0].Path)
}

func TestConcurrentCommitsHaveExactlyOneWinner(t *testing.T) {
	ctx := context.Background()
	svc, store := newService(t)

	base, err := svc.CreateTable(ctx, users, demoSchema(t))
	require.NoError(t, err)

	const writers = 6
	candidates := make([]*table.Metadata, writers)
	for i := range candidates {
		candidates[i] = appendFile(t, store, base.Metadata, fmt.Sprintf("mem://w/%d.parquet", i))
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		wins      int
		conflicts int
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(next *table.Metadata) {
			defer wg.Done()
			_, err := svc.CommitTable(ctx, users, 0, next)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				wins++
			} else if errors.Is(err, icerr.ErrCommitConflict) {
				conflicts++
			} else {
				t.Errorf("unexpected error: %v", err)
			}
		}(candidates[i])
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, writers-1, conflicts)

	loaded, err := svc.LoadTable(ctx, users)
	require.NoError(t, err)
	assert.Equal(t, int64(1), loaded.Version())
}

func TestCommitRejectsUnrelatedMetadata(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)

	_, err := svc.CreateTable(ctx, users, demoSchema(t))
	require.NoError(t, err)

	other, err := table.NewMetadata("mem://warehouse/demo/users", demoSchema(t), nil, nil)
	require.NoError(t, err)
	other.MetadataVersion = 1

	_, err = svc.CommitTable(ctx, users, 0, other)
	assert.ErrorIs(t, err, icerr.ErrInvalidArgument)

	_, err = svc.CommitTable(ctx, users, 0, nil)
	assert.ErrorIs(t, err, icerr.ErrInvalidArgument)
}

func TestFailedMetadataWriteLeavesTableUntouched(t *testing.T) {
	ctx := context.Background()
	svc, store := newService(t)

	base, err := svc.CreateTable(ctx, users, demoSchema(t))
	require.NoError(t, err)
	next := appendFile(t, store, base.Metadata, "mem://w/a.parquet")

	store.FailPuts(func(key string) error {
		if strings.HasSuffix(key, ".metadata.json") {
			return errors.New("disk full")
		}
		return nil
	})
	_, err = svc.CommitTable(ctx, users, 0, next)
	require.ErrorIs(t, err, icerr.ErrStorageIO)
	store.FailPuts(nil)

	loaded, err := svc.LoadTable(ctx, users)
	require.NoError(t, err)
	assert.Equal(t, int64(0), loaded.Version())
	assert.Equal(t, base.Entry.MetadataLocation, loaded.Entry.MetadataLocation)
}

// lostRaceRegistry loses every swap, as if another writer got there between
// the service's version check and its swap
type lostRaceRegistry struct {
	catalog.Registry
}

func (r lostRaceRegistry) SwapEntry(ctx context.Context, id catalog.Identifier, baseVersion int64, next catalog.Entry) error {
	return &icerr.CommitConflictError{Table: id.String(), BaseVersion: baseVersion, CurrentVersion: baseVersion + 1}
}

func TestLostSwapLeavesCallerMetadataUnchanged(t *testing.T) {
	ctx := context.Background()
	reg, err := sqlite.NewRegistry("svc-test", ":memory:")
	require.NoError(t, err)
	store := memory.NewMemoryFileSystem()
	svc := catalog.NewService(lostRaceRegistry{Registry: reg}, store, catalog.ServiceOptions{
		WarehouseLocation: "mem://warehouse/",
		Logger:            catalog.QuietLogger(),
	})
	t.Cleanup(func() { svc.Close() })
	require.NoError(t, svc.CreateNamespace(ctx, "demo", nil))

	base, err := svc.CreateTable(ctx, users, demoSchema(t))
	require.NoError(t, err)
	assert.Equal(t, base.Entry.MetadataLocation, base.Metadata.MetadataLocation)

	next := appendFile(t, store, base.Metadata, "mem://w/a.parquet")
	require.Empty(t, next.MetadataLocation)

	_, err = svc.CommitTable(ctx, users, 0, next)
	require.ErrorIs(t, err, icerr.ErrCommitConflict)
	assert.Empty(t, next.MetadataLocation, "a rejected document must not become the caller's location")
	assert.Equal(t, base.Entry.MetadataLocation, base.Metadata.MetadataLocation)

	retried, err := table.NewMetadataBuilder(next).Build()
	require.NoError(t, err)
	for _, entry := range retried.MetadataLog {
		assert.Equal(t, base.Entry.MetadataLocation, entry.MetadataFile)
	}
}

func TestTableRefresh(t *testing.T) {
	ctx := context.Background()
	svc, store := newService(t)

	stale, err := svc.CreateTable(ctx, users, demoSchema(t))
	require.NoError(t, err)
	_, err = svc.CommitTable(ctx, users, 0, appendFile(t, store, stale.Metadata, "mem://w/a.parquet"))
	require.NoError(t, err)

	require.NoError(t, stale.Refresh(ctx, svc))
	assert.Equal(t, int64(1), stale.Version())
	assert.NotNil(t, stale.Metadata.CurrentSnapshot())
}

func TestDropTableAndNamespace(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)

	_, err := svc.CreateTable(ctx, users, demoSchema(t))
	require.NoError(t, err)

	ids, err := svc.ListTables(ctx, "demo")
	require.NoError(t, err)
	assert.Equal(t, []catalog.Identifier{users}, ids)

	assert.ErrorIs(t, svc.DropNamespace(ctx, "demo"), icerr.ErrNamespaceNotEmpty)
	require.NoError(t, svc.DropTable(ctx, users))
	assert.ErrorIs(t, svc.DropTable(ctx, users), icerr.ErrNotFound)
	require.NoError(t, svc.DropNamespace(ctx, "demo"))
}

func TestApplyPropertyUpdates(t *testing.T) {
	props := map[string]string{"a": "1", "b": "2"}
	summary, err := catalog.ApplyPropertyUpdates(props, []string{"a", "z"}, map[string]string{"c": "3"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"b": "2", "c": "3"}, props)
	assert.Equal(t, []string{"a"}, summary.Removed)
	assert.Equal(t, []string{"z"}, summary.Missing)
	assert.Equal(t, []string{"c"}, summary.Updated)

	_, err = catalog.ApplyPropertyUpdates(props, []string{"b"}, map[string]string{"b": "x"})
	assert.ErrorIs(t, err, icerr.ErrInvalidArgument)
}
