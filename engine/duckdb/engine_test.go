package duckdb

import (
	"bytes"
	"context"
	"io"
	"log"
	"testing"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TFMV/floe/catalog"
	"github.com/TFMV/floe/catalog/sqlite"
	floefs "github.com/TFMV/floe/fs"
	"github.com/TFMV/floe/fs/local"
	"github.com/TFMV/floe/fs/memory"
	"github.com/TFMV/floe/icerr"
	"github.com/TFMV/floe/table"
	"github.com/TFMV/floe/tableops"
)

var users = catalog.Identifier{Namespace: "demo", Name: "users"}

type fixture struct {
	svc       *catalog.Service
	store     floefs.Store
	writer    *tableops.DataFileWriter
	committer *tableops.Committer
}

func newFixture(t *testing.T, store floefs.Store, warehouse string) *fixture {
	t.Helper()
	ctx := context.Background()
	quiet := log.New(io.Discard, "", 0)

	reg, err := sqlite.NewRegistry("engine-test", ":memory:")
	require.NoError(t, err)
	svc := catalog.NewService(reg, store, catalog.ServiceOptions{WarehouseLocation: warehouse, Logger: quiet})
	t.Cleanup(func() { svc.Close() })

	schema, err := table.NewSchema(0,
		table.Field{ID: 1, Name: "user_id", Type: table.LongType, Required: true},
		table.Field{ID: 2, Name: "name", Type: table.StringType, Required: true},
		table.Field{ID: 3, Name: "email", Type: table.StringType},
		table.Field{ID: 4, Name: "score", Type: table.DoubleType},
	)
	require.NoError(t, err)
	require.NoError(t, svc.CreateNamespace(ctx, "demo", nil))
	_, err = svc.CreateTable(ctx, users, schema)
	require.NoError(t, err)

	w := tableops.NewDataFileWriter(store)
	w.SetLogger(quiet)
	return &fixture{
		svc:       svc,
		store:     store,
		writer:    w,
		committer: tableops.NewCommitter(svc, store, tableops.WithLogger(quiet)),
	}
}

func (f *fixture) appendRows(t *testing.T, rows ...table.Row) *catalog.Table {
	t.Helper()
	ctx := context.Background()
	tbl, err := f.svc.LoadTable(ctx, users)
	require.NoError(t, err)
	df, err := f.writer.WriteRows(ctx, tbl.Metadata, rows)
	require.NoError(t, err)
	tbl, err = f.committer.Commit(ctx, users, tableops.AppendFiles{Files: []table.DataFile{df}}, nil)
	require.NoError(t, err)
	return tbl
}

func newEngine(t *testing.T, f *fixture) *Engine {
	t.Helper()
	e, err := NewEngine(f.svc, f.store)
	require.NoError(t, err)
	e.SetLogger(log.New(io.Discard, "", 0))
	t.Cleanup(func() { e.Close() })
	return e
}

func scalar(t *testing.T, e *Engine, query string) any {
	t.Helper()
	res, err := e.ExecuteQuery(context.Background(), query)
	require.NoError(t, err)
	require.Equal(t, int64(1), res.RowCount)
	return res.Rows[0][0]
}

func TestBasicQueries(t *testing.T) {
	e := newEngine(t, newFixture(t, memory.NewMemoryFileSystem(), "mem://warehouse"))

	res, err := e.ExecuteQuery(context.Background(), "SELECT 1 AS test_column, 'hello' AS message")
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.RowCount)
	assert.Equal(t, []string{"test_column", "message"}, res.Columns)
	assert.NotEmpty(t, res.QueryID)

	_, err = e.ExecuteQuery(context.Background(), "SELECT * FROM nowhere")
	assert.Error(t, err)
	assert.Equal(t, int64(1), e.GetMetrics().ErrorCount)
	assert.Equal(t, int64(2), e.GetMetrics().QueriesExecuted)
}

func TestRegisterTableFromMemoryStore(t *testing.T) {
	f := newFixture(t, memory.NewMemoryFileSystem(), "mem://warehouse")
	f.appendRows(t,
		table.Row{1: int64(1), 2: "alice", 3: "alice@example.com", 4: 92.0},
		table.Row{1: int64(2), 2: "bob", 4: 71.5},
	)
	f.appendRows(t, table.Row{1: int64(3), 2: "carol"})

	e := newEngine(t, f)
	require.NoError(t, e.RegisterTable(context.Background(), users))

	assert.EqualValues(t, 3, scalar(t, e, `SELECT count(*) FROM "demo_users"`))
	assert.EqualValues(t, 3, scalar(t, e, `SELECT count(*) FROM users`))
	assert.EqualValues(t, 1, scalar(t, e, `SELECT count(email) FROM users`))
	assert.Equal(t, int64(2), e.GetMetrics().FilesMaterialized)

	tables, err := e.ListTables(context.Background())
	require.NoError(t, err)
	assert.Contains(t, tables, "demo_users")
	assert.Contains(t, tables, "users")
}

func TestRegisterTableAtSnapshot(t *testing.T) {
	f := newFixture(t, memory.NewMemoryFileSystem(), "mem://warehouse")
	first := f.appendRows(t, table.Row{1: int64(1), 2: "alice"})
	f.appendRows(t, table.Row{1: int64(2), 2: "bob"}, table.Row{1: int64(3), 2: "carol"})

	e := newEngine(t, f)
	ctx := context.Background()

	require.NoError(t, e.RegisterTable(ctx, users, table.WithSnapshotID(first.Metadata.CurrentSnapshot().SnapshotID)))
	assert.EqualValues(t, 1, scalar(t, e, `SELECT count(*) FROM users`))

	require.NoError(t, e.RegisterTable(ctx, users))
	assert.EqualValues(t, 3, scalar(t, e, `SELECT count(*) FROM users`))
}

func TestRegisterTableAfterSchemaEvolution(t *testing.T) {
	f := newFixture(t, memory.NewMemoryFileSystem(), "mem://warehouse")
	ctx := context.Background()
	f.appendRows(t, table.Row{1: int64(1), 2: "alice"})

	_, err := f.committer.Commit(ctx, users, tableops.EvolveSchema{Changes: []table.SchemaChange{
		table.AddField{Name: "created_at", Type: table.TimestampType},
	}}, nil)
	require.NoError(t, err)

	e := newEngine(t, f)
	require.NoError(t, e.RegisterTable(ctx, users))
	assert.EqualValues(t, 0, scalar(t, e, `SELECT count(created_at) FROM users`))

	f.appendRows(t, table.Row{1: int64(2), 2: "bob", 5: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)})
	require.NoError(t, e.RegisterTable(ctx, users))
	assert.EqualValues(t, 2, scalar(t, e, `SELECT count(*) FROM users`))
	assert.EqualValues(t, 1, scalar(t, e, `SELECT count(created_at) FROM users`))
}

func TestRenamedColumnKeepsOldData(t *testing.T) {
	f := newFixture(t, memory.NewMemoryFileSystem(), "mem://warehouse")
	ctx := context.Background()
	f.appendRows(t,
		table.Row{1: int64(1), 2: "alice", 3: "alice@example.com"},
		table.Row{1: int64(2), 2: "bob", 3: "bob@example.com"},
	)

	_, err := f.committer.Commit(ctx, users, tableops.EvolveSchema{Changes: []table.SchemaChange{
		table.RenameField{From: "email", To: "contact"},
	}}, nil)
	require.NoError(t, err)
	f.appendRows(t, table.Row{1: int64(3), 2: "carol", 3: "carol@example.com"})

	e := newEngine(t, f)
	require.NoError(t, e.RegisterTable(ctx, users))
	assert.EqualValues(t, 3, scalar(t, e, `SELECT count(contact) FROM users`))
	assert.Equal(t, "alice@example.com", scalar(t, e, `SELECT contact FROM users WHERE user_id = 1`))
}

func TestReaddedNameDoesNotResurfaceDroppedData(t *testing.T) {
	f := newFixture(t, memory.NewMemoryFileSystem(), "mem://warehouse")
	ctx := context.Background()
	f.appendRows(t, table.Row{1: int64(1), 2: "alice", 3: "alice@example.com"})

	_, err := f.committer.Commit(ctx, users, tableops.EvolveSchema{Changes: []table.SchemaChange{
		table.DropField{Name: "email"},
		table.AddField{Name: "email", Type: table.StringType},
	}}, nil)
	require.NoError(t, err)

	e := newEngine(t, f)
	require.NoError(t, e.RegisterTable(ctx, users))
	assert.EqualValues(t, 1, scalar(t, e, `SELECT count(*) FROM users`))
	assert.EqualValues(t, 0, scalar(t, e, `SELECT count(email) FROM users`))
}

func TestFileWithoutFieldIDsIsMatchedByName(t *testing.T) {
	f := newFixture(t, memory.NewMemoryFileSystem(), "mem://warehouse")
	ctx := context.Background()
	f.appendRows(t, table.Row{1: int64(1), 2: "alice", 4: 92.0})

	type copiedRow struct {
		UserID int64  `parquet:"user_id"`
		Name   string `parquet:"name"`
	}
	var buf bytes.Buffer
	require.NoError(t, parquet.Write(&buf, []copiedRow{{UserID: 2, Name: "bob"}}))

	tbl, err := f.svc.LoadTable(ctx, users)
	require.NoError(t, err)
	path := tbl.Metadata.Location + "/data/copied.parquet"
	require.NoError(t, f.store.Put(ctx, path, buf.Bytes()))
	_, err = f.committer.Commit(ctx, users, tableops.AppendFiles{Files: []table.DataFile{{
		Path:        path,
		Format:      table.FormatParquet,
		RecordCount: 1,
		SizeBytes:   int64(buf.Len()),
	}}}, nil)
	require.NoError(t, err)

	e := newEngine(t, f)
	require.NoError(t, e.RegisterTable(ctx, users))
	assert.EqualValues(t, 2, scalar(t, e, `SELECT count(*) FROM users`))
	assert.Equal(t, "bob", scalar(t, e, `SELECT name FROM users WHERE user_id = 2`))
	assert.EqualValues(t, 1, scalar(t, e, `SELECT count(score) FROM users`))
}

func TestRegisterEmptyTable(t *testing.T) {
	f := newFixture(t, memory.NewMemoryFileSystem(), "mem://warehouse")
	e := newEngine(t, f)

	require.NoError(t, e.RegisterTable(context.Background(), users))
	assert.EqualValues(t, 0, scalar(t, e, `SELECT count(*) FROM users`))

	desc, err := e.DescribeTable(context.Background(), "users")
	require.NoError(t, err)
	assert.Equal(t, int64(4), desc.RowCount)
}

func TestRegisterTableFromLocalStore(t *testing.T) {
	root := t.TempDir()
	f := newFixture(t, local.NewFileSystem(root), "file://"+root)
	f.appendRows(t, table.Row{1: int64(1), 2: "alice"}, table.Row{1: int64(2), 2: "bob"})

	e := newEngine(t, f)
	require.NoError(t, e.RegisterTable(context.Background(), users))
	assert.EqualValues(t, 2, scalar(t, e, `SELECT count(*) FROM users`))
	assert.Equal(t, int64(0), e.GetMetrics().FilesMaterialized)
}

func TestEngineErrors(t *testing.T) {
	f := newFixture(t, memory.NewMemoryFileSystem(), "mem://warehouse")

	_, err := NewEngine(nil, f.store)
	assert.ErrorIs(t, err, icerr.ErrInvalidArgument)

	e := newEngine(t, f)
	err = e.RegisterTable(context.Background(), catalog.Identifier{Namespace: "demo", Name: "ghost"})
	assert.ErrorIs(t, err, icerr.ErrNotFound)

	require.NoError(t, e.Close())
	require.NoError(t, e.Close())
	_, err = e.ExecuteQuery(context.Background(), "SELECT 1")
	assert.ErrorIs(t, err, icerr.ErrInvalidArgument)
}

func TestSQLType(t *testing.T) {
	assert.Equal(t, "BIGINT", sqlType(table.LongType))
	assert.Equal(t, "TIMESTAMPTZ", sqlType(table.TimestampTzType))
	assert.Equal(t, "DECIMAL(10,2)", sqlType(table.DecimalType{Precision: 10, Scale: 2}))
	assert.Equal(t, `"a""b"`, quoteName(`a"b`))
	assert.Equal(t, "demo_users", identifierToTableName(users))
}
