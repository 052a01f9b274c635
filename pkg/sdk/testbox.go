package sdk

import (
	"context"
	"io"
	"log"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/TFMV/floe/catalog"
	"github.com/TFMV/floe/config"
	"github.com/TFMV/floe/engine/duckdb"
	"github.com/TFMV/floe/fs/memory"
	"github.com/TFMV/floe/table"
	"github.com/TFMV/floe/tableops"
)

// DemoSchema is the users table used by `floe init --demo` and the tests
func DemoSchema() *table.Schema {
	s, err := table.NewSchema(0,
		table.Field{ID: 1, Name: "user_id", Type: table.LongType, Required: true},
		table.Field{ID: 2, Name: "name", Type: table.StringType, Required: true},
		table.Field{ID: 3, Name: "email", Type: table.StringType},
		table.Field{ID: 4, Name: "score", Type: table.DoubleType},
	)
	if err != nil {
		panic(err)
	}
	return s
}

// TestBox is an ephemeral lake for tests: an in-memory sqlite catalog over
// an in-memory object store
type TestBox struct {
	*Lake
	t      *testing.T
	memory *memory.MemoryFileSystem
	writer *tableops.DataFileWriter
}

// TestBoxOption configures a TestBox
type TestBoxOption func(*config.Config)

// WithName sets the catalog name
func WithName(name string) TestBoxOption {
	return func(c *config.Config) { c.Name = name }
}

// WithRetry sets the commit retry settings
func WithRetry(rc config.CommitConfig) TestBoxOption {
	return func(c *config.Config) { c.Commit = rc }
}

// NewTestBox opens a quiet lake that is closed when the test ends
func NewTestBox(t *testing.T, opts ...TestBoxOption) *TestBox {
	t.Helper()

	cfg := &config.Config{
		Name:    "testbox",
		Catalog: config.CatalogConfig{Type: "sqlite", SQLite: &config.SQLiteConfig{Path: ":memory:"}},
		Storage: config.StorageConfig{Type: "memory"},
	}
	for _, opt := range opts {
		opt(cfg)
	}

	lake, err := Open(context.Background(), cfg, Quiet())
	require.NoError(t, err)
	t.Cleanup(func() { lake.Close() })

	mem, _ := lake.Store.(*memory.MemoryFileSystem)
	return &TestBox{Lake: lake, t: t, memory: mem, writer: lake.DataFileWriter()}
}

// MemoryFS returns the backing store
func (tb *TestBox) MemoryFS() *memory.MemoryFileSystem {
	return tb.memory
}

// CreateNamespace creates ns or fails the test
func (tb *TestBox) CreateNamespace(ns string, props map[string]string) {
	tb.t.Helper()
	require.NoError(tb.t, tb.Catalog.CreateNamespace(context.Background(), ns, props))
}

// CreateTable creates ns.name with schema, defaulting to DemoSchema, and
// creates the namespace when needed
func (tb *TestBox) CreateTable(ns, name string, schema *table.Schema, opts ...catalog.CreateTableOpt) *catalog.Table {
	tb.t.Helper()
	ctx := context.Background()
	if schema == nil {
		schema = DemoSchema()
	}
	if _, err := tb.Catalog.LoadNamespace(ctx, ns); err != nil {
		tb.CreateNamespace(ns, nil)
	}
	tbl, err := tb.Catalog.CreateTable(ctx, catalog.Identifier{Namespace: ns, Name: name}, schema, opts...)
	require.NoError(tb.t, err)
	return tbl
}

// AppendRows writes rows as one parquet file and commits it
func (tb *TestBox) AppendRows(id catalog.Identifier, rows ...table.Row) *catalog.Table {
	tb.t.Helper()
	ctx := context.Background()
	tbl, err := tb.Catalog.LoadTable(ctx, id)
	require.NoError(tb.t, err)
	df, err := tb.writer.WriteRows(ctx, tbl.Metadata, rows)
	require.NoError(tb.t, err)
	tbl, err = tb.Committer.Commit(ctx, id, tableops.AppendFiles{Files: []table.DataFile{df}}, nil)
	require.NoError(tb.t, err)
	return tbl
}

// Commit applies change with the default rebase or fails the test
func (tb *TestBox) Commit(id catalog.Identifier, change tableops.Change) *catalog.Table {
	tb.t.Helper()
	tbl, err := tb.Committer.Commit(context.Background(), id, change, nil)
	require.NoError(tb.t, err)
	return tbl
}

// Engine opens a DuckDB engine closed with the test
func (tb *TestBox) Engine() *duckdb.Engine {
	tb.t.Helper()
	e, err := tb.Lake.Engine(0, 0)
	require.NoError(tb.t, err)
	e.SetLogger(log.New(io.Discard, "", 0))
	tb.t.Cleanup(func() { e.Close() })
	return e
}
