package rest

import (
	"context"
	"io"
	"log"
	"net/http"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TFMV/floe/catalog"
	"github.com/TFMV/floe/catalog/sqlite"
	"github.com/TFMV/floe/fs/memory"
	"github.com/TFMV/floe/icerr"
	"github.com/TFMV/floe/metrics"
	"github.com/TFMV/floe/table"
)

// appTransport sends client requests straight into a fiber app
type appTransport struct {
	app *fiber.App
}

func (t appTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	return t.app.Test(req, -1)
}

type testEnv struct {
	store  *memory.MemoryFileSystem
	server *Server
	client *Client
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	reg, err := sqlite.NewRegistry("rest-test", ":memory:")
	require.NoError(t, err)

	store := memory.NewMemoryFileSystem()
	quiet := log.New(io.Discard, "", 0)
	svc := catalog.NewService(reg, store, catalog.ServiceOptions{WarehouseLocation: "mem://warehouse", Logger: quiet})
	t.Cleanup(func() { svc.Close() })

	server := NewServer(svc, ServerOptions{Store: store, Logger: quiet, Gatherer: metrics.NewRegistry()})
	client, err := NewClient("http://catalog.test", ClientOptions{
		Name:       "remote",
		HTTPClient: &http.Client{Transport: appTransport{app: server.App()}},
	})
	require.NoError(t, err)

	return &testEnv{store: store, server: server, client: client}
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

func TestNamespaceRoutes(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	c := env.client

	require.NoError(t, c.CreateNamespace(ctx, "demo", map[string]string{"owner": "data"}))
	assert.ErrorIs(t, c.CreateNamespace(ctx, "demo", nil), icerr.ErrAlreadyExists)

	namespaces, err := c.ListNamespaces(ctx)
	require.NoError(t, err)
	require.Len(t, namespaces, 1)
	assert.Equal(t, "demo", namespaces[0].Name)

	ns, err := c.LoadNamespace(ctx, "demo")
	require.NoError(t, err)
	assert.Equal(t, "data", ns.Properties["owner"])

	_, err = c.LoadNamespace(ctx, "missing")
	assert.ErrorIs(t, err, icerr.ErrNotFound)

	summary, err := c.UpdateNamespaceProperties(ctx, "demo", []string{"owner"}, map[string]string{"team": "core"})
	require.NoError(t, err)
	assert.Equal(t, []string{"owner"}, summary.Removed)
	assert.Equal(t, []string{"team"}, summary.Updated)

	require.NoError(t, c.DropNamespace(ctx, "demo"))
	_, err = c.LoadNamespace(ctx, "demo")
	assert.ErrorIs(t, err, icerr.ErrNotFound)
}

func TestTableRoundTripOverTheWire(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	c := env.client
	require.NoError(t, c.CreateNamespace(ctx, "demo", nil))

	id := catalog.Identifier{Namespace: "demo", Name: "users"}
	created, err := c.CreateTable(ctx, id, demoSchema(t), catalog.WithProperties(map[string]string{"format": "parquet"}))
	require.NoError(t, err)
	assert.Equal(t, int64(0), created.Version())
	assert.Equal(t, "mem://warehouse/demo/users", created.Metadata.Location)

	_, err = c.CreateTable(ctx, id, demoSchema(t))
	assert.ErrorIs(t, err, icerr.ErrAlreadyExists)

	loaded, err := c.LoadTable(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, created.Entry.MetadataLocation, loaded.Entry.MetadataLocation)
	assert.Equal(t, created.Metadata.TableUUID, loaded.Metadata.TableUUID)
	assert.Equal(t, loaded.Entry.MetadataLocation, loaded.Metadata.MetadataLocation)
	assert.Equal(t, "parquet", loaded.Metadata.Properties["format"])

	ids, err := c.ListTables(ctx, "demo")
	require.NoError(t, err)
	assert.Equal(t, []catalog.Identifier{id}, ids)

	assert.ErrorIs(t, c.DropNamespace(ctx, "demo"), icerr.ErrNamespaceNotEmpty)

	require.NoError(t, c.DropTable(ctx, id))
	_, err = c.LoadTable(ctx, id)
	assert.ErrorIs(t, err, icerr.ErrNotFound)
}

func TestCommitConflictCarriesCurrentVersion(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	c := env.client
	require.NoError(t, c.CreateNamespace(ctx, "demo", nil))

	id := catalog.Identifier{Namespace: "demo", Name: "users"}
	base, err := c.CreateTable(ctx, id, demoSchema(t))
	require.NoError(t, err)

	appendOne := func(meta *table.Metadata, path string) *table.Metadata {
		snap, err := table.BuildSnapshot(ctx, env.store, meta, table.OpAppend,
			[]table.DataFile{{Path: path, Format: table.FormatParquet, RecordCount: 1, SizeBytes: 100}}, nil)
		require.NoError(t, err)
		next, err := meta.CommitSnapshot(snap)
		require.NoError(t, err)
		return next
	}

	committed, err := c.CommitTable(ctx, id, base.Version(), appendOne(base.Metadata, "mem://warehouse/demo/users/data/a.parquet"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), committed.Version())

	_, err = c.CommitTable(ctx, id, base.Version(), appendOne(base.Metadata, "mem://warehouse/demo/users/data/b.parquet"))
	require.ErrorIs(t, err, icerr.ErrCommitConflict)
	var conflict *icerr.CommitConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, int64(0), conflict.BaseVersion)
	assert.Equal(t, int64(1), conflict.CurrentVersion)

	snapshots, err := c.ListSnapshots(ctx, id)
	require.NoError(t, err)
	require.Len(t, snapshots, 1)
	assert.Equal(t, table.OpAppend, snapshots[0].Operation)

	files, err := c.ListDataFiles(ctx, id, nil)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "mem://warehouse/demo/users/data/a.parquet", files[0].Path)

	missing := int64(42)
	_, err = c.ListDataFiles(ctx, id, &missing)
	assert.ErrorIs(t, err, icerr.ErrNotFound)
}

func TestErrorBodyShape(t *testing.T) {
	env := newTestEnv(t)

	req, err := http.NewRequest(http.MethodGet, "/namespaces/nope/tables/t", nil)
	require.NoError(t, err)
	resp, err := env.server.App().Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"error":"table \"nope.t\" not found","type":"NotFound","code":404}`, string(body))
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t)

	for _, path := range []string{"/health", "/metrics"} {
		req, err := http.NewRequest(http.MethodGet, path, nil)
		require.NoError(t, err)
		resp, err := env.server.App().Test(req, -1)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{icerr.NotFound("table", "x"), http.StatusNotFound},
		{icerr.AlreadyExists("table", "x"), http.StatusConflict},
		{&icerr.CommitConflictError{}, http.StatusConflict},
		{&icerr.NamespaceNotEmptyError{}, http.StatusConflict},
		{&icerr.SchemaError{}, http.StatusBadRequest},
		{&icerr.InvalidRangeError{}, http.StatusBadRequest},
		{&icerr.ValidationError{}, http.StatusBadRequest},
		{&icerr.StorageError{Err: io.ErrUnexpectedEOF}, http.StatusBadGateway},
		{io.EOF, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, StatusFor(tt.err), "%v", tt.err)
	}
}

func TestAPIErrorMatchesSentinel(t *testing.T) {
	err := decodeError(http.StatusBadRequest, ErrorResponse{Type: "InvalidRange", Error: "bad"}, "demo.users", 0)
	assert.ErrorIs(t, err, icerr.ErrInvalidRange)
	assert.NotErrorIs(t, err, icerr.ErrSchema)

	err = decodeError(http.StatusNotFound, ErrorResponse{}, "", 0)
	assert.ErrorIs(t, err, icerr.ErrNotFound)
}
