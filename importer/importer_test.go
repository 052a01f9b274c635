package importer

import (
	"context"
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"

	"github.com/hamba/avro/v2/ocf"
	"github.com/parquet-go/parquet-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TFMV/floe/catalog"
	"github.com/TFMV/floe/catalog/sqlite"
	"github.com/TFMV/floe/fs/memory"
	"github.com/TFMV/floe/icerr"
	"github.com/TFMV/floe/table"
)

var users = catalog.Identifier{Namespace: "demo", Name: "users"}

func newCatalog(t *testing.T) (*catalog.Service, *memory.MemoryFileSystem) {
	t.Helper()
	reg, err := sqlite.NewRegistry("import-test", ":memory:")
	require.NoError(t, err)
	store := memory.NewMemoryFileSystem()
	svc := catalog.NewService(reg, store, catalog.ServiceOptions{
		WarehouseLocation: "mem://warehouse",
		Logger:            catalog.QuietLogger(),
	})
	t.Cleanup(func() { svc.Close() })
	return svc, store
}

func quiet() Options {
	return Options{Logger: log.New(io.Discard, "", 0)}
}

func strPtr(s string) *string { return &s }
func f64Ptr(f float64) *float64 { return &f }

type userRow struct {
	UserID int64    `parquet:"user_id"`
	Name   string   `parquet:"name"`
	Email  *string  `parquet:"email,optional"`
	Score  *float64 `parquet:"score,optional"`
}

func writeParquet(t *testing.T, rows []userRow) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "users.parquet")
	require.NoError(t, parquet.WriteFile(path, rows))
	return path
}

var sampleUsers = []userRow{
	{UserID: 1, Name: "alice", Email: strPtr("alice@example.com"), Score: f64Ptr(92)},
	{UserID: 2, Name: "bob", Score: f64Ptr(71.5)},
	{UserID: 3, Name: "carol", Email: strPtr("carol@example.com")},
}

const usersAvroSchema = `{
	"type": "record",
	"name": "User",
	"fields": [
		{"name": "user_id", "type": "long"},
		{"name": "name", "type": "string"},
		{"name": "email", "type": ["null", "string"], "default": null},
		{"name": "score", "type": ["null", "double"], "default": null},
		{"name": "region", "type": "string"}
	]
}`

type avroUser struct {
	UserID int64    `avro:"user_id"`
	Name   string   `avro:"name"`
	Email  *string  `avro:"email"`
	Score  *float64 `avro:"score"`
	Region string   `avro:"region"`
}

func writeAvro(t *testing.T, rows []avroUser) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "users.avro")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	enc, err := ocf.NewEncoder(usersAvroSchema, f, ocf.WithCodec(ocf.Deflate))
	require.NoError(t, err)
	for _, r := range rows {
		require.NoError(t, enc.Encode(r))
	}
	require.NoError(t, enc.Close())
	return path
}

var sampleAvroUsers = []avroUser{
	{UserID: 1, Name: "alice", Email: strPtr("alice@example.com"), Score: f64Ptr(92), Region: "eu"},
	{UserID: 2, Name: "bob", Score: f64Ptr(71.5), Region: "us"},
	{UserID: 3, Name: "carol", Email: strPtr("carol@example.com"), Region: "eu"},
	{UserID: 4, Name: "dave", Region: "us"},
}

func liveFiles(t *testing.T, svc *catalog.Service, id catalog.Identifier) []table.DataFile {
	t.Helper()
	ctx := context.Background()
	tbl, err := svc.LoadTable(ctx, id)
	require.NoError(t, err)
	files, err := table.CollectFiles(table.PlanScan(ctx, svc.Store(), tbl.Metadata))
	require.NoError(t, err)
	return files
}

func TestFactory(t *testing.T) {
	svc, store := newCatalog(t)
	f := NewImporterFactory(svc, store, quiet())

	typ, err := f.DetectFileType("/data/Users.PARQUET")
	require.NoError(t, err)
	assert.Equal(t, ImporterTypeParquet, typ)

	imp, typ, err := f.CreateImporter("users.avro")
	require.NoError(t, err)
	assert.Equal(t, ImporterTypeAvro, typ)
	assert.IsType(t, &AvroImporter{}, imp)

	_, _, err = f.CreateImporter("users.csv")
	assert.ErrorIs(t, err, icerr.ErrInvalidArgument)

	_, err = f.CreateImporterByType("orc")
	assert.ErrorIs(t, err, icerr.ErrInvalidArgument)

	assert.Equal(t, []string{".parquet", ".avro"}, f.GetSupportedFormats())
}
