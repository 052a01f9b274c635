package sdk

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TFMV/floe/catalog"
	"github.com/TFMV/floe/catalog/rest"
	"github.com/TFMV/floe/config"
	"github.com/TFMV/floe/fs/local"
	"github.com/TFMV/floe/fs/minio"
	"github.com/TFMV/floe/icerr"
	"github.com/TFMV/floe/table"
	"github.com/TFMV/floe/tableops"
)

var users = catalog.Identifier{Namespace: "demo", Name: "users"}

func TestOpenDefaultProject(t *testing.T) {
	root := t.TempDir()
	ctx := context.Background()

	lake, err := Open(ctx, config.Default("proj", root), Quiet())
	require.NoError(t, err)
	defer lake.Close()

	assert.IsType(t, &local.FileSystem{}, lake.Store)
	assert.IsType(t, &catalog.Service{}, lake.Catalog)
	assert.Equal(t, "file://"+filepath.ToSlash(filepath.Join(root, ".floe", "data")), lake.Warehouse)

	require.NoError(t, lake.Catalog.CreateNamespace(ctx, "demo", nil))
	tbl, err := lake.Catalog.CreateTable(ctx, users, DemoSchema())
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(root, ".floe", "catalog", "catalog.db"))
	assert.NoError(t, err)
	_, err = os.Stat(local.NewFileSystem(root).LocalPath(tbl.Entry.MetadataLocation))
	assert.NoError(t, err)
}

func TestOpenJSONCatalogReopens(t *testing.T) {
	root := t.TempDir()
	ctx := context.Background()
	cfg := config.Default("proj", root)
	cfg.Catalog = config.CatalogConfig{Type: "json", JSON: &config.JSONConfig{URI: filepath.Join(root, "catalog.json")}}

	lake, err := Open(ctx, cfg, Quiet())
	require.NoError(t, err)
	require.NoError(t, lake.Catalog.CreateNamespace(ctx, "demo", nil))
	_, err = lake.Catalog.CreateTable(ctx, users, DemoSchema())
	require.NoError(t, err)
	require.NoError(t, lake.Close())

	again, err := Open(ctx, cfg, Quiet())
	require.NoError(t, err)
	defer again.Close()
	tbl, err := again.Catalog.LoadTable(ctx, users)
	require.NoError(t, err)
	assert.Equal(t, int64(0), tbl.Version())
}

func TestOpenEmbeddedMinIO(t *testing.T) {
	ctx := context.Background()
	cfg := &config.Config{
		Name:    "minio",
		Catalog: config.CatalogConfig{Type: "sqlite", SQLite: &config.SQLiteConfig{Path: ":memory:"}},
		Storage: config.StorageConfig{Type: "minio", MinIO: &config.MinIOConfig{Bucket: "floe-test"}},
	}

	lake, err := Open(ctx, cfg, Quiet())
	require.NoError(t, err)
	defer lake.Close()
	assert.IsType(t, &minio.MinIOFileSystem{}, lake.Store)

	require.NoError(t, lake.Catalog.CreateNamespace(ctx, "demo", nil))
	_, err = lake.Catalog.CreateTable(ctx, users, DemoSchema())
	require.NoError(t, err)

	w := lake.DataFileWriter()
	tbl, err := lake.Catalog.LoadTable(ctx, users)
	require.NoError(t, err)
	df, err := w.WriteRows(ctx, tbl.Metadata, []table.Row{{1: int64(1), 2: "alice"}})
	require.NoError(t, err)
	tbl, err = lake.Committer.Commit(ctx, users, tableops.AppendFiles{Files: []table.DataFile{df}}, nil)
	require.NoError(t, err)

	files, err := table.CollectFiles(table.PlanScan(ctx, lake.Store, tbl.Metadata))
	require.NoError(t, err)
	assert.Len(t, files, 1)
}

func TestOpenRESTCatalog(t *testing.T) {
	cfg := &config.Config{
		Name:    "remote",
		Catalog: config.CatalogConfig{Type: "rest", REST: &config.RESTConfig{URI: "http://localhost:8181", Timeout: time.Second}},
		Storage: config.StorageConfig{Type: "memory"},
	}
	lake, err := Open(context.Background(), cfg, Quiet())
	require.NoError(t, err)
	defer lake.Close()
	assert.IsType(t, &rest.Client{}, lake.Catalog)
}

func TestOpenRejectsInvalidConfig(t *testing.T) {
	_, err := Open(context.Background(), nil)
	assert.ErrorIs(t, err, icerr.ErrInvalidArgument)

	cfg := config.Default("bad", t.TempDir())
	cfg.Storage.Type = "tape"
	_, err = Open(context.Background(), cfg)
	assert.ErrorIs(t, err, icerr.ErrInvalidArgument)
}

func TestRetryPolicyFromConfig(t *testing.T) {
	def := tableops.DefaultRetryPolicy()
	assert.Equal(t, def, RetryPolicy(config.CommitConfig{}))

	off := false
	p := RetryPolicy(config.CommitConfig{MaxAttempts: 9, InitialInterval: time.Millisecond, Multiplier: 3, Jitter: &off})
	assert.Equal(t, 9, p.MaxAttempts)
	assert.Equal(t, time.Millisecond, p.InitialInterval)
	assert.Equal(t, def.MaxInterval, p.MaxInterval)
	assert.Equal(t, 3.0, p.Multiplier)
	assert.False(t, p.Jitter)
}
