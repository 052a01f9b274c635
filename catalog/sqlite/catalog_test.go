package sqlite

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TFMV/floe/catalog"
	"github.com/TFMV/floe/catalog/catalogtest"
	"github.com/TFMV/floe/icerr"
)

func createTestRegistry(t *testing.T) catalog.Registry {
	t.Helper()
	reg, err := NewRegistry("test-catalog", filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })
	return reg
}

func TestRegistryConformance(t *testing.T) {
	catalogtest.RunRegistryTests(t, createTestRegistry)
}

func TestNewRegistry(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "catalog.db")
	reg, err := NewRegistry("test-catalog", dbPath)
	require.NoError(t, err)
	defer reg.Close()

	assert.Equal(t, "test-catalog", reg.Name())
	assert.Equal(t, dbPath, reg.Path())

	_, err = os.Stat(dbPath)
	assert.NoError(t, err, "database file was not created")
}

func TestNewRegistryMissingPath(t *testing.T) {
	_, err := NewRegistry("test-catalog", "")
	assert.ErrorIs(t, err, icerr.ErrInvalidArgument)
}

func TestInMemoryRegistry(t *testing.T) {
	reg, err := NewRegistry("mem", ":memory:")
	require.NoError(t, err)
	defer reg.Close()

	ctx := context.Background()
	require.NoError(t, reg.CreateNamespace(ctx, "demo", nil))
	_, err = reg.LoadNamespace(ctx, "demo")
	assert.NoError(t, err)
}

func TestEntriesSurviveReopen(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "catalog.db")
	id := catalog.Identifier{Namespace: "demo", Name: "users"}

	reg, err := NewRegistry("test-catalog", dbPath)
	require.NoError(t, err)
	require.NoError(t, reg.CreateNamespace(ctx, "demo", nil))
	require.NoError(t, reg.RegisterTable(ctx, catalogtest.NewEntry(id, 0)))
	require.NoError(t, reg.SwapEntry(ctx, id, 0, catalogtest.NewEntry(id, 1)))
	require.NoError(t, reg.Close())

	reopened, err := NewRegistry("test-catalog", dbPath)
	require.NoError(t, err)
	defer reopened.Close()

	entry, err := reopened.GetEntry(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(1), entry.MetadataVersion)
}

func TestCatalogNamesAreIsolated(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "catalog.db")

	a, err := NewRegistry("a", dbPath)
	require.NoError(t, err)
	defer a.Close()
	b, err := NewRegistry("b", dbPath)
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, a.CreateNamespace(ctx, "demo", nil))
	_, err = b.LoadNamespace(ctx, "demo")
	assert.ErrorIs(t, err, icerr.ErrNotFound)
}

func TestReservedPropertyRejected(t *testing.T) {
	ctx := context.Background()
	reg := createTestRegistry(t)
	require.NoError(t, reg.CreateNamespace(ctx, "demo", nil))

	_, err := reg.UpdateNamespaceProperties(ctx, "demo", []string{existsKey}, nil)
	assert.ErrorIs(t, err, icerr.ErrInvalidArgument)
}
