package s3

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TFMV/floe/icerr"
)

func newFakeStorage(t *testing.T, prefix string) *Storage {
	t.Helper()

	backend := s3mem.New()
	require.NoError(t, backend.CreateBucket("warehouse"))
	server := httptest.NewServer(gofakes3.New(backend).Server())
	t.Cleanup(server.Close)

	store, err := New(context.Background(), Options{
		Bucket:          "warehouse",
		Prefix:          prefix,
		Region:          "us-east-1",
		Endpoint:        server.URL,
		AccessKeyID:     "test",
		SecretAccessKey: "test",
		PathStyle:       true,
	})
	require.NoError(t, err)
	return store
}

func TestNewRequiresBucket(t *testing.T) {
	_, err := New(context.Background(), Options{})
	assert.ErrorIs(t, err, icerr.ErrInvalidArgument)
}

func TestPutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newFakeStorage(t, "floe")

	require.NoError(t, store.Put(ctx, "s3://warehouse/demo/t/metadata/00000.metadata.json", []byte("{}")))

	data, err := store.Get(ctx, "s3://warehouse/demo/t/metadata/00000.metadata.json")
	require.NoError(t, err)
	assert.Equal(t, "{}", string(data))
}

func TestGetMissingIsNotFound(t *testing.T) {
	store := newFakeStorage(t, "")

	_, err := store.Get(context.Background(), "nope.json")
	assert.ErrorIs(t, err, icerr.ErrNotFound)
}

func TestListAndDelete(t *testing.T) {
	ctx := context.Background()
	store := newFakeStorage(t, "root")

	for _, key := range []string{"t/data/2.parquet", "t/data/1.parquet", "t/metadata/v.json"} {
		require.NoError(t, store.Put(ctx, key, []byte(key)))
	}

	keys, err := store.List(ctx, "t/data")
	require.NoError(t, err)
	assert.Equal(t, []string{"t/data/1.parquet", "t/data/2.parquet"}, keys)

	require.NoError(t, store.Delete(ctx, "t/data/1.parquet"))
	keys, err = store.List(ctx, "t")
	require.NoError(t, err)
	assert.Equal(t, []string{"t/data/2.parquet", "t/metadata/v.json"}, keys)
}
