package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TFMV/floe/icerr"
)

func TestNewMemoryFileSystem(t *testing.T) {
	mfs := NewMemoryFileSystem()
	assert.NotNil(t, mfs)
	assert.NotNil(t, mfs.files)
	assert.Equal(t, 0, mfs.Len())
}

func TestMemoryFileSystemPutAndGet(t *testing.T) {
	ctx := context.Background()
	mfs := NewMemoryFileSystem()

	testData := []byte("Hello, World!")
	require.NoError(t, mfs.Put(ctx, "/test/file.txt", testData))

	readData, err := mfs.Get(ctx, "test/file.txt")
	require.NoError(t, err)
	assert.Equal(t, testData, readData)
}

func TestMemoryFileSystemCopiesData(t *testing.T) {
	ctx := context.Background()
	mfs := NewMemoryFileSystem()

	data := []byte("abc")
	require.NoError(t, mfs.Put(ctx, "k", data))
	data[0] = 'z'

	got, err := mfs.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(got))

	got[1] = 'z'
	again, err := mfs.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(again))
}

func TestMemoryFileSystemNotFound(t *testing.T) {
	mfs := NewMemoryFileSystem()

	_, err := mfs.Get(context.Background(), "/nonexistent.txt")
	require.Error(t, err)
	assert.ErrorIs(t, err, icerr.ErrNotFound)
}

func TestMemoryFileSystemListAndDelete(t *testing.T) {
	ctx := context.Background()
	mfs := NewMemoryFileSystem()

	for _, key := range []string{"t/b", "t/a", "u/c"} {
		require.NoError(t, mfs.Put(ctx, key, []byte(key)))
	}

	keys, err := mfs.List(ctx, "t/")
	require.NoError(t, err)
	assert.Equal(t, []string{"t/a", "t/b"}, keys)

	require.NoError(t, mfs.Delete(ctx, "t/a"))
	keys, err = mfs.List(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"t/b", "u/c"}, keys)

	mfs.Clear()
	assert.Equal(t, 0, mfs.Len())
}

func TestMemoryFileSystemFailPuts(t *testing.T) {
	ctx := context.Background()
	mfs := NewMemoryFileSystem()

	mfs.FailPuts(func(key string) error {
		if strings.HasSuffix(key, ".json") {
			return errors.New("disk full")
		}
		return nil
	})

	err := mfs.Put(ctx, "meta/v1.json", []byte("{}"))
	require.Error(t, err)
	assert.ErrorIs(t, err, icerr.ErrStorageIO)

	require.NoError(t, mfs.Put(ctx, "data/a.parquet", []byte("x")))

	mfs.FailPuts(nil)
	require.NoError(t, mfs.Put(ctx, "meta/v1.json", []byte("{}")))
}

func TestMemoryFileSystemConcurrentAccess(t *testing.T) {
	ctx := context.Background()
	mfs := NewMemoryFileSystem()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("k/%d", i)
			assert.NoError(t, mfs.Put(ctx, key, []byte(key)))
			data, err := mfs.Get(ctx, key)
			assert.NoError(t, err)
			assert.Equal(t, key, string(data))
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 50, mfs.Len())
}

func TestMemoryFileSystemCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	mfs := NewMemoryFileSystem()
	assert.ErrorIs(t, mfs.Put(ctx, "k", nil), context.Canceled)
}
