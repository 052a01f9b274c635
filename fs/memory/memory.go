package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	floefs "github.com/TFMV/floe/fs"
	"github.com/TFMV/floe/icerr"
)

// MemoryFileSystem implements an in-memory object store for testing and CI
type MemoryFileSystem struct {
	files map[string]*memoryFile
	mu    sync.RWMutex

	// failPut, when set, makes the next Put calls fail; used to exercise
	// storage failure paths.
	failPut func(key string) error
}

var (
	_ floefs.Store   = (*MemoryFileSystem)(nil)
	_ floefs.Lister  = (*MemoryFileSystem)(nil)
	_ floefs.Deleter = (*MemoryFileSystem)(nil)
)

// memoryFile represents an object stored in memory
type memoryFile struct {
	data    []byte
	modTime time.Time
}

// NewMemoryFileSystem creates a new in-memory object store
func NewMemoryFileSystem() *MemoryFileSystem {
	return &MemoryFileSystem{
		files: make(map[string]*memoryFile),
	}
}

// Put stores a private copy of data under key
func (mfs *MemoryFileSystem) Put(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	cleanKey := floefs.NormalizeKey(key)

	mfs.mu.Lock()
	defer mfs.mu.Unlock()

	if mfs.failPut != nil {
		if err := mfs.failPut(cleanKey); err != nil {
			return &icerr.StorageError{Op: "put", Key: key, Err: err}
		}
	}

	buf := make([]byte, len(data))
	copy(buf, data)
	mfs.files[cleanKey] = &memoryFile{data: buf, modTime: time.Now()}
	return nil
}

// Get returns a copy of the object
func (mfs *MemoryFileSystem) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	mfs.mu.RLock()
	defer mfs.mu.RUnlock()

	file, exists := mfs.files[floefs.NormalizeKey(key)]
	if !exists {
		return nil, icerr.NotFound("object", key)
	}

	buf := make([]byte, len(file.data))
	copy(buf, file.data)
	return buf, nil
}

// Delete removes an object if present
func (mfs *MemoryFileSystem) Delete(ctx context.Context, key string) error {
	mfs.mu.Lock()
	defer mfs.mu.Unlock()

	delete(mfs.files, floefs.NormalizeKey(key))
	return nil
}

// List returns the keys under prefix in lexical order
func (mfs *MemoryFileSystem) List(ctx context.Context, prefix string) ([]string, error) {
	mfs.mu.RLock()
	defer mfs.mu.RUnlock()

	cleanPrefix := floefs.NormalizeKey(prefix)
	var keys []string
	for key := range mfs.files {
		if strings.HasPrefix(key, cleanPrefix) {
			keys = append(keys, key)
		}
	}

	sort.Strings(keys)
	return keys, nil
}

// Len returns the number of stored objects
func (mfs *MemoryFileSystem) Len() int {
	mfs.mu.RLock()
	defer mfs.mu.RUnlock()
	return len(mfs.files)
}

// Clear removes all objects
func (mfs *MemoryFileSystem) Clear() {
	mfs.mu.Lock()
	defer mfs.mu.Unlock()

	mfs.files = make(map[string]*memoryFile)
}

// FailPuts installs a hook consulted by every Put; a non-nil result aborts
// the write with a storage error. Pass nil to remove the hook.
func (mfs *MemoryFileSystem) FailPuts(hook func(key string) error) {
	mfs.mu.Lock()
	defer mfs.mu.Unlock()
	mfs.failPut = hook
}
