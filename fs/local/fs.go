package local

import (
	"context"
	"errors"
	"fmt"
	iofs "io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	floefs "github.com/TFMV/floe/fs"
	"github.com/TFMV/floe/icerr"
	"github.com/google/uuid"
)

// FileSystem is an object store rooted at a local directory
type FileSystem struct {
	basePath string
}

var (
	_ floefs.Store       = (*FileSystem)(nil)
	_ floefs.Lister      = (*FileSystem)(nil)
	_ floefs.Deleter     = (*FileSystem)(nil)
	_ floefs.LocalPather = (*FileSystem)(nil)
)

// NewFileSystem creates a new local filesystem store
func NewFileSystem(basePath string) *FileSystem {
	return &FileSystem{
		basePath: basePath,
	}
}

// EnsureDir creates a directory if it doesn't exist
func EnsureDir(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	return nil
}

// Root returns the directory objects are stored under
func (fs *FileSystem) Root() string {
	return fs.basePath
}

// Put writes data to a temporary sibling and renames it over the target,
// so concurrent readers never observe a partially written object.
func (fs *FileSystem) Put(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	target := fs.LocalPath(key)
	if err := EnsureDir(filepath.Dir(target)); err != nil {
		return &icerr.StorageError{Op: "put", Key: key, Err: err}
	}

	tempFile := fmt.Sprintf("%s.%s.tmp", target, uuid.NewString())
	defer os.Remove(tempFile)

	file, err := os.OpenFile(tempFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return &icerr.StorageError{Op: "put", Key: key, Err: err}
	}

	if _, err := file.Write(data); err != nil {
		file.Close()
		return &icerr.StorageError{Op: "put", Key: key, Err: err}
	}

	if err := file.Sync(); err != nil {
		file.Close()
		return &icerr.StorageError{Op: "put", Key: key, Err: err}
	}

	if err := file.Close(); err != nil {
		return &icerr.StorageError{Op: "put", Key: key, Err: err}
	}

	if err := os.Rename(tempFile, target); err != nil {
		return &icerr.StorageError{Op: "put", Key: key, Err: err}
	}

	return nil
}

// Get reads the whole object
func (fs *FileSystem) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(fs.LocalPath(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, icerr.NotFound("object", key)
		}
		return nil, &icerr.StorageError{Op: "get", Key: key, Err: err}
	}
	return data, nil
}

// Delete removes an object. Removing a missing object is not an error.
func (fs *FileSystem) Delete(ctx context.Context, key string) error {
	if err := os.Remove(fs.LocalPath(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return &icerr.StorageError{Op: "delete", Key: key, Err: err}
	}
	return nil
}

// List returns the keys under prefix in lexical order
func (fs *FileSystem) List(ctx context.Context, prefix string) ([]string, error) {
	root := filepath.Clean(fs.basePath)
	var keys []string

	err := filepath.WalkDir(root, func(path string, d iofs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasSuffix(path, ".tmp") {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, floefs.NormalizeKey(prefix)) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, &icerr.StorageError{Op: "list", Key: prefix, Err: err}
	}

	sort.Strings(keys)
	return keys, nil
}

// LocalPath converts an object key to a path under the base directory
func (fs *FileSystem) LocalPath(key string) string {
	if strings.HasPrefix(key, "file://") {
		path := strings.TrimPrefix(key, "file://")
		if filepath.IsAbs(path) {
			return path
		}
		key = path
	}
	return filepath.Join(fs.basePath, filepath.FromSlash(floefs.NormalizeKey(key)))
}
