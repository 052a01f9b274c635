// Package fs defines the object-store contract used for metadata,
// manifests and data files. Backends live in the subpackages.
package fs

import (
	"context"
	"path"
	"strings"
)

// Store is a flat key/value blob store with atomic single-object puts and
// read-after-write consistency.
//
// Put creates or overwrites key atomically: readers observe either the old
// bytes or the new bytes, never a mix. Get returns an error matching
// icerr.ErrNotFound when key is absent; any other failure matches
// icerr.ErrStorageIO.
type Store interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
}

// Lister is implemented by stores that can enumerate keys under a prefix.
type Lister interface {
	List(ctx context.Context, prefix string) ([]string, error)
}

// Deleter is implemented by stores that can remove objects.
type Deleter interface {
	Delete(ctx context.Context, key string) error
}

// LocalPather is implemented by stores whose objects live on the local
// filesystem and can be handed to engines by path.
type LocalPather interface {
	LocalPath(key string) string
}

// Join builds an object key from parts, dropping empty parts and
// leading/trailing slashes.
func Join(parts ...string) string {
	clean := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.Trim(p, "/")
		if p != "" {
			clean = append(clean, p)
		}
	}
	return path.Join(clean...)
}

// NormalizeKey strips URI schemes and leading slashes so that
// "file:///warehouse/x", "s3://bucket/x" style locations and bare keys can be
// used interchangeably by backends that address objects relative to a root.
func NormalizeKey(key string) string {
	if i := strings.Index(key, "://"); i >= 0 {
		key = key[i+3:]
	}
	return strings.TrimLeft(path.Clean("/"+key), "/")
}
