package minio

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"strings"

	"github.com/minio/minio-go/v7"

	floefs "github.com/TFMV/floe/fs"
	"github.com/TFMV/floe/icerr"
)

// MinIOFileSystem stores objects in a bucket through the MinIO client
type MinIOFileSystem struct {
	client *minio.Client
	bucket string
	prefix string
	logger *log.Logger
}

var (
	_ floefs.Store   = (*MinIOFileSystem)(nil)
	_ floefs.Lister  = (*MinIOFileSystem)(nil)
	_ floefs.Deleter = (*MinIOFileSystem)(nil)
)

// NewMinIOFileSystem creates a store on a running embedded server
func NewMinIOFileSystem(minioServer *EmbeddedMinIO, bucket, prefix string) (*MinIOFileSystem, error) {
	if !minioServer.IsRunning() {
		return nil, &MinIOError{Op: "create_filesystem", Err: fmt.Errorf("MinIO server is not running")}
	}
	client := minioServer.GetClient()
	if client == nil {
		return nil, &MinIOError{Op: "create_filesystem", Err: fmt.Errorf("MinIO client is not available")}
	}
	if err := validateBucketName(bucket); err != nil {
		return nil, &MinIOError{Op: "validate_bucket", Err: err, Context: map[string]interface{}{"bucket": bucket}}
	}

	fs := NewFileSystemWithClient(client, bucket, prefix)
	if minioServer.config.Quiet {
		fs.logger.SetOutput(io.Discard)
	}
	return fs, nil
}

// NewFileSystemWithClient creates a store on an existing client, such as one
// pointed at an external MinIO deployment
func NewFileSystemWithClient(client *minio.Client, bucket, prefix string) *MinIOFileSystem {
	return &MinIOFileSystem{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		logger: log.New(os.Stdout, "[MinIO-FS] ", log.LstdFlags|log.Lshortfile),
	}
}

// Put uploads data as a single object; S3 PUTs replace objects atomically
func (fs *MinIOFileSystem) Put(ctx context.Context, key string, data []byte) error {
	objectName := fs.getObjectName(key)
	_, err := fs.client.PutObject(ctx, fs.bucket, objectName, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType(objectName),
	})
	if err != nil {
		fs.logger.Printf("put %s failed: %v", objectName, err)
		return &icerr.StorageError{Op: "put", Key: key, Err: err}
	}
	return nil
}

// Get downloads the whole object
func (fs *MinIOFileSystem) Get(ctx context.Context, key string) ([]byte, error) {
	objectName := fs.getObjectName(key)
	obj, err := fs.client.GetObject(ctx, fs.bucket, objectName, minio.GetObjectOptions{})
	if err != nil {
		return nil, fs.mapError("get", key, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fs.mapError("get", key, err)
	}
	return data, nil
}

// Delete removes an object; S3 deletes of absent keys succeed
func (fs *MinIOFileSystem) Delete(ctx context.Context, key string) error {
	if err := fs.client.RemoveObject(ctx, fs.bucket, fs.getObjectName(key), minio.RemoveObjectOptions{}); err != nil {
		return fs.mapError("delete", key, err)
	}
	return nil
}

// List returns keys under prefix, relative to the store prefix
func (fs *MinIOFileSystem) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	for obj := range fs.client.ListObjects(ctx, fs.bucket, minio.ListObjectsOptions{
		Prefix:    fs.getObjectName(prefix),
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, &icerr.StorageError{Op: "list", Key: prefix, Err: obj.Err}
		}
		key := obj.Key
		if fs.prefix != "" {
			key = strings.TrimPrefix(key, fs.prefix+"/")
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (fs *MinIOFileSystem) mapError(op, key string, err error) error {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchObject":
		return icerr.NotFound("object", key)
	}
	return &icerr.StorageError{Op: op, Key: key, Err: err}
}

func (fs *MinIOFileSystem) getObjectName(location string) string {
	name := floefs.NormalizeKey(location)
	if fs.prefix != "" {
		return floefs.Join(fs.prefix, name)
	}
	return name
}

func contentType(objectName string) string {
	switch {
	case strings.HasSuffix(objectName, ".json"):
		return "application/json"
	case strings.HasSuffix(objectName, ".avro"):
		return "application/avro"
	case strings.HasSuffix(objectName, ".parquet"):
		return "application/vnd.apache.parquet"
	default:
		return "application/octet-stream"
	}
}
