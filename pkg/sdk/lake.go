// Package sdk opens a floe lake from configuration: the object store, the
// catalog on top of it and a committer ready for table changes.
package sdk

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/TFMV/floe/catalog"
	jsoncat "github.com/TFMV/floe/catalog/json"
	"github.com/TFMV/floe/catalog/rest"
	"github.com/TFMV/floe/catalog/sqlite"
	"github.com/TFMV/floe/config"
	"github.com/TFMV/floe/engine/duckdb"
	floefs "github.com/TFMV/floe/fs"
	"github.com/TFMV/floe/fs/local"
	"github.com/TFMV/floe/fs/memory"
	"github.com/TFMV/floe/fs/minio"
	"github.com/TFMV/floe/fs/s3"
	"github.com/TFMV/floe/icerr"
	"github.com/TFMV/floe/importer"
	"github.com/TFMV/floe/tableops"
)

// Lake is an opened project
type Lake struct {
	Config    *config.Config
	Catalog   catalog.Catalog
	Store     floefs.Store
	Committer *tableops.Committer
	Warehouse string

	logger  *log.Logger
	closers []func() error
}

// Option configures Open
type Option func(*openOptions)

type openOptions struct {
	logger *log.Logger
}

// WithLogger sets the logger handed to the catalog and committer
func WithLogger(l *log.Logger) Option {
	return func(o *openOptions) { o.logger = l }
}

// Quiet discards component logs
func Quiet() Option {
	return WithLogger(log.New(io.Discard, "", 0))
}

// Open builds the store and catalog cfg describes
func Open(ctx context.Context, cfg *config.Config, opts ...Option) (*Lake, error) {
	if cfg == nil {
		return nil, &icerr.ValidationError{Field: "config", Message: "configuration is required"}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := openOptions{}
	for _, opt := range opts {
		opt(&o)
	}

	lake := &Lake{Config: cfg, logger: o.logger}
	if lake.logger == nil {
		lake.logger = log.New(os.Stdout, "[Lake] ", log.LstdFlags|log.Lshortfile)
	}

	store, warehouse, closeStore, err := OpenStore(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}
	lake.Store = store
	lake.Warehouse = warehouse
	if closeStore != nil {
		lake.closers = append(lake.closers, closeStore)
	}

	cat, err := OpenCatalog(cfg, store, warehouse, o.logger)
	if err != nil {
		lake.Close()
		return nil, err
	}
	lake.Catalog = cat
	lake.closers = append(lake.closers, cat.Close)

	committerOpts := []tableops.CommitterOption{tableops.WithRetryPolicy(RetryPolicy(cfg.Commit))}
	if o.logger != nil {
		committerOpts = append(committerOpts, tableops.WithLogger(o.logger))
	}
	lake.Committer = tableops.NewCommitter(cat, store, committerOpts...)
	return lake, nil
}

// OpenStore returns the object store, the warehouse location tables are
// created under, and an optional closer
func OpenStore(ctx context.Context, cfg config.StorageConfig) (floefs.Store, string, func() error, error) {
	switch cfg.Type {
	case "fs":
		root, err := filepath.Abs(cfg.FileSystem.RootPath)
		if err != nil {
			return nil, "", nil, fmt.Errorf("resolve storage root: %w", err)
		}
		if err := local.EnsureDir(root); err != nil {
			return nil, "", nil, &icerr.StorageError{Op: "init", Key: root, Err: err}
		}
		return local.NewFileSystem(root), "file://" + filepath.ToSlash(root), nil, nil

	case "memory":
		return memory.NewMemoryFileSystem(), "mem://warehouse", nil, nil

	case "minio":
		mc := cfg.MinIO
		if mc.Endpoint == "" {
			server, err := minio.NewEmbeddedMinIO(&minio.EmbeddedMinIOConfig{
				AccessKey:     orDefault(mc.AccessKey, minio.DefaultAccessKey),
				SecretKey:     orDefault(mc.SecretKey, minio.DefaultSecretKey),
				Region:        orDefault(mc.Region, minio.DefaultRegion),
				DefaultBucket: mc.Bucket,
				Quiet:         true,
			})
			if err != nil {
				return nil, "", nil, err
			}
			if err := server.Start(ctx); err != nil {
				return nil, "", nil, err
			}
			store, err := minio.NewMinIOFileSystem(server, mc.Bucket, mc.Prefix)
			if err != nil {
				server.Stop(ctx)
				return nil, "", nil, err
			}
			return store, "s3://" + mc.Bucket, func() error { return server.Stop(context.Background()) }, nil
		}

		client, err := minio.NewClient(mc.Endpoint, mc.AccessKey, mc.SecretKey, mc.Region, mc.Secure)
		if err != nil {
			return nil, "", nil, err
		}
		if err := minio.EnsureClientBucket(ctx, client, mc.Bucket, mc.Region); err != nil {
			return nil, "", nil, err
		}
		return minio.NewFileSystemWithClient(client, mc.Bucket, mc.Prefix), "s3://" + mc.Bucket, nil, nil

	case "s3":
		sc := cfg.S3
		store, err := s3.New(ctx, s3.Options{
			Bucket:          sc.Bucket,
			Prefix:          sc.Prefix,
			Region:          sc.Region,
			Endpoint:        sc.Endpoint,
			AccessKeyID:     sc.AccessKeyID,
			SecretAccessKey: sc.SecretAccessKey,
			PathStyle:       sc.PathStyle,
		})
		if err != nil {
			return nil, "", nil, err
		}
		return store, "s3://" + sc.Bucket, nil, nil
	}
	return nil, "", nil, &icerr.ValidationError{Field: "storage.type", Message: fmt.Sprintf("unsupported storage type %q", cfg.Type)}
}

// OpenCatalog builds the catalog for cfg. Local catalog types wrap a
// registry in a catalog.Service over store; the rest type talks to a
// remote service that owns metadata writes.
func OpenCatalog(cfg *config.Config, store floefs.Store, warehouse string, logger *log.Logger) (catalog.Catalog, error) {
	name := cfg.Name
	if name == "" {
		name = "default"
	}

	var reg catalog.Registry
	switch cfg.Catalog.Type {
	case "sqlite":
		r, err := sqlite.NewRegistry(name, cfg.Catalog.SQLite.Path)
		if err != nil {
			return nil, err
		}
		reg = r
	case "json":
		r, err := jsoncat.NewRegistry(jsoncat.Options{
			Name:      name,
			URI:       cfg.Catalog.JSON.URI,
			Warehouse: cfg.Catalog.JSON.Warehouse,
			Logger:    logger,
		})
		if err != nil {
			return nil, err
		}
		reg = r
	case "rest":
		rc := cfg.Catalog.REST
		return rest.NewClient(rc.URI, rest.ClientOptions{Name: name, Timeout: rc.Timeout, Token: rc.Token})
	default:
		return nil, &icerr.ValidationError{Field: "catalog.type", Message: fmt.Sprintf("unsupported catalog type %q", cfg.Catalog.Type)}
	}

	return catalog.NewService(reg, store, catalog.ServiceOptions{
		WarehouseLocation: warehouse,
		Logger:            logger,
	}), nil
}

// RetryPolicy overlays the configured commit settings on the defaults
func RetryPolicy(cfg config.CommitConfig) tableops.RetryPolicy {
	p := tableops.DefaultRetryPolicy()
	if cfg.MaxAttempts > 0 {
		p.MaxAttempts = cfg.MaxAttempts
	}
	if cfg.InitialInterval > 0 {
		p.InitialInterval = cfg.InitialInterval
	}
	if cfg.MaxInterval > 0 {
		p.MaxInterval = cfg.MaxInterval
	}
	if cfg.Multiplier >= 1 {
		p.Multiplier = cfg.Multiplier
	}
	if cfg.Jitter != nil {
		p.Jitter = *cfg.Jitter
	}
	return p
}

// Importers returns an importer factory that commits through the lake
func (l *Lake) Importers() *importer.ImporterFactory {
	return importer.NewImporterFactory(l.Catalog, l.Store, importer.Options{
		Logger: l.logger,
		Retry:  l.Committer.Policy(),
	})
}

// DataFileWriter returns a parquet writer on the lake's store
func (l *Lake) DataFileWriter() *tableops.DataFileWriter {
	w := tableops.NewDataFileWriter(l.Store)
	w.SetLogger(l.logger)
	return w
}

// Engine opens a DuckDB engine over the lake. Callers close it.
func (l *Lake) Engine(maxRows int64, timeout time.Duration) (*duckdb.Engine, error) {
	cfg := duckdb.DefaultEngineConfig()
	if maxRows > 0 {
		cfg.MaxRows = maxRows
	}
	if timeout > 0 {
		cfg.QueryTimeoutSec = int(timeout / time.Second)
	}
	e, err := duckdb.NewEngineWithConfig(l.Catalog, l.Store, cfg)
	if err != nil {
		return nil, err
	}
	e.SetLogger(l.logger)
	return e, nil
}

// Close releases the catalog and store in reverse order of opening
func (l *Lake) Close() error {
	var errs []error
	for i := len(l.closers) - 1; i >= 0; i-- {
		if err := l.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	l.closers = nil
	return errors.Join(errs...)
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
