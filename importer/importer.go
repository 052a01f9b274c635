// Package importer loads external parquet and avro files into floe tables.
// Parquet files are registered as data files as they are; avro records are
// rewritten as parquet.
package importer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/TFMV/floe/catalog"
	floefs "github.com/TFMV/floe/fs"
	"github.com/TFMV/floe/icerr"
	"github.com/TFMV/floe/table"
	"github.com/TFMV/floe/tableops"
)

// FileStats describes a source file
type FileStats struct {
	RecordCount int64 `json:"record_count"`
	FileSize    int64 `json:"file_size"`
	ColumnCount int   `json:"column_count"`
}

// ImportRequest contains all parameters for importing a file
type ImportRequest struct {
	Path  string
	Table catalog.Identifier
	// Overwrite replaces the table's live files instead of appending
	Overwrite bool
	// PartitionBy is used when the table has to be created
	PartitionBy []string
	// Properties are added to the snapshot summary
	Properties map[string]string
}

// ImportResult describes the committed import
type ImportResult struct {
	Table         catalog.Identifier
	Created       bool
	RecordCount   int64
	DataSize      int64
	DataFiles     []string
	TableLocation string
	SnapshotID    int64
	Version       int64
}

// Importer loads one file format
type Importer interface {
	// InferSchema reads a file and infers its schema
	InferSchema(ctx context.Context, path string) (*table.Schema, *FileStats, error)

	// ImportTable loads a file into a table, creating the table from the
	// inferred schema when it does not exist
	ImportTable(ctx context.Context, req ImportRequest) (*ImportResult, error)
}

// Options configures importers
type Options struct {
	Logger *log.Logger
	Retry  tableops.RetryPolicy
}

// base holds what every importer needs to create tables and commit files
type base struct {
	cat       catalog.Catalog
	store     floefs.Store
	committer *tableops.Committer
	logger    *log.Logger
}

func newBase(cat catalog.Catalog, store floefs.Store, prefix string, opts Options) base {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stdout, prefix, log.LstdFlags|log.Lshortfile)
	}
	copts := []tableops.CommitterOption{tableops.WithLogger(logger)}
	if opts.Retry.MaxAttempts > 0 {
		copts = append(copts, tableops.WithRetryPolicy(opts.Retry))
	}
	return base{
		cat:       cat,
		store:     store,
		committer: tableops.NewCommitter(cat, store, copts...),
		logger:    logger,
	}
}

// ensureTable loads the target table or creates it, and its namespace, from
// the inferred schema
func (b base) ensureTable(ctx context.Context, req ImportRequest, schema *table.Schema) (*catalog.Table, bool, error) {
	tbl, err := b.cat.LoadTable(ctx, req.Table)
	if err == nil {
		return tbl, false, nil
	}
	if !errors.Is(err, icerr.ErrNotFound) {
		return nil, false, err
	}

	if _, err := b.cat.LoadNamespace(ctx, req.Table.Namespace); errors.Is(err, icerr.ErrNotFound) {
		err = b.cat.CreateNamespace(ctx, req.Table.Namespace, map[string]string{
			"description": "Auto-created namespace for import",
		})
		if err != nil && !errors.Is(err, icerr.ErrAlreadyExists) {
			return nil, false, fmt.Errorf("failed to create namespace: %w", err)
		}
		b.logger.Printf("Created namespace %s", req.Table.Namespace)
	} else if err != nil {
		return nil, false, err
	}

	var opts []catalog.CreateTableOpt
	if len(req.PartitionBy) > 0 {
		sb := table.NewPartitionSpecBuilder(schema, 0)
		for _, col := range req.PartitionBy {
			sb.Add(col, "identity", "")
		}
		spec, err := sb.Build()
		if err != nil {
			return nil, false, err
		}
		opts = append(opts, catalog.WithPartitionSpec(spec))
	}

	tbl, err = b.cat.CreateTable(ctx, req.Table, schema, opts...)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create table: %w", err)
	}
	b.logger.Printf("Created table %s", req.Table)
	return tbl, true, nil
}

// commit appends files, or replaces every live file when overwrite is set
func (b base) commit(ctx context.Context, req ImportRequest, files []table.DataFile) (*catalog.Table, error) {
	var change tableops.Change = tableops.AppendFiles{Files: files, Properties: req.Properties}
	if req.Overwrite {
		change = replaceLive{added: files, properties: req.Properties}
	}
	return b.committer.Commit(ctx, req.Table, change, tableops.ReapplyRebase)
}

func (b base) result(req ImportRequest, tbl *catalog.Table, created bool, files []table.DataFile) *ImportResult {
	res := &ImportResult{
		Table:         req.Table,
		Created:       created,
		TableLocation: tbl.Metadata.Location,
		Version:       tbl.Version(),
	}
	if snap := tbl.Metadata.CurrentSnapshot(); snap != nil {
		res.SnapshotID = snap.SnapshotID
	}
	for _, f := range files {
		res.RecordCount += f.RecordCount
		res.DataSize += f.SizeBytes
		res.DataFiles = append(res.DataFiles, f.Path)
	}
	return res
}

// replaceLive overwrites whatever is live in the base it is applied to, so
// a rebase after a conflict removes the winner's files too
type replaceLive struct {
	added      []table.DataFile
	properties map[string]string
}

func (c replaceLive) Apply(ctx context.Context, store floefs.Store, base *table.Metadata) (*table.Metadata, error) {
	live, err := table.CollectFiles(table.PlanScan(ctx, store, base))
	if err != nil {
		return nil, err
	}
	if len(live) == 0 {
		return tableops.AppendFiles{Files: c.added, Properties: c.properties}.Apply(ctx, store, base)
	}
	return tableops.OverwriteFiles{Added: c.added, Removed: live, Properties: c.properties}.Apply(ctx, store, base)
}

func (c replaceLive) Operation() table.Operation { return table.OpOverwrite }

func readSource(path string) ([]byte, error) {
	data, err := os.ReadFile(strings.TrimPrefix(path, "file://"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, icerr.NotFound("file", path)
		}
		return nil, &icerr.StorageError{Op: "read", Key: path, Err: err}
	}
	return data, nil
}
