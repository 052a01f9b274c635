package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/TFMV/floe/catalog"
	"github.com/TFMV/floe/config"
	"github.com/TFMV/floe/icerr"
	"github.com/TFMV/floe/pkg/sdk"
	"github.com/TFMV/floe/table"
	"github.com/TFMV/floe/tableops"
)

type initOptions struct {
	catalog string
	storage string
	bucket  string
	demo    bool
}

func newInitCmd() *cobra.Command {
	opts := &initOptions{}
	cmd := &cobra.Command{
		Use:   "init [directory]",
		Short: "Initialize a new floe project",
		Long: `Initialize a new floe project with a catalog and configuration.

This command creates the directory (default: floe-lakehouse) and sets up:
- .floe.yml configuration file
- the catalog (SQLite database or JSON file)
- the warehouse storage

With --demo it also creates demo.users and commits a few rows.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(cmd, args, opts)
		},
	}

	cmd.Flags().StringVar(&opts.catalog, "catalog", "sqlite", "catalog type (sqlite|json)")
	cmd.Flags().StringVar(&opts.storage, "storage", "fs", "storage type (fs|minio|s3)")
	cmd.Flags().StringVar(&opts.bucket, "bucket", "floe", "bucket for minio and s3 storage")
	cmd.Flags().BoolVar(&opts.demo, "demo", false, "create demo.users with sample rows")
	return cmd
}

func runInit(cmd *cobra.Command, args []string, opts *initOptions) error {
	targetDir := "floe-lakehouse"
	if len(args) > 0 {
		targetDir = args[0]
	}
	absPath, err := filepath.Abs(targetDir)
	if err != nil {
		return fmt.Errorf("failed to get absolute path: %w", err)
	}
	if err := os.MkdirAll(absPath, 0o755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", absPath, err)
	}

	configPath := filepath.Join(absPath, config.FileName)
	if _, err := os.Stat(configPath); err == nil {
		return &icerr.AlreadyExistsError{Kind: "project", Name: configPath}
	}

	cfg := config.Default(filepath.Base(absPath), absPath)
	switch opts.catalog {
	case "sqlite":
	case "json":
		cfg.Catalog = config.CatalogConfig{
			Type: "json",
			JSON: &config.JSONConfig{URI: filepath.Join(absPath, ".floe", "catalog", "catalog.json")},
		}
	default:
		return &icerr.ValidationError{Field: "catalog", Message: fmt.Sprintf("unsupported catalog type %q for init (sqlite|json)", opts.catalog)}
	}
	switch opts.storage {
	case "fs":
	case "minio":
		cfg.Storage = config.StorageConfig{Type: "minio", MinIO: &config.MinIOConfig{Bucket: opts.bucket}}
	case "s3":
		cfg.Storage = config.StorageConfig{Type: "s3", S3: &config.S3Config{Bucket: opts.bucket}}
	default:
		return &icerr.ValidationError{Field: "storage", Message: fmt.Sprintf("unsupported storage type %q for init (fs|minio|s3)", opts.storage)}
	}

	ctx := cmd.Context()
	lake, err := sdk.Open(ctx, cfg, sdk.WithLogger(logger(cmd)))
	if err != nil {
		return fmt.Errorf("failed to initialize project: %w", err)
	}
	defer lake.Close()

	if err := config.WriteConfig(configPath, cfg); err != nil {
		return fmt.Errorf("failed to write configuration: %w", err)
	}

	d, err := newDisplay(cmd)
	if err != nil {
		return err
	}
	d.Success("Initialized floe project in %s", absPath)
	d.Info("Catalog: %s, storage: %s", cfg.Catalog.Type, cfg.Storage.Type)

	if opts.demo {
		if err := createDemo(ctx, lake); err != nil {
			return fmt.Errorf("failed to create demo table: %w", err)
		}
		d.Success("Created demo.users with %d rows", len(demoRows))
	}
	return nil
}

var demoRows = []table.Row{
	{1: int64(1), 2: "alice", 3: "alice@example.com", 4: 92.5},
	{1: int64(2), 2: "bob", 3: "bob@example.com", 4: 71.0},
	{1: int64(3), 2: "carol", 4: 88.25},
	{1: int64(4), 2: "dave", 3: "dave@example.com"},
}

func createDemo(ctx context.Context, lake *sdk.Lake) error {
	id := catalog.Identifier{Namespace: "demo", Name: "users"}
	if err := lake.Catalog.CreateNamespace(ctx, id.Namespace, map[string]string{"description": "sample data"}); err != nil {
		return err
	}
	tbl, err := lake.Catalog.CreateTable(ctx, id, sdk.DemoSchema())
	if err != nil {
		return err
	}
	df, err := lake.DataFileWriter().WriteRows(ctx, tbl.Metadata, demoRows)
	if err != nil {
		return err
	}
	_, err = lake.Committer.Commit(ctx, id, tableops.AppendFiles{Files: []table.DataFile{df}}, nil)
	return err
}
