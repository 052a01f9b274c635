package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/TFMV/floe/catalog"
	"github.com/TFMV/floe/display"
	"github.com/TFMV/floe/icerr"
	"github.com/TFMV/floe/importer"
)

type importOptions struct {
	tableName   string
	namespace   string
	dryRun      bool
	overwrite   bool
	partitionBy []string
}

func newImportCmd() *cobra.Command {
	opts := &importOptions{}
	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Import a Parquet or Avro file into a table",
		Long: `Import a data file into a table with automatic schema inference.

Supported formats:
- Parquet (.parquet): registered as a data file as-is
- Avro (.avro): rewritten as Parquet

The namespace and table are created from the inferred schema when they
do not exist; otherwise the file must match the table's schema.

Examples:
  floe import data.parquet --table demo.users
  floe import events.avro --table events --namespace raw --partition-by region
  floe import data.parquet --table demo.users --overwrite
  floe import data.avro --table demo.users --dry-run`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImport(cmd, args[0], opts)
		},
	}

	cmd.Flags().StringVar(&opts.tableName, "table", "", "target table (namespace.table or table)")
	_ = cmd.MarkFlagRequired("table")
	cmd.Flags().StringVar(&opts.namespace, "namespace", "", "target namespace when --table has none (default: default)")
	cmd.Flags().BoolVar(&opts.dryRun, "dry-run", false, "show the inferred schema without importing")
	cmd.Flags().BoolVar(&opts.overwrite, "overwrite", false, "replace the table's live files")
	cmd.Flags().StringSliceVar(&opts.partitionBy, "partition-by", nil, "identity partition columns for a new table")
	return cmd
}

func runImport(cmd *cobra.Command, path string, opts *importOptions) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to get absolute path: %w", err)
	}
	if _, err := os.Stat(absPath); err != nil {
		return icerr.NotFound("file", path)
	}
	id, err := importTarget(opts.tableName, opts.namespace)
	if err != nil {
		return err
	}

	return withLake(cmd, func(env *cmdEnv) error {
		ctx := cmd.Context()
		imp, kind, err := env.lake.Importers().CreateImporter(absPath)
		if err != nil {
			return err
		}
		env.d.Info("Detected file format: %s", kind)

		schema, stats, err := imp.InferSchema(ctx, absPath)
		if err != nil {
			return fmt.Errorf("failed to infer schema from %s: %w", path, err)
		}

		if opts.dryRun {
			data := display.TableData{Headers: []string{"id", "name", "type", "required"}}
			for _, f := range schema.Fields {
				data.Rows = append(data.Rows, []any{f.ID, f.Name, f.Type.String(), f.Required})
			}
			if err := env.d.Table(data); err != nil {
				return err
			}
			return env.d.Section("Dry run", [][2]string{
				{"Target", id.String()},
				{"Records", strconv.FormatInt(stats.RecordCount, 10)},
				{"Size", display.FormatBytes(stats.FileSize)},
				{"Columns", strconv.Itoa(stats.ColumnCount)},
			})
		}

		result, err := imp.ImportTable(ctx, importer.ImportRequest{
			Path:        absPath,
			Table:       id,
			Overwrite:   opts.overwrite,
			PartitionBy: opts.partitionBy,
		})
		if err != nil {
			return fmt.Errorf("failed to import %s: %w", path, err)
		}

		if result.Created {
			env.d.Success("Created table %s", result.Table)
		}
		env.d.Success("Imported %d records into %s", result.RecordCount, result.Table)
		return env.d.Section("Import", [][2]string{
			{"Snapshot", strconv.FormatInt(result.SnapshotID, 10)},
			{"Version", strconv.FormatInt(result.Version, 10)},
			{"Data files", strconv.Itoa(len(result.DataFiles))},
			{"Size", display.FormatBytes(result.DataSize)},
			{"Location", result.TableLocation},
		})
	})
}

// importTarget resolves --table and --namespace into an identifier
func importTarget(tableName, namespace string) (catalog.Identifier, error) {
	if strings.Contains(tableName, ".") {
		if namespace != "" {
			return catalog.Identifier{}, &icerr.ValidationError{Field: "namespace", Message: "cannot combine --namespace with a qualified table name"}
		}
		return catalog.ParseIdentifier(tableName)
	}
	if namespace == "" {
		namespace = "default"
	}
	return catalog.NewIdentifier(namespace, tableName)
}
