package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/TFMV/floe/catalog"
	"github.com/TFMV/floe/display"
	"github.com/TFMV/floe/engine/duckdb"
	"github.com/TFMV/floe/table"
)

type sqlOptions struct {
	maxRows      int64
	timeout      time.Duration
	timing       bool
	autoRegister bool
	snapshot     int64
	metrics      bool
}

func newSQLCmd() *cobra.Command {
	opts := &sqlOptions{}
	cmd := &cobra.Command{
		Use:   "sql <query>",
		Short: "Query tables with DuckDB",
		Long: `Execute SQL against the project's tables using DuckDB.

Every table is registered as a view named namespace_table and aliased
under its bare table name. --snapshot pins the views of tables that
contain that snapshot.

Examples:
  floe sql "SELECT count(*) FROM users"
  floe sql "SELECT name, score FROM demo_users ORDER BY score DESC" --format csv
  floe sql "SELECT count(*) FROM users" --snapshot 1234
  floe sql "SHOW TABLES"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSQL(cmd, args[0], opts)
		},
	}

	cmd.Flags().Int64Var(&opts.maxRows, "max-rows", 1000, "maximum number of rows to return")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 5*time.Minute, "query timeout")
	cmd.Flags().BoolVar(&opts.timing, "timing", true, "show query execution time")
	cmd.Flags().BoolVar(&opts.autoRegister, "auto-register", true, "register every catalog table before the query")
	cmd.Flags().Int64Var(&opts.snapshot, "snapshot", 0, "read tables at this snapshot")
	cmd.Flags().BoolVar(&opts.metrics, "metrics", false, "show engine metrics after the query")
	return cmd
}

func runSQL(cmd *cobra.Command, query string, opts *sqlOptions) error {
	return withLake(cmd, func(env *cmdEnv) error {
		ctx := cmd.Context()
		engine, err := env.lake.Engine(opts.maxRows, opts.timeout)
		if err != nil {
			return fmt.Errorf("failed to create SQL engine: %w", err)
		}
		defer engine.Close()

		if opts.autoRegister {
			if err := registerAll(ctx, engine, env.lake.Catalog, opts.snapshot); err != nil {
				env.d.Warning("Failed to register some tables: %v", err)
			}
		}

		result, err := engine.ExecuteQuery(ctx, query)
		if err != nil {
			return err
		}

		if err := env.d.Table(display.TableData{Headers: result.Columns, Rows: result.Rows}); err != nil {
			return err
		}
		if opts.timing {
			env.d.Info("%d rows in %v", result.RowCount, result.Duration.Round(time.Microsecond))
		}
		if opts.metrics {
			m := engine.GetMetrics()
			env.d.Info("Queries: %d, tables: %d, files copied: %d, errors: %d", m.QueriesExecuted, m.TablesRegistered, m.FilesMaterialized, m.ErrorCount)
		}
		return nil
	})
}

// registerAll registers every table in every namespace. The first error
// is returned after the remaining tables have been tried.
func registerAll(ctx context.Context, engine *duckdb.Engine, cat catalog.Catalog, snapshot int64) error {
	namespaces, err := cat.ListNamespaces(ctx)
	if err != nil {
		return err
	}

	var first error
	for _, ns := range namespaces {
		ids, err := cat.ListTables(ctx, ns.Name)
		if err != nil {
			first = firstErr(first, err)
			continue
		}
		for _, id := range ids {
			var opts []table.ScanOption
			if snapshot != 0 {
				tbl, err := cat.LoadTable(ctx, id)
				if err != nil {
					first = firstErr(first, err)
					continue
				}
				if _, err := tbl.Metadata.SnapshotByID(snapshot); err == nil {
					opts = append(opts, table.WithSnapshotID(snapshot))
				}
			}
			if err := engine.RegisterTable(ctx, id, opts...); err != nil {
				first = firstErr(first, fmt.Errorf("%s: %w", id, err))
			}
		}
	}
	return first
}

func firstErr(first, err error) error {
	if first != nil {
		return first
	}
	return err
}
