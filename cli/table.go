package cli

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/TFMV/floe/catalog"
	"github.com/TFMV/floe/display"
	"github.com/TFMV/floe/icerr"
	"github.com/TFMV/floe/table"
	"github.com/TFMV/floe/tableops"
)

func newTableCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "table",
		Short: "Manage tables",
		Long: `Create, inspect, evolve and drop tables.

Examples:
  floe table create demo.events --column id:long:required --column kind:string --partition kind
  floe table list demo
  floe table describe demo.events
  floe table evolve demo.events --add created_at:timestamp --rename kind=event_kind
  floe table properties demo.events retention=30d --remove owner
  floe table rollback demo.events 1234567890
  floe table drop demo.events`,
	}
	cmd.AddCommand(
		newTableCreateCmd(),
		newTableListCmd(),
		newTableDescribeCmd(),
		newTableDropCmd(),
		newTableEvolveCmd(),
		newTablePropertiesCmd(),
		newTableRollbackCmd(),
	)
	return cmd
}

func newTableCreateCmd() *cobra.Command {
	var columns, partitions []string
	var props map[string]string
	cmd := &cobra.Command{
		Use:   "create <namespace.table>",
		Short: "Create an empty table",
		Long: `Create an empty table.

Columns are name:type[:required]; types are boolean, int, long, float,
double, date, time, timestamp, timestamptz, string, uuid, binary,
decimal(P,S) and fixed[N]. Partitions are column[:transform] with
identity, bucket[N], truncate[W], year, month, day or hour.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := catalog.ParseIdentifier(args[0])
			if err != nil {
				return err
			}
			schema, err := parseColumns(columns)
			if err != nil {
				return err
			}
			opts := []catalog.CreateTableOpt{catalog.WithProperties(props)}
			if len(partitions) > 0 {
				spec, err := parsePartitions(schema, partitions)
				if err != nil {
					return err
				}
				opts = append(opts, catalog.WithPartitionSpec(spec))
			}

			return withLake(cmd, func(env *cmdEnv) error {
				tbl, err := env.lake.Catalog.CreateTable(cmd.Context(), id, schema, opts...)
				if err != nil {
					return err
				}
				env.d.Success("Created table %s at %s", id, tbl.Metadata.Location)
				return nil
			})
		},
	}
	cmd.Flags().StringArrayVar(&columns, "column", nil, "column as name:type[:required] (repeatable)")
	cmd.Flags().StringArrayVar(&partitions, "partition", nil, "partition field as column[:transform] (repeatable)")
	cmd.Flags().StringToStringVar(&props, "property", nil, "table properties (key=value)")
	_ = cmd.MarkFlagRequired("column")
	return cmd
}

func newTableListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <namespace>",
		Short: "List tables in a namespace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLake(cmd, func(env *cmdEnv) error {
				ids, err := env.lake.Catalog.ListTables(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				data := display.TableData{Headers: []string{"table"}}
				for _, id := range ids {
					data.Rows = append(data.Rows, []any{id.String()})
				}
				return env.d.Table(data)
			})
		},
	}
}

func newTableDescribeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "describe <namespace.table>",
		Short: "Show a table's schema, partitioning and current snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := catalog.ParseIdentifier(args[0])
			if err != nil {
				return err
			}
			return withLake(cmd, func(env *cmdEnv) error {
				tbl, err := env.lake.Catalog.LoadTable(cmd.Context(), id)
				if err != nil {
					return err
				}
				return describeTable(env.d, tbl)
			})
		},
	}
}

func describeTable(d *display.Display, tbl *catalog.Table) error {
	meta := tbl.Metadata
	schema := meta.CurrentSchema()

	current := "none"
	records := "0"
	if snap := meta.CurrentSnapshot(); snap != nil {
		current = strconv.FormatInt(snap.SnapshotID, 10)
		records = snap.Summary[table.SummaryTotalRecords]
	}
	pairs := [][2]string{
		{"Location", meta.Location},
		{"UUID", meta.TableUUID.String()},
		{"Version", strconv.FormatInt(tbl.Version(), 10)},
		{"Schema ID", strconv.Itoa(schema.SchemaID)},
		{"Current snapshot", current},
		{"Total records", records},
		{"Snapshots", strconv.Itoa(len(meta.Snapshots))},
	}
	if d.Format() == display.FormatTable {
		if err := d.Section("Table "+tbl.Identifier().String(), pairs); err != nil {
			return err
		}
	}

	data := display.TableData{Headers: []string{"id", "name", "type", "required"}}
	for _, f := range schema.Fields {
		data.Rows = append(data.Rows, []any{f.ID, f.Name, f.Type.String(), f.Required})
	}
	if err := d.Table(data); err != nil {
		return err
	}

	if spec := meta.DefaultSpec(); !spec.IsUnpartitioned() && d.Format() == display.FormatTable {
		parts := display.TableData{Headers: []string{"partition", "source_id", "transform"}}
		for _, f := range spec.Fields {
			parts.Rows = append(parts.Rows, []any{f.Name, f.SourceID, f.Transform.String()})
		}
		return d.Table(parts)
	}
	return nil
}

func newTableDropCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "drop <namespace.table>",
		Short: "Remove a table from the catalog; data files are kept",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := catalog.ParseIdentifier(args[0])
			if err != nil {
				return err
			}
			return withLake(cmd, func(env *cmdEnv) error {
				if err := env.lake.Catalog.DropTable(cmd.Context(), id); err != nil {
					return err
				}
				env.d.Success("Dropped table %s", id)
				return nil
			})
		},
	}
}

func newTableEvolveCmd() *cobra.Command {
	var adds, drops, renames, widens []string
	cmd := &cobra.Command{
		Use:   "evolve <namespace.table>",
		Short: "Change a table's schema",
		Long: `Change a table's schema. Changes apply in the order add, drop,
rename, widen and commit as one new schema.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := catalog.ParseIdentifier(args[0])
			if err != nil {
				return err
			}
			changes, err := parseSchemaChanges(adds, drops, renames, widens)
			if err != nil {
				return err
			}
			return withLake(cmd, func(env *cmdEnv) error {
				tbl, err := env.lake.Committer.Commit(cmd.Context(), id, tableops.EvolveSchema{Changes: changes}, nil)
				if err != nil {
					return err
				}
				env.d.Success("Schema of %s is now version %d", id, tbl.Metadata.CurrentSchemaID)
				return nil
			})
		},
	}
	cmd.Flags().StringArrayVar(&adds, "add", nil, "add an optional column name:type")
	cmd.Flags().StringArrayVar(&drops, "drop", nil, "drop a column")
	cmd.Flags().StringArrayVar(&renames, "rename", nil, "rename a column old=new")
	cmd.Flags().StringArrayVar(&widens, "widen", nil, "promote a column name:type")
	return cmd
}

func newTablePropertiesCmd() *cobra.Command {
	var removals []string
	cmd := &cobra.Command{
		Use:   "properties <namespace.table> [key=value...]",
		Short: "Set or remove table properties",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := catalog.ParseIdentifier(args[0])
			if err != nil {
				return err
			}
			updates := map[string]string{}
			for _, kv := range args[1:] {
				k, v, ok := strings.Cut(kv, "=")
				if !ok {
					return &icerr.ValidationError{Field: "property", Message: fmt.Sprintf("expected key=value, got %q", kv)}
				}
				updates[k] = v
			}
			return withLake(cmd, func(env *cmdEnv) error {
				change := tableops.SetProperties{Updates: updates, Removals: removals}
				if _, err := env.lake.Committer.Commit(cmd.Context(), id, change, nil); err != nil {
					return err
				}
				env.d.Success("Updated properties of %s", id)
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&removals, "remove", nil, "property keys to remove")
	return cmd
}

func newTableRollbackCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rollback <namespace.table> <snapshot-id>",
		Short: "Make an ancestor snapshot current again",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := catalog.ParseIdentifier(args[0])
			if err != nil {
				return err
			}
			snapID, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return &icerr.ValidationError{Field: "snapshot-id", Message: err.Error()}
			}
			return withLake(cmd, func(env *cmdEnv) error {
				if _, err := env.lake.Committer.Commit(cmd.Context(), id, tableops.RollbackTo{SnapshotID: snapID}, nil); err != nil {
					return err
				}
				env.d.Success("Rolled %s back to snapshot %d", id, snapID)
				return nil
			})
		},
	}
}

// parseColumns builds a schema from name:type[:required] specs, assigning
// field IDs in order from 1
func parseColumns(specs []string) (*table.Schema, error) {
	fields := make([]table.Field, 0, len(specs))
	for i, spec := range specs {
		name, typ, required, err := parseColumn(spec)
		if err != nil {
			return nil, err
		}
		fields = append(fields, table.Field{ID: i + 1, Name: name, Type: typ, Required: required})
	}
	return table.NewSchema(0, fields...)
}

func parseColumn(spec string) (string, table.Type, bool, error) {
	name, rest, ok := strings.Cut(spec, ":")
	if !ok || name == "" {
		return "", nil, false, &icerr.ValidationError{Field: "column", Message: fmt.Sprintf("expected name:type, got %q", spec)}
	}
	required := false
	if t, ok := strings.CutSuffix(rest, ":required"); ok {
		rest, required = t, true
	}
	typ, err := table.ParseType(rest)
	if err != nil {
		return "", nil, false, &icerr.ValidationError{Field: "column", Message: err.Error()}
	}
	return name, typ, required, nil
}

func parsePartitions(schema *table.Schema, specs []string) (*table.PartitionSpec, error) {
	b := table.NewPartitionSpecBuilder(schema, 0)
	for _, spec := range specs {
		col, transform, ok := strings.Cut(spec, ":")
		if !ok {
			transform = "identity"
		}
		b.Add(col, transform, "")
	}
	return b.Build()
}

func parseSchemaChanges(adds, drops, renames, widens []string) ([]table.SchemaChange, error) {
	var changes []table.SchemaChange
	for _, a := range adds {
		name, typ, required, err := parseColumn(a)
		if err != nil {
			return nil, err
		}
		changes = append(changes, table.AddField{Name: name, Type: typ, Required: required})
	}
	for _, d := range drops {
		changes = append(changes, table.DropField{Name: d})
	}
	for _, r := range renames {
		from, to, ok := strings.Cut(r, "=")
		if !ok {
			return nil, &icerr.ValidationError{Field: "rename", Message: fmt.Sprintf("expected old=new, got %q", r)}
		}
		changes = append(changes, table.RenameField{From: from, To: to})
	}
	for _, w := range widens {
		name, typ, _, err := parseColumn(w)
		if err != nil {
			return nil, err
		}
		changes = append(changes, table.WidenType{Name: name, To: typ})
	}
	if len(changes) == 0 {
		return nil, &icerr.ValidationError{Field: "evolve", Message: "no schema changes given"}
	}
	return changes, nil
}
