package cli

import (
	"sort"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/TFMV/floe/catalog"
	"github.com/TFMV/floe/display"
	"github.com/TFMV/floe/icerr"
	"github.com/TFMV/floe/table"
)

// loadForInspect opens the project and loads one table for a read-only command
func loadForInspect(cmd *cobra.Command, arg string, fn func(env *cmdEnv, tbl *catalog.Table) error) error {
	id, err := catalog.ParseIdentifier(arg)
	if err != nil {
		return err
	}
	return withLake(cmd, func(env *cmdEnv) error {
		tbl, err := env.lake.Catalog.LoadTable(cmd.Context(), id)
		if err != nil {
			return err
		}
		return fn(env, tbl)
	})
}

func newSnapshotsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "snapshots <namespace.table>",
		Short: "List a table's snapshots in commit order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return loadForInspect(cmd, args[0], func(env *cmdEnv, tbl *catalog.Table) error {
				var current int64
				if snap := tbl.Metadata.CurrentSnapshot(); snap != nil {
					current = snap.SnapshotID
				}
				data := display.TableData{Headers: []string{"snapshot_id", "parent_id", "committed_at", "operation", "added_files", "total_records", "current"}}
				for _, s := range table.ListSnapshots(tbl.Metadata) {
					data.Rows = append(data.Rows, []any{
						s.SnapshotID,
						optionalID(s.ParentID),
						s.Timestamp.UTC(),
						string(s.Operation),
						s.Summary[table.SummaryAddedDataFiles],
						s.Summary[table.SummaryTotalRecords],
						s.SnapshotID == current,
					})
				}
				return env.d.Table(data)
			})
		},
	}
}

func newFilesCmd() *cobra.Command {
	var snapshot int64
	cmd := &cobra.Command{
		Use:   "files <namespace.table>",
		Short: "List the live data files of a snapshot (default: current)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return loadForInspect(cmd, args[0], func(env *cmdEnv, tbl *catalog.Table) error {
				id := snapshot
				if id == 0 {
					snap := tbl.Metadata.CurrentSnapshot()
					if snap == nil {
						return env.d.Table(display.TableData{Headers: fileHeaders})
					}
					id = snap.SnapshotID
				}
				files, err := table.ListDataFiles(cmd.Context(), env.lake.Store, tbl.Metadata, id)
				if err != nil {
					return err
				}
				return env.d.Table(fileTable(files))
			})
		},
	}
	cmd.Flags().Int64Var(&snapshot, "snapshot", 0, "snapshot ID")
	return cmd
}

func newHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <namespace.table>",
		Short: "Show when each snapshot became current",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return loadForInspect(cmd, args[0], func(env *cmdEnv, tbl *catalog.Table) error {
				data := display.TableData{Headers: []string{"made_current_at", "snapshot_id", "parent_id", "is_current_ancestor"}}
				for _, h := range table.History(tbl.Metadata) {
					data.Rows = append(data.Rows, []any{h.MadeCurrentAt.UTC(), h.SnapshotID, optionalID(h.ParentID), h.IsCurrentAncestor})
				}
				return env.d.Table(data)
			})
		},
	}
}

type scanOptions struct {
	snapshot   int64
	asOf       string
	from       int64
	to         int64
	partitions map[string]string
}

func newScanCmd() *cobra.Command {
	opts := &scanOptions{}
	cmd := &cobra.Command{
		Use:   "scan <namespace.table>",
		Short: "Plan a scan and list the files it reads",
		Long: `Plan a scan and list the data files it would read.

Examples:
  floe scan demo.users
  floe scan demo.users --snapshot 1234
  floe scan demo.users --as-of 2024-05-01T12:00:00Z
  floe scan demo.users --from 1234 --to 5678
  floe scan demo.events --partition region=eu`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return loadForInspect(cmd, args[0], func(env *cmdEnv, tbl *catalog.Table) error {
				files, err := planFiles(cmd, env, tbl, opts)
				if err != nil {
					return err
				}
				return env.d.Table(fileTable(files))
			})
		},
	}
	cmd.Flags().Int64Var(&opts.snapshot, "snapshot", 0, "read this snapshot")
	cmd.Flags().StringVar(&opts.asOf, "as-of", "", "read the snapshot current at this RFC 3339 time")
	cmd.Flags().Int64Var(&opts.from, "from", 0, "incremental scan: exclusive start snapshot")
	cmd.Flags().Int64Var(&opts.to, "to", 0, "incremental scan: inclusive end snapshot (default: current)")
	cmd.Flags().StringToStringVar(&opts.partitions, "partition", nil, "keep files with partition value (name=value)")
	return cmd
}

func planFiles(cmd *cobra.Command, env *cmdEnv, tbl *catalog.Table, opts *scanOptions) ([]table.DataFile, error) {
	ctx := cmd.Context()
	meta := tbl.Metadata

	if cmd.Flags().Changed("from") {
		to := opts.to
		if to == 0 {
			snap := meta.CurrentSnapshot()
			if snap == nil {
				return nil, &icerr.InvalidRangeError{From: opts.from, Reason: "table has no snapshots"}
			}
			to = snap.SnapshotID
		}
		return table.CollectFiles(table.PlanIncremental(ctx, env.lake.Store, meta, opts.from, to))
	}

	scanOpts, err := scanOptionsFor(opts)
	if err != nil {
		return nil, err
	}
	return table.CollectFiles(table.PlanScan(ctx, env.lake.Store, meta, scanOpts...))
}

func scanOptionsFor(opts *scanOptions) ([]table.ScanOption, error) {
	var out []table.ScanOption
	if opts.snapshot != 0 {
		out = append(out, table.WithSnapshotID(opts.snapshot))
	}
	if opts.asOf != "" {
		t, err := time.Parse(time.RFC3339, opts.asOf)
		if err != nil {
			return nil, &icerr.ValidationError{Field: "as-of", Message: err.Error()}
		}
		out = append(out, table.WithAsOfTime(t))
	}
	if len(opts.partitions) > 0 {
		keys := make([]string, 0, len(opts.partitions))
		for k := range opts.partitions {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		filters := make([]table.Filter, len(keys))
		for i, k := range keys {
			filters[i] = table.PartitionEquals(k, opts.partitions[k])
		}
		out = append(out, table.WithFilter(table.And(filters...)))
	}
	return out, nil
}

var fileHeaders = []string{"path", "format", "records", "size", "partition"}

func fileTable(files []table.DataFile) display.TableData {
	data := display.TableData{Headers: fileHeaders}
	for _, f := range files {
		data.Rows = append(data.Rows, []any{f.Path, string(f.Format), f.RecordCount, display.FormatBytes(f.SizeBytes), formatProps(f.PartitionValues)})
	}
	return data
}

func optionalID(id *int64) string {
	if id == nil {
		return ""
	}
	return strconv.FormatInt(*id, 10)
}
