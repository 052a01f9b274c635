package cli

import (
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/TFMV/floe/display"
)

func newNamespaceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "namespace",
		Aliases: []string{"ns"},
		Short:   "Manage catalog namespaces",
		Long: `Manage namespaces within the catalog.

Examples:
  floe namespace list
  floe namespace create analytics --property owner=data-eng
  floe namespace describe analytics
  floe namespace set-property analytics owner=bi --remove stale
  floe namespace drop analytics`,
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all namespaces",
		Args:  cobra.NoArgs,
		RunE:  runNamespaceList,
	})

	var props map[string]string
	create := &cobra.Command{
		Use:   "create <namespace>",
		Short: "Create a namespace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLake(cmd, func(env *cmdEnv) error {
				if err := env.lake.Catalog.CreateNamespace(cmd.Context(), args[0], props); err != nil {
					return err
				}
				env.d.Success("Created namespace %s", args[0])
				return nil
			})
		},
	}
	create.Flags().StringToStringVar(&props, "property", nil, "namespace properties (key=value)")
	cmd.AddCommand(create)

	cmd.AddCommand(&cobra.Command{
		Use:   "describe <namespace>",
		Short: "Show a namespace and its properties",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLake(cmd, func(env *cmdEnv) error {
				ns, err := env.lake.Catalog.LoadNamespace(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return env.d.Section("Namespace "+ns.Name, sortedPairs(ns.Properties))
			})
		},
	})

	var removals []string
	var updates map[string]string
	setProp := &cobra.Command{
		Use:   "set-property <namespace> [key=value...]",
		Short: "Update namespace properties",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if updates == nil {
				updates = map[string]string{}
			}
			for _, kv := range args[1:] {
				k, v, _ := strings.Cut(kv, "=")
				updates[k] = v
			}
			return withLake(cmd, func(env *cmdEnv) error {
				summary, err := env.lake.Catalog.UpdateNamespaceProperties(cmd.Context(), args[0], removals, updates)
				if err != nil {
					return err
				}
				env.d.Success("Updated %d, removed %d, missing %d", len(summary.Updated), len(summary.Removed), len(summary.Missing))
				return nil
			})
		},
	}
	setProp.Flags().StringSliceVar(&removals, "remove", nil, "property keys to remove")
	cmd.AddCommand(setProp)

	cmd.AddCommand(&cobra.Command{
		Use:   "drop <namespace>",
		Short: "Drop an empty namespace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLake(cmd, func(env *cmdEnv) error {
				if err := env.lake.Catalog.DropNamespace(cmd.Context(), args[0]); err != nil {
					return err
				}
				env.d.Success("Dropped namespace %s", args[0])
				return nil
			})
		},
	})
	return cmd
}

func runNamespaceList(cmd *cobra.Command, args []string) error {
	return withLake(cmd, func(env *cmdEnv) error {
		namespaces, err := env.lake.Catalog.ListNamespaces(cmd.Context())
		if err != nil {
			return err
		}
		data := display.TableData{Headers: []string{"namespace", "properties"}}
		for _, ns := range namespaces {
			data.Rows = append(data.Rows, []any{ns.Name, formatProps(ns.Properties)})
		}
		return env.d.Table(data)
	})
}

func sortedPairs(props map[string]string) [][2]string {
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([][2]string, len(keys))
	for i, k := range keys {
		pairs[i] = [2]string{k, props[k]}
	}
	return pairs
}

func formatProps(props map[string]string) string {
	pairs := sortedPairs(props)
	parts := make([]string, len(pairs))
	for i, p := range pairs {
		parts[i] = p[0] + "=" + p[1]
	}
	return strings.Join(parts, ", ")
}
