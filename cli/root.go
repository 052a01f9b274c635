// Package cli implements the floe command line.
package cli

import (
	"io"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/TFMV/floe/config"
	"github.com/TFMV/floe/display"
	"github.com/TFMV/floe/pkg/sdk"
)

// NewRootCommand builds the floe command tree
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "floe",
		Short: "A small table format with a transactional catalog",
		Long: `floe manages tables of Parquet files described by versioned metadata
documents. Every change is a snapshot published through an atomic
compare-and-swap in the catalog, so concurrent writers never lose updates
and readers can travel back to any earlier snapshot.`,
		Version:       "0.1.0",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().BoolP("verbose", "v", false, "verbose output")
	root.PersistentFlags().String("project", "", "project directory (default: search from the working directory)")
	root.PersistentFlags().String("format", "table", "output format: table, csv, json")

	root.AddCommand(
		newInitCmd(),
		newServeCmd(),
		newNamespaceCmd(),
		newTableCmd(),
		newSnapshotsCmd(),
		newFilesCmd(),
		newHistoryCmd(),
		newScanCmd(),
		newImportCmd(),
		newSQLCmd(),
	)
	return root
}

// Execute runs the root command
func Execute() error {
	return NewRootCommand().Execute()
}

func verbose(cmd *cobra.Command) bool {
	v, _ := cmd.Flags().GetBool("verbose")
	return v
}

func newDisplay(cmd *cobra.Command) (*display.Display, error) {
	name, _ := cmd.Flags().GetString("format")
	format, err := display.ParseFormat(name)
	if err != nil {
		return nil, err
	}
	if out := cmd.OutOrStdout(); out != os.Stdout {
		return display.NewPlain(out, format), nil
	}
	return display.New(format), nil
}

func logger(cmd *cobra.Command) *log.Logger {
	if verbose(cmd) {
		return log.New(cmd.ErrOrStderr(), "[floe] ", log.LstdFlags|log.Lshortfile)
	}
	return log.New(io.Discard, "", 0)
}

// openLake finds the project configuration and opens it
func openLake(cmd *cobra.Command) (*sdk.Lake, error) {
	dir, _ := cmd.Flags().GetString("project")
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		dir = wd
	}

	path, cfg, err := config.FindConfigFrom(dir)
	if err != nil {
		return nil, err
	}
	if verbose(cmd) {
		cmd.PrintErrf("Using configuration: %s\n", path)
	}
	return sdk.Open(cmd.Context(), cfg, sdk.WithLogger(logger(cmd)))
}

// cmdEnv is what most subcommands need: the opened lake and a display
type cmdEnv struct {
	lake *sdk.Lake
	d    *display.Display
}

// withLake opens the project, runs fn and closes the project
func withLake(cmd *cobra.Command, fn func(env *cmdEnv) error) error {
	d, err := newDisplay(cmd)
	if err != nil {
		return err
	}
	lake, err := openLake(cmd)
	if err != nil {
		return err
	}
	defer lake.Close()
	return fn(&cmdEnv{lake: lake, d: d})
}
