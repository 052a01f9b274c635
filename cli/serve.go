package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/TFMV/floe/catalog/rest"
	"github.com/TFMV/floe/icerr"
	"github.com/TFMV/floe/metrics"
	"github.com/TFMV/floe/pkg/sdk"
)

// ServerProfile holds defaults for a deployment style
type ServerProfile struct {
	Name        string
	Description string
	CORS        bool
	Metrics     bool
	Verbose     bool
	Timeout     time.Duration
}

var serverProfiles = map[string]ServerProfile{
	"local": {Name: "local", Description: "single user on this machine", CORS: true, Metrics: true, Verbose: true, Timeout: 30 * time.Second},
	"dev":   {Name: "dev", Description: "shared development server", CORS: true, Metrics: true, Timeout: 30 * time.Second},
	"prod":  {Name: "prod", Description: "production", Metrics: true, Timeout: 60 * time.Second},
}

type serveOptions struct {
	host    string
	port    int
	profile string
	cors    bool
	metrics bool
}

func newServeCmd() *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the project catalog over HTTP",
		Long: `Serve the project's catalog over the REST wire protocol so other
processes can load tables and commit through it.

Routes:
  GET/POST          /namespaces
  GET/DELETE        /namespaces/{ns}
  POST              /namespaces/{ns}/properties
  GET/POST          /namespaces/{ns}/tables
  GET/POST/DELETE   /namespaces/{ns}/tables/{table}
  GET               /namespaces/{ns}/tables/{table}/snapshots
  GET               /namespaces/{ns}/tables/{table}/files
  GET               /health, /metrics`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.host, "host", "", "listen host (default from config, then localhost)")
	cmd.Flags().IntVar(&opts.port, "port", 0, "listen port (default from config, then 8181)")
	cmd.Flags().StringVar(&opts.profile, "profile", "local", "server profile: local, dev, prod")
	cmd.Flags().BoolVar(&opts.cors, "cors", false, "enable CORS")
	cmd.Flags().BoolVar(&opts.metrics, "metrics", false, "expose Prometheus metrics on /metrics")
	return cmd
}

func runServe(cmd *cobra.Command, opts *serveOptions) error {
	profile, ok := serverProfiles[opts.profile]
	if !ok {
		return &icerr.ValidationError{Field: "profile", Message: fmt.Sprintf("unknown profile %q (available: local, dev, prod)", opts.profile)}
	}

	lake, err := openLake(cmd)
	if err != nil {
		return err
	}
	defer lake.Close()
	if lake.Config.Catalog.Type == "rest" {
		return &icerr.ValidationError{Field: "catalog.type", Message: "serve needs a local catalog, not a rest client"}
	}

	serverCfg := lake.Config.Server
	if cmd.Flags().Changed("host") {
		serverCfg.Host = opts.host
	}
	if cmd.Flags().Changed("port") {
		serverCfg.Port = opts.port
	}
	if cmd.Flags().Changed("cors") {
		profile.CORS = opts.cors
	} else if serverCfg.CORS {
		profile.CORS = true
	}
	if cmd.Flags().Changed("metrics") {
		profile.Metrics = opts.metrics
	}
	profile.Verbose = profile.Verbose || verbose(cmd)

	server := buildServer(cmd, lake, profile)
	addr := serverCfg.Address()

	d, err := newDisplay(cmd)
	if err != nil {
		return err
	}
	d.Info("Starting floe catalog server (profile %s: %s)", profile.Name, profile.Description)
	d.Info("Listening on http://%s", addr)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Listen(addr) }()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sig)

	select {
	case err := <-errCh:
		return err
	case <-sig:
		d.Info("Shutting down")
		return server.Shutdown()
	case <-cmd.Context().Done():
		return server.Shutdown()
	}
}

func buildServer(cmd *cobra.Command, lake *sdk.Lake, profile ServerProfile) *rest.Server {
	opts := rest.ServerOptions{
		Store:   lake.Store,
		Logger:  logger(cmd),
		Verbose: profile.Verbose,
		CORS:    profile.CORS,
		Timeout: profile.Timeout,
	}
	if profile.Metrics {
		opts.Gatherer = metrics.NewRegistry()
	}
	return rest.NewServer(lake.Catalog, opts)
}
