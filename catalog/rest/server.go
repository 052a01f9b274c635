package rest

import (
	"errors"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/TFMV/floe/catalog"
	floefs "github.com/TFMV/floe/fs"
	"github.com/TFMV/floe/icerr"
	"github.com/TFMV/floe/metrics"
	"github.com/TFMV/floe/table"
)

// ServerOptions configures a Server
type ServerOptions struct {
	// Store is read for snapshot and file introspection
	Store   floefs.Store
	Logger  *log.Logger
	Verbose bool
	CORS    bool
	// Gatherer backs /metrics; the route is not mounted when nil
	Gatherer prometheus.Gatherer
	Timeout  time.Duration
}

// Server serves a catalog over HTTP
type Server struct {
	app       *fiber.App
	cat       catalog.Catalog
	store     floefs.Store
	logger    *log.Logger
	startTime time.Time
}

// NewServer builds the fiber app and registers every route
func NewServer(cat catalog.Catalog, opts ServerOptions) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stdout, "[REST] ", log.LstdFlags|log.Lshortfile)
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	s := &Server{
		cat:       cat,
		store:     opts.Store,
		logger:    logger,
		startTime: time.Now(),
	}

	s.app = fiber.New(fiber.Config{
		AppName:               "floe catalog",
		DisableStartupMessage: true,
		ReadTimeout:           timeout,
		WriteTimeout:          timeout,
		IdleTimeout:           60 * time.Second,
		BodyLimit:             50 * 1024 * 1024,
		ErrorHandler:          s.handleError,
	})

	s.app.Use(requestid.New())
	s.app.Use(recover.New())
	s.app.Use(s.observe)
	if opts.Verbose {
		s.app.Use(fiberlogger.New(fiberlogger.Config{
			Format: "[${time}] ${status} - ${method} ${path} (${latency})\n",
		}))
	}
	if opts.CORS {
		s.app.Use(cors.New(cors.Config{
			AllowOrigins: "*",
			AllowMethods: "GET,POST,DELETE,OPTIONS",
			AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Request-ID",
		}))
	}

	s.app.Get("/health", s.health)
	if opts.Gatherer != nil {
		s.app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})))
	}

	ns := s.app.Group("/namespaces")
	ns.Get("/", s.listNamespaces)
	ns.Post("/", s.createNamespace)
	ns.Get("/:namespace", s.loadNamespace)
	ns.Delete("/:namespace", s.dropNamespace)
	ns.Post("/:namespace/properties", s.updateNamespaceProperties)

	tables := ns.Group("/:namespace/tables")
	tables.Get("/", s.listTables)
	tables.Post("/", s.createTable)
	tables.Get("/:table", s.loadTable)
	tables.Post("/:table", s.commitTable)
	tables.Delete("/:table", s.dropTable)
	tables.Get("/:table/snapshots", s.listSnapshots)
	tables.Get("/:table/files", s.listFiles)

	return s
}

// App returns the underlying fiber app
func (s *Server) App() *fiber.App {
	return s.app
}

// Listen serves on addr until Shutdown
func (s *Server) Listen(addr string) error {
	s.logger.Printf("REST catalog listening on %s", addr)
	return s.app.Listen(addr)
}

// Shutdown stops the server gracefully
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

func (s *Server) observe(c *fiber.Ctx) error {
	start := time.Now()
	err := c.Next()

	status := c.Response().StatusCode()
	if err != nil {
		var fe *fiber.Error
		if errors.As(err, &fe) {
			status = fe.Code
		} else {
			status = StatusFor(err)
		}
	}
	route := c.Route().Path
	metrics.APIRequestsTotal.WithLabelValues(c.Method(), route, strconv.Itoa(status)).Inc()
	metrics.APIRequestDuration.WithLabelValues(c.Method(), route).Observe(time.Since(start).Seconds())
	return err
}

func (s *Server) handleError(c *fiber.Ctx, err error) error {
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return c.Status(fe.Code).JSON(ErrorResponse{Error: fe.Message, Type: kindForStatus(fe.Code), Code: fe.Code})
	}
	resp := errorResponse(err)
	if resp.Code >= fiber.StatusInternalServerError {
		s.logger.Printf("%s %s failed: %v", c.Method(), c.Path(), err)
	}
	return c.Status(resp.Code).JSON(resp)
}

func (s *Server) health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":  "ok",
		"catalog": s.cat.Name(),
		"uptime":  time.Since(s.startTime).Round(time.Second).String(),
	})
}

func (s *Server) identifier(c *fiber.Ctx) (catalog.Identifier, error) {
	return catalog.NewIdentifier(c.Params("namespace"), c.Params("table"))
}

func (s *Server) listNamespaces(c *fiber.Ctx) error {
	namespaces, err := s.cat.ListNamespaces(c.UserContext())
	if err != nil {
		return err
	}
	resp := listNamespacesResponse{Namespaces: make([]namespaceResponse, 0, len(namespaces))}
	for _, ns := range namespaces {
		resp.Namespaces = append(resp.Namespaces, namespaceResponse{Name: ns.Name, Properties: ns.Properties})
	}
	return c.JSON(resp)
}

func (s *Server) createNamespace(c *fiber.Ctx) error {
	var req createNamespaceRequest
	if err := c.BodyParser(&req); err != nil {
		return &icerr.ValidationError{Field: "body", Message: err.Error()}
	}
	if err := s.cat.CreateNamespace(c.UserContext(), req.Namespace, req.Properties); err != nil {
		return err
	}
	ns, err := s.cat.LoadNamespace(c.UserContext(), req.Namespace)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(namespaceResponse{Name: ns.Name, Properties: ns.Properties})
}

func (s *Server) loadNamespace(c *fiber.Ctx) error {
	ns, err := s.cat.LoadNamespace(c.UserContext(), c.Params("namespace"))
	if err != nil {
		return err
	}
	return c.JSON(namespaceResponse{Name: ns.Name, Properties: ns.Properties})
}

func (s *Server) dropNamespace(c *fiber.Ctx) error {
	if err := s.cat.DropNamespace(c.UserContext(), c.Params("namespace")); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) updateNamespaceProperties(c *fiber.Ctx) error {
	var req updatePropertiesRequest
	if err := c.BodyParser(&req); err != nil {
		return &icerr.ValidationError{Field: "body", Message: err.Error()}
	}
	summary, err := s.cat.UpdateNamespaceProperties(c.UserContext(), c.Params("namespace"), req.Removals, req.Updates)
	if err != nil {
		return err
	}
	return c.JSON(summary)
}

func (s *Server) listTables(c *fiber.Ctx) error {
	ids, err := s.cat.ListTables(c.UserContext(), c.Params("namespace"))
	if err != nil {
		return err
	}
	return c.JSON(listTablesResponse{Identifiers: ids})
}

func (s *Server) createTable(c *fiber.Ctx) error {
	var req CreateTableRequest
	if err := c.BodyParser(&req); err != nil {
		return &icerr.ValidationError{Field: "body", Message: err.Error()}
	}
	id, err := catalog.NewIdentifier(c.Params("namespace"), req.Name)
	if err != nil {
		return err
	}

	opts := []catalog.CreateTableOpt{catalog.WithProperties(req.Properties)}
	if req.PartitionSpec != nil {
		opts = append(opts, catalog.WithPartitionSpec(req.PartitionSpec))
	}
	if req.Location != "" {
		opts = append(opts, catalog.WithLocation(req.Location))
	}

	tbl, err := s.cat.CreateTable(c.UserContext(), id, req.Schema, opts...)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(toLoadTableResponse(tbl))
}

func (s *Server) loadTable(c *fiber.Ctx) error {
	id, err := s.identifier(c)
	if err != nil {
		return err
	}
	tbl, err := s.cat.LoadTable(c.UserContext(), id)
	if err != nil {
		return err
	}
	return c.JSON(toLoadTableResponse(tbl))
}

func (s *Server) commitTable(c *fiber.Ctx) error {
	id, err := s.identifier(c)
	if err != nil {
		return err
	}
	var req CommitTableRequest
	if err := c.BodyParser(&req); err != nil {
		return &icerr.ValidationError{Field: "body", Message: err.Error()}
	}
	if req.NewMetadata == nil {
		return &icerr.ValidationError{Field: "new_metadata", Message: "new metadata is required"}
	}
	if err := req.NewMetadata.Validate(); err != nil {
		return err
	}

	tbl, err := s.cat.CommitTable(c.UserContext(), id, req.BaseVersion, req.NewMetadata)
	if err != nil {
		return err
	}
	return c.JSON(toLoadTableResponse(tbl))
}

func (s *Server) dropTable(c *fiber.Ctx) error {
	id, err := s.identifier(c)
	if err != nil {
		return err
	}
	if err := s.cat.DropTable(c.UserContext(), id); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) listSnapshots(c *fiber.Ctx) error {
	id, err := s.identifier(c)
	if err != nil {
		return err
	}
	tbl, err := s.cat.LoadTable(c.UserContext(), id)
	if err != nil {
		return err
	}

	return c.JSON(listSnapshotsResponse{Snapshots: table.ListSnapshots(tbl.Metadata)})
}

func (s *Server) listFiles(c *fiber.Ctx) error {
	if s.store == nil {
		return fiber.NewError(fiber.StatusNotImplemented, "file listing needs an object store")
	}
	id, err := s.identifier(c)
	if err != nil {
		return err
	}
	tbl, err := s.cat.LoadTable(c.UserContext(), id)
	if err != nil {
		return err
	}

	var snapshotID int64
	if raw := c.Query("snapshot_id"); raw != "" {
		snapshotID, err = strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return &icerr.ValidationError{Field: "snapshot_id", Message: "must be an integer"}
		}
	} else if current := tbl.Metadata.CurrentSnapshot(); current != nil {
		snapshotID = current.SnapshotID
	} else {
		return c.JSON(listFilesResponse{Files: []table.DataFile{}})
	}

	files, err := table.ListDataFiles(c.UserContext(), s.store, tbl.Metadata, snapshotID)
	if err != nil {
		return err
	}
	if files == nil {
		files = []table.DataFile{}
	}
	return c.JSON(listFilesResponse{SnapshotID: &snapshotID, Files: files})
}
