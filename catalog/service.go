package catalog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	floefs "github.com/TFMV/floe/fs"
	"github.com/TFMV/floe/icerr"
	"github.com/TFMV/floe/metrics"
	"github.com/TFMV/floe/table"
)

// ServiceOptions configures a Service
type ServiceOptions struct {
	// WarehouseLocation is the root new tables are placed under as
	// <warehouse>/<namespace>/<table>
	WarehouseLocation string
	Logger            *log.Logger
}

// Service implements Catalog on top of a Registry and an object store.
// Metadata documents are written to the store before the registry entry is
// swapped, so a document is always durable before it becomes current.
type Service struct {
	reg       Registry
	store     floefs.Store
	warehouse string
	logger    *log.Logger
}

var _ Catalog = (*Service)(nil)

// NewService wires a registry and a store into a Catalog
func NewService(reg Registry, store floefs.Store, opts ServiceOptions) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stdout, "[Catalog] ", log.LstdFlags|log.Lshortfile)
	}
	return &Service{
		reg:       reg,
		store:     store,
		warehouse: strings.TrimRight(opts.WarehouseLocation, "/"),
		logger:    logger,
	}
}

// QuietLogger returns a logger that discards everything
func QuietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

// Name returns the registry's name
func (s *Service) Name() string {
	return s.reg.Name()
}

// Store returns the object store table files live in
func (s *Service) Store() floefs.Store {
	return s.store
}

// Registry returns the underlying registry
func (s *Service) Registry() Registry {
	return s.reg
}

func (s *Service) CreateNamespace(ctx context.Context, namespace string, props map[string]string) error {
	if err := ValidateNamespace(namespace); err != nil {
		return err
	}
	return s.reg.CreateNamespace(ctx, namespace, props)
}

func (s *Service) ListNamespaces(ctx context.Context) ([]Namespace, error) {
	return s.reg.ListNamespaces(ctx)
}

func (s *Service) LoadNamespace(ctx context.Context, namespace string) (Namespace, error) {
	return s.reg.LoadNamespace(ctx, namespace)
}

func (s *Service) UpdateNamespaceProperties(ctx context.Context, namespace string, removals []string, updates map[string]string) (PropertiesUpdateSummary, error) {
	return s.reg.UpdateNamespaceProperties(ctx, namespace, removals, updates)
}

func (s *Service) DropNamespace(ctx context.Context, namespace string) error {
	return s.reg.DropNamespace(ctx, namespace)
}

// DefaultLocation is where a table is placed when no location is given
func (s *Service) DefaultLocation(id Identifier) string {
	return s.warehouse + "/" + id.Namespace + "/" + id.Name
}

// CreateTable writes version 0 of the table's metadata and registers it
func (s *Service) CreateTable(ctx context.Context, id Identifier, schema *table.Schema, opts ...CreateTableOpt) (*Table, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	var o CreateTableOptions
	for _, opt := range opts {
		opt(&o)
	}

	if _, err := s.reg.LoadNamespace(ctx, id.Namespace); err != nil {
		return nil, err
	}
	if _, err := s.reg.GetEntry(ctx, id); err == nil {
		return nil, icerr.AlreadyExists("table", id.String())
	} else if !errors.Is(err, icerr.ErrNotFound) {
		return nil, err
	}

	location := o.Location
	if location == "" {
		location = s.DefaultLocation(id)
	}
	meta, err := table.NewMetadata(location, schema, o.PartitionSpec, o.Properties)
	if err != nil {
		return nil, err
	}
	metadataLocation, err := table.WriteMetadata(ctx, s.store, meta)
	if err != nil {
		return nil, fmt.Errorf("failed to write metadata for %s: %w", id, err)
	}

	now := time.Now().UTC()
	entry := Entry{
		Identifier:       id,
		MetadataLocation: metadataLocation,
		MetadataVersion:  meta.MetadataVersion,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.reg.RegisterTable(ctx, entry); err != nil {
		return nil, err
	}

	s.logger.Printf("Created table %s at %s", id, location)
	return &Table{Entry: entry, Metadata: meta.WithLocation(metadataLocation)}, nil
}

// LoadTable reads the table's current metadata document
func (s *Service) LoadTable(ctx context.Context, id Identifier) (*Table, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	entry, err := s.reg.GetEntry(ctx, id)
	if err != nil {
		return nil, err
	}
	meta, err := table.ReadMetadata(ctx, s.store, entry.MetadataLocation)
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata for %s: %w", id, err)
	}
	return &Table{Entry: entry, Metadata: meta}, nil
}

func (s *Service) ListTables(ctx context.Context, namespace string) ([]Identifier, error) {
	entries, err := s.reg.ListEntries(ctx, namespace)
	if err != nil {
		return nil, err
	}
	ids := make([]Identifier, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.Identifier)
	}
	return ids, nil
}

// DropTable removes the catalog entry. Files are left in the store.
func (s *Service) DropTable(ctx context.Context, id Identifier) error {
	if err := id.Validate(); err != nil {
		return err
	}
	if err := s.reg.DeleteEntry(ctx, id); err != nil {
		return err
	}
	s.logger.Printf("Dropped table %s", id)
	return nil
}

// CommitTable publishes next when the table is still at baseVersion
func (s *Service) CommitTable(ctx context.Context, id Identifier, baseVersion int64, next *table.Metadata) (_ *Table, err error) {
	start := time.Now()
	defer func() {
		metrics.CatalogCommitDuration.WithLabelValues(s.Name()).Observe(time.Since(start).Seconds())
		metrics.CatalogCommitsTotal.WithLabelValues(s.Name(), commitResult(err)).Inc()
	}()

	if err := id.Validate(); err != nil {
		return nil, err
	}
	if next == nil {
		return nil, &icerr.ValidationError{Field: "metadata", Message: "new metadata is required"}
	}

	entry, err := s.reg.GetEntry(ctx, id)
	if err != nil {
		return nil, err
	}
	if entry.MetadataVersion != baseVersion {
		return nil, &icerr.CommitConflictError{Table: id.String(), BaseVersion: baseVersion, CurrentVersion: entry.MetadataVersion}
	}

	base, err := table.ReadMetadata(ctx, s.store, entry.MetadataLocation)
	if err != nil {
		return nil, fmt.Errorf("failed to read base metadata for %s: %w", id, err)
	}
	if err := table.ValidateDerivedFrom(base, next); err != nil {
		return nil, err
	}

	metadataLocation, err := table.WriteMetadata(ctx, s.store, next)
	if err != nil {
		return nil, fmt.Errorf("failed to write metadata for %s: %w", id, err)
	}

	updated := Entry{
		Identifier:               id,
		MetadataLocation:         metadataLocation,
		MetadataVersion:          next.MetadataVersion,
		PreviousMetadataLocation: entry.MetadataLocation,
		CreatedAt:                entry.CreatedAt,
		UpdatedAt:                time.Now().UTC(),
	}
	if err := s.reg.SwapEntry(ctx, id, baseVersion, updated); err != nil {
		// The written document is orphaned; it never became current.
		return nil, err
	}

	s.logger.Printf("Committed %s version %d", id, next.MetadataVersion)
	return &Table{Entry: updated, Metadata: next.WithLocation(metadataLocation)}, nil
}

func (s *Service) Close() error {
	return s.reg.Close()
}

func commitResult(err error) string {
	switch {
	case err == nil:
		return metrics.ResultSuccess
	case errors.Is(err, icerr.ErrCommitConflict):
		return metrics.ResultConflict
	default:
		return metrics.ResultError
	}
}
