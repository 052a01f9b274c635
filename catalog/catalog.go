// Package catalog maps table identifiers to their current metadata document
// and publishes new versions with a compare-and-swap.
package catalog

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/TFMV/floe/icerr"
	"github.com/TFMV/floe/table"
)

// Identifier names a table inside a namespace
type Identifier struct {
	Namespace string `json:"namespace"`
	Name      string `json:"name"`
}

// NewIdentifier builds an identifier and validates both parts
func NewIdentifier(namespace, name string) (Identifier, error) {
	id := Identifier{Namespace: namespace, Name: name}
	return id, id.Validate()
}

// ParseIdentifier parses "namespace.table"
func ParseIdentifier(s string) (Identifier, error) {
	ns, name, ok := strings.Cut(s, ".")
	if !ok {
		return Identifier{}, &icerr.ValidationError{Field: "identifier", Message: fmt.Sprintf("expected namespace.table, got %q", s)}
	}
	return NewIdentifier(ns, name)
}

func (id Identifier) String() string {
	return id.Namespace + "." + id.Name
}

// Validate checks that both parts are non-empty single-level names
func (id Identifier) Validate() error {
	if err := ValidateNamespace(id.Namespace); err != nil {
		return err
	}
	if id.Name == "" || strings.ContainsAny(id.Name, "./") {
		return &icerr.ValidationError{Field: "table", Message: fmt.Sprintf("invalid table name %q", id.Name)}
	}
	return nil
}

// ValidateNamespace checks a one-level namespace name
func ValidateNamespace(ns string) error {
	if ns == "" || strings.ContainsAny(ns, "./") {
		return &icerr.ValidationError{Field: "namespace", Message: fmt.Sprintf("invalid namespace %q", ns)}
	}
	return nil
}

// Namespace groups tables
type Namespace struct {
	Name       string            `json:"name"`
	Properties map[string]string `json:"properties"`
}

// Entry is the only mutable record: the pointer from an identifier to the
// current metadata document
type Entry struct {
	Identifier               Identifier `json:"identifier"`
	MetadataLocation         string     `json:"metadata_location"`
	MetadataVersion          int64      `json:"metadata_version"`
	PreviousMetadataLocation string     `json:"previous_metadata_location,omitempty"`
	CreatedAt                time.Time  `json:"created_at"`
	UpdatedAt                time.Time  `json:"updated_at"`
}

// Table is a loaded entry together with its parsed metadata
type Table struct {
	Entry    Entry
	Metadata *table.Metadata
}

// Identifier returns the table's identifier
func (t *Table) Identifier() Identifier {
	return t.Entry.Identifier
}

// Version returns the published metadata version the table was loaded at
func (t *Table) Version() int64 {
	return t.Entry.MetadataVersion
}

// Refresh reloads the table through cat and replaces t's state
func (t *Table) Refresh(ctx context.Context, cat Catalog) error {
	fresh, err := cat.LoadTable(ctx, t.Entry.Identifier)
	if err != nil {
		return err
	}
	*t = *fresh
	return nil
}

// PropertiesUpdateSummary reports what UpdateNamespaceProperties did
type PropertiesUpdateSummary struct {
	Removed []string `json:"removed"`
	Updated []string `json:"updated"`
	Missing []string `json:"missing"`
}

// CreateTableOptions are the optional parts of a table definition
type CreateTableOptions struct {
	PartitionSpec *table.PartitionSpec
	Properties    map[string]string
	Location      string
}

// CreateTableOpt sets a CreateTableOptions field
type CreateTableOpt func(*CreateTableOptions)

// WithPartitionSpec partitions the new table
func WithPartitionSpec(spec *table.PartitionSpec) CreateTableOpt {
	return func(o *CreateTableOptions) { o.PartitionSpec = spec }
}

// WithProperties sets initial table properties
func WithProperties(props map[string]string) CreateTableOpt {
	return func(o *CreateTableOptions) { o.Properties = props }
}

// WithLocation overrides the default table location
func WithLocation(location string) CreateTableOpt {
	return func(o *CreateTableOptions) { o.Location = location }
}

// Catalog is the table registry every reader and writer goes through
type Catalog interface {
	Name() string

	CreateNamespace(ctx context.Context, namespace string, props map[string]string) error
	ListNamespaces(ctx context.Context) ([]Namespace, error)
	LoadNamespace(ctx context.Context, namespace string) (Namespace, error)
	UpdateNamespaceProperties(ctx context.Context, namespace string, removals []string, updates map[string]string) (PropertiesUpdateSummary, error)
	DropNamespace(ctx context.Context, namespace string) error

	CreateTable(ctx context.Context, id Identifier, schema *table.Schema, opts ...CreateTableOpt) (*Table, error)
	LoadTable(ctx context.Context, id Identifier) (*Table, error)
	ListTables(ctx context.Context, namespace string) ([]Identifier, error)
	DropTable(ctx context.Context, id Identifier) error

	// CommitTable publishes next if the table is still at baseVersion. When
	// another writer got there first it returns *icerr.CommitConflictError
	// carrying the version that won.
	CommitTable(ctx context.Context, id Identifier, baseVersion int64, next *table.Metadata) (*Table, error)

	Close() error
}

// Registry stores namespaces and table entries. SwapEntry is the atomic
// compare-and-swap the commit protocol rests on.
type Registry interface {
	Name() string

	CreateNamespace(ctx context.Context, namespace string, props map[string]string) error
	ListNamespaces(ctx context.Context) ([]Namespace, error)
	LoadNamespace(ctx context.Context, namespace string) (Namespace, error)
	UpdateNamespaceProperties(ctx context.Context, namespace string, removals []string, updates map[string]string) (PropertiesUpdateSummary, error)
	DropNamespace(ctx context.Context, namespace string) error

	RegisterTable(ctx context.Context, entry Entry) error
	GetEntry(ctx context.Context, id Identifier) (Entry, error)
	ListEntries(ctx context.Context, namespace string) ([]Entry, error)
	DeleteEntry(ctx context.Context, id Identifier) error
	SwapEntry(ctx context.Context, id Identifier, baseVersion int64, next Entry) error

	Close() error
}

// ApplyPropertyUpdates applies removals then updates to props in place and
// summarizes the result. Registries share it so they report alike.
func ApplyPropertyUpdates(props map[string]string, removals []string, updates map[string]string) (PropertiesUpdateSummary, error) {
	summary := PropertiesUpdateSummary{Removed: []string{}, Updated: []string{}, Missing: []string{}}
	for _, key := range removals {
		if _, ok := updates[key]; ok {
			return summary, &icerr.ValidationError{Field: key, Message: "property is both removed and updated"}
		}
	}
	for _, key := range removals {
		if _, ok := props[key]; ok {
			delete(props, key)
			summary.Removed = append(summary.Removed, key)
		} else {
			summary.Missing = append(summary.Missing, key)
		}
	}
	for key, value := range updates {
		props[key] = value
		summary.Updated = append(summary.Updated, key)
	}
	return summary, nil
}
