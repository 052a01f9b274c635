// Package json keeps catalog entries in a single JSON document on local
// disk. Every mutation is a read-modify-write done while holding an
// exclusive lock on a sibling .lock file, finished by an atomic rename.
// Readers take no lock.
package json

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/TFMV/floe/catalog"
	"github.com/TFMV/floe/icerr"
)

const (
	DefaultCatalogName = "floe"
	// File permissions for catalog files
	CatalogFilePermissions = 0644
	// LockSuffix names the lock file next to the catalog document
	LockSuffix = ".lock"
	// Format version of the catalog document
	catalogFormatVersion = 1
)

// CatalogData is the document stored at the catalog URI
type CatalogData struct {
	CatalogName string                    `json:"catalog_name"`
	Namespaces  map[string]NamespaceEntry `json:"namespaces"`
	Tables      map[string]TableEntry     `json:"tables"`
	Version     int                       `json:"version"`
	CreatedAt   time.Time                 `json:"created_at"`
	UpdatedAt   time.Time                 `json:"updated_at"`
}

// NamespaceEntry represents a namespace in the catalog
type NamespaceEntry struct {
	Properties map[string]string `json:"properties"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// TableEntry represents a table in the catalog
type TableEntry struct {
	Namespace                string    `json:"namespace"`
	Name                     string    `json:"name"`
	MetadataLocation         string    `json:"metadata_location"`
	MetadataVersion          int64     `json:"metadata_version"`
	PreviousMetadataLocation *string   `json:"previous_metadata_location,omitempty"`
	CreatedAt                time.Time `json:"created_at"`
	UpdatedAt                time.Time `json:"updated_at"`
}

// Registry implements catalog.Registry on a JSON file
type Registry struct {
	name   string
	uri    string
	mutex  sync.Mutex
	logger *log.Logger
	cache  *catalogCache
}

var _ catalog.Registry = (*Registry)(nil)

// catalogCache holds the last document read, keyed by its ETag
type catalogCache struct {
	data      *CatalogData
	etag      string
	timestamp time.Time
	ttl       time.Duration
	mutex     sync.RWMutex
}

func newCatalogCache(ttl time.Duration) *catalogCache {
	return &catalogCache{ttl: ttl}
}

func (c *catalogCache) get(etag string) (*CatalogData, bool) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	if c.data == nil || c.etag != etag || time.Since(c.timestamp) > c.ttl {
		return nil, false
	}
	return c.data, true
}

func (c *catalogCache) set(data *CatalogData, etag string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.data = data
	c.etag = etag
	c.timestamp = time.Now()
}

func (c *catalogCache) invalidate() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.data = nil
	c.etag = ""
}

// Options configures a Registry
type Options struct {
	Name string
	// URI is the catalog file. When empty it defaults to
	// <warehouse>/catalog/catalog_<name>.json.
	URI       string
	Warehouse string
	Logger    *log.Logger
}

// NewRegistry opens the catalog file, creating an empty one if needed
func NewRegistry(opts Options) (*Registry, error) {
	name := opts.Name
	if name == "" {
		name = DefaultCatalogName
	}

	uri := opts.URI
	if uri == "" && opts.Warehouse != "" {
		uri = filepath.Join(opts.Warehouse, "catalog", fmt.Sprintf("catalog_%s.json", name))
	}
	if uri == "" {
		return nil, &icerr.ValidationError{Field: "catalog.json.uri", Message: "catalog URI cannot be empty"}
	}
	if !strings.HasSuffix(uri, ".json") {
		return nil, &icerr.ValidationError{Field: "catalog.json.uri", Message: "catalog URI must end with .json"}
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stdout, fmt.Sprintf("[JSON-Catalog-%s] ", name), log.LstdFlags|log.Lshortfile)
	}

	r := &Registry{
		name:   name,
		uri:    uri,
		logger: logger,
		cache:  newCatalogCache(30 * time.Second),
	}
	if err := r.ensureCatalogExists(); err != nil {
		return nil, fmt.Errorf("failed to initialize catalog: %w", err)
	}
	return r, nil
}

// Name returns the catalog name
func (r *Registry) Name() string {
	return r.name
}

// URI returns the catalog file path
func (r *Registry) URI() string {
	return r.uri
}

// Close is a no-op; every operation opens the file itself
func (r *Registry) Close() error {
	return nil
}

func (r *Registry) ensureCatalogExists() error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	unlock, err := r.lockFile()
	if err != nil {
		return err
	}
	defer unlock()

	if _, err := os.Stat(r.uri); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return err
	}

	now := time.Now().UTC()
	r.logger.Printf("Creating new catalog file at %s", r.uri)
	return r.writeCatalogData(&CatalogData{
		CatalogName: r.name,
		Namespaces:  make(map[string]NamespaceEntry),
		Tables:      make(map[string]TableEntry),
		Version:     catalogFormatVersion,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
}

// lockFile takes the cross-process write lock. Separate handles on the same
// file in one process also exclude each other, since each opens its own
// descriptor.
func (r *Registry) lockFile() (func(), error) {
	if err := os.MkdirAll(filepath.Dir(r.uri), 0755); err != nil {
		return nil, &icerr.StorageError{Op: "mkdir", Key: r.uri, Err: err}
	}
	lock := flock.New(r.uri + LockSuffix)
	if err := lock.Lock(); err != nil {
		return nil, &icerr.StorageError{Op: "lock", Key: lock.Path(), Err: err}
	}
	return func() {
		if err := lock.Unlock(); err != nil {
			r.logger.Printf("Failed to release %s: %v", lock.Path(), err)
		}
	}, nil
}

func fileETag(info os.FileInfo) string {
	return fmt.Sprintf("%d-%d", info.Size(), info.ModTime().UnixNano())
}

func (r *Registry) currentETag() (string, error) {
	info, err := os.Stat(r.uri)
	if err != nil {
		return "", err
	}
	return fileETag(info), nil
}

// readCatalogData returns the document and its ETag. Callers must not
// mutate the result.
func (r *Registry) readCatalogData() (*CatalogData, string, error) {
	etag, err := r.currentETag()
	if err != nil {
		return nil, "", &icerr.StorageError{Op: "stat", Key: r.uri, Err: err}
	}
	if data, ok := r.cache.get(etag); ok {
		return data, etag, nil
	}
	return r.loadCatalogData()
}

// loadCatalogData decodes the file, skipping the cache
func (r *Registry) loadCatalogData() (*CatalogData, string, error) {
	file, err := os.Open(r.uri)
	if err != nil {
		return nil, "", &icerr.StorageError{Op: "open", Key: r.uri, Err: err}
	}
	defer file.Close()

	var data CatalogData
	decoder := json.NewDecoder(file)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&data); err != nil {
		return nil, "", fmt.Errorf("failed to decode catalog JSON: %w", err)
	}
	if err := validateCatalogData(&data); err != nil {
		return nil, "", fmt.Errorf("catalog data validation failed: %w", err)
	}

	// The ETag must describe the bytes we decoded, not a later rewrite.
	info, err := file.Stat()
	if err != nil {
		return nil, "", &icerr.StorageError{Op: "stat", Key: r.uri, Err: err}
	}
	etag := fileETag(info)
	r.cache.set(&data, etag)
	return &data, etag, nil
}

func validateCatalogData(data *CatalogData) error {
	if data.CatalogName == "" {
		return &icerr.ValidationError{Field: "catalog_name", Message: "catalog name cannot be empty"}
	}
	if data.Version <= 0 {
		return &icerr.ValidationError{Field: "version", Message: "catalog version must be positive"}
	}
	for nsName, nsEntry := range data.Namespaces {
		if nsName == "" {
			return &icerr.ValidationError{Field: "namespace", Message: "namespace name cannot be empty"}
		}
		if nsEntry.Properties == nil {
			return &icerr.ValidationError{Field: "namespace.properties", Message: "namespace properties cannot be nil"}
		}
	}
	for key, entry := range data.Tables {
		if entry.Namespace == "" || entry.Name == "" {
			return &icerr.ValidationError{Field: "table", Message: fmt.Sprintf("table %q has an empty namespace or name", key)}
		}
		if entry.MetadataLocation == "" {
			return &icerr.ValidationError{Field: "table.metadata_location", Message: fmt.Sprintf("table %q has no metadata location", key)}
		}
		if expected := tableKey(entry.Namespace, entry.Name); key != expected {
			return &icerr.ValidationError{Field: "table_key", Message: fmt.Sprintf("table key '%s' doesn't match expected format '%s'", key, expected)}
		}
		if _, ok := data.Namespaces[entry.Namespace]; !ok {
			return &icerr.ValidationError{Field: "table.namespace", Message: fmt.Sprintf("table references non-existent namespace '%s'", entry.Namespace)}
		}
	}
	return nil
}

// update runs fn against a private copy of the current document and writes
// the result. The read, fn and the rename all happen under the file lock, so
// fn always sees the latest committed document.
func (r *Registry) update(fn func(data *CatalogData) error) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	unlock, err := r.lockFile()
	if err != nil {
		return err
	}
	defer unlock()

	// an ETag built from size and mtime can miss a rewrite inside the
	// clock's resolution, so never trust the cache here
	current, _, err := r.loadCatalogData()
	if err != nil {
		return err
	}
	data := current.clone()
	if err := fn(data); err != nil {
		return err
	}

	err = r.writeCatalogData(data)
	r.cache.invalidate()
	return err
}

// writeCatalogData replaces the file through a temporary sibling. The caller
// holds the file lock.
func (r *Registry) writeCatalogData(data *CatalogData) error {
	data.UpdatedAt = time.Now().UTC()
	if err := os.MkdirAll(filepath.Dir(r.uri), 0755); err != nil {
		return &icerr.StorageError{Op: "mkdir", Key: r.uri, Err: err}
	}

	tempFile := fmt.Sprintf("%s.%s.tmp", r.uri, uuid.NewString())
	defer os.Remove(tempFile)

	file, err := os.OpenFile(tempFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, CatalogFilePermissions)
	if err != nil {
		return &icerr.StorageError{Op: "create", Key: tempFile, Err: err}
	}

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(data); err != nil {
		file.Close()
		return fmt.Errorf("failed to encode catalog JSON: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return &icerr.StorageError{Op: "sync", Key: tempFile, Err: err}
	}
	if err := file.Close(); err != nil {
		return &icerr.StorageError{Op: "close", Key: tempFile, Err: err}
	}
	if err := os.Rename(tempFile, r.uri); err != nil {
		return &icerr.StorageError{Op: "rename", Key: r.uri, Err: err}
	}
	return nil
}

func (d *CatalogData) clone() *CatalogData {
	out := *d
	out.Namespaces = make(map[string]NamespaceEntry, len(d.Namespaces))
	for name, ns := range d.Namespaces {
		props := make(map[string]string, len(ns.Properties))
		for k, v := range ns.Properties {
			props[k] = v
		}
		ns.Properties = props
		out.Namespaces[name] = ns
	}
	out.Tables = make(map[string]TableEntry, len(d.Tables))
	for k, v := range d.Tables {
		out.Tables[k] = v
	}
	return &out
}

func tableKey(namespace, name string) string {
	return namespace + "." + name
}

func validateProperty(key, value string) error {
	if key == "" {
		return &icerr.ValidationError{Field: "property_key", Message: "property key cannot be empty"}
	}
	if len(key) > 255 {
		return &icerr.ValidationError{Field: "property_key", Message: "property key too long (max 255 characters)"}
	}
	if len(value) > 4096 {
		return &icerr.ValidationError{Field: "property_value", Message: "property value too long (max 4096 characters)"}
	}
	if strings.ContainsAny(key, "\n\r\t\000") {
		return &icerr.ValidationError{Field: "property_key", Message: "property key contains invalid characters"}
	}
	if strings.ContainsRune(value, 0) {
		return &icerr.ValidationError{Field: "property_value", Message: "property value contains null characters"}
	}
	return nil
}

// CreateNamespace creates a namespace with the given properties
func (r *Registry) CreateNamespace(ctx context.Context, namespace string, props map[string]string) error {
	for k, v := range props {
		if err := validateProperty(k, v); err != nil {
			return err
		}
	}
	err := r.update(func(data *CatalogData) error {
		if _, ok := data.Namespaces[namespace]; ok {
			return icerr.AlreadyExists("namespace", namespace)
		}
		properties := make(map[string]string, len(props))
		for k, v := range props {
			properties[k] = v
		}
		now := time.Now().UTC()
		data.Namespaces[namespace] = NamespaceEntry{Properties: properties, CreatedAt: now, UpdatedAt: now}
		return nil
	})
	if err == nil {
		r.logger.Printf("Created namespace %s", namespace)
	}
	return err
}

// ListNamespaces returns every namespace sorted by name
func (r *Registry) ListNamespaces(ctx context.Context) ([]catalog.Namespace, error) {
	data, _, err := r.readCatalogData()
	if err != nil {
		return nil, err
	}
	namespaces := make([]catalog.Namespace, 0, len(data.Namespaces))
	for name, ns := range data.Namespaces {
		namespaces = append(namespaces, catalog.Namespace{Name: name, Properties: copyProps(ns.Properties)})
	}
	sort.Slice(namespaces, func(i, j int) bool { return namespaces[i].Name < namespaces[j].Name })
	return namespaces, nil
}

// LoadNamespace returns the namespace and its properties
func (r *Registry) LoadNamespace(ctx context.Context, namespace string) (catalog.Namespace, error) {
	data, _, err := r.readCatalogData()
	if err != nil {
		return catalog.Namespace{}, err
	}
	ns, ok := data.Namespaces[namespace]
	if !ok {
		return catalog.Namespace{}, icerr.NotFound("namespace", namespace)
	}
	return catalog.Namespace{Name: namespace, Properties: copyProps(ns.Properties)}, nil
}

// UpdateNamespaceProperties removes then sets properties
func (r *Registry) UpdateNamespaceProperties(ctx context.Context, namespace string, removals []string, updates map[string]string) (catalog.PropertiesUpdateSummary, error) {
	for k, v := range updates {
		if err := validateProperty(k, v); err != nil {
			return catalog.PropertiesUpdateSummary{}, err
		}
	}
	var summary catalog.PropertiesUpdateSummary
	err := r.update(func(data *CatalogData) error {
		ns, ok := data.Namespaces[namespace]
		if !ok {
			return icerr.NotFound("namespace", namespace)
		}
		s, err := catalog.ApplyPropertyUpdates(ns.Properties, removals, updates)
		if err != nil {
			return err
		}
		ns.UpdatedAt = time.Now().UTC()
		data.Namespaces[namespace] = ns
		summary = s
		return nil
	})
	sort.Strings(summary.Updated)
	return summary, err
}

// DropNamespace removes an empty namespace
func (r *Registry) DropNamespace(ctx context.Context, namespace string) error {
	return r.update(func(data *CatalogData) error {
		if _, ok := data.Namespaces[namespace]; !ok {
			return icerr.NotFound("namespace", namespace)
		}
		tables := 0
		for _, t := range data.Tables {
			if t.Namespace == namespace {
				tables++
			}
		}
		if tables > 0 {
			return &icerr.NamespaceNotEmptyError{Namespace: namespace, Tables: tables}
		}
		delete(data.Namespaces, namespace)
		return nil
	})
}

// RegisterTable inserts a new entry; the namespace must exist
func (r *Registry) RegisterTable(ctx context.Context, entry catalog.Entry) error {
	id := entry.Identifier
	return r.update(func(data *CatalogData) error {
		if _, ok := data.Namespaces[id.Namespace]; !ok {
			return icerr.NotFound("namespace", id.Namespace)
		}
		key := tableKey(id.Namespace, id.Name)
		if _, ok := data.Tables[key]; ok {
			return icerr.AlreadyExists("table", id.String())
		}
		data.Tables[key] = toTableEntry(entry)
		return nil
	})
}

// GetEntry returns the current entry for id
func (r *Registry) GetEntry(ctx context.Context, id catalog.Identifier) (catalog.Entry, error) {
	data, _, err := r.readCatalogData()
	if err != nil {
		return catalog.Entry{}, err
	}
	t, ok := data.Tables[tableKey(id.Namespace, id.Name)]
	if !ok {
		return catalog.Entry{}, icerr.NotFound("table", id.String())
	}
	return fromTableEntry(t), nil
}

// ListEntries returns the entries in namespace sorted by table name
func (r *Registry) ListEntries(ctx context.Context, namespace string) ([]catalog.Entry, error) {
	data, _, err := r.readCatalogData()
	if err != nil {
		return nil, err
	}
	if _, ok := data.Namespaces[namespace]; !ok {
		return nil, icerr.NotFound("namespace", namespace)
	}
	entries := []catalog.Entry{}
	for _, t := range data.Tables {
		if t.Namespace == namespace {
			entries = append(entries, fromTableEntry(t))
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Identifier.Name < entries[j].Identifier.Name })
	return entries, nil
}

// DeleteEntry removes the entry for id
func (r *Registry) DeleteEntry(ctx context.Context, id catalog.Identifier) error {
	return r.update(func(data *CatalogData) error {
		key := tableKey(id.Namespace, id.Name)
		if _, ok := data.Tables[key]; !ok {
			return icerr.NotFound("table", id.String())
		}
		delete(data.Tables, key)
		return nil
	})
}

// SwapEntry replaces the entry only if it is still at baseVersion
func (r *Registry) SwapEntry(ctx context.Context, id catalog.Identifier, baseVersion int64, next catalog.Entry) error {
	return r.update(func(data *CatalogData) error {
		key := tableKey(id.Namespace, id.Name)
		current, ok := data.Tables[key]
		if !ok {
			return icerr.NotFound("table", id.String())
		}
		if current.MetadataVersion != baseVersion {
			return &icerr.CommitConflictError{Table: id.String(), BaseVersion: baseVersion, CurrentVersion: current.MetadataVersion}
		}
		updated := toTableEntry(next)
		updated.Namespace, updated.Name = id.Namespace, id.Name
		updated.CreatedAt = current.CreatedAt
		updated.UpdatedAt = time.Now().UTC()
		data.Tables[key] = updated
		return nil
	})
}

func toTableEntry(e catalog.Entry) TableEntry {
	t := TableEntry{
		Namespace:        e.Identifier.Namespace,
		Name:             e.Identifier.Name,
		MetadataLocation: e.MetadataLocation,
		MetadataVersion:  e.MetadataVersion,
		CreatedAt:        e.CreatedAt.UTC(),
		UpdatedAt:        e.UpdatedAt.UTC(),
	}
	if e.PreviousMetadataLocation != "" {
		prev := e.PreviousMetadataLocation
		t.PreviousMetadataLocation = &prev
	}
	return t
}

func fromTableEntry(t TableEntry) catalog.Entry {
	e := catalog.Entry{
		Identifier:       catalog.Identifier{Namespace: t.Namespace, Name: t.Name},
		MetadataLocation: t.MetadataLocation,
		MetadataVersion:  t.MetadataVersion,
		CreatedAt:        t.CreatedAt,
		UpdatedAt:        t.UpdatedAt,
	}
	if t.PreviousMetadataLocation != nil {
		e.PreviousMetadataLocation = *t.PreviousMetadataLocation
	}
	return e
}

func copyProps(props map[string]string) map[string]string {
	out := make(map[string]string, len(props))
	for k, v := range props {
		out[k] = v
	}
	return out
}
