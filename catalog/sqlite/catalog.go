// Package sqlite stores catalog entries in a SQLite database. The commit
// compare-and-swap is a single conditional UPDATE.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/TFMV/floe/catalog"
	"github.com/TFMV/floe/fs/local"
	"github.com/TFMV/floe/icerr"
	_ "github.com/mattn/go-sqlite3"
)

// existsKey marks a namespace row so empty namespaces are still listed
const existsKey = "exists"

// Registry implements catalog.Registry using SQLite
type Registry struct {
	name   string
	dbPath string
	db     *sql.DB
}

var _ catalog.Registry = (*Registry)(nil)

// NewRegistry opens (creating if needed) the database at dbPath
func NewRegistry(name, dbPath string) (*Registry, error) {
	if dbPath == "" {
		return nil, &icerr.ValidationError{Field: "catalog.sqlite.path", Message: "SQLite catalog path is required"}
	}
	if dbPath != ":memory:" {
		if err := local.EnsureDir(filepath.Dir(dbPath)); err != nil {
			return nil, fmt.Errorf("failed to create catalog directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}
	// A single connection serializes writers inside this process and keeps
	// an in-memory database alive for the registry's lifetime.
	db.SetMaxOpenConns(1)

	r := &Registry{name: name, dbPath: dbPath, db: db}
	if err := r.initializeDatabase(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return r, nil
}

// Name returns the catalog name
func (r *Registry) Name() string {
	return r.name
}

// Path returns the database file
func (r *Registry) Path() string {
	return r.dbPath
}

// Close closes the database connection
func (r *Registry) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

func (r *Registry) initializeDatabase() error {
	createTablesSQL := `
	CREATE TABLE IF NOT EXISTS floe_tables (
		catalog_name TEXT NOT NULL,
		table_namespace TEXT NOT NULL,
		table_name TEXT NOT NULL,
		metadata_location TEXT NOT NULL,
		metadata_version INTEGER NOT NULL,
		previous_metadata_location TEXT,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		PRIMARY KEY (catalog_name, table_namespace, table_name)
	)`
	if _, err := r.db.Exec(createTablesSQL); err != nil {
		return fmt.Errorf("failed to create floe_tables table: %w", err)
	}

	createNamespacePropsSQL := `
	CREATE TABLE IF NOT EXISTS floe_namespace_properties (
		catalog_name TEXT NOT NULL,
		namespace TEXT NOT NULL,
		property_key TEXT NOT NULL,
		property_value TEXT,
		PRIMARY KEY (catalog_name, namespace, property_key)
	)`
	if _, err := r.db.Exec(createNamespacePropsSQL); err != nil {
		return fmt.Errorf("failed to create floe_namespace_properties table: %w", err)
	}
	return nil
}

func (r *Registry) namespaceExists(ctx context.Context, q queryer, namespace string) (bool, error) {
	var count int
	query := `SELECT COUNT(*) FROM floe_namespace_properties WHERE catalog_name = ? AND namespace = ? AND property_key = ?`
	if err := q.QueryRowContext(ctx, query, r.name, namespace, existsKey).Scan(&count); err != nil {
		return false, fmt.Errorf("failed to check namespace existence: %w", err)
	}
	return count > 0, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// CreateNamespace creates a namespace with the given properties
func (r *Registry) CreateNamespace(ctx context.Context, namespace string, props map[string]string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	exists, err := r.namespaceExists(ctx, tx, namespace)
	if err != nil {
		return err
	}
	if exists {
		return icerr.AlreadyExists("namespace", namespace)
	}

	insertSQL := `INSERT INTO floe_namespace_properties (catalog_name, namespace, property_key, property_value) VALUES (?, ?, ?, ?)`
	if _, err := tx.ExecContext(ctx, insertSQL, r.name, namespace, existsKey, "true"); err != nil {
		return fmt.Errorf("failed to create namespace: %w", err)
	}
	for key, value := range props {
		if key == existsKey {
			continue
		}
		if _, err := tx.ExecContext(ctx, insertSQL, r.name, namespace, key, value); err != nil {
			return fmt.Errorf("failed to set namespace property %s: %w", key, err)
		}
	}
	return tx.Commit()
}

// ListNamespaces returns every namespace sorted by name
func (r *Registry) ListNamespaces(ctx context.Context) ([]catalog.Namespace, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT namespace, property_key, property_value FROM floe_namespace_properties WHERE catalog_name = ? ORDER BY namespace`, r.name)
	if err != nil {
		return nil, fmt.Errorf("failed to list namespaces: %w", err)
	}
	defer rows.Close()

	byName := make(map[string]map[string]string)
	for rows.Next() {
		var ns, key string
		var value sql.NullString
		if err := rows.Scan(&ns, &key, &value); err != nil {
			return nil, fmt.Errorf("failed to scan namespace row: %w", err)
		}
		if byName[ns] == nil {
			byName[ns] = make(map[string]string)
		}
		if key != existsKey {
			byName[ns][key] = value.String
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating namespace rows: %w", err)
	}

	namespaces := make([]catalog.Namespace, 0, len(byName))
	for ns, props := range byName {
		namespaces = append(namespaces, catalog.Namespace{Name: ns, Properties: props})
	}
	sort.Slice(namespaces, func(i, j int) bool { return namespaces[i].Name < namespaces[j].Name })
	return namespaces, nil
}

// LoadNamespace returns the namespace and its properties
func (r *Registry) LoadNamespace(ctx context.Context, namespace string) (catalog.Namespace, error) {
	props, err := r.loadProperties(ctx, namespace)
	if err != nil {
		return catalog.Namespace{}, err
	}
	return catalog.Namespace{Name: namespace, Properties: props}, nil
}

func (r *Registry) loadProperties(ctx context.Context, namespace string) (map[string]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT property_key, property_value FROM floe_namespace_properties WHERE catalog_name = ? AND namespace = ?`, r.name, namespace)
	if err != nil {
		return nil, fmt.Errorf("failed to load namespace properties: %w", err)
	}
	defer rows.Close()

	found := false
	props := make(map[string]string)
	for rows.Next() {
		var key string
		var value sql.NullString
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("failed to scan property row: %w", err)
		}
		if key == existsKey {
			found = true
			continue
		}
		props[key] = value.String
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating property rows: %w", err)
	}
	if !found {
		return nil, icerr.NotFound("namespace", namespace)
	}
	return props, nil
}

// UpdateNamespaceProperties removes then sets properties in one transaction
func (r *Registry) UpdateNamespaceProperties(ctx context.Context, namespace string, removals []string, updates map[string]string) (catalog.PropertiesUpdateSummary, error) {
	props, err := r.loadProperties(ctx, namespace)
	if err != nil {
		return catalog.PropertiesUpdateSummary{}, err
	}
	_, reserved := updates[existsKey]
	for _, key := range removals {
		reserved = reserved || key == existsKey
	}
	if reserved {
		return catalog.PropertiesUpdateSummary{}, &icerr.ValidationError{Field: existsKey, Message: "reserved property"}
	}
	summary, err := catalog.ApplyPropertyUpdates(props, removals, updates)
	if err != nil {
		return summary, err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return summary, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, key := range summary.Removed {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM floe_namespace_properties WHERE catalog_name = ? AND namespace = ? AND property_key = ?`,
			r.name, namespace, key); err != nil {
			return summary, fmt.Errorf("failed to remove property %s: %w", key, err)
		}
	}
	for key, value := range updates {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO floe_namespace_properties (catalog_name, namespace, property_key, property_value) VALUES (?, ?, ?, ?)
			 ON CONFLICT (catalog_name, namespace, property_key) DO UPDATE SET property_value = excluded.property_value`,
			r.name, namespace, key, value); err != nil {
			return summary, fmt.Errorf("failed to set property %s: %w", key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return summary, fmt.Errorf("failed to commit property update: %w", err)
	}
	sort.Strings(summary.Updated)
	return summary, nil
}

// DropNamespace removes an empty namespace
func (r *Registry) DropNamespace(ctx context.Context, namespace string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	exists, err := r.namespaceExists(ctx, tx, namespace)
	if err != nil {
		return err
	}
	if !exists {
		return icerr.NotFound("namespace", namespace)
	}

	var tables int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM floe_tables WHERE catalog_name = ? AND table_namespace = ?`, r.name, namespace).Scan(&tables); err != nil {
		return fmt.Errorf("failed to count tables: %w", err)
	}
	if tables > 0 {
		return &icerr.NamespaceNotEmptyError{Namespace: namespace, Tables: tables}
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM floe_namespace_properties WHERE catalog_name = ? AND namespace = ?`, r.name, namespace); err != nil {
		return fmt.Errorf("failed to drop namespace: %w", err)
	}
	return tx.Commit()
}

// RegisterTable inserts a new entry; the namespace must exist
func (r *Registry) RegisterTable(ctx context.Context, entry catalog.Entry) error {
	id := entry.Identifier
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	exists, err := r.namespaceExists(ctx, tx, id.Namespace)
	if err != nil {
		return err
	}
	if !exists {
		return icerr.NotFound("namespace", id.Namespace)
	}

	res, err := tx.ExecContext(ctx, `
	INSERT INTO floe_tables (catalog_name, table_namespace, table_name, metadata_location, metadata_version, previous_metadata_location, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (catalog_name, table_namespace, table_name) DO NOTHING`,
		r.name, id.Namespace, id.Name, entry.MetadataLocation, entry.MetadataVersion,
		nullable(entry.PreviousMetadataLocation), entry.CreatedAt.UTC(), entry.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert table record: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	} else if n == 0 {
		return icerr.AlreadyExists("table", id.String())
	}
	return tx.Commit()
}

const selectEntry = `SELECT table_namespace, table_name, metadata_location, metadata_version, previous_metadata_location, created_at, updated_at FROM floe_tables`

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (catalog.Entry, error) {
	var e catalog.Entry
	var prev sql.NullString
	if err := s.Scan(&e.Identifier.Namespace, &e.Identifier.Name, &e.MetadataLocation, &e.MetadataVersion, &prev, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return e, err
	}
	e.PreviousMetadataLocation = prev.String
	return e, nil
}

// GetEntry returns the current entry for id
func (r *Registry) GetEntry(ctx context.Context, id catalog.Identifier) (catalog.Entry, error) {
	row := r.db.QueryRowContext(ctx, selectEntry+` WHERE catalog_name = ? AND table_namespace = ? AND table_name = ?`,
		r.name, id.Namespace, id.Name)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return e, icerr.NotFound("table", id.String())
	}
	if err != nil {
		return e, fmt.Errorf("failed to load table %s: %w", id, err)
	}
	return e, nil
}

// ListEntries returns the entries in namespace sorted by table name
func (r *Registry) ListEntries(ctx context.Context, namespace string) ([]catalog.Entry, error) {
	exists, err := r.namespaceExists(ctx, r.db, namespace)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, icerr.NotFound("namespace", namespace)
	}

	rows, err := r.db.QueryContext(ctx, selectEntry+` WHERE catalog_name = ? AND table_namespace = ? ORDER BY table_name`,
		r.name, namespace)
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	defer rows.Close()

	entries := []catalog.Entry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan table row: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating table rows: %w", err)
	}
	return entries, nil
}

// DeleteEntry removes the entry for id
func (r *Registry) DeleteEntry(ctx context.Context, id catalog.Identifier) error {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM floe_tables WHERE catalog_name = ? AND table_namespace = ? AND table_name = ?`,
		r.name, id.Namespace, id.Name)
	if err != nil {
		return fmt.Errorf("failed to drop table: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return icerr.NotFound("table", id.String())
	}
	return nil
}

// SwapEntry replaces the entry only if it is still at baseVersion
func (r *Registry) SwapEntry(ctx context.Context, id catalog.Identifier, baseVersion int64, next catalog.Entry) error {
	res, err := r.db.ExecContext(ctx, `
	UPDATE floe_tables
	SET metadata_location = ?, metadata_version = ?, previous_metadata_location = ?, updated_at = ?
	WHERE catalog_name = ? AND table_namespace = ? AND table_name = ? AND metadata_version = ?`,
		next.MetadataLocation, next.MetadataVersion, nullable(next.PreviousMetadataLocation), time.Now().UTC(),
		r.name, id.Namespace, id.Name, baseVersion)
	if err != nil {
		return fmt.Errorf("failed to update table %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 1 {
		return nil
	}

	current, err := r.GetEntry(ctx, id)
	if err != nil {
		return err
	}
	return &icerr.CommitConflictError{Table: id.String(), BaseVersion: baseVersion, CurrentVersion: current.MetadataVersion}
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
