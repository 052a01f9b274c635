// Package duckdb queries floe tables with DuckDB. A registered table is a
// view over read_parquet of the files a scan plan yields, so any snapshot
// the planner can resolve can be queried.
package duckdb

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/marcboeker/go-duckdb/v2"

	"github.com/TFMV/floe/catalog"
	floefs "github.com/TFMV/floe/fs"
	"github.com/TFMV/floe/icerr"
	"github.com/TFMV/floe/metrics"
	"github.com/TFMV/floe/table"
)

// Engine provides SQL over catalog tables
type Engine struct {
	db       *sql.DB
	catalog  catalog.Catalog
	store    floefs.Store
	config   *EngineConfig
	logger   *log.Logger
	metrics  *EngineMetrics
	spillDir string
	mutex    sync.RWMutex
	closed   bool
}

// EngineConfig holds configuration options for the engine
type EngineConfig struct {
	MaxMemoryMB     int
	QueryTimeoutSec int
	EnableQueryLog  bool
	// MaxRows truncates query results; 0 means no limit
	MaxRows int64
}

// EngineMetrics tracks engine performance metrics
type EngineMetrics struct {
	QueriesExecuted   int64
	TablesRegistered  int64
	FilesMaterialized int64
	TotalQueryTime    time.Duration
	ErrorCount        int64
	mu                sync.RWMutex
}

// QueryResult represents the result of a SQL query
type QueryResult struct {
	Columns  []string
	Rows     [][]any
	RowCount int64
	Duration time.Duration
	QueryID  string
}

// DefaultEngineConfig returns a default configuration for the engine
func DefaultEngineConfig() *EngineConfig {
	return &EngineConfig{
		MaxMemoryMB:     512,
		QueryTimeoutSec: 300,
		MaxRows:         100000,
	}
}

// NewEngine creates an engine reading table files from store
func NewEngine(cat catalog.Catalog, store floefs.Store) (*Engine, error) {
	return NewEngineWithConfig(cat, store, DefaultEngineConfig())
}

// NewEngineWithConfig creates an engine with custom configuration
func NewEngineWithConfig(cat catalog.Catalog, store floefs.Store, config *EngineConfig) (*Engine, error) {
	if cat == nil {
		return nil, &icerr.ValidationError{Field: "catalog", Message: "catalog cannot be nil"}
	}
	if store == nil {
		return nil, &icerr.ValidationError{Field: "store", Message: "store cannot be nil"}
	}
	if config == nil {
		config = DefaultEngineConfig()
	}

	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, fmt.Errorf("failed to open DuckDB connection: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping DuckDB: %w", err)
	}

	spillDir, err := os.MkdirTemp("", "floe-duckdb-")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create spill directory: %w", err)
	}

	e := &Engine{
		db:       db,
		catalog:  cat,
		store:    store,
		config:   config,
		metrics:  &EngineMetrics{},
		logger:   log.New(os.Stdout, "[DuckDB] ", log.LstdFlags|log.Lshortfile),
		spillDir: spillDir,
	}

	if config.MaxMemoryMB > 0 {
		if _, err := db.Exec(fmt.Sprintf("SET memory_limit = '%dMB'", config.MaxMemoryMB)); err != nil {
			e.logger.Printf("Warning: Failed to set memory limit: %v", err)
		}
	}
	if _, err := db.Exec("SET enable_progress_bar = false"); err != nil {
		e.logger.Printf("Warning: Failed to disable progress bar: %v", err)
	}
	return e, nil
}

// SetLogger replaces the engine's logger
func (e *Engine) SetLogger(l *log.Logger) {
	e.logger = l
}

// Close closes the DuckDB connection and removes materialized files
func (e *Engine) Close() error {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	err := e.db.Close()
	if rmErr := os.RemoveAll(e.spillDir); err == nil {
		err = rmErr
	}
	return err
}

// GetMetrics returns a copy of the engine metrics
func (e *Engine) GetMetrics() *EngineMetrics {
	e.metrics.mu.RLock()
	defer e.metrics.mu.RUnlock()
	return &EngineMetrics{
		QueriesExecuted:   e.metrics.QueriesExecuted,
		TablesRegistered:  e.metrics.TablesRegistered,
		FilesMaterialized: e.metrics.FilesMaterialized,
		TotalQueryTime:    e.metrics.TotalQueryTime,
		ErrorCount:        e.metrics.ErrorCount,
	}
}

// ExecuteQuery executes a SQL query and returns the results
func (e *Engine) ExecuteQuery(ctx context.Context, query string) (*QueryResult, error) {
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	if e.closed {
		return nil, &icerr.ValidationError{Field: "engine", Message: "engine is closed"}
	}

	e.metrics.mu.Lock()
	n := e.metrics.QueriesExecuted
	e.metrics.QueriesExecuted++
	e.metrics.mu.Unlock()
	queryID := fmt.Sprintf("query_%d_%d", time.Now().UnixNano(), n)

	if e.config.QueryTimeoutSec > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(e.config.QueryTimeoutSec)*time.Second)
		defer cancel()
	}
	if e.config.EnableQueryLog {
		e.logger.Printf("Executing query [%s]: %s", queryID, query)
	}

	start := time.Now()
	rows, err := e.db.QueryContext(ctx, query)
	if err != nil {
		e.incrementErrorCount()
		return nil, fmt.Errorf("failed to execute query [%s]: %w", queryID, err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		e.incrementErrorCount()
		return nil, fmt.Errorf("failed to get columns for query [%s]: %w", queryID, err)
	}

	var resultRows [][]any
	var rowCount int64
	for rows.Next() {
		if e.config.MaxRows > 0 && rowCount >= e.config.MaxRows {
			e.logger.Printf("Warning: Query [%s] result truncated at %d rows", queryID, e.config.MaxRows)
			break
		}
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			e.incrementErrorCount()
			return nil, fmt.Errorf("failed to scan row %d in query [%s]: %w", rowCount, queryID, err)
		}
		resultRows = append(resultRows, values)
		rowCount++
	}
	if err := rows.Err(); err != nil {
		e.incrementErrorCount()
		return nil, fmt.Errorf("error iterating rows in query [%s]: %w", queryID, err)
	}

	duration := time.Since(start)
	e.metrics.mu.Lock()
	e.metrics.TotalQueryTime += duration
	e.metrics.mu.Unlock()

	if e.config.EnableQueryLog {
		e.logger.Printf("Query [%s] completed in %v, returned %d rows", queryID, duration, rowCount)
	}

	return &QueryResult{
		Columns:  columns,
		Rows:     resultRows,
		RowCount: rowCount,
		Duration: duration,
		QueryID:  queryID,
	}, nil
}

// RegisterTable creates a view named namespace_table, plus a bare table
// name alias, over the files a scan of id yields. Scan options select the
// snapshot, so a view can pin a point in the table's history.
func (e *Engine) RegisterTable(ctx context.Context, id catalog.Identifier, opts ...table.ScanOption) error {
	tbl, err := e.catalog.LoadTable(ctx, id)
	if err != nil {
		return err
	}
	files, err := table.CollectFiles(table.PlanScan(ctx, e.store, tbl.Metadata, opts...))
	if err != nil {
		return err
	}
	metrics.FilesPlannedTotal.WithLabelValues(e.catalog.Name()).Add(float64(len(files)))

	e.mutex.Lock()
	defer e.mutex.Unlock()
	if e.closed {
		return &icerr.ValidationError{Field: "engine", Message: "engine is closed"}
	}

	start := time.Now()
	viewName := identifierToTableName(id)
	schema := tbl.Metadata.CurrentSchema()

	var body string
	if len(files) == 0 {
		body = emptySelect(schema)
	} else {
		paths, err := e.localPaths(ctx, files)
		if err != nil {
			return err
		}
		body, err = e.projectFiles(ctx, schema, paths)
		if err != nil {
			e.incrementErrorCount()
			return fmt.Errorf("failed to register table %s: %w", id, err)
		}
	}

	if _, err := e.db.ExecContext(ctx, fmt.Sprintf("CREATE OR REPLACE VIEW %s AS %s", quoteName(viewName), body)); err != nil {
		e.incrementErrorCount()
		return fmt.Errorf("failed to register table %s: %w", id, err)
	}
	aliasSQL := fmt.Sprintf("CREATE OR REPLACE VIEW %s AS SELECT * FROM %s", quoteName(id.Name), quoteName(viewName))
	if _, err := e.db.ExecContext(ctx, aliasSQL); err != nil {
		e.logger.Printf("Warning: Could not create alias %s for table %s: %v", id.Name, viewName, err)
	}

	e.metrics.mu.Lock()
	e.metrics.TablesRegistered++
	e.metrics.mu.Unlock()
	e.logger.Printf("Registered table %s over %d files in %v", id, len(files), time.Since(start))
	return nil
}

// projectFiles selects the current schema's columns from the files in
// order. Files that carry parquet field IDs are matched by ID, so renamed
// columns keep their data and a dropped name re-added later reads as null
// in old files. Files without IDs, such as parquet copied in by an import,
// are matched by name. Columns a file lacks read as typed nulls.
func (e *Engine) projectFiles(ctx context.Context, schema *table.Schema, paths []string) (string, error) {
	var byID, byName []string
	for _, p := range paths {
		ok, err := e.hasFieldIDs(ctx, p)
		if err != nil {
			return "", err
		}
		if ok {
			byID = append(byID, p)
		} else {
			byName = append(byName, p)
		}
	}

	var parts []string
	if len(byID) > 0 {
		parts = append(parts, selectByFieldID(schema, byID))
	}
	if len(byName) > 0 {
		part, err := e.selectByName(ctx, schema, byName)
		if err != nil {
			return "", err
		}
		parts = append(parts, part)
	}
	return strings.Join(parts, " UNION ALL "), nil
}

func (e *Engine) hasFieldIDs(ctx context.Context, path string) (bool, error) {
	var n int64
	query := fmt.Sprintf("SELECT count(field_id) FROM parquet_schema(%s)", quoteLiteral(path))
	if err := e.db.QueryRowContext(ctx, query).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

func selectByFieldID(schema *table.Schema, paths []string) string {
	entries := make([]string, len(schema.Fields))
	exprs := make([]string, len(schema.Fields))
	for i, f := range schema.Fields {
		entries[i] = fmt.Sprintf("%d: {name: %s, type: %s, default_value: NULL}",
			f.ID, quoteLiteral(f.Name), quoteLiteral(sqlType(f.Type)))
		exprs[i] = quoteName(f.Name)
	}
	return fmt.Sprintf("SELECT %s FROM read_parquet([%s], schema = MAP {%s})",
		strings.Join(exprs, ", "), quoteList(paths), strings.Join(entries, ", "))
}

func (e *Engine) selectByName(ctx context.Context, schema *table.Schema, paths []string) (string, error) {
	source := fmt.Sprintf("read_parquet([%s], union_by_name = true)", quoteList(paths))

	rows, err := e.db.QueryContext(ctx, "DESCRIBE SELECT * FROM "+source)
	if err != nil {
		return "", err
	}
	defer rows.Close()
	cols, err := rows.Columns()
	if err != nil {
		return "", err
	}
	present := map[string]bool{}
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return "", err
		}
		if name, ok := values[0].(string); ok {
			present[name] = true
		}
	}
	if err := rows.Err(); err != nil {
		return "", err
	}

	exprs := make([]string, len(schema.Fields))
	for i, f := range schema.Fields {
		if present[f.Name] {
			exprs[i] = fmt.Sprintf("CAST(%s AS %s) AS %s", quoteName(f.Name), sqlType(f.Type), quoteName(f.Name))
		} else {
			exprs[i] = fmt.Sprintf("CAST(NULL AS %s) AS %s", sqlType(f.Type), quoteName(f.Name))
		}
	}
	return fmt.Sprintf("SELECT %s FROM %s", strings.Join(exprs, ", "), source), nil
}

func quoteList(values []string) string {
	quoted := make([]string, len(values))
	for i, v := range values {
		quoted[i] = quoteLiteral(v)
	}
	return strings.Join(quoted, ", ")
}

// localPaths returns filesystem paths DuckDB can read. Files in stores
// without local paths are copied into the spill directory.
func (e *Engine) localPaths(ctx context.Context, files []table.DataFile) ([]string, error) {
	lp, local := e.store.(floefs.LocalPather)
	paths := make([]string, len(files))
	for i, f := range files {
		if f.Format != table.FormatParquet {
			return nil, &icerr.ValidationError{Field: "format", Message: fmt.Sprintf("cannot query %s data file %s", f.Format, f.Path)}
		}
		if local {
			paths[i] = lp.LocalPath(f.Path)
			continue
		}

		spilled := filepath.Join(e.spillDir, strings.ReplaceAll(floefs.NormalizeKey(f.Path), "/", "_"))
		if _, err := os.Stat(spilled); err != nil {
			data, err := e.store.Get(ctx, f.Path)
			if err != nil {
				return nil, err
			}
			if err := os.WriteFile(spilled, data, 0o644); err != nil {
				return nil, &icerr.StorageError{Op: "spill", Key: f.Path, Err: err}
			}
			e.metrics.mu.Lock()
			e.metrics.FilesMaterialized++
			e.metrics.mu.Unlock()
		}
		paths[i] = spilled
	}
	return paths, nil
}

// ListTables returns the registered views
func (e *Engine) ListTables(ctx context.Context) ([]string, error) {
	rows, err := e.db.QueryContext(ctx, "SHOW TABLES")
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	defer rows.Close()

	tables := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan table name: %w", err)
		}
		tables = append(tables, name)
	}
	return tables, rows.Err()
}

// DescribeTable returns schema information for a registered view
func (e *Engine) DescribeTable(ctx context.Context, tableName string) (*QueryResult, error) {
	return e.ExecuteQuery(ctx, "DESCRIBE "+quoteName(tableName))
}

func (e *Engine) incrementErrorCount() {
	e.metrics.mu.Lock()
	e.metrics.ErrorCount++
	e.metrics.mu.Unlock()
}

func emptySelect(schema *table.Schema) string {
	exprs := make([]string, len(schema.Fields))
	for i, f := range schema.Fields {
		exprs[i] = fmt.Sprintf("CAST(NULL AS %s) AS %s", sqlType(f.Type), quoteName(f.Name))
	}
	return fmt.Sprintf("SELECT %s WHERE false", strings.Join(exprs, ", "))
}

func sqlType(t table.Type) string {
	switch tt := t.(type) {
	case table.PrimitiveType:
		switch tt {
		case table.BooleanType:
			return "BOOLEAN"
		case table.IntType:
			return "INTEGER"
		case table.LongType:
			return "BIGINT"
		case table.FloatType:
			return "FLOAT"
		case table.DoubleType:
			return "DOUBLE"
		case table.DateType:
			return "DATE"
		case table.TimeType:
			return "TIME"
		case table.TimestampType:
			return "TIMESTAMP"
		case table.TimestampTzType:
			return "TIMESTAMPTZ"
		case table.UUIDType:
			return "UUID"
		case table.BinaryType:
			return "BLOB"
		}
	case table.DecimalType:
		return fmt.Sprintf("DECIMAL(%d,%d)", tt.Precision, tt.Scale)
	case table.FixedType:
		return "BLOB"
	}
	return "VARCHAR"
}

// identifierToTableName converts a table identifier to a SQL-safe name
func identifierToTableName(id catalog.Identifier) string {
	return id.Namespace + "_" + id.Name
}

// quoteName quotes a SQL identifier
func quoteName(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
