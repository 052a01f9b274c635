package importer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/hamba/avro/v2"
	"github.com/hamba/avro/v2/ocf"

	"github.com/TFMV/floe/catalog"
	floefs "github.com/TFMV/floe/fs"
	"github.com/TFMV/floe/icerr"
	"github.com/TFMV/floe/table"
	"github.com/TFMV/floe/tableops"
)

// batchRows bounds the rows buffered per written data file
const batchRows = 64 * 1024

// AvroImporter reads avro object container files and rewrites their records
// as parquet data files
type AvroImporter struct {
	base
	writer *tableops.DataFileWriter
}

// NewAvroImporter creates an avro importer committing through cat
func NewAvroImporter(cat catalog.Catalog, store floefs.Store, opts Options) *AvroImporter {
	b := newBase(cat, store, "[AvroImporter] ", opts)
	w := tableops.NewDataFileWriter(store)
	w.SetLogger(b.logger)
	return &AvroImporter{base: b, writer: w}
}

// InferSchema maps the writer schema of the file to a table schema and
// counts its records
func (a *AvroImporter) InferSchema(ctx context.Context, path string) (*table.Schema, *FileStats, error) {
	data, err := readSource(path)
	if err != nil {
		return nil, nil, err
	}
	dec, err := ocf.NewDecoder(bytes.NewReader(data))
	if err != nil {
		return nil, nil, &icerr.ValidationError{Field: "file", Message: fmt.Sprintf("%s is not an avro container file: %v", path, err)}
	}
	schema, err := avroSchema(dec.Schema())
	if err != nil {
		return nil, nil, err
	}

	var count int64
	for dec.HasNext() {
		var rec map[string]any
		if err := dec.Decode(&rec); err != nil {
			return nil, nil, fmt.Errorf("failed to decode record %d: %w", count, err)
		}
		count++
	}
	if err := dec.Error(); err != nil && err != io.EOF {
		return nil, nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	return schema, &FileStats{
		RecordCount: count,
		FileSize:    int64(len(data)),
		ColumnCount: len(schema.Fields),
	}, nil
}

// ImportTable decodes every record, writes them as parquet files split by
// identity partition and commits the files in one snapshot
func (a *AvroImporter) ImportTable(ctx context.Context, req ImportRequest) (*ImportResult, error) {
	if err := req.Table.Validate(); err != nil {
		return nil, err
	}
	data, err := readSource(req.Path)
	if err != nil {
		return nil, err
	}
	dec, err := ocf.NewDecoder(bytes.NewReader(data))
	if err != nil {
		return nil, &icerr.ValidationError{Field: "file", Message: fmt.Sprintf("%s is not an avro container file: %v", req.Path, err)}
	}
	inferred, err := avroSchema(dec.Schema())
	if err != nil {
		return nil, err
	}

	tbl, created, err := a.ensureTable(ctx, req, inferred)
	if err != nil {
		return nil, err
	}
	meta := tbl.Metadata
	schema := meta.CurrentSchema()
	if err := checkCompatible(schema, inferred); err != nil {
		return nil, err
	}
	units := timestampUnits(dec.Schema())

	groups := map[string]*partitionGroup{}
	var files []table.DataFile
	flush := func(g *partitionGroup) error {
		if len(g.rows) == 0 {
			return nil
		}
		df, err := a.writer.WriteRows(ctx, meta, g.rows)
		if err != nil {
			return err
		}
		df.PartitionValues = g.values
		files = append(files, df)
		g.rows = g.rows[:0]
		return nil
	}

	var n int64
	for dec.HasNext() {
		var rec map[string]any
		if err := dec.Decode(&rec); err != nil {
			return nil, fmt.Errorf("failed to decode record %d: %w", n, err)
		}
		n++

		row := make(table.Row, len(rec))
		for name, v := range rec {
			f, ok := schema.FieldByName(name)
			if !ok {
				continue
			}
			row[f.ID] = normalizeAvroValue(unwrapUnion(v), f.Type, units[name])
		}

		values, err := partitionValues(meta, row)
		if err != nil {
			return nil, err
		}
		key := partitionKey(values)
		g, ok := groups[key]
		if !ok {
			g = &partitionGroup{values: values}
			groups[key] = g
		}
		g.rows = append(g.rows, row)
		if len(g.rows) >= batchRows {
			if err := flush(g); err != nil {
				return nil, err
			}
		}
	}
	if err := dec.Error(); err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to read %s: %w", req.Path, err)
	}

	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := flush(groups[k]); err != nil {
			return nil, err
		}
	}
	if len(files) == 0 {
		return nil, &icerr.ValidationError{Field: "file", Message: fmt.Sprintf("%s contains no records", req.Path)}
	}
	a.logger.Printf("Wrote %d records from %s into %d data files", n, req.Path, len(files))

	committed, err := a.commit(ctx, req, files)
	if err != nil {
		return nil, err
	}
	return a.result(req, committed, created, files), nil
}

type partitionGroup struct {
	values map[string]string
	rows   []table.Row
}

func partitionValues(meta *table.Metadata, row table.Row) (map[string]string, error) {
	spec := meta.DefaultSpec()
	if spec.IsUnpartitioned() {
		return nil, nil
	}
	values := make(map[string]string, len(spec.Fields))
	for _, pf := range spec.Fields {
		if pf.Transform.Kind != "identity" {
			return nil, &icerr.ValidationError{Field: pf.Name, Message: fmt.Sprintf("cannot import into a %s partition", pf.Transform)}
		}
		v, ok := row[pf.SourceID]
		if !ok || v == nil {
			values[pf.Name] = "null"
			continue
		}
		if t, ok := v.(time.Time); ok {
			values[pf.Name] = t.UTC().Format(time.RFC3339Nano)
			continue
		}
		values[pf.Name] = fmt.Sprint(v)
	}
	return values, nil
}

func partitionKey(values map[string]string) string {
	if len(values) == 0 {
		return ""
	}
	parts := make([]string, 0, len(values))
	for k, v := range values {
		parts = append(parts, k+"="+v)
	}
	sort.Strings(parts)
	return strings.Join(parts, "/")
}

// avroSchema maps a flat record schema; nullable unions become optional
// columns
func avroSchema(s avro.Schema) (*table.Schema, error) {
	rec, ok := s.(*avro.RecordSchema)
	if !ok {
		return nil, &icerr.SchemaError{Op: "infer", Reason: fmt.Sprintf("top-level avro schema must be a record, got %s", s.Type())}
	}
	fields := make([]table.Field, 0, len(rec.Fields()))
	for i, f := range rec.Fields() {
		ft, required := f.Type(), true
		if u, ok := ft.(*avro.UnionSchema); ok {
			inner, nullable := nonNullBranch(u)
			if inner == nil {
				return nil, &icerr.SchemaError{Op: "infer", Field: f.Name(), Reason: "only unions of null and one type are supported"}
			}
			ft, required = inner, !nullable
		}
		t, err := avroType(ft)
		if err != nil {
			return nil, &icerr.SchemaError{Op: "infer", Field: f.Name(), Reason: err.Error()}
		}
		fields = append(fields, table.Field{ID: i + 1, Name: f.Name(), Type: t, Required: required, Doc: f.Doc()})
	}
	return table.NewSchema(0, fields...)
}

func nonNullBranch(u *avro.UnionSchema) (avro.Schema, bool) {
	var inner avro.Schema
	nullable := false
	for _, t := range u.Types() {
		if t.Type() == avro.Null {
			nullable = true
			continue
		}
		if inner != nil {
			return nil, false
		}
		inner = t
	}
	return inner, nullable
}

func avroType(s avro.Schema) (table.Type, error) {
	p, ok := s.(*avro.PrimitiveSchema)
	if !ok {
		return nil, fmt.Errorf("avro %s columns are not supported", s.Type())
	}
	if l := p.Logical(); l != nil {
		switch l.Type() {
		case avro.Date:
			return table.DateType, nil
		case avro.TimestampMillis, avro.TimestampMicros:
			return table.TimestampTzType, nil
		}
	}
	switch p.Type() {
	case avro.Boolean:
		return table.BooleanType, nil
	case avro.Int:
		return table.IntType, nil
	case avro.Long:
		return table.LongType, nil
	case avro.Float:
		return table.FloatType, nil
	case avro.Double:
		return table.DoubleType, nil
	case avro.String:
		return table.StringType, nil
	case avro.Bytes:
		return table.BinaryType, nil
	}
	return nil, fmt.Errorf("avro type %s is not supported", p.Type())
}

// timestampUnits records which timestamp columns are in milliseconds
func timestampUnits(s avro.Schema) map[string]time.Duration {
	units := map[string]time.Duration{}
	rec, ok := s.(*avro.RecordSchema)
	if !ok {
		return units
	}
	for _, f := range rec.Fields() {
		ft := f.Type()
		if u, ok := ft.(*avro.UnionSchema); ok {
			ft, _ = nonNullBranch(u)
		}
		p, ok := ft.(*avro.PrimitiveSchema)
		if !ok || p.Logical() == nil {
			continue
		}
		switch p.Logical().Type() {
		case avro.TimestampMillis:
			units[f.Name()] = time.Millisecond
		case avro.TimestampMicros:
			units[f.Name()] = time.Microsecond
		}
	}
	return units
}

// unwrapUnion turns a generically decoded union branch {"type": value} into
// the value
func unwrapUnion(v any) any {
	m, ok := v.(map[string]any)
	if !ok || len(m) != 1 {
		return v
	}
	for _, inner := range m {
		return inner
	}
	return v
}

func normalizeAvroValue(v any, t table.Type, unit time.Duration) any {
	switch t {
	case table.TimestampType, table.TimestampTzType:
		if n, ok := v.(int64); ok {
			if unit == time.Millisecond {
				return time.UnixMilli(n).UTC()
			}
			return time.UnixMicro(n).UTC()
		}
	case table.DateType:
		if n, ok := v.(int); ok {
			return time.Unix(int64(n)*86400, 0).UTC()
		}
	}
	return v
}

var _ Importer = (*AvroImporter)(nil)
