package tableops

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/compress"
	"github.com/apache/arrow-go/v18/parquet/file"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"
	"github.com/google/uuid"

	floefs "github.com/TFMV/floe/fs"
	"github.com/TFMV/floe/icerr"
	"github.com/TFMV/floe/table"
)

// fieldIDKey is the arrow field metadata key parquet writers use for the
// column's field ID
const fieldIDKey = "PARQUET:field_id"

// ArrowSchema converts a table schema to arrow, carrying field IDs in the
// field metadata
func ArrowSchema(s *table.Schema) (*arrow.Schema, error) {
	fields := make([]arrow.Field, len(s.Fields))
	for i, f := range s.Fields {
		dt, err := arrowType(f.Type)
		if err != nil {
			return nil, &icerr.SchemaError{Op: "arrow_schema", Field: f.Name, Reason: err.Error()}
		}
		fields[i] = arrow.Field{
			Name:     f.Name,
			Type:     dt,
			Nullable: !f.Required,
			Metadata: arrow.NewMetadata([]string{fieldIDKey}, []string{strconv.Itoa(f.ID)}),
		}
	}
	return arrow.NewSchema(fields, nil), nil
}

func arrowType(t table.Type) (arrow.DataType, error) {
	switch t {
	case table.BooleanType:
		return arrow.FixedWidthTypes.Boolean, nil
	case table.IntType:
		return arrow.PrimitiveTypes.Int32, nil
	case table.LongType:
		return arrow.PrimitiveTypes.Int64, nil
	case table.FloatType:
		return arrow.PrimitiveTypes.Float32, nil
	case table.DoubleType:
		return arrow.PrimitiveTypes.Float64, nil
	case table.DateType:
		return arrow.FixedWidthTypes.Date32, nil
	case table.TimestampType:
		return &arrow.TimestampType{Unit: arrow.Microsecond}, nil
	case table.TimestampTzType:
		return arrow.FixedWidthTypes.Timestamp_us, nil
	case table.StringType:
		return arrow.BinaryTypes.String, nil
	case table.BinaryType:
		return arrow.BinaryTypes.Binary, nil
	}
	return nil, fmt.Errorf("type %s has no arrow mapping", t)
}

// NewRecord builds an arrow record from rows keyed by field ID. Missing
// values are written as nulls; a missing required value is an error.
func NewRecord(mem memory.Allocator, s *table.Schema, rows []table.Row) (arrow.Record, error) {
	sc, err := ArrowSchema(s)
	if err != nil {
		return nil, err
	}
	b := array.NewRecordBuilder(mem, sc)
	defer b.Release()

	for n, row := range rows {
		for i, f := range s.Fields {
			v, ok := row[f.ID]
			if !ok || v == nil {
				if f.Required {
					return nil, &icerr.ValidationError{Field: f.Name, Message: fmt.Sprintf("row %d is missing a required value", n)}
				}
				b.Field(i).AppendNull()
				continue
			}
			if err := appendValue(b.Field(i), v); err != nil {
				return nil, &icerr.ValidationError{Field: f.Name, Message: fmt.Sprintf("row %d: %v", n, err)}
			}
		}
	}
	return b.NewRecord(), nil
}

func appendValue(b array.Builder, v any) error {
	switch bb := b.(type) {
	case *array.BooleanBuilder:
		x, ok := v.(bool)
		if !ok {
			return fmt.Errorf("want bool, got %T", v)
		}
		bb.Append(x)
	case *array.Int32Builder:
		switch x := v.(type) {
		case int32:
			bb.Append(x)
		case int:
			bb.Append(int32(x))
		default:
			return fmt.Errorf("want int32, got %T", v)
		}
	case *array.Int64Builder:
		switch x := v.(type) {
		case int64:
			bb.Append(x)
		case int:
			bb.Append(int64(x))
		case int32:
			bb.Append(int64(x))
		default:
			return fmt.Errorf("want int64, got %T", v)
		}
	case *array.Float32Builder:
		x, ok := v.(float32)
		if !ok {
			return fmt.Errorf("want float32, got %T", v)
		}
		bb.Append(x)
	case *array.Float64Builder:
		switch x := v.(type) {
		case float64:
			bb.Append(x)
		case float32:
			bb.Append(float64(x))
		default:
			return fmt.Errorf("want float64, got %T", v)
		}
	case *array.Date32Builder:
		x, ok := v.(time.Time)
		if !ok {
			return fmt.Errorf("want time.Time, got %T", v)
		}
		bb.Append(arrow.Date32FromTime(x))
	case *array.TimestampBuilder:
		x, ok := v.(time.Time)
		if !ok {
			return fmt.Errorf("want time.Time, got %T", v)
		}
		bb.Append(arrow.Timestamp(x.UnixMicro()))
	case *array.StringBuilder:
		x, ok := v.(string)
		if !ok {
			return fmt.Errorf("want string, got %T", v)
		}
		bb.Append(x)
	case *array.BinaryBuilder:
		x, ok := v.([]byte)
		if !ok {
			return fmt.Errorf("want []byte, got %T", v)
		}
		bb.Append(x)
	default:
		return fmt.Errorf("unsupported builder %T", b)
	}
	return nil
}

// DataFileWriter writes arrow records as parquet data files under a
// table's data directory
type DataFileWriter struct {
	store     floefs.Store
	allocator memory.Allocator
	logger    *log.Logger
}

// NewDataFileWriter creates a writer putting files into store
func NewDataFileWriter(store floefs.Store) *DataFileWriter {
	return &DataFileWriter{
		store:     store,
		allocator: memory.NewGoAllocator(),
		logger:    log.New(os.Stdout, "[DataFileWriter] ", log.LstdFlags|log.Lshortfile),
	}
}

// SetLogger replaces the writer's logger
func (w *DataFileWriter) SetLogger(l *log.Logger) {
	w.logger = l
}

// Allocator returns the allocator records should be built with
func (w *DataFileWriter) Allocator() memory.Allocator {
	return w.allocator
}

// WriteRows builds a record from rows and writes it
func (w *DataFileWriter) WriteRows(ctx context.Context, meta *table.Metadata, rows []table.Row) (table.DataFile, error) {
	rec, err := NewRecord(w.allocator, meta.CurrentSchema(), rows)
	if err != nil {
		return table.DataFile{}, err
	}
	defer rec.Release()
	return w.Write(ctx, meta, rec)
}

// Write encodes rec as a snappy-compressed parquet file and puts it at a
// fresh key under <location>/data. The returned DataFile carries record
// count, size and per-column stats keyed by field ID, ready to be committed.
func (w *DataFileWriter) Write(ctx context.Context, meta *table.Metadata, rec arrow.Record) (table.DataFile, error) {
	if rec.NumRows() == 0 {
		return table.DataFile{}, &icerr.ValidationError{Field: "records", Message: "nothing to write"}
	}
	schema := meta.CurrentSchema()
	sc, err := ArrowSchema(schema)
	if err != nil {
		return table.DataFile{}, err
	}
	if err := checkRecord(schema, sc, rec.Schema()); err != nil {
		return table.DataFile{}, err
	}
	for i, f := range schema.Fields {
		if f.Required && rec.Column(i).NullN() > 0 {
			return table.DataFile{}, &icerr.ValidationError{Field: f.Name, Message: "required column contains nulls"}
		}
	}
	// rebind the columns to the schema carrying field IDs
	rec = array.NewRecord(sc, rec.Columns(), rec.NumRows())
	defer rec.Release()

	var buf bytes.Buffer
	props := parquet.NewWriterProperties(parquet.WithCompression(compress.Codecs.Snappy))
	fw, err := pqarrow.NewFileWriter(sc, &buf, props, pqarrow.DefaultWriterProps())
	if err != nil {
		return table.DataFile{}, fmt.Errorf("failed to create parquet writer: %w", err)
	}
	if err := fw.Write(rec); err != nil {
		fw.Close()
		return table.DataFile{}, fmt.Errorf("failed to write parquet: %w", err)
	}
	if err := fw.Close(); err != nil {
		return table.DataFile{}, fmt.Errorf("failed to close parquet writer: %w", err)
	}

	path := fmt.Sprintf("%s/data/%s.parquet", meta.Location, uuid.NewString())
	if err := w.store.Put(ctx, path, buf.Bytes()); err != nil {
		return table.DataFile{}, err
	}

	stats, err := columnStats(schema, rec)
	if err != nil {
		return table.DataFile{}, err
	}
	w.logger.Printf("Wrote %s: %d rows, %d bytes", path, rec.NumRows(), buf.Len())

	return table.DataFile{
		Path:        path,
		Format:      table.FormatParquet,
		RecordCount: rec.NumRows(),
		SizeBytes:   int64(buf.Len()),
		SpecID:      meta.DefaultSpecID,
		ColumnStats: stats,
	}, nil
}

func checkRecord(schema *table.Schema, want, got *arrow.Schema) error {
	if got.NumFields() != want.NumFields() {
		return &icerr.SchemaError{Op: "write", Reason: fmt.Sprintf("record has %d columns, table has %d", got.NumFields(), want.NumFields())}
	}
	for i, f := range want.Fields() {
		g := got.Field(i)
		if g.Name != f.Name || !arrow.TypeEqual(g.Type, f.Type) {
			return &icerr.SchemaError{Op: "write", Field: schema.Fields[i].Name,
				Reason: fmt.Sprintf("record column %s %s does not match %s", g.Name, g.Type, f.Type)}
		}
	}
	return nil
}

func columnStats(schema *table.Schema, rec arrow.Record) (map[int]table.ColumnStats, error) {
	stats := make(map[int]table.ColumnStats, len(schema.Fields))
	for i, f := range schema.Fields {
		col := rec.Column(i)
		st := table.ColumnStats{
			ValueCount: int64(col.Len()),
			NullCount:  int64(col.NullN()),
		}
		lo, hi, ok := bounds(col)
		if ok {
			var err error
			if st.LowerBound, err = table.EncodeBound(lo); err != nil {
				return nil, err
			}
			if st.UpperBound, err = table.EncodeBound(hi); err != nil {
				return nil, err
			}
		}
		stats[f.ID] = st
	}
	return stats, nil
}

// bounds returns the min and max non-null values of columns that have
// orderable bounds
func bounds(col arrow.Array) (lo, hi any, ok bool) {
	switch a := col.(type) {
	case *array.Int32:
		return minMax(a.Len(), a.IsNull, a.Value)
	case *array.Int64:
		return minMax(a.Len(), a.IsNull, a.Value)
	case *array.Float32:
		return minMax(a.Len(), a.IsNull, a.Value)
	case *array.Float64:
		return minMax(a.Len(), a.IsNull, a.Value)
	case *array.String:
		return minMax(a.Len(), a.IsNull, a.Value)
	case *array.Timestamp:
		return minMax(a.Len(), a.IsNull, func(i int) int64 { return int64(a.Value(i)) })
	case *array.Date32:
		return minMax(a.Len(), a.IsNull, func(i int) int32 { return int32(a.Value(i)) })
	}
	return nil, nil, false
}

func minMax[T int32 | int64 | float32 | float64 | string](n int, isNull func(int) bool, value func(int) T) (any, any, bool) {
	var lo, hi T
	found := false
	for i := 0; i < n; i++ {
		if isNull(i) {
			continue
		}
		v := value(i)
		if !found {
			lo, hi, found = v, v, true
			continue
		}
		lo = min(lo, v)
		hi = max(hi, v)
	}
	if !found {
		return nil, nil, false
	}
	return lo, hi, true
}

// ReadDataFile loads a parquet data file from store into an arrow table
func ReadDataFile(ctx context.Context, store floefs.Store, df table.DataFile, mem memory.Allocator) (arrow.Table, error) {
	if df.Format != table.FormatParquet {
		return nil, &icerr.ValidationError{Field: "format", Message: fmt.Sprintf("cannot read %s data files", df.Format)}
	}
	data, err := store.Get(ctx, df.Path)
	if err != nil {
		return nil, err
	}

	pr, err := file.NewParquetReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to open parquet file %s: %w", df.Path, err)
	}
	defer pr.Close()

	fr, err := pqarrow.NewFileReader(pr, pqarrow.ArrowReadProperties{BatchSize: 1000}, mem)
	if err != nil {
		return nil, fmt.Errorf("failed to create arrow reader for %s: %w", df.Path, err)
	}
	tbl, err := fr.ReadTable(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", df.Path, err)
	}
	return tbl, nil
}
