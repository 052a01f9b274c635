package importer

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
	"github.com/parquet-go/parquet-go"

	"github.com/TFMV/floe/catalog"
	floefs "github.com/TFMV/floe/fs"
	"github.com/TFMV/floe/icerr"
	"github.com/TFMV/floe/table"
)

// ParquetImporter registers existing parquet files. The file is copied into
// the table's data directory unchanged; its footer supplies the record count
// and column bounds.
type ParquetImporter struct {
	base
}

// NewParquetImporter creates a parquet importer committing through cat
func NewParquetImporter(cat catalog.Catalog, store floefs.Store, opts Options) *ParquetImporter {
	return &ParquetImporter{base: newBase(cat, store, "[ParquetImporter] ", opts)}
}

// InferSchema reads the parquet footer and maps its top-level columns to a
// table schema with field IDs assigned in column order
func (p *ParquetImporter) InferSchema(ctx context.Context, path string) (*table.Schema, *FileStats, error) {
	data, err := readSource(path)
	if err != nil {
		return nil, nil, err
	}
	f, err := openParquet(path, data)
	if err != nil {
		return nil, nil, err
	}
	schema, err := parquetSchema(f.Schema())
	if err != nil {
		return nil, nil, err
	}
	return schema, &FileStats{
		RecordCount: f.NumRows(),
		FileSize:    int64(len(data)),
		ColumnCount: len(schema.Fields),
	}, nil
}

// ImportTable copies the file into the table and commits it
func (p *ParquetImporter) ImportTable(ctx context.Context, req ImportRequest) (*ImportResult, error) {
	if err := req.Table.Validate(); err != nil {
		return nil, err
	}
	data, err := readSource(req.Path)
	if err != nil {
		return nil, err
	}
	f, err := openParquet(req.Path, data)
	if err != nil {
		return nil, err
	}
	inferred, err := parquetSchema(f.Schema())
	if err != nil {
		return nil, err
	}

	tbl, created, err := p.ensureTable(ctx, req, inferred)
	if err != nil {
		return nil, err
	}
	schema := tbl.Metadata.CurrentSchema()
	if err := checkCompatible(schema, inferred); err != nil {
		return nil, err
	}

	stats, err := parquetColumnStats(f, schema)
	if err != nil {
		return nil, err
	}
	partition, err := partitionFromStats(tbl.Metadata, stats)
	if err != nil {
		return nil, err
	}

	path := fmt.Sprintf("%s/data/%s.parquet", tbl.Metadata.Location, uuid.NewString())
	if err := p.store.Put(ctx, path, data); err != nil {
		return nil, err
	}
	df := table.DataFile{
		Path:            path,
		Format:          table.FormatParquet,
		RecordCount:     f.NumRows(),
		SizeBytes:       int64(len(data)),
		SpecID:          tbl.Metadata.DefaultSpecID,
		PartitionValues: partition,
		ColumnStats:     stats,
	}
	p.logger.Printf("Copied %s to %s (%d rows)", req.Path, path, df.RecordCount)

	committed, err := p.commit(ctx, req, []table.DataFile{df})
	if err != nil {
		return nil, err
	}
	return p.result(req, committed, created, []table.DataFile{df}), nil
}

func openParquet(path string, data []byte) (*parquet.File, error) {
	f, err := parquet.OpenFile(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, &icerr.ValidationError{Field: "file", Message: fmt.Sprintf("%s is not a readable parquet file: %v", path, err)}
	}
	return f, nil
}

// parquetSchema maps flat parquet schemas; nested columns are rejected
func parquetSchema(s *parquet.Schema) (*table.Schema, error) {
	fields := make([]table.Field, 0, len(s.Fields()))
	for i, f := range s.Fields() {
		if !f.Leaf() || f.Repeated() {
			return nil, &icerr.SchemaError{Op: "infer", Field: f.Name(), Reason: "nested and repeated columns are not supported"}
		}
		t, err := parquetType(f.Type())
		if err != nil {
			return nil, &icerr.SchemaError{Op: "infer", Field: f.Name(), Reason: err.Error()}
		}
		fields = append(fields, table.Field{
			ID:       i + 1,
			Name:     f.Name(),
			Type:     t,
			Required: f.Required(),
		})
	}
	return table.NewSchema(0, fields...)
}

func parquetType(t parquet.Type) (table.Type, error) {
	lt := t.LogicalType()
	switch t.Kind() {
	case parquet.Boolean:
		return table.BooleanType, nil
	case parquet.Int32:
		if lt != nil && lt.Date != nil {
			return table.DateType, nil
		}
		return table.IntType, nil
	case parquet.Int64:
		if lt != nil && lt.Timestamp != nil {
			if lt.Timestamp.IsAdjustedToUTC {
				return table.TimestampTzType, nil
			}
			return table.TimestampType, nil
		}
		return table.LongType, nil
	case parquet.Float:
		return table.FloatType, nil
	case parquet.Double:
		return table.DoubleType, nil
	case parquet.ByteArray:
		if lt != nil && lt.UTF8 != nil {
			return table.StringType, nil
		}
		return table.BinaryType, nil
	}
	return nil, fmt.Errorf("parquet type %s is not supported", t)
}

// checkCompatible requires every file column to exist in the table with the
// same type. Table columns missing from the file read as null and must be
// optional.
func checkCompatible(schema, file *table.Schema) error {
	for _, fc := range file.Fields {
		tc, ok := schema.FieldByName(fc.Name)
		if !ok {
			return &icerr.SchemaError{Op: "import", Field: fc.Name, Reason: "column is not in the table schema"}
		}
		if tc.Type.String() != fc.Type.String() {
			return &icerr.SchemaError{Op: "import", Field: fc.Name, Reason: fmt.Sprintf("file type %s does not match table type %s", fc.Type, tc.Type)}
		}
	}
	for _, tc := range schema.Fields {
		if _, ok := file.FieldByName(tc.Name); !ok && tc.Required {
			return &icerr.SchemaError{Op: "import", Field: tc.Name, Reason: "required column is missing from the file"}
		}
	}
	return nil
}

// parquetColumnStats aggregates null counts and bounds from the row group
// metadata, keyed by the table's field IDs
func parquetColumnStats(f *parquet.File, schema *table.Schema) (map[int]table.ColumnStats, error) {
	columns := f.Schema().Fields()
	stats := make(map[int]table.ColumnStats, len(columns))
	lows := make(map[int]any, len(columns))
	highs := make(map[int]any, len(columns))

	for _, rg := range f.RowGroups() {
		for idx, cc := range rg.ColumnChunks() {
			if idx >= len(columns) {
				break
			}
			field, ok := schema.FieldByName(columns[idx].Name())
			if !ok {
				continue
			}
			st := stats[field.ID]
			st.ValueCount += rg.NumRows()

			fcc, ok := cc.(*parquet.FileColumnChunk)
			if !ok {
				stats[field.ID] = st
				continue
			}
			st.NullCount += fcc.NullCount()
			stats[field.ID] = st

			lo, hi, ok := fcc.Bounds()
			if !ok {
				continue
			}
			scale := timestampScale(columns[idx].Type())
			loV, ok1 := boundValue(lo, field.Type, scale)
			hiV, ok2 := boundValue(hi, field.Type, scale)
			if !ok1 || !ok2 {
				continue
			}
			if cur, seen := lows[field.ID]; !seen || less(loV, cur) {
				lows[field.ID] = loV
			}
			if cur, seen := highs[field.ID]; !seen || less(cur, hiV) {
				highs[field.ID] = hiV
			}
		}
	}

	for id, st := range stats {
		lo, okLo := lows[id]
		hi, okHi := highs[id]
		if !okLo || !okHi {
			continue
		}
		var err error
		if st.LowerBound, err = table.EncodeBound(lo); err != nil {
			return nil, err
		}
		if st.UpperBound, err = table.EncodeBound(hi); err != nil {
			return nil, err
		}
		stats[id] = st
	}
	return stats, nil
}

// timestampScale converts a parquet timestamp to microseconds: positive
// values multiply, negative values divide
func timestampScale(t parquet.Type) int64 {
	lt := t.LogicalType()
	if lt == nil || lt.Timestamp == nil {
		return 1
	}
	switch {
	case lt.Timestamp.Unit.Millis != nil:
		return 1000
	case lt.Timestamp.Unit.Nanos != nil:
		return -1000
	}
	return 1
}

func boundValue(v parquet.Value, t table.Type, scale int64) (any, bool) {
	if v.IsNull() {
		return nil, false
	}
	switch t {
	case table.IntType, table.DateType:
		return v.Int32(), true
	case table.LongType:
		return v.Int64(), true
	case table.TimestampType, table.TimestampTzType:
		if scale < 0 {
			return v.Int64() / -scale, true
		}
		return v.Int64() * scale, true
	case table.FloatType:
		return v.Float(), true
	case table.DoubleType:
		return v.Double(), true
	case table.StringType:
		return string(v.ByteArray()), true
	}
	return nil, false
}

func less(a, b any) bool {
	switch x := a.(type) {
	case int32:
		return x < b.(int32)
	case int64:
		return x < b.(int64)
	case float32:
		return x < b.(float32)
	case float64:
		return x < b.(float64)
	case string:
		return x < b.(string)
	}
	return false
}

// partitionFromStats derives identity partition values for a file whose
// partition columns hold a single value
func partitionFromStats(meta *table.Metadata, stats map[int]table.ColumnStats) (map[string]string, error) {
	spec := meta.DefaultSpec()
	if spec.IsUnpartitioned() {
		return nil, nil
	}
	schema := meta.CurrentSchema()
	values := make(map[string]string, len(spec.Fields))
	for _, pf := range spec.Fields {
		if pf.Transform.Kind != "identity" {
			return nil, &icerr.ValidationError{Field: pf.Name, Message: fmt.Sprintf("cannot import into a %s partition", pf.Transform)}
		}
		st := stats[pf.SourceID]
		if len(st.LowerBound) == 0 || !bytes.Equal(st.LowerBound, st.UpperBound) || st.NullCount > 0 {
			return nil, &icerr.ValidationError{Field: pf.Name, Message: "file spans more than one partition"}
		}
		src, _ := schema.FieldByID(pf.SourceID)
		v, err := decodeBound(st.LowerBound, src.Type)
		if err != nil {
			return nil, err
		}
		values[pf.Name] = v
	}
	return values, nil
}

func decodeBound(b []byte, t table.Type) (string, error) {
	switch t {
	case table.StringType:
		return string(b), nil
	case table.IntType, table.DateType:
		if len(b) == 4 {
			return fmt.Sprint(int32(binary.LittleEndian.Uint32(b))), nil
		}
	case table.LongType:
		if len(b) == 8 {
			return fmt.Sprint(int64(binary.LittleEndian.Uint64(b))), nil
		}
	}
	return "", &icerr.ValidationError{Field: "partition", Message: fmt.Sprintf("cannot partition by %s columns on import", t)}
}


var _ Importer = (*ParquetImporter)(nil)
