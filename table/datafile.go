package table

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
)

// FileFormat is the encoding of a data file
type FileFormat string

const (
	FormatParquet FileFormat = "PARQUET"
	FormatAvro    FileFormat = "AVRO"
	FormatORC     FileFormat = "ORC"
)

// ParseFileFormat accepts format names case-insensitively
func ParseFileFormat(s string) (FileFormat, error) {
	switch f := FileFormat(strings.ToUpper(s)); f {
	case FormatParquet, FormatAvro, FormatORC:
		return f, nil
	}
	return "", fmt.Errorf("unsupported file format %q", s)
}

// ColumnStats are per-column statistics of one data file. Bounds use the
// single-value binary encoding produced by EncodeBound.
type ColumnStats struct {
	ColumnSize int64  `json:"column_size,omitempty"`
	ValueCount int64  `json:"value_count,omitempty"`
	NullCount  int64  `json:"null_count,omitempty"`
	LowerBound []byte `json:"lower_bound,omitempty"`
	UpperBound []byte `json:"upper_bound,omitempty"`
}

// DataFile is an immutable file of rows. Its path is its identity.
type DataFile struct {
	Path            string              `json:"path"`
	Format          FileFormat          `json:"format"`
	RecordCount     int64               `json:"record_count"`
	SizeBytes       int64               `json:"size_bytes"`
	SpecID          int                 `json:"spec_id"`
	PartitionValues map[string]string   `json:"partition_values,omitempty"`
	ColumnStats     map[int]ColumnStats `json:"column_stats,omitempty"`
}

// EncodeBound serializes a bound value: 4 bytes little endian for int32 and
// float32, 8 for int, int64 and float64, raw UTF-8 for strings, 1 byte for
// bools.
func EncodeBound(v any) ([]byte, error) {
	buf := new(bytes.Buffer)
	switch x := v.(type) {
	case int32:
		_ = binary.Write(buf, binary.LittleEndian, x)
	case int:
		_ = binary.Write(buf, binary.LittleEndian, int64(x))
	case int64:
		_ = binary.Write(buf, binary.LittleEndian, x)
	case float32:
		_ = binary.Write(buf, binary.LittleEndian, math.Float32bits(x))
	case float64:
		_ = binary.Write(buf, binary.LittleEndian, math.Float64bits(x))
	case string:
		buf.WriteString(x)
	case bool:
		if x {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
	default:
		return nil, fmt.Errorf("unsupported bound type %T", v)
	}
	return buf.Bytes(), nil
}

// compareBound compares an encoded bound with v, which selects the decoding.
// ok is false when the bound cannot be interpreted as v's type.
func compareBound(bound []byte, v any) (cmp int, ok bool) {
	switch x := v.(type) {
	case int, int64, int32:
		want := toInt64(x)
		var got int64
		switch len(bound) {
		case 4:
			got = int64(int32(binary.LittleEndian.Uint32(bound)))
		case 8:
			got = int64(binary.LittleEndian.Uint64(bound))
		default:
			return 0, false
		}
		return compareOrdered(got, want), true
	case float64, float32:
		want := toFloat64(x)
		var got float64
		switch len(bound) {
		case 4:
			got = float64(math.Float32frombits(binary.LittleEndian.Uint32(bound)))
		case 8:
			got = math.Float64frombits(binary.LittleEndian.Uint64(bound))
		default:
			return 0, false
		}
		return compareOrdered(got, want), true
	case string:
		return strings.Compare(string(bound), x), true
	}
	return 0, false
}

func toInt64(v any) int64 {
	switch x := v.(type) {
	case int:
		return int64(x)
	case int32:
		return int64(x)
	case int64:
		return x
	}
	return 0
}

func toFloat64(v any) float64 {
	switch x := v.(type) {
	case float32:
		return float64(x)
	case float64:
		return x
	}
	return 0
}

func compareOrdered[T int64 | float64](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
