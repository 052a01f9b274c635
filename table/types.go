package table

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Type is a column type. Primitive types serialize as their name, nested
// types as JSON objects.
type Type interface {
	fmt.Stringer
	isType()
}

// PrimitiveType is a non-parameterized primitive
type PrimitiveType string

const (
	BooleanType     PrimitiveType = "boolean"
	IntType         PrimitiveType = "int"
	LongType        PrimitiveType = "long"
	FloatType       PrimitiveType = "float"
	DoubleType      PrimitiveType = "double"
	DateType        PrimitiveType = "date"
	TimeType        PrimitiveType = "time"
	TimestampType   PrimitiveType = "timestamp"
	TimestampTzType PrimitiveType = "timestamptz"
	StringType      PrimitiveType = "string"
	UUIDType        PrimitiveType = "uuid"
	BinaryType      PrimitiveType = "binary"
)

func (p PrimitiveType) String() string { return string(p) }
func (PrimitiveType) isType()          {}

// DecimalType is decimal(P,S)
type DecimalType struct {
	Precision int
	Scale     int
}

func (d DecimalType) String() string { return fmt.Sprintf("decimal(%d,%d)", d.Precision, d.Scale) }
func (DecimalType) isType()          {}

// FixedType is fixed[N]
type FixedType struct {
	Length int
}

func (f FixedType) String() string { return fmt.Sprintf("fixed[%d]", f.Length) }
func (FixedType) isType()          {}

// StructType groups named fields, each with its own field ID
type StructType struct {
	Fields []Field
}

func (s *StructType) String() string {
	parts := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		parts[i] = f.Name + ": " + f.Type.String()
	}
	return "struct<" + strings.Join(parts, ", ") + ">"
}
func (*StructType) isType() {}

// ListType holds elements of one type; the element carries a field ID
type ListType struct {
	ElementID       int
	Element         Type
	ElementRequired bool
}

func (l *ListType) String() string { return "list<" + l.Element.String() + ">" }
func (*ListType) isType()          {}

var (
	decimalPattern = regexp.MustCompile(`^decimal\(\s*(\d+)\s*,\s*(\d+)\s*\)$`)
	fixedPattern   = regexp.MustCompile(`^fixed\[\s*(\d+)\s*\]$`)
)

// ParseType parses a primitive type name such as "long" or "decimal(10,2)"
func ParseType(s string) (Type, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch PrimitiveType(s) {
	case BooleanType, IntType, LongType, FloatType, DoubleType, DateType, TimeType,
		TimestampType, TimestampTzType, StringType, UUIDType, BinaryType:
		return PrimitiveType(s), nil
	}
	if m := decimalPattern.FindStringSubmatch(s); m != nil {
		p, _ := strconv.Atoi(m[1])
		sc, _ := strconv.Atoi(m[2])
		if p < 1 || p > 38 || sc > p {
			return nil, fmt.Errorf("invalid decimal precision/scale in %q", s)
		}
		return DecimalType{Precision: p, Scale: sc}, nil
	}
	if m := fixedPattern.FindStringSubmatch(s); m != nil {
		n, _ := strconv.Atoi(m[1])
		return FixedType{Length: n}, nil
	}
	return nil, fmt.Errorf("unknown type %q", s)
}

type structJSON struct {
	Type   string  `json:"type"`
	Fields []Field `json:"fields"`
}

type listJSON struct {
	Type            string          `json:"type"`
	ElementID       int             `json:"element-id"`
	Element         json.RawMessage `json:"element"`
	ElementRequired bool            `json:"element-required"`
}

func marshalType(t Type) (json.RawMessage, error) {
	switch tt := t.(type) {
	case *StructType:
		return json.Marshal(structJSON{Type: "struct", Fields: tt.Fields})
	case *ListType:
		elem, err := marshalType(tt.Element)
		if err != nil {
			return nil, err
		}
		return json.Marshal(listJSON{Type: "list", ElementID: tt.ElementID, Element: elem, ElementRequired: tt.ElementRequired})
	case nil:
		return nil, fmt.Errorf("missing type")
	default:
		return json.Marshal(t.String())
	}
}

func unmarshalType(data json.RawMessage) (Type, error) {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		return ParseType(name)
	}

	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("invalid type: %w", err)
	}

	switch head.Type {
	case "struct":
		var s structJSON
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, err
		}
		return &StructType{Fields: s.Fields}, nil
	case "list":
		var l listJSON
		if err := json.Unmarshal(data, &l); err != nil {
			return nil, err
		}
		elem, err := unmarshalType(l.Element)
		if err != nil {
			return nil, err
		}
		return &ListType{ElementID: l.ElementID, Element: elem, ElementRequired: l.ElementRequired}, nil
	default:
		return nil, fmt.Errorf("unsupported nested type %q", head.Type)
	}
}

// canPromote reports whether values of from can be read as to
func canPromote(from, to Type) bool {
	switch f := from.(type) {
	case PrimitiveType:
		return (f == IntType && to == LongType) || (f == FloatType && to == DoubleType)
	case DecimalType:
		t, ok := to.(DecimalType)
		return ok && t.Scale == f.Scale && t.Precision >= f.Precision
	}
	return false
}
