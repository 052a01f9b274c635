package table

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/TFMV/floe/icerr"
)

// PartitionFieldIDStart is the first ID handed to partition fields, keeping
// them clear of column IDs
const PartitionFieldIDStart = 1000

// Transform derives a partition value from a source column
type Transform struct {
	Kind  string // identity, bucket, truncate, year, month, day, hour, void
	Param int    // bucket count or truncate width
}

var paramTransform = regexp.MustCompile(`^(bucket|truncate)\[(\d+)\]$`)

// ParseTransform parses "identity", "bucket[16]", "truncate[4]", ...
func ParseTransform(s string) (Transform, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "identity", "year", "month", "day", "hour", "void":
		return Transform{Kind: s}, nil
	}
	if m := paramTransform.FindStringSubmatch(s); m != nil {
		n, _ := strconv.Atoi(m[2])
		if n <= 0 {
			return Transform{}, fmt.Errorf("transform %q needs a positive parameter", s)
		}
		return Transform{Kind: m[1], Param: n}, nil
	}
	return Transform{}, fmt.Errorf("unknown transform %q", s)
}

func (t Transform) String() string {
	if t.Kind == "bucket" || t.Kind == "truncate" {
		return fmt.Sprintf("%s[%d]", t.Kind, t.Param)
	}
	return t.Kind
}

func (t Transform) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *Transform) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseTransform(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// appliesTo reports whether the transform accepts a source column of type t
func (t Transform) appliesTo(src Type) bool {
	switch t.Kind {
	case "identity", "void":
		_, nested := src.(*StructType)
		_, list := src.(*ListType)
		return !nested && !list
	case "bucket":
		switch src.(type) {
		case DecimalType, FixedType:
			return true
		}
		switch src {
		case IntType, LongType, DateType, TimeType, TimestampType, TimestampTzType, StringType, UUIDType, BinaryType:
			return true
		}
	case "truncate":
		if _, ok := src.(DecimalType); ok {
			return true
		}
		switch src {
		case IntType, LongType, StringType, BinaryType:
			return true
		}
	case "year", "month", "day":
		switch src {
		case DateType, TimestampType, TimestampTzType:
			return true
		}
	case "hour":
		switch src {
		case TimestampType, TimestampTzType:
			return true
		}
	}
	return false
}

// PartitionField maps a source column through a transform
type PartitionField struct {
	SourceID  int       `json:"source-id"`
	FieldID   int       `json:"field-id"`
	Name      string    `json:"name"`
	Transform Transform `json:"transform"`
}

// PartitionSpec is an ordered list of partition fields
type PartitionSpec struct {
	SpecID int              `json:"spec-id"`
	Fields []PartitionField `json:"fields"`
}

// UnpartitionedSpec is spec 0 with no fields
func UnpartitionedSpec() *PartitionSpec {
	return &PartitionSpec{SpecID: 0, Fields: []PartitionField{}}
}

// IsUnpartitioned reports whether the spec has no non-void fields
func (p *PartitionSpec) IsUnpartitioned() bool {
	for _, f := range p.Fields {
		if f.Transform.Kind != "void" {
			return false
		}
	}
	return true
}

// LastFieldID returns the highest partition field ID, or one below the
// start when the spec is empty
func (p *PartitionSpec) LastFieldID() int {
	last := PartitionFieldIDStart - 1
	for _, f := range p.Fields {
		last = max(last, f.FieldID)
	}
	return last
}

// PartitionSpecBuilder assigns partition field IDs from 1000
type PartitionSpecBuilder struct {
	schema *Schema
	specID int
	fields []PartitionField
	err    error
}

// NewPartitionSpecBuilder starts a spec for schema
func NewPartitionSpecBuilder(schema *Schema, specID int) *PartitionSpecBuilder {
	return &PartitionSpecBuilder{schema: schema, specID: specID}
}

// Add partitions by column using transform; name defaults to column_transform
func (b *PartitionSpecBuilder) Add(column, transform, name string) *PartitionSpecBuilder {
	if b.err != nil {
		return b
	}
	t, err := ParseTransform(transform)
	if err != nil {
		b.err = &icerr.ValidationError{Field: "transform", Message: err.Error()}
		return b
	}
	src, ok := b.schema.FieldByName(column)
	if !ok {
		b.err = &icerr.ValidationError{Field: "source", Message: fmt.Sprintf("column %q not in schema", column)}
		return b
	}
	if name == "" {
		name = column
		if t.Kind != "identity" {
			name = column + "_" + t.Kind
		}
	}
	b.fields = append(b.fields, PartitionField{
		SourceID:  src.ID,
		FieldID:   PartitionFieldIDStart + len(b.fields),
		Name:      name,
		Transform: t,
	})
	return b
}

// Build validates and returns the spec
func (b *PartitionSpecBuilder) Build() (*PartitionSpec, error) {
	if b.err != nil {
		return nil, b.err
	}
	spec := &PartitionSpec{SpecID: b.specID, Fields: append([]PartitionField{}, b.fields...)}
	if err := spec.Validate(b.schema); err != nil {
		return nil, err
	}
	return spec, nil
}

// Validate checks the spec against schema: every source column exists and
// accepts its transform, and names and field IDs are unique.
func (p *PartitionSpec) Validate(schema *Schema) error {
	names := make(map[string]struct{})
	ids := make(map[int]struct{})
	for _, f := range p.Fields {
		src, ok := schema.FieldByID(f.SourceID)
		if !ok {
			return &icerr.ValidationError{Field: f.Name, Message: fmt.Sprintf("source id %d not in schema %d", f.SourceID, schema.SchemaID)}
		}
		if !f.Transform.appliesTo(src.Type) {
			return &icerr.ValidationError{Field: f.Name, Message: fmt.Sprintf("transform %s cannot be applied to %s", f.Transform, src.Type)}
		}
		if f.FieldID < PartitionFieldIDStart {
			return &icerr.ValidationError{Field: f.Name, Message: fmt.Sprintf("partition field id %d below %d", f.FieldID, PartitionFieldIDStart)}
		}
		if _, dup := names[f.Name]; dup {
			return &icerr.ValidationError{Field: f.Name, Message: "duplicate partition field name"}
		}
		if _, dup := ids[f.FieldID]; dup {
			return &icerr.ValidationError{Field: f.Name, Message: "duplicate partition field id"}
		}
		names[f.Name] = struct{}{}
		ids[f.FieldID] = struct{}{}
	}
	return nil
}
