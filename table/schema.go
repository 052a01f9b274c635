package table

import (
	"encoding/json"
	"fmt"

	"github.com/TFMV/floe/icerr"
)

// Field is a column. Identity is the ID; the name may change.
type Field struct {
	ID       int
	Name     string
	Type     Type
	Required bool
	Doc      string
}

type fieldJSON struct {
	ID       int             `json:"id"`
	Name     string          `json:"name"`
	Required bool            `json:"required"`
	Type     json.RawMessage `json:"type"`
	Doc      string          `json:"doc,omitempty"`
}

func (f Field) MarshalJSON() ([]byte, error) {
	t, err := marshalType(f.Type)
	if err != nil {
		return nil, fmt.Errorf("field %q: %w", f.Name, err)
	}
	return json.Marshal(fieldJSON{ID: f.ID, Name: f.Name, Required: f.Required, Type: t, Doc: f.Doc})
}

func (f *Field) UnmarshalJSON(data []byte) error {
	var raw fieldJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	t, err := unmarshalType(raw.Type)
	if err != nil {
		return fmt.Errorf("field %q: %w", raw.Name, err)
	}
	*f = Field{ID: raw.ID, Name: raw.Name, Type: t, Required: raw.Required, Doc: raw.Doc}
	return nil
}

// Schema is an ordered set of top-level fields with a schema id
type Schema struct {
	SchemaID int     `json:"schema-id"`
	Fields   []Field `json:"fields"`
}

func (s *Schema) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type     string  `json:"type"`
		SchemaID int     `json:"schema-id"`
		Fields   []Field `json:"fields"`
	}{"struct", s.SchemaID, s.Fields})
}

// NewSchema validates fields and returns a schema. Field IDs must be unique
// and non-negative across all nesting levels; names must be unique and
// non-empty within each struct.
func NewSchema(id int, fields ...Field) (*Schema, error) {
	s := &Schema{SchemaID: id, Fields: fields}
	if err := s.validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Schema) validate() error {
	seen := make(map[int]string)
	var visit func(fields []Field) error
	var visitType func(owner string, t Type) error

	visitType = func(owner string, t Type) error {
		switch tt := t.(type) {
		case *StructType:
			return visit(tt.Fields)
		case *ListType:
			if tt.ElementID < 0 {
				return &icerr.SchemaError{Op: "create", Field: owner, Reason: "negative element id"}
			}
			if other, dup := seen[tt.ElementID]; dup {
				return &icerr.SchemaError{Op: "create", Field: owner, Reason: fmt.Sprintf("element id %d already used by %q", tt.ElementID, other)}
			}
			seen[tt.ElementID] = owner + ".element"
			return visitType(owner+".element", tt.Element)
		case nil:
			return &icerr.SchemaError{Op: "create", Field: owner, Reason: "missing type"}
		}
		return nil
	}

	visit = func(fields []Field) error {
		names := make(map[string]struct{}, len(fields))
		for _, f := range fields {
			if f.Name == "" {
				return &icerr.SchemaError{Op: "create", Reason: fmt.Sprintf("field %d has an empty name", f.ID)}
			}
			if _, dup := names[f.Name]; dup {
				return &icerr.SchemaError{Op: "create", Field: f.Name, Reason: "duplicate name"}
			}
			names[f.Name] = struct{}{}
			if f.ID < 0 {
				return &icerr.SchemaError{Op: "create", Field: f.Name, Reason: "negative field id"}
			}
			if other, dup := seen[f.ID]; dup {
				return &icerr.SchemaError{Op: "create", Field: f.Name, Reason: fmt.Sprintf("id %d already used by %q", f.ID, other)}
			}
			seen[f.ID] = f.Name
			if err := visitType(f.Name, f.Type); err != nil {
				return err
			}
		}
		return nil
	}

	return visit(s.Fields)
}

// FieldByName returns the top-level field with the given name
func (s *Schema) FieldByName(name string) (Field, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// FieldByID returns the top-level field with the given ID
func (s *Schema) FieldByID(id int) (Field, bool) {
	for _, f := range s.Fields {
		if f.ID == id {
			return f, true
		}
	}
	return Field{}, false
}

// HighestFieldID returns the largest field ID at any nesting level
func (s *Schema) HighestFieldID() int {
	highest := 0
	var walk func(t Type)
	walk = func(t Type) {
		switch tt := t.(type) {
		case *StructType:
			for _, f := range tt.Fields {
				highest = max(highest, f.ID)
				walk(f.Type)
			}
		case *ListType:
			highest = max(highest, tt.ElementID)
			walk(tt.Element)
		}
	}
	walk(&StructType{Fields: s.Fields})
	return highest
}

// Row is a record keyed by field ID, which is how rows survive renames
type Row map[int]any

// Project returns row as seen through this schema, keyed by field name.
// Values whose IDs are not in the schema are invisible; optional fields
// absent from the row read as nil. A missing required field is an error.
func (s *Schema) Project(row Row) (map[string]any, error) {
	out := make(map[string]any, len(s.Fields))
	for _, f := range s.Fields {
		v, ok := row[f.ID]
		if !ok || v == nil {
			if f.Required {
				return nil, &icerr.SchemaError{Op: "read", Field: f.Name, Reason: "required field is missing"}
			}
			out[f.Name] = nil
			continue
		}
		out[f.Name] = v
	}
	return out, nil
}

// ColumnNames returns the top-level names in schema order
func (s *Schema) ColumnNames() []string {
	names := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		names[i] = f.Name
	}
	return names
}

// SchemaChange is one evolution step
type SchemaChange interface {
	apply(st *evolveState) error
}

type evolveState struct {
	fields       []Field
	lastAssigned int
}

func (st *evolveState) index(name string) int {
	for i, f := range st.fields {
		if f.Name == name {
			return i
		}
	}
	return -1
}

func (st *evolveState) nextID() int {
	st.lastAssigned++
	return st.lastAssigned
}

// assignIDs gives t and every nested field fresh IDs
func (st *evolveState) assignIDs(t Type) Type {
	switch tt := t.(type) {
	case *StructType:
		fields := make([]Field, len(tt.Fields))
		for i, f := range tt.Fields {
			f.ID = st.nextID()
			f.Type = st.assignIDs(f.Type)
			fields[i] = f
		}
		return &StructType{Fields: fields}
	case *ListType:
		id := st.nextID()
		return &ListType{ElementID: id, Element: st.assignIDs(tt.Element), ElementRequired: tt.ElementRequired}
	default:
		return t
	}
}

// AddField appends a new optional top-level column
type AddField struct {
	Name     string
	Type     Type
	Required bool
	Doc      string
}

func (c AddField) apply(st *evolveState) error {
	if c.Name == "" {
		return &icerr.SchemaError{Op: "add_field", Reason: "empty name"}
	}
	if c.Type == nil {
		return &icerr.SchemaError{Op: "add_field", Field: c.Name, Reason: "missing type"}
	}
	if st.index(c.Name) >= 0 {
		return &icerr.SchemaError{Op: "add_field", Field: c.Name, Reason: "name collides with an active field"}
	}
	if c.Required {
		return &icerr.SchemaError{Op: "add_field", Field: c.Name, Reason: "cannot add a required field without a default"}
	}
	id := st.nextID()
	st.fields = append(st.fields, Field{ID: id, Name: c.Name, Type: st.assignIDs(c.Type), Doc: c.Doc})
	return nil
}

// DropField removes a top-level column; its ID is retired
type DropField struct {
	Name string
}

func (c DropField) apply(st *evolveState) error {
	i := st.index(c.Name)
	if i < 0 {
		return &icerr.SchemaError{Op: "drop_field", Field: c.Name, Reason: "no such field"}
	}
	st.fields = append(st.fields[:i:i], st.fields[i+1:]...)
	return nil
}

// RenameField changes a column name and keeps its ID
type RenameField struct {
	From string
	To   string
}

func (c RenameField) apply(st *evolveState) error {
	i := st.index(c.From)
	if i < 0 {
		return &icerr.SchemaError{Op: "rename_field", Field: c.From, Reason: "no such field"}
	}
	if c.To == "" {
		return &icerr.SchemaError{Op: "rename_field", Field: c.From, Reason: "empty target name"}
	}
	if c.To != c.From && st.index(c.To) >= 0 {
		return &icerr.SchemaError{Op: "rename_field", Field: c.From, Reason: fmt.Sprintf("target name %q is taken", c.To)}
	}
	st.fields[i].Name = c.To
	return nil
}

// WidenType promotes a column to a wider compatible type
type WidenType struct {
	Name string
	To   Type
}

func (c WidenType) apply(st *evolveState) error {
	i := st.index(c.Name)
	if i < 0 {
		return &icerr.SchemaError{Op: "widen_type", Field: c.Name, Reason: "no such field"}
	}
	from := st.fields[i].Type
	if !canPromote(from, c.To) {
		return &icerr.SchemaError{Op: "widen_type", Field: c.Name, Reason: fmt.Sprintf("cannot promote %s to %v", from, c.To)}
	}
	st.fields[i].Type = c.To
	return nil
}

// EvolveSchema applies changes in order to a copy of base. New IDs continue
// from lastAssigned, which is returned advanced. base is never modified.
func EvolveSchema(base *Schema, lastAssigned, newSchemaID int, changes ...SchemaChange) (*Schema, int, error) {
	if len(changes) == 0 {
		return nil, lastAssigned, &icerr.SchemaError{Op: "evolve", Reason: "no changes"}
	}
	if hi := base.HighestFieldID(); lastAssigned < hi {
		lastAssigned = hi
	}

	st := &evolveState{fields: append([]Field(nil), base.Fields...), lastAssigned: lastAssigned}
	for _, ch := range changes {
		if err := ch.apply(st); err != nil {
			return nil, lastAssigned, err
		}
	}

	next, err := NewSchema(newSchemaID, st.fields...)
	if err != nil {
		return nil, lastAssigned, err
	}
	return next, st.lastAssigned, nil
}
