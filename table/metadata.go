package table

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"math/rand/v2"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	floefs "github.com/TFMV/floe/fs"
	"github.com/TFMV/floe/icerr"
)

// FormatVersion is the metadata format written by this package
const FormatVersion = 2

// Operation is the kind of change a snapshot records
type Operation string

const (
	OpAppend    Operation = "append"
	OpOverwrite Operation = "overwrite"
	OpDelete    Operation = "delete"
	OpReplace   Operation = "replace"
)

// ParseOperation validates an operation name
func ParseOperation(s string) (Operation, error) {
	switch op := Operation(strings.ToLower(s)); op {
	case OpAppend, OpOverwrite, OpDelete, OpReplace:
		return op, nil
	}
	return "", &icerr.ValidationError{Field: "operation", Message: fmt.Sprintf("unknown operation %q", s)}
}

// Snapshot is an immutable view of the table's live files
type Snapshot struct {
	SnapshotID       int64             `json:"snapshot-id"`
	ParentSnapshotID *int64            `json:"parent-snapshot-id,omitempty"`
	SequenceNumber   int64             `json:"sequence-number"`
	TimestampMs      int64             `json:"timestamp-ms"`
	ManifestList     string            `json:"manifest-list"`
	Summary          map[string]string `json:"summary"`
	SchemaID         *int              `json:"schema-id,omitempty"`
}

// Operation returns the operation recorded in the summary
func (s Snapshot) Operation() Operation {
	return Operation(s.Summary[SummaryOperation])
}

// Timestamp returns the commit time
func (s Snapshot) Timestamp() time.Time {
	return time.UnixMilli(s.TimestampMs)
}

// SnapshotLogEntry records when a snapshot became current
type SnapshotLogEntry struct {
	TimestampMs int64 `json:"timestamp-ms"`
	SnapshotID  int64 `json:"snapshot-id"`
}

// MetadataLogEntry records a previous metadata document
type MetadataLogEntry struct {
	TimestampMs  int64  `json:"timestamp-ms"`
	MetadataFile string `json:"metadata-file"`
}

// Metadata is one immutable version of a table's metadata document
type Metadata struct {
	FormatVersion      int                `json:"format-version"`
	TableUUID          uuid.UUID          `json:"table-uuid"`
	Location           string             `json:"location"`
	LastUpdatedMs      int64              `json:"last-updated-ms"`
	LastColumnID       int                `json:"last-column-id"`
	Schemas            []*Schema          `json:"schemas"`
	CurrentSchemaID    int                `json:"current-schema-id"`
	PartitionSpecs     []*PartitionSpec   `json:"partition-specs"`
	DefaultSpecID      int                `json:"default-spec-id"`
	LastPartitionID    int                `json:"last-partition-id"`
	Properties         map[string]string  `json:"properties"`
	CurrentSnapshotID  *int64             `json:"current-snapshot-id"`
	Snapshots          []Snapshot         `json:"snapshots"`
	SnapshotLog        []SnapshotLogEntry `json:"snapshot-log"`
	MetadataLog        []MetadataLogEntry `json:"metadata-log"`
	LastSequenceNumber int64              `json:"last-sequence-number"`
	MetadataVersion    int64              `json:"metadata-version"`

	// MetadataLocation is where this document was read from or written to
	MetadataLocation string `json:"-"`
}

// NewMetadata returns version 0 of a table: no snapshots, one schema
func NewMetadata(location string, schema *Schema, spec *PartitionSpec, props map[string]string) (*Metadata, error) {
	if location == "" {
		return nil, &icerr.ValidationError{Field: "location", Message: "table location is required"}
	}
	if schema == nil {
		return nil, &icerr.SchemaError{Op: "create", Reason: "schema is required"}
	}
	if err := schema.validate(); err != nil {
		return nil, err
	}
	if spec == nil {
		spec = UnpartitionedSpec()
	}
	if err := spec.Validate(schema); err != nil {
		return nil, err
	}

	properties := make(map[string]string, len(props))
	maps.Copy(properties, props)

	meta := &Metadata{
		FormatVersion:   FormatVersion,
		TableUUID:       uuid.New(),
		Location:        strings.TrimRight(location, "/"),
		LastUpdatedMs:   time.Now().UnixMilli(),
		LastColumnID:    schema.HighestFieldID(),
		Schemas:         []*Schema{schema},
		CurrentSchemaID: schema.SchemaID,
		PartitionSpecs:  []*PartitionSpec{spec},
		DefaultSpecID:   spec.SpecID,
		LastPartitionID: spec.LastFieldID(),
		Properties:      properties,
		Snapshots:       []Snapshot{},
		SnapshotLog:     []SnapshotLogEntry{},
		MetadataLog:     []MetadataLogEntry{},
	}
	if err := meta.Validate(); err != nil {
		return nil, err
	}
	return meta, nil
}

// SchemaByID returns a schema from the history
func (m *Metadata) SchemaByID(id int) (*Schema, error) {
	for _, s := range m.Schemas {
		if s.SchemaID == id {
			return s, nil
		}
	}
	return nil, icerr.NotFound("schema", fmt.Sprint(id))
}

// CurrentSchema returns the schema new data is written with
func (m *Metadata) CurrentSchema() *Schema {
	s, _ := m.SchemaByID(m.CurrentSchemaID)
	return s
}

// SpecByID returns a partition spec
func (m *Metadata) SpecByID(id int) (*PartitionSpec, error) {
	for _, s := range m.PartitionSpecs {
		if s.SpecID == id {
			return s, nil
		}
	}
	return nil, icerr.NotFound("partition spec", fmt.Sprint(id))
}

// DefaultSpec returns the spec new data is written with
func (m *Metadata) DefaultSpec() *PartitionSpec {
	s, _ := m.SpecByID(m.DefaultSpecID)
	return s
}

// SnapshotByID returns a snapshot from the history
func (m *Metadata) SnapshotByID(id int64) (*Snapshot, error) {
	for i := range m.Snapshots {
		if m.Snapshots[i].SnapshotID == id {
			return &m.Snapshots[i], nil
		}
	}
	return nil, icerr.NotFound("snapshot", fmt.Sprint(id))
}

// CurrentSnapshot returns nil for a table without data
func (m *Metadata) CurrentSnapshot() *Snapshot {
	if m.CurrentSnapshotID == nil {
		return nil
	}
	s, _ := m.SnapshotByID(*m.CurrentSnapshotID)
	return s
}

// SnapshotAsOf returns the snapshot that was current at t according to the
// snapshot log
func (m *Metadata) SnapshotAsOf(t time.Time) (*Snapshot, error) {
	ts := t.UnixMilli()
	var found *int64
	for _, e := range m.SnapshotLog {
		if e.TimestampMs <= ts {
			id := e.SnapshotID
			found = &id
		}
	}
	if found == nil {
		return nil, &icerr.InvalidRangeError{To: ts, Reason: "no snapshot was current at or before the requested time"}
	}
	return m.SnapshotByID(*found)
}

// Ancestors returns the snapshot with the given id followed by its parents,
// newest first. Parents that have been expired end the chain.
func (m *Metadata) Ancestors(id int64) ([]Snapshot, error) {
	snap, err := m.SnapshotByID(id)
	if err != nil {
		return nil, err
	}
	chain := []Snapshot{*snap}
	seen := map[int64]struct{}{id: {}}
	for snap.ParentSnapshotID != nil {
		parent, err := m.SnapshotByID(*snap.ParentSnapshotID)
		if err != nil {
			break
		}
		if _, loop := seen[parent.SnapshotID]; loop {
			break
		}
		seen[parent.SnapshotID] = struct{}{}
		chain = append(chain, *parent)
		snap = parent
	}
	return chain, nil
}

// IsAncestor reports whether ancestor is of or one of its parents
func (m *Metadata) IsAncestor(ancestor, of int64) bool {
	chain, err := m.Ancestors(of)
	if err != nil {
		return false
	}
	for _, s := range chain {
		if s.SnapshotID == ancestor {
			return true
		}
	}
	return false
}

// Validate checks the document's referential invariants
func (m *Metadata) Validate() error {
	if m.CurrentSchema() == nil {
		return &icerr.ValidationError{Field: "current-schema-id", Message: fmt.Sprintf("schema %d is not in the schema history", m.CurrentSchemaID)}
	}
	if m.DefaultSpec() == nil {
		return &icerr.ValidationError{Field: "default-spec-id", Message: fmt.Sprintf("spec %d is not in the spec history", m.DefaultSpecID)}
	}
	for _, s := range m.Schemas {
		if hi := s.HighestFieldID(); hi > m.LastColumnID {
			return &icerr.ValidationError{Field: "last-column-id", Message: fmt.Sprintf("schema %d uses field id %d above last-column-id %d", s.SchemaID, hi, m.LastColumnID)}
		}
	}
	if m.CurrentSnapshotID != nil && m.CurrentSnapshot() == nil {
		return &icerr.ValidationError{Field: "current-snapshot-id", Message: fmt.Sprintf("snapshot %d is not in the snapshot history", *m.CurrentSnapshotID)}
	}
	ids := make(map[int64]struct{}, len(m.Snapshots))
	for _, s := range m.Snapshots {
		if _, dup := ids[s.SnapshotID]; dup {
			return &icerr.ValidationError{Field: "snapshots", Message: fmt.Sprintf("duplicate snapshot id %d", s.SnapshotID)}
		}
		ids[s.SnapshotID] = struct{}{}
		if s.SequenceNumber > m.LastSequenceNumber {
			return &icerr.ValidationError{Field: "last-sequence-number", Message: fmt.Sprintf("snapshot %d has sequence number %d above %d", s.SnapshotID, s.SequenceNumber, m.LastSequenceNumber)}
		}
	}
	return nil
}

// ValidateDerivedFrom checks that next is a successor of base: same table,
// the following version, and schema and snapshot histories that contain
// everything base has.
func ValidateDerivedFrom(base, next *Metadata) error {
	if base.TableUUID != next.TableUUID {
		return &icerr.ValidationError{Field: "table-uuid", Message: fmt.Sprintf("table uuid changed from %s to %s", base.TableUUID, next.TableUUID)}
	}
	if next.MetadataVersion != base.MetadataVersion+1 {
		return &icerr.ValidationError{Field: "metadata-version", Message: fmt.Sprintf("expected version %d, got %d", base.MetadataVersion+1, next.MetadataVersion)}
	}
	if next.LastColumnID < base.LastColumnID {
		return &icerr.ValidationError{Field: "last-column-id", Message: "last-column-id moved backwards"}
	}
	if next.LastSequenceNumber < base.LastSequenceNumber {
		return &icerr.ValidationError{Field: "last-sequence-number", Message: "last-sequence-number moved backwards"}
	}
	for _, s := range base.Schemas {
		if _, err := next.SchemaByID(s.SchemaID); err != nil {
			return &icerr.ValidationError{Field: "schemas", Message: fmt.Sprintf("schema %d missing from new metadata", s.SchemaID)}
		}
	}
	for _, s := range base.Snapshots {
		if _, err := next.SnapshotByID(s.SnapshotID); err != nil {
			return &icerr.ValidationError{Field: "snapshots", Message: fmt.Sprintf("snapshot %d missing from new metadata", s.SnapshotID)}
		}
	}
	return next.Validate()
}

// NewSnapshotID returns an id derived from the current time in microseconds
// with random low bits, unique within m
func (m *Metadata) NewSnapshotID() int64 {
	for {
		id := time.Now().UnixMicro()<<8 | rand.Int64N(256)
		if _, err := m.SnapshotByID(id); err != nil {
			return id
		}
	}
}

// MetadataBuilder derives version N+1 from version N
type MetadataBuilder struct {
	base *Metadata
	next *Metadata
	err  error
}

// NewMetadataBuilder starts a new version on top of base
func NewMetadataBuilder(base *Metadata) *MetadataBuilder {
	next := *base
	next.Schemas = slices.Clone(base.Schemas)
	next.PartitionSpecs = slices.Clone(base.PartitionSpecs)
	next.Snapshots = slices.Clone(base.Snapshots)
	next.SnapshotLog = slices.Clone(base.SnapshotLog)
	next.MetadataLog = slices.Clone(base.MetadataLog)
	next.Properties = maps.Clone(base.Properties)
	if next.Properties == nil {
		next.Properties = map[string]string{}
	}
	if base.CurrentSnapshotID != nil {
		id := *base.CurrentSnapshotID
		next.CurrentSnapshotID = &id
	}
	next.MetadataLocation = ""
	return &MetadataBuilder{base: base, next: &next}
}

// AddSchema appends schema to the history and raises last-column-id
func (b *MetadataBuilder) AddSchema(schema *Schema, lastColumnID int) *MetadataBuilder {
	if b.err != nil {
		return b
	}
	if _, err := b.next.SchemaByID(schema.SchemaID); err == nil {
		b.err = &icerr.SchemaError{Op: "add_schema", Reason: fmt.Sprintf("schema id %d already exists", schema.SchemaID)}
		return b
	}
	if lastColumnID < b.next.LastColumnID {
		b.err = &icerr.SchemaError{Op: "add_schema", Reason: fmt.Sprintf("last column id %d is below %d", lastColumnID, b.next.LastColumnID)}
		return b
	}
	b.next.Schemas = append(b.next.Schemas, schema)
	b.next.LastColumnID = lastColumnID
	return b
}

// SetCurrentSchema selects a schema from the history
func (b *MetadataBuilder) SetCurrentSchema(id int) *MetadataBuilder {
	if b.err != nil {
		return b
	}
	if _, err := b.next.SchemaByID(id); err != nil {
		b.err = err
		return b
	}
	b.next.CurrentSchemaID = id
	return b
}

// NextSchemaID returns an unused schema id
func (b *MetadataBuilder) NextSchemaID() int {
	next := 0
	for _, s := range b.next.Schemas {
		next = max(next, s.SchemaID+1)
	}
	return next
}

// AddSnapshot appends a snapshot; its parent must be in the history
func (b *MetadataBuilder) AddSnapshot(snap Snapshot) *MetadataBuilder {
	if b.err != nil {
		return b
	}
	if _, err := b.next.SnapshotByID(snap.SnapshotID); err == nil {
		b.err = &icerr.ValidationError{Field: "snapshot-id", Message: fmt.Sprintf("snapshot %d already exists", snap.SnapshotID)}
		return b
	}
	if snap.ParentSnapshotID != nil {
		if _, err := b.next.SnapshotByID(*snap.ParentSnapshotID); err != nil {
			b.err = &icerr.ValidationError{Field: "parent-snapshot-id", Message: fmt.Sprintf("parent snapshot %d is not in the history", *snap.ParentSnapshotID)}
			return b
		}
	}
	if snap.SequenceNumber <= b.next.LastSequenceNumber {
		b.err = &icerr.ValidationError{Field: "sequence-number", Message: fmt.Sprintf("sequence number %d is not above %d", snap.SequenceNumber, b.next.LastSequenceNumber)}
		return b
	}
	b.next.Snapshots = append(b.next.Snapshots, snap)
	b.next.LastSequenceNumber = snap.SequenceNumber
	return b
}

// SetCurrentSnapshot moves the current pointer and logs the change
func (b *MetadataBuilder) SetCurrentSnapshot(id int64) *MetadataBuilder {
	if b.err != nil {
		return b
	}
	snap, err := b.next.SnapshotByID(id)
	if err != nil {
		b.err = err
		return b
	}
	ts := snap.TimestampMs
	if b.next.CurrentSnapshotID != nil && *b.next.CurrentSnapshotID == id {
		return b
	}
	if slices.ContainsFunc(b.base.Snapshots, func(s Snapshot) bool { return s.SnapshotID == id }) {
		// moving back to an existing snapshot is logged at the time it happens
		ts = time.Now().UnixMilli()
	}
	b.next.CurrentSnapshotID = &id
	b.next.SnapshotLog = append(b.next.SnapshotLog, SnapshotLogEntry{TimestampMs: ts, SnapshotID: id})
	return b
}

// SetProperties merges updates into the table properties
func (b *MetadataBuilder) SetProperties(updates map[string]string) *MetadataBuilder {
	if b.err != nil {
		return b
	}
	maps.Copy(b.next.Properties, updates)
	return b
}

// RemoveProperties deletes keys from the table properties
func (b *MetadataBuilder) RemoveProperties(keys ...string) *MetadataBuilder {
	if b.err != nil {
		return b
	}
	for _, k := range keys {
		delete(b.next.Properties, k)
	}
	return b
}

// Build validates and returns the new version
func (b *MetadataBuilder) Build() (*Metadata, error) {
	if b.err != nil {
		return nil, b.err
	}
	next := b.next
	next.MetadataVersion = b.base.MetadataVersion + 1
	next.LastUpdatedMs = max(time.Now().UnixMilli(), b.base.LastUpdatedMs)
	if b.base.MetadataLocation != "" {
		next.MetadataLog = append(next.MetadataLog, MetadataLogEntry{
			TimestampMs:  b.base.LastUpdatedMs,
			MetadataFile: b.base.MetadataLocation,
		})
	}
	if err := next.Validate(); err != nil {
		return nil, err
	}
	return next, nil
}

// WithLocation returns a shallow copy of m recording location as its
// document
func (m *Metadata) WithLocation(location string) *Metadata {
	out := *m
	out.MetadataLocation = location
	return &out
}

// CommitSnapshot returns the next version with snap added and current
func (m *Metadata) CommitSnapshot(snap Snapshot) (*Metadata, error) {
	return NewMetadataBuilder(m).AddSnapshot(snap).SetCurrentSnapshot(snap.SnapshotID).Build()
}

// MetadataFileLocation names the document for version under location
func MetadataFileLocation(location string, version int64) string {
	return fmt.Sprintf("%s/metadata/%05d-%s.metadata.json", strings.TrimRight(location, "/"), version, uuid.NewString())
}

// WriteMetadata stores meta as a new document and returns its location.
// Documents are never overwritten: each call writes a fresh file name.
// meta is not modified; the location only becomes the table's once the
// catalog accepts it.
func WriteMetadata(ctx context.Context, store floefs.Store, meta *Metadata) (string, error) {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode metadata: %w", err)
	}
	location := MetadataFileLocation(meta.Location, meta.MetadataVersion)
	if err := store.Put(ctx, location, data); err != nil {
		return "", err
	}
	return location, nil
}

// ReadMetadata loads and validates the document at location
func ReadMetadata(ctx context.Context, store floefs.Store, location string) (*Metadata, error) {
	data, err := store.Get(ctx, location)
	if err != nil {
		return nil, err
	}
	return ParseMetadata(data, location)
}

// ParseMetadata decodes and validates a metadata document
func ParseMetadata(data []byte, location string) (*Metadata, error) {
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, &icerr.ValidationError{Field: "metadata", Message: fmt.Sprintf("invalid metadata document %s: %v", location, err)}
	}
	if err := meta.Validate(); err != nil {
		return nil, err
	}
	meta.MetadataLocation = location
	return &meta, nil
}
