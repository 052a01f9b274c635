// Package rest exposes a catalog over HTTP and provides a client that
// implements catalog.Catalog against that wire contract.
package rest

import (
	"time"

	"github.com/TFMV/floe/catalog"
	"github.com/TFMV/floe/table"
)

type namespaceResponse struct {
	Name       string            `json:"name"`
	Properties map[string]string `json:"properties"`
}

type listNamespacesResponse struct {
	Namespaces []namespaceResponse `json:"namespaces"`
}

type createNamespaceRequest struct {
	Namespace  string            `json:"namespace"`
	Properties map[string]string `json:"properties,omitempty"`
}

type updatePropertiesRequest struct {
	Removals []string          `json:"removals,omitempty"`
	Updates  map[string]string `json:"updates,omitempty"`
}

type listTablesResponse struct {
	Identifiers []catalog.Identifier `json:"identifiers"`
}

// CreateTableRequest is the body of POST /namespaces/{ns}/tables
type CreateTableRequest struct {
	Name          string               `json:"name"`
	Schema        *table.Schema        `json:"schema"`
	PartitionSpec *table.PartitionSpec `json:"partition_spec,omitempty"`
	Properties    map[string]string    `json:"properties,omitempty"`
	Location      string               `json:"location,omitempty"`
}

// LoadTableResponse describes a table's current entry and metadata
type LoadTableResponse struct {
	Namespace                string          `json:"namespace"`
	Name                     string          `json:"name"`
	MetadataLocation         string          `json:"metadata_location"`
	MetadataVersion          int64           `json:"metadata_version"`
	PreviousMetadataLocation string          `json:"previous_metadata_location,omitempty"`
	CreatedAt                time.Time       `json:"created_at"`
	UpdatedAt                time.Time       `json:"updated_at"`
	Metadata                 *table.Metadata `json:"metadata"`
}

// CommitTableRequest is the body of POST /namespaces/{ns}/tables/{name}
type CommitTableRequest struct {
	BaseVersion int64           `json:"base_version"`
	NewMetadata *table.Metadata `json:"new_metadata"`
}

// ErrorResponse is the body of every non-2xx response
type ErrorResponse struct {
	Error          string `json:"error"`
	Type           string `json:"type"`
	Code           int    `json:"code"`
	CurrentVersion *int64 `json:"current_version,omitempty"`
}

type listSnapshotsResponse struct {
	Snapshots []table.SnapshotInfo `json:"snapshots"`
}

type listFilesResponse struct {
	SnapshotID *int64           `json:"snapshot_id,omitempty"`
	Files      []table.DataFile `json:"files"`
}

func toLoadTableResponse(t *catalog.Table) LoadTableResponse {
	return LoadTableResponse{
		Namespace:                t.Entry.Identifier.Namespace,
		Name:                     t.Entry.Identifier.Name,
		MetadataLocation:         t.Entry.MetadataLocation,
		MetadataVersion:          t.Entry.MetadataVersion,
		PreviousMetadataLocation: t.Entry.PreviousMetadataLocation,
		CreatedAt:                t.Entry.CreatedAt,
		UpdatedAt:                t.Entry.UpdatedAt,
		Metadata:                 t.Metadata,
	}
}

func (r LoadTableResponse) toTable() *catalog.Table {
	if r.Metadata != nil {
		r.Metadata.MetadataLocation = r.MetadataLocation
	}
	return &catalog.Table{
		Entry: catalog.Entry{
			Identifier:               catalog.Identifier{Namespace: r.Namespace, Name: r.Name},
			MetadataLocation:         r.MetadataLocation,
			MetadataVersion:          r.MetadataVersion,
			PreviousMetadataLocation: r.PreviousMetadataLocation,
			CreatedAt:                r.CreatedAt,
			UpdatedAt:                r.UpdatedAt,
		},
		Metadata: r.Metadata,
	}
}
