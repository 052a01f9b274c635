package importer

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/TFMV/floe/catalog"
	floefs "github.com/TFMV/floe/fs"
	"github.com/TFMV/floe/icerr"
)

// ImporterType represents the type of importer
type ImporterType string

const (
	ImporterTypeParquet ImporterType = "parquet"
	ImporterTypeAvro    ImporterType = "avro"
)

// ImporterFactory creates importers based on file type
type ImporterFactory struct {
	cat   catalog.Catalog
	store floefs.Store
	opts  Options
}

// NewImporterFactory creates a new importer factory
func NewImporterFactory(cat catalog.Catalog, store floefs.Store, opts Options) *ImporterFactory {
	return &ImporterFactory{cat: cat, store: store, opts: opts}
}

// CreateImporter creates an importer based on the file extension
func (f *ImporterFactory) CreateImporter(filePath string) (Importer, ImporterType, error) {
	t, err := f.DetectFileType(filePath)
	if err != nil {
		return nil, "", err
	}
	imp, err := f.CreateImporterByType(t)
	return imp, t, err
}

// CreateImporterByType creates an importer for a specific type
func (f *ImporterFactory) CreateImporterByType(importerType ImporterType) (Importer, error) {
	switch importerType {
	case ImporterTypeParquet:
		return NewParquetImporter(f.cat, f.store, f.opts), nil
	case ImporterTypeAvro:
		return NewAvroImporter(f.cat, f.store, f.opts), nil
	default:
		return nil, &icerr.ValidationError{Field: "format", Message: fmt.Sprintf("unsupported importer type: %s", importerType)}
	}
}

// extensions maps file extensions to importers, in the order they are listed
var extensions = []struct {
	ext string
	typ ImporterType
}{
	{".parquet", ImporterTypeParquet},
	{".avro", ImporterTypeAvro},
}

// GetSupportedFormats returns the file extensions that can be imported
func (f *ImporterFactory) GetSupportedFormats() []string {
	out := make([]string, len(extensions))
	for i, e := range extensions {
		out[i] = e.ext
	}
	return out
}

// DetectFileType picks an importer from the file extension, ignoring case
func (f *ImporterFactory) DetectFileType(filePath string) (ImporterType, error) {
	ext := strings.ToLower(filepath.Ext(filePath))
	for _, e := range extensions {
		if e.ext == ext {
			return e.typ, nil
		}
	}
	return "", &icerr.ValidationError{
		Field:   "format",
		Message: fmt.Sprintf("unsupported file format %q (supported: %s)", ext, strings.Join(f.GetSupportedFormats(), ", ")),
	}
}
