// Package icerr defines the error taxonomy shared by the table format,
// the object stores and the catalogs.
//
// Every typed error matches one sentinel through errors.Is, so callers can
// branch on the kind without knowing the concrete type:
//
//	if errors.Is(err, icerr.ErrCommitConflict) { ... reload and rebase ... }
package icerr

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a namespace, table, snapshot or object is absent.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned on a duplicate create.
	ErrAlreadyExists = errors.New("already exists")
	// ErrSchema is returned for invalid or incompatible schema evolution.
	ErrSchema = errors.New("schema error")
	// ErrCommitConflict is returned when a commit's base version is no longer current.
	ErrCommitConflict = errors.New("commit conflict")
	// ErrInvalidRange is returned for bad time-travel or incremental bounds.
	ErrInvalidRange = errors.New("invalid range")
	// ErrStorageIO is returned when the underlying object store fails.
	ErrStorageIO = errors.New("storage i/o")
	// ErrNamespaceNotEmpty is returned when dropping a namespace that still holds tables.
	ErrNamespaceNotEmpty = errors.New("namespace not empty")
	// ErrInvalidArgument is returned for malformed requests and identifiers.
	ErrInvalidArgument = errors.New("invalid argument")
)

// NotFoundError names the missing thing.
type NotFoundError struct {
	Kind string
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.Name)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// NotFound is shorthand for &NotFoundError{Kind: kind, Name: name}.
func NotFound(kind, name string) error {
	return &NotFoundError{Kind: kind, Name: name}
}

// AlreadyExistsError names the duplicate.
type AlreadyExistsError struct {
	Kind string
	Name string
}

func (e *AlreadyExistsError) Error() string {
	return fmt.Sprintf("%s %q already exists", e.Kind, e.Name)
}

func (e *AlreadyExistsError) Is(target error) bool { return target == ErrAlreadyExists }

// AlreadyExists is shorthand for &AlreadyExistsError{Kind: kind, Name: name}.
func AlreadyExists(kind, name string) error {
	return &AlreadyExistsError{Kind: kind, Name: name}
}

// SchemaError describes a rejected schema operation.
type SchemaError struct {
	Op     string
	Field  string
	Reason string
}

func (e *SchemaError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("schema %s: %s", e.Op, e.Reason)
	}
	return fmt.Sprintf("schema %s %q: %s", e.Op, e.Field, e.Reason)
}

func (e *SchemaError) Is(target error) bool { return target == ErrSchema }

// CommitConflictError carries the version that actually won.
type CommitConflictError struct {
	Table          string
	BaseVersion    int64
	CurrentVersion int64
}

func (e *CommitConflictError) Error() string {
	return fmt.Sprintf("commit conflict on %s: base version %d, current version %d",
		e.Table, e.BaseVersion, e.CurrentVersion)
}

func (e *CommitConflictError) Is(target error) bool { return target == ErrCommitConflict }

// InvalidRangeError describes bad snapshot bounds.
type InvalidRangeError struct {
	From   int64
	To     int64
	Reason string
}

func (e *InvalidRangeError) Error() string {
	return fmt.Sprintf("invalid snapshot range (%d, %d]: %s", e.From, e.To, e.Reason)
}

func (e *InvalidRangeError) Is(target error) bool { return target == ErrInvalidRange }

// StorageError wraps a failure of the object store.
type StorageError struct {
	Op  string
	Key string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) Is(target error) bool { return target == ErrStorageIO }

// NamespaceNotEmptyError is returned by DropNamespace.
type NamespaceNotEmptyError struct {
	Namespace string
	Tables    int
}

func (e *NamespaceNotEmptyError) Error() string {
	return fmt.Sprintf("namespace %q is not empty (%d tables)", e.Namespace, e.Tables)
}

func (e *NamespaceNotEmptyError) Is(target error) bool { return target == ErrNamespaceNotEmpty }

// ValidationError represents a malformed argument.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

func (e *ValidationError) Is(target error) bool { return target == ErrInvalidArgument }

// Kind returns the short name of the taxonomy entry err belongs to, or
// "internal" when it belongs to none.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return "NotFound"
	case errors.Is(err, ErrAlreadyExists):
		return "AlreadyExists"
	case errors.Is(err, ErrSchema):
		return "SchemaError"
	case errors.Is(err, ErrCommitConflict):
		return "CommitConflict"
	case errors.Is(err, ErrInvalidRange):
		return "InvalidRange"
	case errors.Is(err, ErrStorageIO):
		return "StorageIO"
	case errors.Is(err, ErrNamespaceNotEmpty):
		return "NamespaceNotEmpty"
	case errors.Is(err, ErrInvalidArgument):
		return "InvalidArgument"
	default:
		return "internal"
	}
}
