package rest

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/TFMV/floe/icerr"
)

// StatusFor maps an error to the HTTP status the server answers with
func StatusFor(err error) int {
	switch {
	case errors.Is(err, icerr.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, icerr.ErrAlreadyExists),
		errors.Is(err, icerr.ErrCommitConflict),
		errors.Is(err, icerr.ErrNamespaceNotEmpty):
		return http.StatusConflict
	case errors.Is(err, icerr.ErrSchema),
		errors.Is(err, icerr.ErrInvalidRange),
		errors.Is(err, icerr.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, icerr.ErrStorageIO):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func errorResponse(err error) ErrorResponse {
	resp := ErrorResponse{
		Error: err.Error(),
		Type:  icerr.Kind(err),
		Code:  StatusFor(err),
	}
	var conflict *icerr.CommitConflictError
	if errors.As(err, &conflict) {
		v := conflict.CurrentVersion
		resp.CurrentVersion = &v
	}
	return resp
}

// APIError is an error answered by a remote catalog. It matches the same
// icerr sentinel the server-side error did.
type APIError struct {
	Status  int
	Type    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("catalog error (status %d, %s): %s", e.Status, e.Type, e.Message)
}

func (e *APIError) Is(target error) bool {
	switch e.Type {
	case "NotFound":
		return target == icerr.ErrNotFound
	case "AlreadyExists":
		return target == icerr.ErrAlreadyExists
	case "SchemaError":
		return target == icerr.ErrSchema
	case "CommitConflict":
		return target == icerr.ErrCommitConflict
	case "InvalidRange":
		return target == icerr.ErrInvalidRange
	case "StorageIO":
		return target == icerr.ErrStorageIO
	case "NamespaceNotEmpty":
		return target == icerr.ErrNamespaceNotEmpty
	case "InvalidArgument":
		return target == icerr.ErrInvalidArgument
	}
	return false
}

// decodeError rebuilds a typed error from an error body. Commit conflicts
// come back as *icerr.CommitConflictError so retry loops can read the
// winning version.
func decodeError(status int, body ErrorResponse, tableName string, baseVersion int64) error {
	if body.Type == "CommitConflict" && body.CurrentVersion != nil {
		return &icerr.CommitConflictError{Table: tableName, BaseVersion: baseVersion, CurrentVersion: *body.CurrentVersion}
	}
	typ := body.Type
	if typ == "" {
		typ = kindForStatus(status)
	}
	msg := body.Error
	if msg == "" {
		msg = http.StatusText(status)
	}
	return &APIError{Status: status, Type: typ, Message: msg}
}

func kindForStatus(status int) string {
	switch status {
	case http.StatusNotFound:
		return "NotFound"
	case http.StatusConflict:
		return "AlreadyExists"
	case http.StatusBadRequest:
		return "InvalidArgument"
	case http.StatusBadGateway:
		return "StorageIO"
	default:
		return "internal"
	}
}
