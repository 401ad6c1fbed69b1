package azure

import (
	"errors"
	"net/http"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"

	"github.com/gobeaver/fileio"
)

func isNotFound(err error) bool {
	if bloberror.HasCode(err, bloberror.BlobNotFound) {
		return true
	}
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound &&
		!bloberror.HasCode(err, bloberror.ContainerNotFound)
}

// mapError maps Azure errors to fileio errors
func mapError(op, uri string, err error) error {
	switch {
	case bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound):
		return &fileio.PathError{Op: op, Path: uri, Err: fileio.ErrNotExist}
	case bloberror.HasCode(err, bloberror.BlobAlreadyExists, bloberror.ConditionNotMet):
		return &fileio.PathError{Op: op, Path: uri, Err: fileio.ErrExist}
	case bloberror.HasCode(err,
		bloberror.AuthorizationFailure,
		bloberror.AuthorizationPermissionMismatch,
		bloberror.InsufficientAccountPermissions,
	):
		return &fileio.PathError{Op: op, Path: uri, Err: fileio.ErrPermission}
	}

	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		switch respErr.StatusCode {
		case http.StatusNotFound:
			return &fileio.PathError{Op: op, Path: uri, Err: fileio.ErrNotExist}
		case http.StatusForbidden, http.StatusUnauthorized:
			return &fileio.PathError{Op: op, Path: uri, Err: fileio.ErrPermission}
		case http.StatusPreconditionFailed, http.StatusConflict:
			return &fileio.PathError{Op: op, Path: uri, Err: fileio.ErrExist}
		case http.StatusNotImplemented:
			return &fileio.PathError{Op: op, Path: uri, Err: fileio.ErrNotSupported}
		}
	}
	return fileio.FromOSError(op, uri, err)
}
