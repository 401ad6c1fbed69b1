package s3

import (
	"errors"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/gobeaver/fileio"
)

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &nsk) || errors.As(err, &notFound) {
		return true
	}
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "NotFound"
}

func mapError(op, uri string, err error) error {
	if isNotFound(err) {
		return &fileio.PathError{Op: op, Path: uri, Err: fileio.ErrNotExist}
	}
	var noBucket *types.NoSuchBucket
	if errors.As(err, &noBucket) {
		return &fileio.PathError{Op: op, Path: uri, Err: fileio.ErrNotExist}
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchBucket":
			return &fileio.PathError{Op: op, Path: uri, Err: fileio.ErrNotExist}
		case "AccessDenied", "Forbidden", "AllAccessDisabled":
			return &fileio.PathError{Op: op, Path: uri, Err: fileio.ErrPermission}
		case "PreconditionFailed", "ConditionalRequestConflict":
			return &fileio.PathError{Op: op, Path: uri, Err: fileio.ErrExist}
		case "NotImplemented":
			return &fileio.PathError{Op: op, Path: uri, Err: fileio.ErrNotSupported}
		}
	}
	return fileio.FromOSError(op, uri, err)
}
