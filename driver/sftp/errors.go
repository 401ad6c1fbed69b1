package sftp

import (
	"errors"

	"github.com/pkg/sftp"

	"github.com/gobeaver/fileio"
)

// mapError converts SFTP status codes into fileio kinds. The client
// already reports missing files and denied access as os errors.
func mapError(op, uri string, err error) error {
	var status *sftp.StatusError
	if errors.As(err, &status) {
		switch status.FxCode() {
		case sftp.ErrSSHFxNoSuchFile:
			return &fileio.PathError{Op: op, Path: uri, Err: fileio.ErrNotExist}
		case sftp.ErrSSHFxPermissionDenied:
			return &fileio.PathError{Op: op, Path: uri, Err: fileio.ErrPermission}
		case sftp.ErrSSHFxOpUnsupported:
			return &fileio.PathError{Op: op, Path: uri, Err: fileio.ErrNotSupported}
		}
	}
	switch {
	case errors.Is(err, sftp.ErrSSHFxOpUnsupported):
		return &fileio.PathError{Op: op, Path: uri, Err: fileio.ErrNotSupported}
	case errors.Is(err, sftp.ErrSSHFxConnectionLost), errors.Is(err, sftp.ErrSSHFxNoConnection):
		return &fileio.PathError{Op: op, Path: uri, Err: &fileio.IOError{Err: err}}
	}
	return fileio.FromOSError(op, uri, err)
}
