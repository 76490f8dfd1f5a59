package executable

import (
	"errors"
	"fmt"

	"github.com/c2h5oh/datasize"
)

// Sentinel errors matched by the typed errors below via errors.Is.
var (
	ErrDownload          = errors.New("download failed")
	ErrOversize          = errors.New("artifact exceeds transfer limit")
	ErrFilesystem        = errors.New("filesystem operation failed")
	ErrDestinationExists = errors.New("destination already exists")
)

// DownloadError reports a URI that could not be fetched into staging.
type DownloadError struct {
	URI string
	Err error
}

func (e *DownloadError) Error() string {
	return fmt.Sprintf("cannot download %q: %s", e.URI, e.Err)
}

func (e *DownloadError) Unwrap() error { return e.Err }

func (e *DownloadError) Is(target error) bool { return target == ErrDownload }

// OversizeError reports a file larger than the transport length field allows.
type OversizeError struct {
	Path  string
	Size  int64
	Limit int64
}

func (e *OversizeError) Error() string {
	return fmt.Sprintf(
		"size of file %q (%s) exceed %d bytes",
		e.Path, datasize.ByteSize(e.Size).HumanReadable(), e.Limit,
	)
}

func (e *OversizeError) Is(target error) bool { return target == ErrOversize }

// FilesystemError wraps a failed move, copy, delete, read or write.
type FilesystemError struct {
	Op   string
	Path string
	Err  error
}

func (e *FilesystemError) Error() string {
	return fmt.Sprintf("%s %q: %s", e.Op, e.Path, e.Err)
}

func (e *FilesystemError) Unwrap() error { return e.Err }

func (e *FilesystemError) Is(target error) bool { return target == ErrFilesystem }

func fsError(op, path string, err error) error {
	if err == nil {
		return nil
	}
	return &FilesystemError{Op: op, Path: path, Err: err}
}
