package wal

import (
	"fmt"

	"github.com/pkg/errors"
)

// Sentinel causes, compared with errors.Cause(err) == wal.ErrX rather than manual
// type-switch unwrapping.
var (
	// ErrIoFailure wraps an underlying file I/O error. See wrapIO.
	ErrIoFailure = errors.New("wal: io failure")
	// ErrInvalidState is raised by Init on a segment whose buffer is non-empty.
	ErrInvalidState = errors.New("wal: invalid state")
	// ErrShutdownTimeout is raised when an executor does not stop within the
	// configured shutdown timeout.
	ErrShutdownTimeout = errors.New("wal: shutdown timeout")
)

// ioFailureErr wraps a failed os/file-system call so errors.Cause(err) resolves to
// ErrIoFailure while the original error stays reachable through Unwrap, for callers
// that want os.IsNotExist or similar on the underlying cause.
type ioFailureErr struct {
	msg   string
	cause error
}

func (e *ioFailureErr) Error() string { return fmt.Sprintf("wal: %s: %s", e.msg, e.cause) }
func (e *ioFailureErr) Cause() error  { return ErrIoFailure }
func (e *ioFailureErr) Unwrap() error { return e.cause }

// wrapIO wraps err from a file-system call, or returns nil if err is nil.
func wrapIO(err error, msg string) error {
	if err == nil {
		return nil
	}
	return &ioFailureErr{msg: msg, cause: err}
}

// CorruptionErr reports a page that failed verification or broke the chunk-chain
// invariant. Callers doing truncate-and-recover need the segment path, the
// offending page index, and the underlying cause without re-deriving any of it.
type CorruptionErr struct {
	Path      string
	PageIndex int64
	Err       error
}

func (e *CorruptionErr) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("wal: corruption in %s at page %d: %s", e.Path, e.PageIndex, e.Err)
	}
	return fmt.Sprintf("wal: corruption in %s at page %d", e.Path, e.PageIndex)
}

func (e *CorruptionErr) Cause() error { return e.Err }

func (e *CorruptionErr) Unwrap() error { return e.Err }

// pageBroken constructs a CorruptionErr for the given page index, wrapping cause if
// one is present.
func pageBroken(path string, pageIndex int64, cause error) error {
	return &CorruptionErr{Path: path, PageIndex: pageIndex, Err: cause}
}

// PartialLastPageErr marks a torn tail detected and repaired during selfCheck.
type PartialLastPageErr struct {
	Path        string
	OriginalLen int64
	TruncatedTo int64
}

func (e *PartialLastPageErr) Error() string {
	return fmt.Sprintf("wal: %s had a partial last page, truncated %d -> %d bytes",
		e.Path, e.OriginalLen, e.TruncatedTo)
}

// IsCorruption reports whether err (or its cause) is a *CorruptionErr.
func IsCorruption(err error) bool {
	var ce *CorruptionErr
	return errors.As(err, &ce)
}
