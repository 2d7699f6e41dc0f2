package filepool

import (
	"errors"
	"fmt"

	"github.com/ztrue/tracerr"
)

// Sentinel errors. Errors returned by the pool carry a stack trace
// (tracerr) but errors.Is / errors.As see through it.
var (
	ErrNotFound         = errors.New("no such file")
	ErrExclusive        = errors.New("reader/writer exclusivity violated")
	ErrChecksumMismatch = errors.New("crc mismatch")
	ErrUnflushedWrites  = errors.New("write buffer not flushed")
	ErrPoolInUse        = errors.New("file pool has live references")
	ErrInvalidBudget    = errors.New("fd budget must not be zero")
	ErrClosed           = errors.New("handle already closed")
	ErrIO               = errors.New("file i/o failed")
)

// IOError is an open, close, read or write failure. Err holds the errno.
type IOError struct {
	Op     string
	Path   string
	Size   int
	Offset int64
	Err    error
}

func (e *IOError) Error() string {
	switch e.Op {
	case "read":
		return fmt.Sprintf("unable to read %d bytes from offset %d in %s: %v", e.Size, e.Offset, e.Path, e.Err)
	case "write":
		return fmt.Sprintf("unable to write %d bytes to offset %d in %s: %v", e.Size, e.Offset, e.Path, e.Err)
	default:
		return fmt.Sprintf("error %s %s: %v", e.Op, e.Path, e.Err)
	}
}

func (e *IOError) Unwrap() error { return e.Err }

func (e *IOError) Is(target error) bool { return target == ErrIO }

func ioError(op, path string, size int, offset int64, err error) error {
	return tracerr.Wrap(&IOError{Op: op, Path: path, Size: size, Offset: offset, Err: err})
}

// invariant panics when a bookkeeping rule is broken. The pool state can't
// be trusted after that, so it is not reported as an error.
func invariant(ok bool, format string, args ...interface{}) {
	if !ok {
		panic(fmt.Sprintf("filepool: invariant violated: "+format, args...))
	}
}
