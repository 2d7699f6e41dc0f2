package filepool

import (
	"sync/atomic"

	"github.com/rarydzu/fdpool/osfile"
	"github.com/ztrue/tracerr"
)

// Reader reads one file through the pool. Safe for concurrent use.
type Reader struct {
	h      *refHandle
	closed atomic.Bool
}

// NewReader registers a reader for name. It fails with ErrNotFound if the
// file doesn't exist and ErrExclusive if a Writer holds it.
func NewReader(p *Pool, name string) (*Reader, error) {
	h, err := p.resolve(name, osfile.ReadOnly, 0)
	if err != nil {
		return nil, err
	}
	return &Reader{h: h}, nil
}

// Name returns the file name the reader was created for
func (r *Reader) Name() string {
	return r.h.ref.name
}

// Filesize returns the size of the file when the reference was created.
func (r *Reader) Filesize() int64 {
	return r.h.ref.size
}

// Pread fills buf from offset or fails
func (r *Reader) Pread(buf []byte, offset int64) error {
	if r.closed.Load() {
		return tracerr.Wrap(ErrClosed)
	}
	return r.h.ref.pread(buf, offset)
}

// PreadCRC is Pread, then treats the last 4 bytes of buf as the crc of
// the bytes before them. buf keeps the trailer.
func (r *Reader) PreadCRC(buf []byte, offset int64) error {
	if err := r.Pread(buf, offset); err != nil {
		return err
	}
	return checkCRC(buf, r.h.ref.name)
}

// ReadAt implements io.ReaderAt
func (r *Reader) ReadAt(p []byte, off int64) (int, error) {
	if err := r.Pread(p, off); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close releases the reader. The descriptor is closed once no other handle
// uses the file. Further calls are no-ops.
func (r *Reader) Close() error {
	r.closed.Store(true)
	r.h.release()
	return nil
}
