package filepool

import (
	"os"
	"sync"
	"sync/atomic"

	"github.com/rarydzu/fdpool/osfile"
	"github.com/ztrue/tracerr"
)

// WriteStyle selects the access mode of a Writer
type WriteStyle int

const (
	WriteOnly WriteStyle = osfile.WriteOnly
	ReadWrite WriteStyle = osfile.ReadWrite
)

// TruncateStyle selects whether the first open truncates the file
type TruncateStyle int

const (
	NoTruncate TruncateStyle = 0
	Truncate   TruncateStyle = osfile.Truncate
)

// DefaultPerm is the create mode used unless WithPerm says otherwise
const DefaultPerm os.FileMode = 0666

type writerOptions struct {
	style      WriteStyle
	truncate   TruncateStyle
	perm       os.FileMode
	bufferSize int
}

type WriterOption func(*writerOptions)

// WithStyle sets the access mode (default WriteOnly)
func WithStyle(style WriteStyle) WriterOption {
	return func(o *writerOptions) {
		o.style = style
	}
}

// WithTruncate sets the truncate style (default NoTruncate)
func WithTruncate(truncate TruncateStyle) WriterOption {
	return func(o *writerOptions) {
		o.truncate = truncate
	}
}

// WithPerm sets the create mode
func WithPerm(perm os.FileMode) WriterOption {
	return func(o *writerOptions) {
		o.perm = perm
	}
}

// WithWriteBuffer enables write coalescing with a buffer of size bytes
func WithWriteBuffer(size int) WriterOption {
	return func(o *writerOptions) {
		o.bufferSize = size
	}
}

// Writer writes one file through the pool. It is the only handle allowed
// on its file. SyncAndClose must be called before Close, otherwise buffered
// data or a close error could be lost.
type Writer struct {
	h      *refHandle
	closed atomic.Bool

	// write coalescing, guarded by wbMu (never held with the pool lock
	// except while flushing)
	wbMu     sync.Mutex
	wbSize   int
	wb       []byte
	wbOffset int64
	wbLen    int
}

// NewWriter registers a writer for name. The file is created if missing.
func NewWriter(p *Pool, name string, opts ...WriterOption) (*Writer, error) {
	o := writerOptions{style: WriteOnly, truncate: NoTruncate, perm: DefaultPerm}
	for _, opt := range opts {
		opt(&o)
	}
	flags := int(o.style) | int(o.truncate) | osfile.Create
	h, err := p.resolve(name, flags, uint32(o.perm.Perm()))
	if err != nil {
		return nil, err
	}
	w := &Writer{h: h}
	if o.bufferSize > 0 {
		w.setBuffer(o.bufferSize)
	}
	return w, nil
}

// Name returns the file name the writer was created for
func (w *Writer) Name() string {
	return w.h.ref.name
}

func (w *Writer) setBuffer(size int) {
	w.wbSize = size
	w.wbOffset = 0
	w.wbLen = 0
	if size > 0 {
		w.wb = make([]byte, size)
	} else {
		w.wb = nil
	}
}

// BufferWrites flushes anything buffered, then coalesces contiguous writes
// in a buffer of size bytes. 0 turns buffering off.
func (w *Writer) BufferWrites(size int) error {
	w.wbMu.Lock()
	defer w.wbMu.Unlock()
	if err := w.flushLocked(); err != nil {
		return err
	}
	w.setBuffer(size)
	return nil
}

// Buffered returns the number of bytes waiting in the write buffer
func (w *Writer) Buffered() int {
	w.wbMu.Lock()
	defer w.wbMu.Unlock()
	return w.wbLen
}

// Pwrite writes buf at offset. With buffering on, writes that append to
// the buffered range and fit are kept in memory; anything else flushes
// first. A write larger than the whole buffer bypasses it.
func (w *Writer) Pwrite(buf []byte, offset int64) error {
	if w.closed.Load() {
		return tracerr.Wrap(ErrClosed)
	}
	w.wbMu.Lock()
	if len(buf) > w.wbSize {
		w.wbMu.Unlock()
		return w.h.ref.pwrite(buf, offset)
	}
	defer w.wbMu.Unlock()

	if offset != w.wbOffset+int64(w.wbLen) || w.wbLen+len(buf) > w.wbSize {
		if err := w.flushLocked(); err != nil {
			return err
		}
		w.wbOffset = offset
	}
	invariant(w.wbLen+len(buf) <= w.wbSize, "write buffer overflow")
	copy(w.wb[w.wbLen:], buf)
	w.wbLen += len(buf)
	return nil
}

// PwriteCRC overwrites the last 4 bytes of buf with the crc of the bytes
// before them and writes it. len(buf) includes the trailer.
func (w *Writer) PwriteCRC(buf []byte, offset int64) error {
	if err := putCRC(buf); err != nil {
		return err
	}
	return w.Pwrite(buf, offset)
}

// WriteAt implements io.WriterAt
func (w *Writer) WriteAt(p []byte, off int64) (int, error) {
	if err := w.Pwrite(p, off); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Flush writes out the coalescing buffer
func (w *Writer) Flush() error {
	w.wbMu.Lock()
	defer w.wbMu.Unlock()
	return w.flushLocked()
}

func (w *Writer) flushLocked() error {
	if w.wb == nil || w.wbLen == 0 {
		w.wbLen = 0
		return nil
	}
	if err := w.h.ref.pwrite(w.wb[:w.wbLen], w.wbOffset); err != nil {
		return err
	}
	w.wbLen = 0
	return nil
}

// SyncAndClose flushes, fsyncs and closes the descriptor, reporting any
// close error, including one left behind when the descriptor was stolen.
// The Writer stays registered until Close.
func (w *Writer) SyncAndClose() error {
	if w.closed.Load() {
		return tracerr.Wrap(ErrClosed)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return w.h.ref.close()
}

// Pread flushes the write buffer and reads through the same file
func (w *Writer) Pread(buf []byte, offset int64) error {
	if w.closed.Load() {
		return tracerr.Wrap(ErrClosed)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return w.h.ref.pread(buf, offset)
}

// PreadCRC is Pread followed by a crc check of the trailing 4 bytes
func (w *Writer) PreadCRC(buf []byte, offset int64) error {
	if err := w.Pread(buf, offset); err != nil {
		return err
	}
	return checkCRC(buf, w.h.ref.name)
}

// Close releases the writer. It returns ErrUnflushedWrites, dropping the
// data, if buffered bytes were never flushed. Further calls are no-ops.
func (w *Writer) Close() error {
	if w.closed.Swap(true) {
		return nil
	}
	w.wbMu.Lock()
	pending := w.wbLen
	w.wbLen = 0
	w.wbMu.Unlock()

	w.h.release()
	if pending != 0 {
		return tracerr.Errorf("%s: %d bytes: %w", w.h.ref.name, pending, ErrUnflushedWrites)
	}
	return nil
}
