package filepool

import (
	"errors"
	"os"

	"github.com/rarydzu/fdpool/osfile"
	"github.com/ztrue/tracerr"
	"golang.org/x/sys/unix"
)

// WriteSimpleFile replaces name with buf and syncs it
func (p *Pool) WriteSimpleFile(name string, buf []byte, perm os.FileMode) (err error) {
	w, err := NewWriter(p, name, WithTruncate(Truncate), WithPerm(perm))
	if err != nil {
		return err
	}
	defer func() {
		if cerr := w.Close(); err == nil {
			err = cerr
		}
	}()
	if err := w.Pwrite(buf, 0); err != nil {
		return err
	}
	return w.SyncAndClose()
}

// ReadSimpleFile fills buf from the start of name
func (p *Pool) ReadSimpleFile(name string, buf []byte) error {
	r, err := NewReader(p, name)
	if err != nil {
		return err
	}
	defer r.Close()
	return r.Pread(buf, 0)
}

// WriteStringFile is WriteSimpleFile for a string
func (p *Pool) WriteStringFile(name, s string, perm os.FileMode) error {
	return p.WriteSimpleFile(name, []byte(s), perm)
}

// ReadStringFile returns the whole content of name
func (p *Pool) ReadStringFile(name string) (string, error) {
	size, err := statSize(name)
	if err != nil {
		return "", err
	}
	buf := make([]byte, size)
	if err := p.ReadSimpleFile(name, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// WriteSimpleFileWithCRC writes data followed by its crc. The caller's
// slice is not modified.
func (p *Pool) WriteSimpleFileWithCRC(name string, data []byte, perm os.FileMode) (err error) {
	buf := make([]byte, len(data)+CRCSize)
	copy(buf, data)

	w, err := NewWriter(p, name, WithTruncate(Truncate), WithPerm(perm))
	if err != nil {
		return err
	}
	defer func() {
		if cerr := w.Close(); err == nil {
			err = cerr
		}
	}()
	if err := w.PwriteCRC(buf, 0); err != nil {
		return err
	}
	return w.SyncAndClose()
}

// ReadSimpleFileWithCRC reads name, validates the trailing crc and returns
// the data without it.
func (p *Pool) ReadSimpleFileWithCRC(name string) ([]byte, error) {
	size, err := statSize(name)
	if err != nil {
		return nil, err
	}
	if size < CRCSize {
		return nil, tracerr.Errorf("%s: %d bytes is too short for a crc: %w", name, size, ErrChecksumMismatch)
	}
	buf := make([]byte, size)

	r, err := NewReader(p, name)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	if err := r.PreadCRC(buf, 0); err != nil {
		return nil, err
	}
	return buf[:size-CRCSize], nil
}

var fileSize = osfile.FileSize

func statSize(name string) (int64, error) {
	size, err := fileSize(name)
	if err != nil {
		if errors.Is(err, unix.ENOENT) {
			return 0, tracerr.Errorf("%s: %w", name, ErrNotFound)
		}
		return 0, ioError("stat", name, 0, 0, err)
	}
	return size, nil
}
