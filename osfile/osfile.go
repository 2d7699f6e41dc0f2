// Package osfile wraps the raw descriptor syscalls used by the file pool.
// Every call returns the errno it failed with so callers can report it.
package osfile

import (
	"math"

	"golang.org/x/sys/unix"
)

const (
	// DefaultMaxOpenFiles is assumed when RLIMIT_NOFILE cannot be queried
	DefaultMaxOpenFiles = 256

	ReadOnly  = unix.O_RDONLY
	WriteOnly = unix.O_WRONLY
	ReadWrite = unix.O_RDWR
	Create    = unix.O_CREAT
	Truncate  = unix.O_TRUNC

	accessMask = unix.O_RDONLY | unix.O_WRONLY | unix.O_RDWR
)

// IsWriteFlags reports whether flags open a file for writing
func IsWriteFlags(flags int) bool {
	return flags&accessMask != unix.O_RDONLY
}

// Open opens name and returns the raw descriptor
func Open(name string, flags int, perm uint32) (int, error) {
	for {
		fd, err := unix.Open(name, flags|unix.O_CLOEXEC, perm)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return -1, err
		}
		return fd, nil
	}
}

// Close closes fd. EINTR is not retried, the descriptor is gone either way.
func Close(fd int) error {
	return unix.Close(fd)
}

// Fsync flushes fd to stable storage
func Fsync(fd int) error {
	for {
		err := unix.Fsync(fd)
		if err != unix.EINTR {
			return err
		}
	}
}

// FsyncAndClose syncs and closes fd. The descriptor is closed even if the
// sync fails; the first error wins.
func FsyncAndClose(fd int) error {
	serr := Fsync(fd)
	cerr := Close(fd)
	if serr != nil {
		return serr
	}
	return cerr
}

// PreadAll fills buf from offset. Hitting end of file before buf is full
// returns ENODATA.
func PreadAll(fd int, buf []byte, offset int64) error {
	for len(buf) > 0 {
		n, err := unix.Pread(fd, buf, offset)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return err
		}
		if n == 0 {
			return unix.ENODATA
		}
		buf = buf[n:]
		offset += int64(n)
	}
	return nil
}

// PwriteAll writes all of buf at offset
func PwriteAll(fd int, buf []byte, offset int64) error {
	for len(buf) > 0 {
		n, err := unix.Pwrite(fd, buf, offset)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return err
		}
		if n == 0 {
			return unix.EIO
		}
		buf = buf[n:]
		offset += int64(n)
	}
	return nil
}

// FileSize returns the size of name
func FileSize(name string) (int64, error) {
	var st unix.Stat_t
	if err := unix.Stat(name, &st); err != nil {
		return 0, err
	}
	return st.Size, nil
}

// MaxOpenFiles returns the soft RLIMIT_NOFILE of the process
func MaxOpenFiles() int {
	var limit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &limit); err != nil {
		return DefaultMaxOpenFiles
	}
	if limit.Cur > math.MaxInt32 {
		return math.MaxInt32
	}
	return int(limit.Cur)
}
