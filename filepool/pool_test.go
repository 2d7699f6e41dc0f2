package filepool

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const testData = "01234567890"

func newTestPool(t *testing.T, maxFds int) *Pool {
	t.Helper()
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)
	p, err := New(maxFds, logger.Sugar())
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, p.Close())
		assert.Equal(t, 0, p.NumFdsUsed())
	})
	return p
}

func seedFile(t *testing.T, data string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "filepool")
	require.NoError(t, err)
	_, err = f.WriteString(data)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	return f.Name()
}

func readBack(t *testing.T, name string) string {
	t.Helper()
	data, err := os.ReadFile(name)
	require.NoError(t, err)
	return string(data)
}

func TestCalcMaxFds(t *testing.T) {
	tests := []struct {
		requested int
		system    int
		want      int
	}{
		{10, 1024, 10},
		{2048, 1024, 1024},
		{-50, 1024, 974},
		{-2000, 1024, 1},
		{-1024, 1024, 1},
	}
	for _, tt := range tests {
		got, err := calcMaxFds(tt.requested, tt.system)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "calcMaxFds(%d, %d)", tt.requested, tt.system)
	}
	_, err := calcMaxFds(0, 1024)
	assert.True(t, errors.Is(err, ErrInvalidBudget))
}

func TestWrite(t *testing.T) {
	p := newTestPool(t, 1)
	name := filepath.Join(t.TempDir(), "out")

	w, err := NewWriter(p, name, WithTruncate(Truncate))
	require.NoError(t, err)
	require.NoError(t, w.Pwrite([]byte(testData), 0))
	require.NoError(t, w.SyncAndClose())
	require.NoError(t, w.Close())

	assert.Equal(t, testData, readBack(t, name))
}

func TestRead(t *testing.T) {
	p := newTestPool(t, 1)
	name := seedFile(t, testData)

	r, err := NewReader(p, name)
	require.NoError(t, err)
	defer r.Close()
	assert.Equal(t, int64(len(testData)), r.Filesize())

	buf := make([]byte, len(testData))
	require.NoError(t, r.Pread(buf, 0))
	assert.Equal(t, testData, string(buf))
}

func TestOffsetWriteRead(t *testing.T) {
	p := newTestPool(t, 1)
	name := filepath.Join(t.TempDir(), "out")
	offset := int64(100)

	w, err := NewWriter(p, name, WithTruncate(Truncate))
	require.NoError(t, err)
	require.NoError(t, w.Pwrite([]byte(testData), offset))
	require.NoError(t, w.SyncAndClose())
	require.NoError(t, w.Close())

	fi, err := os.Stat(name)
	require.NoError(t, err)
	assert.Equal(t, offset+int64(len(testData)), fi.Size())

	r, err := NewReader(p, name)
	require.NoError(t, err)
	defer r.Close()
	buf := make([]byte, len(testData))
	require.NoError(t, r.Pread(buf, offset))
	assert.Equal(t, testData, string(buf))
}

func TestReadPastEOF(t *testing.T) {
	p := newTestPool(t, 1)
	r, err := NewReader(p, seedFile(t, "abc"))
	require.NoError(t, err)
	defer r.Close()

	err = r.Pread(make([]byte, 10), 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrIO))
	assert.True(t, errors.Is(err, unix.ENODATA))
	var ioErr *IOError
	require.True(t, errors.As(err, &ioErr))
	assert.Equal(t, 10, ioErr.Size)
	assert.Contains(t, err.Error(), "unable to read 10 bytes from offset 0")
}

func TestReaderNotFound(t *testing.T) {
	p := newTestPool(t, 1)
	_, err := NewReader(p, filepath.Join(t.TempDir(), "missing"))
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.Equal(t, 0, p.Len())
}

func TestExclusivity(t *testing.T) {
	p := newTestPool(t, 4)
	name := seedFile(t, testData)

	r1, err := NewReader(p, name)
	require.NoError(t, err)
	r2, err := NewReader(p, name)
	require.NoError(t, err)
	assert.Equal(t, 1, p.Len())

	_, err = NewWriter(p, name)
	assert.True(t, errors.Is(err, ErrExclusive))
	assert.Contains(t, err.Error(), "a reader already exists")

	require.NoError(t, r1.Close())
	require.NoError(t, r2.Close())
	assert.Equal(t, 0, p.Len())

	w, err := NewWriter(p, name)
	require.NoError(t, err)
	defer w.Close()

	_, err = NewWriter(p, name)
	assert.True(t, errors.Is(err, ErrExclusive))
	assert.Contains(t, err.Error(), "another writer already exists")

	_, err = NewReader(p, name)
	assert.True(t, errors.Is(err, ErrExclusive))
	assert.Contains(t, err.Error(), "a writer already exists")
}

func TestFdSharing(t *testing.T) {
	const fdlimit = 2
	p := newTestPool(t, fdlimit)
	data := []string{testData, "3333333333333333333", "76876876786876"}
	names := make([]string, len(data))
	for i, d := range data {
		names[i] = seedFile(t, d)
	}

	readers := make([]*Reader, 0, 4)
	for _, name := range append(names, names[0]) {
		r, err := NewReader(p, name)
		require.NoError(t, err)
		defer r.Close()
		readers = append(readers, r)
	}
	want := append(data, data[0])

	for i := 0; i < 100; i++ {
		for j, r := range readers {
			buf := make([]byte, len(want[j]))
			require.NoError(t, r.Pread(buf, 0))
			require.Equal(t, want[j], string(buf))
		}
	}
	assert.Equal(t, fdlimit, p.MaxFdsUsed())
}

func TestFdSharingShortLived(t *testing.T) {
	p := newTestPool(t, 1)
	name1 := seedFile(t, testData)
	name2 := seedFile(t, "3333333333333333333")

	for i := 0; i < 100; i++ {
		for _, name := range []string{name1, name2, name1} {
			r, err := NewReader(p, name)
			require.NoError(t, err)
			buf := make([]byte, r.Filesize())
			require.NoError(t, r.Pread(buf, 0))
			require.NoError(t, r.Close())
		}
	}
	assert.Equal(t, 1, p.MaxFdsUsed())
}

func TestEvictsFirstIdleReservation(t *testing.T) {
	p := newTestPool(t, 2)
	a, err := NewReader(p, seedFile(t, "aaaa"))
	require.NoError(t, err)
	defer a.Close()
	b, err := NewReader(p, seedFile(t, "bbbb"))
	require.NoError(t, err)
	defer b.Close()
	c, err := NewReader(p, seedFile(t, "cccc"))
	require.NoError(t, err)
	defer c.Close()

	buf := make([]byte, 4)
	require.NoError(t, a.Pread(buf, 0))
	require.NoError(t, b.Pread(buf, 0))
	assert.Equal(t, 2, p.NumFdsUsed())

	require.NoError(t, c.Pread(buf, 0))
	assert.Equal(t, "cccc", string(buf))
	assert.Equal(t, 2, p.NumFdsUsed())
	// registry order: "a" was registered first and is idle
	assert.Nil(t, a.h.ref.reservation)
	assert.NotNil(t, b.h.ref.reservation)
	assert.NotNil(t, c.h.ref.reservation)

	require.NoError(t, a.Pread(buf, 0))
	assert.Equal(t, "aaaa", string(buf))
	assert.Equal(t, 2, p.NumFdsUsed())
	assert.Equal(t, 2, p.MaxFdsUsed())
}

func TestClearTruncate(t *testing.T) {
	p := newTestPool(t, 1)
	dir := t.TempDir()
	name1 := filepath.Join(dir, "one")
	name2 := filepath.Join(dir, "two")

	w1, err := NewWriter(p, name1, WithTruncate(Truncate))
	require.NoError(t, err)
	defer w1.Close()
	require.NoError(t, w1.Pwrite([]byte(testData), 0))

	w2, err := NewWriter(p, name2, WithTruncate(Truncate))
	require.NoError(t, err)
	defer w2.Close()
	// steals w1's descriptor
	require.NoError(t, w2.Pwrite([]byte(testData), 0))
	// reopens name1, which must not be truncated again
	require.NoError(t, w1.Pwrite([]byte(testData), int64(len(testData))))

	require.NoError(t, w1.SyncAndClose())
	require.NoError(t, w2.SyncAndClose())
	assert.Equal(t, 1, p.MaxFdsUsed())
	assert.Equal(t, testData+testData, readBack(t, name1))
	assert.Equal(t, testData, readBack(t, name2))
}

func TestWriteAndReadFromWriter(t *testing.T) {
	p := newTestPool(t, 1)
	name := filepath.Join(t.TempDir(), "rw")

	w, err := NewWriter(p, name, WithStyle(ReadWrite), WithTruncate(Truncate), WithWriteBuffer(64))
	require.NoError(t, err)
	defer w.Close()
	require.NoError(t, w.Pwrite([]byte(testData), 0))
	assert.Equal(t, len(testData), w.Buffered())

	buf := make([]byte, len(testData))
	require.NoError(t, w.Pread(buf, 0))
	assert.Equal(t, testData, string(buf))
	assert.Equal(t, 0, w.Buffered())
	require.NoError(t, w.SyncAndClose())
}

func TestWriteCoalescing(t *testing.T) {
	p := newTestPool(t, 1)
	name := filepath.Join(t.TempDir(), "coalesce")

	w, err := NewWriter(p, name, WithTruncate(Truncate))
	require.NoError(t, err)
	defer w.Close()
	require.NoError(t, w.BufferWrites(8))

	require.NoError(t, w.Pwrite([]byte("abc"), 0))
	require.NoError(t, w.Pwrite([]byte("def"), 3))
	assert.Equal(t, 6, w.Buffered())
	// nothing opened yet: all of it sits in memory
	assert.Equal(t, 0, p.MaxFdsUsed())

	// does not fit: flush, then buffer
	require.NoError(t, w.Pwrite([]byte("ghi"), 6))
	assert.Equal(t, 3, w.Buffered())
	assert.Equal(t, "abcdef", readBack(t, name))

	// not contiguous: flush, then buffer
	require.NoError(t, w.Pwrite([]byte("z"), 20))
	assert.Equal(t, 1, w.Buffered())

	// larger than the buffer: written straight through
	require.NoError(t, w.Pwrite([]byte("0123456789"), 9))
	assert.Equal(t, 1, w.Buffered())

	require.NoError(t, w.SyncAndClose())
	assert.Equal(t, 0, w.Buffered())
	assert.Equal(t, "abcdefghi0123456789\x00z", readBack(t, name))
}

func TestWriterCloseWithUnflushedData(t *testing.T) {
	p := newTestPool(t, 1)
	name := filepath.Join(t.TempDir(), "lost")

	w, err := NewWriter(p, name, WithWriteBuffer(16))
	require.NoError(t, err)
	require.NoError(t, w.Pwrite([]byte("data"), 0))

	err = w.Close()
	assert.True(t, errors.Is(err, ErrUnflushedWrites))
	assert.Equal(t, 0, p.Len())
	assert.NoError(t, w.Close())
	assert.True(t, errors.Is(w.Pwrite([]byte("x"), 0), ErrClosed))
}

func TestDeferredCloseErrorOnWriter(t *testing.T) {
	p := newTestPool(t, 1)
	dir := t.TempDir()

	w1, err := NewWriter(p, filepath.Join(dir, "one"))
	require.NoError(t, err)
	defer w1.Close()
	require.NoError(t, w1.Pwrite([]byte(testData), 0))

	// pull the descriptor out from under the pool so the steal's fsync fails
	require.NoError(t, unix.Close(w1.h.ref.reservation.fd))

	w2, err := NewWriter(p, filepath.Join(dir, "two"))
	require.NoError(t, err)
	defer w2.Close()
	require.NoError(t, w2.Pwrite([]byte(testData), 0))
	require.NoError(t, w2.SyncAndClose())

	// delivered once, to the owner's next call
	err = w1.Pwrite([]byte(testData), 0)
	assert.True(t, errors.Is(err, ErrIO))
	assert.True(t, errors.Is(err, unix.EBADF))
	assert.NoError(t, w1.Pwrite([]byte(testData), 0))
	assert.NoError(t, w1.SyncAndClose())
}

func TestDeferredCloseErrorOnReaderIsDropped(t *testing.T) {
	p := newTestPool(t, 1)
	r1, err := NewReader(p, seedFile(t, testData))
	require.NoError(t, err)
	defer r1.Close()
	buf := make([]byte, len(testData))
	require.NoError(t, r1.Pread(buf, 0))
	require.NoError(t, unix.Close(r1.h.ref.reservation.fd))

	r2, err := NewReader(p, seedFile(t, testData))
	require.NoError(t, err)
	defer r2.Close()
	require.NoError(t, r2.Pread(buf, 0))

	assert.NoError(t, r1.Pread(buf, 0))
	assert.Equal(t, testData, string(buf))
}

func TestCRCRoundTrip(t *testing.T) {
	p := newTestPool(t, 2)
	name := filepath.Join(t.TempDir(), "crc")
	data := []byte("some payload worth protecting")

	require.NoError(t, p.WriteSimpleFileWithCRC(name, data, 0644))
	got, err := p.ReadSimpleFileWithCRC(name)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	raw, err := os.ReadFile(name)
	require.NoError(t, err)
	require.Len(t, raw, len(data)+CRCSize)
	for i := range data {
		corrupt := append([]byte(nil), raw...)
		corrupt[i] ^= 0x01
		require.NoError(t, os.WriteFile(name, corrupt, 0644))
		_, err := p.ReadSimpleFileWithCRC(name)
		require.True(t, errors.Is(err, ErrChecksumMismatch), "flipped byte %d", i)
	}
}

func TestPreadCRCKeepsTrailer(t *testing.T) {
	p := newTestPool(t, 1)
	name := filepath.Join(t.TempDir(), "crc")

	w, err := NewWriter(p, name, WithStyle(ReadWrite))
	require.NoError(t, err)
	buf := append([]byte("payload"), 0, 0, 0, 0)
	require.NoError(t, w.PwriteCRC(buf, 0))

	got := make([]byte, len(buf))
	require.NoError(t, w.PreadCRC(got, 0))
	assert.Equal(t, buf, got)
	require.NoError(t, w.SyncAndClose())
	require.NoError(t, w.Close())

	r, err := NewReader(p, name)
	require.NoError(t, err)
	defer r.Close()
	require.NoError(t, r.PreadCRC(got, 0))
	assert.True(t, errors.Is(r.PreadCRC(got[:5], 0), ErrChecksumMismatch))
	assert.True(t, errors.Is(r.PreadCRC(got[:3], 0), ErrChecksumMismatch))
}

func TestSimpleFiles(t *testing.T) {
	p := newTestPool(t, 1)
	name := filepath.Join(t.TempDir(), "x")

	require.NoError(t, p.WriteStringFile(name, "hello", 0644))
	buf := make([]byte, 5)
	require.NoError(t, p.ReadSimpleFile(name, buf))
	assert.Equal(t, "hello", string(buf))

	require.NoError(t, p.WriteSimpleFile(name, []byte("bye"), 0644))
	s, err := p.ReadStringFile(name)
	require.NoError(t, err)
	assert.Equal(t, "bye", s)

	_, err = p.ReadStringFile(name + ".missing")
	assert.True(t, errors.Is(err, ErrNotFound))

	short := seedFile(t, "ab")
	_, err = p.ReadSimpleFileWithCRC(short)
	assert.True(t, errors.Is(err, ErrChecksumMismatch))
}

func TestPoolCloseWithLiveReferences(t *testing.T) {
	p, err := New(1, nil)
	require.NoError(t, err)
	r, err := NewReader(p, seedFile(t, testData))
	require.NoError(t, err)

	assert.True(t, errors.Is(p.Close(), ErrPoolInUse))
	require.NoError(t, r.Close())
	assert.NoError(t, p.Close())
}

func TestDumpState(t *testing.T) {
	p := newTestPool(t, 2)
	name := seedFile(t, testData)
	r, err := NewReader(p, name)
	require.NoError(t, err)
	defer r.Close()
	require.NoError(t, r.Pread(make([]byte, 4), 0))

	var out strings.Builder
	p.DumpState(&out, true)
	assert.Contains(t, out.String(), "maxFds = 2 maxFdsUsed = 1 numFdsUsed = 1")
	assert.Contains(t, out.String(), fmt.Sprintf("%s: refcount=1 fd=", name))

	out.Reset()
	p.DumpState(&out, false)
	assert.NotContains(t, out.String(), name)
}
