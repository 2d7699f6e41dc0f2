// Package packstore is an append-only key/value store. Records are appended
// to numbered pack files through a filepool.Pool and located through a
// LevelDB index, so any number of packs can be served with a small,
// fixed descriptor budget.
package packstore

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/rarydzu/fdpool/filepool"
	"github.com/rarydzu/fdpool/osfile"
	"github.com/rarydzu/fdpool/utils"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/ztrue/tracerr"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultMaxPackSize is the pack size after which a new pack is started
	DefaultMaxPackSize = 64 << 20
	// DefaultWriteBufferSize coalesces appends to the active pack
	DefaultWriteBufferSize = 64 << 10
	// DefaultConcurrency bounds parallel reads in GetMany
	DefaultConcurrency = 8

	packSuffix   = ".pack"
	locationSize = 16 // pack(4) | offset(8) | length(4)
)

var (
	ErrNotFound = errors.New("key not found")
	ErrEmptyKey = errors.New("empty key")
	ErrReadOnly = errors.New("store is read only")
	ErrTooLarge = errors.New("record too large")
)

type Options struct {
	MaxPackSize     int64
	WriteBufferSize int
	Concurrency     int
	ReadOnly        bool
}

func (o *Options) setDefaults() {
	if o.MaxPackSize <= 0 {
		o.MaxPackSize = DefaultMaxPackSize
	}
	// record lengths are stored as uint32
	if o.MaxPackSize > math.MaxUint32 {
		o.MaxPackSize = math.MaxUint32
	}
	if o.WriteBufferSize < 0 {
		o.WriteBufferSize = 0
	}
	if o.Concurrency <= 0 {
		o.Concurrency = DefaultConcurrency
	}
}

// location is where a record lives
type location struct {
	pack   uint32
	offset int64
	length uint32
}

func (l location) encode() []byte {
	buf := make([]byte, locationSize)
	copy(buf[0:4], utils.Uint32ToBytes(l.pack))
	copy(buf[4:12], utils.Uint64ToBytes(uint64(l.offset)))
	copy(buf[12:16], utils.Uint32ToBytes(l.length))
	return buf
}

func decodeLocation(b []byte) (location, error) {
	if len(b) != locationSize {
		return location{}, fmt.Errorf("invalid index entry of %d bytes", len(b))
	}
	return location{
		pack:   utils.BytesToUint32(b[0:4]),
		offset: int64(utils.BytesToUint64(b[4:12])),
		length: utils.BytesToUint32(b[12:16]),
	}, nil
}

// preader is satisfied by both filepool.Reader and filepool.Writer
type preader interface {
	Pread(buf []byte, offset int64) error
	PreadCRC(buf []byte, offset int64) error
}

type Store struct {
	sync.RWMutex
	dir  string
	pool *filepool.Pool
	db   *leveldb.DB
	opts Options
	log  *zap.SugaredLogger
	// active is the pack being appended to, nil when read only
	active     *filepool.Writer
	activeID   uint32
	activeSize int64
}

// Open opens or creates a store in dir. The last pack is reopened for
// appending; if it ends in a torn record a new pack is started instead.
func Open(dir string, pool *filepool.Pool, opts Options, log *zap.SugaredLogger) (*Store, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	opts.setDefaults()
	s := &Store{
		dir:  dir,
		pool: pool,
		opts: opts,
		log:  log,
	}
	if err := os.MkdirAll(s.packDir(), 0755); err != nil {
		return nil, tracerr.Wrap(err)
	}
	db, err := leveldb.OpenFile(filepath.Join(dir, "index"), nil)
	if err != nil {
		return nil, tracerr.Errorf("open index: %w", err)
	}
	s.db = db

	ids, err := s.packIDs()
	if err != nil {
		db.Close()
		return nil, err
	}
	if len(ids) > 0 {
		s.activeID = ids[len(ids)-1]
	}
	if opts.ReadOnly {
		s.log.Debugf("packstore %s opened read only, %d packs", dir, len(ids))
		return s, nil
	}
	if err := s.openActiveLocked(len(ids) == 0); err != nil {
		db.Close()
		return nil, err
	}
	s.log.Debugf("packstore %s opened, %d packs, active pack %d at %d", dir, len(ids), s.activeID, s.activeSize)
	return s, nil
}

func (s *Store) packDir() string {
	return filepath.Join(s.dir, "packs")
}

func (s *Store) packPath(id uint32) string {
	return filepath.Join(s.packDir(), fmt.Sprintf("%08d%s", id, packSuffix))
}

// packIDs lists existing packs in ascending order
func (s *Store) packIDs() ([]uint32, error) {
	entries, err := os.ReadDir(s.packDir())
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	var ids []uint32
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), packSuffix) {
			continue
		}
		id, err := strconv.ParseUint(strings.TrimSuffix(e.Name(), packSuffix), 10, 32)
		if err != nil {
			s.log.Warnf("ignoring unexpected file %s in %s", e.Name(), s.packDir())
			continue
		}
		ids = append(ids, uint32(id))
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *Store) openActiveLocked(fresh bool) error {
	name := s.packPath(s.activeID)
	truncate := filepool.NoTruncate
	size := int64(0)
	if fresh {
		truncate = filepool.Truncate
	} else {
		var err error
		if size, err = osfile.FileSize(name); err != nil && !errors.Is(err, os.ErrNotExist) {
			return tracerr.Errorf("stat %s: %w", name, err)
		}
	}
	if size > 0 {
		end, err := s.validEnd(s.activeID, name)
		if err != nil {
			return err
		}
		if end < size {
			// appending behind a torn record would hide the new records from Reindex
			s.log.Warnf("pack %d: %d bytes of garbage after %d, starting a new pack", s.activeID, size-end, end)
			s.activeID++
			return s.openActiveLocked(true)
		}
	}
	w, err := filepool.NewWriter(s.pool, name,
		filepool.WithStyle(filepool.ReadWrite),
		filepool.WithTruncate(truncate),
		filepool.WithPerm(0644),
		filepool.WithWriteBuffer(s.opts.WriteBufferSize))
	if err != nil {
		return err
	}
	s.active = w
	s.activeSize = size
	return nil
}

// validEnd returns the offset just past the last intact record of a pack
func (s *Store) validEnd(id uint32, name string) (int64, error) {
	r, err := filepool.NewReader(s.pool, name)
	if err != nil {
		return 0, err
	}
	defer r.Close()
	return s.scanPack(id, r, r.Filesize(), func(*Record, location) error { return nil })
}

// rollLocked seals the active pack and starts the next one
func (s *Store) rollLocked() error {
	if err := s.closeActiveLocked(); err != nil {
		return err
	}
	s.activeID++
	s.log.Infof("packstore %s: starting pack %d", s.dir, s.activeID)
	return s.openActiveLocked(true)
}

func (s *Store) closeActiveLocked() error {
	if s.active == nil {
		return nil
	}
	err := s.active.SyncAndClose()
	err = multierr.Append(err, s.active.Close())
	s.active = nil
	return err
}

func (s *Store) appendLocked(rec *Record) (location, error) {
	if s.active == nil {
		return location{}, tracerr.Wrap(ErrReadOnly)
	}
	size := int64(rec.Size())
	if size > s.opts.MaxPackSize {
		return location{}, tracerr.Errorf("%d bytes: %w", size, ErrTooLarge)
	}
	if s.activeSize > 0 && s.activeSize+size > s.opts.MaxPackSize {
		if err := s.rollLocked(); err != nil {
			return location{}, err
		}
	}
	loc := location{pack: s.activeID, offset: s.activeSize, length: uint32(size)}
	if err := s.active.PwriteCRC(rec.Encode(), loc.offset); err != nil {
		return location{}, err
	}
	s.activeSize += size
	return loc, nil
}

// Put appends key and value to the active pack and indexes it
func (s *Store) Put(key, value []byte) error {
	if len(key) == 0 {
		return tracerr.Wrap(ErrEmptyKey)
	}
	if len(key) > MaxKeySize {
		return tracerr.Errorf("key of %d bytes: %w", len(key), ErrTooLarge)
	}
	s.Lock()
	defer s.Unlock()
	loc, err := s.appendLocked(NewRecord(key, value))
	if err != nil {
		return err
	}
	return tracerr.Wrap(s.db.Put(key, loc.encode(), nil))
}

// Delete appends a tombstone for key and drops it from the index
func (s *Store) Delete(key []byte) error {
	s.Lock()
	defer s.Unlock()
	if _, err := s.lookup(key); err != nil {
		return err
	}
	rec := NewRecord(key, nil)
	rec.Tombstone()
	if _, err := s.appendLocked(rec); err != nil {
		return err
	}
	return tracerr.Wrap(s.db.Delete(key, nil))
}

func (s *Store) lookup(key []byte) (location, error) {
	v, err := s.db.Get(key, nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return location{}, tracerr.Errorf("%q: %w", key, ErrNotFound)
		}
		return location{}, tracerr.Wrap(err)
	}
	return decodeLocation(v)
}

// Get returns the value stored under key
func (s *Store) Get(key []byte) ([]byte, error) {
	s.RLock()
	defer s.RUnlock()
	loc, err := s.lookup(key)
	if err != nil {
		return nil, err
	}
	rec, err := s.readRecord(loc)
	if err != nil {
		return nil, err
	}
	return rec.Value, nil
}

// readRecord reads and verifies the record at loc. The active pack is read
// through its writer, sealed packs through a short-lived reader.
func (s *Store) readRecord(loc location) (*Record, error) {
	buf := make([]byte, loc.length)
	if s.active != nil && loc.pack == s.activeID {
		if err := s.active.PreadCRC(buf, loc.offset); err != nil {
			return nil, err
		}
	} else {
		r, err := filepool.NewReader(s.pool, s.packPath(loc.pack))
		if err != nil {
			return nil, err
		}
		err = r.PreadCRC(buf, loc.offset)
		r.Close()
		if err != nil {
			return nil, err
		}
	}
	rec := &Record{}
	if err := rec.Decode(buf); err != nil {
		return nil, tracerr.Errorf("pack %d offset %d: %w", loc.pack, loc.offset, err)
	}
	return rec, nil
}

// GetMany reads keys in parallel, bounded by Options.Concurrency. The
// result is in key order; the first failure cancels the rest.
func (s *Store) GetMany(ctx context.Context, keys [][]byte) ([][]byte, error) {
	values := make([][]byte, len(keys))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Concurrency)
	for i := range keys {
		i := i
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			v, err := s.Get(keys[i])
			if err != nil {
				return err
			}
			values[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return values, nil
}

// Keys returns all live keys in index order
func (s *Store) Keys() ([][]byte, error) {
	s.RLock()
	defer s.RUnlock()
	iter := s.db.NewIterator(nil, nil)
	defer iter.Release()
	var keys [][]byte
	for iter.Next() {
		keys = append(keys, append([]byte(nil), iter.Key()...))
	}
	return keys, tracerr.Wrap(iter.Error())
}

// Sync makes everything appended so far durable. The active pack gives its
// descriptor back to the pool and reopens on the next append.
func (s *Store) Sync() error {
	s.Lock()
	defer s.Unlock()
	if s.active == nil {
		return nil
	}
	return s.active.SyncAndClose()
}

// Packs returns the number of pack files
func (s *Store) Packs() (int, error) {
	ids, err := s.packIDs()
	return len(ids), err
}

// scanPack walks the records of one pack in order. It stops at the first
// truncated or corrupted record, which it reports through the returned
// offset being less than size.
func (s *Store) scanPack(id uint32, src preader, size int64, fn func(*Record, location) error) (int64, error) {
	hdr := make([]byte, headerSize)
	off := int64(0)
	for off < size {
		if size-off < metaSize {
			s.log.Warnf("pack %d: truncated record at %d", id, off)
			return off, nil
		}
		if err := src.Pread(hdr, off); err != nil {
			return off, err
		}
		_, recSize, err := decodeHeader(hdr)
		if err != nil || off+int64(recSize) > size {
			s.log.Warnf("pack %d: bad record header at %d", id, off)
			return off, nil
		}
		buf := make([]byte, recSize)
		if err := src.PreadCRC(buf, off); err != nil {
			if errors.Is(err, filepool.ErrChecksumMismatch) {
				s.log.Warnf("pack %d: %v", id, err)
				return off, nil
			}
			return off, err
		}
		rec := &Record{}
		if err := rec.Decode(buf); err != nil {
			return off, err
		}
		if err := fn(rec, location{pack: id, offset: off, length: uint32(recSize)}); err != nil {
			return off, err
		}
		off += int64(recSize)
	}
	return off, nil
}

// Walk calls fn for every record of every pack, oldest first, including
// tombstones and superseded values.
func (s *Store) Walk(fn func(rec *Record, pack uint32, offset int64) error) error {
	s.RLock()
	defer s.RUnlock()
	return s.walkLocked(func(rec *Record, loc location) error {
		return fn(rec, loc.pack, loc.offset)
	})
}

func (s *Store) walkLocked(fn func(*Record, location) error) error {
	ids, err := s.packIDs()
	if err != nil {
		return err
	}
	for _, id := range ids {
		if s.active != nil && id == s.activeID {
			if _, err := s.scanPack(id, s.active, s.activeSize, fn); err != nil {
				return err
			}
			continue
		}
		r, err := filepool.NewReader(s.pool, s.packPath(id))
		if err != nil {
			return err
		}
		_, err = s.scanPack(id, r, r.Filesize(), fn)
		r.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

// Reindex rebuilds the index from the packs and returns the number of
// live keys.
func (s *Store) Reindex() (int, error) {
	s.Lock()
	defer s.Unlock()

	wb := new(leveldb.Batch)
	iter := s.db.NewIterator(nil, nil)
	for iter.Next() {
		wb.Delete(append([]byte(nil), iter.Key()...))
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return 0, tracerr.Wrap(err)
	}

	live := map[string]struct{}{}
	err := s.walkLocked(func(rec *Record, loc location) error {
		if rec.IsTombstoned() {
			wb.Delete(rec.Key)
			delete(live, string(rec.Key))
			return nil
		}
		wb.Put(rec.Key, loc.encode())
		live[string(rec.Key)] = struct{}{}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if err := s.db.Write(wb, nil); err != nil {
		return 0, tracerr.Wrap(err)
	}
	s.log.Infof("packstore %s reindexed, %d keys", s.dir, len(live))
	return len(live), nil
}

// Close syncs the active pack and closes the index
func (s *Store) Close() error {
	s.Lock()
	defer s.Unlock()
	err := s.closeActiveLocked()
	return multierr.Append(err, tracerr.Wrap(s.db.Close()))
}
